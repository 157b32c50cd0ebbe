package workerpool

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/kingrea/lattice-distributor/internal/workflow"
)

const progressPrefix = "PROGRESS "

// maxKeptBytes bounds the stdout and stderr a command worker holds on to.
// Older lines are dropped first.
const maxKeptBytes = 64 << 10

// CommandWorker runs a shell command per feature. The command receives a JSON
// document on stdin and LATTICE_FEATURE_* variables in its environment.
// Stdout lines of the form "PROGRESS <n>" report progress; all other stdout
// becomes the output. A non-zero exit is a failed result.
type CommandWorker struct {
	id      string
	caps    []string
	command string
	shell   []string
	dir     string
	env     []string
	timeout time.Duration
}

// CommandOption customizes a CommandWorker.
type CommandOption func(*CommandWorker)

// WithTimeout bounds each execution. Zero means no limit.
func WithTimeout(d time.Duration) CommandOption {
	return func(w *CommandWorker) {
		if d > 0 {
			w.timeout = d
		}
	}
}

// WithDir sets the working directory.
func WithDir(dir string) CommandOption {
	return func(w *CommandWorker) {
		w.dir = dir
	}
}

// WithEnv appends KEY=VALUE pairs to the inherited environment.
func WithEnv(env ...string) CommandOption {
	return func(w *CommandWorker) {
		w.env = append(w.env, env...)
	}
}

// WithShell overrides the interpreter, default ["sh", "-c"].
func WithShell(shell ...string) CommandOption {
	return func(w *CommandWorker) {
		if len(shell) > 0 {
			w.shell = append([]string(nil), shell...)
		}
	}
}

// NewCommandWorker creates a worker invoking command through the shell.
func NewCommandWorker(id string, capabilities []string, command string, opts ...CommandOption) *CommandWorker {
	w := &CommandWorker{
		id:      id,
		caps:    append([]string(nil), capabilities...),
		command: command,
		shell:   []string{"sh", "-c"},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	return w
}

func (w *CommandWorker) ID() string { return w.id }

func (w *CommandWorker) Capabilities() []string { return append([]string(nil), w.caps...) }

type commandInput struct {
	FeatureID         string           `json:"featureId"`
	WorkerID          string           `json:"workerId"`
	Capability        string           `json:"capability"`
	Attempt           int              `json:"attempt"`
	Payload           workflow.Payload `json:"payload,omitempty"`
	DependencyOutputs map[string]any   `json:"dependencyOutputs,omitempty"`
}

// ExecuteAgent runs the command once.
func (w *CommandWorker) ExecuteAgent(ctx context.Context, capability string, payload workflow.Payload, opts ExecuteOptions) (Result, error) {
	started := time.Now()
	if w.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}
	input, err := json.Marshal(commandInput{
		FeatureID:         opts.FeatureID,
		WorkerID:          w.id,
		Capability:        capability,
		Attempt:           opts.Attempt,
		Payload:           payload,
		DependencyOutputs: opts.DependencyOutputs,
	})
	if err != nil {
		return Result{}, fmt.Errorf("workerpool: encode input: %w", err)
	}
	args := append(append([]string(nil), w.shell[1:]...), w.command)
	cmd := exec.CommandContext(ctx, w.shell[0], args...)
	cmd.Dir = w.dir
	cmd.Stdin = bytes.NewReader(input)
	cmd.Env = append(os.Environ(), w.env...)
	cmd.Env = append(cmd.Env,
		"LATTICE_FEATURE_ID="+opts.FeatureID,
		"LATTICE_FEATURE_CAPABILITY="+capability,
		"LATTICE_FEATURE_ATTEMPT="+strconv.Itoa(opts.Attempt),
		"LATTICE_WORKER_ID="+w.id,
	)
	stderr := &lineWriter{}
	cmd.Stderr = stderr
	stdout := &lineWriter{onLine: func(line string) bool {
		if percent, ok := parseProgress(line); ok {
			opts.progress(percent)
			return false
		}
		return true
	}}
	cmd.Stdout = stdout
	cmd.WaitDelay = time.Second
	waitErr := cmd.Run()
	stdout.flush()
	stderr.flush()

	result := Result{
		Success:  waitErr == nil,
		Output:   decodeOutput(stdout.String()),
		Duration: time.Since(started),
	}
	if waitErr != nil {
		switch {
		case errors.Is(waitErr, exec.ErrNotFound):
			return Result{}, fmt.Errorf("workerpool: start %s: %w", w.id, waitErr)
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			result.Error = fmt.Sprintf("timed out after %s", w.timeout)
		case ctx.Err() != nil:
			result.Error = ctx.Err().Error()
		default:
			result.Error = failureMessage(waitErr, stderr.String())
		}
	}
	return result, nil
}

// lineWriter splits command output into lines as it arrives. Lines for which
// onLine returns true are kept, up to maxKeptBytes in total.
type lineWriter struct {
	mu      sync.Mutex
	pending []byte
	kept    []string
	size    int
	onLine  func(string) bool
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending = append(w.pending, p...)
	for {
		idx := bytes.IndexByte(w.pending, '\n')
		if idx < 0 {
			break
		}
		w.emit(strings.TrimRight(string(w.pending[:idx]), "\r"))
		w.pending = w.pending[idx+1:]
	}
	if over := len(w.pending) - maxKeptBytes; over > 0 {
		w.pending = append([]byte(nil), w.pending[over:]...)
	}
	return len(p), nil
}

func (w *lineWriter) flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.pending) > 0 {
		w.emit(string(w.pending))
		w.pending = nil
	}
}

func (w *lineWriter) emit(line string) {
	if w.onLine != nil && !w.onLine(line) {
		return
	}
	if len(line) > maxKeptBytes {
		line = line[len(line)-maxKeptBytes:]
	}
	w.kept = append(w.kept, line)
	w.size += len(line) + 1
	for w.size > maxKeptBytes && len(w.kept) > 1 {
		w.size -= len(w.kept[0]) + 1
		w.kept = w.kept[1:]
	}
}

// String joins the kept lines.
func (w *lineWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return strings.Join(w.kept, "\n")
}

func parseProgress(line string) (int, bool) {
	if !strings.HasPrefix(line, progressPrefix) {
		return 0, false
	}
	value := strings.TrimSuffix(strings.TrimSpace(strings.TrimPrefix(line, progressPrefix)), "%")
	percent, err := strconv.Atoi(value)
	if err != nil {
		return 0, false
	}
	return percent, true
}

// decodeOutput returns parsed JSON when stdout is a JSON document and the raw
// text otherwise.
func decodeOutput(text string) any {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if strings.HasPrefix(text, "{") || strings.HasPrefix(text, "[") {
		var decoded any
		if err := json.Unmarshal([]byte(text), &decoded); err == nil {
			return decoded
		}
	}
	return text
}

func failureMessage(err error, stderr string) string {
	stderr = strings.TrimSpace(stderr)
	if stderr == "" {
		return err.Error()
	}
	lines := strings.Split(stderr, "\n")
	if len(lines) > 5 {
		lines = lines[len(lines)-5:]
	}
	return fmt.Sprintf("%v: %s", err, strings.Join(lines, "\n"))
}
