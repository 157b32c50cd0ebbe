// Package logbook keeps journey.log, the human-readable journal of
// distribution runs shown in the dashboard.
package logbook

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Level is the severity column of an entry.
type Level string

const (
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// Logbook appends one line per entry to a text file. Entries survive across
// runs; use Workflow.Reset to start a fresh journal.
type Logbook struct {
	mu    sync.Mutex
	path  string
	file  *os.File
	clock func() time.Time
}

// Option customizes a Logbook.
type Option func(*Logbook)

// WithClock overrides the entry timestamps.
func WithClock(clock func() time.Time) Option {
	return func(l *Logbook) {
		if clock != nil {
			l.clock = clock
		}
	}
}

// New opens the journal at path, creating parent directories. The file itself
// is created on the first entry.
func New(path string, opts ...Option) (*Logbook, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("logbook: create dir: %w", err)
	}
	l := &Logbook{path: path, clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l, nil
}

// Path returns the file backing this logbook.
func (l *Logbook) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// Append writes one entry stamped with the current time.
func (l *Logbook) Append(level Level, message string) {
	if l == nil {
		return
	}
	l.write(l.clock(), level, message)
}

// write folds multi-line messages (worker stderr, mostly) onto one line so
// every entry stays a single line of the file.
func (l *Logbook) write(at time.Time, level Level, message string) {
	message = strings.Join(strings.Fields(strings.ReplaceAll(message, "\n", " | ")), " ")
	line := fmt.Sprintf("%s %-5s %s\n", at.UTC().Format(time.RFC3339), level, message)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		file, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return
		}
		l.file = file
	}
	_, _ = l.file.WriteString(line)
}

// Close releases the file handle. Later entries reopen it.
func (l *Logbook) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// Tail returns up to maxLines of the most recent entries and the number of
// entries in the file.
func (l *Logbook) Tail(maxLines int) ([]string, int) {
	if l == nil || maxLines <= 0 {
		return nil, 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	file, err := os.Open(l.path)
	if err != nil {
		return nil, 0
	}
	defer file.Close()

	ring := make([]string, maxLines)
	total := 0
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		ring[total%maxLines] = scanner.Text()
		total++
	}
	if total == 0 {
		return nil, 0
	}
	if total <= maxLines {
		return ring[:total], total
	}
	start := total % maxLines
	return append(ring[start:], ring[:start]...), total
}

// Info appends an informational entry.
func (l *Logbook) Info(format string, args ...any) {
	l.Append(LevelInfo, fmt.Sprintf(format, args...))
}

// Warn appends a warning entry.
func (l *Logbook) Warn(format string, args ...any) {
	l.Append(LevelWarn, fmt.Sprintf(format, args...))
}

// Error appends an error entry.
func (l *Logbook) Error(format string, args ...any) {
	l.Append(LevelError, fmt.Sprintf(format, args...))
}
