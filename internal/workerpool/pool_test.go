package workerpool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kingrea/lattice-distributor/internal/workflow"
)

func echoWorker(id string, caps ...string) *FuncWorker {
	return NewFuncWorker(id, caps, func(ctx context.Context, capability string, payload workflow.Payload, opts ExecuteOptions) (Result, error) {
		return Result{Success: true, Output: opts.FeatureID}, nil
	})
}

func TestNewLocalPoolRejectsDuplicates(t *testing.T) {
	_, err := NewLocalPool(echoWorker("w1", "backend"), echoWorker("w1", "frontend"))
	require.ErrorContains(t, err, "duplicate worker id w1")

	_, err = NewLocalPool()
	require.Error(t, err)
}

func TestAcquireMatchesCapability(t *testing.T) {
	pool, err := NewLocalPool(
		echoWorker("be", "backend"),
		echoWorker("fe", "frontend"),
		echoWorker("any", Wildcard),
	)
	require.NoError(t, err)
	ctx := context.Background()

	w, err := pool.Acquire(ctx, "frontend")
	require.NoError(t, err)
	require.Equal(t, "fe", w.ID())

	// fe is busy, the wildcard worker takes the next frontend request.
	w2, err := pool.Acquire(ctx, "frontend")
	require.NoError(t, err)
	require.Equal(t, "any", w2.ID())

	_, err = pool.Acquire(ctx, "frontend")
	require.ErrorIs(t, err, ErrNoWorkerAvailable)
	require.Equal(t, 2, pool.Busy())

	pool.Release(w)
	w3, err := pool.Acquire(ctx, "frontend")
	require.NoError(t, err)
	require.Equal(t, "fe", w3.ID())

	avail := pool.AvailableWorkers()
	require.Len(t, avail, 1)
	require.Equal(t, "be", avail[0].ID())
}

func TestAcquireWithoutCapableWorker(t *testing.T) {
	pool, err := NewLocalPool(echoWorker("be", "backend"))
	require.NoError(t, err)

	_, err = pool.Acquire(context.Background(), "design")
	require.ErrorIs(t, err, ErrNoCapableWorker)

	// An empty capability matches any worker.
	w, err := pool.Acquire(context.Background(), "")
	require.NoError(t, err)
	require.Equal(t, "be", w.ID())
}

func TestAcquireHonoursCancelledContext(t *testing.T) {
	pool, err := NewLocalPool(echoWorker("be", "backend"))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = pool.Acquire(ctx, "backend")
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, pool.Busy())
}

func TestWorkerLookup(t *testing.T) {
	pool, err := NewLocalPool(echoWorker("be", "backend"))
	require.NoError(t, err)
	w, err := pool.Worker("be")
	require.NoError(t, err)
	require.Equal(t, "be", w.ID())
	_, err = pool.Worker("nope")
	require.ErrorIs(t, err, ErrUnknownWorker)
}

func TestAcquireIsExclusiveUnderContention(t *testing.T) {
	pool, err := NewLocalPool(echoWorker("a", "x"), echoWorker("b", "x"), echoWorker("c", "x"))
	require.NoError(t, err)

	var (
		mu     sync.Mutex
		held   = map[string]int{}
		misses int
		wg     sync.WaitGroup
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w, err := pool.Acquire(context.Background(), "x")
			mu.Lock()
			defer mu.Unlock()
			if errors.Is(err, ErrNoWorkerAvailable) {
				misses++
				return
			}
			held[w.ID()]++
		}()
	}
	wg.Wait()
	require.Len(t, held, 3)
	for id, n := range held {
		require.Equalf(t, 1, n, "worker %s acquired %d times", id, n)
	}
	require.Equal(t, 17, misses)
}

func TestFromEntriesExpandsCapacity(t *testing.T) {
	entries := []workflow.WorkerEntry{
		{Name: "api", Role: "backend", Capacity: 2},
		{Name: "ui", Role: "frontend", Capabilities: []string{"design"}},
	}
	pool, err := FromEntries(entries, func(slot string, entry workflow.WorkerEntry) (Worker, error) {
		return echoWorker(slot, entry.Capabilities...), nil
	})
	require.NoError(t, err)

	var ids []string
	for _, w := range pool.Workers() {
		ids = append(ids, w.ID())
	}
	require.Equal(t, []string{"api-1", "api-2", "ui"}, ids)
	require.Equal(t, []string{"backend", "frontend", "design"}, pool.Capabilities())
}

func TestFromEntriesRequiresCommand(t *testing.T) {
	_, err := FromEntries([]workflow.WorkerEntry{{Name: "api", Role: "backend"}}, nil)
	require.ErrorContains(t, err, "has no command")
}

func TestFuncWorkerRecoversPanic(t *testing.T) {
	w := NewFuncWorker("p", []string{"x"}, func(context.Context, string, workflow.Payload, ExecuteOptions) (Result, error) {
		panic("boom")
	})
	result, err := w.ExecuteAgent(context.Background(), "x", nil, ExecuteOptions{})
	require.ErrorContains(t, err, "panicked: boom")
	require.False(t, result.Success)
	require.Equal(t, "boom", result.Error)
}

func TestFuncWorkerGetsPayloadCopy(t *testing.T) {
	payload := workflow.Payload{"k": "v"}
	w := NewFuncWorker("p", nil, func(_ context.Context, _ string, p workflow.Payload, _ ExecuteOptions) (Result, error) {
		p["k"] = "changed"
		return Result{Success: true}, nil
	})
	_, err := w.ExecuteAgent(context.Background(), "", payload, ExecuteOptions{})
	require.NoError(t, err)
	require.Equal(t, "v", payload["k"])
}

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestCommandWorkerReportsProgressAndOutput(t *testing.T) {
	requireShell(t)
	w := NewCommandWorker("cmd", []string{"backend"},
		`echo "PROGRESS 40"; echo "PROGRESS 80%"; printf '{"feature":"%s"}\n' "$LATTICE_FEATURE_ID"`)

	var (
		mu   sync.Mutex
		seen []int
	)
	result, err := w.ExecuteAgent(context.Background(), "backend", workflow.Payload{"n": 1}, ExecuteOptions{
		FeatureID: "auth",
		OnProgress: func(p int) {
			mu.Lock()
			seen = append(seen, p)
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	require.True(t, result.Success, result.Error)
	require.Equal(t, []int{40, 80}, seen)
	require.Equal(t, map[string]any{"feature": "auth"}, result.Output)
}

func TestCommandWorkerReadsInputFromStdin(t *testing.T) {
	requireShell(t)
	w := NewCommandWorker("cmd", []string{"backend"}, `cat`)
	result, err := w.ExecuteAgent(context.Background(), "backend", workflow.Payload{"n": "one"}, ExecuteOptions{
		FeatureID:         "api",
		DependencyOutputs: map[string]any{"db": "ok"},
	})
	require.NoError(t, err)
	require.True(t, result.Success)
	doc, ok := result.Output.(map[string]any)
	require.True(t, ok, "output %T", result.Output)
	require.Equal(t, "api", doc["featureId"])
	require.Equal(t, map[string]any{"n": "one"}, doc["payload"])
	require.Equal(t, map[string]any{"db": "ok"}, doc["dependencyOutputs"])
}

func TestCommandWorkerFailure(t *testing.T) {
	requireShell(t)
	w := NewCommandWorker("cmd", nil, `echo "bad input" >&2; exit 3`)
	result, err := w.ExecuteAgent(context.Background(), "", nil, ExecuteOptions{FeatureID: "x"})
	require.NoError(t, err)
	require.False(t, result.Success)
	require.Contains(t, result.Error, "exit status 3")
	require.Contains(t, result.Error, "bad input")
}

func TestCommandWorkerTimeoutIsFailure(t *testing.T) {
	requireShell(t)
	w := NewCommandWorker("cmd", nil, `exec sleep 5`, WithTimeout(50*time.Millisecond))
	result, err := w.ExecuteAgent(context.Background(), "", nil, ExecuteOptions{FeatureID: "x"})
	require.NoError(t, err)
	require.False(t, result.Success)
	require.Contains(t, result.Error, "timed out")
}

func TestLineWriterKeepsTailWithinLimit(t *testing.T) {
	w := &lineWriter{onLine: func(line string) bool { return !strings.HasPrefix(line, progressPrefix) }}
	row := strings.Repeat("x", 1023) + "\n"
	for i := 0; i < 200; i++ {
		_, err := fmt.Fprintf(w, "PROGRESS %d\n", i%100)
		require.NoError(t, err)
		_, err = io.WriteString(w, row)
		require.NoError(t, err)
	}
	_, err := io.WriteString(w, "last line")
	require.NoError(t, err)
	w.flush()

	out := w.String()
	require.LessOrEqual(t, len(out), maxKeptBytes)
	require.True(t, strings.HasSuffix(out, "\nlast line"), "tail lost")
	require.NotContains(t, out, progressPrefix)

	huge := &lineWriter{}
	_, err = io.WriteString(huge, strings.Repeat("y", 3*maxKeptBytes)+"end")
	require.NoError(t, err)
	huge.flush()
	require.Len(t, huge.String(), maxKeptBytes)
	require.True(t, strings.HasSuffix(huge.String(), "yend"))
}

func TestCommandWorkerBoundsOutput(t *testing.T) {
	requireShell(t)
	w := NewCommandWorker("cmd", nil,
		`i=0; while [ $i -lt 3000 ]; do echo "line $i padded with enough text to add up"; echo "err $i" >&2; i=$((i+1)); done; exit 1`)
	result, err := w.ExecuteAgent(context.Background(), "", nil, ExecuteOptions{FeatureID: "x"})
	require.NoError(t, err)
	require.False(t, result.Success)
	require.Contains(t, result.Error, "err 2999")

	w = NewCommandWorker("cmd", nil,
		`i=0; while [ $i -lt 3000 ]; do echo "line $i padded with enough text to add up"; i=$((i+1)); done`)
	result, err = w.ExecuteAgent(context.Background(), "", nil, ExecuteOptions{FeatureID: "x"})
	require.NoError(t, err)
	require.True(t, result.Success, result.Error)
	out, ok := result.Output.(string)
	require.True(t, ok, "output %T", result.Output)
	require.LessOrEqual(t, len(out), maxKeptBytes)
	require.True(t, strings.HasSuffix(out, "line 2999 padded with enough text to add up"))
	require.False(t, strings.HasPrefix(out, "line 0 "))
}

func TestParseProgress(t *testing.T) {
	cases := map[string]struct {
		want int
		ok   bool
	}{
		"PROGRESS 10":   {10, true},
		"PROGRESS 55%":  {55, true},
		"PROGRESS half": {0, false},
		"progress 10":   {0, false},
		"hello":         {0, false},
	}
	for line, tc := range cases {
		got, ok := parseProgress(line)
		require.Equal(t, tc.ok, ok, line)
		require.Equal(t, tc.want, got, line)
	}
}
