package workerpool

import (
	"context"
	"fmt"
	"time"

	"github.com/kingrea/lattice-distributor/internal/workflow"
)

// ExecuteFunc is the signature of Worker.ExecuteAgent.
type ExecuteFunc func(ctx context.Context, capability string, payload workflow.Payload, opts ExecuteOptions) (Result, error)

// FuncWorker adapts a function into a Worker.
type FuncWorker struct {
	id   string
	caps []string
	fn   ExecuteFunc
}

// NewFuncWorker wraps fn. A nil fn always succeeds.
func NewFuncWorker(id string, capabilities []string, fn ExecuteFunc) *FuncWorker {
	return &FuncWorker{id: id, caps: append([]string(nil), capabilities...), fn: fn}
}

func (w *FuncWorker) ID() string { return w.id }

func (w *FuncWorker) Capabilities() []string { return append([]string(nil), w.caps...) }

// ExecuteAgent runs the wrapped function and fills in Duration when it is
// left unset. Panics surface as errors.
func (w *FuncWorker) ExecuteAgent(ctx context.Context, capability string, payload workflow.Payload, opts ExecuteOptions) (result Result, err error) {
	if w.fn == nil {
		return Result{Success: true}, nil
	}
	started := time.Now()
	defer func() {
		if r := recover(); r != nil {
			result = Result{Success: false, Error: fmt.Sprint(r)}
			err = fmt.Errorf("workerpool: worker %s panicked: %v", w.id, r)
		}
		if result.Duration == 0 {
			result.Duration = time.Since(started)
		}
	}()
	return w.fn(ctx, capability, payload.Clone(), opts)
}
