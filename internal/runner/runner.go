// Package runner maps script types to executors and runs each job in its own
// goroutine, turning the executor's outcome into a terminal job state.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/loopbreaker/scriptrunner/internal/jobs"
	"github.com/loopbreaker/scriptrunner/pkg/models"
)

// ErrUnknownScript is returned for a script type no executor is registered for.
var ErrUnknownScript = errors.New("unknown script type")

const successLog = "Script completed successfully."

// Executor performs the work of one script type.
//
// Run iterates over a bounded set of units (rows, files). Before each unit it
// checks job.Cancelled() and returns jobs.ErrCancelled once set; after each
// unit it reports at least WithProcessed. The returned value is stored as the
// job result and must encode to JSON.
type Executor interface {
	Run(ctx context.Context, job *jobs.Handle, req models.JobRequest) (any, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, job *jobs.Handle, req models.JobRequest) (any, error)

func (f ExecutorFunc) Run(ctx context.Context, job *jobs.Handle, req models.JobRequest) (any, error) {
	return f(ctx, job, req)
}

// Validator is implemented by executors that reject bad options up front.
type Validator interface {
	Validate(req models.JobRequest) error
}

// Dispatcher runs jobs created by a jobs.Manager.
type Dispatcher struct {
	manager   *jobs.Manager
	executors map[models.ScriptType]Executor
	wg        sync.WaitGroup
}

// NewDispatcher creates a Dispatcher over the given executor registry.
func NewDispatcher(manager *jobs.Manager, executors map[models.ScriptType]Executor) *Dispatcher {
	registry := make(map[models.ScriptType]Executor, len(executors))
	for t, e := range executors {
		if e != nil {
			registry[t] = e
		}
	}
	return &Dispatcher{manager: manager, executors: registry}
}

// Supports reports whether an executor is registered for t.
func (d *Dispatcher) Supports(t models.ScriptType) bool {
	_, ok := d.executors[t]
	return ok
}

// ScriptTypes lists the registered script types in name order.
func (d *Dispatcher) ScriptTypes() []models.ScriptType {
	out := make([]models.ScriptType, 0, len(d.executors))
	for t := range d.executors {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Validate checks that req names a registered script type and that the
// executor accepts its options.
func (d *Dispatcher) Validate(req models.JobRequest) error {
	exec, ok := d.executors[req.ScriptType]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownScript, req.ScriptType)
	}
	if v, ok := exec.(Validator); ok {
		return v.Validate(req)
	}
	return nil
}

// Dispatch runs the job in a background goroutine and returns immediately.
func (d *Dispatcher) Dispatch(id uuid.UUID, req models.JobRequest) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.run(context.Background(), id, req)
	}()
}

// Wait blocks until every dispatched job has returned or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run drives one job from pending to a terminal state.
// It recovers from executor panics and always reports an outcome.
func (d *Dispatcher) run(ctx context.Context, id uuid.UUID, req models.JobRequest) {
	logger := slog.With("job_id", id, "script_type", req.ScriptType)

	if err := d.manager.MarkStarted(ctx, id); err != nil {
		logger.Warn("job not started", "error", err)
		return
	}
	_ = d.manager.AppendLog(ctx, id, fmt.Sprintf("Starting %s script...", req.ScriptType))

	handle, err := d.manager.Handle(id)
	if err != nil {
		// cancelled or shut down between start and here
		logger.Info("job finished before executor start", "error", err)
		return
	}

	result, err := d.execute(handle, req)
	if err != nil {
		if !errors.Is(err, jobs.ErrCancelled) {
			logger.Error("script failed", "error", err)
		}
		_ = d.manager.AppendLog(ctx, id, "Error: "+err.Error())
		if ferr := d.manager.Fail(ctx, id, err.Error()); ferr != nil {
			logger.Warn("failed to record job failure", "error", ferr)
		}
		return
	}

	_ = d.manager.AppendLog(ctx, id, successLog)
	if cerr := d.manager.Complete(ctx, id, result); cerr != nil {
		logger.Warn("failed to record job result", "error", cerr)
		return
	}
	logger.Info("script completed")
}

func (d *Dispatcher) execute(handle *jobs.Handle, req models.JobRequest) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in executor", "error", r, "job_id", handle.ID(), "script_type", req.ScriptType)
			result, err = nil, fmt.Errorf("panic: %v", r)
		}
	}()

	exec, ok := d.executors[req.ScriptType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownScript, req.ScriptType)
	}
	return exec.Run(handle.Context(), handle, req)
}
