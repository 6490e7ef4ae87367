package core

import (
	"context"
	"errors"
)

var ErrRunnerStopped = errors.New("core: runner stopped")

type job struct {
	fn   func(*Engine)
	done chan struct{}
}

// Runner owns the engine goroutine. Ingestion, the API and the keeper all
// reach the engine through it, so calls never run concurrently.
type Runner struct {
	engine *Engine
	jobs   chan job
	stop   chan struct{}
}

func NewRunner(engine *Engine, queueSize int) *Runner {
	return &Runner{
		engine: engine,
		jobs:   make(chan job, queueSize),
		stop:   make(chan struct{}),
	}
}

// Run executes queued jobs until ctx is cancelled. A panic inside a job is
// an invariant violation and is not recovered.
func (r *Runner) Run(ctx context.Context) error {
	defer close(r.stop)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case j := <-r.jobs:
			j.fn(r.engine)
			close(j.done)
		}
	}
}

// Do runs fn on the engine goroutine and waits for it to finish.
func (r *Runner) Do(ctx context.Context, fn func(*Engine)) error {
	j := job{fn: fn, done: make(chan struct{})}
	select {
	case r.jobs <- j:
	case <-r.stop:
		return ErrRunnerStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-j.done:
		return nil
	case <-r.stop:
		select {
		case <-j.done:
			return nil
		default:
			return ErrRunnerStopped
		}
	}
}

// Submit is Engine.Submit through the runner.
func (r *Runner) Submit(ctx context.Context, req Request) (Result, error) {
	var res Result
	var err error
	if doErr := r.Do(ctx, func(e *Engine) {
		res, err = e.Submit(ctx, req)
	}); doErr != nil {
		return Result{}, doErr
	}
	return res, err
}

// SubmitNext fills in the caller's next nonce and submits. Used by in-process
// principals such as the keeper that own their nonce stream.
func (r *Runner) SubmitNext(ctx context.Context, req Request) (Result, error) {
	var res Result
	var err error
	if doErr := r.Do(ctx, func(e *Engine) {
		req.Nonce = e.NextNonce(req.Caller)
		res, err = e.Submit(ctx, req)
	}); doErr != nil {
		return Result{}, doErr
	}
	return res, err
}
