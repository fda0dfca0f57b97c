package hub

import (
	"context"
	"errors"
)

var ErrRunnerStopped = errors.New("session runner stopped")

type job struct {
	fn   func(context.Context) error
	done chan error
}

// Runner serializes work for one session on a dedicated goroutine.
type Runner struct {
	sessionID string
	inbox     chan job
	ctx       context.Context
	cancel    context.CancelFunc
}

func newRunner(parent context.Context, sessionID string) *Runner {
	ctx, cancel := context.WithCancel(parent)
	r := &Runner{
		sessionID: sessionID,
		inbox:     make(chan job, 64),
		ctx:       ctx,
		cancel:    cancel,
	}
	go r.loop()
	return r
}

func (r *Runner) SessionID() string { return r.sessionID }

func (r *Runner) loop() {
	for {
		select {
		case <-r.ctx.Done():
			r.drain()
			return
		case j := <-r.inbox:
			j.done <- j.fn(r.ctx)
		}
	}
}

// drain fails any job that was queued when the runner stopped, so no caller
// blocks forever.
func (r *Runner) drain() {
	for {
		select {
		case j := <-r.inbox:
			j.done <- ErrRunnerStopped
		default:
			return
		}
	}
}

// Do runs fn on the runner goroutine and waits for it. The fn must finish
// its cache append and broadcast before returning; the exclusion it ran
// under is what keeps broadcast order equal to mutation order.
func (r *Runner) Do(ctx context.Context, fn func(context.Context) error) error {
	j := job{fn: fn, done: make(chan error, 1)}
	select {
	case r.inbox <- j:
	case <-r.ctx.Done():
		return ErrRunnerStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) stop() {
	r.cancel()
}
