package jobs

import (
	"context"
	"sync/atomic"
)

// token is the cooperative cancellation flag of one live job. Executors poll
// it through a Handle without taking the manager's lock.
type token struct {
	ctx     context.Context
	cancel  context.CancelFunc
	tripped atomic.Bool
}

func newToken() *token {
	ctx, cancel := context.WithCancel(context.Background())
	return &token{ctx: ctx, cancel: cancel}
}

// trip marks the job cancelled and cancels the executor's context.
func (t *token) trip() {
	t.tripped.Store(true)
	t.cancel()
}

// release frees the context once the job is finished. The flag keeps its value.
func (t *token) release() {
	t.cancel()
}

func (t *token) cancelled() bool {
	return t.tripped.Load()
}
