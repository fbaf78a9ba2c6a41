package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
)

// Turn is one logical user turn: its cancellation handle, and the "what was
// heard" text a client reports on interrupt. Per spec §3, a Turn is created
// at turn start and destroyed at turn end or on cancel; per spec §4.1,
// exactly one cancellation must propagate — a second interrupt on an
// already-cancelled turn is a no-op.
type Turn struct {
	cancelFunc context.CancelFunc
	once       sync.Once
	heard      atomic.Pointer[string]
}

func newTurn(cancel context.CancelFunc) *Turn {
	return &Turn{cancelFunc: cancel}
}

// cancel requests cancellation, recording heard as the text the client
// reports it played back before interrupting. Idempotent: only the first
// call has any effect.
func (t *Turn) cancel(heard string) {
	t.once.Do(func() {
		t.heard.Store(&heard)
		t.cancelFunc()
	})
}

// heardText returns the text recorded by the first cancel call, or "" if
// the turn was never cancelled via an explicit interrupt (e.g. it was
// superseded by a new turn instead).
func (t *Turn) heardText() string {
	if p := t.heard.Load(); p != nil {
		return *p
	}
	return ""
}
