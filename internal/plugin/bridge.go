package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Bridge is the message bridge of spec.md §4.4.5: one dispatch loop per
// worker that routes incoming framed messages either to a pending
// request/response correlation or to every registered subscriber.
type Bridge struct {
	mu          sync.Mutex
	pending     map[string]chan Envelope
	subscribers []func(pluginID string, env Envelope)
	log         *slog.Logger
}

// NewBridge constructs a Bridge.
func NewBridge(log *slog.Logger) *Bridge {
	return &Bridge{pending: make(map[string]chan Envelope), log: log}
}

// Subscribe registers fn to be called with every envelope a worker sends
// that is not the resolution of a pending request.
func (b *Bridge) Subscribe(fn func(pluginID string, env Envelope)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = append(b.subscribers, fn)
}

// Attach starts the dispatch loop for pluginID's worker; it runs until the
// worker's pipe closes (Recv returns an error), which happens once the
// isolate manager kills the process.
func (b *Bridge) Attach(pluginID string, w Worker) {
	go func() {
		for {
			env, err := w.Recv()
			if err != nil {
				return
			}
			b.dispatch(pluginID, env)
		}
	}()
}

func (b *Bridge) dispatch(pluginID string, env Envelope) {
	b.mu.Lock()
	ch, ok := b.pending[env.ID]
	if ok {
		delete(b.pending, env.ID)
	}
	subs := append([]func(pluginID string, env Envelope){}, b.subscribers...)
	b.mu.Unlock()

	if ok {
		ch <- env
		return
	}
	for _, fn := range subs {
		fn(pluginID, env)
	}
}

// SendAndWait posts msg to w and blocks until a response bearing the same
// id arrives or timeout elapses, whichever is first.
func (b *Bridge) SendAndWait(ctx context.Context, w Worker, msg Envelope, timeout time.Duration) (Envelope, error) {
	ch := make(chan Envelope, 1)
	b.mu.Lock()
	b.pending[msg.ID] = ch
	b.mu.Unlock()

	clear := func() {
		b.mu.Lock()
		delete(b.pending, msg.ID)
		b.mu.Unlock()
	}

	if err := w.Send(msg); err != nil {
		clear()
		return Envelope{}, fmt.Errorf("sending to plugin worker: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case env := <-ch:
		return env, nil
	case <-timer.C:
		clear()
		return Envelope{}, newError(KindTimeout, "no response within %s", timeout)
	case <-ctx.Done():
		clear()
		return Envelope{}, ctx.Err()
	}
}
