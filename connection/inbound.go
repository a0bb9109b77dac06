package connection

import (
	"context"
	"sync"
)

// inboundTable tracks the cancel functions of requests being handled for the
// remote peer, so a CancellationRequest can reach the right handler.
type inboundTable struct {
	mu    sync.Mutex
	calls map[string]context.CancelFunc
}

func newInboundTable() *inboundTable {
	return &inboundTable{calls: make(map[string]context.CancelFunc)}
}

func (t *inboundTable) add(id string, cancel context.CancelFunc) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.calls[id]; ok {
		return false
	}
	t.calls[id] = cancel
	return true
}

func (t *inboundTable) remove(id string) {
	t.mu.Lock()
	cancel, ok := t.calls[id]
	delete(t.calls, id)
	t.mu.Unlock()
	if ok {
		cancel()
	}
}

func (t *inboundTable) cancel(id string) bool {
	t.mu.Lock()
	cancel, ok := t.calls[id]
	t.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (t *inboundTable) cancelAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, cancel := range t.calls {
		cancel()
	}
}

func (t *inboundTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}

// activity counts inbound requests from arrival until their response is written.
type activity struct {
	mu   sync.Mutex
	n    int
	idle chan struct{} // closed when n drops to zero
}

func newActivity() *activity {
	idle := make(chan struct{})
	close(idle)
	return &activity{idle: idle}
}

func (a *activity) start() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.n == 0 {
		a.idle = make(chan struct{})
	}
	a.n++
}

func (a *activity) finish() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.n--
	if a.n == 0 {
		close(a.idle)
	}
}

func (a *activity) wait() <-chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.idle
}
