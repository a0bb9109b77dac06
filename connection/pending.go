package connection

import (
	"fmt"
	"sync"

	"duplex-rpc/message"

	"go.uber.org/zap"
)

type outcomeKind int

const (
	outcomeOK outcomeKind = iota
	outcomeRemoteError
	outcomeDisconnected
	outcomeFailed
)

// outcome is how a pending call was resolved by the remote side or by the connection.
// Timeouts and cancellations never produce an outcome: the waiter removes its own entry.
type outcome struct {
	kind outcomeKind
	resp *message.Response
	err  error
}

func (o outcome) result() (*message.Response, error) {
	switch o.kind {
	case outcomeOK, outcomeRemoteError:
		return o.resp, nil
	default:
		return nil, o.err
	}
}

type pendingCall struct {
	id   string
	done chan outcome // buffered, receives exactly one outcome
}

// pendingTable correlates outbound request ids with their waiters.
//
// Every resolution removes the entry under the lock before delivering, so a call
// is resolved at most once no matter how complete, fail, cancelLocally and
// drainAll race.
type pendingTable struct {
	mu     sync.Mutex
	calls  map[string]*pendingCall
	closed error
	log    *zap.Logger
}

func newPendingTable(log *zap.Logger) *pendingTable {
	return &pendingTable{
		calls: make(map[string]*pendingCall),
		log:   log,
	}
}

// register must run before the request is handed to the writer, otherwise a
// fast response could arrive for an id the table does not know yet.
func (t *pendingTable) register(id string) (*pendingCall, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed != nil {
		return nil, fmt.Errorf("%w (%v)", ErrClosed, t.closed)
	}
	if _, ok := t.calls[id]; ok {
		return nil, fmt.Errorf("request id %q already pending", id)
	}
	p := &pendingCall{id: id, done: make(chan outcome, 1)}
	t.calls[id] = p
	return p, nil
}

func (t *pendingTable) take(id string) *pendingCall {
	p, ok := t.calls[id]
	if !ok {
		return nil
	}
	delete(t.calls, id)
	return p
}

// complete delivers resp to the waiter for resp.RequestId. It reports false when
// nobody waits any more, typically because the caller already gave up.
func (t *pendingTable) complete(resp *message.Response) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.take(resp.RequestId)
	if p == nil {
		t.log.Debug("response for unknown request", zap.String("request_id", resp.RequestId))
		return false
	}
	kind := outcomeOK
	if resp.Error != nil {
		kind = outcomeRemoteError
	}
	p.done <- outcome{kind: kind, resp: resp}
	return true
}

// fail resolves the call with a local error.
func (t *pendingTable) fail(id string, err error) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.take(id)
	if p == nil {
		t.log.Debug("failure for unknown request", zap.String("request_id", id), zap.Error(err))
		return false
	}
	p.done <- outcome{kind: outcomeFailed, err: err}
	return true
}

// cancelLocally forgets the call without telling anyone. It reports false when an
// outcome was already delivered, in which case the waiter must consume it.
func (t *pendingTable) cancelLocally(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.take(id) != nil
}

// drainAll fails every outstanding call with cause and rejects later registrations.
// It is idempotent; only the first cause is kept.
func (t *pendingTable) drainAll(cause error) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed == nil {
		t.closed = cause
	}
	n := len(t.calls)
	for id, p := range t.calls {
		delete(t.calls, id)
		p.done <- outcome{kind: outcomeDisconnected, err: cause}
	}
	return n
}

func (t *pendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}
