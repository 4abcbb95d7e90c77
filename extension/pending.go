package extension

import (
	"sync"
	"time"
)

// pendingCall tracks one outstanding non-oneway Send until it is resolved
// by a matching response, rejected by a timeout, or rejected by Extension
// Close. complete is safe to call more than once; only the first call wins
// (spec.md §4.2 edge case: "Duplicate id on wire: if a PendingCall already
// matched, the second frame is a spurious response and is dropped").
type pendingCall struct {
	mu      sync.Mutex
	done    chan struct{}
	closed  bool
	payload interface{}
	callErr error
	timer   *time.Timer
}

func newPendingCall(timeout time.Duration, onTimeout func()) *pendingCall {
	pc := &pendingCall{done: make(chan struct{})}
	pc.timer = time.AfterFunc(timeout, onTimeout)
	return pc
}

// complete transitions the call to its terminal state. It returns false
// without effect if the call already completed (response already matched,
// already timed out, or already rejected by Close).
func (pc *pendingCall) complete(payload interface{}, err error) bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.closed {
		return false
	}
	pc.closed = true
	pc.payload = payload
	pc.callErr = err
	pc.timer.Stop()
	close(pc.done)
	return true
}
