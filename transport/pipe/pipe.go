// Package pipe implements transport.Stream as an in-memory, in-process
// loopback pair connected by direct callback dispatch instead of any real
// socket. It backs the session package's tests, which run scenarios from
// spec.md §8 without a network round trip, the same role the teacher's
// pkg/agent/transport/mock.go plays for handshake/client tests.
package pipe

import (
	"encoding/hex"
	"sync"

	"github.com/dxos-deprecated/protocol/protoerr"
	"github.com/dxos-deprecated/protocol/transport"
)

// link is the shared state between the two Streams returned by New: the
// per-discovery-key channel registry. Both Streams hold a pointer to the
// same link so Feed/Send/OnMessage on one side are visible to the other
// without going through two independently-locked Stream mutexes.
type link struct {
	mu       sync.Mutex
	channels map[string]*pairChannel
}

type pairChannel struct {
	key      []byte
	onMsgA   func(extension string, payload []byte)
	onMsgB   func(extension string, payload []byte)
}

// Stream is one side of an in-memory loopback pair.
type Stream struct {
	isA  bool
	l    *link
	peer *Stream

	mu             sync.Mutex
	localID        [32]byte
	localUserData  []byte
	remoteID       [32]byte
	remoteUserData []byte
	localExts      []string
	extsSet        bool
	extensions     []string
	handshakeDone  bool
	closed         bool

	onHandshake func()
	onFeed      func(discoveryKey []byte)
	onClose     func(error)
}

// New returns a connected pair: whatever Feed/Send a does, b observes, and
// vice versa. The handshake fires automatically once both sides have
// called SetExtensions, so SetLocalID and SetLocalUserData must be called
// before that.
func New() (a, b *Stream) {
	l := &link{channels: make(map[string]*pairChannel)}
	a = &Stream{isA: true, l: l}
	b = &Stream{isA: false, l: l}
	a.peer = b
	b.peer = a
	return a, b
}

func (s *Stream) SetLocalID(id [32]byte) {
	s.mu.Lock()
	s.localID = id
	s.mu.Unlock()
}

func (s *Stream) LocalID() [32]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localID
}

func (s *Stream) RemoteID() [32]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteID
}

func (s *Stream) SetLocalUserData(b []byte) {
	s.mu.Lock()
	s.localUserData = b
	s.mu.Unlock()
}

func (s *Stream) RemoteUserData() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteUserData
}

// SetExtensions records this side's advertised extension names. Once both
// sides of the pair have called it, the handshake fires on both.
func (s *Stream) SetExtensions(names []string) {
	s.mu.Lock()
	s.localExts = names
	s.extsSet = true
	s.mu.Unlock()
	s.tryHandshake()
}

func (s *Stream) Extensions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.extensions
}

func (s *Stream) tryHandshake() {
	a, b := s.pairInOrder()

	a.mu.Lock()
	b.mu.Lock()
	ready := a.extsSet && b.extsSet && !a.handshakeDone
	var aExt, bExt []string
	var aID, bID [32]byte
	var aData, bData []byte
	if ready {
		aExt, bExt = a.localExts, b.localExts
		aID, bID = a.localID, b.localID
		aData, bData = a.localUserData, b.localUserData
	}
	b.mu.Unlock()
	a.mu.Unlock()
	if !ready {
		return
	}

	intersection := intersect(aExt, bExt)

	a.mu.Lock()
	a.remoteID = bID
	a.remoteUserData = bData
	a.extensions = intersection
	a.handshakeDone = true
	aCB := a.onHandshake
	a.mu.Unlock()

	b.mu.Lock()
	b.remoteID = aID
	b.remoteUserData = aData
	b.extensions = intersection
	b.handshakeDone = true
	bCB := b.onHandshake
	b.mu.Unlock()

	if aCB != nil {
		go aCB()
	}
	if bCB != nil {
		go bCB()
	}
}

// pairInOrder returns (a, b) in a stable order (the "a" side of New) so
// tryHandshake always locks the two Streams in the same order regardless
// of which side triggered it.
func (s *Stream) pairInOrder() (*Stream, *Stream) {
	if s.isA {
		return s, s.peer
	}
	return s.peer, s
}

func intersect(a, b []string) []string {
	set := make(map[string]bool, len(b))
	for _, n := range b {
		set[n] = true
	}
	var out []string
	for _, n := range a {
		if set[n] {
			out = append(out, n)
		}
	}
	return out
}

func (s *Stream) OnHandshake(fn func()) {
	s.mu.Lock()
	s.onHandshake = fn
	s.mu.Unlock()
}

func (s *Stream) OnFeed(fn func(discoveryKey []byte)) {
	s.mu.Lock()
	s.onFeed = fn
	s.mu.Unlock()
}

func (s *Stream) OnClose(fn func(error)) {
	s.mu.Lock()
	s.onClose = fn
	s.mu.Unlock()
}

// Feed returns the Channel for discoveryKey, creating it (and notifying
// the peer's OnFeed callback, if this is the first time either side has
// used this key) on first use.
func (s *Stream) Feed(key []byte) transport.Channel {
	keyHex := hex.EncodeToString(key)

	s.l.mu.Lock()
	pc, existed := s.l.channels[keyHex]
	if !existed {
		pc = &pairChannel{key: append([]byte(nil), key...)}
		s.l.channels[keyHex] = pc
	}
	s.l.mu.Unlock()

	if !existed {
		s.peer.mu.Lock()
		cb := s.peer.onFeed
		s.peer.mu.Unlock()
		if cb != nil {
			go cb(key)
		}
	}

	return &boundChannel{l: s.l, keyHex: keyHex, isA: s.isA}
}

// Close marks the stream (and its peer) closed and fires both OnClose
// callbacks. Idempotent.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cb := s.onClose
	s.mu.Unlock()
	if cb != nil {
		go cb(nil)
	}

	s.peer.mu.Lock()
	alreadyClosed := s.peer.closed
	s.peer.closed = true
	peerCB := s.peer.onClose
	s.peer.mu.Unlock()
	if !alreadyClosed && peerCB != nil {
		go peerCB(protoerr.Closed())
	}
	return nil
}

type boundChannel struct {
	l      *link
	keyHex string
	isA    bool
}

func (c *boundChannel) Send(extension string, payload []byte) error {
	c.l.mu.Lock()
	pc, ok := c.l.channels[c.keyHex]
	var cb func(string, []byte)
	if ok {
		if c.isA {
			cb = pc.onMsgB
		} else {
			cb = pc.onMsgA
		}
	}
	c.l.mu.Unlock()
	if !ok {
		return protoerr.New(protoerr.CodeConnectionInvalid, "unknown feed channel")
	}
	if cb != nil {
		go cb(extension, payload)
	}
	return nil
}

func (c *boundChannel) OnMessage(fn func(extension string, payload []byte)) {
	c.l.mu.Lock()
	pc, ok := c.l.channels[c.keyHex]
	if ok {
		if c.isA {
			pc.onMsgA = fn
		} else {
			pc.onMsgB = fn
		}
	}
	c.l.mu.Unlock()
}
