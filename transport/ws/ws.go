// Package ws implements transport.Stream over a gorilla/websocket
// connection: one small JSON preamble exchanged once at dial/accept time
// simulates the underlying transport's own handshake (spec.md §4.4 treats
// this as a black box event, not a protocol it defines), followed by
// JSON-framed {extension, payload} messages for steady-state traffic.
// Structurally modeled on the teacher's
// pkg/agent/transport/websocket/{client,server}.go (Dial/Upgrade,
// read-pump goroutine, ping/pong keepalive), re-purposed to carry
// extension frames instead of SecureMessage.
package ws

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dxos-deprecated/protocol/protoerr"
	"github.com/dxos-deprecated/protocol/transport"
)

const (
	pingInterval = 30 * time.Second
	pongWait     = 60 * time.Second
	writeTimeout = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// envelope is the single wire shape every message on the connection
// takes; Kind discriminates which other fields are meaningful.
type envelope struct {
	Kind       string   `json:"kind"`
	ID         string   `json:"id,omitempty"`
	UserData   []byte   `json:"userData,omitempty"`
	Extensions []string `json:"extensions,omitempty"`
	Key        []byte   `json:"key,omitempty"`
	Extension  string   `json:"extension,omitempty"`
	Payload    []byte   `json:"payload,omitempty"`
}

const (
	kindPreamble = "preamble"
	kindFeed     = "feed"
	kindFrame    = "frame"
)

// Stream implements transport.Stream over one *websocket.Conn.
type Stream struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	mu              sync.Mutex
	localID         [32]byte
	localUserData   []byte
	localExtensions []string
	remoteID        [32]byte
	remoteUserData  []byte
	extensions      []string
	handshakeDone   bool
	closed          bool
	channels        map[string]*Channel

	onHandshake func()
	onFeed      func(discoveryKey []byte)
	onClose     func(error)
}

func newStream(conn *websocket.Conn) *Stream {
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	s := &Stream{
		conn:     conn,
		channels: make(map[string]*Channel),
	}
	go s.readPump()
	go s.pingLoop()
	return s
}

// Dial opens a client-side Stream to a protocol websocket endpoint.
func Dial(ctx context.Context, url string) (*Stream, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("ws: dial: %w", err)
	}
	return newStream(conn), nil
}

// Upgrade promotes an incoming HTTP request to a server-side Stream.
func Upgrade(w http.ResponseWriter, r *http.Request) (*Stream, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("ws: upgrade: %w", err)
	}
	return newStream(conn), nil
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

// SetExtensions advertises the local extension list and sends the
// handshake preamble; Session always calls this last, after SetLocalID
// and SetLocalUserData, so one preamble carries all three.
func (s *Stream) SetExtensions(names []string) {
	s.mu.Lock()
	id := s.localID
	data := s.localUserData
	s.localExtensions = names
	s.mu.Unlock()

	_ = s.writeEnvelope(envelope{
		Kind:       kindPreamble,
		ID:         hex.EncodeToString(id[:]),
		UserData:   data,
		Extensions: names,
	})
}

func (s *Stream) Extensions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.extensions
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

// Feed returns the Channel for key, announcing it to the peer the first
// time this side uses it.
func (s *Stream) Feed(key []byte) transport.Channel {
	keyHex := hex.EncodeToString(key)

	s.mu.Lock()
	ch, existed := s.channels[keyHex]
	if !existed {
		ch = &Channel{stream: s, key: append([]byte(nil), key...), keyHex: keyHex}
		s.channels[keyHex] = ch
	}
	s.mu.Unlock()

	if !existed {
		_ = s.writeEnvelope(envelope{Kind: kindFeed, Key: key})
	}
	return ch
}

func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cb := s.onClose
	s.mu.Unlock()

	err := s.conn.Close()
	if cb != nil {
		cb(nil)
	}
	return err
}

func (s *Stream) writeEnvelope(e envelope) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteJSON(e)
}

func (s *Stream) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for range ticker.C {
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return
		}
		s.writeMu.Lock()
		s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		err := s.conn.WriteMessage(websocket.PingMessage, nil)
		s.writeMu.Unlock()
		if err != nil {
			return
		}
	}
}

func (s *Stream) readPump() {
	defer s.teardown()
	for {
		var e envelope
		if err := s.conn.ReadJSON(&e); err != nil {
			return
		}
		switch e.Kind {
		case kindPreamble:
			s.handlePreamble(e)
		case kindFeed:
			s.handleFeed(e)
		case kindFrame:
			s.handleFrame(e)
		}
	}
}

func (s *Stream) handlePreamble(e envelope) {
	var remoteID [32]byte
	if raw, err := hex.DecodeString(e.ID); err == nil {
		copy(remoteID[:], raw)
	}

	s.mu.Lock()
	s.remoteID = remoteID
	s.remoteUserData = e.UserData
	s.extensions = intersect(s.localExtensions, e.Extensions)
	alreadyDone := s.handshakeDone
	s.handshakeDone = true
	cb := s.onHandshake
	s.mu.Unlock()

	if !alreadyDone && cb != nil {
		cb()
	}
}

func (s *Stream) handleFeed(e envelope) {
	keyHex := hex.EncodeToString(e.Key)
	s.mu.Lock()
	_, existed := s.channels[keyHex]
	if !existed {
		s.channels[keyHex] = &Channel{stream: s, key: e.Key, keyHex: keyHex}
	}
	cb := s.onFeed
	s.mu.Unlock()
	if !existed && cb != nil {
		cb(e.Key)
	}
}

func (s *Stream) handleFrame(e envelope) {
	keyHex := hex.EncodeToString(e.Key)
	s.mu.Lock()
	ch, ok := s.channels[keyHex]
	s.mu.Unlock()
	if !ok {
		return
	}
	ch.dispatch(e.Extension, e.Payload)
}

func (s *Stream) teardown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	cb := s.onClose
	s.mu.Unlock()
	if cb != nil {
		cb(protoerr.Closed())
	}
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

// Channel implements transport.Channel over a Stream's single JSON
// connection, multiplexed by feed key.
type Channel struct {
	stream *Stream
	key    []byte
	keyHex string

	mu      sync.Mutex
	onMsg   func(extension string, payload []byte)
}

func (c *Channel) Send(extension string, payload []byte) error {
	return c.stream.writeEnvelope(envelope{
		Kind:      kindFrame,
		Key:       c.key,
		Extension: extension,
		Payload:   payload,
	})
}

func (c *Channel) OnMessage(fn func(extension string, payload []byte)) {
	c.mu.Lock()
	c.onMsg = fn
	c.mu.Unlock()
}

func (c *Channel) dispatch(extension string, payload []byte) {
	c.mu.Lock()
	fn := c.onMsg
	c.mu.Unlock()
	if fn != nil {
		fn(extension, payload)
	}
}
