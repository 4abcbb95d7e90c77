// Package transport defines the narrow duplex-stream interface Session
// consumes (spec.md §6.2) and is implemented by transport/pipe (in-memory
// loopback, used by the session tests) and transport/ws (a
// gorilla/websocket-backed adapter for real two-process use).
package transport

// Stream is one peer's end of a transport-level connection. Session owns
// exactly one Stream for its lifetime.
type Stream interface {
	SetLocalID(id [32]byte)
	LocalID() [32]byte
	// RemoteID is only valid after the handshake callback registered with
	// OnHandshake has fired.
	RemoteID() [32]byte

	SetLocalUserData(b []byte)
	// RemoteUserData is only valid after OnHandshake fires.
	RemoteUserData() []byte

	// SetExtensions advertises this side's extension names, already sorted
	// by the caller (Session sorts lexicographically per spec.md §4.4).
	SetExtensions(names []string)
	// Extensions is the intersection with the peer's advertised list,
	// valid after the handshake fires.
	Extensions() []string

	OnHandshake(func())
	OnFeed(func(discoveryKey []byte))
	// Feed derives (or retrieves) the Channel keyed by a discovery key.
	Feed(key []byte) Channel
	OnClose(func(err error))
	Close() error
}

// Channel is the per-feed-key duplex byte-frame carrier Session
// multiplexes Extension traffic over.
type Channel interface {
	Send(extension string, payload []byte) error
	OnMessage(func(extension string, payload []byte))
}
