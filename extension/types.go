// Package extension implements the per-channel request/response runtime
// multiplexed by a Session: message framing via codec.Codec, request/
// response correlation by message id, timeouts, one-way sends, and
// dispatch to a user-supplied handler (spec.md §4.2).
package extension

import (
	"context"
	"time"

	"github.com/dxos-deprecated/protocol/codec"
	"github.com/dxos-deprecated/protocol/internal/logger"
)

// State is a position in the Extension lifecycle (spec.md §4.2).
// Transitions are driven only by the owning Session.
type State int

const (
	StateNew State = iota
	StateOpen
	StateInitialized
	StateHandshaken
	StateRunning
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateOpen:
		return "open"
	case StateInitialized:
		return "initialized"
	case StateHandshaken:
		return "handshaken"
	case StateRunning:
		return "running"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Options configures an outgoing Send call.
type Options struct {
	Oneway bool
}

// Response is what a successful non-oneway Send resolves to.
type Response struct {
	Data interface{}
}

// HandlerFunc is the signature for onMessage handlers (spec.md §9: the
// "(protocol, message, options)" variant is the one this spec commits to;
// context retrieval happens inside the handler via SessionLink.GetContext).
type HandlerFunc func(ctx context.Context, session SessionLink, data interface{}, options Options) (interface{}, error)

// SessionLink is the narrow, non-owning view of the owning Session that an
// Extension and its handlers depend on. The Session is the only component
// that may write to the transport; Extension never holds the transport
// itself (spec.md §9 "Back-references").
type SessionLink interface {
	WriteFrame(extension string, payload []byte) error
	GetSession() map[string]interface{}
	GetContext() map[string]interface{}
}

// Handlers bundles every optional lifecycle/message callback an Extension
// may be configured with.
type Handlers struct {
	OnInit      func(ctx context.Context) error
	OnHandshake func(ctx context.Context) error
	OnMessage   HandlerFunc
	OnFeed      func(discoveryKey []byte)
	OnClose     func(err error)
}

// NewOptions configures a new Extension.
type NewOptions struct {
	// Timeout bounds non-oneway Send calls. Defaults to 2000ms (spec.md §4.2).
	Timeout time.Duration
	// Schemas registers structured payload types beyond the always-present
	// raw-bytes Buffer fallback (spec.md §4.1).
	Schemas []codec.Schema
	Logger  logger.Logger
}

const defaultTimeout = 2000 * time.Millisecond

// NewExtension builds an Extension with no handlers set; callers wire them
// up with the SetOnXxx methods before the owning Session opens it
// (spec.md §6.4 Go rendering of the public API).
func NewExtension(name string, opts NewOptions) *Extension {
	return New(name, Handlers{}, opts)
}

// SetOnInit installs the onInit lifecycle hook. Must be called before Open.
func (e *Extension) SetOnInit(fn func(ctx context.Context) error) *Extension {
	e.mu.Lock()
	e.handlers.OnInit = fn
	e.mu.Unlock()
	return e
}

// SetOnHandshake installs the onHandshake lifecycle hook. Must be called
// before Open.
func (e *Extension) SetOnHandshake(fn func(ctx context.Context) error) *Extension {
	e.mu.Lock()
	e.handlers.OnHandshake = fn
	e.mu.Unlock()
	return e
}

// SetOnMessage installs the incoming-frame handler. Must be called before Open.
func (e *Extension) SetOnMessage(fn HandlerFunc) *Extension {
	e.mu.Lock()
	e.handlers.OnMessage = fn
	e.mu.Unlock()
	return e
}

// SetOnFeed installs the feed-discovery hook. Must be called before Open.
func (e *Extension) SetOnFeed(fn func(discoveryKey []byte)) *Extension {
	e.mu.Lock()
	e.handlers.OnFeed = fn
	e.mu.Unlock()
	return e
}

// SetOnClose installs the close hook. Must be called before Open.
func (e *Extension) SetOnClose(fn func(err error)) *Extension {
	e.mu.Lock()
	e.handlers.OnClose = fn
	e.mu.Unlock()
	return e
}
