// Package session implements the Session type: it owns a transport.Stream
// and a registry of Extensions, sequences the open/init/init-gate/handshake
// lifecycle, demuxes incoming frames by extension name, and exchanges
// opaque per-peer session data during the transport handshake
// (spec.md §3, §4.4).
package session

import (
	"context"
	"crypto/rand"
	"sort"
	"sync"
	"time"

	"github.com/dxos-deprecated/protocol/extension"
	"github.com/dxos-deprecated/protocol/initext"
	"github.com/dxos-deprecated/protocol/internal/logger"
	"github.com/dxos-deprecated/protocol/internal/metrics"
	"github.com/dxos-deprecated/protocol/protoerr"
	"github.com/dxos-deprecated/protocol/transport"
)

type state int

const (
	stateConstructed state = iota
	stateOpening
	stateRunning
	stateClosed
)

const defaultInitTimeout = 5000 * time.Millisecond

// Options configures a new Session.
type Options struct {
	// Stream is the transport-level connection this Session drives.
	Stream transport.Stream
	// LocalID is advertised to the peer during the transport handshake.
	// A random id is generated if left zero.
	LocalID [32]byte
	// DiscoveryToPublicKey maps a feed discovery key to the topic's public
	// key. Defaults to the identity mapping.
	DiscoveryToPublicKey func(discoveryKey []byte) ([]byte, bool)
	// InitTimeout bounds the init-gate wait. Defaults to 5000ms.
	InitTimeout time.Duration
	Logger      logger.Logger
	// OnExtensionsInitialized is an optional observability hook fired once
	// every extension's onInit has succeeded and the init-gate is about to
	// be evaluated (spec.md §4.4 step 5).
	OnExtensionsInitialized func()
}

// Session is the peer-to-peer connection core: one transport.Stream, a
// registry of named Extensions (plus the built-in InitExtension), and the
// lifecycle that sequences them.
type Session struct {
	stream  transport.Stream
	logger  logger.Logger
	initExt *initext.InitExtension

	discoveryToPublicKey    func([]byte) ([]byte, bool)
	initTimeout             time.Duration
	onExtensionsInitialized func()
	localID                 [32]byte

	mu                sync.Mutex
	state             state
	sessionData       map[string]interface{}
	remoteSessionData map[string]interface{}
	context           map[string]interface{}
	extensions        []*extension.Extension
	extensionsByName  map[string]*extension.Extension
	handshakeHandlers []func(ctx context.Context, s *Session) error
	channel           transport.Channel
	topicBootstrapped bool
}

// New constructs a Session bound to opts.Stream. Extensions, session data
// and handshake handlers must be registered before Init is called.
func New(opts Options) *Session {
	log := opts.Logger
	if log == nil {
		log = logger.Nop{}
	}
	discover := opts.DiscoveryToPublicKey
	if discover == nil {
		discover = func(k []byte) ([]byte, bool) { return k, true }
	}
	initTimeout := opts.InitTimeout
	if initTimeout <= 0 {
		initTimeout = defaultInitTimeout
	}
	localID := opts.LocalID
	if localID == ([32]byte{}) {
		_, _ = rand.Read(localID[:])
	}

	s := &Session{
		stream:                  opts.Stream,
		logger:                  log,
		discoveryToPublicKey:    discover,
		initTimeout:             initTimeout,
		onExtensionsInitialized: opts.OnExtensionsInitialized,
		localID:                 localID,
		sessionData:             map[string]interface{}{},
		remoteSessionData:       map[string]interface{}{},
		context:                 map[string]interface{}{},
		extensionsByName:        map[string]*extension.Extension{},
	}
	s.initExt = initext.New(initext.Options{
		Logger:    log,
		OnDestroy: s.onRemoteDestroy,
	})
	return s
}

// SetSession sets the local session data exchanged during the handshake.
// Must be called before Init.
func (s *Session) SetSession(data map[string]interface{}) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateConstructed {
		return s
	}
	s.sessionData = data
	return s
}

// GetSession returns the remote peer's decoded session data. Empty until
// the handshake completes, and empty (not an error) if the remote's
// payload failed to decode.
func (s *Session) GetSession() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteSessionData
}

// SetContext sets the local, never-transmitted context map an Extension's
// handler can read back via SessionLink.GetContext.
func (s *Session) SetContext(ctx map[string]interface{}) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.context = ctx
	return s
}

func (s *Session) GetContext() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.context
}

// SetExtension registers one Extension. Only effective before Init.
func (s *Session) SetExtension(ext *extension.Extension) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateConstructed {
		return s
	}
	if _, exists := s.extensionsByName[ext.Name()]; exists {
		return s
	}
	s.extensions = append(s.extensions, ext)
	s.extensionsByName[ext.Name()] = ext
	return s
}

// SetExtensions registers multiple Extensions in order.
func (s *Session) SetExtensions(exts []*extension.Extension) *Session {
	for _, e := range exts {
		s.SetExtension(e)
	}
	return s
}

// GetExtension looks up a registered user extension by name.
func (s *Session) GetExtension(name string) (*extension.Extension, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ext, ok := s.extensionsByName[name]
	return ext, ok
}

// SetHandshakeHandler appends a user handshake callback. Callbacks run
// sequentially during Init, after the init-gate resolves valid.
func (s *Session) SetHandshakeHandler(fn func(ctx context.Context, s *Session) error) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handshakeHandlers = append(s.handshakeHandlers, fn)
	return s
}

// WriteFrame implements extension.SessionLink: it is the only path any
// Extension (including the InitExtension) uses to write to the transport.
func (s *Session) WriteFrame(extensionName string, payload []byte) error {
	s.mu.Lock()
	ch := s.channel
	s.mu.Unlock()
	if ch == nil {
		return protoerr.New(protoerr.CodeConnectionInvalid, "session has no active feed channel")
	}
	return ch.Send(extensionName, payload)
}

func (s *Session) onRemoteDestroy() {
	s.logger.Warn("init-gate: remote requested stream teardown")
	_ = s.closeInternal(protoerr.ConnectionInvalid("remote init-gate vetoed the connection"))
}

// Init drives the full open/init/init-gate/handshake sequence (spec.md
// §4.4) and blocks until the Session is running or the sequence aborts.
// topic may be nil, in which case the Session waits for the transport's
// first feed notification to learn the discovery key instead of
// bootstrapping from a known topic value.
func (s *Session) Init(ctx context.Context, topic []byte) error {
	s.mu.Lock()
	if s.state != stateConstructed {
		s.mu.Unlock()
		return protoerr.AlreadyOpen()
	}
	s.state = stateOpening
	s.mu.Unlock()

	if err := s.initExt.Ext.Open(s); err != nil {
		return s.abortOpen(protoerr.InitFailed(err.Error()))
	}
	s.mu.Lock()
	exts := append([]*extension.Extension(nil), s.extensions...)
	s.mu.Unlock()
	for _, ext := range exts {
		if err := ext.Open(s); err != nil {
			return s.abortOpen(protoerr.InitFailed(err.Error()))
		}
	}

	names := make([]string, 0, len(exts)+1)
	names = append(names, initext.Name)
	for _, ext := range exts {
		names = append(names, ext.Name())
	}
	sort.Strings(names)

	handshakeCh := make(chan struct{})
	closedCh := make(chan struct{})
	bootCh := make(chan []byte, 1)

	s.stream.OnHandshake(func() { closeOnce(handshakeCh) })
	s.stream.OnClose(func(err error) { closeOnce(closedCh) })
	s.stream.OnFeed(func(discoveryKey []byte) { s.onTransportFeed(discoveryKey, bootCh) })

	s.stream.SetLocalID(s.localID)
	s.mu.Lock()
	localData := s.sessionData
	s.mu.Unlock()
	s.stream.SetLocalUserData(encodeSessionData(localData))

	s.stream.SetExtensions(names)

	select {
	case <-handshakeCh:
	case <-closedCh:
		return s.abortOpen(protoerr.ConnectionInvalid("transport closed before handshake"))
	case <-ctx.Done():
		return ctx.Err()
	}
	s.mu.Lock()
	s.remoteSessionData = decodeSessionData(s.stream.RemoteUserData())
	s.mu.Unlock()

	var feedKey []byte
	if topic != nil {
		key, ok := s.discoveryToPublicKey(topic)
		if !ok {
			return s.abortOpen(protoerr.ConnectionInvalid("key not found"))
		}
		feedKey = key
		s.mu.Lock()
		s.topicBootstrapped = true
		s.mu.Unlock()
	} else {
		select {
		case dk := <-bootCh:
			key, ok := s.discoveryToPublicKey(dk)
			if !ok {
				return s.abortOpen(protoerr.ConnectionInvalid("key not found"))
			}
			feedKey = key
		case <-closedCh:
			return s.abortOpen(protoerr.ConnectionInvalid("transport closed before feed arrived"))
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	channel := s.stream.Feed(feedKey)
	channel.OnMessage(s.onFrame)
	s.mu.Lock()
	s.channel = channel
	s.mu.Unlock()

	initStart := time.Now()
	for _, ext := range exts {
		if err := ext.RunOnInit(ctx); err != nil {
			_ = s.initExt.Break(ctx)
			return s.abortOpen(protoerr.InitFailed(err.Error()))
		}
	}
	metrics.HandshakeStageDuration.WithLabelValues("extension_init").Observe(time.Since(initStart).Seconds())
	if s.onExtensionsInitialized != nil {
		s.onExtensionsInitialized()
	}

	gateStart := time.Now()
	ok, err := s.initExt.Continue(ctx, s.initTimeout)
	metrics.HandshakeStageDuration.WithLabelValues("init_gate").Observe(time.Since(gateStart).Seconds())
	if err != nil {
		return s.abortOpen(err)
	}
	if !ok {
		return s.abortOpen(protoerr.ConnectionInvalid("init-gate vetoed the connection"))
	}

	hsStart := time.Now()
	s.mu.Lock()
	handlers := append([]func(context.Context, *Session) error(nil), s.handshakeHandlers...)
	s.mu.Unlock()
	for _, fn := range handlers {
		if err := fn(ctx, s); err != nil {
			return s.abortOpen(protoerr.HandshakeFailed(err.Error()))
		}
	}
	for _, ext := range exts {
		if err := ext.RunOnHandshake(ctx); err != nil {
			return s.abortOpen(protoerr.HandshakeFailed(err.Error()))
		}
	}
	metrics.HandshakeStageDuration.WithLabelValues("handshake").Observe(time.Since(hsStart).Seconds())

	s.mu.Lock()
	s.state = stateRunning
	s.mu.Unlock()
	metrics.SessionsOpened.WithLabelValues("running").Inc()
	metrics.SessionsActive.Inc()
	s.logger.Info("session running")
	return nil
}

// onTransportFeed distinguishes the one-shot topic-bootstrap arrival from
// every subsequent feed notification, which is fanned out to extensions'
// onFeed (spec.md §4.4 step 8).
func (s *Session) onTransportFeed(discoveryKey []byte, bootCh chan []byte) {
	s.mu.Lock()
	bootstrapped := s.topicBootstrapped
	if !bootstrapped {
		s.topicBootstrapped = true
	}
	exts := append([]*extension.Extension(nil), s.extensions...)
	s.mu.Unlock()

	if !bootstrapped {
		select {
		case bootCh <- discoveryKey:
		default:
		}
		return
	}
	for _, ext := range exts {
		ext.HandleFeed(discoveryKey)
	}
}

// onFrame demuxes one incoming (extension, payload) frame by name
// (spec.md §4.4 frame demux).
func (s *Session) onFrame(extensionName string, payload []byte) {
	if extensionName == initext.Name {
		s.initExt.Ext.HandleFrame(payload)
		return
	}
	ext, ok := s.GetExtension(extensionName)
	if !ok {
		s.logger.Error("frame for unregistered extension", logger.String("extension", extensionName))
		_ = s.closeInternal(protoerr.ExtensionMissing(extensionName))
		return
	}
	ext.HandleFrame(payload)
}

// abortOpen tears the Session down with result-labeled metrics reflecting
// a failed Init rather than a running session closing normally.
func (s *Session) abortOpen(err error) error {
	label := "init_failed"
	switch protoerr.CodeOf(err) {
	case protoerr.CodeHandshakeFailed:
		label = "handshake_failed"
	case protoerr.CodeConnectionInvalid:
		label = "connection_invalid"
	}
	metrics.SessionsOpened.WithLabelValues(label).Inc()
	_ = s.closeInternal(err)
	return err
}

// Close tears the Session down: destroys the transport stream, then
// closes the InitExtension and every user extension (errors during close
// are logged, not propagated). Idempotent.
func (s *Session) Close() error {
	return s.closeInternal(nil)
}

func (s *Session) closeInternal(err error) error {
	s.mu.Lock()
	if s.state == stateClosed {
		s.mu.Unlock()
		return nil
	}
	wasRunning := s.state == stateRunning
	s.state = stateClosed
	exts := append([]*extension.Extension(nil), s.extensions...)
	s.mu.Unlock()

	if werr := s.stream.Close(); werr != nil {
		s.logger.Warn("error closing transport stream", logger.Err(werr))
	}

	if cerr := s.initExt.Ext.Close(err); cerr != nil {
		s.logger.Warn("error closing init extension", logger.Err(cerr))
	}
	for _, ext := range exts {
		if cerr := ext.Close(err); cerr != nil {
			s.logger.Warn("error closing extension", logger.String("extension", ext.Name()), logger.Err(cerr))
		}
	}

	metrics.SessionsClosed.Inc()
	if wasRunning {
		metrics.SessionsActive.Dec()
	}
	return nil
}

func closeOnce(ch chan struct{}) {
	select {
	case <-ch:
	default:
		close(ch)
	}
}
