package extension

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/dxos-deprecated/protocol/codec"
	"github.com/dxos-deprecated/protocol/internal/logger"
	"github.com/dxos-deprecated/protocol/internal/metrics"
	"github.com/dxos-deprecated/protocol/protoerr"
)

// Extension is one named request/response channel multiplexed over a
// Session (spec.md §4.2). A Session owns one Extension per registered
// name; frames are demuxed by extension name and handed to the matching
// Extension's HandleFrame.
type Extension struct {
	name    string
	codec   *codec.Codec
	timeout time.Duration
	logger  logger.Logger

	handlers Handlers

	mu      sync.RWMutex
	state   State
	session SessionLink
	pending map[[32]byte]*pendingCall

	inbox *frameQueue
	wg    sync.WaitGroup

	statsMu sync.Mutex
	stats   Stats
}

// Stats counts lifetime traffic on this Extension.
type Stats struct {
	Sent     int64
	Received int64
	Errors   int64
	Timeouts int64
}

// New creates an Extension named name. name travels on the wire as the
// multiplexing key a Session uses to route frames (spec.md §4).
func New(name string, handlers Handlers, opts NewOptions) *Extension {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	log := opts.Logger
	if log == nil {
		log = logger.Nop{}
	}
	return &Extension{
		name:     name,
		codec:    codec.New(opts.Schemas...),
		timeout:  timeout,
		logger:   log.WithFields(logger.String("extension", name)),
		handlers: handlers,
		state:    StateNew,
		pending:  make(map[[32]byte]*pendingCall),
		inbox:    newFrameQueue(),
	}
}

// Name reports the extension's multiplexing key.
func (e *Extension) Name() string { return e.name }

// State reports the current lifecycle position.
func (e *Extension) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// Open binds the Extension to its owning Session and starts the dispatch
// goroutine. It is idempotent-fails: a second call returns ERR_ALREADY_OPEN
// (spec.md §4.2).
func (e *Extension) Open(session SessionLink) error {
	e.mu.Lock()
	if e.state != StateNew {
		e.mu.Unlock()
		return protoerr.AlreadyOpen()
	}
	e.session = session
	e.state = StateOpen
	e.mu.Unlock()

	e.wg.Add(1)
	go e.drain()
	return nil
}

func (e *Extension) drain() {
	defer e.wg.Done()
	for {
		raw, ok := e.inbox.pop()
		if !ok {
			return
		}
		e.handleFrame(raw)
	}
}

// RunOnInit invokes the user's onInit hook, if any, and advances state to
// Initialized on success (spec.md §4.2, driven by Session during the
// extension-init phase of Session.Init).
func (e *Extension) RunOnInit(ctx context.Context) error {
	if e.handlers.OnInit != nil {
		if err := e.handlers.OnInit(ctx); err != nil {
			return err
		}
	}
	e.mu.Lock()
	e.state = StateInitialized
	e.mu.Unlock()
	return nil
}

// RunOnHandshake invokes the user's onHandshake hook, if any, and advances
// state to Handshaken then Running.
func (e *Extension) RunOnHandshake(ctx context.Context) error {
	e.mu.Lock()
	e.state = StateHandshaken
	e.mu.Unlock()
	if e.handlers.OnHandshake != nil {
		if err := e.handlers.OnHandshake(ctx); err != nil {
			return err
		}
	}
	e.mu.Lock()
	e.state = StateRunning
	e.mu.Unlock()
	return nil
}

// HandleFeed notifies the extension of a newly discovered peer feed key.
func (e *Extension) HandleFeed(discoveryKey []byte) {
	if e.handlers.OnFeed != nil {
		e.handlers.OnFeed(discoveryKey)
	}
}

// HandleFrame enqueues a raw inbound frame for this extension. Called by
// the owning Session's demux loop; never blocks on handler execution.
func (e *Extension) HandleFrame(raw []byte) {
	e.inbox.push(raw)
}

// Send transmits message on this extension. Non-oneway sends block until a
// response arrives, the call times out (default 2000ms), or ctx is done.
// Oneway sends return immediately after the frame is written, with a nil
// Response (spec.md §4.2, §9).
func (e *Extension) Send(ctx context.Context, message interface{}, oneway bool) (*Response, error) {
	e.mu.RLock()
	session := e.session
	state := e.state
	e.mu.RUnlock()

	if state == StateClosed {
		return nil, protoerr.Closed()
	}
	if session == nil {
		return nil, protoerr.New(protoerr.CodeConnectionInvalid, "extension not open")
	}

	var id [32]byte
	if _, err := rand.Read(id[:]); err != nil {
		return nil, fmt.Errorf("extension: generate id: %w", err)
	}

	wire, err := e.codec.Encode(id, message, oneway, nil)
	if err != nil {
		return nil, protoerr.InvalidArgument(err.Error())
	}

	if oneway {
		if err := session.WriteFrame(e.name, wire); err != nil {
			return nil, err
		}
		e.recordSent()
		metrics.ExtensionMessages.WithLabelValues(e.name, "send", "oneway").Inc()
		return nil, nil
	}

	pc := newPendingCall(e.timeout, func() { e.timeoutCall(id) })
	e.mu.Lock()
	e.pending[id] = pc
	e.mu.Unlock()
	metrics.PendingCalls.WithLabelValues(e.name).Inc()

	start := time.Now()
	if err := session.WriteFrame(e.name, wire); err != nil {
		e.mu.Lock()
		delete(e.pending, id)
		e.mu.Unlock()
		pc.timer.Stop()
		metrics.PendingCalls.WithLabelValues(e.name).Dec()
		return nil, err
	}
	e.recordSent()

	select {
	case <-pc.done:
		metrics.PendingCalls.WithLabelValues(e.name).Dec()
		if pc.callErr != nil {
			if protoerr.CodeOf(pc.callErr) == protoerr.CodeRequestTimeout {
				e.recordTimeout()
				metrics.ExtensionMessages.WithLabelValues(e.name, "send", "timeout").Inc()
			} else {
				e.recordError()
				metrics.ExtensionMessages.WithLabelValues(e.name, "send", "error").Inc()
			}
			return nil, pc.callErr
		}
		metrics.SendLatency.WithLabelValues(e.name).Observe(time.Since(start).Seconds())
		metrics.ExtensionMessages.WithLabelValues(e.name, "send", "ok").Inc()
		return &Response{Data: pc.payload}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Extension) timeoutCall(id [32]byte) {
	e.mu.RLock()
	pc, ok := e.pending[id]
	e.mu.RUnlock()
	if !ok {
		return
	}
	pc.complete(nil, protoerr.RequestTimeout())
}

// handleFrame runs on the Extension's dedicated drain goroutine, so frames
// on this Extension are processed strictly in arrival order (spec.md §5).
func (e *Extension) handleFrame(raw []byte) {
	d, ok := e.codec.Decode(raw)
	if !ok {
		e.logger.Warn("dropped unparseable frame")
		return
	}

	// pending entries are kept around (not deleted) past their first
	// resolution so a later duplicate or late frame with the same id can
	// still be recognized and dropped instead of mistaken for a fresh
	// unsolicited request (spec.md §4.2 edge case).
	e.mu.RLock()
	pc, found := e.pending[d.ID]
	e.mu.RUnlock()

	if found {
		var respErr error
		if d.Err != nil {
			respErr = protoerr.New(protoerr.Code(d.Err.Code), d.Err.Message)
		} else if d.DecodeErr != nil {
			respErr = protoerr.System(d.DecodeErr.Error())
		}
		if pc.complete(d.Payload, respErr) {
			e.recordReceived()
			return
		}
		e.logger.Warn("dropped spurious or late response", logger.Any("id", d.ID))
		return
	}

	e.recordReceived()

	if d.DecodeErr != nil {
		if d.Oneway {
			e.logger.Warn("dropped undecodable oneway frame", logger.Err(d.DecodeErr))
			return
		}
		e.respondError(d.ID, protoerr.System(d.DecodeErr.Error()))
		return
	}

	if e.handlers.OnMessage == nil {
		e.logger.Warn("dropped frame: no handler installed", logger.Bool("oneway", d.Oneway))
		metrics.ExtensionMessages.WithLabelValues(e.name, "receive", "dropped").Inc()
		if !d.Oneway {
			e.respondError(d.ID, protoerr.NoHandler())
		}
		return
	}

	e.invokeHandler(d)
}

func (e *Extension) invokeHandler(d codec.Decoded) {
	e.mu.RLock()
	session := e.session
	e.mu.RUnlock()

	ctx := context.Background()
	result, err := func() (res interface{}, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = protoerr.System(fmt.Sprintf("handler panic: %v", r))
			}
		}()
		return e.handlers.OnMessage(ctx, session, d.Payload, Options{Oneway: d.Oneway})
	}()

	if d.Oneway {
		if err != nil {
			e.logger.Warn("oneway handler returned error", logger.Err(err))
			metrics.ExtensionMessages.WithLabelValues(e.name, "receive", "error").Inc()
		} else {
			metrics.ExtensionMessages.WithLabelValues(e.name, "receive", "oneway").Inc()
		}
		return
	}

	if err != nil {
		code := protoerr.CodeOf(err)
		if code == "" {
			code = protoerr.CodeSystem
		}
		e.respondError(d.ID, protoerr.New(code, err.Error()))
		metrics.ExtensionMessages.WithLabelValues(e.name, "receive", "error").Inc()
		return
	}

	if err := e.reply(d.ID, result); err != nil {
		e.logger.Warn("failed to write reply", logger.Err(err))
		return
	}
	metrics.ExtensionMessages.WithLabelValues(e.name, "receive", "ok").Inc()
}

func (e *Extension) reply(id [32]byte, payload interface{}) error {
	e.mu.RLock()
	session := e.session
	e.mu.RUnlock()
	if session == nil {
		return protoerr.New(protoerr.CodeConnectionInvalid, "extension not open")
	}
	wire, err := e.codec.Encode(id, payload, false, nil)
	if err != nil {
		return err
	}
	return session.WriteFrame(e.name, wire)
}

func (e *Extension) respondError(id [32]byte, pe *protoerr.ProtocolError) {
	e.mu.RLock()
	session := e.session
	e.mu.RUnlock()
	if session == nil {
		return
	}
	wire, err := e.codec.Encode(id, nil, false, &codec.WireError{Code: string(pe.Code), Message: pe.Message})
	if err != nil {
		e.logger.Error("failed to encode error response", logger.Err(err))
		return
	}
	if err := session.WriteFrame(e.name, wire); err != nil {
		e.logger.Warn("failed to write error response", logger.Err(err))
	}
}

// Close tears down the Extension: rejects every outstanding PendingCall
// with err (or ERR_CLOSE if nil), stops the drain goroutine, invokes
// onClose, and clears the Session back-reference. Close is idempotent.
func (e *Extension) Close(err error) error {
	e.mu.Lock()
	if e.state == StateClosed {
		e.mu.Unlock()
		return nil
	}
	e.state = StateClosed
	pending := e.pending
	e.pending = make(map[[32]byte]*pendingCall)
	e.session = nil
	e.mu.Unlock()

	closeErr := err
	if closeErr == nil {
		closeErr = protoerr.Closed()
	}
	for _, pc := range pending {
		if pc.complete(nil, closeErr) {
			metrics.PendingCalls.WithLabelValues(e.name).Dec()
		}
	}

	e.inbox.close()
	e.wg.Wait()

	if e.handlers.OnClose != nil {
		e.handlers.OnClose(err)
	}
	return nil
}

// Stats returns a snapshot of lifetime traffic counters.
func (e *Extension) Stats() Stats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	return e.stats
}

func (e *Extension) recordSent() {
	e.statsMu.Lock()
	e.stats.Sent++
	e.statsMu.Unlock()
}

func (e *Extension) recordReceived() {
	e.statsMu.Lock()
	e.stats.Received++
	e.statsMu.Unlock()
}

func (e *Extension) recordError() {
	e.statsMu.Lock()
	e.stats.Errors++
	e.statsMu.Unlock()
}

func (e *Extension) recordTimeout() {
	e.statsMu.Lock()
	e.stats.Timeouts++
	e.statsMu.Unlock()
}
