// Package initext implements the built-in init-gate veto handshake
// (spec.md §4.3): a fixed-name extension every Session carries first,
// whose three-token mini-protocol (valid/invalid/destroy) lets either
// peer abort the stream after per-extension initialization but before
// any user handshake logic runs.
package initext

import (
	"context"
	"sync"
	"time"

	"github.com/dxos-deprecated/protocol/extension"
	"github.com/dxos-deprecated/protocol/internal/logger"
	"github.com/dxos-deprecated/protocol/internal/metrics"
	"github.com/dxos-deprecated/protocol/protoerr"
)

// Name is the fixed, reserved extension name for the init-gate. Where it
// lands in the sorted advertised list depends on the user extension names
// (it sorts after "buffer", for example), but correctness here never
// depends on that — Session always delivers frames for this name to the
// InitExtension directly (spec.md §4.4).
const Name = "dxos.protocol.init"

const (
	tokenValid   = "valid"
	tokenInvalid = "invalid"
	tokenDestroy = "destroy"
)

type remoteResult int

const (
	resultUnknown remoteResult = iota
	resultValid
	resultInvalid
)

// Options configures an InitExtension.
type Options struct {
	Logger logger.Logger
	// OnDestroy is invoked when the remote sends the post-invalid
	// "destroy" follow-up, instructing this side to tear down the
	// transport stream with ERR_PROTOCOL_CONNECTION_INVALID.
	OnDestroy func()
}

// InitExtension implements spec.md §4.3. Ext is exposed so Session can
// manage it through the same Open/Close/HandleFrame lifecycle as any
// other registered extension.
type InitExtension struct {
	Ext *extension.Extension

	mu           sync.Mutex
	remote       remoteResult
	notify       chan struct{}
	notifyClosed bool
	broke        bool

	onDestroy func()
	logger    logger.Logger
}

// New builds the InitExtension. It must be opened (via Ext.Open) before
// Continue or Break are called.
func New(opts Options) *InitExtension {
	log := opts.Logger
	if log == nil {
		log = logger.Nop{}
	}
	ie := &InitExtension{
		notify:    make(chan struct{}),
		onDestroy: opts.OnDestroy,
		logger:    log,
	}
	ie.Ext = extension.New(Name, extension.Handlers{
		OnMessage: ie.onMessage,
		OnClose:   ie.onClose,
	}, extension.NewOptions{Logger: log})
	return ie
}

func (ie *InitExtension) onMessage(_ context.Context, _ extension.SessionLink, data interface{}, _ extension.Options) (interface{}, error) {
	token, _ := data.([]byte)
	switch string(token) {
	case tokenValid:
		ie.resolveOnce(resultValid)
		metrics.InitGateResults.WithLabelValues("valid").Inc()
	case tokenInvalid:
		ie.resolveOnce(resultInvalid)
		metrics.InitGateResults.WithLabelValues("invalid").Inc()
	case tokenDestroy:
		if ie.onDestroy != nil {
			ie.onDestroy()
		}
	default:
		ie.logger.Warn("init-gate: ignoring unrecognized token", logger.String("token", string(token)))
	}
	return nil, nil
}

func (ie *InitExtension) onClose(error) {
	// Unblocks any Continue() still waiting if the transport goes away
	// mid-handshake (spec.md §4.3: "Close handler sets remoteResult to
	// invalid and notifies").
	ie.resolveOnce(resultInvalid)
}

func (ie *InitExtension) resolveOnce(r remoteResult) {
	ie.mu.Lock()
	defer ie.mu.Unlock()
	if ie.remote == resultUnknown {
		ie.remote = r
	}
	if !ie.notifyClosed {
		ie.notifyClosed = true
		close(ie.notify)
	}
}

// Continue sends "valid" and waits for the first of: the remote's own
// valid/invalid token, the extension closing, or timeout elapsing. It
// resolves to true iff the remote's token was "valid" — a timeout or an
// "invalid" token both resolve to false, and the caller treats both
// identically (spec.md §4.4 step 4: "If continue() returns false, abort
// with ERR_PROTOCOL_CONNECTION_INVALID").
func (ie *InitExtension) Continue(ctx context.Context, timeout time.Duration) (bool, error) {
	if _, err := ie.Ext.Send(ctx, []byte(tokenValid), true); err != nil {
		return false, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ie.notify:
		ie.mu.Lock()
		r := ie.remote
		ie.mu.Unlock()
		return r == resultValid, nil
	case <-timer.C:
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Break is idempotent: only the first call actually sends anything. It
// sends "invalid" then, best-effort, a one-way "destroy" follow-up
// (spec.md §4.3).
func (ie *InitExtension) Break(ctx context.Context) error {
	ie.mu.Lock()
	if ie.broke {
		ie.mu.Unlock()
		return nil
	}
	ie.broke = true
	ie.mu.Unlock()

	_, err := ie.Ext.Send(ctx, []byte(tokenInvalid), true)
	if _, destroyErr := ie.Ext.Send(ctx, []byte(tokenDestroy), true); destroyErr != nil {
		ie.logger.Warn("init-gate: best-effort destroy send failed", logger.Err(destroyErr))
	}
	return err
}

// ConnectionInvalid is the tagged error Session aborts the stream with
// when the init-gate vetoes the connection (spec.md §7).
func ConnectionInvalid() *protoerr.ProtocolError {
	return protoerr.ConnectionInvalid("init-gate vetoed the connection")
}
