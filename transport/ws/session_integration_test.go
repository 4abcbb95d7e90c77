package ws

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dxos-deprecated/protocol/extension"
	"github.com/dxos-deprecated/protocol/protoerr"
	"github.com/dxos-deprecated/protocol/session"
)

// newSessionPair dials a client Stream against an httptest.Server-backed
// Upgrade handler and drives both ends' session.Session through Init, the
// same S1-S4 scenarios spec.md §8 exercises over transport/pipe, but here
// proving the boundary holds for a non-trivial adapter (modeled on the
// teacher's pkg/agent/transport/websocket/websocket_test.go dial-against-
// httptest.Server harness).
func newSessionPair(t *testing.T, exts ...*extension.Extension) (*session.Session, *session.Session) {
	t.Helper()

	serverStreamCh := make(chan *Stream, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s, err := Upgrade(w, r)
		require.NoError(t, err)
		serverStreamCh <- s
	}))
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	dialCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	clientStream, err := Dial(dialCtx, url)
	require.NoError(t, err)

	var serverStream *Stream
	select {
	case serverStream = <-serverStreamCh:
	case <-time.After(2 * time.Second):
		t.Fatal("server never accepted connection")
	}

	sessA := session.New(session.Options{Stream: clientStream, InitTimeout: time.Second})
	sessB := session.New(session.Options{Stream: serverStream, InitTimeout: time.Second})

	var extsA, extsB []*extension.Extension
	if len(exts) > 0 {
		extsA = []*extension.Extension{exts[0]}
	}
	if len(exts) > 1 {
		extsB = []*extension.Extension{exts[1]}
	}
	sessA.SetExtensions(extsA)
	sessB.SetExtensions(extsB)

	ctx, cancel2 := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel2()
	errA := make(chan error, 1)
	errB := make(chan error, 1)
	go func() { errA <- sessA.Init(ctx, []byte("ws-integration-topic")) }()
	go func() { errB <- sessB.Init(ctx, []byte("ws-integration-topic")) }()
	require.NoError(t, <-errA)
	require.NoError(t, <-errB)

	t.Cleanup(func() {
		sessA.Close()
		sessB.Close()
	})
	return sessA, sessB
}

// TestWSSessionRequestResponse covers spec.md §8 S1 over transport/ws: A
// sends "ping" on the "buffer" extension, B's handler echoes "pong".
func TestWSSessionRequestResponse(t *testing.T) {
	callerExt := extension.NewExtension("buffer", extension.NewOptions{Timeout: time.Second})
	echoExt := extension.NewExtension("buffer", extension.NewOptions{Timeout: time.Second}).
		SetOnMessage(func(_ context.Context, _ extension.SessionLink, data interface{}, _ extension.Options) (interface{}, error) {
			if string(data.([]byte)) == "ping" {
				return []byte("pong"), nil
			}
			return nil, errors.New("Invalid data.")
		})

	newSessionPair(t, callerExt, echoExt)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := callerExt.Send(ctx, []byte("ping"), false)
	require.NoError(t, err)
	assert.Equal(t, []byte("pong"), resp.Data)
}

// TestWSSessionOnewaySend covers spec.md §8 S2 over transport/ws: a oneway
// send resolves immediately with no response and the peer's handler still
// observes the payload.
func TestWSSessionOnewaySend(t *testing.T) {
	received := make(chan []byte, 1)
	callerExt := extension.NewExtension("buffer", extension.NewOptions{Timeout: time.Second})
	echoExt := extension.NewExtension("buffer", extension.NewOptions{Timeout: time.Second}).
		SetOnMessage(func(_ context.Context, _ extension.SessionLink, data interface{}, _ extension.Options) (interface{}, error) {
			received <- data.([]byte)
			return nil, nil
		})

	newSessionPair(t, callerExt, echoExt)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := callerExt.Send(ctx, []byte("oneway"), true)
	require.NoError(t, err)
	assert.Nil(t, resp)

	select {
	case payload := <-received:
		assert.Equal(t, []byte("oneway"), payload)
	case <-time.After(2 * time.Second):
		t.Fatal("peer never observed the oneway send")
	}
}

// TestWSSessionRemoteHandlerErrorPropagates covers spec.md §8 S3 over
// transport/ws: the remote handler's error surfaces as ERR_SYSTEM.
func TestWSSessionRemoteHandlerErrorPropagates(t *testing.T) {
	callerExt := extension.NewExtension("buffer", extension.NewOptions{Timeout: time.Second})
	crashExt := extension.NewExtension("buffer", extension.NewOptions{Timeout: time.Second}).
		SetOnMessage(func(_ context.Context, _ extension.SessionLink, data interface{}, _ extension.Options) (interface{}, error) {
			return nil, errors.New("Invalid data.")
		})

	newSessionPair(t, callerExt, crashExt)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := callerExt.Send(ctx, []byte("crash"), false)
	require.Error(t, err)
	assert.Equal(t, protoerr.CodeSystem, protoerr.CodeOf(err))
	assert.Contains(t, err.Error(), "Invalid data.")
}

// TestWSSessionSendTimesOut covers spec.md §8 S4 over transport/ws: the
// remote handler never replies in time, so Send rejects with
// ERR_REQUEST_TIMEOUT within timeout_ms + epsilon.
func TestWSSessionSendTimesOut(t *testing.T) {
	const timeout = 200 * time.Millisecond
	callerExt := extension.NewExtension("buffer", extension.NewOptions{Timeout: timeout})
	stallExt := extension.NewExtension("buffer", extension.NewOptions{Timeout: timeout}).
		SetOnMessage(func(_ context.Context, _ extension.SessionLink, data interface{}, _ extension.Options) (interface{}, error) {
			time.Sleep(2 * timeout)
			return []byte("too-late"), nil
		})

	newSessionPair(t, callerExt, stallExt)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	start := time.Now()
	_, err := callerExt.Send(ctx, []byte("timeout"), false)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Equal(t, protoerr.CodeRequestTimeout, protoerr.CodeOf(err))
	assert.Less(t, elapsed, timeout+500*time.Millisecond)
}
