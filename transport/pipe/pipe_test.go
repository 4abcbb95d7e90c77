package pipe

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandshakeFiresOnBothSidesWithExtensionIntersection(t *testing.T) {
	a, b := New()

	var aID, bID [32]byte
	aID[0] = 1
	bID[0] = 2
	a.SetLocalID(aID)
	b.SetLocalID(bID)
	a.SetLocalUserData([]byte("a-data"))
	b.SetLocalUserData([]byte("b-data"))

	aDone := make(chan struct{})
	bDone := make(chan struct{})
	a.OnHandshake(func() { close(aDone) })
	b.OnHandshake(func() { close(bDone) })

	a.SetExtensions([]string{"dxos.protocol.init", "buffer"})
	b.SetExtensions([]string{"dxos.protocol.init", "chat"})

	for _, ch := range []chan struct{}{aDone, bDone} {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatal("handshake never fired")
		}
	}

	assert.Equal(t, bID, a.RemoteID())
	assert.Equal(t, aID, b.RemoteID())
	assert.Equal(t, []byte("b-data"), a.RemoteUserData())
	assert.Equal(t, []byte("a-data"), b.RemoteUserData())
	assert.ElementsMatch(t, []string{"dxos.protocol.init"}, a.Extensions())
	assert.ElementsMatch(t, []string{"dxos.protocol.init"}, b.Extensions())
}

func TestFeedNotifiesPeerAndCarriesMessages(t *testing.T) {
	a, b := New()
	key := []byte("topic-key")

	gotKey := make(chan []byte, 1)
	b.OnFeed(func(discoveryKey []byte) { gotKey <- discoveryKey })

	chanA := a.Feed(key)

	select {
	case k := <-gotKey:
		assert.Equal(t, key, k)
	case <-time.After(time.Second):
		t.Fatal("peer never notified of new feed")
	}

	chanB := b.Feed(key)

	received := make(chan []byte, 1)
	chanB.OnMessage(func(extension string, payload []byte) {
		assert.Equal(t, "buffer", extension)
		received <- payload
	})

	require.NoError(t, chanA.Send("buffer", []byte("hello")))

	select {
	case payload := <-received:
		assert.Equal(t, []byte("hello"), payload)
	case <-time.After(time.Second):
		t.Fatal("message never delivered")
	}
}

func TestCloseFiresBothCallbacks(t *testing.T) {
	a, b := New()
	aClosed := make(chan error, 1)
	bClosed := make(chan error, 1)
	a.OnClose(func(err error) { aClosed <- err })
	b.OnClose(func(err error) { bClosed <- err })

	require.NoError(t, a.Close())

	select {
	case err := <-aClosed:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("local close callback never fired")
	}
	select {
	case err := <-bClosed:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("peer close callback never fired")
	}
}
