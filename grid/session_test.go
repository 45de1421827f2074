package grid

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/stretchr/testify/require"
)

func testSessionSettings() *SessionSettings {
	settings := DefaultSessionSettings()
	settings.Window = testWindowSettings()
	settings.ReconnectTimeout = 50 * time.Millisecond
	return settings
}

func waitConnected(t *testing.T, session *Session) {
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	require.NoError(t, session.WaitConnected(ctx))
}

func TestSessionEditPropagates(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	relay := NewRelayWithDefaults(ctx)
	defer relay.Close()
	source := NewGeneratedSourceWithDefaults()

	newSession := func(renderer Renderer) *Session {
		session := NewSession(ctx, source, NewInProcessRelayDialer(relay), renderer, nil, testSessionSettings())
		waitConnected(t, session)
		return session
	}

	rendererA := newTestRenderer()
	a := newSession(rendererA)
	defer a.Close()
	rendererB := newTestRenderer()
	b := newSession(rendererB)
	defer b.Close()
	rendererC := newTestRenderer()
	c := newSession(rendererC)
	defer c.Close()

	_, future := a.Window().RequestRange(0, 100)
	waitRange(t, future)
	_, future = b.Window().RequestRange(0, 100)
	waitRange(t, future)
	// the third viewer is scrolled elsewhere
	_, future = c.Window().RequestRange(1000, 1100)
	waitRange(t, future)

	require.NoError(t, a.EditCell(42, "col5", "X"))
	assert.Equal(t, "X", a.Window().Snapshot().Row(42).Values["col5"])

	waitFor(t, func() bool {
		row := b.Window().Snapshot().Row(42)
		return row != nil && row.Values["col5"] == "X"
	})
	syncRenderer(t, b.Window())
	_, _, _, patches, flashes := rendererB.snapshot()
	assert.Equal(t, 1, len(patches))
	assert.Equal(t, 1, len(flashes))
	assert.Equal(t, int64(42), flashes[0].RowId)
	assert.Equal(t, "col5", flashes[0].Field)

	// give the third viewer time to receive and drop the mutation
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, true, c.Window().Snapshot().Row(42) == nil)
	syncRenderer(t, c.Window())
	_, _, _, patches, flashes = rendererC.snapshot()
	assert.Equal(t, 0, len(patches))
	assert.Equal(t, 0, len(flashes))

	// the editor does not see its own edit come back
	syncRenderer(t, a.Window())
	_, _, _, patches, flashes = rendererA.snapshot()
	assert.Equal(t, 0, len(patches))
	assert.Equal(t, 0, len(flashes))

	// row 42 is fetched fresh when the third viewer scrolls to it
	_, future = c.Window().RequestRange(0, 100)
	result := waitRange(t, future)
	assert.Equal(t, source.Cell(42, 5), result.Rows[42].Values["col5"])
}

func TestSessionReconnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	relay := NewRelayWithDefaults(ctx)
	defer relay.Close()

	var stateLock sync.Mutex
	peers := []*RelayPeer{}
	dialer := func(ctx context.Context) (MutationChannel, error) {
		stateLock.Lock()
		defer stateLock.Unlock()
		if len(peers) == 1 {
			// the second attempt fails
			peers = append(peers, nil)
			return nil, errors.New("test connect failure")
		}
		peer := relay.Connect()
		peers = append(peers, peer)
		return peer, nil
	}
	lastPeer := func() *RelayPeer {
		stateLock.Lock()
		defer stateLock.Unlock()
		return peers[len(peers)-1]
	}

	settings := testSessionSettings()
	settings.ReconnectTimeout = 200 * time.Millisecond
	session := NewSession(ctx, NewGeneratedSourceWithDefaults(), dialer, newTestRenderer(), nil, settings)
	defer session.Close()
	waitConnected(t, session)

	_, future := session.Window().RequestRange(0, 100)
	waitRange(t, future)

	// drop the connection
	lastPeer().Close()
	waitFor(t, func() bool {
		return !session.Connected()
	})

	// edits made while disconnected stay local
	err := session.EditCell(1, "col1", "local")
	assert.Equal(t, true, errors.Is(err, ErrRelayClosed))
	assert.Equal(t, "local", session.Window().Snapshot().Row(1).Values["col1"])

	waitConnected(t, session)
	stateLock.Lock()
	assert.Equal(t, 3, len(peers))
	stateLock.Unlock()

	other := relay.Connect()
	require.NoError(t, other.Publish(&MutationEvent{Id: 2, Field: "col2", Value: "remote"}))
	waitFor(t, func() bool {
		return session.Window().Snapshot().Row(2).Values["col2"] == "remote"
	})

	require.NoError(t, session.EditCell(3, "col3", "sent"))
	event := receiveEvent(t, other)
	assert.Equal(t, &MutationEvent{Id: 3, Field: "col3", Value: "sent"}, event)
}

func TestSessionWithoutRelay(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	session := NewSession(ctx, NewGeneratedSourceWithDefaults(), nil, nil, nil, testSessionSettings())
	defer session.Close()

	_, future := session.Window().RequestRange(0, 10)
	waitRange(t, future)

	assert.Equal(t, false, session.Connected())
	err := session.EditCell(4, "col0", 12)
	assert.Equal(t, true, errors.Is(err, ErrRelayClosed))
	assert.Equal(t, float64(12), session.Window().Snapshot().Row(4).Values["col0"])

	err = session.EditCell(4, RowIdField, 12)
	assert.Equal(t, true, errors.Is(err, ErrMalformedMutation))
}
