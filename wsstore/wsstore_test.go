package wsstore

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LuminPulse-AI/chatsync"
	"github.com/LuminPulse-AI/chatsync/memstore"
)

// ============================================================================
// Test Helpers
// ============================================================================

const testToken = "relay-token"

func newRelay(t *testing.T) (*memstore.Store, *httptest.Server) {
	t.Helper()
	backend := memstore.New()
	srv := httptest.NewServer(NewHandler(backend, HandlerConfig{Token: testToken}))
	t.Cleanup(srv.Close)
	return backend, srv
}

func connect(t *testing.T, ctx context.Context, url, token string) *Client {
	t.Helper()
	c := NewClient(Config{URL: url, Token: token, RequestTimeout: 2 * time.Second})
	require.NoError(t, c.Connect(ctx))
	t.Cleanup(func() { c.Close() })
	return c
}

func nextSnapshot(t *testing.T, ch <-chan chatsync.Snapshot) chatsync.Snapshot {
	t.Helper()
	select {
	case snap, ok := <-ch:
		require.True(t, ok, "subscription closed")
		return snap
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for snapshot")
	}
	return chatsync.Snapshot{}
}

// ============================================================================
// VerifyToken
// ============================================================================

func TestVerifyToken(t *testing.T) {
	tests := []struct {
		name      string
		presented string
		expected  string
		want      bool
	}{
		{"match", "abc", "abc", true},
		{"mismatch", "abd", "abc", false},
		{"length differs", "abcd", "abc", false},
		{"missing", "", "abc", false},
		{"open relay", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, VerifyToken(tt.presented, tt.expected))
		})
	}
}

func TestHandlerRejectsBadToken(t *testing.T) {
	_, srv := newRelay(t)

	resp, err := http.Get(srv.URL + "/ws?token=wrong")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	c := NewClient(Config{URL: srv.URL, Token: "wrong"})
	assert.Error(t, c.Connect(context.Background()))
	assert.Equal(t, StateDisconnected, c.State())
}

// ============================================================================
// Round trip through the relay
// ============================================================================

func TestClientRoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	backend, srv := newRelay(t)
	backend.Put("chatrooms", "doc-1", map[string]any{"id": "room-1", "customerId": "cust-1"})
	backend.Put("chatrooms", "doc-2", map[string]any{"id": "room-2", "customerId": "cust-2"})

	c := connect(t, ctx, srv.URL, testToken)
	assert.True(t, c.Connected())

	t.Run("query filters by condition", func(t *testing.T) {
		docs, err := c.QueryOnce(ctx, "chatrooms", chatsync.Where("customerId", "cust-1"))
		require.NoError(t, err)
		require.Len(t, docs, 1)
		assert.Equal(t, "doc-1", docs[0].ID)
		assert.Equal(t, "room-1", docs[0].Data["id"])
	})

	t.Run("subscription receives initial and changed snapshots", func(t *testing.T) {
		subCtx, stop := context.WithCancel(ctx)
		defer stop()
		ch, err := c.Subscribe(subCtx, "chatrooms", chatsync.Where("customerId", "cust-1"))
		require.NoError(t, err)

		snap := nextSnapshot(t, ch)
		require.NoError(t, snap.Err)
		require.Len(t, snap.Docs, 1)

		id, err := c.Write(ctx, "chatrooms", map[string]any{"id": "room-3", "customerId": "cust-1"})
		require.NoError(t, err)
		assert.NotEmpty(t, id)

		require.Eventually(t, func() bool {
			select {
			case snap := <-ch:
				return len(snap.Docs) == 2
			default:
				return false
			}
		}, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("update applies dotted patch", func(t *testing.T) {
		err := c.Update(ctx, "chatrooms", "doc-2", map[string]any{"lastMessage.content": "hi"})
		require.NoError(t, err)
		doc, ok := backend.Doc("chatrooms", "doc-2")
		require.True(t, ok)
		assert.Equal(t, "hi", doc["lastMessage"].(map[string]any)["content"])
	})

	t.Run("remote store errors surface", func(t *testing.T) {
		err := c.Update(ctx, "chatrooms", "missing", map[string]any{"x": 1})
		var remote *RemoteError
		require.ErrorAs(t, err, &remote)
		assert.Contains(t, remote.Message, "not found")
	})

	t.Run("ping", func(t *testing.T) {
		assert.NoError(t, c.Ping(ctx))
	})
}

func TestSubscriptionErrorEndsChannel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	backend, srv := newRelay(t)
	c := connect(t, ctx, srv.URL, testToken)

	ch, err := c.Subscribe(ctx, "messages", chatsync.Where("chatRoomId", "room-1"))
	require.NoError(t, err)
	nextSnapshot(t, ch)

	require.Eventually(t, func() bool { return backend.Subscribers("messages") == 1 }, 2*time.Second, 10*time.Millisecond)
	backend.Fail("messages", assert.AnError)

	snap := nextSnapshot(t, ch)
	var remote *RemoteError
	require.ErrorAs(t, snap.Err, &remote)

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed")
	}
}

func TestUnsubscribeOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	backend, srv := newRelay(t)
	c := connect(t, ctx, srv.URL, testToken)

	subCtx, stop := context.WithCancel(ctx)
	ch, err := c.Subscribe(subCtx, "chatrooms", nil)
	require.NoError(t, err)
	nextSnapshot(t, ch)
	require.Eventually(t, func() bool { return backend.Subscribers("chatrooms") == 1 }, 2*time.Second, 10*time.Millisecond)

	stop()
	require.Eventually(t, func() bool { return backend.Subscribers("chatrooms") == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestSubscribeRequiresConnection(t *testing.T) {
	c := NewClient(Config{URL: "http://127.0.0.1:1"})
	_, err := c.Subscribe(context.Background(), "chatrooms", nil)
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = c.Write(context.Background(), "chatrooms", map[string]any{})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestBackoff(t *testing.T) {
	b := newBackoff(&Config{ReconnectBaseDelay: 100 * time.Millisecond, ReconnectMaxDelay: time.Second, MaxReconnectAttempts: 3})

	var delays []time.Duration
	for {
		d, ok := b.next()
		if !ok {
			break
		}
		delays = append(delays, d)
	}
	require.Len(t, delays, 3)
	assert.GreaterOrEqual(t, delays[0], 100*time.Millisecond)
	assert.Less(t, delays[0], 150*time.Millisecond)
	assert.GreaterOrEqual(t, delays[2], 400*time.Millisecond)
	for _, d := range delays {
		assert.LessOrEqual(t, d, time.Second)
	}

	b.reset()
	_, ok := b.next()
	assert.True(t, ok)
}

func TestDialURL(t *testing.T) {
	c := NewClient(Config{URL: "https://relay.example.com", Token: "t k"})
	u, err := c.dialURL()
	require.NoError(t, err)
	assert.Equal(t, "wss://relay.example.com/ws?token=t+k", u)

	c = NewClient(Config{URL: "ws://localhost:8080/custom"})
	u, err = c.dialURL()
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:8080/custom", u)
}
