package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LuminPulse-AI/chatsync"
)

func next(t *testing.T, ch <-chan chatsync.Snapshot) chatsync.Snapshot {
	t.Helper()
	select {
	case snap, ok := <-ch:
		require.True(t, ok, "channel closed")
		return snap
	case <-time.After(time.Second):
		t.Fatal("no snapshot")
	}
	return chatsync.Snapshot{}
}

func TestSubscribeFanOut(t *testing.T) {
	s := New()
	s.Put("chatrooms", "doc-1", map[string]any{"id": "room-1", "customerId": "cust-1"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mine, err := s.Subscribe(ctx, "chatrooms", chatsync.Where("customerId", "cust-1"))
	require.NoError(t, err)
	all, err := s.Subscribe(ctx, "chatrooms", nil)
	require.NoError(t, err)

	assert.Len(t, next(t, mine).Docs, 1)
	assert.Len(t, next(t, all).Docs, 1)

	s.Put("chatrooms", "doc-2", map[string]any{"id": "room-2", "customerId": "cust-2"})
	assert.Len(t, next(t, mine).Docs, 1)
	assert.Len(t, next(t, all).Docs, 2)
	assert.Equal(t, 2, s.Subscribers("chatrooms"))
}

func TestSubscribeCoalesces(t *testing.T) {
	s := New()
	ch, err := s.Subscribe(context.Background(), "messages", nil)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := s.Write(context.Background(), "messages", map[string]any{"n": i})
		require.NoError(t, err)
	}
	assert.Len(t, next(t, ch).Docs, 5, "a lagging reader only sees the newest snapshot")
	select {
	case <-ch:
		t.Fatal("stale snapshot left in buffer")
	default:
	}
}

func TestSubscribeClosesOnCancel(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := s.Subscribe(ctx, "chatrooms", nil)
	require.NoError(t, err)
	next(t, ch)

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
	assert.Zero(t, s.Subscribers("chatrooms"))
}

func TestFail(t *testing.T) {
	s := New()
	ch, err := s.Subscribe(context.Background(), "chatrooms", nil)
	require.NoError(t, err)

	boom := errors.New("permission denied")
	s.Fail("chatrooms", boom)

	snap := next(t, ch)
	assert.ErrorIs(t, snap.Err, boom)
	_, ok := <-ch
	assert.False(t, ok)
}

func TestWriteAndUpdate(t *testing.T) {
	s := New()
	ctx := context.Background()

	id, err := s.Write(ctx, "chatrooms", map[string]any{"id": "room-1", "lastMessage": map[string]any{"content": "a"}})
	require.NoError(t, err)
	require.NoError(t, s.Update(ctx, "chatrooms", id, map[string]any{"lastMessage.content": "b"}))

	doc, ok := s.Doc("chatrooms", id)
	require.True(t, ok)
	assert.Equal(t, "b", doc["lastMessage"].(map[string]any)["content"])

	err = s.Update(ctx, "chatrooms", "missing", map[string]any{"x": 1})
	assert.ErrorIs(t, err, ErrNotFound)

	ops := s.Ops()
	require.Len(t, ops, 2)
	assert.Equal(t, "write", ops[0].Kind)
	assert.Equal(t, "update", ops[1].Kind)
	assert.Equal(t, id, ops[1].DocID)
}

func TestInjectedErrors(t *testing.T) {
	s := New()
	ctx := context.Background()
	boom := errors.New("unavailable")

	s.SetWriteError("messages", boom)
	_, err := s.Write(ctx, "messages", map[string]any{})
	assert.ErrorIs(t, err, boom)
	_, err = s.Write(ctx, "chatrooms", map[string]any{})
	assert.NoError(t, err)

	s.SetQueryError("chats", boom)
	_, err = s.QueryOnce(ctx, "chats", nil)
	assert.ErrorIs(t, err, boom)

	s.SetConnected(false)
	assert.False(t, s.Connected())
	s.SetConnected(true)
	assert.True(t, s.Connected())
}

func TestStoredDataIsCopied(t *testing.T) {
	s := New()
	data := map[string]any{"id": "room-1"}
	s.Put("chatrooms", "doc-1", data)
	data["id"] = "mutated"

	docs, err := s.QueryOnce(context.Background(), "chatrooms", nil)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "room-1", docs[0].Data["id"])

	docs[0].Data["id"] = "mutated"
	doc, _ := s.Doc("chatrooms", "doc-1")
	assert.Equal(t, "room-1", doc["id"])
}

func TestHoldQueries(t *testing.T) {
	s := New()
	s.Put("chats", "legacy-1", map[string]any{"participants": []any{"cust-1"}})
	entered, release := s.HoldQueries("chats")

	done := make(chan []chatsync.Document, 1)
	go func() {
		docs, err := s.QueryOnce(context.Background(), "chats", nil)
		assert.NoError(t, err)
		done <- docs
	}()

	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("query never parked")
	}
	select {
	case <-done:
		t.Fatal("query returned while held")
	case <-time.After(20 * time.Millisecond):
	}

	release()
	release()
	select {
	case docs := <-done:
		assert.Len(t, docs, 1)
	case <-time.After(time.Second):
		t.Fatal("query not released")
	}

	t.Run("cancelled while held", func(t *testing.T) {
		_, release := s.HoldQueries("chats")
		defer release()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		_, err := s.QueryOnce(ctx, "chats", nil)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}
