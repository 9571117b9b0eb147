package chatsync_test

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LuminPulse-AI/chatsync"
	"github.com/LuminPulse-AI/chatsync/memstore"
)

func seedLegacy(store *memstore.Store) {
	store.Put("chats", "legacy-1", map[string]any{
		"participants":    []any{"cust-1", "shop-1"},
		"lastMessage":     "see you tomorrow",
		"lastMessageTime": "2024-02-01T10:00:00Z",
		"shopName":        "Bakery",
	})
	store.Put("chats", "legacy-2", map[string]any{
		"id":           "room-legacy-2",
		"participants": []any{"shop-2", "cust-1"},
	})
	store.Put("chats", "legacy-3", map[string]any{
		"participants": []any{"cust-9", "shop-1"},
	})
}

func newMigrator(store chatsync.Store, role chatsync.Role) *chatsync.Migrator {
	return chatsync.NewMigrator(store, chatsync.Collections{}, role, zerolog.Nop(), nil)
}

func canonicalByKey(t *testing.T, store *memstore.Store) map[string]chatsync.Chatroom {
	t.Helper()
	out := make(map[string]chatsync.Chatroom)
	for _, doc := range store.Docs("chatrooms") {
		room, err := chatsync.DecodeChatroom(doc)
		require.NoError(t, err)
		out[room.StorageKey] = room
	}
	return out
}

func TestMigratorCustomer(t *testing.T) {
	store := memstore.New()
	seedLegacy(store)
	m := newMigrator(store, chatsync.RoleCustomer)
	user := chatsync.User{ID: "cust-1", DisplayName: "Ana"}

	res, ran, err := m.Run(context.Background(), user)
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, chatsync.MigrationResult{Found: 2, Migrated: 2}, res)
	assert.True(t, m.Done("cust-1"))

	rooms := canonicalByKey(t, store)
	require.Len(t, rooms, 2)

	first := rooms["legacy-1"]
	assert.Equal(t, "legacy-1", first.ID, "physical id becomes the logical id when none is carried")
	assert.Equal(t, "cust-1", first.CustomerID)
	assert.Equal(t, "Ana", first.CustomerName)
	assert.Equal(t, "shop-1", first.LastMessage.ShopID)
	assert.Equal(t, "Bakery", first.LastMessage.ShopName)
	assert.Equal(t, "see you tomorrow", first.LastMessage.Content)
	assert.True(t, first.IsActive)
	assert.Equal(t, "2024-02-01T10:00:00Z", first.Recency().Format("2006-01-02T15:04:05Z07:00"))

	assert.Equal(t, "room-legacy-2", rooms["legacy-2"].ID)
	assert.Equal(t, "shop-2", rooms["legacy-2"].LastMessage.ShopID)

	raw, ok := store.Doc("chatrooms", store.Docs("chatrooms")[0].ID)
	require.True(t, ok)
	assert.Equal(t, "chats", raw["migratedFrom"])
	assert.Contains(t, raw, "participants", "legacy fields are carried over")

	t.Run("runs once", func(t *testing.T) {
		writes := len(store.Ops())
		_, ran, err := m.Run(context.Background(), user)
		assert.NoError(t, err)
		assert.False(t, ran)
		assert.Len(t, store.Ops(), writes)
	})

	t.Run("already migrated records are skipped", func(t *testing.T) {
		again := newMigrator(store, chatsync.RoleCustomer)
		res, ran, err := again.Run(context.Background(), user)
		require.NoError(t, err)
		assert.True(t, ran)
		assert.Equal(t, chatsync.MigrationResult{Found: 2, Skipped: 2}, res)
		assert.Len(t, store.Docs("chatrooms"), 2)
	})

	t.Run("another participant has its own run", func(t *testing.T) {
		assert.False(t, m.Done("cust-9"))
		res, ran, err := m.Run(context.Background(), chatsync.User{ID: "cust-9"})
		require.NoError(t, err)
		assert.True(t, ran)
		assert.Equal(t, chatsync.MigrationResult{Found: 1, Migrated: 1}, res)
		assert.True(t, m.Done("cust-9"))
	})
}

func TestMigratorShop(t *testing.T) {
	store := memstore.New()
	seedLegacy(store)
	m := newMigrator(store, chatsync.RoleShop)

	res, _, err := m.Run(context.Background(), chatsync.User{ID: "shop-1", DisplayName: "Bakery"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Migrated)

	rooms := canonicalByKey(t, store)
	assert.Equal(t, "cust-1", rooms["legacy-1"].CustomerID)
	assert.Equal(t, "cust-9", rooms["legacy-3"].CustomerID)
	assert.Equal(t, "shop-1", rooms["legacy-3"].LastMessage.ShopID)
	assert.Equal(t, "Bakery", rooms["legacy-3"].LastMessage.ShopName)
}

func TestMigratorQueryFailureAllowsRetry(t *testing.T) {
	store := memstore.New()
	seedLegacy(store)
	m := newMigrator(store, chatsync.RoleCustomer)
	user := chatsync.User{ID: "cust-1"}

	store.SetQueryError("chats", errors.New("unavailable"))
	_, ran, err := m.Run(context.Background(), user)
	assert.True(t, ran)
	var se *chatsync.StoreError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "query", se.Op)
	assert.False(t, m.Done("cust-1"))
	assert.Empty(t, store.Ops())

	store.SetQueryError("chats", nil)
	res, ran, err := m.Run(context.Background(), user)
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, 2, res.Migrated)
}

func TestMigratorPartialFailure(t *testing.T) {
	store := memstore.New()
	seedLegacy(store)
	m := newMigrator(store, chatsync.RoleCustomer)

	boom := errors.New("quota exceeded")
	store.SetWriteError("chatrooms", boom)
	res, ran, err := m.Run(context.Background(), chatsync.User{ID: "cust-1"})
	assert.True(t, ran)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, chatsync.MigrationResult{Found: 2, Failed: 2}, res)
	assert.True(t, m.Done("cust-1"), "a run past the legacy query is not repeated")
}
