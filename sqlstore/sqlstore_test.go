package sqlstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/LuminPulse-AI/chatsync"
)

func dryRunDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(postgres.New(postgres.Config{
		DSN: "host=127.0.0.1 port=1 user=chatsync dbname=chatsync sslmode=disable",
	}), &gorm.Config{DryRun: true, DisableAutomaticPing: true})
	require.NoError(t, err)
	return db
}

func TestRowTable(t *testing.T) {
	assert.Equal(t, "chatsync_documents", Row{}.TableName())
}

func TestLockedRowStatement(t *testing.T) {
	db := dryRunDB(t)
	sql := db.ToSQL(func(tx *gorm.DB) *gorm.DB {
		var row Row
		return lockedRow(tx, "chatrooms", "doc-1").First(&row)
	})
	assert.Contains(t, sql, `FROM "chatsync_documents"`)
	assert.Contains(t, sql, "collection = 'chatrooms' AND id = 'doc-1'")
	assert.Contains(t, sql, "FOR UPDATE")
}

func TestDecode(t *testing.T) {
	s := New(dryRunDB(t), Config{})
	rows := []Row{
		{Collection: "messages", ID: "m2", Data: `{"id":"msg-2","chatRoomId":"room-1"}`},
		{Collection: "messages", ID: "m1", Data: `{"id":"msg-1","chatRoomId":"room-1"}`},
		{Collection: "messages", ID: "m3", Data: `{"id":"msg-3","chatRoomId":"room-2"}`},
		{Collection: "messages", ID: "m4", Data: `[broken`},
	}

	t.Run("filters and orders", func(t *testing.T) {
		docs := s.decode(rows, chatsync.Where("chatRoomId", "room-1"))
		require.Len(t, docs, 2)
		assert.Equal(t, "m1", docs[0].ID)
		assert.Equal(t, "msg-2", docs[1].Data["id"])
	})

	t.Run("nil condition keeps decodable rows", func(t *testing.T) {
		assert.Len(t, s.decode(rows, nil), 3)
	})
}

func TestConfigDefaults(t *testing.T) {
	var c Config
	c.defaults()
	assert.Equal(t, 3, c.MaxPollFailures)
	assert.NotZero(t, c.PollInterval)
}
