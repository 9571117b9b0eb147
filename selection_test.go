package chatsync

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSelection(t *testing.T) {
	rooms := []Chatroom{{ID: "room-2"}, {ID: "room-1"}}

	var sel Selection
	assert.Equal(t, NoRoomSelected, sel.State())
	assert.Empty(t, sel.RoomID())

	t.Run("auto select picks the first room", func(t *testing.T) {
		got := sel.AutoSelect(rooms)
		assert.Equal(t, RoomSelected, got.State())
		assert.Equal(t, "room-2", got.RoomID())
	})

	t.Run("auto select keeps an existing choice", func(t *testing.T) {
		got := sel.Select("room-1").AutoSelect(rooms)
		assert.Equal(t, "room-1", got.RoomID())
	})

	t.Run("auto select with no rooms", func(t *testing.T) {
		assert.Equal(t, NoRoomSelected, sel.AutoSelect(nil).State())
	})

	t.Run("unknown ids are accepted", func(t *testing.T) {
		got := sel.Select("room-404")
		assert.Equal(t, RoomSelected, got.State())
		_, ok := ActiveRoom(got, rooms)
		assert.False(t, ok)
	})

	t.Run("empty id clears", func(t *testing.T) {
		assert.Equal(t, NoRoomSelected, sel.Select("room-1").Select("").State())
	})
}

func TestActiveRoom(t *testing.T) {
	rooms := []Chatroom{{ID: "room-1", CustomerID: "c1"}, {ID: "room-2", CustomerID: "c2"}}

	room, ok := ActiveRoom(Selection{}.Select("room-2"), rooms)
	assert.True(t, ok)
	assert.Equal(t, "c2", room.CustomerID)

	_, ok = ActiveRoom(Selection{}, rooms)
	assert.False(t, ok)
}
