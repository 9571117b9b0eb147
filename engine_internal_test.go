package chatsync

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOnChatroomsDropsPreviousParticipant(t *testing.T) {
	e := NewEngine(nil, NewStaticAuth(&User{ID: "cust-2"}), WithMigration(false))
	e.mu.Lock()
	e.participant = &User{ID: "cust-2"}
	e.mu.Unlock()

	// A delivery from the old subscription lands after the switch reset.
	e.onChatrooms(*Where("customerId", "cust-1"), []Chatroom{{ID: "room-1", CustomerID: "cust-1"}})
	assert.Empty(t, e.Chatrooms())
	assert.Equal(t, NoRoomSelected, e.Selection().State())

	e.onChatrooms(*Where("customerId", "cust-2"), []Chatroom{{ID: "room-2", CustomerID: "cust-2"}})
	assert.Equal(t, []Chatroom{{ID: "room-2", CustomerID: "cust-2"}}, e.Chatrooms())
	assert.Equal(t, "room-2", e.Selection().RoomID())

	t.Run("no participant", func(t *testing.T) {
		e.mu.Lock()
		e.participant = nil
		e.chatrooms = []Chatroom{}
		e.selection = Selection{}
		e.mu.Unlock()

		e.onChatrooms(*Where("customerId", "cust-2"), []Chatroom{{ID: "room-2", CustomerID: "cust-2"}})
		assert.Empty(t, e.Chatrooms())
	})
}
