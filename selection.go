package chatsync

// SelectionState names the two states of room selection.
type SelectionState string

const (
	NoRoomSelected SelectionState = "no_room_selected"
	RoomSelected   SelectionState = "room_selected"
)

// Selection is the active-room state machine. The zero value is
// NoRoomSelected. Transitions return a new value and never fail.
type Selection struct {
	roomID string
}

// State reports the current state.
func (s Selection) State() SelectionState {
	if s.roomID == "" {
		return NoRoomSelected
	}
	return RoomSelected
}

// RoomID is the selected id, empty when nothing is selected.
func (s Selection) RoomID() string {
	return s.roomID
}

// Select moves to RoomSelected(id) for any id, known or not. An empty id
// returns to NoRoomSelected.
func (s Selection) Select(id string) Selection {
	return Selection{roomID: id}
}

// AutoSelect picks the first room when nothing is selected and rooms is
// non-empty; otherwise the selection is unchanged.
func (s Selection) AutoSelect(rooms []Chatroom) Selection {
	if s.State() == NoRoomSelected && len(rooms) > 0 {
		return Selection{roomID: rooms[0].ID}
	}
	return s
}

// ActiveRoom resolves the selected id against the deduplicated rooms.
func ActiveRoom(sel Selection, rooms []Chatroom) (Chatroom, bool) {
	if sel.State() == NoRoomSelected {
		return Chatroom{}, false
	}
	for _, r := range rooms {
		if r.ID == sel.roomID {
			return r, true
		}
	}
	return Chatroom{}, false
}
