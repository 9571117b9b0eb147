package chatsync

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// ============================================================================
// Send
// ============================================================================

// CanSend reports why SendMessage would be a no-op right now, or nil.
func (e *Engine) CanSend() error {
	_, _, err := e.sendTarget()
	return err
}

func (e *Engine) sendTarget() (Chatroom, User, error) {
	e.mu.RLock()
	sel := e.selection
	room, found := ActiveRoom(sel, e.chatrooms)
	var user *User
	if e.participant != nil {
		u := *e.participant
		user = &u
	}
	e.mu.RUnlock()

	switch {
	case sel.State() == NoRoomSelected:
		return Chatroom{}, User{}, ErrNoRoomSelected
	case !found:
		return Chatroom{}, User{}, fmt.Errorf("%w: %s", ErrRoomNotFound, sel.RoomID())
	case user == nil:
		return Chatroom{}, User{}, ErrNoParticipant
	case !e.connected():
		return Chatroom{}, User{}, ErrNotConnected
	}
	return room, *user, nil
}

// SendMessage writes a message into the selected room and then refreshes the
// room's summary and the recipient's unread counter. When a precondition
// fails nothing is written and EventMessageSkipped carries the reason. A
// failed message write leaves the room untouched; a failed summary update is
// not rolled back. EventMessageSent carries the written Message.
func (e *Engine) SendMessage(ctx context.Context, content string, typ MessageType) {
	room, user, err := e.sendTarget()
	if err != nil {
		e.log.Info().Err(err).Msg("send skipped")
		e.emit(EventMessageSkipped, err)
		return
	}
	if typ == "" {
		typ = MessageText
	}

	at := e.instant(room.Recency())
	msg := Message{
		ID:         e.newID(),
		ChatRoomID: room.ID,
		SenderID:   user.ID,
		SenderName: user.DisplayName,
		Content:    content,
		Type:       typ,
		Timestamp:  at,
		IsRead:     false,
		CreatedAt:  at,
		UpdatedAt:  at,
	}
	docID, err := e.store.Write(ctx, e.collections.Messages, msg.Fields())
	e.metrics.write("message", err)
	if err != nil {
		err = storeErr("write", e.collections.Messages, err)
		e.log.Error().Err(err).Str("room_id", room.ID).Msg("message write failed")
		e.emit(EventMessageFailed, err)
		return
	}
	msg.DocID = docID

	summary := LastMessage{
		Content:         content,
		SenderName:      user.DisplayName,
		Timestamp:       at,
		LastMessageTime: at,
		ShopID:          room.LastMessage.ShopID,
		ShopName:        room.LastMessage.ShopName,
		UnreadCount:     room.LastMessage.UnreadCount + 1,
	}
	patch := map[string]any{
		"lastMessage": summary.Fields(),
		"updatedAt":   at,
	}
	if e.role == RoleShop {
		patch["customerUnreadCount"] = room.CustomerUnreadCount + 1
	} else {
		patch["shopUnreadCount"] = room.ShopUnreadCount + 1
	}

	err = e.store.Update(ctx, e.collections.Chatrooms, roomDocID(room), patch)
	e.metrics.write("summary", err)
	if err != nil {
		err = storeErr("update", e.collections.Chatrooms, err)
		e.log.Error().Err(err).Str("room_id", room.ID).Str("message_id", msg.ID).Msg("summary update failed after message write")
		e.emit(EventMessageFailed, err)
		return
	}
	e.log.Debug().Str("room_id", room.ID).Str("message_id", msg.ID).Msg("message sent")
	e.emit(EventMessageSent, msg)
}

// ============================================================================
// Read receipts
// ============================================================================

// MarkAsRead zeroes the participant's unread counter on roomID. A counter
// already at zero issues no write. The summary's lifetime send counter is
// left alone.
func (e *Engine) MarkAsRead(ctx context.Context, roomID string) error {
	room, ok := e.lookupRoom(roomID)
	if !ok {
		err := fmt.Errorf("%w: %s", ErrRoomNotFound, roomID)
		e.log.Info().Err(err).Msg("mark as read skipped")
		return err
	}
	if room.UnreadFor(e.role) == 0 {
		return nil
	}

	field := "customerUnreadCount"
	if e.role == RoleShop {
		field = "shopUnreadCount"
	}
	err := e.store.Update(ctx, e.collections.Chatrooms, roomDocID(room), map[string]any{
		field:       0,
		"updatedAt": e.instant(room.UpdatedAt),
	})
	e.metrics.write("read", err)
	if err != nil {
		return storeErr("update", e.collections.Chatrooms, err)
	}
	e.emit(EventRoomRead, roomID)
	return nil
}

// ============================================================================
// Room lifecycle
// ============================================================================

// NewChatroom describes a conversation to open between a customer and a shop.
type NewChatroom struct {
	CustomerID   string
	CustomerName string
	ShopID       string
	ShopName     string
}

func (n NewChatroom) validate() error {
	var missing []string
	if n.CustomerID == "" {
		missing = append(missing, "customer id")
	}
	if n.ShopID == "" {
		missing = append(missing, "shop id")
	}
	if len(missing) > 0 {
		return fmt.Errorf("new chatroom: missing %s", strings.Join(missing, " and "))
	}
	return nil
}

// CreateChatroom returns the room already open between the customer and the
// shop, or writes a new one. Either way the room becomes the selection.
func (e *Engine) CreateChatroom(ctx context.Context, req NewChatroom) (Chatroom, error) {
	if err := req.validate(); err != nil {
		return Chatroom{}, err
	}
	if e.currentParticipant() == nil {
		return Chatroom{}, ErrNoParticipant
	}
	if !e.connected() {
		return Chatroom{}, ErrNotConnected
	}

	if room, ok := e.findPair(req); ok {
		e.SelectRoom(room.ID)
		return room, nil
	}

	docs, err := e.store.QueryOnce(ctx, e.collections.Chatrooms, Where("customerId", req.CustomerID))
	if err != nil {
		return Chatroom{}, storeErr("query", e.collections.Chatrooms, err)
	}
	var existing []Chatroom
	for _, doc := range docs {
		room, err := DecodeChatroom(doc)
		if err != nil || room.Deleted() || room.LastMessage.ShopID != req.ShopID {
			continue
		}
		existing = append(existing, room)
	}
	if merged := MergeChatrooms(existing); len(merged) > 0 {
		e.SelectRoom(merged[0].ID)
		return merged[0], nil
	}

	at := e.instant(time.Time{})
	room := Chatroom{
		ID:           e.newID(),
		CustomerID:   req.CustomerID,
		CustomerName: req.CustomerName,
		IsActive:     true,
		LastMessage: LastMessage{
			ShopID:   req.ShopID,
			ShopName: req.ShopName,
		},
		CreatedAt: at,
		UpdatedAt: at,
	}
	docID, err := e.store.Write(ctx, e.collections.Chatrooms, room.Fields())
	e.metrics.write("room", err)
	if err != nil {
		return Chatroom{}, storeErr("write", e.collections.Chatrooms, err)
	}
	room.DocID = docID
	e.log.Info().Str("room_id", room.ID).Str("shop_id", req.ShopID).Msg("chatroom created")
	e.emit(EventRoomCreated, room)
	e.SelectRoom(room.ID)
	return room, nil
}

// DeleteChatroom soft-deletes roomID. If it was selected, the selection
// moves to the most recent remaining room. The room leaves the projection on
// the next delivery.
func (e *Engine) DeleteChatroom(ctx context.Context, roomID string) error {
	room, ok := e.lookupRoom(roomID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrRoomNotFound, roomID)
	}
	at := e.instant(room.UpdatedAt)
	err := e.store.Update(ctx, e.collections.Chatrooms, roomDocID(room), map[string]any{
		"deletedAt": at,
		"isActive":  false,
		"updatedAt": at,
	})
	e.metrics.write("delete", err)
	if err != nil {
		return storeErr("update", e.collections.Chatrooms, err)
	}
	e.log.Info().Str("room_id", roomID).Msg("chatroom deleted")
	e.deselect(roomID)
	return nil
}

// deselect moves the selection off roomID, if it is there.
func (e *Engine) deselect(roomID string) {
	e.mu.Lock()
	if e.selection.RoomID() != roomID {
		e.mu.Unlock()
		return
	}
	remaining := make([]Chatroom, 0, len(e.chatrooms))
	for _, r := range e.chatrooms {
		if r.ID != roomID {
			remaining = append(remaining, r)
		}
	}
	e.selection = Selection{}.AutoSelect(remaining)
	e.messageView = []Message{}
	sel := e.selection
	e.mu.Unlock()

	e.retargetMessages(sel)
}

func (e *Engine) lookupRoom(id string) (Chatroom, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return ActiveRoom(Selection{roomID: id}, e.chatrooms)
}

func (e *Engine) findPair(req NewChatroom) (Chatroom, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, r := range e.chatrooms {
		if r.CustomerID == req.CustomerID && r.LastMessage.ShopID == req.ShopID {
			return r, true
		}
	}
	return Chatroom{}, false
}

// roomDocID is the physical document backing a room. Records decoded without
// one fall back to the logical id.
func roomDocID(r Chatroom) string {
	if r.DocID != "" {
		return r.DocID
	}
	return r.ID
}
