package chatsync

import (
	"encoding/json"
	"fmt"
	"time"
)

// ============================================================================
// Store-level shapes
// ============================================================================

// Document is one physical record as delivered by a store: the identifier the
// store assigned to it and its untyped field map.
type Document struct {
	ID   string         `json:"id"`
	Data map[string]any `json:"data"`
}

// Operator is the comparison a Condition applies.
type Operator string

const (
	OpEqual         Operator = "=="
	OpArrayContains Operator = "array-contains"
)

// Condition is the single filter a subscription or query carries.
// Field may be a dotted path into nested objects ("lastMessage.shopId").
type Condition struct {
	Field string   `json:"field"`
	Op    Operator `json:"op"`
	Value any      `json:"value"`
}

// Where builds an equality condition.
func Where(field string, value any) *Condition {
	return &Condition{Field: field, Op: OpEqual, Value: value}
}

// Contains builds an array-membership condition.
func Contains(field string, value any) *Condition {
	return &Condition{Field: field, Op: OpArrayContains, Value: value}
}

// Snapshot is one delivery on a subscription channel. A non-nil Err is
// terminal: the channel is closed right after it.
type Snapshot struct {
	Docs []Document
	Err  error
}

// ============================================================================
// Chatrooms
// ============================================================================

// LastMessage is the denormalized summary cached on a chatroom.
// UnreadCount counts sends into the room over its lifetime and is never
// reset; per-role read state lives in Chatroom.CustomerUnreadCount and
// Chatroom.ShopUnreadCount.
type LastMessage struct {
	Content         string    `json:"content"`
	SenderName      string    `json:"senderName"`
	Timestamp       time.Time `json:"timestamp"`
	LastMessageTime time.Time `json:"lastMessageTime"`
	ShopID          string    `json:"shopId"`
	ShopName        string    `json:"shopName"`
	UnreadCount     int       `json:"unreadCount"`
}

// Chatroom is a customer↔shop conversation.
type Chatroom struct {
	DocID               string      `json:"-"`
	StorageKey          string      `json:"storageKey,omitempty"`
	ID                  string      `json:"id"`
	CustomerID          string      `json:"customerId"`
	CustomerName        string      `json:"customerName"`
	IsActive            bool        `json:"isActive"`
	LastMessage         LastMessage `json:"lastMessage"`
	CreatedAt           time.Time   `json:"createdAt"`
	UpdatedAt           time.Time   `json:"updatedAt"`
	DeletedAt           *time.Time  `json:"deletedAt"`
	CustomerUnreadCount int         `json:"customerUnreadCount"`
	ShopUnreadCount     int         `json:"shopUnreadCount"`
}

// Key is the deduplication key: the carried storage key, else the logical id.
func (c Chatroom) Key() string {
	if c.StorageKey != "" {
		return c.StorageKey
	}
	return c.ID
}

// Recency is the most recent of the room's own and summary timestamps.
func (c Chatroom) Recency() time.Time {
	return latest(c.UpdatedAt, c.CreatedAt, c.LastMessage.Timestamp, c.LastMessage.LastMessageTime)
}

// Deleted reports whether the room carries a soft-delete marker.
func (c Chatroom) Deleted() bool {
	return c.DeletedAt != nil
}

// UnreadFor returns the unread counter that belongs to role.
func (c Chatroom) UnreadFor(role Role) int {
	if role == RoleShop {
		return c.ShopUnreadCount
	}
	return c.CustomerUnreadCount
}

// DecodeChatroom coerces a store document into a Chatroom. Timestamps go
// through Normalize; a legacy string lastMessage becomes the summary content.
func DecodeChatroom(doc Document) (Chatroom, error) {
	if doc.Data == nil {
		return Chatroom{}, fmt.Errorf("%w: chatroom %q has no fields", ErrMalformedRecord, doc.ID)
	}
	d := doc.Data
	room := Chatroom{
		DocID:               doc.ID,
		StorageKey:          strOr(d, "storageKey", ""),
		ID:                  strOr(d, "id", ""),
		CustomerID:          strOr(d, "customerId", ""),
		CustomerName:        strOr(d, "customerName", ""),
		IsActive:            boolOr(d, "isActive", true),
		CreatedAt:           Normalize(d["createdAt"]),
		UpdatedAt:           Normalize(d["updatedAt"]),
		DeletedAt:           optionalTime(d["deletedAt"]),
		CustomerUnreadCount: intOr(d, "customerUnreadCount", 0),
		ShopUnreadCount:     intOr(d, "shopUnreadCount", 0),
	}

	switch lm := d["lastMessage"].(type) {
	case map[string]any:
		room.LastMessage = LastMessage{
			Content:         strOr(lm, "content", ""),
			SenderName:      strOr(lm, "senderName", ""),
			Timestamp:       Normalize(lm["timestamp"]),
			LastMessageTime: Normalize(lm["lastMessageTime"]),
			ShopID:          strOr(lm, "shopId", ""),
			ShopName:        strOr(lm, "shopName", ""),
			UnreadCount:     intOr(lm, "unreadCount", 0),
		}
	case string:
		room.LastMessage = LastMessage{
			Content:         lm,
			Timestamp:       Normalize(firstPresent(d, "lastMessageTime", "lastMessageAt")),
			LastMessageTime: Normalize(firstPresent(d, "lastMessageTime", "lastMessageAt")),
			ShopID:          strOr(d, "shopId", ""),
			ShopName:        strOr(d, "shopName", ""),
		}
	case nil:
		room.LastMessage = LastMessage{
			Timestamp:       Epoch,
			LastMessageTime: Epoch,
			ShopID:          strOr(d, "shopId", ""),
			ShopName:        strOr(d, "shopName", ""),
		}
	default:
		return Chatroom{}, fmt.Errorf("%w: chatroom %q lastMessage is %T", ErrMalformedRecord, doc.ID, lm)
	}
	return room, nil
}

// Fields renders the room in its persisted shape.
func (c Chatroom) Fields() map[string]any {
	m := map[string]any{
		"id":                  c.ID,
		"customerId":          c.CustomerID,
		"customerName":        c.CustomerName,
		"isActive":            c.IsActive,
		"lastMessage":         c.LastMessage.Fields(),
		"createdAt":           c.CreatedAt,
		"updatedAt":           c.UpdatedAt,
		"deletedAt":           nil,
		"customerUnreadCount": c.CustomerUnreadCount,
		"shopUnreadCount":     c.ShopUnreadCount,
	}
	if c.DeletedAt != nil {
		m["deletedAt"] = *c.DeletedAt
	}
	if c.StorageKey != "" {
		m["storageKey"] = c.StorageKey
	}
	return m
}

// Fields renders the summary in its persisted shape.
func (lm LastMessage) Fields() map[string]any {
	return map[string]any{
		"content":         lm.Content,
		"senderName":      lm.SenderName,
		"timestamp":       lm.Timestamp,
		"lastMessageTime": lm.LastMessageTime,
		"shopId":          lm.ShopID,
		"shopName":        lm.ShopName,
		"unreadCount":     lm.UnreadCount,
	}
}

// ============================================================================
// Messages
// ============================================================================

// MessageType enumerates message payload kinds. Unknown values read from a
// store are kept as-is.
type MessageType string

const (
	MessageText   MessageType = "text"
	MessageImage  MessageType = "image"
	MessageFile   MessageType = "file"
	MessageSystem MessageType = "system"
)

// Message is a single chat event in a room.
type Message struct {
	DocID      string      `json:"-"`
	StorageKey string      `json:"storageKey,omitempty"`
	ID         string      `json:"id"`
	ChatRoomID string      `json:"chatRoomId"`
	SenderID   string      `json:"senderId"`
	SenderName string      `json:"senderName"`
	Content    string      `json:"content"`
	Type       MessageType `json:"type"`
	Timestamp  time.Time   `json:"timestamp"`
	IsRead     bool        `json:"isRead"`
	CreatedAt  time.Time   `json:"createdAt"`
	UpdatedAt  time.Time   `json:"updatedAt"`
	DeletedAt  *time.Time  `json:"deletedAt"`
}

func (m Message) Key() string {
	if m.StorageKey != "" {
		return m.StorageKey
	}
	return m.ID
}

func (m Message) Recency() time.Time {
	return latest(m.UpdatedAt, m.CreatedAt)
}

func (m Message) Deleted() bool {
	return m.DeletedAt != nil
}

// DecodeMessage coerces a store document into a Message.
func DecodeMessage(doc Document) (Message, error) {
	if doc.Data == nil {
		return Message{}, fmt.Errorf("%w: message %q has no fields", ErrMalformedRecord, doc.ID)
	}
	d := doc.Data
	return Message{
		DocID:      doc.ID,
		StorageKey: strOr(d, "storageKey", ""),
		ID:         strOr(d, "id", ""),
		ChatRoomID: strOr(d, "chatRoomId", ""),
		SenderID:   strOr(d, "senderId", ""),
		SenderName: strOr(d, "senderName", ""),
		Content:    strOr(d, "content", ""),
		Type:       MessageType(strOr(d, "type", string(MessageText))),
		Timestamp:  Normalize(d["timestamp"]),
		IsRead:     boolOr(d, "isRead", false),
		CreatedAt:  Normalize(d["createdAt"]),
		UpdatedAt:  Normalize(d["updatedAt"]),
		DeletedAt:  optionalTime(d["deletedAt"]),
	}, nil
}

// Fields renders the message in its persisted shape.
func (m Message) Fields() map[string]any {
	f := map[string]any{
		"id":         m.ID,
		"chatRoomId": m.ChatRoomID,
		"senderId":   m.SenderID,
		"senderName": m.SenderName,
		"content":    m.Content,
		"type":       string(m.Type),
		"timestamp":  m.Timestamp,
		"isRead":     m.IsRead,
		"createdAt":  m.CreatedAt,
		"updatedAt":  m.UpdatedAt,
		"deletedAt":  nil,
	}
	if m.DeletedAt != nil {
		f["deletedAt"] = *m.DeletedAt
	}
	if m.StorageKey != "" {
		f["storageKey"] = m.StorageKey
	}
	return f
}

// ============================================================================
// Helpers
// ============================================================================

func strOr(m map[string]any, key, fallback string) string {
	if v, ok := m[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func intOr(m map[string]any, key string, fallback int) int {
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	}
	return fallback
}

func boolOr(m map[string]any, key string, fallback bool) bool {
	if v, ok := m[key].(bool); ok {
		return v
	}
	return fallback
}

func firstPresent(m map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

// optionalTime keeps a nil marker nil and normalizes anything else.
func optionalTime(v any) *time.Time {
	if v == nil || v == "" {
		return nil
	}
	t := Normalize(v)
	return &t
}
