// Package wsstore carries the chatsync.Store contract over a WebSocket.
// Client is a Store backed by a remote relay; Handler is that relay, fronting
// any other Store.
//
// Wire format: every frame is one JSON object. Clients send Commands, the
// relay answers with Envelopes. Request/response pairs share a requestId;
// snapshot and subscription.error frames carry the subscriptionId instead.
package wsstore

import (
	"encoding/json"
	"errors"

	"github.com/LuminPulse-AI/chatsync"
)

// Command types (client → relay).
const (
	CmdSubscribe   = "subscribe"
	CmdUnsubscribe = "unsubscribe"
	CmdWrite       = "write"
	CmdUpdate      = "update"
	CmdQuery       = "query"
	CmdPing        = "ping"
)

// Envelope types (relay → client).
const (
	EvtAuthenticated     = "authenticated"
	EvtSnapshot          = "snapshot"
	EvtSubscriptionError = "subscription.error"
	EvtWriteOK           = "write.ok"
	EvtUpdateOK          = "update.ok"
	EvtQueryResult       = "query.result"
	EvtPong              = "pong"
	EvtError             = "error"
)

var (
	ErrNotConnected = errors.New("wsstore: not connected")
	ErrDisconnected = errors.New("wsstore: connection lost before reply")
	ErrTimeout      = errors.New("wsstore: request timed out")
)

// RemoteError is a failure reported by the relay's backing store.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return "wsstore: remote: " + e.Message
}

// Command is a client-to-relay frame.
type Command struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// inboundCommand is Command as the relay decodes it.
type inboundCommand struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Envelope is a relay-to-client frame.
type Envelope struct {
	Type           string          `json:"type"`
	RequestID      string          `json:"requestId,omitempty"`
	SubscriptionID string          `json:"subscriptionId,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// ── Payloads ─────────────────────────────────────────────

type SubscribePayload struct {
	SubscriptionID string              `json:"subscriptionId"`
	Collection     string              `json:"collection"`
	Condition      *chatsync.Condition `json:"condition,omitempty"`
}

type UnsubscribePayload struct {
	SubscriptionID string `json:"subscriptionId"`
}

type WritePayload struct {
	Collection string         `json:"collection"`
	Data       map[string]any `json:"data"`
}

type UpdatePayload struct {
	Collection string         `json:"collection"`
	DocID      string         `json:"docId"`
	Patch      map[string]any `json:"patch"`
}

type QueryPayload struct {
	Collection string              `json:"collection"`
	Condition  *chatsync.Condition `json:"condition,omitempty"`
}

type SnapshotPayload struct {
	Docs []chatsync.Document `json:"docs"`
}

type WriteResult struct {
	ID string `json:"id"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

func envelope(typ string, payload any) (Envelope, error) {
	env := Envelope{Type: typ}
	if payload == nil {
		return env, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return env, err
	}
	env.Payload = raw
	return env, nil
}
