package wsstore

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/LuminPulse-AI/chatsync"
)

// ============================================================================
// Token check
// ============================================================================

// VerifyToken compares a presented token with the expected one in constant
// time. An empty expected token accepts every caller.
func VerifyToken(presented, expected string) bool {
	if expected == "" {
		return true
	}
	if presented == "" || len(presented) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(expected)) == 1
}

func requestToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// ============================================================================
// Handler
// ============================================================================

// HandlerConfig configures a relay Handler.
type HandlerConfig struct {
	Token          string
	ReadLimit      int64
	OriginPatterns []string
	Logger         zerolog.Logger
}

func (c *HandlerConfig) defaults() {
	if c.ReadLimit == 0 {
		c.ReadLimit = 8 << 20
	}
}

// Handler relays the wire protocol onto a backing chatsync.Store. Each
// WebSocket connection is one session with its own subscriptions.
//
// Example:
//
//	relay := wsstore.NewHandler(redisstore.New(rdb, "chat"), wsstore.HandlerConfig{Token: token})
//	http.Handle("/ws", relay)
type Handler struct {
	store  chatsync.Store
	config HandlerConfig
	log    zerolog.Logger
}

// NewHandler builds a relay over store.
func NewHandler(store chatsync.Store, config HandlerConfig) *Handler {
	config.defaults()
	return &Handler{
		store:  store,
		config: config,
		log:    config.Logger.With().Str("component", "relay").Logger(),
	}
}

func (h *Handler) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	if !VerifyToken(requestToken(r), h.config.Token) {
		rw.Header().Set("Content-Type", "application/json")
		rw.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(rw).Encode(map[string]string{"error": "Invalid token"})
		return
	}

	conn, err := websocket.Accept(rw, r, &websocket.AcceptOptions{OriginPatterns: h.config.OriginPatterns})
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket accept failed")
		return
	}
	conn.SetReadLimit(h.config.ReadLimit)

	ctx, cancel := context.WithCancel(r.Context())
	s := &session{
		handler: h,
		conn:    conn,
		log:     h.log.With().Str("remote", r.RemoteAddr).Logger(),
		subs:    make(map[string]context.CancelFunc),
	}
	defer func() {
		cancel()
		s.closeAll()
		conn.Close(websocket.StatusNormalClosure, "")
	}()

	if err := s.write(ctx, Envelope{Type: EvtAuthenticated}); err != nil {
		return
	}
	s.log.Debug().Msg("session opened")
	s.serve(ctx)
	s.log.Debug().Msg("session closed")
}

// ── session ──────────────────────────────────────────────

type session struct {
	handler *Handler
	conn    *websocket.Conn
	log     zerolog.Logger

	mu   sync.Mutex
	subs map[string]context.CancelFunc
}

func (s *session) write(ctx context.Context, env Envelope) error {
	return wsjson.Write(ctx, s.conn, env)
}

func (s *session) serve(ctx context.Context) {
	for {
		var cmd inboundCommand
		if err := wsjson.Read(ctx, s.conn, &cmd); err != nil {
			var ce websocket.CloseError
			if !errors.As(err, &ce) && ctx.Err() == nil {
				s.log.Debug().Err(err).Msg("read failed")
			}
			return
		}
		env, reply := s.dispatch(ctx, cmd)
		if !reply {
			continue
		}
		env.RequestID = cmd.RequestID
		if err := s.write(ctx, env); err != nil {
			return
		}
	}
}

// dispatch runs one command. It reports false for commands with no reply.
func (s *session) dispatch(ctx context.Context, cmd inboundCommand) (Envelope, bool) {
	store := s.handler.store
	switch cmd.Type {
	case CmdPing:
		return Envelope{Type: EvtPong}, true

	case CmdSubscribe:
		var p SubscribePayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil || p.SubscriptionID == "" || p.Collection == "" {
			return errorEnvelope(fmt.Errorf("invalid subscribe payload")), true
		}
		s.subscribe(ctx, p)
		return Envelope{}, false

	case CmdUnsubscribe:
		var p UnsubscribePayload
		if err := json.Unmarshal(cmd.Payload, &p); err == nil {
			s.unsubscribe(p.SubscriptionID)
		}
		return Envelope{}, false

	case CmdWrite:
		var p WritePayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil || p.Collection == "" {
			return errorEnvelope(fmt.Errorf("invalid write payload")), true
		}
		id, err := store.Write(ctx, p.Collection, p.Data)
		if err != nil {
			return errorEnvelope(err), true
		}
		return mustEnvelope(EvtWriteOK, WriteResult{ID: id}), true

	case CmdUpdate:
		var p UpdatePayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil || p.Collection == "" || p.DocID == "" {
			return errorEnvelope(fmt.Errorf("invalid update payload")), true
		}
		if err := store.Update(ctx, p.Collection, p.DocID, p.Patch); err != nil {
			return errorEnvelope(err), true
		}
		return Envelope{Type: EvtUpdateOK}, true

	case CmdQuery:
		var p QueryPayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil || p.Collection == "" {
			return errorEnvelope(fmt.Errorf("invalid query payload")), true
		}
		docs, err := store.QueryOnce(ctx, p.Collection, p.Condition)
		if err != nil {
			return errorEnvelope(err), true
		}
		return mustEnvelope(EvtQueryResult, SnapshotPayload{Docs: docs}), true
	}
	return errorEnvelope(fmt.Errorf("unknown command %q", cmd.Type)), true
}

func (s *session) subscribe(ctx context.Context, p SubscribePayload) {
	subCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	if prev, ok := s.subs[p.SubscriptionID]; ok {
		prev()
	}
	s.subs[p.SubscriptionID] = cancel
	s.mu.Unlock()

	ch, err := s.handler.store.Subscribe(subCtx, p.Collection, p.Condition)
	if err != nil {
		s.unsubscribe(p.SubscriptionID)
		s.subscriptionError(ctx, p.SubscriptionID, err)
		return
	}
	s.log.Debug().Str("subscription_id", p.SubscriptionID).Str("collection", p.Collection).Msg("subscribed")

	go func() {
		for {
			select {
			case <-subCtx.Done():
				return
			case snap, ok := <-ch:
				if !ok {
					return
				}
				if snap.Err != nil {
					s.unsubscribe(p.SubscriptionID)
					s.subscriptionError(ctx, p.SubscriptionID, snap.Err)
					return
				}
				env := mustEnvelope(EvtSnapshot, SnapshotPayload{Docs: snap.Docs})
				env.SubscriptionID = p.SubscriptionID
				if err := s.write(subCtx, env); err != nil {
					return
				}
			}
		}
	}()
}

func (s *session) subscriptionError(ctx context.Context, id string, err error) {
	s.log.Warn().Err(err).Str("subscription_id", id).Msg("subscription ended by store")
	env := errorEnvelope(err)
	env.Type = EvtSubscriptionError
	env.SubscriptionID = id
	_ = s.write(ctx, env)
}

func (s *session) unsubscribe(id string) {
	s.mu.Lock()
	cancel, ok := s.subs[id]
	delete(s.subs, id)
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

func (s *session) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, cancel := range s.subs {
		cancel()
		delete(s.subs, id)
	}
}

func errorEnvelope(err error) Envelope {
	return mustEnvelope(EvtError, ErrorPayload{Message: err.Error()})
}

func mustEnvelope(typ string, payload any) Envelope {
	env, err := envelope(typ, payload)
	if err != nil {
		env, _ = envelope(EvtError, ErrorPayload{Message: err.Error()})
	}
	return env
}
