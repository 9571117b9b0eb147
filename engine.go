// Package chatsync keeps a client-side view of customer↔shop chatrooms and
// their messages consistent with a realtime document store that may deliver
// duplicate, out-of-order or legacy-shaped records.
//
// Usage:
//
//	auth := chatsync.NewStaticAuth(&chatsync.User{ID: "cust-1", DisplayName: "Ana"})
//	engine := chatsync.NewEngine(store, auth, chatsync.WithLogger(log))
//	if err := engine.Start(ctx); err != nil { ... }
//	defer engine.Close()
//
//	engine.On(chatsync.EventChatroomsChanged, func(string, any) { render(engine.Chatrooms()) })
//	engine.SendMessage(ctx, "hello", chatsync.MessageText)
package chatsync

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ============================================================================
// Configuration
// ============================================================================

// Collections names the store collections and the legacy membership field.
type Collections struct {
	Chatrooms       string
	Messages        string
	LegacyChatrooms string
	MembershipField string
}

func (c *Collections) defaults() {
	if c.Chatrooms == "" {
		c.Chatrooms = "chatrooms"
	}
	if c.Messages == "" {
		c.Messages = "messages"
	}
	if c.LegacyChatrooms == "" {
		c.LegacyChatrooms = "chats"
	}
	if c.MembershipField == "" {
		c.MembershipField = "participants"
	}
}

// DefaultCollections returns the collection names used when none are set.
func DefaultCollections() Collections {
	var c Collections
	c.defaults()
	return c
}

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(log zerolog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithRole sets which side of the conversation the participant is on. It
// picks the chatroom subscription field and the unread counter.
func WithRole(role Role) Option {
	return func(e *Engine) { e.role = role }
}

func WithCollections(c Collections) Option {
	return func(e *Engine) { e.collections = c }
}

// WithClock overrides the wall clock used for write instants.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithIDGenerator overrides how logical ids are minted.
func WithIDGenerator(gen func() string) Option {
	return func(e *Engine) { e.newID = gen }
}

// WithMigration toggles the legacy chatroom migration. It is on by default.
func WithMigration(enabled bool) Option {
	return func(e *Engine) { e.migrate = enabled }
}

// ============================================================================
// Engine
// ============================================================================

// Engine drives the subscriptions, recomputes the merged projections on every
// delivery and owns the room selection. Projection and selection changes are
// serialized under one lock; store I/O never runs while it is held.
type Engine struct {
	emitter

	store       Store
	auth        Auth
	log         zerolog.Logger
	metrics     *Metrics
	role        Role
	collections Collections
	now         func() time.Time
	newID       func() string
	migrate     bool

	rooms    *Subscription[Chatroom]
	messages *Subscription[Message]
	migrator *Migrator

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.RWMutex
	chatrooms   []Chatroom
	messageView []Message
	selection   Selection
	participant *User
	lastIssued  time.Time

	lifecycleMu sync.Mutex
	started     bool
	retargetMu  sync.Mutex
	diagnostics chan error
}

// NewEngine wires an engine over store and auth. Call Start to subscribe.
func NewEngine(store Store, auth Auth, opts ...Option) *Engine {
	e := &Engine{
		store:       store,
		auth:        auth,
		log:         zerolog.Nop(),
		role:        RoleCustomer,
		now:         time.Now,
		newID:       func() string { return uuid.NewString() },
		migrate:     true,
		chatrooms:   []Chatroom{},
		messageView: []Message{},
		diagnostics: make(chan error, 32),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.collections.defaults()
	e.log = e.log.With().Str("role", string(e.role)).Logger()
	e.emitter.log = &e.log

	e.rooms = NewSubscription(store, e.collections.Chatrooms, DecodeChatroom, SubscriptionHooks[Chatroom]{
		OnUpdate: e.onChatrooms,
		OnError:  func(err error) { e.onSubscriptionError(e.collections.Chatrooms, err) },
	}, e.log, e.metrics)
	e.messages = NewSubscription(store, e.collections.Messages, DecodeMessage, SubscriptionHooks[Message]{
		OnUpdate: e.onMessages,
		OnError:  func(err error) { e.onSubscriptionError(e.collections.Messages, err) },
	}, e.log, e.metrics)
	e.migrator = NewMigrator(store, e.collections, e.role, e.log, e.metrics)
	e.migrator.now = e.now
	return e
}

// Start evaluates the auth provider and opens the chatroom subscription for
// the current participant. Calling it again after the user changes
// re-targets the subscription; without a user everything is torn down.
func (e *Engine) Start(ctx context.Context) error {
	e.lifecycleMu.Lock()
	if !e.started {
		e.ctx, e.cancel = context.WithCancel(ctx)
		e.started = true
	}
	base := e.ctx
	e.lifecycleMu.Unlock()

	user := e.currentParticipant()
	e.mu.Lock()
	switched := user == nil || e.participant == nil || e.participant.ID != user.ID
	e.participant = user
	if switched {
		e.chatrooms = []Chatroom{}
		e.messageView = []Message{}
		e.selection = Selection{}
	}
	e.mu.Unlock()

	if user == nil {
		e.log.Info().Msg("no authenticated participant, subscriptions closed")
		e.rooms.Close()
		e.messages.Close()
		return nil
	}
	if switched {
		e.messages.Close()
	}
	return e.rooms.Open(base, e.roomCondition(user))
}

// Close tears down both subscriptions and drops event handlers.
func (e *Engine) Close() {
	e.rooms.Close()
	e.messages.Close()
	e.lifecycleMu.Lock()
	if e.cancel != nil {
		e.cancel()
	}
	e.started = false
	e.lifecycleMu.Unlock()
	e.removeAll()
}

// Diagnostics carries connectivity and migration errors. It never blocks the
// engine; undrained errors are discarded.
func (e *Engine) Diagnostics() <-chan error {
	return e.diagnostics
}

// Collections returns the collection names in use.
func (e *Engine) Collections() Collections {
	return e.collections
}

// Role returns the participant role the engine acts as.
func (e *Engine) Role() Role {
	return e.role
}

// ============================================================================
// Projections
// ============================================================================

// Chatrooms returns the deduplicated, recency-sorted, non-deleted rooms.
func (e *Engine) Chatrooms() []Chatroom {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]Chatroom{}, e.chatrooms...)
}

// Messages returns the selected room's messages, oldest first.
func (e *Engine) Messages() []Message {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]Message{}, e.messageView...)
}

// CurrentRoom resolves the selection against the latest rooms.
func (e *Engine) CurrentRoom() (Chatroom, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return ActiveRoom(e.selection, e.chatrooms)
}

// Selection returns the selection state.
func (e *Engine) Selection() Selection {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.selection
}

// SelectRoom moves the selection to id and re-targets the message
// subscription. It never blocks on the store and never fails.
func (e *Engine) SelectRoom(id string) {
	e.mu.Lock()
	prev := e.selection
	e.selection = e.selection.Select(id)
	changed := prev.RoomID() != e.selection.RoomID()
	if changed {
		e.messageView = []Message{}
	}
	sel := e.selection
	e.mu.Unlock()

	if changed {
		e.retargetMessages(sel)
	}
}

// onChatrooms drops deliveries whose condition no longer matches the current
// participant. One can still arrive after Start has reset the projection.
func (e *Engine) onChatrooms(cond Condition, records []Chatroom) {
	merged, stats := mergeBy(records, chatroomLess)

	visible := make([]Chatroom, 0, len(merged))
	for _, r := range merged {
		if !r.Deleted() {
			visible = append(visible, r)
		}
	}

	e.mu.Lock()
	if e.participant == nil || !e.roomCondition(e.participant).Equal(&cond) {
		e.mu.Unlock()
		e.log.Debug().Str("field", cond.Field).Interface("value", cond.Value).Msg("dropped chatroom delivery for a previous participant")
		return
	}
	prev := e.selection
	e.chatrooms = visible
	e.selection = e.selection.AutoSelect(visible)
	sel := e.selection
	user := e.participant
	e.mu.Unlock()

	e.reportMerge(e.collections.Chatrooms, stats)
	e.emit(EventChatroomsChanged, len(visible))
	if prev.RoomID() != sel.RoomID() {
		e.retargetMessages(sel)
	}
	if len(merged) == 0 {
		e.maybeMigrate(user)
	}
}

func (e *Engine) onMessages(_ Condition, records []Message) {
	merged, stats := mergeBy(records, messageLess)
	e.reportMerge(e.collections.Messages, stats)

	e.mu.Lock()
	roomID := e.selection.RoomID()
	view := make([]Message, 0, len(merged))
	for _, m := range merged {
		if m.ChatRoomID == roomID && !m.Deleted() {
			view = append(view, m)
		}
	}
	e.messageView = view
	e.mu.Unlock()

	e.emit(EventMessagesChanged, len(view))
}

// retargetMessages points the message subscription at the latest selection.
// Concurrent callers are serialized so the last open always matches it.
func (e *Engine) retargetMessages(sel Selection) {
	e.emit(EventRoomSelected, sel.RoomID())

	e.lifecycleMu.Lock()
	base := e.ctx
	e.lifecycleMu.Unlock()
	if base == nil {
		return
	}

	e.retargetMu.Lock()
	defer e.retargetMu.Unlock()
	current := e.Selection()
	var cond *Condition
	if current.State() == RoomSelected {
		cond = Where("chatRoomId", current.RoomID())
	}
	if err := e.messages.Open(base, cond); err != nil {
		e.log.Warn().Err(err).Str("room_id", current.RoomID()).Msg("message subscription not opened")
	}
}

func (e *Engine) reportMerge(collection string, stats mergeStats) {
	if stats.dropped > 0 {
		e.log.Warn().Str("collection", collection).Int("dropped", stats.dropped).Msg("dropped records without storage key or id")
		e.metrics.dropped(collection, "missing_key", stats.dropped)
		e.emit(EventRecordDropped, stats.dropped)
	}
	e.metrics.collapsed(collection, stats.collapsed)
}

func (e *Engine) onSubscriptionError(collection string, err error) {
	e.log.Warn().Err(err).Str("collection", collection).Msg("projection frozen at last good snapshot")
	e.pushDiagnostic(err)
	e.emit(EventSubscriptionError, err)
}

func (e *Engine) pushDiagnostic(err error) {
	select {
	case e.diagnostics <- err:
	default:
	}
}

// ============================================================================
// Migration trigger
// ============================================================================

func (e *Engine) maybeMigrate(user *User) {
	if !e.migrate || user == nil || !e.auth.IsAuthenticated() || !e.rooms.Delivered() {
		return
	}
	e.lifecycleMu.Lock()
	base := e.ctx
	e.lifecycleMu.Unlock()
	if base == nil {
		return
	}
	participant := *user
	go func() {
		res, ran, err := e.migrator.Run(base, participant)
		if !ran {
			return
		}
		if err != nil {
			e.log.Error().Err(err).Msg("legacy chatroom migration failed")
			e.pushDiagnostic(err)
			e.emit(EventMigrationFailed, err)
			return
		}
		e.emit(EventMigrationComplete, res)
	}()
}

// ============================================================================
// Helpers
// ============================================================================

func (e *Engine) currentParticipant() *User {
	if e.auth == nil || !e.auth.IsAuthenticated() {
		return nil
	}
	u := e.auth.CurrentUser()
	if u == nil || u.ID == "" {
		return nil
	}
	return u
}

func (e *Engine) roomCondition(user *User) *Condition {
	if e.role == RoleShop {
		return Where("lastMessage.shopId", user.ID)
	}
	return Where("customerId", user.ID)
}

func (e *Engine) connected() bool {
	if c, ok := e.store.(Connector); ok {
		return c.Connected()
	}
	return true
}

// instant issues a write time that is never older than floor or any instant
// handed out before.
func (e *Engine) instant(floor time.Time) time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	t := e.now().UTC()
	if t.Before(e.lastIssued) {
		t = e.lastIssued
	}
	if t.Before(floor) {
		t = floor
	}
	e.lastIssued = t
	return t
}
