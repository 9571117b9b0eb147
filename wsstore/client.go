package wsstore

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/LuminPulse-AI/chatsync"
)

// ============================================================================
// Configuration
// ============================================================================

// Config configures a Client.
type Config struct {
	// URL of the relay, http(s):// or ws(s)://. The path defaults to /ws.
	URL                  string
	Token                string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	RequestTimeout       time.Duration
	// CommandRate throttles outbound frames; zero means 50/s with a burst
	// of 20.
	CommandRate  rate.Limit
	CommandBurst int
	ReadLimit    int64
	HTTPClient   *http.Client
	Logger       zerolog.Logger
}

func (c *Config) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.CommandRate == 0 {
		c.CommandRate = 50
	}
	if c.CommandBurst == 0 {
		c.CommandBurst = 20
	}
	if c.ReadLimit == 0 {
		c.ReadLimit = 8 << 20
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
}

// State is the connection state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

// ============================================================================
// Client
// ============================================================================

type remoteSub struct {
	id         string
	collection string
	cond       *chatsync.Condition
	ch         chan chatsync.Snapshot
}

// Client is a chatsync.Store talking to a Handler. Subscriptions survive
// reconnects: they are re-issued on every new connection and the relay
// answers each with a fresh full snapshot.
type Client struct {
	config  Config
	log     zerolog.Logger
	limiter *rate.Limiter

	mu               sync.Mutex
	conn             *websocket.Conn
	state            State
	intentionalClose bool
	baseCtx          context.Context
	cancelFn         context.CancelFunc
	backoff          *backoff

	pendingMu sync.Mutex
	pending   map[string]chan Envelope

	subsMu sync.Mutex
	subs   map[string]*remoteSub
}

// NewClient builds a disconnected client. Call Connect before use.
func NewClient(config Config) *Client {
	config.defaults()
	return &Client{
		config:  config,
		log:     config.Logger.With().Str("component", "wsstore").Logger(),
		limiter: rate.NewLimiter(config.CommandRate, config.CommandBurst),
		state:   StateDisconnected,
		backoff: newBackoff(&config),
		pending: make(map[string]chan Envelope),
		subs:    make(map[string]*remoteSub),
	}
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connected implements chatsync.Connector.
func (c *Client) Connected() bool {
	return c.State() == StateConnected
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Client) dialURL() (string, error) {
	u, err := url.Parse(c.config.URL)
	if err != nil {
		return "", fmt.Errorf("relay url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}
	if c.config.Token != "" {
		q := u.Query()
		q.Set("token", c.config.Token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Connect dials the relay and waits for the authenticated frame. ctx bounds
// the lifetime of the connection and of every reconnect after it.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateConnected || c.state == StateConnecting {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.intentionalClose = false
	c.baseCtx = ctx
	c.mu.Unlock()

	if err := c.dial(ctx); err != nil {
		c.setState(StateDisconnected)
		return err
	}
	return nil
}

func (c *Client) dial(ctx context.Context) error {
	target, err := c.dialURL()
	if err != nil {
		return err
	}
	conn, _, err := websocket.Dial(ctx, target, &websocket.DialOptions{HTTPClient: c.config.HTTPClient})
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(c.config.ReadLimit)

	var env Envelope
	if err := wsjson.Read(ctx, conn, &env); err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return fmt.Errorf("read auth frame: %w", err)
	}
	if env.Type != EvtAuthenticated {
		conn.Close(websocket.StatusPolicyViolation, "")
		return fmt.Errorf("expected %q, got %q", EvtAuthenticated, env.Type)
	}

	connCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.conn = conn
	c.state = StateConnected
	c.cancelFn = cancel
	c.backoff.connected()
	c.mu.Unlock()
	c.log.Info().Str("url", c.config.URL).Msg("connected to relay")

	go c.readLoop(connCtx, conn)
	go c.heartbeatLoop(connCtx)
	c.resubscribe(connCtx)
	return nil
}

// Close shuts the connection down and ends every subscription.
func (c *Client) Close() error {
	c.mu.Lock()
	c.intentionalClose = true
	if c.cancelFn != nil {
		c.cancelFn()
		c.cancelFn = nil
	}
	conn := c.conn
	c.conn = nil
	c.state = StateDisconnected
	c.backoff.reset()
	c.mu.Unlock()

	c.failPending()
	c.endSubscriptions(nil)
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// ── chatsync.Store ───────────────────────────────────────

// Subscribe registers a remote subscription. While reconnecting it is queued
// and issued once the connection is back.
func (c *Client) Subscribe(ctx context.Context, collection string, cond *chatsync.Condition) (<-chan chatsync.Snapshot, error) {
	if c.State() == StateDisconnected {
		return nil, ErrNotConnected
	}
	sub := &remoteSub{
		id:         uuid.NewString(),
		collection: collection,
		ch:         make(chan chatsync.Snapshot, 1),
	}
	if cond != nil {
		cc := *cond
		sub.cond = &cc
	}

	c.subsMu.Lock()
	c.subs[sub.id] = sub
	c.subsMu.Unlock()

	if c.Connected() {
		if err := c.send(ctx, &Command{Type: CmdSubscribe, Payload: sub.payload()}); err != nil {
			c.dropSub(sub.id)
			return nil, err
		}
	}

	go func() {
		<-ctx.Done()
		if c.dropSub(sub.id) && c.Connected() {
			sendCtx, cancel := context.WithTimeout(context.Background(), c.config.RequestTimeout)
			defer cancel()
			_ = c.send(sendCtx, &Command{Type: CmdUnsubscribe, Payload: UnsubscribePayload{SubscriptionID: sub.id}})
		}
	}()
	return sub.ch, nil
}

func (c *Client) Write(ctx context.Context, collection string, data map[string]any) (string, error) {
	env, err := c.request(ctx, CmdWrite, WritePayload{Collection: collection, Data: data})
	if err != nil {
		return "", err
	}
	var res WriteResult
	if err := json.Unmarshal(env.Payload, &res); err != nil {
		return "", fmt.Errorf("decode write result: %w", err)
	}
	return res.ID, nil
}

func (c *Client) Update(ctx context.Context, collection, docID string, patch map[string]any) error {
	_, err := c.request(ctx, CmdUpdate, UpdatePayload{Collection: collection, DocID: docID, Patch: patch})
	return err
}

func (c *Client) QueryOnce(ctx context.Context, collection string, cond *chatsync.Condition) ([]chatsync.Document, error) {
	env, err := c.request(ctx, CmdQuery, QueryPayload{Collection: collection, Condition: cond})
	if err != nil {
		return nil, err
	}
	var res SnapshotPayload
	if err := json.Unmarshal(env.Payload, &res); err != nil {
		return nil, fmt.Errorf("decode query result: %w", err)
	}
	if res.Docs == nil {
		res.Docs = []chatsync.Document{}
	}
	return res.Docs, nil
}

// Ping round-trips a ping frame.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.request(ctx, CmdPing, nil)
	return err
}

// ── request plumbing ─────────────────────────────────────

func (c *Client) send(ctx context.Context, cmd *Command) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	return wsjson.Write(ctx, conn, cmd)
}

func (c *Client) request(ctx context.Context, typ string, payload any) (Envelope, error) {
	requestID := typ + "-" + uuid.NewString()
	ch := make(chan Envelope, 1)
	c.pendingMu.Lock()
	c.pending[requestID] = ch
	c.pendingMu.Unlock()

	forget := func() {
		c.pendingMu.Lock()
		delete(c.pending, requestID)
		c.pendingMu.Unlock()
	}

	if err := c.send(ctx, &Command{Type: typ, RequestID: requestID, Payload: payload}); err != nil {
		forget()
		return Envelope{}, err
	}

	timer := time.NewTimer(c.config.RequestTimeout)
	defer timer.Stop()
	select {
	case env, ok := <-ch:
		if !ok {
			return Envelope{}, ErrDisconnected
		}
		if env.Type == EvtError {
			var p ErrorPayload
			_ = json.Unmarshal(env.Payload, &p)
			return Envelope{}, &RemoteError{Message: p.Message}
		}
		return env, nil
	case <-timer.C:
		forget()
		return Envelope{}, fmt.Errorf("%s: %w", typ, ErrTimeout)
	case <-ctx.Done():
		forget()
		return Envelope{}, ctx.Err()
	}
}

func (c *Client) resolve(env Envelope) {
	c.pendingMu.Lock()
	ch, ok := c.pending[env.RequestID]
	if ok {
		delete(c.pending, env.RequestID)
	}
	c.pendingMu.Unlock()
	if ok {
		ch <- env
	}
}

func (c *Client) failPending() {
	c.pendingMu.Lock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()
}

// ── subscriptions ────────────────────────────────────────

func (s *remoteSub) payload() SubscribePayload {
	return SubscribePayload{SubscriptionID: s.id, Collection: s.collection, Condition: s.cond}
}

// push keeps only the newest undelivered snapshot. Callers hold subsMu.
func (s *remoteSub) push(snap chatsync.Snapshot) {
	select {
	case s.ch <- snap:
		return
	default:
	}
	select {
	case <-s.ch:
	default:
	}
	s.ch <- snap
}

func (c *Client) dropSub(id string) bool {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	sub, ok := c.subs[id]
	if !ok {
		return false
	}
	delete(c.subs, id)
	close(sub.ch)
	return true
}

func (c *Client) deliver(env Envelope) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	sub, ok := c.subs[env.SubscriptionID]
	if !ok {
		return
	}
	switch env.Type {
	case EvtSnapshot:
		var p SnapshotPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.log.Warn().Err(err).Str("subscription_id", sub.id).Msg("undecodable snapshot")
			return
		}
		if p.Docs == nil {
			p.Docs = []chatsync.Document{}
		}
		sub.push(chatsync.Snapshot{Docs: p.Docs})
	case EvtSubscriptionError:
		var p ErrorPayload
		_ = json.Unmarshal(env.Payload, &p)
		sub.push(chatsync.Snapshot{Err: &RemoteError{Message: p.Message}})
		delete(c.subs, sub.id)
		close(sub.ch)
	}
}

// endSubscriptions closes every subscription, first delivering err when set.
func (c *Client) endSubscriptions(err error) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for id, sub := range c.subs {
		if err != nil {
			sub.push(chatsync.Snapshot{Err: err})
		}
		delete(c.subs, id)
		close(sub.ch)
	}
}

func (c *Client) resubscribe(ctx context.Context) {
	c.subsMu.Lock()
	cmds := make([]*Command, 0, len(c.subs))
	for _, sub := range c.subs {
		cmds = append(cmds, &Command{Type: CmdSubscribe, Payload: sub.payload()})
	}
	c.subsMu.Unlock()

	for _, cmd := range cmds {
		if err := c.send(ctx, cmd); err != nil {
			c.log.Warn().Err(err).Msg("resubscribe failed")
			return
		}
	}
	if len(cmds) > 0 {
		c.log.Debug().Int("subscriptions", len(cmds)).Msg("subscriptions re-issued")
	}
}

// ── loops ────────────────────────────────────────────────

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		var env Envelope
		err := wsjson.Read(ctx, conn, &env)
		if err != nil {
			c.mu.Lock()
			intentional := c.intentionalClose
			if c.conn == conn {
				c.conn = nil
				c.state = StateDisconnected
			}
			c.mu.Unlock()
			if intentional {
				return
			}
			c.log.Warn().Err(err).Msg("relay connection lost")
			c.failPending()
			c.reconnect()
			return
		}

		switch {
		case env.SubscriptionID != "":
			c.deliver(env)
		case env.RequestID != "":
			c.resolve(env)
		case env.Type == EvtError:
			var p ErrorPayload
			_ = json.Unmarshal(env.Payload, &p)
			c.log.Warn().Str("message", p.Message).Msg("relay error")
		}
	}
}

func (c *Client) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !c.Connected() {
				return
			}
			if err := c.Ping(ctx); err != nil {
				c.mu.Lock()
				conn := c.conn
				c.mu.Unlock()
				if conn != nil {
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

// reconnect retries the dial with backoff until it succeeds, the attempt
// budget runs out or the context given to Connect ends. Giving up ends every
// live subscription with ErrNotConnected.
func (c *Client) reconnect() {
	c.mu.Lock()
	if c.cancelFn != nil {
		c.cancelFn()
		c.cancelFn = nil
	}
	base := c.baseCtx
	c.mu.Unlock()

	if !c.config.AutoReconnect || base == nil || base.Err() != nil {
		c.setState(StateDisconnected)
		c.endSubscriptions(ErrNotConnected)
		return
	}
	for {
		c.mu.Lock()
		delay, ok := c.backoff.next()
		attempt := c.backoff.attempts()
		if c.intentionalClose {
			ok = false
		}
		if ok {
			c.state = StateReconnecting
		}
		c.mu.Unlock()
		if !ok {
			c.setState(StateDisconnected)
			c.endSubscriptions(ErrNotConnected)
			return
		}

		c.log.Info().Int("attempt", attempt).Dur("delay", delay).Msg("reconnecting to relay")
		select {
		case <-base.Done():
			c.setState(StateDisconnected)
			c.endSubscriptions(ErrNotConnected)
			return
		case <-time.After(delay):
		}

		c.mu.Lock()
		closed := c.intentionalClose
		c.mu.Unlock()
		if closed {
			return
		}
		err := c.dial(base)
		if err == nil {
			return
		}
		c.log.Warn().Err(err).Int("attempt", attempt).Msg("reconnect failed")
	}
}
