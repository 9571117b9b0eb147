package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/LuminPulse-AI/chatsync"
	"github.com/LuminPulse-AI/chatsync/memstore"
	"github.com/LuminPulse-AI/chatsync/redisstore"
	"github.com/LuminPulse-AI/chatsync/sqlstore"
	"github.com/LuminPulse-AI/chatsync/wsstore"
)

// newLogger builds the process logger from the [log] section.
func newLogger(cfg *Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(valueOrDefault(cfg.Log.Level, "warn"))
	if err != nil {
		level = zerolog.WarnLevel
	}
	var log zerolog.Logger
	if cfg.Log.Format == "json" {
		log = zerolog.New(os.Stderr)
	} else {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
	return log.Level(level).With().Timestamp().Logger()
}

func collectionsFrom(cfg *Config) chatsync.Collections {
	c := chatsync.Collections{
		Chatrooms:       cfg.Collections.Chatrooms,
		Messages:        cfg.Collections.Messages,
		LegacyChatrooms: cfg.Collections.Legacy,
		MembershipField: cfg.Collections.MembershipField,
	}
	def := chatsync.DefaultCollections()
	if c.Chatrooms == "" {
		c.Chatrooms = def.Chatrooms
	}
	if c.Messages == "" {
		c.Messages = def.Messages
	}
	if c.LegacyChatrooms == "" {
		c.LegacyChatrooms = def.LegacyChatrooms
	}
	if c.MembershipField == "" {
		c.MembershipField = def.MembershipField
	}
	return c
}

// openStore connects the configured backend. The returned func releases it.
func openStore(ctx context.Context, cfg *Config, log zerolog.Logger) (chatsync.Store, func(), error) {
	switch cfg.Default.Backend {
	case "", "ws":
		if cfg.Default.URL == "" {
			return nil, nil, fmt.Errorf("no relay URL. Run 'chatsync config set default.url <url>' first")
		}
		client := wsstore.NewClient(wsstore.Config{
			URL:           cfg.Default.URL,
			Token:         cfg.Default.Token,
			AutoReconnect: true,
			Logger:        log,
		})
		if err := client.Connect(ctx); err != nil {
			return nil, nil, err
		}
		return client, func() { client.Close() }, nil

	case "redis":
		url := valueOrDefault(cfg.Default.URL, "redis://localhost:6379/0")
		store, err := redisstore.Open(ctx, url, cfg.Default.RedisPrefix, redisstore.WithLogger(log))
		if err != nil {
			return nil, nil, err
		}
		return store, func() { store.Close() }, nil

	case "postgres":
		store, err := sqlstore.Open(sqlstore.Config{DSN: cfg.Default.URL, Logger: log})
		if err != nil {
			return nil, nil, err
		}
		return store, func() { store.Close() }, nil

	case "memory":
		return memstore.New(), func() {}, nil
	}
	return nil, nil, fmt.Errorf("unknown backend %q", cfg.Default.Backend)
}

// session bundles what an engine-backed command needs.
type session struct {
	cfg     *Config
	log     zerolog.Logger
	engine  *chatsync.Engine
	events  chan event
	release func()
}

type event struct {
	name    string
	payload any
}

// sessionEvents are forwarded to session.events.
var sessionEvents = []string{
	chatsync.EventChatroomsChanged,
	chatsync.EventMessagesChanged,
	chatsync.EventRoomSelected,
	chatsync.EventSubscriptionError,
	chatsync.EventRecordDropped,
	chatsync.EventMigrationComplete,
	chatsync.EventMigrationFailed,
	chatsync.EventMessageSent,
	chatsync.EventMessageFailed,
	chatsync.EventMessageSkipped,
	chatsync.EventRoomRead,
	chatsync.EventRoomCreated,
}

// openSession loads config, connects the store and starts an engine for the
// configured participant. reg may be nil.
func openSession(ctx context.Context, reg prometheus.Registerer) (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Auth.UserID == "" {
		return nil, fmt.Errorf("no participant. Run 'chatsync init <user-id>' first")
	}
	log := newLogger(cfg)

	store, release, err := openStore(ctx, cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	opts := []chatsync.Option{
		chatsync.WithLogger(log),
		chatsync.WithRole(chatsync.ParseRole(cfg.Default.Role)),
		chatsync.WithCollections(collectionsFrom(cfg)),
	}
	if reg != nil {
		opts = append(opts, chatsync.WithMetrics(chatsync.NewMetrics(reg)))
	}
	auth := chatsync.NewStaticAuth(&chatsync.User{ID: cfg.Auth.UserID, DisplayName: cfg.Auth.DisplayName})
	engine := chatsync.NewEngine(store, auth, opts...)

	s := &session{cfg: cfg, log: log, engine: engine, events: make(chan event, 64), release: release}
	for _, name := range sessionEvents {
		engine.On(name, func(name string, payload any) {
			select {
			case s.events <- event{name: name, payload: payload}:
			default:
			}
		})
	}
	if err := engine.Start(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to start engine: %w", err)
	}
	return s, nil
}

func (s *session) Close() {
	s.engine.Close()
	s.release()
}

// await returns the first event among names, skipping others.
func (s *session) await(ctx context.Context, timeout time.Duration, names ...string) (event, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case ev := <-s.events:
			for _, n := range names {
				if ev.name == n {
					return ev, nil
				}
			}
		case <-timer.C:
			return event{}, fmt.Errorf("timed out after %s waiting for %v", timeout, names)
		case <-ctx.Done():
			return event{}, ctx.Err()
		}
	}
}

// drain discards queued events.
func (s *session) drain() {
	for {
		select {
		case <-s.events:
		default:
			return
		}
	}
}

// loadRooms waits for the first chatroom delivery.
func (s *session) loadRooms(ctx context.Context) error {
	if _, err := s.await(ctx, 10*time.Second, chatsync.EventChatroomsChanged); err != nil {
		return fmt.Errorf("chatrooms not loaded: %w", err)
	}
	return nil
}

// openRoom loads rooms and selects id, waiting for its messages.
func (s *session) openRoom(ctx context.Context, id string) error {
	if err := s.loadRooms(ctx); err != nil {
		return err
	}
	if _, ok := findRoom(s.engine.Chatrooms(), id); !ok {
		return fmt.Errorf("room %s not found", id)
	}
	if s.engine.Selection().RoomID() != id {
		s.drain()
		s.engine.SelectRoom(id)
	}
	if _, err := s.await(ctx, 10*time.Second, chatsync.EventMessagesChanged); err != nil {
		return fmt.Errorf("messages not loaded: %w", err)
	}
	return nil
}

func findRoom(rooms []chatsync.Chatroom, id string) (chatsync.Chatroom, bool) {
	return chatsync.ActiveRoom(chatsync.Selection{}.Select(id), rooms)
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
