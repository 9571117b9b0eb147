// Package redisstore is a chatsync.Store on Redis. Each collection is a hash
// of JSON documents at <prefix>:<collection>; every mutation publishes the
// collection name on <prefix>:<collection>:changed and subscribers re-read
// the hash when notified.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/LuminPulse-AI/chatsync"
)

// ErrNotFound is returned by Update for an unknown document.
var ErrNotFound = errors.New("redisstore: document not found")

// Option configures a Store.
type Option func(*Store)

func WithLogger(log zerolog.Logger) Option {
	return func(s *Store) { s.log = log }
}

// WithMaxRetries bounds how often an optimistic Update is retried when the
// document changes under it.
func WithMaxRetries(n int) Option {
	return func(s *Store) { s.maxRetries = n }
}

// Store implements chatsync.Store and chatsync.Connector.
type Store struct {
	client     redis.UniversalClient
	prefix     string
	log        zerolog.Logger
	maxRetries int
}

// New wraps an existing client.
func New(client redis.UniversalClient, prefix string, opts ...Option) *Store {
	if prefix == "" {
		prefix = "chatsync"
	}
	s := &Store{client: client, prefix: prefix, log: zerolog.Nop(), maxRetries: 5}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With().Str("component", "redisstore").Logger()
	return s
}

// Open connects to a redis:// URL.
func Open(ctx context.Context, url, prefix string, opts ...Option) (*Store, error) {
	redisOpts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(redisOpts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return New(client, prefix, opts...), nil
}

// Close releases the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) hashKey(collection string) string {
	return s.prefix + ":" + collection
}

func (s *Store) channel(collection string) string {
	return s.prefix + ":" + collection + ":changed"
}

// Connected implements chatsync.Connector.
func (s *Store) Connected() bool {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return s.client.Ping(ctx).Err() == nil
}

// ── chatsync.Store ───────────────────────────────────────

func (s *Store) Write(ctx context.Context, collection string, data map[string]any) (string, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("encode document: %w", err)
	}
	id := uuid.NewString()
	if err := s.client.HSet(ctx, s.hashKey(collection), id, raw).Err(); err != nil {
		return "", err
	}
	s.notify(ctx, collection)
	return id, nil
}

func (s *Store) Update(ctx context.Context, collection, docID string, patch map[string]any) error {
	key := s.hashKey(collection)
	txf := func(tx *redis.Tx) error {
		raw, err := tx.HGet(ctx, key, docID).Bytes()
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("%w: %s/%s", ErrNotFound, collection, docID)
		}
		if err != nil {
			return err
		}
		var current map[string]any
		if err := json.Unmarshal(raw, &current); err != nil {
			return fmt.Errorf("decode %s/%s: %w", collection, docID, err)
		}
		next, err := json.Marshal(chatsync.ApplyPatch(current, patch))
		if err != nil {
			return fmt.Errorf("encode document: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, docID, next)
			return nil
		})
		return err
	}

	for i := 0; i <= s.maxRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			s.log.Debug().Str("doc_id", docID).Int("attempt", i+1).Msg("update raced, retrying")
			continue
		}
		if err != nil {
			return err
		}
		s.notify(ctx, collection)
		return nil
	}
	return fmt.Errorf("update %s/%s: too many concurrent modifications", collection, docID)
}

func (s *Store) QueryOnce(ctx context.Context, collection string, cond *chatsync.Condition) ([]chatsync.Document, error) {
	all, err := s.client.HGetAll(ctx, s.hashKey(collection)).Result()
	if err != nil {
		return nil, err
	}
	return s.filter(collection, all, cond), nil
}

// Subscribe listens on the collection's change channel and re-reads the hash
// on every notification. The first snapshot is sent once the listener is
// confirmed, so no change between the two is missed.
func (s *Store) Subscribe(ctx context.Context, collection string, cond *chatsync.Condition) (<-chan chatsync.Snapshot, error) {
	pubsub := s.client.Subscribe(ctx, s.channel(collection))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", collection, err)
	}
	var c *chatsync.Condition
	if cond != nil {
		cc := *cond
		c = &cc
	}

	out := make(chan chatsync.Snapshot, 1)
	go func() {
		defer close(out)
		defer pubsub.Close()

		notes := pubsub.Channel()
		refresh := func() bool {
			docs, err := s.QueryOnce(ctx, collection, c)
			if err != nil {
				if ctx.Err() == nil {
					replace(out, chatsync.Snapshot{Err: err})
				}
				return false
			}
			replace(out, chatsync.Snapshot{Docs: docs})
			return true
		}

		if !refresh() {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-notes:
				if !ok {
					replace(out, chatsync.Snapshot{Err: errors.New("redisstore: change feed closed")})
					return
				}
				if !refresh() {
					return
				}
			}
		}
	}()
	return out, nil
}

// ── internals ────────────────────────────────────────────

func (s *Store) notify(ctx context.Context, collection string) {
	if err := s.client.Publish(ctx, s.channel(collection), collection).Err(); err != nil {
		s.log.Warn().Err(err).Str("collection", collection).Msg("change notification not published")
	}
}

func (s *Store) filter(collection string, all map[string]string, cond *chatsync.Condition) []chatsync.Document {
	docs := make([]chatsync.Document, 0, len(all))
	for id, raw := range all {
		var data map[string]any
		if err := json.Unmarshal([]byte(raw), &data); err != nil {
			s.log.Warn().Err(err).Str("collection", collection).Str("doc_id", id).Msg("skipping undecodable document")
			continue
		}
		if cond.Match(data) {
			docs = append(docs, chatsync.Document{ID: id, Data: data})
		}
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
	return docs
}

// replace leaves only snap in the single-slot buffer. The sole writer is the
// subscription goroutine.
func replace(ch chan chatsync.Snapshot, snap chatsync.Snapshot) {
	select {
	case <-ch:
	default:
	}
	ch <- snap
}
