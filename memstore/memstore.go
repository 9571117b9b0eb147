// Package memstore is a goroutine-safe in-memory chatsync.Store. Every write
// pushes a fresh snapshot to the matching subscribers; a subscriber that
// lags only ever sees the newest snapshot.
//
// Usage:
//
//	store := memstore.New()
//	store.Put("chatrooms", "doc-1", map[string]any{"id": "room-1", "customerId": "c1"})
//	engine := chatsync.NewEngine(store, auth)
package memstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/LuminPulse-AI/chatsync"
)

// ErrNotFound is returned by Update for an unknown document.
var ErrNotFound = errors.New("memstore: document not found")

// Op records one mutating call, in call order.
type Op struct {
	Kind       string // "write" or "update"
	Collection string
	DocID      string
	Data       map[string]any
}

type subscriber struct {
	collection string
	cond       *chatsync.Condition
	ch         chan chatsync.Snapshot
}

// Store is the in-memory backend.
type Store struct {
	mu           sync.RWMutex
	docs         map[string]map[string]map[string]any
	subs         map[*subscriber]struct{}
	ops          []Op
	writeErrs    map[string]error
	queryErrs    map[string]error
	holds        map[string]*hold
	disconnected bool
}

// hold parks QueryOnce calls on one collection until released.
type hold struct {
	entered chan struct{}
	open    chan struct{}
}

// New returns an empty store.
func New() *Store {
	return &Store{
		docs:      make(map[string]map[string]map[string]any),
		subs:      make(map[*subscriber]struct{}),
		writeErrs: make(map[string]error),
		queryErrs: make(map[string]error),
		holds:     make(map[string]*hold),
	}
}

// ── chatsync.Store ───────────────────────────────────────

func (s *Store) Subscribe(ctx context.Context, collection string, cond *chatsync.Condition) (<-chan chatsync.Snapshot, error) {
	sub := &subscriber{collection: collection, ch: make(chan chatsync.Snapshot, 1)}
	if cond != nil {
		c := *cond
		sub.cond = &c
	}

	s.mu.Lock()
	s.subs[sub] = struct{}{}
	sub.ch <- chatsync.Snapshot{Docs: s.matchLocked(collection, sub.cond)}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		if _, ok := s.subs[sub]; ok {
			delete(s.subs, sub)
			close(sub.ch)
		}
		s.mu.Unlock()
	}()
	return sub.ch, nil
}

func (s *Store) Write(ctx context.Context, collection string, data map[string]any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id := uuid.NewString()

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeErrs[collection]; err != nil {
		return "", err
	}
	s.putLocked(collection, id, chatsync.CloneFields(data))
	s.ops = append(s.ops, Op{Kind: "write", Collection: collection, DocID: id, Data: chatsync.CloneFields(data)})
	s.notifyLocked(collection)
	return id, nil
}

func (s *Store) Update(ctx context.Context, collection, docID string, patch map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeErrs[collection]; err != nil {
		return err
	}
	current, ok := s.docs[collection][docID]
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, collection, docID)
	}
	s.docs[collection][docID] = chatsync.ApplyPatch(current, patch)
	s.ops = append(s.ops, Op{Kind: "update", Collection: collection, DocID: docID, Data: chatsync.CloneFields(patch)})
	s.notifyLocked(collection)
	return nil
}

func (s *Store) QueryOnce(ctx context.Context, collection string, cond *chatsync.Condition) ([]chatsync.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	h := s.holds[collection]
	s.mu.RUnlock()
	if h != nil {
		select {
		case h.entered <- struct{}{}:
		default:
		}
		select {
		case <-h.open:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.queryErrs[collection]; err != nil {
		return nil, err
	}
	return s.matchLocked(collection, cond), nil
}

// Connected implements chatsync.Connector.
func (s *Store) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.disconnected
}

// ── Seeding and inspection ───────────────────────────────

// Put stores data under docID without logging an Op and notifies subscribers.
func (s *Store) Put(collection, docID string, data map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putLocked(collection, docID, chatsync.CloneFields(data))
	s.notifyLocked(collection)
}

// Redeliver pushes the current snapshot of collection again, unchanged.
func (s *Store) Redeliver(collection string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifyLocked(collection)
}

// Fail ends every subscription on collection with err.
func (s *Store) Fail(collection string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sub := range s.subs {
		if sub.collection != collection {
			continue
		}
		push(sub.ch, chatsync.Snapshot{Err: err})
		delete(s.subs, sub)
		close(sub.ch)
	}
}

// Doc returns a copy of one document.
func (s *Store) Doc(collection, docID string) (map[string]any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.docs[collection][docID]
	return chatsync.CloneFields(d), ok
}

// Docs returns every document in collection, ordered by id.
func (s *Store) Docs(collection string) []chatsync.Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.matchLocked(collection, nil)
}

// Ops returns the mutation log.
func (s *Store) Ops() []Op {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Op{}, s.ops...)
}

// SetWriteError makes Write and Update on collection fail with err until it
// is reset with nil.
func (s *Store) SetWriteError(collection string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeErrs[collection] = err
}

// SetQueryError makes QueryOnce on collection fail with err.
func (s *Store) SetQueryError(collection string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queryErrs[collection] = err
}

// HoldQueries parks QueryOnce on collection until release is called. entered
// receives a value each time a query parks, dropped if nobody is reading.
func (s *Store) HoldQueries(collection string) (entered <-chan struct{}, release func()) {
	h := &hold{entered: make(chan struct{}, 16), open: make(chan struct{})}
	s.mu.Lock()
	s.holds[collection] = h
	s.mu.Unlock()

	var once sync.Once
	return h.entered, func() {
		once.Do(func() {
			s.mu.Lock()
			if s.holds[collection] == h {
				delete(s.holds, collection)
			}
			s.mu.Unlock()
			close(h.open)
		})
	}
}

// SetConnected flips what Connected reports.
func (s *Store) SetConnected(connected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnected = !connected
}

// Subscribers counts live subscriptions on collection.
func (s *Store) Subscribers(collection string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for sub := range s.subs {
		if sub.collection == collection {
			n++
		}
	}
	return n
}

// ── internals ────────────────────────────────────────────

func (s *Store) putLocked(collection, docID string, data map[string]any) {
	if s.docs[collection] == nil {
		s.docs[collection] = make(map[string]map[string]any)
	}
	s.docs[collection][docID] = data
}

func (s *Store) matchLocked(collection string, cond *chatsync.Condition) []chatsync.Document {
	out := []chatsync.Document{}
	for id, data := range s.docs[collection] {
		if cond.Match(data) {
			out = append(out, chatsync.Document{ID: id, Data: chatsync.CloneFields(data)})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) notifyLocked(collection string) {
	for sub := range s.subs {
		if sub.collection == collection {
			push(sub.ch, chatsync.Snapshot{Docs: s.matchLocked(collection, sub.cond)})
		}
	}
}

// push replaces any undelivered snapshot. Callers hold the store lock, so
// the buffer slot is free after the drain.
func push(ch chan chatsync.Snapshot, snap chatsync.Snapshot) {
	select {
	case ch <- snap:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	ch <- snap
}
