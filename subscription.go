package chatsync

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Decoder coerces a store document into a typed record.
type Decoder[T any] func(Document) (T, error)

// SubscriptionHooks are invoked from the subscription's delivery goroutine.
// OnUpdate receives the condition the delivering subscription was opened
// with, so a consumer can drop deliveries that raced a re-target.
type SubscriptionHooks[T any] struct {
	OnUpdate func(cond Condition, records []T)
	OnError  func(err error)
}

// Subscription is a caller-owned handle over one live store query. Open
// (re)subscribes only when the condition changes by value; Current returns
// the last successfully decoded delivery.
type Subscription[T any] struct {
	store      Store
	collection string
	decode     Decoder[T]
	hooks      SubscriptionHooks[T]
	log        zerolog.Logger
	metrics    *Metrics

	mu        sync.Mutex
	cond      *Condition
	cancel    context.CancelFunc
	gen       uint64
	current   []T
	delivered bool
	failed    bool
	errs      chan error

	deliverMu sync.Mutex
}

// NewSubscription returns a closed handle for collection.
func NewSubscription[T any](store Store, collection string, decode Decoder[T], hooks SubscriptionHooks[T], log zerolog.Logger, metrics *Metrics) *Subscription[T] {
	return &Subscription[T]{
		store:      store,
		collection: collection,
		decode:     decode,
		hooks:      hooks,
		log:        log.With().Str("collection", collection).Logger(),
		metrics:    metrics,
		current:    []T{},
		errs:       make(chan error, 16),
	}
}

// Open points the handle at cond. A nil cond tears down any live
// subscription and leaves Current empty. A cond equal by value to the open
// one is a no-op unless the store ended that subscription with an error.
func (s *Subscription[T]) Open(ctx context.Context, cond *Condition) error {
	s.mu.Lock()
	if s.cancel != nil && !s.failed && s.cond.Equal(cond) {
		s.mu.Unlock()
		return nil
	}
	if s.cancel == nil && cond == nil && s.cond == nil {
		s.mu.Unlock()
		return nil
	}
	s.teardownLocked()
	if cond == nil {
		s.mu.Unlock()
		return nil
	}

	c := *cond
	subCtx, cancel := context.WithCancel(ctx)
	ch, err := s.store.Subscribe(subCtx, s.collection, &c)
	if err != nil {
		cancel()
		s.mu.Unlock()
		err = storeErr("subscribe", s.collection, err)
		s.reportError(err)
		return err
	}
	s.cond = &c
	s.cancel = cancel
	gen := s.gen
	s.mu.Unlock()

	s.log.Debug().Str("field", c.Field).Interface("value", c.Value).Msg("subscription opened")
	go s.run(subCtx, gen, ch)
	return nil
}

// Condition returns the condition currently open, or nil.
func (s *Subscription[T]) Condition() *Condition {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cond == nil {
		return nil
	}
	c := *s.cond
	return &c
}

// Current returns a copy of the latest decoded delivery.
func (s *Subscription[T]) Current() []T {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]T{}, s.current...)
}

// Delivered reports whether at least one snapshot arrived since Open.
func (s *Subscription[T]) Delivered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delivered
}

// Errors is the side channel for terminal store errors. Errors are dropped
// when nobody drains it.
func (s *Subscription[T]) Errors() <-chan error {
	return s.errs
}

// Close tears down the live subscription, if any.
func (s *Subscription[T]) Close() {
	s.mu.Lock()
	s.teardownLocked()
	s.mu.Unlock()
}

func (s *Subscription[T]) teardownLocked() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.gen++
	s.cond = nil
	s.current = []T{}
	s.delivered = false
	s.failed = false
}

func (s *Subscription[T]) run(ctx context.Context, gen uint64, ch <-chan Snapshot) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-ch:
			if !ok {
				return
			}
			if snap.Err != nil {
				if s.markFailed(gen) {
					s.reportError(storeErr("subscribe", s.collection, snap.Err))
				}
				return
			}
			s.deliver(gen, snap.Docs)
		}
	}
}

// markFailed flags the live subscription as ended by the store. Current keeps
// the last good delivery.
func (s *Subscription[T]) markFailed(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return false
	}
	s.failed = true
	return true
}

func (s *Subscription[T]) deliver(gen uint64, docs []Document) {
	records := make([]T, 0, len(docs))
	for _, doc := range docs {
		rec, err := s.decode(doc)
		if err != nil {
			s.log.Warn().Err(err).Str("doc_id", doc.ID).Msg("quarantined undecodable record")
			s.metrics.dropped(s.collection, "malformed", 1)
			continue
		}
		records = append(records, rec)
	}

	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.current = records
	s.delivered = true
	cond := *s.cond
	s.mu.Unlock()

	s.metrics.snapshot(s.collection)
	if s.hooks.OnUpdate != nil {
		s.hooks.OnUpdate(cond, append([]T{}, records...))
	}
}

func (s *Subscription[T]) reportError(err error) {
	s.log.Error().Err(err).Msg("subscription failed")
	s.metrics.subscriptionError(s.collection)
	select {
	case s.errs <- err:
	default:
	}
	if s.hooks.OnError != nil {
		s.hooks.OnError(err)
	}
}
