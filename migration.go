package chatsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// MigrationResult counts what one migration run did.
type MigrationResult struct {
	Found    int
	Migrated int
	Skipped  int
	Failed   int
}

type migrationState int

const (
	migrationIdle migrationState = iota
	migrationRunning
	migrationDone
)

// Migrator copies chatrooms that only exist in the legacy collection, keyed
// by a membership array, into the canonical collection. Each participant has
// one run slot: a run that gets past the legacy query is never repeated for
// that participant during the lifetime of the Migrator.
type Migrator struct {
	store       Store
	collections Collections
	role        Role
	log         zerolog.Logger
	metrics     *Metrics
	now         func() time.Time

	mu     sync.Mutex
	states map[string]migrationState
}

// NewMigrator builds a migrator over store.
func NewMigrator(store Store, collections Collections, role Role, log zerolog.Logger, metrics *Metrics) *Migrator {
	collections.defaults()
	return &Migrator{
		store:       store,
		collections: collections,
		role:        role,
		log:         log.With().Str("component", "migration").Logger(),
		metrics:     metrics,
		now:         time.Now,
		states:      make(map[string]migrationState),
	}
}

// begin claims participantID's run slot.
func (m *Migrator) begin(participantID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.states[participantID] != migrationIdle {
		return false
	}
	m.states[participantID] = migrationRunning
	return true
}

func (m *Migrator) finish(participantID string, state migrationState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if state == migrationIdle {
		delete(m.states, participantID)
		return
	}
	m.states[participantID] = state
}

// Done reports whether a run for participantID has completed.
func (m *Migrator) Done(participantID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[participantID] == migrationDone
}

// Run migrates user's legacy chatrooms. It returns false without touching
// the store when a run for user is in flight or already completed. Per-record
// write failures are joined into the returned error; nothing is rolled back.
func (m *Migrator) Run(ctx context.Context, user User) (MigrationResult, bool, error) {
	if !m.begin(user.ID) {
		return MigrationResult{}, false, nil
	}

	var res MigrationResult
	legacy, err := m.store.QueryOnce(ctx, m.collections.LegacyChatrooms, Contains(m.collections.MembershipField, user.ID))
	if err != nil {
		m.finish(user.ID, migrationIdle)
		m.metrics.migration("error", 0)
		return res, true, storeErr("query", m.collections.LegacyChatrooms, err)
	}
	res.Found = len(legacy)

	var errs []error
	for _, doc := range legacy {
		if doc.ID == "" {
			res.Failed++
			errs = append(errs, fmt.Errorf("%w: legacy chatroom without physical id", ErrMissingKey))
			continue
		}
		existing, err := m.store.QueryOnce(ctx, m.collections.Chatrooms, Where("storageKey", doc.ID))
		if err != nil {
			res.Failed++
			errs = append(errs, storeErr("query", m.collections.Chatrooms, err))
			continue
		}
		if len(existing) > 0 {
			res.Skipped++
			continue
		}
		if _, err := m.store.Write(ctx, m.collections.Chatrooms, m.canonicalShape(doc, user)); err != nil {
			res.Failed++
			m.metrics.write("migrate", err)
			errs = append(errs, storeErr("write", m.collections.Chatrooms, err))
			continue
		}
		m.metrics.write("migrate", nil)
		res.Migrated++
	}

	m.finish(user.ID, migrationDone)
	joined := errors.Join(errs...)
	if joined != nil {
		m.metrics.migration("partial", res.Migrated)
	} else {
		m.metrics.migration("ok", res.Migrated)
	}
	m.log.Info().
		Int("found", res.Found).
		Int("migrated", res.Migrated).
		Int("skipped", res.Skipped).
		Int("failed", res.Failed).
		Msg("legacy chatroom migration finished")
	return res, true, joined
}

// canonicalShape carries every legacy field over and fills the canonical
// single-owner fields from the membership array.
func (m *Migrator) canonicalShape(doc Document, user User) map[string]any {
	data := CloneFields(doc.Data)
	if data == nil {
		data = make(map[string]any)
	}

	if strOr(data, "id", "") == "" {
		data["id"] = doc.ID
	}
	data["storageKey"] = doc.ID
	data["migratedFrom"] = m.collections.LegacyChatrooms
	data["migratedAt"] = m.now().UTC()

	counterpart := ""
	for _, member := range memberIDs(data[m.collections.MembershipField]) {
		if member != user.ID {
			counterpart = member
			break
		}
	}

	summary := legacySummary(data)
	if m.role == RoleShop {
		if strOr(data, "customerId", "") == "" {
			data["customerId"] = counterpart
		}
		if strOr(summary, "shopId", "") == "" {
			summary["shopId"] = user.ID
		}
		if strOr(summary, "shopName", "") == "" && user.DisplayName != "" {
			summary["shopName"] = user.DisplayName
		}
	} else {
		if strOr(data, "customerId", "") == "" {
			data["customerId"] = user.ID
		}
		if strOr(data, "customerName", "") == "" && user.DisplayName != "" {
			data["customerName"] = user.DisplayName
		}
		if strOr(summary, "shopId", "") == "" {
			summary["shopId"] = counterpart
		}
	}
	data["lastMessage"] = summary

	if _, ok := data["isActive"]; !ok {
		data["isActive"] = true
	}
	return data
}

// legacySummary turns the legacy lastMessage (a bare string next to
// lastMessageTime/lastMessageAt) into the canonical summary object.
func legacySummary(data map[string]any) map[string]any {
	if lm, ok := data["lastMessage"].(map[string]any); ok {
		return lm
	}
	content, _ := data["lastMessage"].(string)
	at := firstPresent(data, "lastMessageTime", "lastMessageAt")
	return map[string]any{
		"content":         content,
		"senderName":      strOr(data, "lastSenderName", ""),
		"timestamp":       at,
		"lastMessageTime": at,
		"shopId":          strOr(data, "shopId", ""),
		"shopName":        strOr(data, "shopName", ""),
		"unreadCount":     intOr(data, "unreadCount", 0),
	}
}

func memberIDs(v any) []string {
	switch x := v.(type) {
	case []string:
		return x
	case []any:
		out := make([]string, 0, len(x))
		for _, item := range x {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
