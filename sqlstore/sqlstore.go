// Package sqlstore is a chatsync.Store on PostgreSQL via GORM. All
// collections share one table of JSONB documents; subscriptions poll a cheap
// per-collection fingerprint and re-read only when it moves.
package sqlstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/LuminPulse-AI/chatsync"
)

// ErrNotFound is returned by Update for an unknown document.
var ErrNotFound = errors.New("sqlstore: document not found")

// Row is one stored document.
type Row struct {
	Collection string    `gorm:"primaryKey;size:128"`
	ID         string    `gorm:"primaryKey;size:64"`
	Data       string    `gorm:"type:jsonb;not null"`
	Version    int64     `gorm:"not null;default:1"`
	CreatedAt  time.Time `gorm:"not null"`
	UpdatedAt  time.Time `gorm:"not null;index"`
}

func (Row) TableName() string {
	return "chatsync_documents"
}

// Config configures a Store.
type Config struct {
	DSN          string
	PollInterval time.Duration
	// MaxPollFailures consecutive poll errors end a subscription.
	MaxPollFailures int
	Debug           bool
	Logger          zerolog.Logger
}

func (c *Config) defaults() {
	if c.PollInterval == 0 {
		c.PollInterval = time.Second
	}
	if c.MaxPollFailures == 0 {
		c.MaxPollFailures = 3
	}
}

// Store implements chatsync.Store.
type Store struct {
	db     *gorm.DB
	config Config
	log    zerolog.Logger
}

// Open connects to Postgres and migrates the documents table.
func Open(config Config) (*Store, error) {
	gormConfig := &gorm.Config{}
	if config.Debug {
		gormConfig.Logger = logger.Default.LogMode(logger.Info)
	} else {
		gormConfig.Logger = logger.Default.LogMode(logger.Error)
	}
	db, err := gorm.Open(postgres.Open(config.DSN), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := db.AutoMigrate(&Row{}); err != nil {
		return nil, fmt.Errorf("failed to migrate documents table: %w", err)
	}
	return New(db, config), nil
}

// New wraps an existing connection. The table must already exist.
func New(db *gorm.DB, config Config) *Store {
	config.defaults()
	return &Store{
		db:     db,
		config: config,
		log:    config.Logger.With().Str("component", "sqlstore").Logger(),
	}
}

// Close releases the connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Connected implements chatsync.Connector.
func (s *Store) Connected() bool {
	sqlDB, err := s.db.DB()
	if err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return sqlDB.PingContext(ctx) == nil
}

// ── chatsync.Store ───────────────────────────────────────

func (s *Store) Write(ctx context.Context, collection string, data map[string]any) (string, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("encode document: %w", err)
	}
	now := time.Now().UTC()
	row := Row{
		Collection: collection,
		ID:         uuid.NewString(),
		Data:       string(raw),
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return "", err
	}
	return row.ID, nil
}

func (s *Store) Update(ctx context.Context, collection, docID string, patch map[string]any) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row Row
		err := lockedRow(tx, collection, docID).First(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %s/%s", ErrNotFound, collection, docID)
		}
		if err != nil {
			return err
		}

		var current map[string]any
		if err := json.Unmarshal([]byte(row.Data), &current); err != nil {
			return fmt.Errorf("decode %s/%s: %w", collection, docID, err)
		}
		next, err := json.Marshal(chatsync.ApplyPatch(current, patch))
		if err != nil {
			return fmt.Errorf("encode document: %w", err)
		}
		return tx.Model(&Row{}).
			Where("collection = ? AND id = ?", collection, docID).
			Updates(map[string]any{
				"data":       string(next),
				"version":    gorm.Expr("version + 1"),
				"updated_at": time.Now().UTC(),
			}).Error
	})
}

func (s *Store) QueryOnce(ctx context.Context, collection string, cond *chatsync.Condition) ([]chatsync.Document, error) {
	var rows []Row
	err := s.db.WithContext(ctx).
		Where("collection = ?", collection).
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return s.decode(rows, cond), nil
}

// Subscribe polls the collection fingerprint every PollInterval and sends a
// filtered snapshot whenever it changes.
func (s *Store) Subscribe(ctx context.Context, collection string, cond *chatsync.Condition) (<-chan chatsync.Snapshot, error) {
	var c *chatsync.Condition
	if cond != nil {
		cc := *cond
		c = &cc
	}
	first, err := s.fingerprint(ctx, collection)
	if err != nil {
		return nil, err
	}
	docs, err := s.QueryOnce(ctx, collection, c)
	if err != nil {
		return nil, err
	}

	out := make(chan chatsync.Snapshot, 1)
	out <- chatsync.Snapshot{Docs: docs}
	go s.poll(ctx, collection, c, first, out)
	return out, nil
}

// ── internals ────────────────────────────────────────────

type fingerprint struct {
	Count    int64
	Versions int64
}

func (s *Store) fingerprint(ctx context.Context, collection string) (fingerprint, error) {
	var fp fingerprint
	err := s.db.WithContext(ctx).
		Model(&Row{}).
		Select("COUNT(*) AS count, COALESCE(SUM(version), 0) AS versions").
		Where("collection = ?", collection).
		Scan(&fp).Error
	return fp, err
}

func (s *Store) poll(ctx context.Context, collection string, cond *chatsync.Condition, last fingerprint, out chan chatsync.Snapshot) {
	defer close(out)
	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	failures := 0
	fail := func(err error) bool {
		failures++
		s.log.Warn().Err(err).Str("collection", collection).Int("failures", failures).Msg("poll failed")
		if failures >= s.config.MaxPollFailures {
			replace(out, chatsync.Snapshot{Err: err})
			return true
		}
		return false
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		fp, err := s.fingerprint(ctx, collection)
		if err != nil {
			if ctx.Err() != nil || fail(err) {
				return
			}
			continue
		}
		if fp == last {
			failures = 0
			continue
		}
		docs, err := s.QueryOnce(ctx, collection, cond)
		if err != nil {
			if ctx.Err() != nil || fail(err) {
				return
			}
			continue
		}
		failures = 0
		last = fp
		replace(out, chatsync.Snapshot{Docs: docs})
	}
}

func (s *Store) decode(rows []Row, cond *chatsync.Condition) []chatsync.Document {
	docs := make([]chatsync.Document, 0, len(rows))
	for _, row := range rows {
		var data map[string]any
		if err := json.Unmarshal([]byte(row.Data), &data); err != nil {
			s.log.Warn().Err(err).Str("collection", row.Collection).Str("doc_id", row.ID).Msg("skipping undecodable document")
			continue
		}
		if cond.Match(data) {
			docs = append(docs, chatsync.Document{ID: row.ID, Data: data})
		}
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
	return docs
}

func lockedRow(tx *gorm.DB, collection, docID string) *gorm.DB {
	return tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("collection = ? AND id = ?", collection, docID)
}

func replace(ch chan chatsync.Snapshot, snap chatsync.Snapshot) {
	select {
	case <-ch:
	default:
	}
	ch <- snap
}
