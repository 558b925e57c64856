// Package sqlite implements store.EventStore on top of an embedded SQLite
// database (pure-Go driver, no CGO). This is ByteHot's "lite profile" durable
// backend: a single file, WAL mode for concurrent readers during writes.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	// Pure Go SQLite driver (no CGO, easier cross-compilation).
	_ "modernc.org/sqlite"

	"github.com/bytehot/engine/internal/event"
	"github.com/bytehot/engine/internal/store"
)

// Store implements store.EventStore using SQLite. Safe for concurrent use;
// SQLite's own locking plus WAL mode handles cross-connection coordination,
// the mutex here only protects the *sql.DB handle across Close.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	path   string
	mu     sync.RWMutex
}

// New opens (or creates) the event store file at path and ensures its schema.
func New(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if path == "" {
		return nil, &store.ErrStoreUnavailable{Backend: "sqlite", Cause: errors.New("store.path must not be empty")}
	}
	if strings.Contains(path, "..") {
		return nil, &store.ErrStoreUnavailable{Backend: "sqlite", Cause: fmt.Errorf("invalid path contains '..': %s", path)}
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, &store.ErrStoreUnavailable{Backend: "sqlite", Cause: err}
		}
	}

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_journal_mode=WAL", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, &store.ErrStoreUnavailable{Backend: "sqlite", Cause: err}
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	db.SetConnMaxIdleTime(10 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, &store.ErrStoreUnavailable{Backend: "sqlite", Cause: err}
	}

	s := &Store{db: db, logger: logger, path: path}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if err := os.Chmod(path, 0600); err != nil {
		logger.Warn("failed to set event store file permissions", "path", path, "error", err)
	}

	logger.Info("sqlite event store initialized", "path", path, "wal_mode", true)
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS events (
    event_id          TEXT PRIMARY KEY,
    event_type        TEXT NOT NULL,
    aggregate_type     TEXT NOT NULL,
    aggregate_id       TEXT NOT NULL,
    aggregate_version  INTEGER NOT NULL,
    timestamp          INTEGER NOT NULL,
    previous_event_id  TEXT,
    schema_version     INTEGER NOT NULL,
    correlation_id     TEXT NOT NULL,
    causation_id       TEXT,
    user_id            TEXT,
    stream_position    INTEGER NOT NULL,
    payload            BLOB NOT NULL,
    UNIQUE(aggregate_type, aggregate_id, aggregate_version)
);
CREATE INDEX IF NOT EXISTS idx_events_aggregate ON events(aggregate_type, aggregate_id);
CREATE INDEX IF NOT EXISTS idx_events_type ON events(event_type);
CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp);
CREATE INDEX IF NOT EXISTS idx_events_position ON events(stream_position);
`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return &store.ErrStoreUnavailable{Backend: "sqlite", Cause: fmt.Errorf("schema init: %w", err)}
	}
	return nil
}

// Append implements store.EventStore.Append. Optimistic concurrency relies on
// the UNIQUE(aggregate_type, aggregate_id, aggregate_version) constraint: a
// conflicting concurrent writer's INSERT fails and is translated to
// ErrVersionConflict.
func (s *Store) Append(ctx context.Context, aggregateType, aggregateID string, expectedVersion int64, events []event.Event) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &store.ErrStoreUnavailable{Backend: "sqlite", Cause: err}
	}
	defer tx.Rollback()

	var current int64
	err = tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(aggregate_version), 0) FROM events WHERE aggregate_type = ? AND aggregate_id = ?`, aggregateType, aggregateID).Scan(&current)
	if err != nil {
		return &store.ErrStoreUnavailable{Backend: "sqlite", Cause: err}
	}

	if current != expectedVersion {
		if existingIDs, replayed := s.tailMatches(ctx, tx, aggregateType, aggregateID, expectedVersion, events); replayed {
			_ = existingIDs
			return nil
		}
		return &store.ErrVersionConflict{AggregateType: aggregateType, AggregateID: aggregateID, ExpectedVersion: expectedVersion, ActualVersion: current}
	}

	var total int64
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&total); err != nil {
		return &store.ErrStoreUnavailable{Backend: "sqlite", Cause: err}
	}

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO events (event_id, event_type, aggregate_type, aggregate_id, aggregate_version, timestamp,
                     previous_event_id, schema_version, correlation_id, causation_id, user_id, stream_position, payload)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`)
	if err != nil {
		return &store.ErrStoreUnavailable{Backend: "sqlite", Cause: err}
	}
	defer stmt.Close()

	for i, e := range events {
		b := e.GetBase()
		payload, err := store.Encode(e)
		if err != nil {
			return fmt.Errorf("encode event %s: %w", b.EventID, err)
		}

		_, err = stmt.ExecContext(ctx, b.EventID, string(b.EventType), aggregateType, aggregateID,
			expectedVersion+int64(i)+1, b.Timestamp.UnixMilli(), nullable(b.PreviousEventID),
			b.SchemaVersion, b.CorrelationID, nullable(b.CausationID), nullable(b.UserID), total+int64(i)+1, payload)
		if err != nil {
			if isUniqueConstraintErr(err) {
				return &store.ErrVersionConflict{AggregateType: aggregateType, AggregateID: aggregateID, ExpectedVersion: expectedVersion, ActualVersion: current}
			}
			return &store.ErrStoreUnavailable{Backend: "sqlite", Cause: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return &store.ErrStoreUnavailable{Backend: "sqlite", Cause: err}
	}

	s.logger.Debug("events appended", "aggregate_type", aggregateType, "aggregate_id", aggregateID, "count", len(events))
	return nil
}

// tailMatches implements I6 (idempotent replay): if the events being
// resubmitted already exist at the tail of the aggregate's stream (by
// event_id, at the versions they'd occupy), the append is a no-op.
func (s *Store) tailMatches(ctx context.Context, tx *sql.Tx, aggregateType, aggregateID string, fromVersion int64, events []event.Event) ([]string, bool) {
	if fromVersion < 0 {
		return nil, false
	}
	rows, err := tx.QueryContext(ctx, `SELECT event_id FROM events WHERE aggregate_type = ? AND aggregate_id = ? AND aggregate_version > ? ORDER BY aggregate_version ASC`, aggregateType, aggregateID, fromVersion)
	if err != nil {
		return nil, false
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, false
		}
		ids = append(ids, id)
	}
	if len(ids) != len(events) {
		return nil, false
	}
	for i, e := range events {
		if ids[i] != e.GetBase().EventID {
			return nil, false
		}
	}
	return ids, true
}

func isUniqueConstraintErr(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unique constraint")
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func (s *Store) scanEvents(rows *sql.Rows) ([]event.Event, error) {
	defer rows.Close()
	var out []event.Event
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, &store.ErrStoreUnavailable{Backend: "sqlite", Cause: err}
		}
		e, err := store.Decode(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, &store.ErrStoreUnavailable{Backend: "sqlite", Cause: err}
	}
	return out, nil
}

func (s *Store) EventsFor(ctx context.Context, aggregateType, aggregateID string) ([]event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM events WHERE aggregate_type = ? AND aggregate_id = ? ORDER BY aggregate_version ASC`, aggregateType, aggregateID)
	if err != nil {
		return nil, &store.ErrStoreUnavailable{Backend: "sqlite", Cause: err}
	}
	return s.scanEvents(rows)
}

func (s *Store) EventsForSince(ctx context.Context, aggregateType, aggregateID string, sinceVersion int64) ([]event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM events WHERE aggregate_type = ? AND aggregate_id = ? AND aggregate_version > ? ORDER BY aggregate_version ASC`, aggregateType, aggregateID, sinceVersion)
	if err != nil {
		return nil, &store.ErrStoreUnavailable{Backend: "sqlite", Cause: err}
	}
	return s.scanEvents(rows)
}

func (s *Store) EventsByType(ctx context.Context, eventType event.Type, limit int) ([]event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT payload FROM events WHERE event_type = ? ORDER BY stream_position DESC`
	args := []interface{}{string(eventType)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &store.ErrStoreUnavailable{Backend: "sqlite", Cause: err}
	}
	return s.scanEvents(rows)
}

func (s *Store) EventsBetween(ctx context.Context, start, end time.Time) ([]event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM events WHERE timestamp >= ? AND timestamp < ? ORDER BY stream_position ASC`, start.UnixMilli(), end.UnixMilli())
	if err != nil {
		return nil, &store.ErrStoreUnavailable{Backend: "sqlite", Cause: err}
	}
	return s.scanEvents(rows)
}

func (s *Store) CurrentVersion(ctx context.Context, aggregateType, aggregateID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var version int64
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(aggregate_version), 0) FROM events WHERE aggregate_type = ? AND aggregate_id = ?`, aggregateType, aggregateID).Scan(&version)
	if err != nil {
		return 0, &store.ErrStoreUnavailable{Backend: "sqlite", Cause: err}
	}
	return version, nil
}

func (s *Store) AggregateExists(ctx context.Context, aggregateType, aggregateID string) (bool, error) {
	version, err := s.CurrentVersion(ctx, aggregateType, aggregateID)
	return version > 0, err
}

func (s *Store) AggregateTypes(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT aggregate_type FROM events ORDER BY aggregate_type`)
	if err != nil {
		return nil, &store.ErrStoreUnavailable{Backend: "sqlite", Cause: err}
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, &store.ErrStoreUnavailable{Backend: "sqlite", Cause: err}
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) AggregateIDs(ctx context.Context, aggregateType string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT aggregate_id FROM events WHERE aggregate_type = ? ORDER BY aggregate_id`, aggregateType)
	if err != nil {
		return nil, &store.ErrStoreUnavailable{Backend: "sqlite", Cause: err}
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, &store.ErrStoreUnavailable{Backend: "sqlite", Cause: err}
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *Store) IsHealthy(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.db.PingContext(ctx); err != nil {
		return &store.ErrStoreUnavailable{Backend: "sqlite", Cause: err}
	}
	return nil
}

func (s *Store) TotalEventCount(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&count); err != nil {
		return 0, &store.ErrStoreUnavailable{Backend: "sqlite", Cause: err}
	}
	return count, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	if err != nil {
		return fmt.Errorf("close sqlite event store: %w", err)
	}
	s.logger.Info("sqlite event store closed", "path", s.path)
	return nil
}
