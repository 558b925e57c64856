// Package postgres implements store.EventStore on PostgreSQL via pgx. This is
// ByteHot's "standard profile" backend for multi-host agent deployments that
// share one durable event log and coordinate hot-swaps through
// internal/lock's distributed lock.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/bytehot/engine/internal/core/resilience"
	"github.com/bytehot/engine/internal/event"
	"github.com/bytehot/engine/internal/metrics"
	"github.com/bytehot/engine/internal/store"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store implements store.EventStore on top of a pgxpool connection pool.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// New connects to Postgres at dsn, runs pending migrations, and returns a
// ready Store.
func New(ctx context.Context, dsn string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := runMigrations(dsn); err != nil {
		return nil, &store.ErrStoreUnavailable{Backend: "postgres", Cause: err}
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, &store.ErrStoreUnavailable{Backend: "postgres", Cause: err}
	}

	// The pool itself is lazy; Ping is what actually dials the server, so
	// it's the one startup step worth retrying against a database that is
	// still coming up (e.g. a container orchestrator starting Postgres and
	// this service at the same time).
	pingPolicy := resilience.DefaultRetryPolicy()
	pingPolicy.Logger = logger
	pingPolicy.Metrics = metrics.DefaultRegistry().Retry()
	pingPolicy.OperationName = "postgres_connect"
	if err := resilience.WithRetry(ctx, pingPolicy, func() error { return pool.Ping(ctx) }); err != nil {
		pool.Close()
		return nil, &store.ErrStoreUnavailable{Backend: "postgres", Cause: err}
	}

	logger.Info("postgres event store initialized")
	return &Store{pool: pool, logger: logger}, nil
}

func runMigrations(dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open migration connection: %w", err)
	}
	defer db.Close()

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.Up(db, "migrations")
}

// Append implements store.EventStore.Append using Postgres's
// UNIQUE(aggregate_type, aggregate_id, aggregate_version) constraint for
// optimistic concurrency, identically in spirit to the sqlite backend.
func (s *Store) Append(ctx context.Context, aggregateType, aggregateID string, expectedVersion int64, events []event.Event) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return &store.ErrStoreUnavailable{Backend: "postgres", Cause: err}
	}
	defer tx.Rollback(ctx)

	var current int64
	err = tx.QueryRow(ctx, `SELECT COALESCE(MAX(aggregate_version), 0) FROM events WHERE aggregate_type = $1 AND aggregate_id = $2`, aggregateType, aggregateID).Scan(&current)
	if err != nil {
		return &store.ErrStoreUnavailable{Backend: "postgres", Cause: err}
	}

	if current != expectedVersion {
		if expectedVersion >= 0 && len(events) > 0 && current >= expectedVersion+int64(len(events)) {
			rows, qerr := tx.Query(ctx, `SELECT event_id FROM events WHERE aggregate_type = $1 AND aggregate_id = $2 AND aggregate_version > $3 ORDER BY aggregate_version ASC LIMIT $4`, aggregateType, aggregateID, expectedVersion, len(events))
			if qerr == nil {
				matched := 0
				for rows.Next() {
					var id string
					if rows.Scan(&id) == nil && id == events[matched].GetBase().EventID {
						matched++
					}
				}
				rows.Close()
				if matched == len(events) {
					return nil // I6: the same events were already stored at these versions
				}
			}
		}
		return &store.ErrVersionConflict{AggregateType: aggregateType, AggregateID: aggregateID, ExpectedVersion: expectedVersion, ActualVersion: current}
	}

	for i, e := range events {
		b := e.GetBase()
		payload, err := store.Encode(e)
		if err != nil {
			return fmt.Errorf("encode event %s: %w", b.EventID, err)
		}

		_, err = tx.Exec(ctx, `
INSERT INTO events (event_id, event_type, aggregate_type, aggregate_id, aggregate_version, timestamp,
                     previous_event_id, schema_version, correlation_id, causation_id, user_id, stream_position, payload)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, nextval('events_stream_position_seq'), $12)
`, b.EventID, string(b.EventType), aggregateType, aggregateID, expectedVersion+int64(i)+1, b.Timestamp,
			nullable(b.PreviousEventID), b.SchemaVersion, b.CorrelationID, nullable(b.CausationID), nullable(b.UserID), payload)
		if err != nil {
			if isUniqueViolation(err) {
				return &store.ErrVersionConflict{AggregateType: aggregateType, AggregateID: aggregateID, ExpectedVersion: expectedVersion, ActualVersion: current}
			}
			return &store.ErrStoreUnavailable{Backend: "postgres", Cause: err}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return &store.ErrStoreUnavailable{Backend: "postgres", Cause: err}
	}
	return nil
}

// isUniqueViolation recognizes Postgres's unique_violation error text. I6
// (idempotent replay) is recognized in Append before any insert, by comparing
// the stored event IDs after expectedVersion with the events being appended.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unique")
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func (s *Store) scanRows(rows interface {
	Next() bool
	Scan(...interface{}) error
	Err() error
}) ([]event.Event, error) {
	var out []event.Event
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, &store.ErrStoreUnavailable{Backend: "postgres", Cause: err}
		}
		e, err := store.Decode(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) EventsFor(ctx context.Context, aggregateType, aggregateID string) ([]event.Event, error) {
	rows, err := s.pool.Query(ctx, `SELECT payload FROM events WHERE aggregate_type = $1 AND aggregate_id = $2 ORDER BY aggregate_version ASC`, aggregateType, aggregateID)
	if err != nil {
		return nil, &store.ErrStoreUnavailable{Backend: "postgres", Cause: err}
	}
	defer rows.Close()
	return s.scanRows(rows)
}

func (s *Store) EventsForSince(ctx context.Context, aggregateType, aggregateID string, sinceVersion int64) ([]event.Event, error) {
	rows, err := s.pool.Query(ctx, `SELECT payload FROM events WHERE aggregate_type = $1 AND aggregate_id = $2 AND aggregate_version > $3 ORDER BY aggregate_version ASC`, aggregateType, aggregateID, sinceVersion)
	if err != nil {
		return nil, &store.ErrStoreUnavailable{Backend: "postgres", Cause: err}
	}
	defer rows.Close()
	return s.scanRows(rows)
}

func (s *Store) EventsByType(ctx context.Context, eventType event.Type, limit int) ([]event.Event, error) {
	query := `SELECT payload FROM events WHERE event_type = $1 ORDER BY stream_position DESC`
	args := []interface{}{string(eventType)}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, &store.ErrStoreUnavailable{Backend: "postgres", Cause: err}
	}
	defer rows.Close()
	return s.scanRows(rows)
}

func (s *Store) EventsBetween(ctx context.Context, start, end time.Time) ([]event.Event, error) {
	rows, err := s.pool.Query(ctx, `SELECT payload FROM events WHERE timestamp >= $1 AND timestamp < $2 ORDER BY stream_position ASC`, start, end)
	if err != nil {
		return nil, &store.ErrStoreUnavailable{Backend: "postgres", Cause: err}
	}
	defer rows.Close()
	return s.scanRows(rows)
}

func (s *Store) CurrentVersion(ctx context.Context, aggregateType, aggregateID string) (int64, error) {
	var version int64
	err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(aggregate_version), 0) FROM events WHERE aggregate_type = $1 AND aggregate_id = $2`, aggregateType, aggregateID).Scan(&version)
	if err != nil {
		return 0, &store.ErrStoreUnavailable{Backend: "postgres", Cause: err}
	}
	return version, nil
}

func (s *Store) AggregateExists(ctx context.Context, aggregateType, aggregateID string) (bool, error) {
	version, err := s.CurrentVersion(ctx, aggregateType, aggregateID)
	return version > 0, err
}

func (s *Store) AggregateTypes(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT aggregate_type FROM events ORDER BY aggregate_type`)
	if err != nil {
		return nil, &store.ErrStoreUnavailable{Backend: "postgres", Cause: err}
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, &store.ErrStoreUnavailable{Backend: "postgres", Cause: err}
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) AggregateIDs(ctx context.Context, aggregateType string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT aggregate_id FROM events WHERE aggregate_type = $1 ORDER BY aggregate_id`, aggregateType)
	if err != nil {
		return nil, &store.ErrStoreUnavailable{Backend: "postgres", Cause: err}
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, &store.ErrStoreUnavailable{Backend: "postgres", Cause: err}
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *Store) IsHealthy(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return &store.ErrStoreUnavailable{Backend: "postgres", Cause: err}
	}
	return nil
}

func (s *Store) TotalEventCount(ctx context.Context) (int64, error) {
	var count int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM events`).Scan(&count); err != nil {
		return 0, &store.ErrStoreUnavailable{Backend: "postgres", Cause: err}
	}
	return count, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
