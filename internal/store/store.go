package store

import (
	"context"
	"time"

	"github.com/bytehot/engine/internal/event"
)

// EventStore is the append-only, per-aggregate event log described in spec
// §4.1. Implementations must enforce I1 (version monotonicity per aggregate)
// by rejecting Append calls whose expectedVersion does not match the
// aggregate's current version with ErrVersionConflict.
type EventStore interface {
	// Append adds events to the named aggregate's stream. expectedVersion is
	// the version the caller believes the aggregate is currently at (0 for a
	// brand-new aggregate); events are appended starting at expectedVersion+1.
	// Replaying the exact same events with the same expectedVersion must be a
	// no-op (I6: idempotent replay), recognized by matching EventID.
	Append(ctx context.Context, aggregateType, aggregateID string, expectedVersion int64, events []event.Event) error

	// EventsFor returns the full ordered event stream for one aggregate.
	EventsFor(ctx context.Context, aggregateType, aggregateID string) ([]event.Event, error)

	// EventsForSince returns events with aggregate_version > sinceVersion.
	EventsForSince(ctx context.Context, aggregateType, aggregateID string, sinceVersion int64) ([]event.Event, error)

	// EventsByType returns the most recent events of a given type across all
	// aggregates, newest first, bounded by limit (0 = unbounded).
	EventsByType(ctx context.Context, eventType event.Type, limit int) ([]event.Event, error)

	// EventsBetween returns all events with timestamp in [start, end), ordered
	// by stream_position. Used by the flow detector and error-snapshot capture.
	EventsBetween(ctx context.Context, start, end time.Time) ([]event.Event, error)

	// CurrentVersion returns the aggregate's current version (0 if it has no events).
	CurrentVersion(ctx context.Context, aggregateType, aggregateID string) (int64, error)

	// AggregateExists reports whether any events exist for the aggregate.
	AggregateExists(ctx context.Context, aggregateType, aggregateID string) (bool, error)

	// AggregateTypes lists distinct aggregate types seen by the store.
	AggregateTypes(ctx context.Context) ([]string, error)

	// AggregateIDs lists distinct aggregate IDs under one aggregate type.
	AggregateIDs(ctx context.Context, aggregateType string) ([]string, error)

	// IsHealthy reports whether the store can currently service requests.
	IsHealthy(ctx context.Context) error

	// TotalEventCount returns the number of events ever appended.
	TotalEventCount(ctx context.Context) (int64, error)

	// Close releases any resources held by the store.
	Close() error
}
