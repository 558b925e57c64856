// Package memory implements store.EventStore as an in-process map. It is the
// reference backend used by unit tests and by the "lite" profile when no
// durable store is configured; data does NOT survive a restart.
package memory

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/bytehot/engine/internal/event"
	"github.com/bytehot/engine/internal/store"
)

// stream holds one aggregate's ordered, versioned event history.
type stream struct {
	events []event.Event
}

func (s *stream) version() int64 {
	return int64(len(s.events))
}

// Store implements store.EventStore with a single RWMutex guarding a
// map of aggregate streams plus a global append-order counter for
// stream_position.
type Store struct {
	mu       sync.RWMutex
	streams  map[string]*stream // "<aggregate_type>:<aggregate_id>" -> stream
	order    []event.Event      // global append order, for EventsByType/EventsBetween
	position int64
	logger   *slog.Logger
	closed   bool
}

// New creates an empty in-memory event store.
func New(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		streams: make(map[string]*stream),
		logger:  logger,
	}
}

func key(aggregateType, aggregateID string) string {
	return aggregateType + ":" + aggregateID
}

// Append implements store.EventStore.Append, enforcing I1 (version
// monotonicity) via an optimistic-concurrency check against the stream's
// current length, and I6 (idempotent replay) by recognizing a resubmission
// of the same trailing event IDs as a no-op.
func (s *Store) Append(_ context.Context, aggregateType, aggregateID string, expectedVersion int64, events []event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return &store.ErrStoreUnavailable{Backend: "memory", Cause: errClosed}
	}

	k := key(aggregateType, aggregateID)
	st, ok := s.streams[k]
	if !ok {
		st = &stream{}
		s.streams[k] = st
	}

	current := st.version()
	if current == expectedVersion {
		for _, e := range events {
			st.events = append(st.events, e)
			s.order = append(s.order, e)
			s.position++
		}
		s.logger.Debug("events appended", "aggregate_type", aggregateType, "aggregate_id", aggregateID, "count", len(events), "new_version", st.version())
		return nil
	}

	// I6: replaying events whose IDs already appear at the tail of the stream
	// is a no-op, not a conflict.
	if current > expectedVersion && isReplayOf(st.events, events, expectedVersion) {
		s.logger.Debug("duplicate append ignored (idempotent replay)", "aggregate_type", aggregateType, "aggregate_id", aggregateID)
		return nil
	}

	return &store.ErrVersionConflict{
		AggregateType:   aggregateType,
		AggregateID:     aggregateID,
		ExpectedVersion: expectedVersion,
		ActualVersion:   current,
	}
}

// isReplayOf reports whether events matches, by EventID, the segment of
// existing starting right after fromVersion.
func isReplayOf(existing []event.Event, events []event.Event, fromVersion int64) bool {
	if fromVersion < 0 || int64(len(existing)) < fromVersion+int64(len(events)) {
		return false
	}
	for i, e := range events {
		if existing[int(fromVersion)+i].GetBase().EventID != e.GetBase().EventID {
			return false
		}
	}
	return true
}

func (s *Store) EventsFor(_ context.Context, aggregateType, aggregateID string) ([]event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.streams[key(aggregateType, aggregateID)]
	if !ok {
		return nil, nil
	}
	out := make([]event.Event, len(st.events))
	copy(out, st.events)
	return out, nil
}

func (s *Store) EventsForSince(ctx context.Context, aggregateType, aggregateID string, sinceVersion int64) ([]event.Event, error) {
	all, err := s.EventsFor(ctx, aggregateType, aggregateID)
	if err != nil {
		return nil, err
	}
	if sinceVersion < 0 || sinceVersion >= int64(len(all)) {
		return nil, nil
	}
	return all[sinceVersion:], nil
}

func (s *Store) EventsByType(_ context.Context, eventType event.Type, limit int) ([]event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matches []event.Event
	for i := len(s.order) - 1; i >= 0; i-- {
		if s.order[i].GetBase().EventType == eventType {
			matches = append(matches, s.order[i])
			if limit > 0 && len(matches) == limit {
				break
			}
		}
	}
	return matches, nil
}

func (s *Store) EventsBetween(_ context.Context, start, end time.Time) ([]event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matches []event.Event
	for _, e := range s.order {
		ts := e.GetBase().Timestamp
		if !ts.Before(start) && ts.Before(end) {
			matches = append(matches, e)
		}
	}
	return matches, nil
}

func (s *Store) CurrentVersion(_ context.Context, aggregateType, aggregateID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.streams[key(aggregateType, aggregateID)]
	if !ok {
		return 0, nil
	}
	return st.version(), nil
}

func (s *Store) AggregateExists(_ context.Context, aggregateType, aggregateID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.streams[key(aggregateType, aggregateID)]
	return ok, nil
}

func (s *Store) AggregateTypes(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := map[string]bool{}
	for k := range s.streams {
		for i := 0; i < len(k); i++ {
			if k[i] == ':' {
				seen[k[:i]] = true
				break
			}
		}
	}
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) AggregateIDs(_ context.Context, aggregateType string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	prefix := aggregateType + ":"
	var out []string
	for k := range s.streams {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			out = append(out, k[len(prefix):])
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) IsHealthy(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errClosed
	}
	return nil
}

func (s *Store) TotalEventCount(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.position, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.logger.Info("memory event store closed", "total_events", s.position)
	return nil
}

var errClosed = closedError{}

type closedError struct{}

func (closedError) Error() string { return "memory event store is closed" }
