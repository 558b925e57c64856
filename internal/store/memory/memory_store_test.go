package memory_test

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bytehot/engine/internal/event"
	"github.com/bytehot/engine/internal/store"
	"github.com/bytehot/engine/internal/store/memory"
)

func newTestStore(t *testing.T) store.EventStore {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	return memory.New(logger)
}

func changedEvent(fqn string) event.Event {
	return event.ClassFileChanged{
		Base: event.NewBase(event.TypeClassFileChanged, event.AggregateFileWatch, fqn, 1, "", "corr-1", ""),
		ClassFile: fqn,
	}
}

func TestAppend_NewAggregateStartsAtVersionZero(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.Append(ctx, event.AggregateFileWatch, "/a/B.class", 0, []event.Event{changedEvent("/a/B.class")})
	require.NoError(t, err)

	version, err := s.CurrentVersion(ctx, event.AggregateFileWatch, "/a/B.class")
	require.NoError(t, err)
	assert.Equal(t, int64(1), version)
}

func TestAppend_VersionConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, event.AggregateFileWatch, "/a/B.class", 0, []event.Event{changedEvent("/a/B.class")}))

	err := s.Append(ctx, event.AggregateFileWatch, "/a/B.class", 0, []event.Event{changedEvent("/a/B.class")})
	require.Error(t, err)
	assert.True(t, store.IsVersionConflict(err))
}

func TestAppend_IdempotentReplay(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	e := changedEvent("/a/B.class")
	require.NoError(t, s.Append(ctx, event.AggregateFileWatch, "/a/B.class", 0, []event.Event{e}))

	// Replaying the exact same event at the version it was originally
	// appended at must be a no-op, not a conflict (I6).
	err := s.Append(ctx, event.AggregateFileWatch, "/a/B.class", 0, []event.Event{e})
	assert.NoError(t, err)

	version, err := s.CurrentVersion(ctx, event.AggregateFileWatch, "/a/B.class")
	require.NoError(t, err)
	assert.Equal(t, int64(1), version)
}

func TestEventsFor_ReturnsOrderedStream(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	e1 := changedEvent("/a/B.class")
	require.NoError(t, s.Append(ctx, event.AggregateFileWatch, "/a/B.class", 0, []event.Event{e1}))

	e2 := changedEvent("/a/B.class")
	require.NoError(t, s.Append(ctx, event.AggregateFileWatch, "/a/B.class", 1, []event.Event{e2}))

	events, err := s.EventsFor(ctx, event.AggregateFileWatch, "/a/B.class")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, e1.GetBase().EventID, events[0].GetBase().EventID)
	assert.Equal(t, e2.GetBase().EventID, events[1].GetBase().EventID)
}

func TestEventsByType_NewestFirstAndBounded(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Append(ctx, event.AggregateFileWatch, "/a/B.class", int64(i), []event.Event{changedEvent("/a/B.class")}))
	}

	events, err := s.EventsByType(ctx, event.TypeClassFileChanged, 2)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestAggregateExists(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	exists, err := s.AggregateExists(ctx, event.AggregateFileWatch, "/missing")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, s.Append(ctx, event.AggregateFileWatch, "/a/B.class", 0, []event.Event{changedEvent("/a/B.class")}))
	exists, err = s.AggregateExists(ctx, event.AggregateFileWatch, "/a/B.class")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestIsHealthy_FalseAfterClose(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.IsHealthy(ctx))
	require.NoError(t, s.Close())
	assert.Error(t, s.IsHealthy(ctx))
}
