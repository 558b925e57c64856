package watch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bytehot/engine/internal/event"
	"github.com/bytehot/engine/internal/store"
	"github.com/bytehot/engine/internal/store/memory"
)

func waitForAggregateVersion(t *testing.T, es store.EventStore, aggregateID string, want int64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		v, err := es.CurrentVersion(context.Background(), event.AggregateFileWatch, aggregateID)
		require.NoError(t, err)
		if v >= want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("aggregate %s did not reach version %d in time", aggregateID, want)
}

func TestSession_EmitsCreatedAndChanged(t *testing.T) {
	dir := t.TempDir()
	es := memory.New(nil)

	sess, err := New(Config{Root: dir, DebounceMS: 10}, es, nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		_ = sess.Run(ctx)
	}()
	time.Sleep(50 * time.Millisecond) // let the watcher register the root

	path := filepath.Join(dir, "com", "example", "Foo.class")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0o644))

	aggID := event.FileWatchAggregateID(path)
	waitForAggregateVersion(t, es, aggID, 1)

	events, err := es.EventsFor(ctx, event.AggregateFileWatch, aggID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	created, ok := events[0].(event.ClassFileCreated)
	require.True(t, ok, "expected ClassFileCreated, got %T", events[0])
	assert.Equal(t, "com.example.Foo", created.ClassName)
	assert.Equal(t, path, created.ClassFile)

	require.NoError(t, os.WriteFile(path, []byte("v2, longer content"), 0o644))
	waitForAggregateVersion(t, es, aggID, 2)

	events, err = es.EventsFor(ctx, event.AggregateFileWatch, aggID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	changed, ok := events[1].(event.ClassFileChanged)
	require.True(t, ok, "expected ClassFileChanged, got %T", events[1])
	assert.Equal(t, created.EventID, changed.PreviousEventID, "event chain must link to the prior event (I1)")
	assert.Greater(t, changed.FileSize, int64(0))
}

func TestSession_DebounceCoalescesRapidWrites(t *testing.T) {
	dir := t.TempDir()
	es := memory.New(nil)

	sess, err := New(Config{Root: dir, DebounceMS: 150}, es, nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		_ = sess.Run(ctx)
	}()
	time.Sleep(50 * time.Millisecond)

	path := filepath.Join(dir, "Bar.class")
	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(path, []byte{byte(i)}, 0o644))
		time.Sleep(10 * time.Millisecond)
	}

	aggID := event.FileWatchAggregateID(path)
	waitForAggregateVersion(t, es, aggID, 1)
	time.Sleep(200 * time.Millisecond) // confirm no further events trickle in

	events, err := es.EventsFor(ctx, event.AggregateFileWatch, aggID)
	require.NoError(t, err)
	assert.Len(t, events, 1, "rapid writes within the debounce window must coalesce into one event")
}

func TestSession_CreateThenDeleteInOneWindowEmitsBoth(t *testing.T) {
	dir := t.TempDir()
	es := memory.New(nil)

	sess, err := New(Config{Root: dir, DebounceMS: 200}, es, nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		_ = sess.Run(ctx)
	}()
	time.Sleep(50 * time.Millisecond)

	path := filepath.Join(dir, "Transient.class")
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0o644))
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, os.Remove(path))

	aggID := event.FileWatchAggregateID(path)
	waitForAggregateVersion(t, es, aggID, 2)

	events, err := es.EventsFor(ctx, event.AggregateFileWatch, aggID)
	require.NoError(t, err)
	require.Len(t, events, 2, "a create+delete within one debounce window must still produce both events")

	created, ok := events[0].(event.ClassFileCreated)
	require.True(t, ok, "expected ClassFileCreated first, got %T", events[0])
	deleted, ok := events[1].(event.ClassFileDeleted)
	require.True(t, ok, "expected ClassFileDeleted second, got %T", events[1])
	assert.Equal(t, created.EventID, deleted.PreviousEventID)
}

func TestSession_IgnoresNonMatchingExtensions(t *testing.T) {
	dir := t.TempDir()
	es := memory.New(nil)

	sess, err := New(Config{Root: dir, DebounceMS: 10, IncludeGlobs: []string{"*.class"}}, es, nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		_ = sess.Run(ctx)
	}()
	time.Sleep(50 * time.Millisecond)

	path := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("irrelevant"), 0o644))
	time.Sleep(150 * time.Millisecond)

	types, err := es.AggregateTypes(ctx)
	require.NoError(t, err)
	assert.NotContains(t, types, event.AggregateFileWatch)
}

func TestGlobMatch(t *testing.T) {
	assert.True(t, globMatch("*.class", "Foo.class"))
	assert.False(t, globMatch("*.class", "Foo.java"))
	assert.True(t, globMatch("**/*.class", "Foo.class"))
}

func TestClassNameFromPath(t *testing.T) {
	root := "/src"
	assert.Equal(t, "com.example.Foo", classNameFromPath(root, "/src/com/example/Foo.class"))
}
