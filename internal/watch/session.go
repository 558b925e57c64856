// Package watch implements the file-watch session (spec §4.2): a recursive
// fsnotify watcher over a configured root that emits ClassFileCreated,
// ClassFileChanged and ClassFileDeleted events, coalescing rapid successive
// writes to the same path within a debounce window.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/bytehot/engine/internal/event"
	"github.com/bytehot/engine/internal/metrics"
	"github.com/bytehot/engine/internal/store"
)

// Config controls a Session (spec §6 watch.* keys).
type Config struct {
	Root         string
	IncludeGlobs []string
	ExcludeGlobs []string
	DebounceMS   int
}

// Session watches Config.Root recursively and appends class-file lifecycle
// events to the store under filewatch:<absolute-path> aggregates.
type Session struct {
	cfg     Config
	store   store.EventStore
	logger  *slog.Logger
	metrics *metrics.WatchMetrics
	watcher *fsnotify.Watcher

	mu          sync.Mutex
	timers      map[string]*time.Timer
	pending     map[string][]fsnotify.Op // ordered raw ops seen in the current debounce window, per path
	seen        map[string]bool          // true once a path has produced a Created event
	lastEventID map[string]string        // last event_id appended per path, for I1's event chain

	// OnEvent, if set, is called with every event this session successfully
	// appends, right after the append. The hot-swap pipeline hangs its
	// validate-and-redefine chain off this hook rather than polling the
	// store; left nil a Session is a pure file-watch recorder.
	OnEvent func(ctx context.Context, payload event.Event)
}

// New creates a Session. The caller must call Run to start watching.
func New(cfg Config, es store.EventStore, logger *slog.Logger, m *metrics.WatchMetrics) (*Session, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DebounceMS <= 0 {
		cfg.DebounceMS = 100
	}
	if len(cfg.IncludeGlobs) == 0 {
		cfg.IncludeGlobs = []string{"**/*.class"}
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	return &Session{
		cfg:         cfg,
		store:       es,
		logger:      logger,
		metrics:     m,
		watcher:     w,
		timers:      make(map[string]*time.Timer),
		pending:     make(map[string][]fsnotify.Op),
		seen:        make(map[string]bool),
		lastEventID: make(map[string]string),
	}, nil
}

// Run adds every directory under Root to the watcher and blocks, processing
// events until ctx is cancelled. Matching the teacher's config-reload
// watcher, directories (not files) are registered so atomic replace
// (tmp+rename) and file creation are both caught.
func (s *Session) Run(ctx context.Context) error {
	if err := s.addRecursive(s.cfg.Root); err != nil {
		return fmt.Errorf("watch root %s: %w", s.cfg.Root, err)
	}

	s.logger.Info("file-watch session started", "root", s.cfg.Root, "debounce_ms", s.cfg.DebounceMS)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("file-watch session stopped")
			return s.watcher.Close()

		case ev, ok := <-s.watcher.Events:
			if !ok {
				return nil
			}
			s.handleFsEvent(ctx, ev)

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Error("file-watch error", "error", err)
		}
	}
}

func (s *Session) addRecursive(root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			s.logger.Warn("skipping inaccessible subtree", "path", path, "error", err)
			return nil
		}
		if info.IsDir() {
			if addErr := s.watcher.Add(path); addErr != nil {
				s.logger.Warn("skipping unwatchable directory", "path", path, "error", addErr)
			}
		}
		return nil
	})
}

func (s *Session) handleFsEvent(ctx context.Context, ev fsnotify.Event) {
	// A directory created after Run started is added to the watcher, and the
	// files already inside it are handled as if they had just been created.
	if ev.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			_ = filepath.Walk(ev.Name, func(path string, fi os.FileInfo, walkErr error) error {
				if walkErr != nil {
					return nil
				}
				if fi.IsDir() {
					_ = s.watcher.Add(path)
				} else {
					s.handleFsEvent(ctx, fsnotify.Event{Name: path, Op: fsnotify.Create})
				}
				return nil
			})
			return
		}
	}
	if !s.matchesGlobs(ev.Name) {
		return
	}
	if s.metrics != nil {
		s.metrics.RawEventsTotal.WithLabelValues(ev.Op.String()).Inc()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if timer, exists := s.timers[ev.Name]; exists {
		timer.Stop()
		if s.metrics != nil {
			s.metrics.DebounceCoalesced.Inc()
		}
	}
	s.pending[ev.Name] = append(s.pending[ev.Name], ev.Op)

	path := ev.Name
	s.timers[path] = time.AfterFunc(time.Duration(s.cfg.DebounceMS)*time.Millisecond, func() {
		s.fire(ctx, path)
	})
}

// fire translates the ordered raw fsnotify ops collected during path's
// debounce window into an ordered sequence of lifecycle event types and
// appends one event per transition — so a file that appears and vanishes
// within a single window produces ClassFileCreated followed by
// ClassFileDeleted, in that order, rather than collapsing to whichever op
// happened to win an OR'd bitmask.
func (s *Session) fire(ctx context.Context, path string) {
	s.mu.Lock()
	ops, ok := s.pending[path]
	delete(s.pending, path)
	delete(s.timers, path)
	alreadySeen := s.seen[path]
	s.mu.Unlock()

	if !ok {
		return
	}

	eventTypes, nowSeen := classifyOps(ops, alreadySeen)

	s.mu.Lock()
	s.seen[path] = nowSeen
	s.mu.Unlock()

	for _, eventType := range eventTypes {
		if err := s.emit(ctx, path, eventType); err != nil {
			s.logger.Error("failed to append file-watch event", "path", path, "event_type", eventType, "error", err)
		}
	}
}

// classifyOps walks ops in arrival order and maps each to the lifecycle
// event type it represents, collapsing adjacent duplicates (so a burst of
// Write ops still coalesces to one ClassFileCreated or ClassFileChanged)
// while keeping real transitions (a Create's Write follow-ups, then a
// Remove) as separate events. alreadySeen is the path's seen state at the
// start of the window; the returned bool is its state at the end, to
// persist across windows.
//
// fresh tracks whether the file's current existence run started with a
// Create seen in this same window: subsequent Write/Chmod ops on that run
// are folded into the Created event rather than producing a spurious
// Changed, since nothing ever observed an intermediate "changed" state.
func classifyOps(ops []fsnotify.Op, alreadySeen bool) ([]event.Type, bool) {
	seen := alreadySeen
	fresh := false
	var types []event.Type
	for _, op := range ops {
		var t event.Type
		switch {
		case op.Has(fsnotify.Remove) || op.Has(fsnotify.Rename):
			t = event.TypeClassFileDeleted
			seen = false
			fresh = false
		case op.Has(fsnotify.Create):
			t = event.TypeClassFileCreated
			seen = true
			fresh = true
		case seen && !fresh:
			t = event.TypeClassFileChanged
		default:
			t = event.TypeClassFileCreated
			seen = true
			fresh = true
		}
		if len(types) == 0 || types[len(types)-1] != t {
			types = append(types, t)
		}
	}
	return types, seen
}

func (s *Session) emit(ctx context.Context, path string, eventType event.Type) error {
	aggregateID := event.FileWatchAggregateID(path)

	current, err := s.store.CurrentVersion(ctx, event.AggregateFileWatch, aggregateID)
	if err != nil {
		return err
	}

	className := classNameFromPath(s.cfg.Root, path)
	correlationID := event.NewCorrelationID()

	s.mu.Lock()
	previousEventID := s.lastEventID[path]
	s.mu.Unlock()

	base := event.NewBase(eventType, event.AggregateFileWatch, aggregateID, current+1, previousEventID, correlationID, "")

	var payload event.Event
	switch eventType {
	case event.TypeClassFileCreated:
		payload = event.ClassFileCreated{Base: base, ClassFile: path, ClassName: className, DetectedAt: time.Now()}
	case event.TypeClassFileDeleted:
		payload = event.ClassFileDeleted{Base: base, ClassFile: path, ClassName: className, DetectedAt: time.Now()}
	default:
		payload = event.ClassFileChanged{Base: base, ClassFile: path, ClassName: className, FileSize: fileSize(path), DetectedAt: time.Now()}
	}

	if err := s.store.Append(ctx, event.AggregateFileWatch, aggregateID, current, []event.Event{payload}); err != nil {
		return err
	}

	s.mu.Lock()
	s.lastEventID[path] = base.EventID
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.EmittedTotal.WithLabelValues(string(eventType)).Inc()
	}

	if s.OnEvent != nil {
		s.OnEvent(ctx, payload)
	}
	return nil
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}

func (s *Session) matchesGlobs(path string) bool {
	base := filepath.Base(path)

	for _, pattern := range s.cfg.ExcludeGlobs {
		if globMatch(pattern, base) || globMatch(pattern, path) {
			return false
		}
	}

	if len(s.cfg.IncludeGlobs) == 0 {
		return true
	}
	for _, pattern := range s.cfg.IncludeGlobs {
		if globMatch(pattern, base) || globMatch(pattern, path) {
			return true
		}
	}
	return false
}

// globMatch supports filepath.Match syntax plus a leading "**/" prefix
// (matched by stripping it, since filepath.Match has no recursive-glob
// support of its own).
func globMatch(pattern, name string) bool {
	pattern = strings.TrimPrefix(pattern, "**/")
	ok, err := filepath.Match(pattern, name)
	return err == nil && ok
}

func classNameFromPath(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		rel = path
	}
	rel = strings.TrimSuffix(rel, filepath.Ext(rel))
	return strings.ReplaceAll(rel, string(filepath.Separator), ".")
}
