// Package hotswap implements the hot-swap coordinator (spec §4.4): the
// state machine that takes a validated class-image change all the way
// through requesting, performing, and (on failure) surfacing a class
// redefinition, enforcing I3 (at most one unresolved request per class) and
// the authoritative failure-classification table along the way.
package hotswap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/bytehot/engine/internal/event"
	"github.com/bytehot/engine/internal/lock"
	"github.com/bytehot/engine/internal/reconcile"
	"github.com/bytehot/engine/internal/snapshot"
	"github.com/bytehot/engine/internal/store"
	"github.com/bytehot/engine/internal/validator"
	"github.com/bytehot/engine/internal/vm"
)

// Config controls the coordinator's timeout budgets and redefinition
// throttling (spec §6 swap.* keys).
type Config struct {
	RedefinitionTimeout   time.Duration
	ReconciliationTimeout time.Duration
	RateLimit             rate.Limit
	RateBurst             int
}

// DefaultConfig matches spec §6's documented defaults.
func DefaultConfig() Config {
	return Config{
		RedefinitionTimeout:   5 * time.Second,
		ReconciliationTimeout: 10 * time.Second,
		RateLimit:             rate.Limit(20),
		RateBurst:             5,
	}
}

// ErrInFlight is returned by RequestHotSwap when I3 is violated: the class
// already has an unresolved HotSwapRequested.
var ErrInFlight = errors.New("hot-swap already in flight for this class")

// Coordinator orchestrates the validated-to-installed transition for one
// class at a time, per spec §4.4.
type Coordinator struct {
	store      store.EventStore
	cap        vm.Capability
	validator  *validator.Validator
	snapshots  *snapshot.Engine
	reconciler *reconcile.Reconciler
	locks      *lock.Manager // optional; nil disables cross-process I3 enforcement
	limiter    *rate.Limiter
	cfg        Config
	logger     *slog.Logger
}

// New creates a Coordinator. locks may be nil when running single-host
// (I3 is then enforced purely by isInFlight's scan of the event store).
func New(es store.EventStore, capability vm.Capability, v *validator.Validator, snapshots *snapshot.Engine, reconciler *reconcile.Reconciler, locks *lock.Manager, cfg Config, logger *slog.Logger) (*Coordinator, error) {
	if !capability.IsRedefinitionSupported() {
		return nil, errors.New("hotswap: VM capability does not support redefinition")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RedefinitionTimeout <= 0 {
		cfg = DefaultConfig()
	}
	return &Coordinator{
		store:      es,
		cap:        capability,
		validator:  v,
		snapshots:  snapshots,
		reconciler: reconciler,
		locks:      locks,
		limiter:    rate.NewLimiter(cfg.RateLimit, cfg.RateBurst),
		cfg:        cfg,
		logger:     logger,
	}, nil
}

// lastEventID returns the event_id of the most recent event appended to
// hotswap:<fqn>, or "" if the aggregate has no events yet.
func (c *Coordinator) lastEventID(ctx context.Context, fqn string) (string, error) {
	aggregateID := event.HotSwapAggregateID(fqn)
	events, err := c.store.EventsFor(ctx, event.AggregateHotSwap, aggregateID)
	if err != nil {
		return "", err
	}
	if len(events) == 0 {
		return "", nil
	}
	return events[len(events)-1].GetBase().EventID, nil
}

// isInFlight reports whether hotswap:<fqn> holds an unresolved
// HotSwapRequested (spec I3). It scans back from the newest event: other
// events (such as RollbackSnapshotCreated) can sit between a request and its
// ClassRedefinitionSucceeded/Failed, so the last event alone is not enough.
func (c *Coordinator) isInFlight(ctx context.Context, fqn string) (bool, error) {
	aggregateID := event.HotSwapAggregateID(fqn)
	events, err := c.store.EventsFor(ctx, event.AggregateHotSwap, aggregateID)
	if err != nil {
		return false, err
	}
	for i := len(events) - 1; i >= 0; i-- {
		switch events[i].(type) {
		case event.ClassRedefinitionSucceeded, event.ClassRedefinitionFailed:
			return false, nil
		case event.HotSwapRequested:
			return true, nil
		}
	}
	return false, nil
}

// RequestHotSwap appends a HotSwapRequested event for fqn after checking I3.
// If locks is configured, it also acquires the cross-process hot-swap lock
// for the class, held until the caller releases it (typically at the end of
// PerformRedefinition).
func (c *Coordinator) RequestHotSwap(ctx context.Context, fqn, classFile string, originalChecksum, newChecksum, reason string, cause event.Base) (event.HotSwapRequested, error) {
	inFlight, err := c.isInFlight(ctx, fqn)
	if err != nil {
		return event.HotSwapRequested{}, err
	}
	if inFlight {
		return event.HotSwapRequested{}, ErrInFlight
	}

	if c.locks != nil {
		if _, err := c.locks.AcquireLock(ctx, lock.HotSwapLockKey(fqn)); err != nil {
			return event.HotSwapRequested{}, fmt.Errorf("%w: %v", ErrInFlight, err)
		}
	}

	aggregateID := event.HotSwapAggregateID(fqn)
	current, err := c.store.CurrentVersion(ctx, event.AggregateHotSwap, aggregateID)
	if err != nil {
		return event.HotSwapRequested{}, err
	}
	previousEventID, err := c.lastEventID(ctx, fqn)
	if err != nil {
		return event.HotSwapRequested{}, err
	}

	req := event.HotSwapRequested{
		Base:             event.NewBase(event.TypeHotSwapRequested, event.AggregateHotSwap, aggregateID, current+1, previousEventID, cause.CorrelationID, cause.EventID),
		ClassFile:        classFile,
		ClassName:        fqn,
		OriginalChecksum: originalChecksum,
		NewChecksum:      newChecksum,
		Reason:           reason,
		PrecedingEventID: cause.EventID,
	}

	if err := c.store.Append(ctx, event.AggregateHotSwap, aggregateID, current, []event.Event{req}); err != nil {
		if c.locks != nil {
			_ = c.locks.ReleaseLock(ctx, lock.HotSwapLockKey(fqn))
		}
		return event.HotSwapRequested{}, err
	}
	return req, nil
}

// PerformRedefinition executes the validated request: resolve the loaded
// class, snapshot it, redefine, then (on success) enumerate affected
// instances and hand off to the reconciler. It always releases the
// cross-process lock acquired by RequestHotSwap, success or failure.
func (c *Coordinator) PerformRedefinition(ctx context.Context, req event.HotSwapRequested, newBytecode []byte) error {
	if c.locks != nil {
		defer func() { _ = c.locks.ReleaseLock(ctx, lock.HotSwapLockKey(req.ClassName)) }()
	}

	fqn := req.ClassName
	aggregateID := event.HotSwapAggregateID(fqn)
	start := time.Now()

	if err := c.limiter.Wait(ctx); err != nil {
		return c.fail(ctx, fqn, req, req.Base, event.FailureEngineError, "rate limiter: "+err.Error(), "", "Inspect logs; retry")
	}

	handle, found := c.cap.FindLoadedClass(fqn)
	if !found {
		return c.fail(ctx, fqn, req, req.Base, event.FailureClassNotLoaded, "Class not found: "+fqn, "ClassNotFoundException: "+fqn, "Load or instantiate the class first")
	}

	current, err := c.store.CurrentVersion(ctx, event.AggregateHotSwap, aggregateID)
	if err != nil {
		return err
	}

	_, snapshotBase, err := c.snapshots.Capture(ctx, fqn, handle.Bytecode, req.OriginalChecksum, req.Base, current)
	if err != nil {
		return c.fail(ctx, fqn, req, req.Base, event.FailureEngineError, "snapshot capture failed: "+err.Error(), "", "Inspect logs; retry")
	}

	redefineCtx, cancel := context.WithTimeout(ctx, c.cfg.RedefinitionTimeout)
	defer cancel()

	redefErr := c.redefine(redefineCtx, handle, newBytecode)
	if redefErr != nil {
		if errors.Is(redefErr, context.DeadlineExceeded) {
			return c.fail(ctx, fqn, req, snapshotBase, event.FailureEngineError, "redefinition timed out", "", "Inspect logs; retry")
		}
		kind, reason, vmErr, recovery := ClassifyVMError(redefErr, fqn)
		return c.fail(ctx, fqn, req, snapshotBase, kind, reason, vmErr, recovery)
	}

	instances := c.cap.AllLoadedInstances(fqn)
	current, err = c.store.CurrentVersion(ctx, event.AggregateHotSwap, aggregateID)
	if err != nil {
		return err
	}

	succeeded := event.ClassRedefinitionSucceeded{
		Base:              event.Caused(snapshotBase, event.TypeClassRedefinitionSucceeded, event.AggregateHotSwap, aggregateID, current+1, snapshotBase.EventID),
		ClassName:         fqn,
		ClassFile:         req.ClassFile,
		AffectedInstances: len(instances),
		Details:           fmt.Sprintf("redefined %s", fqn),
		Duration:          time.Since(start),
	}
	if err := c.store.Append(ctx, event.AggregateHotSwap, aggregateID, current, []event.Event{succeeded}); err != nil {
		return err
	}

	if c.reconciler != nil {
		reconcileCtx, cancel := context.WithTimeout(ctx, c.cfg.ReconciliationTimeout)
		defer cancel()
		if _, err := c.reconciler.Reconcile(reconcileCtx, fqn, succeeded.Base, current+1); err != nil {
			c.logger.Error("reconciliation failed after successful redefinition", "class", fqn, "error", err)
		}
	}
	return nil
}

func (c *Coordinator) redefine(ctx context.Context, handle *vm.ClassHandle, newBytecode []byte) error {
	done := make(chan error, 1)
	go func() { done <- c.cap.RedefineClass(handle, newBytecode) }()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

func (c *Coordinator) fail(ctx context.Context, fqn string, req event.HotSwapRequested, cause event.Base, kind event.FailureClass, reason, vmErr, recovery string) error {
	aggregateID := event.HotSwapAggregateID(fqn)
	current, verErr := c.store.CurrentVersion(ctx, event.AggregateHotSwap, aggregateID)
	if verErr != nil {
		return verErr
	}

	failed := event.ClassRedefinitionFailed{
		Base:           event.Caused(cause, event.TypeClassRedefinitionFailed, event.AggregateHotSwap, aggregateID, current+1, cause.EventID),
		ClassName:      fqn,
		ClassFile:      req.ClassFile,
		Kind:           kind,
		Reason:         reason,
		VMError:        vmErr,
		RecoveryAction: recovery,
	}
	if err := c.store.Append(ctx, event.AggregateHotSwap, aggregateID, current, []event.Event{failed}); err != nil {
		return err
	}
	return fmt.Errorf("redefinition failed (%s): %s", kind, reason)
}

// ClassifyVMError maps a VM capability error to the authoritative failure
// table in spec §4.4. It recognizes both a typed *vm.VmError and, failing
// that, falls back to substring matching on the error text (mirroring
// internal/core/resilience's classify-then-act shape), since a capability
// backed by a real agent bridge may not always return a typed error.
func ClassifyVMError(err error, fqn string) (kind event.FailureClass, reason, vmError, recoveryAction string) {
	var vmErr *vm.VmError
	if errors.As(err, &vmErr) {
		switch vmErr.Category {
		case vm.VmErrorClassNotLoaded:
			return event.FailureClassNotLoaded, "Class not found: " + fqn, "ClassNotFoundException: " + fqn, "Load or instantiate the class first"
		case vm.VmErrorSchemaChange:
			return event.FailureSchemaChange, "JVM rejected schema changes", vmErr.Message, "Restart application to load new class definition"
		case vm.VmErrorUnsupportedChange:
			return event.FailureUnsupportedChange, "unsupported bytecode change: " + vmErr.Message, vmErr.Message, "Use a compatible change or restart"
		default:
			return event.FailureVMRejected, vmErr.Message, vmErr.Message, "Check compatibility; retry"
		}
	}

	msg := err.Error()
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "schema"):
		return event.FailureSchemaChange, "JVM rejected schema changes", msg, "Restart application to load new class definition"
	case strings.Contains(lower, "not loaded"), strings.Contains(lower, "not found"):
		return event.FailureClassNotLoaded, "Class not found: " + fqn, "ClassNotFoundException: " + fqn, "Load or instantiate the class first"
	case strings.Contains(lower, "unsupported"), strings.Contains(lower, "native"):
		return event.FailureUnsupportedChange, "unsupported bytecode change: " + msg, msg, "Use a compatible change or restart"
	default:
		return event.FailureVMRejected, msg, msg, "Check compatibility; retry"
	}
}
