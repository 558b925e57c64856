// Package reconcile implements the instance reconciler (spec §4.5): after a
// successful class redefinition, it invalidates memoized per-class caches
// and fans the change out to registered framework adapters so that live
// instances observe the new bytecode's behavior.
//
// Because redefinition-compatible changes never alter field shape (§4.3),
// reconciliation never rewrites instance fields; it only resets transient,
// derived state (cache entries, proxy wrappers) and re-runs framework
// lifecycle hooks where an adapter requests it.
package reconcile

import (
	"context"
	"log/slog"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/bytehot/engine/internal/event"
	"github.com/bytehot/engine/internal/store"
	"github.com/bytehot/engine/internal/vm"
)

// FrameworkAdapter is the optional, polymorphic external interface (spec
// §6) a host framework registers to participate in reconciliation. Zero or
// more adapters may be installed; all detected ones run in registration
// order, and a failing adapter never blocks the others.
type FrameworkAdapter interface {
	// Name identifies the adapter for InstanceUpdateError.Adapter.
	Name() string
	// Detect reports whether this adapter manages instances of fqn at all.
	Detect(fqn string) bool
	// Refresh re-synchronizes one live instance with the redefined class.
	Refresh(ctx context.Context, fqn, instanceID string) error
	// OnRedefined runs once per class after all instance refreshes complete
	// (e.g. re-running a post-construct lifecycle hook at the class level).
	OnRedefined(ctx context.Context, fqn string) error
}

// Reconciler fans a successful redefinition out to adapters and reports the
// outcome as InstancesUpdated.
type Reconciler struct {
	cap      vm.Capability
	store    store.EventStore
	adapters []FrameworkAdapter
	cache    *lru.Cache[string, any]
	logger   *slog.Logger
}

// New creates a Reconciler. cacheSize bounds the per-class memoized-cache
// table the reconciler invalidates on redefinition; 0 selects a sane
// default.
func New(capability vm.Capability, es store.EventStore, adapters []FrameworkAdapter, cacheSize int, logger *slog.Logger) (*Reconciler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cacheSize <= 0 {
		cacheSize = 1024
	}
	cache, err := lru.New[string, any](cacheSize)
	if err != nil {
		return nil, err
	}
	return &Reconciler{cap: capability, store: es, adapters: adapters, cache: cache, logger: logger}, nil
}

// CachePut lets callers (e.g. the hot-swap coordinator, or a framework
// integration) register a memoized value keyed by class name; Reconcile
// evicts it on the next redefinition of that class.
func (r *Reconciler) CachePut(fqn string, value any) {
	r.cache.Add(fqn, value)
}

// Reconcile invalidates fqn's cache entry, enumerates its live instances via
// the VM capability, and refreshes each through every adapter that detects
// it. It appends InstancesUpdated to the hotswap:<fqn> aggregate, causally
// linked to cause (the ClassRedefinitionSucceeded event), per spec §9's
// requirement that adapters complete before InstancesUpdated is emitted.
func (r *Reconciler) Reconcile(ctx context.Context, fqn string, cause event.Base, expectedVersion int64) (*event.InstancesUpdated, error) {
	r.cache.Remove(fqn)

	instances := r.cap.AllLoadedInstances(fqn)
	var errs []event.InstanceUpdateError

	for _, adapter := range r.adapters {
		if !adapter.Detect(fqn) {
			continue
		}
		for _, inst := range instances {
			if err := adapter.Refresh(ctx, fqn, inst.ID); err != nil {
				errs = append(errs, event.InstanceUpdateError{
					InstanceID: inst.ID,
					Adapter:    adapter.Name(),
					Reason:     err.Error(),
				})
				r.logger.Warn("framework adapter refresh failed", "class", fqn, "instance", inst.ID, "adapter", adapter.Name(), "error", err)
			}
		}
		if err := adapter.OnRedefined(ctx, fqn); err != nil {
			errs = append(errs, event.InstanceUpdateError{
				InstanceID: "",
				Adapter:    adapter.Name(),
				Reason:     "on_redefined: " + err.Error(),
			})
			r.logger.Warn("framework adapter on-redefined hook failed", "class", fqn, "adapter", adapter.Name(), "error", err)
		}
	}

	aggregateID := event.HotSwapAggregateID(fqn)
	payload := event.InstancesUpdated{
		Base:                 event.Caused(cause, event.TypeInstancesUpdated, event.AggregateHotSwap, aggregateID, expectedVersion+1, cause.EventID),
		ClassName:            fqn,
		UpdatedInstanceCount: len(instances),
		Strategy:             "cache_invalidation+adapter_refresh",
		Partial:              len(errs) > 0,
		Errors:               errs,
	}

	if err := r.store.Append(ctx, event.AggregateHotSwap, aggregateID, expectedVersion, []event.Event{payload}); err != nil {
		return nil, err
	}
	return &payload, nil
}
