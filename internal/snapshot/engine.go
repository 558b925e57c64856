// Package snapshot implements the rollback engine (spec §4.6): capturing
// pre-redefinition state for a class and, on request, restoring a prior
// version of the class plus its instances' state. Snapshots chain per class
// (each one points at its predecessor) so a rollback request can target a
// single step or cascade across a dependency cluster.
package snapshot

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bytehot/engine/internal/event"
	"github.com/bytehot/engine/internal/store"
	"github.com/bytehot/engine/internal/vm"
)

// Snapshot is one captured pre-redefinition state for a class.
type Snapshot struct {
	ID              string
	FQN             string
	PriorSnapshotID string
	CapturedAt      time.Time
	PriorChecksum   string
	Bytecode        []byte
	Instances       []event.InstanceStateSnapshot
}

// Engine captures and applies rollback snapshots. It keeps the chain head
// per class in memory for fast lookup; the authoritative record is always
// the RollbackSnapshotCreated/RollbackApplied event stream on the class's
// hotswap:<fqn> aggregate.
type Engine struct {
	store store.EventStore
	cap   vm.Capability
	logger *slog.Logger

	mu    sync.Mutex
	byID  map[string]*Snapshot
	heads map[string]string // fqn -> most recent snapshot id
}

// New creates a rollback Engine.
func New(es store.EventStore, capability vm.Capability, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:  es,
		cap:    capability,
		logger: logger,
		byID:   make(map[string]*Snapshot),
		heads:  make(map[string]string),
	}
}

// Capture records a pre-redefinition snapshot for fqn: the bytecode as
// currently loaded, the live instances' state, and a link to the previous
// snapshot for the same class (if any). It appends RollbackSnapshotCreated
// to the hotswap:<fqn> aggregate, causally linked to cause.
func (e *Engine) Capture(ctx context.Context, fqn string, currentBytecode []byte, priorChecksum string, cause event.Base, expectedVersion int64) (*Snapshot, event.Base, error) {
	instances := e.cap.AllLoadedInstances(fqn)
	captured := make([]event.InstanceStateSnapshot, len(instances))
	for i, inst := range instances {
		captured[i] = event.InstanceStateSnapshot{InstanceID: inst.ID, State: copyState(inst.State)}
	}

	e.mu.Lock()
	priorID := e.heads[fqn]
	e.mu.Unlock()

	snap := &Snapshot{
		ID:              uuid.NewString(),
		FQN:             fqn,
		PriorSnapshotID: priorID,
		CapturedAt:      time.Now(),
		PriorChecksum:   priorChecksum,
		Bytecode:        currentBytecode,
		Instances:       captured,
	}

	aggregateID := event.HotSwapAggregateID(fqn)
	payload := event.RollbackSnapshotCreated{
		Base:            event.Caused(cause, event.TypeRollbackSnapshotCreated, event.AggregateHotSwap, aggregateID, expectedVersion+1, cause.EventID),
		ClassName:       fqn,
		SnapshotID:      snap.ID,
		PriorSnapshotID: snap.PriorSnapshotID,
		CapturedAt:      snap.CapturedAt,
		PriorChecksum:   snap.PriorChecksum,
		Instances:       captured,
	}

	if err := e.store.Append(ctx, event.AggregateHotSwap, aggregateID, expectedVersion, []event.Event{payload}); err != nil {
		return nil, event.Base{}, fmt.Errorf("append rollback snapshot: %w", err)
	}

	e.mu.Lock()
	e.byID[snap.ID] = snap
	e.heads[fqn] = snap.ID
	e.mu.Unlock()

	return snap, payload.Base, nil
}

// Apply restores fqn to the state captured by snapshotID: re-invokes the VM
// redefinition primitive with the snapshot's bytecode, then restores each
// captured instance's state. It appends RollbackApplied (or RollbackFailed on
// the first unrecoverable error) to the hotswap:<fqn> aggregate.
func (e *Engine) Apply(ctx context.Context, snapshotID string, cause event.Base, expectedVersion int64) (*event.RollbackApplied, error) {
	e.mu.Lock()
	snap, ok := e.byID[snapshotID]
	e.mu.Unlock()
	if !ok {
		return nil, e.fail(ctx, "", snapshotID, cause, expectedVersion, "snapshot not found")
	}

	aggregateID := event.HotSwapAggregateID(snap.FQN)

	handle, found := e.cap.FindLoadedClass(snap.FQN)
	if !found {
		return nil, e.fail(ctx, snap.FQN, snapshotID, cause, expectedVersion, "class not loaded: "+snap.FQN)
	}
	if err := e.cap.RedefineClass(handle, snap.Bytecode); err != nil {
		return nil, e.fail(ctx, snap.FQN, snapshotID, cause, expectedVersion, err.Error())
	}

	for _, inst := range snap.Instances {
		if err := e.cap.RestoreInstanceState(snap.FQN, inst.InstanceID, copyState(inst.State)); err != nil {
			e.logger.Warn("rollback instance restore failed", "class", snap.FQN, "instance", inst.InstanceID, "error", err)
		}
	}

	payload := event.RollbackApplied{
		Base:       event.Caused(cause, event.TypeRollbackApplied, event.AggregateHotSwap, aggregateID, expectedVersion+1, cause.EventID),
		ClassName:  snap.FQN,
		SnapshotID: snapshotID,
	}
	if err := e.store.Append(ctx, event.AggregateHotSwap, aggregateID, expectedVersion, []event.Event{payload}); err != nil {
		return nil, fmt.Errorf("append rollback applied: %w", err)
	}
	return &payload, nil
}

func (e *Engine) fail(ctx context.Context, fqn, snapshotID string, cause event.Base, expectedVersion int64, reason string) error {
	if fqn == "" {
		e.logger.Error("rollback failed before class resolution", "snapshot_id", snapshotID, "reason", reason)
		return fmt.Errorf("rollback failed: %s", reason)
	}
	aggregateID := event.HotSwapAggregateID(fqn)
	payload := event.RollbackFailed{
		Base:       event.Caused(cause, event.TypeRollbackFailed, event.AggregateHotSwap, aggregateID, expectedVersion+1, cause.EventID),
		ClassName:  fqn,
		SnapshotID: snapshotID,
		Reason:     reason,
	}
	if err := e.store.Append(ctx, event.AggregateHotSwap, aggregateID, expectedVersion, []event.Event{payload}); err != nil {
		e.logger.Error("failed to append rollback-failed event", "error", err)
	}
	return fmt.Errorf("rollback failed: %s", reason)
}

// ApplyCascade runs Apply for each class in plan order (see PlanCascade),
// using snapshotOf to resolve which snapshot to restore per class and
// versionOf for each class's current aggregate version. It stops at the
// first failure, matching spec §4.6's "aborts the remaining plan on the
// first unrecoverable failure".
func (e *Engine) ApplyCascade(ctx context.Context, plan []string, snapshotOf map[string]string, versionOf map[string]int64, cause event.Base) ([]*event.RollbackApplied, error) {
	applied := make([]*event.RollbackApplied, 0, len(plan))
	for _, fqn := range plan {
		snapID, ok := snapshotOf[fqn]
		if !ok {
			return applied, fmt.Errorf("no snapshot selected for class %s", fqn)
		}
		result, err := e.Apply(ctx, snapID, cause, versionOf[fqn])
		if err != nil {
			return applied, fmt.Errorf("cascade aborted at %s: %w", fqn, err)
		}
		applied = append(applied, result)
	}
	return applied, nil
}

// PlanCascade orders a set of classes for cascading rollback via Kahn's
// algorithm: classes with no incoming dependency edges roll back first.
// dependencies[c] lists the classes c depends on (must roll back before c).
// A cycle is broken deterministically by falling back to input order for
// the remaining members, since the engine must make forward progress rather
// than refuse a plan outright.
func PlanCascade(classes []string, dependencies map[string][]string) []string {
	inDegree := make(map[string]int, len(classes))
	dependents := make(map[string][]string)
	set := make(map[string]bool, len(classes))
	for _, c := range classes {
		set[c] = true
		inDegree[c] = 0
	}
	for _, c := range classes {
		for _, dep := range dependencies[c] {
			if !set[dep] {
				continue
			}
			inDegree[c]++
			dependents[dep] = append(dependents[dep], c)
		}
	}

	var ready []string
	for _, c := range classes {
		if inDegree[c] == 0 {
			ready = append(ready, c)
		}
	}

	var plan []string
	visited := make(map[string]bool)
	for len(ready) > 0 {
		next := ready[0]
		ready = ready[1:]
		if visited[next] {
			continue
		}
		visited[next] = true
		plan = append(plan, next)
		for _, dependent := range dependents[next] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
	}

	for _, c := range classes {
		if !visited[c] {
			plan = append(plan, c)
		}
	}
	return plan
}

func copyState(state map[string]any) map[string]any {
	out := make(map[string]any, len(state))
	for k, v := range state {
		out[k] = v
	}
	return out
}
