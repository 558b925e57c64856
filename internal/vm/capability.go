// Package vm defines the abstract VM instrumentation capability the engine
// redefines classes through (spec §6 "VM instrumentation capability"), plus
// a deterministic fake implementation used by tests and the reference
// cmd/bytehotd wiring when no real agent-attach capability is available.
package vm

import (
	"fmt"
	"sync"
)

// ClassHandle identifies a class the capability has previously loaded.
type ClassHandle struct {
	FQN      string
	Bytecode []byte
}

// VmErrorCategory classifies why redefine_class rejected a change, feeding
// directly into internal/hotswap's failure-classification table (spec §4.4).
type VmErrorCategory string

const (
	VmErrorSchemaChange      VmErrorCategory = "schema_change"
	VmErrorUnsupportedChange VmErrorCategory = "unsupported_change"
	VmErrorClassNotLoaded    VmErrorCategory = "class_not_loaded"
	VmErrorRejected          VmErrorCategory = "vm_rejected"
)

// VmError is returned by Capability.RedefineClass when the VM refuses a
// redefinition.
type VmError struct {
	Category VmErrorCategory
	Message  string
}

func (e *VmError) Error() string {
	return fmt.Sprintf("vm rejected redefinition (%s): %s", e.Category, e.Message)
}

// Capability is the abstract instrumentation surface spec §6 requires.
// Engines refuse to start if IsRedefinitionSupported() is false.
type Capability interface {
	FindLoadedClass(fqn string) (*ClassHandle, bool)
	RedefineClass(handle *ClassHandle, newBytes []byte) error
	IsRetransformationSupported() bool
	IsRedefinitionSupported() bool
	AllLoadedClasses() []*ClassHandle

	// AllLoadedInstances enumerates live instances of fqn. Per the Open
	// Question decision in DESIGN.md, affected_instances is always derived
	// from this enumeration, never heuristic bytecode inspection.
	AllLoadedInstances(fqn string) []InstanceHandle

	// SupportsAccessFlagChange reports whether the target VM accepts a
	// given method's access-flag change from old to new. The reference
	// fake denies all changes, matching spec §9's "no access-flag changes
	// unless the adapter declares support" default.
	SupportsAccessFlagChange(fqn, method string, oldFlags, newFlags uint16) bool

	// RestoreInstanceState writes a rollback snapshot's captured field state
	// back onto a live instance. Used by internal/snapshot when applying a
	// rollback; returns an error if the instance is no longer live.
	RestoreInstanceState(fqn, instanceID string, state map[string]any) error
}

// InstanceHandle identifies one live instance for reconciliation purposes.
type InstanceHandle struct {
	ID    string
	State map[string]any
}

// FakeCapability is a deterministic, in-process Capability used by tests and
// by cmd/bytehotd when run without a real agent-attach bridge. Classes are
// "loaded" by registering them; instances are tracked in memory.
type FakeCapability struct {
	mu        sync.Mutex
	classes   map[string]*ClassHandle
	instances map[string][]InstanceHandle
	rejectFQN map[string]*VmError
}

// NewFakeCapability returns an empty FakeCapability that supports both
// retransformation and redefinition.
func NewFakeCapability() *FakeCapability {
	return &FakeCapability{
		classes:   make(map[string]*ClassHandle),
		instances: make(map[string][]InstanceHandle),
		rejectFQN: make(map[string]*VmError),
	}
}

// LoadClass registers fqn as loaded with the given bytecode, as if the VM
// had classloaded it at startup.
func (f *FakeCapability) LoadClass(fqn string, bytecode []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.classes[fqn] = &ClassHandle{FQN: fqn, Bytecode: bytecode}
}

// AddInstance registers a live instance of fqn, for AllLoadedInstances and
// reconciliation tests.
func (f *FakeCapability) AddInstance(fqn string, inst InstanceHandle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.instances[fqn] = append(f.instances[fqn], inst)
}

// RejectNext makes the next RedefineClass call for fqn fail with err,
// simulating a VM that refuses a particular change.
func (f *FakeCapability) RejectNext(fqn string, err *VmError) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejectFQN[fqn] = err
}

func (f *FakeCapability) FindLoadedClass(fqn string) (*ClassHandle, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.classes[fqn]
	return h, ok
}

func (f *FakeCapability) RedefineClass(handle *ClassHandle, newBytes []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if handle == nil {
		return &VmError{Category: VmErrorClassNotLoaded, Message: "nil class handle"}
	}
	if rejected, ok := f.rejectFQN[handle.FQN]; ok {
		delete(f.rejectFQN, handle.FQN)
		return rejected
	}

	current, ok := f.classes[handle.FQN]
	if !ok {
		return &VmError{Category: VmErrorClassNotLoaded, Message: "class not found: " + handle.FQN}
	}
	current.Bytecode = newBytes
	return nil
}

func (f *FakeCapability) IsRetransformationSupported() bool { return true }
func (f *FakeCapability) IsRedefinitionSupported() bool     { return true }

func (f *FakeCapability) AllLoadedClasses() []*ClassHandle {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]*ClassHandle, 0, len(f.classes))
	for _, h := range f.classes {
		out = append(out, h)
	}
	return out
}

func (f *FakeCapability) AllLoadedInstances(fqn string) []InstanceHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]InstanceHandle(nil), f.instances[fqn]...)
}

// SupportsAccessFlagChange accepts only identical flags: the reference fake implements the
// conservative default spec §9 mandates absent an adapter that declares
// broader support.
func (f *FakeCapability) SupportsAccessFlagChange(fqn, method string, oldFlags, newFlags uint16) bool {
	return oldFlags == newFlags
}

func (f *FakeCapability) RestoreInstanceState(fqn, instanceID string, state map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	instances := f.instances[fqn]
	for i := range instances {
		if instances[i].ID == instanceID {
			instances[i].State = state
			return nil
		}
	}
	return fmt.Errorf("instance not live: %s/%s", fqn, instanceID)
}
