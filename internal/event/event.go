// Package event defines ByteHot's event model: a tagged union of immutable,
// causally-linked domain events appended to the per-aggregate event store.
//
// Every event carries a Base header (identity, aggregate linkage, causal
// metadata) plus a payload specific to its Type. There are no object
// back-pointers between events; a response event references the event that
// caused it by ID (CausationID), never by embedding or pointing at the
// triggering event's Go value.
package event

import (
	"time"

	"github.com/google/uuid"
)

// Type identifies the concrete shape of an event's payload.
type Type string

const (
	TypeClassFileCreated          Type = "ClassFileCreated"
	TypeClassFileChanged          Type = "ClassFileChanged"
	TypeClassFileDeleted          Type = "ClassFileDeleted"
	TypeClassMetadataExtracted    Type = "ClassMetadataExtracted"
	TypeBytecodeValidated         Type = "BytecodeValidated"
	TypeBytecodeRejected          Type = "BytecodeRejected"
	TypeHotSwapRequested          Type = "HotSwapRequested"
	TypeClassRedefinitionSucceeded Type = "ClassRedefinitionSucceeded"
	TypeClassRedefinitionFailed   Type = "ClassRedefinitionFailed"
	TypeInstancesUpdated          Type = "InstancesUpdated"
	TypeRollbackSnapshotCreated   Type = "RollbackSnapshotCreated"
	TypeRollbackApplied           Type = "RollbackApplied"
	TypeRollbackFailed            Type = "RollbackFailed"
	TypeFlowDiscovered            Type = "FlowDiscovered"
	TypeErrorCaptured             Type = "ErrorCaptured"
)

// Aggregate type namespaces. An aggregate ID is always "<type>:<key>".
const (
	AggregateHotSwap   = "hotswap"   // key: fully-qualified class name
	AggregateFileWatch = "filewatch" // key: watched file path
	AggregateFlow      = "flow"      // key: detector/pattern id
	AggregateErrorSnap = "errorsnap" // key: error_id
)

// HotSwapAggregateID returns the aggregate ID for a class under hot-swap.
func HotSwapAggregateID(fqn string) string { return AggregateHotSwap + ":" + fqn }

// FileWatchAggregateID returns the aggregate ID for a watched file.
func FileWatchAggregateID(path string) string { return AggregateFileWatch + ":" + path }

// FlowAggregateID returns the aggregate ID for a flow pattern's match stream.
func FlowAggregateID(patternID string) string { return AggregateFlow + ":" + patternID }

// ErrorSnapAggregateID returns the aggregate ID for a captured error.
func ErrorSnapAggregateID(errorID string) string { return AggregateErrorSnap + ":" + errorID }

// Base is the common causal-metadata header every event carries (spec §3).
type Base struct {
	EventID          string    `json:"event_id"`
	EventType        Type      `json:"event_type"`
	AggregateType    string    `json:"aggregate_type"`
	AggregateID      string    `json:"aggregate_id"`
	AggregateVersion int64     `json:"aggregate_version"`
	Timestamp        time.Time `json:"timestamp"`
	PreviousEventID  string    `json:"previous_event_id,omitempty"`
	SchemaVersion    int       `json:"schema_version"`
	CorrelationID    string    `json:"correlation_id"`
	CausationID      string    `json:"causation_id,omitempty"`
	UserID           string    `json:"user_id,omitempty"`
	StreamPosition   int64     `json:"stream_position,omitempty"`
}

// CurrentSchemaVersion is the schema_version stamped onto newly-constructed events.
const CurrentSchemaVersion = 1

// Event is the tagged-union interface every concrete event payload implements.
type Event interface {
	GetBase() Base
}

// GetBase implements Event for any type embedding Base directly.
func (b Base) GetBase() Base { return b }

// NewCorrelationID mints a fresh correlation ID for a new logical flow (one
// file-watch detection cycle, one hot-swap attempt chain, one flow-detector
// run). Distinct from a correlation ID continued via Caused.
func NewCorrelationID() string { return uuid.NewString() }

// NewBase builds the common header for a new event. previousEventID is the
// id of the last event appended to the same aggregate (empty for the first
// event in a stream, enforcing I1's event chain). correlationID identifies
// the end-to-end flow; causationID is the event ID that directly triggered
// this one (empty for root events, enforcing I5 for response events).
func NewBase(eventType Type, aggregateType, aggregateID string, version int64, previousEventID, correlationID, causationID string) Base {
	return Base{
		EventID:          uuid.NewString(),
		EventType:        eventType,
		AggregateType:    aggregateType,
		AggregateID:      aggregateID,
		AggregateVersion: version,
		Timestamp:        time.Now(),
		PreviousEventID:  previousEventID,
		SchemaVersion:    CurrentSchemaVersion,
		CorrelationID:    correlationID,
		CausationID:      causationID,
	}
}

// Caused returns a new causally-linked header: the returned header's
// CausationID is cause's EventID and its CorrelationID is cause's
// CorrelationID (spec I5: response events must link back to their cause).
func Caused(cause Base, eventType Type, aggregateType, aggregateID string, version int64, previousEventID string) Base {
	return NewBase(eventType, aggregateType, aggregateID, version, previousEventID, cause.CorrelationID, cause.EventID)
}

// ClassFileCreated records that a new class file appeared under the watch root.
type ClassFileCreated struct {
	Base
	ClassFile  string    `json:"class_file"`
	ClassName  string    `json:"class_name"`
	FileSize   int64     `json:"file_size"`
	DetectedAt time.Time `json:"detected_at"`
}

// ClassFileChanged records that a watched class file's contents changed.
type ClassFileChanged struct {
	Base
	ClassFile  string    `json:"class_file"`
	ClassName  string    `json:"class_name"`
	FileSize   int64     `json:"file_size"`
	DetectedAt time.Time `json:"detected_at"`
}

// ClassFileDeleted records that a watched class file disappeared.
type ClassFileDeleted struct {
	Base
	ClassFile  string    `json:"class_file"`
	ClassName  string    `json:"class_name"`
	DetectedAt time.Time `json:"detected_at"`
}

// ClassMetadataExtracted records the structural metadata read from a class file.
type ClassMetadataExtracted struct {
	Base
	ClassFile  string   `json:"class_file"`
	ClassName  string   `json:"class_name"`
	SuperClass string   `json:"super_class"`
	Interfaces []string `json:"interfaces"`
	Fields     []string `json:"fields"`
	Methods    []string `json:"methods"`
}

// RejectedChange describes one structural incompatibility found by the validator.
type RejectedChange struct {
	Kind   string `json:"kind"` // added|removed|typechanged|hierarchy|interface|malformed
	Member string `json:"member"`
	Detail string `json:"details"`
}

// BytecodeValidated records that redefinition compatibility checks passed.
type BytecodeValidated struct {
	Base
	ClassFile string `json:"class_file"`
	ClassName string `json:"class_name"`
}

// BytecodeRejected records that redefinition compatibility checks failed.
type BytecodeRejected struct {
	Base
	ClassFile       string           `json:"class_file"`
	ClassName       string           `json:"class_name"`
	Reason          string           `json:"reason"`
	RejectedChanges []RejectedChange `json:"rejected_changes"`
	RecoveryAction  string           `json:"recovery_action"`
}

// HotSwapRequested records a request to redefine a class's bytecode at runtime.
type HotSwapRequested struct {
	Base
	ClassFile         string `json:"class_file"`
	ClassName         string `json:"class_name"`
	OriginalChecksum  string `json:"original_checksum"`
	NewChecksum       string `json:"new_checksum"`
	Reason            string `json:"reason"`
	PrecedingEventID  string `json:"preceding_event_id"`
	NewBytecode       []byte `json:"-"` // carried in-process only, never persisted verbatim
}

// FailureClass enumerates the hot-swap coordinator's failure taxonomy (spec §4.4/§7).
type FailureClass string

const (
	FailureSchemaChange      FailureClass = "schema_change"
	FailureUnsupportedChange FailureClass = "unsupported_change"
	FailureClassNotLoaded    FailureClass = "class_not_loaded"
	FailureVMRejected        FailureClass = "vm_rejected"
	FailureEngineError       FailureClass = "engine_error"
)

// ClassRedefinitionSucceeded records a successful runtime bytecode swap.
type ClassRedefinitionSucceeded struct {
	Base
	ClassName         string        `json:"class_name"`
	ClassFile         string        `json:"class_file"`
	AffectedInstances int           `json:"affected_instances"`
	Details           string        `json:"details"`
	Duration          time.Duration `json:"duration"`
}

// ClassRedefinitionFailed records a failed runtime bytecode swap.
type ClassRedefinitionFailed struct {
	Base
	ClassName      string       `json:"class_name"`
	ClassFile      string       `json:"class_file"`
	Kind           FailureClass `json:"kind"`
	Reason         string       `json:"reason"`
	VMError        string       `json:"vm_error,omitempty"`
	RecoveryAction string       `json:"recovery_action"`
}

// InstanceUpdateError is one framework adapter's failure to refresh a
// specific instance (spec §4.5 partial-failure reporting).
type InstanceUpdateError struct {
	InstanceID string `json:"instance_id"`
	Adapter    string `json:"adapter"`
	Reason     string `json:"reason"`
}

// InstancesUpdated records that the reconciler finished fanning the swap out
// to framework adapters. Always emitted strictly after ClassRedefinitionSucceeded.
type InstancesUpdated struct {
	Base
	ClassName            string                `json:"class_name"`
	UpdatedInstanceCount int                   `json:"updated_instance_count"`
	Strategy             string                `json:"strategy"`
	Partial              bool                  `json:"partial"`
	Errors               []InstanceUpdateError `json:"errors,omitempty"`
}

// InstanceStateSnapshot captures one live instance's non-transient field
// state for rollback restoration.
type InstanceStateSnapshot struct {
	InstanceID string         `json:"instance_id"`
	State      map[string]any `json:"state"`
}

// RollbackSnapshotCreated records a captured pre-swap snapshot.
type RollbackSnapshotCreated struct {
	Base
	ClassName       string                  `json:"class_name"`
	SnapshotID      string                  `json:"snapshot_id"`
	PriorSnapshotID string                  `json:"prior_snapshot_id,omitempty"`
	CapturedAt      time.Time               `json:"captured_at"`
	PriorChecksum   string                  `json:"prior_checksum"`
	Instances       []InstanceStateSnapshot `json:"instances"`
}

// RollbackApplied records a completed rollback to a prior snapshot.
type RollbackApplied struct {
	Base
	ClassName  string   `json:"class_name"`
	SnapshotID string   `json:"snapshot_id"`
	Cascaded   []string `json:"cascaded,omitempty"`
}

// RollbackFailed records a rollback attempt that could not complete.
type RollbackFailed struct {
	Base
	ClassName  string `json:"class_name"`
	SnapshotID string `json:"snapshot_id"`
	Reason     string `json:"reason"`
}

// FlowDiscovered records a recognized multi-event sequence pattern.
type FlowDiscovered struct {
	Base
	FlowName          string   `json:"flow_name"`
	TriggeringEvents  []string `json:"triggering_events"`
	Confidence        float64  `json:"confidence"`
	DiscoveredAt      time.Time `json:"discovered_at"`
}

// ErrorCaptured records a classified error plus the event-window snapshot
// taken for bug reproduction (spec §4.7).
type ErrorCaptured struct {
	Base
	ErrorID       string   `json:"error_id"`
	ErrorClass    string   `json:"error_class"`
	Message       string   `json:"message"`
	CapturedEventIDs []string `json:"captured_event_ids"`
	Fallback      bool     `json:"fallback"`
}
