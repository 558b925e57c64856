package store

import (
	"encoding/json"
	"fmt"

	"github.com/bytehot/engine/internal/event"
)

// Encode serializes an Event to its on-disk JSON representation (spec §6
// "persisted event record"). The Base header fields are inlined alongside
// the payload since every concrete event type embeds event.Base.
func Encode(e event.Event) ([]byte, error) {
	return json.Marshal(e)
}

// Decode reconstructs a concrete event.Event from its on-disk JSON bytes. It
// first reads the common header to learn event_type, then unmarshals the
// full record into the matching concrete struct.
func Decode(data []byte) (event.Event, error) {
	var hdr event.Base
	if err := json.Unmarshal(data, &hdr); err != nil {
		return nil, fmt.Errorf("decode event header: %w", err)
	}

	target, err := newEventByType(hdr.EventType)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(data, target); err != nil {
		return nil, fmt.Errorf("decode event payload (%s): %w", hdr.EventType, err)
	}

	return derefEvent(target), nil
}

func newEventByType(t event.Type) (interface{}, error) {
	switch t {
	case event.TypeClassFileCreated:
		return &event.ClassFileCreated{}, nil
	case event.TypeClassFileChanged:
		return &event.ClassFileChanged{}, nil
	case event.TypeClassFileDeleted:
		return &event.ClassFileDeleted{}, nil
	case event.TypeClassMetadataExtracted:
		return &event.ClassMetadataExtracted{}, nil
	case event.TypeBytecodeValidated:
		return &event.BytecodeValidated{}, nil
	case event.TypeBytecodeRejected:
		return &event.BytecodeRejected{}, nil
	case event.TypeHotSwapRequested:
		return &event.HotSwapRequested{}, nil
	case event.TypeClassRedefinitionSucceeded:
		return &event.ClassRedefinitionSucceeded{}, nil
	case event.TypeClassRedefinitionFailed:
		return &event.ClassRedefinitionFailed{}, nil
	case event.TypeInstancesUpdated:
		return &event.InstancesUpdated{}, nil
	case event.TypeRollbackSnapshotCreated:
		return &event.RollbackSnapshotCreated{}, nil
	case event.TypeRollbackApplied:
		return &event.RollbackApplied{}, nil
	case event.TypeRollbackFailed:
		return &event.RollbackFailed{}, nil
	case event.TypeFlowDiscovered:
		return &event.FlowDiscovered{}, nil
	case event.TypeErrorCaptured:
		return &event.ErrorCaptured{}, nil
	default:
		return nil, fmt.Errorf("unknown event type %q", t)
	}
}

// derefEvent converts the pointer returned by newEventByType into the
// value-receiver event.Event the rest of the codebase works with, since
// every concrete type's GetBase() is defined on the embedded Base value.
func derefEvent(ptr interface{}) event.Event {
	switch v := ptr.(type) {
	case *event.ClassFileCreated:
		return *v
	case *event.ClassFileChanged:
		return *v
	case *event.ClassFileDeleted:
		return *v
	case *event.ClassMetadataExtracted:
		return *v
	case *event.BytecodeValidated:
		return *v
	case *event.BytecodeRejected:
		return *v
	case *event.HotSwapRequested:
		return *v
	case *event.ClassRedefinitionSucceeded:
		return *v
	case *event.ClassRedefinitionFailed:
		return *v
	case *event.InstancesUpdated:
		return *v
	case *event.RollbackSnapshotCreated:
		return *v
	case *event.RollbackApplied:
		return *v
	case *event.RollbackFailed:
		return *v
	case *event.FlowDiscovered:
		return *v
	case *event.ErrorCaptured:
		return *v
	default:
		panic(fmt.Sprintf("store: unhandled event pointer type %T", ptr))
	}
}
