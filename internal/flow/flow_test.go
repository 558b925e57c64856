package flow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bytehot/engine/internal/event"
	"github.com/bytehot/engine/internal/store/memory"
)

func appendAt(t *testing.T, es *memory.Store, aggType, aggID string, eventType event.Type, ts time.Time) event.Base {
	t.Helper()
	ctx := context.Background()
	version, err := es.CurrentVersion(ctx, aggType, aggID)
	require.NoError(t, err)
	base := event.NewBase(eventType, aggType, aggID, version+1, "", event.NewCorrelationID(), "")
	base.Timestamp = ts

	var payload event.Event
	switch eventType {
	case event.TypeClassFileChanged:
		payload = event.ClassFileChanged{Base: base, ClassName: "com.ex.A"}
	case event.TypeClassMetadataExtracted:
		payload = event.ClassMetadataExtracted{Base: base, ClassName: "com.ex.A"}
	case event.TypeBytecodeValidated:
		payload = event.BytecodeValidated{Base: base, ClassName: "com.ex.A"}
	case event.TypeHotSwapRequested:
		payload = event.HotSwapRequested{Base: base, ClassName: "com.ex.A"}
	case event.TypeClassRedefinitionSucceeded:
		payload = event.ClassRedefinitionSucceeded{Base: base, ClassName: "com.ex.A"}
	case event.TypeInstancesUpdated:
		payload = event.InstancesUpdated{Base: base, ClassName: "com.ex.A"}
	case event.TypeClassRedefinitionFailed:
		payload = event.ClassRedefinitionFailed{Base: base, ClassName: "com.ex.A"}
	default:
		t.Fatalf("unhandled event type in test helper: %s", eventType)
	}

	require.NoError(t, es.Append(ctx, aggType, aggID, version, []event.Event{payload}))
	return base
}

func TestScan_HotSwapCompleteFlow_Minimal(t *testing.T) {
	es := memory.New(nil)
	base := time.Now()
	appendAt(t, es, event.AggregateFileWatch, "filewatch:/src/A.class", event.TypeClassFileChanged, base)
	appendAt(t, es, event.AggregateHotSwap, "hotswap:com.ex.A", event.TypeClassMetadataExtracted, base.Add(1*time.Second))
	appendAt(t, es, event.AggregateHotSwap, "hotswap:com.ex.A", event.TypeBytecodeValidated, base.Add(2*time.Second))
	appendAt(t, es, event.AggregateHotSwap, "hotswap:com.ex.A", event.TypeHotSwapRequested, base.Add(3*time.Second))
	appendAt(t, es, event.AggregateHotSwap, "hotswap:com.ex.A", event.TypeClassRedefinitionSucceeded, base.Add(4*time.Second))
	appendAt(t, es, event.AggregateHotSwap, "hotswap:com.ex.A", event.TypeInstancesUpdated, base.Add(5*time.Second))

	d := New(es, []Pattern{BuiltinPatterns()[0]}, 0.9, nil)
	matches, err := d.Scan(context.Background(), base.Add(-time.Second), base.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "Hot-Swap Complete Flow", matches[0].Pattern.Name)
	assert.GreaterOrEqual(t, matches[0].Confidence, 0.9)

	events, err := es.EventsFor(context.Background(), event.AggregateFlow, event.FlowAggregateID("hotswap-complete"))
	require.NoError(t, err)
	require.Len(t, events, 1)
	fd, ok := events[0].(event.FlowDiscovered)
	require.True(t, ok)
	assert.Equal(t, "Hot-Swap Complete Flow", fd.FlowName)
	assert.Len(t, fd.TriggeringEvents, 6)
}

func TestScan_ErrorRecoveryFlow_SingleEventMatches(t *testing.T) {
	es := memory.New(nil)
	base := time.Now()
	appendAt(t, es, event.AggregateHotSwap, "hotswap:com.ex.B", event.TypeClassRedefinitionFailed, base)

	d := New(es, []Pattern{BuiltinPatterns()[1]}, 0.5, nil)
	matches, err := d.Scan(context.Background(), base.Add(-time.Second), base.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.InDelta(t, 0.85, matches[0].Confidence, 0.001)
}

func TestScan_PastWindowAppliesTimePenalty(t *testing.T) {
	es := memory.New(nil)
	base := time.Now()
	appendAt(t, es, event.AggregateFileWatch, "filewatch:/src/A.class", event.TypeClassFileChanged, base)
	appendAt(t, es, event.AggregateHotSwap, "hotswap:com.ex.A", event.TypeClassMetadataExtracted, base.Add(10*time.Second))
	appendAt(t, es, event.AggregateHotSwap, "hotswap:com.ex.A", event.TypeBytecodeValidated, base.Add(20*time.Second))
	appendAt(t, es, event.AggregateHotSwap, "hotswap:com.ex.A", event.TypeHotSwapRequested, base.Add(45*time.Second)) // past the 30s window

	d := New(es, []Pattern{BuiltinPatterns()[0]}, 0, nil)
	matches, err := d.Scan(context.Background(), base.Add(-time.Second), base.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Less(t, matches[0].Confidence, 0.95*(3.0/6.0), "exceeding the window must apply a time penalty on top of the length ratio")
}

func TestScan_IterativeDevelopment_AlternationRequired(t *testing.T) {
	es := memory.New(nil)
	base := time.Now()
	appendAt(t, es, event.AggregateFileWatch, "filewatch:/src/A.class", event.TypeClassFileChanged, base)
	appendAt(t, es, event.AggregateHotSwap, "hotswap:com.ex.A", event.TypeBytecodeValidated, base.Add(1*time.Second))
	appendAt(t, es, event.AggregateFileWatch, "filewatch:/src/A.class", event.TypeClassFileChanged, base.Add(2*time.Second))
	appendAt(t, es, event.AggregateHotSwap, "hotswap:com.ex.A", event.TypeBytecodeValidated, base.Add(3*time.Second))

	d := New(es, []Pattern{BuiltinPatterns()[2]}, 0, nil)
	matches, err := d.Scan(context.Background(), base.Add(-time.Second), base.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, 0.8, matches[0].Confidence, "clean alternation must not incur the condition penalty")
}

func TestScan_RepeatedMatchChainsPreviousEventID(t *testing.T) {
	es := memory.New(nil)
	base := time.Now()
	appendAt(t, es, event.AggregateHotSwap, "hotswap:com.ex.B", event.TypeClassRedefinitionFailed, base)

	d := New(es, []Pattern{BuiltinPatterns()[1]}, 0.5, nil)
	_, err := d.Scan(context.Background(), base.Add(-time.Second), base.Add(time.Minute))
	require.NoError(t, err)

	// A second, later failure re-matches the same single-event pattern,
	// producing a second FlowDiscovered on the same flow:<pattern-id> aggregate.
	appendAt(t, es, event.AggregateHotSwap, "hotswap:com.ex.C", event.TypeClassRedefinitionFailed, base.Add(time.Minute))
	_, err = d.Scan(context.Background(), base.Add(30*time.Second), base.Add(2*time.Minute))
	require.NoError(t, err)

	events, err := es.EventsFor(context.Background(), event.AggregateFlow, event.FlowAggregateID("error-recovery"))
	require.NoError(t, err)
	require.Len(t, events, 2)

	first, ok := events[0].(event.FlowDiscovered)
	require.True(t, ok)
	second, ok := events[1].(event.FlowDiscovered)
	require.True(t, ok)

	assert.Empty(t, first.PreviousEventID)
	assert.Equal(t, first.EventID, second.PreviousEventID, "the second match on the same pattern must chain to the first's event_id")
}

func TestScan_BelowMinConfidenceDiscarded(t *testing.T) {
	es := memory.New(nil)
	base := time.Now()
	appendAt(t, es, event.AggregateHotSwap, "hotswap:com.ex.B", event.TypeClassRedefinitionFailed, base)

	d := New(es, []Pattern{BuiltinPatterns()[1]}, 0.99, nil)
	matches, err := d.Scan(context.Background(), base.Add(-time.Second), base.Add(time.Minute))
	require.NoError(t, err)
	assert.Empty(t, matches)
}
