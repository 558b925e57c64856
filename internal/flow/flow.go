// Package flow implements the flow detector (spec §4.8): it watches the
// global event stream for predefined multi-step patterns — a completed
// hot-swap, an error-recovery cycle, a burst of iterative edit/validate
// cycles — and emits a FlowDiscovered event with a confidence score when one
// is recognized.
package flow

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/bytehot/engine/internal/event"
	"github.com/bytehot/engine/internal/store"
)

// Pattern describes one recognizable flow shape.
type Pattern struct {
	ID             string
	Name           string
	Sequence       []event.Type  // ordered event types the pattern looks for, as a subsequence
	MaxWindow      time.Duration // matched sequences spanning longer than this get a lower confidence
	MinEvents      int           // minimum subsequence length to count as a match at all
	BaseConfidence float64

	// Predicate, if set, is evaluated against the matched events and applies
	// condition_penalty (0.5) when it returns false. Used by patterns whose
	// shape isn't just an ordered type subsequence (e.g. strict alternation).
	Predicate func(matched []event.Event) bool
}

// BuiltinPatterns returns the three patterns named in spec §4.8.
func BuiltinPatterns() []Pattern {
	return []Pattern{
		{
			ID:   "hotswap-complete",
			Name: "Hot-Swap Complete Flow",
			Sequence: []event.Type{
				event.TypeClassFileChanged,
				event.TypeClassMetadataExtracted,
				event.TypeBytecodeValidated,
				event.TypeHotSwapRequested,
				event.TypeClassRedefinitionSucceeded,
				event.TypeInstancesUpdated,
			},
			MaxWindow:      30 * time.Second,
			MinEvents:      4,
			BaseConfidence: 0.95,
		},
		{
			ID:             "error-recovery",
			Name:           "Error Recovery Flow",
			Sequence:       []event.Type{event.TypeClassRedefinitionFailed},
			MaxWindow:      2 * time.Minute,
			MinEvents:      1,
			BaseConfidence: 0.85,
		},
		{
			ID:   "iterative-development",
			Name: "Iterative Development Flow",
			Sequence: []event.Type{
				event.TypeClassFileChanged, event.TypeBytecodeValidated,
				event.TypeClassFileChanged, event.TypeBytecodeValidated,
			},
			MaxWindow:      5 * time.Minute,
			MinEvents:      4,
			BaseConfidence: 0.8,
			Predicate:      isStrictAlternation,
		},
	}
}

// isStrictAlternation rejects a match where two consecutive matched events
// share a type — the "alternating modify→validate clusters" shape spec
// §4.8 asks for, rather than a run of edits followed by a run of validations.
func isStrictAlternation(matched []event.Event) bool {
	for i := 1; i < len(matched); i++ {
		if matched[i].GetBase().EventType == matched[i-1].GetBase().EventType {
			return false
		}
	}
	return true
}

// Match is one recognized occurrence of a pattern.
type Match struct {
	Pattern    Pattern
	Events     []event.Event
	Confidence float64
}

// Detector scans the store for pattern matches, the way the teacher's event
// bus fans a stream out to subscribers — here each pattern is its own
// "subscriber" draining the same ordered read instead of a live channel.
type Detector struct {
	store         store.EventStore
	patterns      []Pattern
	minConfidence float64
	logger        *slog.Logger

	mu          sync.Mutex
	lastEventID map[string]string // last FlowDiscovered event_id appended per pattern ID, for I1's causal chain

	// Publish, if set, is called with every FlowDiscovered this Detector
	// persists, so a caller can fan it out live (e.g. to
	// internal/introspect's WebSocket feed) without this package depending
	// on anything downstream of the event store.
	Publish func(event.FlowDiscovered)
}

// New creates a Detector. minConfidence is the floor below which a match is
// discarded without emitting FlowDiscovered (spec §4.8: "only when c >=
// minimum_confidence supplied in the request").
func New(es store.EventStore, patterns []Pattern, minConfidence float64, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	if patterns == nil {
		patterns = BuiltinPatterns()
	}
	return &Detector{
		store:         es,
		patterns:      patterns,
		minConfidence: minConfidence,
		logger:        logger,
		lastEventID:   make(map[string]string),
	}
}

// Scan reads events between start and end and returns every pattern match
// that clears minConfidence, appending FlowDiscovered to flow:<pattern_id>
// for each one found.
func (d *Detector) Scan(ctx context.Context, start, end time.Time) ([]Match, error) {
	events, err := d.store.EventsBetween(ctx, start, end)
	if err != nil {
		return nil, err
	}

	var matches []Match
	for _, p := range d.patterns {
		m, ok := matchPattern(p, events)
		if !ok {
			continue
		}
		if m.Confidence < d.minConfidence {
			d.logger.Debug("flow match below confidence floor", "pattern", p.ID, "confidence", m.Confidence)
			continue
		}
		if err := d.emit(ctx, m); err != nil {
			return matches, err
		}
		matches = append(matches, m)
	}
	return matches, nil
}

// matchPattern finds the earliest ordered subsequence of events whose types
// follow p.Sequence (possibly interleaved with unrelated events), scores it,
// and reports whether it clears MinEvents. Exceeding MaxWindow does not reject
// the match; it only lowers the score.
func matchPattern(p Pattern, events []event.Event) (Match, bool) {
	seqIdx := 0
	var matched []event.Event
	for _, e := range events {
		if seqIdx >= len(p.Sequence) {
			break
		}
		if e.GetBase().EventType == p.Sequence[seqIdx] {
			matched = append(matched, e)
			seqIdx++
		}
	}

	if len(matched) < p.MinEvents {
		return Match{}, false
	}

	first := matched[0].GetBase().Timestamp
	last := matched[len(matched)-1].GetBase().Timestamp
	duration := last.Sub(first)

	confidence := scoreConfidence(p, matched, duration)
	return Match{Pattern: p, Events: matched, Confidence: confidence}, true
}

// scoreConfidence implements spec §4.8's formula:
// c = base_confidence * min(1, observed/expected_length) * time_penalty * condition_penalty
func scoreConfidence(p Pattern, matched []event.Event, duration time.Duration) float64 {
	observed := float64(len(matched))
	expected := float64(len(p.Sequence))
	lengthRatio := observed / expected
	if lengthRatio > 1 {
		lengthRatio = 1
	}

	timePenalty := 1.0
	if duration > p.MaxWindow {
		ratio := p.MaxWindow.Seconds() / duration.Seconds()
		if ratio < 0.5 {
			ratio = 0.5
		}
		timePenalty = ratio
	}

	conditionPenalty := 1.0
	if p.Predicate != nil && !p.Predicate(matched) {
		conditionPenalty = 0.5
	}

	c := p.BaseConfidence * lengthRatio * timePenalty * conditionPenalty
	if c < 0 {
		c = 0
	}
	if c > 1 {
		c = 1
	}
	return c
}

func (d *Detector) emit(ctx context.Context, m Match) error {
	aggregateID := event.FlowAggregateID(m.Pattern.ID)
	current, err := d.store.CurrentVersion(ctx, event.AggregateFlow, aggregateID)
	if err != nil {
		return err
	}

	triggering := make([]string, len(m.Events))
	for i, e := range m.Events {
		triggering[i] = e.GetBase().EventID
	}

	correlationID := event.NewCorrelationID()
	if len(m.Events) > 0 {
		correlationID = m.Events[0].GetBase().CorrelationID
	}

	d.mu.Lock()
	previousEventID := d.lastEventID[m.Pattern.ID]
	d.mu.Unlock()

	discovered := event.FlowDiscovered{
		Base:             event.NewBase(event.TypeFlowDiscovered, event.AggregateFlow, aggregateID, current+1, previousEventID, correlationID, ""),
		FlowName:         m.Pattern.Name,
		TriggeringEvents: triggering,
		Confidence:       m.Confidence,
		DiscoveredAt:     time.Now(),
	}

	if err := d.store.Append(ctx, event.AggregateFlow, aggregateID, current, []event.Event{discovered}); err != nil {
		return err
	}

	d.mu.Lock()
	d.lastEventID[m.Pattern.ID] = discovered.EventID
	d.mu.Unlock()

	if d.Publish != nil {
		d.Publish(discovered)
	}
	return nil
}
