// Package pipeline wires ByteHot's per-component stages into the single
// reactive chain spec §4 describes end to end: a watched class file changes,
// its metadata is extracted and validated, and — if compatible — a hot-swap
// is requested and performed. It owns no domain logic of its own; it is the
// teacher main.go's "construct each layer, hand the next layer's dependency
// to the one before it" wiring, lifted out of cmd/bytehotd so the binary
// stays a thin flag-and-signal shell.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/bytehot/engine/internal/errorsnap"
	"github.com/bytehot/engine/internal/event"
	"github.com/bytehot/engine/internal/hotswap"
	"github.com/bytehot/engine/internal/store"
	"github.com/bytehot/engine/internal/validator"
	"github.com/bytehot/engine/internal/worker"
)

// Pipeline reacts to file-watch events by validating and, when compatible,
// hot-swapping the changed class. Install it as a watch.Session's OnEvent
// hook.
type Pipeline struct {
	store       store.EventStore
	validator   *validator.Validator
	coordinator *hotswap.Coordinator
	capturer    *errorsnap.Capturer
	workers     *worker.Pool
	logger      *slog.Logger

	mu           sync.Mutex
	lastMeta     map[string]validator.ClassMetadata // fqn -> last accepted metadata
	lastChecksum map[string]string                  // fqn -> checksum of the last accepted image's raw bytes
}

// New creates a Pipeline. workers may be nil, in which case each file event
// is handled synchronously on the caller's goroutine (used by tests and by
// a single-threaded embedding).
func New(es store.EventStore, v *validator.Validator, coordinator *hotswap.Coordinator, capturer *errorsnap.Capturer, workers *worker.Pool, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		store:        es,
		validator:    v,
		coordinator:  coordinator,
		capturer:     capturer,
		workers:      workers,
		logger:       logger,
		lastMeta:     make(map[string]validator.ClassMetadata),
		lastChecksum: make(map[string]string),
	}
}

// HandleFileEvent is a watch.Session.OnEvent hook: it validates and
// hot-swaps ClassFileChanged/ClassFileCreated, ignoring anything else
// (deletions carry no new bytecode to act on).
func (p *Pipeline) HandleFileEvent(ctx context.Context, payload event.Event) {
	base := payload.GetBase()
	var classFile string
	switch e := payload.(type) {
	case event.ClassFileChanged:
		classFile = e.ClassFile
	case event.ClassFileCreated:
		classFile = e.ClassFile
	default:
		return
	}

	run := func(ctx context.Context) { p.process(ctx, classFile, base) }
	if p.workers == nil {
		run(ctx)
		return
	}
	if err := p.workers.Submit(ctx, run); err != nil {
		p.logger.Error("failed to submit validate/swap task", "class_file", classFile, "error", err)
	}
}

// process reads the changed file, extracts and validates its metadata, and
// drives the hot-swap coordinator through to completion. cause is the
// file-watch event that triggered this run, so every downstream event in
// the chain stays causally linked to it (spec I2/I5).
func (p *Pipeline) process(ctx context.Context, classFile string, cause event.Base) {
	raw, err := os.ReadFile(classFile)
	if err != nil {
		p.recordFailure(ctx, cause, fmt.Errorf("read class file %s: %w", classFile, err))
		return
	}

	img, err := validator.ExtractMetadata(raw)
	if err != nil {
		p.rejectMalformed(ctx, classFile, cause, err)
		return
	}
	fqn := img.Metadata.FQN
	aggregateID := event.HotSwapAggregateID(fqn)

	current, err := p.store.CurrentVersion(ctx, event.AggregateHotSwap, aggregateID)
	if err != nil {
		p.recordFailure(ctx, cause, err)
		return
	}

	extracted := event.ClassMetadataExtracted{
		Base:       event.Caused(cause, event.TypeClassMetadataExtracted, event.AggregateHotSwap, aggregateID, current+1, cause.EventID),
		ClassFile:  classFile,
		ClassName:  fqn,
		SuperClass: img.Metadata.SuperClass,
		Interfaces: img.Metadata.Interfaces,
		Fields:     img.Metadata.AsMetadataFields(),
		Methods:    img.Metadata.AsMetadataMethods(),
	}
	if err := p.store.Append(ctx, event.AggregateHotSwap, aggregateID, current, []event.Event{extracted}); err != nil {
		p.recordFailure(ctx, cause, err)
		return
	}

	p.mu.Lock()
	oldMeta := p.lastMeta[fqn]
	oldChecksum := p.lastChecksum[fqn]
	p.mu.Unlock()

	ok, rejected := p.validator.Validate(oldMeta, img.Metadata)
	current++

	if !ok {
		rejectedEvt := event.BytecodeRejected{
			Base:            event.Caused(extracted.Base, event.TypeBytecodeRejected, event.AggregateHotSwap, aggregateID, current+1, extracted.EventID),
			ClassFile:       classFile,
			ClassName:       fqn,
			Reason:          "incompatible structural change",
			RejectedChanges: rejected,
			RecoveryAction:  "Restart application to load new class definition",
		}
		if err := p.store.Append(ctx, event.AggregateHotSwap, aggregateID, current, []event.Event{rejectedEvt}); err != nil {
			p.logger.Error("failed to append BytecodeRejected", "class", fqn, "error", err)
		}
		return
	}

	validated := event.BytecodeValidated{
		Base:      event.Caused(extracted.Base, event.TypeBytecodeValidated, event.AggregateHotSwap, aggregateID, current+1, extracted.EventID),
		ClassFile: classFile,
		ClassName: fqn,
	}
	if err := p.store.Append(ctx, event.AggregateHotSwap, aggregateID, current, []event.Event{validated}); err != nil {
		p.recordFailure(ctx, cause, err)
		return
	}

	newChecksum := validator.Checksum(raw)
	p.mu.Lock()
	p.lastMeta[fqn] = img.Metadata
	p.lastChecksum[fqn] = newChecksum
	p.mu.Unlock()

	// oldChecksum is the previously-accepted image's checksum, cached at the
	// time it was accepted; a class seen for the first time has none.
	originalChecksum := ""
	if oldMeta.FQN != "" {
		originalChecksum = oldChecksum
	}

	req, err := p.coordinator.RequestHotSwap(ctx, fqn, classFile, originalChecksum, newChecksum, "file change detected", validated.Base)
	if err != nil {
		if !errors.Is(err, hotswap.ErrInFlight) {
			p.recordFailure(ctx, validated.Base, err)
		}
		return
	}

	if err := p.coordinator.PerformRedefinition(ctx, req, img.Body); err != nil {
		p.logger.Warn("hot-swap did not complete", "class", fqn, "error", err)
	}
}

// rejectMalformed appends BytecodeRejected(kind="malformed") for a class
// image that failed to decode (spec §4.3: "Malformed class file →
// BytecodeRejected(kind=malformed), not an exception"). The class name is
// unknown at this point, so the rejection lives on the hot-swap aggregate
// keyed by the file path rather than a fqn.
func (p *Pipeline) rejectMalformed(ctx context.Context, classFile string, cause event.Base, decodeErr error) {
	aggregateID := event.HotSwapAggregateID(classFile)
	current, err := p.store.CurrentVersion(ctx, event.AggregateHotSwap, aggregateID)
	if err != nil {
		p.recordFailure(ctx, cause, err)
		return
	}

	rejected := event.BytecodeRejected{
		Base:      event.Caused(cause, event.TypeBytecodeRejected, event.AggregateHotSwap, aggregateID, current+1, cause.EventID),
		ClassFile: classFile,
		Reason:    "malformed class image",
		RejectedChanges: []event.RejectedChange{{
			Kind:   "malformed",
			Member: "class_image",
			Detail: decodeErr.Error(),
		}},
		RecoveryAction: "Fix or regenerate the class file and save again",
	}
	if err := p.store.Append(ctx, event.AggregateHotSwap, aggregateID, current, []event.Event{rejected}); err != nil {
		p.logger.Error("failed to append BytecodeRejected for malformed class image", "class_file", classFile, "error", err)
	}
}

// recordFailure classifies and snapshots an error the pipeline cannot
// recover from, appending the resulting ErrorCaptured event so the
// operator-facing bug report (spec §4.7) survives past this process.
func (p *Pipeline) recordFailure(ctx context.Context, cause event.Base, failure error) {
	p.logger.Error("pipeline stage failed", "error", failure)
	if p.capturer == nil {
		return
	}
	captured := p.capturer.Capture(ctx, failure, "")
	payload := captured.AsErrorCaptured(cause.CorrelationID)
	if err := p.store.Append(ctx, event.AggregateErrorSnap, payload.Base.AggregateID, 0, []event.Event{payload}); err != nil {
		p.logger.Error("failed to persist ErrorCaptured", "error", err)
	}
}
