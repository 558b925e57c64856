// Package worker provides the bounded goroutine pool that drives
// validation, redefinition, and reconciliation work (spec §5:
// "workers.pool_size", default 4). Callers never spawn naked goroutines for
// pipeline stages; every unit of work goes through Submit so pool saturation
// produces backpressure instead of unbounded concurrency.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/panjf2000/ants/v2"
)

// ErrPoolClosed is returned when submitting to a released pool.
var ErrPoolClosed = errors.New("worker pool is closed")

// Task is a context-aware unit of pipeline work.
type Task func(ctx context.Context)

// Pool wraps ants.Pool with context-aware submission: a task already
// cancelled before it runs is skipped rather than executed.
type Pool struct {
	pool   *ants.Pool
	logger *slog.Logger
}

// Config controls pool sizing and idle-worker expiry.
type Config struct {
	Size           int
	ExpiryDuration time.Duration
}

// DefaultConfig matches spec §6's workers.pool_size default of 4.
func DefaultConfig() Config {
	return Config{Size: 4, ExpiryDuration: 10 * time.Second}
}

// New creates a bounded worker pool. Panics inside a submitted task are
// recovered and logged rather than crashing the host process.
func New(cfg Config, logger *slog.Logger) (*Pool, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Size <= 0 {
		cfg.Size = DefaultConfig().Size
	}
	if cfg.ExpiryDuration <= 0 {
		cfg.ExpiryDuration = DefaultConfig().ExpiryDuration
	}

	panicHandler := func(p any) {
		logger.Error("worker pool task panicked", "panic", p)
	}

	ap, err := ants.NewPool(cfg.Size,
		ants.WithPanicHandler(panicHandler),
		ants.WithNonblocking(false),
		ants.WithExpiryDuration(cfg.ExpiryDuration),
	)
	if err != nil {
		return nil, err
	}

	return &Pool{pool: ap, logger: logger}, nil
}

// Submit runs task on a pooled goroutine. It blocks if the pool is
// saturated (spec §5 backpressure: callers that cannot afford to block
// should coalesce before calling Submit, as internal/watch does per-path).
func (p *Pool) Submit(ctx context.Context, task Task) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	return p.pool.Submit(func() {
		select {
		case <-ctx.Done():
			p.logger.Debug("task skipped: context cancelled before running", "error", ctx.Err())
			return
		default:
		}
		task(ctx)
	})
}

// Running reports the number of workers currently executing a task.
func (p *Pool) Running() int { return p.pool.Running() }

// Free reports the number of idle workers available to take a task immediately.
func (p *Pool) Free() int { return p.pool.Free() }

// Cap reports the pool's configured capacity.
func (p *Pool) Cap() int { return p.pool.Cap() }

// Release waits up to timeout for running tasks to finish, then tears the
// pool down.
func (p *Pool) Release(timeout time.Duration) error {
	return p.pool.ReleaseTimeout(timeout)
}
