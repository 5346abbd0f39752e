// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package delivery

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// PoolConfig configures the process-wide worker pool.
type PoolConfig struct {
	// MaxWorkers bounds concurrently running delivery workers.
	MaxWorkers int

	// StarvationWarning is how long Reserve waits before logging that the
	// pool is saturated. Zero disables the warning.
	StarvationWarning time.Duration
}

// Pool bounds the number of delivery workers running at once.
type Pool struct {
	sem    *semaphore.Weighted
	max    int
	active atomic.Int64

	starvation time.Duration
	warn       *rate.Limiter

	ctx     context.Context
	cancel  context.CancelFunc
	metrics Metrics
	logger  *slog.Logger
}

// Slot is a reserved worker pool slot.
type Slot struct {
	pool *Pool
	once sync.Once
}

// NewPool creates a worker pool.
func NewPool(cfg PoolConfig, metrics Metrics, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		sem:        semaphore.NewWeighted(int64(cfg.MaxWorkers)),
		max:        cfg.MaxWorkers,
		starvation: cfg.StarvationWarning,
		warn:       rate.NewLimiter(rate.Every(time.Minute), 1),
		ctx:        ctx,
		cancel:     cancel,
		metrics:    metricsOrNop(metrics),
		logger:     logger,
	}
}

// Reserve blocks until a slot is free, the context is done or the pool is
// closed. Every slot must be released exactly once.
func (p *Pool) Reserve(ctx context.Context) (*Slot, error) {
	if p.ctx.Err() != nil {
		return nil, ErrPoolClosed
	}

	start := time.Now()
	for {
		var (
			wctx   context.Context
			cancel context.CancelFunc
		)
		if p.starvation > 0 {
			wctx, cancel = context.WithTimeout(ctx, p.starvation)
		} else {
			wctx, cancel = context.WithCancel(ctx)
		}
		stop := context.AfterFunc(p.ctx, cancel)
		err := p.sem.Acquire(wctx, 1)
		stop()
		cancel()

		if err == nil {
			if p.ctx.Err() != nil {
				p.sem.Release(1)
				return nil, ErrPoolClosed
			}
			p.active.Add(1)
			p.metrics.WorkerStarted()
			return &Slot{pool: p}, nil
		}

		switch {
		case p.ctx.Err() != nil:
			return nil, ErrPoolClosed
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case !errors.Is(err, context.DeadlineExceeded):
			return nil, err
		}

		if p.warn.Allow() {
			p.logger.Warn("worker_pool_starved",
				slog.Int("max_workers", p.max),
				slog.Int64("active", p.active.Load()),
				slog.Duration("waited", time.Since(start)))
		}
	}
}

// Release returns the slot to the pool. Extra calls are no-ops.
func (s *Slot) Release() {
	s.once.Do(func() {
		s.pool.active.Add(-1)
		s.pool.metrics.WorkerFinished()
		s.pool.sem.Release(1)
	})
}

// Active returns the number of reserved slots.
func (p *Pool) Active() int {
	return int(p.active.Load())
}

// Max returns the pool size.
func (p *Pool) Max() int {
	return p.max
}

// Close makes pending and future reservations fail with ErrPoolClosed.
// Slots already held stay valid until released.
func (p *Pool) Close() {
	p.cancel()
}

// Closed reports whether Close was called.
func (p *Pool) Closed() bool {
	return p.ctx.Err() != nil
}
