// Package gate provides the process-wide admission gate bounding the number
// of simultaneously in-flight external calls. One Gate instance is shared by
// the analysis client and the embedding orchestrator across all concurrently
// processed clips; without it, a single clip's five-way embedding fan-out
// multiplied by concurrent clips stacks up external calls until every one of
// them rides the full provider timeout.
package gate

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Gate is a FIFO-fair counting semaphore with in-flight accounting.
// Waiters are admitted in arrival order.
type Gate struct {
	sem      *semaphore.Weighted
	capacity int
	logger   *slog.Logger

	mu        sync.Mutex
	inFlight  int
	highWater int
}

// New creates a gate admitting at most capacity concurrent holders.
func New(capacity int, logger *slog.Logger) *Gate {
	if capacity < 1 {
		capacity = 1
	}
	return &Gate{
		sem:      semaphore.NewWeighted(int64(capacity)),
		capacity: capacity,
		logger:   logger,
	}
}

// Acquire blocks until a slot is free or ctx is done. On success the caller
// must Release exactly once, regardless of how its external call ends.
func (g *Gate) Acquire(ctx context.Context) error {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	g.mu.Lock()
	g.inFlight++
	if g.inFlight > g.highWater {
		g.highWater = g.inFlight
	}
	g.mu.Unlock()
	return nil
}

// Release frees a slot acquired by Acquire.
func (g *Gate) Release() {
	g.mu.Lock()
	g.inFlight--
	g.mu.Unlock()
	g.sem.Release(1)
}

// Capacity returns the configured slot count.
func (g *Gate) Capacity() int { return g.capacity }

// InFlight returns the number of currently admitted callers.
func (g *Gate) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inFlight
}

// HighWater returns the maximum concurrent admissions observed since the
// gate was created. Diagnostics only.
func (g *Gate) HighWater() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.highWater
}

// With runs fn while holding a slot. It is the preferred way to issue a
// gated external call: the slot is released on every path out of fn.
func (g *Gate) With(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := g.Acquire(ctx); err != nil {
		return err
	}
	defer g.Release()
	return fn(ctx)
}
