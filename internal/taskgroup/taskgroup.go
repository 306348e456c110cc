// Package taskgroup gives every healer pipeline and the bus connector a
// scoped set of goroutines with collective cancellation: one fatal error
// from any spawned task cancels its siblings, and CancelAll is the single
// shutdown path for the whole daemon.
package taskgroup

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

// Group is a process-wide scoped set of concurrent tasks. The zero value is
// not usable; construct with New.
type Group struct {
	eg     *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc
}

// New derives a cancellable context from parent and returns a Group whose
// tasks all observe that context.
func New(parent context.Context) *Group {
	ctx, cancel := context.WithCancel(parent)
	eg, ctx := errgroup.WithContext(ctx)
	return &Group{eg: eg, ctx: ctx, cancel: cancel}
}

// Context returns the group's context. It is cancelled by CancelAll or when
// any spawned task returns a non-nil error.
func (g *Group) Context() context.Context { return g.ctx }

// Spawn runs fn in a new goroutine under the group. If fn returns an error,
// the group's context is cancelled and the error is surfaced by
// WaitUntilAnyError.
func (g *Group) Spawn(fn func(ctx context.Context) error) {
	g.eg.Go(func() error { return fn(g.ctx) })
}

// SpawnAfter runs fn after delay elapses, unless the group is cancelled
// first. Used for the pipeline's check-delay and retry-backoff scheduling.
func (g *Group) SpawnAfter(delay time.Duration, fn func(ctx context.Context) error) {
	g.eg.Go(func() error {
		if delay <= 0 {
			if g.ctx.Err() != nil {
				return nil
			}
			return fn(g.ctx)
		}
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-g.ctx.Done():
			return nil
		case <-t.C:
		}
		return fn(g.ctx)
	})
}

// CancelAll asks every spawned task to stop at its next suspension point.
func (g *Group) CancelAll() { g.cancel() }

// WaitUntilAnyError blocks until every spawned task has returned, yielding
// the first non-nil error (if any) and cancelling the remaining tasks as a
// side effect of errgroup's own bookkeeping.
func (g *Group) WaitUntilAnyError() error { return g.eg.Wait() }
