// Package task provides a small goroutine-supervision group modeled on the
// task.Group used throughout go.gazette.dev/core's consumer.Service: a named
// set of long-lived goroutines which share a cancellable Context, where the
// first task to return an error cancels the group and every other task
// observes it via Context.Done().
package task

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Group supervises a set of named goroutines sharing a lifetime.
type Group struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	wg      sync.WaitGroup
	err     error
	errOnce sync.Once
}

// NewGroup returns a Group deriving its Context from ctx.
func NewGroup(ctx context.Context) *Group {
	var inner, cancel = context.WithCancel(ctx)
	return &Group{ctx: inner, cancel: cancel}
}

// Context returns the Group's Context, cancelled on first task failure
// or on an explicit Cancel.
func (g *Group) Context() context.Context { return g.ctx }

// Queue runs fn in a new goroutine under the Group. If fn returns a
// non-nil error, the Group's Context is cancelled and the error is
// retained as the first error to be returned from Wait.
func (g *Group) Queue(name string, fn func() error) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()

		if err := fn(); err != nil && errors.Cause(err) != context.Canceled {
			g.errOnce.Do(func() {
				g.mu.Lock()
				g.err = errors.WithMessage(err, name)
				g.mu.Unlock()

				log.WithFields(log.Fields{"task": name, "err": err}).
					Error("task failed; cancelling group")
				g.cancel()
			})
		}
	}()
}

// Cancel cancels the Group's Context without recording an error.
func (g *Group) Cancel() { g.cancel() }

// Wait blocks until all queued tasks have returned, and returns the
// first non-nil error observed (if any).
func (g *Group) Wait() error {
	g.wg.Wait()
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.err
}
