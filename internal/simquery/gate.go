package simquery

import (
	"context"
	"fmt"
	"sync"

	"github.com/telquery/simgate/internal/metrics"
)

// Gate serializes all query work onto a single slot. The automated browser
// session is one shared stateful resource that cannot host two simultaneous
// navigations, so tasks run strictly in arrival order with a process-wide
// concurrency of exactly one.
type Gate struct {
	tasks chan gateTask

	closeMu sync.Mutex
	closed  bool
}

type gateTask struct {
	run  func(context.Context)
	done chan struct{}
}

// NewGate builds a gate with the given queue depth.
func NewGate(depth int) *Gate {
	if depth <= 0 {
		depth = 16
	}
	return &Gate{
		tasks: make(chan gateTask, depth),
	}
}

// Run consumes queued tasks one at a time until the context ends. It is the
// only goroutine that executes tasks, which is what makes the FIFO ordering
// guarantee hold.
func (g *Gate) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case task, ok := <-g.tasks:
			if !ok {
				return
			}
			task.run(ctx)
			close(task.done)
			metrics.SetQueueDepth(len(g.tasks))
		}
	}
}

// Do enqueues fn and blocks until it has run. The context bounds queue
// admission and the wait for completion only: once admitted, an abandoned
// caller's task still runs to completion and its slot is not reclaimed.
func (g *Gate) Do(ctx context.Context, fn func(context.Context)) error {
	task := gateTask{run: fn, done: make(chan struct{})}
	select {
	case <-ctx.Done():
		return NewError(KindUnavailable, "the service is busy, retry in a few seconds", fmt.Errorf("queue admission: %w", ctx.Err()))
	case g.tasks <- task:
	}
	metrics.SetQueueDepth(len(g.tasks))
	select {
	case <-ctx.Done():
		return NewError(KindTimeout, "the query took too long, retry in a few minutes", fmt.Errorf("waiting for slot: %w", ctx.Err()))
	case <-task.done:
		return nil
	}
}

// Depth returns the number of queued tasks, for metrics.
func (g *Gate) Depth() int {
	return len(g.tasks)
}

// Close shuts the queue for process teardown.
func (g *Gate) Close() {
	g.closeMu.Lock()
	defer g.closeMu.Unlock()
	if g.closed {
		return
	}
	close(g.tasks)
	g.closed = true
}
