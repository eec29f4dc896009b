// Package eventloop runs deferred work on a single goroutine, in submission
// order. It plays the role of the main-loop bottom half: staged-message
// completions and administrative callbacks all execute here, never on the
// vCPU threads that produced them.
package eventloop

import (
	"context"
	"sync"
)

// Loop executes scheduled closures one at a time on its own goroutine.
type Loop struct {
	mu      sync.Mutex
	pending []func()
	wake    chan struct{}
	done    chan struct{}
}

func New() *Loop {
	return &Loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Schedule queues fn for execution on the loop goroutine. It never blocks
// and is safe from any goroutine, including loop callbacks themselves.
func (l *Loop) Schedule(fn func()) {
	l.mu.Lock()
	l.pending = append(l.pending, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Run executes scheduled work until ctx is cancelled. Work queued before
// cancellation is observed may still run; work queued after Run returns
// stays queued.
func (l *Loop) Run(ctx context.Context) {
	defer close(l.done)

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.wake:
			l.drain()
		}
	}
}

// Done is closed once Run has returned.
func (l *Loop) Done() <-chan struct{} { return l.done }

func (l *Loop) drain() {
	for {
		l.mu.Lock()
		batch := l.pending
		l.pending = nil
		l.mu.Unlock()

		if len(batch) == 0 {
			return
		}

		for _, fn := range batch {
			fn()
		}
	}
}
