// Package notify provides edge notifiers for interrupt signaling: an
// eventfd-backed notifier for hosts whose interrupt fabric consumes file
// descriptors, and an in-process software fallback.
package notify

// Notifier is an edge-triggered event source. Set is safe to call from any
// goroutine and coalesces: two Sets before a consume still deliver one edge.
type Notifier interface {
	Set() error
	Close() error
}

// Func adapts a callback into a Notifier. It is the software fallback used
// when no host-visible interrupt line is available.
type Func func()

func (f Func) Set() error {
	if f != nil {
		f()
	}

	return nil
}

func (f Func) Close() error { return nil }
