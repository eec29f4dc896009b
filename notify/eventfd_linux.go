package notify

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Eventfd is a Notifier backed by a Linux eventfd, suitable for handing to a
// kernel irqfd-style consumer. Reading the fd consumes the pending edge.
type Eventfd struct {
	f *os.File
}

// NewEventfd creates a non-blocking eventfd notifier.
func NewEventfd() (*Eventfd, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("eventfd: %w", err)
	}

	return &Eventfd{f: os.NewFile(uintptr(fd), "eventfd")}, nil
}

// FD returns the underlying file descriptor.
func (e *Eventfd) FD() uintptr { return e.f.Fd() }

// Set signals one edge.
func (e *Eventfd) Set() error {
	buf := [8]byte{0: 1}

	if _, err := e.f.Write(buf[:]); err != nil {
		return fmt.Errorf("eventfd set: %w", err)
	}

	return nil
}

// TestAndClear consumes a pending edge, reporting whether one was set.
func (e *Eventfd) TestAndClear() bool {
	var buf [8]byte

	n, err := e.f.Read(buf[:])

	return err == nil && n == 8
}

func (e *Eventfd) Close() error { return e.f.Close() }
