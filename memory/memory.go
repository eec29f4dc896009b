// Package memory holds guest physical memory: a single anonymous mmap region
// with page-granular dirty tracking. Overlay pages (message pages, event-flags
// pages, assist pages) live inside guest RAM; callers map live windows into
// the region and mark the pages they touch.
package memory

import (
	"errors"
	"fmt"
	"sync"
	"syscall"
)

const PageSize = 0x1000

var (
	ErrOutOfRange = errors.New("guest physical address out of range")
	ErrUnaligned  = errors.New("guest physical address not page aligned")
)

// Memory is guest physical RAM. The backing buffer is page aligned, so any
// naturally aligned word inside a mapped window is safe for atomic access.
type Memory struct {
	buf []byte

	mu    sync.Mutex
	dirty []uint64
}

// New allocates size bytes of guest RAM. size must be a multiple of PageSize.
func New(size int) (*Memory, error) {
	if size <= 0 || size%PageSize != 0 {
		return nil, fmt.Errorf("ram size 0x%x: %w", size, ErrUnaligned)
	}

	buf, err := syscall.Mmap(-1, 0, size, syscall.PROT_READ|syscall.PROT_WRITE,
		syscall.MAP_SHARED|syscall.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("mmap guest ram: %w", err)
	}

	return &Memory{
		buf:   buf,
		dirty: make([]uint64, (size/PageSize+63)/64),
	}, nil
}

// Size is the amount of guest RAM in bytes.
func (m *Memory) Size() uint64 { return uint64(len(m.buf)) }

// Map returns a live window onto guest memory. Writes through the window are
// seen by the guest immediately; the caller must MarkDirty what it modifies.
func (m *Memory) Map(gpa, size uint64) ([]byte, error) {
	if size == 0 || gpa >= uint64(len(m.buf)) || size > uint64(len(m.buf))-gpa {
		return nil, fmt.Errorf("map gpa 0x%x size 0x%x: %w", gpa, size, ErrOutOfRange)
	}

	return m.buf[gpa : gpa+size : gpa+size], nil
}

// ReadAt copies guest memory at gpa into p.
func (m *Memory) ReadAt(p []byte, gpa uint64) error {
	src, err := m.Map(gpa, uint64(len(p)))
	if err != nil {
		return err
	}

	copy(p, src)

	return nil
}

// WriteAt copies p into guest memory at gpa and marks the touched pages
// dirty.
func (m *Memory) WriteAt(p []byte, gpa uint64) error {
	dst, err := m.Map(gpa, uint64(len(p)))
	if err != nil {
		return err
	}

	copy(dst, p)
	m.MarkDirty(gpa, uint64(len(p)))

	return nil
}

// MarkDirty records that the pages covering [gpa, gpa+size) were modified.
// Out-of-range marks are clipped, not rejected: the caller already holds a
// validated window.
func (m *Memory) MarkDirty(gpa, size uint64) {
	if size == 0 || gpa >= uint64(len(m.buf)) {
		return
	}

	end := gpa + size
	if end > uint64(len(m.buf)) {
		end = uint64(len(m.buf))
	}

	first := gpa / PageSize
	last := (end - 1) / PageSize

	m.mu.Lock()
	for p := first; p <= last; p++ {
		m.dirty[p/64] |= 1 << (p % 64)
	}
	m.mu.Unlock()
}

// DirtyBitmap returns the dirty-page bitmap, one bit per page, and clears it.
func (m *Memory) DirtyBitmap() []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]uint64, len(m.dirty))
	copy(out, m.dirty)

	for i := range m.dirty {
		m.dirty[i] = 0
	}

	return out
}

// PageCount is the number of guest pages.
func (m *Memory) PageCount() uint64 { return uint64(len(m.buf)) / PageSize }

// ReadPage copies one full guest page.
func (m *Memory) ReadPage(page uint64, p []byte) error {
	return m.ReadAt(p[:PageSize], page*PageSize)
}

// WritePage stores one full guest page.
func (m *Memory) WritePage(page uint64, p []byte) error {
	return m.WriteAt(p[:PageSize], page*PageSize)
}

// Close unmaps guest RAM. Outstanding windows become invalid.
func (m *Memory) Close() error {
	if m.buf == nil {
		return nil
	}

	err := syscall.Munmap(m.buf)
	m.buf = nil

	return err
}
