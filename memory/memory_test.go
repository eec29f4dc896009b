package memory_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/bobuhiro11/gohyperv/memory"
)

func TestReadWrite(t *testing.T) {
	t.Parallel()

	m, err := memory.New(16 * memory.PageSize)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	want := []byte{0xde, 0xad, 0xbe, 0xef}
	if err := m.WriteAt(want, 0x2ffe); err != nil {
		t.Fatal(err)
	}

	got := make([]byte, 4)
	if err := m.ReadAt(got, 0x2ffe); err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(got, want) {
		t.Errorf("got %x, want %x", got, want)
	}
}

func TestMapIsLive(t *testing.T) {
	t.Parallel()

	m, err := memory.New(4 * memory.PageSize)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	win, err := m.Map(memory.PageSize, memory.PageSize)
	if err != nil {
		t.Fatal(err)
	}

	win[7] = 0x5a

	got := make([]byte, 1)
	if err := m.ReadAt(got, memory.PageSize+7); err != nil {
		t.Fatal(err)
	}

	if got[0] != 0x5a {
		t.Errorf("window write not visible, got 0x%x", got[0])
	}
}

func TestOutOfRange(t *testing.T) {
	t.Parallel()

	m, err := memory.New(2 * memory.PageSize)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	if _, err := m.Map(2*memory.PageSize, 1); !errors.Is(err, memory.ErrOutOfRange) {
		t.Errorf("map past end: %v", err)
	}

	if err := m.WriteAt(make([]byte, 16), 2*memory.PageSize-8); !errors.Is(err, memory.ErrOutOfRange) {
		t.Errorf("straddling write: %v", err)
	}

	if _, err := m.Map(0, 0); !errors.Is(err, memory.ErrOutOfRange) {
		t.Errorf("zero-size map: %v", err)
	}
}

func TestUnalignedSize(t *testing.T) {
	t.Parallel()

	if _, err := memory.New(memory.PageSize + 1); !errors.Is(err, memory.ErrUnaligned) {
		t.Errorf("unaligned ram size: %v", err)
	}
}

func TestDirtyBitmap(t *testing.T) {
	t.Parallel()

	m, err := memory.New(128 * memory.PageSize)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	// A write straddling the page-2/page-3 boundary dirties both pages.
	if err := m.WriteAt(make([]byte, 8), 3*memory.PageSize-4); err != nil {
		t.Fatal(err)
	}

	m.MarkDirty(100*memory.PageSize, 1)

	bmap := m.DirtyBitmap()

	for page, want := range map[uint64]bool{2: true, 3: true, 100: true, 4: false, 99: false} {
		got := bmap[page/64]&(1<<(page%64)) != 0
		if got != want {
			t.Errorf("page %d dirty = %v, want %v", page, got, want)
		}
	}

	// The read side is destructive.
	bmap = m.DirtyBitmap()
	for i, w := range bmap {
		if w != 0 {
			t.Errorf("bitmap word %d not cleared: %x", i, w)
		}
	}
}
