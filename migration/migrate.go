package migration

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math/bits"

	"github.com/bobuhiro11/gohyperv/machine"
	"github.com/bobuhiro11/gohyperv/memory"
	"golang.org/x/sync/errgroup"
)

// Migrate streams machine m over conn: one full memory copy, up to rounds
// dirty-page pre-copy rounds while the guest keeps running, then a final
// stop-and-copy round and the snapshot. It returns once the destination has
// acknowledged with MsgReady. The source machine is left stopped.
func Migrate(ctx context.Context, m *machine.Machine, conn io.ReadWriter, rounds int) error {
	sender := NewSender(conn)
	recv := NewReceiver(conn)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		t, _, err := recv.Next()
		if err != nil {
			return fmt.Errorf("await ready: %w", err)
		}

		if t != MsgReady {
			return fmt.Errorf("await ready: unexpected message type %d", t)
		}

		return nil
	})

	g.Go(func() error {
		mem := m.Memory()

		// The full copy covers everything written so far; start dirty
		// tracking fresh underneath it.
		mem.DirtyBitmap()

		full, err := mem.Map(0, mem.Size())
		if err != nil {
			return err
		}

		if err := sender.SendMemoryFull(full); err != nil {
			return err
		}

		for i := 0; i < rounds; i++ {
			if err := ctx.Err(); err != nil {
				return err
			}

			bm, pages, err := collectDirty(mem)
			if err != nil {
				return err
			}

			if len(pages) == 0 {
				break
			}

			if err := sender.SendMemoryDirty(bm, pages); err != nil {
				return err
			}
		}

		// Stop-and-copy: capturing halts the processors, so whatever the
		// last round missed is final now.
		snap, err := Capture(m)
		if err != nil {
			return err
		}

		bm, pages, err := collectDirty(mem)
		if err != nil {
			return err
		}

		if err := sender.SendMemoryDirty(bm, pages); err != nil {
			return err
		}

		if err := sender.SendSnapshot(snap); err != nil {
			return err
		}

		return sender.SendDone()
	})

	return g.Wait()
}

// Receive populates machine m from a migration stream and acknowledges with
// MsgReady once the source signals MsgDone. Processors are left stopped for
// the caller to resume via machine.Run.
func Receive(ctx context.Context, m *machine.Machine, conn io.ReadWriter) error {
	sender := NewSender(conn)
	recv := NewReceiver(conn)
	mem := m.Memory()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		t, payload, err := recv.Next()
		if err != nil {
			return err
		}

		switch t {
		case MsgMemoryFull:
			if uint64(len(payload)) != mem.Size() {
				return fmt.Errorf("full copy of 0x%x bytes into 0x%x: %w",
					len(payload), mem.Size(), ErrMemSizeMismatch)
			}

			if err := mem.WriteAt(payload, 0); err != nil {
				return err
			}

		case MsgMemoryDirty:
			bm, pages, err := DecodeDirtyPayload(payload)
			if err != nil {
				return err
			}

			if err := applyDirty(mem, bm, pages); err != nil {
				return err
			}

		case MsgSnapshot:
			snap, err := DecodeSnapshot(payload)
			if err != nil {
				return err
			}

			if err := Restore(m, snap); err != nil {
				return err
			}

		case MsgDone:
			return sender.SendReady()

		default:
			return fmt.Errorf("unexpected message type %d", t)
		}
	}
}

// collectDirty drains the dirty bitmap and packs the corresponding pages in
// ascending order.
func collectDirty(mem *memory.Memory) (bitmapBytes, pageData []byte, err error) {
	bm := mem.DirtyBitmap()
	bitmapBytes = make([]byte, 8*len(bm))

	for i, w := range bm {
		binary.LittleEndian.PutUint64(bitmapBytes[8*i:], w)

		for w != 0 {
			b := bits.TrailingZeros64(w)
			w &^= 1 << b

			page := uint64(i*64 + b)

			win, err := mem.Map(page*memory.PageSize, memory.PageSize)
			if err != nil {
				return nil, nil, err
			}

			pageData = append(pageData, win...)
		}
	}

	return bitmapBytes, pageData, nil
}

// applyDirty writes packed dirty pages back at the positions the bitmap
// names.
func applyDirty(mem *memory.Memory, bitmapBytes, pageData []byte) error {
	for i := 0; i+8 <= len(bitmapBytes); i += 8 {
		w := binary.LittleEndian.Uint64(bitmapBytes[i : i+8])

		for w != 0 {
			b := bits.TrailingZeros64(w)
			w &^= 1 << b

			if len(pageData) < memory.PageSize {
				return errDirtyPayloadTruncated
			}

			page := uint64(i/8*64 + b)
			if err := mem.WriteAt(pageData[:memory.PageSize], page*memory.PageSize); err != nil {
				return err
			}

			pageData = pageData[memory.PageSize:]
		}
	}

	return nil
}
