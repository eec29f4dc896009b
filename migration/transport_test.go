package migration_test

import (
	"bytes"
	"encoding/binary"
	"io"
	"reflect"
	"testing"

	"github.com/bobuhiro11/gohyperv/hv"
	"github.com/bobuhiro11/gohyperv/migration"
	"github.com/bobuhiro11/gohyperv/synic"
	"github.com/bobuhiro11/gohyperv/vcpu"
	"github.com/bobuhiro11/gohyperv/vsm"
)

// pipe returns a connected (Sender, Receiver) pair backed by an in-memory pipe.
func pipe() (*migration.Sender, *migration.Receiver) {
	pr, pw := io.Pipe()

	return migration.NewSender(pw), migration.NewReceiver(pr)
}

// mustNext calls recv.Next and fails the test on error.
func mustNext(t *testing.T, recv *migration.Receiver) (migration.MsgType, []byte) {
	t.Helper()

	msgType, payload, err := recv.Next()
	if err != nil {
		t.Fatalf("Receiver.Next: %v", err)
	}

	return msgType, payload
}

// makeSnapshot returns a Snapshot with non-zero values in every field so that
// a round-trip test catches missing/swapped fields.
func makeSnapshot() *migration.Snapshot {
	var shadow0, shadow1 vcpu.State

	shadow0.Regs.RAX = 0xdead
	shadow0.Priv.RIP = 0x1000
	shadow1.Regs.RAX = 0xdead
	shadow1.Priv.RIP = 0x2000

	vp := vsm.VPState{
		Index:      0,
		ActiveVTL:  1,
		EnabledSet: 0b11,
		Secure:     [hv.NumVTLs]uint64{0x5, 0},
		VTLs: []vsm.VTLState{
			{VTL: 0, Shadow: shadow0, VINA: 0x30},
			{VTL: 1, Shadow: shadow1, AssistReg: 0x6001},
		},
	}

	return &migration.Snapshot{
		NCPUs:   1,
		MemSize: 1 << 20,
		VSM: &vsm.State{
			PartitionStatus: 0x1,
			PartitionConfig: [hv.NumVTLs]uint64{0, 0x2},
			VPs:             []vsm.VPState{vp},
		},
		SynICs: []synic.State{
			{VPIndex: 0, Enabled: true, MsgPageAddr: 0x3000, EventPageAddr: 0x4000},
		},
	}
}

func TestSendReceiveDone(t *testing.T) {
	t.Parallel()

	sender, recv := pipe()

	go func() {
		if err := sender.SendDone(); err != nil {
			t.Errorf("SendDone: %v", err)
		}
	}()

	msgType, payload := mustNext(t, recv)

	if msgType != migration.MsgDone {
		t.Fatalf("got type %d, want MsgDone (%d)", msgType, migration.MsgDone)
	}

	if len(payload) != 0 {
		t.Fatalf("MsgDone should carry no payload, got %d bytes", len(payload))
	}
}

func TestSendReceiveMemoryDirty(t *testing.T) {
	t.Parallel()

	// Two dirty pages at page 0 and page 2 (bitmap word = 0b0101 = 5).
	bitmapBytes := make([]byte, 8)
	binary.LittleEndian.PutUint64(bitmapBytes, 5)

	page0 := bytes.Repeat([]byte{0xAA}, 4096)
	page2 := bytes.Repeat([]byte{0xBB}, 4096)
	pageData := make([]byte, 0, 8192)
	pageData = append(pageData, page0...)
	pageData = append(pageData, page2...)

	sender, recv := pipe()

	go func() {
		if err := sender.SendMemoryDirty(bitmapBytes, pageData); err != nil {
			t.Errorf("SendMemoryDirty: %v", err)
		}
	}()

	msgType, payload := mustNext(t, recv)

	if msgType != migration.MsgMemoryDirty {
		t.Fatalf("got type %d, want MsgMemoryDirty (%d)", msgType, migration.MsgMemoryDirty)
	}

	gotBitmap, gotPageData, err := migration.DecodeDirtyPayload(payload)
	if err != nil {
		t.Fatalf("DecodeDirtyPayload: %v", err)
	}

	if !bytes.Equal(gotBitmap, bitmapBytes) {
		t.Fatalf("bitmap mismatch: got %x, want %x", gotBitmap, bitmapBytes)
	}

	if !bytes.Equal(gotPageData, pageData) {
		t.Fatalf("page data mismatch (len got=%d want=%d)", len(gotPageData), len(pageData))
	}
}

func TestSendReceiveSnapshot(t *testing.T) {
	t.Parallel()

	snap := makeSnapshot()
	sender, recv := pipe()

	go func() {
		if err := sender.SendSnapshot(snap); err != nil {
			t.Errorf("SendSnapshot: %v", err)
		}
	}()

	msgType, payload := mustNext(t, recv)

	if msgType != migration.MsgSnapshot {
		t.Fatalf("got type %d, want MsgSnapshot (%d)", msgType, migration.MsgSnapshot)
	}

	got, err := migration.DecodeSnapshot(payload)
	if err != nil {
		t.Fatalf("DecodeSnapshot: %v", err)
	}

	if !reflect.DeepEqual(got, snap) {
		t.Fatalf("snapshot round-trip mismatch:\ngot  %+v\nwant %+v", got, snap)
	}
}

// TestFullMigrationProtocol sends the complete sequence of messages a real
// source would produce and verifies the receiver sees them in order.
func TestFullMigrationProtocol(t *testing.T) {
	t.Parallel()

	const pageSize = 4096

	const pages = 4

	mem := make([]byte, pageSize*pages)
	for i := range mem {
		mem[i] = byte(i)
	}

	// Dirty round: pages 1 and 3 (bitmap word = 0b1010 = 0xA).
	bitmapBytes := make([]byte, 8)
	binary.LittleEndian.PutUint64(bitmapBytes, 0xA)

	dirtyPage1 := bytes.Repeat([]byte{0x11}, pageSize)
	dirtyPage3 := bytes.Repeat([]byte{0x33}, pageSize)
	pageData := make([]byte, 0, pageSize*2)
	pageData = append(pageData, dirtyPage1...)
	pageData = append(pageData, dirtyPage3...)

	snap := makeSnapshot()

	sender, recv := pipe()

	errc := make(chan error, 1)

	go func() {
		var err error

		if err = sender.SendMemoryFull(mem); err != nil {
			errc <- err

			return
		}

		if err = sender.SendMemoryDirty(bitmapBytes, pageData); err != nil {
			errc <- err

			return
		}

		if err = sender.SendSnapshot(snap); err != nil {
			errc <- err

			return
		}

		err = sender.SendDone()
		errc <- err
	}()

	wantTypes := []migration.MsgType{
		migration.MsgMemoryFull,
		migration.MsgMemoryDirty,
		migration.MsgSnapshot,
		migration.MsgDone,
	}

	for _, wantType := range wantTypes {
		msgType, payload, err := recv.Next()
		if err != nil {
			t.Fatalf("recv.Next (want %d): %v", wantType, err)
		}

		if msgType != wantType {
			t.Fatalf("message order: got type %d, want %d", msgType, wantType)
		}

		switch msgType {
		case migration.MsgMemoryFull:
			if !bytes.Equal(payload, mem) {
				t.Fatalf("MsgMemoryFull payload mismatch")
			}

		case migration.MsgMemoryDirty:
			gb, gd, err := migration.DecodeDirtyPayload(payload)
			if err != nil {
				t.Fatalf("DecodeDirtyPayload: %v", err)
			}

			if !bytes.Equal(gb, bitmapBytes) {
				t.Fatalf("dirty bitmap mismatch: %x vs %x", gb, bitmapBytes)
			}

			if !bytes.Equal(gd, pageData) {
				t.Fatalf("dirty page data mismatch")
			}

		case migration.MsgSnapshot:
			got, err := migration.DecodeSnapshot(payload)
			if err != nil {
				t.Fatalf("DecodeSnapshot: %v", err)
			}

			if !reflect.DeepEqual(got, snap) {
				t.Fatalf("snapshot mismatch")
			}

		case migration.MsgDone:
			if len(payload) != 0 {
				t.Fatalf("MsgDone should have no payload")
			}

		default:
			t.Fatalf("unexpected message type: %v", msgType)
		}
	}

	if err := <-errc; err != nil {
		t.Fatalf("sender goroutine: %v", err)
	}
}

func TestDecodeDirtyPayloadTooShort(t *testing.T) {
	t.Parallel()

	_, _, err := migration.DecodeDirtyPayload([]byte{0x01, 0x02})
	if err == nil {
		t.Fatal("expected error for short payload, got nil")
	}
}

func TestDecodeDirtyPayloadTruncatedBitmap(t *testing.T) {
	t.Parallel()

	// Announce 100 bytes of bitmap but provide only 4.
	hdr := make([]byte, 8)
	binary.BigEndian.PutUint64(hdr, 100)

	payload := make([]byte, 0, 12)
	payload = append(payload, hdr...)
	payload = append(payload, 0x01, 0x02, 0x03, 0x04)

	_, _, err := migration.DecodeDirtyPayload(payload)
	if err == nil {
		t.Fatal("expected error for truncated bitmap, got nil")
	}
}

func TestDecodeSnapshotInvalidGob(t *testing.T) {
	t.Parallel()

	_, err := migration.DecodeSnapshot([]byte{0xFF, 0xFE, 0xFD})
	if err == nil {
		t.Fatal("expected error decoding garbage, got nil")
	}
}

// TestReceiverTruncatedPayload verifies that Next returns an error when the
// header claims N bytes of payload but fewer are available in the stream.
func TestReceiverTruncatedPayload(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	hdr := make([]byte, 12)
	binary.BigEndian.PutUint32(hdr[0:4], uint32(migration.MsgMemoryFull))
	binary.BigEndian.PutUint64(hdr[4:12], 1000)
	buf.Write(hdr)
	buf.Write([]byte{0x01, 0x02, 0x03})

	recv := migration.NewReceiver(&buf)
	_, _, err := recv.Next()

	if err == nil {
		t.Fatal("expected error for truncated payload, got nil")
	}
}
