// Package migration streams a machine's enlightenment state between hosts:
// guest memory in full plus dirty-page rounds, then the VSM and SynIC state as
// a gob snapshot once the processors are stopped.
package migration

import (
	"errors"
	"fmt"

	"github.com/bobuhiro11/gohyperv/machine"
	"github.com/bobuhiro11/gohyperv/synic"
	"github.com/bobuhiro11/gohyperv/vsm"
)

var ErrMemSizeMismatch = errors.New("guest memory size mismatch")

// Snapshot is the complete machine state handed off during migration. Guest
// memory travels separately as a raw byte stream; the SynIC overlay pages and
// assist pages live inside it and need no entries here.
type Snapshot struct {
	NCPUs   int
	MemSize uint64
	VSM     *vsm.State
	SynICs  []synic.State
}

// Capture stops every processor and returns the machine's snapshot. The
// machine stays stopped; a migration source is done running once it captures.
func Capture(m *machine.Machine) (*Snapshot, error) {
	vst, err := m.VSM().Save()
	if err != nil {
		return nil, fmt.Errorf("capture vsm state: %w", err)
	}

	return &Snapshot{
		NCPUs:   len(vst.VPs),
		MemSize: m.Memory().Size(),
		VSM:     vst,
		SynICs:  m.Hub().Save(),
	}, nil
}

// Restore applies a snapshot to a freshly built machine. Guest memory must
// already hold the migrated contents; processors are created as needed and
// left stopped for the caller to resume via machine.Run.
func Restore(m *machine.Machine, snap *Snapshot) error {
	if snap.MemSize != m.Memory().Size() {
		return fmt.Errorf("snapshot 0x%x bytes, machine 0x%x: %w",
			snap.MemSize, m.Memory().Size(), ErrMemSizeMismatch)
	}

	for i := range snap.VSM.VPs {
		idx := snap.VSM.VPs[i].Index

		if _, err := m.VSM().VP(idx); err != nil {
			if err := m.AddVCPU(idx); err != nil {
				return fmt.Errorf("restore vp %d: %w", idx, err)
			}
		}
	}

	if err := m.VSM().Load(snap.VSM); err != nil {
		return fmt.Errorf("restore vsm state: %w", err)
	}

	if err := m.Hub().Load(snap.SynICs); err != nil {
		return fmt.Errorf("restore synic state: %w", err)
	}

	return nil
}
