package machine

import (
	"fmt"

	"github.com/bobuhiro11/gohyperv/hv"
	"golang.org/x/arch/x86/x86asm"
)

// DisasmAt decodes up to n instructions of guest code starting at gpa and
// returns them in GNU syntax. Addresses are guest physical; walking guest
// page tables is not attempted.
func (m *Machine) DisasmAt(gpa uint64, n int) ([]string, error) {
	out := make([]string, 0, n)

	for i := 0; i < n; i++ {
		insn := make([]byte, 16)
		if err := m.mem.ReadAt(insn, gpa); err != nil {
			return out, fmt.Errorf("reading code at %#x: %w", gpa, err)
		}

		d, err := x86asm.Decode(insn, 64)
		if err != nil {
			return out, fmt.Errorf("decoding %#02x at %#x: %w", insn, gpa, err)
		}

		out = append(out, fmt.Sprintf("%#08x: %s", gpa, x86asm.GNUSyntax(d, gpa, nil)))
		gpa += uint64(d.Len)
	}

	return out, nil
}

// Disasm decodes n instructions at the RIP of the processor's active VTL.
// Useful when a vCPU is wedged and its shadow is all there is to look at.
func (m *Machine) Disasm(vpIndex uint32, n int) ([]string, error) {
	hdr := &hv.GetSetVPRegistersInput{
		PartitionID: hv.PartitionSelf,
		VPIndex:     hv.VPIndexSelf,
	}

	values, _, status := m.vsm.GetVPRegisters(vpIndex, hdr, []hv.RegisterName{hv.RegisterRIP})
	if status != hv.StatusSuccess {
		return nil, fmt.Errorf("reading rip of vp %d: %v", vpIndex, status)
	}

	return m.DisasmAt(values[0].Low, n)
}
