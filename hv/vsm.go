package hv

const (
	// NumVTLs is the number of virtual trust levels the emulation
	// supports. Only the VTL0<->VTL1 pair is implemented, matching the
	// secure-kernel usage every known guest exercises.
	NumVTLs = 2

	// MaxVTL is the highest VTL a guest may enable.
	MaxVTL = NumVTLs - 1
)

// VTLEntryReason is written to the VP assist page when a VTL is entered, so
// the guest can tell an explicit call from an interrupt-driven entry.
type VTLEntryReason uint32

const (
	VTLEntryReserved  VTLEntryReason = 0
	VTLEntryVTLCall   VTLEntryReason = 1
	VTLEntryInterrupt VTLEntryReason = 2
)

// VP assist page layout. Only the VTL control block is emulated; the rest of
// the page belongs to other enlightenments.
const (
	// AssistPageEnable is the enable bit of the VP_ASSIST_PAGE register.
	AssistPageEnable = 1 << 0

	// AssistPageAddressMask extracts the page-aligned GPA from the
	// VP_ASSIST_PAGE register.
	AssistPageAddressMask = ^uint64(0xfff)

	// AssistPageSize is the size of the guest-mapped assist page.
	AssistPageSize = 4096

	// AssistVTLEntryReasonOffset is the offset of the entry-reason field
	// of the VTL control block within the assist page.
	AssistVTLEntryReasonOffset = 8
)

// VSMPartitionStatus mirrors HV_REGISTER_VSM_PARTITION_STATUS: enabled-VTL
// set in bits 0-15, maximum VTL in bits 16-19, MBEC-enabled set in bits
// 20-35.
type VSMPartitionStatus uint64

func (s VSMPartitionStatus) EnabledVTLSet() uint16 { return uint16(s) }
func (s VSMPartitionStatus) MaximumVTL() uint8     { return uint8(s>>16) & 0xf }

func (s VSMPartitionStatus) WithEnabledVTL(vtl uint8) VSMPartitionStatus {
	return s | VSMPartitionStatus(1)<<vtl
}

func (s VSMPartitionStatus) VTLEnabled(vtl uint8) bool {
	return s.EnabledVTLSet()&(1<<vtl) != 0
}

// NewVSMPartitionStatus reports VTL0 enabled and the compiled-in maximum.
func NewVSMPartitionStatus() VSMPartitionStatus {
	return VSMPartitionStatus(1) | VSMPartitionStatus(MaxVTL)<<16
}

// VSMVPStatus mirrors HV_REGISTER_VSM_VP_STATUS: active VTL in bits 0-3,
// active-MBEC in bit 4, enabled-VTL set in bits 16-31.
type VSMVPStatus uint64

func (s VSMVPStatus) ActiveVTL() uint8      { return uint8(s) & 0xf }
func (s VSMVPStatus) EnabledVTLSet() uint16 { return uint16(s >> 16) }

func (s VSMVPStatus) WithActiveVTL(vtl uint8) VSMVPStatus {
	return s&^0xf | VSMVPStatus(vtl&0xf)
}

func (s VSMVPStatus) WithEnabledVTL(vtl uint8) VSMVPStatus {
	return s | VSMVPStatus(1)<<(16+vtl)
}

func (s VSMVPStatus) VTLEnabled(vtl uint8) bool {
	return s.EnabledVTLSet()&(1<<vtl) != 0
}

// VSMCapabilities mirrors HV_REGISTER_VSM_CAPABILITIES. All capability bits
// are left clear: no shared DR6, no MBEC, no direct VTL returns.
type VSMCapabilities uint64

// MBECVTLMask returns the set of VTLs with MBEC support (always empty).
func (c VSMCapabilities) MBECVTLMask() uint16 { return uint16(c >> 16) }

// VSMPartitionConfig mirrors HV_REGISTER_VSM_PARTITION_CONFIG, kept per VTL.
// Bit 0 enables VTL protections, bits 4-15 carry the default protection
// mask; both are write-once after protections are first enabled. Bits for
// VP-startup intercepts are accepted but unsupported.
type VSMPartitionConfig uint64

func (c VSMPartitionConfig) EnableVTLProtection() bool { return c&1 != 0 }
func (c VSMPartitionConfig) InterceptVPStartup() bool  { return c&(1<<16) != 0 }
func (c VSMPartitionConfig) DenyLowerVTLStartup() bool { return c&(1<<17) != 0 }

func (c VSMPartitionConfig) DefaultProtectionMask() uint16 {
	return uint16(c>>4) & 0xfff
}

// MergeWriteOnce applies the write-once rule: once protections were enabled
// in old, the enable bit and default mask of old win over the new value.
func (c VSMPartitionConfig) MergeWriteOnce(old VSMPartitionConfig) VSMPartitionConfig {
	if !old.EnableVTLProtection() {
		return c
	}

	const writeOnce = 1 | 0xfff<<4

	return c&^VSMPartitionConfig(writeOnce) | old&writeOnce
}

// VSMVPSecureConfig mirrors HV_REGISTER_VSM_VP_SECURE_CONFIG_VTLn. Bit 0 is
// MBEC-enabled, bit 1 is TLB-locked.
type VSMVPSecureConfig uint64

func (c VSMVPSecureConfig) MBECEnabled() bool { return c&1 != 0 }
