package hv

// RegisterName identifies a VP register in the GET/SET_VP_REGISTERS name
// space. The set below is closed: dispatch happens through an explicit
// name-to-accessor table in the vsm package, and anything outside the table
// fails with StatusInvalidParameter.
type RegisterName uint32

const (
	// General-purpose group.
	RegisterRSP    RegisterName = 0x00020004
	RegisterRIP    RegisterName = 0x00020010
	RegisterRFLAGS RegisterName = 0x00020011

	// Control-register group.
	RegisterCR0 RegisterName = 0x00040000
	RegisterCR2 RegisterName = 0x00040001
	RegisterCR3 RegisterName = 0x00040002
	RegisterCR4 RegisterName = 0x00040003
	RegisterCR8 RegisterName = 0x00040004

	// Debug-register group.
	RegisterDR7 RegisterName = 0x00050005

	// Segment and table group.
	RegisterLDTR RegisterName = 0x00060006
	RegisterTR   RegisterName = 0x00060007
	RegisterIDTR RegisterName = 0x00070000
	RegisterGDTR RegisterName = 0x00070001

	// MSR-mapped group.
	RegisterEFER        RegisterName = 0x00080001
	RegisterAPICBase    RegisterName = 0x00080003
	RegisterSysenterCS  RegisterName = 0x00080005
	RegisterSysenterEIP RegisterName = 0x00080006
	RegisterSysenterESP RegisterName = 0x00080007
	RegisterSTAR        RegisterName = 0x00080008
	RegisterLSTAR       RegisterName = 0x00080009
	RegisterCSTAR       RegisterName = 0x0008000a
	RegisterSFMASK      RegisterName = 0x0008000b
	RegisterTSCAux      RegisterName = 0x0008007b

	// Hypervisor-defined group.
	RegisterVPAssistPage RegisterName = 0x00090013

	// VSM group.
	RegisterVSMCodePageOffsets  RegisterName = 0x000d0002
	RegisterVSMVPStatus         RegisterName = 0x000d0003
	RegisterVSMPartitionStatus  RegisterName = 0x000d0004
	RegisterVSMVINA             RegisterName = 0x000d0005
	RegisterVSMCapabilities     RegisterName = 0x000d0006
	RegisterVSMPartitionConfig  RegisterName = 0x000d0007
	RegisterVSMVPSecureConfig0  RegisterName = 0x000d0010
	RegisterVSMVPSecureConfig14 RegisterName = 0x000d001e

	// Intercept-control group. Accepted and ignored: the permission
	// intercept machinery is not implemented.
	RegisterCRInterceptControl        RegisterName = 0x000e0000
	RegisterCRInterceptCR0Mask        RegisterName = 0x000e0001
	RegisterCRInterceptCR4Mask        RegisterName = 0x000e0002
	RegisterCRInterceptMiscEnableMask RegisterName = 0x000e0003

	// Pending-event register, write accepted and ignored.
	RegisterPendingEvent0 RegisterName = 0x00010004
)

// SecureConfigVTL returns the VTL a VSM_VP_SECURE_CONFIG_VTLn name refers to
// and whether the name is in that range.
func (r RegisterName) SecureConfigVTL() (uint8, bool) {
	if r < RegisterVSMVPSecureConfig0 || r > RegisterVSMVPSecureConfig14 {
		return 0, false
	}

	return uint8(r - RegisterVSMVPSecureConfig0), true
}
