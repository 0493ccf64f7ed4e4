package hypercall

// Hypercall IDs. The numbering is frozen ABI: IDs are partitioned into
// 16-entry blocks by function group, starting at 0x80_0000.
const (
	// General.
	IDGetAPIVersion  uint64 = 0x800000
	IDServiceOffline uint64 = 0x800001

	// VM lifecycle.
	IDCreateVM    uint64 = 0x800010
	IDDestroyVM   uint64 = 0x800011
	IDStartVM     uint64 = 0x800012
	IDPauseVM     uint64 = 0x800013
	IDResetVM     uint64 = 0x800015
	IDSetVCPURegs uint64 = 0x800016

	// IRQ / MSI injection.
	IDSetIRQLine uint64 = 0x800020
	IDInjectMSI  uint64 = 0x800023

	// I/O-request buffer management.
	IDSetIOReqBuffer      uint64 = 0x800030
	IDNotifyRequestFinish uint64 = 0x800031

	// Guest memory.
	IDSetMemoryRegions uint64 = 0x800041
	IDWriteProtectPage uint64 = 0x800042
	IDGpa2Hpa          uint64 = 0x800043

	// PCI passthrough.
	IDSetPtdevIntrInfo   uint64 = 0x800053
	IDResetPtdevIntrInfo uint64 = 0x800054
	IDAssignPCIDev       uint64 = 0x800055
	IDDeassignPCIDev     uint64 = 0x800056

	// Debug.
	IDSetupSBuf uint64 = 0x800060

	// Secure world (TEE/REE).
	IDInitTrusty  uint64 = 0x800070
	IDWorldSwitch uint64 = 0x800071

	// Power management.
	IDPMGetCPUState uint64 = 0x800080
)

// APIVersion is the value IDGetAPIVersion returns: major in the high
// 16 bits, minor in the low.
const APIVersion int64 = 1<<16 | 0
