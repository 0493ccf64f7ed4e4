package factory

import (
	"fmt"

	"github.com/corehv/corehv/internal/hv"
)

// NewWithArchitecture selects a hypervisor backend for the requested guest
// architecture. The core targets Intel VT-x exclusively, so only the native
// x86_64 KVM backend is offered; any other architecture is rejected rather
// than silently falling back to an emulator.
func NewWithArchitecture(arch hv.CpuArchitecture) (hv.Hypervisor, error) {
	switch arch {
	case hv.ArchitectureX86_64:
		return Open()
	default:
		return nil, fmt.Errorf("unsupported guest architecture %q: this build supports Intel VT-x (x86_64) only", arch)
	}
}

// OpenWithArchitecture mirrors NewWithArchitecture but treats an invalid
// architecture as "use the host default".
func OpenWithArchitecture(arch hv.CpuArchitecture) (hv.Hypervisor, error) {
	if arch == hv.ArchitectureInvalid {
		return Open()
	}
	return NewWithArchitecture(arch)
}
