package vm

import (
	"fmt"

	"github.com/corehv/corehv/internal/hypercall"
	"github.com/corehv/corehv/internal/teeree"
)

// RegisterCoreHypercalls populates the registry's dispatch table with
// the handlers the core itself can serve. Handlers whose semantics
// live in the device model (I/O-request buffer setup, PCI assignment)
// are left to the embedding application to register.
func (r *Registry) RegisterCoreHypercalls() {
	r.RegisterHypercall(hypercall.IDGetAPIVersion, hypercall.Entry{
		Handler: func(caller hypercall.VCPU, target hypercall.VM, p1, p2 uint64) (int64, error) {
			return hypercall.APIVersion, nil
		},
	})

	r.RegisterHypercall(hypercall.IDGpa2Hpa, hypercall.Entry{
		Handler: func(caller hypercall.VCPU, target hypercall.VM, p1, p2 uint64) (int64, error) {
			v, ok := target.(*VM)
			if !ok {
				return -1, fmt.Errorf("vm: gpa2hpa target is not a registry VM")
			}
			hpa, ok := v.EPT.Gpa2Hpa(p2)
			if !ok {
				return -1, fmt.Errorf("vm: gpa 0x%x not mapped in %s", p2, v.name)
			}
			caller.SetGPReg(hypercall.RegRSI, hpa)
			return 0, nil
		},
		Resolver: relativeVMResolver(r),
	})

	// The world switch is callable from either half of a secure-world
	// pair; which direction to switch follows from which half the
	// caller is.
	r.RegisterHypercall(hypercall.IDWorldSwitch, hypercall.Entry{
		PermissionFlags: hypercall.GuestFlagSecureWorldEnabled,
		Handler: func(caller hypercall.VCPU, target hypercall.VM, p1, p2 uint64) (int64, error) {
			v, ok := target.(*VM)
			if !ok || v.TEE == nil {
				return -1, fmt.Errorf("vm: caller has no TEE/REE pair wired")
			}
			if v.IsREEVM() {
				v.TEE.SwitchToTEE()
			} else {
				// A TEE whose RDI still carries the FIQ entry marker is
				// returning from servicing a secure interrupt, not
				// handing fresh arguments to REE.
				fiqReturn := caller.GPReg(hypercall.RegRDI) == teeree.OPTEEFIQEntry
				v.TEE.SwitchToREE(fiqReturn, uint8(p2))
			}
			return 0, nil
		},
	})
}

// relativeVMResolver resolves param1 as a VM id, the convention most
// Service-VM-issued hypercalls follow.
func relativeVMResolver(r *Registry) hypercall.Resolver {
	return func(caller hypercall.VM, id uint64, p1, p2 uint64) (hypercall.VM, bool) {
		v, ok := r.Lookup(int(p1))
		if !ok {
			return nil, false
		}
		return v, true
	}
}
