//go:build linux

package kvm

import (
	"fmt"
	"unsafe"

	"github.com/corehv/corehv/internal/hv"
)

func (v *virtualMachine) SetIRQ(irqLine uint32, level bool) error {
	if v == nil {
		return fmt.Errorf("kvm: virtual machine is nil")
	}

	if v.hv.Architecture() == hv.ArchitectureX86_64 && !v.hasIRQChip {
		return fmt.Errorf("kvm: cannot pulse IRQ without irqchip")
	}

	if err := irqLevel(v.vmFd, irqLine, level); err != nil {
		return fmt.Errorf("setting IRQ line: %w", err)
	}

	return nil
}

// InjectInterrupt delivers an interrupt to the in-kernel LAPIC as an MSI
// write, the delivery path the userspace IOAPIC uses in split irqchip
// mode. dest/destMode/deliveryMode come straight from the redirection
// table entry.
func (v *virtualMachine) InjectInterrupt(vector, dest, destMode, deliveryMode uint8) error {
	msi := kvmMSI{
		AddressLo: 0xfee00000 | uint32(dest)<<12 | uint32(destMode&1)<<2,
		Data:      uint32(vector) | uint32(deliveryMode&0x7)<<8,
	}
	if _, err := ioctlWithRetry(uintptr(v.vmFd), uint64(kvmSignalMsi), uintptr(unsafe.Pointer(&msi))); err != nil {
		return fmt.Errorf("kvm: signal MSI: %w", err)
	}
	return nil
}
