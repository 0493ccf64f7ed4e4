package vm

import (
	"fmt"
	"sync"

	"github.com/corehv/corehv/internal/devices/amd64/chipset"
	"github.com/corehv/corehv/internal/hv"
	"github.com/corehv/corehv/internal/ioreq"
	"github.com/corehv/corehv/internal/ptirq"
)

// ioRouterBinder is implemented by hv.VirtualMachine backends that
// accept an I/O-request router to consult when no chipset device
// claims a PIO/MMIO access; internal/hv/kvm is the only backend
// this build ships and it implements this. Backends that don't simply
// never get the DM-ring fallback path.
type ioRouterBinder interface {
	SetIORouter(r *ioreq.Router)
}

// ioapicProvider is implemented by backends that expose their
// userspace vIOAPIC, so the passthrough layer can observe guest EOIs.
type ioapicProvider interface {
	IOAPIC() *chipset.IOAPIC
}

// irqSink is the slice of hv.VirtualMachine the passthrough injector
// needs: raising and lowering a GSI line.
type irqSink interface {
	SetIRQ(irqLine uint32, level bool) error
}

// ioapicPinSink adapts the backend's userspace vIOAPIC to irqSink; in
// split irqchip mode this is the real injection door (the vIOAPIC
// forwards to the in-kernel LAPIC), not KVM_IRQ_LINE.
type ioapicPinSink struct {
	ioapic *chipset.IOAPIC
}

func (s ioapicPinSink) SetIRQ(line uint32, level bool) error {
	s.ioapic.SetIRQ(line, level)
	return nil
}

// DefaultX86Chipset builds the legacy PC device set the I/O-request
// router dispatches into: dual 8259 PIC, MC146818 RTC/CMOS, the ACPI
// PM1a/timer block, and the legacy reset control port. The backend's
// own vIOAPIC (wired by internal/hv/kvm's VM-init path when interrupt
// support is requested) completes the interrupt path; this function
// does not build a second one.
func DefaultX86Chipset() []hv.Device {
	pic := chipset.NewDualPIC()
	cmos := chipset.NewCMOS(chipset.IRQLineFunc(pic.SetIRQ))
	pm := chipset.NewPM()
	reset := chipset.NewResetControlPort()

	return []hv.Device{pic, cmos, pm, reset}
}

// newPassthroughInjector builds the pair of callbacks that carry a
// remapped interrupt across the backend: inject asserts the virtual
// INTX pin on sink when ptirq dispatches an entry, and eoi deasserts
// it once the guest signals end-of-interrupt, completing the
// level-triggered cycle. Virtual MSI delivery is refused: the message
// address/data a virtual MSI carries are programmed into the device's
// config space by the device model, which therefore owns that
// delivery path.
func newPassthroughInjector(sink irqSink) (inject func(ptirq.IntrType, ptirq.SourceID) error, eoi func(pin uint8)) {
	var mu sync.Mutex
	asserted := make(map[uint8]bool)

	inject = func(intrType ptirq.IntrType, virt ptirq.SourceID) error {
		if intrType != ptirq.IntrINTX {
			return fmt.Errorf("vm: virtual MSI %+v is device-model-owned; no INTX pin to assert", virt)
		}
		if virt.Pin < 0 || virt.Pin > 0xFF {
			return fmt.Errorf("vm: virtual INTX pin %d out of range", virt.Pin)
		}
		pin := uint8(virt.Pin)

		mu.Lock()
		asserted[pin] = true
		mu.Unlock()

		return sink.SetIRQ(uint32(pin), true)
	}

	eoi = func(pin uint8) {
		mu.Lock()
		was := asserted[pin]
		delete(asserted, pin)
		mu.Unlock()

		if was {
			_ = sink.SetIRQ(uint32(pin), false)
		}
	}

	return inject, eoi
}

// Attach creates this VM's real hv.VirtualMachine, registers devices,
// binds one hv.VirtualCPU per pCPU the VM's affinity mask allows, and
// wires the I/O-request router and the passthrough injection path into
// the backend. It must be called exactly once per VM, before VCPUs.Run.
func (v *VM) Attach(hyp hv.Hypervisor, devices []hv.Device, loader hv.VMLoader) (hv.VirtualMachine, error) {
	cfg := hv.SimpleVMConfig{
		NumCPUs:          v.VCPUs.Affinity().Count(),
		MemSize:          v.memSize,
		MemBase:          v.memBase,
		InterruptSupport: true,
		VMLoader:         loader,
	}

	machine, err := hyp.NewVirtualMachine(cfg)
	if err != nil {
		return nil, fmt.Errorf("vm %s: create hv virtual machine: %w", v.name, err)
	}

	for _, dev := range devices {
		if err := machine.AddDevice(dev); err != nil {
			return nil, fmt.Errorf("vm %s: add device %T: %w", v.name, dev, err)
		}
	}

	if binder, ok := machine.(ioRouterBinder); ok {
		binder.SetIORouter(v.IO)
	}

	// Remapped passthrough interrupts land on vIOAPIC pins; guest EOIs
	// observed there deassert them again. When the backend runs its
	// interrupt controller fully in-kernel and exposes no vIOAPIC, the
	// raw GSI lines serve instead (no EOI observation in that case; the
	// kernel chip owns the service window).
	sink := irqSink(machine)
	var ioapicDev *chipset.IOAPIC
	if prov, ok := machine.(ioapicProvider); ok {
		ioapicDev = prov.IOAPIC()
	}
	if ioapicDev != nil {
		sink = ioapicPinSink{ioapic: ioapicDev}
	}
	inject, eoi := newPassthroughInjector(sink)
	v.SetInjectHandler(inject)
	if ioapicDev != nil {
		ioapicDev.SetEOIHandler(eoi)
	}

	id := 0
	for pcpu := 0; pcpu < 64; pcpu++ {
		if !v.VCPUs.Affinity().Allows(pcpu) {
			continue
		}

		var bound hv.VirtualCPU
		if err := machine.VirtualCPUCall(id, func(vc hv.VirtualCPU) error {
			bound = vc
			return nil
		}); err != nil {
			return nil, fmt.Errorf("vm %s: locate vCPU %d: %w", v.name, id, err)
		}

		if err := v.VCPUs.BindVCPU(bound, pcpu); err != nil {
			return nil, fmt.Errorf("vm %s: bind vCPU %d to pCPU %d: %w", v.name, id, pcpu, err)
		}

		id++
	}

	v.dbg.Writef("attached hv virtual machine: %d vCPUs, %d devices", id, len(devices))

	return machine, nil
}
