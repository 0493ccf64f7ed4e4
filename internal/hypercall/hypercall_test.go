package hypercall_test

import (
	"sync"
	"testing"

	"github.com/corehv/corehv/internal/hypercall"
)

type fakeVM struct {
	mu          sync.Mutex
	id          int
	service     bool
	ree         bool
	prelaunched bool
	flags       hypercall.GuestFlags
}

func (v *fakeVM) ID() int                        { return v.id }
func (v *fakeVM) IsServiceVM() bool               { return v.service }
func (v *fakeVM) IsREEVM() bool                   { return v.ree }
func (v *fakeVM) IsPrelaunched() bool             { return v.prelaunched }
func (v *fakeVM) GuestFlags() hypercall.GuestFlags { return v.flags }
func (v *fakeVM) Lock()                           { v.mu.Lock() }
func (v *fakeVM) Unlock()                         { v.mu.Unlock() }

type fakeVCPU struct {
	vm     *fakeVM
	regs   map[int]uint64
	ring0  bool
	injUD  bool
	injGP  bool
	gpCode uint32
}

func newFakeVCPU(vm *fakeVM) *fakeVCPU {
	return &fakeVCPU{vm: vm, regs: map[int]uint64{}, ring0: true}
}

func (c *fakeVCPU) VM() hypercall.VM           { return c.vm }
func (c *fakeVCPU) GPReg(reg int) uint64       { return c.regs[reg] }
func (c *fakeVCPU) SetGPReg(reg int, v uint64) { c.regs[reg] = v }
func (c *fakeVCPU) InjectUD()                  { c.injUD = true }
func (c *fakeVCPU) InjectGP(code uint32)       { c.injGP = true; c.gpCode = code }
func (c *fakeVCPU) InRing0() bool              { return c.ring0 }

const (
	hcGetAPIVersion = 0x0
	hcCreateVM      = 0x1
	hcWorldSwitch   = 0x2
)

func TestServiceVMCallTargetsServiceVMByDefault(t *testing.T) {
	table := hypercall.NewTable()
	var gotTarget hypercall.VM
	table.Register(hcGetAPIVersion, hypercall.Entry{
		Handler: func(caller hypercall.VCPU, target hypercall.VM, p1, p2 uint64) (int64, error) {
			gotTarget = target
			return 42, nil
		},
	})

	svc := &fakeVM{id: 0, service: true}
	vcpu := newFakeVCPU(svc)
	vcpu.regs[hypercall.RegR8] = hcGetAPIVersion

	gate := hypercall.NewGate(table)
	gate.Handle(vcpu)

	if vcpu.injUD || vcpu.injGP {
		t.Fatalf("unexpected fault injection for Service VM call")
	}
	if gotTarget != svc {
		t.Fatalf("expected target VM to default to caller (Service VM)")
	}
	if vcpu.regs[hypercall.RegRAX] != 42 {
		t.Fatalf("expected RAX=42, got %d", vcpu.regs[hypercall.RegRAX])
	}
}

func TestNonHypercallGuestGetsUD(t *testing.T) {
	table := hypercall.NewTable()
	table.Register(hcGetAPIVersion, hypercall.Entry{
		Handler: func(hypercall.VCPU, hypercall.VM, uint64, uint64) (int64, error) { return 0, nil },
	})

	guest := &fakeVM{id: 1}
	vcpu := newFakeVCPU(guest)
	vcpu.regs[hypercall.RegR8] = hcGetAPIVersion

	hypercall.NewGate(table).Handle(vcpu)
	if !vcpu.injUD {
		t.Fatalf("expected #UD injection for a non-hypercall-capable guest")
	}
}

func TestNonRing0GetsGP(t *testing.T) {
	table := hypercall.NewTable()
	table.Register(hcGetAPIVersion, hypercall.Entry{
		Handler: func(hypercall.VCPU, hypercall.VM, uint64, uint64) (int64, error) { return 0, nil },
	})

	svc := &fakeVM{id: 0, service: true}
	vcpu := newFakeVCPU(svc)
	vcpu.ring0 = false
	vcpu.regs[hypercall.RegR8] = hcGetAPIVersion

	hypercall.NewGate(table).Handle(vcpu)
	if !vcpu.injGP || vcpu.gpCode != 0 {
		t.Fatalf("expected #GP(0) injection for a non-ring-0 caller")
	}
}

func TestPermissionFlaggedCallRequiresAllBits(t *testing.T) {
	table := hypercall.NewTable()
	called := false
	table.Register(hcWorldSwitch, hypercall.Entry{
		Handler: func(hypercall.VCPU, hypercall.VM, uint64, uint64) (int64, error) {
			called = true
			return 0, nil
		},
		PermissionFlags: hypercall.GuestFlagTEE | hypercall.GuestFlagREE,
	})

	tee := &fakeVM{id: 2, flags: hypercall.GuestFlagTEE}
	vcpu := newFakeVCPU(tee)
	vcpu.regs[hypercall.RegR8] = hcWorldSwitch

	if _, err := table.Dispatch(vcpu, hcWorldSwitch, 0, 0); err == nil {
		t.Fatalf("expected -ENOTTY when caller lacks the full permission mask")
	}
	if called {
		t.Fatalf("handler must not run without the full permission mask")
	}

	tee.flags = hypercall.GuestFlagTEE | hypercall.GuestFlagREE
	if _, err := table.Dispatch(vcpu, hcWorldSwitch, 0, 0); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !called {
		t.Fatalf("expected handler to run once caller carries the full permission mask")
	}
}

func TestPrelaunchedTargetDenied(t *testing.T) {
	table := hypercall.NewTable()
	target := &fakeVM{id: 3, prelaunched: true}
	table.Register(hcCreateVM, hypercall.Entry{
		Handler: func(hypercall.VCPU, hypercall.VM, uint64, uint64) (int64, error) { return 0, nil },
		Resolver: func(caller hypercall.VM, id uint64, p1, p2 uint64) (hypercall.VM, bool) {
			return target, true
		},
	})

	svc := &fakeVM{id: 0, service: true}
	vcpu := newFakeVCPU(svc)

	if _, err := table.Dispatch(vcpu, hcCreateVM, 0, 0); err == nil {
		t.Fatalf("expected -ENOTTY for a prelaunched target VM")
	}
}

func TestUnknownIDReturnsENOTTY(t *testing.T) {
	table := hypercall.NewTable()
	svc := &fakeVM{id: 0, service: true}
	vcpu := newFakeVCPU(svc)

	if _, err := table.Dispatch(vcpu, 0xFFFF, 0, 0); err == nil {
		t.Fatalf("expected -ENOTTY for an unregistered hypercall id")
	}
}

func TestREEVMCannotUseServiceVMDefaultPath(t *testing.T) {
	table := hypercall.NewTable()
	called := false
	table.Register(hcGetAPIVersion, hypercall.Entry{
		Handler: func(hypercall.VCPU, hypercall.VM, uint64, uint64) (int64, error) {
			called = true
			return 0, nil
		},
	})

	ree := &fakeVM{id: 4, service: true, ree: true, flags: hypercall.GuestFlagREE}
	vcpu := newFakeVCPU(ree)

	if _, err := table.Dispatch(vcpu, hcGetAPIVersion, 0, 0); err == nil {
		t.Fatalf("REE VM must not use the permission_flags==0 Service VM path")
	}
	if called {
		t.Fatalf("handler must not run for a denied REE caller")
	}
}
