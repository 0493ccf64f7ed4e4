package vm_test

import (
	"testing"
	"time"

	"github.com/corehv/corehv/internal/hypercall"
	"github.com/corehv/corehv/internal/ptirq"
	"github.com/corehv/corehv/internal/sched"
	"github.com/corehv/corehv/internal/sched/iorr"
	"github.com/corehv/corehv/internal/vcpu"
	"github.com/corehv/corehv/internal/vm"
)

func oneCPUScheds(t *testing.T) map[int]*sched.Scheduler {
	t.Helper()
	s, err := sched.New(0, iorr.New(), nil)
	if err != nil {
		t.Fatalf("sched.New: %v", err)
	}
	t.Cleanup(s.Close)
	return map[int]*sched.Scheduler{0: s}
}

func newTestVM(t *testing.T, id int, kind vm.Kind, notify func() error) *vm.VM {
	t.Helper()
	v, err := vm.New(id, vm.Config{
		Name:        "vm" + string(rune('0'+id)),
		Kind:        kind,
		MemorySize:  1 << 20,
		Affinity:    vcpu.Affinity(1),
		PCPUScheds:  oneCPUScheds(t),
		InjectDelay: 0,
		Notify:      notify,
	})
	if err != nil {
		t.Fatalf("vm.New: %v", err)
	}
	return v
}

func TestRegistryAddRejectsDuplicateID(t *testing.T) {
	r := vm.NewRegistry(8)
	svc := newTestVM(t, 0, vm.KindService, nil)
	if err := r.Add(svc); err != nil {
		t.Fatalf("Add: %v", err)
	}
	dup := newTestVM(t, 0, vm.KindPostLaunched, nil)
	if err := r.Add(dup); err == nil {
		t.Fatalf("expected duplicate id error")
	}
}

func TestRegistryNotifyServiceVMRequiresOneRegistered(t *testing.T) {
	r := vm.NewRegistry(8)
	if err := r.NotifyServiceVM(); err == nil {
		t.Fatalf("expected an error with no Service VM registered")
	}

	svc := newTestVM(t, 0, vm.KindService, nil)
	if err := r.Add(svc); err != nil {
		t.Fatalf("Add: %v", err)
	}
	got, ok := r.ServiceVM()
	if !ok || got != svc {
		t.Fatalf("ServiceVM() = %v, %v; want %v, true", got, ok, svc)
	}
}

type fakeHCVCPU struct {
	vm    hypercall.VM
	regs  map[int]uint64
	ud    int
	gp    int
	ring0 bool
}

func (f *fakeHCVCPU) VM() hypercall.VM { return f.vm }
func (f *fakeHCVCPU) GPReg(reg int) uint64 {
	if f.regs == nil {
		return 0
	}
	return f.regs[reg]
}
func (f *fakeHCVCPU) SetGPReg(reg int, val uint64) {
	if f.regs == nil {
		f.regs = make(map[int]uint64)
	}
	f.regs[reg] = val
}
func (f *fakeHCVCPU) InjectUD()            { f.ud++ }
func (f *fakeHCVCPU) InjectGP(code uint32) { f.gp++ }
func (f *fakeHCVCPU) InRing0() bool        { return f.ring0 }

// TestRegistryDispatchesRegisteredHypercall exercises the
// permission_flags==0 path: the Service VM calling its own default
// target, by construction the path any RegisterHypercall caller uses
// unless it sets PermissionFlags.
func TestRegistryDispatchesRegisteredHypercall(t *testing.T) {
	r := vm.NewRegistry(8)
	svc := newTestVM(t, 0, vm.KindService, nil)
	if err := r.Add(svc); err != nil {
		t.Fatalf("Add: %v", err)
	}

	const hcPing = 0x100
	called := false
	r.RegisterHypercall(hcPing, hypercall.Entry{
		Handler: func(caller hypercall.VCPU, target hypercall.VM, p1, p2 uint64) (int64, error) {
			called = true
			return 42, nil
		},
	})

	caller := &fakeHCVCPU{vm: svc, ring0: true, regs: map[int]uint64{hypercall.RegR8: hcPing}}
	r.HCGate.Handle(caller)
	if !called {
		t.Fatalf("expected handler to be invoked")
	}
	if caller.GPReg(hypercall.RegRAX) != 42 {
		t.Fatalf("expected RAX=42, got %d", caller.GPReg(hypercall.RegRAX))
	}
	if caller.ud != 0 || caller.gp != 0 {
		t.Fatalf("expected no fault injected, got ud=%d gp=%d", caller.ud, caller.gp)
	}
}

func TestCoreHypercallAPIVersion(t *testing.T) {
	r := vm.NewRegistry(8)
	svc := newTestVM(t, 0, vm.KindService, nil)
	if err := r.Add(svc); err != nil {
		t.Fatalf("Add: %v", err)
	}
	r.RegisterCoreHypercalls()

	caller := &fakeHCVCPU{vm: svc, ring0: true, regs: map[int]uint64{hypercall.RegR8: hypercall.IDGetAPIVersion}}
	r.HCGate.Handle(caller)
	if got := int64(caller.GPReg(hypercall.RegRAX)); got != hypercall.APIVersion {
		t.Fatalf("expected RAX=%d, got %d", hypercall.APIVersion, got)
	}
}

func TestRegistryUnknownHypercallReturnsError(t *testing.T) {
	r := vm.NewRegistry(8)
	svc := newTestVM(t, 0, vm.KindService, nil)
	if err := r.Add(svc); err != nil {
		t.Fatalf("Add: %v", err)
	}

	caller := &fakeHCVCPU{vm: svc, ring0: true, regs: map[int]uint64{hypercall.RegR8: 0xDEAD}}
	r.HCGate.Handle(caller)
	if got := int64(caller.GPReg(hypercall.RegRAX)); got != -1 {
		t.Fatalf("expected RAX=-1 for an unregistered id, got %d", got)
	}
}

func TestPtirqInjectsThroughRegisteredVM(t *testing.T) {
	r := vm.NewRegistry(8)
	guest := newTestVM(t, 1, vm.KindPostLaunched, nil)
	if err := r.Add(guest); err != nil {
		t.Fatalf("Add: %v", err)
	}

	delivered := make(chan ptirq.SourceID, 1)
	guest.SetInjectHandler(func(intrType ptirq.IntrType, virt ptirq.SourceID) error {
		delivered <- virt
		return nil
	})

	entry, err := r.PtirqPool.AllocEntry(guest, ptirq.IntrINTX)
	if err != nil {
		t.Fatalf("AllocEntry: %v", err)
	}
	phys := ptirq.SourceID{Pin: 5}
	virt := ptirq.SourceID{Pin: 7}
	if err := r.PtirqPool.ActivateEntry(entry, phys, virt); err != nil {
		t.Fatalf("ActivateEntry: %v", err)
	}

	r.PtirqPool.HandleInterrupt(phys)
	if err := r.PtirqPool.Dispatch(); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	select {
	case got := <-delivered:
		if got != virt {
			t.Fatalf("expected virt %+v, got %+v", virt, got)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected an injection to be delivered")
	}
}
