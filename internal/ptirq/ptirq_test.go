package ptirq_test

import (
	"sync"
	"testing"
	"time"

	"github.com/corehv/corehv/internal/ptirq"
)

type fakeVM struct {
	id      int
	service bool
	delay   time.Duration
}

func (v *fakeVM) ID() int                    { return v.id }
func (v *fakeVM) IsServiceVM() bool          { return v.service }
func (v *fakeVM) InjectDelay() time.Duration { return v.delay }

type recordingTarget struct {
	mu    sync.Mutex
	count int
}

func (r *recordingTarget) Inject(intrType ptirq.IntrType, virt ptirq.SourceID, vm ptirq.VM) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.count++
	return nil
}

func (r *recordingTarget) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

func TestAllocActivateFindDeactivate(t *testing.T) {
	target := &recordingTarget{}
	pool := ptirq.NewPool(4, target)
	vm := &fakeVM{id: 1}

	e, err := pool.AllocEntry(vm, ptirq.IntrINTX)
	if err != nil {
		t.Fatalf("AllocEntry: %v", err)
	}

	phys := ptirq.SourceID{Pin: 5}
	virt := ptirq.SourceID{Pin: 9}
	if err := pool.ActivateEntry(e, phys, virt); err != nil {
		t.Fatalf("ActivateEntry: %v", err)
	}

	found, ok := pool.FindByPhys(phys)
	if !ok || found != e {
		t.Fatalf("FindByPhys did not return activated entry")
	}
	foundVirt, ok := pool.FindByVirt(virt, vm, ptirq.IntrINTX)
	if !ok || foundVirt != e {
		t.Fatalf("FindByVirt did not return activated entry")
	}

	pool.DeactivateEntry(e)
	if _, ok := pool.FindByPhys(phys); ok {
		t.Fatalf("entry still indexed by phys source after deactivate")
	}
	if e.Active() {
		t.Fatalf("entry still marked active after deactivate")
	}
}

func TestAllocExhaustsPool(t *testing.T) {
	pool := ptirq.NewPool(1, nil)
	vm := &fakeVM{id: 1}

	if _, err := pool.AllocEntry(vm, ptirq.IntrMSI); err != nil {
		t.Fatalf("first AllocEntry: %v", err)
	}
	if _, err := pool.AllocEntry(vm, ptirq.IntrMSI); err == nil {
		t.Fatalf("expected pool exhaustion error")
	}
}

func TestReleaseEntryFreesSlot(t *testing.T) {
	pool := ptirq.NewPool(1, nil)
	vm := &fakeVM{id: 1}

	e, err := pool.AllocEntry(vm, ptirq.IntrMSI)
	if err != nil {
		t.Fatalf("AllocEntry: %v", err)
	}
	pool.ReleaseEntry(e)

	if _, err := pool.AllocEntry(vm, ptirq.IntrMSI); err != nil {
		t.Fatalf("AllocEntry after release: %v", err)
	}
}

// TestServiceVMAlwaysDelivers: every physical interrupt for a
// Service-VM entry is enqueued and delivered immediately, with no
// delay-timer coalescing.
func TestServiceVMAlwaysDelivers(t *testing.T) {
	target := &recordingTarget{}
	pool := ptirq.NewPool(4, target)
	vm := &fakeVM{id: 0, service: true}

	e, err := pool.AllocEntry(vm, ptirq.IntrINTX)
	if err != nil {
		t.Fatalf("AllocEntry: %v", err)
	}
	phys := ptirq.SourceID{Pin: 1}
	if err := pool.ActivateEntry(e, phys, ptirq.SourceID{Pin: 1}); err != nil {
		t.Fatalf("ActivateEntry: %v", err)
	}

	for i := 0; i < 5; i++ {
		pool.HandleInterrupt(phys)
		if err := pool.Dispatch(); err != nil {
			t.Fatalf("Dispatch: %v", err)
		}
	}
	if target.Count() != 5 {
		t.Fatalf("expected 5 injections for Service VM, got %d", target.Count())
	}
	if e.IntrCount() != 0 {
		t.Fatalf("Service VM entries do not accumulate intr_count, got %d", e.IntrCount())
	}
}

// TestAntiStormCoalescesBurst: a burst of interrupts arriving well
// inside the delay window collapses to a single injection, with the
// remainder counted but absorbed; a further interrupt after the window
// elapses produces a second injection.
func TestAntiStormCoalescesBurst(t *testing.T) {
	target := &recordingTarget{}
	pool := ptirq.NewPool(4, target)
	vm := &fakeVM{id: 1, delay: 10 * time.Millisecond}

	e, err := pool.AllocEntry(vm, ptirq.IntrINTX)
	if err != nil {
		t.Fatalf("AllocEntry: %v", err)
	}
	phys := ptirq.SourceID{Pin: 2}
	if err := pool.ActivateEntry(e, phys, ptirq.SourceID{Pin: 2}); err != nil {
		t.Fatalf("ActivateEntry: %v", err)
	}

	const burst = 100
	for i := 0; i < burst; i++ {
		pool.HandleInterrupt(phys)
	}
	if err := pool.Dispatch(); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if got := target.Count(); got != 1 {
		t.Fatalf("expected exactly 1 injection for the initial burst, got %d", got)
	}
	if got := e.IntrCount(); got != burst {
		t.Fatalf("expected all %d hits counted even though only one was injected, got %d", burst, got)
	}

	time.Sleep(15 * time.Millisecond)
	if err := pool.Dispatch(); err != nil {
		t.Fatalf("Dispatch after window: %v", err)
	}
	if got := target.Count(); got != 1 {
		t.Fatalf("the delay timer firing with no further interrupts must not inject again, got %d", got)
	}

	pool.HandleInterrupt(phys)
	if err := pool.Dispatch(); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if got := target.Count(); got != 2 {
		t.Fatalf("expected a second injection once the window elapsed, got %d", got)
	}
}

func TestReleaseVMReleasesAllEntries(t *testing.T) {
	pool := ptirq.NewPool(4, nil)
	vmA := &fakeVM{id: 1}
	vmB := &fakeVM{id: 2}

	eA1, _ := pool.AllocEntry(vmA, ptirq.IntrINTX)
	eA2, _ := pool.AllocEntry(vmA, ptirq.IntrMSI)
	eB, _ := pool.AllocEntry(vmB, ptirq.IntrINTX)

	_ = pool.ActivateEntry(eA1, ptirq.SourceID{Pin: 1}, ptirq.SourceID{Pin: 1})
	_ = pool.ActivateEntry(eA2, ptirq.SourceID{Pin: 2}, ptirq.SourceID{Pin: 2})
	_ = pool.ActivateEntry(eB, ptirq.SourceID{Pin: 3}, ptirq.SourceID{Pin: 3})

	pool.ReleaseVM(vmA)

	if len(pool.Entries()) != 1 {
		t.Fatalf("expected only vmB's entry to remain, got %d entries", len(pool.Entries()))
	}
	if _, ok := pool.FindByPhys(ptirq.SourceID{Pin: 3}); !ok {
		t.Fatalf("vmB's entry should remain indexed")
	}
}
