package teeree_test

import (
	"testing"
	"time"

	"github.com/corehv/corehv/internal/sched"
	"github.com/corehv/corehv/internal/sched/iorr"
	"github.com/corehv/corehv/internal/teeree"
)

type fakeVCPU struct {
	regs     teeree.Registers
	thread   *sched.Thread
	pending  uint8
	hasPend  bool
	cleared  []uint8
	injected []uint8
	notified []uint8
}

func (v *fakeVCPU) Registers() teeree.Registers     { return v.regs }
func (v *fakeVCPU) SetRegisters(r teeree.Registers) { v.regs = r }
func (v *fakeVCPU) Thread() *sched.Thread           { return v.thread }
func (v *fakeVCPU) PendingInterrupt() (uint8, bool) { return v.pending, v.hasPend }
func (v *fakeVCPU) ClearInterrupt(vec uint8)        { v.cleared = append(v.cleared, vec); v.hasPend = false }
func (v *fakeVCPU) InjectInterrupt(vec uint8)       { v.injected = append(v.injected, vec) }
func (v *fakeVCPU) NotifyPosted(anv uint8)          { v.notified = append(v.notified, anv) }

// newPair wires two fakeVCPUs to real scheduler threads on one pCPU.
// TEE's thread entry waits on start and then invokes the supplied
// closure from its own goroutine, matching the real integration (the
// switch_ee hypercall handler runs inside the vCPU's own VMX-loop
// goroutine, which is the only goroutine allowed to call
// sched.Scheduler.Schedule on its own behalf).
func newPair(t *testing.T) (pair *teeree.Pair, teeVCPU, reeVCPU *fakeVCPU, s *sched.Scheduler, start chan func(*sched.Thread)) {
	t.Helper()
	s, err := sched.New(0, iorr.New(), nil)
	if err != nil {
		t.Fatalf("sched.New: %v", err)
	}
	t.Cleanup(s.Close)

	teeVCPU = &fakeVCPU{}
	reeVCPU = &fakeVCPU{}
	start = make(chan func(*sched.Thread), 1)

	teeVCPU.thread = s.NewThread("tee", func(th *sched.Thread) {
		work := <-start
		work(th)
	}, nil, nil)
	reeVCPU.thread = s.NewThread("ree", func(th *sched.Thread) {
		<-make(chan struct{}) // REE never runs its own logic in these tests.
	}, nil, nil)

	pair = &teeree.Pair{TEE: teeVCPU, REE: reeVCPU}
	s.RunThread(teeVCPU.thread)
	return pair, teeVCPU, reeVCPU, s, start
}

func TestSwitchToREECopiesRegisters(t *testing.T) {
	pair, teeVCPU, reeVCPU, _, start := newPair(t)
	teeVCPU.regs = teeree.Registers{RDI: 1, RSI: 2, RDX: 3, RBX: 4}

	done := make(chan struct{})
	start <- func(th *sched.Thread) {
		pair.SwitchToREE(false, 0x40)
		close(done)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("SwitchToREE did not return")
	}

	if reeVCPU.regs.RDI != 1 || reeVCPU.regs.RSI != 2 || reeVCPU.regs.RDX != 3 || reeVCPU.regs.RBX != 4 {
		t.Fatalf("REE registers not copied: %+v", reeVCPU.regs)
	}
}

func TestSwitchToREESkipsCopyOnFIQReturn(t *testing.T) {
	pair, teeVCPU, reeVCPU, _, start := newPair(t)
	teeVCPU.regs = teeree.Registers{RDI: 0xDEAD}
	reeVCPU.regs = teeree.Registers{RDI: 0xBEEF}

	done := make(chan struct{})
	start <- func(th *sched.Thread) {
		pair.SwitchToREE(true, 0x40)
		close(done)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("SwitchToREE did not return")
	}

	if reeVCPU.regs.RDI != 0xBEEF {
		t.Fatalf("FIQ return must not overwrite REE registers, got %+v", reeVCPU.regs)
	}
}

func TestSwitchToREEClearsMatchingNonsecureVector(t *testing.T) {
	pair, teeVCPU, _, _, start := newPair(t)
	teeVCPU.pending = teeree.TEEFixedNonsecureVector
	teeVCPU.hasPend = true

	done := make(chan struct{})
	start <- func(th *sched.Thread) {
		pair.SwitchToREE(false, 0x40)
		close(done)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("SwitchToREE did not return")
	}

	if len(teeVCPU.cleared) != 1 || teeVCPU.cleared[0] != teeree.TEEFixedNonsecureVector {
		t.Fatalf("expected the non-secure vector to be cleared, got %v", teeVCPU.cleared)
	}
}

func TestSwitchToREENotifiesOnHigherPrioritySecureInterrupt(t *testing.T) {
	pair, teeVCPU, reeVCPU, _, start := newPair(t)
	teeVCPU.pending = teeree.TEEFixedNonsecureVector + 10
	teeVCPU.hasPend = true

	done := make(chan struct{})
	start <- func(th *sched.Thread) {
		pair.SwitchToREE(false, 0x40)
		close(done)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("SwitchToREE did not return")
	}

	if len(reeVCPU.notified) != 1 || reeVCPU.notified[0] != 0x40 {
		t.Fatalf("expected REE to be notified with caller's ANV, got %v", reeVCPU.notified)
	}
}

func TestSwitchToTEECopiesRAXRCXAndWakes(t *testing.T) {
	pair, teeVCPU, reeVCPU, s, start := newPair(t)

	// Put TEE to sleep first (from its own goroutine) so SwitchToTEE's
	// wake has an effect to observe via the thread's status.
	asleep := make(chan struct{})
	start <- func(th *sched.Thread) {
		s.SleepThread(th)
		close(asleep)
		s.Schedule()
	}
	select {
	case <-asleep:
	case <-time.After(time.Second):
		t.Fatalf("TEE thread did not sleep")
	}
	for teeVCPU.thread.Status() != sched.StatusBlocked {
		time.Sleep(time.Millisecond)
	}

	reeVCPU.regs = teeree.Registers{RAX: 7, RCX: 8, RDI: 9, RSI: 10, RDX: 11, RBX: 12}
	pair.SwitchToTEE()

	if teeVCPU.regs.RAX != 7 || teeVCPU.regs.RCX != 8 {
		t.Fatalf("TEE RAX/RCX not copied: %+v", teeVCPU.regs)
	}
	if teeVCPU.regs.RDI != 9 || teeVCPU.regs.RSI != 10 || teeVCPU.regs.RDX != 11 || teeVCPU.regs.RBX != 12 {
		t.Fatalf("TEE common registers not copied: %+v", teeVCPU.regs)
	}
	if teeVCPU.thread.Status() == sched.StatusBlocked {
		t.Fatalf("expected TEE thread woken, still blocked")
	}
}

func TestOnSecureInterruptSetsFIQEntryAndWakesTEE(t *testing.T) {
	_, teeVCPU, reeVCPU, s, start := newPair(t)
	pair := &teeree.Pair{TEE: teeVCPU, REE: reeVCPU}

	asleep := make(chan struct{})
	start <- func(th *sched.Thread) {
		s.SleepThread(th)
		close(asleep)
		s.Schedule()
	}
	select {
	case <-asleep:
	case <-time.After(time.Second):
		t.Fatalf("TEE thread did not sleep")
	}
	for teeVCPU.thread.Status() != sched.StatusBlocked {
		time.Sleep(time.Millisecond)
	}

	pair.OnSecureInterrupt()

	if reeVCPU.regs.RDI != teeree.OPTEEFIQEntry {
		t.Fatalf("expected REE RDI = OP-TEE FIQ entry, got 0x%x", reeVCPU.regs.RDI)
	}
	if teeVCPU.thread.Status() == sched.StatusBlocked {
		t.Fatalf("expected TEE thread woken")
	}
}

func TestOnNonSecureInterruptInjectsFixedVector(t *testing.T) {
	pair, teeVCPU, _, _, _ := newPair(t)
	pair.OnNonSecureInterrupt()
	if len(teeVCPU.injected) != 1 || teeVCPU.injected[0] != teeree.TEEFixedNonsecureVector {
		t.Fatalf("expected the fixed non-secure vector injected, got %v", teeVCPU.injected)
	}
}
