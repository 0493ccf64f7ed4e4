package ioreq_test

import (
	"testing"
	"time"

	"github.com/corehv/corehv/internal/ioreq"
	"github.com/corehv/corehv/internal/sched"
	"github.com/corehv/corehv/internal/sched/iorr"
)

type fakeThreads struct {
	threads map[int]*sched.Thread
}

func (f fakeThreads) Thread(id int) (*sched.Thread, bool) {
	t, ok := f.threads[id]
	return t, ok
}

// newDeferredVCPU builds a scheduler with one thread (standing in for a
// vCPU's VMX-loop thread) whose entry issues a single PIO or MMIO
// access through the Router and reports the outcome on resultCh. This
// mirrors how internal/vcpu actually drives a thread's entry: Router
// methods that defer to the DM ring must be called from the thread's
// own goroutine so sched.Scheduler.Schedule parks and resumes the right
// goroutine (see internal/sched's YieldCurrent/Schedule contract).
func newDeferredVCPU(t *testing.T, isServiceVM bool) (r *ioreq.Router, resultCh chan error, result *uint64, start chan func(*sched.Thread)) {
	t.Helper()
	s, err := sched.New(0, iorr.New(), nil)
	if err != nil {
		t.Fatalf("sched.New: %v", err)
	}
	t.Cleanup(s.Close)

	resultCh = make(chan error, 1)
	result = new(uint64)
	start = make(chan func(*sched.Thread), 1)

	threads := map[int]*sched.Thread{}
	th := s.NewThread("vcpu0", func(t *sched.Thread) {
		work := <-start
		work(t)
	}, nil, nil)
	threads[0] = th

	r = ioreq.NewRouter(ioreq.Config{
		IsServiceVM: isServiceVM,
		NRSlots:     1,
		Threads:     fakeThreads{threads: threads},
	})
	s.RunThread(th)
	return r, resultCh, result, start
}

// A write to a registered port runs the handler in place; no DM slot is
// consumed.
func TestEmulateIO_PIOHandled(t *testing.T) {
	r, resultCh, _, start := newDeferredVCPU(t, true)

	var gotPort uint16
	var gotSize int
	var gotVal uint64
	r.RegisterPIOHandler(0x70, 1, nil, func(port uint16, size int, val uint64) error {
		gotPort, gotSize, gotVal = port, size, val
		return nil
	})

	start <- func(th *sched.Thread) {
		resultCh <- r.HandlePIOExit(0, 0x70, 1, ioreq.DirWrite, 0xAB, nil)
	}

	select {
	case err := <-resultCh:
		if err != nil {
			t.Fatalf("HandlePIOExit: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out")
	}
	if gotPort != 0x70 || gotSize != 1 || gotVal != 0xAB {
		t.Fatalf("handler called with port=0x%x size=%d val=0x%x", gotPort, gotSize, gotVal)
	}
}

// A read from a port no handler covers, on a VM whose bitmap denies
// direct access, lands in the vCPU's DM ring slot; the vCPU blocks
// until the DM completes it and the value comes back in RAX.
func TestEmulateIO_PIODeferred(t *testing.T) {
	r, resultCh, result, start := newDeferredVCPU(t, false)

	start <- func(th *sched.Thread) {
		resultCh <- r.HandlePIOExit(0, 0x1234, 4, ioreq.DirRead, 0, func(v uint64) error {
			*result = v
			return nil
		})
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		slot := r.Slot(0)
		if slot.Valid() && slot.State() == ioreq.SlotProcessing {
			break
		}
		time.Sleep(time.Millisecond)
	}

	slot := r.Slot(0)
	req := slot.Request()
	if req.Kind != ioreq.KindPIO || req.Direction != ioreq.DirRead || req.Size != 4 || req.Address != 0x1234 {
		t.Fatalf("unexpected staged request: %+v", req)
	}

	if err := r.CompleteRequest(0, 0xCAFEBABE, true); err != nil {
		t.Fatalf("CompleteRequest: %v", err)
	}

	select {
	case err := <-resultCh:
		if err != nil {
			t.Fatalf("HandlePIOExit: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for vCPU to resume")
	}
	if *result != 0xCAFEBABE {
		t.Fatalf("expected RAX low32 = 0xCAFEBABE, got 0x%x", *result)
	}
}

// An MMIO read outside every registered range goes to the DM; the
// completion value lands in the decoded destination register.
func TestEmulateIO_MMIODeferred(t *testing.T) {
	r, resultCh, result, start := newDeferredVCPU(t, false)

	start <- func(th *sched.Thread) {
		resultCh <- r.HandleMMIOExit(0, ioreq.KindMMIO, 0xFEB00000, 8, ioreq.DirRead, 0, func(v uint64) error {
			*result = v
			return nil
		})
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		slot := r.Slot(0)
		if slot.Valid() && slot.State() == ioreq.SlotProcessing {
			break
		}
		time.Sleep(time.Millisecond)
	}

	if err := r.CompleteRequest(0, 0x1122334455667788, true); err != nil {
		t.Fatalf("CompleteRequest: %v", err)
	}
	select {
	case err := <-resultCh:
		if err != nil {
			t.Fatalf("HandleMMIOExit: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for vCPU to resume")
	}
	if *result != 0x1122334455667788 {
		t.Fatalf("expected dest register = 0x1122334455667788, got 0x%x", *result)
	}
}

func TestEmulateIO_SplitAccessIsError(t *testing.T) {
	r, resultCh, _, start := newDeferredVCPU(t, true)
	r.RegisterPIOHandler(0x10, 2, func(port uint16, size int) (uint64, error) { return 0, nil }, nil)
	r.RegisterPIOHandler(0x12, 2, func(port uint16, size int) (uint64, error) { return 0, nil }, nil)

	writeBackCalled := make(chan bool, 1)
	start <- func(th *sched.Thread) {
		resultCh <- r.HandlePIOExit(0, 0x11, 2, ioreq.DirRead, 0, func(uint64) error {
			writeBackCalled <- true
			return nil
		})
	}

	select {
	case err := <-resultCh:
		if err != ioreq.ErrSplitAccess {
			t.Fatalf("expected ErrSplitAccess, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out")
	}
	select {
	case <-writeBackCalled:
		t.Fatalf("split access must not touch guest RAX")
	default:
	}
}

func TestEmulateIO_ServiceVMDirectAccess(t *testing.T) {
	r, resultCh, result, start := newDeferredVCPU(t, true)
	// No handler registered, Service VM default-allow bitmap: direct access.
	start <- func(th *sched.Thread) {
		resultCh <- r.HandlePIOExit(0, 0x3F8, 1, ioreq.DirRead, 0, func(v uint64) error {
			*result = v
			return nil
		})
	}

	select {
	case err := <-resultCh:
		if err != nil {
			t.Fatalf("direct access should succeed without DM round trip: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out")
	}
	if *result != 0 {
		t.Fatalf("expected zero-valued direct read, got 0x%x", *result)
	}
}
