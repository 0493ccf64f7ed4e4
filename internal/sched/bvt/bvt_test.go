package bvt_test

import (
	"testing"

	"github.com/corehv/corehv/internal/sched"
	"github.com/corehv/corehv/internal/sched/bvt"
)

func newTestScheduler(t *testing.T) *sched.Scheduler {
	t.Helper()
	s, err := sched.New(0, bvt.New(), nil)
	if err != nil {
		t.Fatalf("sched.New: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func TestPickNextReturnsEVTOrderedHead(t *testing.T) {
	s := newTestScheduler(t)
	policy := s.Policy().(*bvt.Policy)

	a := s.NewThread("a", func(*sched.Thread) {}, nil, nil)
	b := s.NewThread("b", func(*sched.Thread) {}, nil, nil)

	// Both are woken with equal EVT, so a, queued first, is picked first.
	policy.Wake(a)
	ad := a.PolicyData().(*bvt.ThreadData)
	_ = ad

	policy.Wake(b)

	next := policy.PickNext(s)
	if next != a {
		// Both start at AVT 0; insertion order (FIFO among ties) puts a first.
		t.Fatalf("expected a to be picked first (FIFO among equal EVT), got %s", next.Name())
	}
}

func TestWakeLeavesFreshThreadAVTNonNegative(t *testing.T) {
	s := newTestScheduler(t)
	policy := s.Policy().(*bvt.Policy)

	a := s.NewThread("a", func(*sched.Thread) {}, nil, nil)
	if err := bvt.SetWeight(a, 100); err != nil {
		t.Fatalf("SetWeight: %v", err)
	}

	policy.Wake(a)
	ad := a.PolicyData().(*bvt.ThreadData)
	if ad.AVT() < 0 {
		t.Fatalf("unexpected negative AVT after wake: %d", ad.AVT())
	}
}

func TestSleepRemovesFromQueue(t *testing.T) {
	s := newTestScheduler(t)
	policy := s.Policy().(*bvt.Policy)

	a := s.NewThread("a", func(*sched.Thread) {}, nil, nil)
	policy.Wake(a)
	policy.Sleep(a)

	if policy.PickNext(s) != nil {
		t.Fatalf("expected empty run queue after sleep")
	}
}
