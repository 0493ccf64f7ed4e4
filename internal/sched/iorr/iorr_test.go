package iorr_test

import (
	"testing"
	"time"

	"github.com/corehv/corehv/internal/sched"
	"github.com/corehv/corehv/internal/sched/iorr"
)

func newTestScheduler(t *testing.T) *sched.Scheduler {
	t.Helper()
	s, err := sched.New(0, iorr.New(), nil)
	if err != nil {
		t.Fatalf("sched.New: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func TestRoundRobinRotation(t *testing.T) {
	s := newTestScheduler(t)
	policy := s.Policy().(*iorr.Policy)

	a := s.NewThread("a", func(*sched.Thread) {}, nil, nil)
	b := s.NewThread("b", func(*sched.Thread) {}, nil, nil)
	c := s.NewThread("c", func(*sched.Thread) {}, nil, nil)

	policy.Wake(a)
	policy.Wake(b)
	policy.Wake(c)

	// Wake pushes to the front, so the FIFO is [c, b, a].
	first := policy.PickNext(s)
	if first.Name() != "c" {
		t.Fatalf("expected c first, got %s", first.Name())
	}
}

func TestSliceOverride(t *testing.T) {
	s := newTestScheduler(t)
	a := s.NewThread("a", func(*sched.Thread) {}, nil, nil)

	iorr.SetSlice(a, 25*time.Millisecond)
	d := a.PolicyData().(*iorr.ThreadData)
	if d.Leftover() != 25*time.Millisecond {
		t.Fatalf("expected leftover to match overridden slice, got %s", d.Leftover())
	}
}

func TestSleepRemovesFromFIFO(t *testing.T) {
	s := newTestScheduler(t)
	policy := s.Policy().(*iorr.Policy)

	a := s.NewThread("a", func(*sched.Thread) {}, nil, nil)
	policy.Wake(a)
	policy.Sleep(a)

	if policy.PickNext(s) != nil {
		t.Fatalf("expected empty run queue after sleep")
	}
}
