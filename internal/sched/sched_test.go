package sched_test

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

func TestIdleRunningWhenQueueEmpty(t *testing.T) {
	s := newTestScheduler(t)
	if s.Current() != s.IdleThread() {
		t.Fatalf("expected idle thread to be current initially")
	}
}

func TestWakeRunningThreadIsNoop(t *testing.T) {
	s := newTestScheduler(t)

	ran := make(chan struct{})
	th := s.NewThread("t1", func(t *sched.Thread) {
		close(ran)
		<-make(chan struct{}) // park forever once scheduled
	}, nil, nil)

	s.RunThread(th)

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatalf("thread never ran")
	}

	// Give the tick loop a moment to establish th as current.
	deadline := time.Now().Add(time.Second)
	for s.Current() != th && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if s.Current() != th {
		t.Fatalf("expected t1 to become current")
	}

	// Waking a RUNNING thread must be a no-op: it stays current.
	s.WakeThread(th)
	if s.Current() != th {
		t.Fatalf("wake of running thread changed current")
	}
}

func TestYieldingThreadsAllRun(t *testing.T) {
	s := newTestScheduler(t)

	const n = 4
	seen := make(chan *sched.Thread, n*3)
	threads := make([]*sched.Thread, n)
	for i := range threads {
		i := i
		threads[i] = s.NewThread("t", func(t *sched.Thread) {
			for j := 0; j < 3; j++ {
				seen <- t
				s.YieldCurrent()
				s.Schedule()
			}
		}, nil, nil)
	}

	for _, th := range threads {
		s.RunThread(th)
	}

	deadline := time.After(2 * time.Second)
	count := 0
	for count < n*3 {
		select {
		case <-seen:
			count++
		case <-deadline:
			t.Fatalf("timed out waiting for threads to run, got %d/%d", count, n*3)
		}
	}
}
