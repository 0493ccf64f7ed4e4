// Package sched implements the per-pCPU cooperative thread scheduler: a
// uniform thread object with run/block/sleep/wake and a pluggable policy
// plug-in, one scheduler instance per physical CPU.
//
// Execution is single-threaded within each pCPU and parallel across
// pCPUs, modeled with one goroutine per Thread, gated by a per-thread
// channel: at any instant at most one Thread's goroutine is runnable
// past its gate, the rest are parked waiting to be resumed. This
// preserves "exactly one RUNNING thread per pCPU" without a faithful
// stack-pointer switch, which Go does not expose.
package sched

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/corehv/corehv/internal/debug"
)

// Status is the run state of a Thread.
type Status int32

const (
	StatusBlocked Status = iota
	StatusRunnable
	StatusRunning
)

func (s Status) String() string {
	switch s {
	case StatusBlocked:
		return "blocked"
	case StatusRunnable:
		return "runnable"
	case StatusRunning:
		return "running"
	default:
		return fmt.Sprintf("status(%d)", int32(s))
	}
}

// Entry is invoked once, the first time a Thread is scheduled. A non-idle
// Entry should loop, calling Scheduler.Schedule (directly or via Sleep)
// at every safe point, and must not return except when the thread's work
// is permanently finished.
type Entry func(t *Thread)

// Thread is a per-pCPU schedulable unit of work. Threads are not
// migratable: the owning pCPU is fixed for the thread's lifetime.
type Thread struct {
	name string
	pcpu int

	status atomic.Int32

	// beBlocking requests a transition to StatusBlocked at the next
	// deschedule point.
	beBlocking atomic.Bool

	// idle marks the sentinel thread a pCPU falls back to when no
	// runnable non-idle thread exists. The idle thread is never enqueued
	// in a policy's run queue.
	idle bool

	entry     Entry
	switchIn  func()
	switchOut func()

	// policyData is an opaque per-thread block owned by the scheduler
	// Policy (e.g. *bvt.ThreadData, *iorr.ThreadData).
	policyData any

	started atomic.Bool

	// gate is signaled by Schedule when this thread becomes RUNNING; the
	// thread's own goroutine blocks on it whenever it is not running.
	gate chan struct{}

	sched *Scheduler
}

// Name identifies the thread for tracing.
func (t *Thread) Name() string { return t.name }

// PCPU returns the owning physical CPU index.
func (t *Thread) PCPU() int { return t.pcpu }

// Status returns the thread's current run state.
func (t *Thread) Status() Status { return Status(t.status.Load()) }

// PolicyData returns the opaque per-thread block the active Policy stores
// its scheduling metadata in.
func (t *Thread) PolicyData() any { return t.policyData }

// SetPolicyData installs the policy-private block; called by Policy.InitData.
func (t *Thread) SetPolicyData(v any) { t.policyData = v }

// Scheduler returns the owning per-pCPU scheduler.
func (t *Thread) Scheduler() *Scheduler { return t.sched }

// Policy is the pluggable scheduling algorithm trait every policy
// (BVT, I/O-RR) implements.
type Policy interface {
	// Init is called once when the Scheduler for a pCPU is created.
	Init(ctl *Scheduler) error
	// Deinit tears down any periodic timer or per-pCPU state.
	Deinit(ctl *Scheduler)
	// InitData allocates and installs the policy-private block for t.
	InitData(t *Thread)
	// PickNext selects the next thread to run from the policy's run
	// queue, or nil if the queue is empty (the Scheduler falls back to
	// idle in that case).
	PickNext(ctl *Scheduler) *Thread
	// Sleep removes t from the run queue.
	Sleep(t *Thread)
	// Wake adds t back to the run queue, boosting it per-policy so
	// long-slept threads are not starved.
	Wake(t *Thread)
}

const flagNeedReschedule uint32 = 1 << 0

// Scheduler is the per-pCPU schedule control block: a lock guarding the
// run queue and flags, a NEED_RESCHEDULE bit, the current thread, and a
// bound Policy.
type Scheduler struct {
	pcpu   int
	policy Policy

	mu      sync.Mutex
	flags   atomic.Uint32
	current atomic.Pointer[Thread]
	idle    *Thread

	kick func(pcpu int)

	// resched wakes the idle loop promptly when a reschedule is
	// requested while idle is current, instead of busy-spinning.
	resched chan struct{}

	dbg debug.Debug
}

// New creates the schedule-control block for one pCPU and calls
// policy.Init. kick, if non-nil, is invoked to deliver a cross-pCPU
// reschedule IPI/kick; it may be nil for a single-pCPU scheduler.
func New(pcpu int, policy Policy, kick func(pcpu int)) (*Scheduler, error) {
	s := &Scheduler{
		pcpu:    pcpu,
		policy:  policy,
		kick:    kick,
		resched: make(chan struct{}, 1),
		dbg:     debug.WithSource("sched"),
	}
	if err := policy.Init(s); err != nil {
		return nil, fmt.Errorf("sched: init policy for pcpu %d: %w", pcpu, err)
	}

	idle := &Thread{
		name:  fmt.Sprintf("idle/%d", pcpu),
		pcpu:  pcpu,
		idle:  true,
		sched: s,
		gate:  make(chan struct{}, 1),
	}
	idle.status.Store(int32(StatusRunning))
	s.idle = idle
	s.current.Store(idle)

	// The idle thread's "entry" is simply parking until woken again by a
	// reschedule; it never does work of its own. idle starts out RUNNING
	// (set above) and, like every other thread, Schedule itself both
	// signals idle.gate when idle is picked again and blocks on it when
	// idle hands off to someone else -- so this loop must not also wait
	// on idle.gate itself, or a second, unmatched receive would park it
	// forever after the first handoff.
	idle.started.Store(true)
	go func() {
		for {
			for s.Current() == idle && !s.NeedReschedule() {
				<-s.resched
			}
			if s.Current() == idle {
				s.Schedule()
			}
		}
	}()

	return s, nil
}

// Close deinitializes the bound policy.
func (s *Scheduler) Close() {
	s.policy.Deinit(s)
}

// PCPU returns the owning physical CPU index.
func (s *Scheduler) PCPU() int { return s.pcpu }

// Policy returns the bound scheduling policy.
func (s *Scheduler) Policy() Policy { return s.policy }

// Current returns the thread currently RUNNING on this pCPU. Lock-free,
// so a Policy's tick or PickNext may call it while the schedule lock is
// held.
func (s *Scheduler) Current() *Thread {
	return s.current.Load()
}

// IdleThread returns the per-pCPU idle sentinel.
func (s *Scheduler) IdleThread() *Thread { return s.idle }

// NewThread creates and registers a new (initially BLOCKED) thread bound
// to this pCPU. Call RunThread to schedule it for the first time.
func (s *Scheduler) NewThread(name string, entry Entry, switchIn, switchOut func()) *Thread {
	t := &Thread{
		name:      name,
		pcpu:      s.pcpu,
		entry:     entry,
		switchIn:  switchIn,
		switchOut: switchOut,
		sched:     s,
		gate:      make(chan struct{}, 1),
	}
	t.status.Store(int32(StatusBlocked))
	s.policy.InitData(t)
	return t
}

// RunThread makes t runnable for the first time, starting its Entry in a
// new goroutine, gated until the scheduler actually picks it.
func (s *Scheduler) RunThread(t *Thread) {
	if !t.started.CompareAndSwap(false, true) {
		return
	}
	go func() {
		<-t.gate
		t.entry(t)
	}()
	s.WakeThread(t)
}

// NeedReschedule reports whether this pCPU has a pending reschedule
// request.
func (s *Scheduler) NeedReschedule() bool {
	return s.flags.Load()&flagNeedReschedule != 0
}

// MakeRescheduleRequest sets NEED_RESCHEDULE for the scheduler's pCPU.
// When a kick callback is installed it is invoked on every request; the
// pCPU the caller runs on is not checked.
func (s *Scheduler) MakeRescheduleRequest() {
	for {
		old := s.flags.Load()
		if s.flags.CompareAndSwap(old, old|flagNeedReschedule) {
			break
		}
	}
	select {
	case s.resched <- struct{}{}:
	default:
	}
	if s.kick != nil {
		s.kick(s.pcpu)
	}
}

// SleepThread requests t transition to BLOCKED. On a RUNNING thread this
// sets be_blocking and requests reschedule (the transition happens inside
// the next Schedule); on a non-running thread the transition is
// immediate.
func (s *Scheduler) SleepThread(t *Thread) {
	s.mu.Lock()
	running := Status(t.status.Load()) == StatusRunning

	s.policy.Sleep(t)

	if running {
		t.beBlocking.Store(true)
	} else {
		t.status.Store(int32(StatusBlocked))
	}
	s.mu.Unlock()

	if running {
		s.MakeRescheduleRequest()
	}
	s.dbg.Writef("sleep_thread name=%s running=%t", t.name, running)
}

// SleepThreadSync blocks the caller until t is observed BLOCKED.
func (s *Scheduler) SleepThreadSync(t *Thread) {
	s.SleepThread(t)
	for t.Status() != StatusBlocked {
		runtime.Gosched()
	}
}

// WakeThread marks t RUNNABLE and requests reschedule. Waking a thread
// whose block is still pending (be_blocking set but not yet descheduled)
// cancels the block. It is idempotent: waking an already-runnable (or
// running) thread has no effect on the scheduling outcome.
func (s *Scheduler) WakeThread(t *Thread) {
	s.mu.Lock()
	if t.beBlocking.CompareAndSwap(true, false) {
		s.policy.Wake(t)
		s.mu.Unlock()
		s.MakeRescheduleRequest()
		s.dbg.Writef("wake_thread name=%s canceled pending block", t.name)
		return
	}
	if Status(t.status.Load()) != StatusBlocked {
		s.mu.Unlock()
		return
	}
	s.policy.Wake(t)
	t.status.Store(int32(StatusRunnable))
	s.mu.Unlock()

	s.MakeRescheduleRequest()
	s.dbg.Writef("wake_thread name=%s", t.name)
}

// YieldCurrent voluntarily requests a reschedule of the current thread
// without blocking it.
func (s *Scheduler) YieldCurrent() {
	s.MakeRescheduleRequest()
}

// Schedule takes the schedule lock, picks the next thread, clears
// NEED_RESCHEDULE, and if the pick differs from current, performs the
// switch-out/switch-in dance. If the pick equals current, only the lock
// is taken and released.
//
// Schedule must be called by the goroutine of the thread currently
// RUNNING on this pCPU (directly, or indirectly through SleepThread /
// YieldCurrent at its next safe point). It blocks the caller until this
// pCPU schedules the caller's thread RUNNING again, unless the pick did
// not change.
func (s *Scheduler) Schedule() {
	s.mu.Lock()
	next := s.policy.PickNext(s)
	if next == nil {
		next = s.idle
	}
	for {
		old := s.flags.Load()
		if s.flags.CompareAndSwap(old, old&^flagNeedReschedule) {
			break
		}
	}

	current := s.current.Load()
	if next == current {
		s.mu.Unlock()
		return
	}

	if current.switchOut != nil {
		current.switchOut()
	}
	if current.beBlocking.Load() {
		current.status.Store(int32(StatusBlocked))
	} else {
		current.status.Store(int32(StatusRunnable))
	}
	current.beBlocking.Store(false)

	if next.switchIn != nil {
		next.switchIn()
	}
	next.status.Store(int32(StatusRunning))
	s.current.Store(next)
	s.mu.Unlock()

	s.dbg.Writef("schedule pcpu=%d from=%s to=%s", s.pcpu, current.name, next.name)

	select {
	case next.gate <- struct{}{}:
	default:
	}

	<-current.gate
}
