// Package iorr implements the I/O-aware Round-Robin scheduler policy: a
// FIFO run queue with a fixed per-thread time slice (10ms by default,
// ticking every 1ms), replenished on rotation.
package iorr

import (
	"container/list"
	"sync"
	"time"

	"github.com/corehv/corehv/internal/debug"
	"github.com/corehv/corehv/internal/sched"
)

const (
	// Tick is the policy's timer period.
	Tick = time.Millisecond
	// DefaultSlice is the default per-thread time slice.
	DefaultSlice = 10 * time.Millisecond
)

// ThreadData is the per-thread I/O-RR scheduling state.
type ThreadData struct {
	mu sync.Mutex

	slice    time.Duration
	leftover time.Duration
	lastRun  time.Time

	elem *list.Element
}

// Leftover returns the thread's remaining slice, for tests/diagnostics.
func (d *ThreadData) Leftover() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.leftover
}

// Policy implements sched.Policy with I/O-aware round-robin scheduling.
// One Policy instance must be used per pCPU.
type Policy struct {
	mu   sync.Mutex
	runq *list.List // FIFO; elements are *sched.Thread

	ticker *time.Ticker
	stopCh chan struct{}

	dbg debug.Debug
}

// New returns an uninitialized I/O-RR policy.
func New() *Policy {
	return &Policy{
		runq: list.New(),
		dbg:  debug.WithSource("sched.iorr"),
	}
}

// SetSlice overrides the default slice for t. Must be called after the
// thread has been created (InitData already ran).
func SetSlice(t *sched.Thread, slice time.Duration) {
	if d, ok := t.PolicyData().(*ThreadData); ok {
		d.mu.Lock()
		d.slice = slice
		d.leftover = slice
		d.mu.Unlock()
	}
}

// Init implements sched.Policy.
func (p *Policy) Init(ctl *sched.Scheduler) error {
	p.ticker = time.NewTicker(Tick)
	p.stopCh = make(chan struct{})
	go p.tickLoop(ctl)
	return nil
}

// Deinit implements sched.Policy.
func (p *Policy) Deinit(ctl *sched.Scheduler) {
	if p.ticker != nil {
		p.ticker.Stop()
	}
	if p.stopCh != nil {
		close(p.stopCh)
	}
}

func (p *Policy) tickLoop(ctl *sched.Scheduler) {
	for {
		select {
		case <-p.stopCh:
			return
		case <-p.ticker.C:
			p.tick(ctl)
		}
	}
}

// tick decrements the current thread's leftover by the elapsed time; when
// it reaches zero or below, a reschedule is requested.
func (p *Policy) tick(ctl *sched.Scheduler) {
	current := ctl.Current()
	if current == ctl.IdleThread() {
		p.mu.Lock()
		empty := p.runq.Len() == 0
		p.mu.Unlock()
		if !empty {
			ctl.MakeRescheduleRequest()
		}
		return
	}

	d, ok := current.PolicyData().(*ThreadData)
	if !ok {
		return
	}

	d.mu.Lock()
	d.leftover -= Tick
	expired := d.leftover <= 0
	d.mu.Unlock()

	if expired {
		ctl.MakeRescheduleRequest()
	}
}

// InitData implements sched.Policy.
func (p *Policy) InitData(t *sched.Thread) {
	t.SetPolicyData(&ThreadData{
		slice:    DefaultSlice,
		leftover: DefaultSlice,
	})
}

// PickNext implements sched.Policy: rotates the current head to the
// tail (replenishing its slice if it ran it out) and returns the new
// head; nil if the queue is empty (idle).
func (p *Policy) PickNext(ctl *sched.Scheduler) *sched.Thread {
	p.mu.Lock()
	defer p.mu.Unlock()

	front := p.runq.Front()
	if front == nil {
		return nil
	}

	current := ctl.Current()
	if front.Value.(*sched.Thread) == current {
		d := current.PolicyData().(*ThreadData)
		d.mu.Lock()
		if d.leftover <= 0 {
			d.leftover = d.slice
		}
		d.lastRun = time.Now()
		d.mu.Unlock()

		if p.runq.Len() > 1 {
			p.runq.MoveToBack(front)
		}
		front = p.runq.Front()
	}

	return front.Value.(*sched.Thread)
}

// Sleep implements sched.Policy: removes t from the FIFO.
func (p *Policy) Sleep(t *sched.Thread) {
	d, ok := t.PolicyData().(*ThreadData)
	if !ok {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if d.elem != nil {
		p.runq.Remove(d.elem)
		d.elem = nil
	}
}

// Wake implements sched.Policy: adds t to the head of the FIFO rather
// than the tail, boosting threads that just finished waiting on I/O.
func (p *Policy) Wake(t *sched.Thread) {
	d, ok := t.PolicyData().(*ThreadData)
	if !ok {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if d.elem != nil {
		return
	}
	d.mu.Lock()
	if d.leftover <= 0 {
		d.leftover = d.slice
	}
	d.mu.Unlock()
	d.elem = p.runq.PushFront(t)
}

var _ sched.Policy = (*Policy)(nil)
