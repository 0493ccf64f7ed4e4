// Package bvt implements the Borrowed Virtual Time scheduler policy: a
// fair, weighted virtual-time run queue with a context-switch allowance so
// threads don't thrash on near-ties. The minimum charging unit is 1ms
// and the context-switch allowance is 5 MCU.
package bvt

import (
	"container/list"
	"fmt"
	"sync"
	"time"

	"github.com/corehv/corehv/internal/debug"
	"github.com/corehv/corehv/internal/sched"
)

const (
	// MCU is the minimum charging unit: one scheduler tick.
	MCU = time.Millisecond
	// CSA is the context-switch allowance, in MCU, added to the run
	// countdown of the newly-picked thread.
	CSA = 5

	// DefaultWeight is used when a thread does not specify one.
	DefaultWeight = 100
)

// ThreadData is the per-thread BVT scheduling state.
type ThreadData struct {
	mu sync.Mutex

	weight   int64
	vtRatio  int64 // MCU charged per MCU of wall-clock run time, scaled by weight
	avt      int64 // actual virtual time, in MCU
	evt      int64 // effective virtual time; equals avt (no warp in this policy)
	residual time.Duration

	countdown int64 // MCU remaining before this thread is forced to reschedule

	runStart time.Time
	elem     *list.Element
}

// AVT returns the thread's actual virtual time in MCU, for tests and
// diagnostics.
func (d *ThreadData) AVT() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.avt
}

// Policy implements sched.Policy with Borrowed Virtual Time scheduling.
// One Policy instance must be used per pCPU (it is not safe to share
// across pCPUs).
type Policy struct {
	mu sync.Mutex

	runq *list.List // EVT-ordered ascending; elements are *sched.Thread
	svt  int64       // scheduler virtual time = AVT of the queue head

	ticker *time.Ticker
	stopCh chan struct{}

	dbg debug.Debug
}

// New returns an uninitialized BVT policy; call (*sched.Scheduler via
// sched.New) to drive Init/Deinit.
func New() *Policy {
	return &Policy{
		runq: list.New(),
		dbg:  debug.WithSource("sched.bvt"),
	}
}

// WeightOf returns the weight to register for a thread's ThreadData; 0
// means DefaultWeight.
func WeightOf(t *sched.Thread) int64 {
	if d, ok := t.PolicyData().(*ThreadData); ok {
		d.mu.Lock()
		defer d.mu.Unlock()
		return d.weight
	}
	return DefaultWeight
}

// SetWeight installs a non-default weight for t. Must be called after
// the thread has been created (InitData already ran).
func SetWeight(t *sched.Thread, weight int64) error {
	d, ok := t.PolicyData().(*ThreadData)
	if !ok {
		return fmt.Errorf("bvt: thread %q has no BVT thread data", t.Name())
	}
	if weight <= 0 {
		return fmt.Errorf("bvt: weight must be positive, got %d", weight)
	}
	d.mu.Lock()
	d.weight = weight
	d.vtRatio = (1 << 16) / weight
	d.mu.Unlock()
	return nil
}

// Init implements sched.Policy.
func (p *Policy) Init(ctl *sched.Scheduler) error {
	p.ticker = time.NewTicker(MCU)
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

// tick decrements the current thread's countdown; on reaching zero, or
// when idle is current and the queue is non-empty, requests reschedule.
func (p *Policy) tick(ctl *sched.Scheduler) {
	current := ctl.Current()

	p.mu.Lock()
	empty := p.runq.Len() == 0
	p.mu.Unlock()

	if current == ctl.IdleThread() {
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
	d.countdown--
	expired := d.countdown <= 0
	d.mu.Unlock()

	p.chargeRunning(current, MCU)

	if expired {
		ctl.MakeRescheduleRequest()
	}
}

// chargeRunning advances the running thread's AVT by the elapsed
// wall-clock time, in MCUs, scaled by its vt_ratio; wall time not yet
// worth a whole unit of virtual time carries forward in residual.
func (p *Policy) chargeRunning(t *sched.Thread, elapsed time.Duration) {
	d, ok := t.PolicyData().(*ThreadData)
	if !ok {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	total := d.residual + elapsed
	unit := int64(MCU) << 16
	scaled := int64(total) * d.vtRatio
	if adv := scaled / unit; adv > 0 {
		d.avt += adv
		d.evt = d.avt
	}
	if d.vtRatio > 0 {
		d.residual = time.Duration((scaled % unit) / d.vtRatio)
	} else {
		d.residual = 0
	}
}

// InitData implements sched.Policy.
func (p *Policy) InitData(t *sched.Thread) {
	t.SetPolicyData(&ThreadData{
		weight:  DefaultWeight,
		vtRatio: (1 << 16) / DefaultWeight,
	})
}

// PickNext implements sched.Policy: returns the EVT-ordered head of the
// run queue, else nil (idle).
func (p *Policy) PickNext(ctl *sched.Scheduler) *sched.Thread {
	p.mu.Lock()
	defer p.mu.Unlock()

	head := p.runq.Front()
	if head == nil {
		return nil
	}

	next := head.Value.(*sched.Thread)
	nd := next.PolicyData().(*ThreadData)

	nd.mu.Lock()
	p.svt = nd.avt
	nd.runStart = timeNow()
	if second := head.Next(); second != nil {
		sd := second.Value.(*sched.Thread).PolicyData().(*ThreadData)
		sd.mu.Lock()
		delta := nd.evt - sd.evt
		if delta < 0 {
			delta = -delta
		}
		nd.countdown = (delta<<16)/nd.vtRatio + CSA
		sd.mu.Unlock()
	} else {
		// Only runnable thread: countdown is effectively infinite.
		nd.countdown = 1 << 30
	}
	nd.mu.Unlock()

	return next
}

// Sleep implements sched.Policy: removes t from the run queue.
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

// Wake implements sched.Policy: adjusts AVT upward to at least SVT-CSA so
// long-slept threads are not permanently starved, then enqueues in
// EVT order.
func (p *Policy) Wake(t *sched.Thread) {
	d, ok := t.PolicyData().(*ThreadData)
	if !ok {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	d.mu.Lock()
	floor := p.svt - CSA
	if d.avt < floor {
		d.avt = floor
		d.evt = d.avt
	}
	evt := d.evt
	d.mu.Unlock()

	if d.elem != nil {
		return
	}

	inserted := false
	for e := p.runq.Front(); e != nil; e = e.Next() {
		other := e.Value.(*sched.Thread).PolicyData().(*ThreadData)
		other.mu.Lock()
		greater := other.evt > evt
		other.mu.Unlock()
		if greater {
			d.elem = p.runq.InsertBefore(t, e)
			inserted = true
			break
		}
	}
	if !inserted {
		d.elem = p.runq.PushBack(t)
	}
}

var _ sched.Policy = (*Policy)(nil)

// timeNow is a seam so tests can observe deterministic sequencing
// without relying on wall-clock ordering guarantees.
var timeNow = time.Now
