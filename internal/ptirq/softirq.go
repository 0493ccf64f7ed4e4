package ptirq

import (
	"container/list"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// softirqQueue is the per-process dispatch list fed by interrupt
// context (HandleInterrupt) and drained by Dispatch, modeled on
// ptirq_enqueue_softirq/ptirq_dequeue_softirq.
type softirqQueue struct {
	mu    sync.Mutex
	items *list.List // of *Entry
	ready chan struct{}
}

func newSoftirqQueue() *softirqQueue {
	return &softirqQueue{
		items: list.New(),
		ready: make(chan struct{}, 1),
	}
}

func (q *softirqQueue) push(e *Entry) {
	q.mu.Lock()
	if e.elem != nil {
		q.mu.Unlock()
		return
	}
	e.elem = q.items.PushBack(e)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *softirqQueue) pop() *Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	front := q.items.Front()
	if front == nil {
		return nil
	}
	e := front.Value.(*Entry)
	q.items.Remove(front)
	e.elem = nil
	return e
}

func (q *softirqQueue) remove(e *Entry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e.elem != nil {
		q.items.Remove(e.elem)
		e.elem = nil
	}
}

// HandleInterrupt is the interrupt-context entry point, called once per
// physical interrupt on phys. Service-VM entries enqueue on every hit.
// A non-Service-VM entry always counts the hit; with a positive
// injection delay configured, the first interrupt of a window is
// enqueued and opens the window, and every further interrupt arriving
// before the window's timer expires is absorbed (counted, not
// enqueued), coalescing a burst into one delivery per window.
func (p *Pool) HandleInterrupt(phys SourceID) {
	e, ok := p.FindByPhys(phys)
	if !ok || !e.Active() {
		return
	}

	toEnqueue := true
	if !e.VM.IsServiceVM() {
		e.intrCount.Add(1)
		delay := e.VM.InjectDelay()
		if delay > 0 {
			if !e.delayStarted.CompareAndSwap(false, true) {
				// Window still open for this entry: absorb.
				toEnqueue = false
			} else {
				e.timer = time.AfterFunc(delay, func() {
					e.delayStarted.Store(false)
				})
			}
		} else {
			// No configured delay: still pass every hit through a coarse
			// per-VM rate limiter so a misbehaving passthrough device
			// cannot flood the softirq queue faster than the dispatcher
			// can drain it.
			if !p.limiterFor(e.VM).Allow() {
				toEnqueue = false
			}
		}
	}

	if toEnqueue {
		p.softirq.push(e)
	}
}

// limiterFor returns the per-VM secondary rate limiter, creating one on
// first use. 10kHz/burst 1 is a generous ceiling meant only to catch a
// runaway device; the primary coalescing mechanism is the per-entry
// delay timer above.
func (p *Pool) limiterFor(vm VM) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.limiter[vm.ID()]
	if !ok {
		l = rate.NewLimiter(rate.Limit(10000), 1)
		p.limiter[vm.ID()] = l
	}
	return l
}

// Dispatch drains the softirq queue once, delivering every queued
// entry that is still active. Only enqueued entries reach here; hits
// absorbed inside a coalescing window were never queued.
func (p *Pool) Dispatch() error {
	for {
		e := p.softirq.pop()
		if e == nil {
			return nil
		}
		if !e.Active() {
			continue
		}
		if p.target != nil {
			if err := p.target.Inject(e.IntrType, e.VirtSID, e.VM); err != nil {
				return err
			}
		}
		p.dbg.Writef("dispatch idx=%d virt=%+v vm=%d count=%d", e.id, e.VirtSID, e.VM.ID(), e.IntrCount())
	}
}

// Run drives Dispatch forever until stop is closed, waking whenever
// HandleInterrupt signals new work. Intended to be run in its own
// goroutine, one per Pool, the softirq-context half of the delivery
// path.
func (p *Pool) Run(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case <-p.softirq.ready:
			_ = p.Dispatch()
		}
	}
}
