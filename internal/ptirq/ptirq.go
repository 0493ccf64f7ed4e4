// Package ptirq implements passthrough interrupt remapping: a fixed
// pool of entries mapping a physical INTx/MSI source to a virtual
// injection target in a guest VM, indexed two ways (by physical source,
// and by virtual source plus VM) so both an incoming physical interrupt
// and a guest interrupt-controller write resolve in constant time, with
// anti-storm delay timers and a softirq-style dispatch queue.
package ptirq

import (
	"container/list"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/corehv/corehv/internal/debug"
)

// IntrType distinguishes wire-level INTx from message-signaled MSI/MSI-X.
type IntrType int

const (
	IntrINTX IntrType = iota
	IntrMSI
)

func (t IntrType) String() string {
	if t == IntrINTX {
		return "intx"
	}
	return "msi"
}

// SourceID identifies an interrupt source, physical or virtual. For
// INTx it is an IOAPIC pin; for MSI/MSI-X it is a PCI BDF plus MSI
// vector index.
type SourceID struct {
	Pin      int
	BDF      uint32
	MSIIndex int
}

// VM is the subset of VM identity and policy ptirq needs; kept as an
// interface (rather than importing internal/vm) to avoid a dependency
// cycle -- internal/vm is the composition root that wires ptirq in.
type VM interface {
	ID() int
	IsServiceVM() bool
	// InjectDelay is the anti-storm coalescing window
	// (intr_inject_delay_delta); zero or negative disables delay.
	InjectDelay() time.Duration
}

// InjectTarget performs the actual injection into a guest's vLAPIC/
// vIOAPIC once a ptirq entry is ready to deliver. intrType tells the
// target whether virt names an INTX pin or a virtual MSI source.
type InjectTarget interface {
	Inject(intrType IntrType, virt SourceID, vm VM) error
}

// Entry is one passthrough remapping.
type Entry struct {
	id int // pool index

	IntrType IntrType
	PhysSID  SourceID
	VirtSID  SourceID
	VM       VM

	AllocatedIRQ int
	IRTEIndex    int
	Release      func()

	intrCount atomic.Uint64
	active    atomic.Bool

	delayStarted atomic.Bool
	timer        *time.Timer

	elem *list.Element // softirq list membership, nil when not queued

	pool *Pool
}

// ID returns this entry's pool index.
func (e *Entry) ID() int { return e.id }

// Active reports whether the entry is currently activated.
func (e *Entry) Active() bool { return e.active.Load() }

// IntrCount returns the cumulative physical interrupt count observed.
func (e *Entry) IntrCount() uint64 { return e.intrCount.Load() }

const invalidIRTE = -1

// Pool is the fixed-size allocation pool plus the two hash-table
// indexes. One Pool instance is process-wide, initialized once at
// construction; entries come and go but the pool itself has no
// teardown.
type Pool struct {
	sem *semaphore.Weighted

	mu      sync.Mutex
	entries []*Entry
	used    []bool

	physIndex map[SourceID]*Entry   // physical source alone; no VM in the key
	virtIndex map[virtKey]*Entry    // keyed by (virtual source id, vm)
	limiter   map[int]*rate.Limiter // secondary anti-storm limiter, per VM id
	target    InjectTarget

	softirq *softirqQueue

	dbg debug.Debug
}

type virtKey struct {
	sid   SourceID
	vmID  int
	itype IntrType
}

// NewPool creates a ptirq pool with capacity entries.
func NewPool(capacity int, target InjectTarget) *Pool {
	p := &Pool{
		sem:       semaphore.NewWeighted(int64(capacity)),
		entries:   make([]*Entry, capacity),
		used:      make([]bool, capacity),
		physIndex: make(map[SourceID]*Entry),
		virtIndex: make(map[virtKey]*Entry),
		limiter:   make(map[int]*rate.Limiter),
		target:    target,
		softirq:   newSoftirqQueue(),
		dbg:       debug.WithSource("ptirq"),
	}
	return p
}

// AllocEntry atomically claims a free pool index. Returns an error if
// the pool is exhausted.
func (p *Pool) AllocEntry(vm VM, intrType IntrType) (*Entry, error) {
	if !p.sem.TryAcquire(1) {
		return nil, fmt.Errorf("ptirq: pool exhausted")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	idx := -1
	for i, used := range p.used {
		if !used {
			idx = i
			break
		}
	}
	if idx == -1 {
		// Should not happen: the semaphore already gated capacity.
		p.sem.Release(1)
		return nil, fmt.Errorf("ptirq: pool bitmap out of sync")
	}

	e := &Entry{
		id:           idx,
		IntrType:     intrType,
		VM:           vm,
		AllocatedIRQ: -1,
		IRTEIndex:    invalidIRTE,
		pool:         p,
	}
	p.used[idx] = true
	p.entries[idx] = e
	p.dbg.Writef("alloc_entry idx=%d intr_type=%s vm=%d", idx, intrType, vm.ID())
	return e, nil
}

// ReleaseEntry returns entry to the pool, clearing its list/timer
// membership.
func (p *Pool) ReleaseEntry(e *Entry) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.deactivateLocked(e)
	p.used[e.id] = false
	p.entries[e.id] = nil
	p.sem.Release(1)
	p.dbg.Writef("release_entry idx=%d", e.id)
}

// Entries returns a snapshot of all currently allocated entries.
func (p *Pool) Entries() []*Entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Entry, 0, len(p.entries))
	for _, e := range p.entries {
		if e != nil {
			out = append(out, e)
		}
	}
	return out
}
