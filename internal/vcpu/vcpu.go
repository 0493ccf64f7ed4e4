// Package vcpu binds a hypervisor vCPU to a scheduler thread: the
// thread's entry runs the VMX loop (prepare guest state -> VM entry ->
// on exit dispatch -> loop), and the vCPU's pCPU is fixed by the owning
// VM's cpu_affinity mask.
package vcpu

import (
	"context"
	"fmt"
	"math/bits"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/corehv/corehv/internal/debug"
	"github.com/corehv/corehv/internal/hv"
	"github.com/corehv/corehv/internal/sched"
)

// Affinity is a bitmap of usable pCPUs, one bit per pCPU index.
type Affinity uint64

// Allows reports whether pcpu is a member of the affinity mask.
func (a Affinity) Allows(pcpu int) bool {
	if pcpu < 0 || pcpu >= 64 {
		return false
	}
	return a&(1<<uint(pcpu)) != 0
}

// Count returns the number of pCPUs the mask allows.
func (a Affinity) Count() int { return bits.OnesCount64(uint64(a)) }

// Set is a VM's set of bound vCPU threads, one per hv.VirtualCPU, pinned
// to per-pCPU schedulers according to cpu_affinity.
type Set struct {
	mu sync.Mutex

	affinity Affinity
	pcpus    map[int]*sched.Scheduler
	threads  map[int]*sched.Thread // keyed by vCPU id
	cancels  map[int]context.CancelFunc
	dones    map[int]chan error // each vCPU's Run completion, keyed by id

	dbg debug.Debug
}

// NewSet creates a vCPU set bound to schedulers, one per usable pCPU in
// affinity. pcpuScheds must contain an entry for every pCPU index
// affinity allows; the same VM must never be assigned two vCPUs on the
// same pCPU, which BindVCPU enforces.
func NewSet(affinity Affinity, pcpuScheds map[int]*sched.Scheduler) (*Set, error) {
	if affinity.Count() == 0 {
		return nil, fmt.Errorf("vcpu: affinity mask selects no pCPU")
	}
	for pcpu := 0; pcpu < 64; pcpu++ {
		if !affinity.Allows(pcpu) {
			continue
		}
		if _, ok := pcpuScheds[pcpu]; !ok {
			return nil, fmt.Errorf("vcpu: no scheduler registered for pCPU %d in affinity mask", pcpu)
		}
	}
	return &Set{
		affinity: affinity,
		pcpus:    pcpuScheds,
		threads:  make(map[int]*sched.Thread),
		cancels:  make(map[int]context.CancelFunc),
		dones:    make(map[int]chan error),
		dbg:      debug.WithSource("vcpu"),
	}, nil
}

// BindVCPU pins vCPU to pcpu's scheduler and creates its thread. The
// thread is not yet runnable; call Set.Run to launch all bound vCPUs.
func (s *Set) BindVCPU(vc hv.VirtualCPU, pcpu int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.affinity.Allows(pcpu) {
		return fmt.Errorf("vcpu: pCPU %d not in affinity mask 0x%x", pcpu, uint64(s.affinity))
	}
	for id, th := range s.threads {
		if th.PCPU() == pcpu {
			return fmt.Errorf("vcpu: pCPU %d already hosts vCPU %d; a VM may not run two vCPUs on one pCPU", pcpu, id)
		}
	}

	scheduler := s.pcpus[pcpu]

	ctx, cancel := context.WithCancel(context.Background())
	s.cancels[vc.ID()] = cancel
	done := make(chan error, 1)
	s.dones[vc.ID()] = done

	th := scheduler.NewThread(
		fmt.Sprintf("vcpu%d", vc.ID()),
		func(t *sched.Thread) {
			s.dbg.Writef("vmx loop start vcpu=%d pcpu=%d", vc.ID(), pcpu)
			err := vc.Run(ctx)
			s.dbg.Writef("vmx loop exit vcpu=%d err=%v", vc.ID(), err)
			done <- err
		},
		nil, nil,
	)
	s.threads[vc.ID()] = th
	return nil
}

// Run launches every bound vCPU's thread and blocks until all of them
// have returned from hv.VirtualCPU.Run, either because ctx was
// canceled (which tears every vCPU down via Close) or because a vCPU
// was individually Kicked. Thread goroutines are supervised by an
// errgroup so an unexpected error from one vCPU's Run surfaces to the
// caller instead of vanishing silently.
func (s *Set) Run(ctx context.Context) error {
	s.mu.Lock()
	threads := make(map[int]*sched.Thread, len(s.threads))
	for id, th := range s.threads {
		threads[id] = th
	}
	s.mu.Unlock()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-stop:
		}
	}()

	g := new(errgroup.Group)
	for id, th := range threads {
		id, th := id, th
		g.Go(func() error {
			th.Scheduler().RunThread(th)
			if err := <-s.dones[id]; err != nil && err != context.Canceled {
				return fmt.Errorf("vcpu: vCPU %d run loop: %w", id, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Affinity returns the pCPU mask this set was constructed with, so a
// loader can enumerate the pCPUs it must create one hv.VirtualCPU for.
func (s *Set) Affinity() Affinity { return s.affinity }

// Thread returns the scheduler thread backing vCPU id, if bound.
func (s *Set) Thread(id int) (*sched.Thread, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	th, ok := s.threads[id]
	return th, ok
}

// Sleep puts the given vCPU's thread to sleep; the only mechanism used by
// the TEE/REE world switch and the I/O request router to suspend a vCPU
// pending external completion.
func (s *Set) Sleep(id int) error {
	th, ok := s.Thread(id)
	if !ok {
		return fmt.Errorf("vcpu: no thread bound for vCPU %d", id)
	}
	th.Scheduler().SleepThread(th)
	return nil
}

// Wake resumes the given vCPU's thread.
func (s *Set) Wake(id int) error {
	th, ok := s.Thread(id)
	if !ok {
		return fmt.Errorf("vcpu: no thread bound for vCPU %d", id)
	}
	th.Scheduler().WakeThread(th)
	return nil
}

// Kick issues a notification to the destination pCPU so the vCPU exits
// VM-entry and observes pending requests. It cancels the vCPU's Run
// context, which callers of hv.VirtualCPU.Run use (via
// RequestImmediateExit-style signaling) to force a VM-exit.
func (s *Set) Kick(id int) error {
	s.mu.Lock()
	cancel, ok := s.cancels[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("vcpu: no thread bound for vCPU %d", id)
	}
	cancel()
	return nil
}

// Close cancels all bound vCPUs' run contexts.
func (s *Set) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cancel := range s.cancels {
		cancel()
	}
}
