package ioreq

import "sync"

// LockAction is the decision LockEmulator.OnFault asks the caller to
// carry out next.
type LockAction int

const (
	// LockActionAdvanceAndStep means: advance RIP past the LOCK prefix,
	// enable Monitor-Trap-Flag single-stepping, and resume the guest.
	LockActionAdvanceAndStep LockAction = iota
	// LockActionEmulate means: decode and emulate the instruction under
	// the emulating-lock flag (MTF completion, or an XCHG was detected
	// directly), then wake peers.
	LockActionEmulate
)

// LockEmulator implements split-lock emulation: when the host has
// split-lock detection enabled but the guest's kernel has not itself
// enabled it, a LOCK-prefixed or XCHG instruction on a
// split-lock-detected VM is routed through here instead of executing
// natively.
type LockEmulator struct {
	mu         sync.Mutex
	emulating  bool
	pendingFor int // vCPU id currently stepping through a LOCK sequence, or -1
}

// OnFault is called when #AC or #GP is delivered to a guest that did
// not itself enable split-lock detection. firstByte is the first fetched
// instruction byte at the fault RIP. peers lists every other vCPU id of
// the VM; kick is invoked once per peer to put it into
// ACRN_REQUEST_SPLIT_LOCK pending-wait state.
func (l *LockEmulator) OnFault(vcpuID int, firstByte byte, isXCHG bool, peers []int, kick func(id int)) LockAction {
	l.mu.Lock()
	defer l.mu.Unlock()

	if isXCHG {
		l.emulating = true
		l.pendingFor = vcpuID
		return LockActionEmulate
	}

	if firstByte == 0xF0 { // LOCK prefix
		for _, id := range peers {
			if kick != nil {
				kick(id)
			}
		}
		l.pendingFor = vcpuID
		return LockActionAdvanceAndStep
	}

	// Fell through to us without a recognized lock sequence; treat as
	// an immediate emulate so the caller does not spin.
	l.emulating = true
	l.pendingFor = vcpuID
	return LockActionEmulate
}

// OnMTFComplete is called when the single-step trap fires after
// LockActionAdvanceAndStep; it transitions to the emulate phase.
func (l *LockEmulator) OnMTFComplete(vcpuID int) LockAction {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.emulating = true
	return LockActionEmulate
}

// Emulating reports whether a lock-instruction emulation is in flight.
func (l *LockEmulator) Emulating() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.emulating
}

// Done clears the in-flight state and wakes peers previously kicked by
// OnFault; wake is invoked once per peer.
func (l *LockEmulator) Done(peers []int, wake func(id int)) {
	l.mu.Lock()
	l.emulating = false
	l.pendingFor = -1
	l.mu.Unlock()

	for _, id := range peers {
		if wake != nil {
			wake(id)
		}
	}
}

// peersOf returns every vCPU id of this VM except vcpuID, the set a
// lock emulation must hold parked while it runs.
func (r *Router) peersOf(vcpuID int) []int {
	peers := make([]int, 0, r.ring.Len())
	for id := 0; id < r.ring.Len(); id++ {
		if id != vcpuID {
			peers = append(peers, id)
		}
	}
	return peers
}

// HandleLockFault is the entry point for an #AC or #GP delivered to a
// guest whose kernel did not itself enable split-lock detection:
// firstByte is the first instruction byte fetched at the fault RIP.
// When the fault turns out to be a LOCK sequence, every peer vCPU of
// the VM is put to sleep before the caller single-steps the
// instruction, so no other vCPU can observe the torn access.
func (r *Router) HandleLockFault(vcpuID int, firstByte byte, isXCHG bool) LockAction {
	return r.lock.OnFault(vcpuID, firstByte, isXCHG, r.peersOf(vcpuID), func(id int) {
		if th, ok := r.threads.Thread(id); ok {
			th.Scheduler().SleepThread(th)
		}
	})
}

// HandleLockStep is called when the single-step trap fires after
// HandleLockFault returned LockActionAdvanceAndStep.
func (r *Router) HandleLockStep(vcpuID int) LockAction {
	return r.lock.OnMTFComplete(vcpuID)
}

// FinishLockEmulation ends the emulation started by HandleLockFault
// and wakes the parked peer vCPUs.
func (r *Router) FinishLockEmulation(vcpuID int) {
	r.lock.Done(r.peersOf(vcpuID), func(id int) {
		if th, ok := r.threads.Thread(id); ok {
			th.Scheduler().WakeThread(th)
		}
	})
}
