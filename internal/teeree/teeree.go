// Package teeree implements the TEE/REE world switch: two companion
// vCPUs pinned to the same pCPU, one running the Trusted Execution
// Environment and one the Rich Execution Environment, with the
// switch-world hypercall swapping which half runs. Sleep/wake of the
// companion threads is the only mechanism used; the switch takes
// effect at the calling vCPU's next reschedule point.
package teeree

import (
	"github.com/corehv/corehv/internal/sched"
)

// TEEFixedNonsecureVector is the vector TEE injects into itself to
// voluntarily exit to REE when a non-secure interrupt arrives while
// TEE is running.
const TEEFixedNonsecureVector = 0xF0

// OPTEEFIQEntry is the RDI value REE->TEE world switch sets when a
// secure interrupt arrived while REE was running, matching OP-TEE's
// ABI for a "woken by FIQ" entry.
const OPTEEFIQEntry = 0xB20000FF

// Registers is the subset of general-purpose registers the world
// switch ABI copies: RDI/RSI/RDX/RBX both ways, plus RAX/RCX on the
// REE->TEE direction.
type Registers struct {
	RAX, RCX uint64
	RDI, RSI uint64
	RDX, RBX uint64
}

// VCPU is the per-companion-vCPU surface the world switch needs:
// register access, its scheduler thread (for sleep/wake), and
// vLAPIC-level interrupt control.
type VCPU interface {
	Registers() Registers
	SetRegisters(Registers)
	Thread() *sched.Thread

	// PendingInterrupt returns the highest-priority pending vector and
	// whether one is pending at all.
	PendingInterrupt() (vector uint8, ok bool)
	// ClearInterrupt clears a specific pending vector from this vCPU's
	// vLAPIC (used when TEE's pending vector equals the non-secure
	// fixed vector and REE is about to run instead).
	ClearInterrupt(vector uint8)
	// InjectInterrupt posts vector for delivery to this vCPU.
	InjectInterrupt(vector uint8)
	// NotifyPosted sends caller's PI activation-notification vector to
	// this vCPU's pCPU so it traps immediately after entry.
	NotifyPosted(fromANV uint8)
}

// Pair is one TEE/REE companion pinned to a single pCPU.
type Pair struct {
	TEE VCPU
	REE VCPU
}

// SwitchToREE implements the TEE->REE half of the world switch.
// fiqReturn indicates the caller's RDI already signals a FIQ return,
// in which case register copying is skipped (TEE is handing control
// back after having serviced a secure interrupt, not starting fresh
// REE work).
func (p *Pair) SwitchToREE(fiqReturn bool, callerANV uint8) {
	regs := p.TEE.Registers()
	if !fiqReturn {
		ree := p.REE.Registers()
		ree.RDI, ree.RSI, ree.RDX, ree.RBX = regs.RDI, regs.RSI, regs.RDX, regs.RBX
		p.REE.SetRegisters(ree)
	}

	if vec, ok := p.TEE.PendingInterrupt(); ok {
		if vec == TEEFixedNonsecureVector {
			p.TEE.ClearInterrupt(vec)
		} else if higherPriority(vec, TEEFixedNonsecureVector) {
			p.REE.NotifyPosted(callerANV)
		}
	}

	sleepThread(p.TEE.Thread())
}

// SwitchToTEE implements the REE->TEE half: copy RAX/RCX plus the
// common register set, then wake TEE.
func (p *Pair) SwitchToTEE() {
	regs := p.REE.Registers()
	tee := p.TEE.Registers()
	tee.RAX, tee.RCX = regs.RAX, regs.RCX
	tee.RDI, tee.RSI, tee.RDX, tee.RBX = regs.RDI, regs.RSI, regs.RDX, regs.RBX
	p.TEE.SetRegisters(tee)

	wakeThread(p.TEE.Thread())
}

// OnNonSecureInterrupt is called when a non-secure interrupt arrives
// while TEE is the running half: TEE is made to voluntarily exit to
// REE by injecting the fixed non-secure vector into itself.
func (p *Pair) OnNonSecureInterrupt() {
	p.TEE.InjectInterrupt(TEEFixedNonsecureVector)
}

// OnSecureInterrupt is called when a secure interrupt arrives while
// REE is the running half: REE's RDI is set to the OP-TEE FIQ entry
// value and TEE is woken to handle it.
func (p *Pair) OnSecureInterrupt() {
	regs := p.REE.Registers()
	regs.RDI = OPTEEFIQEntry
	p.REE.SetRegisters(regs)

	wakeThread(p.TEE.Thread())
}

// higherPriority reports whether vector a takes priority over vector
// b under the standard APIC convention: a higher vector number is
// higher priority.
func higherPriority(a, b uint8) bool { return a > b }

// sleepThread requests the block; the caller is the hypercall context
// of t itself, so the transition lands when the vCPU loop reaches its
// next reschedule point rather than here.
func sleepThread(t *sched.Thread) {
	if t == nil {
		return
	}
	t.Scheduler().SleepThread(t)
}

func wakeThread(t *sched.Thread) {
	if t == nil {
		return
	}
	t.Scheduler().WakeThread(t)
}
