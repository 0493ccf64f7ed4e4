package vm

import (
	"fmt"
	"sync"

	"github.com/corehv/corehv/internal/sched"
	"github.com/corehv/corehv/internal/teeree"
)

// teeVCPU adapts one companion vCPU's register file and pending-
// interrupt state to teeree.VCPU. Neither this repository nor the
// example pack ships a vLAPIC model (internal/devices/amd64/chipset
// has no lapic.go), so the pending-interrupt/injection surface here is
// the minimal state machine switch_ee actually touches -- a single
// pending vector plus the register file -- rather than a full local
// APIC; a concrete vLAPIC can satisfy this same interface later
// without changing teeree itself.
type teeVCPU struct {
	mu sync.Mutex

	regs    teeree.Registers
	thread  *sched.Thread
	pending uint8
	hasPend bool

	notified []uint8
}

func newTEEVCPU(thread *sched.Thread) *teeVCPU {
	return &teeVCPU{thread: thread}
}

func (c *teeVCPU) Registers() teeree.Registers {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.regs
}

func (c *teeVCPU) SetRegisters(r teeree.Registers) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.regs = r
}

func (c *teeVCPU) Thread() *sched.Thread { return c.thread }

func (c *teeVCPU) PendingInterrupt() (uint8, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending, c.hasPend
}

func (c *teeVCPU) ClearInterrupt(vec uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hasPend && c.pending == vec {
		c.hasPend = false
	}
}

func (c *teeVCPU) InjectInterrupt(vec uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending, c.hasPend = vec, true
}

// NotifyPosted records the posted-interrupt activation vector the
// other half raised; a real vLAPIC would instead send an IPI carrying
// fromANV to this vCPU's pCPU.
func (c *teeVCPU) NotifyPosted(fromANV uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notified = append(c.notified, fromANV)
}

// TEEPair wires tee and ree's vCPU 0 threads into a teeree.Pair; both
// VMs must already have their vCPU 0 bound via
// VCPUs.BindVCPU.
func TEEPair(tee, ree *VM) (*teeree.Pair, error) {
	teeThread, ok := tee.VCPUs.Thread(0)
	if !ok {
		return nil, fmt.Errorf("vm: %s has no vCPU 0 bound", tee.name)
	}
	reeThread, ok := ree.VCPUs.Thread(0)
	if !ok {
		return nil, fmt.Errorf("vm: %s has no vCPU 0 bound", ree.name)
	}

	pair := &teeree.Pair{
		TEE: newTEEVCPU(teeThread),
		REE: newTEEVCPU(reeThread),
	}
	tee.TEE = pair
	ree.TEE = pair
	return pair, nil
}
