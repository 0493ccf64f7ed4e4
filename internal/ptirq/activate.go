package ptirq

import "fmt"

// ActivateEntry binds phys to virt and indexes the entry into both hash
// tables (physical-keyed, and (virtual, vm)-keyed), then arms it for
// delivery.
func (p *Pool) ActivateEntry(e *Entry, phys, virt SourceID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.physIndex[phys]; exists {
		return fmt.Errorf("ptirq: physical source %+v already mapped", phys)
	}
	vk := virtKey{sid: virt, vmID: e.VM.ID(), itype: e.IntrType}
	if _, exists := p.virtIndex[vk]; exists {
		return fmt.Errorf("ptirq: virtual source %+v already mapped for vm %d", virt, e.VM.ID())
	}

	e.PhysSID = phys
	e.VirtSID = virt
	p.physIndex[phys] = e
	p.virtIndex[vk] = e
	e.active.Store(true)

	p.dbg.Writef("activate_entry idx=%d phys=%+v virt=%+v vm=%d", e.id, phys, virt, e.VM.ID())
	return nil
}

// DeactivateEntry unindexes e without releasing its pool slot: the
// entry may be reactivated with a new mapping later, but stops being a
// softirq/injection target now.
func (p *Pool) DeactivateEntry(e *Entry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deactivateLocked(e)
}

func (p *Pool) deactivateLocked(e *Entry) {
	delete(p.physIndex, e.PhysSID)
	delete(p.virtIndex, virtKey{sid: e.VirtSID, vmID: e.VM.ID(), itype: e.IntrType})
	e.active.Store(false)
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.delayStarted.Store(false)
	p.softirq.remove(e)
}

// FindByPhys looks up the entry owning a physical source, regardless of
// VM.
func (p *Pool) FindByPhys(phys SourceID) (*Entry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.physIndex[phys]
	return e, ok
}

// FindByVirt looks up the entry mapping a (virtual source, VM, intr
// type) triple.
func (p *Pool) FindByVirt(virt SourceID, vm VM, intrType IntrType) (*Entry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.virtIndex[virtKey{sid: virt, vmID: vm.ID(), itype: intrType}]
	return e, ok
}

// ReleaseVM deactivates and releases every entry owned by vm, running
// each entry's release callback first; called when a VM is torn down.
func (p *Pool) ReleaseVM(vm VM) {
	for _, e := range p.Entries() {
		if e.VM.ID() == vm.ID() {
			if e.Release != nil {
				e.Release()
			}
			p.ReleaseEntry(e)
		}
	}
}
