package config

import (
	"fmt"

	"github.com/corehv/corehv/internal/ptirq"
	"github.com/corehv/corehv/internal/sched"
	"github.com/corehv/corehv/internal/sched/bvt"
	"github.com/corehv/corehv/internal/sched/iorr"
	"github.com/corehv/corehv/internal/vcpu"
	"github.com/corehv/corehv/internal/vm"
)

// Built is the result of Topology.Build: a live Registry plus a name
// index into the VMs it holds, and the per-pCPU schedulers it created
// (callers shut these down on teardown).
type Built struct {
	Registry   *vm.Registry
	VMs        map[string]*vm.VM
	Schedulers map[int]*sched.Scheduler
}

func (t *Topology) newPolicy() sched.Policy {
	if t.Scheduler == SchedIORR {
		return iorr.New()
	}
	return bvt.New()
}

// Build constructs one scheduler per pCPU, then a VM for every
// VMSpec, registering each in a fresh Registry. The Service VM (if
// any) is added first so later VMs' Notify callbacks can reach it.
func (t *Topology) Build() (*Built, error) {
	scheds := make(map[int]*sched.Scheduler, t.PCPUCount)
	for p := 0; p < t.PCPUCount; p++ {
		s, err := sched.New(p, t.newPolicy(), nil)
		if err != nil {
			return nil, fmt.Errorf("config: pcpu %d scheduler: %w", p, err)
		}
		scheds[p] = s
	}

	reg := vm.NewRegistry(t.PtirqPoolCapacity)
	vms := make(map[string]*vm.VM, len(t.VMs))

	ordered := make([]VMSpec, 0, len(t.VMs))
	for _, spec := range t.VMs {
		if spec.Kind == KindService {
			ordered = append([]VMSpec{spec}, ordered...)
		} else {
			ordered = append(ordered, spec)
		}
	}

	for i, spec := range ordered {
		flags, err := spec.GuestFlagBits()
		if err != nil {
			return nil, err
		}

		var kind vm.Kind
		switch spec.Kind {
		case KindService:
			kind = vm.KindService
		case KindPreLaunched:
			kind = vm.KindPreLaunched
		default:
			kind = vm.KindPostLaunched
		}

		notify := reg.NotifyServiceVM
		if kind == vm.KindService {
			notify = nil
		}

		v, err := vm.New(i, vm.Config{
			Name:          spec.Name,
			Kind:          kind,
			GuestFlags:    flags,
			InjectDelay:   spec.InjectDelay(),
			MemorySize:    spec.MemorySizeMiB << 20,
			MemoryBase:    spec.MemoryBase,
			Affinity:      vcpu.Affinity(spec.Affinity()),
			PCPUScheds:    scheds,
			LifecycleAddr: spec.LifecycleAddr,
			Notify:        notify,
		})
		if err != nil {
			return nil, fmt.Errorf("config: building vm %q: %w", spec.Name, err)
		}

		if err := reg.Add(v); err != nil {
			return nil, err
		}
		vms[spec.Name] = v

		for _, m := range spec.Ptirq {
			if err := addStaticPtirq(reg, v, m); err != nil {
				return nil, fmt.Errorf("config: vm %q: %w", spec.Name, err)
			}
		}
	}

	return &Built{Registry: reg, VMs: vms, Schedulers: scheds}, nil
}

// addStaticPtirq allocates and activates one config-time passthrough
// mapping. A duplicate physical source is a configuration error and
// fails the whole build.
func addStaticPtirq(reg *vm.Registry, v *vm.VM, m PtirqMapping) error {
	var intrType ptirq.IntrType
	var phys, virt ptirq.SourceID
	switch m.Type {
	case "intx", "":
		intrType = ptirq.IntrINTX
		phys = ptirq.SourceID{Pin: m.PhysPin}
		virt = ptirq.SourceID{Pin: m.VirtPin}
	case "msi":
		intrType = ptirq.IntrMSI
		phys = ptirq.SourceID{BDF: m.PhysBDF, MSIIndex: m.PhysMSI}
		virt = ptirq.SourceID{BDF: m.VirtBDF, MSIIndex: m.VirtMSI}
	default:
		return fmt.Errorf("unknown ptirq type %q", m.Type)
	}

	e, err := reg.PtirqPool.AllocEntry(v, intrType)
	if err != nil {
		return err
	}
	if err := reg.PtirqPool.ActivateEntry(e, phys, virt); err != nil {
		reg.PtirqPool.ReleaseEntry(e)
		return err
	}
	return nil
}

// Close tears down every scheduler Build created.
func (b *Built) Close() {
	for _, s := range b.Schedulers {
		s.Close()
	}
}
