// Package config loads a VM topology describing which VMs to boot,
// their vCPU affinity and scheduler policy, memory size, and any
// static passthrough interrupt mappings -- the input cmd/corehv reads
// before wiring an internal/vm.Registry together.
//
// The file is plain YAML unmarshaled into structs, with a validation
// pass afterwards instead of a schema library.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/corehv/corehv/internal/hypercall"
)

// SchedPolicy names a scheduler policy a VM's vCPUs run under.
type SchedPolicy string

const (
	SchedBVT  SchedPolicy = "bvt"
	SchedIORR SchedPolicy = "iorr"
)

// VMKind mirrors vm.Kind in string form for YAML.
type VMKind string

const (
	KindService      VMKind = "service"
	KindPreLaunched  VMKind = "prelaunched"
	KindPostLaunched VMKind = "postlaunched"
)

// PtirqMapping statically maps a physical interrupt source to a
// guest-visible virtual one, set up at VM creation rather than
// through a later hypercall.
type PtirqMapping struct {
	Type     string `yaml:"type"` // "intx" or "msi"
	PhysPin  int    `yaml:"phys_pin"`
	PhysBDF  uint32 `yaml:"phys_bdf"`
	PhysMSI  int    `yaml:"phys_msi_index"`
	VirtPin  int    `yaml:"virt_pin"`
	VirtBDF  uint32 `yaml:"virt_bdf"`
	VirtMSI  int    `yaml:"virt_msi_index"`
}

// VMSpec is one VM's configured topology.
type VMSpec struct {
	Name string `yaml:"name"`
	Kind VMKind `yaml:"kind"`

	VCPUCount int   `yaml:"vcpu_count"`
	PCPUs     []int `yaml:"pcpus"` // pCPU index per vCPU, len == VCPUCount

	MemorySizeMiB uint64 `yaml:"memory_size_mib"`
	MemoryBase    uint64 `yaml:"memory_base"`

	// GuestFlags is a list of "secure_world_enabled"/"tee"/"ree".
	GuestFlags []string `yaml:"guest_flags"`

	// InjectDelayMS is the ptirq anti-storm coalescing window.
	InjectDelayMS int `yaml:"inject_delay_ms"`

	LifecycleAddr string `yaml:"lifecycle_addr"`

	Ptirq []PtirqMapping `yaml:"ptirq"`
}

// Affinity returns the vCPU affinity bitmask implied by PCPUs.
func (v VMSpec) Affinity() uint64 {
	var mask uint64
	for _, p := range v.PCPUs {
		if p >= 0 && p < 64 {
			mask |= 1 << uint(p)
		}
	}
	return mask
}

// InjectDelay converts InjectDelayMS to a time.Duration.
func (v VMSpec) InjectDelay() time.Duration {
	return time.Duration(v.InjectDelayMS) * time.Millisecond
}

// GuestFlagBits parses GuestFlags into a hypercall.GuestFlags bitmap.
func (v VMSpec) GuestFlagBits() (hypercall.GuestFlags, error) {
	var flags hypercall.GuestFlags
	for _, name := range v.GuestFlags {
		switch name {
		case "secure_world_enabled":
			flags |= hypercall.GuestFlagSecureWorldEnabled
		case "tee":
			flags |= hypercall.GuestFlagTEE
		case "ree":
			flags |= hypercall.GuestFlagREE
		default:
			return 0, fmt.Errorf("config: vm %q: unknown guest flag %q", v.Name, name)
		}
	}
	return flags, nil
}

// Topology is the top-level document: the full set of VMs to boot, the
// pCPU count and scheduler policy the platform uses (one scheduler
// instance per pCPU, the policy a boot-time rather than per-VM
// choice), and the pool sizing for the shared ptirq pool.
type Topology struct {
	PCPUCount         int         `yaml:"pcpu_count"`
	Scheduler         SchedPolicy `yaml:"scheduler"`
	PtirqPoolCapacity int         `yaml:"ptirq_pool_capacity"`
	VMs               []VMSpec    `yaml:"vms"`
}

// Load reads and parses a topology file at path.
func Load(path string) (*Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var top Topology
	if err := yaml.Unmarshal(data, &top); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if top.PtirqPoolCapacity <= 0 {
		top.PtirqPoolCapacity = 64
	}
	if top.Scheduler == "" {
		top.Scheduler = SchedBVT
	}
	if err := top.Validate(); err != nil {
		return nil, err
	}
	return &top, nil
}

// Validate checks structural invariants Load doesn't get from YAML
// decoding alone: unique names, at most one Service VM, vCPU/pCPU
// count agreement.
func (t *Topology) Validate() error {
	if t.PCPUCount <= 0 {
		return fmt.Errorf("config: pcpu_count must be positive")
	}
	if t.Scheduler != SchedBVT && t.Scheduler != SchedIORR {
		return fmt.Errorf("config: unknown scheduler policy %q", t.Scheduler)
	}

	seen := make(map[string]bool, len(t.VMs))
	serviceSeen := false
	for _, v := range t.VMs {
		if v.Name == "" {
			return fmt.Errorf("config: a vm entry is missing a name")
		}
		if seen[v.Name] {
			return fmt.Errorf("config: duplicate vm name %q", v.Name)
		}
		seen[v.Name] = true

		if v.VCPUCount <= 0 {
			return fmt.Errorf("config: vm %q: vcpu_count must be positive", v.Name)
		}
		if len(v.PCPUs) != v.VCPUCount {
			return fmt.Errorf("config: vm %q: pcpus has %d entries, want %d (vcpu_count)", v.Name, len(v.PCPUs), v.VCPUCount)
		}
		for _, p := range v.PCPUs {
			if p < 0 || p >= t.PCPUCount {
				return fmt.Errorf("config: vm %q: pcpu index %d out of range [0,%d)", v.Name, p, t.PCPUCount)
			}
		}
		if v.MemorySizeMiB == 0 {
			return fmt.Errorf("config: vm %q: memory_size_mib must be positive", v.Name)
		}
		if v.Kind == KindService {
			if serviceSeen {
				return fmt.Errorf("config: more than one vm is marked kind: service")
			}
			serviceSeen = true
		}
		if _, err := v.GuestFlagBits(); err != nil {
			return err
		}
	}
	return nil
}
