// Package vm is the composition root: it ties one guest's
// vCPU set, scheduler bindings, I/O-request router, passthrough
// interrupt pool, hypercall gate, lifecycle endpoint and (for the
// secure-world VM pair) TEE/REE world switch into a single VM value,
// and a Registry of VMs that resolves hypercall targets and routes
// ptirq injection across VM boundaries.
//
// Nothing here re-implements the underlying subsystems; it adapts the
// existing packages to each other in one place.
package vm

import (
	"fmt"
	"sync"
	"time"

	"github.com/corehv/corehv/internal/debug"
	"github.com/corehv/corehv/internal/ept"
	"github.com/corehv/corehv/internal/hypercall"
	"github.com/corehv/corehv/internal/ioreq"
	"github.com/corehv/corehv/internal/lifecycle"
	"github.com/corehv/corehv/internal/ptirq"
	"github.com/corehv/corehv/internal/sched"
	"github.com/corehv/corehv/internal/teeree"
	"github.com/corehv/corehv/internal/vcpu"
)

// Kind distinguishes VM roles: the Service VM manages the rest, a prelaunched VM boots without Service
// VM involvement, and a standard post-launched VM is created via
// hypercall.
type Kind int

const (
	KindPostLaunched Kind = iota
	KindPreLaunched
	KindService
)

func (k Kind) String() string {
	switch k {
	case KindPreLaunched:
		return "prelaunched"
	case KindService:
		return "service"
	default:
		return "postlaunched"
	}
}

// Config describes one VM's static topology, the fields a Registry
// needs before any vCPU runs.
type Config struct {
	Name string
	Kind Kind

	// GuestFlags gates which hypercalls and world-switch behavior this
	// VM is entitled to.
	GuestFlags hypercall.GuestFlags

	// InjectDelay is the anti-storm coalescing window ptirq applies to
	// this VM's passthrough interrupts; zero disables it.
	InjectDelay time.Duration

	MemorySize uint64
	MemoryBase uint64

	// Affinity is the vCPU pCPU bitmap; PCPUScheds must provide a
	// scheduler for every pCPU it allows.
	Affinity   vcpu.Affinity
	PCPUScheds map[int]*sched.Scheduler

	// LifecycleAddr, if non-empty, is the TCP address this VM's guest
	// lifecycle endpoint dials (Service VM side listens separately via
	// Registry.ListenLifecycle).
	LifecycleAddr string

	// Notify is the Router's DM-notification callback; a
	// Registry supplies a closure that wakes the Service VM's HSM
	// vCPU, nil for the Service VM itself (whose own requests take the
	// direct-access shortcut).
	Notify func() error
}

// VM is one guest: identity, its per-VM subsystems, and the glue a
// Registry needs to resolve hypercalls and deliver ptirq
// injections across VMs.
type VM struct {
	id   int
	name string
	kind Kind

	guestFlags  hypercall.GuestFlags
	injectDelay time.Duration

	memSize uint64
	memBase uint64

	lifecycleAddr string

	mu sync.Mutex

	VCPUs *vcpu.Set
	EPT   *ept.Table
	MTRR  *ept.FixedMTRR
	IO    *ioreq.Router
	Lives *lifecycle.Guest
	TEE   *teeree.Pair

	// InjectHandler delivers a ptirq-routed interrupt into this VM's
	// interrupt controller; Attach wires it to the backend's vIOAPIC
	// GSI lines once the hv.VirtualMachine exists.
	InjectHandler func(intrType ptirq.IntrType, virt ptirq.SourceID) error

	dbg debug.Debug
}

// ID satisfies hypercall.VM and ptirq.VM.
func (v *VM) ID() int { return v.id }

// Name is the VM's configured name, used for lifecycle sync and logs.
func (v *VM) Name() string { return v.name }

// Kind returns the VM's role.
func (v *VM) Kind() Kind { return v.kind }

// IsServiceVM satisfies hypercall.VM and ptirq.VM.
func (v *VM) IsServiceVM() bool { return v.kind == KindService }

// IsREEVM satisfies hypercall.VM: true when this VM's guest flags
// mark it as the non-secure half of a TEE/REE pair.
func (v *VM) IsREEVM() bool { return v.guestFlags&hypercall.GuestFlagREE != 0 }

// IsPrelaunched satisfies hypercall.VM.
func (v *VM) IsPrelaunched() bool { return v.kind == KindPreLaunched }

// GuestFlags satisfies hypercall.VM.
func (v *VM) GuestFlags() hypercall.GuestFlags { return v.guestFlags }

// InjectDelay satisfies ptirq.VM.
func (v *VM) InjectDelay() time.Duration { return v.injectDelay }

// Lock/Unlock satisfy hypercall.VM: the coarse per-VM lock
// dispatch_hypercall takes around a permission_flags==0 handler call.
func (v *VM) Lock()   { v.mu.Lock() }
func (v *VM) Unlock() { v.mu.Unlock() }

// MemorySize and MemoryBase describe this VM's guest-physical address
// space, mirrored from Config.
func (v *VM) MemorySize() uint64 { return v.memSize }
func (v *VM) MemoryBase() uint64 { return v.memBase }

// LifecycleAddr is the TCP address configured for this VM's lifecycle
// endpoint: the listen address for the Service VM, the dial address
// for guests.
func (v *VM) LifecycleAddr() string { return v.lifecycleAddr }

// New constructs a VM with its subsystems wired but no vCPUs bound
// yet; callers bind vCPUs via v.VCPUs.BindVCPU and then v.VCPUs.Run.
func New(id int, cfg Config) (*VM, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("vm: Config.Name is required")
	}
	vcpuSet, err := vcpu.NewSet(cfg.Affinity, cfg.PCPUScheds)
	if err != nil {
		return nil, fmt.Errorf("vm %s: %w", cfg.Name, err)
	}

	v := &VM{
		id:            id,
		name:          cfg.Name,
		kind:          cfg.Kind,
		guestFlags:    cfg.GuestFlags,
		injectDelay:   cfg.InjectDelay,
		memSize:       cfg.MemorySize,
		memBase:       cfg.MemoryBase,
		lifecycleAddr: cfg.LifecycleAddr,
		VCPUs:         vcpuSet,
		EPT:           ept.NewTable(),
		MTRR:          ept.NewFixedMTRR(),
		dbg:           debug.WithSource("vm." + cfg.Name),
	}

	v.IO = ioreq.NewRouter(ioreq.Config{
		IsServiceVM: v.IsServiceVM(),
		NRSlots:     cfg.Affinity.Count(),
		Threads:     v.VCPUs,
		Notify:      cfg.Notify,
	})

	return v, nil
}

// SetInjectHandler wires the function ptirq uses to deliver a
// passthrough interrupt into this VM; Attach sets it once the backend
// machine exists, and tests may substitute their own.
func (v *VM) SetInjectHandler(f func(intrType ptirq.IntrType, virt ptirq.SourceID) error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.InjectHandler = f
}

// DialLifecycle connects this VM's guest lifecycle endpoint to the
// Service VM's listener at addr and performs the sync handshake;
// action is invoked when the Service VM (or this VM's own
// request) decides to power the VM off or reboot it.
func (v *VM) DialLifecycle(conn lifecycle.Transport, action lifecycle.PowerAction, retries int, retryEvery time.Duration) {
	v.Lives = lifecycle.NewGuest(conn, lifecycle.GuestConfig{
		Name:          v.name,
		Action:        action,
		MaxRetries:    retries,
		RetryInterval: retryEvery,
	})
}
