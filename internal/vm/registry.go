package vm

import (
	"fmt"
	"sync"

	"github.com/corehv/corehv/internal/debug"
	"github.com/corehv/corehv/internal/hypercall"
	"github.com/corehv/corehv/internal/lifecycle"
	"github.com/corehv/corehv/internal/ptirq"
)

// Registry owns every VM in a hypervisor instance plus the
// cross-VM subsystems: the hypercall dispatch table (one gate shared
// by every vCPU, since handlers resolve their target VM at dispatch
// time), the ptirq pool (one pool, since a passthrough device's
// physical source is global but its virtual target is per-VM), and
// the Service VM's lifecycle listener.
type Registry struct {
	mu  sync.RWMutex
	vms map[int]*VM

	serviceVM *VM

	HCTable   *hypercall.Table
	HCGate    *hypercall.Gate
	PtirqPool *ptirq.Pool
	Lifecycle *lifecycle.Service

	dbg debug.Debug
}

// ptirqTarget adapts Registry to ptirq.InjectTarget: it routes by VM
// id to the owning VM's InjectHandler, which Attach binds to the
// backend's vIOAPIC GSI lines when the hv.VirtualMachine is created.
type ptirqTarget struct {
	r *Registry
}

func (t ptirqTarget) Inject(intrType ptirq.IntrType, virt ptirq.SourceID, v ptirq.VM) error {
	t.r.mu.RLock()
	target, ok := t.r.vms[v.ID()]
	t.r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("vm: ptirq injection for unknown VM id %d", v.ID())
	}
	if target.InjectHandler == nil {
		return fmt.Errorf("vm: %s has no interrupt injection handler wired", target.name)
	}
	return target.InjectHandler(intrType, virt)
}

// NewRegistry builds an empty Registry with a fixed-capacity ptirq
// pool and an empty hypercall dispatch table.
func NewRegistry(ptirqCapacity int) *Registry {
	r := &Registry{
		vms:     make(map[int]*VM),
		HCTable: hypercall.NewTable(),
		dbg:     debug.WithSource("vm.registry"),
	}
	r.PtirqPool = ptirq.NewPool(ptirqCapacity, ptirqTarget{r: r})
	r.HCGate = hypercall.NewGate(r.HCTable)
	return r
}

// Add registers v. The first VM added with Kind == KindService becomes
// the registry's Service VM. Add does not touch any VM's
// ioreq.Router.Notify; that callback is fixed by Config.Notify when the
// VM is created.
func (r *Registry) Add(v *VM) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.vms[v.id]; exists {
		return fmt.Errorf("vm: id %d already registered", v.id)
	}
	r.vms[v.id] = v
	if v.IsServiceVM() {
		if r.serviceVM != nil {
			return fmt.Errorf("vm: a Service VM is already registered (%s)", r.serviceVM.name)
		}
		r.serviceVM = v
	}
	return nil
}

// NotifyServiceVM wakes the Service VM's HSM vCPU (vCPU 0), the
// Registry's default ioreq.Router.Notify implementation for
// non-Service VMs.
func (r *Registry) NotifyServiceVM() error {
	r.mu.RLock()
	svc := r.serviceVM
	r.mu.RUnlock()
	if svc == nil {
		return fmt.Errorf("vm: no Service VM registered to notify")
	}
	return svc.VCPUs.Wake(0)
}

// Lookup returns the VM with the given id.
func (r *Registry) Lookup(id int) (*VM, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.vms[id]
	return v, ok
}

// ServiceVM returns the registered Service VM, if any.
func (r *Registry) ServiceVM() (*VM, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.serviceVM, r.serviceVM != nil
}

// All returns every registered VM, in no particular order.
func (r *Registry) All() []*VM {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*VM, 0, len(r.vms))
	for _, v := range r.vms {
		out = append(out, v)
	}
	return out
}

// RegisterHypercall adds id to the shared dispatch table; a thin
// wrapper so callers don't need to import internal/hypercall just to
// populate the table cmd/corehv builds at startup.
func (r *Registry) RegisterHypercall(id uint64, e hypercall.Entry) {
	r.HCTable.Register(id, e)
}

// ListenLifecycle starts the Service VM's lifecycle listener, which
// guests dial to sync and issue req_sys_shutdown/reboot.
func (r *Registry) ListenLifecycle(addr string) error {
	svc, err := lifecycle.Listen(addr)
	if err != nil {
		return err
	}
	r.Lifecycle = svc
	return nil
}
