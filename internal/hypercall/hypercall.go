// Package hypercall implements the VMCALL dispatch gate: a fixed table
// of hypercall handlers keyed by ID, each guarded by a permission-flags
// bitmap, with target-VM resolution and the Service-VM/ring-0 gating
// VMCALL itself requires.
package hypercall

import (
	"errors"
	"fmt"
	"sync"

	"github.com/corehv/corehv/internal/debug"
)

// GuestFlags is a bitmap of guest capability flags, tested against a
// handler's permission flags.
type GuestFlags uint64

const (
	GuestFlagSecureWorldEnabled GuestFlags = 1 << iota
	GuestFlagTEE
	GuestFlagREE
)

// guestFlagsAllowingHypercalls: a non-Service VM may execute VMCALL at all only if it carries one of
// these flags.
const guestFlagsAllowingHypercalls = GuestFlagSecureWorldEnabled | GuestFlagTEE | GuestFlagREE

// VM is the subset of VM identity and policy the gate needs.
type VM interface {
	ID() int
	IsServiceVM() bool
	IsREEVM() bool
	IsPrelaunched() bool
	GuestFlags() GuestFlags
	Lock()
	Unlock()
}

// VCPU is the calling vCPU context: register access plus fault
// injection, and a handle back to its owning VM.
type VCPU interface {
	VM() VM
	GPReg(reg int) uint64
	SetGPReg(reg int, val uint64)
	InjectUD()
	InjectGP(errorCode uint32)
	InRing0() bool
}

// General-purpose register indices used for hypercall ABI, matching
// CPU_REG_R8/RDI/RSI/RAX.
const (
	RegR8 = iota
	RegRDI
	RegRSI
	RegRAX
)

// Handler implements one hypercall. vm is the resolved target VM
// (equal to the caller's own VM for permission_flags != 0 calls, or
// the Service-VM-resolved target otherwise).
type Handler func(caller VCPU, target VM, param1, param2 uint64) (int64, error)

// Resolver resolves the target VM for a hypercall whose
// permission_flags == 0, given the calling (Service) VM and the raw
// parameters.
type Resolver func(caller VM, id uint64, param1, param2 uint64) (VM, bool)

var errNotty = errors.New("hypercall: -ENOTTY")

// Entry is one dispatch-table slot.
type Entry struct {
	Handler Handler
	// PermissionFlags == 0 means Service-VM-only, target-VM-resolved.
	// Non-zero means any caller whose guest flags are a superset may
	// invoke it directly against its own VM.
	PermissionFlags GuestFlags
	Resolver        Resolver
}

// Table is the fixed hypercall dispatch table, indexed by ID.
type Table struct {
	mu      sync.RWMutex
	entries map[uint64]Entry
	dbg     debug.Debug
}

// NewTable creates an empty dispatch table.
func NewTable() *Table {
	return &Table{
		entries: make(map[uint64]Entry),
		dbg:     debug.WithSource("hypercall"),
	}
}

// Register installs the handler for id. Re-registering an id replaces
// the previous entry.
func (t *Table) Register(id uint64, e Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[id] = e
}

// lookup returns the entry for id, or ok=false if id is out of range
// or has no handler.
func (t *Table) lookup(id uint64) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[id]
	if !ok || e.Handler == nil {
		return Entry{}, false
	}
	return e, true
}

// Dispatch performs table lookup, permission gating, target-VM resolution, locked invocation. It assumes the
// caller-level checks (#UD/#GP) already passed; use Gate.Handle for
// the full VMCALL VM-exit path.
func (t *Table) Dispatch(caller VCPU, id, param1, param2 uint64) (int64, error) {
	entry, ok := t.lookup(id)
	if !ok {
		return 0, errNotty
	}

	vm := caller.VM()
	guestFlags := vm.GuestFlags()

	switch {
	case entry.PermissionFlags == 0 && vm.IsServiceVM() && !vm.IsREEVM():
		var target VM
		if entry.Resolver != nil {
			target, ok = entry.Resolver(vm, id, param1, param2)
			if !ok {
				return 0, errNotty
			}
		} else {
			target = vm
		}
		if target == nil || target.IsPrelaunched() {
			return 0, errNotty
		}
		target.Lock()
		defer target.Unlock()
		return entry.Handler(caller, target, param1, param2)

	case entry.PermissionFlags != 0 && guestFlags&entry.PermissionFlags == entry.PermissionFlags:
		return entry.Handler(caller, vm, param1, param2)

	default:
		return 0, errNotty
	}
}

// Gate is the VMCALL VM-exit entry point: caller-level #UD/#GP gating
// plus dispatch and RAX write-back.
type Gate struct {
	Table *Table
	dbg   debug.Debug
}

// NewGate builds a Gate bound to table.
func NewGate(table *Table) *Gate {
	return &Gate{Table: table, dbg: debug.WithSource("hypercall")}
}

// Handle processes one VMCALL exit for vcpu, returning the hypercall ID
// dispatched purely for tracing; the guest-visible effect (RAX,
// injected fault) is applied to vcpu directly.
func (g *Gate) Handle(vcpu VCPU) uint64 {
	vm := vcpu.VM()
	id := vcpu.GPReg(RegR8)

	if !vm.IsServiceVM() && vm.GuestFlags()&guestFlagsAllowingHypercalls == 0 {
		vcpu.InjectUD()
		g.dbg.Writef("vmcall vm=%d id=0x%x denied: not a hypercall-capable guest", vm.ID(), id)
		return id
	}
	if !vcpu.InRing0() {
		vcpu.InjectGP(0)
		g.dbg.Writef("vmcall vm=%d id=0x%x denied: not ring 0", vm.ID(), id)
		return id
	}

	param1 := vcpu.GPReg(RegRDI)
	param2 := vcpu.GPReg(RegRSI)
	ret, err := g.Table.Dispatch(vcpu, id, param1, param2)
	if err != nil {
		ret = -1
		g.dbg.Writef("vmcall vm=%d id=0x%x failed: %v", vm.ID(), id, err)
	}
	vcpu.SetGPReg(RegRAX, uint64(ret))
	return id
}

// Err adapts a hypercall handler's negative-errno convention to a Go
// error, for handlers implemented in terms of existing internal
// packages that return (0, err).
func Err(format string, args ...any) error {
	return fmt.Errorf(format, args...)
}
