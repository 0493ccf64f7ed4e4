package ioreq

import (
	"errors"
	"fmt"
	"runtime"
	"sync"

	"github.com/corehv/corehv/internal/debug"
	"github.com/corehv/corehv/internal/sched"
)

// ErrSplitAccess is returned when an access spans more than one
// registered handler range; the caller injects a fault or logs.
var ErrSplitAccess = errors.New("ioreq: access spans multiple handler ranges")

// ThreadProvider resolves a vCPU id to its scheduler thread, so the
// router can sleep/wake the calling vCPU across a DM round trip.
// *vcpu.Set satisfies this.
type ThreadProvider interface {
	Thread(id int) (*sched.Thread, bool)
}

// Config bundles the construction-time parameters for a Router.
type Config struct {
	// IsServiceVM selects the default-allow bitmap and enables the
	// direct-access shortcut.
	IsServiceVM bool
	// NRSlots is the number of vCPUs this VM has (one ring slot each).
	NRSlots int
	Threads ThreadProvider
	// Notify signals the DM that slot[0]'s owner (or, generally, that a
	// new request is pending) by injecting the HSM notification vector
	// into the Service VM's vCPU 0. Must be non-nil for any VM that is
	// not itself the Service VM; the Service VM's own requests still
	// route through the same ring for uniformity, self-notifying.
	Notify func() error
}

// Router is one VM's I/O request pipeline: handler
// lists, the I/O bitmap, the DM ring, and the split-lock emulator.
type Router struct {
	mu sync.Mutex

	isServiceVM bool
	pio         []pioHandler
	mmio        []mmioHandler
	bitmap      *PortBitmap

	ring    *Ring
	threads ThreadProvider
	notify  func() error

	lock LockEmulator

	dbg debug.Debug
}

// NewRouter constructs a Router for one VM. Non-Service VMs get an
// all-deny bitmap; the Service VM gets default-allow.
func NewRouter(cfg Config) *Router {
	return &Router{
		isServiceVM: cfg.IsServiceVM,
		bitmap:      NewPortBitmap(!cfg.IsServiceVM),
		ring:        NewRing(cfg.NRSlots),
		threads:     cfg.Threads,
		notify:      cfg.Notify,
		dbg:         debug.WithSource("ioreq"),
	}
}

// HandlePIOExit builds a Request from a PIO VM-exit's decoded fields and
// routes it through EmulateIO. For a write, value is the value read
// from RAX masked to size (the caller's responsibility); for a read,
// writeBack is invoked with the 32-bit-masked result.
func (r *Router) HandlePIOExit(vcpuID int, port uint16, size int, dir Direction, value uint64, writeBack func(uint64) error) error {
	req := Request{
		Kind:      KindPIO,
		Address:   uint64(port),
		Size:      size,
		Direction: dir,
		Value:     value,
		WriteBack: writeBack,
	}
	return r.EmulateIO(vcpuID, &req)
}

// HandleMMIOExit builds an MMIO Request and routes it through EmulateIO.
// kind lets the EPT-violation path (internal/vcpu, internal/ept) mark a
// write-protected-page access as KindWriteProtected.
func (r *Router) HandleMMIOExit(vcpuID int, kind Kind, addr uint64, size int, dir Direction, value uint64, writeBack func(uint64) error) error {
	req := Request{
		Kind:      kind,
		Address:   addr,
		Size:      size,
		Direction: dir,
		Value:     value,
		WriteBack: writeBack,
	}
	return r.EmulateIO(vcpuID, &req)
}

// EmulateIO routes one guest access: a single fully-containing handler
// emulates it in place, an access spanning handler ranges is rejected,
// and an access no handler covers is either completed directly (Service
// VM ports marked direct in the bitmap) or deferred to the DM ring.
func (r *Router) EmulateIO(vcpuID int, req *Request) error {
	if !req.validSize() {
		return fmt.Errorf("ioreq: invalid access size %d", req.Size)
	}

	space := SpaceMMIO
	if req.Kind == KindPIO {
		space = SpacePIO
	}

	matched, err := r.tryHandlerList(space, req)
	if matched {
		return err
	}
	if err != nil {
		return err
	}

	if r.isServiceVM && space == SpacePIO && !r.bitmap.ExitsOnAccess(uint16(req.Address)) {
		r.dbg.Writef("direct port=0x%04x dir=%s size=%d", req.Address, req.Direction, req.Size)
		if req.Direction == DirRead && req.WriteBack != nil {
			return req.WriteBack(0)
		}
		return nil
	}

	return r.deferToDM(vcpuID, req)
}

// tryHandlerList walks the handler list for req's space. matched
// distinguishes "a terminal decision was reached here" (either a single
// handler fully contained the access, or the access spans multiple
// handlers and must fault) from "no handler matched at all", in which
// case the caller falls through to the direct-access shortcut or the
// DM ring.
func (r *Router) tryHandlerList(space Space, req *Request) (matched bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch space {
	case SpacePIO:
		port := uint16(req.Address)
		var hit *pioHandler
		overlapCount := 0
		for i := range r.pio {
			h := &r.pio[i]
			if h.contains(port, req.Size) {
				hit = h
			} else if h.overlaps(port, req.Size) {
				overlapCount++
			}
		}
		if hit != nil {
			return true, r.invokePIO(*hit, req)
		}
		if overlapCount > 0 {
			return true, ErrSplitAccess
		}
		return false, nil

	default: // SpaceMMIO
		addr := req.Address
		var hit *mmioHandler
		overlapCount := 0
		for i := range r.mmio {
			h := &r.mmio[i]
			if h.contains(addr, req.Size) {
				hit = h
			} else if h.overlaps(addr, req.Size) {
				overlapCount++
			}
		}
		if hit != nil {
			return true, r.invokeMMIO(*hit, req)
		}
		if overlapCount > 0 {
			return true, ErrSplitAccess
		}
		return false, nil
	}
}

func (r *Router) invokePIO(h pioHandler, req *Request) error {
	port := uint16(req.Address)
	if req.Direction == DirWrite {
		if h.write == nil {
			return fmt.Errorf("ioreq: port 0x%04x has no write handler", port)
		}
		return h.write(port, req.Size, req.maskSize(req.Value))
	}
	if h.read == nil {
		return fmt.Errorf("ioreq: port 0x%04x has no read handler", port)
	}
	v, err := h.read(port, req.Size)
	if err != nil {
		return err
	}
	if req.WriteBack != nil {
		return req.WriteBack(mask32(v))
	}
	return nil
}

func (r *Router) invokeMMIO(h mmioHandler, req *Request) error {
	if req.Kind == KindWriteProtected {
		// The DM owns write-protected-page semantics; the hypervisor
		// itself never performs the write. A registered handler for a
		// WP range is still consulted for reads.
		if req.Direction == DirWrite {
			return nil
		}
	}
	v, err := h.fn(req.Address, req.Size, req.Direction, req.maskSize(req.Value), h.priv)
	if err != nil {
		return err
	}
	if req.Direction == DirRead && req.WriteBack != nil {
		return req.WriteBack(req.maskSize(v))
	}
	return nil
}

// deferToDM packages req into the calling vCPU's ring slot, notifies
// the DM, and sleeps the calling thread until the DM marks the slot
// terminal.
func (r *Router) deferToDM(vcpuID int, req *Request) error {
	slot := r.ring.Slot(vcpuID)
	if slot == nil {
		return fmt.Errorf("ioreq: no DM ring slot for vCPU %d", vcpuID)
	}
	if slot.Valid() {
		return fmt.Errorf("ioreq: vCPU %d ring slot already in use", vcpuID)
	}

	th, ok := r.threads.Thread(vcpuID)
	if !ok {
		return fmt.Errorf("ioreq: no thread bound for vCPU %d", vcpuID)
	}

	slot.stage(*req)
	r.dbg.Writef("defer vcpu=%d kind=%s addr=0x%x size=%d dir=%s", vcpuID, req.Kind, req.Address, req.Size, req.Direction)

	if r.notify != nil {
		if err := r.notify(); err != nil {
			slot.release()
			return fmt.Errorf("ioreq: notify DM: %w", err)
		}
	}

	// Sleep this thread then synchronously yield; Schedule blocks the
	// calling goroutine (this vCPU's own VMX-loop goroutine) until a
	// later WakeThread (triggered by CompleteRequest) schedules it
	// RUNNING again. The vCPU stays suspended for as long as the DM
	// holds the request.
	scheduler := th.Scheduler()
	scheduler.SleepThread(th)
	scheduler.Schedule()

	state := slot.State()
	value := slot.Request().Value
	slot.release()

	switch state {
	case SlotSuccess:
		if req.Direction == DirRead && req.Kind != KindWriteProtected && req.WriteBack != nil {
			return req.WriteBack(req.maskSize(value))
		}
		return nil
	case SlotFailed:
		return fmt.Errorf("ioreq: DM failed request at 0x%x", req.Address)
	default:
		return fmt.Errorf("ioreq: ring slot for vCPU %d woke in unexpected state %s", vcpuID, state)
	}
}

// CompleteRequest is called by the DM side when it finishes processing
// vCPU id's pending request: it writes the terminal state and value
// into the slot, then wakes the vCPU thread.
func (r *Router) CompleteRequest(vcpuID int, value uint64, success bool) error {
	slot := r.ring.Slot(vcpuID)
	if slot == nil {
		return fmt.Errorf("ioreq: no DM ring slot for vCPU %d", vcpuID)
	}
	if !slot.Valid() || slot.State() != SlotProcessing {
		return fmt.Errorf("ioreq: vCPU %d slot not awaiting completion", vcpuID)
	}
	slot.complete(value, success)

	th, ok := r.threads.Thread(vcpuID)
	if !ok {
		return fmt.Errorf("ioreq: no thread bound for vCPU %d", vcpuID)
	}

	// The vCPU stages the slot before it suspends, so a fast DM can
	// observe PROCESSING and complete the request while the vCPU is
	// still on its way down. Wait for the suspension to land, then
	// wake; waking an unsuspended thread would be lost.
	sch := th.Scheduler()
	for th.Status() == sched.StatusRunning {
		runtime.Gosched()
	}
	sch.WakeThread(th)
	return nil
}

// Slot exposes the ring slot for vCPU id, e.g. for a DM-side poller to
// discover pending work without a callback.
func (r *Router) Slot(vcpuID int) *Slot { return r.ring.Slot(vcpuID) }

// LockEmulator returns the split-lock emulation state for this VM.
func (r *Router) LockEmulator() *LockEmulator { return &r.lock }
