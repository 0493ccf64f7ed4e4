// Package timeslice accounts for where the hypervisor's wall-clock time
// goes, split into named kinds (time in guest, time dispatching an I/O
// request, time in a KVM ioctl, ...). Each kind accumulates a count and
// a total duration; the guest-time flag separates "the guest was
// running" from hypervisor overhead, which is what scheduler fairness
// measurements read.
package timeslice

import (
	"sync"
	"sync/atomic"
	"time"
)

// TimesliceID names a registered slice kind. The zero value is invalid.
type TimesliceID uint64

const InvalidTimesliceID = TimesliceID(0)

// SliceFlags classifies a slice kind.
type SliceFlags uint32

const (
	// SliceFlagGuestTime marks time spent executing guest code rather
	// than hypervisor work.
	SliceFlagGuestTime SliceFlags = 1 << iota
)

type kind struct {
	name  string
	flags SliceFlags

	count atomic.Uint64
	total atomic.Int64 // nanoseconds
}

var (
	kindsMu sync.Mutex
	kinds   []*kind // index = id - 1
)

// RegisterKind defines a new slice kind and returns its id. Intended
// for package-level var initialization; ids are stable for the process
// lifetime.
func RegisterKind(name string, flags SliceFlags) TimesliceID {
	kindsMu.Lock()
	defer kindsMu.Unlock()
	kinds = append(kinds, &kind{name: name, flags: flags})
	return TimesliceID(len(kinds))
}

func kindFor(id TimesliceID) *kind {
	kindsMu.Lock()
	defer kindsMu.Unlock()
	if id == InvalidTimesliceID || int(id) > len(kinds) {
		return nil
	}
	return kinds[id-1]
}

// Record charges duration to the given kind.
func Record(id TimesliceID, duration time.Duration) {
	k := kindFor(id)
	if k == nil {
		return
	}
	k.count.Add(1)
	k.total.Add(duration.Nanoseconds())
}

// Recorder charges the time elapsed since its previous Record call to
// whatever kind that call names, the natural shape for a VM-exit loop:
// record guest-time on exit, host-time on re-entry. Not safe for
// concurrent use; each vCPU loop owns one.
type Recorder struct {
	last time.Time
}

// NewRecorder starts a recorder whose first Record charges time from
// now.
func NewRecorder() *Recorder {
	return &Recorder{last: time.Now()}
}

// Record charges the elapsed interval to id and restarts the clock.
func (r *Recorder) Record(id TimesliceID) {
	now := time.Now()
	Record(id, now.Sub(r.last))
	r.last = now
}

// KindTotal is one kind's accumulated state.
type KindTotal struct {
	ID    TimesliceID
	Name  string
	Flags SliceFlags
	Count uint64
	Total time.Duration
}

// Totals snapshots every registered kind, in registration order.
func Totals() []KindTotal {
	kindsMu.Lock()
	snapshot := make([]*kind, len(kinds))
	copy(snapshot, kinds)
	kindsMu.Unlock()

	out := make([]KindTotal, 0, len(snapshot))
	for i, k := range snapshot {
		out = append(out, KindTotal{
			ID:    TimesliceID(i + 1),
			Name:  k.name,
			Flags: k.flags,
			Count: k.count.Load(),
			Total: time.Duration(k.total.Load()),
		})
	}
	return out
}

// GuestHostSplit sums accumulated time into guest-flagged and
// everything-else buckets.
func GuestHostSplit() (guest, host time.Duration) {
	for _, t := range Totals() {
		if t.Flags&SliceFlagGuestTime != 0 {
			guest += t.Total
		} else {
			host += t.Total
		}
	}
	return guest, host
}
