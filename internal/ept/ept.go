// Package ept implements the guest-physical to host-physical address
// translation surface: region create/modify/delete with protection and
// cache-attribute bits, GPA->HPA resolution, and vMTRR-driven
// memory-type propagation.
//
// It layers a second region table over hv.AddressSpace rather than
// replacing it: AddressSpace remains the MMIO-hole allocator kvm.go
// already depends on, while Table tracks the full guest-physical map
// (RAM and MMIO alike) with the protection/cache-type metadata
// AddressSpace has no notion of.
package ept

import (
	"fmt"
	"sort"
	"sync"

	"github.com/corehv/corehv/internal/debug"
)

// Prot is a bitmask of EPT entry permission bits.
type Prot uint8

const (
	ProtRead Prot = 1 << iota
	ProtWrite
	ProtExecute

	ProtRWX = ProtRead | ProtWrite | ProtExecute
	ProtRW  = ProtRead | ProtWrite
)

// MemType is an EPT memory-type (matching the MTRR/PAT type encoding).
type MemType uint8

const (
	MemTypeUC MemType = 0 // uncacheable
	MemTypeWC MemType = 1 // write-combining
	MemTypeWT MemType = 4 // write-through
	MemTypeWP MemType = 5 // write-protected
	MemTypeWB MemType = 6 // write-back
)

func (m MemType) String() string {
	switch m {
	case MemTypeUC:
		return "UC"
	case MemTypeWC:
		return "WC"
	case MemTypeWT:
		return "WT"
	case MemTypeWP:
		return "WP"
	case MemTypeWB:
		return "WB"
	default:
		return fmt.Sprintf("memtype(%d)", uint8(m))
	}
}

// Region is one guest-physical mapping: [GPA, GPA+Size) -> [HPA, HPA+Size).
type Region struct {
	GPA     uint64
	HPA     uint64
	Size    uint64
	Prot    Prot
	MemType MemType
}

func (r Region) end() uint64 { return r.GPA + r.Size }

func (r Region) overlaps(gpa, size uint64) bool {
	return gpa < r.end() && gpa+size > r.GPA
}

// Table is one VM's EPT region table: guest-physical regions, sorted
// and non-overlapping, each tagged with protection bits and a memory
// type. It is the thing ept_violation_vmexit_handler (in internal/ioreq)
// consults to classify a faulting GPA as RAM, MMIO, or unmapped.
type Table struct {
	mu      sync.Mutex
	regions []Region // sorted by GPA, invariant: non-overlapping

	dbg debug.Debug
}

// NewTable returns an empty EPT region table.
func NewTable() *Table {
	return &Table{dbg: debug.WithSource("ept")}
}

// AddMR creates a new guest-physical region. It is an error for the new
// region to overlap an existing one; overlapping updates must go
// through ModifyMR.
func (t *Table) AddMR(gpa, hpa, size uint64, prot Prot, memType MemType) error {
	if size == 0 {
		return fmt.Errorf("ept: cannot add zero-size region at gpa 0x%x", gpa)
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, r := range t.regions {
		if r.overlaps(gpa, size) {
			return fmt.Errorf("ept: region [0x%x-0x%x) overlaps existing region [0x%x-0x%x)",
				gpa, gpa+size, r.GPA, r.end())
		}
	}

	t.insert(Region{GPA: gpa, HPA: hpa, Size: size, Prot: prot, MemType: memType})
	t.dbg.Writef("add_mr gpa=0x%x hpa=0x%x size=0x%x prot=%x type=%s", gpa, hpa, size, prot, memType)
	return nil
}

// ModifyMR updates protection and/or memory type over [gpa, gpa+size).
// The target range need not align with existing region boundaries: it
// may split, shrink, or span multiple regions, as long as it is fully
// backed by mapped GPA (no gaps). This is the path vMTRR->EPT
// propagation and guest EPT hypercalls use.
func (t *Table) ModifyMR(gpa, size uint64, prot Prot, memType MemType) error {
	if size == 0 {
		return fmt.Errorf("ept: cannot modify zero-size region at gpa 0x%x", gpa)
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	end := gpa + size
	var out []Region
	covered := uint64(0)

	for _, r := range t.regions {
		if !r.overlaps(gpa, size) {
			out = append(out, r)
			continue
		}

		lo, hi := r.GPA, r.end()

		// Portion before the modified range keeps r's old attributes.
		if lo < gpa {
			out = append(out, Region{GPA: lo, HPA: r.HPA, Size: gpa - lo, Prot: r.Prot, MemType: r.MemType})
		}

		// Overlapped portion gets the new attributes, HPA offset preserved.
		segLo := maxU64(lo, gpa)
		segHi := minU64(hi, end)
		segHPA := r.HPA + (segLo - r.GPA)
		out = append(out, Region{GPA: segLo, HPA: segHPA, Size: segHi - segLo, Prot: prot, MemType: memType})
		covered += segHi - segLo

		// Portion after the modified range keeps r's old attributes.
		if hi > end {
			out = append(out, Region{GPA: end, HPA: r.HPA + (end - r.GPA), Size: hi - end, Prot: r.Prot, MemType: r.MemType})
		}
	}

	if covered != size {
		return fmt.Errorf("ept: modify range [0x%x-0x%x) is not fully mapped (covered 0x%x of 0x%x)",
			gpa, end, covered, size)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].GPA < out[j].GPA })
	t.regions = mergeAdjacent(out)
	t.dbg.Writef("modify_mr gpa=0x%x size=0x%x prot=%x type=%s", gpa, size, prot, memType)
	return nil
}

// ModifyMemType rewrites only the memory type over [gpa, gpa+size),
// leaving each underlying region's protection bits as they are. Like
// ModifyMR, the target range must be fully mapped but need not align
// with region boundaries.
func (t *Table) ModifyMemType(gpa, size uint64, memType MemType) error {
	if size == 0 {
		return fmt.Errorf("ept: cannot modify zero-size region at gpa 0x%x", gpa)
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	end := gpa + size
	var out []Region
	covered := uint64(0)

	for _, r := range t.regions {
		if !r.overlaps(gpa, size) {
			out = append(out, r)
			continue
		}

		lo, hi := r.GPA, r.end()
		if lo < gpa {
			out = append(out, Region{GPA: lo, HPA: r.HPA, Size: gpa - lo, Prot: r.Prot, MemType: r.MemType})
		}

		segLo := maxU64(lo, gpa)
		segHi := minU64(hi, end)
		segHPA := r.HPA + (segLo - r.GPA)
		out = append(out, Region{GPA: segLo, HPA: segHPA, Size: segHi - segLo, Prot: r.Prot, MemType: memType})
		covered += segHi - segLo

		if hi > end {
			out = append(out, Region{GPA: end, HPA: r.HPA + (end - r.GPA), Size: hi - end, Prot: r.Prot, MemType: r.MemType})
		}
	}

	if covered != size {
		return fmt.Errorf("ept: modify range [0x%x-0x%x) is not fully mapped (covered 0x%x of 0x%x)",
			gpa, end, covered, size)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].GPA < out[j].GPA })
	t.regions = mergeAdjacent(out)
	t.dbg.Writef("modify_memtype gpa=0x%x size=0x%x type=%s", gpa, size, memType)
	return nil
}

// DelMR removes the mapping over [gpa, gpa+size); like ModifyMR it may
// split a region that only partially overlaps.
func (t *Table) DelMR(gpa, size uint64) error {
	if size == 0 {
		return fmt.Errorf("ept: cannot delete zero-size region at gpa 0x%x", gpa)
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	end := gpa + size
	var out []Region
	for _, r := range t.regions {
		if !r.overlaps(gpa, size) {
			out = append(out, r)
			continue
		}
		lo, hi := r.GPA, r.end()
		if lo < gpa {
			out = append(out, Region{GPA: lo, HPA: r.HPA, Size: gpa - lo, Prot: r.Prot, MemType: r.MemType})
		}
		if hi > end {
			out = append(out, Region{GPA: end, HPA: r.HPA + (end - r.GPA), Size: hi - end, Prot: r.Prot, MemType: r.MemType})
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].GPA < out[j].GPA })
	t.regions = out
	t.dbg.Writef("del_mr gpa=0x%x size=0x%x", gpa, size)
	return nil
}

// Gpa2Hpa resolves a single guest-physical address to its host-physical
// address. The second return is false if gpa is not backed by any
// mapped region (the INVALID case).
func (t *Table) Gpa2Hpa(gpa uint64) (uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	i := sort.Search(len(t.regions), func(i int) bool { return t.regions[i].end() > gpa })
	if i >= len(t.regions) || t.regions[i].GPA > gpa {
		return 0, false
	}
	r := t.regions[i]
	return r.HPA + (gpa - r.GPA), true
}

// Lookup returns the region containing gpa, if any.
func (t *Table) Lookup(gpa uint64) (Region, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	i := sort.Search(len(t.regions), func(i int) bool { return t.regions[i].end() > gpa })
	if i >= len(t.regions) || t.regions[i].GPA > gpa {
		return Region{}, false
	}
	return t.regions[i], true
}

// Regions returns a copy of the current region list, sorted by GPA.
func (t *Table) Regions() []Region {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Region, len(t.regions))
	copy(out, t.regions)
	return out
}

// insert adds r to the sorted region slice; callers must hold t.mu and
// have already verified no overlap.
func (t *Table) insert(r Region) {
	i := sort.Search(len(t.regions), func(i int) bool { return t.regions[i].GPA >= r.GPA })
	t.regions = append(t.regions, Region{})
	copy(t.regions[i+1:], t.regions[i:])
	t.regions[i] = r
}

// mergeAdjacent coalesces consecutive regions with identical attributes
// and a contiguous HPA mapping, keeping the region list compact the way
// the vMTRR propagation path expects after repeated ModifyMR calls.
func mergeAdjacent(regions []Region) []Region {
	if len(regions) == 0 {
		return regions
	}
	out := make([]Region, 0, len(regions))
	cur := regions[0]
	for _, r := range regions[1:] {
		if cur.end() == r.GPA && cur.HPA+cur.Size == r.HPA && cur.Prot == r.Prot && cur.MemType == r.MemType {
			cur.Size += r.Size
			continue
		}
		out = append(out, cur)
		cur = r
	}
	return append(out, cur)
}

func maxU64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

func minU64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
