package ept_test

import (
	"testing"

	"github.com/corehv/corehv/internal/ept"
)

func TestAddAndResolve(t *testing.T) {
	tbl := ept.NewTable()
	if err := tbl.AddMR(0x0, 0x100000, 0x10000, ept.ProtRWX, ept.MemTypeWB); err != nil {
		t.Fatalf("AddMR: %v", err)
	}

	hpa, ok := tbl.Gpa2Hpa(0x1234)
	if !ok || hpa != 0x101234 {
		t.Fatalf("Gpa2Hpa(0x1234) = 0x%x, %v; want 0x101234, true", hpa, ok)
	}
	if _, ok := tbl.Gpa2Hpa(0x10000); ok {
		t.Fatalf("expected unmapped GPA to resolve to invalid")
	}
}

func TestAddRejectsOverlap(t *testing.T) {
	tbl := ept.NewTable()
	if err := tbl.AddMR(0x1000, 0x200000, 0x2000, ept.ProtRW, ept.MemTypeWB); err != nil {
		t.Fatalf("AddMR: %v", err)
	}
	if err := tbl.AddMR(0x2000, 0x300000, 0x2000, ept.ProtRW, ept.MemTypeWB); err == nil {
		t.Fatalf("expected overlap error")
	}
}

func TestModifySplitsRegion(t *testing.T) {
	tbl := ept.NewTable()
	if err := tbl.AddMR(0x0, 0x100000, 0x4000, ept.ProtRWX, ept.MemTypeWB); err != nil {
		t.Fatalf("AddMR: %v", err)
	}
	if err := tbl.ModifyMR(0x1000, 0x1000, ept.ProtRead, ept.MemTypeUC); err != nil {
		t.Fatalf("ModifyMR: %v", err)
	}

	r, ok := tbl.Lookup(0x1000)
	if !ok || r.Prot != ept.ProtRead || r.MemType != ept.MemTypeUC {
		t.Fatalf("modified slice not applied: %+v, %v", r, ok)
	}
	before, _ := tbl.Lookup(0x0)
	after, _ := tbl.Lookup(0x2000)
	if before.Prot != ept.ProtRWX || after.Prot != ept.ProtRWX {
		t.Fatalf("untouched slices lost their attributes: %+v / %+v", before, after)
	}
	// HPA offsets must survive the split.
	if hpa, _ := tbl.Gpa2Hpa(0x2800); hpa != 0x102800 {
		t.Fatalf("Gpa2Hpa(0x2800) = 0x%x after split, want 0x102800", hpa)
	}
}

func TestModifyRejectsUnmappedRange(t *testing.T) {
	tbl := ept.NewTable()
	if err := tbl.AddMR(0x0, 0x100000, 0x1000, ept.ProtRWX, ept.MemTypeWB); err != nil {
		t.Fatalf("AddMR: %v", err)
	}
	if err := tbl.ModifyMR(0x0, 0x2000, ept.ProtRW, ept.MemTypeWB); err == nil {
		t.Fatalf("expected error modifying past the mapped region")
	}
}

func TestDelSplitsRegion(t *testing.T) {
	tbl := ept.NewTable()
	if err := tbl.AddMR(0x0, 0x100000, 0x3000, ept.ProtRWX, ept.MemTypeWB); err != nil {
		t.Fatalf("AddMR: %v", err)
	}
	if err := tbl.DelMR(0x1000, 0x1000); err != nil {
		t.Fatalf("DelMR: %v", err)
	}
	if _, ok := tbl.Gpa2Hpa(0x1800); ok {
		t.Fatalf("deleted range still resolves")
	}
	if hpa, ok := tbl.Gpa2Hpa(0x2800); !ok || hpa != 0x102800 {
		t.Fatalf("tail slice lost: 0x%x, %v", hpa, ok)
	}
}

func TestModifyMemTypeKeepsProt(t *testing.T) {
	tbl := ept.NewTable()
	if err := tbl.AddMR(0x0, 0x100000, 0x2000, ept.ProtRead, ept.MemTypeWB); err != nil {
		t.Fatalf("AddMR: %v", err)
	}
	if err := tbl.ModifyMemType(0x0, 0x1000, ept.MemTypeUC); err != nil {
		t.Fatalf("ModifyMemType: %v", err)
	}
	r, _ := tbl.Lookup(0x0)
	if r.MemType != ept.MemTypeUC || r.Prot != ept.ProtRead {
		t.Fatalf("memory type change must not touch protection: %+v", r)
	}
}

// lowMiB builds a table with the first megabyte mapped RWX/WB, the
// state a VM's EPT is in before the guest programs its MTRRs.
func lowMiB(t *testing.T) *ept.Table {
	t.Helper()
	tbl := ept.NewTable()
	if err := tbl.AddMR(0, 0x100000000, 1<<20, ept.ProtRWX, ept.MemTypeWB); err != nil {
		t.Fatalf("AddMR: %v", err)
	}
	return tbl
}

func TestMTRRDisabledFlattensFirstMegabyte(t *testing.T) {
	tbl := lowMiB(t)
	m := ept.NewFixedMTRR()

	// Carve the VGA hole UC first, then disable MTRRs with default WB:
	// the whole megabyte must flatten back to WB.
	m.SetDefType(true, ept.MemTypeWB)
	var uc uint64
	for i := 0; i < 8; i++ {
		uc |= uint64(ept.MemTypeUC) << (8 * i)
	}
	if err := m.WriteMSR(2, uc); err != nil { // MTRRfix16K_A0000
		t.Fatalf("WriteMSR: %v", err)
	}
	if err := m.Propagate(tbl); err != nil {
		t.Fatalf("Propagate: %v", err)
	}
	if r, _ := tbl.Lookup(0xA0000); r.MemType != ept.MemTypeUC {
		t.Fatalf("expected VGA hole UC, got %s", r.MemType)
	}

	m.SetDefType(false, ept.MemTypeWB)
	if err := m.Propagate(tbl); err != nil {
		t.Fatalf("Propagate: %v", err)
	}
	for _, gpa := range []uint64{0x0, 0xA0000, 0xF8000} {
		if r, _ := tbl.Lookup(gpa); r.MemType != ept.MemTypeWB {
			t.Fatalf("gpa 0x%x: expected default WB with MTRRs disabled, got %s", gpa, r.MemType)
		}
	}

	// Re-enabling re-applies the per-range types.
	m.SetDefType(true, ept.MemTypeWB)
	if err := m.Propagate(tbl); err != nil {
		t.Fatalf("Propagate: %v", err)
	}
	if r, _ := tbl.Lookup(0xA0000); r.MemType != ept.MemTypeUC {
		t.Fatalf("expected VGA hole UC after re-enable, got %s", r.MemType)
	}
	if r, _ := tbl.Lookup(0x0); r.MemType != ept.MemTypeWB {
		t.Fatalf("expected low RAM WB after re-enable, got %s", r.MemType)
	}
}

func TestMTRRCapReportsFixedOnly(t *testing.T) {
	if ept.MTRRCapValue&0xFF != 0 {
		t.Fatalf("vcnt must be 0, cap=0x%x", ept.MTRRCapValue)
	}
	if ept.MTRRCapValue&(1<<8) == 0 {
		t.Fatalf("fix bit must be set, cap=0x%x", ept.MTRRCapValue)
	}
}
