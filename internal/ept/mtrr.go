package ept

import "fmt"

// Fixed-range MTRR layout: 11 MSRs in total, each holding 8 one-byte
// type fields, together covering the first megabyte of guest-physical
// address space. This mirrors the real IA32_MTRR_FIX* MSR layout:
// one 64KiB-granularity MSR, two 16KiB-granularity MSRs, and eight
// 4KiB-granularity MSRs.
const (
	NumFixedRangeMSRs = 11
	fixedRangeTotal   = 1 << 20 // 1 MiB
)

type fixedRangeLayout struct {
	base        uint64
	subRangeLen uint64
}

// fixedRangeMSRs describes, per MSR index, the base GPA of its first
// sub-range and the size each of its 8 sub-ranges covers.
var fixedRangeMSRs = [NumFixedRangeMSRs]fixedRangeLayout{
	{base: 0x00000, subRangeLen: 0x10000}, // MTRRfix64K_00000
	{base: 0x80000, subRangeLen: 0x04000}, // MTRRfix16K_80000
	{base: 0xA0000, subRangeLen: 0x04000}, // MTRRfix16K_A0000
	{base: 0xC0000, subRangeLen: 0x01000}, // MTRRfix4K_C0000
	{base: 0xC8000, subRangeLen: 0x01000}, // MTRRfix4K_C8000
	{base: 0xD0000, subRangeLen: 0x01000}, // MTRRfix4K_D0000
	{base: 0xD8000, subRangeLen: 0x01000}, // MTRRfix4K_D8000
	{base: 0xE0000, subRangeLen: 0x01000}, // MTRRfix4K_E0000
	{base: 0xE8000, subRangeLen: 0x01000}, // MTRRfix4K_E8000
	{base: 0xF0000, subRangeLen: 0x01000}, // MTRRfix4K_F0000
	{base: 0xF8000, subRangeLen: 0x01000}, // MTRRfix4K_F8000
}

// FixedMTRR holds the guest's emulated fixed-range MTRR state: the raw
// MSR values (one type byte per sub-range, 8 sub-ranges per MSR) and
// whether MTRRs are enabled (IA32_MTRR_DEF_TYPE.E).
//
// Variable-range MTRRs are not emulated: vMTRR surface reports vcnt=0.
type FixedMTRR struct {
	regs        [NumFixedRangeMSRs]uint64
	enabled     bool
	defaultType MemType
}

// NewFixedMTRR returns fixed-range MTRR state with all sub-ranges
// defaulting to write-back and MTRRs disabled, matching power-on state
// before the guest programs IA32_MTRR_DEF_TYPE.
func NewFixedMTRR() *FixedMTRR {
	m := &FixedMTRR{defaultType: MemTypeWB}
	var reg uint64
	for i := 0; i < 8; i++ {
		reg |= uint64(MemTypeWB) << (8 * i)
	}
	for i := range m.regs {
		m.regs[i] = reg
	}
	return m
}

// WriteMSR installs the raw value of fixed-range MSR index (0..10).
func (m *FixedMTRR) WriteMSR(index int, value uint64) error {
	if index < 0 || index >= NumFixedRangeMSRs {
		return errInvalidMSRIndex(index)
	}
	m.regs[index] = value
	return nil
}

// ReadMSR returns the raw value of fixed-range MSR index.
func (m *FixedMTRR) ReadMSR(index int) (uint64, error) {
	if index < 0 || index >= NumFixedRangeMSRs {
		return 0, errInvalidMSRIndex(index)
	}
	return m.regs[index], nil
}

// MTRRCapValue is the IA32_MTRR_CAP value reported to the guest: no
// variable ranges (vcnt=0), fixed ranges supported (fix=1).
const MTRRCapValue uint64 = 1 << 8

// SetDefType writes IA32_MTRR_DEF_TYPE: enabled and the default memory
// type applied outside any fixed range (and to the whole first 1 MiB
// when fixed ranges are disabled).
func (m *FixedMTRR) SetDefType(enabled bool, defaultType MemType) {
	m.enabled = enabled
	m.defaultType = defaultType
}

// DefType returns the current IA32_MTRR_DEF_TYPE state.
func (m *FixedMTRR) DefType() (enabled bool, defaultType MemType) {
	return m.enabled, m.defaultType
}

func (m *FixedMTRR) typeAt(gpa uint64) MemType {
	if !m.enabled {
		return m.defaultType
	}
	for i, layout := range fixedRangeMSRs {
		rangeEnd := layout.base + 8*layout.subRangeLen
		if gpa < layout.base || gpa >= rangeEnd {
			continue
		}
		sub := (gpa - layout.base) / layout.subRangeLen
		return MemType(byte(m.regs[i] >> (8 * sub)))
	}
	return m.defaultType
}

type mtrrSpan struct {
	base, size uint64
	memType    MemType
}

// spans walks every sub-range of the first megabyte in address order
// and coalesces adjacent sub-ranges sharing the same type.
func (m *FixedMTRR) spans() []mtrrSpan {
	if !m.enabled {
		return []mtrrSpan{{base: 0, size: fixedRangeTotal, memType: m.defaultType}}
	}

	var out []mtrrSpan
	for i, layout := range fixedRangeMSRs {
		for sub := uint64(0); sub < 8; sub++ {
			base := layout.base + sub*layout.subRangeLen
			typ := MemType(byte(m.regs[i] >> (8 * sub)))
			if n := len(out); n > 0 && out[n-1].base+out[n-1].size == base && out[n-1].memType == typ {
				out[n-1].size += layout.subRangeLen
				continue
			}
			out = append(out, mtrrSpan{base: base, size: layout.subRangeLen, memType: typ})
		}
	}
	return out
}

// Propagate applies the current fixed-range MTRR state (and, when
// disabled, the flat default type) to table's first megabyte, one
// ModifyMemType call per coalesced span. It is invoked from the
// write-MTRR path whenever IA32_MTRR_DEF_TYPE or a fixed-range MSR
// changes. Protection bits are untouched; only cache attributes move.
func (m *FixedMTRR) Propagate(table *Table) error {
	for _, span := range m.spans() {
		if err := table.ModifyMemType(span.base, span.size, span.memType); err != nil {
			return err
		}
	}
	return nil
}

type errInvalidMSRIndex int

func (e errInvalidMSRIndex) Error() string {
	return fmt.Sprintf("ept: invalid fixed-range MTRR index %d", int(e))
}
