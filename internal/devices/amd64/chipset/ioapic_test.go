package chipset

import (
	"encoding/binary"
	"testing"
)

type recordedAssert struct {
	vector, dest, destMode, deliveryMode uint8
	level                                bool
}

type recordingRouting struct {
	asserts []recordedAssert
}

func (r *recordingRouting) Assert(vector, dest, destMode, deliveryMode uint8, level bool) {
	r.asserts = append(r.asserts, recordedAssert{vector, dest, destMode, deliveryMode, level})
}

func writeRedirection(t *testing.T, io *IOAPIC, pin uint8, entry uint64) {
	t.Helper()
	for half := uint8(0); half < 2; half++ {
		index := ioapicRedirectionTableBase + pin*2 + half
		if err := io.WriteMMIO(nil, IOAPICBaseAddress+ioapicRegisterSelect, []byte{index}); err != nil {
			t.Fatalf("select register %#x: %v", index, err)
		}
		buf := make([]byte, 4)
		binary.LittleEndian.PutUint32(buf, uint32(entry>>(32*half)))
		if err := io.WriteMMIO(nil, IOAPICBaseAddress+ioapicRegisterData, buf); err != nil {
			t.Fatalf("write redirection half %d: %v", half, err)
		}
	}
}

func TestIOAPICVersionReportsMaxEntry(t *testing.T) {
	io := NewIOAPIC(24)
	if err := io.WriteMMIO(nil, IOAPICBaseAddress+ioapicRegisterSelect, []byte{ioapicVersionRegister}); err != nil {
		t.Fatalf("select version register: %v", err)
	}
	buf := make([]byte, 4)
	if err := io.ReadMMIO(nil, IOAPICBaseAddress+ioapicRegisterData, buf); err != nil {
		t.Fatalf("read version register: %v", err)
	}
	got := binary.LittleEndian.Uint32(buf)
	if got&0xff != ioapicVersion {
		t.Fatalf("version byte = %#x, want %#x", got&0xff, ioapicVersion)
	}
	if (got>>16)&0xff != 23 {
		t.Fatalf("max redirection entry = %d, want 23", (got>>16)&0xff)
	}
}

func TestIOAPICEdgeAssertRoutesAndCounts(t *testing.T) {
	io := NewIOAPIC(24)
	routing := &recordingRouting{}
	io.SetRouting(routing)

	// Pin 4: vector 0x31, physical destination 0, edge, unmasked.
	writeRedirection(t, io, 4, 0x31)

	io.SetIRQ(4, true)
	io.SetIRQ(4, false)

	if len(routing.asserts) != 1 {
		t.Fatalf("expected one assert, got %d", len(routing.asserts))
	}
	got := routing.asserts[0]
	if got.vector != 0x31 || got.level {
		t.Fatalf("unexpected assert %+v", got)
	}
	if counts := io.PinCounts(); counts[4] != 1 {
		t.Fatalf("pin 4 count = %d, want 1", counts[4])
	}
}

func TestIOAPICMaskedPinDoesNotRoute(t *testing.T) {
	io := NewIOAPIC(24)
	routing := &recordingRouting{}
	io.SetRouting(routing)

	writeRedirection(t, io, 3, 0x32|(1<<16))

	io.SetIRQ(3, true)
	if len(routing.asserts) != 0 {
		t.Fatalf("masked pin must not route, got %d asserts", len(routing.asserts))
	}
}

// A level-triggered pin delivers once, holds remote-IRR until EOI, and
// notifies the EOI observer so the passthrough layer can deassert the
// physical side.
func TestIOAPICLevelEOICycle(t *testing.T) {
	io := NewIOAPIC(24)
	routing := &recordingRouting{}
	io.SetRouting(routing)

	var eoiPins []uint8
	io.SetEOIHandler(func(pin uint8) { eoiPins = append(eoiPins, pin) })

	// Pin 9: vector 0x3A, level-triggered, unmasked.
	writeRedirection(t, io, 9, 0x3A|(1<<15))

	io.SetIRQ(9, true)
	if len(routing.asserts) != 1 {
		t.Fatalf("expected one assert while line high, got %d", len(routing.asserts))
	}

	// Still in service: a second evaluation must not re-deliver.
	io.SetIRQ(9, true)
	if len(routing.asserts) != 1 {
		t.Fatalf("remote-IRR must suppress re-delivery, got %d asserts", len(routing.asserts))
	}

	io.HandleEOI(0x3A)
	if len(eoiPins) != 1 || eoiPins[0] != 9 {
		t.Fatalf("expected EOI observer called for pin 9, got %v", eoiPins)
	}

	// Line still high after EOI: level semantics re-deliver.
	if len(routing.asserts) != 2 {
		t.Fatalf("expected re-delivery after EOI with line high, got %d asserts", len(routing.asserts))
	}
}
