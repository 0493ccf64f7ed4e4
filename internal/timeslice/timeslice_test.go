package timeslice

import (
	"testing"
	"time"
)

func totalFor(t *testing.T, id TimesliceID) KindTotal {
	t.Helper()
	for _, kt := range Totals() {
		if kt.ID == id {
			return kt
		}
	}
	t.Fatalf("kind %d not found in totals", id)
	return KindTotal{}
}

func TestRecordAccumulates(t *testing.T) {
	id := RegisterKind("test_accumulate", 0)

	Record(id, 3*time.Millisecond)
	Record(id, 7*time.Millisecond)

	got := totalFor(t, id)
	if got.Count != 2 {
		t.Fatalf("count = %d, want 2", got.Count)
	}
	if got.Total != 10*time.Millisecond {
		t.Fatalf("total = %v, want 10ms", got.Total)
	}
	if got.Name != "test_accumulate" {
		t.Fatalf("name = %q", got.Name)
	}
}

func TestInvalidIDIsIgnored(t *testing.T) {
	Record(InvalidTimesliceID, time.Second)
	Record(TimesliceID(1<<32), time.Second)
}

func TestRecorderChargesElapsed(t *testing.T) {
	id := RegisterKind("test_recorder", 0)

	r := NewRecorder()
	time.Sleep(2 * time.Millisecond)
	r.Record(id)

	got := totalFor(t, id)
	if got.Count != 1 {
		t.Fatalf("count = %d, want 1", got.Count)
	}
	if got.Total <= 0 {
		t.Fatalf("expected positive elapsed charge, got %v", got.Total)
	}
}

func TestGuestHostSplit(t *testing.T) {
	guestID := RegisterKind("test_guest_side", SliceFlagGuestTime)
	hostID := RegisterKind("test_host_side", 0)

	guestBefore, hostBefore := GuestHostSplit()
	Record(guestID, 5*time.Millisecond)
	Record(hostID, 2*time.Millisecond)
	guestAfter, hostAfter := GuestHostSplit()

	if guestAfter-guestBefore != 5*time.Millisecond {
		t.Fatalf("guest delta = %v, want 5ms", guestAfter-guestBefore)
	}
	if hostAfter-hostBefore != 2*time.Millisecond {
		t.Fatalf("host delta = %v, want 2ms", hostAfter-hostBefore)
	}
}
