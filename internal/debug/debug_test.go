package debug

import (
	"path/filepath"
	"testing"
	"time"
)

func TestRingKeepsEmissionOrder(t *testing.T) {
	before := len(Events())

	src := WithSource("test.ring")
	src.Writef("first %d", 1)
	src.Write("second")
	src.WriteBytes([]byte{0xAA, 0xBB})

	events := Events()
	if len(events) < before+3 {
		t.Fatalf("expected at least %d events, got %d", before+3, len(events))
	}
	tail := events[len(events)-3:]
	if string(tail[0].Msg) != "first 1" || string(tail[1].Msg) != "second" {
		t.Fatalf("unexpected tail events: %q, %q", tail[0].Msg, tail[1].Msg)
	}
	if tail[2].Msg[0] != 0xAA || tail[2].Msg[1] != 0xBB {
		t.Fatalf("binary payload corrupted: % x", tail[2].Msg)
	}
	for i := 1; i < 3; i++ {
		if tail[i].Seq != tail[i-1].Seq+1 {
			t.Fatalf("sequence numbers not contiguous: %d then %d", tail[i-1].Seq, tail[i].Seq)
		}
	}
	if tail[0].Source != "test.ring" {
		t.Fatalf("source not attributed: %q", tail[0].Source)
	}
}

func TestFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.bin")
	if err := OpenFile(path); err != nil {
		t.Fatalf("OpenFile: %v", err)
	}

	Writef("test.file", "event %d", 42)
	Write("test.file", "plain")

	if err := Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	type rec struct {
		source string
		msg    string
		ts     time.Time
	}
	var got []rec
	err := ReadFile(path, func(ts time.Time, source string, msg []byte) error {
		got = append(got, rec{source: source, msg: string(msg), ts: ts})
		return nil
	})
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}

	if len(got) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(got))
	}
	if got[0].msg != "event 42" || got[1].msg != "plain" {
		t.Fatalf("unexpected frames: %+v", got)
	}
	if got[0].source != "test.file" {
		t.Fatalf("source not preserved: %q", got[0].source)
	}
	if got[0].ts.IsZero() || got[0].ts.After(time.Now()) {
		t.Fatalf("implausible timestamp %v", got[0].ts)
	}
}

func TestSecondOpenFails(t *testing.T) {
	dir := t.TempDir()
	if err := OpenFile(filepath.Join(dir, "a.bin")); err != nil {
		t.Fatalf("first OpenFile: %v", err)
	}
	defer Close()
	if err := OpenFile(filepath.Join(dir, "b.bin")); err == nil {
		t.Fatalf("expected second OpenFile to fail while the first is open")
	}
}
