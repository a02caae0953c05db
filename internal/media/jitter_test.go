package media

import (
	"testing"

	"github.com/pion/rtp"
)

func tsPacket(ts uint32) *rtp.Packet {
	return &rtp.Packet{Header: rtp.Header{Timestamp: ts}}
}

func TestJitterWindowHoldsUntilFull(t *testing.T) {
	w := NewJitterWindow(3)

	for _, ts := range []uint32{160, 320, 480} {
		if ready := w.Push(tsPacket(ts)); len(ready) != 0 {
			t.Errorf("Push(%d) released %d packets, want 0 while filling", ts, len(ready))
		}
	}

	ready := w.Push(tsPacket(640))
	if len(ready) != 1 || ready[0].Timestamp != 160 {
		t.Fatalf("Push(640) ready = %v, want oldest packet ts=160", ready)
	}
	if w.Len() != 3 {
		t.Errorf("Len() = %d, want 3", w.Len())
	}
}

func TestJitterWindowReorders(t *testing.T) {
	w := NewJitterWindow(3)

	// Arrival order 320, 160, 640, 480: playout must come back sorted.
	w.Push(tsPacket(320))
	w.Push(tsPacket(160))
	w.Push(tsPacket(640))
	ready := w.Push(tsPacket(480))
	if len(ready) != 1 || ready[0].Timestamp != 160 {
		t.Fatalf("ready = %v, want ts=160 first", ready)
	}

	rest := w.Flush()
	want := []uint32{320, 480, 640}
	if len(rest) != len(want) {
		t.Fatalf("Flush() returned %d packets, want %d", len(rest), len(want))
	}
	for i, p := range rest {
		if p.Timestamp != want[i] {
			t.Errorf("Flush()[%d].Timestamp = %d, want %d", i, p.Timestamp, want[i])
		}
	}
}

func TestJitterWindowTimestampRollover(t *testing.T) {
	w := NewJitterWindow(2)

	w.Push(tsPacket(0xFFFFFF60))
	w.Push(tsPacket(0xFFFFFFC0))
	ready := w.Push(tsPacket(32)) // post-rollover, newest

	if len(ready) != 1 || ready[0].Timestamp != 0xFFFFFF60 {
		t.Errorf("ready = %v, want pre-rollover packet first", ready)
	}
}

func TestJitterWindowDropsLatePackets(t *testing.T) {
	w := NewJitterWindow(3)

	w.Push(tsPacket(320))
	w.Push(tsPacket(480))
	w.Push(tsPacket(640))
	ready := w.Push(tsPacket(800))
	if len(ready) != 1 || ready[0].Timestamp != 320 {
		t.Fatalf("ready = %v, want ts=320 released", ready)
	}

	// ts=160 is behind the playout point now; releasing it would play
	// audio out of order.
	if late := w.Push(tsPacket(160)); len(late) != 0 {
		t.Errorf("Push(160) after releasing 320 returned %v, want the late packet dropped", late)
	}
	if w.Len() != 3 {
		t.Errorf("Len() = %d after late push, want 3", w.Len())
	}

	// Same timestamp as the playout point is equally stale.
	if dup := w.Push(tsPacket(320)); len(dup) != 0 {
		t.Errorf("Push(320) returned %v, want the duplicate dropped", dup)
	}
}

func TestJitterWindowBoundedMemory(t *testing.T) {
	w := NewJitterWindow(5)
	for ts := uint32(0); ts < 100*160; ts += 160 {
		w.Push(tsPacket(ts))
		if w.Len() > 5 {
			t.Fatalf("Len() = %d after push, want <= 5", w.Len())
		}
	}
}
