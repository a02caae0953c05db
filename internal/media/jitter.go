package media

import (
	"sort"

	"github.com/pion/rtp"
)

// JitterWindow is a small reordering buffer for inbound RTP. Packets are
// held ordered by timestamp and released once the window is full, which
// absorbs the typical one-or-two packet reorder seen on UDP paths without
// adding meaningful latency.
type JitterWindow struct {
	size    int
	packets []*rtp.Packet

	lastReleased uint32
	releasedAny  bool
}

// DefaultJitterWindow holds five 20ms packets (100ms of audio).
const DefaultJitterWindow = 5

// NewJitterWindow creates a window holding up to size packets.
func NewJitterWindow(size int) *JitterWindow {
	if size <= 0 {
		size = DefaultJitterWindow
	}
	return &JitterWindow{
		size:    size,
		packets: make([]*rtp.Packet, 0, size+1),
	}
}

// Push inserts a packet and returns any packets now ready for playout,
// oldest first. Packets at or behind the playout point are dropped:
// releasing them would hand the decoder audio that already played.
// Memory is bounded: the window never holds more than size packets
// after a push.
func (w *JitterWindow) Push(p *rtp.Packet) []*rtp.Packet {
	if w.releasedAny && int32(p.Timestamp-w.lastReleased) <= 0 {
		return nil
	}

	idx := sort.Search(len(w.packets), func(i int) bool {
		// Timestamp difference in uint32 arithmetic so rollover sorts correctly.
		return int32(w.packets[i].Timestamp-p.Timestamp) > 0
	})
	w.packets = append(w.packets, nil)
	copy(w.packets[idx+1:], w.packets[idx:])
	w.packets[idx] = p

	var ready []*rtp.Packet
	for len(w.packets) > w.size {
		ready = append(ready, w.packets[0])
		w.packets = w.packets[1:]
	}
	if len(ready) > 0 {
		w.lastReleased = ready[len(ready)-1].Timestamp
		w.releasedAny = true
	}
	return ready
}

// Flush drains every buffered packet in playout order.
func (w *JitterWindow) Flush() []*rtp.Packet {
	out := w.packets
	w.packets = make([]*rtp.Packet, 0, w.size+1)
	if len(out) > 0 {
		w.lastReleased = out[len(out)-1].Timestamp
		w.releasedAny = true
	}
	return out
}

// Len returns the number of buffered packets.
func (w *JitterWindow) Len() int {
	return len(w.packets)
}
