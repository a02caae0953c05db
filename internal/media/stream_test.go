package media

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/pion/rtp"
)

// farEnd is a plain UDP socket standing in for the remote RTP peer.
func farEnd(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("failed to bind far end: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func newTestStream(t *testing.T, remote *net.UDPConn) *Stream {
	t.Helper()
	s, err := NewStream(StreamConfig{
		LocalIP: "127.0.0.1",
		Codec:   CodecPCMU,
	})
	if err != nil {
		t.Fatalf("NewStream() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })

	addr := remote.LocalAddr().(*net.UDPAddr)
	if err := s.SetRemote("127.0.0.1", addr.Port); err != nil {
		t.Fatalf("SetRemote() error = %v", err)
	}
	return s
}

func collectPackets(t *testing.T, conn *net.UDPConn, n int, timeout time.Duration) []*rtp.Packet {
	t.Helper()
	var packets []*rtp.Packet
	buf := make([]byte, 1500)
	deadline := time.Now().Add(timeout)
	for len(packets) < n {
		conn.SetReadDeadline(deadline)
		size, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			t.Fatalf("far end read failed after %d packets: %v", len(packets), err)
		}
		pkt := &rtp.Packet{}
		if err := pkt.Unmarshal(buf[:size]); err != nil {
			t.Fatalf("far end received malformed packet: %v", err)
		}
		packets = append(packets, clonePacket(pkt))
	}
	return packets
}

// The paced sender must produce one continuous stream: sequence numbers
// +1 per packet and uniform timestamp steps, across talk and silence.
func TestStreamContinuity(t *testing.T) {
	remote := farEnd(t)
	s := newTestStream(t, remote)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	// Real audio queued mid-stream, between stretches of queue silence.
	go func() {
		time.Sleep(120 * time.Millisecond)
		pcm := sineWave(440, 8000, 160, 8000)
		frame, _ := EncodeG711(CodecPCMU, pcm)
		for i := 0; i < 3; i++ {
			s.QueueFrame(frame)
		}
	}()

	packets := collectPackets(t, remote, 20, 3*time.Second)

	for i := 1; i < len(packets); i++ {
		prev, cur := packets[i-1], packets[i]
		if cur.SequenceNumber != prev.SequenceNumber+1 {
			t.Errorf("packet %d: sequence %d -> %d, want +1", i, prev.SequenceNumber, cur.SequenceNumber)
		}
		if cur.Timestamp-prev.Timestamp != 160 {
			t.Errorf("packet %d: timestamp step = %d, want 160", i, cur.Timestamp-prev.Timestamp)
		}
		if cur.SSRC != prev.SSRC {
			t.Errorf("packet %d: SSRC changed %d -> %d", i, prev.SSRC, cur.SSRC)
		}
		if cur.PayloadType != CodecPCMU.PayloadType {
			t.Errorf("packet %d: payload type = %d, want %d", i, cur.PayloadType, CodecPCMU.PayloadType)
		}
	}

	stats := s.Stats()
	if stats.SilenceFrames == 0 {
		t.Error("Stats().SilenceFrames = 0, want silence substitution for an empty queue")
	}
}

// The first packet of a talkspurt after silence carries the marker bit.
func TestStreamMarkerAfterSilence(t *testing.T) {
	remote := farEnd(t)
	s := newTestStream(t, remote)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	go func() {
		time.Sleep(200 * time.Millisecond)
		pcm := sineWave(440, 8000, 160, 8000)
		frame, _ := EncodeG711(CodecPCMU, pcm)
		s.QueueFrame(frame)
	}()

	packets := collectPackets(t, remote, 25, 3*time.Second)

	silence := SilenceFrame(CodecPCMU)
	sawTalkspurt := false
	for i, pkt := range packets {
		if i == 0 || string(pkt.Payload) == string(silence) {
			continue
		}
		// First non-silence packet after the warmup silence run.
		if string(packets[i-1].Payload) == string(silence) {
			sawTalkspurt = true
			if !pkt.Marker {
				t.Error("first talkspurt packet missing marker bit")
			}
			break
		}
	}
	if !sawTalkspurt {
		t.Error("never observed a talkspurt after silence")
	}
}

// Inbound packets decode to PCM frames once the jitter window releases them.
func TestStreamReceivesAndDecodes(t *testing.T) {
	remote := farEnd(t)
	s := newTestStream(t, remote)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	local := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: s.LocalPort()}
	pcm := sineWave(440, 8000, 160, 8000)
	payload, _ := EncodeG711(CodecPCMU, pcm)

	for i := 0; i < DefaultJitterWindow+3; i++ {
		pkt := &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				PayloadType:    CodecPCMU.PayloadType,
				SequenceNumber: uint16(1000 + i),
				Timestamp:      uint32(90000 + i*160),
				SSRC:           0xCAFE,
			},
			Payload: payload,
		}
		data, err := pkt.Marshal()
		if err != nil {
			t.Fatalf("Marshal() error = %v", err)
		}
		if _, err := remote.WriteToUDP(data, local); err != nil {
			t.Fatalf("WriteToUDP() error = %v", err)
		}
	}

	select {
	case frame := <-s.Frames():
		if len(frame) != 320 {
			t.Errorf("decoded frame length = %d, want 320", len(frame))
		}
		if !IsVoiceActive(frame) {
			t.Error("decoded frame below voice threshold, want speech-level audio")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a decoded inbound frame")
	}

	if got := s.Stats().PacketsReceived; got == 0 {
		t.Errorf("Stats().PacketsReceived = %d, want > 0", got)
	}
}

// Losing every 5th packet must not starve the consumer: the gaps the
// reorder window cannot recover are filled with substituted silence, so
// one frame still comes out per 20ms slot.
func TestStreamConcealsLostPackets(t *testing.T) {
	remote := farEnd(t)
	s := newTestStream(t, remote)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	local := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: s.LocalPort()}
	pcm := sineWave(440, 8000, 160, 8000)
	payload, _ := EncodeG711(CodecPCMU, pcm)

	// 20 slots with every 5th packet dropped on the floor.
	const slots = 20
	sent := 0
	for i := 0; i < slots; i++ {
		if i%5 == 4 {
			continue
		}
		pkt := &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				PayloadType:    CodecPCMU.PayloadType,
				SequenceNumber: uint16(3000 + i),
				Timestamp:      uint32(160000 + i*160),
				SSRC:           0xCAFE,
			},
			Payload: payload,
		}
		data, err := pkt.Marshal()
		if err != nil {
			t.Fatalf("Marshal() error = %v", err)
		}
		if _, err := remote.WriteToUDP(data, local); err != nil {
			t.Fatalf("WriteToUDP() error = %v", err)
		}
		sent++
	}

	// 16 packets through a window of 5 release the first 11 slots plus
	// the 2 concealed gaps inside them.
	wantFrames := sent - DefaultJitterWindow + 2
	var frames [][]byte
	for len(frames) < wantFrames {
		select {
		case frame := <-s.Frames():
			frames = append(frames, frame)
		case <-time.After(2 * time.Second):
			t.Fatalf("got %d frames, want %d (lost slots not concealed)", len(frames), wantFrames)
		}
	}

	silent := 0
	for _, frame := range frames {
		if PeakLevel(frame) == 0 {
			silent++
		}
	}
	if silent != 2 {
		t.Errorf("silent frames = %d, want 2 substituted for the released gaps", silent)
	}

	if got := s.Stats().PacketsLost; got != 3 {
		t.Errorf("Stats().PacketsLost = %d, want 3 gaps seen before the last arrival", got)
	}
}

// Inbound DTMF end packets surface exactly one event per key press.
func TestStreamDTMFDelivery(t *testing.T) {
	remote := farEnd(t)
	s := newTestStream(t, remote)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	local := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: s.LocalPort()}
	// Digit 5, end-of-event, retransmitted three times with one timestamp.
	payload := []byte{5, 0x80 | 10, 0x03, 0x20}
	for i := 0; i < 3; i++ {
		pkt := &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				PayloadType:    CodecTelephoneEvent.PayloadType,
				SequenceNumber: uint16(2000 + i),
				Timestamp:      48000,
				SSRC:           0xCAFE,
			},
			Payload: payload,
		}
		data, _ := pkt.Marshal()
		if _, err := remote.WriteToUDP(data, local); err != nil {
			t.Fatalf("WriteToUDP() error = %v", err)
		}
	}

	select {
	case ev := <-s.DTMF():
		if ev.Rune() != '5' {
			t.Errorf("DTMF rune = %c, want 5", ev.Rune())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for DTMF event")
	}

	// The retransmissions must not produce extra events.
	select {
	case ev := <-s.DTMF():
		t.Errorf("unexpected duplicate DTMF event: %v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}
