package media

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
)

// ErrStreamStall is reported when inbound media stops for longer than the
// configured stall window after the remote has been heard at least once.
var ErrStreamStall = errors.New("rtp stream stalled")

// DefaultStallAfter is the inbound silence window before a stall is declared.
const DefaultStallAfter = 8 * time.Second

// warmupFrames of silence are queued at start so the far end's jitter
// buffer locks onto the stream before real audio arrives (100ms).
const warmupFrames = 5

// maxConcealFrames bounds how much of an inbound gap is covered with
// substituted silence. Longer outages are the stall watchdog's problem.
const maxConcealFrames = DefaultJitterWindow

// StreamConfig configures a Stream.
type StreamConfig struct {
	LocalIP    string        // bind address, empty for all interfaces
	Port       int           // local RTP port (from the port pool)
	Codec      Codec         // negotiated audio codec
	QueueLen   int           // outbound frame queue length (default 100)
	StallAfter time.Duration // inbound stall window (default 8s)
}

// StreamStats is a snapshot of stream counters.
type StreamStats struct {
	PacketsSent     uint64
	PacketsReceived uint64
	BytesSent       uint64
	BytesReceived   uint64
	SilenceFrames   uint64
	PacketsLost     uint64
	LossRate        float64
}

// Stream is a full-duplex RTP session over one UDP socket.
//
// Sending is clock-paced: from Start until Close a packet leaves every
// frame interval, with encoded silence substituted whenever the outbound
// queue is empty, so sequence numbers and timestamps advance uniformly
// across talk and silence. Receiving is symmetric-RTP: packets are sent
// to the SDP-negotiated address until the first inbound packet, then to
// the observed source address.
type Stream struct {
	cfg   StreamConfig
	conn  *net.UDPConn
	codec Codec

	ssrc uint32
	seq  uint16
	ts   uint32

	remoteMu sync.RWMutex
	remote   *net.UDPAddr
	learned  bool

	outbound chan []byte
	inbound  chan []byte
	dtmf     chan DTMFEvent

	trackerMu  sync.Mutex
	tracker    *SequenceTracker
	jitter     *JitterWindow
	lastDTMFTs uint32

	// Playout position of the inbound leg, for gap concealment.
	lastPlayoutTS uint32
	playoutBegun  bool

	packetsSent atomic.Uint64
	packetsRecv atomic.Uint64
	bytesSent   atomic.Uint64
	bytesRecv   atomic.Uint64
	silence     atomic.Uint64
	lastInbound atomic.Int64 // unix nanos of last inbound packet

	stallOnce sync.Once
	stalled   chan struct{}

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool
	closed  atomic.Bool
}

// NewStream binds the RTP socket and initializes random header state.
func NewStream(cfg StreamConfig) (*Stream, error) {
	if cfg.QueueLen <= 0 {
		cfg.QueueLen = 100
	}
	if cfg.StallAfter <= 0 {
		cfg.StallAfter = DefaultStallAfter
	}

	addr := &net.UDPAddr{Port: cfg.Port}
	if cfg.LocalIP != "" {
		addr.IP = net.ParseIP(cfg.LocalIP)
	}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to bind RTP port %d: %w", cfg.Port, err)
	}

	return &Stream{
		cfg:      cfg,
		conn:     conn,
		codec:    cfg.Codec,
		ssrc:     GenerateSSRC(),
		seq:      GenerateSequenceStart(),
		ts:       GenerateTimestampStart(),
		outbound: make(chan []byte, cfg.QueueLen),
		inbound:  make(chan []byte, cfg.QueueLen),
		dtmf:     make(chan DTMFEvent, 16),
		tracker:  NewSequenceTracker(),
		jitter:   NewJitterWindow(DefaultJitterWindow),
		stalled:  make(chan struct{}),
	}, nil
}

// GenerateSSRC generates a cryptographically random 32-bit SSRC.
// Per RFC 3550, the SSRC should be chosen randomly to minimize
// collisions in multi-party sessions.
func GenerateSSRC() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0x12345678
	}
	return binary.BigEndian.Uint32(b[:])
}

// GenerateSequenceStart generates a random starting sequence number.
func GenerateSequenceStart() uint16 {
	var b [2]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0
	}
	return binary.BigEndian.Uint16(b[:])
}

// GenerateTimestampStart generates a random starting timestamp.
func GenerateTimestampStart() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0
	}
	return binary.BigEndian.Uint32(b[:])
}

// LocalPort returns the bound RTP port.
func (s *Stream) LocalPort() int {
	return s.conn.LocalAddr().(*net.UDPAddr).Port
}

// SSRC returns the stream's synchronization source identifier.
func (s *Stream) SSRC() uint32 {
	return s.ssrc
}

// SetRemote sets the negotiated remote media endpoint.
func (s *Stream) SetRemote(ip string, port int) error {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return fmt.Errorf("invalid remote media address: %s", ip)
	}
	s.remoteMu.Lock()
	s.remote = &net.UDPAddr{IP: parsed, Port: port}
	s.learned = false
	s.remoteMu.Unlock()
	return nil
}

// Start launches the paced sender and the receive loop. The sender emits
// continuously from this moment; warmup silence is queued first.
func (s *Stream) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return fmt.Errorf("stream already started")
	}
	s.remoteMu.RLock()
	remote := s.remote
	s.remoteMu.RUnlock()
	if remote == nil {
		return fmt.Errorf("remote endpoint not set")
	}

	ctx, s.cancel = context.WithCancel(ctx)

	for i := 0; i < warmupFrames; i++ {
		select {
		case s.outbound <- SilenceFrame(s.codec):
		default:
		}
	}

	s.wg.Add(2)
	go s.sendLoop(ctx)
	go s.recvLoop(ctx)

	slog.Info("[RTP] Stream started",
		"local_port", s.LocalPort(),
		"remote", remote.String(),
		"codec", s.codec.Name,
		"ssrc", s.ssrc,
	)
	return nil
}

// QueueFrame enqueues one encoded frame for paced sending. The oldest
// queued frame is dropped on overflow; the RTP clock never blocks on a
// slow producer.
func (s *Stream) QueueFrame(frame []byte) {
	if s.closed.Load() {
		return
	}
	select {
	case s.outbound <- frame:
	default:
		select {
		case <-s.outbound:
		default:
		}
		select {
		case s.outbound <- frame:
		default:
		}
	}
}

// Frames returns decoded inbound PCM frames (16-bit LE at the codec rate).
func (s *Stream) Frames() <-chan []byte {
	return s.inbound
}

// DTMF returns decoded telephone-event key presses.
func (s *Stream) DTMF() <-chan DTMFEvent {
	return s.dtmf
}

// Stalled is closed when inbound media stops beyond the stall window.
func (s *Stream) Stalled() <-chan struct{} {
	return s.stalled
}

// Stats returns a snapshot of the stream counters.
func (s *Stream) Stats() StreamStats {
	s.trackerMu.Lock()
	_, lost := s.tracker.Stats()
	rate := s.tracker.LossRate()
	s.trackerMu.Unlock()
	return StreamStats{
		PacketsSent:     s.packetsSent.Load(),
		PacketsReceived: s.packetsRecv.Load(),
		BytesSent:       s.bytesSent.Load(),
		BytesReceived:   s.bytesRecv.Load(),
		SilenceFrames:   s.silence.Load(),
		PacketsLost:     lost,
		LossRate:        rate,
	}
}

func (s *Stream) sendLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.codec.SampleDur)
	defer ticker.Stop()

	inSilence := true
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		var payload []byte
		marker := false
		select {
		case payload = <-s.outbound:
			marker = inSilence
			inSilence = false
		default:
			payload = SilenceFrame(s.codec)
			s.silence.Add(1)
			inSilence = true
			marker = false
		}

		if err := s.sendPacket(payload, marker); err != nil {
			if s.closed.Load() {
				return
			}
			slog.Warn("[RTP] Send failed", "error", err)
		}
	}
}

func (s *Stream) sendPacket(payload []byte, marker bool) error {
	s.remoteMu.RLock()
	remote := s.remote
	s.remoteMu.RUnlock()
	if remote == nil {
		return fmt.Errorf("no remote endpoint")
	}

	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         marker,
			PayloadType:    s.codec.PayloadType,
			SequenceNumber: s.seq,
			Timestamp:      s.ts,
			SSRC:           s.ssrc,
		},
		Payload: payload,
	}
	data, err := pkt.Marshal()
	if err != nil {
		return err
	}

	n, err := s.conn.WriteToUDP(data, remote)
	if err != nil {
		return err
	}

	// Timestamp advances every frame, silence included, so the far end
	// sees one uninterrupted stream.
	s.seq++
	s.ts += s.codec.TimestampIncrement()
	s.packetsSent.Add(1)
	s.bytesSent.Add(uint64(n))
	return nil
}

func (s *Stream) recvLoop(ctx context.Context) {
	defer s.wg.Done()

	buf := make([]byte, 1500)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		s.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if s.closed.Load() {
				return
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				s.checkStall()
				continue
			}
			slog.Warn("[RTP] Read failed", "error", err)
			continue
		}

		s.learnRemote(addr)
		s.lastInbound.Store(time.Now().UnixNano())
		s.bytesRecv.Add(uint64(n))

		pkt := &rtp.Packet{}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			slog.Debug("[RTP] Dropping malformed packet", "error", err, "size", n)
			continue
		}
		s.packetsRecv.Add(1)
		s.handlePacket(pkt)
	}
}

func (s *Stream) handlePacket(pkt *rtp.Packet) {
	if pkt.PayloadType == CodecTelephoneEvent.PayloadType {
		ev, err := DecodeDTMFEvent(pkt.Payload)
		if err != nil {
			return
		}
		// One event per key press: only end-of-event packets count, and
		// the retransmitted end packets share a timestamp.
		if ev.EndOfEvent && pkt.Timestamp != s.lastDTMFTs {
			s.lastDTMFTs = pkt.Timestamp
			select {
			case s.dtmf <- ev:
			default:
			}
		}
		return
	}

	if pkt.PayloadType != s.codec.PayloadType {
		return
	}

	s.trackerMu.Lock()
	s.tracker.Update(pkt.SequenceNumber)
	ready := s.jitter.Push(clonePacket(pkt))
	s.trackerMu.Unlock()

	for _, p := range ready {
		pcm, err := DecodeG711(s.codec, p.Payload)
		if err != nil {
			slog.Debug("[RTP] Decode failed", "error", err)
			continue
		}
		s.concealGap(p.Timestamp)
		s.lastPlayoutTS = p.Timestamp
		s.playoutBegun = true
		s.deliver(pcm)
	}
}

// concealGap substitutes silent PCM for packets lost between the playout
// position and ts, so the consumer keeps one frame per 20ms slot across
// loss the reorder window could not recover.
func (s *Stream) concealGap(ts uint32) {
	inc := s.codec.TimestampIncrement()
	if !s.playoutBegun || inc == 0 {
		return
	}
	gap := int32(ts-s.lastPlayoutTS)/int32(inc) - 1
	if gap <= 0 {
		return
	}
	if gap > maxConcealFrames {
		gap = maxConcealFrames
	}
	for i := int32(0); i < gap; i++ {
		s.deliver(make([]byte, s.codec.SamplesPerFrame()*2))
	}
}

// deliver hands one PCM frame to the consumer, dropping the oldest queued
// frame when the consumer lags.
func (s *Stream) deliver(pcm []byte) {
	select {
	case s.inbound <- pcm:
	default:
		// Consumer is behind: drop the oldest frame to stay real-time.
		select {
		case <-s.inbound:
		default:
		}
		select {
		case s.inbound <- pcm:
		default:
		}
	}
}

// learnRemote switches sending to the observed source address the first
// time it differs from the negotiated one (symmetric RTP, NAT traversal).
func (s *Stream) learnRemote(addr *net.UDPAddr) {
	s.remoteMu.Lock()
	defer s.remoteMu.Unlock()
	if s.learned {
		return
	}
	s.learned = true
	if s.remote == nil || !s.remote.IP.Equal(addr.IP) || s.remote.Port != addr.Port {
		slog.Info("[RTP] Learned remote endpoint from inbound packet",
			"negotiated", s.remote.String(),
			"observed", addr.String(),
		)
		s.remote = addr
	}
}

func (s *Stream) checkStall() {
	last := s.lastInbound.Load()
	if last == 0 {
		return
	}
	if time.Since(time.Unix(0, last)) > s.cfg.StallAfter {
		s.stallOnce.Do(func() {
			slog.Warn("[RTP] Inbound media stalled",
				"local_port", s.LocalPort(),
				"stall_after", s.cfg.StallAfter,
			)
			close(s.stalled)
		})
	}
}

// Close stops both loops, closes the socket and the delivery channels.
func (s *Stream) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.cancel != nil {
		s.cancel()
	}
	err := s.conn.Close()
	s.wg.Wait()
	close(s.inbound)
	close(s.dtmf)

	stats := s.Stats()
	slog.Info("[RTP] Stream closed",
		"packets_sent", stats.PacketsSent,
		"packets_received", stats.PacketsReceived,
		"silence_frames", stats.SilenceFrames,
		"loss_rate", fmt.Sprintf("%.4f", stats.LossRate),
	)
	return err
}

func clonePacket(pkt *rtp.Packet) *rtp.Packet {
	c := *pkt
	c.Payload = append([]byte(nil), pkt.Payload...)
	return &c
}
