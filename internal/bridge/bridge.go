// Package bridge joins one RTP media stream to one AI session: caller
// audio up at 16 kHz, agent audio back down at the call codec, with the
// call-duration cap and the answering-machine heuristic on top.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sebas/callbridge/internal/media"
)

// DefaultMaxDuration caps a single call.
const DefaultMaxDuration = 14 * time.Minute

const (
	// The answering-machine heuristic watches the first window of far-end
	// media: near-continuous speech with no real pause and no agent turn
	// reads as a voicemail greeting.
	voicemailWindow      = 12 * time.Second
	voicemailActiveRatio = 0.85
	// 800ms of consecutive silence counts as a conversational pause.
	voicemailPauseFrames = 40
)

// Outcome is why the bridge stopped.
type Outcome int

const (
	// OutcomeNone means the bridge was stopped from outside.
	OutcomeNone Outcome = iota
	// OutcomeMaxDuration means the call hit the duration cap.
	OutcomeMaxDuration
	// OutcomeVoicemail means the answering-machine heuristic fired.
	OutcomeVoicemail
	// OutcomeMediaStall means inbound RTP stopped.
	OutcomeMediaStall
	// OutcomeSessionEnded means the AI session ended on its own.
	OutcomeSessionEnded
	// OutcomeSessionError means the AI session failed beyond recovery.
	OutcomeSessionError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNone:
		return "None"
	case OutcomeMaxDuration:
		return "MaxDuration"
	case OutcomeVoicemail:
		return "Voicemail"
	case OutcomeMediaStall:
		return "MediaStall"
	case OutcomeSessionEnded:
		return "SessionEnded"
	case OutcomeSessionError:
		return "SessionError"
	default:
		return fmt.Sprintf("Unknown(%d)", o)
	}
}

// MediaStream is the RTP side of the bridge.
type MediaStream interface {
	Frames() <-chan []byte
	QueueFrame(frame []byte)
	Stalled() <-chan struct{}
}

// AudioSession is the AI side of the bridge.
type AudioSession interface {
	PushAudio(pcm []byte)
	Audio() <-chan []byte
	Done() <-chan struct{}
	Err() error
}

// Config holds bridge settings.
type Config struct {
	Codec       media.Codec
	MaxDuration time.Duration
	// DetectVoicemail enables the answering-machine heuristic.
	DetectVoicemail bool
	// VoicemailWindow overrides how long the heuristic observes the
	// far end before deciding.
	VoicemailWindow time.Duration
}

// Stats is a snapshot of bridge counters. CallerLevel and AILevel are
// the normalized [0,1] peak levels of the most recent frame on each leg.
type Stats struct {
	FramesUp        uint64
	FramesDown      uint64
	FarActiveFrames uint64
	LastFarActivity time.Time
	CallerLevel     float64
	AILevel         float64
}

// Bridge pumps audio between a stream and a session until one side
// ends or a policy fires. The outcome is advisory: the caller decides
// how to act on it.
type Bridge struct {
	cfg     Config
	stream  MediaStream
	session AudioSession

	up   *media.Resampler // codec rate -> session input rate
	down *media.Resampler // session output rate -> codec rate

	framesUp   atomic.Uint64
	framesDown atomic.Uint64
	farActive  atomic.Uint64
	lastFarNs  atomic.Int64
	agentSpoke atomic.Bool

	callerLevel atomic.Uint64 // math.Float64bits
	aiLevel     atomic.Uint64 // math.Float64bits

	vmMu            sync.Mutex
	vmTotal         int
	vmActive        int
	vmSilentRun     int
	vmHadPause      bool
	vmHeardAnything bool

	outcome atomic.Int32
	done    chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool
	stopped atomic.Bool
}

// New wires a bridge. The codec determines the telephone-side rate.
func New(stream MediaStream, session AudioSession, cfg Config) (*Bridge, error) {
	if cfg.Codec.SampleRate == 0 {
		cfg.Codec = media.CodecPCMU
	}
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = DefaultMaxDuration
	}
	if cfg.VoicemailWindow <= 0 {
		cfg.VoicemailWindow = voicemailWindow
	}

	up, err := media.NewResampler(int(cfg.Codec.SampleRate), 16000)
	if err != nil {
		return nil, fmt.Errorf("uplink resampler: %w", err)
	}
	down, err := media.NewResampler(24000, int(cfg.Codec.SampleRate))
	if err != nil {
		return nil, fmt.Errorf("downlink resampler: %w", err)
	}

	return &Bridge{
		cfg:     cfg,
		stream:  stream,
		session: session,
		up:      up,
		down:    down,
		done:    make(chan struct{}),
	}, nil
}

// Start launches the pumps. Call once.
func (b *Bridge) Start(ctx context.Context) error {
	if !b.started.CompareAndSwap(false, true) {
		return fmt.Errorf("bridge already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel

	b.wg.Add(3)
	go b.uplink(runCtx)
	go b.downlink(runCtx)
	go b.supervise(runCtx)

	slog.Info("[Bridge] Started",
		"codec", b.cfg.Codec.Name,
		"max_duration", b.cfg.MaxDuration,
		"voicemail_detection", b.cfg.DetectVoicemail,
	)
	return nil
}

// uplink moves caller audio to the session.
func (b *Bridge) uplink(ctx context.Context) {
	defer b.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case pcm, ok := <-b.stream.Frames():
			if !ok {
				return
			}
			b.observeFarEnd(pcm)

			out, err := b.up.Process(pcm)
			if err != nil {
				slog.Warn("[Bridge] Uplink resample failed", "error", err)
				continue
			}
			b.session.PushAudio(out)
			b.framesUp.Add(1)
		}
	}
}

// downlink moves agent audio to the wire, re-framed to the codec's
// 20ms cadence. Gaps are covered by the stream's silence substitution.
func (b *Bridge) downlink(ctx context.Context) {
	defer b.wg.Done()

	frameBytes := b.cfg.Codec.SamplesPerFrame() * 2
	var pending []byte

	for {
		select {
		case <-ctx.Done():
			return
		case chunk, ok := <-b.session.Audio():
			if !ok {
				return
			}
			b.agentSpoke.Store(true)

			pcm, err := b.down.Process(chunk)
			if err != nil {
				slog.Warn("[Bridge] Downlink resample failed", "error", err)
				continue
			}
			b.aiLevel.Store(math.Float64bits(media.Level(pcm)))
			pending = append(pending, pcm...)

			for len(pending) >= frameBytes {
				frame, err := media.EncodeG711(b.cfg.Codec, pending[:frameBytes])
				if err != nil {
					slog.Warn("[Bridge] Downlink encode failed", "error", err)
					pending = pending[frameBytes:]
					continue
				}
				b.stream.QueueFrame(frame)
				b.framesDown.Add(1)
				pending = pending[frameBytes:]
			}
		}
	}
}

// supervise watches the duration cap, the voicemail window, the stream
// and the session, and records the first outcome.
func (b *Bridge) supervise(ctx context.Context) {
	defer b.wg.Done()

	maxTimer := time.NewTimer(b.cfg.MaxDuration)
	defer maxTimer.Stop()

	var vmCh <-chan time.Time
	if b.cfg.DetectVoicemail {
		vmTimer := time.NewTimer(b.cfg.VoicemailWindow)
		defer vmTimer.Stop()
		vmCh = vmTimer.C
	}

	for {
		select {
		case <-ctx.Done():
			b.finish(OutcomeNone)
			return

		case <-maxTimer.C:
			slog.Info("[Bridge] Max call duration reached", "limit", b.cfg.MaxDuration)
			b.finish(OutcomeMaxDuration)
			return

		case <-vmCh:
			vmCh = nil
			if b.looksLikeVoicemail() {
				slog.Info("[Bridge] Voicemail heuristic fired")
				b.finish(OutcomeVoicemail)
				return
			}

		case <-b.stream.Stalled():
			slog.Warn("[Bridge] Inbound media stalled")
			b.finish(OutcomeMediaStall)
			return

		case <-b.session.Done():
			if b.session.Err() != nil {
				slog.Warn("[Bridge] AI session failed", "error", b.session.Err())
				b.finish(OutcomeSessionError)
			} else {
				b.finish(OutcomeSessionEnded)
			}
			return
		}
	}
}

// observeFarEnd feeds the voicemail counters and activity stats.
func (b *Bridge) observeFarEnd(pcm []byte) {
	b.callerLevel.Store(math.Float64bits(media.Level(pcm)))
	active := media.IsVoiceActive(pcm)
	if active {
		b.farActive.Add(1)
		b.lastFarNs.Store(time.Now().UnixNano())
	}

	if !b.cfg.DetectVoicemail {
		return
	}
	b.vmMu.Lock()
	defer b.vmMu.Unlock()

	b.vmTotal++
	if active {
		b.vmActive++
		b.vmHeardAnything = true
		b.vmSilentRun = 0
		return
	}
	if b.vmHeardAnything {
		b.vmSilentRun++
		if b.vmSilentRun >= voicemailPauseFrames {
			b.vmHadPause = true
		}
	}
}

func (b *Bridge) looksLikeVoicemail() bool {
	if b.agentSpoke.Load() {
		return false
	}
	b.vmMu.Lock()
	defer b.vmMu.Unlock()

	if b.vmTotal == 0 || !b.vmHeardAnything || b.vmHadPause {
		return false
	}
	return float64(b.vmActive)/float64(b.vmTotal) > voicemailActiveRatio
}

func (b *Bridge) finish(o Outcome) {
	if !b.stopped.CompareAndSwap(false, true) {
		return
	}
	b.outcome.Store(int32(o))
	b.cancel()
	close(b.done)
}

// Done is closed when the bridge has stopped pumping.
func (b *Bridge) Done() <-chan struct{} {
	return b.done
}

// Outcome reports why the bridge stopped. Valid after Done.
func (b *Bridge) Outcome() Outcome {
	return Outcome(b.outcome.Load())
}

// Stats returns a snapshot of the pump counters.
func (b *Bridge) Stats() Stats {
	var last time.Time
	if ns := b.lastFarNs.Load(); ns > 0 {
		last = time.Unix(0, ns)
	}
	return Stats{
		FramesUp:        b.framesUp.Load(),
		FramesDown:      b.framesDown.Load(),
		FarActiveFrames: b.farActive.Load(),
		LastFarActivity: last,
		CallerLevel:     math.Float64frombits(b.callerLevel.Load()),
		AILevel:         math.Float64frombits(b.aiLevel.Load()),
	}
}

// Stop halts the pumps. Idempotent; safe to call before Start returns
// an outcome.
func (b *Bridge) Stop() {
	if !b.started.Load() {
		return
	}
	b.finish(OutcomeNone)
	b.wg.Wait()

	stats := b.Stats()
	slog.Info("[Bridge] Stopped",
		"outcome", b.Outcome(),
		"frames_up", stats.FramesUp,
		"frames_down", stats.FramesDown,
	)
}
