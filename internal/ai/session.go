// Package ai maintains the realtime voice session: a WebSocket carrying
// caller audio up at 16 kHz and agent audio back at 24 kHz, with
// transcripts on the side.
package ai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

const (
	// InputSampleRate is the PCM rate the session expects from us.
	InputSampleRate = 16000
	// OutputSampleRate is the PCM rate the session speaks back at.
	OutputSampleRate = 24000

	DefaultQueueLen    = 50
	DefaultDialTimeout = 10 * time.Second

	setupTimeout = 5 * time.Second
)

// ErrSession means the session failed beyond the single reconnect the
// client attempts. The call should be torn down.
var ErrSession = errors.New("ai session failed")

// Config holds session settings.
type Config struct {
	URL               string
	APIKey            string
	Model             string
	SystemInstruction string
	QueueLen          int
	DialTimeout       time.Duration
}

func (c *Config) withDefaults() Config {
	cfg := *c
	if cfg.QueueLen <= 0 {
		cfg.QueueLen = DefaultQueueLen
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	return cfg
}

// Transcript is one piece of recognized speech, from either side.
type Transcript struct {
	Speaker string
	Text    string
	Final   bool
}

// Session is one live conversation. Audio pushed in is forwarded as
// realtime input; audio and transcripts coming back are delivered on
// the Audio and Transcripts channels, which close when the session
// ends. After a transport error the session redials once and replays
// the setup; a second failure surfaces ErrSession on Done.
type Session struct {
	cfg Config

	outbound    chan []byte
	audio       chan []byte
	transcripts chan Transcript

	done    chan struct{}
	errMu   sync.Mutex
	err     error
	closed  atomic.Bool
	dropped atomic.Uint64

	connMu sync.Mutex
	conn   net.Conn
	rd     io.Reader

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Open dials the session, performs the setup handshake and starts the
// send and receive pumps.
func Open(ctx context.Context, cfg Config) (*Session, error) {
	cfg = (&cfg).withDefaults()
	if cfg.URL == "" {
		return nil, fmt.Errorf("ai session URL is required")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:         cfg,
		outbound:    make(chan []byte, cfg.QueueLen),
		audio:       make(chan []byte, cfg.QueueLen),
		transcripts: make(chan Transcript, cfg.QueueLen),
		done:        make(chan struct{}),
		cancel:      cancel,
	}

	if err := s.connect(ctx); err != nil {
		cancel()
		return nil, err
	}

	s.wg.Add(1)
	go s.run(runCtx)
	return s, nil
}

// connect dials, sends the setup frame and waits for confirmation.
func (s *Session) connect(ctx context.Context) error {
	dialer := ws.Dialer{Timeout: s.cfg.DialTimeout}
	if s.cfg.APIKey != "" {
		header := http.Header{}
		header.Set("Authorization", "Bearer "+s.cfg.APIKey)
		dialer.Header = ws.HandshakeHeaderHTTP(header)
	}

	conn, br, _, err := dialer.Dial(ctx, s.cfg.URL)
	if err != nil {
		return fmt.Errorf("dial ai session: %w", err)
	}

	var rd io.Reader = conn
	if br != nil {
		rd = br
	}

	setup := setupMessage{Setup: setupPayload{
		Model:             s.cfg.Model,
		SystemInstruction: s.cfg.SystemInstruction,
		AudioIn:           audioFormat{Encoding: "pcm16", SampleRateHz: InputSampleRate, Channels: 1},
		AudioOut:          audioFormat{Encoding: "pcm16", SampleRateHz: OutputSampleRate, Channels: 1},
	}}
	payload, err := json.Marshal(setup)
	if err != nil {
		conn.Close()
		return fmt.Errorf("marshal setup: %w", err)
	}
	if err := wsutil.WriteClientText(conn, payload); err != nil {
		conn.Close()
		return fmt.Errorf("send setup: %w", err)
	}

	// The first server frame must confirm the setup.
	_ = conn.SetReadDeadline(time.Now().Add(setupTimeout))
	data, _, err := wsutil.ReadServerData(readWriter{rd, conn})
	if err != nil {
		conn.Close()
		return fmt.Errorf("read setup confirmation: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	var msg serverMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		conn.Close()
		return fmt.Errorf("parse setup confirmation: %w", err)
	}
	if msg.SetupComplete == nil {
		conn.Close()
		if msg.Error != nil {
			return fmt.Errorf("setup rejected: %s: %s", msg.Error.Code, msg.Error.Message)
		}
		return fmt.Errorf("unexpected first frame, want setup confirmation")
	}

	s.connMu.Lock()
	s.conn = conn
	s.rd = rd
	s.connMu.Unlock()

	slog.Info("[AI] Session established", "model", s.cfg.Model)
	return nil
}

// run drives the pumps across at most two connections.
func (s *Session) run(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.audio)
	defer close(s.transcripts)

	for attempt := 0; ; attempt++ {
		err := s.pump(ctx)
		if ctx.Err() != nil || s.closed.Load() {
			s.finish(nil)
			return
		}
		if attempt >= 1 {
			s.finish(fmt.Errorf("%w: %v", ErrSession, err))
			return
		}

		slog.Warn("[AI] Session transport error, reconnecting", "error", err)
		dialCtx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
		rerr := s.connect(dialCtx)
		cancel()
		if rerr != nil {
			s.finish(fmt.Errorf("%w: reconnect: %v", ErrSession, rerr))
			return
		}
	}
}

// pump runs the send and receive loops over the current connection
// until either side fails.
func (s *Session) pump(ctx context.Context) error {
	s.connMu.Lock()
	conn, rd := s.conn, s.rd
	s.connMu.Unlock()

	// The writer's lifetime is bounded by this pump, not the session:
	// when the reader fails the writer must be released even with no
	// audio flowing.
	pumpCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	writeErr := make(chan error, 1)
	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		for {
			select {
			case <-pumpCtx.Done():
				return
			case frame := <-s.outbound:
				if err := wsutil.WriteClientText(conn, frame); err != nil {
					writeErr <- err
					return
				}
			}
		}
	}()

	readErr := make(chan error, 1)
	go func() {
		for {
			data, op, err := wsutil.ReadServerData(readWriter{rd, conn})
			if err != nil {
				readErr <- err
				return
			}
			if op == ws.OpBinary {
				s.deliverAudio(data)
				continue
			}
			s.handleServerMessage(data)
		}
	}()

	var err error
	select {
	case <-ctx.Done():
		err = ctx.Err()
	case err = <-writeErr:
	case err = <-readErr:
	}

	cancel()
	conn.Close()
	<-writeDone
	return err
}

func (s *Session) handleServerMessage(data []byte) {
	var msg serverMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.Debug("[AI] Dropping unparseable frame", "error", err)
		return
	}

	if msg.GoAway != nil {
		slog.Info("[AI] Server announced session end", "time_left_ms", msg.GoAway.TimeLeftMS)
		return
	}
	if msg.Error != nil {
		slog.Warn("[AI] Server error", "code", msg.Error.Code, "message", msg.Error.Message)
		return
	}
	content := msg.ServerContent
	if content == nil {
		return
	}

	if content.Audio != "" {
		pcm, err := base64.StdEncoding.DecodeString(content.Audio)
		if err != nil {
			slog.Debug("[AI] Dropping undecodable audio", "error", err)
		} else if len(pcm) > 0 {
			s.deliverAudio(pcm)
		}
	}
	if t := content.Transcript; t != nil && t.Text != "" {
		select {
		case s.transcripts <- Transcript{Speaker: t.Speaker, Text: t.Text, Final: t.Final}:
		default:
			// Transcripts are advisory; never block audio for them.
		}
	}
}

// deliverAudio hands a 24 kHz PCM chunk to the consumer, dropping the
// oldest queued chunk when the consumer lags.
func (s *Session) deliverAudio(pcm []byte) {
	buf := make([]byte, len(pcm))
	copy(buf, pcm)
	select {
	case s.audio <- buf:
	default:
		select {
		case <-s.audio:
		default:
		}
		select {
		case s.audio <- buf:
		default:
		}
	}
}

// PushAudio enqueues one 16 kHz PCM frame for the session. It never
// blocks: under backpressure the oldest pending frame is dropped so
// the realtime clock is preserved.
func (s *Session) PushAudio(pcm []byte) {
	if s.closed.Load() || len(pcm) == 0 {
		return
	}

	msg := realtimeInputMessage{RealtimeInput: realtimeInput{Audio: inlineAudio{
		Data:     base64.StdEncoding.EncodeToString(pcm),
		MimeType: "audio/pcm",
	}}}
	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}

	select {
	case s.outbound <- payload:
	default:
		select {
		case <-s.outbound:
			s.dropped.Add(1)
		default:
		}
		select {
		case s.outbound <- payload:
		default:
			s.dropped.Add(1)
		}
	}
}

// Audio delivers 24 kHz PCM chunks from the agent. Closed when the
// session ends.
func (s *Session) Audio() <-chan []byte {
	return s.audio
}

// Transcripts delivers recognized speech from both sides. Closed when
// the session ends.
func (s *Session) Transcripts() <-chan Transcript {
	return s.transcripts
}

// Done is closed when the session has fully stopped; Err then reports
// whether it failed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns the terminal session error, nil after a clean Close.
func (s *Session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// DroppedFrames reports how many outbound frames were shed under
// backpressure.
func (s *Session) DroppedFrames() uint64 {
	return s.dropped.Load()
}

func (s *Session) finish(err error) {
	s.errMu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.errMu.Unlock()
	close(s.done)
}

// Close ends the session: a best-effort close frame, then connection
// teardown. Safe to call more than once.
func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	s.connMu.Lock()
	conn := s.conn
	s.connMu.Unlock()
	if conn != nil {
		body := ws.NewCloseFrameBody(ws.StatusNormalClosure, "")
		_ = wsutil.WriteClientMessage(conn, ws.OpClose, body)
		conn.Close()
	}

	s.cancel()
	s.wg.Wait()

	if n := s.dropped.Load(); n > 0 {
		slog.Info("[AI] Session closed", "dropped_frames", n)
	}
	return nil
}

// readWriter pairs the buffered handshake reader with the raw
// connection so control frames can still be answered.
type readWriter struct {
	io.Reader
	io.Writer
}
