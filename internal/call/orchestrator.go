package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/sebas/callbridge/internal/ai"
	"github.com/sebas/callbridge/internal/bridge"
	"github.com/sebas/callbridge/internal/events"
	"github.com/sebas/callbridge/internal/media"
	"github.com/sebas/callbridge/internal/nat"
	"github.com/sebas/callbridge/internal/portpool"
	"github.com/sebas/callbridge/internal/sdp"
	"github.com/sebas/callbridge/internal/signaling/dialog"
	"github.com/sebas/callbridge/internal/signaling/engine"
)

var (
	// ErrDuplicateCall means a call to the same destination is already
	// in flight.
	ErrDuplicateCall = errors.New("call to destination already in flight")

	// ErrCallNotFound means no call with the given ID is tracked.
	ErrCallNotFound = errors.New("call not found")

	// ErrShuttingDown means the orchestrator no longer accepts calls.
	ErrShuttingDown = errors.New("orchestrator shutting down")
)

// Config holds orchestrator settings.
type Config struct {
	NodeID          string
	AI              ai.Config
	RTPPortMin      int
	RTPPortMax      int
	BindIP          string // local RTP bind address, empty for all interfaces
	MaxDuration     time.Duration
	DetectVoicemail bool
	MediaInterval   time.Duration // media-level event cadence
	EventBuffer     int
}

func (c *Config) withDefaults() Config {
	cfg := *c
	if cfg.NodeID == "" {
		cfg.NodeID = uuid.New().String()[:8]
	}
	if cfg.RTPPortMin == 0 {
		cfg.RTPPortMin = 40000
	}
	if cfg.RTPPortMax == 0 {
		cfg.RTPPortMax = 40200
	}
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = bridge.DefaultMaxDuration
	}
	if cfg.MediaInterval <= 0 {
		cfg.MediaInterval = 10 * time.Second
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 256
	}
	return cfg
}

// Orchestrator owns the call registry and drives each call from dial
// through teardown.
type Orchestrator struct {
	cfg      Config
	engine   *engine.Engine
	resolver nat.Resolver
	ports    *portpool.Pool
	builder  *events.Builder
	pub      *events.ChannelPublisher

	mu           sync.RWMutex
	calls        map[string]*Call
	dialogToCall map[string]string // SIP Call-ID -> call UUID
	closed       bool

	wg sync.WaitGroup
}

// New creates the orchestrator and hooks remote-hangup notifications
// from the engine.
func New(cfg Config, eng *engine.Engine, resolver nat.Resolver) *Orchestrator {
	cfg = (&cfg).withDefaults()
	o := &Orchestrator{
		cfg:          cfg,
		engine:       eng,
		resolver:     resolver,
		ports:        portpool.New(cfg.RTPPortMin, cfg.RTPPortMax),
		builder:      events.NewBuilder(cfg.NodeID),
		pub:          events.NewChannelPublisher(cfg.EventBuffer),
		calls:        make(map[string]*Call),
		dialogToCall: make(map[string]string),
	}
	eng.SetOnRemoteBye(o.onRemoteBye)
	return o
}

// Events returns the call event stream. Events are dropped, not
// blocked on, when the consumer falls behind.
func (o *Orchestrator) Events() <-chan events.Event {
	return o.pub.Events()
}

// Get returns a snapshot of the call with the given ID.
func (o *Orchestrator) Get(id string) (Info, bool) {
	o.mu.RLock()
	c, ok := o.calls[id]
	o.mu.RUnlock()
	if !ok {
		return Info{}, false
	}
	return c.Info(), true
}

// StartCall allocates media resources, registers the call and dials
// asynchronously. Progress is reported on the event stream.
func (o *Orchestrator) StartCall(ctx context.Context, req Request) (string, error) {
	if req.Destination == "" {
		return "", fmt.Errorf("destination is required")
	}
	if req.MaxDuration <= 0 {
		req.MaxDuration = o.cfg.MaxDuration
	}

	if err := o.checkAdmission(req.Destination); err != nil {
		return "", err
	}

	rtpPort, _, err := o.ports.Allocate()
	if err != nil {
		return "", fmt.Errorf("allocating RTP port: %w", err)
	}

	stream, err := media.NewStream(media.StreamConfig{
		LocalIP: o.cfg.BindIP,
		Port:    rtpPort,
		Codec:   media.CodecPCMU,
	})
	if err != nil {
		o.ports.Release(rtpPort)
		return "", fmt.Errorf("binding RTP stream: %w", err)
	}

	pubIP, pubPort := o.resolver.ResolvePublicEndpoint(ctx, rtpPort)
	offer, err := sdp.BuildOffer(pubIP, pubPort)
	if err != nil {
		stream.Close()
		o.ports.Release(rtpPort)
		return "", fmt.Errorf("building SDP offer: %w", err)
	}

	c := &Call{
		ID:        uuid.New().String(),
		Request:   req,
		state:     dialog.StateIdle,
		createdAt: time.Now(),
		stream:    stream,
		rtpPort:   rtpPort,
		done:      make(chan struct{}),
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		stream.Close()
		o.ports.Release(rtpPort)
		return "", ErrShuttingDown
	}
	if o.inFlightLocked(req.Destination) {
		o.mu.Unlock()
		stream.Close()
		o.ports.Release(rtpPort)
		return "", ErrDuplicateCall
	}
	o.calls[c.ID] = c
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.run(c, offer, pubIP, pubPort)
	}()

	return c.ID, nil
}

func (o *Orchestrator) checkAdmission(destination string) error {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.closed {
		return ErrShuttingDown
	}
	if o.inFlightLocked(destination) {
		return ErrDuplicateCall
	}
	return nil
}

func (o *Orchestrator) inFlightLocked(destination string) bool {
	for _, c := range o.calls {
		if c.Request.Destination == destination && !c.ended.Load() {
			return true
		}
	}
	return false
}

// run drives one call from INVITE to supervision. It owns the dial
// context; teardown cancels it to abandon an unanswered INVITE.
func (o *Orchestrator) run(c *Call, offer []byte, pubIP string, pubPort int) {
	dialCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.cancelDial = cancel
	c.mu.Unlock()
	defer cancel()

	c.setState(dialog.StateInviting)
	o.pub.PublishAsync(o.builder.Dialing(c.ID, "", c.Request.Destination, ""))

	d, resp, err := o.engine.PlaceCall(dialCtx, engine.PlaceCallRequest{
		Destination: c.Request.Destination,
		SDPOffer:    offer,
		OnProgress: func(p engine.Progress) {
			c.setState(p.State)
			o.pub.PublishAsync(o.builder.Ringing(c.ID, c.sipCallID, p.Code, p.Body != nil))
		},
	})
	if err != nil {
		reason, detail, code := classifyDialError(err)
		o.recordFailure(c, code, detail)
		o.teardown(c, reason, detail)
		return
	}

	c.mu.Lock()
	c.dlg = d
	c.sipCallID = d.CallID
	c.mu.Unlock()
	o.mu.Lock()
	o.dialogToCall[d.CallID] = c.ID
	o.mu.Unlock()

	remote, err := o.connectMedia(c, d, resp.Body(), pubIP, pubPort)
	if err != nil {
		slog.Error("[Call] Media setup failed", "call_id", c.ID, "error", err)
		o.teardown(c, dialog.ReasonMediaFailed, err.Error())
		return
	}

	c.setState(dialog.StateConnected)

	c.mu.Lock()
	br := c.br
	setup := c.connectedAt.Sub(c.createdAt)
	c.mu.Unlock()

	o.pub.PublishAsync(o.builder.Answered(c.ID, d.CallID).
		Codec(remote.Codec.Name).
		RemoteMedia(remote.IP, remote.Port).
		SetupDuration(setup).
		Build())

	o.wg.Add(3)
	go func() { defer o.wg.Done(); o.pumpTranscripts(c) }()
	go func() { defer o.wg.Done(); o.pumpDTMF(c) }()
	go func() { defer o.wg.Done(); o.pumpMediaLevels(c) }()

	select {
	case <-br.Done():
		reason, detail := outcomeReason(br.Outcome())
		o.teardown(c, reason, detail)
	case <-c.done:
	}
}

// connectMedia wires the answered call: remote RTP endpoint, AI
// session, audio bridge and the session-timer refresher.
func (o *Orchestrator) connectMedia(c *Call, d *dialog.Dialog, answer []byte, pubIP string, pubPort int) (sdp.RemoteMedia, error) {
	remote, err := sdp.ParseAnswer(answer)
	if err != nil {
		return remote, err
	}
	if err := c.stream.SetRemote(remote.IP, remote.Port); err != nil {
		return remote, err
	}
	if err := c.stream.Start(context.Background()); err != nil {
		return remote, err
	}

	aiCfg := o.cfg.AI
	if c.Request.Goal != "" {
		aiCfg.SystemInstruction = c.Request.Goal
	}
	openCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	session, err := ai.Open(openCtx, aiCfg)
	cancel()
	if err != nil {
		return remote, fmt.Errorf("opening AI session: %w", err)
	}

	br, err := bridge.New(c.stream, session, bridge.Config{
		Codec:           remote.Codec,
		MaxDuration:     c.Request.MaxDuration,
		DetectVoicemail: c.Request.DetectVoicemail || o.cfg.DetectVoicemail,
	})
	if err != nil {
		session.Close()
		return remote, err
	}
	if err := br.Start(context.Background()); err != nil {
		session.Close()
		return remote, err
	}

	var sdpVersion atomic.Uint64
	sdpVersion.Store(1)
	sessionID := uint64(time.Now().Unix())
	stop := o.engine.StartRefresher(context.Background(), d,
		func() ([]byte, error) {
			return sdp.BuildRefreshOffer(pubIP, pubPort, sessionID, sdpVersion.Add(1))
		},
		func(err error) {
			slog.Warn("[Call] Session refresh failed, ending call", "call_id", c.ID, "error", err)
			o.teardown(c, dialog.ReasonTimeout, "session refresh failed")
		})

	c.mu.Lock()
	c.session = session
	c.br = br
	c.stopRefresher = stop
	c.mu.Unlock()
	return remote, nil
}

// EndCall tears the call down with the given reason. Safe to call
// concurrently with a remote hangup or a bridge outcome.
func (o *Orchestrator) EndCall(id string, reason dialog.TerminateReason) error {
	o.mu.RLock()
	c, ok := o.calls[id]
	o.mu.RUnlock()
	if !ok {
		return ErrCallNotFound
	}
	o.teardown(c, reason, "")
	return nil
}

// teardown runs the ordered shutdown exactly once. Ordering: stop the
// bridge pumps, close the AI session, end the dialog, stop RTP, release
// the port, publish the final event.
func (o *Orchestrator) teardown(c *Call, reason dialog.TerminateReason, detail string) {
	if !c.ended.CompareAndSwap(false, true) {
		return
	}

	c.mu.Lock()
	c.reason = reason
	if detail != "" {
		c.reasonDetail = detail
	}
	cancelDial := c.cancelDial
	stopRefresher := c.stopRefresher
	br := c.br
	session := c.session
	d := c.dlg
	stream := c.stream
	rtpPort := c.rtpPort
	sipCallID := c.sipCallID
	connectedAt := c.connectedAt
	sipResponse := c.sipResponse
	c.mu.Unlock()

	slog.Info("[Call] Ending call", "call_id", c.ID, "reason", reason.String())

	if cancelDial != nil {
		cancelDial()
	}
	if stopRefresher != nil {
		stopRefresher()
	}
	if br != nil {
		br.Stop()
	}
	if session != nil {
		session.Close()
	}
	if d != nil {
		d.SetTerminateReason(reason)
		if !d.IsTerminated() {
			byeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := o.engine.SendBYE(byeCtx, d); err != nil {
				slog.Warn("[Call] BYE failed", "call_id", c.ID, "error", err)
			}
			cancel()
		}
	}

	var mediaStats media.StreamStats
	if stream != nil {
		mediaStats = stream.Stats()
		stream.Close()
	}
	if rtpPort > 0 {
		o.ports.Release(rtpPort)
	}

	now := time.Now()
	finalState := dialog.StateTerminated
	if connectedAt.IsZero() && reason != dialog.ReasonLocalHangup && reason != dialog.ReasonCanceled && reason != dialog.ReasonShutdown {
		finalState = dialog.StateFailed
	}
	c.mu.Lock()
	c.state = finalState
	c.endedAt = now
	c.mu.Unlock()

	o.mu.Lock()
	if sipCallID != "" {
		delete(o.dialogToCall, sipCallID)
	}
	o.mu.Unlock()

	close(c.done)

	talk := time.Duration(0)
	if !connectedAt.IsZero() {
		talk = now.Sub(connectedAt)
	}
	c.mu.Lock()
	total := now.Sub(c.createdAt)
	c.mu.Unlock()

	o.pub.PublishAsync(o.builder.Ended(c.ID, sipCallID).
		Reason(reason.String(), detail).
		SIPResponse(sipResponse).
		Durations(talk, total).
		TranscriptLines(int(c.transcripts.Load())).
		MediaStats(mediaStats.PacketsSent, mediaStats.PacketsReceived, mediaStats.PacketsLost).
		Build())
}

// Close ends every live call and shuts the event stream down.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	live := make([]*Call, 0, len(o.calls))
	for _, c := range o.calls {
		live = append(live, c)
	}
	o.mu.Unlock()

	for _, c := range live {
		o.teardown(c, dialog.ReasonShutdown, "")
	}
	o.wg.Wait()
	return o.pub.Close()
}

func (o *Orchestrator) onRemoteBye(d *dialog.Dialog) {
	o.mu.RLock()
	id, ok := o.dialogToCall[d.CallID]
	var c *Call
	if ok {
		c = o.calls[id]
	}
	o.mu.RUnlock()
	if c == nil {
		return
	}
	o.teardown(c, dialog.ReasonRemoteHangup, "")
}

func (o *Orchestrator) recordFailure(c *Call, sipResponse int, detail string) {
	c.mu.Lock()
	c.sipResponse = sipResponse
	c.reasonDetail = detail
	c.mu.Unlock()
}

func (o *Orchestrator) pumpTranscripts(c *Call) {
	for {
		select {
		case t, ok := <-c.session.Transcripts():
			if !ok {
				return
			}
			c.transcripts.Add(1)
			o.pub.PublishAsync(o.builder.Transcript(c.ID, c.sipCallID, t.Speaker, t.Text, t.Final))
		case <-c.done:
			return
		}
	}
}

func (o *Orchestrator) pumpDTMF(c *Call) {
	for {
		select {
		case ev, ok := <-c.stream.DTMF():
			if !ok {
				return
			}
			// Duration is in 8 kHz timestamp units.
			dur := time.Duration(ev.Duration) * time.Second / 8000
			o.pub.PublishAsync(o.builder.DTMF(c.ID, c.sipCallID, string(ev.Rune()), dur))
		case <-c.done:
			return
		}
	}
}

func (o *Orchestrator) pumpMediaLevels(c *Call) {
	ticker := time.NewTicker(o.cfg.MediaInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			stats := c.stream.Stats()
			c.mu.Lock()
			br := c.br
			c.mu.Unlock()
			var callerLevel, aiLevel float64
			farActive := false
			if br != nil {
				bs := br.Stats()
				farActive = time.Since(bs.LastFarActivity) < 2*time.Second
				callerLevel, aiLevel = bs.CallerLevel, bs.AILevel
			}
			o.pub.PublishAsync(o.builder.Media(c.ID, c.sipCallID).
				Packets(stats.PacketsSent, stats.PacketsReceived, stats.PacketsLost, stats.LossRate).
				Levels(callerLevel, aiLevel).
				FarEndActive(farActive).
				Build())
		case <-c.done:
			return
		}
	}
}

// classifyDialError maps a failed dial to a terminate reason, detail
// and (when present) the final SIP response code.
func classifyDialError(err error) (dialog.TerminateReason, string, int) {
	if re, ok := engine.AsResponseError(err); ok {
		return dialog.ReasonRejected, re.Reason, re.Code
	}
	switch {
	case errors.Is(err, engine.ErrRingTimeout):
		return dialog.ReasonTimeout, "no answer within ring window", 0
	case errors.Is(err, engine.ErrCanceled):
		return dialog.ReasonCanceled, "", 0
	case errors.Is(err, engine.ErrAuthentication):
		return dialog.ReasonAuthFailed, err.Error(), 0
	default:
		return dialog.ReasonError, err.Error(), 0
	}
}

// outcomeReason maps a bridge outcome to the call terminate reason.
func outcomeReason(outcome bridge.Outcome) (dialog.TerminateReason, string) {
	switch outcome {
	case bridge.OutcomeMaxDuration:
		return dialog.ReasonMaxDuration, "call duration cap reached"
	case bridge.OutcomeVoicemail:
		return dialog.ReasonVoicemail, "answering machine detected"
	case bridge.OutcomeMediaStall:
		return dialog.ReasonMediaFailed, "rtp stream stalled"
	case bridge.OutcomeSessionError:
		return dialog.ReasonAISession, "ai session failed"
	case bridge.OutcomeSessionEnded:
		return dialog.ReasonLocalHangup, "ai session ended the conversation"
	default:
		return dialog.ReasonError, ""
	}
}
