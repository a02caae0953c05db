// Package engine implements the UAC side of the call: INVITE with digest
// authentication, ACK/CANCEL/BYE, RFC 4028 session refresh and the few
// in-dialog requests a connected call has to answer.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/icholy/digest"

	"github.com/sebas/callbridge/internal/signaling/dialog"
)

// Config holds engine settings. Server is the SIP trunk or registrar the
// calls go through.
type Config struct {
	Server          string // host or host:port
	Username        string
	Password        string
	DisplayName     string
	BindAddr        string
	Port            int
	AdvertiseIP     string // address placed in Contact and Via
	RingTimeout     time.Duration
	SessionExpires  time.Duration
	MaxAuthAttempts int
}

func (c *Config) withDefaults() Config {
	cfg := *c
	if cfg.BindAddr == "" {
		cfg.BindAddr = "0.0.0.0"
	}
	if cfg.Port == 0 {
		cfg.Port = 5060
	}
	if cfg.RingTimeout <= 0 {
		cfg.RingTimeout = 60 * time.Second
	}
	if cfg.SessionExpires <= 0 {
		cfg.SessionExpires = dialog.DefaultSessionExpires
	}
	if cfg.MaxAuthAttempts <= 0 {
		cfg.MaxAuthAttempts = 5
	}
	return cfg
}

// Progress reports provisional call progress during PlaceCall.
type Progress struct {
	State dialog.CallState
	Code  int
	Body  []byte // SDP from a 183, nil otherwise
}

// PlaceCallRequest describes one outbound call attempt.
type PlaceCallRequest struct {
	Destination string // dial string ("+15550100") or full sip: URI
	SDPOffer    []byte
	OnProgress  func(Progress)
}

// trackedDialog pairs an established dialog with the local SDP we answer
// in-dialog re-INVITEs with.
type trackedDialog struct {
	dialog   *dialog.Dialog
	localSDP []byte
}

// Engine owns the sipgo UA and every active dialog.
type Engine struct {
	cfg    Config
	ua     *sipgo.UserAgent
	srv    *sipgo.Server
	client *sipgo.Client

	mu      sync.RWMutex
	dialogs map[string]*trackedDialog // Call-ID -> dialog

	onRemoteBye func(*dialog.Dialog)

	regCallID string
	regCSeq   uint32
	regMu     sync.Mutex
}

// New creates the engine and registers the in-dialog request handlers.
func New(cfg Config) (*Engine, error) {
	cfg = (&cfg).withDefaults()

	ua, err := sipgo.NewUA(sipgo.WithUserAgent("callbridge"))
	if err != nil {
		return nil, fmt.Errorf("failed to create user agent: %w", err)
	}
	srv, err := sipgo.NewServer(ua)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("failed to create server: %w", err)
	}
	client, err := sipgo.NewClient(ua)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("failed to create client: %w", err)
	}

	e := &Engine{
		cfg:       cfg,
		ua:        ua,
		srv:       srv,
		client:    client,
		dialogs:   make(map[string]*trackedDialog),
		regCallID: uuid.New().String(),
	}

	srv.OnRequest(sip.BYE, e.handleBYE)
	srv.OnRequest(sip.INVITE, e.handleReINVITE)
	srv.OnRequest(sip.ACK, func(req *sip.Request, tx sip.ServerTransaction) {})
	srv.OnRequest(sip.OPTIONS, e.handleOPTIONS)

	return e, nil
}

// Serve runs the SIP listen loop until ctx is canceled.
func (e *Engine) Serve(ctx context.Context) error {
	listenAddr := fmt.Sprintf("%s:%d", e.cfg.BindAddr, e.cfg.Port)
	slog.Info("[SIP] Listening", "addr", listenAddr)
	return e.srv.ListenAndServe(ctx, "udp", listenAddr)
}

// SetOnRemoteBye installs the callback invoked when the far end hangs up.
func (e *Engine) SetOnRemoteBye(fn func(*dialog.Dialog)) {
	e.mu.Lock()
	e.onRemoteBye = fn
	e.mu.Unlock()
}

// Close shuts the UA down. Active dialogs should be torn down first.
func (e *Engine) Close() error {
	return e.ua.Close()
}

// LocalContact is the Contact URI advertised in our requests.
func (e *Engine) LocalContact() sip.Uri {
	user := e.cfg.Username
	if user == "" {
		user = "callbridge"
	}
	return sip.Uri{
		Scheme: "sip",
		User:   user,
		Host:   e.cfg.AdvertiseIP,
		Port:   e.cfg.Port,
	}
}

// PlaceCall sends the INVITE, walks the authentication and response flow
// and returns the confirmed dialog together with the 2xx response (whose
// body is the SDP answer). The caller ends the call with SendBYE.
func (e *Engine) PlaceCall(ctx context.Context, req PlaceCallRequest) (*dialog.Dialog, *sip.Response, error) {
	target, err := e.targetURI(req.Destination)
	if err != nil {
		return nil, nil, err
	}

	params := inviteParams{
		callID:   uuid.New().String(),
		localTag: uuid.New().String()[:8],
		target:   target,
		sdp:      req.SDPOffer,
	}
	invite := e.buildINVITE(params, 1)

	lastNonce := ""
	for attempt := 1; ; attempt++ {
		if attempt > e.cfg.MaxAuthAttempts {
			return nil, nil, fmt.Errorf("%w: gave up after %d attempts", ErrAuthentication, e.cfg.MaxAuthAttempts)
		}

		resp, err := e.executeINVITE(ctx, invite, req.OnProgress)
		if err != nil {
			return nil, nil, err
		}

		switch {
		case resp.StatusCode == sip.StatusUnauthorized || resp.StatusCode == sip.StatusProxyAuthRequired:
			invite, err = e.answerChallenge(params, invite, resp, &lastNonce)
			if err != nil {
				return nil, nil, err
			}
			slog.Info("[SIP] Retrying INVITE with credentials",
				"call_id", params.callID,
				"status", resp.StatusCode,
			)

		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			if err := e.sendACK(resp, invite); err != nil {
				return nil, nil, fmt.Errorf("%w: %v", ErrProtocol, err)
			}
			d := dialog.NewOutbound(invite, resp)
			e.track(d, req.SDPOffer)
			slog.Info("[SIP] Call connected",
				"call_id", d.CallID,
				"remote_tag", d.RemoteTag,
				"session_expires", d.SessionExpires,
			)
			return d, resp, nil

		default:
			return nil, nil, &ResponseError{Code: int(resp.StatusCode), Reason: resp.Reason}
		}
	}
}

type inviteParams struct {
	callID   string
	localTag string
	target   sip.Uri
	sdp      []byte
}

func (e *Engine) buildINVITE(p inviteParams, cseq uint32) *sip.Request {
	invite := sip.NewRequest(sip.INVITE, p.target)

	maxFwd := sip.MaxForwardsHeader(70)
	invite.AppendHeader(&maxFwd)

	fromParams := sip.NewParams()
	fromParams.Add("tag", p.localTag)
	invite.AppendHeader(&sip.FromHeader{
		DisplayName: e.cfg.DisplayName,
		Address: sip.Uri{
			Scheme: "sip",
			User:   e.cfg.Username,
			Host:   e.serverHost(),
		},
		Params: fromParams,
	})

	invite.AppendHeader(&sip.ToHeader{
		Address: p.target,
		Params:  sip.NewParams(),
	})

	callIDHdr := sip.CallIDHeader(p.callID)
	invite.AppendHeader(&callIDHdr)

	invite.AppendHeader(&sip.CSeqHeader{
		SeqNo:      cseq,
		MethodName: sip.INVITE,
	})

	invite.AppendHeader(&sip.ContactHeader{Address: e.LocalContact()})

	invite.AppendHeader(sip.NewHeader("Allow", "INVITE, ACK, CANCEL, BYE, UPDATE, OPTIONS"))
	invite.AppendHeader(sip.NewHeader("Supported", "timer"))
	invite.AppendHeader(sip.NewHeader("Session-Expires",
		fmt.Sprintf("%d;refresher=uac", int(e.cfg.SessionExpires.Seconds()))))

	contentType := sip.ContentTypeHeader("application/sdp")
	invite.AppendHeader(&contentType)
	invite.SetBody(p.sdp)

	return invite
}

// executeINVITE runs one INVITE transaction to its final response.
// 1xx responses are reported through onProgress and the loop continues.
func (e *Engine) executeINVITE(ctx context.Context, invite *sip.Request, onProgress func(Progress)) (*sip.Response, error) {
	dialCtx, cancel := context.WithTimeout(ctx, e.cfg.RingTimeout)
	defer cancel()

	tx, err := e.client.TransactionRequest(dialCtx, invite)
	if err != nil {
		return nil, fmt.Errorf("INVITE transaction failed: %w", err)
	}

	callID := invite.CallID().Value()
	slog.Info("[SIP] INVITE sent", "call_id", callID, "target", invite.Recipient.String())

	for {
		select {
		case <-dialCtx.Done():
			e.abandonINVITE(invite, tx)
			if ctx.Err() != nil {
				return nil, ErrCanceled
			}
			return nil, ErrRingTimeout

		case resp := <-tx.Responses():
			if resp == nil {
				return nil, fmt.Errorf("%w: transaction closed without response", ErrProtocol)
			}
			switch {
			case resp.StatusCode == 100:
				slog.Debug("[SIP] 100 Trying", "call_id", callID)

			case resp.StatusCode == 180 || resp.StatusCode == 181:
				slog.Info("[SIP] Ringing", "call_id", callID, "status", resp.StatusCode)
				if onProgress != nil {
					onProgress(Progress{State: dialog.StateRinging, Code: int(resp.StatusCode)})
				}

			case resp.StatusCode == 183:
				slog.Info("[SIP] Early media", "call_id", callID)
				if onProgress != nil {
					onProgress(Progress{State: dialog.StateEarlyMedia, Code: 183, Body: resp.Body()})
				}

			case resp.StatusCode < 200:
				slog.Debug("[SIP] Provisional response", "call_id", callID, "status", resp.StatusCode)

			default:
				return resp, nil
			}

		case <-tx.Done():
			return nil, fmt.Errorf("%w: transaction terminated", ErrProtocol)
		}
	}
}

// abandonINVITE sends CANCEL and resolves the 200-vs-487 race: an answer
// that slips in after the CANCEL is ACKed and immediately torn down.
func (e *Engine) abandonINVITE(invite *sip.Request, tx sip.ClientTransaction) {
	if err := e.sendCANCEL(invite); err != nil {
		slog.Warn("[SIP] CANCEL failed", "call_id", invite.CallID().Value(), "error", err)
	}

	deadline := time.After(3 * time.Second)
	for {
		select {
		case resp := <-tx.Responses():
			if resp == nil {
				return
			}
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				slog.Info("[SIP] Answer raced CANCEL, sending ACK+BYE",
					"call_id", invite.CallID().Value())
				if err := e.sendACK(resp, invite); err != nil {
					return
				}
				d := dialog.NewOutbound(invite, resp)
				d.SetTerminateReason(dialog.ReasonCanceled)
				_ = e.SendBYE(context.Background(), d)
				return
			}
		case <-tx.Done():
			return
		case <-deadline:
			return
		}
	}
}

func (e *Engine) sendCANCEL(invite *sip.Request) error {
	cancelReq := sip.NewRequest(sip.CANCEL, invite.Recipient)

	// Per RFC 3261 Section 9.1 CANCEL copies the INVITE's Via, From, To
	// and Call-ID and reuses its CSeq number.
	sip.CopyHeaders("Via", invite, cancelReq)
	sip.CopyHeaders("From", invite, cancelReq)
	sip.CopyHeaders("To", invite, cancelReq)
	sip.CopyHeaders("Call-ID", invite, cancelReq)

	if cseq := invite.CSeq(); cseq != nil {
		cancelReq.AppendHeader(&sip.CSeqHeader{
			SeqNo:      cseq.SeqNo,
			MethodName: sip.CANCEL,
		})
	}
	maxFwd := sip.MaxForwardsHeader(70)
	cancelReq.AppendHeader(&maxFwd)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tx, err := e.client.TransactionRequest(ctx, cancelReq)
	if err != nil {
		return fmt.Errorf("send CANCEL: %w", err)
	}
	select {
	case <-tx.Responses():
	case <-tx.Done():
	case <-ctx.Done():
	}
	slog.Info("[SIP] CANCEL sent", "call_id", invite.CallID().Value())
	return nil
}

// sendACK acknowledges a 2xx. Per RFC 3261 Section 13.2.2.4 the ACK's
// Request-URI is the remote Contact from the response.
func (e *Engine) sendACK(resp *sip.Response, invite *sip.Request) error {
	requestURI := invite.Recipient
	if contact := resp.Contact(); contact != nil {
		requestURI = contact.Address
	}

	ack := sip.NewRequest(sip.ACK, requestURI)

	sip.CopyHeaders("From", invite, ack)
	sip.CopyHeaders("Call-ID", invite, ack)

	if to := resp.To(); to != nil {
		ack.AppendHeader(&sip.ToHeader{
			DisplayName: to.DisplayName,
			Address:     to.Address,
			Params:      to.Params,
		})
	}

	if cseq := invite.CSeq(); cseq != nil {
		ack.AppendHeader(&sip.CSeqHeader{
			SeqNo:      cseq.SeqNo,
			MethodName: sip.ACK,
		})
	}

	maxFwd := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxFwd)

	destAddr := resp.Source()
	if destAddr == "" {
		port := requestURI.Port
		if port == 0 {
			port = 5060
		}
		destAddr = fmt.Sprintf("%s:%d", requestURI.Host, port)
	}
	ack.SetDestination(destAddr)

	// WriteRequest reuses the listening socket, so the ACK leaves from
	// the same address the INVITE did. Bounded in case transport blocks.
	ackDone := make(chan error, 1)
	go func() {
		ackDone <- e.client.WriteRequest(ack)
	}()
	select {
	case err := <-ackDone:
		if err != nil {
			return fmt.Errorf("write ACK: %w", err)
		}
	case <-time.After(5 * time.Second):
		return fmt.Errorf("ACK write timed out")
	}

	slog.Debug("[SIP] ACK sent", "call_id", invite.CallID().Value(), "dest", destAddr)
	return nil
}

// answerChallenge computes the digest response for a 401/407 and rebuilds
// the INVITE with the next CSeq. A repeated challenge on the same nonce
// means the credentials are wrong; retrying would loop forever.
func (e *Engine) answerChallenge(p inviteParams, invite *sip.Request, resp *sip.Response, lastNonce *string) (*sip.Request, error) {
	challengeName, credName := "WWW-Authenticate", "Authorization"
	if resp.StatusCode == sip.StatusProxyAuthRequired {
		challengeName, credName = "Proxy-Authenticate", "Proxy-Authorization"
	}

	hdr := resp.GetHeader(challengeName)
	if hdr == nil {
		return nil, fmt.Errorf("%w: %d response without %s header", ErrProtocol, resp.StatusCode, challengeName)
	}

	challenge, err := digest.ParseChallenge(hdr.Value())
	if err != nil {
		return nil, fmt.Errorf("%w: malformed challenge: %v", ErrAuthentication, err)
	}
	if challenge.Nonce == *lastNonce {
		return nil, fmt.Errorf("%w: re-challenged on the same nonce (credentials rejected)", ErrAuthentication)
	}
	*lastNonce = challenge.Nonce

	if e.cfg.Username == "" || e.cfg.Password == "" {
		return nil, fmt.Errorf("%w: server requires credentials but none configured", ErrAuthentication)
	}

	cred, err := digest.Digest(challenge, digest.Options{
		Method:   invite.Method.String(),
		URI:      invite.Recipient.String(),
		Username: e.cfg.Username,
		Password: e.cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: digest computation: %v", ErrAuthentication, err)
	}

	var cseq uint32 = 2
	if c := invite.CSeq(); c != nil {
		cseq = c.SeqNo + 1
	}
	next := e.buildINVITE(p, cseq)
	next.AppendHeader(sip.NewHeader(credName, cred.String()))
	return next, nil
}

// SendBYE terminates an established dialog.
func (e *Engine) SendBYE(ctx context.Context, d *dialog.Dialog) error {
	if d.GetState() == dialog.StateConnected {
		_ = d.TransitionTo(dialog.StateTerminating)
	}
	defer e.untrack(d.CallID)

	bye, err := d.BuildBYE(e.LocalContact())
	if err != nil {
		return fmt.Errorf("build BYE: %w", err)
	}
	if dest := d.Destination(); dest != "" {
		bye.SetDestination(dest)
	}

	byeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	tx, err := e.client.TransactionRequest(byeCtx, bye)
	if err != nil {
		_ = d.TransitionTo(dialog.StateFailed)
		return fmt.Errorf("send BYE: %w", err)
	}

	select {
	case resp := <-tx.Responses():
		if resp != nil {
			slog.Info("[SIP] BYE response", "call_id", d.CallID, "status", resp.StatusCode)
		}
	case <-tx.Done():
	case <-byeCtx.Done():
		slog.Warn("[SIP] BYE timed out", "call_id", d.CallID)
	}

	_ = d.TransitionTo(dialog.StateTerminated)
	return nil
}

func (e *Engine) targetURI(destination string) (sip.Uri, error) {
	var uri sip.Uri
	if strings.HasPrefix(destination, "sip:") || strings.HasPrefix(destination, "sips:") {
		if err := sip.ParseUri(destination, &uri); err != nil {
			return sip.Uri{}, fmt.Errorf("invalid destination URI %q: %w", destination, err)
		}
		return uri, nil
	}
	if destination == "" {
		return sip.Uri{}, fmt.Errorf("empty destination")
	}
	return sip.Uri{
		Scheme: "sip",
		User:   destination,
		Host:   e.serverHost(),
		Port:   e.serverPort(),
	}, nil
}

func (e *Engine) serverHost() string {
	host := e.cfg.Server
	if i := strings.LastIndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	return host
}

func (e *Engine) serverPort() int {
	if i := strings.LastIndexByte(e.cfg.Server, ':'); i >= 0 {
		if p, err := strconv.Atoi(e.cfg.Server[i+1:]); err == nil {
			return p
		}
	}
	return 0
}

func (e *Engine) track(d *dialog.Dialog, localSDP []byte) {
	e.mu.Lock()
	e.dialogs[d.CallID] = &trackedDialog{dialog: d, localSDP: localSDP}
	e.mu.Unlock()
}

func (e *Engine) untrack(callID string) {
	e.mu.Lock()
	delete(e.dialogs, callID)
	e.mu.Unlock()
}

func (e *Engine) lookup(callID string) *trackedDialog {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.dialogs[callID]
}

func (e *Engine) handleBYE(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if req.CallID() != nil {
		callID = req.CallID().Value()
	}

	td := e.lookup(callID)
	if td == nil {
		slog.Debug("[SIP] BYE for unknown dialog", "call_id", callID)
		res := sip.NewResponseFromRequest(req, sip.StatusCallTransactionDoesNotExists, "Call/Transaction Does Not Exist", nil)
		if err := tx.Respond(res); err != nil {
			slog.Error("[SIP] Failed to reject BYE", "call_id", callID, "error", err)
		}
		return
	}
	e.untrack(callID)

	res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	if err := tx.Respond(res); err != nil {
		slog.Error("[SIP] Failed to respond to BYE", "call_id", callID, "error", err)
	}

	slog.Info("[SIP] Remote hangup", "call_id", callID)
	td.dialog.SetTerminateReason(dialog.ReasonRemoteHangup)
	_ = td.dialog.TransitionTo(dialog.StateTerminating)
	_ = td.dialog.TransitionTo(dialog.StateTerminated)

	e.mu.RLock()
	cb := e.onRemoteBye
	e.mu.RUnlock()
	if cb != nil {
		cb(td.dialog)
	}
}

// handleReINVITE answers in-dialog re-INVITEs (the far end refreshing
// session timers) with our current SDP. Out-of-dialog INVITEs get 481:
// inbound calling is not part of this agent.
func (e *Engine) handleReINVITE(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if req.CallID() != nil {
		callID = req.CallID().Value()
	}

	td := e.lookup(callID)
	if td == nil {
		res := sip.NewResponseFromRequest(req, sip.StatusCallTransactionDoesNotExists, "Call/Transaction Does Not Exist", nil)
		if err := tx.Respond(res); err != nil {
			slog.Error("[SIP] Failed to reject INVITE", "call_id", callID, "error", err)
		}
		return
	}

	slog.Info("[SIP] Answering in-dialog re-INVITE", "call_id", callID)
	res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", td.localSDP)
	contentType := sip.ContentTypeHeader("application/sdp")
	res.AppendHeader(&contentType)
	res.AppendHeader(&sip.ContactHeader{Address: e.LocalContact()})
	if se := req.GetHeader("Session-Expires"); se != nil {
		res.AppendHeader(sip.NewHeader("Session-Expires", se.Value()))
	}
	if err := tx.Respond(res); err != nil {
		slog.Error("[SIP] Failed to answer re-INVITE", "call_id", callID, "error", err)
	}
}

func (e *Engine) handleOPTIONS(req *sip.Request, tx sip.ServerTransaction) {
	res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	res.AppendHeader(sip.NewHeader("Allow", "INVITE, ACK, CANCEL, BYE, UPDATE, OPTIONS"))
	if err := tx.Respond(res); err != nil {
		slog.Error("[SIP] Failed to respond to OPTIONS", "error", err)
	}
}
