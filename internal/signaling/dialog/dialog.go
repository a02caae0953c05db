package dialog

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emiago/sipgo/sip"
)

// DefaultSessionExpires is the RFC 4028 interval advertised in the INVITE
// and assumed when the answer carries no Session-Expires header.
const DefaultSessionExpires = 1800 * time.Second

// MinSessionExpires is the floor below which a negotiated interval is
// rejected (RFC 4028 Section 4).
const MinSessionExpires = 90 * time.Second

// Dialog tracks one outbound (UAC) SIP dialog per RFC 3261 Section 12:
// identification, state machine, CSeq discipline and the header state
// needed to build correct in-dialog requests.
type Dialog struct {
	mu sync.RWMutex

	// Identification per RFC 3261 Section 12
	CallID    string
	LocalTag  string
	RemoteTag string

	// State machine
	State          CallState
	CreatedAt      time.Time
	ConnectedAt    time.Time
	StateChangedAt time.Time

	// Original request/response for in-dialog request construction
	InviteRequest  *sip.Request
	InviteResponse *sip.Response

	// RemoteContactURI from the 200 OK is the Request-URI for BYE,
	// UPDATE and re-INVITE.
	RemoteContactURI string

	// routeSet is the reversed Record-Route set from the 200 OK.
	routeSet []string

	// SessionExpires is the negotiated RFC 4028 refresh interval.
	SessionExpires time.Duration

	// localCSeq is our CSeq for requests we initiate, starting from the
	// final INVITE's CSeq.
	localCSeq atomic.Uint32

	// refreshInProgress prevents concurrent session refreshes.
	refreshInProgress atomic.Bool

	// Termination info
	TerminateReason TerminateReason
}

// NewOutbound creates a confirmed dialog from the INVITE we sent and the
// 2xx response it received.
func NewOutbound(invite *sip.Request, resp *sip.Response) *Dialog {
	callID := ""
	if invite.CallID() != nil {
		callID = invite.CallID().Value()
	}

	localTag := ""
	if from := invite.From(); from != nil {
		if tag, ok := from.Params.Get("tag"); ok {
			localTag = tag
		}
	}

	remoteTag := ""
	if to := resp.To(); to != nil {
		if tag, ok := to.Params.Get("tag"); ok {
			remoteTag = tag
		}
	}

	remoteContactURI := ""
	if contact := resp.Contact(); contact != nil {
		remoteContactURI = contact.Address.String()
	}

	// Route set for in-dialog requests: Record-Route from the response,
	// reversed (RFC 3261 Section 12.1.2).
	var routeSet []string
	rr := resp.GetHeaders("Record-Route")
	for i := len(rr) - 1; i >= 0; i-- {
		routeSet = append(routeSet, rr[i].Value())
	}

	var initialCSeq uint32 = 1
	if cseq := invite.CSeq(); cseq != nil {
		initialCSeq = cseq.SeqNo
	}

	now := time.Now()
	d := &Dialog{
		CallID:           callID,
		LocalTag:         localTag,
		RemoteTag:        remoteTag,
		State:            StateConnected,
		CreatedAt:        now,
		ConnectedAt:      now,
		StateChangedAt:   now,
		InviteRequest:    invite,
		InviteResponse:   resp,
		RemoteContactURI: remoteContactURI,
		routeSet:         routeSet,
		SessionExpires:   ParseSessionExpires(resp),
	}
	d.localCSeq.Store(initialCSeq)
	return d
}

// ParseSessionExpires reads the RFC 4028 Session-Expires header from a
// response, clamped to the minimum. Absent or malformed headers yield the
// default interval.
func ParseSessionExpires(resp *sip.Response) time.Duration {
	hdr := resp.GetHeader("Session-Expires")
	if hdr == nil {
		return DefaultSessionExpires
	}
	val := hdr.Value()
	if i := strings.IndexByte(val, ';'); i >= 0 {
		val = val[:i]
	}
	secs, err := strconv.Atoi(strings.TrimSpace(val))
	if err != nil || secs <= 0 {
		return DefaultSessionExpires
	}
	d := time.Duration(secs) * time.Second
	if d < MinSessionExpires {
		return MinSessionExpires
	}
	return d
}

// GetState returns the current dialog state
func (d *Dialog) GetState() CallState {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.State
}

// TransitionTo attempts to transition to a new state
func (d *Dialog) TransitionTo(newState CallState) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.State.CanTransitionTo(newState) {
		return fmt.Errorf("invalid state transition: %s -> %s", d.State, newState)
	}

	d.State = newState
	d.StateChangedAt = time.Now()
	return nil
}

// IsTerminated returns true if the dialog is in a terminal state
func (d *Dialog) IsTerminated() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.State.IsTerminal()
}

// SetTerminateReason records the first termination reason; later calls
// are ignored so the original cause survives the teardown cascade.
func (d *Dialog) SetTerminateReason(r TerminateReason) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.TerminateReason == ReasonNone {
		d.TerminateReason = r
	}
}

// GetTerminateReason returns the recorded termination reason.
func (d *Dialog) GetTerminateReason() TerminateReason {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.TerminateReason
}

// GetSessionExpires returns the negotiated refresh interval.
func (d *Dialog) GetSessionExpires() time.Duration {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.SessionExpires
}

// SetSessionExpires updates the refresh interval after a successful
// refresh renegotiated it.
func (d *Dialog) SetSessionExpires(se time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if se >= MinSessionExpires {
		d.SessionExpires = se
	}
}

// Destination returns the transport target (host:port) for in-dialog
// requests: the remote Contact's address with the SIP default port.
func (d *Dialog) Destination() string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var uri sip.Uri
	if d.RemoteContactURI != "" {
		if err := sip.ParseUri(d.RemoteContactURI, &uri); err == nil && uri.Host != "" {
			port := uri.Port
			if port == 0 {
				port = 5060
			}
			return fmt.Sprintf("%s:%d", uri.Host, port)
		}
	}
	if d.InviteRequest != nil {
		port := d.InviteRequest.Recipient.Port
		if port == 0 {
			port = 5060
		}
		return fmt.Sprintf("%s:%d", d.InviteRequest.Recipient.Host, port)
	}
	return ""
}

// BuildBYE constructs a BYE request for this dialog.
// Per RFC 3261 Section 12.2.1.1, in-dialog requests use the dialog's
// identifiers: our From with our tag, their To with their tag, the
// remote Contact as Request-URI and the reversed Record-Route set.
func (d *Dialog) BuildBYE(localContact sip.Uri) (*sip.Request, error) {
	return d.buildInDialogRequest(sip.BYE, localContact)
}

// BuildUPDATE constructs an RFC 4028 session refresh UPDATE (no body).
func (d *Dialog) BuildUPDATE(localContact sip.Uri) (*sip.Request, error) {
	req, err := d.buildInDialogRequest(sip.UPDATE, localContact)
	if err != nil {
		return nil, err
	}
	d.mu.RLock()
	expires := d.SessionExpires
	d.mu.RUnlock()
	req.AppendHeader(sip.NewHeader("Session-Expires", fmt.Sprintf("%d;refresher=uac", int(expires.Seconds()))))
	req.AppendHeader(sip.NewHeader("Supported", "timer"))
	return req, nil
}

// BuildReINVITE constructs a session refresh re-INVITE carrying the
// current SDP. Used when the far end does not accept UPDATE.
func (d *Dialog) BuildReINVITE(localContact sip.Uri, sdpBody []byte) (*sip.Request, error) {
	req, err := d.buildInDialogRequest(sip.INVITE, localContact)
	if err != nil {
		return nil, err
	}
	d.mu.RLock()
	expires := d.SessionExpires
	d.mu.RUnlock()
	req.AppendHeader(sip.NewHeader("Session-Expires", fmt.Sprintf("%d;refresher=uac", int(expires.Seconds()))))
	req.AppendHeader(sip.NewHeader("Supported", "timer"))
	if len(sdpBody) > 0 {
		contentType := sip.ContentTypeHeader("application/sdp")
		req.AppendHeader(&contentType)
		req.SetBody(sdpBody)
	}
	return req, nil
}

func (d *Dialog) buildInDialogRequest(method sip.RequestMethod, localContact sip.Uri) (*sip.Request, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.InviteRequest == nil {
		return nil, fmt.Errorf("cannot build %s: missing INVITE request", method)
	}

	// Request-URI: remote Contact from the 200 OK, falling back to the
	// To URI of our INVITE.
	var recipient sip.Uri
	if d.RemoteContactURI != "" {
		if err := sip.ParseUri(d.RemoteContactURI, &recipient); err != nil {
			return nil, fmt.Errorf("cannot parse remote contact URI: %w", err)
		}
	} else if to := d.InviteRequest.To(); to != nil {
		recipient = to.Address
	}

	req := sip.NewRequest(method, recipient)

	for _, route := range d.routeSet {
		req.AppendHeader(sip.NewHeader("Route", route))
	}

	// From = our identity with our tag, as sent in the INVITE.
	if from := d.InviteRequest.From(); from != nil {
		fromHdr := &sip.FromHeader{
			DisplayName: from.DisplayName,
			Address:     from.Address,
			Params:      from.Params.Clone(),
		}
		req.AppendHeader(fromHdr)
	}

	// To = their identity with the tag learned from the 200 OK.
	if to := d.InviteRequest.To(); to != nil {
		toHdr := &sip.ToHeader{
			DisplayName: to.DisplayName,
			Address:     to.Address,
			Params:      sip.NewParams(),
		}
		if d.RemoteTag != "" {
			toHdr.Params.Add("tag", d.RemoteTag)
		}
		req.AppendHeader(toHdr)
	}

	if callIDHdr := d.InviteRequest.CallID(); callIDHdr != nil {
		req.AppendHeader(callIDHdr)
	}

	req.AppendHeader(&sip.CSeqHeader{
		SeqNo:      d.localCSeq.Add(1),
		MethodName: method,
	})

	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)

	req.AppendHeader(&sip.ContactHeader{Address: localContact})

	return req, nil
}

// BeginRefresh marks a session refresh in flight. Returns false when one
// is already pending.
func (d *Dialog) BeginRefresh() bool {
	return d.refreshInProgress.CompareAndSwap(false, true)
}

// CompleteRefresh marks the in-flight session refresh as finished.
func (d *Dialog) CompleteRefresh() {
	d.refreshInProgress.Store(false)
}
