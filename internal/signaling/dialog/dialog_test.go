package dialog

import (
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
)

func newTestInvite(t *testing.T) *sip.Request {
	t.Helper()

	target := sip.Uri{Scheme: "sip", User: "15550100", Host: "trunk.example.com"}
	invite := sip.NewRequest(sip.INVITE, target)

	fromParams := sip.NewParams()
	fromParams.Add("tag", "local-tag-1")
	invite.AppendHeader(&sip.FromHeader{
		Address: sip.Uri{Scheme: "sip", User: "agent", Host: "trunk.example.com"},
		Params:  fromParams,
	})
	invite.AppendHeader(&sip.ToHeader{Address: target, Params: sip.NewParams()})

	callID := sip.CallIDHeader("test-call-id-1")
	invite.AppendHeader(&callID)
	invite.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.INVITE})

	return invite
}

func newTestResponse(t *testing.T, invite *sip.Request) *sip.Response {
	t.Helper()

	resp := sip.NewResponseFromRequest(invite, sip.StatusOK, "OK", nil)
	if to := resp.To(); to != nil {
		to.Params.Add("tag", "remote-tag-1")
	}
	resp.AppendHeader(&sip.ContactHeader{
		Address: sip.Uri{Scheme: "sip", User: "15550100", Host: "10.0.0.20", Port: 5080},
	})
	return resp
}

func TestNewOutboundDialogIdentifiers(t *testing.T) {
	invite := newTestInvite(t)
	resp := newTestResponse(t, invite)

	d := NewOutbound(invite, resp)

	if d.CallID != "test-call-id-1" {
		t.Errorf("CallID = %q, want %q", d.CallID, "test-call-id-1")
	}
	if d.LocalTag != "local-tag-1" {
		t.Errorf("LocalTag = %q, want %q", d.LocalTag, "local-tag-1")
	}
	if d.RemoteTag != "remote-tag-1" {
		t.Errorf("RemoteTag = %q, want %q", d.RemoteTag, "remote-tag-1")
	}
	if d.GetState() != StateConnected {
		t.Errorf("State = %v, want %v", d.GetState(), StateConnected)
	}
	if d.RemoteContactURI == "" {
		t.Error("RemoteContactURI is empty, want the 200 OK Contact")
	}
}

func TestDestinationPrefersRemoteContact(t *testing.T) {
	invite := newTestInvite(t)
	resp := newTestResponse(t, invite)

	d := NewOutbound(invite, resp)

	if got, want := d.Destination(), "10.0.0.20:5080"; got != want {
		t.Errorf("Destination() = %q, want %q", got, want)
	}
}

func TestDestinationDefaultsPort(t *testing.T) {
	invite := newTestInvite(t)
	resp := sip.NewResponseFromRequest(invite, sip.StatusOK, "OK", nil)
	resp.AppendHeader(&sip.ContactHeader{
		Address: sip.Uri{Scheme: "sip", User: "15550100", Host: "10.0.0.20"},
	})

	d := NewOutbound(invite, resp)

	if got, want := d.Destination(), "10.0.0.20:5060"; got != want {
		t.Errorf("Destination() = %q, want %q", got, want)
	}
}

func TestBuildBYEHeaders(t *testing.T) {
	invite := newTestInvite(t)
	resp := newTestResponse(t, invite)
	d := NewOutbound(invite, resp)

	localContact := sip.Uri{Scheme: "sip", User: "agent", Host: "192.0.2.1", Port: 5060}
	bye, err := d.BuildBYE(localContact)
	if err != nil {
		t.Fatalf("BuildBYE() error = %v", err)
	}

	if bye.Method != sip.BYE {
		t.Errorf("Method = %v, want BYE", bye.Method)
	}
	if got, want := bye.Recipient.Host, "10.0.0.20"; got != want {
		t.Errorf("Request-URI host = %q, want %q (remote Contact)", got, want)
	}
	if bye.CallID() == nil || bye.CallID().Value() != "test-call-id-1" {
		t.Errorf("Call-ID = %v, want test-call-id-1", bye.CallID())
	}

	from := bye.From()
	if from == nil {
		t.Fatal("BYE has no From header")
	}
	if tag, _ := from.Params.Get("tag"); tag != "local-tag-1" {
		t.Errorf("From tag = %q, want local-tag-1", tag)
	}

	to := bye.To()
	if to == nil {
		t.Fatal("BYE has no To header")
	}
	if tag, _ := to.Params.Get("tag"); tag != "remote-tag-1" {
		t.Errorf("To tag = %q, want remote-tag-1", tag)
	}

	cseq := bye.CSeq()
	if cseq == nil {
		t.Fatal("BYE has no CSeq header")
	}
	if cseq.SeqNo != 2 {
		t.Errorf("CSeq = %d, want 2 (INVITE was 1)", cseq.SeqNo)
	}
	if cseq.MethodName != sip.BYE {
		t.Errorf("CSeq method = %v, want BYE", cseq.MethodName)
	}
}

func TestInDialogCSeqIncrements(t *testing.T) {
	invite := newTestInvite(t)
	resp := newTestResponse(t, invite)
	d := NewOutbound(invite, resp)

	contact := sip.Uri{Scheme: "sip", Host: "192.0.2.1"}

	update1, err := d.BuildUPDATE(contact)
	if err != nil {
		t.Fatalf("BuildUPDATE() error = %v", err)
	}
	update2, err := d.BuildUPDATE(contact)
	if err != nil {
		t.Fatalf("BuildUPDATE() error = %v", err)
	}

	if got, want := update1.CSeq().SeqNo, uint32(2); got != want {
		t.Errorf("first UPDATE CSeq = %d, want %d", got, want)
	}
	if got, want := update2.CSeq().SeqNo, uint32(3); got != want {
		t.Errorf("second UPDATE CSeq = %d, want %d", got, want)
	}
}

func TestBuildUPDATECarriesSessionExpires(t *testing.T) {
	invite := newTestInvite(t)
	resp := newTestResponse(t, invite)
	d := NewOutbound(invite, resp)

	update, err := d.BuildUPDATE(sip.Uri{Scheme: "sip", Host: "192.0.2.1"})
	if err != nil {
		t.Fatalf("BuildUPDATE() error = %v", err)
	}

	se := update.GetHeader("Session-Expires")
	if se == nil {
		t.Fatal("UPDATE has no Session-Expires header")
	}
	if got, want := se.Value(), "1800;refresher=uac"; got != want {
		t.Errorf("Session-Expires = %q, want %q", got, want)
	}
	if sup := update.GetHeader("Supported"); sup == nil || sup.Value() != "timer" {
		t.Errorf("Supported = %v, want timer", sup)
	}
}

func TestBuildReINVITECarriesSDP(t *testing.T) {
	invite := newTestInvite(t)
	resp := newTestResponse(t, invite)
	d := NewOutbound(invite, resp)

	body := []byte("v=0\r\n")
	reinvite, err := d.BuildReINVITE(sip.Uri{Scheme: "sip", Host: "192.0.2.1"}, body)
	if err != nil {
		t.Fatalf("BuildReINVITE() error = %v", err)
	}

	if string(reinvite.Body()) != string(body) {
		t.Errorf("body = %q, want %q", reinvite.Body(), body)
	}
	ct := reinvite.GetHeader("Content-Type")
	if ct == nil || ct.Value() != "application/sdp" {
		t.Errorf("Content-Type = %v, want application/sdp", ct)
	}
}

func TestRouteSetReversed(t *testing.T) {
	invite := newTestInvite(t)
	resp := newTestResponse(t, invite)
	resp.AppendHeader(sip.NewHeader("Record-Route", "<sip:p1.example.com;lr>"))
	resp.AppendHeader(sip.NewHeader("Record-Route", "<sip:p2.example.com;lr>"))

	d := NewOutbound(invite, resp)

	bye, err := d.BuildBYE(sip.Uri{Scheme: "sip", Host: "192.0.2.1"})
	if err != nil {
		t.Fatalf("BuildBYE() error = %v", err)
	}

	routes := bye.GetHeaders("Route")
	if len(routes) != 2 {
		t.Fatalf("got %d Route headers, want 2", len(routes))
	}
	if got, want := routes[0].Value(), "<sip:p2.example.com;lr>"; got != want {
		t.Errorf("first Route = %q, want %q (reversed Record-Route)", got, want)
	}
	if got, want := routes[1].Value(), "<sip:p1.example.com;lr>"; got != want {
		t.Errorf("second Route = %q, want %q", got, want)
	}
}

func TestParseSessionExpires(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   time.Duration
	}{
		{"absent", "", DefaultSessionExpires},
		{"plain seconds", "600", 600 * time.Second},
		{"with refresher param", "900;refresher=uas", 900 * time.Second},
		{"below minimum clamps", "30", MinSessionExpires},
		{"garbage", "soon", DefaultSessionExpires},
		{"zero", "0", DefaultSessionExpires},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			invite := newTestInvite(t)
			resp := sip.NewResponseFromRequest(invite, sip.StatusOK, "OK", nil)
			if tt.header != "" {
				resp.AppendHeader(sip.NewHeader("Session-Expires", tt.header))
			}
			if got := ParseSessionExpires(resp); got != tt.want {
				t.Errorf("ParseSessionExpires(%q) = %v, want %v", tt.header, got, tt.want)
			}
		})
	}
}

func TestSetSessionExpiresRejectsBelowMinimum(t *testing.T) {
	invite := newTestInvite(t)
	resp := newTestResponse(t, invite)
	d := NewOutbound(invite, resp)

	d.SetSessionExpires(30 * time.Second)
	if got := d.GetSessionExpires(); got != DefaultSessionExpires {
		t.Errorf("SessionExpires = %v, want unchanged %v", got, DefaultSessionExpires)
	}

	d.SetSessionExpires(600 * time.Second)
	if got := d.GetSessionExpires(); got != 600*time.Second {
		t.Errorf("SessionExpires = %v, want 600s", got)
	}
}

func TestTerminateReasonFirstWins(t *testing.T) {
	invite := newTestInvite(t)
	resp := newTestResponse(t, invite)
	d := NewOutbound(invite, resp)

	d.SetTerminateReason(ReasonVoicemail)
	d.SetTerminateReason(ReasonLocalHangup)

	if got := d.GetTerminateReason(); got != ReasonVoicemail {
		t.Errorf("TerminateReason = %v, want Voicemail (first recorded)", got)
	}
}

func TestBeginRefreshIsExclusive(t *testing.T) {
	invite := newTestInvite(t)
	resp := newTestResponse(t, invite)
	d := NewOutbound(invite, resp)

	if !d.BeginRefresh() {
		t.Fatal("first BeginRefresh() = false, want true")
	}
	if d.BeginRefresh() {
		t.Error("second BeginRefresh() = true, want false while one is in flight")
	}
	d.CompleteRefresh()
	if !d.BeginRefresh() {
		t.Error("BeginRefresh() after CompleteRefresh() = false, want true")
	}
}
