package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"
)

// DefaultRegisterExpires is the registration lifetime requested from the
// registrar when it does not impose its own.
const DefaultRegisterExpires = 3600 * time.Second

// Register binds our Contact at the registrar. It returns the granted
// expiry so the caller can schedule the refresh. All REGISTERs for this
// engine share one Call-ID with an incrementing CSeq, as RFC 3261
// Section 10.2 expects from a single binding.
func (e *Engine) Register(ctx context.Context) (time.Duration, error) {
	e.regMu.Lock()
	defer e.regMu.Unlock()

	target := sip.Uri{Scheme: "sip", Host: e.serverHost(), Port: e.serverPort()}

	lastNonce := ""
	var authHdr sip.Header
	for attempt := 1; attempt <= e.cfg.MaxAuthAttempts; attempt++ {
		e.regCSeq++
		req := e.buildREGISTER(target, e.regCSeq)
		if authHdr != nil {
			req.AppendHeader(authHdr)
		}

		resp, err := e.executeRegister(ctx, req)
		if err != nil {
			return 0, err
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			expires := grantedExpires(resp)
			slog.Info("[SIP] Registered",
				"registrar", e.cfg.Server,
				"expires", expires,
			)
			return expires, nil

		case resp.StatusCode == sip.StatusUnauthorized || resp.StatusCode == sip.StatusProxyAuthRequired:
			authHdr, err = e.registerCredentials(req, resp, &lastNonce)
			if err != nil {
				return 0, err
			}

		default:
			return 0, &ResponseError{Code: int(resp.StatusCode), Reason: resp.Reason}
		}
	}
	return 0, fmt.Errorf("%w: gave up after %d attempts", ErrAuthentication, e.cfg.MaxAuthAttempts)
}

// RegisterLoop registers and keeps the binding alive, re-registering at
// half the granted expiry. Transient failures are retried on a short
// backoff; the loop exits only when ctx is canceled.
func (e *Engine) RegisterLoop(ctx context.Context) {
	const retryAfter = 30 * time.Second

	for {
		expires, err := e.Register(ctx)
		next := retryAfter
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("[SIP] Registration failed", "error", err, "retry_in", retryAfter)
		} else {
			next = expires / 2
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(next):
		}
	}
}

func (e *Engine) buildREGISTER(target sip.Uri, cseq uint32) *sip.Request {
	req := sip.NewRequest(sip.REGISTER, target)

	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)

	// Address-of-record in both From and To.
	aor := sip.Uri{Scheme: "sip", User: e.cfg.Username, Host: e.serverHost()}
	fromParams := sip.NewParams()
	fromParams.Add("tag", e.regCallID[:8])
	req.AppendHeader(&sip.FromHeader{
		DisplayName: e.cfg.DisplayName,
		Address:     aor,
		Params:      fromParams,
	})
	req.AppendHeader(&sip.ToHeader{Address: aor, Params: sip.NewParams()})

	callIDHdr := sip.CallIDHeader(e.regCallID)
	req.AppendHeader(&callIDHdr)

	req.AppendHeader(&sip.CSeqHeader{SeqNo: cseq, MethodName: sip.REGISTER})
	req.AppendHeader(&sip.ContactHeader{Address: e.LocalContact()})
	req.AppendHeader(sip.NewHeader("Expires",
		strconv.Itoa(int(DefaultRegisterExpires.Seconds()))))

	return req
}

func (e *Engine) executeRegister(ctx context.Context, req *sip.Request) (*sip.Response, error) {
	reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	tx, err := e.client.TransactionRequest(reqCtx, req)
	if err != nil {
		return nil, fmt.Errorf("send REGISTER: %w", err)
	}

	for {
		select {
		case resp := <-tx.Responses():
			if resp == nil {
				return nil, fmt.Errorf("%w: REGISTER transaction closed without response", ErrProtocol)
			}
			if resp.StatusCode >= 200 {
				return resp, nil
			}
		case <-tx.Done():
			return nil, fmt.Errorf("%w: REGISTER transaction terminated", ErrProtocol)
		case <-reqCtx.Done():
			return nil, fmt.Errorf("REGISTER timed out: %w", reqCtx.Err())
		}
	}
}

func (e *Engine) registerCredentials(req *sip.Request, resp *sip.Response, lastNonce *string) (sip.Header, error) {
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
		return nil, fmt.Errorf("%w: registrar requires credentials but none configured", ErrAuthentication)
	}

	cred, err := digest.Digest(challenge, digest.Options{
		Method:   req.Method.String(),
		URI:      req.Recipient.String(),
		Username: e.cfg.Username,
		Password: e.cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: digest computation: %v", ErrAuthentication, err)
	}
	return sip.NewHeader(credName, cred.String()), nil
}

// grantedExpires extracts the registrar's granted lifetime: the Expires
// parameter on our Contact wins over the Expires header.
func grantedExpires(resp *sip.Response) time.Duration {
	if contact := resp.Contact(); contact != nil {
		if v, ok := contact.Params.Get("expires"); ok {
			if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
				return time.Duration(secs) * time.Second
			}
		}
	}
	if hdr := resp.GetHeader("Expires"); hdr != nil {
		if secs, err := strconv.Atoi(hdr.Value()); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return DefaultRegisterExpires
}
