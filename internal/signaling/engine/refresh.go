package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/sebas/callbridge/internal/signaling/dialog"
)

// refreshFailureLimit is how many consecutive failed refreshes are
// tolerated before the call is considered dead.
const refreshFailureLimit = 2

// StartRefresher runs the RFC 4028 session refresh loop for a connected
// dialog: a refresh at half the negotiated interval, UPDATE first with a
// re-INVITE fallback for peers that do not allow UPDATE. sdpFn supplies
// the current local SDP for the fallback. onFail fires once after
// refreshFailureLimit consecutive failures. The returned function stops
// the loop.
func (e *Engine) StartRefresher(ctx context.Context, d *dialog.Dialog, sdpFn func() ([]byte, error), onFail func(error)) func() {
	ctx, cancel := context.WithCancel(ctx)

	go func() {
		failures := 0
		interval := d.GetSessionExpires() / 2
		timer := time.NewTimer(interval)
		defer timer.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
			}

			if d.GetState() != dialog.StateConnected {
				return
			}
			if !d.BeginRefresh() {
				timer.Reset(interval / 4)
				continue
			}
			err := e.refreshOnce(ctx, d, sdpFn)
			d.CompleteRefresh()

			if err != nil {
				failures++
				slog.Warn("[SIP] Session refresh failed",
					"call_id", d.CallID,
					"failures", failures,
					"error", err,
				)
				if failures >= refreshFailureLimit {
					if onFail != nil {
						onFail(err)
					}
					return
				}
				// Retry well before the session expires.
				timer.Reset(interval / 4)
				continue
			}

			failures = 0
			interval = d.GetSessionExpires() / 2
			slog.Debug("[SIP] Session refreshed",
				"call_id", d.CallID,
				"next_refresh", interval,
			)
			timer.Reset(interval)
		}
	}()

	return cancel
}

func (e *Engine) refreshOnce(ctx context.Context, d *dialog.Dialog, sdpFn func() ([]byte, error)) error {
	update, err := d.BuildUPDATE(e.LocalContact())
	if err != nil {
		return err
	}

	resp, err := e.sendInDialog(ctx, d, update)
	if err != nil {
		return err
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		d.SetSessionExpires(dialog.ParseSessionExpires(resp))
		return nil

	case resp.StatusCode == sip.StatusMethodNotAllowed || resp.StatusCode == sip.StatusNotImplemented:
		// Peer does not speak UPDATE; refresh with a re-INVITE instead.
		return e.refreshWithReINVITE(ctx, d, sdpFn)

	default:
		return fmt.Errorf("%w: refresh rejected with %d %s", ErrProtocol, resp.StatusCode, resp.Reason)
	}
}

func (e *Engine) refreshWithReINVITE(ctx context.Context, d *dialog.Dialog, sdpFn func() ([]byte, error)) error {
	body, err := sdpFn()
	if err != nil {
		return fmt.Errorf("rebuild SDP for re-INVITE: %w", err)
	}

	reinvite, err := d.BuildReINVITE(e.LocalContact(), body)
	if err != nil {
		return err
	}

	resp, err := e.sendInDialog(ctx, d, reinvite)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: re-INVITE refresh rejected with %d %s", ErrProtocol, resp.StatusCode, resp.Reason)
	}

	// The 2xx to a re-INVITE needs its own ACK.
	if err := e.sendACK(resp, reinvite); err != nil {
		return err
	}
	d.SetSessionExpires(dialog.ParseSessionExpires(resp))
	return nil
}

// sendInDialog executes one in-dialog request to its final response.
func (e *Engine) sendInDialog(ctx context.Context, d *dialog.Dialog, req *sip.Request) (*sip.Response, error) {
	if dest := d.Destination(); dest != "" {
		req.SetDestination(dest)
	}

	reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	tx, err := e.client.TransactionRequest(reqCtx, req)
	if err != nil {
		return nil, fmt.Errorf("send %s: %w", req.Method, err)
	}

	for {
		select {
		case resp := <-tx.Responses():
			if resp == nil {
				return nil, fmt.Errorf("%w: %s transaction closed without response", ErrProtocol, req.Method)
			}
			if resp.StatusCode >= 200 {
				return resp, nil
			}
		case <-tx.Done():
			return nil, fmt.Errorf("%w: %s transaction terminated", ErrProtocol, req.Method)
		case <-reqCtx.Done():
			return nil, fmt.Errorf("%s timed out: %w", req.Method, reqCtx.Err())
		}
	}
}
