package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthentication covers rejected credentials: a repeated digest
	// challenge on the same nonce, or more retries than allowed.
	ErrAuthentication = errors.New("sip authentication failed")

	// ErrRingTimeout means no final response arrived within the ring window.
	ErrRingTimeout = errors.New("no answer within ring window")

	// ErrCanceled means the caller abandoned the call before answer.
	ErrCanceled = errors.New("call canceled before answer")

	// ErrProtocol covers malformed or out-of-order SIP behavior from the peer.
	ErrProtocol = errors.New("sip protocol error")
)

// ResponseError is a final non-2xx response to the INVITE.
type ResponseError struct {
	Code   int
	Reason string
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("call rejected: %d %s", e.Code, e.Reason)
}

// AsResponseError unwraps a *ResponseError from err, if present.
func AsResponseError(err error) (*ResponseError, bool) {
	var re *ResponseError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}
