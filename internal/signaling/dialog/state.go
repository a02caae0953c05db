package dialog

import "fmt"

// CallState represents the lifecycle state of an outbound call dialog
type CallState int

const (
	// StateIdle is the initial state before the INVITE is sent
	StateIdle CallState = iota
	// StateInviting is after the INVITE is sent, before any provisional response
	StateInviting
	// StateRinging is after 180 Ringing / 181 Call Being Forwarded
	StateRinging
	// StateEarlyMedia is after 183 Session Progress with SDP
	StateEarlyMedia
	// StateConnected is after 200 OK + ACK, media flowing
	StateConnected
	// StateTerminating is when BYE or CANCEL has been sent, awaiting response
	StateTerminating
	// StateTerminated is the final state after a clean teardown
	StateTerminated
	// StateFailed is the final state after rejection, timeout or error
	StateFailed
)

// String returns the string representation of the state
func (s CallState) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateInviting:
		return "Inviting"
	case StateRinging:
		return "Ringing"
	case StateEarlyMedia:
		return "EarlyMedia"
	case StateConnected:
		return "Connected"
	case StateTerminating:
		return "Terminating"
	case StateTerminated:
		return "Terminated"
	case StateFailed:
		return "Failed"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

// validTransitions defines which state transitions are allowed
var validTransitions = map[CallState][]CallState{
	StateIdle:        {StateInviting, StateFailed},
	StateInviting:    {StateRinging, StateEarlyMedia, StateConnected, StateTerminating, StateFailed},
	StateRinging:     {StateEarlyMedia, StateConnected, StateTerminating, StateFailed},
	StateEarlyMedia:  {StateRinging, StateConnected, StateTerminating, StateFailed},
	StateConnected:   {StateTerminating, StateFailed},
	StateTerminating: {StateTerminated, StateFailed},
	StateTerminated:  {}, // Terminal state, no transitions allowed
	StateFailed:      {}, // Terminal state, no transitions allowed
}

// CanTransitionTo checks if a transition from current state to next state is valid
func (s CallState) CanTransitionTo(next CallState) bool {
	allowed, ok := validTransitions[s]
	if !ok {
		return false
	}
	for _, state := range allowed {
		if state == next {
			return true
		}
	}
	return false
}

// IsTerminal returns true if this is a terminal state
func (s CallState) IsTerminal() bool {
	return s == StateTerminated || s == StateFailed
}

// TerminateReason explains why a call ended
type TerminateReason int

const (
	// ReasonNone means the call has not terminated
	ReasonNone TerminateReason = iota
	// ReasonLocalHangup means we sent the BYE
	ReasonLocalHangup
	// ReasonRemoteHangup means the remote party sent BYE
	ReasonRemoteHangup
	// ReasonRejected means the INVITE got a final failure response
	ReasonRejected
	// ReasonTimeout means no answer within the ring window, or a
	// session-timer refresh stopped getting through
	ReasonTimeout
	// ReasonAuthFailed means digest authentication was rejected
	ReasonAuthFailed
	// ReasonMediaFailed means the RTP stream stalled or codec setup failed
	ReasonMediaFailed
	// ReasonMaxDuration means the call hit the configured duration cap
	ReasonMaxDuration
	// ReasonVoicemail means the answering-machine heuristic fired
	ReasonVoicemail
	// ReasonCanceled means the caller abandoned the call before answer
	ReasonCanceled
	// ReasonAISession means the AI session failed beyond recovery
	ReasonAISession
	// ReasonShutdown means the process is shutting down
	ReasonShutdown
	// ReasonError means an unexpected error occurred
	ReasonError
)

// String returns the string representation of the termination reason
func (r TerminateReason) String() string {
	switch r {
	case ReasonNone:
		return "None"
	case ReasonLocalHangup:
		return "LocalHangup"
	case ReasonRemoteHangup:
		return "RemoteHangup"
	case ReasonRejected:
		return "Rejected"
	case ReasonTimeout:
		return "Timeout"
	case ReasonAuthFailed:
		return "AuthFailed"
	case ReasonMediaFailed:
		return "MediaFailed"
	case ReasonMaxDuration:
		return "MaxDuration"
	case ReasonVoicemail:
		return "Voicemail"
	case ReasonCanceled:
		return "Canceled"
	case ReasonAISession:
		return "AISession"
	case ReasonShutdown:
		return "Shutdown"
	case ReasonError:
		return "Error"
	default:
		return fmt.Sprintf("Unknown(%d)", r)
	}
}
