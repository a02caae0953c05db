// Package events defines the typed call-lifecycle event stream and its
// publishers.
package events

import (
	"fmt"
	"time"
)

// EventType identifies the type of call event
type EventType string

const (
	// CallDialing is emitted when the INVITE goes out
	CallDialing EventType = "call.dialing"
	// CallRinging is emitted on the first provisional ringing response
	CallRinging EventType = "call.ringing"
	// CallAnswered is emitted when the call connects and media starts
	CallAnswered EventType = "call.answered"
	// CallTranscript carries one recognized line of speech
	CallTranscript EventType = "call.transcript"
	// CallDTMF carries one key press from the far end
	CallDTMF EventType = "call.dtmf"
	// CallMedia carries a coarse media-level snapshot
	CallMedia EventType = "call.media"
	// CallEnded is emitted once per call with the final disposition
	CallEnded EventType = "call.ended"
)

// SubjectPrefix is the root of all event subjects
const SubjectPrefix = "callbridge"

// Event is the interface all call events implement
type Event interface {
	Type() EventType
	Timestamp() time.Time
	CallID() string
	Subject() string
}

// BaseEvent contains fields common to all events
type BaseEvent struct {
	// EventID uniquely identifies this event instance
	EventID string `json:"event_id"`
	// EventType identifies the event
	EventType EventType `json:"event_type"`
	// EventTime is when the event occurred
	EventTime time.Time `json:"event_time"`
	// CallUUID is our call identifier
	CallUUID string `json:"call_uuid"`
	// SIPCallID is the SIP-layer Call-ID, when a dialog exists
	SIPCallID string `json:"sip_call_id,omitempty"`
	// NodeID identifies the emitting process
	NodeID string `json:"node_id"`
}

func (e *BaseEvent) Type() EventType      { return e.EventType }
func (e *BaseEvent) Timestamp() time.Time { return e.EventTime }
func (e *BaseEvent) CallID() string       { return e.CallUUID }

// Subject builds the per-call subject for this event.
// Example: "callbridge.calls.abc-123.ended"
func (e *BaseEvent) Subject() string {
	suffix := string(e.EventType)[5:] // strip "call." prefix
	return fmt.Sprintf("%s.calls.%s.%s", SubjectPrefix, e.CallUUID, suffix)
}

// DialingEvent marks the outbound INVITE.
type DialingEvent struct {
	BaseEvent
	Destination string `json:"destination"`
	Server      string `json:"server,omitempty"`
}

// RingingEvent marks the first ringing response.
type RingingEvent struct {
	BaseEvent
	ResponseCode int  `json:"response_code"`
	EarlyMedia   bool `json:"early_media,omitempty"`
}

// AnsweredEvent marks the connected call.
type AnsweredEvent struct {
	BaseEvent
	Codec           string `json:"codec,omitempty"`
	RemoteMediaIP   string `json:"remote_media_ip,omitempty"`
	RemoteRTPPort   int    `json:"remote_rtp_port,omitempty"`
	SetupDurationMs int64  `json:"setup_duration_ms"`
}

// TranscriptEvent carries one recognized line of speech.
type TranscriptEvent struct {
	BaseEvent
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
	Final   bool   `json:"final"`
}

// DTMFEvent carries one key press.
type DTMFEvent struct {
	BaseEvent
	Digit      string `json:"digit"`
	DurationMs int64  `json:"duration_ms,omitempty"`
}

// MediaEvent carries a coarse media snapshot.
type MediaEvent struct {
	BaseEvent
	PacketsSent     uint64  `json:"packets_sent"`
	PacketsReceived uint64  `json:"packets_received"`
	PacketsLost     uint64  `json:"packets_lost"`
	LossRate        float64 `json:"loss_rate"`
	CallerLevel     float64 `json:"caller_level"`
	AILevel         float64 `json:"ai_level"`
	FarEndActive    bool    `json:"far_end_active"`
}

// EndedEvent is the final record of a call.
type EndedEvent struct {
	BaseEvent
	Reason          string `json:"reason"`
	ReasonDetail    string `json:"reason_detail,omitempty"`
	SIPResponseCode int    `json:"sip_response_code,omitempty"`
	TalkDurationMs  int64  `json:"talk_duration_ms"`
	TotalDurationMs int64  `json:"total_duration_ms"`
	TranscriptLines int    `json:"transcript_lines"`
	PacketsSent     uint64 `json:"packets_sent"`
	PacketsReceived uint64 `json:"packets_received"`
	PacketsLost     uint64 `json:"packets_lost"`
}
