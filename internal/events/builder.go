package events

import (
	"time"

	"github.com/google/uuid"
)

// Builder provides fluent construction of call events with consistent defaults.
type Builder struct {
	nodeID string
}

// NewBuilder creates an event builder with global defaults.
func NewBuilder(nodeID string) *Builder {
	return &Builder{nodeID: nodeID}
}

// newBase creates a BaseEvent with common fields populated.
func (b *Builder) newBase(eventType EventType, callUUID, sipCallID string) BaseEvent {
	return BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		EventTime: time.Now().UTC(),
		CallUUID:  callUUID,
		SIPCallID: sipCallID,
		NodeID:    b.nodeID,
	}
}

// Dialing builds a DialingEvent.
func (b *Builder) Dialing(callUUID, sipCallID, destination, server string) *DialingEvent {
	return &DialingEvent{
		BaseEvent:   b.newBase(CallDialing, callUUID, sipCallID),
		Destination: destination,
		Server:      server,
	}
}

// Ringing builds a RingingEvent.
func (b *Builder) Ringing(callUUID, sipCallID string, code int, earlyMedia bool) *RingingEvent {
	return &RingingEvent{
		BaseEvent:    b.newBase(CallRinging, callUUID, sipCallID),
		ResponseCode: code,
		EarlyMedia:   earlyMedia,
	}
}

// AnsweredBuilder constructs AnsweredEvent.
type AnsweredBuilder struct {
	event *AnsweredEvent
}

// Answered starts building an AnsweredEvent.
func (b *Builder) Answered(callUUID, sipCallID string) *AnsweredBuilder {
	return &AnsweredBuilder{
		event: &AnsweredEvent{
			BaseEvent: b.newBase(CallAnswered, callUUID, sipCallID),
		},
	}
}

func (ab *AnsweredBuilder) Codec(name string) *AnsweredBuilder {
	ab.event.Codec = name
	return ab
}

func (ab *AnsweredBuilder) RemoteMedia(ip string, port int) *AnsweredBuilder {
	ab.event.RemoteMediaIP = ip
	ab.event.RemoteRTPPort = port
	return ab
}

func (ab *AnsweredBuilder) SetupDuration(d time.Duration) *AnsweredBuilder {
	ab.event.SetupDurationMs = d.Milliseconds()
	return ab
}

func (ab *AnsweredBuilder) Build() *AnsweredEvent {
	return ab.event
}

// Transcript builds a TranscriptEvent.
func (b *Builder) Transcript(callUUID, sipCallID, speaker, text string, final bool) *TranscriptEvent {
	return &TranscriptEvent{
		BaseEvent: b.newBase(CallTranscript, callUUID, sipCallID),
		Speaker:   speaker,
		Text:      text,
		Final:     final,
	}
}

// DTMF builds a DTMFEvent.
func (b *Builder) DTMF(callUUID, sipCallID, digit string, duration time.Duration) *DTMFEvent {
	return &DTMFEvent{
		BaseEvent:  b.newBase(CallDTMF, callUUID, sipCallID),
		Digit:      digit,
		DurationMs: duration.Milliseconds(),
	}
}

// MediaBuilder constructs MediaEvent.
type MediaBuilder struct {
	event *MediaEvent
}

// Media starts building a MediaEvent.
func (b *Builder) Media(callUUID, sipCallID string) *MediaBuilder {
	return &MediaBuilder{
		event: &MediaEvent{
			BaseEvent: b.newBase(CallMedia, callUUID, sipCallID),
		},
	}
}

func (mb *MediaBuilder) Packets(sent, received, lost uint64, lossRate float64) *MediaBuilder {
	mb.event.PacketsSent = sent
	mb.event.PacketsReceived = received
	mb.event.PacketsLost = lost
	mb.event.LossRate = lossRate
	return mb
}

// Levels records the normalized [0,1] peak levels heard on each leg.
func (mb *MediaBuilder) Levels(caller, ai float64) *MediaBuilder {
	mb.event.CallerLevel = caller
	mb.event.AILevel = ai
	return mb
}

func (mb *MediaBuilder) FarEndActive(active bool) *MediaBuilder {
	mb.event.FarEndActive = active
	return mb
}

func (mb *MediaBuilder) Build() *MediaEvent {
	return mb.event
}

// EndedBuilder constructs EndedEvent.
type EndedBuilder struct {
	event *EndedEvent
}

// Ended starts building an EndedEvent.
func (b *Builder) Ended(callUUID, sipCallID string) *EndedBuilder {
	return &EndedBuilder{
		event: &EndedEvent{
			BaseEvent: b.newBase(CallEnded, callUUID, sipCallID),
		},
	}
}

func (eb *EndedBuilder) Reason(reason, detail string) *EndedBuilder {
	eb.event.Reason = reason
	eb.event.ReasonDetail = detail
	return eb
}

func (eb *EndedBuilder) SIPResponse(code int) *EndedBuilder {
	eb.event.SIPResponseCode = code
	return eb
}

func (eb *EndedBuilder) Durations(talk, total time.Duration) *EndedBuilder {
	eb.event.TalkDurationMs = talk.Milliseconds()
	eb.event.TotalDurationMs = total.Milliseconds()
	return eb
}

func (eb *EndedBuilder) TranscriptLines(n int) *EndedBuilder {
	eb.event.TranscriptLines = n
	return eb
}

func (eb *EndedBuilder) MediaStats(sent, received, lost uint64) *EndedBuilder {
	eb.event.PacketsSent = sent
	eb.event.PacketsReceived = received
	eb.event.PacketsLost = lost
	return eb
}

func (eb *EndedBuilder) Build() *EndedEvent {
	return eb.event
}
