package media

import (
	"fmt"
	"time"
)

// Codec represents an immutable audio codec specification.
// Use the pre-defined codec values (CodecPCMU, CodecPCMA, etc.) for RTP streaming.
type Codec struct {
	Name        string        // Codec name (e.g., "PCMU", "PCMA")
	PayloadType uint8         // RTP payload type (0 for PCMU, 8 for PCMA)
	SampleRate  uint32        // Sample rate in Hz
	SampleDur   time.Duration // Duration per frame (20ms for telephony)
	Channels    int           // Number of channels (1 for mono)
}

// Pre-defined codecs for the G.711 telephony family.
var (
	// CodecPCMU is G.711 µ-law (North America, Japan)
	CodecPCMU = Codec{"PCMU", 0, 8000, 20 * time.Millisecond, 1}

	// CodecPCMA is G.711 A-law (Europe, rest of world)
	CodecPCMA = Codec{"PCMA", 8, 8000, 20 * time.Millisecond, 1}

	// CodecTelephoneEvent is RFC 4733 DTMF events
	CodecTelephoneEvent = Codec{"telephone-event", 101, 8000, 20 * time.Millisecond, 1}
)

// OfferCodecs is the codec list advertised in outgoing SDP, in preference order.
var OfferCodecs = []Codec{CodecPCMU, CodecPCMA, CodecTelephoneEvent}

// CodecByPayloadType returns the supported codec for an RTP payload type.
func CodecByPayloadType(pt uint8) (Codec, error) {
	switch pt {
	case CodecPCMU.PayloadType:
		return CodecPCMU, nil
	case CodecPCMA.PayloadType:
		return CodecPCMA, nil
	case CodecTelephoneEvent.PayloadType:
		return CodecTelephoneEvent, nil
	}
	return Codec{}, fmt.Errorf("unsupported payload type: %d", pt)
}

// CodecByName returns the supported codec for an SDP rtpmap name ("PCMU", "PCMA").
func CodecByName(name string) (Codec, error) {
	switch name {
	case CodecPCMU.Name:
		return CodecPCMU, nil
	case CodecPCMA.Name:
		return CodecPCMA, nil
	case CodecTelephoneEvent.Name:
		return CodecTelephoneEvent, nil
	}
	return Codec{}, fmt.Errorf("unsupported codec: %s", name)
}

// SamplesPerFrame returns the number of samples in one frame.
// For 8kHz with 20ms frames, this returns 160.
func (c Codec) SamplesPerFrame() int {
	return int(c.SampleRate) * int(c.SampleDur) / int(time.Second)
}

// BytesPerFrame returns the payload bytes per frame.
// G.711 encodes one byte per sample.
func (c Codec) BytesPerFrame() int {
	return c.SamplesPerFrame() * c.Channels
}

// TimestampIncrement returns the RTP timestamp increment per frame.
// This equals SamplesPerFrame for audio codecs.
func (c Codec) TimestampIncrement() uint32 {
	return uint32(c.SamplesPerFrame())
}
