// Package sdp builds the outgoing audio offer and parses the far end's
// answer down to the one thing the media layer needs: where to send RTP
// and with which G.711 codec.
package sdp

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/pion/sdp/v3"

	"github.com/sebas/callbridge/internal/media"
)

// ErrNegotiation wraps every offer/answer failure: unparseable bodies,
// no codec overlap, missing or zeroed media sections.
var ErrNegotiation = errors.New("media negotiation")

// RemoteMedia is the negotiated remote endpoint extracted from an answer.
type RemoteMedia struct {
	IP    string
	Port  int
	Codec media.Codec
}

// BuildOffer creates the SDP offer for an outbound call: one audio
// section at the advertised address offering the G.711 family plus
// telephone-event, 20ms packets, sendrecv.
func BuildOffer(advertiseIP string, rtpPort int) ([]byte, error) {
	return buildSession(advertiseIP, rtpPort, uint64(time.Now().Unix()), 1)
}

// BuildRefreshOffer rebuilds the current offer with a bumped session
// version, for use in session-timer re-INVITEs.
func BuildRefreshOffer(advertiseIP string, rtpPort int, sessionID uint64, version uint64) ([]byte, error) {
	return buildSession(advertiseIP, rtpPort, sessionID, version)
}

func buildSession(advertiseIP string, rtpPort int, sessionID, version uint64) ([]byte, error) {
	formats := make([]string, 0, len(media.OfferCodecs))
	for _, c := range media.OfferCodecs {
		formats = append(formats, strconv.Itoa(int(c.PayloadType)))
	}

	desc := &sdp.SessionDescription{
		Origin: sdp.Origin{
			Username:       "callbridge",
			SessionID:      sessionID,
			SessionVersion: version,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: advertiseIP,
		},
		SessionName: "callbridge",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address: &sdp.Address{
				Address: advertiseIP,
			},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{
				Timing: sdp.Timing{StartTime: 0, StopTime: 0},
			},
		},
		MediaDescriptions: []*sdp.MediaDescription{
			{
				MediaName: sdp.MediaName{
					Media:   "audio",
					Port:    sdp.RangedPort{Value: rtpPort},
					Protos:  []string{"RTP", "AVP"},
					Formats: formats,
				},
				Attributes: offerAttributes(),
			},
		},
	}

	body, err := desc.Marshal()
	if err != nil {
		return nil, fmt.Errorf("%w: marshal offer: %v", ErrNegotiation, err)
	}
	return body, nil
}

func offerAttributes() []sdp.Attribute {
	attrs := make([]sdp.Attribute, 0, len(media.OfferCodecs)+3)
	for _, c := range media.OfferCodecs {
		attrs = append(attrs, sdp.Attribute{
			Key:   "rtpmap",
			Value: fmt.Sprintf("%d %s/%d", c.PayloadType, c.Name, c.SampleRate),
		})
	}
	attrs = append(attrs,
		sdp.Attribute{Key: "fmtp", Value: "101 0-15"},
		sdp.Attribute{Key: "ptime", Value: "20"},
		sdp.Attribute{Key: "sendrecv"},
	)
	return attrs
}

// ParseAnswer extracts the remote media endpoint and the first mutually
// supported audio codec from an answer (or an offer carried in a 183).
// Codec choice follows our preference order, not the answer's.
func ParseAnswer(raw []byte) (RemoteMedia, error) {
	if len(raw) == 0 {
		return RemoteMedia{}, fmt.Errorf("%w: empty body", ErrNegotiation)
	}

	desc := &sdp.SessionDescription{}
	if err := desc.Unmarshal(raw); err != nil {
		return RemoteMedia{}, fmt.Errorf("%w: unmarshal answer: %v", ErrNegotiation, err)
	}

	var audio *sdp.MediaDescription
	for _, m := range desc.MediaDescriptions {
		if m.MediaName.Media == "audio" {
			audio = m
			break
		}
	}
	if audio == nil {
		return RemoteMedia{}, fmt.Errorf("%w: no audio section in answer", ErrNegotiation)
	}
	if audio.MediaName.Port.Value == 0 {
		return RemoteMedia{}, fmt.Errorf("%w: audio port is zero (stream rejected)", ErrNegotiation)
	}

	ip := connectionAddress(desc, audio)
	if ip == "" {
		return RemoteMedia{}, fmt.Errorf("%w: no connection address in answer", ErrNegotiation)
	}

	codec, err := selectCodec(audio)
	if err != nil {
		return RemoteMedia{}, err
	}

	return RemoteMedia{
		IP:    ip,
		Port:  audio.MediaName.Port.Value,
		Codec: codec,
	}, nil
}

// connectionAddress prefers the media-level c= line over the session one.
func connectionAddress(desc *sdp.SessionDescription, audio *sdp.MediaDescription) string {
	if audio.ConnectionInformation != nil && audio.ConnectionInformation.Address != nil {
		return audio.ConnectionInformation.Address.Address
	}
	if desc.ConnectionInformation != nil && desc.ConnectionInformation.Address != nil {
		return desc.ConnectionInformation.Address.Address
	}
	return ""
}

// selectCodec picks the first of our preferred audio codecs the answer
// carries. telephone-event never counts as the audio codec.
func selectCodec(audio *sdp.MediaDescription) (media.Codec, error) {
	offered := make(map[uint8]bool, len(audio.MediaName.Formats))
	for _, f := range audio.MediaName.Formats {
		pt, err := strconv.Atoi(f)
		if err != nil || pt < 0 || pt > 127 {
			continue
		}
		offered[uint8(pt)] = true
	}

	for _, c := range media.OfferCodecs {
		if c.PayloadType == media.CodecTelephoneEvent.PayloadType {
			continue
		}
		if offered[c.PayloadType] {
			return c, nil
		}
	}
	return media.Codec{}, fmt.Errorf("%w: no supported codec in answer formats %v",
		ErrNegotiation, audio.MediaName.Formats)
}
