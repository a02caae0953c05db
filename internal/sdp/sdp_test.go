package sdp

import (
	"errors"
	"strings"
	"testing"

	"github.com/sebas/callbridge/internal/media"
)

func TestBuildOffer(t *testing.T) {
	body, err := BuildOffer("203.0.113.10", 14000)
	if err != nil {
		t.Fatalf("BuildOffer() error = %v", err)
	}

	offer := string(body)
	for _, want := range []string{
		"c=IN IP4 203.0.113.10",
		"m=audio 14000 RTP/AVP 0 8 101",
		"a=rtpmap:0 PCMU/8000",
		"a=rtpmap:8 PCMA/8000",
		"a=rtpmap:101 telephone-event/8000",
		"a=fmtp:101 0-15",
		"a=ptime:20",
		"a=sendrecv",
	} {
		if !strings.Contains(offer, want) {
			t.Errorf("offer missing %q:\n%s", want, offer)
		}
	}
}

func TestBuildOfferRoundTripsThroughParse(t *testing.T) {
	body, err := BuildOffer("192.0.2.5", 16002)
	if err != nil {
		t.Fatalf("BuildOffer() error = %v", err)
	}

	remote, err := ParseAnswer(body)
	if err != nil {
		t.Fatalf("ParseAnswer() error = %v", err)
	}
	if remote.IP != "192.0.2.5" {
		t.Errorf("IP = %s, want 192.0.2.5", remote.IP)
	}
	if remote.Port != 16002 {
		t.Errorf("Port = %d, want 16002", remote.Port)
	}
	if remote.Codec.Name != "PCMU" {
		t.Errorf("Codec = %s, want PCMU", remote.Codec.Name)
	}
}

func TestParseAnswer(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		wantIP    string
		wantPort  int
		wantCodec string
		wantErr   bool
	}{
		{
			name: "pcmu answer",
			body: "v=0\r\n" +
				"o=gw 123 1 IN IP4 198.51.100.7\r\n" +
				"s=call\r\n" +
				"c=IN IP4 198.51.100.7\r\n" +
				"t=0 0\r\n" +
				"m=audio 30000 RTP/AVP 0 101\r\n" +
				"a=rtpmap:0 PCMU/8000\r\n",
			wantIP:    "198.51.100.7",
			wantPort:  30000,
			wantCodec: "PCMU",
		},
		{
			name: "pcma only answer",
			body: "v=0\r\n" +
				"o=gw 123 1 IN IP4 198.51.100.7\r\n" +
				"s=call\r\n" +
				"c=IN IP4 198.51.100.7\r\n" +
				"t=0 0\r\n" +
				"m=audio 30000 RTP/AVP 8\r\n" +
				"a=rtpmap:8 PCMA/8000\r\n",
			wantIP:    "198.51.100.7",
			wantPort:  30000,
			wantCodec: "PCMA",
		},
		{
			name: "media level connection wins",
			body: "v=0\r\n" +
				"o=gw 123 1 IN IP4 198.51.100.7\r\n" +
				"s=call\r\n" +
				"c=IN IP4 198.51.100.7\r\n" +
				"t=0 0\r\n" +
				"m=audio 30000 RTP/AVP 0\r\n" +
				"c=IN IP4 203.0.113.99\r\n",
			wantIP:    "203.0.113.99",
			wantPort:  30000,
			wantCodec: "PCMU",
		},
		{
			name: "pcmu preferred over pcma regardless of order",
			body: "v=0\r\n" +
				"o=gw 123 1 IN IP4 198.51.100.7\r\n" +
				"s=call\r\n" +
				"c=IN IP4 198.51.100.7\r\n" +
				"t=0 0\r\n" +
				"m=audio 30000 RTP/AVP 8 0\r\n",
			wantIP:    "198.51.100.7",
			wantPort:  30000,
			wantCodec: "PCMU",
		},
		{
			name: "no codec overlap",
			body: "v=0\r\n" +
				"o=gw 123 1 IN IP4 198.51.100.7\r\n" +
				"s=call\r\n" +
				"c=IN IP4 198.51.100.7\r\n" +
				"t=0 0\r\n" +
				"m=audio 30000 RTP/AVP 18 96\r\n",
			wantErr: true,
		},
		{
			name: "zero media port",
			body: "v=0\r\n" +
				"o=gw 123 1 IN IP4 198.51.100.7\r\n" +
				"s=call\r\n" +
				"c=IN IP4 198.51.100.7\r\n" +
				"t=0 0\r\n" +
				"m=audio 0 RTP/AVP 0\r\n",
			wantErr: true,
		},
		{
			name:    "empty body",
			body:    "",
			wantErr: true,
		},
		{
			name:    "garbage body",
			body:    "this is not sdp",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			remote, err := ParseAnswer([]byte(tt.body))
			if tt.wantErr {
				if err == nil {
					t.Fatal("ParseAnswer() expected error, got nil")
				}
				if !errors.Is(err, ErrNegotiation) {
					t.Errorf("ParseAnswer() error = %v, want ErrNegotiation", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseAnswer() error = %v", err)
			}
			if remote.IP != tt.wantIP {
				t.Errorf("IP = %s, want %s", remote.IP, tt.wantIP)
			}
			if remote.Port != tt.wantPort {
				t.Errorf("Port = %d, want %d", remote.Port, tt.wantPort)
			}
			if remote.Codec.Name != tt.wantCodec {
				t.Errorf("Codec = %s, want %s", remote.Codec.Name, tt.wantCodec)
			}
		})
	}
}

func TestParseAnswerIgnoresVideoSections(t *testing.T) {
	body := "v=0\r\n" +
		"o=gw 123 1 IN IP4 198.51.100.7\r\n" +
		"s=call\r\n" +
		"c=IN IP4 198.51.100.7\r\n" +
		"t=0 0\r\n" +
		"m=video 40000 RTP/AVP 34\r\n" +
		"m=audio 30000 RTP/AVP 0\r\n"

	remote, err := ParseAnswer([]byte(body))
	if err != nil {
		t.Fatalf("ParseAnswer() error = %v", err)
	}
	if remote.Port != 30000 || remote.Codec != media.CodecPCMU {
		t.Errorf("ParseAnswer() = %+v, want audio section with PCMU", remote)
	}
}
