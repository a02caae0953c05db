package media

import "testing"

func TestCodecFrameMath(t *testing.T) {
	tests := []struct {
		name        string
		codec       Codec
		wantSamples int
		wantBytes   int
		wantTSInc   uint32
	}{
		{"PCMU 20ms", CodecPCMU, 160, 160, 160},
		{"PCMA 20ms", CodecPCMA, 160, 160, 160},
		{"telephone-event", CodecTelephoneEvent, 160, 160, 160},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.codec.SamplesPerFrame(); got != tt.wantSamples {
				t.Errorf("SamplesPerFrame() = %d, want %d", got, tt.wantSamples)
			}
			if got := tt.codec.BytesPerFrame(); got != tt.wantBytes {
				t.Errorf("BytesPerFrame() = %d, want %d", got, tt.wantBytes)
			}
			if got := tt.codec.TimestampIncrement(); got != tt.wantTSInc {
				t.Errorf("TimestampIncrement() = %d, want %d", got, tt.wantTSInc)
			}
		})
	}
}

func TestCodecByPayloadType(t *testing.T) {
	tests := []struct {
		pt       uint8
		wantName string
		wantErr  bool
	}{
		{0, "PCMU", false},
		{8, "PCMA", false},
		{101, "telephone-event", false},
		{18, "", true},
		{96, "", true},
	}

	for _, tt := range tests {
		got, err := CodecByPayloadType(tt.pt)
		if (err != nil) != tt.wantErr {
			t.Errorf("CodecByPayloadType(%d) error = %v, wantErr %v", tt.pt, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got.Name != tt.wantName {
			t.Errorf("CodecByPayloadType(%d) = %q, want %q", tt.pt, got.Name, tt.wantName)
		}
	}
}

func TestCodecByName(t *testing.T) {
	if c, err := CodecByName("PCMA"); err != nil || c.PayloadType != 8 {
		t.Errorf("CodecByName(PCMA) = %v, %v, want payload type 8", c, err)
	}
	if _, err := CodecByName("opus"); err == nil {
		t.Error("CodecByName(opus) expected error, got nil")
	}
}
