package media

import (
	"errors"
	"fmt"

	"github.com/zaf/g711"
)

// ErrConversion wraps codec conversion failures (odd-length PCM,
// unsupported payload types). Callers treat it as fatal for the frame,
// not for the stream.
var ErrConversion = errors.New("codec conversion")

// G.711 silence bytes (encoded linear zero).
const (
	SilencePCMU byte = 0xFF
	SilencePCMA byte = 0xD5
)

// EncodeG711 converts 16-bit little-endian PCM to the codec's G.711 encoding.
func EncodeG711(codec Codec, pcm []byte) ([]byte, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("%w: odd PCM length %d", ErrConversion, len(pcm))
	}
	switch codec.PayloadType {
	case CodecPCMU.PayloadType:
		return g711.EncodeUlaw(pcm), nil
	case CodecPCMA.PayloadType:
		return g711.EncodeAlaw(pcm), nil
	}
	return nil, fmt.Errorf("%w: cannot encode payload type %d", ErrConversion, codec.PayloadType)
}

// DecodeG711 converts a G.711 payload to 16-bit little-endian PCM.
func DecodeG711(codec Codec, payload []byte) ([]byte, error) {
	switch codec.PayloadType {
	case CodecPCMU.PayloadType:
		return g711.DecodeUlaw(payload), nil
	case CodecPCMA.PayloadType:
		return g711.DecodeAlaw(payload), nil
	}
	return nil, fmt.Errorf("%w: cannot decode payload type %d", ErrConversion, codec.PayloadType)
}

// SilenceFrame returns one frame of encoded silence for the codec.
func SilenceFrame(codec Codec) []byte {
	b := SilencePCMU
	if codec.PayloadType == CodecPCMA.PayloadType {
		b = SilencePCMA
	}
	frame := make([]byte, codec.BytesPerFrame())
	for i := range frame {
		frame[i] = b
	}
	return frame
}
