package media

// VoiceThreshold is the peak amplitude above which a frame counts as
// speech on a telephone line. Comfort noise and line hum sit well below it.
const VoiceThreshold = 1000

// PeakLevel returns the peak absolute amplitude of a 16-bit LE PCM chunk.
func PeakLevel(pcm []byte) int {
	peak := 0
	for i := 0; i+1 < len(pcm); i += 2 {
		s := int(int16(pcm[i]) | int16(pcm[i+1])<<8)
		if s < 0 {
			s = -s
		}
		if s > peak {
			peak = s
		}
	}
	return peak
}

// Level returns the peak level of a PCM chunk normalized to [0, 1].
func Level(pcm []byte) float64 {
	return float64(PeakLevel(pcm)) / 32767
}

// IsVoiceActive reports whether a PCM frame contains speech-level audio.
func IsVoiceActive(pcm []byte) bool {
	return PeakLevel(pcm) > VoiceThreshold
}
