package media

import (
	"fmt"
	"math"
)

// Resampler converts 16-bit little-endian mono PCM between the telephone
// rate (8000 Hz) and the AI session rates (16000/24000 Hz). It is stateful:
// filter history carries across calls so frame boundaries do not click.
//
// Only integer rate ratios are supported, which covers every pairing of
// 8000, 16000 and 24000. Upsampling interpolates linearly; downsampling
// runs a windowed-sinc low-pass first so wideband AI audio folds cleanly
// onto the telephone band instead of aliasing.
type Resampler struct {
	inRate  int
	outRate int
	factor  int  // integer ratio
	up      bool // factor applies as upsample when true

	// Upsampling state
	last   int16
	primed bool

	// Downsampling state
	taps  []float64
	hist  []int16 // last len(taps)-1 input samples
	phase int     // decimation phase counter
}

const firTaps = 33

// NewResampler creates a resampler for the given rate pair.
func NewResampler(inRate, outRate int) (*Resampler, error) {
	if inRate <= 0 || outRate <= 0 {
		return nil, fmt.Errorf("invalid sample rates: %d -> %d", inRate, outRate)
	}
	r := &Resampler{inRate: inRate, outRate: outRate}
	switch {
	case inRate == outRate:
		r.factor = 1
	case outRate%inRate == 0:
		r.factor = outRate / inRate
		r.up = true
	case inRate%outRate == 0:
		r.factor = inRate / outRate
		r.taps = lowpassTaps(firTaps, cutoffHz(outRate), inRate)
		r.hist = make([]int16, firTaps-1)
	default:
		return nil, fmt.Errorf("non-integer resample ratio: %d -> %d", inRate, outRate)
	}
	return r, nil
}

// cutoffHz picks the anti-alias corner for a target rate. For the 8 kHz
// telephone target this lands on the 3400 Hz band edge.
func cutoffHz(outRate int) float64 {
	c := 0.425 * float64(outRate)
	if c > 3400 && outRate == 8000 {
		c = 3400
	}
	return c
}

// lowpassTaps builds a Hamming-windowed sinc FIR with unity DC gain.
func lowpassTaps(n int, cutoff float64, rate int) []float64 {
	taps := make([]float64, n)
	mid := float64(n-1) / 2
	fc := cutoff / float64(rate)
	var sum float64
	for i := range taps {
		x := float64(i) - mid
		var v float64
		if x == 0 {
			v = 2 * fc
		} else {
			v = math.Sin(2*math.Pi*fc*x) / (math.Pi * x)
		}
		// Hamming window
		v *= 0.54 - 0.46*math.Cos(2*math.Pi*float64(i)/float64(n-1))
		taps[i] = v
		sum += v
	}
	for i := range taps {
		taps[i] /= sum
	}
	return taps
}

// Process converts one chunk of PCM. Output length follows the exact rate
// ratio of the input length.
func (r *Resampler) Process(pcm []byte) ([]byte, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("%w: odd PCM length %d", ErrConversion, len(pcm))
	}
	in := bytesToSamples(pcm)
	if r.factor == 1 {
		return pcm, nil
	}
	var out []int16
	if r.up {
		out = r.upsample(in)
	} else {
		out = r.downsample(in)
	}
	return samplesToBytes(out), nil
}

func (r *Resampler) upsample(in []int16) []int16 {
	out := make([]int16, 0, len(in)*r.factor)
	for _, s := range in {
		if !r.primed {
			r.last = s
			r.primed = true
		}
		for j := 1; j <= r.factor; j++ {
			v := int32(r.last) + (int32(s)-int32(r.last))*int32(j)/int32(r.factor)
			out = append(out, int16(v))
		}
		r.last = s
	}
	return out
}

func (r *Resampler) downsample(in []int16) []int16 {
	// Filter over history + input, then take every factor-th sample.
	buf := make([]int16, len(r.hist)+len(in))
	copy(buf, r.hist)
	copy(buf[len(r.hist):], in)

	out := make([]int16, 0, len(in)/r.factor+1)
	for i := 0; i < len(in); i++ {
		if r.phase == 0 {
			var acc float64
			for t, tap := range r.taps {
				acc += tap * float64(buf[i+t])
			}
			out = append(out, clamp16(acc))
		}
		r.phase++
		if r.phase == r.factor {
			r.phase = 0
		}
	}

	// Carry the tail as history for the next chunk.
	if len(buf) >= len(r.hist) {
		copy(r.hist, buf[len(buf)-len(r.hist):])
	}
	return out
}

// Reset clears filter history and interpolation state.
func (r *Resampler) Reset() {
	r.primed = false
	r.last = 0
	r.phase = 0
	for i := range r.hist {
		r.hist[i] = 0
	}
}

func clamp16(v float64) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}

func bytesToSamples(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(pcm[2*i]) | int16(pcm[2*i+1])<<8
	}
	return out
}

func samplesToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[2*i] = byte(s)
		out[2*i+1] = byte(uint16(s) >> 8)
	}
	return out
}
