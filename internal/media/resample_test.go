package media

import (
	"math"
	"testing"
)

func TestResamplerRatios(t *testing.T) {
	tests := []struct {
		name    string
		in      int
		out     int
		samples int
		want    int
	}{
		{"8k to 16k", 8000, 16000, 160, 320},
		{"8k to 24k", 8000, 24000, 160, 480},
		{"16k to 8k", 16000, 8000, 320, 160},
		{"24k to 8k", 24000, 8000, 480, 160},
		{"passthrough", 8000, 8000, 160, 160},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := NewResampler(tt.in, tt.out)
			if err != nil {
				t.Fatalf("NewResampler(%d, %d) error = %v", tt.in, tt.out, err)
			}
			out, err := r.Process(make([]byte, tt.samples*2))
			if err != nil {
				t.Fatalf("Process() error = %v", err)
			}
			if len(out)/2 != tt.want {
				t.Errorf("Process() output = %d samples, want %d", len(out)/2, tt.want)
			}
		})
	}
}

func TestResamplerRejectsNonIntegerRatio(t *testing.T) {
	if _, err := NewResampler(16000, 24000); err == nil {
		t.Error("NewResampler(16000, 24000) expected error, got nil")
	}
	if _, err := NewResampler(8000, 0); err == nil {
		t.Error("NewResampler(8000, 0) expected error, got nil")
	}
}

// Exact ratio must hold chunk by chunk so a long stream never drifts.
func TestResamplerNoDriftAcrossChunks(t *testing.T) {
	up, _ := NewResampler(8000, 24000)
	down, _ := NewResampler(24000, 8000)

	var upTotal, downTotal int
	for i := 0; i < 50; i++ {
		chunk := sineWave(300, 8000, 160, 5000)
		u, err := up.Process(chunk)
		if err != nil {
			t.Fatalf("upsample Process() error = %v", err)
		}
		upTotal += len(u) / 2

		d, err := down.Process(u)
		if err != nil {
			t.Fatalf("downsample Process() error = %v", err)
		}
		downTotal += len(d) / 2
	}

	if upTotal != 50*480 {
		t.Errorf("upsampled total = %d samples, want %d", upTotal, 50*480)
	}
	if downTotal != 50*160 {
		t.Errorf("round-trip total = %d samples, want %d", downTotal, 50*160)
	}
}

func TestResamplerRoundTripPreservesLevel(t *testing.T) {
	tests := []struct {
		name string
		mid  int
	}{
		{"via 16k", 16000},
		{"via 24k", 24000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			up, _ := NewResampler(8000, tt.mid)
			down, _ := NewResampler(tt.mid, 8000)

			in := sineWave(300, 8000, 1600, 8000)
			mid, err := up.Process(in)
			if err != nil {
				t.Fatalf("upsample error = %v", err)
			}
			out, err := down.Process(mid)
			if err != nil {
				t.Fatalf("downsample error = %v", err)
			}

			// Skip the filter warmup, then compare RMS. A 300Hz tone is
			// far inside the passband and should come back at level.
			inRMS := rms(bytesToSamples(in)[200:])
			outRMS := rms(bytesToSamples(out)[200:])
			ratio := outRMS / inRMS
			if ratio < 0.8 || ratio > 1.2 {
				t.Errorf("round-trip RMS ratio = %.3f, want within [0.8, 1.2]", ratio)
			}
		})
	}
}

func TestDownsampleDCSettles(t *testing.T) {
	r, _ := NewResampler(16000, 8000)
	dc := make([]int16, 1600)
	for i := range dc {
		dc[i] = 1000
	}
	out, err := r.Process(samplesToBytes(dc))
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	samples := bytesToSamples(out)
	for i, s := range samples[100:] {
		if s < 980 || s > 1020 {
			t.Fatalf("settled DC sample[%d] = %d, want ~1000", i+100, s)
		}
	}
}

func rms(samples []int16) float64 {
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}
