package dsp

import (
	"math"
	"testing"
)

func sine(rate int, freq float64, frames int, amp float64) []int16 {
	out := make([]int16, frames)
	for i := range out {
		out[i] = int16(amp * math.Sin(2*math.Pi*freq*float64(i)/float64(rate)))
	}
	return out
}

func TestIdentityBitExact(t *testing.T) {
	r, err := NewResampler(48000, 1)
	if err != nil {
		t.Fatal(err)
	}
	in := sine(48000, 997, 4800, 12000)
	out := r.Resample(nil, in)
	if len(out) != len(in) {
		t.Fatalf("len = %d, want %d", len(out), len(in))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Fatalf("sample %d: %d != %d (identity must be bit-exact)", i, out[i], in[i])
		}
	}
}

func TestOutputCountContract(t *testing.T) {
	tests := []struct {
		name    string
		srcRate int
		chunk   int
	}{
		{"44100 up", 44100, 441},
		{"22050 up", 22050, 220},
		{"96000 down", 96000, 960},
		{"8000 up", 8000, 160},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := NewResampler(tt.srcRate, 1)
			if err != nil {
				t.Fatal(err)
			}
			in := sine(tt.srcRate, 440, tt.chunk, 10000)

			for call := 0; call < 50; call++ {
				out := r.Resample(nil, in)
				want := float64(tt.chunk) * OutputRate / float64(tt.srcRate)
				if math.Abs(float64(len(out))-want) > 1.5 {
					t.Fatalf("call %d: produced %d samples, want %.1f ± 1", call, len(out), want)
				}
			}
		})
	}
}

func TestNoPhaseDrift(t *testing.T) {
	// Total samples over many calls must track n*48000/srcRate without
	// accumulating error.
	const srcRate = 44100
	r, err := NewResampler(srcRate, 1)
	if err != nil {
		t.Fatal(err)
	}

	in := make([]int16, 441)
	totalIn, totalOut := 0, 0
	for call := 0; call < 2000; call++ {
		out := r.Resample(nil, in)
		totalIn += len(in)
		totalOut += len(out)
	}

	want := float64(totalIn) * OutputRate / srcRate
	if math.Abs(float64(totalOut)-want) > 4 {
		t.Fatalf("total out = %d, want %.0f ± 4 after %d samples", totalOut, want, totalIn)
	}
}

func TestUpsamplePreservesToneAndLevel(t *testing.T) {
	// A 1 kHz tone at 24 kHz upsampled 2x must keep its frequency
	// (zero-crossing count) and peak level within 0.5 dB.
	const srcRate = 24000
	const amp = 16000.0

	r, err := NewResampler(srcRate, 1)
	if err != nil {
		t.Fatal(err)
	}

	in := sine(srcRate, 1000, srcRate, amp) // one second
	out := r.Resample(nil, in)

	// Frequency via zero crossings (positive-going).
	crossings := 0
	for i := 1; i < len(out); i++ {
		if out[i-1] < 0 && out[i] >= 0 {
			crossings++
		}
	}
	if crossings < 995 || crossings > 1005 {
		t.Errorf("zero crossings = %d, want ~1000", crossings)
	}

	// Peak within 0.5 dB of the source amplitude. Skip the warmup
	// region seeded by zero history.
	peak := 0.0
	for _, s := range out[100:] {
		if a := math.Abs(float64(s)); a > peak {
			peak = a
		}
	}
	db := 20 * math.Log10(peak/amp)
	if math.Abs(db) > 0.5 {
		t.Errorf("peak deviation = %.2f dB, want within 0.5 dB", db)
	}
}

func TestStereoChannelsIndependent(t *testing.T) {
	const srcRate = 44100
	r, err := NewResampler(srcRate, 2)
	if err != nil {
		t.Fatal(err)
	}

	// Left carries a tone, right stays silent; they must not bleed.
	frames := 4410
	in := make([]int16, frames*2)
	tone := sine(srcRate, 500, frames, 8000)
	for i := 0; i < frames; i++ {
		in[i*2] = tone[i]
	}

	out := r.Resample(nil, in)
	if len(out)%2 != 0 {
		t.Fatalf("output length %d not frame-aligned", len(out))
	}
	for i := 0; i < len(out); i += 2 {
		if out[i+1] != 0 {
			t.Fatalf("right channel sample %d = %d, want 0", i/2, out[i+1])
		}
	}
}

func TestResetClearsState(t *testing.T) {
	const srcRate = 44100
	r, err := NewResampler(srcRate, 1)
	if err != nil {
		t.Fatal(err)
	}

	in := sine(srcRate, 440, 4410, 10000)
	first := r.Resample(nil, in)

	r.Reset()
	second := r.Resample(nil, in)

	if len(first) != len(second) {
		t.Fatalf("lengths differ after reset: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("sample %d differs after reset: %d vs %d", i, first[i], second[i])
		}
	}
}

func TestInvalidConfig(t *testing.T) {
	if _, err := NewResampler(0, 1); err == nil {
		t.Error("expected error for zero rate")
	}
	if _, err := NewResampler(48000, 3); err == nil {
		t.Error("expected error for 3 channels")
	}
}
