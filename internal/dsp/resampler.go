// Package dsp holds the streaming sample-rate converter used by the
// transcode pipeline. Decoded PCM at an arbitrary source rate is
// converted to the engine's fixed 48 kHz before framing.
package dsp

import "fmt"

// OutputRate is the engine's fixed output sample rate.
const OutputRate = 48000

// histLen is the per-channel history carried between calls: the three
// samples preceding the current interpolation window.
const histLen = 3

// Resampler converts interleaved 16-bit PCM from a source rate to
// 48 kHz. When the source rate already is 48 kHz it passes samples
// through untouched. Otherwise each output sample is a 4-point cubic
// Hermite (Catmull-Rom) interpolation per channel.
//
// State — the per-channel history and the fractional phase — survives
// across calls so frame boundaries introduce no discontinuity, and is
// cleared by Reset on seek. The phase is renormalized every call by
// folding its integer part into the tap window, so boundary error never
// accumulates.
type Resampler struct {
	srcRate  int
	channels int
	ratio    float64 // srcRate / OutputRate

	identity bool
	phase    float64
	hist     [2][histLen]float64

	work []float64 // per-call channel buffer: history + deinterleaved input
}

// NewResampler creates a resampler for the given source rate and
// channel count (1 or 2).
func NewResampler(srcRate, channels int) (*Resampler, error) {
	if srcRate <= 0 {
		return nil, fmt.Errorf("dsp: invalid source rate %d", srcRate)
	}
	if channels < 1 || channels > 2 {
		return nil, fmt.Errorf("dsp: invalid channel count %d", channels)
	}
	r := &Resampler{
		srcRate:  srcRate,
		channels: channels,
		ratio:    float64(srcRate) / OutputRate,
		identity: srcRate == OutputRate,
	}
	r.Reset()
	return r, nil
}

// SourceRate returns the configured input rate.
func (r *Resampler) SourceRate() int { return r.srcRate }

// Reset clears the interpolation state. Call after a seek.
func (r *Resampler) Reset() {
	r.phase = 1
	for ch := range r.hist {
		r.hist[ch] = [histLen]float64{}
	}
}

// Resample converts in (interleaved, len divisible by the channel
// count) and appends the 48 kHz result to dst, returning the extended
// slice. Identity mode appends the input unchanged. The output length
// per call is ceil(n*48000/srcRate) ± 1 frames.
func (r *Resampler) Resample(dst, in []int16) []int16 {
	if r.identity {
		return append(dst, in...)
	}
	frames := len(in) / r.channels
	if frames == 0 {
		return dst
	}

	// Per-channel window: history followed by this call's samples.
	if cap(r.work) < frames+histLen {
		r.work = make([]float64, frames+histLen)
	}

	total := frames + histLen
	var outs [2][]float64
	var produced int

	for ch := 0; ch < r.channels; ch++ {
		buf := r.work[:total]
		copy(buf, r.hist[ch][:])
		for i := 0; i < frames; i++ {
			buf[histLen+i] = float64(in[i*r.channels+ch])
		}

		// Interpolate while the full 4-tap window is in the buffer.
		p := r.phase
		var out []float64
		for {
			i := int(p)
			if i > total-3 {
				break
			}
			t := p - float64(i)
			ym1, y0, y1, y2 := buf[i-1], buf[i], buf[i+1], buf[i+2]
			a := -0.5*ym1 + 1.5*y0 - 1.5*y1 + 0.5*y2
			b := ym1 - 2.5*y0 + 2*y1 - 0.5*y2
			c := -0.5*ym1 + 0.5*y1
			out = append(out, ((a*t+b)*t+c)*t+y0)
			p += r.ratio
		}

		outs[ch] = out
		produced = len(out)

		// Carry the window tail and fold the consumed integer part out
		// of the phase.
		copy(r.hist[ch][:], buf[total-histLen:])
		if ch == r.channels-1 {
			r.phase = p - float64(total-histLen)
		}
	}

	for i := 0; i < produced; i++ {
		for ch := 0; ch < r.channels; ch++ {
			dst = append(dst, clampSample(outs[ch][i]))
		}
	}
	return dst
}

// clampSample saturates a float sample to the int16 range with
// round-to-nearest.
func clampSample(f float64) int16 {
	switch {
	case f >= 32767:
		return 32767
	case f <= -32768:
		return -32768
	case f >= 0:
		return int16(f + 0.5)
	default:
		return int16(f - 0.5)
	}
}
