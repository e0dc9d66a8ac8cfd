package filter

import "math"

// WSOLA geometry. Windows are two hops long and overlap by one hop;
// each synthesis step emits one hop of output and advances the input by
// hop × stretch, with a bounded similarity search around the nominal
// position to keep waveforms aligned at the splice.
const (
	tsHop    = 512           // output hop in sample frames (~10.7 ms)
	tsWindow = 2 * tsHop     // analysis window length
	tsSeek   = 256           // similarity search radius
	tsMinFac = 0.01          // lower clamp for speed/pitch/rate
	frameLen = 960 * 2       // one 20 ms interleaved stereo frame
)

// Timescale changes tempo and pitch independently. Unlike the in-place
// filters it legitimately alters the sample count, so it buffers into
// an internal FIFO: the speak loop pushes whole frames in and drains
// exactly one 960-frame per tick, padding with silence on underflow.
//
// Stage one is a WSOLA time-stretch by speed/pitch; stage two is a
// linear rate conversion by pitch*rate. The net effect consumes
// speed*rate input per output and shifts pitch by pitch*rate.
type Timescale struct {
	cfg TimescaleConfig

	stretch  float64 // input hop / output hop
	resample float64 // stage-two consumption ratio

	in    [2][]float64 // pending input, per channel
	inPos float64      // nominal read position into in

	tail [2][tsHop]float64 // previous window tail for the crossfade

	stretched [2][]float64 // stage-one output pending resample
	phase     float64      // stage-two fractional position

	fifo []int16 // interleaved output frames ready to drain
}

// NewTimescale builds the stage from its config, clamping the factors
// to a sane positive range.
func NewTimescale(cfg TimescaleConfig) *Timescale {
	speed := math.Max(cfg.Speed, tsMinFac)
	pitch := math.Max(cfg.Pitch, tsMinFac)
	rate := math.Max(cfg.Rate, tsMinFac)

	return &Timescale{
		cfg:      cfg,
		stretch:  speed / pitch,
		resample: pitch * rate,
	}
}

// Enabled reports whether any factor differs from 1.
func (t *Timescale) Enabled() bool {
	return !nearIdentity(t.cfg.Speed, 1) || !nearIdentity(t.cfg.Pitch, 1) || !nearIdentity(t.cfg.Rate, 1)
}

// Reset drops all buffered audio and realigns the stretch state.
func (t *Timescale) Reset() {
	t.in[0] = t.in[0][:0]
	t.in[1] = t.in[1][:0]
	t.inPos = 0
	t.tail = [2][tsHop]float64{}
	t.stretched[0] = t.stretched[0][:0]
	t.stretched[1] = t.stretched[1][:0]
	t.phase = 0
	t.fifo = t.fifo[:0]
}

// Push feeds one interleaved stereo frame into the stage and advances
// the stretch and resample pipelines as far as the input allows.
func (t *Timescale) Push(frame []int16) {
	for i := 0; i+1 < len(frame); i += 2 {
		t.in[0] = append(t.in[0], float64(frame[i]))
		t.in[1] = append(t.in[1], float64(frame[i+1]))
	}

	for t.produceWindow() {
	}
	t.resampleStretched()
	t.compact()
}

// produceWindow runs one WSOLA synthesis step if enough input is
// buffered. Returns false when more input is needed.
func (t *Timescale) produceWindow() bool {
	base := int(t.inPos)
	start := base - tsSeek
	if start < 0 {
		start = 0
	}
	if base+tsSeek+tsWindow > len(t.in[0]) {
		return false
	}

	// Similarity search: slide the candidate window and keep the offset
	// whose overlap region best correlates with the previous tail.
	best, bestScore := base, math.Inf(-1)
	for cand := start; cand <= base+tsSeek; cand++ {
		score := 0.0
		for j := 0; j < tsHop; j += 4 { // stride keeps the search cheap
			mono := t.in[0][cand+j] + t.in[1][cand+j]
			ref := t.tail[0][j] + t.tail[1][j]
			score += mono * ref
		}
		if score > bestScore {
			bestScore = score
			best = cand
		}
	}

	for ch := 0; ch < 2; ch++ {
		w := t.in[ch][best : best+tsWindow]
		for j := 0; j < tsHop; j++ {
			f := float64(j) / tsHop
			t.stretched[ch] = append(t.stretched[ch], t.tail[ch][j]*(1-f)+w[j]*f)
		}
		copy(t.tail[ch][:], w[tsHop:])
	}

	t.inPos += tsHop * t.stretch
	return true
}

// resampleStretched runs stage two, converting stretched samples into
// interleaved int16 FIFO frames at the pitch*rate consumption ratio.
func (t *Timescale) resampleStretched() {
	n := len(t.stretched[0])
	for {
		i := int(t.phase)
		if i+1 >= n {
			break
		}
		frac := t.phase - float64(i)
		for ch := 0; ch < 2; ch++ {
			a := t.stretched[ch][i]
			b := t.stretched[ch][i+1]
			t.fifo = append(t.fifo, clampInt16(a+(b-a)*frac))
		}
		t.phase += t.resample
	}

	// Drop fully consumed stretched samples.
	if drop := int(t.phase); drop > 0 && drop <= n {
		t.stretched[0] = append(t.stretched[0][:0], t.stretched[0][drop:]...)
		t.stretched[1] = append(t.stretched[1][:0], t.stretched[1][drop:]...)
		t.phase -= float64(drop)
	}
}

// compact drops input samples the stretch position has moved past,
// keeping the buffer bounded regardless of the speed factor.
func (t *Timescale) compact() {
	keepFrom := int(t.inPos) - tsSeek
	if keepFrom <= 0 {
		return
	}
	if keepFrom > len(t.in[0]) {
		keepFrom = len(t.in[0])
	}
	t.in[0] = append(t.in[0][:0], t.in[0][keepFrom:]...)
	t.in[1] = append(t.in[1][:0], t.in[1][keepFrom:]...)
	t.inPos -= float64(keepFrom)
}

// Drain copies exactly one 960-frame (1920 interleaved samples) into
// dst. On underflow the remainder is zero-filled and Drain reports
// false.
func (t *Timescale) Drain(dst []int16) bool {
	n := copy(dst, t.fifo)
	if n < len(dst) {
		clear(dst[n:])
	}
	if n > 0 {
		t.fifo = append(t.fifo[:0], t.fifo[n:]...)
	}
	return n == len(dst)
}

// Pending returns how many interleaved samples are ready to drain.
func (t *Timescale) Pending() int { return len(t.fifo) }
