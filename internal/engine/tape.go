package engine

import "math"

// TapeCurve names the rate curve of the tape-stop transition.
type TapeCurve string

const (
	TapeLinear      TapeCurve = "linear"
	TapeExponential TapeCurve = "exponential"
	TapeSinusoidal  TapeCurve = "sinusoidal"
)

// TapeConfig enables the cassette-style pause/resume transition. A zero
// DurationMs disables the effect; transitions are then immediate.
type TapeConfig struct {
	DurationMs int64
	Curve      TapeCurve
}

// tape transition directions.
const (
	tapeStopping = -1 // rate ramps 1 → 0
	tapeStarting = +1 // rate ramps 0 → 1
)

const (
	// tapeRingSeconds is the sliding window of track PCM the effect
	// reads its source taps from.
	tapeRingSeconds = 10
	// tapeCompactSeconds is the midpoint: once the read cursor is this
	// far into the ring, older audio is dropped.
	tapeCompactSeconds = 2

	tapeRingFrames    = tapeRingSeconds * 48000
	tapeCompactFrames = tapeCompactSeconds * 48000
)

// tapeEffect simulates a cassette spinning down (pause) or back up
// (resume): a fractional read cursor over a sliding ring of the
// track's PCM feed advances at a curve-driven rate, and each output
// sample pair is a 4-tap cubic Hermite interpolation around the
// cursor.
//
// The effect is driven exclusively by the mixer goroutine; no locking.
type tapeEffect struct {
	cfg TapeConfig

	// ring holds interleaved stereo pairs; base is the absolute frame
	// index of ring[0].
	ring []int16
	base int64

	readPos  float64 // absolute frame position of the read cursor
	writeEnd int64   // absolute frames appended so far

	active bool
	dir    int
	t      float64 // transition progress in [0, 1]
	total  float64 // transition length in output frames (DurationMs × 48)
}

// newTapeEffect returns nil for a negative DurationMs. A zero duration
// yields an effect whose transitions complete within one frame.
func newTapeEffect(cfg TapeConfig) *tapeEffect {
	if cfg.DurationMs < 0 {
		return nil
	}
	if cfg.Curve == "" {
		cfg.Curve = TapeSinusoidal
	}
	return &tapeEffect{cfg: cfg}
}

// enabled reports whether transitions route through Stopping/Starting.
func (e *tapeEffect) enabled() bool { return e != nil }

// begin arms a transition in the given direction. Duration zero makes
// the transition complete on the first rendered frame.
func (e *tapeEffect) begin(dir int) {
	e.active = true
	e.dir = dir
	e.t = 0
	e.total = float64(e.cfg.DurationMs) * 48
	// A stop starts reading where the feed currently ends; a start
	// resumes from the cursor a previous stop left behind.
	if dir == tapeStopping {
		e.readPos = float64(e.writeEnd)
	}
	if e.readPos < float64(e.base) {
		e.readPos = float64(e.base)
	}
}

// appendFrame extends the ring with one frame of track PCM.
func (e *tapeEffect) appendFrame(frame []int16) {
	e.ring = append(e.ring, frame...)
	e.writeEnd += int64(len(frame) / 2)
	e.compact()
}

// appendSilence extends the ring with n zero frames, used when the
// track channel runs dry mid-transition.
func (e *tapeEffect) appendSilence(n int) {
	for i := 0; i < n*2; i++ {
		e.ring = append(e.ring, 0)
	}
	e.writeEnd += int64(n)
	e.compact()
}

// compact drops ring data once the read cursor passes the midpoint,
// and hard-bounds the ring to its sliding window.
func (e *tapeEffect) compact() {
	readAhead := int64(e.readPos) - e.base
	if readAhead > tapeCompactFrames {
		drop := readAhead - tapeCompactFrames
		e.ring = append(e.ring[:0], e.ring[drop*2:]...)
		e.base += drop
	}
	if frames := int64(len(e.ring)) / 2; frames > tapeRingFrames {
		drop := frames - tapeRingFrames
		e.ring = append(e.ring[:0], e.ring[drop*2:]...)
		e.base += drop
		if e.readPos < float64(e.base) {
			e.readPos = float64(e.base)
		}
	}
}

// rate evaluates the transition curve at progress t.
func (e *tapeEffect) rate(t float64) float64 {
	start, target := 1.0, 0.0
	if e.dir == tapeStarting {
		start, target = 0.0, 1.0
	}
	var f float64
	switch e.cfg.Curve {
	case TapeLinear:
		f = t
	case TapeExponential:
		f = t * t
	default: // sinusoidal
		f = (1 - math.Cos(math.Pi*t)) / 2
	}
	return start + (target-start)*f
}

// render produces one 960-frame of transition audio into out. pull is
// invoked when the cursor needs source audio beyond the ring end; it
// returns the next track frame or nil when none is available (silence
// is substituted). render reports true when the transition completed
// within this frame, at which point the state machine advances
// (Stopping → Paused, Starting → Playing).
func (e *tapeEffect) render(out []int16, pull func() []int16) bool {
	frames := len(out) / 2
	done := false

	for i := 0; i < frames; i++ {
		if e.total > 0 && !done {
			e.t += 1 / e.total
		} else {
			e.t = 1
		}
		if e.t >= 1 {
			e.t = 1
			done = true
		}
		r := e.rate(e.t)

		// Ensure taps around the cursor exist: one frame before, two
		// after.
		for int64(e.readPos)+3 > e.writeEnd {
			if frame := pull(); frame != nil {
				e.appendFrame(frame)
			} else {
				e.appendSilence(960)
			}
		}

		e.interpolate(out[i*2:])
		e.readPos += r

		if done && e.dir == tapeStopping {
			// Stopped turning: the remainder of the frame is silence.
			for j := (i + 1) * 2; j < len(out); j++ {
				out[j] = 0
			}
			break
		}
	}

	if done {
		e.active = false
	}
	return done
}

// interpolate writes one output pair from the 4 taps around readPos.
func (e *tapeEffect) interpolate(out []int16) {
	pos := e.readPos - float64(e.base)
	i := int(pos)
	frac := pos - float64(i)

	for ch := 0; ch < 2; ch++ {
		ym1 := e.tap(i-1, ch)
		y0 := e.tap(i, ch)
		y1 := e.tap(i+1, ch)
		y2 := e.tap(i+2, ch)

		a := -0.5*ym1 + 1.5*y0 - 1.5*y1 + 0.5*y2
		b := ym1 - 2.5*y0 + 2*y1 - 0.5*y2
		c := -0.5*ym1 + 0.5*y1
		v := ((a*frac+b)*frac+c)*frac + y0

		switch {
		case v >= 32767:
			out[ch] = 32767
		case v <= -32768:
			out[ch] = -32768
		default:
			out[ch] = int16(v)
		}
	}
}

// tap reads one ring sample with edge clamping.
func (e *tapeEffect) tap(frame, ch int) float64 {
	n := len(e.ring) / 2
	if n == 0 {
		return 0
	}
	if frame < 0 {
		frame = 0
	}
	if frame >= n {
		frame = n - 1
	}
	return float64(e.ring[frame*2+ch])
}
