package filter

// Chain is an ordered composition of enabled filters, rebuilt from
// scratch on every configuration change. Signal-flow order, input side
// first: lowPass → channelMix → rotation → distortion → vibrato →
// tremolo → timescale → karaoke → equalizer → volume.
//
// Chain is not safe for concurrent use; the owner swaps whole chains
// under its own lock and applies frames outside of it.
type Chain struct {
	pre  []Filter   // stages before the timescale
	ts   *Timescale // nil when inactive
	post []Filter   // stages after the timescale

	out [frameLen]int16 // drain target when the timescale is active
}

// New builds a chain from cfg. Filters whose parameters sit at identity
// (or whose config block is absent) are left out entirely.
func New(cfg Config) *Chain {
	c := &Chain{}

	addIfEnabled := func(dst *[]Filter, f Filter) {
		if f.Enabled() {
			*dst = append(*dst, f)
		}
	}

	if cfg.LowPass != nil {
		addIfEnabled(&c.pre, newLowPassFilter(*cfg.LowPass))
	}
	if cfg.ChannelMix != nil {
		addIfEnabled(&c.pre, newChannelMixFilter(*cfg.ChannelMix))
	}
	if cfg.Rotation != nil {
		addIfEnabled(&c.pre, newRotationFilter(*cfg.Rotation))
	}
	if cfg.Distortion != nil {
		addIfEnabled(&c.pre, newDistortionFilter(*cfg.Distortion))
	}
	if cfg.Vibrato != nil {
		addIfEnabled(&c.pre, newVibratoFilter(*cfg.Vibrato))
	}
	if cfg.Tremolo != nil {
		addIfEnabled(&c.pre, newTremoloFilter(*cfg.Tremolo))
	}
	if cfg.Timescale != nil {
		if ts := NewTimescale(*cfg.Timescale); ts.Enabled() {
			c.ts = ts
		}
	}
	if cfg.Karaoke != nil {
		addIfEnabled(&c.post, newKaraokeFilter(*cfg.Karaoke))
	}
	if len(cfg.Equalizer) > 0 {
		addIfEnabled(&c.post, newEqualizerFilter(cfg.Equalizer))
	}
	if cfg.Volume != nil {
		addIfEnabled(&c.post, newVolumeFilter(*cfg.Volume))
	}

	return c
}

// Enabled reports whether the chain contains any active stage.
func (c *Chain) Enabled() bool {
	return c != nil && (len(c.pre) > 0 || c.ts != nil || len(c.post) > 0)
}

// Timescale exposes the timescale stage, or nil when inactive.
func (c *Chain) Timescale() *Timescale {
	if c == nil {
		return nil
	}
	return c.ts
}

// Reset clears every stage's time-dependent state. Called on seek.
func (c *Chain) Reset() {
	if c == nil {
		return
	}
	for _, f := range c.pre {
		f.Reset()
	}
	if c.ts != nil {
		c.ts.Reset()
	}
	for _, f := range c.post {
		f.Reset()
	}
}

// Apply runs one 20 ms frame through the chain and returns the frame to
// transmit.
//
// Without a timescale stage this is in-place: the returned slice is
// frame itself. With one, frame (which may be nil when the mixer had no
// audio this tick) is pushed into the stretch FIFO and a chain-owned
// frame is drained in its place — zero-padded on underflow, so the
// 20 ms cadence never stalls.
func (c *Chain) Apply(frame []int16) []int16 {
	if c == nil {
		return frame
	}

	if frame != nil {
		for _, f := range c.pre {
			f.Process(frame)
		}
	}

	if c.ts != nil {
		if frame != nil {
			c.ts.Push(frame)
		}
		c.ts.Drain(c.out[:])
		frame = c.out[:]
	}

	if frame != nil {
		for _, f := range c.post {
			f.Process(frame)
		}
	}
	return frame
}
