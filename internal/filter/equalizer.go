package filter

// bandFrequencies are the 15 fixed equalizer band centres in Hz.
var bandFrequencies = [15]float64{
	25, 40, 63, 100, 160, 250, 400, 630, 1000, 1600, 2500, 4000, 6300, 10000, 16000,
}

// BandCount is the number of equalizer bands.
const BandCount = len(bandFrequencies)

// equalizerFilter is a cascade of peaking biquads, one per configured
// band. Band gain g in [-0.25, 1.0] maps to a linear amplitude of
// 1+g, so 0 is identity, -0.25 attenuates, and 1.0 doubles the band.
type equalizerFilter struct {
	gains    [BandCount]float64
	sections []*biquad
}

func newEqualizerFilter(bands []BandConfig) *equalizerFilter {
	eq := &equalizerFilter{}
	for _, b := range bands {
		if b.Band < 0 || b.Band >= BandCount {
			continue
		}
		gain := b.Gain
		if gain < -0.25 {
			gain = -0.25
		}
		if gain > 1.0 {
			gain = 1.0
		}
		eq.gains[b.Band] = gain
	}

	for i, g := range eq.gains {
		if nearIdentity(g, 0) {
			continue
		}
		bq := &biquad{}
		bq.setPeaking(sampleRate, bandFrequencies[i], 1, 1+g)
		eq.sections = append(eq.sections, bq)
	}
	return eq
}

func (e *equalizerFilter) Name() string  { return "equalizer" }
func (e *equalizerFilter) Enabled() bool { return len(e.sections) > 0 }

func (e *equalizerFilter) Reset() {
	for _, bq := range e.sections {
		bq.reset()
	}
}

func (e *equalizerFilter) Process(samples []int16) {
	for i := 0; i+1 < len(samples); i += 2 {
		for ch := 0; ch < 2; ch++ {
			x := float64(samples[i+ch])
			for _, bq := range e.sections {
				x = bq.process(ch, x)
			}
			samples[i+ch] = clampInt16(x)
		}
	}
}
