package filter

// karaokeFilter suppresses the centre channel (typically vocals). The
// mono sum is band-passed around FilterBand and subtracted from both
// channels scaled by Level; the remaining out-of-band centre content is
// scaled by MonoLevel.
type karaokeFilter struct {
	cfg KaraokeConfig
	bp  biquad
}

func newKaraokeFilter(cfg KaraokeConfig) *karaokeFilter {
	k := &karaokeFilter{cfg: cfg}
	k.bp.setBandpass(sampleRate, cfg.FilterBand, cfg.FilterWidth)
	return k
}

func (k *karaokeFilter) Name() string { return "karaoke" }

// Enabled is true whenever the karaoke block is present in the config;
// there is no meaningful identity setting.
func (k *karaokeFilter) Enabled() bool { return true }

func (k *karaokeFilter) Reset() { k.bp.reset() }

func (k *karaokeFilter) Process(samples []int16) {
	for i := 0; i+1 < len(samples); i += 2 {
		l := float64(samples[i])
		r := float64(samples[i+1])

		mono := (l + r) / 2
		banded := k.bp.process(0, mono)
		residual := (mono - banded) * (k.cfg.MonoLevel - 1)

		samples[i] = clampInt16(l - k.cfg.Level*banded + residual)
		samples[i+1] = clampInt16(r - k.cfg.Level*banded + residual)
	}
}
