package engine

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/wavelink/wavelink/internal/pool"
)

// MixResult is one tick's output: exactly one of Opus (a passthrough
// packet), Frame (a mixed 960-frame), or neither (silence — no track
// had data).
type MixResult struct {
	Opus  []byte
	Frame []int16
}

// Silence reports that no audio was produced this tick.
func (r MixResult) Silence() bool { return r.Opus == nil && r.Frame == nil }

// Mixer composes a guild's PCM tracks and its at-most-one passthrough
// track into one output per 20 ms tick. MixTick never blocks: channel
// reads are all try-receives and state reads are atomic loads — the
// speak loop's cadence cannot be stalled by a slow decoder.
//
// Track registration happens from control-plane goroutines under mu;
// MixTick itself runs only on the speak loop goroutine.
type Mixer struct {
	logger *slog.Logger

	mu     sync.Mutex
	tracks []*Track
	passth *Passthrough

	acc   [frameSamples]int32 // 32-bit headroom prevents sum overflow
	frame [frameSamples]int16

	framesMixed  atomic.Uint64
	framesNulled atomic.Uint64
}

// NewMixer creates an empty mixer.
func NewMixer(logger *slog.Logger) *Mixer {
	return &Mixer{logger: logger.With("subsystem", "mixer")}
}

// AddTrack registers a PCM track.
func (m *Mixer) AddTrack(t *Track) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tracks = append(m.tracks, t)
}

// SetPassthrough installs the guild's passthrough track. The caller
// guarantees at most one exists; a second replaces a terminal first.
func (m *Mixer) SetPassthrough(p *Passthrough) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.passth = p
}

// HasPassthrough reports whether a live passthrough track occupies the
// slot.
func (m *Mixer) HasPassthrough() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.passth != nil && !m.passth.State().Terminal()
}

// Tracks returns a snapshot of the registered PCM tracks.
func (m *Mixer) Tracks() []*Track {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Track, len(m.tracks))
	copy(out, m.tracks)
	return out
}

// FramesNulled returns how many per-track ticks found no frame ready.
func (m *Mixer) FramesNulled() uint64 { return m.framesNulled.Load() }

// MixTick produces one tick of guild audio.
func (m *Mixer) MixTick() MixResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.reap()

	// Passthrough wins the tick whenever a packet is ready.
	if p := m.passth; p != nil {
		if State(p.state.Load()) == StatePlaying {
			select {
			case pkt, ok := <-p.packets:
				if ok {
					p.positionMs.Add(20)
					return MixResult{Opus: pkt}
				}
			default:
				m.framesNulled.Add(1)
			}
		}
	}

	clear(m.acc[:])
	contributed := false

	for _, t := range m.tracks {
		// Acquire load pairs with Stop's Release store: a stop issued
		// before this tick is observed here.
		switch State(t.state.Load()) {
		case StatePlaying:
			if m.enforceEndTime(t) {
				continue
			}
			select {
			case buf, ok := <-t.frames:
				if !ok {
					continue // drained; reap removes it next tick
				}
				if t.tape.enabled() {
					t.tape.appendFrame(buf.Data)
				}
				m.accumulate(buf.Data, t.volumeFixed())
				t.advance(960)
				buf.Release()
				contributed = true
			default:
				// Decoder behind: the track contributes nothing and the
				// gap is counted.
				m.framesNulled.Add(1)
			}

		case StateStopping, StateStarting:
			// Transition frames read the tape ring at a shaped rate.
			done := t.tape.render(m.frame[:], func() []int16 {
				select {
				case buf, ok := <-t.frames:
					if !ok {
						return nil
					}
					defer buf.Release()
					t.advance(960)
					return buf.Data
				default:
					return nil
				}
			})
			m.accumulate(m.frame[:], t.volumeFixed())
			contributed = true
			if done {
				m.finishTransition(t)
			}

		case StatePaused, StateStopped:
			// No contribution and no consumption.
		}
	}

	if !contributed {
		return MixResult{}
	}

	// Saturating clamp of the 32-bit accumulator back to 16-bit.
	for i, s := range m.acc {
		switch {
		case s > 32767:
			m.frame[i] = 32767
		case s < -32768:
			m.frame[i] = -32768
		default:
			m.frame[i] = int16(s)
		}
	}
	m.framesMixed.Add(1)
	return MixResult{Frame: m.frame[:]}
}

// accumulate adds one track frame into the mix with Q16 fixed-point
// volume scaling. Skips the multiply at unity gain.
func (m *Mixer) accumulate(frame []int16, fixedVol int64) {
	if fixedVol == 1<<16 {
		for i, s := range frame {
			m.acc[i] += int32(s)
		}
		return
	}
	for i, s := range frame {
		m.acc[i] += int32((int64(s) * fixedVol) >> 16)
	}
}

// enforceEndTime stops a track whose configured end time has passed.
// Returns true when the track was stopped this tick.
func (m *Mixer) enforceEndTime(t *Track) bool {
	if t.endTimeMs > 0 && t.PositionMs() >= t.endTimeMs {
		t.Stop(ReasonFinished)
		return true
	}
	return false
}

// finishTransition advances the tape state machine once a transition
// frame completed: Stopping parks the track, Starting releases it.
func (m *Mixer) finishTransition(t *Track) {
	switch State(t.state.Load()) {
	case StateStopping:
		t.state.CompareAndSwap(uint32(StateStopping), uint32(StatePaused))
	case StateStarting:
		t.state.CompareAndSwap(uint32(StateStarting), uint32(StatePlaying))
	}
}

// reap drops tracks that are terminal with a drained, closed channel,
// and a terminal passthrough. Caller holds mu.
func (m *Mixer) reap() {
	kept := m.tracks[:0]
	for _, t := range m.tracks {
		if t.State().Terminal() && channelDrained(t.frames) {
			continue
		}
		kept = append(kept, t)
	}
	// Clear the tail so dropped tracks do not linger in the backing
	// array.
	for i := len(kept); i < len(m.tracks); i++ {
		m.tracks[i] = nil
	}
	m.tracks = kept

	if m.passth != nil && m.passth.State().Terminal() {
		m.passth = nil
	}
}

// channelDrained reports whether the frame channel is closed and empty,
// releasing any final buffers it drains on the way.
func channelDrained(ch chan *pool.Buffer) bool {
	for {
		select {
		case buf, ok := <-ch:
			if !ok {
				return true
			}
			buf.Release()
		default:
			return false
		}
	}
}
