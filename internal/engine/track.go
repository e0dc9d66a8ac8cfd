package engine

import (
	"math"
	"sync/atomic"

	"github.com/wavelink/wavelink/internal/pool"
)

// State is the playback state machine of a track, stored in a single
// 32-bit atomic, not a byte-sized one. Stopping and Starting exist only while the
// tape transition is enabled; without it play and pause move directly
// between Playing and Paused. Stopped is terminal.
type State uint32

const (
	StatePlaying State = iota
	StateStopping
	StatePaused
	StateStarting
	StateStopped
)

func (s State) String() string {
	switch s {
	case StatePlaying:
		return "playing"
	case StateStopping:
		return "stopping"
	case StatePaused:
		return "paused"
	case StateStarting:
		return "starting"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool { return s == StateStopped }

// Active reports whether the mixer should produce audio for this state.
func (s State) Active() bool {
	return s == StatePlaying || s == StateStopping || s == StateStarting
}

// commandKind discriminates processor commands.
type commandKind int

const (
	cmdSeek commandKind = iota
	cmdStop
)

// command is a control message for the track's processor.
type command struct {
	kind commandKind
	ms   int64
}

// commandBacklog is the processor command channel capacity.
const commandBacklog = 16

// pcmChannelCap bounds frames in flight between the processor and the
// mixer. Producers block on a full channel; the decoder can never
// outpace consumption without bound.
const pcmChannelCap = 4

// Track is the lock-free control surface of one PCM track, shared
// between the supervisor, the control plane, and the mixer. Its
// receiver, command sender, and atomics share lifetime with the
// processor task; the engine cancels the task before dropping the
// handle.
type Track struct {
	fp Fingerprint

	// frames delivers PooledBuffer frames from the processor. Capacity
	// pcmChannelCap; closed by the processor on exit.
	frames chan *pool.Buffer

	// cmds carries Seek and Stop to the processor.
	cmds chan command

	// errc is the one-shot error channel: the processor pushes at most
	// one message before exiting. Closed-without-send means clean EOF.
	errc chan string

	// done closes when the processor task has fully exited.
	done chan struct{}

	state     atomic.Uint32 // State
	volume    atomic.Uint32 // float32 bit pattern
	positionS atomic.Int64  // position in sample frames (48 kHz)

	// firstFrame flips when the processor delivers its first frame;
	// failures before that point end with reason loadFailed.
	firstFrame atomic.Bool

	// stopProc aborts the decode worker in addition to channel signals.
	stopProc atomic.Bool

	// endReason, when set before the terminal transition, overrides the
	// natural end reason. Guarded by being written before the Stopped
	// store (Release) and read after observing it (Acquire).
	endReason atomic.Value // EndReason

	// tape is the per-track transition effect, driven only by the mixer
	// goroutine.
	tape *tapeEffect

	// endTimeMs, when positive, stops the track once the position
	// reaches it.
	endTimeMs int64

	// duration in ms when known, -1 otherwise. Informational.
	durationMs int64
}

// newTrack builds a handle with its channels; the processor side is
// wired by the player.
func newTrack(fp Fingerprint, tape *tapeEffect, endTimeMs int64) *Track {
	t := &Track{
		fp:        fp,
		frames:    make(chan *pool.Buffer, pcmChannelCap),
		cmds:      make(chan command, commandBacklog),
		errc:      make(chan string, 1),
		done:      make(chan struct{}),
		tape:      tape,
		endTimeMs: endTimeMs,
	}
	t.SetVolume(1.0)
	t.state.Store(uint32(StatePaused))
	return t
}

// Fingerprint returns the track's identity.
func (t *Track) Fingerprint() Fingerprint { return t.fp }

// State returns the current playback state with Acquire semantics.
func (t *Track) State() State { return State(t.state.Load()) }

// Play transitions to Playing, through Starting when the tape effect is
// enabled. No-op on a terminal track.
func (t *Track) Play() {
	for {
		cur := State(t.state.Load())
		if cur.Terminal() || cur == StatePlaying || cur == StateStarting {
			return
		}
		next := StatePlaying
		if t.tape != nil && t.tape.enabled() {
			next = StateStarting
		}
		if t.state.CompareAndSwap(uint32(cur), uint32(next)) {
			if next == StateStarting {
				t.tape.begin(tapeStarting)
			}
			return
		}
	}
}

// Pause transitions to Paused, through Stopping when the tape effect is
// enabled.
func (t *Track) Pause() {
	for {
		cur := State(t.state.Load())
		if cur.Terminal() || cur == StatePaused || cur == StateStopping {
			return
		}
		next := StatePaused
		if t.tape != nil && t.tape.enabled() {
			next = StateStopping
		}
		if t.state.CompareAndSwap(uint32(cur), uint32(next)) {
			if next == StateStopping {
				t.tape.begin(tapeStopping)
			}
			return
		}
	}
}

// Stop makes the track terminal with the given end reason. The Release
// store pairs with the mixer's Acquire load: the next tick observes the
// stop. The processor is told to wind down as well.
func (t *Track) Stop(reason EndReason) {
	t.endReason.Store(reason)
	t.stopProc.Store(true)
	t.state.Store(uint32(StateStopped))

	select {
	case t.cmds <- command{kind: cmdStop}:
	default:
		// Command backlog full; stopProc covers it.
	}
}

// StopReason returns the reason recorded at Stop, or ReasonFinished for
// a natural end.
func (t *Track) StopReason() EndReason {
	if r, ok := t.endReason.Load().(EndReason); ok {
		return r
	}
	return ReasonFinished
}

// SetVolume stores the track gain (0.0–5.0) as a float bit pattern.
// Relaxed ordering suffices; the mixer picks it up next tick.
func (t *Track) SetVolume(v float64) {
	if v < 0 {
		v = 0
	}
	if v > 5 {
		v = 5
	}
	t.volume.Store(math.Float32bits(float32(v)))
}

// Volume returns the current track gain.
func (t *Track) Volume() float64 {
	return float64(math.Float32frombits(t.volume.Load()))
}

// Seek updates the position atomic immediately and enqueues a seek for
// the processor.
func (t *Track) Seek(ms int64) {
	if ms < 0 {
		ms = 0
	}
	t.positionS.Store(ms * 48000 / 1000)
	select {
	case t.cmds <- command{kind: cmdSeek, ms: ms}:
	default:
		// A full backlog means older seeks are pending; the processor
		// drains them in order and lands on the newest.
	}
}

// PositionMs converts the sample position to milliseconds.
func (t *Track) PositionMs() int64 {
	return t.positionS.Load() * 1000 / 48000
}

// PositionSamples returns the raw sample-frame position.
func (t *Track) PositionSamples() int64 {
	return t.positionS.Load()
}

// advance adds consumed sample frames to the position. Mixer only.
func (t *Track) advance(sampleFrames int64) {
	t.positionS.Add(sampleFrames)
}

// Done closes when the processor task has exited.
func (t *Track) Done() <-chan struct{} { return t.done }

// volumeFixed returns the Q16 fixed-point multiplier for the mixer.
func (t *Track) volumeFixed() int64 {
	return int64(t.Volume()*65536 + 0.5)
}

// passthroughChannelCap bounds Opus packets in flight for the
// single-producer single-consumer passthrough slot.
const passthroughChannelCap = 4

// Passthrough is the per-guild raw Opus track: at most one exists per
// guild and it takes precedence over PCM tracks whenever a packet is
// available.
type Passthrough struct {
	fp Fingerprint

	// packets delivers shared immutable Opus packet blobs.
	packets chan []byte

	cmds chan command
	errc chan string
	done chan struct{}

	state      atomic.Uint32
	positionMs atomic.Int64
	firstFrame atomic.Bool
	stopProc   atomic.Bool
	endReason  atomic.Value
}

func newPassthrough(fp Fingerprint) *Passthrough {
	p := &Passthrough{
		fp:      fp,
		packets: make(chan []byte, passthroughChannelCap),
		cmds:    make(chan command, commandBacklog),
		errc:    make(chan string, 1),
		done:    make(chan struct{}),
	}
	p.state.Store(uint32(StatePaused))
	return p
}

// Fingerprint returns the track's identity.
func (p *Passthrough) Fingerprint() Fingerprint { return p.fp }

// State returns the current playback state.
func (p *Passthrough) State() State { return State(p.state.Load()) }

// Play resumes packet consumption. The tape effect does not apply to
// passthrough audio.
func (p *Passthrough) Play() {
	p.state.CompareAndSwap(uint32(StatePaused), uint32(StatePlaying))
}

// Pause halts packet consumption.
func (p *Passthrough) Pause() {
	p.state.CompareAndSwap(uint32(StatePlaying), uint32(StatePaused))
}

// Stop makes the track terminal.
func (p *Passthrough) Stop(reason EndReason) {
	p.endReason.Store(reason)
	p.stopProc.Store(true)
	p.state.Store(uint32(StateStopped))
	select {
	case p.cmds <- command{kind: cmdStop}:
	default:
	}
}

// StopReason mirrors Track.StopReason.
func (p *Passthrough) StopReason() EndReason {
	if r, ok := p.endReason.Load().(EndReason); ok {
		return r
	}
	return ReasonFinished
}

// Seek enqueues a demuxer seek.
func (p *Passthrough) Seek(ms int64) {
	if ms < 0 {
		ms = 0
	}
	p.positionMs.Store(ms)
	select {
	case p.cmds <- command{kind: cmdSeek, ms: ms}:
	default:
	}
}

// PositionMs returns the playback position.
func (p *Passthrough) PositionMs() int64 { return p.positionMs.Load() }

// Done closes when the processor task has exited.
func (p *Passthrough) Done() <-chan struct{} { return p.done }
