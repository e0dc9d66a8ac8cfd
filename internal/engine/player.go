package engine

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wavelink/wavelink/internal/codec"
	"github.com/wavelink/wavelink/internal/filter"
	"github.com/wavelink/wavelink/internal/pool"
	"github.com/wavelink/wavelink/internal/remote"
	"github.com/wavelink/wavelink/internal/rtp"
)

// playable is what the player and supervisor need from either track
// flavour.
type playable interface {
	Fingerprint() Fingerprint
	State() State
	Play()
	Pause()
	Stop(EndReason)
	Seek(ms int64)
	PositionMs() int64
	Done() <-chan struct{}
}

// PlayOptions modify a play request.
type PlayOptions struct {
	// EndTimeMs stops the track once its position reaches this time;
	// zero means play to the end.
	EndTimeMs int64
	// NoReplace makes the request a no-op when a track is already
	// playing.
	NoReplace bool
	// Paused starts the track without playing it.
	Paused bool
}

// Settings are the per-player engine tunables, filled from the process
// configuration.
type Settings struct {
	Tape             TapeConfig
	StuckThresholdMs int64
	UpdateInterval   time.Duration
	OpusBitrate      int // 0 = auto
	SilenceFrames    int
	HTTPClient       *http.Client
	ReaderHighWater  int
	ForwardSkipCap   int64
}

// Player is one guild's audio engine: it owns the transport, the
// mixer, the speak loop, the guild filter chain, and the lifecycle of
// the current track. All control-plane operations go through it.
type Player struct {
	guildID  string
	settings Settings
	logger   *slog.Logger
	sink     Sink
	pool     *pool.Pool

	transport *rtp.Transport
	mixer     *Mixer
	speak     *speakLoop

	// Guild lifetime. Cancelling aborts the speak loop, the supervisor,
	// and every processor started under it.
	ctx    context.Context
	cancel context.CancelFunc

	chainMu sync.Mutex
	chain   *filter.Chain
	fcfg    filter.Config

	cryptorMu sync.Mutex
	cryptor   FrameCryptor

	mu         sync.Mutex
	current    playable
	procCancel context.CancelFunc
	volume     float64

	trackSeq  atomic.Uint64
	destroyed atomic.Bool
}

// NewPlayer wires a guild engine to a negotiated voice session and
// starts its speak loop and update ticker.
func NewPlayer(guildID string, tcfg rtp.Config, settings Settings, sink Sink, bufPool *pool.Pool, logger *slog.Logger) (*Player, error) {
	if settings.UpdateInterval <= 0 {
		settings.UpdateInterval = 5 * time.Second
	}
	if settings.StuckThresholdMs <= 0 {
		settings.StuckThresholdMs = 10_000
	}
	if settings.HTTPClient == nil {
		settings.HTTPClient = http.DefaultClient
	}

	log := logger.With("guild_id", guildID)

	transport, err := rtp.New(tcfg, log)
	if err != nil {
		return nil, fmt.Errorf("creating transport: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Player{
		guildID:   guildID,
		settings:  settings,
		logger:    log,
		sink:      sink,
		pool:      bufPool,
		transport: transport,
		mixer:     NewMixer(log),
		ctx:       ctx,
		cancel:    cancel,
		chain:     filter.New(filter.Config{}),
		volume:    1.0,
	}

	speak, err := newSpeakLoop(p.mixer, transport, p, settings.OpusBitrate, settings.SilenceFrames, log)
	if err != nil {
		cancel()
		transport.Close()
		return nil, fmt.Errorf("creating speak loop: %w", err)
	}
	p.speak = speak

	transport.StartKeepalive()
	go speak.run(ctx)
	go p.updateLoop()

	log.Info("player created", "ssrc", tcfg.SSRC, "mode", string(tcfg.Mode))
	return p, nil
}

// GuildID returns the owning guild.
func (p *Player) GuildID() string { return p.guildID }

// Play resolves src and starts it as the guild's current track,
// replacing any active one. Resolution and probing run on a worker
// goroutine; failures before the first frame surface as a
// TrackException followed by TrackEnd{loadFailed}.
func (p *Player) Play(src *remote.Source, opts PlayOptions) error {
	if p.destroyed.Load() {
		return fmt.Errorf("player for guild %s is destroyed", p.guildID)
	}

	p.mu.Lock()
	if p.current != nil && !p.current.State().Terminal() {
		if opts.NoReplace {
			p.mu.Unlock()
			return nil
		}
		p.stopCurrentLocked(ReasonReplaced)
	}
	fp := Fingerprint{GuildID: p.guildID, Seq: p.trackSeq.Add(1)}
	p.mu.Unlock()

	go p.startTrack(fp, src, opts)
	return nil
}

// startTrack opens the reader, probes the container, and launches the
// processor and supervisor for the new track.
func (p *Player) startTrack(fp Fingerprint, src *remote.Source, opts PlayOptions) {
	byteSrc, err := p.openSource(src)
	if err != nil {
		p.loadFailed(fp, fmt.Sprintf("opening source: %v", err))
		return
	}

	allowPassthrough := src.AllowPassthrough &&
		!p.filtersActive() &&
		!p.mixer.HasPassthrough()

	decoded, err := codec.Probe(byteSrc, codec.ProbeOptions{
		ContainerHint:    src.ContainerHint,
		AllowPassthrough: allowPassthrough,
	})
	if err != nil {
		byteSrc.Close()
		p.loadFailed(fp, fmt.Sprintf("probing source: %v", err))
		return
	}

	procCtx, procCancel := context.WithCancel(p.ctx)

	p.mu.Lock()
	if p.destroyed.Load() {
		p.mu.Unlock()
		procCancel()
		decoded.Close()
		return
	}

	var track playable
	switch decoded.Mode {
	case codec.ModePassthrough:
		pt := newPassthrough(fp)
		p.mixer.SetPassthrough(pt)
		go runPassthrough(procCtx, pt, decoded, p.logger)
		go p.superviseTrack(pt, pt.errc, &pt.firstFrame)
		track = pt
	default:
		var tape *tapeEffect
		if p.settings.Tape.DurationMs > 0 {
			tape = newTapeEffect(p.settings.Tape)
		}
		t := newTrack(fp, tape, opts.EndTimeMs)
		t.SetVolume(p.volume)
		p.mixer.AddTrack(t)
		go runTranscode(procCtx, t, decoded, p.pool, p.logger)
		go p.superviseTrack(t, t.errc, &t.firstFrame)
		track = t
	}

	p.current = track
	p.procCancel = procCancel
	p.mu.Unlock()

	if opts.Paused {
		track.Pause()
	} else {
		track.Play()
	}

	p.logger.Info("track started",
		"track", fp.String(),
		"mode", decoded.Mode.String(),
		"container", decoded.Container,
		"codec", decoded.Codec,
	)
	p.sink.Emit(TrackStart{Track: fp})
}

// openSource builds the right reader for a plain or segmented source.
func (p *Player) openSource(src *remote.Source) (remote.ByteSource, error) {
	if len(src.Segments) > 0 {
		return remote.NewSegmentedReader(src.Segments, p.settings.HTTPClient, p.logger), nil
	}
	if src.URL == "" {
		return nil, fmt.Errorf("source has neither url nor segments")
	}
	return remote.NewReader(src.URL, remote.ReaderConfig{
		HighWater:      p.settings.ReaderHighWater,
		ForwardSkipCap: p.settings.ForwardSkipCap,
		Client:         p.settings.HTTPClient,
	}, p.logger), nil
}

// loadFailed emits the Exception/End pair for a failure before the
// first frame.
func (p *Player) loadFailed(fp Fingerprint, msg string) {
	p.logger.Warn("track load failed", "track", fp.String(), "error", msg)
	p.sink.Emit(TrackException{Track: fp, Message: msg, Severity: SeverityCommon})
	p.sink.Emit(TrackEnd{Track: fp, Reason: ReasonLoadFailed})
}

// Pause pauses or resumes the current track.
func (p *Player) Pause(paused bool) {
	p.mu.Lock()
	track := p.current
	p.mu.Unlock()
	if track == nil {
		return
	}
	if paused {
		track.Pause()
	} else {
		track.Play()
	}
}

// StopTrack stops the current track with reason stopped.
func (p *Player) StopTrack() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopCurrentLocked(ReasonStopped)
}

// stopCurrentLocked stops and detaches the current track. Caller holds
// p.mu.
func (p *Player) stopCurrentLocked(reason EndReason) {
	if p.current == nil {
		return
	}
	p.current.Stop(reason)
	if p.procCancel != nil {
		p.procCancel()
		p.procCancel = nil
	}
	p.current = nil
}

// Seek repositions the current track.
func (p *Player) Seek(ms int64) {
	p.mu.Lock()
	track := p.current
	p.mu.Unlock()
	if track != nil {
		track.Seek(ms)
	}
}

// SetVolume sets the gain for the current and future tracks, clipped to
// 0.0–5.0.
func (p *Player) SetVolume(v float64) {
	if v < 0 {
		v = 0
	}
	if v > 5 {
		v = 5
	}
	p.mu.Lock()
	p.volume = v
	track := p.current
	p.mu.Unlock()

	if t, ok := track.(*Track); ok {
		t.SetVolume(v)
	}
}

// Volume returns the guild gain applied to current and future tracks.
func (p *Player) Volume() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.volume
}

// SetFilters replaces the guild filter chain wholesale. The swap holds
// the chain mutex only for the pointer exchange; the speak loop applies
// whichever chain it saw at tick start.
func (p *Player) SetFilters(cfg filter.Config) {
	chain := filter.New(cfg)

	p.chainMu.Lock()
	p.chain = chain
	p.fcfg = cfg
	p.chainMu.Unlock()

	p.logger.Debug("filter chain replaced", "enabled", chain.Enabled())
}

// Filters returns the active filter configuration.
func (p *Player) Filters() filter.Config {
	p.chainMu.Lock()
	defer p.chainMu.Unlock()
	return p.fcfg
}

// filtersActive reports whether any filter stage is enabled.
func (p *Player) filtersActive() bool {
	p.chainMu.Lock()
	defer p.chainMu.Unlock()
	return p.chain.Enabled()
}

// SetFrameCryptor installs (or clears) the E2EE layer.
func (p *Player) SetFrameCryptor(c FrameCryptor) {
	p.cryptorMu.Lock()
	p.cryptor = c
	p.cryptorMu.Unlock()
}

func (p *Player) frameCryptor() FrameCryptor {
	p.cryptorMu.Lock()
	defer p.cryptorMu.Unlock()
	return p.cryptor
}

// Position returns the current track position in ms, or -1 when idle.
func (p *Player) Position() int64 {
	p.mu.Lock()
	track := p.current
	p.mu.Unlock()
	if track == nil {
		return -1
	}
	return track.PositionMs()
}

// CurrentTrack returns the fingerprint of the active track, if any.
func (p *Player) CurrentTrack() (Fingerprint, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return Fingerprint{}, false
	}
	return p.current.Fingerprint(), true
}

// Paused reports whether the current track is paused.
func (p *Player) Paused() bool {
	p.mu.Lock()
	track := p.current
	p.mu.Unlock()
	if track == nil {
		return false
	}
	s := track.State()
	return s == StatePaused || s == StateStopping
}

// FramesSent returns the packets transmitted by the speak loop.
func (p *Player) FramesSent() uint64 { return p.speak.framesSent.Load() }

// FramesNulled returns the ticks that produced no real audio.
func (p *Player) FramesNulled() uint64 { return p.speak.framesNulled.Load() }

// Ping returns the transport keepalive round-trip in milliseconds.
func (p *Player) Ping() int64 { return p.transport.Ping() }

// Destroy tears the guild engine down: the current track ends with
// reason cleanup, every worker is cancelled, and the socket closes.
func (p *Player) Destroy() {
	if !p.destroyed.CompareAndSwap(false, true) {
		return
	}

	p.mu.Lock()
	p.stopCurrentLocked(ReasonCleanup)
	p.mu.Unlock()

	p.cancel()
	p.transport.Close()
	p.logger.Info("player destroyed")
}

// fault reports a persistent engine failure and cancels the guild. The
// control plane sees the exception and a synthetic gateway close so it
// can re-establish the voice session.
func (p *Player) fault(msg string) {
	p.logger.Error("player fault", "error", msg)
	fp, _ := p.CurrentTrack()
	p.sink.Emit(TrackException{Track: fp, Message: msg, Severity: SeverityFault})
	p.sink.Emit(WebSocketClosed{GuildID: p.guildID, Code: 4000, Reason: msg, ByRemote: false})
	p.Destroy()
}

// updateLoop emits the periodic PlayerUpdate until the guild dies.
func (p *Player) updateLoop() {
	ticker := time.NewTicker(p.settings.UpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.sink.Emit(PlayerUpdate{
				GuildID:    p.guildID,
				PositionMs: max(p.Position(), 0),
				Connected:  !p.destroyed.Load(),
				PingMs:     p.transport.Ping(),
			})
		}
	}
}
