package engine

import (
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/wavelink/wavelink/internal/filter"
	"github.com/wavelink/wavelink/internal/pool"
	"github.com/wavelink/wavelink/internal/remote"
	"github.com/wavelink/wavelink/internal/rtp"
)

// Engine is the process-wide registry of guild players. The control
// plane drives it; it owns nothing per guild beyond the map entry —
// each Player owns its workers and tears them down on destroy.
type Engine struct {
	settings Settings
	sink     Sink
	pool     *pool.Pool
	logger   *slog.Logger

	mu      sync.RWMutex
	players map[string]*Player
}

// New creates an engine. sink receives every player's events; a nil
// sink discards them.
func New(settings Settings, sink Sink, bufPool *pool.Pool, logger *slog.Logger) *Engine {
	if sink == nil {
		sink = NopSink{}
	}
	if bufPool == nil {
		bufPool = pool.Default()
	}
	return &Engine{
		settings: settings,
		sink:     sink,
		pool:     bufPool,
		logger:   logger.With("subsystem", "engine"),
		players:  make(map[string]*Player),
	}
}

// SetSink replaces the event sink for future players.
func (e *Engine) SetSink(sink Sink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sink = sink
}

// CreateGuild establishes a guild engine against a negotiated voice
// session: UDP endpoint, SSRC, secret key, and AEAD mode. An existing
// player for the guild is destroyed first.
func (e *Engine) CreateGuild(guildID string, endpoint *net.UDPAddr, ssrc uint32, secretKey []byte, mode rtp.Mode) error {
	e.mu.Lock()
	old := e.players[guildID]
	delete(e.players, guildID)
	sink := e.sink
	e.mu.Unlock()
	if old != nil {
		old.Destroy()
	}

	player, err := NewPlayer(guildID, rtp.Config{
		Remote: endpoint,
		SSRC:   ssrc,
		Key:    secretKey,
		Mode:   mode,
	}, e.settings, sink, e.pool, e.logger)
	if err != nil {
		return fmt.Errorf("creating player for guild %s: %w", guildID, err)
	}

	e.mu.Lock()
	e.players[guildID] = player
	e.mu.Unlock()
	return nil
}

// Player returns the guild's player, or nil.
func (e *Engine) Player(guildID string) *Player {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.players[guildID]
}

// errNoPlayer standardizes the missing-guild error.
func errNoPlayer(guildID string) error {
	return fmt.Errorf("no player for guild %s", guildID)
}

// Play starts a resolved source on the guild.
func (e *Engine) Play(guildID string, src *remote.Source, opts PlayOptions) error {
	p := e.Player(guildID)
	if p == nil {
		return errNoPlayer(guildID)
	}
	return p.Play(src, opts)
}

// Pause pauses or resumes the guild's current track.
func (e *Engine) Pause(guildID string, paused bool) error {
	p := e.Player(guildID)
	if p == nil {
		return errNoPlayer(guildID)
	}
	p.Pause(paused)
	return nil
}

// Stop ends the guild's current track.
func (e *Engine) Stop(guildID string) error {
	p := e.Player(guildID)
	if p == nil {
		return errNoPlayer(guildID)
	}
	p.StopTrack()
	return nil
}

// Seek repositions the guild's current track.
func (e *Engine) Seek(guildID string, ms int64) error {
	p := e.Player(guildID)
	if p == nil {
		return errNoPlayer(guildID)
	}
	p.Seek(ms)
	return nil
}

// SetVolume sets the guild gain (0.0–5.0).
func (e *Engine) SetVolume(guildID string, v float64) error {
	p := e.Player(guildID)
	if p == nil {
		return errNoPlayer(guildID)
	}
	p.SetVolume(v)
	return nil
}

// SetFilters replaces the guild filter chain.
func (e *Engine) SetFilters(guildID string, cfg filter.Config) error {
	p := e.Player(guildID)
	if p == nil {
		return errNoPlayer(guildID)
	}
	p.SetFilters(cfg)
	return nil
}

// Destroy tears the guild engine down and forgets it.
func (e *Engine) Destroy(guildID string) {
	e.mu.Lock()
	p, ok := e.players[guildID]
	delete(e.players, guildID)
	e.mu.Unlock()
	if ok {
		p.Destroy()
	}
}

// DestroyAll tears every guild down. Used on shutdown.
func (e *Engine) DestroyAll() {
	e.mu.Lock()
	players := make([]*Player, 0, len(e.players))
	for _, p := range e.players {
		players = append(players, p)
	}
	e.players = make(map[string]*Player)
	e.mu.Unlock()

	for _, p := range players {
		p.Destroy()
	}
	e.logger.Info("all players destroyed", "count", len(players))
}

// PlayerCount returns the number of live guild players.
func (e *Engine) PlayerCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.players)
}

// Stats aggregates engine counters for metrics and the control plane.
type Stats struct {
	Players      int
	FramesSent   uint64
	FramesNulled uint64
	PacketsDrop  uint64
}

// FramesSentTotal returns frames transmitted across all guilds.
func (e *Engine) FramesSentTotal() uint64 { return e.Stats().FramesSent }

// FramesNulledTotal returns ticks that produced no real audio.
func (e *Engine) FramesNulledTotal() uint64 { return e.Stats().FramesNulled }

// PacketsDroppedTotal returns datagrams dropped at send.
func (e *Engine) PacketsDroppedTotal() uint64 { return e.Stats().PacketsDrop }

// Stats snapshots the engine's aggregate counters.
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	s := Stats{Players: len(e.players)}
	for _, p := range e.players {
		s.FramesSent += p.FramesSent()
		s.FramesNulled += p.FramesNulled()
		s.PacketsDrop += p.transport.PacketsDropped()
	}
	return s
}
