package engine

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"gopkg.in/hraban/opus.v2"

	"github.com/wavelink/wavelink/internal/filter"
	"github.com/wavelink/wavelink/internal/rtp"
)

const (
	// tickInterval is the frame cadence.
	tickInterval = 20 * time.Millisecond

	// maxOpusFrame bounds one encoded Opus frame.
	maxOpusFrame = 4000

	// maxConsecutiveSendErrors is how many encode or seal failures in a
	// row are tolerated; one more raises a fault and cancels the guild.
	maxConsecutiveSendErrors = 10

	// defaultSilenceFrames is how many Opus silence frames are sent
	// after the mixer runs dry before transmission ceases.
	defaultSilenceFrames = 5
)

// opusSilence is the canonical Opus silence frame.
var opusSilence = []byte{0xF8, 0xFF, 0xFE}

// FrameCryptor is the optional end-to-end encryption layer (an
// MLS-style group session): it transforms an encoded Opus frame before
// transport sealing. Absent a session, frames pass through unchanged.
type FrameCryptor interface {
	EncryptFrame(frame []byte) ([]byte, error)
}

// speakLoop is a guild's 20 ms transmit loop. Each tick it pulls one
// mixer output, applies the guild filter chain, Opus-encodes, runs the
// optional E2EE layer, and ships the sealed RTP packet. Ticks the loop
// misses are dropped, not replayed: time.Ticker coalesces them, so a
// stall never causes a burst.
type speakLoop struct {
	mixer     *Mixer
	transport *rtp.Transport
	encoder   *opus.Encoder
	player    *Player
	logger    *slog.Logger

	silenceFrames int
	silenceLeft   int

	framesSent   atomic.Uint64
	framesNulled atomic.Uint64

	opusBuf [maxOpusFrame]byte
}

// newSpeakLoop builds the loop and its Opus encoder: 48 kHz stereo,
// application "audio", bitrate auto unless overridden.
func newSpeakLoop(mixer *Mixer, transport *rtp.Transport, player *Player, bitrate int, silenceFrames int, logger *slog.Logger) (*speakLoop, error) {
	enc, err := opus.NewEncoder(48000, 2, opus.AppAudio)
	if err != nil {
		return nil, err
	}
	if bitrate > 0 {
		if err := enc.SetBitrate(bitrate); err != nil {
			return nil, err
		}
	} else {
		if err := enc.SetBitrateToAuto(); err != nil {
			return nil, err
		}
	}
	if silenceFrames <= 0 {
		silenceFrames = defaultSilenceFrames
	}

	return &speakLoop{
		mixer:         mixer,
		transport:     transport,
		encoder:       enc,
		player:        player,
		logger:        logger.With("subsystem", "speak-loop"),
		silenceFrames: silenceFrames,
	}, nil
}

// run drives the loop until the guild context is cancelled. It owns the
// UDP socket: nothing else writes to it.
func (s *speakLoop) run(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	consecutiveErrs := 0

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if err := s.tick(); err != nil {
			consecutiveErrs++
			s.logger.Warn("tick failed", "consecutive", consecutiveErrs, "error", err)
			if consecutiveErrs > maxConsecutiveSendErrors {
				s.player.fault("speak loop failed persistently: " + err.Error())
				return
			}
			continue
		}
		consecutiveErrs = 0
	}
}

// tick performs one 20 ms cycle.
func (s *speakLoop) tick() error {
	result := s.mixer.MixTick()

	// Passthrough packets skip DSP and re-encoding entirely.
	if result.Opus != nil {
		s.silenceLeft = s.silenceFrames
		return s.transmit(result.Opus)
	}

	frame := result.Frame

	// The guild chain applies to the mixed PCM. With an active
	// timescale the chain drains its FIFO even on a silent tick, so the
	// frame may materialize here.
	chain := s.player.chainRef()
	if chain.Enabled() {
		if frame != nil || chain.Timescale() != nil {
			frame = chain.Apply(frame)
		}
	}

	if frame == nil {
		// Silence policy: a few silence frames to flush the jitter
		// buffer, then stop transmitting until audio returns.
		if s.silenceLeft > 0 {
			s.silenceLeft--
			s.framesNulled.Add(1)
			return s.transmit(opusSilence)
		}
		s.framesNulled.Add(1)
		return nil
	}

	n, err := s.encoder.Encode(frame, s.opusBuf[:])
	if err != nil {
		s.framesNulled.Add(1)
		return err
	}

	s.silenceLeft = s.silenceFrames
	return s.transmit(s.opusBuf[:n])
}

// transmit runs the optional E2EE layer and hands the payload to the
// transport, then counts the frame.
func (s *speakLoop) transmit(payload []byte) error {
	if cryptor := s.player.frameCryptor(); cryptor != nil {
		enc, err := cryptor.EncryptFrame(payload)
		if err != nil {
			s.framesNulled.Add(1)
			return err
		}
		payload = enc
	}

	if err := s.transport.Send(payload); err != nil {
		s.framesNulled.Add(1)
		return err
	}
	s.framesSent.Add(1)
	return nil
}

// chainRef returns the current guild filter chain under a short lock.
// The chain itself is applied outside the lock: only the pointer swap
// is protected.
func (p *Player) chainRef() *filter.Chain {
	p.chainMu.Lock()
	defer p.chainMu.Unlock()
	return p.chain
}
