package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/wavelink/wavelink/internal/codec"
	"github.com/wavelink/wavelink/internal/dsp"
	"github.com/wavelink/wavelink/internal/pool"
)

const (
	// frameSamples is one 20 ms stereo frame in interleaved samples.
	frameSamples = 960 * 2

	// decodeChunk is the per-iteration decode request in samples.
	decodeChunk = 4096

	// maxConsecutiveDecodeErrors bounds packet-level decode failures
	// before the track ends fatally.
	maxConsecutiveDecodeErrors = 3

	// maxCommandsPerIteration bounds command draining so a flood of
	// seeks cannot starve decoding.
	maxCommandsPerIteration = 4
)

// processor is the per-track decode worker. It owns the demuxer and
// decoder, services seek/stop commands, and feeds either the PCM frame
// channel or the passthrough packet channel. It runs on its own
// goroutine because demux and decode are synchronous.
type processor struct {
	track   *Track
	decoded *codec.Track
	pool    *pool.Pool
	logger  *slog.Logger

	resampler *dsp.Resampler
	acc       []int16 // accumulator of 48 kHz interleaved samples
	mono      bool    // source is mono; duplicate into stereo
}

// runTranscode drives the full decode → resample → frame pipeline until
// end of stream, a fatal error, or a stop. It closes the frame channel
// on exit; the error channel carries at most one message.
func runTranscode(ctx context.Context, track *Track, decoded *codec.Track, bufPool *pool.Pool, logger *slog.Logger) {
	p := &processor{
		track:   track,
		decoded: decoded,
		pool:    bufPool,
		logger:  logger.With("subsystem", "audio-processor", "track", track.fp.String()),
	}

	defer close(track.done)
	defer close(track.frames)
	defer decoded.Close()

	pcm := decoded.PCM
	resampler, err := dsp.NewResampler(pcm.SampleRate(), pcm.Channels())
	if err != nil {
		p.fail(fmt.Sprintf("unsupported source format: %v", err))
		return
	}
	p.resampler = resampler
	p.mono = pcm.Channels() == 1

	raw := make([]int16, decodeChunk)
	stereo := make([]int16, 0, decodeChunk*2)
	consecutiveErrs := 0

	for {
		if ctx.Err() != nil || track.stopProc.Load() {
			return
		}
		if !p.drainCommands() {
			return
		}

		n, err := pcm.Read(raw)
		if n > 0 {
			consecutiveErrs = 0

			in := raw[:n]
			if p.mono {
				stereo = stereo[:0]
				for _, s := range in {
					stereo = append(stereo, s, s)
				}
				in = stereo
			}

			p.acc = p.resampler.Resample(p.acc, in)
			if !p.flushFrames(ctx) {
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				p.logger.Debug("end of stream")
				close(track.errc)
				return
			}
			consecutiveErrs++
			if consecutiveErrs > maxConsecutiveDecodeErrors {
				p.fail(fmt.Sprintf("decoding failed %d times in a row: %v", consecutiveErrs, err))
				return
			}
			p.logger.Debug("decode error, skipping packet",
				"consecutive", consecutiveErrs,
				"error", err,
			)
		}
	}
}

// drainCommands services pending seeks and stops, bounded per
// iteration. Returns false when the processor must exit.
func (p *processor) drainCommands() bool {
	for i := 0; i < maxCommandsPerIteration; i++ {
		select {
		case cmd := <-p.track.cmds:
			switch cmd.kind {
			case cmdStop:
				close(p.track.errc)
				return false
			case cmdSeek:
				if err := p.decoded.PCM.Seek(cmd.ms); err != nil {
					p.fail(fmt.Sprintf("seek to %dms failed: %v", cmd.ms, err))
					return false
				}
				p.resampler.Reset()
				p.acc = p.acc[:0]
				p.track.positionS.Store(cmd.ms * 48000 / 1000)
				p.logger.Debug("seeked", "position_ms", cmd.ms)
			}
		default:
			return true
		}
	}
	return true
}

// flushFrames cuts complete 960-frame chunks off the accumulator and
// sends them as pooled buffers. The bounded channel blocks when full —
// the natural backpressure that stalls decode and, transitively, the
// remote prefetch. Returns false when the processor must exit.
func (p *processor) flushFrames(ctx context.Context) bool {
	for len(p.acc) >= frameSamples {
		buf := p.pool.Acquire(frameSamples)
		copy(buf.Data, p.acc[:frameSamples])
		p.acc = append(p.acc[:0], p.acc[frameSamples:]...)

		select {
		case p.track.frames <- buf:
			p.track.firstFrame.Store(true)
		case <-ctx.Done():
			buf.Release()
			return false
		case cmd := <-p.track.cmds:
			// A command arriving while blocked on a full channel must
			// not deadlock; handle it and retry the send.
			buf.Release()
			switch cmd.kind {
			case cmdStop:
				close(p.track.errc)
				return false
			case cmdSeek:
				if err := p.decoded.PCM.Seek(cmd.ms); err != nil {
					p.fail(fmt.Sprintf("seek to %dms failed: %v", cmd.ms, err))
					return false
				}
				p.resampler.Reset()
				p.acc = p.acc[:0]
				p.track.positionS.Store(cmd.ms * 48000 / 1000)
				return true
			}
		}
	}
	return true
}

// fail pushes the single error message and exits the pipeline.
func (p *processor) fail(msg string) {
	p.logger.Warn("track failed", "error", msg)
	select {
	case p.track.errc <- msg:
	default:
	}
	close(p.track.errc)
}

// runPassthrough forwards raw Opus packets from the demuxer to the
// guild's passthrough slot.
func runPassthrough(ctx context.Context, pt *Passthrough, decoded *codec.Track, logger *slog.Logger) {
	log := logger.With("subsystem", "audio-processor", "track", pt.fp.String(), "mode", "passthrough")

	defer close(pt.done)
	defer close(pt.packets)
	defer decoded.Close()

	fail := func(msg string) {
		log.Warn("track failed", "error", msg)
		select {
		case pt.errc <- msg:
		default:
		}
		close(pt.errc)
	}

	for {
		if ctx.Err() != nil || pt.stopProc.Load() {
			return
		}

		// Bounded command drain.
		drained := true
		for i := 0; i < maxCommandsPerIteration && drained; i++ {
			select {
			case cmd := <-pt.cmds:
				switch cmd.kind {
				case cmdStop:
					close(pt.errc)
					return
				case cmdSeek:
					if err := decoded.Packets.Seek(cmd.ms); err != nil {
						fail(fmt.Sprintf("seek to %dms failed: %v", cmd.ms, err))
						return
					}
					pt.positionMs.Store(cmd.ms)
				}
			default:
				drained = false
			}
		}

		pkt, _, err := decoded.Packets.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				close(pt.errc)
				return
			}
			fail(fmt.Sprintf("demuxing failed: %v", err))
			return
		}

		select {
		case pt.packets <- pkt:
			pt.firstFrame.Store(true)
		case <-ctx.Done():
			return
		case cmd := <-pt.cmds:
			if cmd.kind == cmdStop {
				close(pt.errc)
				return
			}
			if err := decoded.Packets.Seek(cmd.ms); err != nil {
				fail(fmt.Sprintf("seek to %dms failed: %v", cmd.ms, err))
				return
			}
			pt.positionMs.Store(cmd.ms)
		}
	}
}
