package codec

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/jonas747/ogg"
	"gopkg.in/hraban/opus.v2"

	"github.com/wavelink/wavelink/internal/remote"
)

var (
	opusHeadMagic = []byte("OpusHead")
	opusTagsMagic = []byte("OpusTags")
	vorbisMagic   = []byte("\x01vorbis")
)

// sniffOggCodec reads the first packet of the first logical stream and
// names its codec ("opus", "vorbis", or "" for anything else).
func sniffOggCodec(src io.Reader) (string, error) {
	pd := ogg.NewPacketDecoder(ogg.NewDecoder(src))
	pkt, _, err := pd.Decode()
	if err != nil {
		return "", fmt.Errorf("reading first ogg packet: %w", err)
	}
	switch {
	case bytes.HasPrefix(pkt, opusHeadMagic):
		return "opus", nil
	case bytes.HasPrefix(pkt, vorbisMagic):
		return "vorbis", nil
	default:
		return "", nil
	}
}

// opusPacketDuration derives a packet's duration in microseconds from
// its TOC byte (RFC 6716 §3.1).
func opusPacketDuration(pkt []byte) int64 {
	if len(pkt) == 0 {
		return 0
	}
	toc := pkt[0]
	config := toc >> 3

	var frameUs int64
	switch {
	case config < 12: // SILK NB/MB/WB
		frameUs = []int64{10000, 20000, 40000, 60000}[config&3]
	case config < 16: // hybrid SWB/FB
		frameUs = []int64{10000, 20000}[config&1]
	default: // CELT
		frameUs = []int64{2500, 5000, 10000, 20000}[config&3]
	}

	var frames int64
	switch toc & 3 {
	case 0:
		frames = 1
	case 1, 2:
		frames = 2
	case 3:
		if len(pkt) < 2 {
			return frameUs
		}
		frames = int64(pkt[1] & 0x3F)
	}
	return frames * frameUs
}

// oggOpusPacketReader demuxes raw Opus packets out of an Ogg stream for
// passthrough. Header packets (OpusHead, OpusTags) are consumed up
// front; Next yields only audio packets.
type oggOpusPacketReader struct {
	src remote.ByteSource
	pd  *ogg.PacketDecoder

	channels   int
	preSkipUs  int64
	positionUs int64
}

// newOggOpusPacketReader opens the demuxer and consumes the two header
// packets.
func newOggOpusPacketReader(src remote.ByteSource) (*oggOpusPacketReader, error) {
	r := &oggOpusPacketReader{src: src}
	if err := r.restart(); err != nil {
		return nil, err
	}
	return r, nil
}

// restart rewinds the source and re-reads the stream headers.
func (r *oggOpusPacketReader) restart() error {
	if _, err := r.src.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewinding source: %w", err)
	}
	r.pd = ogg.NewPacketDecoder(ogg.NewDecoder(r.src))
	r.positionUs = 0

	head, _, err := r.pd.Decode()
	if err != nil {
		return fmt.Errorf("reading OpusHead: %w", err)
	}
	if !bytes.HasPrefix(head, opusHeadMagic) || len(head) < 12 {
		return errors.New("codec: malformed OpusHead packet")
	}
	r.channels = int(head[9])
	preSkip := int64(head[10]) | int64(head[11])<<8
	r.preSkipUs = preSkip * 1_000_000 / 48000

	tags, _, err := r.pd.Decode()
	if err != nil {
		return fmt.Errorf("reading OpusTags: %w", err)
	}
	if !bytes.HasPrefix(tags, opusTagsMagic) {
		return errors.New("codec: malformed OpusTags packet")
	}
	return nil
}

// Next returns the next audio packet and its duration in milliseconds.
func (r *oggOpusPacketReader) Next() ([]byte, int64, error) {
	pkt, _, err := r.pd.Decode()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, 0, io.EOF
		}
		return nil, 0, fmt.Errorf("demuxing ogg packet: %w", err)
	}
	durUs := opusPacketDuration(pkt)
	r.positionUs += durUs

	out := make([]byte, len(pkt))
	copy(out, pkt)
	return out, durUs / 1000, nil
}

// Seek restarts the stream and skims packets until the target time.
// Ogg offers no byte-accurate time index without a bisection pass, so a
// forward skim from the start keeps the demuxer state exact.
func (r *oggOpusPacketReader) Seek(ms int64) error {
	if err := r.restart(); err != nil {
		return err
	}
	targetUs := ms * 1000
	for r.positionUs < targetUs {
		if _, _, err := r.Next(); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
	return nil
}

func (r *oggOpusPacketReader) Close() error { return r.src.Close() }

// oggOpusPCMReader decodes an Ogg/Opus stream to interleaved 16-bit PCM
// at 48 kHz for the transcode path (used when filters disqualify
// passthrough).
type oggOpusPCMReader struct {
	packets *oggOpusPacketReader
	dec     *opus.Decoder

	channels int
	pcm      []int16 // decoded samples pending delivery
	off      int
}

func newOggOpusPCMReader(src remote.ByteSource) (*oggOpusPCMReader, error) {
	packets, err := newOggOpusPacketReader(src)
	if err != nil {
		return nil, err
	}
	channels := packets.channels
	if channels < 1 || channels > 2 {
		return nil, fmt.Errorf("codec: unsupported opus channel count %d", channels)
	}
	dec, err := opus.NewDecoder(48000, channels)
	if err != nil {
		return nil, fmt.Errorf("creating opus decoder: %w", err)
	}
	return &oggOpusPCMReader{
		packets:  packets,
		dec:      dec,
		channels: channels,
		// 120 ms is the longest legal Opus packet.
		pcm: make([]int16, 0, 5760*channels),
	}, nil
}

func (r *oggOpusPCMReader) SampleRate() int { return 48000 }
func (r *oggOpusPCMReader) Channels() int   { return r.channels }

func (r *oggOpusPCMReader) Read(dst []int16) (int, error) {
	for r.off >= len(r.pcm) {
		pkt, _, err := r.packets.Next()
		if err != nil {
			return 0, err
		}
		buf := r.pcm[:cap(r.pcm)]
		n, err := r.dec.Decode(pkt, buf)
		if err != nil {
			return 0, fmt.Errorf("decoding opus packet: %w", err)
		}
		r.pcm = buf[:n*r.channels]
		r.off = 0
	}

	n := copy(dst, r.pcm[r.off:])
	n -= n % r.channels
	r.off += n
	return n, nil
}

func (r *oggOpusPCMReader) Seek(ms int64) error {
	r.pcm = r.pcm[:0]
	r.off = 0
	// A fresh decoder avoids carrying prediction state across the jump.
	dec, err := opus.NewDecoder(48000, r.channels)
	if err != nil {
		return fmt.Errorf("recreating opus decoder: %w", err)
	}
	r.dec = dec
	return r.packets.Seek(ms)
}

func (r *oggOpusPCMReader) Close() error { return r.packets.Close() }
