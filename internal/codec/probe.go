package codec

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/wavelink/wavelink/internal/remote"
)

// sniffLen is how many leading bytes the probe examines.
const sniffLen = 16

// ProbeOptions control mode selection.
type ProbeOptions struct {
	// ContainerHint is the resolver's container name ("ogg", "mp3",
	// "flac", "wav"); empty means sniff.
	ContainerHint string
	// AllowPassthrough permits Opus passthrough when the container
	// exposes Opus packets directly. The engine clears it when guild
	// filters are active or a passthrough slot is already taken.
	AllowPassthrough bool
}

// Probe detects the container and codec of src and opens the matching
// demuxer and decoder. Passthrough is chosen iff the container carries
// Opus and opts.AllowPassthrough is set; everything else transcodes.
func Probe(src remote.ByteSource, opts ProbeOptions) (*Track, error) {
	head := make([]byte, sniffLen)
	if _, err := io.ReadFull(src, head); err != nil {
		return nil, fmt.Errorf("sniffing container: %w", err)
	}
	if _, err := src.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("rewinding after sniff: %w", err)
	}

	container := detectContainer(head, opts.ContainerHint)

	switch container {
	case "ogg":
		return probeOgg(src, opts)
	case "mp3":
		pcm, err := newMP3Reader(src)
		if err != nil {
			return nil, fmt.Errorf("opening mp3 decoder: %w", err)
		}
		return &Track{Mode: ModeTranscode, Container: "mp3", Codec: "mp3", PCM: pcm}, nil
	case "flac":
		pcm, err := newFLACReader(src)
		if err != nil {
			return nil, fmt.Errorf("opening flac decoder: %w", err)
		}
		return &Track{Mode: ModeTranscode, Container: "flac", Codec: "flac", PCM: pcm}, nil
	case "wav":
		pcm, err := newWAVReader(src)
		if err != nil {
			return nil, fmt.Errorf("opening wav reader: %w", err)
		}
		return &Track{Mode: ModeTranscode, Container: "wav", Codec: "pcm", PCM: pcm}, nil
	default:
		return nil, fmt.Errorf("codec: unsupported container (hint %q, magic % x)", opts.ContainerHint, head[:4])
	}
}

// detectContainer combines the resolver hint with magic-byte sniffing.
// The hint wins when it names a container we know; unknown hints fall
// back to sniffing.
func detectContainer(head []byte, hint string) string {
	switch strings.ToLower(hint) {
	case "ogg", "oga", "opus":
		return "ogg"
	case "mp3", "mpeg":
		return "mp3"
	case "flac":
		return "flac"
	case "wav", "wave", "riff":
		return "wav"
	}

	switch {
	case bytes.HasPrefix(head, []byte("OggS")):
		return "ogg"
	case bytes.HasPrefix(head, []byte("fLaC")):
		return "flac"
	case bytes.HasPrefix(head, []byte("RIFF")) && len(head) >= 12 && bytes.Equal(head[8:12], []byte("WAVE")):
		return "wav"
	case bytes.HasPrefix(head, []byte("ID3")):
		return "mp3"
	case len(head) >= 2 && head[0] == 0xFF && head[1]&0xE0 == 0xE0:
		// Bare MPEG audio frame sync.
		return "mp3"
	default:
		return ""
	}
}

// probeOgg inspects the first logical stream of an Ogg container. Opus
// streams go passthrough when permitted, otherwise through the Opus
// decoder; Vorbis streams always transcode. Only the first logical
// stream is examined: when its first packet matches neither codec the
// probe fails, and later logical streams are not searched.
func probeOgg(src remote.ByteSource, opts ProbeOptions) (*Track, error) {
	kind, err := sniffOggCodec(src)
	if err != nil {
		return nil, err
	}
	if _, err := src.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("rewinding ogg stream: %w", err)
	}

	switch kind {
	case "opus":
		if opts.AllowPassthrough {
			pr, err := newOggOpusPacketReader(src)
			if err != nil {
				return nil, fmt.Errorf("opening ogg/opus demuxer: %w", err)
			}
			return &Track{Mode: ModePassthrough, Container: "ogg", Codec: "opus", Packets: pr}, nil
		}
		pcm, err := newOggOpusPCMReader(src)
		if err != nil {
			return nil, fmt.Errorf("opening ogg/opus decoder: %w", err)
		}
		return &Track{Mode: ModeTranscode, Container: "ogg", Codec: "opus", PCM: pcm}, nil
	case "vorbis":
		pcm, err := newVorbisReader(src)
		if err != nil {
			return nil, fmt.Errorf("opening ogg/vorbis decoder: %w", err)
		}
		return &Track{Mode: ModeTranscode, Container: "ogg", Codec: "vorbis", PCM: pcm}, nil
	default:
		return nil, fmt.Errorf("codec: ogg stream carries no decodable audio codec")
	}
}
