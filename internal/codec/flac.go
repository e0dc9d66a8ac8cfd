package codec

import (
	"errors"
	"fmt"
	"io"

	"github.com/mewkiz/flac"

	"github.com/wavelink/wavelink/internal/remote"
)

// flacReader adapts a FLAC stream to the PCMReader contract. Frames
// arrive as per-channel int32 subframes at the stream bit depth;
// samples are rescaled to 16 bits.
type flacReader struct {
	src    remote.ByteSource
	stream *flac.Stream

	channels int
	shift    int // left shift to reach 16-bit; negative means right

	pcm []int16 // interleaved samples pending delivery
	off int
}

func newFLACReader(src remote.ByteSource) (*flacReader, error) {
	stream, err := flac.NewSeek(src)
	if err != nil {
		return nil, fmt.Errorf("opening flac stream: %w", err)
	}
	info := stream.Info
	ch := int(info.NChannels)
	if ch < 1 || ch > 2 {
		return nil, fmt.Errorf("codec: unsupported flac channel count %d", ch)
	}
	return &flacReader{
		src:      src,
		stream:   stream,
		channels: ch,
		shift:    16 - int(info.BitsPerSample),
	}, nil
}

func (f *flacReader) SampleRate() int { return int(f.stream.Info.SampleRate) }
func (f *flacReader) Channels() int   { return f.channels }

func (f *flacReader) Read(dst []int16) (int, error) {
	for f.off >= len(f.pcm) {
		frame, err := f.stream.ParseNext()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return 0, io.EOF
			}
			return 0, fmt.Errorf("parsing flac frame: %w", err)
		}

		blockSize := len(frame.Subframes[0].Samples)
		need := blockSize * f.channels
		if cap(f.pcm) < need {
			f.pcm = make([]int16, need)
		}
		f.pcm = f.pcm[:need]
		for ch := 0; ch < f.channels; ch++ {
			samples := frame.Subframes[ch].Samples
			for i, s := range samples {
				f.pcm[i*f.channels+ch] = rescaleSample(s, f.shift)
			}
		}
		f.off = 0
	}

	n := copy(dst, f.pcm[f.off:])
	n -= n % f.channels
	f.off += n
	return n, nil
}

// rescaleSample shifts a sample from the stream bit depth to 16 bits,
// saturating on the way up.
func rescaleSample(s int32, shift int) int16 {
	if shift >= 0 {
		return clamp32(s << shift)
	}
	return clamp32(s >> -shift)
}

func (f *flacReader) Seek(ms int64) error {
	sample := uint64(ms) * uint64(f.stream.Info.SampleRate) / 1000
	if _, err := f.stream.Seek(sample); err != nil {
		return fmt.Errorf("seeking flac stream: %w", err)
	}
	f.pcm = f.pcm[:0]
	f.off = 0
	return nil
}

func (f *flacReader) Close() error { return f.src.Close() }
