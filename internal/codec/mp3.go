package codec

import (
	"encoding/binary"
	"fmt"
	"io"

	mp3 "github.com/hajimehoshi/go-mp3"

	"github.com/wavelink/wavelink/internal/remote"
)

// mp3Reader adapts an MPEG audio stream to the PCMReader contract. The
// decoder always emits 16-bit little-endian stereo at the stream's
// sample rate; seeking operates on the decoded byte stream (4 bytes per
// sample pair).
type mp3Reader struct {
	src remote.ByteSource
	dec *mp3.Decoder

	bbuf []byte
}

func newMP3Reader(src remote.ByteSource) (*mp3Reader, error) {
	dec, err := mp3.NewDecoder(src)
	if err != nil {
		return nil, fmt.Errorf("opening mp3 stream: %w", err)
	}
	return &mp3Reader{src: src, dec: dec}, nil
}

func (m *mp3Reader) SampleRate() int { return m.dec.SampleRate() }
func (m *mp3Reader) Channels() int   { return 2 }

func (m *mp3Reader) Read(dst []int16) (int, error) {
	want := len(dst) - len(dst)%2
	if want == 0 {
		return 0, nil
	}
	if cap(m.bbuf) < want*2 {
		m.bbuf = make([]byte, want*2)
	}
	n, err := io.ReadFull(m.dec, m.bbuf[:want*2])
	n -= n % 4 // whole sample pairs only
	for i := 0; i < n/2; i++ {
		dst[i] = int16(binary.LittleEndian.Uint16(m.bbuf[i*2:]))
	}
	if n > 0 {
		return n / 2, nil
	}
	if err == io.ErrUnexpectedEOF {
		err = io.EOF
	}
	return 0, err
}

func (m *mp3Reader) Seek(ms int64) error {
	// Decoded stream offset: stereo 16-bit, 4 bytes per sample pair.
	off := ms * int64(m.dec.SampleRate()) / 1000 * 4
	if _, err := m.dec.Seek(off, io.SeekStart); err != nil {
		return fmt.Errorf("seeking mp3 stream: %w", err)
	}
	return nil
}

func (m *mp3Reader) Close() error { return m.src.Close() }
