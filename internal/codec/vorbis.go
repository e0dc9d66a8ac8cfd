package codec

import (
	"fmt"

	"github.com/jfreymuth/oggvorbis"

	"github.com/wavelink/wavelink/internal/remote"
)

// vorbisReader adapts an Ogg/Vorbis stream to the PCMReader contract.
// The library yields interleaved float32; conversion to int16 is
// saturating.
type vorbisReader struct {
	src remote.ByteSource
	r   *oggvorbis.Reader

	fbuf []float32
}

func newVorbisReader(src remote.ByteSource) (*vorbisReader, error) {
	r, err := oggvorbis.NewReader(src)
	if err != nil {
		return nil, fmt.Errorf("opening vorbis stream: %w", err)
	}
	if ch := r.Channels(); ch < 1 || ch > 2 {
		return nil, fmt.Errorf("codec: unsupported vorbis channel count %d", ch)
	}
	return &vorbisReader{src: src, r: r}, nil
}

func (v *vorbisReader) SampleRate() int { return v.r.SampleRate() }
func (v *vorbisReader) Channels() int   { return v.r.Channels() }

func (v *vorbisReader) Read(dst []int16) (int, error) {
	want := len(dst) - len(dst)%v.r.Channels()
	if cap(v.fbuf) < want {
		v.fbuf = make([]float32, want)
	}
	n, err := v.r.Read(v.fbuf[:want])
	for i := 0; i < n; i++ {
		dst[i] = clampToInt16(v.fbuf[i])
	}
	if n > 0 {
		return n - n%v.r.Channels(), nil
	}
	return 0, err
}

func (v *vorbisReader) Seek(ms int64) error {
	pos := ms * int64(v.r.SampleRate()) / 1000
	if err := v.r.SetPosition(pos); err != nil {
		return fmt.Errorf("seeking vorbis stream: %w", err)
	}
	return nil
}

func (v *vorbisReader) Close() error { return v.src.Close() }
