package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/wavelink/wavelink/internal/remote"
)

// WAV format codes we can decode.
const (
	wavFormatPCM   = 1
	wavFormatFloat = 3
)

// wavHeader holds the parsed fields from a WAV file header needed for
// playback.
type wavHeader struct {
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	BitsPerSample uint16
	DataSize      uint32
	DataStart     int64 // byte offset of the data chunk payload
}

// parseWAVHeader reads and validates a WAV header, walking chunks until
// "fmt " and "data" are found, and positions the reader at the start of
// audio data.
func parseWAVHeader(r io.ReadSeeker) (*wavHeader, error) {
	var riffHeader [12]byte
	if _, err := io.ReadFull(r, riffHeader[:]); err != nil {
		return nil, fmt.Errorf("reading riff header: %w", err)
	}
	if string(riffHeader[0:4]) != "RIFF" {
		return nil, errors.New("not a RIFF file")
	}
	if string(riffHeader[8:12]) != "WAVE" {
		return nil, errors.New("not a WAVE file")
	}

	hdr := &wavHeader{}
	offset := int64(12)
	foundFmt := false
	foundData := false

	for !foundData {
		var chunkID [4]byte
		var chunkSize uint32

		if _, err := io.ReadFull(r, chunkID[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return nil, fmt.Errorf("reading chunk id: %w", err)
		}
		if err := binary.Read(r, binary.LittleEndian, &chunkSize); err != nil {
			return nil, fmt.Errorf("reading chunk size: %w", err)
		}
		offset += 8

		switch string(chunkID[:]) {
		case "fmt ":
			if chunkSize < 16 {
				return nil, fmt.Errorf("fmt chunk too small: %d bytes", chunkSize)
			}
			var fields struct {
				AudioFormat   uint16
				NumChannels   uint16
				SampleRate    uint32
				ByteRate      uint32
				BlockAlign    uint16
				BitsPerSample uint16
			}
			if err := binary.Read(r, binary.LittleEndian, &fields); err != nil {
				return nil, fmt.Errorf("reading fmt fields: %w", err)
			}
			hdr.AudioFormat = fields.AudioFormat
			hdr.NumChannels = fields.NumChannels
			hdr.SampleRate = fields.SampleRate
			hdr.BitsPerSample = fields.BitsPerSample
			// Skip any extra fmt bytes.
			if chunkSize > 16 {
				if _, err := r.Seek(int64(chunkSize-16), io.SeekCurrent); err != nil {
					return nil, fmt.Errorf("skipping extra fmt data: %w", err)
				}
			}
			offset += int64(chunkSize)
			foundFmt = true

		case "data":
			hdr.DataSize = chunkSize
			hdr.DataStart = offset
			foundData = true

		default:
			// Skip unknown chunks. Pad to even boundary per WAV spec.
			skip := int64(chunkSize)
			if chunkSize%2 != 0 {
				skip++
			}
			if _, err := r.Seek(skip, io.SeekCurrent); err != nil {
				return nil, fmt.Errorf("skipping chunk %q: %w", string(chunkID[:]), err)
			}
			offset += skip
		}
	}

	if !foundFmt {
		return nil, errors.New("wav file missing fmt chunk")
	}
	if !foundData {
		return nil, errors.New("wav file missing data chunk")
	}

	return hdr, nil
}

// wavReader adapts a PCM or float WAV stream to the PCMReader contract.
type wavReader struct {
	src remote.ByteSource
	hdr *wavHeader

	bytesPerSample int
	read           int64 // payload bytes consumed

	bbuf []byte
}

func newWAVReader(src remote.ByteSource) (*wavReader, error) {
	hdr, err := parseWAVHeader(src)
	if err != nil {
		return nil, fmt.Errorf("parsing wav header: %w", err)
	}

	if hdr.NumChannels < 1 || hdr.NumChannels > 2 {
		return nil, fmt.Errorf("codec: unsupported wav channel count %d", hdr.NumChannels)
	}
	switch {
	case hdr.AudioFormat == wavFormatPCM && (hdr.BitsPerSample == 8 || hdr.BitsPerSample == 16):
	case hdr.AudioFormat == wavFormatFloat && hdr.BitsPerSample == 32:
	default:
		return nil, fmt.Errorf("codec: unsupported wav format %d at %d bits", hdr.AudioFormat, hdr.BitsPerSample)
	}

	return &wavReader{
		src:            src,
		hdr:            hdr,
		bytesPerSample: int(hdr.BitsPerSample) / 8,
	}, nil
}

func (w *wavReader) SampleRate() int { return int(w.hdr.SampleRate) }
func (w *wavReader) Channels() int   { return int(w.hdr.NumChannels) }

func (w *wavReader) Read(dst []int16) (int, error) {
	remaining := int64(w.hdr.DataSize) - w.read
	if remaining <= 0 {
		return 0, io.EOF
	}

	want := len(dst) - len(dst)%int(w.hdr.NumChannels)
	wantBytes := int64(want * w.bytesPerSample)
	if wantBytes > remaining {
		wantBytes = remaining - remaining%int64(w.bytesPerSample*int(w.hdr.NumChannels))
		if wantBytes == 0 {
			return 0, io.EOF
		}
	}
	if cap(w.bbuf) < int(wantBytes) {
		w.bbuf = make([]byte, wantBytes)
	}

	n, err := io.ReadFull(w.src, w.bbuf[:wantBytes])
	n -= n % (w.bytesPerSample * int(w.hdr.NumChannels))
	w.read += int64(n)

	samples := n / w.bytesPerSample
	switch {
	case w.hdr.AudioFormat == wavFormatFloat:
		for i := 0; i < samples; i++ {
			f := math.Float32frombits(binary.LittleEndian.Uint32(w.bbuf[i*4:]))
			dst[i] = clampToInt16(f)
		}
	case w.hdr.BitsPerSample == 16:
		for i := 0; i < samples; i++ {
			dst[i] = int16(binary.LittleEndian.Uint16(w.bbuf[i*2:]))
		}
	default: // 8-bit PCM is unsigned
		for i := 0; i < samples; i++ {
			dst[i] = (int16(w.bbuf[i]) - 128) << 8
		}
	}

	if samples > 0 {
		return samples, nil
	}
	if err == io.ErrUnexpectedEOF || err == nil {
		err = io.EOF
	}
	return 0, err
}

func (w *wavReader) Seek(ms int64) error {
	frameBytes := int64(w.bytesPerSample) * int64(w.hdr.NumChannels)
	off := ms * int64(w.hdr.SampleRate) / 1000 * frameBytes
	if off > int64(w.hdr.DataSize) {
		off = int64(w.hdr.DataSize)
	}
	if _, err := w.src.Seek(w.hdr.DataStart+off, io.SeekStart); err != nil {
		return fmt.Errorf("seeking wav stream: %w", err)
	}
	w.read = off
	return nil
}

func (w *wavReader) Close() error { return w.src.Close() }
