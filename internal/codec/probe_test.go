package codec

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"
	"testing"
)

// memSource adapts an in-memory byte slice to the remote.ByteSource
// contract for tests.
type memSource struct {
	*bytes.Reader
}

func newMemSource(b []byte) *memSource {
	return &memSource{Reader: bytes.NewReader(b)}
}

func (m *memSource) Len() (int64, bool) { return int64(m.Reader.Size()), true }
func (m *memSource) Close() error       { return nil }

func TestDetectContainer(t *testing.T) {
	tests := []struct {
		name string
		head []byte
		hint string
		want string
	}{
		{"ogg magic", []byte("OggS\x00rest of header"), "", "ogg"},
		{"flac magic", []byte("fLaC\x00\x00\x00\x22more bytes!!"), "", "flac"},
		{"wav magic", []byte("RIFF\x24\x08\x00\x00WAVEfmt "), "", "wav"},
		{"id3 tag", []byte("ID3\x04\x00\x00\x00\x00\x00\x00pad"), "", "mp3"},
		{"mpeg sync", []byte{0xFF, 0xFB, 0x90, 0x00, 0, 0, 0, 0, 0, 0, 0, 0}, "", "mp3"},
		{"hint wins", []byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}, "opus", "ogg"},
		{"unknown hint sniffs", []byte("fLaC\x00\x00\x00\x22more bytes!!"), "mystery", "flac"},
		{"garbage", []byte("nothing here at all!"), "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := detectContainer(tt.head, tt.hint); got != tt.want {
				t.Errorf("detectContainer() = %q, want %q", got, tt.want)
			}
		})
	}
}

// buildWAV assembles a PCM WAV file around the given interleaved samples.
func buildWAV(t *testing.T, sampleRate int, channels int, samples []int16) []byte {
	t.Helper()

	var data bytes.Buffer
	for _, s := range samples {
		binary.Write(&data, binary.LittleEndian, s)
	}

	var buf bytes.Buffer
	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36+data.Len()))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(wavFormatPCM))
	binary.Write(&buf, binary.LittleEndian, uint16(channels))
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate*channels*2))
	binary.Write(&buf, binary.LittleEndian, uint16(channels*2))
	binary.Write(&buf, binary.LittleEndian, uint16(16))
	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(data.Len()))
	buf.Write(data.Bytes())
	return buf.Bytes()
}

func TestProbeWAVRoundTrip(t *testing.T) {
	const rate = 48000
	samples := make([]int16, 960*2)
	for i := 0; i < 960; i++ {
		v := int16(10000 * math.Sin(2*math.Pi*440*float64(i)/rate))
		samples[i*2] = v
		samples[i*2+1] = v
	}

	track, err := Probe(newMemSource(buildWAV(t, rate, 2, samples)), ProbeOptions{})
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	defer track.Close()

	if track.Mode != ModeTranscode {
		t.Fatalf("mode = %v, want transcode", track.Mode)
	}
	if track.Container != "wav" || track.Codec != "pcm" {
		t.Fatalf("container/codec = %s/%s, want wav/pcm", track.Container, track.Codec)
	}
	if track.PCM.SampleRate() != rate {
		t.Errorf("sample rate = %d, want %d", track.PCM.SampleRate(), rate)
	}
	if track.PCM.Channels() != 2 {
		t.Errorf("channels = %d, want 2", track.PCM.Channels())
	}

	got := make([]int16, 0, len(samples))
	buf := make([]int16, 256)
	for {
		n, err := track.PCM.Read(buf)
		got = append(got, buf[:n]...)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
	}
	if len(got) != len(samples) {
		t.Fatalf("decoded %d samples, want %d", len(got), len(samples))
	}
	for i := range got {
		if got[i] != samples[i] {
			t.Fatalf("sample %d = %d, want %d", i, got[i], samples[i])
		}
	}
}

func TestWAVSeek(t *testing.T) {
	const rate = 8000
	samples := make([]int16, rate*2) // one second stereo
	for i := range samples {
		samples[i] = int16(i)
	}

	track, err := Probe(newMemSource(buildWAV(t, rate, 2, samples)), ProbeOptions{})
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	defer track.Close()

	if err := track.PCM.Seek(500); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	buf := make([]int16, 4)
	if _, err := track.PCM.Read(buf); err != nil {
		t.Fatalf("Read: %v", err)
	}
	wantIdx := rate / 2 * 2 // 500 ms into stereo interleave
	if buf[0] != samples[wantIdx] {
		t.Errorf("post-seek sample = %d, want %d", buf[0], samples[wantIdx])
	}
}

func TestOpusPacketDuration(t *testing.T) {
	tests := []struct {
		name   string
		pkt    []byte
		wantUs int64
	}{
		{"celt 20ms single", []byte{0xF8, 0x00}, 20000}, // config 31, code 0
		{"silk 20ms single", []byte{0x08, 0x00}, 20000},        // config 1, code 0
		{"silk 60ms single", []byte{0x18, 0x00}, 60000},        // config 3, code 0
		{"two frames", []byte{0x09, 0x00}, 40000},              // config 1, code 1
		{"celt 2.5ms", []byte{0x80, 0x00}, 2500},               // config 16, code 0
		{"empty", nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := opusPacketDuration(tt.pkt); got != tt.wantUs {
				t.Errorf("opusPacketDuration() = %d, want %d", got, tt.wantUs)
			}
		})
	}
}

func TestRescaleSample(t *testing.T) {
	tests := []struct {
		name  string
		s     int32
		shift int
		want  int16
	}{
		{"16-bit identity", 1234, 0, 1234},
		{"8-bit up", 100, 8, 25600},
		{"24-bit down", 1 << 20, -8, 4096},
		{"saturates", 1 << 30, 0, 32767},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := rescaleSample(tt.s, tt.shift); got != tt.want {
				t.Errorf("rescaleSample(%d, %d) = %d, want %d", tt.s, tt.shift, got, tt.want)
			}
		})
	}
}
