package remote

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// testBody generates deterministic pseudo-random content so byte-level
// comparisons catch any gap or duplication.
func testBody(n int) []byte {
	rng := rand.New(rand.NewPCG(42, 7))
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(rng.Uint32())
	}
	return b
}

// rangeServer serves body with full Range support and counts requests.
func rangeServer(t *testing.T, body []byte, requests *atomic.Int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests != nil {
			requests.Add(1)
		}
		start := int64(0)
		if rng := r.Header.Get("Range"); rng != "" {
			var err error
			start, err = strconv.ParseInt(strings.TrimSuffix(strings.TrimPrefix(rng, "bytes="), "-"), 10, 64)
			if err != nil {
				t.Errorf("bad range header %q", rng)
			}
		}
		if start >= int64(len(body)) {
			w.Header().Set("Content-Range", "bytes */"+strconv.Itoa(len(body)))
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			return
		}
		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("Content-Type", "audio/mpeg")
		if start > 0 {
			w.Header().Set("Content-Range",
				fmt.Sprintf("bytes %d-%d/%d", start, len(body)-1, len(body)))
			w.WriteHeader(http.StatusPartialContent)
		}
		w.Write(body[start:])
	}))
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestReaderSequential(t *testing.T) {
	body := testBody(300 << 10)
	srv := rangeServer(t, body, nil)
	defer srv.Close()

	r := NewReader(srv.URL, ReaderConfig{}, testLogger())
	defer r.Close()

	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Equal(got, body) {
		t.Fatalf("body mismatch: got %d bytes, want %d", len(got), len(body))
	}
	if n, ok := r.Len(); !ok || n != int64(len(body)) {
		t.Errorf("Len() = %d, %v; want %d, true", n, ok, len(body))
	}
	if ct := r.ContentType(); ct != "audio/mpeg" {
		t.Errorf("ContentType() = %q, want audio/mpeg", ct)
	}
}

func TestReaderSeekEquivalence(t *testing.T) {
	body := testBody(200 << 10)
	srv := rangeServer(t, body, nil)
	defer srv.Close()

	targets := []int64{0, 1, 4095, 100 << 10, int64(len(body)) - 100}
	for _, target := range targets {
		t.Run(fmt.Sprintf("offset_%d", target), func(t *testing.T) {
			r := NewReader(srv.URL, ReaderConfig{}, testLogger())
			defer r.Close()

			if _, err := r.Seek(target, io.SeekStart); err != nil {
				t.Fatalf("Seek: %v", err)
			}
			got := make([]byte, 64)
			if _, err := io.ReadFull(r, got); err != nil {
				t.Fatalf("ReadFull: %v", err)
			}
			if !bytes.Equal(got, body[target:target+64]) {
				t.Errorf("bytes at %d differ from direct slice", target)
			}
		})
	}
}

func TestReaderSeekWithinWindowNoReconnect(t *testing.T) {
	body := testBody(64 << 10)
	var requests atomic.Int64
	srv := rangeServer(t, body, &requests)
	defer srv.Close()

	r := NewReader(srv.URL, ReaderConfig{}, testLogger())
	defer r.Close()

	// Read far enough that the window certainly covers [0, 8k].
	buf := make([]byte, 8<<10)
	if _, err := io.ReadFull(r, buf); err != nil {
		t.Fatalf("ReadFull: %v", err)
	}

	if _, err := r.Seek(1024, io.SeekStart); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	if _, err := io.ReadFull(r, buf[:16]); err != nil {
		t.Fatalf("ReadFull after seek: %v", err)
	}
	if !bytes.Equal(buf[:16], body[1024:1040]) {
		t.Error("backward in-window seek returned wrong bytes")
	}
	if r.Reconnects() != 0 {
		t.Errorf("reconnects = %d, want 0", r.Reconnects())
	}
}

func TestReaderSocketSkip(t *testing.T) {
	body := testBody(2 << 20)
	srv := rangeServer(t, body, nil)
	defer srv.Close()

	r := NewReader(srv.URL, ReaderConfig{ForwardSkipCap: 1 << 20}, testLogger())
	defer r.Close()

	// Consume a little, then hop forward less than the skip cap.
	head := make([]byte, 4096)
	if _, err := io.ReadFull(r, head); err != nil {
		t.Fatalf("ReadFull: %v", err)
	}
	target := int64(600 << 10)
	if _, err := r.Seek(target, io.SeekStart); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	got := make([]byte, 128)
	if _, err := io.ReadFull(r, got); err != nil {
		t.Fatalf("ReadFull: %v", err)
	}
	if !bytes.Equal(got, body[target:target+128]) {
		t.Error("socket skip delivered wrong bytes")
	}
	if r.Reconnects() != 0 {
		t.Errorf("reconnects = %d, want 0 (skip should ride the live stream)", r.Reconnects())
	}
}

func TestReaderLongSeekReconnects(t *testing.T) {
	body := testBody(4 << 20)
	srv := rangeServer(t, body, nil)
	defer srv.Close()

	// A small high-water keeps the window from covering the target.
	r := NewReader(srv.URL, ReaderConfig{ForwardSkipCap: 64 << 10, HighWater: 64 << 10}, testLogger())
	defer r.Close()

	head := make([]byte, 1024)
	if _, err := io.ReadFull(r, head); err != nil {
		t.Fatalf("ReadFull: %v", err)
	}
	target := int64(3 << 20)
	if _, err := r.Seek(target, io.SeekStart); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	got := make([]byte, 128)
	if _, err := io.ReadFull(r, got); err != nil {
		t.Fatalf("ReadFull: %v", err)
	}
	if !bytes.Equal(got, body[target:target+128]) {
		t.Error("post-reconnect bytes differ")
	}
	if r.Reconnects() == 0 {
		t.Error("expected a reconnect for a seek past the skip cap")
	}
}

func TestReaderMidStreamDisconnectResumes(t *testing.T) {
	body := testBody(256 << 10)
	cut := 100 << 10

	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := requests.Add(1)
		start := 0
		if rng := r.Header.Get("Range"); rng != "" {
			start, _ = strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(rng, "bytes="), "-"))
		}
		w.Header().Set("Accept-Ranges", "bytes")
		if start > 0 {
			w.Header().Set("Content-Range",
				fmt.Sprintf("bytes %d-%d/%d", start, len(body)-1, len(body)))
			w.WriteHeader(http.StatusPartialContent)
		} else {
			w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		}
		end := len(body)
		if n == 1 && cut < end {
			end = cut // drop the connection mid-body on the first request
		}
		w.Write(body[start:end])
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		if n == 1 {
			hj, ok := w.(http.Hijacker)
			if ok {
				conn, _, _ := hj.Hijack()
				conn.Close()
			}
		}
	}))
	defer srv.Close()

	r := NewReader(srv.URL, ReaderConfig{}, testLogger())
	defer r.Close()

	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Equal(got, body) {
		t.Fatalf("resumed body mismatch: got %d bytes, want %d", len(got), len(body))
	}
	if requests.Load() < 2 {
		t.Errorf("requests = %d, want >= 2 (resume after disconnect)", requests.Load())
	}
}

func TestReaderFatal4xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	}))
	defer srv.Close()

	r := NewReader(srv.URL, ReaderConfig{}, testLogger())
	defer r.Close()

	_, err := io.ReadAll(r)
	if err == nil {
		t.Fatal("expected an error for a 4xx response")
	}
}

func TestBackoffDelayBounds(t *testing.T) {
	for n := 0; n < 10; n++ {
		d := defaultBackoff.delay(n)
		if d <= 0 {
			t.Errorf("delay(%d) = %v, want > 0", n, d)
		}
		if d > defaultBackoff.cap {
			t.Errorf("delay(%d) = %v exceeds cap %v", n, d, defaultBackoff.cap)
		}
	}
	// First delay centred on the base: within ±20%.
	d0 := defaultBackoff.delay(0)
	if d0 < 160*time.Millisecond || d0 > 240*time.Millisecond {
		t.Errorf("delay(0) = %v, want within ±20%% of 200ms", d0)
	}
}

func TestSegmentedReaderStitches(t *testing.T) {
	parts := [][]byte{testBody(10 << 10), testBody(7 << 10), testBody(3 << 10)}
	var whole []byte
	for _, p := range parts {
		whole = append(whole, p...)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		i, _ := strconv.Atoi(strings.TrimPrefix(r.URL.Path, "/seg/"))
		w.Write(parts[i])
	}))
	defer srv.Close()

	segs := make([]Segment, len(parts))
	for i := range segs {
		segs[i] = Segment{URL: fmt.Sprintf("%s/seg/%d", srv.URL, i)}
	}

	s := NewSegmentedReader(segs, nil, testLogger())
	defer s.Close()

	got, err := io.ReadAll(s)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Equal(got, whole) {
		t.Fatal("stitched body mismatch")
	}
	if n, ok := s.Len(); !ok || n != int64(len(whole)) {
		t.Errorf("Len() = %d, %v; want %d, true", n, ok, len(whole))
	}

	// Seek back into segment 1 and confirm the bytes line up.
	target := int64(len(parts[0]) + 100)
	if _, err := s.Seek(target, io.SeekStart); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	buf := make([]byte, 64)
	if _, err := io.ReadFull(s, buf); err != nil {
		t.Fatalf("ReadFull: %v", err)
	}
	if !bytes.Equal(buf, whole[target:target+64]) {
		t.Error("post-seek segment bytes differ")
	}
}

func TestSegmentedReaderDecryptsCBC(t *testing.T) {
	plain := testBody(4096)
	key := []byte("0123456789abcdef")
	iv := []byte("fedcba9876543210")

	// PKCS#7 pad and encrypt.
	block, err := aes.NewCipher(key)
	if err != nil {
		t.Fatal(err)
	}
	pad := block.BlockSize() - len(plain)%block.BlockSize()
	padded := append(append([]byte{}, plain...), bytes.Repeat([]byte{byte(pad)}, pad)...)
	enc := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(enc, padded)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(enc)
	}))
	defer srv.Close()

	s := NewSegmentedReader([]Segment{{URL: srv.URL, Key: key, IV: iv}}, nil, testLogger())
	defer s.Close()

	got, err := io.ReadAll(s)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Equal(got, plain) {
		t.Fatal("decrypted segment mismatch")
	}
}
