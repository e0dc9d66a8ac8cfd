package remote

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// SegmentedReader stitches an ordered list of segment URLs into one
// logical byte stream. Segment N+1 is prefetched in the background while
// N is being consumed. Encrypted segments (AES-128-CBC, key+IV supplied
// by the resolver) are decrypted on fetch.
//
// A segment index table maps logical offsets to (segment, offset within
// segment); seeks into already-indexed territory are served without
// refetching earlier segments.
type SegmentedReader struct {
	segments []Segment
	client   *http.Client
	logger   *slog.Logger

	mu   sync.Mutex
	cond *sync.Cond

	// index[i] is the logical offset of segment i's first byte; valid
	// for i < indexed. index has len(segments)+1 entries once complete,
	// the final entry being the total length.
	index   []int64
	indexed int

	cur     int    // segment the cursor is in
	curBody []byte // fetched (and decrypted) body of segment cur
	pos     int64  // absolute logical cursor

	next     int    // segment being prefetched, -1 when idle
	nextBody []byte
	nextErr  error

	err    error
	closed bool

	cancel context.CancelFunc
}

// NewSegmentedReader creates a reader over the given segment list.
func NewSegmentedReader(segments []Segment, client *http.Client, logger *slog.Logger) *SegmentedReader {
	if client == nil {
		client = http.DefaultClient
	}
	s := &SegmentedReader{
		segments: segments,
		client:   client,
		logger:   logger.With("subsystem", "segmented-reader"),
		index:    make([]int64, 1, len(segments)+1),
		next:     -1,
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Read returns bytes from the current segment, fetching it on demand and
// kicking off a prefetch of the following segment.
func (s *SegmentedReader) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		if s.closed {
			return 0, ErrClosed
		}
		if s.err != nil {
			return 0, s.err
		}
		if s.cur >= len(s.segments) {
			return 0, io.EOF
		}

		if s.curBody == nil {
			if err := s.loadCurrentLocked(); err != nil {
				s.err = err
				return 0, err
			}
			continue
		}

		segOff := s.pos - s.index[s.cur]
		if segOff >= int64(len(s.curBody)) {
			// Advance into the next segment.
			s.cur++
			s.curBody = nil
			continue
		}

		n := copy(p, s.curBody[segOff:])
		s.pos += int64(n)
		return n, nil
	}
}

// loadCurrentLocked makes s.curBody valid for segment s.cur, either by
// adopting a completed prefetch or fetching synchronously. It then
// starts prefetching segment cur+1.
func (s *SegmentedReader) loadCurrentLocked() error {
	// Adopt the prefetched body if it is (or will be) for this segment.
	if s.next == s.cur {
		for s.nextBody == nil && s.nextErr == nil && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			return ErrClosed
		}
		body, err := s.nextBody, s.nextErr
		s.next, s.nextBody, s.nextErr = -1, nil, nil
		if err != nil {
			return err
		}
		s.adoptBodyLocked(body)
		s.startPrefetchLocked(s.cur + 1)
		return nil
	}

	// Synchronous fetch (first segment, or a seek outside the prefetch).
	idx := s.cur
	s.mu.Unlock()
	body, err := s.fetchSegment(context.Background(), idx)
	s.mu.Lock()
	if s.closed {
		return ErrClosed
	}
	if err != nil {
		return err
	}
	if s.cur != idx {
		// A concurrent seek moved the cursor; drop the stale body.
		return nil
	}
	s.adoptBodyLocked(body)
	s.startPrefetchLocked(s.cur + 1)
	return nil
}

// adoptBodyLocked installs body as the current segment body and extends
// the offset index.
func (s *SegmentedReader) adoptBodyLocked(body []byte) {
	s.curBody = body
	if s.cur == s.indexed && s.indexed < len(s.segments) {
		s.index = append(s.index, s.index[s.indexed]+int64(len(body)))
		s.indexed++
	}
}

// startPrefetchLocked begins fetching segment i in the background.
func (s *SegmentedReader) startPrefetchLocked(i int) {
	if i >= len(s.segments) || s.next == i {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	if s.cancel != nil {
		s.cancel()
	}
	s.cancel = cancel
	s.next = i
	s.nextBody = nil
	s.nextErr = nil

	go func() {
		body, err := s.fetchSegment(ctx, i)
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.next != i || s.closed {
			return
		}
		s.nextBody, s.nextErr = body, err
		s.cond.Broadcast()
	}()
}

// Seek moves the logical cursor. Backward seeks and seeks within indexed
// territory reuse the index; forward seeks past the index fetch segments
// sequentially until the target offset is covered.
func (s *SegmentedReader) Seek(offset int64, whence int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrClosed
	}

	var target int64
	switch whence {
	case io.SeekStart:
		target = offset
	case io.SeekCurrent:
		target = s.pos + offset
	case io.SeekEnd:
		if s.indexed < len(s.segments) {
			return 0, errors.New("remote: seek from end before full segment index")
		}
		target = s.index[len(s.segments)] + offset
	default:
		return 0, fmt.Errorf("remote: invalid whence %d", whence)
	}
	if target < 0 {
		return 0, errors.New("remote: negative seek position")
	}

	// Locate the owning segment in the known index.
	seg := s.indexed
	for i := 0; i < s.indexed; i++ {
		if target < s.index[i+1] {
			seg = i
			break
		}
	}

	if seg != s.cur {
		s.curBody = nil
		s.cur = seg
	}
	s.pos = target
	s.err = nil
	return target, nil
}

// Len returns the total length, known only once every segment has been
// indexed.
func (s *SegmentedReader) Len() (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.indexed == len(s.segments) {
		return s.index[len(s.segments)], true
	}
	return -1, false
}

// Close cancels any in-flight prefetch and fails pending reads.
func (s *SegmentedReader) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.cancel != nil {
		s.cancel()
	}
	s.cond.Broadcast()
	return nil
}

// fetchSegment downloads segment i with the standard retry policy and
// decrypts it when the resolver supplied a key.
func (s *SegmentedReader) fetchSegment(ctx context.Context, i int) ([]byte, error) {
	seg := s.segments[i]

	var body []byte
	var lastErr error
	for attempt := 0; attempt < defaultBackoff.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(defaultBackoff.delay(attempt - 1)):
			}
		}
		body, lastErr = s.fetchOnce(ctx, seg.URL)
		if lastErr == nil {
			break
		}
		var fatal *fatalError
		if errors.As(lastErr, &fatal) || ctx.Err() != nil {
			return nil, lastErr
		}
		s.logger.Debug("segment fetch failed, retrying",
			"segment", i,
			"attempt", attempt+1,
			"error", lastErr,
		)
	}
	if lastErr != nil {
		return nil, fmt.Errorf("fetching segment %d: %w", i, lastErr)
	}

	if len(seg.Key) > 0 {
		dec, err := decryptSegmentCBC(body, seg.Key, seg.IV)
		if err != nil {
			return nil, &fatalError{fmt.Errorf("decrypting segment %d: %w", i, err)}
		}
		body = dec
	}
	return body, nil
}

// fetchOnce downloads one segment body.
func (s *SegmentedReader) fetchOnce(ctx context.Context, url string) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, openTimeout+chunkTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &fatalError{err}
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusPartialContent:
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("server error: %s", resp.Status)
	default:
		return nil, &fatalError{fmt.Errorf("remote: unexpected status %s", resp.Status)}
	}

	var buf bytes.Buffer
	if resp.ContentLength > 0 {
		buf.Grow(int(resp.ContentLength))
	}
	if _, err := io.Copy(&buf, resp.Body); err != nil {
		return nil, fmt.Errorf("reading segment body: %w", err)
	}
	return buf.Bytes(), nil
}

// decryptSegmentCBC decrypts an AES-128-CBC segment body and strips the
// PKCS#7 padding.
func decryptSegmentCBC(body, key, iv []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(iv) != block.BlockSize() {
		return nil, fmt.Errorf("iv length %d, want %d", len(iv), block.BlockSize())
	}
	if len(body) == 0 || len(body)%block.BlockSize() != 0 {
		return nil, fmt.Errorf("segment length %d not a multiple of the block size", len(body))
	}

	out := make([]byte, len(body))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, body)

	pad := int(out[len(out)-1])
	if pad == 0 || pad > block.BlockSize() || pad > len(out) {
		return nil, errors.New("invalid pkcs7 padding")
	}
	for _, b := range out[len(out)-pad:] {
		if int(b) != pad {
			return nil, errors.New("invalid pkcs7 padding")
		}
	}
	return out[:len(out)-pad], nil
}
