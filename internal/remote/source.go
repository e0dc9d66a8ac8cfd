// Package remote provides seekable byte sources backed by HTTP range
// streams, with background prefetch and bounded buffering. It is the
// first stage of the per-track audio pipeline: demuxers treat a remote
// URL as a random-access file.
package remote

import "io"

// Source describes a resolved remote audio source, as handed over by the
// source resolver. Exactly one of URL or Segments is set.
type Source struct {
	// URL is the direct stream URL for single-stream sources.
	URL string

	// Length is the total byte length, or -1 when unknown.
	Length int64

	// ContentType is the Content-Type reported by the resolver, if any.
	ContentType string

	// ContainerHint names the expected container ("ogg", "mp3", "flac",
	// "wav", ...). Empty means probe by sniffing.
	ContainerHint string

	// Segments, when non-empty, marks a segmented source (HLS/DASH style
	// ordered segment list) stitched together by a segmented reader.
	Segments []Segment

	// AllowPassthrough indicates the resolver permits relaying Opus
	// packets without transcoding.
	AllowPassthrough bool
}

// Segment is one entry of a segmented source. Key and IV, when present,
// select AES-128-CBC decryption of the segment body.
type Segment struct {
	URL string
	Key []byte
	IV  []byte
}

// ByteSource is the random-access contract the container probe and
// demuxers consume. Len reports the total size when known.
type ByteSource interface {
	io.ReadSeekCloser
	// Len returns the total byte length and whether it is known.
	Len() (int64, bool)
}
