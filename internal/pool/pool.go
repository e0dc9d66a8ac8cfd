// Package pool provides recycled sample buffers for the audio hot path.
//
// Buffers are bucketed by capacity (powers of two, minimum 1024 elements)
// and returned to their bucket on release. The pool enforces a total byte
// cap and a per-bucket count cap; buffers released while a cap is exceeded
// are dropped and left to the garbage collector. An optional background
// sweeper evicts buckets that have been idle longer than the configured
// interval.
package pool

import (
	"context"
	"math/bits"
	"sync"
	"sync/atomic"
	"time"
)

// Config holds the pool limits. The zero value is usable: unset caps
// fall back to the defaults below, and a zero IdleEvictInterval leaves
// the sweeper off.
type Config struct {
	// MaxTotalBytes caps the bytes retained across all buckets.
	MaxTotalBytes int64
	// MaxPerBucket caps the number of idle buffers kept per bucket.
	MaxPerBucket int
	// IdleEvictInterval is how often the sweeper drops buckets that saw
	// no traffic since the previous sweep. Zero disables the sweeper.
	IdleEvictInterval time.Duration
}

const (
	// minBucketSize is the smallest buffer capacity the pool hands out.
	// Requests below this are rounded up.
	minBucketSize = 1024

	defaultMaxTotalBytes = 64 << 20 // 64 MiB
	defaultMaxPerBucket  = 128
	defaultEvictInterval = 30 * time.Second
)

// Buffer is a recyclable slice of signed 16-bit samples. Release returns
// it to the owning pool; after Release the buffer must not be touched.
type Buffer struct {
	// Data is the usable sample slice, length as requested from Acquire.
	Data []int16

	pool *Pool
	cap  int // bucket capacity, full power-of-two size
}

// Release returns the buffer to its pool. Safe to call on a nil buffer.
// Calling Release twice on the same buffer is a caller bug.
func (b *Buffer) Release() {
	if b == nil || b.pool == nil {
		return
	}
	p := b.pool
	b.pool = nil
	p.release(b)
}

// bucket holds idle buffers of a single capacity.
type bucket struct {
	mu      sync.Mutex
	free    []*Buffer
	touched atomic.Bool // cleared by the sweeper, set by acquire/release
}

// Pool is a size-bucketed sample buffer pool. Safe for concurrent use.
type Pool struct {
	cfg     Config
	buckets map[int]*bucket // keyed by power-of-two capacity
	mu      sync.RWMutex    // guards the buckets map, not bucket contents

	totalBytes atomic.Int64 // bytes currently retained (idle buffers)

	hits   atomic.Uint64
	misses atomic.Uint64
	drops  atomic.Uint64 // releases that went to the allocator instead

	sweepCancel context.CancelFunc
	sweepDone   chan struct{}
}

// New creates a pool with the given limits. Call Close to stop the
// sweeper and drop all retained buffers.
func New(cfg Config) *Pool {
	if cfg.MaxTotalBytes <= 0 {
		cfg.MaxTotalBytes = defaultMaxTotalBytes
	}
	if cfg.MaxPerBucket <= 0 {
		cfg.MaxPerBucket = defaultMaxPerBucket
	}
	if cfg.IdleEvictInterval < 0 {
		cfg.IdleEvictInterval = 0
	}

	p := &Pool{
		cfg:     cfg,
		buckets: make(map[int]*bucket),
	}

	if cfg.IdleEvictInterval > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		p.sweepCancel = cancel
		p.sweepDone = make(chan struct{})
		go p.sweepLoop(ctx)
	}

	return p
}

// bucketSize snaps n up to the pool's bucket capacity: the next power of
// two, with a floor of minBucketSize.
func bucketSize(n int) int {
	if n <= minBucketSize {
		return minBucketSize
	}
	return 1 << bits.Len(uint(n-1))
}

// Acquire returns a buffer whose Data slice has length n. The backing
// array may come from a recycled buffer of the matching bucket.
func (p *Pool) Acquire(n int) *Buffer {
	size := bucketSize(n)
	b := p.getBucket(size)

	b.mu.Lock()
	if last := len(b.free) - 1; last >= 0 {
		buf := b.free[last]
		b.free[last] = nil
		b.free = b.free[:last]
		b.mu.Unlock()
		b.touched.Store(true)

		p.totalBytes.Add(-int64(size) * 2)
		p.hits.Add(1)
		buf.pool = p
		buf.Data = buf.Data[:size][:n]
		clear(buf.Data)
		return buf
	}
	b.mu.Unlock()
	b.touched.Store(true)

	p.misses.Add(1)
	return &Buffer{
		Data: make([]int16, n, size),
		pool: p,
		cap:  size,
	}
}

// release returns buf to its bucket, or drops it if a cap is exceeded.
func (p *Pool) release(buf *Buffer) {
	size := buf.cap
	if size == 0 {
		return
	}

	// Over the total byte cap: give it back to the allocator.
	if p.totalBytes.Load()+int64(size)*2 > p.cfg.MaxTotalBytes {
		p.drops.Add(1)
		return
	}

	b := p.getBucket(size)
	b.mu.Lock()
	if len(b.free) >= p.cfg.MaxPerBucket {
		b.mu.Unlock()
		p.drops.Add(1)
		return
	}
	b.free = append(b.free, buf)
	b.mu.Unlock()
	b.touched.Store(true)

	p.totalBytes.Add(int64(size) * 2)
}

// getBucket returns the bucket for the given capacity, creating it on
// first use.
func (p *Pool) getBucket(size int) *bucket {
	p.mu.RLock()
	b, ok := p.buckets[size]
	p.mu.RUnlock()
	if ok {
		return b
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if b, ok = p.buckets[size]; ok {
		return b
	}
	b = &bucket{}
	p.buckets[size] = b
	return b
}

// sweepLoop drops idle buckets on the configured interval.
func (p *Pool) sweepLoop(ctx context.Context) {
	defer close(p.sweepDone)

	ticker := time.NewTicker(p.cfg.IdleEvictInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

// sweep evicts every bucket that saw no Acquire or release since the
// previous sweep. Buckets that were touched get their flag cleared and
// survive one more interval.
func (p *Pool) sweep() {
	p.mu.RLock()
	buckets := make([]*bucket, 0, len(p.buckets))
	for _, b := range p.buckets {
		buckets = append(buckets, b)
	}
	p.mu.RUnlock()

	for _, b := range buckets {
		if b.touched.Swap(false) {
			continue
		}
		b.mu.Lock()
		for _, buf := range b.free {
			p.totalBytes.Add(-int64(buf.cap) * 2)
		}
		b.free = nil
		b.mu.Unlock()
	}
}

// Stats is a snapshot of pool counters.
type Stats struct {
	RetainedBytes int64
	Hits          uint64
	Misses        uint64
	Drops         uint64
}

// Stats returns a snapshot of the pool's counters.
func (p *Pool) Stats() Stats {
	return Stats{
		RetainedBytes: p.totalBytes.Load(),
		Hits:          p.hits.Load(),
		Misses:        p.misses.Load(),
		Drops:         p.drops.Load(),
	}
}

// RetainedBytes returns the bytes currently held by idle buffers.
func (p *Pool) RetainedBytes() int64 {
	return p.totalBytes.Load()
}

// PoolHits returns acquisitions served from a bucket.
func (p *Pool) PoolHits() uint64 { return p.hits.Load() }

// PoolMisses returns acquisitions that fell through to the allocator.
func (p *Pool) PoolMisses() uint64 { return p.misses.Load() }

// Close stops the sweeper and drops all retained buffers.
func (p *Pool) Close() {
	if p.sweepCancel != nil {
		p.sweepCancel()
		<-p.sweepDone
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, b := range p.buckets {
		b.mu.Lock()
		for _, buf := range b.free {
			p.totalBytes.Add(-int64(buf.cap) * 2)
		}
		b.free = nil
		b.mu.Unlock()
	}
	p.buckets = make(map[int]*bucket)
}

// Process-wide pool. The engine reads configuration once at startup and
// tears the pool down on shutdown.
var (
	defaultMu   sync.Mutex
	defaultPool *Pool
)

// Init installs the process-wide pool. Subsequent Default calls return
// it. Calling Init twice replaces (and closes) the previous pool.
func Init(cfg Config) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultPool != nil {
		defaultPool.Close()
	}
	defaultPool = New(cfg)
}

// Default returns the process-wide pool, creating one with default
// limits if Init was never called.
func Default() *Pool {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultPool == nil {
		defaultPool = New(Config{})
	}
	return defaultPool
}

// Shutdown closes the process-wide pool, draining retained buffers.
func Shutdown() {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultPool != nil {
		defaultPool.Close()
		defaultPool = nil
	}
}
