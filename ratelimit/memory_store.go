package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// window is one key's sliding-window counter state, held as two
// adjacent fixed buckets: a burst straddling the boundary between
// bucketStart and bucketStart+windowDur is caught by weighting the
// previous bucket's count by how little of the current bucket has
// elapsed, rather than discarding it outright the way a plain
// fixed-window reset would.
type window struct {
	mu            sync.Mutex
	bucketStart   time.Time
	currentCount  int
	previousCount int
}

// MemoryStore is an in-memory Store backed by github.com/patrickmn/go-cache,
// which owns each key's TTL (2x the rule's window) and sweeps expired
// entries in the background so a single-node deployment's rate-limit
// state doesn't grow unbounded.
type MemoryStore struct {
	cache *gocache.Cache
	mu    sync.Mutex
}

// NewMemoryStore returns a ready MemoryStore. janitorInterval governs how
// often go-cache sweeps expired keys.
func NewMemoryStore(janitorInterval time.Duration) *MemoryStore {
	if janitorInterval <= 0 {
		janitorInterval = time.Minute
	}
	return &MemoryStore{cache: gocache.New(gocache.NoExpiration, janitorInterval)}
}

// IncrementAndRead implements Store with a weighted sliding-window
// counter: the bucket covering now is incremented, then combined with
// the immediately prior bucket's count weighted by the fraction of the
// current bucket already elapsed.
func (s *MemoryStore) IncrementAndRead(ctx context.Context, key string, windowMs int64) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var windowDur = time.Duration(windowMs) * time.Millisecond
	if windowDur <= 0 {
		windowDur = time.Millisecond
	}

	s.mu.Lock()
	w, ok := s.cache.Get(key)
	var ws *window
	if !ok {
		ws = &window{bucketStart: time.Now()}
		s.cache.Set(key, ws, 2*windowDur)
	} else {
		ws = w.(*window)
	}
	s.mu.Unlock()

	ws.mu.Lock()
	defer ws.mu.Unlock()

	var elapsed = time.Since(ws.bucketStart)
	if elapsed >= windowDur {
		var elapsedWindows = int64(elapsed / windowDur)
		if elapsedWindows == 1 {
			ws.previousCount = ws.currentCount
		} else {
			// More than one full window passed with no traffic: the
			// previous bucket is stale and contributes nothing.
			ws.previousCount = 0
		}
		ws.currentCount = 0
		ws.bucketStart = ws.bucketStart.Add(time.Duration(elapsedWindows) * windowDur)
		s.cache.Set(key, ws, 2*windowDur) // refresh TTL on bucket roll.
		elapsed = time.Since(ws.bucketStart)
	}
	ws.currentCount++

	var fractionElapsed = float64(elapsed) / float64(windowDur)
	if fractionElapsed > 1 {
		fractionElapsed = 1
	}
	var weighted = float64(ws.previousCount)*(1-fractionElapsed) + float64(ws.currentCount)
	return int(math.Ceil(weighted)), nil
}

var _ Store = (*MemoryStore)(nil)
