package metrics

import (
	"sync"
	"sync/atomic"
)

// pipelineStats holds counters for pipeline activity (events ingested,
// documents created, FAQs synthesized, jobs finished). Kept simple and
// thread-safe for use from services and exposition.
type pipelineStats struct {
	total  uint64
	mu     sync.Mutex
	byName map[string]uint64
}

var pl pipelineStats

// IncPipeline increments the named pipeline counter.
func IncPipeline(name string) {
	AddPipeline(name, 1)
}

// AddPipeline adds n to the named pipeline counter.
func AddPipeline(name string, n uint64) {
	if name == "" {
		name = "unknown"
	}
	atomic.AddUint64(&pl.total, n)
	pl.mu.Lock()
	if pl.byName == nil {
		pl.byName = make(map[string]uint64)
	}
	pl.byName[name] += n
	pl.mu.Unlock()
}

// PipelineSnapshot returns a copy of the current counters.
func PipelineSnapshot() (total uint64, by map[string]uint64) {
	total = atomic.LoadUint64(&pl.total)
	pl.mu.Lock()
	defer pl.mu.Unlock()
	by = make(map[string]uint64, len(pl.byName))
	for k, v := range pl.byName {
		by[k] = v
	}
	return total, by
}

// rateLimitStats holds counters for rate limit drops (HTTP 429).
type rateLimitStats struct {
	total    uint64
	mu       sync.Mutex
	byPrefix map[string]uint64
}

var rl rateLimitStats

// IncRateLimitDrop increments drop counters for the given prefix.
// Use prefix "global" for global limiter rejections.
func IncRateLimitDrop(prefix string) {
	if prefix == "" {
		prefix = "global"
	}
	atomic.AddUint64(&rl.total, 1)
	rl.mu.Lock()
	if rl.byPrefix == nil {
		rl.byPrefix = make(map[string]uint64)
	}
	rl.byPrefix[prefix]++
	rl.mu.Unlock()
}

// RateLimitSnapshot returns a copy of the current counters.
func RateLimitSnapshot() (total uint64, by map[string]uint64) {
	total = atomic.LoadUint64(&rl.total)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	by = make(map[string]uint64, len(rl.byPrefix))
	for k, v := range rl.byPrefix {
		by[k] = v
	}
	return total, by
}
