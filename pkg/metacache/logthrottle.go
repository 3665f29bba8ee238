package metacache

import (
	"sync"
	"time"

	"github.com/jshonwang/kudu-metacache/pkg/clock"
)

// Throttle suppresses repeated log lines for the same key within interval,
// mirroring Kudu's KLOG_EVERY_N_SECS used around replica failure logging in
// meta_cache.cc so a flapping replica doesn't flood the log.
type Throttle struct {
	mu       sync.Mutex
	last     map[string]time.Time
	interval time.Duration
	clock    clock.Clock
}

// NewThrottle returns a Throttle that allows at most one log line per key
// every interval, using clock as its time source.
func NewThrottle(interval time.Duration, c clock.Clock) *Throttle {
	return &Throttle{last: make(map[string]time.Time), interval: interval, clock: c}
}

// Allow reports whether a log line for key should be emitted now, recording
// the attempt either way.
func (t *Throttle) Allow(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock.Now()
	if last, ok := t.last[key]; ok && now.Sub(last) < t.interval {
		return false
	}
	t.last[key] = now
	return true
}
