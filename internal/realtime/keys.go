package realtime

import (
	"fmt"
	"sync"
	"time"
)

// KeyGen issues push keys that sort lexicographically in issue order: a zero-padded
// millisecond prefix followed by a per-millisecond counter.
type KeyGen struct {
	mu     sync.Mutex
	lastMs int64
	seq    int
}

func (g *KeyGen) Next(now time.Time) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	ms := now.UnixMilli()
	if ms <= g.lastMs {
		ms = g.lastMs
		g.seq++
	} else {
		g.lastMs = ms
		g.seq = 0
	}
	return fmt.Sprintf("%013d%06d", ms, g.seq)
}

// Observe makes later keys sort after key (used after replaying a journal).
func (g *KeyGen) Observe(key string) {
	var ms int64
	var seq int
	if _, err := fmt.Sscanf(key, "%013d%06d", &ms, &seq); err != nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if ms > g.lastMs || (ms == g.lastMs && seq > g.seq) {
		g.lastMs, g.seq = ms, seq
	}
}

// KeyFloor returns a key that sorts before every push key issued at or after t, for use as
// Query.StartAfter.
func KeyFloor(t time.Time) string {
	return fmt.Sprintf("%013d", t.UnixMilli())
}
