// Package display holds the consumer-side state the map renders from.
package display

import (
	"sync"

	"github.com/hervehildenbrand/threatmap/pkg/metrics"
	"github.com/hervehildenbrand/threatmap/pkg/models"
)

// Defaults
const (
	DefaultAnimatingCap = 200
	DefaultHistoryCap   = 1000
	RecentCount         = 10
)

// Buffer keeps released attacks twice: in a detail history for the recent
// list, and in the animating set until the renderer retires them. It also
// owns the current malicious-IP snapshot.
type Buffer struct {
	mu           sync.RWMutex
	history      []models.Attack // ring of at most historyCap entries
	next         int             // oldest history slot once the ring is full
	animating    []models.Attack // oldest first
	snapshot     []models.MaliciousIP
	animatingCap int
	historyCap   int
	metrics      *metrics.Metrics

	// Stats
	appended  uint64
	retired   uint64
	rejected  uint64
	snapshots uint64
}

// Option configures a Buffer.
type Option func(*Buffer)

// WithHistoryCap bounds the detail history. Non-positive values keep the default.
func WithHistoryCap(n int) Option {
	return func(b *Buffer) {
		if n > 0 {
			b.historyCap = n
		}
	}
}

// WithMetrics reports set sizes to m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Buffer) {
		b.metrics = m
	}
}

// New creates a buffer whose animating set holds at most animatingCap
// entries. Non-positive caps use DefaultAnimatingCap.
func New(animatingCap int, opts ...Option) *Buffer {
	if animatingCap <= 0 {
		animatingCap = DefaultAnimatingCap
	}
	b := &Buffer{
		animatingCap: animatingCap,
		historyCap:   DefaultHistoryCap,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Append records a released attack in the history and, if there is room,
// in the animating set. Entries leave the animating set only through Retire,
// so a full set refuses the new attack. It reports whether a was added to
// the animating set.
func (b *Buffer) Append(a models.Attack) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.history) < b.historyCap {
		b.history = append(b.history, a)
	} else {
		b.history[b.next] = a
		b.next = (b.next + 1) % b.historyCap
	}
	b.appended++

	animating := len(b.animating) < b.animatingCap
	if animating {
		b.animating = append(b.animating, a)
	} else {
		b.rejected++
	}

	b.metrics.SetBufferSizes(len(b.history), len(b.animating))
	return animating
}

// Retire removes an attack from the animating set once its animation has
// finished. It reports whether the id was animating.
func (b *Buffer) Retire(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := range b.animating {
		if b.animating[i].ID == id {
			b.animating = append(b.animating[:i], b.animating[i+1:]...)
			b.retired++
			b.metrics.SetBufferSizes(len(b.history), len(b.animating))
			return true
		}
	}
	return false
}

// Recent returns up to n attacks from the history, newest first.
func (b *Buffer) Recent(n int) []models.Attack {
	b.mu.RLock()
	defer b.mu.RUnlock()

	size := len(b.history)
	if n > size {
		n = size
	}
	if n <= 0 {
		return []models.Attack{}
	}
	out := make([]models.Attack, 0, n)
	for k := 0; k < n; k++ {
		out = append(out, b.history[(b.next+size-1-k)%size])
	}
	return out
}

// Animating returns a copy of the animating set, oldest first.
func (b *Buffer) Animating() []models.Attack {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]models.Attack, len(b.animating))
	copy(out, b.animating)
	return out
}

// ReplaceSnapshot swaps in a whole new malicious-IP set. Readers see either
// the old set or the new one.
func (b *Buffer) ReplaceSnapshot(ips []models.MaliciousIP) {
	next := make([]models.MaliciousIP, len(ips))
	copy(next, ips)

	b.mu.Lock()
	b.snapshot = next
	b.snapshots++
	b.mu.Unlock()

	b.metrics.SetSnapshotSize(len(next))
}

// Snapshot returns the current malicious-IP set.
func (b *Buffer) Snapshot() []models.MaliciousIP {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]models.MaliciousIP, len(b.snapshot))
	copy(out, b.snapshot)
	return out
}

// Stats returns current statistics.
func (b *Buffer) Stats() map[string]interface{} {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return map[string]interface{}{
		"history":       len(b.history),
		"animating":     len(b.animating),
		"snapshot_size": len(b.snapshot),
		"appended":      b.appended,
		"retired":       b.retired,
		"rejected":      b.rejected,
		"snapshots":     b.snapshots,
	}
}
