// Package dispatch releases batch members one at a time so the map animates
// them as a stream rather than a burst.
package dispatch

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/hervehildenbrand/threatmap/pkg/metrics"
	"github.com/hervehildenbrand/threatmap/pkg/models"
)

// DefaultInterval is the spacing between consecutive releases.
const DefaultInterval = 200 * time.Millisecond

// Scheduler releases each member of a batch at arrival + index*interval.
// Every pending release is tagged with the generation it was scheduled in;
// Stop bumps the generation, which invalidates all of them at once.
type Scheduler struct {
	interval time.Duration
	release  func(models.Attack)
	metrics  *metrics.Metrics

	mu         sync.Mutex
	generation uint64
	stopped    bool
	cancel     chan struct{}
	wg         sync.WaitGroup

	// Stats
	batches  uint64
	released uint64
	canceled uint64
}

// New creates a scheduler. A non-positive interval uses DefaultInterval.
// release runs with the scheduler locked and must not call back into it.
func New(interval time.Duration, release func(models.Attack)) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler{
		interval: interval,
		release:  release,
		cancel:   make(chan struct{}),
	}
}

// WithMetrics attaches collectors and returns s.
func (s *Scheduler) WithMetrics(m *metrics.Metrics) *Scheduler {
	s.metrics = m
	return s
}

// Dispatch schedules the batch. It returns immediately. After Stop it does nothing.
func (s *Scheduler) Dispatch(batch []models.Attack) {
	if len(batch) == 0 {
		return
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	gen := s.generation
	cancel := s.cancel
	s.wg.Add(1)
	s.mu.Unlock()

	atomic.AddUint64(&s.batches, 1)
	items := make([]models.Attack, len(batch))
	copy(items, batch)

	go s.run(gen, cancel, items, time.Now())
}

func (s *Scheduler) run(gen uint64, cancel <-chan struct{}, items []models.Attack, arrival time.Time) {
	defer s.wg.Done()

	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C

	for i, item := range items {
		wait := time.Until(arrival.Add(time.Duration(i) * s.interval))
		if wait > 0 {
			timer.Reset(wait)
			select {
			case <-timer.C:
			case <-cancel:
				s.dropped(len(items) - i)
				return
			}
		}

		// The generation check and the release happen under the lock so no
		// release can follow a completed Stop.
		s.mu.Lock()
		if s.generation != gen {
			s.mu.Unlock()
			s.dropped(len(items) - i)
			return
		}
		s.release(item)
		s.mu.Unlock()

		atomic.AddUint64(&s.released, 1)
		s.metrics.Release()
	}
}

func (s *Scheduler) dropped(n int) {
	atomic.AddUint64(&s.canceled, uint64(n))
	s.metrics.ReleasesCanceledBy(n)
}

// Reset invalidates every pending release but keeps accepting batches.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	s.generation++
	close(s.cancel)
	s.cancel = make(chan struct{})
	s.mu.Unlock()
}

// Stop invalidates every pending release and rejects further batches.
// It is idempotent and does not wait for the release goroutines; Wait does.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	s.generation++
	close(s.cancel)
}

// Wait blocks until every release goroutine has exited.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Stats returns current statistics.
func (s *Scheduler) Stats() map[string]interface{} {
	s.mu.Lock()
	gen := s.generation
	s.mu.Unlock()
	return map[string]interface{}{
		"generation": gen,
		"batches":    atomic.LoadUint64(&s.batches),
		"released":   atomic.LoadUint64(&s.released),
		"canceled":   atomic.LoadUint64(&s.canceled),
	}
}
