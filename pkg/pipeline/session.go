// Package pipeline runs the stream, scheduler, snapshot refresh and display
// buffer as one unit.
package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hervehildenbrand/threatmap/pkg/dispatch"
	"github.com/hervehildenbrand/threatmap/pkg/display"
	"github.com/hervehildenbrand/threatmap/pkg/geo"
	"github.com/hervehildenbrand/threatmap/pkg/logging"
	"github.com/hervehildenbrand/threatmap/pkg/metrics"
	"github.com/hervehildenbrand/threatmap/pkg/models"
	"github.com/hervehildenbrand/threatmap/pkg/publish"
	"github.com/hervehildenbrand/threatmap/pkg/stream"
)

// Defaults
const (
	DefaultReconnectMin    = 5 * time.Second
	DefaultReconnectMax    = 5 * time.Minute
	DefaultSnapshotRefresh = 60 * time.Second
	reconnectBackoff       = 2.0
)

// SnapshotSource fetches the malicious-IP snapshot.
type SnapshotSource interface {
	FetchWithRetry(ctx context.Context, maxRetries int) []models.MaliciousIP
}

// Config wires a Session.
type Config struct {
	Stream           stream.Config
	Snapshots        SnapshotSource
	SnapshotRetries  int
	SnapshotRefresh  time.Duration // 0 fetches once
	DispatchInterval time.Duration
	ReconnectMin     time.Duration
	ReconnectMax     time.Duration
	Buffer           *display.Buffer
	Publisher        publish.Publisher
	Logger           logging.Logger
	Metrics          *metrics.Metrics
}

// Session owns one ingestion handle at a time. Ingestion never retries by
// itself, so the session reconnects after errors with exponential backoff.
type Session struct {
	cfg       Config
	log       logging.Logger
	scheduler *dispatch.Scheduler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	allowed models.SeveritySet
	handle  *stream.Handle
	epoch   uint64
	backoff time.Duration
	started bool
	closed  bool

	// Stats
	batches    uint64
	reconnects uint64
	restarts   uint64
	refreshes  uint64
	keptStale  uint64
}

// New creates a session. Call Start to begin.
func New(cfg Config, allowed models.SeveritySet) *Session {
	if cfg.Buffer == nil {
		cfg.Buffer = display.New(display.DefaultAnimatingCap)
	}
	if cfg.Publisher == nil {
		cfg.Publisher = publish.Nop{}
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = DefaultReconnectMin
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = DefaultReconnectMax
	}
	if cfg.ReconnectMax < cfg.ReconnectMin {
		cfg.ReconnectMax = cfg.ReconnectMin
	}
	if cfg.SnapshotRetries < 1 {
		cfg.SnapshotRetries = 3
	}
	if cfg.Stream.Logger == nil {
		cfg.Stream.Logger = cfg.Logger
	}
	if cfg.Stream.Metrics == nil {
		cfg.Stream.Metrics = cfg.Metrics
	}
	if allowed == nil {
		allowed = models.DefaultSeveritySet()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:     cfg,
		log:     logging.OrDiscard(cfg.Logger).WithField("component", "pipeline"),
		ctx:     ctx,
		cancel:  cancel,
		allowed: allowed,
		backoff: cfg.ReconnectMin,
	}
	s.scheduler = dispatch.New(cfg.DispatchInterval, s.release).WithMetrics(cfg.Metrics)
	return s
}

// Buffer returns the display buffer the session fills.
func (s *Session) Buffer() *display.Buffer {
	return s.cfg.Buffer
}

// Start connects the stream and begins snapshot refreshes. It is a no-op
// after the first call or after Close.
func (s *Session) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.closed {
		return
	}
	s.started = true
	s.startLocked()

	if s.cfg.Snapshots != nil {
		s.wg.Add(1)
		go s.snapshotLoop()
	}
	s.log.WithField("severities", s.allowed.Slice()).Info("Session started")
}

// startLocked starts a fresh handle for the current epoch. s.mu must be held.
func (s *Session) startLocked() {
	epoch := s.epoch
	s.handle = stream.Start(s.cfg.Stream, s.allowed,
		func(batch []models.Attack) { s.onBatch(epoch, batch) },
		func(err error) { s.onError(epoch, err) },
	)
}

func (s *Session) onBatch(epoch uint64, batch []models.Attack) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || epoch != s.epoch {
		return
	}
	s.backoff = s.cfg.ReconnectMin
	atomic.AddUint64(&s.batches, 1)
	s.scheduler.Dispatch(batch)
}

func (s *Session) onError(epoch uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || epoch != s.epoch {
		return
	}

	delay := s.backoff
	s.backoff = time.Duration(float64(s.backoff) * reconnectBackoff)
	if s.backoff > s.cfg.ReconnectMax {
		s.backoff = s.cfg.ReconnectMax
	}
	s.log.WithError(err).WithField("delay", delay.String()).Warn("Stream failed, reconnecting")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
			s.reconnect(epoch)
		case <-s.ctx.Done():
		}
	}()
}

func (s *Session) reconnect(epoch uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || epoch != s.epoch {
		return
	}
	s.handle.Stop()
	s.epoch++
	atomic.AddUint64(&s.reconnects, 1)
	s.cfg.Metrics.Reconnect()
	s.startLocked()
}

// release hands a scheduled attack to the display and publisher.
func (s *Session) release(a models.Attack) {
	s.cfg.Buffer.Append(a)
	s.cfg.Publisher.PublishAttack(a)
}

// SetSeverities replaces the allow-list and restarts ingestion with it.
// Pending releases from the old filter are dropped.
func (s *Session) SetSeverities(allowed models.SeveritySet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.allowed = allowed
	if !s.started {
		return
	}

	s.handle.Stop()
	s.scheduler.Reset()
	s.epoch++
	s.backoff = s.cfg.ReconnectMin
	atomic.AddUint64(&s.restarts, 1)
	s.startLocked()
	s.log.WithField("severities", allowed.Slice()).Info("Restarted stream with new severity filter")
}

// Severities returns the current allow-list.
func (s *Session) Severities() models.SeveritySet {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(models.SeveritySet, len(s.allowed))
	for sev := range s.allowed {
		out[sev] = struct{}{}
	}
	return out
}

// Healthy reports whether the stream is currently open.
func (s *Session) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle != nil && s.handle.State() == stream.StateOpen
}

func (s *Session) snapshotLoop() {
	defer s.wg.Done()

	s.refreshSnapshot()
	if s.cfg.SnapshotRefresh <= 0 {
		return
	}

	ticker := time.NewTicker(s.cfg.SnapshotRefresh)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.refreshSnapshot()
		case <-s.ctx.Done():
			return
		}
	}
}

// refreshSnapshot installs a newly fetched snapshot. An empty fetch leaves
// the current one in place.
func (s *Session) refreshSnapshot() {
	ips := s.cfg.Snapshots.FetchWithRetry(s.ctx, s.cfg.SnapshotRetries)
	if s.ctx.Err() != nil {
		return
	}
	ips = geo.FilterDisplayableIPs(ips)
	atomic.AddUint64(&s.refreshes, 1)
	if len(ips) == 0 {
		atomic.AddUint64(&s.keptStale, 1)
		s.log.Warn("Snapshot refresh returned nothing, keeping current snapshot")
		return
	}
	s.cfg.Buffer.ReplaceSnapshot(ips)
	s.cfg.Publisher.PublishSnapshot(ips)
}

// Close stops ingestion, cancels pending releases and the refresh loop, and
// waits for background work to finish. It is idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	handle := s.handle
	s.mu.Unlock()

	if handle != nil {
		handle.Stop()
	}
	s.scheduler.Stop()
	s.cancel()

	if handle != nil {
		handle.Wait()
	}
	s.scheduler.Wait()
	s.wg.Wait()
	s.log.Info("Session closed")
}

// Stats returns current statistics.
func (s *Session) Stats() map[string]interface{} {
	s.mu.Lock()
	handle := s.handle
	severities := s.allowed.Slice()
	s.mu.Unlock()

	stats := map[string]interface{}{
		"severities":         severities,
		"batches":            atomic.LoadUint64(&s.batches),
		"reconnects":         atomic.LoadUint64(&s.reconnects),
		"restarts":           atomic.LoadUint64(&s.restarts),
		"snapshot_refreshes": atomic.LoadUint64(&s.refreshes),
		"snapshot_kept":      atomic.LoadUint64(&s.keptStale),
		"scheduler":          s.scheduler.Stats(),
		"buffer":             s.cfg.Buffer.Stats(),
	}
	if handle != nil {
		stats["stream"] = handle.Stats()
		stats["stream_state"] = handle.State().String()
	}
	return stats
}
