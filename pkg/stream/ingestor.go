// Package stream ingests the push feed of attack events.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/hervehildenbrand/threatmap/pkg/logging"
	"github.com/hervehildenbrand/threatmap/pkg/metrics"
	"github.com/hervehildenbrand/threatmap/pkg/models"
	"github.com/hervehildenbrand/threatmap/pkg/normalize"
)

// Config configures an ingestion handle.
type Config struct {
	URL        string
	Normalizer *normalize.Normalizer
	Logger     logging.Logger
	Metrics    *metrics.Metrics

	// Dial opens the connection. Defaults to Dial.
	Dial Dialer
}

// BatchHandler receives the displayable attacks of one frame, in frame order.
// A heartbeat produces an empty batch.
type BatchHandler func(batch []models.Attack)

// ErrorHandler receives the transport error that ended a handle.
type ErrorHandler func(err error)

// Handle is one running ingestion. It never reconnects on its own.
type Handle struct {
	cfg     Config
	allowed models.SeveritySet
	onBatch BatchHandler
	onError ErrorHandler
	log     logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	state    atomic.Int32
	stopping atomic.Bool
	stopOnce sync.Once

	mu        sync.Mutex
	conn      FrameConn
	closeOnce sync.Once

	// Stats
	framesReceived  uint64
	heartbeats      uint64
	frameErrors     uint64
	attacksEmitted  uint64
	recordsDropped  uint64
	recordsFiltered uint64
}

// Start connects to cfg.URL on a new goroutine and forwards each frame's
// displayable attacks to onBatch. A transport failure moves the handle to
// StateErrored and is reported once through onError.
func Start(cfg Config, allowed models.SeveritySet, onBatch BatchHandler, onError ErrorHandler) *Handle {
	if cfg.Dial == nil {
		cfg.Dial = Dial
	}
	if cfg.Normalizer == nil {
		cfg.Normalizer = normalize.New()
	}
	if onBatch == nil {
		onBatch = func([]models.Attack) {}
	}
	if onError == nil {
		onError = func(error) {}
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Handle{
		cfg:     cfg,
		allowed: allowed,
		onBatch: onBatch,
		onError: onError,
		log:     logging.OrDiscard(cfg.Logger).WithFields(logging.Fields{"component": "stream", "endpoint": cfg.URL}),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	h.setState(StateConnecting)

	go h.run()
	return h
}

// Stop ends ingestion and releases the connection. It is safe to call from
// any state, more than once, and from inside a callback. Stop does not wait
// for the ingestion goroutine; use Wait for that.
func (h *Handle) Stop() {
	h.stopOnce.Do(func() {
		h.stopping.Store(true)
		h.cancel()
		h.setState(StateClosed)
		h.closeConn()
		h.log.Info("Stream stopped")
	})
}

// State returns the current lifecycle state.
func (h *Handle) State() State {
	return State(h.state.Load())
}

// Done is closed once the ingestion goroutine has exited.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the ingestion goroutine has exited.
func (h *Handle) Wait() {
	<-h.done
}

// Stats returns current statistics.
func (h *Handle) Stats() map[string]interface{} {
	return map[string]interface{}{
		"endpoint":         h.cfg.URL,
		"state":            h.State().String(),
		"frames_received":  atomic.LoadUint64(&h.framesReceived),
		"heartbeats":       atomic.LoadUint64(&h.heartbeats),
		"frame_errors":     atomic.LoadUint64(&h.frameErrors),
		"attacks_emitted":  atomic.LoadUint64(&h.attacksEmitted),
		"records_dropped":  atomic.LoadUint64(&h.recordsDropped),
		"records_filtered": atomic.LoadUint64(&h.recordsFiltered),
	}
}

// setState moves to s unless a terminal state has already been reached.
func (h *Handle) setState(s State) {
	for {
		cur := State(h.state.Load())
		if cur.Terminal() {
			return
		}
		if h.state.CompareAndSwap(int32(cur), int32(s)) {
			h.cfg.Metrics.SetStreamState(int(s))
			return
		}
	}
}

func (h *Handle) closeConn() {
	h.mu.Lock()
	conn := h.conn
	h.mu.Unlock()
	if conn == nil {
		return
	}
	h.closeOnce.Do(func() {
		if err := conn.Close(); err != nil {
			h.log.WithError(err).Debug("Close failed")
		}
	})
}

func (h *Handle) run() {
	defer close(h.done)

	h.log.Info("Connecting to stream...")
	conn, err := h.cfg.Dial(h.ctx, h.cfg.URL)
	if err != nil {
		h.fail(err)
		return
	}

	h.mu.Lock()
	h.conn = conn
	h.mu.Unlock()
	if h.stopping.Load() {
		h.closeConn()
		return
	}

	h.setState(StateOpen)
	h.log.Info("Connected")

	for {
		data, err := conn.ReadFrame()
		if err != nil {
			h.fail(err)
			return
		}
		h.handleFrame(data)
	}
}

func (h *Handle) handleFrame(data []byte) {
	atomic.AddUint64(&h.framesReceived, 1)
	h.cfg.Metrics.Frame()

	result, err := ProcessFrame(data, h.cfg.Normalizer, h.allowed)
	if err != nil {
		atomic.AddUint64(&h.frameErrors, 1)
		h.cfg.Metrics.FrameError()
		h.log.WithError(err).Warn("Dropping malformed frame")
		return
	}

	if result.Records == 0 {
		atomic.AddUint64(&h.heartbeats, 1)
	}
	if result.Dropped > 0 {
		atomic.AddUint64(&h.recordsDropped, uint64(result.Dropped))
		for i := 0; i < result.Dropped; i++ {
			h.cfg.Metrics.RecordDropped("normalize")
		}
		h.log.WithField("dropped", result.Dropped).Debug("Dropped undecodable records")
	}
	atomic.AddUint64(&h.recordsFiltered, uint64(result.Filtered))
	atomic.AddUint64(&h.attacksEmitted, uint64(len(result.Batch)))
	h.cfg.Metrics.Validated(len(result.Batch), result.Filtered)

	if h.stopping.Load() {
		return
	}
	h.onBatch(result.Batch)
}

// fail ends the handle after a transport error. Errors caused by Stop are
// not reported.
func (h *Handle) fail(err error) {
	if h.stopping.Load() || (errors.Is(err, context.Canceled) && h.ctx.Err() != nil) {
		h.closeConn()
		return
	}

	h.setState(StateErrored)
	h.closeConn()
	h.cfg.Metrics.StreamError()

	err = fmt.Errorf("%w: %v", models.ErrTransport, err)
	h.log.WithError(err).Error("Stream failed")
	h.onError(err)
}
