// Package publish fans released attacks and snapshot swaps out to other
// processes over Redis pub/sub.
package publish

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hervehildenbrand/threatmap/pkg/logging"
	"github.com/hervehildenbrand/threatmap/pkg/metrics"
	"github.com/hervehildenbrand/threatmap/pkg/models"
)

// Pub/sub channels
const (
	AttacksChannel   = "threatmap:attacks"
	SnapshotsChannel = "threatmap:snapshots"
)

const (
	batchSize       = 50
	batchInterval   = 250 * time.Millisecond
	queueSize       = 10000
	publishTimeout  = 5 * time.Second
	dropLogInterval = 1000
)

// Publisher receives what the session releases.
type Publisher interface {
	PublishAttack(a models.Attack)
	PublishSnapshot(ips []models.MaliciousIP)
}

// Nop publishes nothing.
type Nop struct{}

func (Nop) PublishAttack(models.Attack)          {}
func (Nop) PublishSnapshot([]models.MaliciousIP) {}

// SnapshotMessage is the payload published on SnapshotsChannel.
type SnapshotMessage struct {
	Count       int                  `json:"count"`
	PublishedAt time.Time            `json:"published_at"`
	IPs         []models.MaliciousIP `json:"ips"`
}

type message struct {
	channel string
	payload []byte
}

// RedisPublisher queues messages and publishes them in pipelined batches.
// A full queue drops messages rather than blocking the release path.
type RedisPublisher struct {
	client  redis.Cmdable
	log     logging.Logger
	metrics *metrics.Metrics
	queue   chan message
	done    chan struct{}
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex

	// Stats
	published uint64
	failed    uint64
	dropped   uint64
	batches   uint64
}

// NewRedisPublisher creates a publisher on client. Call Start to begin publishing.
func NewRedisPublisher(client redis.Cmdable, logger logging.Logger, m *metrics.Metrics) *RedisPublisher {
	return newRedisPublisher(client, logger, m, queueSize)
}

func newRedisPublisher(client redis.Cmdable, logger logging.Logger, m *metrics.Metrics, size int) *RedisPublisher {
	return &RedisPublisher{
		client:  client,
		log:     logging.OrDiscard(logger).WithField("component", "publish"),
		metrics: m,
		queue:   make(chan message, size),
		done:    make(chan struct{}),
	}
}

// Start begins the background publishing goroutine.
func (p *RedisPublisher) Start() {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.mu.Unlock()

	p.wg.Add(1)
	go p.publishLoop()
	p.log.Info("Redis publisher started")
}

// Stop shuts the publisher down, flushing queued messages.
func (p *RedisPublisher) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	close(p.done)
	p.wg.Wait()
	p.log.WithFields(logging.Fields{
		"published": atomic.LoadUint64(&p.published),
		"failed":    atomic.LoadUint64(&p.failed),
		"dropped":   atomic.LoadUint64(&p.dropped),
	}).Info("Redis publisher stopped")
}

// PublishAttack queues a released attack.
func (p *RedisPublisher) PublishAttack(a models.Attack) {
	payload, err := json.Marshal(a)
	if err != nil {
		p.log.WithError(err).Warn("Failed to encode attack")
		return
	}
	p.enqueue(message{channel: AttacksChannel, payload: payload})
}

// PublishSnapshot queues a snapshot swap.
func (p *RedisPublisher) PublishSnapshot(ips []models.MaliciousIP) {
	payload, err := json.Marshal(SnapshotMessage{
		Count:       len(ips),
		PublishedAt: time.Now().UTC(),
		IPs:         ips,
	})
	if err != nil {
		p.log.WithError(err).Warn("Failed to encode snapshot")
		return
	}
	p.enqueue(message{channel: SnapshotsChannel, payload: payload})
}

func (p *RedisPublisher) enqueue(msg message) {
	select {
	case p.queue <- msg:
	default:
		// Queue full, drop message
		dropped := atomic.AddUint64(&p.dropped, 1)
		if dropped%dropLogInterval == 1 {
			p.log.WithField("dropped", dropped).Warn("Publish queue full, dropping messages")
		}
	}
}

// Stats returns publisher statistics.
func (p *RedisPublisher) Stats() map[string]interface{} {
	return map[string]interface{}{
		"published": atomic.LoadUint64(&p.published),
		"failed":    atomic.LoadUint64(&p.failed),
		"dropped":   atomic.LoadUint64(&p.dropped),
		"batches":   atomic.LoadUint64(&p.batches),
		"queue_len": len(p.queue),
		"queue_cap": cap(p.queue),
	}
}

func (p *RedisPublisher) publishLoop() {
	defer p.wg.Done()

	batch := make([]message, 0, batchSize)
	ticker := time.NewTicker(batchInterval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-p.queue:
			batch = append(batch, msg)
			if len(batch) >= batchSize {
				p.publishBatch(batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				p.publishBatch(batch)
				batch = batch[:0]
			}

		case <-p.done:
			// Flush whatever is queued
			for {
				select {
				case msg := <-p.queue:
					batch = append(batch, msg)
					if len(batch) >= batchSize {
						p.publishBatch(batch)
						batch = batch[:0]
					}
				default:
					p.publishBatch(batch)
					return
				}
			}
		}
	}
}

func (p *RedisPublisher) publishBatch(batch []message) {
	if len(batch) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	pipe := p.client.Pipeline()
	cmds := make([]*redis.IntCmd, len(batch))
	for i, msg := range batch {
		cmds[i] = pipe.Publish(ctx, msg.channel, msg.payload)
	}
	_, execErr := pipe.Exec(ctx)
	if execErr != nil {
		p.log.WithError(execErr).WithField("batch", len(batch)).Warn("Publish batch failed")
	}

	for i, cmd := range cmds {
		err := cmd.Err()
		if err == nil {
			err = execErr
		}
		if err != nil {
			atomic.AddUint64(&p.failed, 1)
		} else {
			atomic.AddUint64(&p.published, 1)
		}
		p.metrics.PublishResult(batch[i].channel, err)
	}
	atomic.AddUint64(&p.batches, 1)
}
