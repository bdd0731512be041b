// Package snapshot pulls the malicious-IP snapshot with bounded retries.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"

	"github.com/hervehildenbrand/threatmap/pkg/geo"
	"github.com/hervehildenbrand/threatmap/pkg/logging"
	"github.com/hervehildenbrand/threatmap/pkg/metrics"
	"github.com/hervehildenbrand/threatmap/pkg/models"
	"github.com/hervehildenbrand/threatmap/pkg/normalize"
)

// Defaults
const (
	DefaultMaxRetries     = 3
	DefaultRetryDelay     = time.Second
	DefaultAttemptTimeout = 30 * time.Second

	maxBodySize = 32 << 20
)

var errEmptySnapshot = errors.New("snapshot is empty")

// Config configures a Fetcher.
type Config struct {
	URL            string
	Client         *http.Client
	RetryDelay     time.Duration
	AttemptTimeout time.Duration
	Normalizer     *normalize.Normalizer
	Logger         logging.Logger
	Metrics        *metrics.Metrics
}

// Fetcher retrieves and normalizes the malicious-IP snapshot.
type Fetcher struct {
	cfg Config
	log logging.Logger

	// Stats
	attempts  uint64
	successes uint64
	exhausted uint64
	skipped   uint64
}

// NewFetcher creates a fetcher, filling unset fields with defaults.
func NewFetcher(cfg Config) *Fetcher {
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = DefaultAttemptTimeout
	}
	if cfg.Normalizer == nil {
		cfg.Normalizer = normalize.New()
	}
	return &Fetcher{
		cfg: cfg,
		log: logging.OrDiscard(cfg.Logger).WithFields(logging.Fields{"component": "snapshot", "endpoint": cfg.URL}),
	}
}

// FetchWithRetry makes up to maxRetries attempts, waiting RetryDelay between
// them, and returns the first non-empty result. Exhaustion and cancellation
// both yield an empty slice.
func (f *Fetcher) FetchWithRetry(ctx context.Context, maxRetries int) []models.MaliciousIP {
	if maxRetries < 1 {
		maxRetries = 1
	}

	policy := retrypolicy.NewBuilder[[]models.MaliciousIP]().
		WithMaxAttempts(maxRetries).
		WithDelay(f.cfg.RetryDelay).
		HandleIf(func(ips []models.MaliciousIP, err error) bool {
			return err != nil || len(ips) == 0
		}).
		AbortIf(func(_ []models.MaliciousIP, _ error) bool {
			return ctx.Err() != nil
		}).
		OnRetry(func(e failsafe.ExecutionEvent[[]models.MaliciousIP]) {
			f.log.WithFields(logging.Fields{
				"attempt": e.Attempts(),
				"error":   e.LastError(),
			}).Warn("Snapshot attempt failed, retrying")
		}).
		Build()

	ips, err := failsafe.With[[]models.MaliciousIP](policy).WithContext(ctx).Get(func() ([]models.MaliciousIP, error) {
		return f.Fetch(ctx)
	})
	if err != nil || len(ips) == 0 {
		if ctx.Err() != nil {
			f.log.WithError(ctx.Err()).Info("Snapshot fetch canceled")
			return []models.MaliciousIP{}
		}
		atomic.AddUint64(&f.exhausted, 1)
		f.cfg.Metrics.SnapshotResult(0)
		f.log.WithFields(logging.Fields{"attempts": maxRetries, "error": err}).
			Error(models.ErrSnapshotExhausted.Error())
		return []models.MaliciousIP{}
	}

	atomic.AddUint64(&f.successes, 1)
	f.cfg.Metrics.SnapshotResult(len(ips))
	f.log.WithField("count", len(ips)).Info("Snapshot fetched")
	return ips
}

// Fetch makes a single attempt. Records without a usable location are
// skipped, and an empty result is an error.
func (f *Fetcher) Fetch(ctx context.Context) ([]models.MaliciousIP, error) {
	atomic.AddUint64(&f.attempts, 1)
	f.cfg.Metrics.SnapshotAttempt()

	ctx, cancel := context.WithTimeout(ctx, f.cfg.AttemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.cfg.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrTransport, err)
	}
	defer resp.Body.Close()
	observedAt := time.Now()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: unexpected status %d", models.ErrTransport, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", models.ErrTransport, err)
	}

	ips, err := f.decode(body, observedAt)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, errEmptySnapshot
	}
	return ips, nil
}

func (f *Fetcher) decode(body []byte, observedAt time.Time) ([]models.MaliciousIP, error) {
	var elems []json.RawMessage
	if err := json.Unmarshal(body, &elems); err != nil {
		return nil, fmt.Errorf("%w: unmarshal snapshot: %v", models.ErrParse, err)
	}

	ips := make([]models.MaliciousIP, 0, len(elems))
	for _, elem := range elems {
		var raw normalize.RawMaliciousIP
		if err := json.Unmarshal(elem, &raw); err != nil {
			f.skip(err)
			continue
		}
		ip, err := f.cfg.Normalizer.NormalizeIP(raw, observedAt)
		if err != nil {
			f.skip(err)
			continue
		}
		if !geo.IsDisplayableIP(ip) {
			f.skip(fmt.Errorf("ip %s has no location", ip.IP))
			continue
		}
		ips = append(ips, ip)
	}
	return ips, nil
}

func (f *Fetcher) skip(err error) {
	atomic.AddUint64(&f.skipped, 1)
	f.cfg.Metrics.RecordDropped("snapshot")
	f.log.WithError(err).Debug("Skipping snapshot record")
}

// Stats returns current statistics.
func (f *Fetcher) Stats() map[string]interface{} {
	return map[string]interface{}{
		"endpoint":  f.cfg.URL,
		"attempts":  atomic.LoadUint64(&f.attempts),
		"successes": atomic.LoadUint64(&f.successes),
		"exhausted": atomic.LoadUint64(&f.exhausted),
		"skipped":   atomic.LoadUint64(&f.skipped),
	}
}
