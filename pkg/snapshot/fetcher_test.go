package snapshot

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hervehildenbrand/threatmap/pkg/models"
	"github.com/hervehildenbrand/threatmap/pkg/normalize"
)

const twoIPs = `[
	{"ip": "1.2.3.4", "latitude": 52.52, "longitude": 13.40, "type": "malicious"},
	{"ip": "5.6.7.8", "latitude": 40.71, "longitude": -74.00, "type": "spam"}
]`

// scripted serves the given responses in order, repeating the last one.
func scripted(t *testing.T, responses ...func(w http.ResponseWriter)) (*httptest.Server, *int32) {
	t.Helper()
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(atomic.AddInt32(&calls, 1)) - 1
		if n >= len(responses) {
			n = len(responses) - 1
		}
		responses[n](w)
	}))
	t.Cleanup(server.Close)
	return server, &calls
}

func status(code int) func(w http.ResponseWriter) {
	return func(w http.ResponseWriter) {
		w.WriteHeader(code)
	}
}

func body(s string) func(w http.ResponseWriter) {
	return func(w http.ResponseWriter) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, s)
	}
}

func newTestFetcher(url string) *Fetcher {
	return NewFetcher(Config{URL: url, RetryDelay: time.Millisecond})
}

func TestFetchWithRetry_SucceedsOnThirdAttempt(t *testing.T) {
	server, calls := scripted(t, status(http.StatusInternalServerError), status(http.StatusBadGateway), body(twoIPs))

	ips := newTestFetcher(server.URL).FetchWithRetry(context.Background(), 3)
	if len(ips) != 2 {
		t.Fatalf("Expected 2 IPs, got %d", len(ips))
	}
	if got := atomic.LoadInt32(calls); got != 3 {
		t.Errorf("Expected 3 attempts, got %d", got)
	}
	if ips[0].Severity != models.SeverityHigh {
		t.Errorf("Expected malicious -> High, got %s", ips[0].Severity)
	}
	if ips[1].Severity != models.SeverityMedium {
		t.Errorf("Expected spam -> Medium, got %s", ips[1].Severity)
	}
}

func TestFetchWithRetry_Exhausted(t *testing.T) {
	server, calls := scripted(t, status(http.StatusServiceUnavailable))

	f := newTestFetcher(server.URL)
	ips := f.FetchWithRetry(context.Background(), 3)
	if ips == nil || len(ips) != 0 {
		t.Errorf("Expected empty non-nil result, got %v", ips)
	}
	if got := atomic.LoadInt32(calls); got != 3 {
		t.Errorf("Expected 3 attempts, got %d", got)
	}
	if got := f.Stats()["exhausted"].(uint64); got != 1 {
		t.Errorf("Expected 1 exhaustion, got %d", got)
	}
}

func TestFetchWithRetry_FirstSuccessReturnsImmediately(t *testing.T) {
	server, calls := scripted(t, body(twoIPs))

	ips := newTestFetcher(server.URL).FetchWithRetry(context.Background(), 5)
	if len(ips) != 2 {
		t.Fatalf("Expected 2 IPs, got %d", len(ips))
	}
	if got := atomic.LoadInt32(calls); got != 1 {
		t.Errorf("Expected 1 attempt, got %d", got)
	}
}

func TestFetchWithRetry_FailureKinds(t *testing.T) {
	tests := []struct {
		name     string
		response func(w http.ResponseWriter)
	}{
		{"server error", status(http.StatusInternalServerError)},
		{"not found", status(http.StatusNotFound)},
		{"undecodable body", body(`{"not": "an array"}`)},
		{"empty array", body(`[]`)},
		{"all records invalid", body(`[{"ip": "1.2.3.4", "type": "spam", "timestamp": "garbage"}]`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, calls := scripted(t, tt.response, body(twoIPs))

			ips := newTestFetcher(server.URL).FetchWithRetry(context.Background(), 2)
			if len(ips) != 2 {
				t.Errorf("Expected retry to reach the good response, got %d IPs", len(ips))
			}
			if got := atomic.LoadInt32(calls); got != 2 {
				t.Errorf("Expected 2 attempts, got %d", got)
			}
		})
	}
}

func TestFetchWithRetry_MaxRetriesFloor(t *testing.T) {
	for _, n := range []int{0, -4} {
		server, calls := scripted(t, status(http.StatusInternalServerError))

		ips := newTestFetcher(server.URL).FetchWithRetry(context.Background(), n)
		if len(ips) != 0 {
			t.Errorf("maxRetries=%d: expected empty result, got %d", n, len(ips))
		}
		if got := atomic.LoadInt32(calls); got != 1 {
			t.Errorf("maxRetries=%d: expected 1 attempt, got %d", n, got)
		}
	}
}

func TestFetchWithRetry_SkipsInvalidRecords(t *testing.T) {
	server, _ := scripted(t, body(`[
		{"ip": "1.2.3.4", "latitude": 1.5, "longitude": 2.5, "type": "malicious", "timestamp": "not a time"},
		{"ip": "5.6.7.8", "latitude": 3.5, "longitude": 4.5, "type": "spam", "timestamp": "2024-01-15T12:00:00"},
		"bogus"
	]`))

	f := newTestFetcher(server.URL)
	ips := f.FetchWithRetry(context.Background(), 1)
	if len(ips) != 1 || ips[0].IP != "5.6.7.8" {
		t.Fatalf("Expected only 5.6.7.8, got %v", ips)
	}
	want := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)
	if !ips[0].Timestamp.Equal(want) {
		t.Errorf("Expected timestamp %v, got %v", want, ips[0].Timestamp)
	}
	if got := f.Stats()["skipped"].(uint64); got != 2 {
		t.Errorf("Expected 2 skipped records, got %d", got)
	}
}

func TestFetchWithRetry_SkipsUnlocatedIPs(t *testing.T) {
	server, calls := scripted(t,
		body(`[{"ip": "1.2.3.4", "latitude": null, "type": "malicious"}]`),
		body(`[
			{"ip": "1.2.3.4", "latitude": null, "type": "malicious"},
			{"ip": "9.9.9.9", "latitude": 0, "longitude": 0, "type": "spam"},
			{"ip": "5.6.7.8", "latitude": 40.71, "longitude": -74.00, "type": "spam"}
		]`),
	)

	f := newTestFetcher(server.URL)
	ips := f.FetchWithRetry(context.Background(), 2)
	if got := atomic.LoadInt32(calls); got != 2 {
		t.Errorf("Expected an all-unlocated snapshot to be retried, got %d attempts", got)
	}
	if len(ips) != 1 || ips[0].IP != "5.6.7.8" {
		t.Fatalf("Expected only 5.6.7.8, got %v", ips)
	}
	if got := f.Stats()["skipped"].(uint64); got != 3 {
		t.Errorf("Expected 3 skipped records, got %d", got)
	}
}

type fixedLocator struct{}

func (fixedLocator) Locate(string) (float64, float64, bool) { return 48.85, 2.35, true }

func TestFetchWithRetry_LocatorRescuesMissingCoordinates(t *testing.T) {
	server, _ := scripted(t, body(`[{"ip": "1.2.3.4", "type": "malicious"}]`))

	f := NewFetcher(Config{
		URL:        server.URL,
		RetryDelay: time.Millisecond,
		Normalizer: normalize.New(normalize.WithIPLocator(fixedLocator{})),
	})
	ips := f.FetchWithRetry(context.Background(), 1)
	if len(ips) != 1 || ips[0].Latitude != 48.85 || ips[0].Longitude != 2.35 {
		t.Errorf("Expected located IP at 48.85,2.35, got %v", ips)
	}
}

func TestFetchWithRetry_MissingTimestampUsesObservation(t *testing.T) {
	server, _ := scripted(t, body(twoIPs))

	before := time.Now()
	ips := newTestFetcher(server.URL).FetchWithRetry(context.Background(), 1)
	after := time.Now()

	if len(ips) != 2 {
		t.Fatalf("Expected 2 IPs, got %d", len(ips))
	}
	if ips[0].Timestamp.Before(before.Add(-time.Second)) || ips[0].Timestamp.After(after.Add(time.Second)) {
		t.Errorf("Expected observation-time timestamp, got %v", ips[0].Timestamp)
	}
	if ips[0].ID == "" || ips[0].ID == ips[1].ID {
		t.Errorf("Expected unique IDs, got %q and %q", ips[0].ID, ips[1].ID)
	}
}

func TestFetchWithRetry_ContextCanceled(t *testing.T) {
	server, calls := scripted(t, status(http.StatusInternalServerError))

	f := NewFetcher(Config{URL: server.URL, RetryDelay: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan []models.MaliciousIP)
	go func() {
		done <- f.FetchWithRetry(ctx, 3)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case ips := <-done:
		if len(ips) != 0 {
			t.Errorf("Expected empty result after cancel, got %d", len(ips))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Expected cancel to abort the retry delay")
	}
	if got := atomic.LoadInt32(calls); got != 1 {
		t.Errorf("Expected 1 attempt before cancel, got %d", got)
	}
}

func TestFetchWithRetry_TransportError(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	ips := newTestFetcher(url).FetchWithRetry(context.Background(), 2)
	if len(ips) != 0 {
		t.Errorf("Expected empty result, got %d", len(ips))
	}
}

func TestGeoIPLocator_NilAndPrivate(t *testing.T) {
	var g *GeoIPLocator
	if _, _, ok := g.Locate("8.8.8.8"); ok {
		t.Error("Expected nil locator to locate nothing")
	}
	if err := g.Close(); err != nil {
		t.Errorf("Expected nil Close to succeed, got %v", err)
	}

	empty := &GeoIPLocator{}
	for _, ip := range []string{"10.0.0.1", "127.0.0.1", "not-an-ip", "::1"} {
		if _, _, ok := empty.Locate(ip); ok {
			t.Errorf("Expected %s not to be located", ip)
		}
	}
	if !isPrivateIP([]byte{192, 168, 1, 1}) {
		t.Error("Expected 192.168.1.1 to be private")
	}
}

func TestOpenGeoIP_MissingFile(t *testing.T) {
	if _, err := OpenGeoIP("/nonexistent/GeoLite2-City.mmdb"); err == nil {
		t.Error("Expected error for missing database")
	}
}
