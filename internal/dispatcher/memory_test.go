package dispatcher

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"simbroker/internal/testutil"
	"simbroker/pkg/backoff"
	"simbroker/pkg/circuitbreaker"
	"simbroker/pkg/cloudevent"
	"sync/atomic"
	"testing"
	"time"
)

func testConfig() Config {
	return Config{
		BufferSize:  100,
		Workers:     1,
		HTTPTimeout: 5 * time.Second,
		Backoff:     backoff.Config{Initial: time.Millisecond, Max: 5 * time.Millisecond},
		Breaker:     circuitbreaker.Config{Threshold: 5, Cooldown: 20 * time.Millisecond},
	}
}

func newTestDispatcher(t *testing.T, cfg Config) *MemoryDispatcher {
	t.Helper()
	d := NewMemory(cfg, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = d.Close(ctx)
	})
	return d
}

func testEvent(url string) *Event {
	return &Event{
		Payload:     cloudevent.New("simbroker.job.launched", "simbroker", "1", map[string]any{"jobId": 1}),
		Destination: url,
	}
}

func TestMemoryDispatcher_Dispatch(t *testing.T) {
	t.Parallel()
	var received atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d := newTestDispatcher(t, testConfig())
	if err := d.Dispatch(testEvent(server.URL)); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	testutil.MustWaitForCount(t, &received, 1, testutil.Quick())
	testutil.MustWaitFor(t, func() bool { return d.Stats().Delivered == 1 },
		testutil.Quick())
}

func TestMemoryDispatcher_BufferFull(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()
	defer close(release)

	cfg := testConfig()
	cfg.BufferSize = 2
	d := newTestDispatcher(t, cfg)

	var full int
	for range 5 {
		if errors.Is(d.Dispatch(testEvent(server.URL)), ErrBufferFull) {
			full++
		}
	}
	if full == 0 {
		t.Error("expected some events to be rejected")
	}
	if d.Stats().Dropped != int64(full) {
		t.Errorf("Dropped = %d, want %d", d.Stats().Dropped, full)
	}
}

func TestMemoryDispatcher_Retry(t *testing.T) {
	t.Parallel()
	var attempts atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d := newTestDispatcher(t, testConfig())
	_ = d.Dispatch(testEvent(server.URL))

	testutil.MustWaitFor(t, func() bool { return d.Stats().Delivered == 1 },
		testutil.Quick())
	if attempts.Load() != 3 {
		t.Errorf("attempts = %d, want 3", attempts.Load())
	}
	if d.Stats().RetriesTotal != 2 {
		t.Errorf("RetriesTotal = %d, want 2", d.Stats().RetriesTotal)
	}
}

func TestMemoryDispatcher_NoRetryOnClientError(t *testing.T) {
	t.Parallel()
	var attempts atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	d := newTestDispatcher(t, testConfig())
	_ = d.Dispatch(testEvent(server.URL))

	testutil.MustWaitFor(t, func() bool { return d.Stats().Failed == 1 },
		testutil.Quick())
	if attempts.Load() != 1 {
		t.Errorf("attempts = %d, want 1", attempts.Load())
	}
}

func TestMemoryDispatcher_CircuitBreakerPostpones(t *testing.T) {
	t.Parallel()
	var attempts atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	cfg := testConfig()
	cfg.Breaker = circuitbreaker.Config{Threshold: 2, Cooldown: time.Hour}
	d := newTestDispatcher(t, cfg)

	for range 4 {
		_ = d.Dispatch(testEvent(server.URL))
	}

	testutil.MustWaitFor(t, func() bool { return d.Stats().Requeued == 2 },
		testutil.Quick())
	stats := d.Stats()
	if stats.Failed != 2 || stats.BreakersOpen != 1 {
		t.Errorf("Stats = %+v, want 2 failed with one open breaker", stats)
	}
	if attempts.Load() != 2 {
		t.Errorf("attempts = %d, want requests stopped once the circuit opened", attempts.Load())
	}
}

func TestMemoryDispatcher_MaxRequeues(t *testing.T) {
	t.Parallel()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	cfg := testConfig()
	cfg.MaxRequeues = 1
	cfg.Breaker = circuitbreaker.Config{Threshold: 1, Cooldown: time.Hour}
	d := newTestDispatcher(t, cfg)

	_ = d.Dispatch(testEvent(server.URL))
	testutil.MustWaitFor(t, func() bool { return d.Stats().Failed == 1 },
		testutil.Quick())

	event := testEvent(server.URL)
	event.requeues = 1
	_ = d.Dispatch(event)
	testutil.MustWaitFor(t, func() bool { return d.Stats().Dropped == 1 },
		testutil.Quick())
}

func TestMemoryDispatcher_Signature(t *testing.T) {
	t.Parallel()
	var verified atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf, _ := io.ReadAll(r.Body)
		verified.Store(cloudevent.Verify(buf, "secret-key", r.Header.Get(cloudevent.SignatureHeader)))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d := newTestDispatcher(t, testConfig())
	event := testEvent(server.URL)
	event.SigningKey = "secret-key"
	_ = d.Dispatch(event)

	testutil.MustWaitFor(t, func() bool { return d.Stats().Delivered == 1 },
		testutil.Quick())
	if !verified.Load() {
		t.Error("signature did not verify")
	}
}

func TestMemoryDispatcher_CloseDrainsQueue(t *testing.T) {
	t.Parallel()
	var received atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d := NewMemory(testConfig(), nil)
	for range 10 {
		_ = d.Dispatch(testEvent(server.URL))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if received.Load() != 10 {
		t.Errorf("received = %d, want 10", received.Load())
	}
	if err := d.Dispatch(testEvent(server.URL)); !errors.Is(err, ErrClosed) {
		t.Errorf("Dispatch after Close = %v, want ErrClosed", err)
	}
	if err := d.Close(ctx); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestHostOf(t *testing.T) {
	t.Parallel()
	tests := []struct {
		rawURL string
		want   string
	}{
		{"http://localhost:8080/webhook", "localhost:8080"},
		{"https://example.com/callback", "example.com"},
		{"http://api.example.com:3000/v1/events?key=123", "api.example.com:3000"},
		{"://invalid", "://invalid"},
		{"", ""},
	}

	for _, tt := range tests {
		if got := hostOf(tt.rawURL); got != tt.want {
			t.Errorf("hostOf(%q) = %q, want %q", tt.rawURL, got, tt.want)
		}
	}
}
