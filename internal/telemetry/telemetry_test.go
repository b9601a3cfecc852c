package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestCollectorTotals(t *testing.T) {
	c := NewCollector(true)
	defer c.Shutdown()

	c.Counter(MetricChunksProcessed, 1, map[string]string{"rank": "0"})
	c.Counter(MetricChunksProcessed, 2, map[string]string{"rank": "1"})
	c.Counter(MetricChunksFailed, 1, nil)

	if got := c.Total(MetricChunksProcessed); got != 3 {
		t.Fatalf("expected 3 processed, got %v", got)
	}
	if got := c.Total(MetricChunksFailed); got != 1 {
		t.Fatalf("expected 1 failed, got %v", got)
	}
	_ = c.FlushMetrics()
	if len(c.GetMetrics()) != 0 {
		t.Fatalf("expected samples to be flushed")
	}
	if got := c.Total(MetricChunksProcessed); got != 3 {
		t.Fatalf("totals must survive a flush, got %v", got)
	}
}

func TestDisabledCollectorRecordsNothing(t *testing.T) {
	c := NewCollector(false)
	c.Counter("x", 1, nil)
	c.Timer("y", time.Second, nil)
	if len(c.GetMetrics()) != 0 || c.Total("x") != 0 {
		t.Fatalf("disabled collector recorded metrics")
	}
}

func TestWorkerProgress(t *testing.T) {
	c := NewCollector(true)
	defer c.Shutdown()
	var buf strings.Builder
	p := NewWorkerProgress(zerolog.New(&buf), c, nil, 2, 3, 2)

	p.Record(OutcomeProcessed, 1, 0, 10, time.Millisecond)
	p.Record(OutcomeNetworkFailed, 6, 2, 0, time.Millisecond)
	p.Record(OutcomeFailed, 3, 0, 0, time.Millisecond)

	if p.Done() != 3 {
		t.Fatalf("expected 3 done, got %d", p.Done())
	}
	if got := c.Total(MetricChunkAttempts); got != 10 {
		t.Fatalf("expected 10 attempts, got %v", got)
	}
	if got := c.Total(MetricClientResets); got != 2 {
		t.Fatalf("expected 2 resets, got %v", got)
	}
	if n := strings.Count(buf.String(), "worker progress"); n != 2 {
		t.Fatalf("expected 2 progress lines, got %d: %s", n, buf.String())
	}
}

// syncBuffer lets the progress goroutine and the test share a log sink.
type syncBuffer struct {
	mu  sync.Mutex
	buf strings.Builder
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestProgressCountsWithTelemetryDisabled(t *testing.T) {
	c := NewCollector(false)
	tally := NewTally()
	tally.Attach()
	var logs syncBuffer

	stop := StartClusterProgress(context.Background(), zerolog.New(&logs), tally, 4, 1, 5*time.Millisecond)
	p := NewWorkerProgress(zerolog.Nop(), c, tally, 0, 4, 0)
	p.Record(OutcomeProcessed, 1, 0, 3, time.Millisecond)
	p.Record(OutcomeProcessed, 1, 0, 3, time.Millisecond)
	p.Record(OutcomeProcessed, 1, 0, 3, time.Millisecond)
	p.Record(OutcomeNetworkFailed, 4, 1, 0, time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	for !strings.Contains(logs.String(), `"network_failures":1`) {
		if time.Now().After(deadline) {
			stop()
			t.Fatalf("progress never caught up with the recorded chunks: %s", logs.String())
		}
		time.Sleep(5 * time.Millisecond)
	}
	stop()

	out := logs.String()
	if !strings.Contains(out, "cluster progress") || !strings.Contains(out, `"processed":3`) {
		t.Fatalf("unexpected progress output: %s", out)
	}
	if c.Total(MetricChunksProcessed) != 0 {
		t.Fatalf("disabled collector must stay empty")
	}
}

func TestProgressCountsOnlyTheCurrentPass(t *testing.T) {
	tally := NewTally()
	tally.Attach()
	tally.Add(OutcomeProcessed)
	tally.Add(OutcomeFailed)
	var logs syncBuffer

	// Two world ranks but only the leader reports here, as on a TCP leader.
	stop := StartClusterProgress(context.Background(), zerolog.New(&logs), tally, 2, 2, 5*time.Millisecond)
	tally.Add(OutcomeProcessed)

	deadline := time.Now().Add(2 * time.Second)
	for !strings.Contains(logs.String(), `"processed":1`) {
		if time.Now().After(deadline) {
			stop()
			t.Fatalf("progress never reported the new chunk: %s", logs.String())
		}
		time.Sleep(5 * time.Millisecond)
	}
	stop()

	out := logs.String()
	if !strings.Contains(out, "leader-local progress") || strings.Contains(out, `"cluster progress"`) {
		t.Fatalf("a leader seeing one of two ranks must not claim cluster progress: %s", out)
	}
	if strings.Contains(out, `"processed":2`) || strings.Contains(out, `"failures":1`) {
		t.Fatalf("counts must exclude earlier passes: %s", out)
	}
}

func TestMonitoringEndpoints(t *testing.T) {
	c := NewCollector(true)
	defer c.Shutdown()
	c.Counter(MetricChunksProcessed, 4, map[string]string{"rank": "0"})

	ms := NewMonitoringServer("127.0.0.1:0", c)
	for name, fn := range DefaultHealthChecks() {
		ms.RegisterHealthCheck(name, fn)
	}
	mux := http.NewServeMux()
	ms.setupRoutes(mux)

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != 200 {
		t.Fatalf("status %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `fanout_chunks_processed{rank="0"} 4`) {
		t.Fatalf("unexpected metrics body: %s", rr.Body.String())
	}

	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != 200 {
		t.Fatalf("health status %d: %s", rr.Code, rr.Body.String())
	}
}
