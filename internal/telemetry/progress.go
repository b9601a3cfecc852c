package telemetry

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Metric names recorded by the chunk pipeline.
const (
	MetricChunksProcessed     = "fanout_chunks_processed"
	MetricChunksFailed        = "fanout_chunks_failed"
	MetricChunksNetworkFailed = "fanout_chunks_network_failed"
	MetricChunkAttempts       = "fanout_chunk_attempts"
	MetricClientResets        = "fanout_client_resets"
	MetricChunkDuration       = "fanout_chunk_duration"
	MetricResponseBytes       = "fanout_response_bytes"
)

// Outcome of one chunk as seen by the progress reporter.
type Outcome string

const (
	OutcomeProcessed     Outcome = "processed"
	OutcomeFailed        Outcome = "failed"
	OutcomeNetworkFailed Outcome = "network_failed"
)

// Tally counts chunk outcomes for every rank hosted by one process. Unlike
// the Collector it is always on, so progress lines stay accurate with
// telemetry disabled.
type Tally struct {
	processed atomic.Int64
	failed    atomic.Int64
	network   atomic.Int64
	ranks     atomic.Int64
}

// TallySnapshot is a point-in-time copy of a Tally.
type TallySnapshot struct {
	Processed     int64
	Failed        int64
	NetworkFailed int64
}

// Sub returns the counts recorded since base.
func (s TallySnapshot) Sub(base TallySnapshot) TallySnapshot {
	return TallySnapshot{
		Processed:     s.Processed - base.Processed,
		Failed:        s.Failed - base.Failed,
		NetworkFailed: s.NetworkFailed - base.NetworkFailed,
	}
}

// NewTally returns an empty tally.
func NewTally() *Tally { return &Tally{} }

// Attach registers one more rank reporting into the tally.
func (t *Tally) Attach() { t.ranks.Add(1) }

// Ranks returns how many ranks have attached.
func (t *Tally) Ranks() int { return int(t.ranks.Load()) }

// Add counts one outcome.
func (t *Tally) Add(outcome Outcome) {
	switch outcome {
	case OutcomeProcessed:
		t.processed.Add(1)
	case OutcomeFailed:
		t.failed.Add(1)
	case OutcomeNetworkFailed:
		t.network.Add(1)
	}
}

// Snapshot reads the current counts.
func (t *Tally) Snapshot() TallySnapshot {
	return TallySnapshot{
		Processed:     t.processed.Load(),
		Failed:        t.failed.Load(),
		NetworkFailed: t.network.Load(),
	}
}

// WorkerProgress tracks one worker's pass over its partition and logs a
// progress line every `every` chunks.
type WorkerProgress struct {
	mu        sync.Mutex
	log       zerolog.Logger
	collector *Collector
	tally     *Tally
	labels    map[string]string
	owned     int
	every     int
	done      int
	failed    int
	startTime time.Time
}

// NewWorkerProgress creates a reporter for a worker that owns `owned` chunks.
// Outcomes are also added to tally when it is not nil.
func NewWorkerProgress(log zerolog.Logger, collector *Collector, tally *Tally, rank, owned, every int) *WorkerProgress {
	if collector == nil {
		collector = GetGlobal()
	}
	return &WorkerProgress{
		log:       log,
		collector: collector,
		tally:     tally,
		labels:    map[string]string{"rank": strconv.Itoa(rank), "component": "worker"},
		owned:     owned,
		every:     every,
		startTime: time.Now(),
	}
}

// Record accounts for one finished chunk.
func (p *WorkerProgress) Record(outcome Outcome, attempts, resets, responseBytes int, duration time.Duration) {
	p.mu.Lock()
	p.done++
	if outcome != OutcomeProcessed {
		p.failed++
	}
	done, failed := p.done, p.failed
	p.mu.Unlock()
	if p.tally != nil {
		p.tally.Add(outcome)
	}

	switch outcome {
	case OutcomeProcessed:
		p.collector.Counter(MetricChunksProcessed, 1, p.labels)
		p.collector.Histogram(MetricResponseBytes, float64(responseBytes), p.labels)
	case OutcomeFailed:
		p.collector.Counter(MetricChunksFailed, 1, p.labels)
	case OutcomeNetworkFailed:
		p.collector.Counter(MetricChunksNetworkFailed, 1, p.labels)
	}
	p.collector.Counter(MetricChunkAttempts, float64(attempts), p.labels)
	if resets > 0 {
		p.collector.Counter(MetricClientResets, float64(resets), p.labels)
	}
	p.collector.Timer(MetricChunkDuration, duration, p.labels)

	if p.every > 0 && (done%p.every == 0 || done == p.owned) {
		p.log.Info().
			Int("done", done).
			Int("owned", p.owned).
			Int("failed", failed).
			Dur("elapsed", time.Since(p.startTime)).
			Msg("worker progress")
	}
}

// Done returns how many chunks have been recorded.
func (p *WorkerProgress) Done() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

// StartClusterProgress logs a progress line every interval until ctx is
// canceled or the returned stop function is called. Counts are taken from
// tally relative to the moment it is called, so start it before any rank can
// record chunks of the new pass. The line is labelled "cluster progress" only
// when all world ranks report into tally; otherwise it is "leader-local
// progress" and covers only the ranks hosted by this process.
func StartClusterProgress(ctx context.Context, log zerolog.Logger, tally *Tally, totalChunks, world int, interval time.Duration) (stop func()) {
	if interval <= 0 || tally == nil {
		return func() {}
	}
	base := tally.Snapshot()
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		start := time.Now()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cur := tally.Snapshot().Sub(base)
				ranks := tally.Ranks()
				msg := "cluster progress"
				if ranks < world {
					msg = "leader-local progress"
				}
				log.Info().
					Int("chunks", totalChunks).
					Int64("processed", cur.Processed).
					Int64("failures", cur.Failed).
					Int64("network_failures", cur.NetworkFailed).
					Int("ranks", ranks).
					Int("world", world).
					Dur("elapsed", time.Since(start)).
					Msg(msg)
			}
		}
	}()
	return func() {
		cancel()
		wg.Wait()
	}
}
