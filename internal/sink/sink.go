// Package sink persists chunk responses and publishes run summaries.
//
// Persistence is best-effort: callers log a failed Persist and move on.
package sink

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/3cpo-dev/fanout/pkg/api"
)

// Record is one delivered chunk response.
type Record struct {
	RunID     string    `json:"run_id"`
	Turn      int       `json:"turn"`
	Chunk     int       `json:"chunk"`
	Worker    int       `json:"worker"`
	Text      string    `json:"text"`
	Body      []byte    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// Name is the file name used by file-oriented sinks.
func (r Record) Name() string {
	return fmt.Sprintf("t%d-c%d-w%d.json", r.Turn, r.Chunk, r.Worker)
}

// Persister stores chunk responses. Implementations are safe for concurrent use.
type Persister interface {
	Persist(ctx context.Context, rec Record) error
}

// Publisher announces cluster summaries.
type Publisher interface {
	Publish(ctx context.Context, s api.Summary) error
}

// Multi fans a record out to every persister and joins their errors.
type Multi []Persister

func (m Multi) Persist(ctx context.Context, rec Record) error {
	var errs []error
	for _, p := range m {
		if err := p.Persist(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// MultiPublisher publishes to every publisher and joins their errors.
type MultiPublisher []Publisher

func (m MultiPublisher) Publish(ctx context.Context, s api.Summary) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Preview logs the head of every response.
type Preview struct {
	Log   zerolog.Logger
	Bytes int
}

func (p Preview) Persist(_ context.Context, rec Record) error {
	if p.Bytes <= 0 {
		return nil
	}
	text := rec.Text
	if text == "" {
		text = string(rec.Body)
	}
	p.Log.Info().
		Int("chunk", rec.Chunk).
		Int("worker", rec.Worker).
		Int("bytes", len(text)).
		Str("preview", Truncate(text, p.Bytes)).
		Msg("response")
	return nil
}

// Truncate shortens s to at most n bytes on a rune boundary, appending an
// ellipsis when anything was cut.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}

// LogPublisher writes the summary as a structured log line.
type LogPublisher struct {
	Log zerolog.Logger
}

func (p LogPublisher) Publish(_ context.Context, s api.Summary) error {
	p.Log.Info().
		Str("run_id", s.RunID).
		Str("mode", string(s.Mode)).
		Int("turn", s.Turn).
		Int("workers", s.Workers).
		Int("chunks", s.Chunks).
		Int("chunk_size", s.ChunkSize).
		Int64("processed", s.Processed).
		Int64("failures", s.Failures).
		Int64("network_failures", s.NetworkFailures).
		Str("status", string(s.Status)).
		Dur("duration", s.Duration).
		Msg("cluster summary")
	return nil
}
