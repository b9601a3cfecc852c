// Package submit delivers payload chunks to the inference endpoint.
//
// Each chunk runs through a small state machine:
//
//	Attempting -> Success
//	Attempting -> Retrying -> Attempting          (service or transport error, attempts left)
//	Attempting -> ResettingClient -> Attempting   (transport error, attempts exhausted, reset budget left)
//	Attempting -> GivingUp                        (permanent error, or budgets exhausted)
//
// A Submitter is used by exactly one worker and is not safe for concurrent use.
package submit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Options bound the retry behaviour of a Submitter.
type Options struct {
	// MaxRetries is the number of attempts per client lifetime (at least 1).
	MaxRetries int
	// Delay is the base backoff delay; retry n waits min(Delay*2^n, 8*Delay).
	Delay time.Duration
	// ResetLimit is how many times a chunk may rebuild the client after
	// exhausting its attempts on transport errors.
	ResetLimit int
	// MaxRequestBytes rejects larger encoded requests as permanent failures.
	// 0 disables the check.
	MaxRequestBytes int
	// ChunkDeadline caps a chunk's combined retry and reset window. 0 disables it.
	ChunkDeadline time.Duration
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// SleepContext is the default Sleeper.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Backoff returns the delay before retry n (0-based): min(base*2^n, 8*base).
func Backoff(n int, base time.Duration) time.Duration {
	if n < 0 {
		n = 0
	}
	if n >= 3 {
		return 8 * base
	}
	return base << uint(n)
}

// Result is the outcome of one chunk.
type Result struct {
	Index    int
	Body     []byte
	Attempts int
	Resets   int
	Duration time.Duration
	// Err is nil on success, otherwise a *ChunkError.
	Err error
}

// OK reports whether the chunk was delivered.
func (r Result) OK() bool { return r.Err == nil }

// Submitter owns one live client and drives chunks through the retry loop.
type Submitter struct {
	opts    Options
	factory Factory
	encode  Encoder
	sleep   Sleeper
	pace    *Pacer
	log     zerolog.Logger
	client  Client
}

// Option customizes a Submitter.
type Option func(*Submitter)

// WithSleeper replaces the backoff sleeper.
func WithSleeper(s Sleeper) Option { return func(sb *Submitter) { sb.sleep = s } }

// WithEncoder replaces the request encoder. The default sends chunks verbatim.
func WithEncoder(e Encoder) Option { return func(sb *Submitter) { sb.encode = e } }

// WithPacer spaces every attempt, retries included, at the pacer's interval.
func WithPacer(p *Pacer) Option { return func(sb *Submitter) { sb.pace = p } }

// WithLogger sets the logger used for state transitions.
func WithLogger(l zerolog.Logger) Option { return func(sb *Submitter) { sb.log = l } }

// New creates a submitter. The client is opened lazily on the first chunk.
func New(factory Factory, opts Options, options ...Option) *Submitter {
	if opts.MaxRetries < 1 {
		opts.MaxRetries = 1
	}
	if opts.ResetLimit < 0 {
		opts.ResetLimit = 0
	}
	s := &Submitter{
		opts:    opts,
		factory: factory,
		encode:  func(chunk []byte) ([]byte, error) { return chunk, nil },
		sleep:   SleepContext,
		log:     zerolog.Nop(),
	}
	for _, o := range options {
		o(s)
	}
	return s
}

// Submit delivers one chunk, retrying and resetting the client as needed.
// It always returns a Result; failures are reported in Result.Err.
func (s *Submitter) Submit(ctx context.Context, index int, chunk []byte) Result {
	start := time.Now()
	res := Result{Index: index}

	body, err := s.encode(chunk)
	if err != nil {
		res.Err = &ChunkError{Kind: KindPermanent, Err: fmt.Errorf("encode chunk: %w", err)}
		s.giveUp(&res, start)
		return res
	}
	if s.opts.MaxRequestBytes > 0 && len(body) > s.opts.MaxRequestBytes {
		res.Err = &ChunkError{Kind: KindPermanent, Err: fmt.Errorf("%w: %d > %d bytes", ErrPayloadTooLarge, len(body), s.opts.MaxRequestBytes)}
		s.giveUp(&res, start)
		return res
	}

	if s.opts.ChunkDeadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.ChunkDeadline)
		defer cancel()
	}

	resets := s.opts.ResetLimit
	for {
		if s.client == nil {
			c, err := s.factory.Open()
			if err != nil {
				res.Err = &ChunkError{Kind: KindTransport, Err: fmt.Errorf("open client: %w", err)}
				s.giveUp(&res, start)
				return res
			}
			s.client = c
		}

		respBody, last := s.attempt(ctx, index, body, &res)
		if last == nil {
			res.Body = respBody
			res.Duration = time.Since(start)
			s.log.Debug().
				Int("chunk", index).
				Int("attempts", res.Attempts).
				Int("resets", res.Resets).
				Msg("chunk delivered")
			return res
		}

		if last.Kind == KindTransport && resets > 0 && ctx.Err() == nil {
			resets--
			res.Resets++
			s.log.Warn().
				Int("chunk", index).
				Int("reset", res.Resets).
				Int("resets_left", resets).
				Err(last).
				Msg("transport failures persist, rebuilding client")
			s.closeClient()
			continue
		}

		res.Err = last
		s.giveUp(&res, start)
		return res
	}
}

// attempt runs up to MaxRetries attempts against the current client and
// returns the response body, or the last failure.
func (s *Submitter) attempt(ctx context.Context, index int, body []byte, res *Result) ([]byte, *ChunkError) {
	var last *ChunkError
	for n := 0; n < s.opts.MaxRetries; n++ {
		if n > 0 {
			delay := Backoff(n-1, s.opts.Delay)
			s.log.Warn().
				Int("chunk", index).
				Int("attempt", n+1).
				Int("max_retries", s.opts.MaxRetries).
				Str("kind", last.Kind.String()).
				Int("status", last.Status).
				Dur("delay", delay).
				Msg("chunk submission failed, retrying")
			if err := s.sleep(ctx, delay); err != nil {
				return nil, &ChunkError{Kind: last.Kind, Status: last.Status, Err: errors.Join(last.Err, err)}
			}
		}

		if err := s.pace.Wait(ctx, s.sleep); err != nil {
			if last == nil {
				return nil, &ChunkError{Kind: KindTransport, Err: err}
			}
			return nil, &ChunkError{Kind: last.Kind, Status: last.Status, Err: errors.Join(last.Err, err)}
		}
		res.Attempts++
		status, resp, err := s.client.Do(ctx, body)
		switch {
		case err != nil:
			last = &ChunkError{Kind: KindTransport, Status: status, Err: err}
		case status >= 200 && status < 300:
			return resp, nil
		default:
			last = &ChunkError{Kind: KindService, Status: status}
		}
		if ctx.Err() != nil {
			break
		}
	}
	return nil, last
}

func (s *Submitter) giveUp(res *Result, start time.Time) {
	res.Duration = time.Since(start)
	s.log.Error().
		Int("chunk", res.Index).
		Int("attempts", res.Attempts).
		Int("resets", res.Resets).
		Str("kind", KindOf(res.Err).String()).
		Err(res.Err).
		Msg("giving up on chunk")
}

func (s *Submitter) closeClient() {
	if s.client == nil {
		return
	}
	if err := s.client.Close(); err != nil {
		s.log.Debug().Err(err).Msg("close client")
	}
	s.client = nil
}

// Close releases the live client, if any.
func (s *Submitter) Close() error {
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	return err
}
