package submit

import (
	"context"
	"time"
)

// Pacer spaces requests at least Interval apart. The zero value never waits.
// Not safe for concurrent use; each worker owns one.
type Pacer struct {
	Interval time.Duration
	last     time.Time
	now      func() time.Time
}

// NewPacer creates a pacer for requestsPerSecond. A non-positive rate disables it.
func NewPacer(requestsPerSecond float64) *Pacer {
	if requestsPerSecond <= 0 {
		return &Pacer{}
	}
	return &Pacer{Interval: time.Duration(float64(time.Second) / requestsPerSecond)}
}

// Wait blocks until the next request may go out, using sleep so tests can
// observe the delay.
func (p *Pacer) Wait(ctx context.Context, sleep Sleeper) error {
	if p == nil || p.Interval <= 0 {
		return ctx.Err()
	}
	now := p.clock()
	if !p.last.IsZero() {
		if gap := p.Interval - now.Sub(p.last); gap > 0 {
			if err := sleep(ctx, gap); err != nil {
				return err
			}
			now = now.Add(gap)
		}
	}
	p.last = now
	return nil
}

func (p *Pacer) clock() time.Time {
	if p.now != nil {
		return p.now()
	}
	return time.Now()
}
