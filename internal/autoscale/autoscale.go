// Package autoscale decides how finely a payload is split before it is
// partitioned across workers.
package autoscale

import (
	"github.com/rs/zerolog"

	"github.com/3cpo-dev/fanout/internal/config"
)

// Plan is the partition granularity for one payload.
type Plan struct {
	// Tasks is the logical task count that produced ChunkSize, 0 when the
	// chunk size came straight from configuration.
	Tasks     int
	ChunkSize int
	Scaled    bool
}

// Controller applies the autoscale policy once per captured payload.
type Controller struct {
	cfg     config.Autoscale
	minSize int
	workers int
	log     zerolog.Logger
}

// New creates a controller. workers is the fixed worker count of the run.
func New(cfg config.Autoscale, minChunkSize, workers int, log zerolog.Logger) *Controller {
	if workers <= 0 {
		workers = 1
	}
	return &Controller{cfg: cfg, minSize: minChunkSize, workers: workers, log: log}
}

// Base computes the unscaled plan: the configured chunk size, or
// ceil(length/tasks) when a desired task count is set.
func Base(length int, chunking config.Chunking) Plan {
	p := Plan{Tasks: chunking.Tasks, ChunkSize: chunking.ChunkSize}
	if chunking.Tasks > 0 && length > 0 {
		p.ChunkSize = ceilDiv(length, chunking.Tasks)
	}
	p.ChunkSize = clamp(p.ChunkSize, chunking.MinChunkSize, length)
	return p
}

// Apply evaluates the policy against a payload length and returns the
// possibly rescaled plan. Only chunks mode mutates the plan.
func (c *Controller) Apply(length int, p Plan) Plan {
	switch c.cfg.Mode {
	case config.ModeChunks:
		if length < c.cfg.ThresholdBytes || length == 0 {
			return p
		}
		factor := c.cfg.Factor
		if factor < 1 {
			factor = 1
		}
		base := p.Tasks
		if base <= 0 {
			base = c.workers
		}
		tasks := base * factor
		size := clamp(ceilDiv(length, tasks), c.minSize, length)
		c.log.Info().
			Int("payload_bytes", length).
			Int("threshold_bytes", c.cfg.ThresholdBytes).
			Int("tasks_before", base).
			Int("tasks", tasks).
			Int("chunk_size", size).
			Msg("autoscale: increasing task count")
		return Plan{Tasks: tasks, ChunkSize: size, Scaled: true}
	case config.ModeThreads:
		if length < c.cfg.ThresholdBytes || length == 0 {
			return p
		}
		factor := c.cfg.Factor
		if factor < 1 {
			factor = 1
		}
		c.log.Warn().
			Int("payload_bytes", length).
			Int("workers", c.workers).
			Int("suggested_workers", c.workers*factor).
			Msg("autoscale: payload exceeds threshold; worker count is fixed for this run, relaunch with more workers to scale")
		return p
	default:
		return p
	}
}

// Plan computes the base plan and applies the policy in one step.
func (c *Controller) Plan(length int, chunking config.Chunking) Plan {
	return c.Apply(length, Base(length, chunking))
}

func ceilDiv(a, b int) int {
	if b <= 0 {
		return a
	}
	return (a + b - 1) / b
}

// clamp keeps size within [min, limit]; limit wins when they conflict so a
// chunk never exceeds the payload.
func clamp(size, min, limit int) int {
	if size < min {
		size = min
	}
	if limit > 0 && size > limit {
		size = limit
	}
	if size < 1 {
		size = 1
	}
	return size
}
