package api

import "time"

// v0 contains the public records a run produces.

type Mode string

const (
	ModeOnce Mode = "once"
	ModeChat Mode = "chat"
)

type RunStatus string

const (
	RunSucceeded RunStatus = "succeeded"
	// RunDegraded means the pass finished but some chunks failed.
	RunDegraded RunStatus = "degraded"
	RunFailed   RunStatus = "failed"
)

// Summary is the cluster-wide outcome of one pass (one turn in chat mode).
type Summary struct {
	RunID           string        `json:"run_id" yaml:"run_id"`
	Mode            Mode          `json:"mode" yaml:"mode"`
	Turn            int           `json:"turn" yaml:"turn"`
	Workers         int           `json:"workers" yaml:"workers"`
	PayloadBytes    int           `json:"payload_bytes" yaml:"payload_bytes"`
	ChunkSize       int           `json:"chunk_size" yaml:"chunk_size"`
	Chunks          int           `json:"chunks" yaml:"chunks"`
	Processed       int64         `json:"processed" yaml:"processed"`
	Failures        int64         `json:"failures" yaml:"failures"`
	NetworkFailures int64         `json:"network_failures" yaml:"network_failures"`
	Status          RunStatus     `json:"status" yaml:"status"`
	Duration        time.Duration `json:"duration_ns" yaml:"duration"`
	FinishedAt      time.Time     `json:"finished_at" yaml:"finished_at"`
}

// StatusFor derives the run status from the counters.
func StatusFor(processed, failures, networkFailures int64) RunStatus {
	switch {
	case failures+networkFailures == 0:
		return RunSucceeded
	case processed == 0:
		return RunFailed
	default:
		return RunDegraded
	}
}
