package cluster

import (
	"context"
	"fmt"
)

// Stats are one worker's counters for a pass.
type Stats struct {
	Processed       int64 `json:"processed"`
	Failures        int64 `json:"failures"`
	NetworkFailures int64 `json:"network_failures"`
}

// Observe counts one chunk outcome. A failed chunk is counted as a network
// failure when network is set, otherwise as a failure.
func (s *Stats) Observe(ok, network bool) {
	switch {
	case ok:
		s.Processed++
	case network:
		s.NetworkFailures++
	default:
		s.Failures++
	}
}

// Total is processed plus both failure counts.
func (s Stats) Total() int64 { return s.Processed + s.Failures + s.NetworkFailures }

// ClusterStats is the leader's sum over every worker.
type ClusterStats struct {
	Stats
	Workers int `json:"workers"`
}

// Aggregate sums local stats onto the leader. Every rank must call it; only
// rank 0 gets isLeader == true and a populated ClusterStats.
func Aggregate(ctx context.Context, t Transport, local Stats) (ClusterStats, bool, error) {
	sum, err := t.ReduceSum(ctx, 0, []int64{local.Processed, local.Failures, local.NetworkFailures})
	if err != nil {
		return ClusterStats{}, false, fmt.Errorf("reduce stats: %w", err)
	}
	if t.Rank() != 0 {
		return ClusterStats{}, false, nil
	}
	if len(sum) != 3 {
		return ClusterStats{}, true, fmt.Errorf("%w: reduced %d stat values", ErrProtocol, len(sum))
	}
	return ClusterStats{
		Stats:   Stats{Processed: sum[0], Failures: sum[1], NetworkFailures: sum[2]},
		Workers: t.Size(),
	}, true, nil
}
