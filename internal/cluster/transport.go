// Package cluster connects the fixed set of workers of a run.
//
// Rank 0 is the leader. Every rank must issue collective calls (Broadcast,
// ReduceSum) in the same order; point-to-point Send/Recv pairs must match.
package cluster

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned by operations on a closed transport.
	ErrClosed = errors.New("cluster: transport closed")
	// ErrUnsupported is returned when a transport cannot route between the
	// requested ranks.
	ErrUnsupported = errors.New("cluster: unsupported route")
	// ErrProtocol means a peer sent a message the receiver did not expect.
	ErrProtocol = errors.New("cluster: protocol violation")
)

// Transport is the collective and point-to-point interface the session layer
// runs on.
type Transport interface {
	Rank() int
	Size() int
	// Broadcast sends data from root to every rank. Every rank, root
	// included, returns the broadcast bytes.
	Broadcast(ctx context.Context, root int, data []byte) ([]byte, error)
	// ReduceSum element-wise sums values across ranks. Only root receives the
	// sum; other ranks get nil.
	ReduceSum(ctx context.Context, root int, values []int64) ([]int64, error)
	Send(ctx context.Context, to int, data []byte) error
	Recv(ctx context.Context, from int) ([]byte, error)
	Close() error
}

func checkRank(rank, size int) error {
	if rank < 0 || rank >= size {
		return fmt.Errorf("cluster: rank %d out of range [0,%d)", rank, size)
	}
	return nil
}
