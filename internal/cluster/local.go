package cluster

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

const localQueueDepth = 64

type localKind int

const (
	localBroadcast localKind = iota
	localReduce
	localP2P
)

func (k localKind) String() string {
	switch k {
	case localBroadcast:
		return "broadcast"
	case localReduce:
		return "reduce"
	default:
		return "p2p"
	}
}

type localMsg struct {
	kind   localKind
	data   []byte
	values []int64
}

// localHub holds one buffered queue per ordered rank pair.
type localHub struct {
	size   int
	queues [][]chan localMsg
}

// Local is an in-process transport for one rank; see NewLocal.
type Local struct {
	hub    *localHub
	rank   int
	closed atomic.Bool
}

// NewLocal creates n connected in-memory transports, indexed by rank.
func NewLocal(n int) []Transport {
	if n < 1 {
		n = 1
	}
	hub := &localHub{size: n, queues: make([][]chan localMsg, n)}
	for from := range hub.queues {
		hub.queues[from] = make([]chan localMsg, n)
		for to := range hub.queues[from] {
			hub.queues[from][to] = make(chan localMsg, localQueueDepth)
		}
	}
	out := make([]Transport, n)
	for r := 0; r < n; r++ {
		out[r] = &Local{hub: hub, rank: r}
	}
	return out
}

// RunLocal runs fn once per rank on goroutines over in-memory transports and
// returns the first error. The shared context is cancelled when any rank fails.
func RunLocal(ctx context.Context, n int, fn func(ctx context.Context, t Transport) error) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, t := range NewLocal(n) {
		g.Go(func() error {
			defer t.Close()
			return fn(gctx, t)
		})
	}
	return g.Wait()
}

func (l *Local) Rank() int { return l.rank }
func (l *Local) Size() int { return l.hub.size }

func (l *Local) put(ctx context.Context, to int, m localMsg) error {
	if l.closed.Load() {
		return ErrClosed
	}
	select {
	case l.hub.queues[l.rank][to] <- m:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Local) take(ctx context.Context, from int, kind localKind) (localMsg, error) {
	if l.closed.Load() {
		return localMsg{}, ErrClosed
	}
	select {
	case m := <-l.hub.queues[from][l.rank]:
		if m.kind != kind {
			return localMsg{}, fmt.Errorf("%w: rank %d expected %s from %d, got %s", ErrProtocol, l.rank, kind, from, m.kind)
		}
		return m, nil
	case <-ctx.Done():
		return localMsg{}, ctx.Err()
	}
}

func (l *Local) Broadcast(ctx context.Context, root int, data []byte) ([]byte, error) {
	if err := checkRank(root, l.hub.size); err != nil {
		return nil, err
	}
	if l.rank != root {
		m, err := l.take(ctx, root, localBroadcast)
		if err != nil {
			return nil, err
		}
		return m.data, nil
	}
	for r := 0; r < l.hub.size; r++ {
		if r == root {
			continue
		}
		cp := append([]byte(nil), data...)
		if err := l.put(ctx, r, localMsg{kind: localBroadcast, data: cp}); err != nil {
			return nil, err
		}
	}
	return data, nil
}

func (l *Local) ReduceSum(ctx context.Context, root int, values []int64) ([]int64, error) {
	if err := checkRank(root, l.hub.size); err != nil {
		return nil, err
	}
	if l.rank != root {
		cp := append([]int64(nil), values...)
		return nil, l.put(ctx, root, localMsg{kind: localReduce, values: cp})
	}
	sum := append([]int64(nil), values...)
	for r := 0; r < l.hub.size; r++ {
		if r == root {
			continue
		}
		m, err := l.take(ctx, r, localReduce)
		if err != nil {
			return nil, err
		}
		if err := addInto(sum, m.values, r); err != nil {
			return nil, err
		}
	}
	return sum, nil
}

func (l *Local) Send(ctx context.Context, to int, data []byte) error {
	if err := checkRank(to, l.hub.size); err != nil {
		return err
	}
	return l.put(ctx, to, localMsg{kind: localP2P, data: append([]byte(nil), data...)})
}

func (l *Local) Recv(ctx context.Context, from int) ([]byte, error) {
	if err := checkRank(from, l.hub.size); err != nil {
		return nil, err
	}
	m, err := l.take(ctx, from, localP2P)
	if err != nil {
		return nil, err
	}
	return m.data, nil
}

func (l *Local) Close() error {
	l.closed.Store(true)
	return nil
}

func addInto(sum, values []int64, from int) error {
	if len(values) != len(sum) {
		return fmt.Errorf("%w: rank %d contributed %d values, want %d", ErrProtocol, from, len(values), len(sum))
	}
	for i, v := range values {
		sum[i] += v
	}
	return nil
}
