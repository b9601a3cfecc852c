package cluster

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// exercise runs the same collective script on every rank.
func exercise(ctx context.Context, t Transport, out *sync.Map) error {
	var payload []byte
	if t.Rank() == 0 {
		payload = []byte("hello cluster")
	}
	got, err := t.Broadcast(ctx, 0, payload)
	if err != nil {
		return fmt.Errorf("rank %d broadcast: %w", t.Rank(), err)
	}
	out.Store(fmt.Sprintf("bcast/%d", t.Rank()), string(got))

	sum, err := t.ReduceSum(ctx, 0, []int64{1, int64(t.Rank()), 10})
	if err != nil {
		return fmt.Errorf("rank %d reduce: %w", t.Rank(), err)
	}
	if t.Rank() == 0 {
		out.Store("sum", sum)
		for r := 1; r < t.Size(); r++ {
			msg, err := t.Recv(ctx, r)
			if err != nil {
				return err
			}
			out.Store(fmt.Sprintf("p2p/%d", r), string(msg))
		}
		return nil
	}
	if sum != nil {
		return errors.New("non-root received a reduction")
	}
	return t.Send(ctx, 0, []byte(fmt.Sprintf("from %d", t.Rank())))
}

func checkExercise(t *testing.T, out *sync.Map, n int) {
	t.Helper()
	for r := 0; r < n; r++ {
		v, ok := out.Load(fmt.Sprintf("bcast/%d", r))
		require.True(t, ok, "rank %d missing broadcast", r)
		assert.Equal(t, "hello cluster", v)
	}
	sum, ok := out.Load("sum")
	require.True(t, ok)
	wantRanks := int64(n * (n - 1) / 2)
	assert.Equal(t, []int64{int64(n), wantRanks, int64(10 * n)}, sum)
	for r := 1; r < n; r++ {
		v, _ := out.Load(fmt.Sprintf("p2p/%d", r))
		assert.Equal(t, fmt.Sprintf("from %d", r), v)
	}
}

func TestLocalCollectives(t *testing.T) {
	for _, n := range []int{1, 2, 4} {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			var out sync.Map
			err := RunLocal(context.Background(), n, func(ctx context.Context, tr Transport) error {
				return exercise(ctx, tr, &out)
			})
			require.NoError(t, err)
			checkExercise(t, &out, n)
		})
	}
}

func TestLocalBroadcastCopiesData(t *testing.T) {
	ts := NewLocal(2)
	data := []byte("abc")
	_, err := ts[0].Broadcast(context.Background(), 0, data)
	require.NoError(t, err)
	data[0] = 'z'
	got, err := ts[1].Broadcast(context.Background(), 0, nil)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(got))
}

func TestLocalKindMismatch(t *testing.T) {
	ts := NewLocal(2)
	require.NoError(t, ts[1].Send(context.Background(), 0, []byte("x")))
	_, err := ts[0].ReduceSum(context.Background(), 0, []int64{1})
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestLocalRecvHonorsContext(t *testing.T) {
	ts := NewLocal(2)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := ts[1].Recv(ctx, 0)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLocalClosed(t *testing.T) {
	ts := NewLocal(2)
	require.NoError(t, ts[0].Close())
	assert.ErrorIs(t, ts[0].Send(context.Background(), 1, nil), ErrClosed)
}

func TestRunLocalCancelsOnError(t *testing.T) {
	boom := errors.New("boom")
	err := RunLocal(context.Background(), 3, func(ctx context.Context, tr Transport) error {
		if tr.Rank() == 2 {
			return boom
		}
		// Rank 2 never contributes, so the leader would block without cancellation.
		_, err := tr.ReduceSum(ctx, 0, []int64{1})
		return err
	})
	assert.ErrorIs(t, err, boom)
}

func TestAggregate(t *testing.T) {
	local := []Stats{
		{Processed: 2, Failures: 1},
		{Processed: 2, NetworkFailures: 1},
		{Processed: 1},
	}
	var (
		mu      sync.Mutex
		leaders int
		result  ClusterStats
	)
	err := RunLocal(context.Background(), 3, func(ctx context.Context, tr Transport) error {
		cs, isLeader, err := Aggregate(ctx, tr, local[tr.Rank()])
		if err != nil {
			return err
		}
		if isLeader {
			mu.Lock()
			leaders++
			result = cs
			mu.Unlock()
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, leaders)
	assert.Equal(t, ClusterStats{Stats: Stats{Processed: 5, Failures: 1, NetworkFailures: 1}, Workers: 3}, result)
	assert.Equal(t, int64(7), result.Total())
}

func TestStatsObserve(t *testing.T) {
	var s Stats
	s.Observe(true, false)
	s.Observe(false, true)
	s.Observe(false, false)
	s.Observe(true, true)
	assert.Equal(t, Stats{Processed: 2, Failures: 1, NetworkFailures: 1}, s)
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, &envelope{Kind: kindReduce, From: 3, Values: []int64{1, -2}}))
	assert.Equal(t, byte(0), buf.Bytes()[0], "big-endian length prefix")

	env, err := readFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, kindReduce, env.Kind)
	assert.Equal(t, 3, env.From)
	assert.Equal(t, []int64{1, -2}, env.Values)
}

func TestFrameTooLarge(t *testing.T) {
	_, err := readFrame(bytes.NewReader([]byte{0xff, 0xff, 0xff, 0xff}))
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestFramePartial(t *testing.T) {
	_, err := readFrame(bytes.NewReader([]byte{0, 0, 0, 8, 1, 2}))
	require.Error(t, err)
}

func startTCP(t *testing.T, n int) []Transport {
	t.Helper()
	log := zerolog.Nop()
	ln, err := Listen("127.0.0.1:0", log)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out := make([]Transport, n)
	errs := make(chan error, n)
	var wg sync.WaitGroup
	for r := 1; r < n; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			tr, err := Join(ctx, ln.Addr(), r, n, log)
			if err != nil {
				errs <- err
				return
			}
			out[r] = tr
		}(r)
	}
	leader, err := ln.Accept(ctx, n)
	require.NoError(t, err)
	out[0] = leader
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	t.Cleanup(func() {
		for _, tr := range out {
			_ = tr.Close()
		}
	})
	return out
}

func TestTCPCollectives(t *testing.T) {
	const n = 3
	ts := startTCP(t, n)

	var out sync.Map
	var wg sync.WaitGroup
	errs := make([]error, n)
	for r, tr := range ts {
		wg.Add(1)
		go func(r int, tr Transport) {
			defer wg.Done()
			errs[r] = exercise(context.Background(), tr, &out)
		}(r, tr)
	}
	wg.Wait()
	for r, err := range errs {
		require.NoError(t, err, "rank %d", r)
	}
	checkExercise(t, &out, n)
}

// withSegmentSize shrinks data frames so multi-frame messages stay small.
func withSegmentSize(t *testing.T, n int) {
	t.Helper()
	prev := segmentSize
	segmentSize = n
	t.Cleanup(func() { segmentSize = prev })
}

func TestTCPSplitsLargeMessages(t *testing.T) {
	withSegmentSize(t, 7)
	ts := startTCP(t, 3)
	payload := bytes.Repeat([]byte("0123456789"), 10)
	reply := []byte("exactly fourteen")

	var wg sync.WaitGroup
	got := make([][]byte, 3)
	errs := make([]error, 3)
	for r, tr := range ts {
		wg.Add(1)
		go func(r int, tr Transport) {
			defer wg.Done()
			ctx := context.Background()
			var in []byte
			if r == 0 {
				in = payload
			}
			got[r], errs[r] = tr.Broadcast(ctx, 0, in)
			if errs[r] != nil {
				return
			}
			if r == 1 {
				errs[r] = tr.Send(ctx, 0, reply)
			}
			if r == 0 {
				var back []byte
				back, errs[r] = tr.Recv(ctx, 1)
				assert.Equal(t, reply, back)
			}
		}(r, tr)
	}
	wg.Wait()
	for r := range ts {
		require.NoError(t, errs[r], "rank %d", r)
		assert.Equal(t, payload, got[r], "rank %d", r)
	}
}

func TestTCPBroadcastAboveFrameLimit(t *testing.T) {
	if testing.Short() {
		t.Skip("moves more than MaxFrameSize over loopback")
	}
	ts := startTCP(t, 2)
	payload := bytes.Repeat([]byte{'x'}, MaxFrameSize+1024)

	var wg sync.WaitGroup
	var got []byte
	var err0, err1 error
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err0 = ts[0].Broadcast(context.Background(), 0, payload)
	}()
	go func() {
		defer wg.Done()
		got, err1 = ts[1].Broadcast(context.Background(), 0, nil)
	}()
	wg.Wait()
	require.NoError(t, err0)
	require.NoError(t, err1)
	assert.Len(t, got, len(payload))
}

func TestRecvDataRejectsOverrun(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, &envelope{Kind: kindP2P, From: 0, Size: 3, Data: []byte("ab")}))
	require.NoError(t, writeFrame(&buf, &envelope{Kind: kindP2P, From: 0, Size: 3, Data: []byte("cd")}))
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	go func() { _, _ = a.Write(buf.Bytes()) }()

	_, err := newPeer(b).recvData(context.Background(), kindP2P, 0)
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestTCPAggregate(t *testing.T) {
	ts := startTCP(t, 2)
	var (
		wg   sync.WaitGroup
		cs   ClusterStats
		lead bool
		err0 error
		err1 error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		cs, lead, err0 = Aggregate(context.Background(), ts[0], Stats{Processed: 3})
	}()
	go func() {
		defer wg.Done()
		_, _, err1 = Aggregate(context.Background(), ts[1], Stats{Processed: 1, NetworkFailures: 2})
	}()
	wg.Wait()
	require.NoError(t, err0)
	require.NoError(t, err1)
	assert.True(t, lead)
	assert.Equal(t, Stats{Processed: 4, NetworkFailures: 2}, cs.Stats)
}

func TestTCPWorkerRoutes(t *testing.T) {
	ts := startTCP(t, 3)
	err := ts[1].Send(context.Background(), 2, []byte("x"))
	assert.ErrorIs(t, err, ErrUnsupported)
	_, err = ts[1].Broadcast(context.Background(), 1, nil)
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestTCPRecvHonorsContext(t *testing.T) {
	ts := startTCP(t, 2)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := ts[1].Recv(ctx, 0)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestJoinTimeout(t *testing.T) {
	ln, err := Listen("127.0.0.1:0", zerolog.Nop())
	require.NoError(t, err)
	addr := ln.Addr()
	require.NoError(t, ln.Close())

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_, err = Join(ctx, addr, 1, 2, zerolog.Nop())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestJoinRejectsLeaderRank(t *testing.T) {
	_, err := Join(context.Background(), "127.0.0.1:1", 0, 2, zerolog.Nop())
	require.Error(t, err)
}

func TestAcceptHonorsContext(t *testing.T) {
	ln, err := Listen("127.0.0.1:0", zerolog.Nop())
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = ln.Accept(ctx, 2)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
