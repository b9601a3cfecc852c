package cluster

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const helloTimeout = 10 * time.Second

// peer is one framed TCP connection.
type peer struct {
	conn net.Conn
	r    *bufio.Reader
	rmu  sync.Mutex
	wmu  sync.Mutex
}

func newPeer(conn net.Conn) *peer {
	return &peer{conn: conn, r: bufio.NewReader(conn)}
}

func (p *peer) send(ctx context.Context, env *envelope) error {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	stop := watchDeadline(ctx, p.conn.SetWriteDeadline)
	err := writeFrame(p.conn, env)
	stop()
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// sendData writes data as one or more frames of kind. Every frame carries the
// total length in Size so the receiver knows when the message is complete.
func (p *peer) sendData(ctx context.Context, kind string, from int, data []byte) error {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	stop := watchDeadline(ctx, p.conn.SetWriteDeadline)
	defer stop()
	off := 0
	for {
		end := min(off+segmentSize, len(data))
		err := writeFrame(p.conn, &envelope{Kind: kind, From: from, Size: len(data), Data: data[off:end]})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		off = end
		if off >= len(data) {
			return nil
		}
	}
}

// recvData reads the frames written by one sendData call.
func (p *peer) recvData(ctx context.Context, kind string, from int) ([]byte, error) {
	p.rmu.Lock()
	defer p.rmu.Unlock()
	stop := watchDeadline(ctx, p.conn.SetReadDeadline)
	defer stop()
	var data []byte
	for {
		env, err := readFrame(p.r)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		if env.Kind != kind || env.From != from {
			return nil, fmt.Errorf("%w: expected %s from rank %d, got %s from rank %d", ErrProtocol, kind, from, env.Kind, env.From)
		}
		if data == nil {
			if len(env.Data) >= env.Size {
				return env.Data, nil
			}
			data = make([]byte, 0, len(env.Data))
		}
		data = append(data, env.Data...)
		switch {
		case len(data) == env.Size:
			return data, nil
		case len(data) > env.Size || len(env.Data) == 0:
			return nil, fmt.Errorf("%w: %s from rank %d overran its %d byte length", ErrProtocol, kind, from, env.Size)
		}
	}
}

func (p *peer) recv(ctx context.Context) (*envelope, error) {
	p.rmu.Lock()
	defer p.rmu.Unlock()
	stop := watchDeadline(ctx, p.conn.SetReadDeadline)
	env, err := readFrame(p.r)
	stop()
	if err != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return env, err
}

// watchDeadline forces the pending I/O to fail when ctx is done. The returned
// stop func must be called once the I/O has returned.
func watchDeadline(ctx context.Context, set func(time.Time) error) (stop func()) {
	if ctx.Done() == nil {
		return func() {}
	}
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		select {
		case <-ctx.Done():
			_ = set(time.Unix(1, 0))
		case <-done:
		}
	}()
	return func() {
		close(done)
		<-finished
		_ = set(time.Time{})
	}
}

// TCP is a star-topology transport: the leader holds one connection per
// worker, and each worker holds one connection to the leader. Collective
// roots and point-to-point peers must therefore involve rank 0.
type TCP struct {
	rank  int
	size  int
	peers map[int]*peer
	log   zerolog.Logger

	mu     sync.Mutex
	closed bool
}

// Listener accepts workers for the leader.
type Listener struct {
	ln  net.Listener
	log zerolog.Logger
}

// Listen binds the leader's coordinator address.
func Listen(addr string, log zerolog.Logger) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	return &Listener{ln: ln, log: log}, nil
}

// Addr is the bound address, useful when listening on port 0.
func (l *Listener) Addr() string { return l.ln.Addr().String() }

// Close stops accepting.
func (l *Listener) Close() error { return l.ln.Close() }

// Accept waits until size-1 distinct workers have joined and returns the
// leader's transport. The listener is closed on return.
func (l *Listener) Accept(ctx context.Context, size int) (*TCP, error) {
	defer l.ln.Close()

	t := &TCP{rank: 0, size: size, peers: make(map[int]*peer, size), log: l.log}
	if size <= 1 {
		return t, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	accepted := make(chan struct{})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			_ = l.ln.Close()
		case <-accepted:
		}
		return nil
	})
	g.Go(func() error {
		defer close(accepted)
		for len(t.peers) < size-1 {
			conn, err := l.ln.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return fmt.Errorf("accept: %w", err)
			}
			p := newPeer(conn)
			rank, err := t.greet(p)
			if err != nil {
				l.log.Warn().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("rejecting worker")
				_ = conn.Close()
				continue
			}
			t.peers[rank] = p
			l.log.Info().
				Int("worker", rank).
				Str("remote", conn.RemoteAddr().String()).
				Int("joined", len(t.peers)+1).
				Int("world", size).
				Msg("worker joined")
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		_ = t.Close()
		return nil, err
	}
	return t, nil
}

// greet reads the hello frame and acknowledges it.
func (t *TCP) greet(p *peer) (int, error) {
	_ = p.conn.SetDeadline(time.Now().Add(helloTimeout))
	defer p.conn.SetDeadline(time.Time{})

	env, err := readFrame(p.r)
	if err != nil {
		return 0, fmt.Errorf("read hello: %w", err)
	}
	switch {
	case env.Kind != kindHello:
		return 0, fmt.Errorf("%w: expected hello, got %s", ErrProtocol, env.Kind)
	case env.Size != t.size:
		return 0, fmt.Errorf("%w: worker %d expects world size %d, leader has %d", ErrProtocol, env.From, env.Size, t.size)
	case env.From < 1 || env.From >= t.size:
		return 0, fmt.Errorf("%w: worker rank %d out of range", ErrProtocol, env.From)
	}
	if _, dup := t.peers[env.From]; dup {
		return 0, fmt.Errorf("%w: rank %d already joined", ErrProtocol, env.From)
	}
	if err := writeFrame(p.conn, &envelope{Kind: kindWelcome, From: 0, Size: t.size}); err != nil {
		return 0, fmt.Errorf("write welcome: %w", err)
	}
	return env.From, nil
}

// Join connects worker rank to the leader at addr, retrying the dial with
// capped backoff until ctx is done.
func Join(ctx context.Context, addr string, rank, size int, log zerolog.Logger) (*TCP, error) {
	if rank < 1 || rank >= size {
		return nil, fmt.Errorf("cluster: worker rank %d out of range [1,%d)", rank, size)
	}

	var (
		d     net.Dialer
		conn  net.Conn
		err   error
		delay = 100 * time.Millisecond
	)
	for attempt := 1; ; attempt++ {
		conn, err = d.DialContext(ctx, "tcp", addr)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("join %s: %w", addr, errors.Join(err, ctx.Err()))
		}
		log.Debug().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("leader not reachable yet")
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("join %s: %w", addr, ctx.Err())
		case <-time.After(delay):
		}
		if delay *= 2; delay > 2*time.Second {
			delay = 2 * time.Second
		}
	}

	p := newPeer(conn)
	if err := p.send(ctx, &envelope{Kind: kindHello, From: rank, Size: size}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send hello: %w", err)
	}
	env, err := p.recv(ctx)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("await welcome: %w", err)
	}
	if env.Kind != kindWelcome {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: expected welcome, got %s", ErrProtocol, env.Kind)
	}
	log.Info().Str("leader", addr).Int("world", size).Msg("joined cluster")
	return &TCP{rank: rank, size: size, peers: map[int]*peer{0: p}, log: log}, nil
}

func (t *TCP) Rank() int { return t.rank }
func (t *TCP) Size() int { return t.size }

func (t *TCP) peer(r int) (*peer, error) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	if err := checkRank(r, t.size); err != nil {
		return nil, err
	}
	if t.rank != 0 && r != 0 {
		return nil, fmt.Errorf("%w: rank %d to rank %d", ErrUnsupported, t.rank, r)
	}
	p, ok := t.peers[r]
	if !ok {
		return nil, fmt.Errorf("%w: no connection to rank %d", ErrUnsupported, r)
	}
	return p, nil
}

func (t *TCP) expect(ctx context.Context, from int, kind string) (*envelope, error) {
	p, err := t.peer(from)
	if err != nil {
		return nil, err
	}
	env, err := p.recv(ctx)
	if err != nil {
		return nil, fmt.Errorf("recv from rank %d: %w", from, err)
	}
	if env.Kind != kind || env.From != from {
		return nil, fmt.Errorf("%w: expected %s from rank %d, got %s from rank %d", ErrProtocol, kind, from, env.Kind, env.From)
	}
	return env, nil
}

func (t *TCP) expectData(ctx context.Context, from int, kind string) ([]byte, error) {
	p, err := t.peer(from)
	if err != nil {
		return nil, err
	}
	data, err := p.recvData(ctx, kind, from)
	if err != nil {
		return nil, fmt.Errorf("recv from rank %d: %w", from, err)
	}
	return data, nil
}

// Broadcast splits data into frames below MaxFrameSize, so payloads of any
// length reach every worker.
func (t *TCP) Broadcast(ctx context.Context, root int, data []byte) ([]byte, error) {
	if root != 0 {
		return nil, fmt.Errorf("%w: broadcast root %d", ErrUnsupported, root)
	}
	if t.rank != 0 {
		return t.expectData(ctx, 0, kindBroadcast)
	}
	for r := 1; r < t.size; r++ {
		p, err := t.peer(r)
		if err != nil {
			return nil, err
		}
		if err := p.sendData(ctx, kindBroadcast, 0, data); err != nil {
			return nil, fmt.Errorf("broadcast to rank %d: %w", r, err)
		}
	}
	return data, nil
}

func (t *TCP) ReduceSum(ctx context.Context, root int, values []int64) ([]int64, error) {
	if root != 0 {
		return nil, fmt.Errorf("%w: reduce root %d", ErrUnsupported, root)
	}
	if t.rank != 0 {
		p, err := t.peer(0)
		if err != nil {
			return nil, err
		}
		return nil, p.send(ctx, &envelope{Kind: kindReduce, From: t.rank, Values: values})
	}
	sum := append([]int64(nil), values...)
	for r := 1; r < t.size; r++ {
		env, err := t.expect(ctx, r, kindReduce)
		if err != nil {
			return nil, err
		}
		if err := addInto(sum, env.Values, r); err != nil {
			return nil, err
		}
	}
	return sum, nil
}

func (t *TCP) Send(ctx context.Context, to int, data []byte) error {
	p, err := t.peer(to)
	if err != nil {
		return err
	}
	return p.sendData(ctx, kindP2P, t.rank, data)
}

func (t *TCP) Recv(ctx context.Context, from int) ([]byte, error) {
	return t.expectData(ctx, from, kindP2P)
}

// Close closes every connection. It is safe to call more than once.
func (t *TCP) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	var errs []error
	for _, p := range t.peers {
		if err := p.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) && !errors.Is(err, os.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
