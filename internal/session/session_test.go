package session

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/3cpo-dev/fanout/internal/cluster"
	"github.com/3cpo-dev/fanout/internal/config"
	"github.com/3cpo-dev/fanout/internal/sink"
	"github.com/3cpo-dev/fanout/internal/stub"
	"github.com/3cpo-dev/fanout/internal/submit"
	"github.com/3cpo-dev/fanout/internal/telemetry"
	"github.com/3cpo-dev/fanout/pkg/api"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func testConfig(url string, chunkSize int) *config.Config {
	cfg := config.Default()
	cfg.Endpoint.URL = url
	cfg.Chunking.ChunkSize = chunkSize
	cfg.Chunking.MinChunkSize = 1
	cfg.Retry.MaxRetries = 3
	cfg.Retry.NetworkResetLimit = 1
	cfg.Progress.ClusterIntervalSeconds = 0
	return &cfg
}

type recorder struct {
	mu        sync.Mutex
	records   []sink.Record
	summaries []api.Summary
}

func (r *recorder) Persist(_ context.Context, rec sink.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return nil
}

func (r *recorder) Publish(_ context.Context, s api.Summary) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.summaries = append(r.summaries, s)
	return nil
}

func (r *recorder) sorted() []sink.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := append([]sink.Record(nil), r.records...)
	sort.Slice(out, func(i, j int) bool { return out[i].Chunk < out[j].Chunk })
	return out
}

func newOptions(t *testing.T, cfg *config.Config, rec *recorder, out io.Writer) Options {
	collector := telemetry.NewCollector(true)
	t.Cleanup(func() { _ = collector.Shutdown() })
	return Options{
		Config:    cfg,
		Factory:   &submit.HTTPFactory{URL: cfg.Endpoint.URL, Timeout: 5 * time.Second},
		Sleeper:   noSleep,
		Persister: rec,
		Publisher: rec,
		Collector: collector,
		Log:       zerolog.Nop(),
		Out:       out,
	}
}

// runLocal runs fn on every rank and collects each rank's error instead of
// letting the first one cancel the others.
func runLocal(t *testing.T, n int, fn func(ctx context.Context, tr cluster.Transport) error) []error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	errs := make([]error, n)
	err := cluster.RunLocal(ctx, n, func(ctx context.Context, tr cluster.Transport) error {
		errs[tr.Rank()] = fn(ctx, tr)
		return nil
	})
	require.NoError(t, err)
	return errs
}

func TestRunOnceProcessesEveryChunk(t *testing.T) {
	srv := &stub.Server{Upper: true}
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	cfg := testConfig(ts.URL, 4)
	rec := &recorder{}
	payload := "abcdefghijklmnopqrstuvwxyz"

	var summary api.Summary
	errs := runLocal(t, 3, func(ctx context.Context, tr cluster.Transport) error {
		s := New(tr, newOptions(t, cfg, rec, nil))
		defer s.Close()
		sum, err := s.RunOnce(ctx, TextSource{Text: payload})
		if tr.Rank() == 0 {
			summary = sum
		}
		return err
	})
	for r, err := range errs {
		require.NoError(t, err, "rank %d", r)
	}

	assert.Equal(t, api.ModeOnce, summary.Mode)
	assert.Equal(t, 3, summary.Workers)
	assert.Equal(t, 26, summary.PayloadBytes)
	assert.Equal(t, 4, summary.ChunkSize)
	assert.Equal(t, 7, summary.Chunks)
	assert.Equal(t, int64(7), summary.Processed)
	assert.Zero(t, summary.Failures)
	assert.Zero(t, summary.NetworkFailures)
	assert.Equal(t, api.RunSucceeded, summary.Status)
	assert.NotEmpty(t, summary.RunID)
	assert.Equal(t, int64(7), srv.Requests())

	records := rec.sorted()
	require.Len(t, records, 7)
	var joined strings.Builder
	for i, r := range records {
		assert.Equal(t, i, r.Chunk)
		assert.Equal(t, i%3, r.Worker, "chunk %d owner", i)
		assert.Equal(t, summary.RunID, r.RunID)
		joined.WriteString(r.Text)
	}
	assert.Equal(t, strings.ToUpper(payload), joined.String())
	require.Len(t, rec.summaries, 1)
	assert.Equal(t, summary.RunID, rec.summaries[0].RunID)
}

func TestRunOnceCountsServiceFailures(t *testing.T) {
	srv := &stub.Server{FailFirst: 1000, FailStatus: http.StatusInternalServerError}
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	cfg := testConfig(ts.URL, 5)
	cfg.Retry.MaxRetries = 2
	rec := &recorder{}

	var summary api.Summary
	errs := runLocal(t, 2, func(ctx context.Context, tr cluster.Transport) error {
		s := New(tr, newOptions(t, cfg, rec, nil))
		defer s.Close()
		sum, err := s.RunOnce(ctx, TextSource{Text: "0123456789"})
		if tr.Rank() == 0 {
			summary = sum
		}
		return err
	})
	for r, err := range errs {
		require.NoError(t, err, "rank %d", r)
	}

	assert.Equal(t, int64(0), summary.Processed)
	assert.Equal(t, int64(2), summary.Failures)
	assert.Zero(t, summary.NetworkFailures)
	assert.Equal(t, api.RunFailed, summary.Status)
	// no resets for service errors: MaxRetries attempts per chunk
	assert.Equal(t, int64(4), srv.Requests())
	assert.Empty(t, rec.sorted())
}

func TestRunOnceRecoversDroppedConnection(t *testing.T) {
	srv := &stub.Server{FailFirst: 1, FailMode: stub.FailDrop}
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	cfg := testConfig(ts.URL, 3)
	rec := &recorder{}

	var summary api.Summary
	errs := runLocal(t, 2, func(ctx context.Context, tr cluster.Transport) error {
		s := New(tr, newOptions(t, cfg, rec, nil))
		defer s.Close()
		sum, err := s.RunOnce(ctx, TextSource{Text: "abcdefghi"})
		if tr.Rank() == 0 {
			summary = sum
		}
		return err
	})
	for r, err := range errs {
		require.NoError(t, err, "rank %d", r)
	}
	assert.Equal(t, int64(3), summary.Processed)
	assert.Equal(t, api.RunSucceeded, summary.Status)
	assert.Equal(t, int64(1), srv.Injected())
}

func TestRunOnceNetworkFailures(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	cfg := testConfig(url, 2)
	cfg.Retry.MaxRetries = 1
	cfg.Retry.NetworkResetLimit = 1
	rec := &recorder{}

	var summary api.Summary
	errs := runLocal(t, 2, func(ctx context.Context, tr cluster.Transport) error {
		s := New(tr, newOptions(t, cfg, rec, nil))
		defer s.Close()
		sum, err := s.RunOnce(ctx, TextSource{Text: "abcd"})
		if tr.Rank() == 0 {
			summary = sum
		}
		return err
	})
	for r, err := range errs {
		require.NoError(t, err, "rank %d", r)
	}
	assert.Zero(t, summary.Processed)
	assert.Zero(t, summary.Failures)
	assert.Equal(t, int64(2), summary.NetworkFailures)
	assert.Equal(t, api.RunFailed, summary.Status)
}

func TestRunOnceNoPayloadReachesEveryRank(t *testing.T) {
	captureErr := errors.New("capture failed")
	cases := map[string]Source{
		"capture error": SourceFunc(func(context.Context) ([]byte, error) { return nil, captureErr }),
		"empty":         TextSource{},
		"missing":       nil,
	}
	for name, src := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := testConfig("http://127.0.0.1:1", 4)
			errs := runLocal(t, 3, func(ctx context.Context, tr cluster.Transport) error {
				s := New(tr, newOptions(t, cfg, &recorder{}, nil))
				defer s.Close()
				_, err := s.RunOnce(ctx, src)
				return err
			})
			for r, err := range errs {
				assert.ErrorIs(t, err, ErrNoPayload, "rank %d", r)
			}
			if name == "capture error" {
				assert.ErrorIs(t, errs[0], captureErr)
			}
		})
	}
}

type scriptedLines struct {
	lines []string
}

func (s *scriptedLines) ReadLine(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(s.lines) == 0 {
		return "", io.EOF
	}
	line := s.lines[0]
	s.lines = s.lines[1:]
	return line, nil
}

func TestChatTurnsEndTogether(t *testing.T) {
	srv := &stub.Server{}
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	cfg := testConfig(ts.URL, 4)
	rec := &recorder{}
	var out bytes.Buffer

	turns := make([]int, 3)
	var leaderSummaries []api.Summary
	errs := runLocal(t, 3, func(ctx context.Context, tr cluster.Transport) error {
		var w io.Writer
		var lines LineSource
		if tr.Rank() == 0 {
			w = &out
			lines = &scriptedLines{lines: []string{"hello there", "second", ":quit", "never read"}}
		}
		s := New(tr, newOptions(t, cfg, rec, w))
		defer s.Close()
		sums, err := s.Chat(ctx, lines)
		turns[tr.Rank()] = len(sums)
		if tr.Rank() == 0 {
			leaderSummaries = sums
		}
		return err
	})
	for r, err := range errs {
		require.NoError(t, err, "rank %d", r)
	}

	assert.Equal(t, []int{2, 0, 0}, turns)
	require.Len(t, leaderSummaries, 2)
	assert.Equal(t, 1, leaderSummaries[0].Turn)
	assert.Equal(t, 2, leaderSummaries[1].Turn)
	assert.Equal(t, api.ModeChat, leaderSummaries[0].Mode)
	assert.Equal(t, leaderSummaries[0].RunID, leaderSummaries[1].RunID)

	// The stub echoes each chunk, so the ordered reply reproduces the payload.
	first := "User: hello there\n"
	second := "User: hello there\nAssistant: " + first + "\n\nUser: second\n"
	assert.Equal(t, first+"\n"+second+"\n", out.String())
	assert.Equal(t, len(second), leaderSummaries[1].PayloadBytes)
}

func TestChatEndsOnEOF(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1", 4)
	errs := runLocal(t, 2, func(ctx context.Context, tr cluster.Transport) error {
		var lines LineSource
		if tr.Rank() == 0 {
			lines = &scriptedLines{}
		}
		s := New(tr, newOptions(t, cfg, &recorder{}, nil))
		defer s.Close()
		sums, err := s.Chat(ctx, lines)
		if len(sums) != 0 {
			return errors.New("unexpected turn")
		}
		return err
	})
	for r, err := range errs {
		assert.NoError(t, err, "rank %d", r)
	}
}

func TestComposeHistory(t *testing.T) {
	var h History
	assert.Equal(t, "User: hi\n", string(h.Compose("hi")))

	h.Append("hi", "hello")
	h.Append("how are you", "fine")
	assert.Equal(t, 2, h.Len())
	assert.Equal(t,
		"User: hi\nAssistant: hello\n\nUser: how are you\nAssistant: fine\n\nUser: bye\n",
		string(h.Compose("bye")))

	turns := h.Turns()
	turns[0].User = "changed"
	assert.Equal(t, "hi", h.Turns()[0].User)
}

func TestIsExit(t *testing.T) {
	for _, in := range []string{"", "   ", ":quit", ":exit", ":q", " :Q ", ":QUIT"} {
		assert.True(t, IsExit(in), "%q", in)
	}
	for _, in := range []string{"quit", "hello", ":quitting"} {
		assert.False(t, IsExit(in), "%q", in)
	}
}

func TestLineReader(t *testing.T) {
	var prompts bytes.Buffer
	lr := NewLineReader(strings.NewReader("first\r\nsecond\n"), &prompts, "> ")
	defer lr.Close()
	ctx := context.Background()

	line, err := lr.ReadLine(ctx)
	require.NoError(t, err)
	assert.Equal(t, "first", line)
	line, err = lr.ReadLine(ctx)
	require.NoError(t, err)
	assert.Equal(t, "second", line)
	_, err = lr.ReadLine(ctx)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, "> > > ", prompts.String())
}

func TestLineReaderHonorsContext(t *testing.T) {
	pr, pw := io.Pipe()
	lr := NewLineReader(pr, nil, "")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := lr.ReadLine(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	require.NoError(t, lr.Close())
	require.NoError(t, pw.Close())
}

func TestSources(t *testing.T) {
	ctx := context.Background()

	data, err := ReaderSource{R: strings.NewReader("piped")}.Capture(ctx)
	require.NoError(t, err)
	assert.Equal(t, "piped", string(data))

	path := t.TempDir() + "/payload.txt"
	_, err = FileSource{Path: path}.Capture(ctx)
	assert.Error(t, err)
}

func TestChatOverTCP(t *testing.T) {
	srv := &stub.Server{}
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	cfg := testConfig(ts.URL, 3)
	rec := &recorder{}
	const world = 3

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ln, err := cluster.Listen("127.0.0.1:0", zerolog.Nop())
	require.NoError(t, err)

	var (
		wg   sync.WaitGroup
		errs = make([]error, world)
		out  bytes.Buffer
	)
	run := func(tr cluster.Transport, lines LineSource, w io.Writer) {
		defer tr.Close()
		s := New(tr, newOptions(t, cfg, rec, w))
		defer s.Close()
		_, errs[tr.Rank()] = s.Chat(ctx, lines)
	}
	for r := 1; r < world; r++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			tr, err := cluster.Join(ctx, ln.Addr(), rank, world, zerolog.Nop())
			if err != nil {
				errs[rank] = err
				return
			}
			run(tr, nil, nil)
		}(r)
	}
	leader, err := ln.Accept(ctx, world)
	require.NoError(t, err)
	run(leader, &scriptedLines{lines: []string{"over the wire", ":exit"}}, &out)
	wg.Wait()

	for r, err := range errs {
		require.NoError(t, err, "rank %d", r)
	}
	assert.Equal(t, "User: over the wire\n\n", out.String())
	assert.Len(t, rec.sorted(), 7)
}
