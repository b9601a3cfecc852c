// Package session runs passes over a payload on every rank of a cluster:
// the leader captures and broadcasts, every worker processes its partition,
// and the leader aggregates and reports.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/3cpo-dev/fanout/internal/autoscale"
	"github.com/3cpo-dev/fanout/internal/cluster"
	"github.com/3cpo-dev/fanout/internal/config"
	"github.com/3cpo-dev/fanout/internal/partition"
	"github.com/3cpo-dev/fanout/internal/sink"
	"github.com/3cpo-dev/fanout/internal/submit"
	"github.com/3cpo-dev/fanout/internal/telemetry"
	"github.com/3cpo-dev/fanout/pkg/api"
)

// ErrNoPayload is returned on every rank when the leader could not prepare a
// payload (capture failed or it was empty).
var ErrNoPayload = errors.New("no payload to process")

// Options wires a session to its collaborators. Config and Factory are required.
type Options struct {
	Config    *config.Config
	Factory   submit.Factory
	Encoder   submit.Encoder
	Sleeper   submit.Sleeper
	Persister sink.Persister
	// Publisher receives the leader's summary; it defaults to logging it.
	Publisher sink.Publisher
	Collector *telemetry.Collector
	// Tally feeds the leader's progress line. Ranks hosted by one process
	// should share it; it defaults to a tally owned by this session.
	Tally *telemetry.Tally
	Log       zerolog.Logger
	// Out receives assembled chat replies on the leader.
	Out io.Writer
}

// Session is one rank's view of a run. It is not safe for concurrent use.
type Session struct {
	t         cluster.Transport
	cfg       *config.Config
	opts      Options
	log       zerolog.Logger
	submitter *submit.Submitter
	scaler    *autoscale.Controller
	runID     string
}

// New prepares a session for the rank owning t.
func New(t cluster.Transport, opts Options) *Session {
	log := opts.Log.With().Int("rank", t.Rank()).Logger()
	cfg := opts.Config

	subOpts := []submit.Option{
		submit.WithLogger(log),
		submit.WithPacer(submit.NewPacer(cfg.Endpoint.RequestsPerSecond)),
	}
	if opts.Encoder != nil {
		subOpts = append(subOpts, submit.WithEncoder(opts.Encoder))
	} else {
		subOpts = append(subOpts, submit.WithEncoder(submit.ChatEncoder(cfg.Endpoint.Model, cfg.Endpoint.System)))
	}
	if opts.Sleeper != nil {
		subOpts = append(subOpts, submit.WithSleeper(opts.Sleeper))
	}
	if opts.Collector == nil {
		opts.Collector = telemetry.GetGlobal()
	}
	if opts.Publisher == nil {
		opts.Publisher = sink.LogPublisher{Log: log}
	}
	if opts.Tally == nil {
		opts.Tally = telemetry.NewTally()
	}
	opts.Tally.Attach()

	return &Session{
		t:    t,
		cfg:  cfg,
		opts: opts,
		log:  log,
		submitter: submit.New(opts.Factory, submit.Options{
			MaxRetries:      cfg.Retry.MaxRetries,
			Delay:           cfg.Retry.Delay(),
			ResetLimit:      cfg.Retry.NetworkResetLimit,
			MaxRequestBytes: cfg.Chunking.MaxRequestBytes,
			ChunkDeadline:   cfg.Retry.ChunkDeadline(),
		}, subOpts...),
		scaler: autoscale.New(cfg.Autoscale, cfg.Chunking.MinChunkSize, t.Size(), log),
	}
}

// Close releases the submitter's client.
func (s *Session) Close() error { return s.submitter.Close() }

// RunID is the identifier the leader assigned to this run. Empty until the
// first header is received.
func (s *Session) RunID() string { return s.runID }

// RunOnce processes a single payload. src is only consulted on the leader.
// Every rank returns ErrNoPayload when the leader could not prepare one. The
// summary is only populated on the leader.
func (s *Session) RunOnce(ctx context.Context, src Source) (api.Summary, error) {
	var (
		payload []byte
		capErr  error
	)
	if s.t.Rank() == 0 {
		payload, capErr = s.capture(ctx, src)
	}
	res, err := s.pass(ctx, payload, capErr, 0, api.ModeOnce, false)
	return res.summary, err
}

func (s *Session) capture(ctx context.Context, src Source) ([]byte, error) {
	if src == nil {
		return nil, ErrNoSource
	}
	return src.Capture(ctx)
}

// Chat runs the conversational loop until the leader reads an exit phrase,
// empty input or end of input. lines is only consulted on the leader.
func (s *Session) Chat(ctx context.Context, lines LineSource) ([]api.Summary, error) {
	var (
		history   History
		summaries []api.Summary
	)
	for turn := 1; ; turn++ {
		ctl := control{}
		var prompt string
		if s.t.Rank() == 0 {
			line, err := s.readPrompt(ctx, lines)
			switch {
			case err == nil && !IsExit(line):
				ctl.Continue = true
				prompt = strings.TrimSpace(line)
			case err != nil && !errors.Is(err, io.EOF):
				s.log.Error().Err(err).Msg("reading prompt")
			}
		}
		if err := broadcastValue(ctx, s.t, &ctl); err != nil {
			return summaries, fmt.Errorf("broadcast continue flag: %w", err)
		}
		if !ctl.Continue {
			s.log.Info().Int("turns", turn-1).Msg("conversation ended")
			return summaries, nil
		}

		var payload []byte
		if s.t.Rank() == 0 {
			payload = history.Compose(prompt)
		}
		res, err := s.pass(ctx, payload, nil, turn, api.ModeChat, true)
		if err != nil {
			return summaries, err
		}
		if s.t.Rank() != 0 {
			continue
		}
		reply := res.reply()
		if s.opts.Out != nil {
			fmt.Fprintln(s.opts.Out, reply)
		}
		history.Append(prompt, reply)
		summaries = append(summaries, res.summary)
	}
}

func (s *Session) readPrompt(ctx context.Context, lines LineSource) (string, error) {
	if lines == nil {
		return "", ErrNoSource
	}
	return lines.ReadLine(ctx)
}

type passResult struct {
	summary api.Summary
	pieces  []Piece
}

// reply joins the gathered pieces in chunk order.
func (r passResult) reply() string {
	var b strings.Builder
	for _, p := range r.pieces {
		b.WriteString(p.Text)
	}
	return b.String()
}

// pass runs the broadcast, process, aggregate pipeline once on every rank.
func (s *Session) pass(ctx context.Context, payload []byte, capErr error, turn int, mode api.Mode, gather bool) (passResult, error) {
	start := time.Now()
	rank, size := s.t.Rank(), s.t.Size()

	var hdr header
	if rank == 0 {
		hdr = s.plan(payload, capErr, turn)
	}
	if err := broadcastValue(ctx, s.t, &hdr); err != nil {
		return passResult{}, fmt.Errorf("broadcast header: %w", err)
	}
	s.runID = hdr.RunID
	if !hdr.Ready {
		if rank == 0 && capErr != nil {
			return passResult{}, fmt.Errorf("%w: %w", ErrNoPayload, capErr)
		}
		return passResult{}, ErrNoPayload
	}

	log := s.log.With().Str("run_id", hdr.RunID).Int("turn", hdr.Turn).Logger()
	total := partition.Count(hdr.ChunkSize, hdr.Length)
	stopProgress := func() {}
	if rank == 0 {
		// Workers cannot record chunks of this pass before the payload
		// broadcast, so the tally baseline is taken here.
		stopProgress = telemetry.StartClusterProgress(ctx, log, s.opts.Tally, total, size, time.Duration(s.cfg.Progress.ClusterIntervalSeconds)*time.Second)
	}

	data, err := s.t.Broadcast(ctx, 0, payload)
	if err != nil {
		stopProgress()
		return passResult{}, fmt.Errorf("broadcast payload: %w", err)
	}
	if len(data) != hdr.Length {
		stopProgress()
		return passResult{}, fmt.Errorf("payload length %d does not match header length %d", len(data), hdr.Length)
	}

	if rank == 0 {
		log.Info().
			Int("bytes", hdr.Length).
			Int("chunk_size", hdr.ChunkSize).
			Int("chunks", total).
			Int("workers", size).
			Msg("payload broadcast")
	}

	stats, pieces := s.process(ctx, log, hdr, data, gather)
	stopProgress()

	cs, isLeader, err := cluster.Aggregate(ctx, s.t, stats)
	if err != nil {
		return passResult{}, err
	}

	if gather {
		pieces, err = s.gather(ctx, pieces)
		if err != nil {
			return passResult{}, err
		}
	}
	if !isLeader {
		return passResult{}, nil
	}

	sum := api.Summary{
		RunID:           hdr.RunID,
		Mode:            mode,
		Turn:            hdr.Turn,
		Workers:         cs.Workers,
		PayloadBytes:    hdr.Length,
		ChunkSize:       hdr.ChunkSize,
		Chunks:          total,
		Processed:       cs.Processed,
		Failures:        cs.Failures,
		NetworkFailures: cs.NetworkFailures,
		Status:          api.StatusFor(cs.Processed, cs.Failures, cs.NetworkFailures),
		Duration:        time.Since(start),
		FinishedAt:      time.Now(),
	}
	if s.opts.Publisher != nil {
		if err := s.opts.Publisher.Publish(ctx, sum); err != nil {
			log.Warn().Err(err).Msg("publishing summary failed")
		}
	}
	return passResult{summary: sum, pieces: pieces}, nil
}

// plan builds the leader's header for a captured payload.
func (s *Session) plan(payload []byte, capErr error, turn int) header {
	switch {
	case capErr != nil:
		s.log.Error().Err(capErr).Msg("capturing payload failed")
		return header{Turn: turn, Reason: capErr.Error()}
	case len(payload) == 0:
		s.log.Error().Msg("payload is empty")
		return header{Turn: turn, Reason: "empty payload"}
	}
	if s.runID == "" || turn <= 1 {
		s.runID = uuid.NewString()
	}
	p := s.scaler.Plan(len(payload), s.cfg.Chunking)
	return header{
		Ready:     true,
		Length:    len(payload),
		ChunkSize: p.ChunkSize,
		Tasks:     p.Tasks,
		RunID:     s.runID,
		Turn:      turn,
	}
}

// process submits this rank's chunks in ascending index order.
func (s *Session) process(ctx context.Context, log zerolog.Logger, hdr header, data []byte, collect bool) (cluster.Stats, []Piece) {
	rank, size := s.t.Rank(), s.t.Size()
	owned := partition.Owned(hdr.ChunkSize, hdr.Length, rank, size)
	progress := telemetry.NewWorkerProgress(log, s.opts.Collector, s.opts.Tally, rank, owned, s.cfg.Progress.WorkerEvery)

	var (
		stats  cluster.Stats
		pieces []Piece
	)
	cur := partition.New(hdr.ChunkSize, hdr.Length, rank, size)
	for {
		r, ok := cur.Next()
		if !ok {
			break
		}
		res := s.submitter.Submit(ctx, r.Index, data[r.Start:r.End])
		network := submit.IsNetwork(res.Err)
		stats.Observe(res.OK(), network)

		outcome := telemetry.OutcomeProcessed
		switch {
		case network:
			outcome = telemetry.OutcomeNetworkFailed
		case !res.OK():
			outcome = telemetry.OutcomeFailed
		}
		progress.Record(outcome, res.Attempts, res.Resets, len(res.Body), res.Duration)
		if !res.OK() {
			continue
		}

		text := submit.ReplyText(res.Body)
		if s.opts.Persister != nil {
			rec := sink.Record{
				RunID:     hdr.RunID,
				Turn:      hdr.Turn,
				Chunk:     r.Index,
				Worker:    rank,
				Text:      text,
				Body:      res.Body,
				CreatedAt: time.Now(),
			}
			if err := s.opts.Persister.Persist(ctx, rec); err != nil {
				log.Warn().Err(err).Int("chunk", r.Index).Msg("persisting response failed")
			}
		}
		if collect {
			pieces = append(pieces, Piece{Index: r.Index, Text: text})
		}
	}
	log.Debug().
		Int64("processed", stats.Processed).
		Int64("failures", stats.Failures).
		Int64("network_failures", stats.NetworkFailures).
		Msg("partition finished")
	return stats, pieces
}

// gather moves every worker's pieces to the leader, which returns the union
// ordered by chunk index. Other ranks return nil.
func (s *Session) gather(ctx context.Context, local []Piece) ([]Piece, error) {
	if s.t.Rank() != 0 {
		data, err := msgpack.Marshal(local)
		if err != nil {
			return nil, fmt.Errorf("encode response stream: %w", err)
		}
		if err := s.t.Send(ctx, 0, data); err != nil {
			return nil, fmt.Errorf("send response stream: %w", err)
		}
		return nil, nil
	}
	all := append([]Piece(nil), local...)
	for r := 1; r < s.t.Size(); r++ {
		data, err := s.t.Recv(ctx, r)
		if err != nil {
			return nil, fmt.Errorf("gather from rank %d: %w", r, err)
		}
		var theirs []Piece
		if err := msgpack.Unmarshal(data, &theirs); err != nil {
			return nil, fmt.Errorf("decode response stream from rank %d: %w", r, err)
		}
		all = append(all, theirs...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Index < all[j].Index })
	return all, nil
}
