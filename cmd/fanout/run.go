package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/3cpo-dev/fanout/internal/cluster"
	"github.com/3cpo-dev/fanout/internal/config"
	"github.com/3cpo-dev/fanout/internal/session"
	"github.com/3cpo-dev/fanout/internal/sink"
	"github.com/3cpo-dev/fanout/internal/submit"
	"github.com/3cpo-dev/fanout/internal/telemetry"
	"github.com/3cpo-dev/fanout/pkg/api"
)

// addClusterFlags registers the flags shared by run and chat.
func addClusterFlags(cmd *cobra.Command) {
	cmd.Flags().Int("local", 0, "run N workers in this process")
	cmd.Flags().Int("rank", 0, "this process's rank when joining a TCP cluster")
	cmd.Flags().Int("world", 1, "total number of ranks in a TCP cluster")
	cmd.Flags().String("coordinator", "", "leader address for a TCP cluster (defaults to cluster.coordinator)")
	cmd.Flags().String("endpoint", "", "inference endpoint URL (overrides endpoint.url)")
	cmd.Flags().Int("chunk-size", 0, "base chunk size in bytes (overrides chunking.chunk_size)")
	cmd.Flags().Int("max-retries", 0, "attempts per client lifetime (overrides retry.max_retries)")
	cmd.Flags().Int("reset-limit", 0, "client rebuilds per chunk (overrides retry.network_reset_limit)")
}

// applyOverrides copies explicitly set flags over the loaded configuration
// and validates the result.
func applyOverrides(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	if flags.Changed("endpoint") {
		cfg.Endpoint.URL, _ = flags.GetString("endpoint")
	}
	if flags.Changed("chunk-size") {
		n, _ := flags.GetInt("chunk-size")
		if n < 1 {
			return config.ValidationError{Field: "chunking.chunk_size", Value: strconv.Itoa(n), Message: "must be >= 1"}
		}
		cfg.Chunking.ChunkSize = n
		// A smaller base chunk also lowers the autoscale floor.
		if cfg.Chunking.MinChunkSize > n {
			cfg.Chunking.MinChunkSize = n
		}
	}
	if flags.Changed("max-retries") {
		n, _ := flags.GetInt("max-retries")
		if n < 1 {
			return config.ValidationError{Field: "retry.max_retries", Value: strconv.Itoa(n), Message: "must be >= 1"}
		}
		cfg.Retry.MaxRetries = n
	}
	if flags.Changed("reset-limit") {
		n, _ := flags.GetInt("reset-limit")
		if n < 0 {
			return config.ValidationError{Field: "retry.network_reset_limit", Value: strconv.Itoa(n), Message: "must be >= 0"}
		}
		cfg.Retry.NetworkResetLimit = n
	}
	return cfg.Validate()
}

// sessionFunc is what every rank runs once its transport is up.
type sessionFunc func(ctx context.Context, t cluster.Transport, s *session.Session) error

// launch loads configuration, opens sinks and runs fn on every rank hosted by
// this process.
func launch(cmd *cobra.Command, fn sessionFunc) error {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if err := applyOverrides(cmd, &cfg); err != nil {
		return err
	}
	local, _ := cmd.Flags().GetInt("local")
	rank, _ := cmd.Flags().GetInt("rank")
	world, _ := cmd.Flags().GetInt("world")
	coordinator, _ := cmd.Flags().GetString("coordinator")
	if coordinator == "" {
		coordinator = cfg.Cluster.Coordinator
	}
	if local > 0 {
		rank, world = 0, local
	}
	if world < 1 || rank < 0 || rank >= world {
		return fmt.Errorf("invalid rank %d for world size %d", rank, world)
	}

	telemetry.InitGlobal(cfg.Telemetry.Enabled)
	defer func() { _ = telemetry.Shutdown() }()

	ctx := cmd.Context()
	if rank == 0 && cfg.Telemetry.Enabled && cfg.Telemetry.MonitoringAddr != "" {
		ms := telemetry.NewMonitoringServer(cfg.Telemetry.MonitoringAddr, telemetry.GetGlobal())
		for name, check := range telemetry.DefaultHealthChecks() {
			ms.RegisterHealthCheck(name, check)
		}
		if err := ms.Start(); err != nil {
			return err
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = ms.Shutdown(sctx)
		}()
	}

	sinks, err := sink.Open(&cfg, log.Logger)
	if err != nil {
		return err
	}
	defer sinks.Close()

	opts := session.Options{
		Config: &cfg,
		Factory: &submit.HTTPFactory{
			URL:     cfg.Endpoint.URL,
			APIKey:  cfg.Endpoint.APIKey,
			Headers: cfg.Endpoint.Headers,
			Timeout: cfg.Endpoint.Timeout(),
		},
		Persister: sinks.Persister,
		Publisher: sinks.Publisher,
		Collector: telemetry.GetGlobal(),
		Tally:     telemetry.NewTally(),
		Log:       log.Logger,
		Out:       os.Stdout,
	}
	run := func(ctx context.Context, t cluster.Transport) error {
		s := session.New(t, opts)
		defer s.Close()
		return fn(ctx, t, s)
	}

	switch {
	case local > 0:
		log.Info().Int("workers", local).Msg("starting local cluster")
		return cluster.RunLocal(ctx, local, run)
	case world == 1:
		t := cluster.NewLocal(1)[0]
		defer t.Close()
		return run(ctx, t)
	}

	t, err := connect(ctx, &cfg, coordinator, rank, world)
	if err != nil {
		return err
	}
	defer t.Close()
	return run(ctx, t)
}

// connect builds this process's TCP transport: rank 0 listens, every other
// rank joins.
func connect(ctx context.Context, cfg *config.Config, addr string, rank, world int) (cluster.Transport, error) {
	jctx, cancel := context.WithTimeout(ctx, cfg.Cluster.JoinTimeout())
	defer cancel()
	logger := log.Logger.With().Int("rank", rank).Logger()
	if rank != 0 {
		return cluster.Join(jctx, addr, rank, world, logger)
	}
	ln, err := cluster.Listen(addr, logger)
	if err != nil {
		return nil, err
	}
	logger.Info().Str("addr", ln.Addr()).Int("world", world).Msg("waiting for workers")
	return ln.Accept(jctx, world)
}

// Process one payload
func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Process one payload across the cluster",
		RunE: func(cmd *cobra.Command, args []string) error {
			file, _ := cmd.Flags().GetString("file")
			prompt, _ := cmd.Flags().GetString("prompt")
			var src session.Source
			switch {
			case file != "":
				src = session.FileSource{Path: file}
			case prompt != "":
				src = session.TextSource{Text: prompt}
			default:
				src = session.ReaderSource{R: os.Stdin}
			}
			return launch(cmd, func(ctx context.Context, t cluster.Transport, s *session.Session) error {
				in := src
				if t.Rank() != 0 {
					in = nil
				}
				sum, err := s.RunOnce(ctx, in)
				if err != nil {
					if errors.Is(err, session.ErrNoPayload) && t.Rank() != 0 {
						log.Warn().Int("rank", t.Rank()).Msg("leader had no payload")
					}
					return err
				}
				if t.Rank() == 0 {
					return printSummary(sum)
				}
				return nil
			})
		},
	}
	addClusterFlags(cmd)
	cmd.Flags().StringP("file", "f", "", "read the payload from a file")
	cmd.Flags().StringP("prompt", "p", "", "use the given text as the payload")
	return cmd
}

// Interactive conversation
func newChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start a conversation; every turn is processed across the cluster",
		RunE: func(cmd *cobra.Command, args []string) error {
			return launch(cmd, func(ctx context.Context, t cluster.Transport, s *session.Session) error {
				var lines session.LineSource
				if t.Rank() == 0 {
					lr := session.NewLineReader(os.Stdin, os.Stderr, "> ")
					defer lr.Close()
					lines = lr
				}
				_, err := s.Chat(ctx, lines)
				return err
			})
		},
	}
	addClusterFlags(cmd)
	return cmd
}

func printSummary(sum api.Summary) error {
	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	if err := enc.Encode(sum); err != nil {
		return err
	}
	return enc.Close()
}
