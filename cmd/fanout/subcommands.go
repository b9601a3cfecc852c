package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/3cpo-dev/fanout/internal/config"
	"github.com/3cpo-dev/fanout/internal/sink"
	gssh "github.com/3cpo-dev/fanout/internal/ssh"
)

// Initialize configuration and environment
func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "fanout initialization command. Run this the first time.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			if cfgPath == "" {
				cfgPath = config.DefaultPath("config.yaml")
			}
			created, err := writeDefaultConfig(cfgPath)
			if err != nil {
				return err
			}
			if created {
				fmt.Printf("created default config at %s\n", cfgPath)
			} else {
				fmt.Printf("config already exists at %s\n", cfgPath)
			}

			keyPath := config.DefaultPath("id_ed25519")
			generated, err := gssh.EnsureKeypair(keyPath)
			if err != nil {
				return err
			}
			if generated {
				fmt.Printf("generated SSH key %s (add %s.pub to the upload host's authorized_keys)\n", keyPath, keyPath)
			}
			khPath := config.DefaultPath("known_hosts")
			if err := gssh.EnsureKnownHostsFile(khPath); err != nil {
				return err
			}
			fmt.Printf("known_hosts ready at %s\n", khPath)
			return nil
		},
	}
}

// writeDefaultConfig writes the default configuration unless path exists.
func writeDefaultConfig(path string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return false, err
	}
	cfg := config.Default()
	cfg.Persist.Dir = config.DefaultPath("responses")
	cfg.Persist.SQLite = config.DefaultPath("fanout.db")
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return false, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return false, err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return false, err
	}
	return true, nil
}

// List recorded runs
func newRunsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent run summaries from the SQLite store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			limit, _ := cmd.Flags().GetInt("limit")
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			if cfg.Persist.SQLite == "" {
				return fmt.Errorf("persist.sqlite is not configured")
			}
			st, err := sink.OpenStore(cfg.Persist.SQLite, log.Logger)
			if err != nil {
				return err
			}
			defer st.Close()
			sums, err := st.Summaries(cmd.Context(), limit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "RUN\tTURN\tMODE\tSTATUS\tPROCESSED\tFAILURES\tNETWORK\tDURATION\tFINISHED")
			for _, s := range sums {
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%d\t%d\t%d\t%s\t%s\n",
					s.RunID, s.Turn, s.Mode, s.Status, s.Processed, s.Failures, s.NetworkFailures,
					s.Duration.Round(time.Millisecond), s.FinishedAt.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
	cmd.Flags().Int("limit", 20, "number of summaries to show")
	return cmd
}
