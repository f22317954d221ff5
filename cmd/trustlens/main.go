// Package main implements the trustlens binary: the evaluation service plus
// offline replay and checkpoint tooling.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/trustlens/trustlens/internal/app"
	"github.com/trustlens/trustlens/internal/checkpoint"
	"github.com/trustlens/trustlens/internal/config"
	"github.com/trustlens/trustlens/internal/engine"
	"github.com/trustlens/trustlens/internal/eventstore"
	"github.com/trustlens/trustlens/internal/query"
	"github.com/trustlens/trustlens/internal/storage"
)

var (
	version = "dev"
	commit  = "unknown"
)

type rootOptions struct {
	configFile string
	dataDir    string
	verbose    bool
}

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "trustlens",
		Short:         "trustlens - trust evaluation and reliability aggregation",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if opts.verbose {
				log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
			}
		},
	}
	root.SetOut(out)
	root.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "", "Path to configuration file (YAML or JSON)")
	root.PersistentFlags().StringVar(&opts.dataDir, "data-dir", "", "Base directory for all data files")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Log with microseconds and file positions")

	root.AddCommand(newServeCmd(opts), newReplayCmd(opts), newCheckpointCmd(opts), newVersionCmd())
	return root
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	var httpAddr, grpcAddr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and gRPC evaluation service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			if httpAddr != "" {
				cfg.HTTP.Addr = httpAddr
			}
			if grpcAddr != "" {
				cfg.GRPC.Addr = grpcAddr
			}
			printBanner(cfg)

			application, err := app.New(cfg)
			if err != nil {
				return fmt.Errorf("failed to create application: %w", err)
			}
			ctx := cmd.Context()
			if err := application.Start(ctx); err != nil {
				return fmt.Errorf("failed to start application: %w", err)
			}
			return application.Wait(ctx)
		},
	}
	cmd.Flags().StringVar(&httpAddr, "http-addr", "", "HTTP listen address")
	cmd.Flags().StringVar(&grpcAddr, "grpc-addr", "", "gRPC listen address")
	return cmd
}

func newReplayCmd(opts *rootOptions) *cobra.Command {
	var fromScratch, writeCheckpoint bool
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Rebuild aggregates from the event store and print the summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			eng, ckpt, err := openEngine(ctx, cfg, !fromScratch)
			if err != nil {
				return err
			}
			defer eng.Close()

			stats, err := eng.Recover(ctx)
			if err != nil {
				return err
			}
			trendPoints, err := eng.Query().GetTrend(query.DefaultTrendDays)
			if err != nil {
				return err
			}
			report := map[string]interface{}{
				"recovery": stats,
				"summary":  eng.Query().GetSummary(),
				"trend":    trendPoints,
			}
			if writeCheckpoint {
				if ckpt == nil {
					ckpt, err = newCheckpointManager(ctx, cfg)
					if err != nil {
						return err
					}
				}
				name, err := ckpt.Save(ctx, eng.ExportState())
				if err != nil {
					return err
				}
				report["checkpoint"] = name
			}
			return printJSON(cmd.OutOrStdout(), report)
		},
	}
	cmd.Flags().BoolVar(&fromScratch, "from-scratch", false, "Ignore checkpoints and replay the whole store")
	cmd.Flags().BoolVar(&writeCheckpoint, "write-checkpoint", false, "Save a checkpoint after replay")
	return cmd
}

func newCheckpointCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "checkpoint",
		Short: "Recover the aggregates and save a checkpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			if !cfg.Checkpoint.Enabled {
				return fmt.Errorf("checkpoints are disabled in the configuration")
			}
			ctx := cmd.Context()
			eng, _, err := openEngine(ctx, cfg, true)
			if err != nil {
				return err
			}
			defer eng.Close()

			if _, err := eng.Recover(ctx); err != nil {
				return err
			}
			name, err := eng.Checkpoint(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), name)
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "trustlens version %s (commit: %s)\n", version, commit)
		},
	}
}

// loadConfig loads configuration from file, environment, and command line flags.
func loadConfig(opts *rootOptions) (*config.Config, error) {
	var cfg *config.Config
	var err error

	if opts.configFile != "" {
		cfg, err = config.LoadFromFile(opts.configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	} else {
		cfg = config.DefaultConfig()
	}

	config.LoadFromEnv(cfg)

	// Flags have the highest priority.
	if opts.dataDir != "" {
		cfg.DataDir = opts.dataDir
	}
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}
	return cfg, nil
}

// openEngine opens the store and, when useCheckpoints is set and
// checkpoints are enabled, the checkpoint manager.
func openEngine(ctx context.Context, cfg *config.Config, useCheckpoints bool) (*engine.Engine, *checkpoint.Manager, error) {
	store, err := eventstore.Open(cfg.Store)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open event store: %w", err)
	}

	var ckpt *checkpoint.Manager
	if useCheckpoints && cfg.Checkpoint.Enabled {
		ckpt, err = newCheckpointManager(ctx, cfg)
		if err != nil {
			store.Close()
			return nil, nil, err
		}
	}

	eng, err := engine.New(cfg, engine.Options{Store: store, Checkpoints: ckpt})
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	return eng, ckpt, nil
}

func newCheckpointManager(ctx context.Context, cfg *config.Config) (*checkpoint.Manager, error) {
	if !cfg.Checkpoint.Enabled {
		return nil, fmt.Errorf("checkpoints are disabled in the configuration")
	}
	objects, err := storage.New(ctx, cfg.Checkpoint.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize checkpoint storage: %w", err)
	}
	return checkpoint.NewManager(objects, cfg.Checkpoint.Prefix, cfg.Checkpoint.Keep), nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printBanner prints the startup banner with configuration summary.
func printBanner(cfg *config.Config) {
	log.Printf("trustlens %s (commit: %s)", version, commit)
	log.Printf("Configuration:")
	log.Printf("  Data Dir:   %s", cfg.DataDir)
	log.Printf("  Store:      %s", cfg.Store.Type)
	log.Printf("  Thresholds: blocked<=%v warned<=%v", cfg.Engine.ActionThresholds.BlockedMax, cfg.Engine.ActionThresholds.WarnedMax)
	log.Printf("  Retention:  %d days", cfg.Engine.RetentionDays)
	log.Printf("  HTTP:       %s", cfg.HTTP.Addr)
	if cfg.GRPC.Enabled {
		log.Printf("  gRPC:       %s", cfg.GRPC.Addr)
	}
	if cfg.Checkpoint.Enabled {
		log.Printf("  Checkpoint: %s (%s)", cfg.Checkpoint.Storage.Type, cfg.Schedule.Checkpoint)
	}
}
