package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"github.com/johndauphine/pgextract/internal/config"
	"github.com/johndauphine/pgextract/internal/logging"
	"github.com/johndauphine/pgextract/internal/metrics"
	"github.com/johndauphine/pgextract/internal/orchestrator"
	"github.com/johndauphine/pgextract/internal/version"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		logging.Error("%s", logging.SanitizeError(err))
		logging.Sync()
		os.Exit(1)
	}
	logging.Sync()
}

func newApp() *cli.App {
	return &cli.App{
		Name:    version.Name,
		Usage:   version.Description,
		Version: version.Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				EnvVars: []string{"PGEXTRACT_CONFIG"},
				Usage:   "Path to configuration file (environment only when empty)",
			},
			&cli.StringFlag{
				Name:  "env-file",
				Usage: "Load environment variables from this file (default: .env when present)",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level: debug, info, warn, error",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Value: "text",
				Usage: "Log format: text or json",
			},
			&cli.StringFlag{
				Name:  "metrics-addr",
				Usage: "Serve Prometheus metrics on this address during run (e.g. :9090)",
			},
		},
		Before: loadEnvFile,
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "Extract tables, resuming from the stored checkpoint",
				Action: runExtraction,
				Flags: []cli.Flag{
					&cli.StringSliceFlag{
						Name:  "tables",
						Usage: "Tables to extract as schema.table, comma separated (default: all)",
					},
					&cli.IntFlag{
						Name:  "batch-size",
						Usage: "Rows fetched per batch",
					},
					&cli.StringFlag{
						Name:  "incremental-column",
						Usage: "Only read rows where this column is at least --incremental-value",
					},
					&cli.StringFlag{
						Name:  "incremental-value",
						Usage: "Lower bound for --incremental-column",
					},
					&cli.StringFlag{
						Name:  "output",
						Usage: "Destination: -, file:///dir, s3://bucket or mongodb://host",
					},
					&cli.StringFlag{
						Name:  "compress",
						Usage: "Compression for bucket output: none or zstd",
					},
					&cli.StringFlag{
						Name:  "run-key",
						Usage: "Name under which checkpoints are stored",
					},
					&cli.BoolFlag{
						Name:  "fresh",
						Usage: "Ignore and clear the stored checkpoint",
					},
					&cli.BoolFlag{
						Name:  "no-progress",
						Usage: "Disable the progress bar",
					},
				},
			},
			{
				Name:   "tables",
				Usage:  "List the tables and views of the source",
				Action: listTables,
			},
			{
				Name:   "plan",
				Usage:  "Show the ordering key and query each table would be read with",
				Action: showPlan,
			},
			{
				Name:  "status",
				Usage: "Show the stored checkpoint",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "history", Usage: "List past checkpoints (sqlite backend)"},
					&cli.IntFlag{Name: "limit", Value: 20, Usage: "Maximum history entries"},
				},
				Action: showStatus,
			},
			{
				Name:   "reset",
				Usage:  "Clear the stored checkpoint so the next run starts over",
				Action: resetState,
			},
			{
				Name:   "health",
				Usage:  "Check connectivity to the source and the state backend",
				Action: healthCheck,
			},
			{
				Name:   "config",
				Usage:  "Print the effective configuration with secrets redacted",
				Action: printConfig,
			},
		},
	}
}

// loadEnvFile loads --env-file, or .env when it exists.
func loadEnvFile(c *cli.Context) error {
	if path := c.String("env-file"); path != "" {
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("loading env file %s: %w", path, err)
		}
		return nil
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("loading .env: %w", err)
	}
	return nil
}

// loadConfig reads the configuration and applies global flag overrides.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if c.IsSet("log-level") {
		cfg.Logging.Level = c.String("log-level")
	}
	if c.IsSet("log-format") {
		cfg.Logging.Format = c.String("log-format")
	}
	if c.IsSet("metrics-addr") {
		cfg.Metrics.Address = c.String("metrics-addr")
	}
	if err := setupLogging(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setupLogging(cfg *config.Config) error {
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	logging.SetLevel(level)
	logging.SetFormat(cfg.Logging.Format)
	return nil
}

// applyRunFlags copies run command flags into cfg and revalidates it.
func applyRunFlags(c *cli.Context, cfg *config.Config) error {
	if c.IsSet("tables") {
		cfg.Extract.Tables = c.StringSlice("tables")
	}
	if c.IsSet("batch-size") {
		cfg.Extract.BatchSize = c.Int("batch-size")
	}
	if c.IsSet("incremental-column") {
		cfg.Extract.IncrementalColumn = c.String("incremental-column")
	}
	if c.IsSet("incremental-value") {
		cfg.Extract.IncrementalValue = c.String("incremental-value")
	}
	if c.IsSet("output") {
		cfg.Output.URL = c.String("output")
	}
	if c.IsSet("compress") {
		cfg.Output.Compress = c.String("compress")
	}
	if c.IsSet("run-key") {
		cfg.State.RunKey = c.String("run-key")
	}
	return cfg.Finalize()
}

// withSignals returns a context cancelled on SIGINT or SIGTERM.
func withSignals(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case <-sigCh:
			logging.Warn("Interrupted. The last committed checkpoint is kept.")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}

func runExtraction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if err := applyRunFlags(c, cfg); err != nil {
		return err
	}

	ctx, cancel := withSignals(c.Context)
	defer cancel()

	var m *metrics.Metrics
	if cfg.Metrics.Address != "" {
		m = metrics.New(nil, "")
		go func() {
			if err := metrics.StartServer(ctx, cfg.Metrics.Address); err != nil {
				logging.Warn("Metrics server stopped: %v", err)
			}
		}()
		logging.Info("Serving metrics on %s/metrics", cfg.Metrics.Address)
	}

	orch, err := orchestrator.New(cfg, m)
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}
	defer orch.Close()
	if c.Bool("no-progress") {
		orch.SetProgressOutput(nil)
	}

	_, err = orch.Run(ctx, orchestrator.RunOptions{Fresh: c.Bool("fresh")})
	return err
}

func withOrchestrator(c *cli.Context, fn func(ctx context.Context, o *orchestrator.Orchestrator) error) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	orch, err := orchestrator.New(cfg, nil)
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}
	defer orch.Close()

	ctx, cancel := withSignals(c.Context)
	defer cancel()
	return fn(ctx, orch)
}

func listTables(c *cli.Context) error {
	return withOrchestrator(c, func(ctx context.Context, o *orchestrator.Orchestrator) error {
		return o.PrintTables(ctx, c.App.Writer)
	})
}

func showPlan(c *cli.Context) error {
	return withOrchestrator(c, func(ctx context.Context, o *orchestrator.Orchestrator) error {
		plan, err := o.Plan(ctx)
		if err != nil {
			return err
		}
		return outputJSON(c.App.Writer, plan)
	})
}

func showStatus(c *cli.Context) error {
	return withOrchestrator(c, func(ctx context.Context, o *orchestrator.Orchestrator) error {
		if c.Bool("history") {
			return o.ShowHistory(ctx, c.App.Writer, c.Int("limit"))
		}
		return o.ShowStatus(ctx, c.App.Writer)
	})
}

func resetState(c *cli.Context) error {
	return withOrchestrator(c, func(ctx context.Context, o *orchestrator.Orchestrator) error {
		return o.Reset(ctx)
	})
}

func healthCheck(c *cli.Context) error {
	return withOrchestrator(c, func(ctx context.Context, o *orchestrator.Orchestrator) error {
		result, err := o.HealthCheck(ctx)
		if err != nil {
			return err
		}
		if err := outputJSON(c.App.Writer, result); err != nil {
			return err
		}
		if !result.Healthy {
			return cli.Exit("health check failed", 2)
		}
		return nil
	})
}

func printConfig(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	out, err := cfg.YAML()
	if err != nil {
		return err
	}
	_, err = io.WriteString(c.App.Writer, out)
	return err
}

// outputJSON writes v as indented JSON.
func outputJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
