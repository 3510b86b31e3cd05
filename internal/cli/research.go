package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/halvard/skald/internal/config"
	"github.com/halvard/skald/internal/logger"
	"github.com/halvard/skald/internal/observability"
	"github.com/halvard/skald/internal/tracing"
	"github.com/halvard/skald/pkg/agent"
	"github.com/halvard/skald/pkg/browser"
	"github.com/halvard/skald/pkg/costs"
	"github.com/halvard/skald/pkg/pipeline"
	"github.com/halvard/skald/pkg/tools"
	"github.com/halvard/skald/pkg/trace"
)

var verboseTrace bool

var researchCmd = &cobra.Command{
	Use:   "research <query>",
	Short: "Run the three-phase research pipeline on a query",
	Long: `Run a query through the research pipeline: research, analysis,
and report. Prints the final report followed by a cost breakdown.`,
	Args: cobra.ExactArgs(1),
	RunE: runResearch,
}

func init() {
	rootCmd.AddCommand(researchCmd)
	researchCmd.Flags().BoolVarP(&verboseTrace, "verbose", "v", false, "log step-by-step trace progress")
}

func runResearch(cmd *cobra.Command, args []string) error {
	query := args[0]

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	log, err := logger.New(logger.Config{
		Level:   cfg.Logging.Level,
		File:    cfg.Logging.File,
		Console: cfg.Logging.Console,
		Pretty:  cfg.Logging.Pretty,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Close()
	zl := log.GetZerolog()

	if cfg.Tracing.Enabled {
		if err := tracing.InitOpenTelemetry(cfg.Tracing.ServiceName); err != nil {
			zl.Warn().Err(err).Msg("Failed to initialize tracing")
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := tracing.ShutdownOpenTelemetry(shutdownCtx); err != nil {
					zl.Warn().Err(err).Msg("Tracing shutdown failed")
				}
			}()
		}
	}

	metrics := observability.Default()
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		srv := &http.Server{Addr: cfg.Metrics.Listen, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				zl.Warn().Err(err).Str("listen", cfg.Metrics.Listen).Msg("Metrics server failed")
			}
		}()
		defer srv.Close()
	}

	var pricing *costs.Table
	if cfg.Pricing.Path != "" {
		pricing, err = costs.LoadTable(cfg.Pricing.Path, zl)
		if err != nil {
			zl.Warn().Err(err).Str("path", cfg.Pricing.Path).Msg("Pricing table unavailable; using default rates")
			pricing = nil
		} else if cfg.Pricing.Watch {
			watcher, err := costs.WatchTable(pricing, cfg.Pricing.Path, zl)
			if err != nil {
				zl.Warn().Err(err).Msg("Pricing table watch failed")
			} else {
				defer watcher.Stop()
			}
		}
	}

	tracker := costs.NewTracker(zl, pricing)
	tracer := trace.New(zl, verboseTrace)

	provider, err := agent.NewProvider(cfg.Provider.Name, cfg.APIKey())
	if err != nil {
		return fmt.Errorf("failed to create provider: %w", err)
	}

	registry := tools.NewRegistry(zl)
	opts := tools.Options{}
	if cfg.WorkspacePath != "" {
		if err := os.MkdirAll(cfg.WorkspacePath, 0755); err != nil {
			zl.Warn().Err(err).Str("path", cfg.WorkspacePath).Msg("Workspace unavailable; file tools disabled")
		} else {
			opts.WorkspaceRoot = cfg.WorkspacePath
		}
	}
	if fetcher, err := browser.NewFetcher(zl); err != nil {
		zl.Warn().Err(err).Msg("Headless browser unavailable; web_fetch disabled")
	} else {
		opts.Fetcher = fetcher
		defer fetcher.Close()
	}
	if err := tools.RegisterBuiltins(registry, opts); err != nil {
		return fmt.Errorf("failed to register tools: %w", err)
	}

	p, err := pipeline.New(pipeline.Deps{
		Provider:           provider,
		Registry:           registry,
		Tracker:            tracker,
		Tracer:             tracer,
		Metrics:            metrics,
		Logger:             zl,
		Out:                cmd.OutOrStdout(),
		Model:              cfg.Provider.Model,
		Temperature:        cfg.Agents.Temperature,
		MaxTokens:          cfg.Agents.MaxTokens,
		ResearcherMaxSteps: cfg.Agents.ResearcherMaxSteps,
		AnalystMaxSteps:    cfg.Agents.AnalystMaxSteps,
		WriterMaxSteps:     cfg.Agents.WriterMaxSteps,
	})
	if err != nil {
		return fmt.Errorf("failed to build pipeline: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, runErr := p.Execute(ctx, query)

	out := cmd.OutOrStdout()
	if runErr == nil {
		fmt.Fprintf(out, "\n%s\n", report.FinalReport)
	}

	fmt.Fprintf(out, "\n%s", tracker.Summary())

	persistLedgers(cfg, tracker, zl)

	return runErr
}

// persistLedgers saves sealed cost ledgers when a data directory is set.
// Persistence is best-effort; a storage fault never fails the run.
func persistLedgers(cfg *config.Config, tracker *costs.Tracker, zl zerolog.Logger) {
	if cfg.DataDir == "" {
		return
	}

	store, err := costs.OpenStore(filepath.Join(cfg.DataDir, "costs.db"), zl)
	if err != nil {
		zl.Warn().Err(err).Msg("Cost ledger store unavailable")
		return
	}
	defer store.Close()

	if err := store.SaveAll(tracker.Completed()); err != nil {
		zl.Warn().Err(err).Msg("Failed to persist cost ledgers")
	}
}
