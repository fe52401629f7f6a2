package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"claudegate/internal/config"
	"claudegate/internal/limits"
	"claudegate/internal/logging"
	"claudegate/internal/observability"
	"claudegate/internal/pricing"
	"claudegate/internal/proxy"
	"claudegate/internal/rewrite"
	"claudegate/internal/server"
	"claudegate/internal/store"
)

// nightly fires shortly after UTC midnight so yesterday's ledger rows
// are complete.
const aggregationSchedule = "10 0 * * *"

func main() {
	root := &cobra.Command{
		Use:           "claudegate",
		Short:         "Metered multi-tenant proxy for the Anthropic messages API",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newAggregateCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the proxy server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func newAggregateCmd() *cobra.Command {
	var date string
	cmd := &cobra.Command{
		Use:   "aggregate",
		Short: "Roll one day of usage records into daily summaries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAggregate(date)
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "UTC day to aggregate as YYYY-MM-DD (default: yesterday)")
	return cmd
}

func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	st, err := store.Open(cfg.DatabaseURL, logger)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := st.SeedDefaultBackend(ctx, "anthropic", cfg.AnthropicBaseURL, cfg.AnthropicAPIKey); err != nil {
		return err
	}

	metrics, err := observability.NewMetricsCollector(observability.MetricsConfig{Enabled: cfg.MetricsEnabled})
	if err != nil {
		return err
	}

	engine := limits.New(st, logger)
	rewriter := rewrite.New(cfg.EnableModelSwapping, cfg.ModelMapping, logger)
	proxyHandler := proxy.New(st, engine, rewriter, pricing.Default, metrics, logger, cfg.UpstreamTimeout)
	srv := server.New(cfg, st, engine, rewriter, proxyHandler, metrics, logger)

	scheduler := cron.New(cron.WithLocation(time.UTC))
	_, err = scheduler.AddFunc(aggregationSchedule, func() {
		jobCtx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if _, err := st.AggregateDaily(jobCtx, ""); err != nil {
			logger.Error("scheduled aggregation failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule aggregation: %w", err)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return srv.Run(groupCtx)
	})
	group.Go(func() error {
		scheduler.Start()
		<-groupCtx.Done()
		<-scheduler.Stop().Done()
		return nil
	})

	logger.Info("claudegate started",
		"addr", fmt.Sprintf("%s:%d", cfg.ServerHost, cfg.ServerPort),
		"model_swapping", cfg.EnableModelSwapping)
	err = group.Wait()
	logger.Info("claudegate stopped")
	return err
}

func runAggregate(date string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	st, err := store.Open(cfg.DatabaseURL, logger)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	groups, err := st.AggregateDaily(ctx, date)
	if err != nil {
		return err
	}
	if date == "" {
		date = time.Now().UTC().AddDate(0, 0, -1).Format("2006-01-02")
	}
	fmt.Printf("Aggregated %d (key, model) groups for %s\n", groups, date)
	return nil
}
