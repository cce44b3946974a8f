package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/t77yq/crawl-control/internal/app"
	"github.com/t77yq/crawl-control/internal/config"
	"github.com/t77yq/crawl-control/internal/workflow"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:           "crawlctl",
		Short:         "Control plane for hybrid web crawling",
		Long:          "crawlctl runs the task orchestrator, workflow engine, job scheduler and event bus that coordinate scraping, monitoring and analysis work.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), cfgFile)
		},
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml); CRAWLCTL_* environment variables override it")

	cmd.AddCommand(newCheckCmd(&cfgFile))
	return cmd
}

func newCheckCmd(cfgFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration and workflow definitions without starting anything",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*cfgFile)
			if err != nil {
				return err
			}
			var errs []error
			for _, path := range cfg.Workflow.Definitions {
				def, err := workflow.LoadDefinitionFile(path)
				if err == nil {
					_, err = def.Build()
				}
				if err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", path, err))
				}
			}
			if err := errors.Join(errs...); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "configuration ok (%d workflow definitions, %d scheduled jobs)\n",
				len(cfg.Workflow.Definitions), len(cfg.Scheduler.Jobs))
			return nil
		},
	}
}

func serve(ctx context.Context, cfgFile string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	logger, err := config.NewLogger(cfg.Log)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer logger.Sync()

	a, err := app.New(cfg, logger)
	if err != nil {
		logger.Error("Failed to build application", zap.Error(err))
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.Start(ctx); err != nil {
		logger.Error("Failed to start application", zap.Error(err))
		_ = a.Close()
		return err
	}
	logger.Info("Server started", zap.String("api_addr", a.APIAddr()), zap.Bool("nats", cfg.NATS.Enabled))

	<-ctx.Done()
	logger.Info("Received shutdown signal")

	done := make(chan error, 1)
	go func() { done <- a.Close() }()

	select {
	case err := <-done:
		if err != nil {
			logger.Error("Shutdown finished with errors", zap.Error(err))
			return err
		}
		logger.Info("Server shut down gracefully")
		return nil
	case <-time.After(shutdownTimeout):
		logger.Warn("Shutdown timeout reached, some tasks may not have completed")
		return errors.New("shutdown timed out")
	}
}
