// Command infersrv runs the streaming inference server. Grounded on the
// teacher's cmd/router/main.go and cmd/worker/main.go signal-handling and
// startup-logging shape, adapted from grpcServer.GracefulStop() to
// http.Server.Shutdown(ctx), and on the pack's cobra usage (see
// quantumlayer-factory cmd/qlf/commands) for the subcommand structure.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kunal/realtime-infer-serve/internal/backend"
	"github.com/kunal/realtime-infer-serve/internal/config"
	"github.com/kunal/realtime-infer-serve/internal/logging"
	"github.com/kunal/realtime-infer-serve/internal/server"
	"github.com/kunal/realtime-infer-serve/internal/types"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:   "infersrv",
		Short: "Low-latency streaming inference frontend",
	}
	root.AddCommand(newServeCmd())
	root.AddCommand(newVersionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the server version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(version)
			return nil
		},
	}
}

func newServeCmd() *cobra.Command {
	var (
		envFile           string
		overrides         config.Overrides
		enableMetricsFlag bool
		modelNames        []string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the inference server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("enable-metrics") {
				overrides.EnableMetrics = &enableMetricsFlag
			}
			return runServe(envFile, overrides, modelNames)
		},
	}

	cmd.Flags().StringVar(&envFile, "env-file", "", "path to a .env file (optional)")
	cmd.Flags().StringVar(&overrides.Host, "host", "", "bind host (overrides config/env)")
	cmd.Flags().IntVar(&overrides.Port, "port", 0, "bind port (overrides config/env)")
	cmd.Flags().IntVar(&overrides.MaxConnections, "max-connections", 0, "max concurrent connections")
	cmd.Flags().Float64Var(&overrides.RequestTimeout, "request-timeout", 0, "request timeout in seconds")
	cmd.Flags().IntVar(&overrides.MaxBatchSize, "max-batch-size", 0, "maximum batch size")
	cmd.Flags().IntVar(&overrides.MaxBatchWaitMs, "max-batch-wait-ms", 0, "maximum batch assembly wait in ms")
	cmd.Flags().BoolVar(&enableMetricsFlag, "enable-metrics", false, "enable the metrics endpoints")
	cmd.Flags().StringVar(&overrides.LogLevel, "log-level", "", "DEBUG, INFO, WARN, or ERROR")
	cmd.Flags().IntVar(&overrides.RateLimitPerMinute, "rate-limit-per-minute", 0, "tokens per minute per client")
	cmd.Flags().Float64Var(&overrides.GracefulShutdownTimeout, "graceful-shutdown-timeout", 0, "seconds to drain on shutdown")
	cmd.Flags().StringSliceVar(&modelNames, "model", []string{"default"}, "model name(s) to register with the simulated backend")

	return cmd
}

func runServe(envFile string, overrides config.Overrides, modelNames []string) error {
	cfg, err := config.Load(envFile, overrides)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("starting infersrv",
		zap.String("version", version),
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.Int("max_batch_size", cfg.MaxBatchSize),
		zap.Int("max_batch_wait_ms", cfg.MaxBatchWaitMs),
	)

	srv := server.New(*cfg, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, name := range modelNames {
		modelConfig, err := types.NewModelConfig(name, "1.0.0", types.DeviceCPU, "fp16", 2048, 5, nil)
		if err != nil {
			return fmt.Errorf("building model config for %s: %w", name, err)
		}
		srv.RegisterModel(*modelConfig, simulatedLoader)
		if err := srv.LoadModel(ctx, *modelConfig); err != nil {
			return fmt.Errorf("loading model %s: %w", name, err)
		}
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-sigCtx.Done():
		logger.Info("received shutdown signal")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Duration(cfg.GracefulShutdownTimeout*float64(time.Second))+5*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}

func simulatedLoader(ctx context.Context, config types.ModelConfig) (backend.Handle, error) {
	return backend.NewSimulated(config.Name, 8*time.Millisecond), nil
}
