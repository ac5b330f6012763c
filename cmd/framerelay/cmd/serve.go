package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/tsarna/framerelay/pkg/framerelay/config"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve [config-files-or-directories...]",
	Short: "Start the configured relay servers",
	Long: `Start every relay_server defined in the specified configuration files or
directories. Each server exposes its WebSocket relay endpoint, /status and
/metrics on its listen address. Status reports run on their schedules.

Examples:
  framerelay serve relay.hcl
  framerelay serve ./configs/
  framerelay serve base.hcl servers.hcl`,
	Args: cobra.MinimumNArgs(1),
	RunE: runServe,
}

var shutdownTimeout time.Duration

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 10*time.Second, "time allowed for graceful shutdown")
}

func runServe(cmd *cobra.Command, args []string) error {
	logger, err := setupLogger()
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("Starting relay",
		zap.Strings("config-paths", args),
		zap.String("log-level", logLevel),
	)

	cfg, diags := config.NewConfig().
		WithLogger(logger).
		WithSources(stringSliceToAnySlice(args)...).
		Build()
	if diags.HasErrors() {
		logger.Error("Failed to build config", zap.Any("diags", diags))
		return diags
	}

	if len(cfg.Startables) == 0 {
		return fmt.Errorf("no enabled relay_server blocks in configuration")
	}

	errCh := make(chan error, len(cfg.Startables))
	for _, startable := range cfg.Startables {
		go func(s config.Startable) {
			errCh <- s.Start()
		}(startable)
	}

	cfg.StartCrons()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var runErr error
	select {
	case sig := <-sigChan:
		logger.Info("Signal received, shutting down", zap.String("signal", sig.String()))
	case runErr = <-errCh:
		if runErr != nil {
			logger.Error("Relay host failed", zap.Error(runErr))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := cfg.Shutdown(ctx); err != nil {
		logger.Warn("Error during shutdown", zap.Error(err))
	}

	logger.Info("Shutdown complete")
	return runErr
}
