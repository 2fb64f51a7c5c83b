// Package cli provides the command-line interface for livebind.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/spf13/cobra"
	"github.com/wehubfusion/livebind/internal/config"
	"github.com/wehubfusion/livebind/internal/tracing"
	"github.com/wehubfusion/livebind/pkg/client"
	"go.uber.org/zap"
)

// Version information (set at build time).
var Version = "dev"

// appKey stores the per-invocation app in the command context.
type appKey struct{}

// app holds what every command needs once configuration is loaded.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	shutdown tracing.ShutdownFunc
	sentry   bool
}

// NewRootCmd creates and returns the root command.
func NewRootCmd() *cobra.Command {
	var cfgFile string

	rootCmd := &cobra.Command{
		Use:   "livebind",
		Short: "Resolve live dataset placeholders in markdown documents",
		Long: `livebind renders markdown documents whose {{dataset...}} placeholders are
resolved against the collaborator API and kept current over NATS.`,
		Version: Version,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "help" || cmd.Name() == "completion" || cmd.Name() == "__complete" {
				return nil
			}

			cfg, err := config.Load(cfgFile, cmd.Flags())
			if err != nil {
				return err
			}
			logger, err := NewLogger(cfg.Log)
			if err != nil {
				return err
			}
			if cfg.File != "" {
				logger.Debug("Using config file", zap.String("path", cfg.File))
			}

			tc := tracing.DefaultConfig("livebind")
			tc.Enabled = cfg.Tracing.Enabled
			tc.ServiceVersion = Version
			tc.Environment = cfg.Tracing.Environment
			tc.OTLPEndpoint = cfg.Tracing.Endpoint
			tc.Protocol = cfg.Tracing.Protocol
			tc.Insecure = cfg.Tracing.Insecure
			tc.SampleRatio = cfg.Tracing.SampleRatio
			shutdown, err := tracing.SetupTracing(cmd.Context(), tc, logger)
			if err != nil {
				return err
			}

			sentryEnabled, err := initSentry(cfg.Sentry)
			if err != nil {
				logger.Warn("Failed to initialize Sentry", zap.Error(err))
			}

			cmd.SetContext(context.WithValue(cmd.Context(), appKey{}, &app{
				cfg:      cfg,
				logger:   logger,
				shutdown: shutdown,
				sentry:   sentryEnabled,
			}))
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if a, ok := cmd.Context().Value(appKey{}).(*app); ok {
				a.close()
			}
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default: ./livebind.yaml)")
	flags.String("api-url", "", "collaborator API base URL")
	flags.String("token", "", "bearer token for the collaborator API")
	flags.String("nats-url", "", "NATS server URL (empty disables live updates)")
	flags.String("subject-prefix", "", "first token of live update subjects")
	flags.String("log-level", "", "log level (debug|info|warn|error)")
	flags.String("log-format", "", "log format (console|json)")
	flags.Bool("trace", false, "export OpenTelemetry traces")
	flags.String("sentry-dsn", "", "report command failures to Sentry")

	rootCmd.AddCommand(newRenderCommand())
	rootCmd.AddCommand(newWatchCommand())
	rootCmd.AddCommand(newPublishCommand())
	rootCmd.AddCommand(newParseCommand())

	return rootCmd
}

// Execute runs the root command until it finishes or the process is interrupted.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd := NewRootCmd()
	cmd, err := rootCmd.ExecuteContextC(ctx)
	if err != nil {
		if cmd != nil && cmd.Context() != nil {
			if a, ok := cmd.Context().Value(appKey{}).(*app); ok {
				a.report(err)
				a.close()
			}
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return err
	}
	return nil
}

func appFrom(cmd *cobra.Command) (*app, error) {
	a, ok := cmd.Context().Value(appKey{}).(*app)
	if !ok {
		return nil, fmt.Errorf("configuration not loaded")
	}
	return a, nil
}

// newClient builds the collaborator client for commands that talk to the API.
func (a *app) newClient() (*client.Client, error) {
	return client.NewClient(a.cfg, a.logger)
}

func (a *app) report(err error) {
	if !a.sentry {
		return
	}
	sentry.CaptureException(err)
}

func (a *app) close() {
	if a.sentry {
		sentry.Flush(2 * time.Second)
		a.sentry = false
	}
	if a.shutdown != nil {
		_ = tracing.ShutdownTracing(a.shutdown, a.logger)
		a.shutdown = nil
	}
	_ = a.logger.Sync()
}

func initSentry(cfg config.SentryConfig) (bool, error) {
	if cfg.DSN == "" {
		return false, nil
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:         cfg.DSN,
		Environment: cfg.Environment,
		Release:     "livebind@" + Version,
	})
	if err != nil {
		return false, err
	}
	return true, nil
}
