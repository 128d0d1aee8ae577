// Package cli assembles the jobvault command tree.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jobvault/jobvault/pkg/api"
	"github.com/jobvault/jobvault/pkg/config"
	"github.com/jobvault/jobvault/pkg/health"
	"github.com/jobvault/jobvault/pkg/observability/logger"
	"github.com/jobvault/jobvault/pkg/observability/tracing"
	"github.com/jobvault/jobvault/pkg/queue"
	queuefactory "github.com/jobvault/jobvault/pkg/queue/factory"
	"github.com/jobvault/jobvault/pkg/storage/s3"
	"github.com/jobvault/jobvault/pkg/version"
)

const defaultEnvPrefix = "JOBVAULT"

// ServiceOptions customizes the generated command tree.
type ServiceOptions struct {
	Name        string
	Description string
	EnvPrefix   string

	// ConfigureWorker registers job handlers on the embedded worker. When
	// nil the serve command runs API-only.
	ConfigureWorker func(cfg *config.Config, log logger.Logger, worker *queue.Worker) error
}

// NewServiceCommand creates the root command with serve, check, config and
// version subcommands.
func NewServiceCommand(opts ServiceOptions) *cobra.Command {
	if opts.Name == "" {
		opts.Name = "jobvault"
	}
	if opts.EnvPrefix == "" {
		opts.EnvPrefix = defaultEnvPrefix
	}

	rootCmd := &cobra.Command{
		Use:   opts.Name,
		Short: opts.Description,
	}

	var cfgPath string
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config-file", "c", "", "config file path")

	loadConfig := func() (*config.Config, logger.Logger, error) {
		loader := config.NewViperLoader(cfgPath, opts.EnvPrefix)
		cfg, err := loader.Load()
		if err != nil {
			return nil, nil, fmt.Errorf("load config: %w", err)
		}
		log, err := logger.NewZapLogger(cfg.Log)
		if err != nil {
			return nil, nil, fmt.Errorf("create logger: %w", err)
		}
		return cfg, log, nil
	}

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			info := version.Current(opts.Name)
			fmt.Printf("Service:    %s\n", info.Service)
			fmt.Printf("Version:    %s\n", info.Version)
			fmt.Printf("Commit:     %s\n", info.Commit)
			fmt.Printf("Build Time: %s\n", info.BuildTime)
		},
	})

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the queue API server and embedded worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runService(runCtx, cfg, log, opts)
		},
	}
	rootCmd.AddCommand(serveCmd)
	rootCmd.RunE = serveCmd.RunE

	rootCmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Check connectivity to the configured store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := queuefactory.NewStore(cfg.Queue, log)
			if err != nil {
				return err
			}
			defer store.Close()

			checkCtx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			if err := store.HealthCheck(checkCtx); err != nil {
				return fmt.Errorf("store health check failed: %w", err)
			}
			fmt.Println("store is healthy")
			return nil
		},
	})

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management commands",
	}
	configCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			loader := config.NewViperLoader(cfgPath, opts.EnvPrefix)
			if _, err := loader.Load(); err != nil {
				return err
			}
			fmt.Println("configuration is valid")
			return nil
		},
	})
	rootCmd.AddCommand(configCmd)

	return rootCmd
}

// runService wires the provider, API server and optional embedded worker,
// and blocks until ctx is cancelled.
func runService(ctx context.Context, cfg *config.Config, log logger.Logger, opts ServiceOptions) error {
	log.Info("starting service", "version", version.Current(opts.Name).String(),
		"store", cfg.Queue.Store, "environment", cfg.Service.Environment)

	tracerProvider, err := tracing.NewProvider(ctx, cfg.Tracing)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
			log.Error("failed to shut down tracer provider", "error", err)
		}
	}()

	provider, err := queuefactory.NewProvider(cfg.Queue, log)
	if err != nil {
		return fmt.Errorf("create queue provider: %w", err)
	}
	defer func() {
		if err := provider.Close(); err != nil {
			log.Error("failed to close queue provider", "error", err)
		}
	}()

	registry := health.NewRegistry()
	registry.Register(health.NewPingChecker("service"))
	registry.Register(health.NewAdapterChecker("queue-store", provider, 5*time.Second))

	var payloads *s3.PayloadStore
	if cfg.ObjectStorage.Enabled {
		payloads, err = s3.NewPayloadStore(s3.Config{
			Bucket:          cfg.ObjectStorage.Bucket,
			Region:          cfg.ObjectStorage.Region,
			Endpoint:        cfg.ObjectStorage.Endpoint,
			AccessKeyID:     cfg.ObjectStorage.AccessKeyID,
			SecretAccessKey: cfg.ObjectStorage.SecretAccessKey,
			UsePathStyle:    cfg.ObjectStorage.UsePathStyle,
			SignedURLTTL:    cfg.ObjectStorage.SignedURLTTL,
		}, log)
		if err != nil {
			return fmt.Errorf("create payload store: %w", err)
		}
		defer payloads.Close()
		registry.Register(health.NewAdapterChecker("payload-store", payloads, 5*time.Second))
	}

	server, err := api.NewServer(cfg.HTTP, provider, payloads, registry, log)
	if err != nil {
		return fmt.Errorf("create api server: %w", err)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return server.Run(groupCtx)
	})

	if cfg.Worker.Enabled && opts.ConfigureWorker != nil {
		worker, err := queue.NewWorker(provider, log, queue.WorkerConfig{
			ID:                strings.TrimSpace(cfg.Worker.ID),
			Concurrency:       cfg.Worker.Concurrency,
			PollInterval:      cfg.Worker.PollInterval,
			AttemptTimeout:    cfg.Worker.AttemptTimeout,
			HeartbeatInterval: cfg.Worker.HeartbeatInterval,
			StopTimeout:       cfg.Worker.StopTimeout,
		})
		if err != nil {
			return fmt.Errorf("create worker: %w", err)
		}
		if err := opts.ConfigureWorker(cfg, log, worker); err != nil {
			return fmt.Errorf("configure worker: %w", err)
		}
		group.Go(func() error {
			return worker.Start(groupCtx)
		})
	}

	return group.Wait()
}

// Execute runs the command and exits with an appropriate code.
func Execute(cmd *cobra.Command) {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
