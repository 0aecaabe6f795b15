package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/adityaadpandey/dynproxy/internal/autoscaler"
	"github.com/adityaadpandey/dynproxy/internal/config"
	"github.com/adityaadpandey/dynproxy/internal/controller"
	"github.com/adityaadpandey/dynproxy/internal/health"
	"github.com/adityaadpandey/dynproxy/internal/logging"
	"github.com/adityaadpandey/dynproxy/internal/runtime"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "dynproxy",
	Short:   "Self-scaling reverse proxy over a dynamic worker pool",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("dynproxy version %s (%s)\n", Version, Commit))

	rootCmd.PersistentFlags().String("config", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", true, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOutput, _ := rootCmd.PersistentFlags().GetBool("log-json")
	logging.Init(logging.Config{
		Level:      logging.Level(level),
		JSONOutput: jsonOutput,
	})
	logging.Debug(fmt.Sprintf("log level set to %s", level))
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the proxy and pool controller",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		adapter, err := buildAdapter(cfg)
		if err != nil {
			return fmt.Errorf("build runtime adapter: %w", err)
		}

		ctrlCfg := controller.Config{
			NamePrefix: backendNamePrefix(cfg),
			BasePort:   cfg.BasePort,
			Pool: autoscaler.Config{
				MinInstances:         cfg.Pool.MinInstances,
				MaxInstances:         cfg.Pool.MaxInstances,
				ScaleUpLoadThreshold: cfg.Pool.ScaleUpLoadThreshold,
				ScaleDownThreshold:   cfg.Pool.ScaleDownThreshold,
				IdleFor:              cfg.Pool.IdleFor,
				EvalInterval:         cfg.Pool.EvalInterval,
			},
			Health: health.Config{
				Path:           cfg.Health.Path,
				CheckInterval:  cfg.Health.CheckInterval,
				ProbeTimeout:   cfg.Health.ProbeTimeout,
				EvictAfter:     cfg.Health.EvictAfter,
				WarmUpInterval: cfg.Health.WarmUpInterval,
				WarmUpWindow:   cfg.Health.WarmUpWindow,
			},
			ProxyTimeout:    cfg.Proxy.UpstreamTimeout,
			ShutdownTimeout: 15 * time.Second,
			Image:           containerImage(cfg),
		}

		ctrl := controller.New(ctrlCfg, adapter)

		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		err = ctrl.Initialize(ctx)
		cancel()
		if err != nil {
			return fmt.Errorf("initialize controller: %w", err)
		}

		srv := &http.Server{
			Addr:    cfg.Listen,
			Handler: ctrl.Handler(),
		}

		errCh := make(chan error, 1)
		go func() {
			logging.Logger.Info().Str("addr", cfg.Listen).Msg("listening")
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			logging.Info("shutdown signal received")
		case err := <-errCh:
			logging.Errorf("server error", err)
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer shutdownCancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logging.Warn("http server shutdown did not complete cleanly")
		}
		if err := ctrl.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown controller: %w", err)
		}

		logging.Info("shutdown complete")
		return nil
	},
}

func backendNamePrefix(cfg *config.Config) string {
	if cfg.Backend == "container" {
		return cfg.Container.Prefix
	}
	return "dynproxy"
}

func containerImage(cfg *config.Config) string {
	if cfg.Backend == "container" {
		return cfg.Container.Image
	}
	return ""
}

func buildAdapter(cfg *config.Config) (runtime.Adapter, error) {
	switch cfg.Backend {
	case "container":
		return runtime.NewContainerAdapter(runtime.ContainerConfig{
			Image:         cfg.Container.Image,
			Env:           cfg.Container.Env,
			Volumes:       cfg.Container.Volumes,
			Network:       cfg.Container.Network,
			NamePrefix:    cfg.Container.Prefix,
			PullPolicy:    runtime.PullPolicy(cfg.Container.PullPolicy),
			ContainerPort: cfg.Container.ContainerPort,
			Log:           logging.Logger,
		})
	default:
		return runtime.NewSubprocessAdapter(runtime.SubprocessConfig{
			EntryPath: cfg.Subprocess.EntryPath,
			Args:      cfg.Subprocess.Args,
			Env:       cfg.Subprocess.Env,
		}), nil
	}
}
