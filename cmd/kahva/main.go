// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/autobrr/kahva/internal/api"
	"github.com/autobrr/kahva/internal/backend"
	"github.com/autobrr/kahva/internal/buildinfo"
	"github.com/autobrr/kahva/internal/config"
	"github.com/autobrr/kahva/internal/domain"
	"github.com/autobrr/kahva/internal/metrics"
	"github.com/autobrr/kahva/internal/store"
)

func main() {
	config.InitDefaultLogger(buildinfo.Version)

	var rootCmd = &cobra.Command{
		Use:   "kahva",
		Short: "A sorted, filterable view of a remote torrent client",
		Long: `kahva - keeps a local copy of the torrents reported by a torrent
backend and serves it as a sorted, filterable view.`,
		SilenceUsage: true,
	}

	rootCmd.Version = buildinfo.Version

	rootCmd.AddCommand(RunServeCommand())
	rootCmd.AddCommand(RunListCommand())
	rootCmd.AddCommand(RunPingCommand())
	rootCmd.AddCommand(RunVersionCommand(buildinfo.Version))
	rootCmd.AddCommand(RunGenerateConfigCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func RunServeCommand() *cobra.Command {
	var (
		configDir string
		logPath   string
	)

	var command = &cobra.Command{
		Use:     "serve",
		Aliases: []string{"run"},
		Short:   "Start syncing and serve the view API",
	}

	command.Flags().StringVar(&configDir, "config-dir", "", "config directory path (default is OS-specific: ~/.config/kahva/ or %APPDATA%\\kahva\\). Can also be a direct path to a .toml file")
	command.Flags().StringVar(&logPath, "log-path", "", "log file path (default is stderr)")

	command.Run = func(cmd *cobra.Command, args []string) {
		app := NewApplication(configDir, logPath)
		app.runServer()
	}

	return command
}

func RunVersionCommand(version string) *cobra.Command {
	var command = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of kahva",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println(version)
			cmd.Println(buildinfo.String())
		},
	}

	return command
}

func RunGenerateConfigCommand() *cobra.Command {
	var configDir string

	command := &cobra.Command{
		Use:   "generate-config",
		Short: "Generate a default configuration file",
		Long: `Generate a default configuration file without starting the server.

If no --config-dir is specified, uses the OS-specific default location:
- Linux/macOS: ~/.config/kahva/config.toml
- Windows: %APPDATA%\kahva\config.toml

You can specify either a directory path or a direct file path:
- Directory: kahva generate-config --config-dir /path/to/config/
- File: kahva generate-config --config-dir /path/to/myconfig.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath := filepath.Join(config.GetDefaultConfigDir(), "config.toml")
			if configDir != "" {
				if strings.HasSuffix(strings.ToLower(configDir), ".toml") {
					configPath = configDir
				} else if info, err := os.Stat(configDir); err == nil && !info.IsDir() {
					configPath = configDir
				} else {
					configPath = filepath.Join(configDir, "config.toml")
				}
			}

			if _, err := os.Stat(configPath); err == nil {
				cmd.Printf("Configuration file already exists at: %s\n", configPath)
				cmd.Println("Skipping generation to avoid overwriting existing configuration.")
				return nil
			}

			if err := config.WriteDefaultConfig(configPath); err != nil {
				return errors.Wrap(err, "failed to create configuration file")
			}

			cmd.Printf("Configuration file created successfully at: %s\n", configPath)
			return nil
		},
	}

	command.Flags().StringVar(&configDir, "config-dir", "",
		"config directory or file path (defaults to OS-specific location)")

	return command
}

func RunPingCommand() *cobra.Command {
	var configDir, baseURL string

	command := &cobra.Command{
		Use:   "ping",
		Short: "Check that the backend answers its liveness probe",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configDir, baseURL)
			if err != nil {
				return err
			}

			st := store.New()
			client, err := backend.NewClient(clientConfig(cfg.Config), st)
			if err != nil {
				return errors.Wrap(err, "failed to create backend client")
			}

			start := time.Now()
			if err := client.ProbeLiveness(cmd.Context()); err != nil {
				return errors.Wrapf(err, "backend at %s is not reachable", client.BaseURL())
			}
			cmd.Printf("Backend at %s is reachable (%s)\n", client.BaseURL(), time.Since(start).Round(time.Millisecond))

			if err := client.FetchSystem(cmd.Context()); err != nil {
				log.Debug().Err(err).Msg("Backend did not report system information")
				return nil
			}
			if hostname, ok := st.System()["hostname"]; ok {
				cmd.Printf("Hostname: %v\n", hostname)
			}

			return nil
		},
	}

	command.Flags().StringVar(&configDir, "config-dir", "", "config directory or file path (defaults to OS-specific location)")
	command.Flags().StringVar(&baseURL, "base-url", "", "backend base URL, overrides the configuration")

	return command
}

// loadConfig is shared by the one-shot commands.
func loadConfig(configDir, baseURL string) (*config.AppConfig, error) {
	// The flag has to be in place before validation runs.
	if baseURL != "" {
		os.Setenv("KAHVA__BACKEND_BASE_URL", baseURL)
	}

	cfg, err := config.New(configDir, buildinfo.Version)
	if err != nil {
		return nil, errors.Wrap(err, "failed to initialize configuration")
	}

	cfg.ApplyLogConfig()

	return cfg, nil
}

func clientConfig(conf *domain.Config) backend.ClientConfig {
	return backend.ClientConfig{
		BaseURL: conf.BackendBaseURL,
		Timeout: conf.RequestTimeoutDuration(),
	}
}

func pollerConfig(conf *domain.Config) backend.PollerConfig {
	pc := backend.DefaultPollerConfig()
	pc.PingInterval = conf.PingIntervalDuration()
	pc.RefreshInterval = conf.RefreshIntervalDuration()
	pc.RefreshRetries = uint(max(conf.RefreshRetries, 0))
	return pc
}

func defaultSort(conf *domain.Config) store.SortSpec {
	return store.SortSpec{
		Key:       store.Field(strings.TrimSpace(conf.DefaultSort)),
		Ascending: conf.SortAscending(),
	}
}

type Application struct {
	configDir string
	logPath   string
}

func NewApplication(configDir, logPath string) *Application {
	return &Application{
		configDir: configDir,
		logPath:   logPath,
	}
}

func (app *Application) runServer() {
	// Initialize configuration
	cfg, err := config.New(app.configDir, buildinfo.Version)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize configuration")
	}

	// Override with CLI flags if provided
	if app.logPath != "" {
		os.Setenv("KAHVA__LOG_PATH", app.logPath)
		cfg.Config.LogPath = app.logPath
	}

	cfg.ApplyLogConfig()

	log.Info().Str("version", buildinfo.Version).Str("backend", cfg.Config.BackendBaseURL).Msg("Starting kahva")

	torrentStore := store.New(store.WithSort(defaultSort(cfg.Config)))
	cfg.RegisterReloadListener(func(conf *domain.Config) {
		if err := torrentStore.SetSort(defaultSort(conf)); err != nil {
			log.Warn().Err(err).Str("defaultSort", conf.DefaultSort).Msg("Ignoring reloaded default sort")
		}
	})

	pollerCfg := pollerConfig(cfg.Config)
	var clientOpts []backend.ClientOption

	var syncMetrics *metrics.SyncMetrics
	if cfg.Config.MetricsEnabled {
		syncMetrics = metrics.New()
		clientOpts = append(clientOpts, backend.WithRecorder(syncMetrics))
		pollerCfg.Recorder = syncMetrics
	}

	client, err := backend.NewClient(clientConfig(cfg.Config), torrentStore, clientOpts...)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize backend client")
	}

	poller := backend.NewPoller(client, pollerCfg)

	syncCtx, syncCancel := context.WithCancel(context.Background())
	defer syncCancel()

	errorChannel := make(chan error, 2)
	pollerDone := make(chan struct{})
	go func() {
		defer close(pollerDone)
		if err := poller.Run(syncCtx); err != nil {
			errorChannel <- err
		}
	}()

	var httpServer *api.Server
	if cfg.Config.APIEnabled {
		deps := &api.Dependencies{
			Host:    cfg.Config.Host,
			Port:    cfg.Config.Port,
			Version: buildinfo.Version,
			Store:   torrentStore,
		}
		if syncMetrics != nil {
			deps.Metrics = syncMetrics.Handler()
		}

		httpServer = api.NewServer(deps)

		serverReady := make(chan struct{}, 1)
		go func() {
			if err := httpServer.ListenAndServeReady(serverReady); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errorChannel <- err
			}
		}()

		select {
		case <-serverReady:
		case err := <-errorChannel:
			log.Fatal().Err(err).Msg("failed to start HTTP server")
		}
	} else {
		log.Info().Msg("View API disabled, only syncing")
	}

	// Wait for interrupt signal to gracefully shutdown the server
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Msgf("got signal %v, shutting down", sig.String())
	case err := <-errorChannel:
		log.Error().Err(err).Msg("got unexpected error")
	}

	syncCancel()
	<-pollerDone

	if httpServer == nil {
		os.Exit(0)
	}

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("got error during graceful http shutdown")

		os.Exit(1)
	}

	os.Exit(0)
}
