// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/autobrr/kahva/internal/domain"
)

var envPrefix = "KAHVA__"

var ErrInvalidConfig = errors.New("invalid configuration")

type AppConfig struct {
	Config  *domain.Config
	viper   *viper.Viper
	version string

	listenersMu sync.RWMutex
	listeners   []func(*domain.Config)
}

func New(configDirOrPath string, versions ...string) (*AppConfig, error) {
	version := "dev"
	if len(versions) > 0 && strings.TrimSpace(versions[0]) != "" {
		version = versions[0]
	}

	c := &AppConfig{
		viper:   viper.New(),
		Config:  &domain.Config{},
		version: version,
	}

	// Set defaults
	c.defaults()

	// Load from config file
	if err := c.load(configDirOrPath); err != nil {
		return nil, err
	}

	// Override with environment variables
	if err := c.loadFromEnv(); err != nil {
		return nil, err
	}

	// Unmarshal the configuration
	if err := c.viper.Unmarshal(c.Config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	c.Config.Version = c.version

	if err := Validate(c.Config); err != nil {
		return nil, err
	}

	// Watch for config changes
	c.watchConfig()

	return c, nil
}

func (c *AppConfig) defaults() {
	// Detect if running in container
	host := "127.0.0.1"
	if detectContainer() {
		host = "0.0.0.0"
	}

	c.viper.SetDefault("backendBaseUrl", "")
	c.viper.SetDefault("requestTimeout", 10)
	c.viper.SetDefault("refreshInterval", 5)
	c.viper.SetDefault("pingInterval", 30)
	c.viper.SetDefault("refreshRetries", 3)
	c.viper.SetDefault("defaultSort", "")
	c.viper.SetDefault("defaultOrder", "asc")
	c.viper.SetDefault("apiEnabled", true)
	c.viper.SetDefault("host", host)
	c.viper.SetDefault("port", 7480)
	c.viper.SetDefault("metricsEnabled", false)
	c.viper.SetDefault("logLevel", "INFO")
	c.viper.SetDefault("logPath", "")
	c.viper.SetDefault("logMaxSize", 50)
	c.viper.SetDefault("logMaxBackups", 3)
}

func (c *AppConfig) load(configDirOrPath string) error {
	c.viper.SetConfigType("toml")

	if configDirOrPath != "" {
		// Determine if this is a directory or file path
		configPath := c.resolveConfigPath(configDirOrPath)
		c.viper.SetConfigFile(configPath)

		// Try to read the config
		if err := c.viper.ReadInConfig(); err != nil {
			// SetConfigFile reports a missing file as a plain fs error
			var notFound viper.ConfigFileNotFoundError
			if errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist) {
				if err := c.writeDefaultConfig(configPath); err != nil {
					return err
				}
				// Re-read after creating
				if err := c.viper.ReadInConfig(); err != nil {
					return fmt.Errorf("failed to read newly created config: %w", err)
				}
				return nil
			}
			return fmt.Errorf("failed to read config: %w", err)
		}
		return nil
	}

	// Search for config in standard locations
	c.viper.SetConfigName("config")
	c.viper.AddConfigPath(".")                   // Current directory
	c.viper.AddConfigPath(GetDefaultConfigDir()) // OS-specific config directory

	if err := c.viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("failed to read config: %w", err)
		}

		// No config found, create in OS-specific location
		defaultConfigPath := filepath.Join(GetDefaultConfigDir(), "config.toml")
		if err := c.writeDefaultConfig(defaultConfigPath); err != nil {
			return err
		}
		c.viper.SetConfigFile(defaultConfigPath)
		if err := c.viper.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read newly created config: %w", err)
		}
	}

	return nil
}

func (c *AppConfig) loadFromEnv() error {
	// DO NOT use AutomaticEnv() - it reads ALL env vars and causes conflicts with K8s
	// Instead, explicitly bind only the environment variables we want

	// Use double underscore to avoid conflicts with K8s deployment_PORT patterns
	bindings := map[string]string{
		"requestTimeout":  "REQUEST_TIMEOUT",
		"refreshInterval": "REFRESH_INTERVAL",
		"pingInterval":    "PING_INTERVAL",
		"refreshRetries":  "REFRESH_RETRIES",
		"defaultSort":     "DEFAULT_SORT",
		"defaultOrder":    "DEFAULT_ORDER",
		"apiEnabled":      "API_ENABLED",
		"host":            "HOST",
		"port":            "PORT",
		"metricsEnabled":  "METRICS_ENABLED",
		"logLevel":        "LOG_LEVEL",
		"logPath":         "LOG_PATH",
		"logMaxSize":      "LOG_MAX_SIZE",
		"logMaxBackups":   "LOG_MAX_BACKUPS",
	}
	for key, env := range bindings {
		if err := c.viper.BindEnv(key, envPrefix+env); err != nil {
			return fmt.Errorf("failed to bind %s: %w", envPrefix+env, err)
		}
	}

	// The base url may embed basic auth credentials, so it can come from a file.
	return c.bindOrReadFromFile("backendBaseUrl", envPrefix+"BACKEND_BASE_URL")
}

// bindOrReadFromFile sets the viper key from the file named by envVar+"_FILE"
// when present, otherwise binds envVar.
func (c *AppConfig) bindOrReadFromFile(viperVar string, envVar string) error {
	envVarFile := envVar + "_FILE"
	if filePath := os.Getenv(envVarFile); filePath != "" {
		content, err := os.ReadFile(filePath)
		if err != nil {
			return fmt.Errorf("could not read %s: %w", envVarFile, err)
		}
		c.viper.Set(viperVar, strings.TrimSpace(string(content)))
		return nil
	}
	return c.viper.BindEnv(viperVar, envVar)
}

// Validate checks the values the rest of the program relies on.
func Validate(cfg *domain.Config) error {
	var errs []error

	if strings.TrimSpace(cfg.BackendBaseURL) == "" {
		errs = append(errs, errors.New("backendBaseUrl is required"))
	} else if u, err := url.Parse(cfg.BackendBaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("backendBaseUrl %q must be an absolute http(s) url", cfg.BackendBaseURL))
	}

	if cfg.RequestTimeout < 0 {
		errs = append(errs, errors.New("requestTimeout must not be negative"))
	}
	if cfg.RefreshInterval < 0 {
		errs = append(errs, errors.New("refreshInterval must not be negative"))
	}
	if cfg.PingInterval < 0 {
		errs = append(errs, errors.New("pingInterval must not be negative"))
	}
	if cfg.RefreshRetries < 0 {
		errs = append(errs, errors.New("refreshRetries must not be negative"))
	}

	switch strings.ToLower(strings.TrimSpace(cfg.DefaultOrder)) {
	case "", "asc", "desc":
	default:
		errs = append(errs, fmt.Errorf("defaultOrder %q must be \"asc\" or \"desc\"", cfg.DefaultOrder))
	}

	if cfg.Port < 0 || cfg.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", cfg.Port))
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
}

func (c *AppConfig) watchConfig() {
	c.viper.WatchConfig()
	c.viper.OnConfigChange(func(e fsnotify.Event) {
		log.Info().Msgf("Config file changed: %s", e.Name)

		next := &domain.Config{}
		if err := c.viper.Unmarshal(next); err != nil {
			log.Error().Err(err).Msg("Failed to reload configuration")
			return
		}
		next.Version = c.version

		if err := Validate(next); err != nil {
			log.Error().Err(err).Msg("Ignoring invalid configuration change")
			return
		}

		*c.Config = *next

		// Apply dynamic changes
		c.applyDynamicChanges()
	})
}

func (c *AppConfig) applyDynamicChanges() {
	c.ApplyLogConfig()
	c.notifyListeners()
}

// RegisterReloadListener registers a callback that's invoked when the configuration file is reloaded.
func (c *AppConfig) RegisterReloadListener(fn func(*domain.Config)) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.listeners = append(c.listeners, fn)
}

func (c *AppConfig) notifyListeners() {
	c.listenersMu.RLock()
	listeners := append([]func(*domain.Config){}, c.listeners...)
	c.listenersMu.RUnlock()

	if len(listeners) == 0 {
		return
	}

	copied := *c.Config
	for _, listener := range listeners {
		listener(&copied)
	}
}

const configTemplate = `# config.toml - Auto-generated on first run

# Backend base URL
# The torrent backend serving /api/ping and /api/torrents. Required.
# Example: "http://127.0.0.1:8080"
# Can also be set with KAHVA__BACKEND_BASE_URL or KAHVA__BACKEND_BASE_URL_FILE.
backendBaseUrl = "{{ .backendBaseUrl }}"

# Backend request timeout in seconds
# Default: {{ .requestTimeout }}
#requestTimeout = {{ .requestTimeout }}

# Seconds between torrent list refreshes
# Default: {{ .refreshInterval }}
#refreshInterval = {{ .refreshInterval }}

# Seconds between liveness probes
# Default: {{ .pingInterval }}
#pingInterval = {{ .pingInterval }}

# Attempts per refresh for network errors and 5xx responses
# Default: {{ .refreshRetries }}
#refreshRetries = {{ .refreshRetries }}

# Default sort field (e.g. "name", "size_bytes", "upload_rate")
# Empty lists the newest torrents first.
#defaultSort = ""

# Default sort order
# Options: "asc", "desc"
#defaultOrder = "asc"

# View API
# Default: true
#apiEnabled = true

# Hostname / IP
# Default: "127.0.0.1" (or "0.0.0.0" in containers)
host = "{{ .host }}"

# Port
# Default: 7480
port = {{ .port }}

# Serve Prometheus metrics on /metrics of the view API
# Default: false
#metricsEnabled = false

# Log file path
# If not defined, logs to stdout
# Optional
#logPath = "log/kahva.log"

# Log rotation
# Maximum log file size in megabytes before rotation
# Default: {{ .logMaxSize }}
#logMaxSize = {{ .logMaxSize }}

# Number of rotated log files to retain (0 keeps all)
# Default: {{ .logMaxBackups }}
#logMaxBackups = {{ .logMaxBackups }}

# Log level
# Default: "INFO"
# Options: "ERROR", "DEBUG", "INFO", "WARN", "TRACE"
logLevel = "{{ .logLevel }}"
`

func (c *AppConfig) writeDefaultConfig(path string) error {
	// Check if config already exists
	if _, err := os.Stat(path); err == nil {
		log.Debug().Msgf("Config file already exists at: %s", path)
		return nil
	}

	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", dir, err)
	}
	log.Debug().Msgf("Created config directory: %s", dir)

	data := map[string]any{
		"backendBaseUrl":  c.viper.GetString("backendBaseUrl"),
		"requestTimeout":  c.viper.GetInt("requestTimeout"),
		"refreshInterval": c.viper.GetInt("refreshInterval"),
		"pingInterval":    c.viper.GetInt("pingInterval"),
		"refreshRetries":  c.viper.GetInt("refreshRetries"),
		"host":            c.viper.GetString("host"),
		"port":            c.viper.GetInt("port"),
		"logLevel":        c.viper.GetString("logLevel"),
		"logMaxSize":      c.viper.GetInt("logMaxSize"),
		"logMaxBackups":   c.viper.GetInt("logMaxBackups"),
	}

	tmpl, err := template.New("config").Parse(configTemplate)
	if err != nil {
		return fmt.Errorf("failed to parse config template: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	if err := tmpl.Execute(f, data); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Info().Msgf("Created default config file: %s", path)
	return nil
}

// GetDefaultConfigDir returns the OS-specific config directory
func GetDefaultConfigDir() string {
	// First check if XDG_CONFIG_HOME is set (Docker containers set this to /config)
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		if xdgConfig == "/config" {
			return xdgConfig
		}
		return filepath.Join(xdgConfig, "kahva")
	}

	switch runtime.GOOS {
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "kahva")
		}
		home, _ := os.UserHomeDir()
		return filepath.Join(home, "AppData", "Roaming", "kahva")
	default:
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".config", "kahva")
	}
}

func detectContainer() bool {
	// Check Docker
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	// Check LXC
	if _, err := os.Stat("/dev/.lxc-boot-id"); err == nil {
		return true
	}
	// Check if running as init
	return os.Getpid() == 1
}

func (c *AppConfig) ApplyLogConfig() {
	zerolog.TimeFieldFormat = time.RFC3339

	setLogLevel(c.Config.LogLevel)

	writer := baseLogWriter(c.version)

	if c.Config.LogPath != "" {
		multiWriter, err := setupLogFile(c.Config.LogPath, writer, c.Config.LogMaxSize, c.Config.LogMaxBackups)
		if err != nil {
			log.Error().Err(err).Msg("Failed to setup log file")
		} else {
			writer = multiWriter
		}
	}

	log.Logger = log.Logger.Output(writer)
}

func setLogLevel(level string) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	log.Logger = log.Logger.Level(lvl)
}

func setupLogFile(path string, base io.Writer, maxSize, maxBackups int) (io.Writer, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	if maxSize <= 0 {
		maxSize = 50
	}

	if maxBackups < 0 {
		maxBackups = 0
	}

	rotator := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSize,
		MaxBackups: maxBackups,
	}

	return io.MultiWriter(base, rotator), nil
}

func baseLogWriter(version string) io.Writer {
	if isDevBuild(version) {
		writer := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
		writer.PartsOrder = []string{zerolog.TimestampFieldName, zerolog.LevelFieldName, zerolog.MessageFieldName}
		return writer
	}
	return os.Stderr
}

// InitDefaultLogger configures zerolog with the default writer for this version.
// This is used by CLI entry points before a configuration file is loaded.
func InitDefaultLogger(version string) {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Logger.Output(baseLogWriter(version))
}

func isDevBuild(version string) bool {
	v := strings.ToLower(strings.TrimSpace(version))
	return v == "" || v == "dev" || strings.HasSuffix(v, "-dev")
}

// resolveConfigPath determines the actual config file path from the provided directory or file path
func (c *AppConfig) resolveConfigPath(configDirOrPath string) string {
	if strings.HasSuffix(strings.ToLower(configDirOrPath), ".toml") {
		return configDirOrPath
	}

	if info, err := os.Stat(configDirOrPath); err == nil && !info.IsDir() {
		return configDirOrPath
	}

	return filepath.Join(configDirOrPath, "config.toml")
}

// ConfigFileUsed returns the path of the loaded config file.
func (c *AppConfig) ConfigFileUsed() string {
	return c.viper.ConfigFileUsed()
}

// GetConfigDir returns the directory containing the config file
func (c *AppConfig) GetConfigDir() string {
	if c.viper.ConfigFileUsed() != "" {
		return filepath.Dir(c.viper.ConfigFileUsed())
	}
	return GetDefaultConfigDir()
}

// WriteDefaultConfig writes the commented default config.toml to path
// unless a file already exists there.
func WriteDefaultConfig(path string) error {
	c := &AppConfig{
		viper: viper.New(),
	}

	c.defaults()

	return c.writeDefaultConfig(path)
}
