// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package domain

import (
	"strings"
	"time"
)

// Config is the runtime configuration loaded from config.toml and KAHVA__ environment variables.
type Config struct {
	Version string `mapstructure:"-"`

	BackendBaseURL  string `mapstructure:"backendBaseUrl"`
	RequestTimeout  int    `mapstructure:"requestTimeout"`
	RefreshInterval int    `mapstructure:"refreshInterval"`
	PingInterval    int    `mapstructure:"pingInterval"`
	RefreshRetries  int    `mapstructure:"refreshRetries"`

	DefaultSort  string `mapstructure:"defaultSort"`
	DefaultOrder string `mapstructure:"defaultOrder"`

	APIEnabled     bool   `mapstructure:"apiEnabled"`
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	MetricsEnabled bool   `mapstructure:"metricsEnabled"`

	LogLevel      string `mapstructure:"logLevel"`
	LogPath       string `mapstructure:"logPath"`
	LogMaxSize    int    `mapstructure:"logMaxSize"`
	LogMaxBackups int    `mapstructure:"logMaxBackups"`
}

// RequestTimeoutDuration returns the per-request timeout for backend calls.
func (c *Config) RequestTimeoutDuration() time.Duration {
	return secondsOr(c.RequestTimeout, 10)
}

// RefreshIntervalDuration returns the delay between collection refreshes.
func (c *Config) RefreshIntervalDuration() time.Duration {
	return secondsOr(c.RefreshInterval, 5)
}

// PingIntervalDuration returns the delay between liveness probes.
func (c *Config) PingIntervalDuration() time.Duration {
	return secondsOr(c.PingInterval, 30)
}

// SortAscending reports whether DefaultOrder selects ascending order.
// Anything other than "desc" is ascending.
func (c *Config) SortAscending() bool {
	return !strings.EqualFold(strings.TrimSpace(c.DefaultOrder), "desc")
}

func secondsOr(v, fallback int) time.Duration {
	if v <= 0 {
		v = fallback
	}
	return time.Duration(v) * time.Second
}
