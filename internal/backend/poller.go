// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package backend

import (
	"context"
	"errors"
	"time"

	"github.com/avast/retry-go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Syncer is the part of Client the poller drives.
type Syncer interface {
	ProbeLiveness(ctx context.Context) error
	RefreshCollection(ctx context.Context) (int, error)
	FetchSystem(ctx context.Context) error
}

// PollerConfig controls the refresh lifecycle.
type PollerConfig struct {
	PingInterval    time.Duration
	RefreshInterval time.Duration
	// RefreshRetries is the number of attempts per refresh, including the first.
	RefreshRetries uint
	RetryDelay     time.Duration
	Recorder       Recorder
}

// DefaultPollerConfig returns the intervals used when nothing is configured.
func DefaultPollerConfig() PollerConfig {
	return PollerConfig{
		PingInterval:    30 * time.Second,
		RefreshInterval: 5 * time.Second,
		RefreshRetries:  3,
		RetryDelay:      500 * time.Millisecond,
	}
}

// Poller keeps the store in sync by probing and refreshing on fixed intervals.
type Poller struct {
	client Syncer
	cfg    PollerConfig
	logger zerolog.Logger
}

func NewPoller(client Syncer, cfg PollerConfig) *Poller {
	defaults := DefaultPollerConfig()
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaults.PingInterval
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = defaults.RefreshInterval
	}
	if cfg.RefreshRetries == 0 {
		cfg.RefreshRetries = 1
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaults.RetryDelay
	}
	if cfg.Recorder == nil {
		cfg.Recorder = nopRecorder{}
	}

	return &Poller{
		client: client,
		cfg:    cfg,
		logger: log.Logger.With().Str("module", "poller").Logger(),
	}
}

// Run probes and refreshes until ctx is cancelled. Both loops fire
// immediately and then on their intervals. Failures are logged, never fatal.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info().
		Dur("pingInterval", p.cfg.PingInterval).
		Dur("refreshInterval", p.cfg.RefreshInterval).
		Uint("refreshRetries", p.cfg.RefreshRetries).
		Msg("Starting backend poller")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		p.loop(ctx, p.cfg.PingInterval, p.probe)
		return nil
	})
	g.Go(func() error {
		p.loop(ctx, p.cfg.RefreshInterval, func(ctx context.Context) {
			_, _ = p.RefreshOnce(ctx)
		})
		return nil
	})

	err := g.Wait()
	p.logger.Info().Msg("Backend poller stopped")
	return err
}

func (p *Poller) loop(ctx context.Context, interval time.Duration, tick func(context.Context)) {
	tick(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick(ctx)
		}
	}
}

func (p *Poller) probe(ctx context.Context) {
	if err := p.client.ProbeLiveness(ctx); err != nil {
		if ctx.Err() == nil {
			p.logger.Warn().Err(err).Str("outcome", Classify(err).String()).Msg("Backend liveness probe failed")
		}
		return
	}

	if err := p.client.FetchSystem(ctx); err != nil && ctx.Err() == nil {
		p.logger.Debug().Err(err).Msg("Failed to fetch backend system info")
	}
}

// RefreshOnce performs one refresh, retrying network failures and 5xx
// responses with exponential backoff. Parse and backend errors fail at once.
func (p *Poller) RefreshOnce(ctx context.Context) (int, error) {
	var count int

	err := retry.Do(
		func() error {
			n, err := p.client.RefreshCollection(ctx)
			if err != nil {
				return err
			}
			count = n
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(p.cfg.RefreshRetries),
		retry.Delay(p.cfg.RetryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(Retryable),
		retry.OnRetry(func(n uint, err error) {
			if n+1 >= p.cfg.RefreshRetries {
				return
			}
			p.cfg.Recorder.ObserveRetry(EndpointTorrents)
			p.logger.Debug().Err(err).Uint("attempt", n+1).Msg("Retrying torrent refresh")
		}),
	)
	if err != nil {
		if ctx.Err() == nil && !errors.Is(err, context.Canceled) {
			p.logger.Warn().Err(err).Str("outcome", Classify(err).String()).Msg("Torrent refresh failed")
		}
		return 0, err
	}

	p.logger.Trace().Int("count", count).Msg("Torrent refresh complete")
	return count, nil
}
