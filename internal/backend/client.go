// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/kahva/internal/buildinfo"
	"github.com/autobrr/kahva/internal/store"
)

const (
	pingPath     = "/api/ping"
	torrentsPath = "/api/torrents"
	systemPath   = "/api/system"

	defaultTimeout = 10 * time.Second
)

// Endpoint names used in logs and metrics.
const (
	EndpointPing     = "ping"
	EndpointTorrents = "torrents"
	EndpointSystem   = "system"
)

var ErrInvalidBaseURL = errors.New("invalid backend base url")

// Sink is the write side of the collection store.
type Sink interface {
	ReplaceCollection(items []store.Torrent)
	SetConnectivity(ok bool)
	SetSystem(sys store.System)
}

// Recorder receives request outcomes. *metrics.SyncMetrics satisfies it.
type Recorder interface {
	ObserveRequest(endpoint, outcome string, elapsed time.Duration)
	ObserveRetry(endpoint string)
	ObserveUnchanged()
	SetCollectionSize(n int)
	SetConnected(connected bool)
}

type nopRecorder struct{}

func (nopRecorder) ObserveRequest(string, string, time.Duration) {}
func (nopRecorder) ObserveRetry(string)                          {}
func (nopRecorder) ObserveUnchanged()                            {}
func (nopRecorder) SetCollectionSize(int)                        {}
func (nopRecorder) SetConnected(bool)                            {}

type ClientConfig struct {
	BaseURL string
	Timeout time.Duration
}

// Client talks to the torrent backend and pushes results into a Sink.
// It never retries on its own; see Poller.
type Client struct {
	baseURL  string
	http     *resty.Client
	sink     Sink
	recorder Recorder
	logger   zerolog.Logger

	// xxhash of the last torrents body, 0 before the first refresh
	fingerprint atomic.Uint64
}

type ClientOption func(*Client)

// WithRecorder reports request outcomes to r.
func WithRecorder(r Recorder) ClientOption {
	return func(c *Client) {
		if r != nil {
			c.recorder = r
		}
	}
}

// WithTransport replaces the underlying http.RoundTripper.
func WithTransport(rt http.RoundTripper) ClientOption {
	return func(c *Client) {
		c.http.SetTransport(rt)
	}
}

func NewClient(cfg ClientConfig, sink Sink, opts ...ClientOption) (*Client, error) {
	baseURL, err := normalizeBaseURL(cfg.BaseURL)
	if err != nil {
		return nil, err
	}
	if sink == nil {
		return nil, errors.New("backend client requires a sink")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	logger := log.Logger.With().Str("module", "backend").Logger()

	c := &Client{
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(cfg.Timeout).
			SetHeader("Accept", "application/json").
			SetHeader("User-Agent", buildinfo.UserAgent).
			SetLogger(restyLogger{logger: logger}),
		sink:     sink,
		recorder: nopRecorder{},
		logger:   logger,
		baseURL:  baseURL,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

func normalizeBaseURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidBaseURL)
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidBaseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidBaseURL, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: missing host", ErrInvalidBaseURL)
	}

	return strings.TrimRight(u.String(), "/"), nil
}

// BaseURL returns the normalized backend base url.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ProbeLiveness asks the backend whether it is up. A JSON response marks the
// sink connected; a failure is returned and leaves connectivity untouched.
func (c *Client) ProbeLiveness(ctx context.Context) (err error) {
	defer c.observe(EndpointPing, time.Now(), &err)

	body, err := c.get(ctx, pingPath)
	if err != nil {
		return err
	}
	if !json.Valid(body) {
		return fmt.Errorf("%w: ping response is not json", ErrParse)
	}

	c.sink.SetConnectivity(true)
	c.recorder.SetConnected(true)
	return nil
}

// RefreshCollection fetches the torrent list and replaces the sink's
// collection with it. It returns the number of records received.
//
// Concurrent refreshes are not sequenced: whichever response arrives last
// replaces the collection.
func (c *Client) RefreshCollection(ctx context.Context) (n int, err error) {
	defer c.observe(EndpointTorrents, time.Now(), &err)

	body, err := c.get(ctx, torrentsPath)
	if err != nil {
		return 0, err
	}

	torrents, err := decodeTorrents(body)
	if err != nil {
		return 0, err
	}

	sum := xxhash.Sum64(body)
	if prev := c.fingerprint.Swap(sum); prev == sum {
		c.recorder.ObserveUnchanged()
		c.logger.Debug().Int("count", len(torrents)).Msg("Torrent list unchanged since last refresh")
	}

	c.sink.ReplaceCollection(torrents)
	c.recorder.SetCollectionSize(len(torrents))
	return len(torrents), nil
}

// FetchSystem loads backend diagnostics into the sink.
func (c *Client) FetchSystem(ctx context.Context) (err error) {
	defer c.observe(EndpointSystem, time.Now(), &err)

	body, err := c.get(ctx, systemPath)
	if err != nil {
		return err
	}

	sys, err := decodeSystem(body)
	if err != nil {
		return err
	}

	c.sink.SetSystem(sys)
	return nil
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		Get(path)
	if err != nil {
		return nil, fmt.Errorf("%w: GET %s: %w", ErrNetwork, path, err)
	}
	if err := mapHTTPError(resp); err != nil {
		return nil, err
	}
	return resp.Body(), nil
}

func (c *Client) observe(endpoint string, start time.Time, errp *error) {
	elapsed := time.Since(start)
	outcome := Classify(*errp)
	c.recorder.ObserveRequest(endpoint, outcome.String(), elapsed)

	ev := c.logger.Trace()
	if *errp != nil {
		ev = c.logger.Debug().Err(*errp)
	}
	ev.Str("endpoint", endpoint).Str("outcome", outcome.String()).Dur("elapsed", elapsed).Msg("Backend request finished")
}

// envelope is the response wrapper used by the backend: {"status":"ok",...}
// or {"status":"error","message":"..."}.
type envelope struct {
	Status   string          `json:"status"`
	Message  string          `json:"message"`
	Torrents json.RawMessage `json:"torrents"`
	System   json.RawMessage `json:"system"`
}

func (e *envelope) err() error {
	if strings.EqualFold(e.Status, "error") {
		msg := e.Message
		if msg == "" {
			msg = "no message"
		}
		return fmt.Errorf("%w: %s", ErrBackend, msg)
	}
	return nil
}

func decodeTorrents(body []byte) ([]store.Torrent, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty torrents response", ErrParse)
	}

	raw := trimmed
	if trimmed[0] == '{' {
		var env envelope
		if err := decodeJSON(trimmed, &env); err != nil {
			return nil, err
		}
		if err := env.err(); err != nil {
			return nil, err
		}
		if len(env.Torrents) == 0 {
			return nil, fmt.Errorf("%w: envelope has no torrents", ErrParse)
		}
		raw = env.Torrents
	}

	var records []store.Torrent
	if err := decodeJSON(raw, &records); err != nil {
		return nil, err
	}
	if records == nil {
		// "null" is not a list
		return nil, fmt.Errorf("%w: torrents is not a list", ErrParse)
	}

	torrents := make([]store.Torrent, 0, len(records))
	for _, t := range records {
		if t != nil {
			torrents = append(torrents, t)
		}
	}
	return torrents, nil
}

func decodeSystem(body []byte) (store.System, error) {
	var env envelope
	if err := decodeJSON(body, &env); err != nil {
		return nil, err
	}
	if err := env.err(); err != nil {
		return nil, err
	}

	raw := json.RawMessage(body)
	if len(env.System) > 0 {
		raw = env.System
	}

	var sys store.System
	if err := decodeJSON(raw, &sys); err != nil {
		return nil, err
	}
	if sys == nil {
		return nil, fmt.Errorf("%w: system is not an object", ErrParse)
	}
	if len(env.System) == 0 {
		// bare object: drop the envelope keys if any were present
		delete(sys, "status")
		delete(sys, "message")
	}
	return sys, nil
}

// decodeJSON keeps numbers as json.Number and rejects trailing data.
func decodeJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %w", ErrParse, err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: trailing data after json value", ErrParse)
	}
	return nil
}

// restyLogger routes resty's internal messages through zerolog.
type restyLogger struct {
	logger zerolog.Logger
}

func (l restyLogger) Errorf(format string, v ...any) {
	l.logger.Error().Msgf(strings.TrimSpace(format), v...)
}

func (l restyLogger) Warnf(format string, v ...any) {
	l.logger.Warn().Msgf(strings.TrimSpace(format), v...)
}

func (l restyLogger) Debugf(format string, v ...any) {
	l.logger.Debug().Msgf(strings.TrimSpace(format), v...)
}
