// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package backend

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/kahva/internal/store"
)

type fakeSyncer struct {
	mu          sync.Mutex
	refreshErrs []error
	refreshes   int
	probes      atomic.Int32
	systems     atomic.Int32
	probeErr    error
}

func (f *fakeSyncer) ProbeLiveness(context.Context) error {
	f.probes.Add(1)
	return f.probeErr
}

func (f *fakeSyncer) RefreshCollection(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.refreshes++
	if len(f.refreshErrs) > 0 {
		err := f.refreshErrs[0]
		f.refreshErrs = f.refreshErrs[1:]
		if err != nil {
			return 0, err
		}
	}
	return 7, nil
}

func (f *fakeSyncer) FetchSystem(context.Context) error {
	f.systems.Add(1)
	return nil
}

func (f *fakeSyncer) refreshCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshes
}

func testPollerConfig(retries uint) PollerConfig {
	return PollerConfig{
		PingInterval:    time.Hour,
		RefreshInterval: time.Hour,
		RefreshRetries:  retries,
		RetryDelay:      time.Millisecond,
	}
}

func TestRefreshOnceRetryPolicy(t *testing.T) {
	tests := []struct {
		name      string
		errs      []error
		retries   uint
		wantCalls int
		wantOK    bool
		wantErr   error
	}{
		{
			name:      "success_first_try",
			retries:   3,
			wantCalls: 1,
			wantOK:    true,
		},
		{
			name:      "network_then_success",
			errs:      []error{ErrNetwork, ErrNetwork},
			retries:   3,
			wantCalls: 3,
			wantOK:    true,
		},
		{
			name:      "server_error_exhausts_attempts",
			errs:      []error{&StatusError{Code: 502}, &StatusError{Code: 502}, &StatusError{Code: 502}, &StatusError{Code: 502}},
			retries:   3,
			wantCalls: 3,
		},
		{
			name:      "parse_error_not_retried",
			errs:      []error{ErrParse},
			retries:   3,
			wantCalls: 1,
			wantErr:   ErrParse,
		},
		{
			name:      "client_error_not_retried",
			errs:      []error{&StatusError{Code: 404}},
			retries:   3,
			wantCalls: 1,
		},
		{
			name:      "backend_error_not_retried",
			errs:      []error{ErrBackend},
			retries:   3,
			wantCalls: 1,
			wantErr:   ErrBackend,
		},
		{
			name:      "zero_retries_means_one_attempt",
			errs:      []error{ErrNetwork},
			retries:   0,
			wantCalls: 1,
			wantErr:   ErrNetwork,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			syncer := &fakeSyncer{refreshErrs: tt.errs}
			p := NewPoller(syncer, testPollerConfig(tt.retries))

			n, err := p.RefreshOnce(context.Background())
			assert.Equal(t, tt.wantCalls, syncer.refreshCount())

			if tt.wantOK {
				require.NoError(t, err)
				assert.Equal(t, 7, n)
				return
			}

			require.Error(t, err)
			assert.Zero(t, n)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestRefreshOnceStatusErrorSurvivesRetry(t *testing.T) {
	syncer := &fakeSyncer{refreshErrs: []error{&StatusError{Code: 503}, &StatusError{Code: 503}}}
	p := NewPoller(syncer, testPollerConfig(2))

	_, err := p.RefreshOnce(context.Background())

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, 503, statusErr.Code)
}

func TestRefreshOnceRecordsRetries(t *testing.T) {
	rec := newFakeRecorder()
	syncer := &fakeSyncer{refreshErrs: []error{ErrNetwork, ErrNetwork}}
	cfg := testPollerConfig(3)
	cfg.Recorder = rec

	_, err := NewPoller(syncer, cfg).RefreshOnce(context.Background())
	require.NoError(t, err)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, 2, rec.retries)
}

func TestRefreshOnceStopsOnCancel(t *testing.T) {
	syncer := &fakeSyncer{refreshErrs: []error{ErrNetwork, ErrNetwork, ErrNetwork}}
	cfg := testPollerConfig(3)
	cfg.RetryDelay = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	start := time.Now()
	_, err := NewPoller(syncer, cfg).RefreshOnce(ctx)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.Equal(t, 1, syncer.refreshCount())
}

func TestRunTicksImmediatelyAndStops(t *testing.T) {
	syncer := &fakeSyncer{}
	p := NewPoller(syncer, testPollerConfig(1))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool {
		return syncer.probes.Load() >= 1 && syncer.refreshCount() >= 1 && syncer.systems.Load() >= 1
	}, 2*time.Second, 5*time.Millisecond)

	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not stop after cancel")
	}
}

func TestRunSkipsSystemWhenProbeFails(t *testing.T) {
	syncer := &fakeSyncer{probeErr: ErrNetwork}
	p := NewPoller(syncer, testPollerConfig(1))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool {
		return syncer.probes.Load() >= 1 && syncer.refreshCount() >= 1
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done

	assert.Zero(t, syncer.systems.Load())
}

func TestRunKeepsStoreInSync(t *testing.T) {
	var refreshes atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/ping", respond(http.StatusOK, `{"status":"ok"}`))
	mux.HandleFunc("/api/system", respond(http.StatusOK, `{"status":"ok","system":{"hostname":"box"}}`))
	mux.HandleFunc("/api/torrents", func(w http.ResponseWriter, r *http.Request) {
		if refreshes.Add(1) == 1 {
			respond(http.StatusBadGateway, "")(w, r)
			return
		}
		respond(http.StatusOK, `{"status":"ok","torrents":[{"name":"a"},{"name":"b"}]}`)(w, r)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	st := store.New()
	client, err := NewClient(ClientConfig{BaseURL: srv.URL, Timeout: time.Second}, st)
	require.NoError(t, err)

	p := NewPoller(client, PollerConfig{
		PingInterval:    time.Hour,
		RefreshInterval: time.Hour,
		RefreshRetries:  3,
		RetryDelay:      time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool {
		return st.Connected() && st.Len() == 2 && st.System()["hostname"] == "box"
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, []string{"b", "a"}, viewNames(st))
}
