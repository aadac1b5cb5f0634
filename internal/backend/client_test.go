// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package backend

import (
	"context"
	"errors"
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

type fakeRecorder struct {
	mu        sync.Mutex
	outcomes  map[string][]string
	retries   int
	unchanged int
	size      int
	connected bool
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{outcomes: make(map[string][]string)}
}

func (r *fakeRecorder) ObserveRequest(endpoint, outcome string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes[endpoint] = append(r.outcomes[endpoint], outcome)
}

func (r *fakeRecorder) ObserveRetry(string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retries++
}

func (r *fakeRecorder) ObserveUnchanged() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unchanged++
}

func (r *fakeRecorder) SetCollectionSize(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.size = n
}

func (r *fakeRecorder) SetConnected(connected bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connected = connected
}

func viewNames(s *store.Store) []string {
	view := s.OrderedView()
	out := make([]string, len(view))
	for i, t := range view {
		out[i] = t.Name()
	}
	return out
}

func newTestClient(t *testing.T, handler http.Handler, opts ...ClientOption) (*Client, *store.Store, *httptest.Server) {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	st := store.New()
	client, err := NewClient(ClientConfig{BaseURL: srv.URL, Timeout: 2 * time.Second}, st, opts...)
	require.NoError(t, err)

	return client, st, srv
}

func respond(status int, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}
}

func TestNewClientValidatesBaseURL(t *testing.T) {
	tests := []struct {
		name    string
		baseURL string
		wantErr bool
		want    string
	}{
		{name: "empty", baseURL: "", wantErr: true},
		{name: "no_scheme", baseURL: "localhost:8080", wantErr: true},
		{name: "ftp", baseURL: "ftp://example.com", wantErr: true},
		{name: "trailing_slash", baseURL: "http://localhost:8080/", want: "http://localhost:8080"},
		{name: "sub_path", baseURL: " https://seedbox.example/kahva/ ", want: "https://seedbox.example/kahva"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := NewClient(ClientConfig{BaseURL: tt.baseURL}, store.New())
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidBaseURL)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, client.BaseURL())
		})
	}
}

func TestProbeLivenessMarksConnected(t *testing.T) {
	var paths []string
	var mu sync.Mutex

	rec := newFakeRecorder()
	client, st, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.URL.Path)
		mu.Unlock()
		respond(http.StatusOK, `{"status":"ok"}`)(w, r)
	}), WithRecorder(rec))

	require.False(t, st.Connected())
	require.NoError(t, client.ProbeLiveness(context.Background()))

	assert.True(t, st.Connected())
	assert.True(t, rec.connected)
	mu.Lock()
	assert.Equal(t, []string{"/api/ping"}, paths)
	mu.Unlock()
	assert.Equal(t, []string{"success"}, rec.outcomes[EndpointPing])
}

func TestProbeLivenessFailures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		outcome Outcome
	}{
		{name: "not_json", handler: respond(http.StatusOK, "pong"), outcome: OutcomeParseError},
		{name: "empty_body", handler: respond(http.StatusOK, ""), outcome: OutcomeParseError},
		{name: "server_error", handler: respond(http.StatusInternalServerError, `{"status":"error"}`), outcome: OutcomeStatusError},
		{name: "not_found", handler: respond(http.StatusNotFound, "404 page not found"), outcome: OutcomeStatusError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, st, _ := newTestClient(t, tt.handler)

			err := client.ProbeLiveness(context.Background())
			require.Error(t, err)
			assert.Equal(t, tt.outcome, Classify(err))
			assert.False(t, st.Connected())
		})
	}
}

func TestConnectivityIsNeverCleared(t *testing.T) {
	var fail atomic.Bool
	client, st, srv := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			respond(http.StatusBadGateway, "")(w, r)
			return
		}
		respond(http.StatusOK, `"pong"`)(w, r)
	}))

	require.NoError(t, client.ProbeLiveness(context.Background()))
	require.True(t, st.Connected())

	fail.Store(true)
	require.Error(t, client.ProbeLiveness(context.Background()))
	assert.True(t, st.Connected())

	srv.Close()
	err := client.ProbeLiveness(context.Background())
	require.ErrorIs(t, err, ErrNetwork)
	assert.True(t, st.Connected())
}

func TestRefreshCollection(t *testing.T) {
	tests := []struct {
		name string
		body string
		want []string
	}{
		{
			name: "bare_array",
			body: `[{"name":"a","size_bytes":1},{"name":"b","size_bytes":2}]`,
			want: []string{"b", "a"},
		},
		{
			name: "envelope",
			body: `{"status":"ok","torrents":[{"name":"a"},{"name":"b"},{"name":"c"}]}`,
			want: []string{"c", "b", "a"},
		},
		{
			name: "empty_list",
			body: `[]`,
			want: []string{},
		},
		{
			name: "null_records_dropped",
			body: `[{"name":"a"},null]`,
			want: []string{"a"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, st, _ := newTestClient(t, respond(http.StatusOK, tt.body))

			n, err := client.RefreshCollection(context.Background())
			require.NoError(t, err)
			assert.Equal(t, len(tt.want), n)
			assert.Equal(t, tt.want, viewNames(st))
		})
	}
}

func TestRefreshCollectionKeepsNumbers(t *testing.T) {
	client, st, _ := newTestClient(t, respond(http.StatusOK, `[{"name":"a","size_bytes":12345678901234567}]`))

	_, err := client.RefreshCollection(context.Background())
	require.NoError(t, err)

	v, ok := st.OrderedView()[0].Value(store.FieldSizeBytes)
	require.True(t, ok)
	assert.Equal(t, "12345678901234567", v.(interface{ String() string }).String())
}

func TestRefreshCollectionFailuresLeaveCollection(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		outcome Outcome
		target  error
	}{
		{name: "malformed", handler: respond(http.StatusOK, `[{"name":`), outcome: OutcomeParseError, target: ErrParse},
		{name: "wrong_shape", handler: respond(http.StatusOK, `[1,2,3]`), outcome: OutcomeParseError, target: ErrParse},
		{name: "null", handler: respond(http.StatusOK, `null`), outcome: OutcomeParseError, target: ErrParse},
		{name: "trailing_data", handler: respond(http.StatusOK, `[] []`), outcome: OutcomeParseError, target: ErrParse},
		{name: "envelope_without_torrents", handler: respond(http.StatusOK, `{"status":"ok"}`), outcome: OutcomeParseError, target: ErrParse},
		{name: "backend_error", handler: respond(http.StatusOK, `{"status":"error","message":"rtorrent unreachable"}`), outcome: OutcomeBackendError, target: ErrBackend},
		{name: "status", handler: respond(http.StatusServiceUnavailable, "busy"), outcome: OutcomeStatusError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, st, _ := newTestClient(t, tt.handler)
			st.ReplaceCollection([]store.Torrent{{"name": "existing"}})

			n, err := client.RefreshCollection(context.Background())
			require.Error(t, err)
			assert.Zero(t, n)
			assert.Equal(t, tt.outcome, Classify(err))
			if tt.target != nil {
				assert.ErrorIs(t, err, tt.target)
			}
			assert.Equal(t, []string{"existing"}, viewNames(st))
		})
	}
}

func TestRefreshCollectionStatusError(t *testing.T) {
	client, _, _ := newTestClient(t, respond(http.StatusServiceUnavailable, "maintenance"))

	_, err := client.RefreshCollection(context.Background())

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusServiceUnavailable, statusErr.Code)
	assert.Equal(t, "maintenance", statusErr.Body)
	assert.True(t, Retryable(err))
}

func TestRefreshCollectionTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	client, err := NewClient(ClientConfig{BaseURL: srv.URL, Timeout: 50 * time.Millisecond}, store.New())
	require.NoError(t, err)

	_, err = client.RefreshCollection(context.Background())
	require.ErrorIs(t, err, ErrNetwork)
	assert.Equal(t, OutcomeNetworkError, Classify(err))
	assert.True(t, Retryable(err))
}

func TestRefreshCollectionUnchangedFingerprint(t *testing.T) {
	rec := newFakeRecorder()
	client, st, _ := newTestClient(t, respond(http.StatusOK, `[{"name":"a"}]`), WithRecorder(rec))

	for range 3 {
		_, err := client.RefreshCollection(context.Background())
		require.NoError(t, err)
	}

	assert.Equal(t, 2, rec.unchanged)
	assert.Equal(t, 1, rec.size)
	assert.Equal(t, uint64(3), st.Snapshot().Revision, "unchanged responses still replace the collection")
}

// The first-issued request is answered last; its (older) payload must win.
func TestConcurrentRefreshLastResponseWins(t *testing.T) {
	var calls atomic.Int32
	firstArrived := make(chan struct{})
	releaseFirst := make(chan struct{})

	client, st, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			close(firstArrived)
			<-releaseFirst
			respond(http.StatusOK, `[{"name":"old"}]`)(w, r)
			return
		}
		respond(http.StatusOK, `[{"name":"new"}]`)(w, r)
	}))

	firstDone := make(chan error, 1)
	go func() {
		_, err := client.RefreshCollection(context.Background())
		firstDone <- err
	}()

	<-firstArrived
	_, err := client.RefreshCollection(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"new"}, viewNames(st))

	close(releaseFirst)
	require.NoError(t, <-firstDone)

	assert.Equal(t, []string{"old"}, viewNames(st))
}

func TestFetchSystem(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    store.System
		wantErr error
	}{
		{
			name: "envelope",
			body: `{"status":"ok","system":{"hostname":"seedbox","api_version":10}}`,
			want: store.System{"hostname": "seedbox", "api_version": "10"},
		},
		{
			name: "bare_object",
			body: `{"hostname":"seedbox","api_version":10}`,
			want: store.System{"hostname": "seedbox", "api_version": "10"},
		},
		{
			name:    "error_envelope",
			body:    `{"status":"error","message":"xmlrpc failed"}`,
			wantErr: ErrBackend,
		},
		{
			name:    "array",
			body:    `[1]`,
			wantErr: ErrParse,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, st, _ := newTestClient(t, respond(http.StatusOK, tt.body))

			err := client.FetchSystem(context.Background())
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, st.System())
				return
			}
			require.NoError(t, err)

			got := st.System()
			require.Len(t, got, len(tt.want))
			for k, v := range tt.want {
				assert.Equal(t, v, render(got[k]), k)
			}
		})
	}
}

func render(v any) string {
	if s, ok := v.(interface{ String() string }); ok {
		return s.String()
	}
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Outcome
	}{
		{name: "nil", err: nil, want: OutcomeSuccess},
		{name: "network", err: ErrNetwork, want: OutcomeNetworkError},
		{name: "status", err: &StatusError{Code: 500}, want: OutcomeStatusError},
		{name: "parse", err: errors.Join(ErrParse, errors.New("eof")), want: OutcomeParseError},
		{name: "backend", err: ErrBackend, want: OutcomeBackendError},
		{name: "foreign", err: context.DeadlineExceeded, want: OutcomeNetworkError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestRetryable(t *testing.T) {
	assert.False(t, Retryable(nil))
	assert.True(t, Retryable(ErrNetwork))
	assert.True(t, Retryable(&StatusError{Code: http.StatusBadGateway}))
	assert.True(t, Retryable(&StatusError{Code: http.StatusTooManyRequests}))
	assert.False(t, Retryable(&StatusError{Code: http.StatusNotFound}))
	assert.False(t, Retryable(ErrParse))
	assert.False(t, Retryable(ErrBackend))
}
