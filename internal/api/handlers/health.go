// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import "net/http"

// ConnectivityReporter reports whether the backend has answered a liveness probe.
type ConnectivityReporter interface {
	Connected() bool
}

type HealthHandler struct {
	connectivity ConnectivityReporter
}

func NewHealthHandler(connectivity ConnectivityReporter) *HealthHandler {
	return &HealthHandler{connectivity: connectivity}
}

// HandleHealth always reports ok while the process is serving.
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HealthHandler) HandleLiveness(w http.ResponseWriter, _ *http.Request) {
	RespondJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// HandleReady reports ready once the backend has been reached at least once.
func (h *HealthHandler) HandleReady(w http.ResponseWriter, _ *http.Request) {
	if h.connectivity == nil || !h.connectivity.Connected() {
		RespondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "waiting for backend"})
		return
	}
	RespondJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
