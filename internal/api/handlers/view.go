// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/autobrr/kahva/internal/store"
)

// ViewStore is the read side of the collection store.
type ViewStore interface {
	Sort() store.SortSpec
	Filter() store.Filter
	ViewWithSnapshot(spec store.SortSpec, f store.Filter) ([]store.Torrent, store.Snapshot, error)
	Connected() bool
	Snapshot() store.Snapshot
	Fields() []store.Field
}

type ViewHandler struct {
	store   ViewStore
	version string
}

func NewViewHandler(s ViewStore, version string) *ViewHandler {
	return &ViewHandler{store: s, version: version}
}

// ViewResponse describes a single revision of the collection: Total and
// Revision belong to the same collection the torrents were taken from.
type ViewResponse struct {
	Connected bool            `json:"connected"`
	Sort      store.SortSpec  `json:"sort"`
	Mode      string          `json:"mode"`
	Revision  uint64          `json:"revision"`
	Total     int             `json:"total"`
	Count     int             `json:"count"`
	Torrents  []store.Torrent `json:"torrents"`
}

type StatusResponse struct {
	Version    string         `json:"version"`
	Connected  bool           `json:"connected"`
	Sort       store.SortSpec `json:"sort"`
	Mode       string         `json:"mode"`
	Filter     store.Filter   `json:"filter"`
	Total      int            `json:"total"`
	Revision   uint64         `json:"revision"`
	LastUpdate *time.Time     `json:"lastUpdate,omitempty"`
	System     store.System   `json:"system,omitempty"`
}

// GetView returns the ordered torrent view. Query parameters sort, order, q
// and expr override the active sort and filter for this request only.
func (h *ViewHandler) GetView(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	spec := h.store.Sort()
	if query.Has("sort") || query.Has("order") {
		key := string(spec.Key)
		if query.Has("sort") {
			key = query.Get("sort")
		}

		parsed, err := store.ParseSortSpec(key, query.Get("order"))
		if err != nil {
			RespondError(w, http.StatusBadRequest, err.Error())
			return
		}
		spec = parsed
	}

	filter := h.store.Filter()
	if query.Has("q") || query.Has("expr") {
		filter = store.Filter{
			Search: strings.TrimSpace(query.Get("q")),
			Expr:   strings.TrimSpace(query.Get("expr")),
		}
	}

	torrents, snap, err := h.store.ViewWithSnapshot(spec, filter)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrUnknownSortKey), errors.Is(err, store.ErrInvalidFilter):
			RespondError(w, http.StatusBadRequest, err.Error())
		default:
			log.Error().Err(err).Msg("Failed to derive torrent view")
			RespondError(w, http.StatusInternalServerError, "Failed to derive torrent view")
		}
		return
	}

	RespondJSON(w, http.StatusOK, ViewResponse{
		Connected: snap.Connected,
		Sort:      spec,
		Mode:      spec.Mode().String(),
		Revision:  snap.Revision,
		Total:     snap.Total,
		Count:     len(torrents),
		Torrents:  torrents,
	})
}

// GetStatus reports connectivity and collection state.
func (h *ViewHandler) GetStatus(w http.ResponseWriter, _ *http.Request) {
	snap := h.store.Snapshot()

	resp := StatusResponse{
		Version:   h.version,
		Connected: snap.Connected,
		Sort:      snap.Sort,
		Mode:      snap.Mode,
		Filter:    snap.Filter,
		Total:     snap.Total,
		Revision:  snap.Revision,
		System:    snap.System,
	}
	if !snap.ReplacedAt.IsZero() {
		resp.LastUpdate = &snap.ReplacedAt
	}

	RespondJSON(w, http.StatusOK, resp)
}

// GetFields lists the accepted sort keys.
func (h *ViewHandler) GetFields(w http.ResponseWriter, _ *http.Request) {
	RespondJSON(w, http.StatusOK, map[string][]store.Field{"fields": h.store.Fields()})
}
