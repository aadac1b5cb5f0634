// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package store

import (
	"fmt"
	"strings"
)

// Torrent is a single record as returned by the backend. Values are scalars
// decoded from JSON; numbers are kept as json.Number.
// Records handed out by the store are shared and must be treated as read-only.
type Torrent map[string]any

// Field names a sortable torrent field.
type Field string

// Well-known fields reported by the backend view endpoint.
const (
	FieldHash           Field = "hash"
	FieldName           Field = "name"
	FieldSizeBytes      Field = "size_bytes"
	FieldCompletedBytes Field = "completed_bytes"
	FieldUploadRate     Field = "upload_rate"
	FieldUploadTotal    Field = "upload_total"
	FieldDownloadRate   Field = "download_rate"
	FieldDownloadTotal  Field = "download_total"
	FieldMessage        Field = "message"
	FieldBaseFilename   Field = "base_filename"
	FieldBasePath       Field = "base_path"
	FieldIsActive       Field = "is_active"
	FieldIsOpen         Field = "is_open"
	FieldIsHashing      Field = "is_hashing"
	FieldLeechers       Field = "leechers"
	FieldSeeders        Field = "seeders"
	FieldState          Field = "state"
	FieldStateChanged   Field = "state_changed"
	FieldStateCounter   Field = "state_counter"
	FieldPriority       Field = "priority"
	FieldCustom1        Field = "custom1"
	FieldCustom2        Field = "custom2"
	FieldCustom3        Field = "custom3"
	FieldCustom4        Field = "custom4"
	FieldCustom5        Field = "custom5"
)

// DefaultFields is the sortable field set used when no WithFields option is given.
var DefaultFields = []Field{
	FieldHash, FieldName, FieldSizeBytes, FieldCompletedBytes,
	FieldUploadRate, FieldUploadTotal, FieldDownloadRate, FieldDownloadTotal,
	FieldMessage, FieldBaseFilename, FieldBasePath,
	FieldIsActive, FieldIsOpen, FieldIsHashing,
	FieldLeechers, FieldSeeders,
	FieldState, FieldStateChanged, FieldStateCounter, FieldPriority,
	FieldCustom1, FieldCustom2, FieldCustom3, FieldCustom4, FieldCustom5,
}

// Value returns the value stored under f. A missing field and a JSON null
// both report ok=false.
func (t Torrent) Value(f Field) (any, bool) {
	v, ok := t[string(f)]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

// String renders the value of f for display, or "" when missing.
func (t Torrent) String(f Field) string {
	v, ok := t.Value(f)
	if !ok {
		return ""
	}
	return render(v)
}

// Name is a shortcut for the "name" field.
func (t Torrent) Name() string {
	return t.String(FieldName)
}

// System holds backend diagnostics (hostname, versions, throttle totals).
type System map[string]any

// SortMode is the state of the sort state machine.
type SortMode int

const (
	Unsorted SortMode = iota
	SortedAsc
	SortedDesc
)

func (m SortMode) String() string {
	switch m {
	case SortedAsc:
		return "asc"
	case SortedDesc:
		return "desc"
	default:
		return "unsorted"
	}
}

// SortSpec selects the ordering of the view. An empty Key means no explicit
// sort: the view lists the newest arrivals first.
type SortSpec struct {
	Key       Field `json:"key"`
	Ascending bool  `json:"direction"`
}

// Mode maps s onto the sort state machine.
func (s SortSpec) Mode() SortMode {
	switch {
	case s.Key == "":
		return Unsorted
	case s.Ascending:
		return SortedAsc
	default:
		return SortedDesc
	}
}

// ParseSortSpec builds a SortSpec from a field name and an order of
// "asc", "desc" or "" (ascending).
func ParseSortSpec(key, order string) (SortSpec, error) {
	spec := SortSpec{Key: Field(strings.TrimSpace(key)), Ascending: true}

	switch strings.ToLower(strings.TrimSpace(order)) {
	case "", "asc", "ascending":
	case "desc", "descending":
		spec.Ascending = false
	default:
		return SortSpec{}, fmt.Errorf("%w: %q", ErrInvalidOrder, order)
	}

	return spec, nil
}
