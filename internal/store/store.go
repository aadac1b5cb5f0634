// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package store

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrUnknownSortKey = errors.New("unknown sort key")
	ErrInvalidOrder   = errors.New("invalid sort order")
	ErrInvalidFilter  = errors.New("invalid filter")
)

// Store holds the torrent collection, the backend connectivity flag and the
// active sort and filter. It is safe for concurrent use.
//
// The collection is kept in arrival order and never reordered; OrderedView
// derives a fresh slice on every call.
type Store struct {
	logger zerolog.Logger
	now    func() time.Time

	mu         sync.RWMutex
	fields     map[Field]struct{}
	torrents   []Torrent
	connected  bool
	sorting    SortSpec
	filter     Filter
	matcher    *matcher
	system     System
	revision   uint64
	replacedAt time.Time
}

// Option configures a Store at construction.
type Option func(*Store)

// WithFields replaces the sortable field set.
func WithFields(fields ...Field) Option {
	return func(s *Store) {
		s.fields = make(map[Field]struct{}, len(fields))
		for _, f := range fields {
			s.fields[f] = struct{}{}
		}
	}
}

// WithExtraFields adds fields to the sortable field set.
func WithExtraFields(fields ...Field) Option {
	return func(s *Store) {
		for _, f := range fields {
			s.fields[f] = struct{}{}
		}
	}
}

// WithSort sets the initial sort. It is validated once all options have been
// applied; an invalid spec is logged and ignored.
func WithSort(spec SortSpec) Option {
	return func(s *Store) {
		s.sorting = spec
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New creates an empty, disconnected, unsorted store.
func New(opts ...Option) *Store {
	s := &Store{
		logger: log.Logger.With().Str("module", "store").Logger(),
		now:    time.Now,
		fields: make(map[Field]struct{}, len(DefaultFields)),
	}
	for _, f := range DefaultFields {
		s.fields[f] = struct{}{}
	}

	for _, opt := range opts {
		opt(s)
	}

	if err := s.validateSort(s.sorting); err != nil {
		s.logger.Warn().Err(err).Str("key", string(s.sorting.Key)).Msg("Ignoring initial sort")
		s.sorting = SortSpec{}
	}

	return s
}

// Fields returns the sortable field names in sorted order.
func (s *Store) Fields() []Field {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Sorted(maps.Keys(s.fields))
}

// HasField reports whether f may be used as a sort key.
func (s *Store) HasField(f Field) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.fields[f]
	return ok
}

func (s *Store) validateSort(spec SortSpec) error {
	if spec.Key == "" {
		return nil
	}
	if _, ok := s.fields[spec.Key]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSortKey, spec.Key)
	}
	return nil
}

// SetSort replaces the active sort. Unknown keys are rejected and leave the
// active sort unchanged.
func (s *Store) SetSort(spec SortSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.validateSort(spec); err != nil {
		return err
	}

	s.sorting = spec
	s.logger.Debug().Str("key", string(spec.Key)).Str("mode", spec.Mode().String()).Msg("Sort changed")
	return nil
}

// Sort returns the active sort.
func (s *Store) Sort() SortSpec {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sorting
}

// Mode returns the state of the sort state machine.
func (s *Store) Mode() SortMode {
	return s.Sort().Mode()
}

// SetFilter replaces the active filter. An expression that does not compile
// is rejected and the previous filter stays active.
func (s *Store) SetFilter(f Filter) error {
	m, err := compileFilter(f)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.filter = f
	s.matcher = m
	return nil
}

// Filter returns the active filter.
func (s *Store) Filter() Filter {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.filter
}

// ReplaceCollection fully replaces the held collection. The store keeps its
// own copy of items.
func (s *Store) ReplaceCollection(items []Torrent) {
	cloned := slices.Clone(items)
	if cloned == nil {
		cloned = []Torrent{}
	}

	s.mu.Lock()
	previous := len(s.torrents)
	s.torrents = cloned
	s.revision++
	s.replacedAt = s.now()
	revision := s.revision
	s.mu.Unlock()

	s.logger.Debug().
		Int("previous", previous).
		Int("current", len(cloned)).
		Uint64("revision", revision).
		Msg("Collection replaced")
}

// SetConnectivity records the outcome of a liveness probe.
func (s *Store) SetConnectivity(ok bool) {
	s.mu.Lock()
	changed := s.connected != ok
	s.connected = ok
	s.mu.Unlock()

	if changed {
		s.logger.Info().Bool("connected", ok).Msg("Backend connectivity changed")
	}
}

// Connected reports whether a liveness probe has succeeded.
func (s *Store) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

// SetSystem stores the latest backend diagnostics.
func (s *Store) SetSystem(sys System) {
	cloned := maps.Clone(sys)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.system = cloned
}

// System returns a copy of the latest backend diagnostics.
func (s *Store) System() System {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.system)
}

// Len returns the size of the held collection, ignoring the filter.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.torrents)
}

// OrderedView returns the filtered collection ordered by the active sort.
// The backing collection is not modified; every call returns a new slice.
func (s *Store) OrderedView() []Torrent {
	s.mu.RLock()
	torrents := s.torrents
	spec := s.sorting
	m := s.matcher
	s.mu.RUnlock()

	return derive(torrents, spec, m)
}

// View derives an ordered view for spec and f without touching the active
// sort or filter.
func (s *Store) View(spec SortSpec, f Filter) ([]Torrent, error) {
	view, _, err := s.ViewWithSnapshot(spec, f)
	return view, err
}

// ViewWithSnapshot is View plus the Snapshot of the exact collection the view
// was derived from.
func (s *Store) ViewWithSnapshot(spec SortSpec, f Filter) ([]Torrent, Snapshot, error) {
	m, err := compileFilter(f)
	if err != nil {
		return nil, Snapshot{}, err
	}

	s.mu.RLock()
	if err := s.validateSort(spec); err != nil {
		s.mu.RUnlock()
		return nil, Snapshot{}, err
	}
	torrents := s.torrents
	snap := s.snapshotLocked()
	s.mu.RUnlock()

	return derive(torrents, spec, m), snap, nil
}

// derive never writes to torrents: the slice is shared with the store and
// replaced, not mutated, by ReplaceCollection.
func derive(torrents []Torrent, spec SortSpec, m *matcher) []Torrent {
	view := make([]Torrent, 0, len(torrents))
	for _, t := range torrents {
		if m.match(t) {
			view = append(view, t)
		}
	}

	if spec.Key == "" {
		slices.Reverse(view)
		return view
	}

	slices.SortStableFunc(view, func(a, b Torrent) int {
		return compareField(a, b, spec.Key, spec.Ascending)
	})
	return view
}

// Snapshot summarises the store state.
type Snapshot struct {
	Connected  bool      `json:"connected"`
	Sort       SortSpec  `json:"sort"`
	Mode       string    `json:"mode"`
	Filter     Filter    `json:"filter"`
	Total      int       `json:"total"`
	Revision   uint64    `json:"revision"`
	ReplacedAt time.Time `json:"replacedAt"`
	System     System    `json:"system,omitempty"`
}

// Snapshot returns a consistent summary of the store state.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() Snapshot {
	return Snapshot{
		Connected:  s.connected,
		Sort:       s.sorting,
		Mode:       s.sorting.Mode().String(),
		Filter:     s.filter,
		Total:      len(s.torrents),
		Revision:   s.revision,
		ReplacedAt: s.replacedAt,
		System:     maps.Clone(s.system),
	}
}
