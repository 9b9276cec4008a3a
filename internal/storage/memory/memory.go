// Package memory is a mutex-guarded in-process Store, the default for one-off
// batch runs and for tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/skywatch/corroborate/internal/storage"
	"github.com/skywatch/corroborate/internal/types"
)

// Store implements storage.Store in memory.
type Store struct {
	mu        sync.RWMutex
	incidents map[string]*types.Incident
	events    []*types.MergeEvent
	rejected  []*types.RejectedVerdict
	nextRejID int64
	closed    bool
}

var _ storage.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{incidents: make(map[string]*types.Incident)}
}

func (s *Store) checkOpen() error {
	if s.closed {
		return fmt.Errorf("memory store is closed")
	}
	return nil
}

// CreateIncident inserts a copy of inc at Version 1.
func (s *Store) CreateIncident(ctx context.Context, inc *types.Incident) error {
	if err := inc.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	if _, ok := s.incidents[inc.ID]; ok {
		return fmt.Errorf("%w: %s", storage.ErrAlreadyExists, inc.ID)
	}
	now := time.Now().UTC()
	if inc.CreatedAt.IsZero() {
		inc.CreatedAt = now
	}
	if inc.UpdatedAt.IsZero() {
		inc.UpdatedAt = now
	}
	inc.Version = 1
	s.incidents[inc.ID] = inc.Clone()
	return nil
}

// GetIncident returns a copy of the stored incident.
func (s *Store) GetIncident(ctx context.Context, id string) (*types.Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	inc, ok := s.incidents[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, id)
	}
	return inc.Clone(), nil
}

// CompareAndSwap replaces the incident if the stored version matches.
func (s *Store) CompareAndSwap(ctx context.Context, inc *types.Incident, expectedVersion int64) error {
	if err := inc.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	cur, ok := s.incidents[inc.ID]
	if !ok {
		return fmt.Errorf("%w: %s", storage.ErrNotFound, inc.ID)
	}
	if cur.Version != expectedVersion {
		return fmt.Errorf("%w: %s at version %d, expected %d", storage.ErrVersionConflict, inc.ID, cur.Version, expectedVersion)
	}
	inc.Version = expectedVersion + 1
	inc.CreatedAt = cur.CreatedAt
	s.incidents[inc.ID] = inc.Clone()
	return nil
}

// ListIncidents returns copies of matching incidents ordered by OccurredAt then ID.
func (s *Store) ListIncidents(ctx context.Context, filter storage.Filter) ([]*types.Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var out []*types.Incident
	for _, inc := range s.incidents {
		if filter.Matches(inc) {
			out = append(out, inc.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OccurredAt.Equal(out[j].OccurredAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].OccurredAt.Before(out[j].OccurredAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// RecordMergeEvent appends a merge event.
func (s *Store) RecordMergeEvent(ctx context.Context, ev *types.MergeEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	cp := *ev
	cp.AbsorbedIDs = append([]string(nil), ev.AbsorbedIDs...)
	s.events = append(s.events, &cp)
	return nil
}

// ListMergeEvents returns matching events ordered by CreatedAt then ID.
func (s *Store) ListMergeEvents(ctx context.Context, filter storage.EventFilter) ([]*types.MergeEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var out []*types.MergeEvent
	for _, ev := range s.events {
		if filter.MatchesEvent(ev) {
			cp := *ev
			cp.AbsorbedIDs = append([]string(nil), ev.AbsorbedIDs...)
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// RecordRejectedVerdict appends an audit record and assigns its ID.
func (s *Store) RecordRejectedVerdict(ctx context.Context, rv *types.RejectedVerdict) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.nextRejID++
	rv.ID = s.nextRejID
	if rv.CreatedAt.IsZero() {
		rv.CreatedAt = time.Now().UTC()
	}
	cp := *rv
	s.rejected = append(s.rejected, &cp)
	return nil
}

// ListRejectedVerdicts returns audit records for a run, or all when runID is empty.
func (s *Store) ListRejectedVerdicts(ctx context.Context, runID string) ([]*types.RejectedVerdict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var out []*types.RejectedVerdict
	for _, rv := range s.rejected {
		if runID == "" || rv.RunID == runID {
			cp := *rv
			out = append(out, &cp)
		}
	}
	return out, nil
}

// Close marks the store closed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
