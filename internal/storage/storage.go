// Package storage defines the incident ledger used to match candidates against
// incidents from earlier runs and to keep the merge audit trail.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/skywatch/corroborate/internal/types"
)

var (
	// ErrNotFound is returned when an incident does not exist.
	ErrNotFound = errors.New("incident not found")
	// ErrAlreadyExists is returned when creating an incident whose ID is taken.
	ErrAlreadyExists = errors.New("incident already exists")
	// ErrVersionConflict is returned by CompareAndSwap when the stored version moved.
	ErrVersionConflict = errors.New("incident version conflict")
)

// Filter selects incidents for ListIncidents.
type Filter struct {
	// Since keeps incidents whose LastSeen is at or after Since. Zero means no bound.
	Since time.Time
	// IncludeAbsorbed keeps tombstoned incidents.
	IncludeAbsorbed bool
	Country         string
	// Limit of 0 means unlimited.
	Limit int
}

// Matches reports whether inc passes the filter.
func (f Filter) Matches(inc *types.Incident) bool {
	if !f.IncludeAbsorbed && inc.IsAbsorbed() {
		return false
	}
	if !f.Since.IsZero() && inc.LastSeen.Before(f.Since) {
		return false
	}
	if f.Country != "" && inc.Country != f.Country {
		return false
	}
	return true
}

// EventFilter selects merge events.
type EventFilter struct {
	RunID      string
	IncidentID string // matches primary or absorbed
	Limit      int
}

// Store is the incident ledger. Implementations must be safe for concurrent use
// and must return copies, never shared pointers.
type Store interface {
	// CreateIncident inserts a new incident at Version 1.
	CreateIncident(ctx context.Context, inc *types.Incident) error
	GetIncident(ctx context.Context, id string) (*types.Incident, error)
	// CompareAndSwap replaces the stored incident if its version equals
	// expectedVersion, and sets inc.Version to expectedVersion+1.
	CompareAndSwap(ctx context.Context, inc *types.Incident, expectedVersion int64) error
	// ListIncidents returns incidents ordered by OccurredAt then ID.
	ListIncidents(ctx context.Context, filter Filter) ([]*types.Incident, error)

	RecordMergeEvent(ctx context.Context, ev *types.MergeEvent) error
	// ListMergeEvents returns events ordered by CreatedAt then ID.
	ListMergeEvents(ctx context.Context, filter EventFilter) ([]*types.MergeEvent, error)

	RecordRejectedVerdict(ctx context.Context, rv *types.RejectedVerdict) error
	ListRejectedVerdicts(ctx context.Context, runID string) ([]*types.RejectedVerdict, error)

	Close() error
}

// MatchesEvent reports whether ev passes the filter.
func (f EventFilter) MatchesEvent(ev *types.MergeEvent) bool {
	if f.RunID != "" && ev.RunID != f.RunID {
		return false
	}
	if f.IncidentID == "" || ev.PrimaryID == f.IncidentID {
		return true
	}
	for _, id := range ev.AbsorbedIDs {
		if id == f.IncidentID {
			return true
		}
	}
	return false
}
