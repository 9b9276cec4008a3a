// Package events records what a consolidation run did: lifecycle events in a run
// journal, and merge audit records routed to one or more sinks.
package events

import (
	"context"
	"time"

	"github.com/skywatch/corroborate/internal/types"
)

// EventType represents the type of event that occurred during a run.
type EventType string

const (
	// EventTypeRunStarted indicates a run accepted its candidate batch
	EventTypeRunStarted EventType = "run_started"
	// EventTypeRunCompleted indicates a run finished and carries its statistics
	EventTypeRunCompleted EventType = "run_completed"
	// EventTypeMergeCommitted indicates two incidents were folded together
	EventTypeMergeCommitted EventType = "merge_committed"
	// EventTypeVerdictRejected indicates the validator discarded an adjudicator reply
	EventTypeVerdictRejected EventType = "verdict_rejected"
	// EventTypeProviderDegraded indicates an embedding or LLM call failed and the pair fell back to distinct
	EventTypeProviderDegraded EventType = "provider_degraded"
	// EventTypeMergeConflict indicates optimistic retries were exhausted for a merge
	EventTypeMergeConflict EventType = "merge_conflict"
)

// EventSeverity represents the severity level of an event.
type EventSeverity string

const (
	SeverityInfo    EventSeverity = "info"
	SeverityWarning EventSeverity = "warning"
	SeverityError   EventSeverity = "error"
)

// Event is one journal entry.
type Event struct {
	ID        string        `json:"id"`
	Type      EventType     `json:"type"`
	Timestamp time.Time     `json:"timestamp"`
	RunID     string        `json:"run_id"`
	Severity  EventSeverity `json:"severity"`
	Message   string        `json:"message"`
	// Data contains structured, type-specific data (must be JSON-serializable)
	Data map[string]interface{} `json:"data"`
}

// RunStartedData contains structured data for run start events.
type RunStartedData struct {
	CandidateCount int `json:"candidate_count"`
	// ExistingCount is the number of stored incidents inside the lookback window
	ExistingCount int `json:"existing_count"`
}

// RunCompletedData contains structured data for run completion events.
type RunCompletedData struct {
	TotalCandidates  int     `json:"total_candidates"`
	IncidentsOut     int     `json:"incidents_out"`
	MergesApplied    int     `json:"merges_applied"`
	MergeRatePercent float64 `json:"merge_rate_percent"`
	Tier3Rejected    int     `json:"tier3_rejected"`
	Degraded         bool    `json:"degraded"`
	ProcessingTimeMs int64   `json:"processing_time_ms"`
}

// MergeCommittedData contains structured data for merge events.
type MergeCommittedData struct {
	PrimaryID   string          `json:"primary_id"`
	AbsorbedIDs []string        `json:"absorbed_ids"`
	Tier        types.MergeTier `json:"tier"`
	Confidence  float64         `json:"confidence"`
}

// VerdictRejectedData contains structured data for rejected adjudicator replies.
type VerdictRejectedData struct {
	PairKey string `json:"pair_key"`
	Rule    string `json:"rule"`
	Reason  string `json:"reason"`
}

// ProviderDegradedData contains structured data for provider failures.
type ProviderDegradedData struct {
	Tier    types.MergeTier `json:"tier"`
	PairKey string          `json:"pair_key"`
	Error   string          `json:"error"`
}

// Journal stores run events.
type Journal interface {
	Record(ctx context.Context, event *Event) error
}

// EventFilter defines criteria for filtering journal events.
type EventFilter struct {
	RunID    string
	Type     EventType
	Severity EventSeverity
	Limit    int
}

// Matches reports whether e passes the filter.
func (f EventFilter) Matches(e *Event) bool {
	if f.RunID != "" && e.RunID != f.RunID {
		return false
	}
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	if f.Severity != "" && e.Severity != f.Severity {
		return false
	}
	return true
}
