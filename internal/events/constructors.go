package events

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/skywatch/corroborate/internal/types"
)

func newEvent(eventType EventType, runID string, severity EventSeverity, message string) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		RunID:     runID,
		Severity:  severity,
		Message:   message,
	}
}

// NewRunStartedEvent creates a run start event.
func NewRunStartedEvent(runID string, data RunStartedData) (*Event, error) {
	event := newEvent(EventTypeRunStarted, runID, SeverityInfo,
		fmt.Sprintf("run started with %d candidates", data.CandidateCount))
	if err := event.setData("RunStartedData", data); err != nil {
		return nil, err
	}
	return event, nil
}

// NewRunCompletedEvent creates a run completion event. Degraded runs are warnings.
func NewRunCompletedEvent(runID string, data RunCompletedData) (*Event, error) {
	severity := SeverityInfo
	msg := fmt.Sprintf("run completed: %d candidates -> %d incidents", data.TotalCandidates, data.IncidentsOut)
	if data.Degraded {
		severity = SeverityWarning
		msg += " (degraded)"
	}
	event := newEvent(EventTypeRunCompleted, runID, severity, msg)
	if err := event.setData("RunCompletedData", data); err != nil {
		return nil, err
	}
	return event, nil
}

// NewMergeCommittedEvent creates a journal entry mirroring a merge audit record.
func NewMergeCommittedEvent(ev *types.MergeEvent) (*Event, error) {
	event := newEvent(EventTypeMergeCommitted, ev.RunID, SeverityInfo,
		fmt.Sprintf("%v merged into %s (%s)", ev.AbsorbedIDs, ev.PrimaryID, ev.Tier))
	event.Timestamp = ev.CreatedAt
	if err := event.setData("MergeCommittedData", MergeCommittedData{
		PrimaryID:   ev.PrimaryID,
		AbsorbedIDs: ev.AbsorbedIDs,
		Tier:        ev.Tier,
		Confidence:  ev.Confidence,
	}); err != nil {
		return nil, err
	}
	return event, nil
}

// NewVerdictRejectedEvent creates a warning for a discarded adjudicator reply.
func NewVerdictRejectedEvent(runID string, data VerdictRejectedData) (*Event, error) {
	event := newEvent(EventTypeVerdictRejected, runID, SeverityWarning,
		fmt.Sprintf("verdict for %s rejected by %s", data.PairKey, data.Rule))
	if err := event.setData("VerdictRejectedData", data); err != nil {
		return nil, err
	}
	return event, nil
}

// NewProviderDegradedEvent creates a warning for a failed provider call.
func NewProviderDegradedEvent(runID string, data ProviderDegradedData) (*Event, error) {
	event := newEvent(EventTypeProviderDegraded, runID, SeverityWarning,
		fmt.Sprintf("%s unavailable for %s, treated as distinct", data.Tier, data.PairKey))
	if err := event.setData("ProviderDegradedData", data); err != nil {
		return nil, err
	}
	return event, nil
}

// NewMergeConflictEvent creates an error event for a merge that could not be committed.
func NewMergeConflictEvent(runID, pairKey string, err error) *Event {
	event := newEvent(EventTypeMergeConflict, runID, SeverityError,
		fmt.Sprintf("merge of %s not committed: %v", pairKey, err))
	event.Data = map[string]interface{}{"pair_key": pairKey, "error": err.Error()}
	return event
}
