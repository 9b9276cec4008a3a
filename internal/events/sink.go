package events

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/skywatch/corroborate/internal/storage"
	"github.com/skywatch/corroborate/internal/types"
)

// StoreSink persists merge events in the incident ledger.
type StoreSink struct {
	store storage.Store
}

// NewStoreSink creates a sink backed by store.
func NewStoreSink(store storage.Store) *StoreSink {
	return &StoreSink{store: store}
}

// Emit records ev in the store.
func (s *StoreSink) Emit(ctx context.Context, ev *types.MergeEvent) error {
	return s.store.RecordMergeEvent(ctx, ev)
}

// MemorySink keeps merge events and journal entries in memory.
type MemorySink struct {
	mu     sync.Mutex
	merges []*types.MergeEvent
	events []*Event
}

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Emit stores a copy of ev.
func (m *MemorySink) Emit(ctx context.Context, ev *types.MergeEvent) error {
	cp := *ev
	cp.AbsorbedIDs = append([]string(nil), ev.AbsorbedIDs...)
	m.mu.Lock()
	m.merges = append(m.merges, &cp)
	m.mu.Unlock()
	return nil
}

// Record stores event.
func (m *MemorySink) Record(ctx context.Context, event *Event) error {
	m.mu.Lock()
	m.events = append(m.events, event)
	m.mu.Unlock()
	return nil
}

// MergeEvents returns the merge events emitted so far.
func (m *MemorySink) MergeEvents() []*types.MergeEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*types.MergeEvent(nil), m.merges...)
}

// Events returns the journal entries that pass filter.
func (m *MemorySink) Events(filter EventFilter) []*Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Event
	for _, e := range m.events {
		if filter.Matches(e) {
			out = append(out, e)
			if filter.Limit > 0 && len(out) == filter.Limit {
				break
			}
		}
	}
	return out
}

// JSONLWriter appends journal entries to w, one JSON object per line. Merge
// events are written as merge_committed entries.
type JSONLWriter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewJSONLWriter creates a journal writing to w.
func NewJSONLWriter(w io.Writer) *JSONLWriter {
	return &JSONLWriter{enc: json.NewEncoder(w)}
}

// Record writes event as one line.
func (j *JSONLWriter) Record(ctx context.Context, event *Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.enc.Encode(event); err != nil {
		return fmt.Errorf("failed to write event %s: %w", event.ID, err)
	}
	return nil
}

// Emit writes ev as a merge_committed entry.
func (j *JSONLWriter) Emit(ctx context.Context, ev *types.MergeEvent) error {
	event, err := NewMergeCommittedEvent(ev)
	if err != nil {
		return err
	}
	return j.Record(ctx, event)
}

// MultiSink fans merge events out to several sinks.
type MultiSink []interface {
	Emit(ctx context.Context, ev *types.MergeEvent) error
}

// Emit forwards ev to every sink and joins their errors.
func (m MultiSink) Emit(ctx context.Context, ev *types.MergeEvent) error {
	var errs []error
	for _, s := range m {
		if err := s.Emit(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// MultiJournal fans journal entries out to several journals.
type MultiJournal []Journal

// Record forwards event to every journal and joins their errors.
func (m MultiJournal) Record(ctx context.Context, event *Event) error {
	var errs []error
	for _, j := range m {
		if err := j.Record(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// maxLineSize bounds a single journal line.
const maxLineSize = 4 * 1024 * 1024

// ReadJSONL parses a journal written by JSONLWriter, keeping entries that pass filter.
func ReadJSONL(r io.Reader, filter EventFilter) ([]*Event, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	var out []*Event
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if !filter.Matches(&e) {
			continue
		}
		out = append(out, &e)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read journal: %w", err)
	}
	return out, nil
}
