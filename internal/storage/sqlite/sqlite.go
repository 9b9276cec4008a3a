// Package sqlite implements storage.Store on an embedded SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/skywatch/corroborate/internal/storage"
	"github.com/skywatch/corroborate/internal/storage/migrations"
	"github.com/skywatch/corroborate/internal/types"
)

// Store implements storage.Store using SQLite
type Store struct {
	db *sql.DB
}

var _ storage.Store = (*Store)(nil)

// New opens (creating if needed) the ledger at path and applies pending migrations.
// The special path ":memory:" creates a private in-memory database.
func New(ctx context.Context, path string) (*Store, error) {
	dsn := "file::memory:"
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
		dsn = "file:" + path
	}
	dsn += "?_pragma=journal_mode(wal)&_pragma=foreign_keys(on)&_pragma=busy_timeout(10000)"

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if path == ":memory:" {
		// Each connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := migrations.NewManager(schemaMigrations...).Apply(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &Store{db: db}, nil
}

// execer is satisfied by *sql.Conn and *sql.DB.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// withImmediateTx runs fn inside BEGIN IMMEDIATE on a dedicated connection so the
// write lock is taken up front and concurrent writers serialize.
func (s *Store) withImmediateTx(ctx context.Context, fn func(conn *sql.Conn) error) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return fmt.Errorf("failed to begin immediate transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			// Background context so cleanup happens even if ctx is canceled.
			_, _ = conn.ExecContext(context.Background(), "ROLLBACK")
		}
	}()

	if err := fn(conn); err != nil {
		return err
	}
	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	committed = true
	return nil
}

// CreateIncident inserts a new incident at Version 1.
func (s *Store) CreateIncident(ctx context.Context, inc *types.Incident) error {
	if err := inc.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	now := time.Now().UTC()
	if inc.CreatedAt.IsZero() {
		inc.CreatedAt = now
	}
	if inc.UpdatedAt.IsZero() {
		inc.UpdatedAt = now
	}

	return s.withImmediateTx(ctx, func(conn *sql.Conn) error {
		var exists int
		err := conn.QueryRowContext(ctx, `SELECT 1 FROM incidents WHERE id = ?`, inc.ID).Scan(&exists)
		if err == nil {
			return fmt.Errorf("%w: %s", storage.ErrAlreadyExists, inc.ID)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to check incident: %w", err)
		}

		constituents, err := json.Marshal(inc.Constituents)
		if err != nil {
			return fmt.Errorf("failed to encode constituents: %w", err)
		}
		_, err = conn.ExecContext(ctx, `
			INSERT INTO incidents (
				id, title, narrative, occurred_at, last_seen, lat, lon, precise,
				country, asset_type, evidence_score, constituents, merged_from_count,
				absorbed_into, version, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
		`,
			inc.ID, inc.Title, inc.Narrative, formatTime(inc.OccurredAt), formatTime(inc.LastSeen),
			inc.Location.Lat, inc.Location.Lon, inc.Location.Precise,
			inc.Country, inc.AssetType, int(inc.EvidenceScore), string(constituents), inc.MergedFromCount,
			nullString(inc.AbsorbedInto), formatTime(inc.CreatedAt), formatTime(inc.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to insert incident: %w", err)
		}
		if err := insertSources(ctx, conn, inc); err != nil {
			return err
		}
		inc.Version = 1
		return nil
	})
}

// GetIncident retrieves an incident with its sources.
func (s *Store) GetIncident(ctx context.Context, id string) (*types.Incident, error) {
	return getIncident(ctx, s.db, id)
}

// CompareAndSwap replaces the incident if the stored version matches.
func (s *Store) CompareAndSwap(ctx context.Context, inc *types.Incident, expectedVersion int64) error {
	if err := inc.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	if inc.UpdatedAt.IsZero() {
		inc.UpdatedAt = time.Now().UTC()
	}

	return s.withImmediateTx(ctx, func(conn *sql.Conn) error {
		constituents, err := json.Marshal(inc.Constituents)
		if err != nil {
			return fmt.Errorf("failed to encode constituents: %w", err)
		}
		res, err := conn.ExecContext(ctx, `
			UPDATE incidents SET
				title = ?, narrative = ?, occurred_at = ?, last_seen = ?, lat = ?, lon = ?,
				precise = ?, country = ?, asset_type = ?, evidence_score = ?, constituents = ?,
				merged_from_count = ?, absorbed_into = ?, version = version + 1, updated_at = ?
			WHERE id = ? AND version = ?
		`,
			inc.Title, inc.Narrative, formatTime(inc.OccurredAt), formatTime(inc.LastSeen),
			inc.Location.Lat, inc.Location.Lon, inc.Location.Precise,
			inc.Country, inc.AssetType, int(inc.EvidenceScore), string(constituents),
			inc.MergedFromCount, nullString(inc.AbsorbedInto), formatTime(inc.UpdatedAt),
			inc.ID, expectedVersion,
		)
		if err != nil {
			return fmt.Errorf("failed to update incident: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read rows affected: %w", err)
		}
		if n == 0 {
			var current int64
			err := conn.QueryRowContext(ctx, `SELECT version FROM incidents WHERE id = ?`, inc.ID).Scan(&current)
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: %s", storage.ErrNotFound, inc.ID)
			}
			if err != nil {
				return fmt.Errorf("failed to read incident version: %w", err)
			}
			return fmt.Errorf("%w: %s at version %d, expected %d", storage.ErrVersionConflict, inc.ID, current, expectedVersion)
		}

		if _, err := conn.ExecContext(ctx, `DELETE FROM incident_sources WHERE incident_id = ?`, inc.ID); err != nil {
			return fmt.Errorf("failed to clear sources: %w", err)
		}
		if err := insertSources(ctx, conn, inc); err != nil {
			return err
		}
		inc.Version = expectedVersion + 1
		return nil
	})
}

// ListIncidents returns matching incidents ordered by occurred_at then id.
func (s *Store) ListIncidents(ctx context.Context, filter storage.Filter) ([]*types.Incident, error) {
	var where []string
	var args []any
	if !filter.IncludeAbsorbed {
		where = append(where, "absorbed_into IS NULL")
	}
	if !filter.Since.IsZero() {
		where = append(where, "last_seen >= ?")
		args = append(args, formatTime(filter.Since))
	}
	if filter.Country != "" {
		where = append(where, "country = ?")
		args = append(args, filter.Country)
	}

	query := `SELECT id FROM incidents`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY occurred_at, id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list incidents: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan incident id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate incidents: %w", err)
	}

	out := make([]*types.Incident, 0, len(ids))
	for _, id := range ids {
		inc, err := getIncident(ctx, s.db, id)
		if err != nil {
			return nil, err
		}
		out = append(out, inc)
	}
	return out, nil
}

// RecordMergeEvent inserts a merge audit record.
func (s *Store) RecordMergeEvent(ctx context.Context, ev *types.MergeEvent) error {
	absorbed, err := json.Marshal(ev.AbsorbedIDs)
	if err != nil {
		return fmt.Errorf("failed to encode absorbed ids: %w", err)
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO merge_events (id, run_id, primary_id, absorbed_ids, tier, confidence, reasoning_excerpt, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, ev.ID, ev.RunID, ev.PrimaryID, string(absorbed), string(ev.Tier), ev.Confidence, ev.ReasoningExcerpt, formatTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to record merge event: %w", err)
	}
	return nil
}

// ListMergeEvents returns matching events ordered by created_at then id.
func (s *Store) ListMergeEvents(ctx context.Context, filter storage.EventFilter) ([]*types.MergeEvent, error) {
	var where []string
	var args []any
	if filter.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, filter.RunID)
	}
	if filter.IncidentID != "" {
		where = append(where, "(primary_id = ? OR EXISTS (SELECT 1 FROM json_each(absorbed_ids) WHERE value = ?))")
		args = append(args, filter.IncidentID, filter.IncidentID)
	}
	query := `SELECT id, run_id, primary_id, absorbed_ids, tier, confidence, reasoning_excerpt, created_at FROM merge_events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list merge events: %w", err)
	}
	defer rows.Close()

	var out []*types.MergeEvent
	for rows.Next() {
		var ev types.MergeEvent
		var absorbed, tier, createdAt string
		if err := rows.Scan(&ev.ID, &ev.RunID, &ev.PrimaryID, &absorbed, &tier, &ev.Confidence, &ev.ReasoningExcerpt, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan merge event: %w", err)
		}
		if err := json.Unmarshal([]byte(absorbed), &ev.AbsorbedIDs); err != nil {
			return nil, fmt.Errorf("failed to decode absorbed ids for %s: %w", ev.ID, err)
		}
		ev.Tier = types.MergeTier(tier)
		if ev.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}

// RecordRejectedVerdict inserts an audit record for a discarded adjudicator reply.
func (s *Store) RecordRejectedVerdict(ctx context.Context, rv *types.RejectedVerdict) error {
	if rv.CreatedAt.IsZero() {
		rv.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO rejected_verdicts (run_id, pair_key, rule, reason, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, rv.RunID, rv.PairKey, rv.Rule, rv.Reason, rv.Payload, formatTime(rv.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to record rejected verdict: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		rv.ID = id
	}
	return nil
}

// ListRejectedVerdicts returns audit records for a run, or all when runID is empty.
func (s *Store) ListRejectedVerdicts(ctx context.Context, runID string) ([]*types.RejectedVerdict, error) {
	query := `SELECT id, run_id, pair_key, rule, reason, payload, created_at FROM rejected_verdicts`
	var args []any
	if runID != "" {
		query += " WHERE run_id = ?"
		args = append(args, runID)
	}
	query += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list rejected verdicts: %w", err)
	}
	defer rows.Close()

	var out []*types.RejectedVerdict
	for rows.Next() {
		var rv types.RejectedVerdict
		var createdAt string
		if err := rows.Scan(&rv.ID, &rv.RunID, &rv.PairKey, &rv.Rule, &rv.Reason, &rv.Payload, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan rejected verdict: %w", err)
		}
		if rv.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, &rv)
	}
	return out, rows.Err()
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

func getIncident(ctx context.Context, q execer, id string) (*types.Incident, error) {
	var inc types.Incident
	var occurredAt, lastSeen, createdAt, updatedAt, constituents string
	var absorbedInto sql.NullString
	var score int

	err := q.QueryRowContext(ctx, `
		SELECT id, title, narrative, occurred_at, last_seen, lat, lon, precise,
		       country, asset_type, evidence_score, constituents, merged_from_count,
		       absorbed_into, version, created_at, updated_at
		FROM incidents
		WHERE id = ?
	`, id).Scan(
		&inc.ID, &inc.Title, &inc.Narrative, &occurredAt, &lastSeen,
		&inc.Location.Lat, &inc.Location.Lon, &inc.Location.Precise,
		&inc.Country, &inc.AssetType, &score, &constituents, &inc.MergedFromCount,
		&absorbedInto, &inc.Version, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get incident: %w", err)
	}

	inc.EvidenceScore = types.EvidenceScore(score)
	inc.AbsorbedInto = absorbedInto.String
	if err := json.Unmarshal([]byte(constituents), &inc.Constituents); err != nil {
		return nil, fmt.Errorf("failed to decode constituents for %s: %w", id, err)
	}
	for _, p := range []struct {
		dst *time.Time
		src string
	}{{&inc.OccurredAt, occurredAt}, {&inc.LastSeen, lastSeen}, {&inc.CreatedAt, createdAt}, {&inc.UpdatedAt, updatedAt}} {
		if *p.dst, err = parseTime(p.src); err != nil {
			return nil, err
		}
	}

	rows, err := q.QueryContext(ctx, `
		SELECT url, name, kind, trust_weight, published_at, body
		FROM incident_sources
		WHERE incident_id = ?
		ORDER BY url
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get sources: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var src types.SourceRef
		var kind string
		var publishedAt sql.NullString
		if err := rows.Scan(&src.URL, &src.Name, &kind, &src.TrustWeight, &publishedAt, &src.Text); err != nil {
			return nil, fmt.Errorf("failed to scan source: %w", err)
		}
		src.Kind = types.SourceKind(kind)
		if publishedAt.Valid {
			if src.PublishedAt, err = parseTime(publishedAt.String); err != nil {
				return nil, err
			}
		}
		inc.Sources = append(inc.Sources, src)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sources: %w", err)
	}
	return &inc, nil
}

func insertSources(ctx context.Context, conn *sql.Conn, inc *types.Incident) error {
	for _, src := range inc.Sources {
		var published any
		if !src.PublishedAt.IsZero() {
			published = formatTime(src.PublishedAt)
		}
		_, err := conn.ExecContext(ctx, `
			INSERT INTO incident_sources (incident_id, url, name, kind, trust_weight, published_at, body)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, inc.ID, src.URL, src.Name, string(src.Kind), src.TrustWeight, published, src.Text)
		if err != nil {
			return fmt.Errorf("failed to insert source %s: %w", src.URL, err)
		}
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
