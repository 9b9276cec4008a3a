package sqlite

import "github.com/skywatch/corroborate/internal/storage/migrations"

// timeLayout is fixed-width so TEXT columns sort chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

var schemaMigrations = []migrations.Migration{
	{
		Version:     1,
		Description: "incident ledger",
		Up: `
-- Canonical incidents. Absorbed incidents are tombstoned via absorbed_into, never deleted.
CREATE TABLE IF NOT EXISTS incidents (
    id TEXT PRIMARY KEY,
    title TEXT NOT NULL DEFAULT '',
    narrative TEXT NOT NULL DEFAULT '',
    occurred_at TEXT NOT NULL,
    last_seen TEXT NOT NULL,
    lat REAL NOT NULL,
    lon REAL NOT NULL,
    precise INTEGER NOT NULL DEFAULT 0,
    country TEXT NOT NULL,
    asset_type TEXT NOT NULL DEFAULT '',
    evidence_score INTEGER NOT NULL CHECK(evidence_score >= 1 AND evidence_score <= 4),
    constituents TEXT NOT NULL DEFAULT '[]',
    merged_from_count INTEGER NOT NULL DEFAULT 1,
    absorbed_into TEXT,
    version INTEGER NOT NULL DEFAULT 1,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_incidents_last_seen ON incidents(last_seen);
CREATE INDEX IF NOT EXISTS idx_incidents_occurred_at ON incidents(occurred_at);
CREATE INDEX IF NOT EXISTS idx_incidents_absorbed_into ON incidents(absorbed_into);

-- Source set, unique by url within an incident
CREATE TABLE IF NOT EXISTS incident_sources (
    incident_id TEXT NOT NULL,
    url TEXT NOT NULL,
    name TEXT NOT NULL DEFAULT '',
    kind TEXT NOT NULL,
    trust_weight REAL NOT NULL CHECK(trust_weight >= 0 AND trust_weight <= 4),
    published_at TEXT,
    body TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (incident_id, url),
    FOREIGN KEY (incident_id) REFERENCES incidents(id) ON DELETE CASCADE
);

-- Merge audit trail
CREATE TABLE IF NOT EXISTS merge_events (
    id TEXT PRIMARY KEY,
    run_id TEXT NOT NULL DEFAULT '',
    primary_id TEXT NOT NULL,
    absorbed_ids TEXT NOT NULL DEFAULT '[]',
    tier TEXT NOT NULL,
    confidence REAL NOT NULL DEFAULT 0,
    reasoning_excerpt TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_merge_events_run ON merge_events(run_id);
CREATE INDEX IF NOT EXISTS idx_merge_events_primary ON merge_events(primary_id);
`,
	},
	{
		Version:     2,
		Description: "rejected adjudicator verdicts",
		Up: `
CREATE TABLE IF NOT EXISTS rejected_verdicts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL DEFAULT '',
    pair_key TEXT NOT NULL,
    rule TEXT NOT NULL,
    reason TEXT NOT NULL DEFAULT '',
    payload TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_rejected_verdicts_run ON rejected_verdicts(run_id);
`,
	},
}
