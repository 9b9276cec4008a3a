package migrations

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	first = Migration{
		Version:     1,
		Description: "create sightings",
		Up:          `CREATE TABLE sightings (id TEXT PRIMARY KEY)`,
	}
	second = Migration{
		Version:     2,
		Description: "add country",
		Up:          `ALTER TABLE sightings ADD COLUMN country TEXT NOT NULL DEFAULT ''`,
	}
)

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", "file:"+filepath.Join(t.TempDir(), "m.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestApplyInOrderAndIdempotent(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)

	// Registered out of order on purpose.
	m := NewManager(second, first)
	assert.Equal(t, 2, m.Latest())

	require.NoError(t, m.Apply(ctx, db))
	v, err := CurrentVersion(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	_, err = db.Exec(`INSERT INTO sightings (id, country) VALUES ('a', 'DK')`)
	require.NoError(t, err)

	// Second apply is a no-op.
	require.NoError(t, m.Apply(ctx, db))
}
