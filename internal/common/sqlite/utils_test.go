package sqlite

import (
	"testing"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBoolToInt(t *testing.T) {
	assert.Equal(t, 1, BoolToInt(true))
	assert.Equal(t, 0, BoolToInt(false))
}

func TestEnsureColumn(t *testing.T) {
	db, err := sqlx.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	_, err = db.Exec(`CREATE TABLE things (id TEXT PRIMARY KEY)`)
	require.NoError(t, err)

	exists, err := ColumnExists(db, "things", "note")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, EnsureColumn(db, "things", "note", "TEXT NOT NULL DEFAULT ''"))
	exists, err = ColumnExists(db, "things", "note")
	require.NoError(t, err)
	assert.True(t, exists)

	// Re-running is a no-op.
	require.NoError(t, EnsureColumn(db, "things", "note", "TEXT NOT NULL DEFAULT ''"))
	_, err = db.Exec(`INSERT INTO things (id, note) VALUES ('t1', 'x')`)
	require.NoError(t, err)
}
