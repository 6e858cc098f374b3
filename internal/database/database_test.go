package database

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"popster-server/internal/config"
)

func newMemoryService(t *testing.T) Service {
	t.Helper()
	svc, err := New(config.DatabaseConfig{
		Driver: "sqlite3",
		DSN:    "file::memory:?_foreign_keys=on",
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })
	return svc
}

func TestNewAppliesMigrations(t *testing.T) {
	svc := newMemoryService(t)

	for _, table := range []string{"rooms", "players"} {
		var name string
		err := svc.DB().QueryRow(
			`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table,
		).Scan(&name)
		require.NoError(t, err, table)
		assert.Equal(t, table, name)
	}
}

func TestMigrateIsRepeatable(t *testing.T) {
	svc := newMemoryService(t)
	assert.NoError(t, Migrate(svc.DB(), "sqlite3"))
}

func TestHealth(t *testing.T) {
	svc := newMemoryService(t)

	stats := svc.Health(context.Background())
	assert.Equal(t, "up", stats["status"])
	assert.Equal(t, "sqlite3", stats["driver"])

	require.NoError(t, svc.Close())
	stats = svc.Health(context.Background())
	assert.Equal(t, "down", stats["status"])
}

func TestRebind(t *testing.T) {
	q := `UPDATE players SET connected = ?, last_seen = ? WHERE id = ?`

	assert.Equal(t, q, Rebind("sqlite3", q))
	assert.Equal(t,
		`UPDATE players SET connected = $1, last_seen = $2 WHERE id = $3`,
		Rebind("postgres", q))
}

func TestNewRejectsUnknownDriver(t *testing.T) {
	_, err := New(config.DatabaseConfig{Driver: "oracle", DSN: "x"}, zap.NewNop())
	assert.Error(t, err)
}
