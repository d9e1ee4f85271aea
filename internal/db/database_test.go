package db

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm/logger"

	"appforge/pkg/models"
)

func TestOpenSQLite(t *testing.T) {
	d, err := Open(Config{SQLitePath: filepath.Join(t.TempDir(), "test.db"), LogLevel: logger.Silent})
	require.NoError(t, err)
	defer d.Close()

	assert.Equal(t, "sqlite", d.Driver)
	require.NoError(t, d.Health())

	for _, table := range []string{"agent_sessions", "apps", "credit_accounts", "user_model_configs"} {
		assert.True(t, d.DB.Migrator().HasTable(table), table)
	}

	require.NoError(t, d.DB.Create(&models.CreditAccount{UserID: "u1", Balance: 3}).Error)
	var acct models.CreditAccount
	require.NoError(t, d.DB.First(&acct, "user_id = ?", "u1").Error)
	assert.Equal(t, 3, acct.Balance)
}

func TestSQLiteDSN(t *testing.T) {
	assert.Equal(t, "file::memory:?cache=shared", sqliteDSN(":memory:"))
	assert.Equal(t, "x.db?mode=ro", sqliteDSN("x.db?mode=ro"))
	assert.Contains(t, sqliteDSN("x.db"), "busy_timeout")
}

func TestNewRedisClientBadURL(t *testing.T) {
	_, err := NewRedisClient(context.Background(), DefaultRedisConfig("not-a-url"))
	assert.Error(t, err)
}

func TestStatus(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.db")
	d, err := Open(Config{SQLitePath: path, LogLevel: logger.Silent, SkipMigrate: true})
	require.NoError(t, err)
	defer d.Close()

	status, err := d.Status()
	require.NoError(t, err)
	require.Len(t, status, len(models.All()))
	for _, s := range status {
		assert.False(t, s.Present, s.Table)
	}

	require.NoError(t, d.Migrate())
	status, err = d.Status()
	require.NoError(t, err)
	assert.Equal(t, "agent_sessions", status[0].Table)
	for _, s := range status {
		assert.True(t, s.Present, s.Table)
	}
}
