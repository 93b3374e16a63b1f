package database

import (
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbeddedMigrations(t *testing.T) {
	names, err := fs.Glob(migrations, "migrations/*.sql")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		"migrations/000001_price_bars.down.sql",
		"migrations/000001_price_bars.up.sql",
	}, names)

	up, err := fs.ReadFile(migrations, "migrations/000001_price_bars.up.sql")
	require.NoError(t, err)
	assert.Contains(t, string(up), "PRIMARY KEY (ticker, period, start_time)")
}

func TestConfig_DSN(t *testing.T) {
	cfg := &Config{Host: "localhost", Port: 5432, User: "bars", Password: "secret", DBName: "market"}
	assert.Equal(t, "host=localhost port=5432 user=bars password=secret dbname=market sslmode=disable", cfg.DSN())

	cfg.SSLMode = "require"
	assert.Contains(t, cfg.DSN(), "sslmode=require")
}

func TestConfig_Defaults(t *testing.T) {
	cfg := &Config{}
	cfg.setDefaults()
	assert.Equal(t, 5432, cfg.Port)
	assert.Equal(t, 10, cfg.MaxOpen)
	assert.Equal(t, 2, cfg.MaxIdle)
	assert.Positive(t, cfg.Timeout)
}
