package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("CREWDOCK_DATA_DIR", t.TempDir())

	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":4381", c.Addr)
	assert.Equal(t, "info", c.LogLevel)
	assert.Equal(t, "claude", c.Agent.Binary)
	assert.Equal(t, 3*time.Second, c.Agent.StopGrace)
	assert.Equal(t, time.Minute, c.Usage.Interval)
	assert.Equal(t, int64(0), c.Usage.DailyLimit)
	assert.Equal(t, 90*time.Second, c.WS.PingMaxIdle)
}

func TestLoad_YAMLFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CREWDOCK_DATA_DIR", dir)

	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
addr: ":9000"
agent:
  model: claude-sonnet-4-5
  stop_grace: 10s
usage:
  daily_limit: 500000
`), 0o644))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", c.Addr)
	assert.Equal(t, "claude-sonnet-4-5", c.Agent.Model)
	assert.Equal(t, 10*time.Second, c.Agent.StopGrace)
	assert.Equal(t, int64(500000), c.Usage.DailyLimit)
	// Untouched keys keep their defaults.
	assert.Equal(t, "claude", c.Agent.Binary)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("addr: \":9000\"\n"), 0o644))

	t.Setenv("CREWDOCK_DATA_DIR", dir)
	t.Setenv("CREWDOCK_ADDR", ":7000")
	t.Setenv("CREWDOCK_AGENT_STOP_GRACE", "7s")

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7000", c.Addr)
	assert.Equal(t, 7*time.Second, c.Agent.StopGrace)
}

func TestLoad_MissingFileIgnored(t *testing.T) {
	t.Setenv("CREWDOCK_DATA_DIR", t.TempDir())

	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
}

func TestLoad_InvalidValues(t *testing.T) {
	t.Setenv("CREWDOCK_DATA_DIR", t.TempDir())

	t.Setenv("CREWDOCK_ADDR", "")
	_, err := Load("")
	assert.ErrorContains(t, err, "addr")
	t.Setenv("CREWDOCK_ADDR", ":4381")

	t.Setenv("CREWDOCK_USAGE_INTERVAL", "0s")
	_, err = Load("")
	assert.ErrorContains(t, err, "usage.interval")
}

func TestLoad_CreatesDataDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "data")
	t.Setenv("CREWDOCK_DATA_DIR", dir)

	c, err := Load("")
	require.NoError(t, err)
	assert.DirExists(t, dir)
	assert.Equal(t, filepath.Join(dir, "crewdock.db"), c.DBPath())
}
