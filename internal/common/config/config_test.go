package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chdir mirrors testing.T.Chdir (Go 1.24+), which is unavailable on the
// Go 1.21 toolchain used to build this module.
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() {
		if err := os.Chdir(prev); err != nil {
			t.Errorf("restore working directory: %v", err)
		}
	})
}

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 7420, cfg.Server.Port)
	assert.Equal(t, "claude", cfg.Session.Binary)
	assert.Equal(t, 8, cfg.Session.GracefulStopTimeout)
	assert.Equal(t, 30, cfg.Session.HeartbeatInterval)
	assert.Empty(t, cfg.NATS.URL, "memory bus by default")
}

func TestLoadEnvOverride(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("ELEMENTAL_SERVER_PORT", "9000")
	t.Setenv("ELEMENTAL_SESSION_BINARY", "/usr/local/bin/claude")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "/usr/local/bin/claude", cfg.Session.Binary)
}

func TestValidateRejectsBadValues(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("ELEMENTAL_SERVER_PORT", "99999")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port")
}

func TestWorkspacePaths(t *testing.T) {
	root := t.TempDir()
	ws := WorkspaceConfig{Root: root}

	stateDir, err := ws.StateDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, WorkspaceDirName), stateDir)

	dbPath, err := ws.DatabasePath()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(stateDir, "elemental.db"), dbPath)

	lockPath, err := ws.LockPath()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(stateDir, "daemon.lock"), lockPath)
}
