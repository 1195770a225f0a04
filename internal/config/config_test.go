package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8000, cfg.HubPort)
	assert.Equal(t, "custom-minimal-notebook:latest", cfg.NotebookImage)
	assert.Equal(t, "never", cfg.ImagePullPolicy)
	assert.Equal(t, int64(8*1024*1024*1024), cfg.MemLimitBytes)
	assert.Equal(t, 3.0, cfg.CPULimit)
	assert.Equal(t, 8, cfg.MinPasswordLength)
	assert.True(t, cfg.EnableSignup)
	assert.True(t, cfg.OpenSignup)
	assert.Equal(t, []string{"instructor"}, cfg.AdminUsers)
	assert.Equal(t, time.Hour, cfg.CullIdleTimeout)
	assert.True(t, cfg.CleanupOnShutdown)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("NOTEBOOK_IMAGE", "jupyter/scipy-notebook:latest")
	t.Setenv("NOTEBOOK_MEM_LIMIT", "512M")
	t.Setenv("NOTEBOOK_CPU_LIMIT", "0.5")
	t.Setenv("IMAGE_PULL_POLICY", "missing")
	t.Setenv("ADMIN_USERS", "ada, grace")
	t.Setenv("OPEN_SIGNUP", "false")
	t.Setenv("CULL_IDLE_TIMEOUT", "30m")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.HubPort)
	assert.Equal(t, "jupyter/scipy-notebook:latest", cfg.NotebookImage)
	assert.Equal(t, int64(512*1024*1024), cfg.MemLimitBytes)
	assert.Equal(t, 0.5, cfg.CPULimit)
	assert.Equal(t, "missing", cfg.ImagePullPolicy)
	assert.Equal(t, []string{"ada", "grace"}, cfg.AdminUsers)
	assert.False(t, cfg.OpenSignup)
	assert.Equal(t, 30*time.Minute, cfg.CullIdleTimeout)
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("NOTEBOOK_MEM_LIMIT", "lots")
	_, err := Load()
	require.Error(t, err)
}

func TestLoadRejectsBadPullPolicy(t *testing.T) {
	t.Setenv("IMAGE_PULL_POLICY", "sometimes")
	_, err := Load()
	require.Error(t, err)
}

func TestLoadRejectsNonPositiveCPULimit(t *testing.T) {
	t.Setenv("NOTEBOOK_CPU_LIMIT", "0")
	_, err := Load()
	require.Error(t, err)
}
