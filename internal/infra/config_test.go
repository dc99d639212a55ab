package infra

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logger:\n  level: debug\n"), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 100*time.Millisecond, cfg.Engine.Deadline)
	assert.Equal(t, 0.5, cfg.Engine.ScorerWeight)
	assert.Equal(t, 30.0, cfg.Engine.ApproveThreshold)
	assert.Equal(t, 50.0, cfg.Engine.ReviewThreshold)
	assert.Equal(t, 10, cfg.Rollout.Step)
	assert.Equal(t, 3, cfg.Rollout.MaxViolations)
	assert.Equal(t, "debug", cfg.Logger.Level)
}

func TestLoadConfigFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
engine:
  approve_threshold: 20
  review_threshold: 60
geo:
  networks:
    - cidr: 10.0.0.0/8
      country: DE
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	t.Setenv("ENGINE_DEADLINE", "50ms")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 50*time.Millisecond, cfg.Engine.Deadline)
	assert.Equal(t, 20.0, cfg.Engine.ApproveThreshold)
	assert.Equal(t, map[string]string{"10.0.0.0/8": "DE"}, cfg.Geo.Table())
}

func TestValidateRejectsInvertedThresholds(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := "engine:\n  approve_threshold: 70\n  review_threshold: 40\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}
