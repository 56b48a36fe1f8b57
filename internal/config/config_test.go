package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/tsunagi/internal/config"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("TSUNAGI_UPSTREAM_URL", "http://upstream.internal")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 60*time.Second, cfg.UpstreamTimeout)
	assert.Equal(t, 3, cfg.UpstreamRetries)
	assert.Equal(t, 1*time.Second, cfg.UpstreamBackoff)
	assert.Equal(t, 15*time.Minute, cfg.SchedulerInterval)
	assert.Equal(t, 10, cfg.RunRateLimit)
	assert.Equal(t, 5, cfg.JobMaxAttempts)
	assert.Equal(t, int64(1<<20), cfg.MaxRequestBodyBytes)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("TSUNAGI_UPSTREAM_URL", "http://upstream.internal")
	t.Setenv("TSUNAGI_PORT", "9090")
	t.Setenv("TSUNAGI_UPSTREAM_TIMEOUT", "30s")
	t.Setenv("TSUNAGI_SCHEDULER_INTERVAL", "5m")
	t.Setenv("TSUNAGI_RUN_RATE_LIMIT", "25")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, 30*time.Second, cfg.UpstreamTimeout)
	assert.Equal(t, 5*time.Minute, cfg.SchedulerInterval)
	assert.Equal(t, 25, cfg.RunRateLimit)
}

func TestLoadRequiresUpstreamURL(t *testing.T) {
	t.Setenv("TSUNAGI_UPSTREAM_URL", "")

	_, err := config.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TSUNAGI_UPSTREAM_URL")
}

func TestValidateBounds(t *testing.T) {
	t.Setenv("TSUNAGI_UPSTREAM_URL", "http://upstream.internal")

	t.Setenv("TSUNAGI_SCHEDULER_INTERVAL", "10s")
	_, err := config.Load()
	assert.Error(t, err, "sub-minute scheduler cadence must be rejected")

	t.Setenv("TSUNAGI_SCHEDULER_INTERVAL", "15m")
	t.Setenv("TSUNAGI_UPSTREAM_RETRIES", "0")
	_, err = config.Load()
	assert.Error(t, err, "zero retries must be rejected")
}

func TestStreamTimeout(t *testing.T) {
	t.Setenv("TSUNAGI_UPSTREAM_URL", "http://upstream.internal")
	t.Setenv("TSUNAGI_UPSTREAM_TIMEOUT", "45s")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, cfg.StreamTimeout())
}
