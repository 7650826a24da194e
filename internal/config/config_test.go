package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/leadgen-engine/internal/config"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, "dev", cfg.AppEnv)
	assert.True(t, cfg.IsDev())
	assert.Equal(t, 35, cfg.VerifyWindowMax)
	assert.Equal(t, 30*time.Second, cfg.VerifyWindow)
	assert.Equal(t, 10*time.Second, cfg.VerifyTimeout)
	assert.Equal(t, 3*time.Second, cfg.DNSQueryTimeout)
	assert.Equal(t, 50, cfg.ScrapeChunkSize)
	assert.Equal(t, time.Hour, cfg.JobVisibilityTimeout)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("APP_ENV", "prod")
	t.Setenv("VERIFY_WINDOW_MAX", "10")
	t.Setenv("KAFKA_BROKERS", "a:9092,b:9092")
	cfg, err := config.Load()
	require.NoError(t, err)
	assert.True(t, cfg.IsProd())
	assert.Equal(t, 10, cfg.VerifyWindowMax)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.KafkaBrokers)
}

func TestLoad_BadDuration(t *testing.T) {
	t.Setenv("VERIFY_WINDOW", "not-a-duration")
	_, err := config.Load()
	require.Error(t, err)
}
