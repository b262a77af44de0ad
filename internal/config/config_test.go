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

	assert.Equal(t, "8080", cfg.ServerPort)
	assert.Equal(t, 0.85, cfg.SimilarityThreshold)
	assert.Equal(t, 1000, cfg.CacheCapacity)
	assert.Equal(t, 7*24*time.Hour, cfg.CacheTTL)
	assert.Equal(t, 2, cfg.UpstreamRetries)
	assert.Equal(t, 60*time.Second, cfg.UpstreamTimeout)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("SIMILARITY_THRESHOLD", "0.9")
	t.Setenv("CACHE_CAPACITY", "50")
	t.Setenv("CACHE_TTL", "1h")
	t.Setenv("UPSTREAM_RETRIES", "5")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 0.9, cfg.SimilarityThreshold)
	assert.Equal(t, 50, cfg.CacheCapacity)
	assert.Equal(t, time.Hour, cfg.CacheTTL)
	assert.Equal(t, 5, cfg.UpstreamRetries)
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("SIMILARITY_THRESHOLD", "1.5")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoadRejectsNegativeRetries(t *testing.T) {
	t.Setenv("UPSTREAM_RETRIES", "-1")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoadRejectsUnparseable(t *testing.T) {
	t.Setenv("CACHE_CAPACITY", "many")
	_, err := Load()
	assert.Error(t, err)
}
