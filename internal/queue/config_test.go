package queue

import (
	"testing"
	"time"

	"github.com/kiranshivaraju/scopelens/internal/config"
	"github.com/kiranshivaraju/scopelens/pkg/models"
	"github.com/stretchr/testify/assert"
)

func TestConfigFrom(t *testing.T) {
	cfg := ConfigFrom(config.DispatcherConfig{
		BatchSize: 20, MaxPrefetch: 100, DefaultMaxRetries: 5,
		LeaseTTL: time.Minute, StaleAfter: time.Hour,
	}).withDefaults()

	assert.Equal(t, models.QueueDetection, cfg.Queue)
	assert.Equal(t, 20, cfg.BatchSize)
	assert.Equal(t, 100, cfg.MaxPrefetch)
	assert.Equal(t, 5, cfg.DefaultMaxRetries)
	assert.False(t, cfg.NoRetries)
	assert.Equal(t, time.Minute, cfg.LeaseTTL)
	assert.Equal(t, time.Hour, cfg.StaleAfter)
}

func TestConfigFrom_ZeroRetriesMeansNone(t *testing.T) {
	cfg := ConfigFrom(config.DispatcherConfig{DefaultMaxRetries: 0}).withDefaults()

	assert.True(t, cfg.NoRetries)
	assert.Zero(t, cfg.DefaultMaxRetries)
}

func TestWithDefaults_ZeroValueRetriesThreeTimes(t *testing.T) {
	cfg := Config{}.withDefaults()

	assert.Equal(t, 3, cfg.DefaultMaxRetries)
	assert.Equal(t, 50, cfg.BatchSize)
	assert.Equal(t, 500, cfg.MaxPrefetch)
	assert.Equal(t, 10*time.Minute, cfg.LeaseTTL)
}
