package queue

import (
	"github.com/kiranshivaraju/scopelens/internal/config"
	"github.com/kiranshivaraju/scopelens/pkg/models"
)

// ConfigFrom builds the detection-queue dispatcher settings from loaded configuration.
func ConfigFrom(c config.DispatcherConfig) Config {
	return Config{
		Queue:             models.QueueDetection,
		BatchSize:         c.BatchSize,
		MaxPrefetch:       c.MaxPrefetch,
		DefaultMaxRetries: c.DefaultMaxRetries,
		NoRetries:         c.DefaultMaxRetries == 0,
		LeaseTTL:          c.LeaseTTL,
		StaleAfter:        c.StaleAfter,
	}
}
