package plagiarism

import "github.com/kiranshivaraju/scopelens/internal/config"

// ConfigFrom builds processor settings. Lease and stale-job timing are shared
// with the detection dispatcher.
func ConfigFrom(p config.PlagiarismConfig, d config.DispatcherConfig) Config {
	return Config{
		BatchSize:       p.BatchSize,
		ResultsPerQuery: p.ResultsPerQuery,
		RequestInterval: p.RequestInterval,
		MaxRetries:      p.MaxRetries,
		NoRetries:       p.MaxRetries == 0,
		LeaseTTL:        d.LeaseTTL,
		StaleAfter:      d.StaleAfter,
	}
}
