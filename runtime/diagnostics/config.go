package diagnostics

import (
	"errors"
	"time"
)

type (
	// Config bounds run lifetimes and the provider sync wait.
	Config struct {
		// CurrentRunTTL is how long a run stays the current run of its
		// calendar. Triggers within this window return the same run.
		CurrentRunTTL time.Duration `yaml:"current_run_ttl"`
		// ResultsTTL is how long run status and events are kept after the
		// last write.
		ResultsTTL time.Duration `yaml:"results_ttl"`
		// ProviderSyncWait bounds polling for the synthetic event to come
		// back from the provider.
		ProviderSyncWait ProviderSyncWait `yaml:"provider_sync_wait"`
	}

	// ProviderSyncWait is an attempt budget with a fixed delay.
	ProviderSyncWait struct {
		Attempts int           `yaml:"attempts"`
		Delay    time.Duration `yaml:"delay"`
	}
)

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		CurrentRunTTL: 10 * time.Minute,
		ResultsTTL:    24 * time.Hour,
		ProviderSyncWait: ProviderSyncWait{
			Attempts: 12,
			Delay:    10 * time.Second,
		},
	}
}

// Validate checks c for values the engine cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.CurrentRunTTL <= 0 {
		errs = append(errs, errors.New("current run TTL must be positive"))
	}
	if c.ResultsTTL <= 0 {
		errs = append(errs, errors.New("results TTL must be positive"))
	}
	if c.ProviderSyncWait.Attempts < 1 {
		errs = append(errs, errors.New("provider sync wait attempts must be at least 1"))
	}
	if c.ProviderSyncWait.Delay < 0 {
		errs = append(errs, errors.New("provider sync wait delay must not be negative"))
	}
	return errors.Join(errs...)
}
