package eventproc

import (
	"fmt"
	"time"

	"github.com/streamhub/eventproc/types"
)

// Config is the configuration for an EventProcessor.
//
// All duration fields accept standard Go duration strings like "30s", "5m"
// when unmarshaled from YAML.
type Config struct {
	// TickInterval is how often the control loop runs one load-balancing
	// tick (snapshot ownership, claim at most one partition, sleep).
	// Recommended: 10 seconds.
	TickInterval time.Duration `yaml:"tickInterval"`

	// OwnershipExpiry is how long an ownership record stays active after its
	// last write. Records older than this count as abandoned and become
	// claimable by any processor. This aging is the sole failure-detection
	// signal; there are no heartbeats.
	// Recommended: 60 seconds (several ticks plus checkpoint cadence).
	OwnershipExpiry time.Duration `yaml:"ownershipExpiry"`

	// MaxBatchSize is the maximum number of events requested per receive.
	// Recommended: 32.
	MaxBatchSize int `yaml:"maxBatchSize"`

	// MaxWaitTime is the longest a receive waits before returning an empty
	// batch. Empty batches are still dispatched to the handler.
	// Recommended: 60 seconds.
	MaxWaitTime time.Duration `yaml:"maxWaitTime"`

	// ClaimTimeout bounds a single ClaimOwnership store call.
	// Recommended: 10 seconds.
	ClaimTimeout time.Duration `yaml:"claimTimeout"`

	// ShutdownTimeout is the maximum time Stop waits for pumps and the
	// control loop to finish when the caller's context has no deadline.
	// Recommended: 10 seconds.
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`

	// InitialPosition is where a pump starts on a partition that has no
	// checkpoint yet. Defaults to earliest.
	InitialPosition types.StartPosition `yaml:"-"`
}

// DefaultConfig returns a Config with production defaults.
func DefaultConfig() Config {
	return Config{
		TickInterval:    10 * time.Second,
		OwnershipExpiry: 60 * time.Second,
		MaxBatchSize:    32,
		MaxWaitTime:     60 * time.Second,
		ClaimTimeout:    10 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		InitialPosition: types.Earliest(),
	}
}

// SetDefaults fills in missing configuration values with production defaults.
//
// Parameters:
//   - cfg: Config to apply defaults to (modified in place)
func SetDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.TickInterval == 0 {
		cfg.TickInterval = defaults.TickInterval
	}
	if cfg.OwnershipExpiry == 0 {
		cfg.OwnershipExpiry = defaults.OwnershipExpiry
	}
	if cfg.MaxBatchSize == 0 {
		cfg.MaxBatchSize = defaults.MaxBatchSize
	}
	if cfg.MaxWaitTime == 0 {
		cfg.MaxWaitTime = defaults.MaxWaitTime
	}
	if cfg.ClaimTimeout == 0 {
		cfg.ClaimTimeout = defaults.ClaimTimeout
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = defaults.ShutdownTimeout
	}
	// InitialPosition zero value is already Earliest.
}

// Validate checks configuration constraints and returns an error for invalid
// values.
//
// Rules:
//   - TickInterval > 0
//   - OwnershipExpiry > TickInterval (a tick must fit inside the expiry
//     window, otherwise every owner looks abandoned between its own ticks)
//   - MaxBatchSize >= 1
//   - MaxWaitTime > 0
//   - ClaimTimeout > 0
func (cfg *Config) Validate() error {
	if cfg.TickInterval <= 0 {
		return fmt.Errorf("TickInterval must be > 0, got %v", cfg.TickInterval)
	}

	if cfg.OwnershipExpiry <= cfg.TickInterval {
		return fmt.Errorf(
			"OwnershipExpiry (%v) must be > TickInterval (%v) so live owners don't expire between ticks",
			cfg.OwnershipExpiry, cfg.TickInterval,
		)
	}

	if cfg.MaxBatchSize < 1 {
		return fmt.Errorf("MaxBatchSize must be >= 1, got %d", cfg.MaxBatchSize)
	}

	if cfg.MaxWaitTime <= 0 {
		return fmt.Errorf("MaxWaitTime must be > 0, got %v", cfg.MaxWaitTime)
	}

	if cfg.ClaimTimeout <= 0 {
		return fmt.Errorf("ClaimTimeout must be > 0, got %v", cfg.ClaimTimeout)
	}

	return nil
}

// TestConfig returns a configuration optimized for fast test execution.
//
// Loop timings (tick interval, ownership expiry, receive wait) are several
// hundred to about a thousand times shorter than the production defaults so
// scenario tests converge in milliseconds; the claim and shutdown timeouts
// are shortened 5-10x. MaxBatchSize is 1 so tests observe per-event
// dispatch. Use DefaultConfig() for production deployments.
func TestConfig() Config {
	cfg := DefaultConfig()

	cfg.TickInterval = 10 * time.Millisecond
	cfg.OwnershipExpiry = 100 * time.Millisecond
	cfg.MaxBatchSize = 1
	cfg.MaxWaitTime = 50 * time.Millisecond
	cfg.ClaimTimeout = time.Second
	cfg.ShutdownTimeout = 2 * time.Second

	return cfg
}
