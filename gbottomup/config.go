package gbottomup

import (
	"errors"
	"time"
)

// Config is the validator-local configuration of the [Relayer].
type Config struct {
	// Each submission attempt is abandoned after this long.
	SubmitTimeout time.Duration `mapstructure:"submit-timeout"`

	// Failed submissions back off exponentially from RetryBase up to RetryMax,
	// retrying until they succeed.
	RetryBase time.Duration `mapstructure:"retry-base"`
	RetryMax  time.Duration `mapstructure:"retry-max"`

	// How often the store is rescanned for unsubmitted certificates
	// in the absence of notifications.
	ScanInterval time.Duration `mapstructure:"scan-interval"`
}

func DefaultConfig() Config {
	return Config{
		SubmitTimeout: 10 * time.Second,
		RetryBase:     500 * time.Millisecond,
		RetryMax:      30 * time.Second,
		ScanInterval:  time.Minute,
	}
}

func (c Config) Validate() error {
	var errs []error
	if c.SubmitTimeout <= 0 {
		errs = append(errs, errors.New("submit-timeout must be positive"))
	}
	if c.RetryBase <= 0 {
		errs = append(errs, errors.New("retry-base must be positive"))
	}
	if c.RetryMax < c.RetryBase {
		errs = append(errs, errors.New("retry-max must be at least retry-base"))
	}
	if c.ScanInterval <= 0 {
		errs = append(errs, errors.New("scan-interval must be positive"))
	}
	return errors.Join(errs...)
}
