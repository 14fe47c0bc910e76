package gtopdown

import (
	"errors"
	"time"
)

// Config is the validator-local configuration of the [Poller].
// Consensus-critical values such as the quorum and maximum range
// come from [gchain.ChainParams] instead.
type Config struct {
	PollingInterval time.Duration `mapstructure:"polling-interval"`

	// Each poll is abandoned after this long.
	RequestTimeout time.Duration `mapstructure:"request-timeout"`

	// Retries of a failed parent request within one poll,
	// with exponential backoff starting at RetryBase.
	RetryLimit uint64        `mapstructure:"retry-limit"`
	RetryBase  time.Duration `mapstructure:"retry-base"`

	// Parent heights this close to the finalized head are not yet observed.
	ChainHeadDelay uint64 `mapstructure:"chain-head-delay"`

	MaxCacheBlocks int `mapstructure:"max-cache-blocks"`
}

func DefaultConfig() Config {
	return Config{
		PollingInterval: 2 * time.Second,
		RequestTimeout:  5 * time.Second,
		RetryLimit:      3,
		RetryBase:       200 * time.Millisecond,
		ChainHeadDelay:  0,
		MaxCacheBlocks:  1000,
	}
}

func (c Config) Validate() error {
	var errs []error
	if c.PollingInterval <= 0 {
		errs = append(errs, errors.New("polling-interval must be positive"))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, errors.New("request-timeout must be positive"))
	}
	if c.RetryBase <= 0 {
		errs = append(errs, errors.New("retry-base must be positive"))
	}
	if c.MaxCacheBlocks <= 0 {
		errs = append(errs, errors.New("max-cache-blocks must be positive"))
	}
	return errors.Join(errs...)
}
