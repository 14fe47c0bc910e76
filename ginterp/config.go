package ginterp

import (
	"errors"
	"fmt"
	"time"

	"github.com/gordian-engine/gsubnet/gmempool"
)

// Config is the node-local configuration of the interpreter.
// Consensus-critical limits live in [gchain.ChainParams] instead.
type Config struct {
	Mempool gmempool.Config `mapstructure:"mempool"`

	// Reported to the consensus engine as the lowest height to retain.
	// Zero retains every block.
	RetainBlocks uint64 `mapstructure:"retain-blocks"`

	// Capacity of the checkpoint and certificate notification channels.
	NotifyBuffer int `mapstructure:"notify-buffer"`

	// How often the watchdog polls the App kernel.
	WatchdogInterval time.Duration `mapstructure:"watchdog-interval"`

	// How long the kernel may take to answer the watchdog,
	// which includes finishing any block it is executing.
	WatchdogTimeout time.Duration `mapstructure:"watchdog-timeout"`
}

func DefaultConfig() Config {
	return Config{
		Mempool:          gmempool.DefaultConfig(),
		NotifyBuffer:     16,
		WatchdogInterval: 10 * time.Second,
		WatchdogTimeout:  2 * time.Minute,
	}
}

func (c Config) Validate() error {
	var errs []error
	if err := c.Mempool.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.NotifyBuffer <= 0 {
		errs = append(errs, errors.New("notify-buffer must be positive"))
	}
	if c.WatchdogInterval <= 0 || c.WatchdogTimeout <= 0 {
		errs = append(errs, fmt.Errorf(
			"watchdog interval and timeout must be positive (got %s, %s)",
			c.WatchdogInterval, c.WatchdogTimeout,
		))
	}
	return errors.Join(errs...)
}
