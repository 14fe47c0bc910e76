package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/gordian-engine/gsubnet/gbottomup"
	"github.com/gordian-engine/gsubnet/ginterp"
	"github.com/gordian-engine/gsubnet/gstate"
	"github.com/gordian-engine/gsubnet/gtopdown"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// NodeConfig is the full configuration of the run command.
// Every field may be set in the config file;
// the top-level ones also have flags and GSUBNET_ environment variables.
type NodeConfig struct {
	Home     string `mapstructure:"home"`
	InMemory bool   `mapstructure:"in-memory"`

	ParentURL   string `mapstructure:"parent-url"`
	QueryAddr   string `mapstructure:"query-addr"`
	MetricsAddr string `mapstructure:"metrics-addr"`

	BlockInterval time.Duration `mapstructure:"block-interval"`

	Interp   ginterp.Config     `mapstructure:"interp"`
	Topdown  gtopdown.Config    `mapstructure:"topdown"`
	Bottomup gbottomup.Config   `mapstructure:"bottomup"`
	State    gstate.Config      `mapstructure:"state"`
	KVRetry  gstate.RetryConfig `mapstructure:"kv-retry"`
}

func DefaultNodeConfig() NodeConfig {
	return NodeConfig{
		Home: "gsubnet-data",

		ParentURL:   "http://127.0.0.1:26650/rpc",
		QueryAddr:   "127.0.0.1:26657",
		MetricsAddr: "127.0.0.1:26660",

		BlockInterval: time.Second,

		Interp:   ginterp.DefaultConfig(),
		Topdown:  gtopdown.DefaultConfig(),
		Bottomup: gbottomup.DefaultConfig(),
		State:    gstate.DefaultConfig(),
		KVRetry:  gstate.DefaultRetryConfig(),
	}
}

func (c NodeConfig) Validate() error {
	var errs error
	if c.Home == "" && !c.InMemory {
		errs = errors.Join(errs, errors.New("home must be set unless in-memory"))
	}
	if c.ParentURL == "" {
		errs = errors.Join(errs, errors.New("parent-url must be set"))
	}
	if c.BlockInterval <= 0 {
		errs = errors.Join(errs, fmt.Errorf("block-interval must be positive (got %s)", c.BlockInterval))
	}
	for _, sub := range []struct {
		name string
		err  error
	}{
		{"interp", c.Interp.Validate()},
		{"topdown", c.Topdown.Validate()},
		{"bottomup", c.Bottomup.Validate()},
		{"state", c.State.Validate()},
		{"kv-retry", c.KVRetry.Validate()},
	} {
		if sub.err != nil {
			errs = errors.Join(errs, fmt.Errorf("%s: %w", sub.name, sub.err))
		}
	}
	return errs
}

// addNodeFlags registers the flags for the top-level NodeConfig fields.
func addNodeFlags(fs *pflag.FlagSet) {
	d := DefaultNodeConfig()
	fs.String("config", "", "Path to a YAML, TOML or JSON config file")
	fs.String("home", d.Home, "Directory for the state database and block store")
	fs.Bool("in-memory", false, "Keep all data in memory; nothing survives a restart")
	fs.String("parent-url", d.ParentURL, "JSON-RPC endpoint of the parent chain")
	fs.String("query-addr", d.QueryAddr, "Listen address of the query HTTP server; empty disables it")
	fs.String("metrics-addr", d.MetricsAddr, "Listen address of the Prometheus metrics server; empty disables it")
	fs.Duration("block-interval", d.BlockInterval, "Time between produced blocks")
}

// loadNodeConfig layers the config file, environment and flags over the defaults.
func loadNodeConfig(v *viper.Viper, fs *pflag.FlagSet) (NodeConfig, error) {
	if err := v.BindPFlags(fs); err != nil {
		return NodeConfig{}, fmt.Errorf("failed to bind flags: %w", err)
	}

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return NodeConfig{}, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := DefaultNodeConfig()
	if err := v.Unmarshal(&cfg); err != nil {
		return NodeConfig{}, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return NodeConfig{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
