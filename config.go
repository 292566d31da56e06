/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package reqlimit

import (
	"fmt"
	"net/url"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/acronis/go-reqlimit/retry"
)

// DefaultMaxRetry is the number of re-attempts permitted after the first failed attempt
// when PoolConfig.MaxRetry is not set.
const DefaultMaxRetry = 1

// NoRetryAttempts should be used as PoolConfig.MaxRetry value
// when failed requests must not be re-attempted at all.
const NoRetryAttempts = -1

// Scope determines the granularity at which default pools are created.
type Scope string

// Available dispatch scopes.
const (
	ScopeGlobal Scope = "global"
	ScopeDomain Scope = "domain"
	ScopePath   Scope = "path"
)

// IsValid checks if the scope is valid.
func (s Scope) IsValid() bool {
	switch s {
	case ScopeGlobal, ScopeDomain, ScopePath:
		return true
	}
	return false
}

// PoolConfig represents parameters of a single request pool.
// The zero value of each field means "unset", and the documented default is applied.
type PoolConfig struct {
	// MaxConcurrency is the maximum number of requests that may be in-flight simultaneously.
	// 0 means unbounded. If it's unset and Interval is positive, 1 is used.
	MaxConcurrency int `mapstructure:"maxConcurrency"`

	// Interval is the minimum spacing between the start times
	// of the MaxConcurrency most recent admissions. 0 disables spacing.
	Interval time.Duration `mapstructure:"interval"`

	// MaxRetry is the number of re-attempts permitted after the first attempt fails.
	// 0 means DefaultMaxRetry; use NoRetryAttempts to disable re-attempts.
	MaxRetry int `mapstructure:"maxRetry"`

	// Capacity bounds the number of requests that may be waiting or in-flight simultaneously.
	// 0 means an unbounded queue.
	Capacity int `mapstructure:"capacity"`

	// RateLimit is an optional smooth rate limit in requests per second
	// applied at admission in addition to Interval. 0 disables it.
	RateLimit int `mapstructure:"rateLimit"`

	// Burst allows temporary spikes in the admission rate when RateLimit is used.
	// If it's unset, 1 is used.
	Burst int `mapstructure:"burst"`

	// CheckRetry is called after every settled attempt and may force or forbid a retry.
	// When it's nil or returns RetryDecisionDefault, the default policy is applied
	// (see DefaultShouldRetry).
	CheckRetry CheckRetryFunc `mapstructure:"-"`

	// RetryPolicy produces the wait time before a retried request is re-enqueued.
	// When it's nil, retries are re-enqueued immediately.
	RetryPolicy retry.Policy `mapstructure:"-"`
}

// Validate checks the pool configuration for invalid values.
func (c *PoolConfig) Validate() error {
	if c.MaxConcurrency < 0 {
		return fmt.Errorf("max concurrency must not be negative")
	}
	if c.Interval < 0 {
		return fmt.Errorf("interval must not be negative")
	}
	if c.MaxRetry < 0 && c.MaxRetry != NoRetryAttempts {
		return fmt.Errorf("incorrect max retry value")
	}
	if c.Capacity < 0 {
		return fmt.Errorf("capacity must not be negative")
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("rate limit must not be negative")
	}
	if c.Burst < 0 {
		return fmt.Errorf("burst must not be negative")
	}
	return nil
}

// withDefaults returns the effective pool parameters with all documented defaults applied.
func (c PoolConfig) withDefaults() PoolConfig {
	if c.MaxConcurrency == 0 && c.Interval > 0 {
		c.MaxConcurrency = 1
	}
	switch c.MaxRetry {
	case 0:
		c.MaxRetry = DefaultMaxRetry
	case NoRetryAttempts:
		c.MaxRetry = 0
	}
	if c.RateLimit > 0 && c.Burst == 0 {
		c.Burst = 1
	}
	return c
}

// mergePoolConfig fills unset fields of the override config from the base one.
func mergePoolConfig(base, override PoolConfig) PoolConfig {
	if override.MaxConcurrency == 0 {
		override.MaxConcurrency = base.MaxConcurrency
	}
	if override.Interval == 0 {
		override.Interval = base.Interval
	}
	if override.MaxRetry == 0 {
		override.MaxRetry = base.MaxRetry
	}
	if override.Capacity == 0 {
		override.Capacity = base.Capacity
	}
	if override.RateLimit == 0 {
		override.RateLimit = base.RateLimit
	}
	if override.Burst == 0 {
		override.Burst = base.Burst
	}
	if override.CheckRetry == nil {
		override.CheckRetry = base.CheckRetry
	}
	if override.RetryPolicy == nil {
		override.RetryPolicy = base.RetryPolicy
	}
	return override
}

// Config represents options for the dispatcher configuration.
type Config struct {
	// Scope determines the granularity of lazily created default pools:
	// one pool for all traffic (global), one per host (domain), or one per origin+path (path).
	// If it's unset, ScopeGlobal is used.
	Scope Scope `mapstructure:"scope"`

	// BaseURL is used for resolving relative targets. May be empty.
	BaseURL string `mapstructure:"baseURL"`

	// MaxDefaultPools bounds the registry of lazily created default pools,
	// evicting the least recently used ones. 0 means unbounded.
	MaxDefaultPools int `mapstructure:"maxDefaultPools"`

	// Defaults is the pool configuration used for default pools
	// and for filling unset fields of per-rule pool configurations.
	Defaults PoolConfig `mapstructure:"defaults"`

	// Rules is a list of routing rules applied at construction time.
	// More rules may be added later with Dispatcher.Configure.
	Rules []Rule `mapstructure:"rules"`
}

// Validate checks the dispatcher configuration.
func (c *Config) Validate() error {
	if c.Scope != "" && !c.Scope.IsValid() {
		return fmt.Errorf("invalid scope %q, choose one of: [global, domain, path]", c.Scope)
	}
	if c.BaseURL != "" {
		u, err := url.Parse(c.BaseURL)
		if err != nil {
			return fmt.Errorf("parse base URL: %w", err)
		}
		if !u.IsAbs() {
			return fmt.Errorf("base URL %q must be absolute", c.BaseURL)
		}
	}
	if c.MaxDefaultPools < 0 {
		return fmt.Errorf("max default pools must not be negative")
	}
	if err := c.Defaults.Validate(); err != nil {
		return fmt.Errorf("defaults: %w", err)
	}
	for i := range c.Rules {
		if err := c.Rules[i].Validate(); err != nil {
			return fmt.Errorf("rule #%d: %w", i, err)
		}
	}
	return nil
}

// ConfigFromFile reads and validates the dispatcher configuration from the given file.
// YAML and JSON formats are supported, the format is detected by the file extension.
func ConfigFromFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return ConfigFromViper(v)
}

// ConfigFromViper unmarshals and validates the dispatcher configuration
// from the given viper instance.
func ConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	decodeHook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, decodeHook); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
