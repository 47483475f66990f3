// Package config loads and watches the groupcast configuration file.
//
// JSON and YAML are both accepted; YAML is coerced to JSON so one strict
// decoder (DisallowUnknownFields) covers both. All durations are Go
// duration strings ("500ms", "10s", "1h").
package config

import (
	"errors"
	"fmt"

	"groupcast/internal/access"
	"groupcast/internal/delivery"
	"groupcast/internal/maintenance"
	"groupcast/internal/ratelimit"
	"groupcast/internal/storage"
	logx "groupcast/pkg/logx"
)

type Config struct {
	Logging     LoggingConfig     `json:"logging"`
	Storage     StorageConfig     `json:"storage"`
	RateLimit   RateLimitConfig   `json:"rate_limit"`
	Access      AccessConfig      `json:"access,omitempty"`
	Delivery    DeliveryConfig    `json:"delivery,omitempty"`
	Feed        FeedConfig        `json:"feed,omitempty"`
	Maintenance MaintenanceConfig `json:"maintenance,omitempty"`
	Accounts    []AccountConfig   `json:"accounts"`
}

type LoggingConfig struct {
	Level   string `json:"level,omitempty"`
	Console *bool  `json:"console,omitempty"`
	File    struct {
		Enabled bool   `json:"enabled,omitempty"`
		Path    string `json:"path,omitempty"`
	} `json:"file,omitempty"`
}

type StorageConfig struct {
	Driver      string `json:"driver,omitempty"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type RateLimitConfig struct {
	MaxPerSecond int    `json:"max_per_second,omitempty"`
	MaxPerHour   int    `json:"max_per_hour,omitempty"`
	MaxPerDay    int    `json:"max_per_day,omitempty"`
	MinDelay     string `json:"min_delay,omitempty"`
	MaxDelay     string `json:"max_delay,omitempty"`
	Retention    string `json:"retention,omitempty"`
}

type AccessConfig struct {
	JoinCooldown string `json:"join_cooldown,omitempty"`
}

type DeliveryConfig struct {
	OutboundPerSecond float64 `json:"outbound_per_second,omitempty"`
	OutboundBurst     int     `json:"outbound_burst,omitempty"`
}

type FeedConfig struct {
	PollInterval string `json:"poll_interval,omitempty"`
	PollLimit    int    `json:"poll_limit,omitempty"`
}

type MaintenanceConfig struct {
	PruneSpec  string `json:"prune_spec,omitempty"`
	HealthSpec string `json:"health_spec,omitempty"`
	JobTimeout string `json:"job_timeout,omitempty"`
}

// AccountConfig binds a pool account to its platform credentials.
type AccountConfig struct {
	ID       string `json:"id"`
	Phone    string `json:"phone,omitempty"`
	Username string `json:"username,omitempty"`
	Token    string `json:"token"`
}

// Validate checks the parts a typo would otherwise surface at runtime.
func (c *Config) Validate() error {
	seen := make(map[string]struct{}, len(c.Accounts))
	for i, a := range c.Accounts {
		if a.ID == "" {
			return fmt.Errorf("accounts[%d]: id is required", i)
		}
		if a.Token == "" {
			return fmt.Errorf("accounts[%d] (%s): token is required", i, a.ID)
		}
		if _, dup := seen[a.ID]; dup {
			return fmt.Errorf("accounts[%d]: duplicate id %q", i, a.ID)
		}
		seen[a.ID] = struct{}{}
	}
	if len(c.Accounts) == 0 {
		return errors.New("at least one account is required")
	}
	return nil
}

// ---- conversions into component configs ----

func (c *Config) Logx() logx.Config {
	console := true
	if c.Logging.Console != nil {
		console = *c.Logging.Console
	}
	return logx.Config{
		Level:   c.Logging.Level,
		Console: console,
		File: logx.FileConfig{
			Enabled: c.Logging.File.Enabled,
			Path:    c.Logging.File.Path,
		},
	}
}

func (c *Config) StorageConfig() (storage.Config, error) {
	busy, err := parseDuration("storage.busy_timeout", c.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      c.Storage.Driver,
		Path:        c.Storage.Path,
		BusyTimeout: busy,
	}, nil
}

func (c *Config) RateLimitConfig() (ratelimit.Config, error) {
	minDelay, err := parseDuration("rate_limit.min_delay", c.RateLimit.MinDelay)
	if err != nil {
		return ratelimit.Config{}, err
	}
	maxDelay, err := parseDuration("rate_limit.max_delay", c.RateLimit.MaxDelay)
	if err != nil {
		return ratelimit.Config{}, err
	}
	retention, err := parseDuration("rate_limit.retention", c.RateLimit.Retention)
	if err != nil {
		return ratelimit.Config{}, err
	}
	return ratelimit.Config{
		MaxPerSecond: c.RateLimit.MaxPerSecond,
		MaxPerHour:   c.RateLimit.MaxPerHour,
		MaxPerDay:    c.RateLimit.MaxPerDay,
		MinDelay:     minDelay,
		MaxDelay:     maxDelay,
		Retention:    retention,
	}, nil
}

func (c *Config) AccessConfig() (access.Config, error) {
	cooldown, err := parseDuration("access.join_cooldown", c.Access.JoinCooldown)
	if err != nil {
		return access.Config{}, err
	}
	return access.Config{JoinCooldown: cooldown}, nil
}

func (c *Config) DeliveryConfig() delivery.Config {
	return delivery.Config{
		OutboundPerSecond: c.Delivery.OutboundPerSecond,
		OutboundBurst:     c.Delivery.OutboundBurst,
	}
}

func (c *Config) WatchConfig() (delivery.WatchConfig, error) {
	poll, err := parseDuration("feed.poll_interval", c.Feed.PollInterval)
	if err != nil {
		return delivery.WatchConfig{}, err
	}
	return delivery.WatchConfig{
		PollInterval: poll,
		PollLimit:    c.Feed.PollLimit,
	}, nil
}

func (c *Config) MaintenanceConfig() (maintenance.Config, error) {
	timeout, err := parseDuration("maintenance.job_timeout", c.Maintenance.JobTimeout)
	if err != nil {
		return maintenance.Config{}, err
	}
	return maintenance.Config{
		PruneSpec:  c.Maintenance.PruneSpec,
		HealthSpec: c.Maintenance.HealthSpec,
		JobTimeout: timeout,
	}, nil
}
