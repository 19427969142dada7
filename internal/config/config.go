// Package config provides configuration management for the autopilot.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	yaml "gopkg.in/yaml.v3"

	"github.com/eddiefleurent/scranton_autopilot/internal/broker"
	"github.com/eddiefleurent/scranton_autopilot/internal/exits"
	"github.com/eddiefleurent/scranton_autopilot/internal/retry"
)

// Defaults applied by Validate when a key is unset.
const (
	defaultLogLevel          = "info"
	defaultLogFormat         = "text"
	defaultProvider          = "tradier"
	defaultStoragePath       = "data/ledger.db"
	defaultExitConcurrency   = 4
	defaultLookbackDays      = 30
	defaultExitCheckInterval = "5m"
	defaultDiscoveryInterval = "15m"
	defaultTimezone          = "America/New_York"
	defaultLockTTL           = "10m"
	defaultDashboardPort     = 8080
	defaultBrokerTimeout     = "10s"
)

// Config represents the complete application configuration.
type Config struct {
	Environment    EnvironmentConfig    `yaml:"environment"`
	Broker         BrokerConfig         `yaml:"broker"`
	Storage        StorageConfig        `yaml:"storage"`
	Exits          ExitsConfig          `yaml:"exits"`
	Discovery      DiscoveryConfig      `yaml:"discovery"`
	Schedule       ScheduleConfig       `yaml:"schedule"`
	Lock           LockConfig           `yaml:"lock"`
	Dashboard      DashboardConfig      `yaml:"dashboard"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Retry          RetryConfig          `yaml:"retry"`
}

// EnvironmentConfig defines the environment settings.
type EnvironmentConfig struct {
	Mode      string `yaml:"mode"`       // paper | live
	LogLevel  string `yaml:"log_level"`  // debug | info | warn | error
	LogFormat string `yaml:"log_format"` // text | json
}

// BrokerConfig defines broker API settings.
type BrokerConfig struct {
	Provider    string `yaml:"provider"`
	APIKey      string `yaml:"api_key"`
	APIEndpoint string `yaml:"api_endpoint"`
	AccountID   string `yaml:"account_id"`
	// UserID owns the ledger rows written for this account. Defaults to
	// the account id.
	UserID  string `yaml:"user_id"`
	Timeout string `yaml:"timeout"`
}

// StorageConfig defines where the ledger lives. ":memory:" keeps it in
// process.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// ExitsConfig selects the exit criteria and how they combine.
type ExitsConfig struct {
	Mode        string            `yaml:"mode"` // any | all
	Concurrency int               `yaml:"concurrency"`
	Criteria    []CriterionConfig `yaml:"criteria"`
}

// CriterionConfig is one entry of exits.criteria. Only the keys relevant
// to Type are read.
type CriterionConfig struct {
	Type              string   `yaml:"type"`
	TargetPercentage  *float64 `yaml:"target_percentage,omitempty"`
	MaxLossPercentage *float64 `yaml:"max_loss_percentage,omitempty"`
	MinDTE            *int     `yaml:"min_dte,omitempty"`
	MaxDTE            *int     `yaml:"max_dte,omitempty"`
	MinHoldingDays    *int     `yaml:"min_holding_days,omitempty"`
	MaxHoldingDays    *int     `yaml:"max_holding_days,omitempty"`
}

// DiscoveryConfig controls position discovery.
type DiscoveryConfig struct {
	Enabled      bool `yaml:"enabled"`
	LookbackDays int  `yaml:"lookback_days"`
}

// ScheduleConfig defines the loop intervals and the market timezone.
type ScheduleConfig struct {
	ExitCheckInterval string `yaml:"exit_check_interval"`
	DiscoveryInterval string `yaml:"discovery_interval"`
	Timezone          string `yaml:"timezone"` // e.g., "America/New_York"
}

// LockConfig configures the discovery lock. An empty RedisAddr selects the
// in-process locker.
type LockConfig struct {
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	TTL           string `yaml:"ttl"`
}

// DashboardConfig configures the HTTP API.
type DashboardConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Port      int    `yaml:"port"`
	AuthToken string `yaml:"auth_token"`
}

// CircuitBreakerConfig configures the broker circuit breaker.
type CircuitBreakerConfig struct {
	MaxRequests  uint32  `yaml:"max_requests"`
	Interval     string  `yaml:"interval"`
	Timeout      string  `yaml:"timeout"`
	MinRequests  uint32  `yaml:"min_requests"`
	FailureRatio float64 `yaml:"failure_ratio"`
}

// RetryConfig configures retries around broker calls.
type RetryConfig struct {
	MaxRetries     *int   `yaml:"max_retries,omitempty"`
	InitialBackoff string `yaml:"initial_backoff"`
	MaxBackoff     string `yaml:"max_backoff"`
	Timeout        string `yaml:"timeout"`
}

// Load reads and parses the configuration file from the specified path.
// A .env file next to it is loaded first; variables already set in the
// environment win.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	envFile := filepath.Join(filepath.Dir(configPath), ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading %s: %w", envFile, err)
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes YAML config data, expanding environment variables, and
// validates the result.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// Validate normalizes defaults and checks that all configuration values are
// valid and consistent.
func (c *Config) Validate() error {
	c.normalize()

	// Environment validation
	if c.Environment.Mode != "paper" && c.Environment.Mode != "live" {
		return fmt.Errorf("environment.mode must be 'paper' or 'live'")
	}
	if _, err := logrus.ParseLevel(c.Environment.LogLevel); err != nil {
		return fmt.Errorf("environment.log_level invalid: %w", err)
	}
	if c.Environment.LogFormat != "text" && c.Environment.LogFormat != "json" {
		return fmt.Errorf("environment.log_format must be 'text' or 'json'")
	}

	// Broker validation
	if c.Broker.Provider != defaultProvider {
		return fmt.Errorf("broker.provider %q is not supported", c.Broker.Provider)
	}
	if c.Broker.APIKey == "" {
		return fmt.Errorf("broker.api_key is required")
	}
	if c.Broker.AccountID == "" {
		return fmt.Errorf("broker.account_id is required")
	}
	if err := positiveDuration("broker.timeout", c.Broker.Timeout); err != nil {
		return err
	}

	// Exit validation
	mode, err := exits.ParseMode(c.Exits.Mode)
	if err != nil {
		return fmt.Errorf("exits.mode: %w", err)
	}
	if c.Exits.Concurrency < 0 {
		return fmt.Errorf("exits.concurrency must be >= 0")
	}
	if len(c.Exits.Criteria) == 0 {
		return fmt.Errorf("exits.criteria must list at least one criterion")
	}
	if _, err := exits.BuildManager(exits.DefaultRegistry(), c.ExitParams(), mode); err != nil {
		return err
	}

	// Discovery validation
	if c.Discovery.LookbackDays < 0 {
		return fmt.Errorf("discovery.lookback_days must be >= 0")
	}

	// Schedule validation
	if err := positiveDuration("schedule.exit_check_interval", c.Schedule.ExitCheckInterval); err != nil {
		return err
	}
	if err := positiveDuration("schedule.discovery_interval", c.Schedule.DiscoveryInterval); err != nil {
		return err
	}
	if _, err := time.LoadLocation(c.Schedule.Timezone); err != nil {
		return fmt.Errorf("schedule.timezone invalid: %w", err)
	}

	// Lock validation
	if err := positiveDuration("lock.ttl", c.Lock.TTL); err != nil {
		return err
	}
	if c.Lock.RedisDB < 0 {
		return fmt.Errorf("lock.redis_db must be >= 0")
	}

	// Dashboard validation
	if c.Dashboard.Enabled && (c.Dashboard.Port <= 0 || c.Dashboard.Port > 65535) {
		return fmt.Errorf("dashboard.port must be between 1 and 65535")
	}

	// Circuit breaker validation
	if c.CircuitBreaker.FailureRatio <= 0 || c.CircuitBreaker.FailureRatio > 1 {
		return fmt.Errorf("circuit_breaker.failure_ratio must be in (0,1]")
	}
	if err := positiveDuration("circuit_breaker.interval", c.CircuitBreaker.Interval); err != nil {
		return err
	}
	if err := positiveDuration("circuit_breaker.timeout", c.CircuitBreaker.Timeout); err != nil {
		return err
	}

	// Retry validation
	if c.Retry.MaxRetries != nil && *c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must be >= 0")
	}
	for _, kv := range [][2]string{
		{"retry.initial_backoff", c.Retry.InitialBackoff},
		{"retry.max_backoff", c.Retry.MaxBackoff},
		{"retry.timeout", c.Retry.Timeout},
	} {
		if err := positiveDuration(kv[0], kv[1]); err != nil {
			return err
		}
	}
	if duration(c.Retry.MaxBackoff) < duration(c.Retry.InitialBackoff) {
		return fmt.Errorf("retry.max_backoff must be >= retry.initial_backoff")
	}

	return nil
}

func (c *Config) normalize() {
	setDefault(&c.Environment.LogLevel, defaultLogLevel)
	setDefault(&c.Environment.LogFormat, defaultLogFormat)
	c.Environment.LogLevel = strings.ToLower(c.Environment.LogLevel)
	c.Environment.LogFormat = strings.ToLower(c.Environment.LogFormat)

	setDefault(&c.Broker.Provider, defaultProvider)
	setDefault(&c.Broker.UserID, c.Broker.AccountID)
	setDefault(&c.Broker.Timeout, defaultBrokerTimeout)

	setDefault(&c.Storage.Path, defaultStoragePath)

	setDefault(&c.Exits.Mode, string(exits.ModeAny))
	if c.Exits.Concurrency == 0 {
		c.Exits.Concurrency = defaultExitConcurrency
	}

	if c.Discovery.LookbackDays == 0 {
		c.Discovery.LookbackDays = defaultLookbackDays
	}

	setDefault(&c.Schedule.ExitCheckInterval, defaultExitCheckInterval)
	setDefault(&c.Schedule.DiscoveryInterval, defaultDiscoveryInterval)
	setDefault(&c.Schedule.Timezone, defaultTimezone)

	setDefault(&c.Lock.TTL, defaultLockTTL)

	if c.Dashboard.Port == 0 {
		c.Dashboard.Port = defaultDashboardPort
	}

	if c.CircuitBreaker.MaxRequests == 0 {
		c.CircuitBreaker.MaxRequests = 3
	}
	setDefault(&c.CircuitBreaker.Interval, "60s")
	setDefault(&c.CircuitBreaker.Timeout, "30s")
	if c.CircuitBreaker.MinRequests == 0 {
		c.CircuitBreaker.MinRequests = 5
	}
	if c.CircuitBreaker.FailureRatio == 0 {
		c.CircuitBreaker.FailureRatio = 0.6
	}

	setDefault(&c.Retry.InitialBackoff, "1s")
	setDefault(&c.Retry.MaxBackoff, "30s")
	setDefault(&c.Retry.Timeout, "2m")
}

func setDefault(field *string, def string) {
	if strings.TrimSpace(*field) == "" {
		*field = def
	}
}

func positiveDuration(key, value string) error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("%s invalid: %w", key, err)
	}
	if d <= 0 {
		return fmt.Errorf("%s must be > 0", key)
	}
	return nil
}

func duration(value string) time.Duration {
	d, _ := time.ParseDuration(value)
	return d
}

// IsPaperTrading returns true if the bot is configured for paper trading.
// Paper trading talks to the Tradier sandbox.
func (c *Config) IsPaperTrading() bool {
	return c.Environment.Mode == "paper"
}

// ExitMode returns the parsed exits.mode, defaulting to any.
func (c *Config) ExitMode() exits.Mode {
	m, err := exits.ParseMode(c.Exits.Mode)
	if err != nil {
		return exits.ModeAny
	}
	return m
}

// ExitParams converts exits.criteria into registry params, in order.
func (c *Config) ExitParams() []exits.Params {
	out := make([]exits.Params, 0, len(c.Exits.Criteria))
	for _, cc := range c.Exits.Criteria {
		p := exits.Params{
			Type: strings.ToLower(strings.TrimSpace(cc.Type)),
			TimeBased: exits.TimeBasedParams{
				MinDTE:         cc.MinDTE,
				MaxDTE:         cc.MaxDTE,
				MinHoldingDays: cc.MinHoldingDays,
				MaxHoldingDays: cc.MaxHoldingDays,
			},
		}
		if cc.TargetPercentage != nil {
			p.TargetPercentage = decimal.NewFromFloat(*cc.TargetPercentage)
		}
		if cc.MaxLossPercentage != nil {
			p.MaxLossPercentage = decimal.NewFromFloat(*cc.MaxLossPercentage)
		}
		out = append(out, p)
	}
	return out
}

// Location returns the market timezone, falling back to a fixed ET offset
// on hosts without zoneinfo.
func (c *Config) Location() *time.Location {
	tz := c.Schedule.Timezone
	if tz == "" {
		tz = defaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.FixedZone("ET", -5*60*60)
	}
	return loc
}

// GetExitCheckInterval returns how often open positions are evaluated.
func (c *Config) GetExitCheckInterval() time.Duration {
	return durationOr(c.Schedule.ExitCheckInterval, 5*time.Minute)
}

// GetDiscoveryInterval returns how often broker activity is imported and
// reconciled.
func (c *Config) GetDiscoveryInterval() time.Duration {
	return durationOr(c.Schedule.DiscoveryInterval, 15*time.Minute)
}

// GetLockTTL returns the discovery lock lease.
func (c *Config) GetLockTTL() time.Duration {
	return durationOr(c.Lock.TTL, 10*time.Minute)
}

// GetBrokerTimeout returns the HTTP timeout for broker calls.
func (c *Config) GetBrokerTimeout() time.Duration {
	return durationOr(c.Broker.Timeout, 10*time.Second)
}

func durationOr(value string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// BreakerSettings converts circuit_breaker into broker settings.
func (c *Config) BreakerSettings(logger logrus.FieldLogger) broker.CircuitBreakerSettings {
	def := broker.DefaultCircuitBreakerSettings
	s := broker.CircuitBreakerSettings{
		Logger:       logger,
		MaxRequests:  c.CircuitBreaker.MaxRequests,
		Interval:     durationOr(c.CircuitBreaker.Interval, def.Interval),
		Timeout:      durationOr(c.CircuitBreaker.Timeout, def.Timeout),
		MinRequests:  c.CircuitBreaker.MinRequests,
		FailureRatio: c.CircuitBreaker.FailureRatio,
	}
	if s.MaxRequests == 0 {
		s.MaxRequests = def.MaxRequests
	}
	if s.MinRequests == 0 {
		s.MinRequests = def.MinRequests
	}
	if s.FailureRatio <= 0 {
		s.FailureRatio = def.FailureRatio
	}
	return s
}

// RetrySettings converts retry into the retry client's config.
func (c *Config) RetrySettings() retry.Config {
	def := retry.DefaultConfig
	rc := retry.Config{
		MaxRetries:     def.MaxRetries,
		InitialBackoff: durationOr(c.Retry.InitialBackoff, def.InitialBackoff),
		MaxBackoff:     durationOr(c.Retry.MaxBackoff, def.MaxBackoff),
		Timeout:        durationOr(c.Retry.Timeout, def.Timeout),
	}
	if c.Retry.MaxRetries != nil {
		rc.MaxRetries = *c.Retry.MaxRetries
	}
	return rc
}
