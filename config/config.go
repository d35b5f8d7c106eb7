// Package config loads service settings from flags, environment and an optional YAML file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"gamedaylive/lifecycle"
	"gamedaylive/poll"
	"gamedaylive/retrypolicy"
)

// EnvPrefix prefixes every environment variable, e.g. GAMEDAY_REDDIT_CLIENT_ID.
const EnvPrefix = "GAMEDAY"

// Config is the validated service configuration.
type Config struct {
	Debug    bool   `mapstructure:"debug"`
	LogLevel string `mapstructure:"log_level"`
	Port     string `mapstructure:"port"`
	BaseURL  string `mapstructure:"base_url"`
	APIToken string `mapstructure:"api_token"`

	// AllowedCommunities limits which communities may save a config. Empty allows any.
	AllowedCommunities []string `mapstructure:"allowed_communities"`

	Storage   StorageConfig   `mapstructure:"storage"`
	NHL       NHLConfig       `mapstructure:"nhl"`
	Reddit    RedditConfig    `mapstructure:"reddit"`
	Email     EmailConfig     `mapstructure:"email"`
	Lifecycle LifecycleConfig `mapstructure:"lifecycle"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
}

// StorageConfig picks the durable store. A bucket selects GCS, otherwise SQLite.
type StorageConfig struct {
	Bucket     string `mapstructure:"bucket"`
	Prefix     string `mapstructure:"prefix"`
	SQLitePath string `mapstructure:"sqlite_path"`
}

// NHLConfig points at the sports data API.
type NHLConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// RedditConfig holds script-app credentials. Empty credentials select the in-memory host.
type RedditConfig struct {
	ClientID     string        `mapstructure:"client_id"`
	ClientSecret string        `mapstructure:"client_secret"`
	Username     string        `mapstructure:"username"`
	Password     string        `mapstructure:"password"`
	UserAgent    string        `mapstructure:"user_agent"`
	BaseURL      string        `mapstructure:"base_url"`
	TokenURL     string        `mapstructure:"token_url"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// Mock reports whether no Reddit credentials were configured.
func (r RedditConfig) Mock() bool {
	return r.ClientID == "" && r.ClientSecret == ""
}

// EmailConfig selects the operator mail provider.
type EmailConfig struct {
	Operator          string `mapstructure:"operator"`
	Provider          string `mapstructure:"provider"` // gmail, brevo, mock or empty for auto
	GoogleCredentials string `mapstructure:"google_credentials"`
	BrevoAPIKey       string `mapstructure:"brevo_api_key"`
	FromAddress       string `mapstructure:"from_address"`
	FromName          string `mapstructure:"from_name"`
}

// ResolvedProvider returns the provider to build when Provider is left empty.
func (e EmailConfig) ResolvedProvider() string {
	if e.Provider != "" {
		return e.Provider
	}
	switch {
	case e.BrevoAPIKey != "":
		return "brevo"
	case e.GoogleCredentials != "":
		return "gmail"
	default:
		return "mock"
	}
}

// LifecycleConfig holds thread timings.
type LifecycleConfig struct {
	LiveInterval         time.Duration `mapstructure:"live_interval"`
	OvertimeInterval     time.Duration `mapstructure:"overtime_interval"`
	IntermissionLead     time.Duration `mapstructure:"intermission_lead"`
	IntermissionSlowdown bool          `mapstructure:"intermission_slowdown"`
	PregameOffset        time.Duration `mapstructure:"pregame_offset"`
	StaleThreshold       time.Duration `mapstructure:"stale_threshold"`
	RecapCleanupDelay    time.Duration `mapstructure:"recap_cleanup_delay"`
	WatchInterval        time.Duration `mapstructure:"watch_interval"`
	ClaimTTL             time.Duration `mapstructure:"claim_ttl"`
	DiscoveryHour        int           `mapstructure:"discovery_hour"`
	RecordTTL            time.Duration `mapstructure:"record_ttl"`
}

// RetryConfig holds job backoff settings.
type RetryConfig struct {
	Base        time.Duration `mapstructure:"base"`
	Max         time.Duration `mapstructure:"max"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	CounterTTL  time.Duration `mapstructure:"counter_ttl"`
}

// SchedulerConfig controls the in-process dispatcher.
type SchedulerConfig struct {
	TickInterval time.Duration `mapstructure:"tick_interval"`
	Workers      int           `mapstructure:"workers"`
	Embedded     bool          `mapstructure:"embedded"` // When false, due jobs run only on POST /pollz
}

// aliases keeps the Cloud Run variable names working alongside the prefixed ones.
var aliases = map[string][]string{
	"port":                     {"PORT"},
	"base_url":                 {"BASE_URL"},
	"storage.bucket":           {"STORAGE_BUCKET"},
	"email.google_credentials": {"GOOGLE_CREDENTIALS_JSON"},
}

// New returns a viper instance with defaults and environment binding in place.
// Callers bind their flags to it before calling Load.
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, names := range aliases {
		prefixed := EnvPrefix + "_" + strings.ToUpper(strings.NewReplacer(".", "_").Replace(key))
		// BindEnv only errors when called without a key.
		_ = v.BindEnv(append([]string{key, prefixed}, names...)...)
	}
	return v
}

func setDefaults(v *viper.Viper) {
	lc := lifecycle.DefaultConfig()
	rc := retrypolicy.DefaultConfig()

	v.SetDefault("debug", false)
	v.SetDefault("log_level", "info")
	v.SetDefault("port", "8080")
	v.SetDefault("base_url", "")
	v.SetDefault("api_token", "")
	v.SetDefault("allowed_communities", []string{})

	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.prefix", "")
	v.SetDefault("storage.sqlite_path", "./data/gamedaylive.db")

	v.SetDefault("nhl.base_url", "https://api-web.nhle.com/v1")
	v.SetDefault("nhl.timeout", 15*time.Second)

	v.SetDefault("reddit.client_id", "")
	v.SetDefault("reddit.client_secret", "")
	v.SetDefault("reddit.username", "gamedaylive-bot")
	v.SetDefault("reddit.password", "")
	v.SetDefault("reddit.user_agent", "gamedaylive/1.0")
	v.SetDefault("reddit.base_url", "")
	v.SetDefault("reddit.token_url", "")
	v.SetDefault("reddit.timeout", 30*time.Second)

	v.SetDefault("email.operator", "")
	v.SetDefault("email.provider", "")
	v.SetDefault("email.google_credentials", "")
	v.SetDefault("email.brevo_api_key", "")
	v.SetDefault("email.from_address", "")
	v.SetDefault("email.from_name", "Game Day Live")

	v.SetDefault("lifecycle.live_interval", lc.Timing.Live)
	v.SetDefault("lifecycle.overtime_interval", lc.Timing.Overtime)
	v.SetDefault("lifecycle.intermission_lead", lc.Timing.IntermissionLead)
	v.SetDefault("lifecycle.intermission_slowdown", lc.Timing.IntermissionSlowdown)
	v.SetDefault("lifecycle.pregame_offset", lc.PregameOffset)
	v.SetDefault("lifecycle.stale_threshold", lc.StaleThreshold)
	v.SetDefault("lifecycle.recap_cleanup_delay", lc.RecapCleanupDelay)
	v.SetDefault("lifecycle.watch_interval", lc.WatchInterval)
	v.SetDefault("lifecycle.claim_ttl", lc.ClaimTTL)
	v.SetDefault("lifecycle.discovery_hour", lc.DiscoveryHour)
	v.SetDefault("lifecycle.record_ttl", 48*time.Hour)

	v.SetDefault("retry.base", rc.Base)
	v.SetDefault("retry.max", rc.Max)
	v.SetDefault("retry.max_attempts", rc.MaxAttempts)
	v.SetDefault("retry.counter_ttl", rc.CounterTTL)

	v.SetDefault("scheduler.tick_interval", 5*time.Second)
	v.SetDefault("scheduler.workers", 4)
	v.SetDefault("scheduler.embedded", true)
}

// Load reads the optional config file named by the "config" key, decodes and validates.
func Load(v *viper.Viper) (*Config, error) {
	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks ranges and the credential pairs that must be set together.
func (c *Config) Validate() error {
	var errs []error
	if c.Port == "" {
		errs = append(errs, errors.New("port is required"))
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}

	if c.Storage.Bucket == "" && c.Storage.SQLitePath == "" {
		errs = append(errs, errors.New("storage.bucket or storage.sqlite_path is required"))
	}

	if !c.Reddit.Mock() {
		if c.Reddit.ClientID == "" || c.Reddit.ClientSecret == "" {
			errs = append(errs, errors.New("reddit.client_id and reddit.client_secret must be set together"))
		}
		if c.Reddit.Username == "" || c.Reddit.Password == "" {
			errs = append(errs, errors.New("reddit.username and reddit.password are required with API credentials"))
		}
	}

	switch c.Email.ResolvedProvider() {
	case "mock", "gmail":
	case "brevo":
		if c.Email.BrevoAPIKey == "" || c.Email.FromAddress == "" {
			errs = append(errs, errors.New("email.brevo_api_key and email.from_address are required for brevo"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown email.provider %q", c.Email.Provider))
	}

	lc := c.Lifecycle
	for name, d := range map[string]time.Duration{
		"lifecycle.live_interval":       lc.LiveInterval,
		"lifecycle.overtime_interval":   lc.OvertimeInterval,
		"lifecycle.stale_threshold":     lc.StaleThreshold,
		"lifecycle.recap_cleanup_delay": lc.RecapCleanupDelay,
		"lifecycle.watch_interval":      lc.WatchInterval,
		"lifecycle.claim_ttl":           lc.ClaimTTL,
		"lifecycle.record_ttl":          lc.RecordTTL,
		"retry.base":                    c.Retry.Base,
		"retry.max":                     c.Retry.Max,
		"scheduler.tick_interval":       c.Scheduler.TickInterval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if lc.PregameOffset < 0 {
		errs = append(errs, errors.New("lifecycle.pregame_offset must not be negative"))
	}
	if lc.DiscoveryHour < 0 || lc.DiscoveryHour > 23 {
		errs = append(errs, fmt.Errorf("lifecycle.discovery_hour %d out of range 0-23", lc.DiscoveryHour))
	}
	if c.Retry.Max < c.Retry.Base {
		errs = append(errs, errors.New("retry.max must be at least retry.base"))
	}
	if c.Retry.MaxAttempts < 0 {
		errs = append(errs, errors.New("retry.max_attempts must not be negative"))
	}
	if c.Scheduler.Workers < 1 {
		errs = append(errs, errors.New("scheduler.workers must be at least 1"))
	}
	return errors.Join(errs...)
}

// Level returns the slog level for LogLevel, with Debug forcing debug.
func (c *Config) Level() (slog.Level, error) {
	if c.Debug {
		return slog.LevelDebug, nil
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	return lvl, nil
}

// LifecycleSettings converts to the orchestrator's timings.
func (c *Config) LifecycleSettings() lifecycle.Config {
	lc := c.Lifecycle
	return lifecycle.Config{
		Timing: poll.Timing{
			Live:                 lc.LiveInterval,
			Overtime:             lc.OvertimeInterval,
			IntermissionLead:     lc.IntermissionLead,
			IntermissionSlowdown: lc.IntermissionSlowdown,
		},
		PregameOffset:     lc.PregameOffset,
		StaleThreshold:    lc.StaleThreshold,
		RecapCleanupDelay: lc.RecapCleanupDelay,
		WatchInterval:     lc.WatchInterval,
		ClaimTTL:          lc.ClaimTTL,
		DiscoveryHour:     lc.DiscoveryHour,
	}
}

// RetrySettings converts to the retry policy's config.
func (c *Config) RetrySettings() retrypolicy.Config {
	return retrypolicy.Config{
		Base:        c.Retry.Base,
		Max:         c.Retry.Max,
		MaxAttempts: c.Retry.MaxAttempts,
		CounterTTL:  c.Retry.CounterTTL,
	}
}
