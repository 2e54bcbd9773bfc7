package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"spot-alerts/internal/domain"
	"spot-alerts/internal/logging"
	"spot-alerts/internal/version"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Sweeper   SweeperConfig   `mapstructure:"sweeper"`
	Alerts    AlertsConfig    `mapstructure:"alerts"`
	Sources   SourcesConfig   `mapstructure:"sources"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	API       APIConfig       `mapstructure:"api"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// SchedulerConfig governs poll cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	DispatchWorkers int           `mapstructure:"dispatch_workers"`
}

// SweeperConfig governs the expiration sweep cadence.
type SweeperConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// AlertsConfig holds alert lifetime and rate policy.
type AlertsConfig struct {
	Expiration   time.Duration `mapstructure:"expiration"`
	DefaultModes []string      `mapstructure:"default_modes"`
	Cooldown     time.Duration `mapstructure:"cooldown"`
	HourlyCap    int           `mapstructure:"hourly_cap"`
	DedupWindow  time.Duration `mapstructure:"dedup_window"`
}

// SourcesConfig selects and tunes the spot feeds.
type SourcesConfig struct {
	Enabled      []string          `mapstructure:"enabled"`
	FetchTimeout time.Duration     `mapstructure:"fetch_timeout"`
	Lookback     time.Duration     `mapstructure:"lookback"`
	PSKReporter  PSKReporterConfig `mapstructure:"pskreporter"`
}

// PSKReporterConfig captures PSKReporter connectivity.
type PSKReporterConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	Limit       int           `mapstructure:"limit"`
	MinInterval time.Duration `mapstructure:"min_interval"`
	UserAgent   string        `mapstructure:"user_agent"`
}

// AlertingConfig defines notification routing.
type AlertingConfig struct {
	Timeout  time.Duration  `mapstructure:"timeout"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Shoutrrr ShoutrrrConfig `mapstructure:"shoutrrr"`
	NATS     NATSConfig     `mapstructure:"nats"`
}

// TelegramConfig describes the Telegram bot used to message owners.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	APIBase  string `mapstructure:"api_base"`
}

// ShoutrrrConfig lists shoutrrr service URLs. "{owner}" is replaced per notification.
type ShoutrrrConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	URLs    []string `mapstructure:"urls"`
}

// NATSConfig describes the NATS event sink.
type NATSConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
	Subject string `mapstructure:"subject"`
}

// APIConfig sets the HTTP command API.
type APIConfig struct {
	Enabled     bool     `mapstructure:"enabled"`
	Listen      string   `mapstructure:"listen"`
	CORSOrigins []string `mapstructure:"cors_origins"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from .env, file, environment, and defaults.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("SPOTWATCHER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "spotwatcher")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stderr")

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")

	v.SetDefault("scheduler.interval", "2m")
	v.SetDefault("scheduler.align_to_bucket", false)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x73706f74))
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.dispatch_workers", 4)

	v.SetDefault("sweeper.interval", "1h")

	v.SetDefault("alerts.expiration", "720h")
	v.SetDefault("alerts.default_modes", domain.DefaultModes)
	v.SetDefault("alerts.cooldown", "5m")
	v.SetDefault("alerts.hourly_cap", 20)
	v.SetDefault("alerts.dedup_window", "10m")

	v.SetDefault("sources.enabled", []string{domain.SourcePSKReporter})
	v.SetDefault("sources.fetch_timeout", "30s")
	v.SetDefault("sources.lookback", "10m")
	v.SetDefault("sources.pskreporter.base_url", "https://api.pskreporter.info/pskreporter/query")
	v.SetDefault("sources.pskreporter.limit", 1000)
	v.SetDefault("sources.pskreporter.min_interval", "1m")
	v.SetDefault("sources.pskreporter.user_agent", version.UserAgent())

	v.SetDefault("alerting.timeout", "10s")
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.bot_token", "")
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.shoutrrr.enabled", false)
	v.SetDefault("alerting.shoutrrr.urls", []string{})
	v.SetDefault("alerting.nats.enabled", false)
	v.SetDefault("alerting.nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("alerting.nats.subject", "spotwatcher.spots")

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.listen", ":8080")
	v.SetDefault("api.cors_origins", []string{"*"})

	v.SetDefault("export.max_data_points", 100000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

func (c *Config) normalize() {
	c.Alerts.DefaultModes = domain.NormalizeModes(c.Alerts.DefaultModes)
	sources := make([]string, 0, len(c.Sources.Enabled))
	for _, s := range c.Sources.Enabled {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			sources = append(sources, s)
		}
	}
	c.Sources.Enabled = sources
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Scheduler.DispatchWorkers <= 0 {
		return fmt.Errorf("scheduler.dispatch_workers must be greater than zero")
	}
	if c.Sweeper.Interval <= 0 {
		return fmt.Errorf("sweeper.interval must be greater than zero")
	}
	if c.Alerts.Expiration <= 0 {
		return fmt.Errorf("alerts.expiration must be greater than zero")
	}
	if c.Alerts.Cooldown < 0 {
		return fmt.Errorf("alerts.cooldown cannot be negative")
	}
	if c.Alerts.HourlyCap <= 0 {
		return fmt.Errorf("alerts.hourly_cap must be greater than zero")
	}
	if c.Alerts.DedupWindow < 0 {
		return fmt.Errorf("alerts.dedup_window cannot be negative")
	}
	if len(c.Alerts.DefaultModes) == 0 {
		return fmt.Errorf("alerts.default_modes must not be empty")
	}
	if len(c.Sources.Enabled) == 0 {
		return fmt.Errorf("sources.enabled must list at least one source")
	}
	for _, s := range c.Sources.Enabled {
		if s != domain.SourcePSKReporter {
			return fmt.Errorf("sources.enabled: unknown source %q", s)
		}
	}
	if c.Sources.FetchTimeout <= 0 {
		return fmt.Errorf("sources.fetch_timeout must be greater than zero")
	}
	if c.Sources.Lookback <= 0 {
		return fmt.Errorf("sources.lookback must be greater than zero")
	}
	if c.Sources.PSKReporter.Limit <= 0 {
		return fmt.Errorf("sources.pskreporter.limit must be greater than zero")
	}
	if c.Alerting.Telegram.Enabled && c.Alerting.Telegram.BotToken == "" {
		return fmt.Errorf("alerting.telegram.bot_token is required when telegram is enabled")
	}
	if c.Alerting.Shoutrrr.Enabled && len(c.Alerting.Shoutrrr.URLs) == 0 {
		return fmt.Errorf("alerting.shoutrrr.urls is required when shoutrrr is enabled")
	}
	if c.Alerting.NATS.Enabled {
		if c.Alerting.NATS.URL == "" {
			return fmt.Errorf("alerting.nats.url is required when nats is enabled")
		}
		if c.Alerting.NATS.Subject == "" {
			return fmt.Errorf("alerting.nats.subject is required when nats is enabled")
		}
	}
	if c.API.Enabled && c.API.Listen == "" {
		return fmt.Errorf("api.listen is required when the api is enabled")
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
