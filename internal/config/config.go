package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"equity-recon/internal/consistency"
	"equity-recon/internal/logging"
	"equity-recon/internal/retry"
	"equity-recon/internal/valuation"
	"equity-recon/internal/volume"
)

// Provider kinds.
const (
	ProviderHTTP  = "http"
	ProviderChain = "chain"
)

// Config materialises application configuration.
type Config struct {
	App         AppConfig                 `mapstructure:"app"`
	Logging     logging.Config            `mapstructure:"logging"`
	Database    DatabaseConfig            `mapstructure:"database"`
	Scheduler   SchedulerConfig           `mapstructure:"scheduler"`
	Market      MarketConfig              `mapstructure:"market"`
	Providers   map[string]ProviderConfig `mapstructure:"providers"`
	Retry       retry.Policy              `mapstructure:"retry"`
	Consistency consistency.Options       `mapstructure:"consistency"`
	Volume      volume.Options            `mapstructure:"volume"`
	Valuation   valuation.Options         `mapstructure:"valuation"`
	Reconcile   ReconcileConfig           `mapstructure:"reconcile"`
	Alerting    AlertingConfig            `mapstructure:"alerting"`
	Audit       AuditConfig               `mapstructure:"audit"`
	Export      ExportConfig              `mapstructure:"export"`
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
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// SchedulerConfig governs job cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	PriorityRefresh time.Duration `mapstructure:"priority_refresh"`
	Retention       time.Duration `mapstructure:"retention"`
	PruneInterval   time.Duration `mapstructure:"prune_interval"`
}

// MarketConfig names the market whose providers are reconciled.
type MarketConfig struct {
	Name string `mapstructure:"name"`
	// Location is the exchange time zone used to derive trade dates.
	Location string `mapstructure:"location"`
}

// ProviderConfig describes one adapter instance.
type ProviderConfig struct {
	Kind     string `mapstructure:"kind"`
	Enabled  *bool  `mapstructure:"enabled"`
	Priority int    `mapstructure:"priority"`

	BaseURL     string            `mapstructure:"base_url"`
	Token       string            `mapstructure:"token"`
	TokenHeader string            `mapstructure:"token_header"`
	UserAgent   string            `mapstructure:"user_agent"`
	Timeout     time.Duration     `mapstructure:"timeout"`
	RateLimit   float64           `mapstructure:"rate_limit"`
	Burst       int               `mapstructure:"burst"`
	HealthPath  string            `mapstructure:"health_path"`
	Endpoints   map[string]string `mapstructure:"endpoints"`

	RPCURL string        `mapstructure:"rpc_url"`
	Feeds  []FeedConfig  `mapstructure:"feeds"`
	MaxAge time.Duration `mapstructure:"max_age"`
}

// FeedConfig binds an entity code to an on-chain aggregator. Entity codes
// contain dots, which viper treats as key separators, so feeds are a list.
type FeedConfig struct {
	Symbol  string `mapstructure:"symbol"`
	Address string `mapstructure:"address"`
}

// FeedMap indexes the feeds by upper-cased symbol.
func (p ProviderConfig) FeedMap() map[string]string {
	out := make(map[string]string, len(p.Feeds))
	for _, f := range p.Feeds {
		out[strings.ToUpper(strings.TrimSpace(f.Symbol))] = f.Address
	}
	return out
}

// IsEnabled treats an unset flag as enabled.
func (p ProviderConfig) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// ReconcileConfig tunes the reconciliation job.
type ReconcileConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	PreferredOrder    []string      `mapstructure:"preferred_order"`
	NormalizeVolume   bool          `mapstructure:"normalize_volume"`
	ValidateValuation bool          `mapstructure:"validate_valuation"`
	Timeout           time.Duration `mapstructure:"timeout"`
}

// AlertingConfig defines alert thresholds and routing.
type AlertingConfig struct {
	Enabled   bool           `mapstructure:"enabled"`
	MinAction string         `mapstructure:"min_action"`
	Cooldown  time.Duration  `mapstructure:"cooldown"`
	Channels  []string       `mapstructure:"channels"`
	Telegram  TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// AuditConfig configures the Kafka report stream.
type AuditConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Brokers  []string      `mapstructure:"brokers"`
	Topic    string        `mapstructure:"topic"`
	ClientID string        `mapstructure:"client_id"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int           `mapstructure:"max_data_points"`
	Window        time.Duration `mapstructure:"window"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("EQUITYRECON")
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
	cfg.applyEngineDefaults()

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
	v.SetDefault("app.name", "equityrecon")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stderr")

	v.SetDefault("scheduler.interval", "1h")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x45515243))
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.priority_refresh", "10m")
	v.SetDefault("scheduler.retention", "2160h")
	v.SetDefault("scheduler.prune_interval", "24h")

	v.SetDefault("market.name", "cn")
	v.SetDefault("market.location", "Asia/Shanghai")

	policy := retry.DefaultPolicy()
	v.SetDefault("retry.max_retries", policy.MaxRetries)
	v.SetDefault("retry.initial_delay", policy.InitialDelay.String())
	v.SetDefault("retry.max_delay", policy.MaxDelay.String())
	v.SetDefault("retry.multiplier", policy.Multiplier)
	v.SetDefault("retry.jitter", policy.JitterFraction)
	v.SetDefault("retry.skip_permanent", false)
	v.SetDefault("retry.attempt_timeout", "0s")

	cons := consistency.DefaultOptions()
	v.SetDefault("consistency.key_aliases", cons.KeyAliases)
	v.SetDefault("consistency.max_shared_keys", cons.MaxSharedKeys)
	v.SetDefault("consistency.significant_ratio", cons.SignificantRatio)
	v.SetDefault("consistency.thresholds.use_either", cons.Thresholds.UseEither)
	v.SetDefault("consistency.thresholds.with_warning", cons.Thresholds.WithWarning)
	v.SetDefault("consistency.thresholds.primary_only", cons.Thresholds.UsePrimaryOnly)

	vol := volume.DefaultOptions()
	v.SetDefault("volume.min_amount", vol.MinAmount)
	v.SetDefault("volume.max_amount", vol.MaxAmount)
	v.SetDefault("volume.lot_size", vol.LotSize)
	v.SetDefault("volume.tolerance", vol.Tolerance)
	v.SetDefault("volume.policy", string(vol.Policy))
	v.SetDefault("volume.amount_multiplier", vol.AmountMultiplier)

	val := valuation.DefaultOptions()
	v.SetDefault("valuation.tolerance", val.Tolerance)
	v.SetDefault("valuation.market_value_unit", val.MarketValueUnit)

	v.SetDefault("reconcile.enabled", true)
	v.SetDefault("reconcile.normalize_volume", true)
	v.SetDefault("reconcile.validate_valuation", true)
	v.SetDefault("reconcile.timeout", "5m")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.min_action", string(consistency.UsePrimaryOnly))
	v.SetDefault("alerting.cooldown", "6h")
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("audit.enabled", false)
	v.SetDefault("audit.topic", "equityrecon.reports")
	v.SetDefault("audit.client_id", "equityrecon")
	v.SetDefault("audit.timeout", "10s")

	v.SetDefault("export.max_data_points", 100000)
	v.SetDefault("export.window", "720h")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")
}

// applyEngineDefaults fills structured defaults viper cannot express as scalar keys.
func (c *Config) applyEngineDefaults() {
	if len(c.Consistency.Metrics) == 0 {
		c.Consistency.Metrics = consistency.DefaultOptions().Metrics
	}
	for name, p := range c.Providers {
		if p.Kind == "" {
			p.Kind = ProviderHTTP
			c.Providers[name] = p
		}
	}
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

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Market.Name == "" {
		return fmt.Errorf("market.name is required")
	}
	if _, err := time.LoadLocation(c.Market.Location); err != nil {
		return fmt.Errorf("market.location: %w", err)
	}
	if err := validatePolicy(c.Retry); err != nil {
		return err
	}
	if err := c.Consistency.Validate(); err != nil {
		return err
	}
	if err := c.Volume.Validate(); err != nil {
		return err
	}
	if err := c.Valuation.Validate(); err != nil {
		return err
	}
	for _, name := range c.ProviderNames() {
		p := c.Providers[name]
		switch p.Kind {
		case ProviderHTTP:
			if p.IsEnabled() && p.BaseURL == "" {
				return fmt.Errorf("providers.%s.base_url is required", name)
			}
		case ProviderChain:
			if p.IsEnabled() && p.RPCURL == "" {
				return fmt.Errorf("providers.%s.rpc_url is required", name)
			}
			for i, f := range p.Feeds {
				if f.Symbol == "" || f.Address == "" {
					return fmt.Errorf("providers.%s.feeds[%d] needs symbol and address", name, i)
				}
			}
		default:
			return fmt.Errorf("providers.%s.kind %q is not supported", name, p.Kind)
		}
	}
	if _, err := consistency.ParseAction(c.Alerting.MinAction); err != nil {
		return fmt.Errorf("alerting.min_action: %w", err)
	}
	if c.Alerting.Cooldown < 0 {
		return fmt.Errorf("alerting.cooldown cannot be negative")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	if c.Audit.Enabled {
		if len(c.Audit.Brokers) == 0 {
			return fmt.Errorf("audit.brokers is required when audit is enabled")
		}
		if c.Audit.Topic == "" {
			return fmt.Errorf("audit.topic is required when audit is enabled")
		}
	}
	return nil
}

func validatePolicy(p retry.Policy) error {
	switch {
	case p.MaxRetries < 1:
		return fmt.Errorf("retry.max_retries must be at least 1")
	case p.InitialDelay < 0:
		return fmt.Errorf("retry.initial_delay cannot be negative")
	case p.MaxDelay < p.InitialDelay:
		return fmt.Errorf("retry.max_delay must not be below retry.initial_delay")
	case p.Multiplier < 1:
		return fmt.Errorf("retry.multiplier must be at least 1")
	case p.JitterFraction < 0 || p.JitterFraction > 1:
		return fmt.Errorf("retry.jitter must be within [0,1]")
	case p.AttemptTimeout < 0:
		return fmt.Errorf("retry.attempt_timeout cannot be negative")
	}
	return nil
}

// ProviderNames returns configured provider names in sorted order.
func (c *Config) ProviderNames() []string {
	names := make([]string, 0, len(c.Providers))
	for name := range c.Providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DisabledProviders lists providers switched off by configuration.
func (c *Config) DisabledProviders() []string {
	var out []string
	for _, name := range c.ProviderNames() {
		if !c.Providers[name].IsEnabled() {
			out = append(out, name)
		}
	}
	return out
}

// Location returns the market time zone, UTC when unset.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Market.Location)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
