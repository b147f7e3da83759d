package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-viper/mapstructure/v2"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"oracle-engine/internal/accumulator"
	"oracle-engine/internal/aggregator"
	"oracle-engine/internal/filter"
	"oracle-engine/internal/gate"
	"oracle-engine/internal/logging"
	"oracle-engine/internal/source"
)

// Config materialises application configuration.
type Config struct {
	App          AppConfig           `mapstructure:"app"`
	Logging      logging.Config      `mapstructure:"logging"`
	Database     DatabaseConfig      `mapstructure:"database"`
	Redis        RedisConfig         `mapstructure:"redis"`
	Scheduler    SchedulerConfig     `mapstructure:"scheduler"`
	Ethereum     EthereumConfig      `mapstructure:"ethereum"`
	Oracle       OracleConfig        `mapstructure:"oracle"`
	Sources      []SourceConfig      `mapstructure:"sources"`
	Accumulators []AccumulatorConfig `mapstructure:"accumulators"`
	Filters      []FilterConfig      `mapstructure:"filters"`
	API          APIConfig           `mapstructure:"api"`
	Alerting     AlertingConfig      `mapstructure:"alerting"`
	Export       ExportConfig        `mapstructure:"export"`
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

// RedisConfig controls publication of the latest observations.
type RedisConfig struct {
	URL      string        `mapstructure:"url"`
	Password string        `mapstructure:"password"`
	Prefix   string        `mapstructure:"prefix"`
	TTL      time.Duration `mapstructure:"ttl"`
	Channel  string        `mapstructure:"channel"`
}

// SchedulerConfig governs update cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// EthereumConfig covers on-chain data access shared by EVM sources.
type EthereumConfig struct {
	RPCURL         string        `mapstructure:"rpc_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// OracleConfig describes the aggregated oracle.
type OracleConfig struct {
	Name             string         `mapstructure:"name"`
	QuoteToken       common.Address `mapstructure:"quote_token"`
	QuoteDecimals    uint8          `mapstructure:"quote_decimals"`
	Assets           []AssetConfig  `mapstructure:"assets"`
	GeneralSources   []string       `mapstructure:"general_sources"`
	TimestampPolicy  string         `mapstructure:"timestamp_policy"`
	Strategy         string         `mapstructure:"strategy"`
	MinimumResponses int            `mapstructure:"minimum_responses"`
	SourceMaxAge     time.Duration  `mapstructure:"source_max_age"`
	Concurrency      int            `mapstructure:"concurrency"`
	HistoryCapacity  int            `mapstructure:"history_capacity"`
	Gate             GateConfig     `mapstructure:"gate"`
}

// AssetConfig lists one tracked asset and its extra sources.
type AssetConfig struct {
	Address         common.Address `mapstructure:"address"`
	Symbol          string         `mapstructure:"symbol"`
	Sources         []string       `mapstructure:"sources"`
	HistoryCapacity int            `mapstructure:"history_capacity"`
}

// Label returns the symbol when set, the address otherwise.
func (a AssetConfig) Label() string {
	if a.Symbol != "" {
		return a.Symbol
	}
	return a.Address.Hex()
}

// GateConfig selects an update policy.
type GateConfig struct {
	Policy string        `mapstructure:"policy"`
	Period time.Duration `mapstructure:"period"`
	// ThresholdPct is a percentage; ThresholdPPTM is the same threshold in parts per ten
	// million and wins when both are set.
	ThresholdPct   decimal.Decimal `mapstructure:"threshold_pct"`
	ThresholdPPTM  uint32          `mapstructure:"threshold_pptm"`
	MinUpdateDelay time.Duration   `mapstructure:"min_update_delay"`
	MaxUpdateDelay time.Duration   `mapstructure:"max_update_delay"`
}

// Build validates the gate settings and returns the policy.
func (g GateConfig) Build() (gate.Policy, error) {
	switch strings.ToLower(strings.TrimSpace(g.Policy)) {
	case "", "periodic":
		return gate.NewPeriodic(g.Period)
	case "threshold":
		threshold := g.ThresholdPct
		if g.ThresholdPPTM > 0 {
			threshold = gate.ThresholdFromPartsPerTenMillion(g.ThresholdPPTM)
		}
		return gate.NewThreshold(threshold, g.MinUpdateDelay, g.MaxUpdateDelay)
	default:
		return nil, fmt.Errorf("unknown gate policy %q", g.Policy)
	}
}

// SourceConfig declares one source adapter; Options are decoded by the adapter kind.
type SourceConfig struct {
	Name    string         `mapstructure:"name"`
	Kind    string         `mapstructure:"kind"`
	Options map[string]any `mapstructure:"options"`
}

// AccumulatorConfig declares a time-weighted accumulator over one source.
type AccumulatorConfig struct {
	Name               string          `mapstructure:"name"`
	Source             string          `mapstructure:"source"`
	Tracked            string          `mapstructure:"tracked"`
	Gate               GateConfig      `mapstructure:"gate"`
	TimestampTolerance time.Duration   `mapstructure:"timestamp_tolerance"`
	MaxDeviationPct    decimal.Decimal `mapstructure:"max_deviation_pct"`
}

// FilterConfig declares a filtering oracle over the aggregated history.
type FilterConfig struct {
	Name      string `mapstructure:"name"`
	Kind      string `mapstructure:"kind"`
	Amount    int    `mapstructure:"amount"`
	Offset    int    `mapstructure:"offset"`
	Increment int    `mapstructure:"increment"`
	Statistic string `mapstructure:"statistic"`
	MeanType  string `mapstructure:"mean_type"`
	Decimals  uint8  `mapstructure:"decimals"`
}

// Window returns the configured filter window.
func (f FilterConfig) Window() filter.Window {
	return filter.Window{Amount: f.Amount, Offset: f.Offset, Increment: f.Increment}
}

// APIConfig controls the read-only HTTP API.
type APIConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// AlertingConfig defines alert thresholds and routing.
type AlertingConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// VolatilityFilter names the filter whose value is compared with VolatilityThresholdPct.
	VolatilityFilter       string          `mapstructure:"volatility_filter"`
	VolatilityThresholdPct decimal.Decimal `mapstructure:"volatility_threshold_pct"`
	// InsufficientAfter raises an alert after this many consecutive failed aggregations.
	InsufficientAfter int            `mapstructure:"insufficient_after"`
	Cooldown          time.Duration  `mapstructure:"cooldown"`
	Channels          []string       `mapstructure:"channels"`
	Telegram          TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ORACLED")
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
	v.SetDefault("app.name", "oracled")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("redis.prefix", "oracle")
	v.SetDefault("redis.ttl", "0s")

	v.SetDefault("scheduler.interval", "1m")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x6f72636c))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("ethereum.request_timeout", "10s")

	v.SetDefault("oracle.name", "consensus")
	v.SetDefault("oracle.quote_decimals", 18)
	v.SetDefault("oracle.timestamp_policy", string(aggregator.TimestampCurrent))
	v.SetDefault("oracle.strategy", aggregator.StrategyHarmonicMean)
	v.SetDefault("oracle.minimum_responses", 1)
	v.SetDefault("oracle.source_max_age", "0s")
	v.SetDefault("oracle.concurrency", 8)
	v.SetDefault("oracle.history_capacity", 256)
	v.SetDefault("oracle.gate.policy", "threshold")
	v.SetDefault("oracle.gate.threshold_pct", "0.5")
	v.SetDefault("oracle.gate.min_update_delay", "1m")
	v.SetDefault("oracle.gate.max_update_delay", "1h")

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.addr", ":8080")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.volatility_threshold_pct", "5")
	v.SetDefault("alerting.insufficient_after", 3)
	v.SetDefault("alerting.cooldown", "30m")
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.WeaklyTypedInput = true
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
			source.AddressHook(),
			source.DecimalHook(),
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
	if err := c.validateOracle(); err != nil {
		return err
	}

	sources := make(map[string]string, len(c.Sources))
	for i, s := range c.Sources {
		if s.Name == "" || s.Kind == "" {
			return fmt.Errorf("sources[%d]: name and kind are required", i)
		}
		if _, dup := sources[s.Name]; dup {
			return fmt.Errorf("sources[%d]: duplicate source name %q", i, s.Name)
		}
		sources[s.Name] = s.Kind
	}
	for _, name := range c.Oracle.GeneralSources {
		if _, ok := sources[name]; !ok {
			return fmt.Errorf("oracle.general_sources: unknown source %q", name)
		}
	}
	for _, a := range c.Oracle.Assets {
		for _, name := range a.Sources {
			if _, ok := sources[name]; !ok {
				return fmt.Errorf("oracle.assets[%s]: unknown source %q", a.Label(), name)
			}
		}
	}

	names := make(map[string]struct{})
	for i, a := range c.Accumulators {
		if a.Name == "" {
			return fmt.Errorf("accumulators[%d]: name is required", i)
		}
		kind, ok := sources[a.Source]
		if !ok && a.Source != c.Oracle.Name {
			return fmt.Errorf("accumulators[%s]: unknown source %q", a.Name, a.Source)
		}
		if kind == accumulator.KindAverage {
			return fmt.Errorf("accumulators[%s]: source %q is itself backed by an accumulator", a.Name, a.Source)
		}
		if _, err := a.Gate.Build(); err != nil {
			return fmt.Errorf("accumulators[%s].gate: %w", a.Name, err)
		}
		if a.MaxDeviationPct.IsNegative() {
			return fmt.Errorf("accumulators[%s].max_deviation_pct cannot be negative", a.Name)
		}
		if _, dup := names[a.Name]; dup {
			return fmt.Errorf("accumulators[%s]: duplicate name", a.Name)
		}
		names[a.Name] = struct{}{}
	}
	if err := c.validateAverageSources(); err != nil {
		return err
	}
	minCapacity, minLabel := c.Oracle.HistoryCapacity, "oracle.history_capacity"
	for _, a := range c.Oracle.Assets {
		if a.HistoryCapacity > 0 && a.HistoryCapacity < minCapacity {
			minCapacity, minLabel = a.HistoryCapacity, fmt.Sprintf("oracle.assets[%s].history_capacity", a.Label())
		}
	}
	for i, f := range c.Filters {
		if f.Name == "" {
			return fmt.Errorf("filters[%d]: name is required", i)
		}
		kind, err := filter.Parse(f.Kind, f.Statistic, f.MeanType, f.Decimals)
		if err != nil {
			return fmt.Errorf("filters[%s]: %w", f.Name, err)
		}
		if err := f.Window().Validate(kind.MinAmount()); err != nil {
			return fmt.Errorf("filters[%s]: %w", f.Name, err)
		}
		if f.Window().Required() > minCapacity {
			return fmt.Errorf("filters[%s]: window needs %d observations, %s keeps %d", f.Name, f.Window().Required(), minLabel, minCapacity)
		}
		if _, dup := names[f.Name]; dup {
			return fmt.Errorf("filters[%s]: duplicate name", f.Name)
		}
		names[f.Name] = struct{}{}
	}

	if c.Alerting.VolatilityThresholdPct.IsNegative() {
		return fmt.Errorf("alerting.volatility_threshold_pct cannot be negative")
	}
	if c.Alerting.VolatilityFilter != "" {
		if _, ok := names[c.Alerting.VolatilityFilter]; !ok {
			return fmt.Errorf("alerting.volatility_filter: unknown filter %q", c.Alerting.VolatilityFilter)
		}
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	return nil
}

// validateAverageSources checks that accumulator-backed sources name an accumulator over a
// plain source, so the aggregator never reads its own average.
func (c *Config) validateAverageSources() error {
	accs := make(map[string]AccumulatorConfig, len(c.Accumulators))
	for _, a := range c.Accumulators {
		accs[a.Name] = a
	}
	for _, s := range c.Sources {
		if s.Kind != accumulator.KindAverage {
			continue
		}
		var opts accumulator.AverageOptions
		if err := source.DecodeOptions(s.Options, &opts); err != nil {
			return fmt.Errorf("sources[%s]: %w", s.Name, err)
		}
		acc, ok := accs[opts.Accumulator]
		if !ok {
			return fmt.Errorf("sources[%s]: unknown accumulator %q", s.Name, opts.Accumulator)
		}
		if acc.Source == c.Oracle.Name {
			return fmt.Errorf("sources[%s]: accumulator %q tracks the oracle it would feed", s.Name, acc.Name)
		}
		if opts.Period < time.Second {
			return fmt.Errorf("sources[%s]: period must be at least 1s", s.Name)
		}
	}
	return nil
}

func (c *Config) validateOracle() error {
	o := c.Oracle
	if o.Name == "" {
		return fmt.Errorf("oracle.name is required")
	}
	if o.QuoteToken == (common.Address{}) {
		return fmt.Errorf("oracle.quote_token 必须配置")
	}
	if o.QuoteDecimals > 77 {
		return fmt.Errorf("oracle.quote_decimals must be at most 77")
	}
	if o.MinimumResponses < 1 {
		return fmt.Errorf("oracle.minimum_responses must be at least 1")
	}
	if o.HistoryCapacity <= 0 {
		return fmt.Errorf("oracle.history_capacity must be greater than zero")
	}
	if _, err := aggregator.ParseTimestampPolicy(o.TimestampPolicy); err != nil {
		return fmt.Errorf("oracle.timestamp_policy: %w", err)
	}
	if _, err := aggregator.ParseStrategy(o.Strategy); err != nil {
		return fmt.Errorf("oracle.strategy: %w", err)
	}
	if _, err := o.Gate.Build(); err != nil {
		return fmt.Errorf("oracle.gate: %w", err)
	}
	seen := make(map[common.Address]struct{}, len(o.Assets))
	for i, a := range o.Assets {
		if a.Address == (common.Address{}) {
			return fmt.Errorf("oracle.assets[%d]: address is required", i)
		}
		if _, dup := seen[a.Address]; dup {
			return fmt.Errorf("oracle.assets[%d]: duplicate asset %s", i, a.Address.Hex())
		}
		seen[a.Address] = struct{}{}
	}
	return nil
}

// SourceMaxAgeSeconds returns the configured source max age in whole seconds.
func (o OracleConfig) SourceMaxAgeSeconds() uint32 {
	return durationSeconds(o.SourceMaxAge)
}

// ToleranceSeconds returns the accumulator timestamp tolerance in whole seconds.
func (a AccumulatorConfig) ToleranceSeconds() uint32 {
	return durationSeconds(a.TimestampTolerance)
}

func durationSeconds(d time.Duration) uint32 {
	secs := int64(d / time.Second)
	if secs <= 0 {
		return 0
	}
	if secs > int64(^uint32(0)) {
		return ^uint32(0)
	}
	return uint32(secs)
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
