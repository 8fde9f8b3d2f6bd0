// Package config provides configuration management for the trading engine.
package config

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	yaml "gopkg.in/yaml.v3"
)

// Defaults applied by normalize when fields are unset.
const (
	defaultQuantity            = 2
	defaultStopLossPercent     = 60.0
	defaultProfitTargetPercent = 40.0
	defaultTrailingStopPercent = 20.0
	defaultTrailingActivation  = 15.0
	defaultBreakevenTrigger    = 10.0
	defaultMaxHoldMinutes      = 90
	defaultDeltaTarget         = 0.4
	defaultMaxSpreadPercent    = 10.0
	defaultStrikeCount         = 20
	defaultATRPeriod           = 14
	defaultATRStopMult         = 2.0
	defaultMaxTradesPerTick    = 64
)

// Config represents the complete application configuration.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Broker      BrokerConfig      `yaml:"broker"`
	Server      ServerConfig      `yaml:"server"`
	Schedule    ScheduleConfig    `yaml:"schedule"`
	Risk        RiskConfig        `yaml:"risk"`
	Trading     TradingConfig     `yaml:"trading"`
	Selection   SelectionConfig   `yaml:"selection"`
	Sizing      SizingConfig      `yaml:"sizing"`
	Storage     StorageConfig     `yaml:"storage"`
}

// EnvironmentConfig defines the environment settings.
type EnvironmentConfig struct {
	Mode     string `yaml:"mode"`      // paper | live
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
}

// BrokerConfig defines broker API settings.
type BrokerConfig struct {
	TraderEndpoint     string `yaml:"trader_endpoint"`
	MarketDataEndpoint string `yaml:"market_data_endpoint"`
	AccessToken        string `yaml:"access_token"`
	AccountHash        string `yaml:"account_hash"`
	CallTimeout        string `yaml:"call_timeout"` // per-request timeout, default 5s
}

// ServerConfig defines the HTTP listener, webhook secret, and admin token.
type ServerConfig struct {
	ListenAddr    string `yaml:"listen_addr"`
	WebhookSecret string `yaml:"webhook_secret"`
	AdminToken    string `yaml:"admin_token"`
}

// ScheduleConfig defines the session clock and loop cadences. All clock
// fields are "HH:MM" in the configured timezone.
type ScheduleConfig struct {
	Timezone          string `yaml:"timezone"` // e.g., "America/New_York"
	FirstEntry        string `yaml:"first_entry"`
	LastEntry         string `yaml:"last_entry"`
	ForceExit         string `yaml:"force_exit"`
	DailySummaryAt    string `yaml:"daily_summary_at"`
	OrderPollInterval string `yaml:"order_poll_interval"`
	ExitCheckInterval string `yaml:"exit_check_interval"`
	QuotePollInterval string `yaml:"quote_poll_interval"`
	SnapshotInterval  string `yaml:"snapshot_interval"`
	StaleQuoteAfter   string `yaml:"stale_quote_after"`
}

// RiskConfig defines the admission guardrails.
type RiskConfig struct {
	AllowedTickers       []string `yaml:"allowed_tickers"`
	MaxDailyTrades       int      `yaml:"max_daily_trades"`
	MaxDailyLoss         float64  `yaml:"max_daily_loss"`
	MaxConsecutiveLosses int      `yaml:"max_consecutive_losses"`
	VIXSymbol            string   `yaml:"vix_symbol"`
	VIXThreshold         float64  `yaml:"vix_threshold"`
	EventCalendarPath    string   `yaml:"event_calendar_path"`
	CooldownAfterExit    string   `yaml:"cooldown_after_exit"`
	DuplicateWindow      string   `yaml:"duplicate_window"`
	MaxRiskPerTrade      float64  `yaml:"max_risk_per_trade"` // dollars; caps ATR-derived size, 0 disables
}

// TradingConfig defines per-trade entry and exit defaults. Strategy params
// may override the exit fields per trade.
type TradingConfig struct {
	DefaultQuantity           int     `yaml:"default_quantity"`
	StopLossPercent           float64 `yaml:"stop_loss_percent"`
	ProfitTargetPercent       float64 `yaml:"profit_target_percent"`
	TrailingStopPercent       float64 `yaml:"trailing_stop_percent"`
	TrailingActivationPercent float64 `yaml:"trailing_activation_percent"`
	BreakevenTriggerPercent   float64 `yaml:"breakeven_trigger_percent"`
	MaxHoldMinutes            int     `yaml:"max_hold_minutes"`
	EntryLimitTimeout         string  `yaml:"entry_limit_timeout"`
	EntryLimitBelowMidPercent float64 `yaml:"entry_limit_below_mid_percent"` // internal signals only
	ExitMaxSpreadPercent      float64 `yaml:"exit_max_spread_percent"`
	ATRPeriod                 int     `yaml:"atr_period"`
	ATRStopMult               float64 `yaml:"atr_stop_mult"`
	MaxTradesPerTick          int     `yaml:"max_trades_per_tick"`
	ReverseCloseOnSignal      bool    `yaml:"reverse_close_on_signal"`
}

// SelectionConfig defines contract selection parameters.
type SelectionConfig struct {
	DeltaTarget      float64 `yaml:"delta_target"`
	MaxSpreadPercent float64 `yaml:"max_spread_percent"`
	StrikeCount      int     `yaml:"strike_count"`
}

// SizingConfig defines confluence-score position sizing.
type SizingConfig struct {
	DoubleMinScore  int     `yaml:"double_min_score"`
	DoubleMinRelVol float64 `yaml:"double_min_rel_vol"`
	HalfMaxScore    int     `yaml:"half_max_score"`
}

// StorageConfig defines the SQLite database location.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// Load reads and parses the configuration file from the specified path.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	config.normalize()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// normalize fills unset fields with defaults.
func (c *Config) normalize() {
	if c.Environment.Mode == "" {
		c.Environment.Mode = "paper"
	}
	if c.Environment.LogLevel == "" {
		c.Environment.LogLevel = "info"
	}
	if c.Broker.CallTimeout == "" {
		c.Broker.CallTimeout = "5s"
	}
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8080"
	}
	if c.Schedule.Timezone == "" {
		c.Schedule.Timezone = "America/New_York"
	}
	if c.Schedule.FirstEntry == "" {
		c.Schedule.FirstEntry = "10:00"
	}
	if c.Schedule.LastEntry == "" {
		c.Schedule.LastEntry = "14:45"
	}
	if c.Schedule.ForceExit == "" {
		c.Schedule.ForceExit = "15:00"
	}
	if c.Schedule.DailySummaryAt == "" {
		c.Schedule.DailySummaryAt = "16:05"
	}
	if c.Schedule.OrderPollInterval == "" {
		c.Schedule.OrderPollInterval = "5s"
	}
	if c.Schedule.ExitCheckInterval == "" {
		c.Schedule.ExitCheckInterval = "10s"
	}
	if c.Schedule.QuotePollInterval == "" {
		c.Schedule.QuotePollInterval = "2s"
	}
	if c.Schedule.SnapshotInterval == "" {
		c.Schedule.SnapshotInterval = "15s"
	}
	if c.Schedule.StaleQuoteAfter == "" {
		c.Schedule.StaleQuoteAfter = "5s"
	}
	if len(c.Risk.AllowedTickers) == 0 {
		c.Risk.AllowedTickers = []string{"SPY", "QQQ"}
	}
	if c.Risk.MaxDailyTrades == 0 {
		c.Risk.MaxDailyTrades = 10
	}
	if c.Risk.MaxDailyLoss == 0 {
		c.Risk.MaxDailyLoss = 700
	}
	if c.Risk.MaxConsecutiveLosses == 0 {
		c.Risk.MaxConsecutiveLosses = 3
	}
	if c.Risk.VIXSymbol == "" {
		c.Risk.VIXSymbol = "$VIX.X"
	}
	if c.Risk.VIXThreshold == 0 {
		c.Risk.VIXThreshold = 28
	}
	if c.Risk.CooldownAfterExit == "" {
		c.Risk.CooldownAfterExit = "5m"
	}
	if c.Risk.DuplicateWindow == "" {
		c.Risk.DuplicateWindow = "2m"
	}
	if c.Trading.DefaultQuantity == 0 {
		c.Trading.DefaultQuantity = defaultQuantity
	}
	if c.Trading.StopLossPercent == 0 {
		c.Trading.StopLossPercent = defaultStopLossPercent
	}
	if c.Trading.ProfitTargetPercent == 0 {
		c.Trading.ProfitTargetPercent = defaultProfitTargetPercent
	}
	if c.Trading.TrailingStopPercent == 0 {
		c.Trading.TrailingStopPercent = defaultTrailingStopPercent
	}
	if c.Trading.TrailingActivationPercent == 0 {
		c.Trading.TrailingActivationPercent = defaultTrailingActivation
	}
	if c.Trading.BreakevenTriggerPercent == 0 {
		c.Trading.BreakevenTriggerPercent = defaultBreakevenTrigger
	}
	if c.Trading.MaxHoldMinutes == 0 {
		c.Trading.MaxHoldMinutes = defaultMaxHoldMinutes
	}
	if c.Trading.EntryLimitTimeout == "" {
		c.Trading.EntryLimitTimeout = "60s"
	}
	if c.Trading.ExitMaxSpreadPercent == 0 {
		c.Trading.ExitMaxSpreadPercent = 30
	}
	if c.Trading.ATRPeriod == 0 {
		c.Trading.ATRPeriod = defaultATRPeriod
	}
	if c.Trading.ATRStopMult == 0 {
		c.Trading.ATRStopMult = defaultATRStopMult
	}
	if c.Trading.MaxTradesPerTick == 0 {
		c.Trading.MaxTradesPerTick = defaultMaxTradesPerTick
	}
	if c.Selection.DeltaTarget == 0 {
		c.Selection.DeltaTarget = defaultDeltaTarget
	}
	if c.Selection.MaxSpreadPercent == 0 {
		c.Selection.MaxSpreadPercent = defaultMaxSpreadPercent
	}
	if c.Selection.StrikeCount == 0 {
		c.Selection.StrikeCount = defaultStrikeCount
	}
	if c.Sizing.DoubleMinScore == 0 {
		c.Sizing.DoubleMinScore = 6
	}
	if c.Sizing.DoubleMinRelVol == 0 {
		c.Sizing.DoubleMinRelVol = 2.0
	}
	if c.Sizing.HalfMaxScore == 0 {
		c.Sizing.HalfMaxScore = 3
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "data/scalper.db"
	}
}

// Validate checks that all configuration values are valid and consistent.
func (c *Config) Validate() error {
	if c.Environment.Mode != "paper" && c.Environment.Mode != "live" {
		return fmt.Errorf("environment.mode must be 'paper' or 'live'")
	}

	if c.Environment.Mode == "live" {
		if c.Broker.AccessToken == "" {
			return fmt.Errorf("broker.access_token is required in live mode")
		}
		if c.Broker.AccountHash == "" {
			return fmt.Errorf("broker.account_hash is required in live mode")
		}
	}
	if c.Server.WebhookSecret == "" {
		return fmt.Errorf("server.webhook_secret is required")
	}

	for _, field := range []struct {
		name, value string
	}{
		{"broker.call_timeout", c.Broker.CallTimeout},
		{"schedule.order_poll_interval", c.Schedule.OrderPollInterval},
		{"schedule.exit_check_interval", c.Schedule.ExitCheckInterval},
		{"schedule.quote_poll_interval", c.Schedule.QuotePollInterval},
		{"schedule.snapshot_interval", c.Schedule.SnapshotInterval},
		{"schedule.stale_quote_after", c.Schedule.StaleQuoteAfter},
		{"risk.cooldown_after_exit", c.Risk.CooldownAfterExit},
		{"risk.duplicate_window", c.Risk.DuplicateWindow},
		{"trading.entry_limit_timeout", c.Trading.EntryLimitTimeout},
	} {
		if _, err := time.ParseDuration(field.value); err != nil {
			return fmt.Errorf("%s invalid: %w", field.name, err)
		}
	}

	loc, err := c.Location()
	if err != nil {
		return fmt.Errorf("schedule.timezone invalid: %w", err)
	}
	clocks := make(map[string]time.Time, 4)
	for _, field := range []struct {
		name, value string
	}{
		{"first_entry", c.Schedule.FirstEntry},
		{"last_entry", c.Schedule.LastEntry},
		{"force_exit", c.Schedule.ForceExit},
		{"daily_summary_at", c.Schedule.DailySummaryAt},
	} {
		parsed, err := time.ParseInLocation("15:04", field.value, loc)
		if err != nil {
			return fmt.Errorf("schedule.%s invalid: %w", field.name, err)
		}
		clocks[field.name] = parsed
	}
	if !clocks["first_entry"].Before(clocks["last_entry"]) {
		return fmt.Errorf("schedule.first_entry must be before schedule.last_entry")
	}
	if !clocks["last_entry"].Before(clocks["force_exit"]) {
		return fmt.Errorf("schedule.last_entry must be before schedule.force_exit")
	}

	if c.Risk.MaxDailyTrades <= 0 {
		return fmt.Errorf("risk.max_daily_trades must be > 0")
	}
	if c.Risk.MaxDailyLoss <= 0 {
		return fmt.Errorf("risk.max_daily_loss must be > 0")
	}
	if c.Risk.MaxConsecutiveLosses <= 0 {
		return fmt.Errorf("risk.max_consecutive_losses must be > 0")
	}
	if c.Risk.VIXThreshold <= 0 {
		return fmt.Errorf("risk.vix_threshold must be > 0")
	}
	if c.Trading.DefaultQuantity <= 0 {
		return fmt.Errorf("trading.default_quantity must be > 0")
	}
	if c.Trading.StopLossPercent <= 0 || c.Trading.StopLossPercent >= 100 {
		return fmt.Errorf("trading.stop_loss_percent must be in (0,100)")
	}
	if c.Trading.ProfitTargetPercent <= 0 {
		return fmt.Errorf("trading.profit_target_percent must be > 0")
	}
	if c.Trading.TrailingStopPercent <= 0 || c.Trading.TrailingStopPercent >= 100 {
		return fmt.Errorf("trading.trailing_stop_percent must be in (0,100)")
	}
	if c.Trading.EntryLimitBelowMidPercent < 0 {
		return fmt.Errorf("trading.entry_limit_below_mid_percent must be >= 0")
	}
	if c.Trading.MaxHoldMinutes <= 0 {
		return fmt.Errorf("trading.max_hold_minutes must be > 0")
	}
	if c.Selection.DeltaTarget <= 0 || c.Selection.DeltaTarget >= 1 {
		return fmt.Errorf("selection.delta_target must be in (0,1)")
	}
	if c.Selection.MaxSpreadPercent <= 0 {
		return fmt.Errorf("selection.max_spread_percent must be > 0")
	}
	if c.Sizing.HalfMaxScore >= c.Sizing.DoubleMinScore {
		return fmt.Errorf("sizing.half_max_score must be < sizing.double_min_score")
	}

	return nil
}

// IsPaperTrading returns true if the engine is configured for paper trading.
func (c *Config) IsPaperTrading() bool {
	return c.Environment.Mode == "paper"
}

// Location returns the configured market timezone.
func (c *Config) Location() (*time.Location, error) {
	tz := c.Schedule.Timezone
	if tz == "" {
		tz = "America/New_York"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		// Fallback for minimal containers
		return time.FixedZone("ET", -5*60*60), nil
	}
	return loc, nil
}

// Duration parses a duration field that Validate already checked.
func Duration(value string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

// ClockOnDay projects an "HH:MM" clock field onto the date of now in loc.
func ClockOnDay(clock string, now time.Time, loc *time.Location) (time.Time, error) {
	parsed, err := time.ParseInLocation("15:04", clock, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing clock %q: %w", clock, err)
	}
	local := now.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(),
		parsed.Hour(), parsed.Minute(), 0, 0, loc), nil
}

// IsWithinEntryWindow checks whether now falls inside the entry window on a
// weekday. Inclusive of both bounds.
func (c *Config) IsWithinEntryWindow(now time.Time) bool {
	loc, err := c.Location()
	if err != nil {
		return false
	}
	today := now.In(loc)
	if today.Weekday() == time.Saturday || today.Weekday() == time.Sunday {
		return false
	}
	start, err1 := ClockOnDay(c.Schedule.FirstEntry, now, loc)
	end, err2 := ClockOnDay(c.Schedule.LastEntry, now, loc)
	if err1 != nil || err2 != nil {
		return false
	}
	return !today.Before(start) && !today.After(end)
}

// Overrides holds runtime-mutable operator switches exposed on the admin
// API. Zero value means no overrides active.
type Overrides struct {
	mu                sync.Mutex
	bypassEntryWindow bool
	haltEntries       bool
}

// SetBypassEntryWindow toggles the entry-window override.
func (o *Overrides) SetBypassEntryWindow(v bool) {
	o.mu.Lock()
	o.bypassEntryWindow = v
	o.mu.Unlock()
}

// BypassEntryWindow reports whether entry-window checks are bypassed.
func (o *Overrides) BypassEntryWindow() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.bypassEntryWindow
}

// SetHaltEntries toggles the operator kill switch for new entries.
func (o *Overrides) SetHaltEntries(v bool) {
	o.mu.Lock()
	o.haltEntries = v
	o.mu.Unlock()
}

// HaltEntries reports whether new entries are halted.
func (o *Overrides) HaltEntries() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.haltEntries
}
