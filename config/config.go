package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// AppConfig is the process-level configuration loaded from YAML at startup.
// Strategy inputs (timetable, execution policy) live in their own documents
// and are loaded separately; this file only wires the process together.
type AppConfig struct {
	// Account identifies the broker account this instance trades. Part of the
	// duplicate-instance registry key.
	Account string `yaml:"account"`

	// MarketTimezone is the single market timezone, default "America/Chicago".
	MarketTimezone string `yaml:"market_timezone"`

	// Paths
	DataDir        string `yaml:"data_dir"`         // historical CSV root (data/raw/...)
	StateDir       string `yaml:"state_dir"`        // journals, hydration logs, registry locks
	LogDir         string `yaml:"log_dir"`          // console + JSONL event files
	TimetablePath  string `yaml:"timetable_path"`   // timetable JSON document
	PolicyPath     string `yaml:"policy_path"`      // execution policy JSON document
	KillSwitchPath string `yaml:"kill_switch_path"` // presence/truthy flag disables submissions
	StorePath      string `yaml:"store_path"`       // sqlite trade history DB

	// Feeds
	LiveFeedURL       string `yaml:"live_feed_url"`       // websocket bar feed
	HistoricalBarsURL string `yaml:"historical_bars_url"` // REST 1m bar endpoint

	// Session wall times (market timezone)
	RangeStartS1    string `yaml:"range_start_s1"`   // default "02:00"
	RangeStartS2    string `yaml:"range_start_s2"`   // default "08:30"
	MarketCloseTime string `yaml:"market_close"`     // default "15:00"
	ForcedFlatten   string `yaml:"forced_flatten"`   // default "15:55"
	MarketOpenTime  string `yaml:"market_open_time"` // default "08:30", re-entry trigger

	// Timetable poll interval
	TimetablePollSeconds int `yaml:"timetable_poll_seconds"` // default 30

	// Minimum bars required to recompute a previously locked range on restart
	MinBarsForRecompute int `yaml:"min_bars_for_recompute"` // default 30

	// Operator API
	APIListenAddr string `yaml:"api_listen_addr"` // e.g. ":8090", empty disables
	APIJWTSecret  string `yaml:"api_jwt_secret"`  // overridden by QTSW_API_JWT_SECRET

	// LogLevel for the console plane: debug/info/warn/error
	LogLevel string `yaml:"log_level"`

	// DryRun routes all submissions to the simulated adapter.
	DryRun bool `yaml:"dry_run"`
}

// Load reads and validates the app config.
func Load(path string) (*AppConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := &AppConfig{}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyDefaults()

	if secret := os.Getenv("QTSW_API_JWT_SECRET"); secret != "" {
		cfg.APIJWTSecret = secret
	}

	if cfg.Account == "" {
		return nil, fmt.Errorf("config: account must be set")
	}
	if cfg.TimetablePath == "" || cfg.PolicyPath == "" {
		return nil, fmt.Errorf("config: timetable_path and policy_path must be set")
	}
	return cfg, nil
}

func (c *AppConfig) applyDefaults() {
	if c.MarketTimezone == "" {
		c.MarketTimezone = "America/Chicago"
	}
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.StateDir == "" {
		c.StateDir = "state"
	}
	if c.LogDir == "" {
		c.LogDir = "logs"
	}
	if c.KillSwitchPath == "" {
		c.KillSwitchPath = "state/KILL"
	}
	if c.StorePath == "" {
		c.StorePath = "state/trades.db"
	}
	if c.RangeStartS1 == "" {
		c.RangeStartS1 = "02:00"
	}
	if c.RangeStartS2 == "" {
		c.RangeStartS2 = "08:30"
	}
	if c.MarketCloseTime == "" {
		c.MarketCloseTime = "15:00"
	}
	if c.ForcedFlatten == "" {
		c.ForcedFlatten = "15:55"
	}
	if c.MarketOpenTime == "" {
		c.MarketOpenTime = "08:30"
	}
	if c.TimetablePollSeconds <= 0 {
		c.TimetablePollSeconds = 30
	}
	if c.MinBarsForRecompute <= 0 {
		c.MinBarsForRecompute = 30
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// RangeStart returns the configured range start wall time for a session tag.
func (c *AppConfig) RangeStart(session string) string {
	if session == "S2" {
		return c.RangeStartS2
	}
	return c.RangeStartS1
}

// TimetablePollInterval returns the poll interval as a duration.
func (c *AppConfig) TimetablePollInterval() time.Duration {
	return time.Duration(c.TimetablePollSeconds) * time.Second
}
