// Package config provides configuration management for the futures
// trading gateway.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	yaml "gopkg.in/yaml.v3"
)

// Config is the complete application configuration (spec §4.0).
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	TX          TXConfig          `yaml:"tx"`
	BTC         BTCConfig         `yaml:"btc"`
	Telegram    TelegramConfig    `yaml:"telegram"`
	Calendar    CalendarConfig    `yaml:"calendar"`
	Journal     JournalConfig     `yaml:"journal"`
	Registry    RegistryConfig    `yaml:"registry"`
	Report      ReportConfig      `yaml:"report"`
	Schedule    ScheduleConfig    `yaml:"schedule"`
	Webhook     WebhookConfig     `yaml:"webhook"`
}

// EnvironmentConfig defines the environment settings.
type EnvironmentConfig struct {
	Mode     string `yaml:"mode"`      // paper | live
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
}

// TXConfig defines the Taiwan futures broker's settings.
type TXConfig struct {
	BaseURL        string `yaml:"base_url"`
	Account        string `yaml:"account"`
	CertPath       string `yaml:"cert_path"`
	CertPassword   string `yaml:"cert_password"`
	ActivationCode string `yaml:"activation_code"`
	// LoginEnabled is computed by Normalize, not read from YAML: blank
	// credentials disable this market rather than failing the process
	// (spec §4.0).
	LoginEnabled bool `yaml:"-"`
}

// BTCConfig defines the crypto futures exchange's settings.
type BTCConfig struct {
	BaseURL      string  `yaml:"base_url"`
	WSBaseURL    string  `yaml:"ws_base_url"`
	APIKey       string  `yaml:"api_key"`
	APISecret    string  `yaml:"api_secret"`
	Symbol       string  `yaml:"symbol"`
	Leverage     int     `yaml:"leverage"`
	MarginMode   string  `yaml:"margin_mode"` // cross | isolated
	RiskPct      float64 `yaml:"risk_pct"`    // fraction of available balance risked per signal when Quantity is unset
	LoginEnabled bool    `yaml:"-"`
}

// TelegramConfig defines the notifier's Telegram Bot API settings.
type TelegramConfig struct {
	BotToken string  `yaml:"bot_token"`
	ChatIDs  []int64 `yaml:"chat_ids"`
}

// CalendarConfig defines where the holiday CSV files live.
type CalendarConfig struct {
	Dir      string `yaml:"dir"`
	Timezone string `yaml:"timezone"`
}

// JournalConfig defines the trade journal's persistence settings.
type JournalConfig struct {
	Dir       string `yaml:"dir"`
	Retention int    `yaml:"retention"`
}

// RegistryConfig defines the order registry's persistence directory.
type RegistryConfig struct {
	Dir string `yaml:"dir"`
}

// ReportConfig defines XLSX report output settings.
type ReportConfig struct {
	OutputDir string `yaml:"output_dir"`
}

// ScheduleConfig defines the wall-clock trigger times of spec §4.9,
// overridable per-field so tests can compress the schedule.
type ScheduleConfig struct {
	TXStartTime     string `yaml:"tx_start_time"`       // "08:45"
	BTCStartTime    string `yaml:"btc_start_time"`      // "09:00"
	MarginCheckTime string `yaml:"margin_check_time"`   // "14:50"
	BTCReportTime   string `yaml:"btc_report_time"`     // "23:58"
	TXReportTime    string `yaml:"tx_report_time"`      // "23:59"
}

// WebhookConfig defines the inbound webhook server's settings.
type WebhookConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	SharedKey  string `yaml:"shared_key"` // optional shared-secret query/header check
}

// Load reads and parses the configuration file at configPath. A `.env`
// file in the working directory is loaded first (if present) so its
// values are visible to the `${VAR}` expansion below, mirroring the
// teacher's ExpandEnv-based config loading generalized with a dotenv
// overlay (spec §4.0).
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is an operator-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file %q: %w", configPath, err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config %q: %w", configPath, err)
	}

	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// Normalize fills in default values.
func (c *Config) Normalize() {
	if strings.TrimSpace(c.Environment.Mode) == "" {
		c.Environment.Mode = "paper"
	}
	if strings.TrimSpace(c.Environment.LogLevel) == "" {
		c.Environment.LogLevel = "info"
	}
	if c.Journal.Retention == 0 {
		c.Journal.Retention = 30
	}
	if strings.TrimSpace(c.Calendar.Timezone) == "" {
		c.Calendar.Timezone = "Asia/Taipei"
	}
	if strings.TrimSpace(c.BTC.MarginMode) == "" {
		c.BTC.MarginMode = "cross"
	}
	if c.BTC.Leverage == 0 {
		c.BTC.Leverage = 1
	}
	if strings.TrimSpace(c.Schedule.TXStartTime) == "" {
		c.Schedule.TXStartTime = "08:45"
	}
	if strings.TrimSpace(c.Schedule.BTCStartTime) == "" {
		c.Schedule.BTCStartTime = "09:00"
	}
	if strings.TrimSpace(c.Schedule.MarginCheckTime) == "" {
		c.Schedule.MarginCheckTime = "14:50"
	}
	if strings.TrimSpace(c.Schedule.BTCReportTime) == "" {
		c.Schedule.BTCReportTime = "23:58"
	}
	if strings.TrimSpace(c.Schedule.TXReportTime) == "" {
		c.Schedule.TXReportTime = "23:59"
	}
	if strings.TrimSpace(c.Webhook.ListenAddr) == "" {
		c.Webhook.ListenAddr = ":8080"
	}

	// Soft-fail: a market with blank credentials is disabled rather than
	// rejected outright, so the other market can still start (spec §4.0).
	c.TX.LoginEnabled = strings.TrimSpace(c.TX.Account) != "" &&
		strings.TrimSpace(c.TX.CertPath) != "" &&
		strings.TrimSpace(c.TX.ActivationCode) != ""
	c.BTC.LoginEnabled = strings.TrimSpace(c.BTC.APIKey) != "" &&
		strings.TrimSpace(c.BTC.APISecret) != ""
}

// Validate checks structural validity. Per-market credential
// completeness is NOT validated here (see Normalize's LoginEnabled
// computation): a blank TX or BTC section disables that market instead
// of failing the whole process.
func (c *Config) Validate() error {
	if c.Environment.Mode != "paper" && c.Environment.Mode != "live" {
		return fmt.Errorf("environment.mode must be 'paper' or 'live'")
	}
	switch strings.ToLower(c.Environment.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("environment.log_level must be one of: debug, info, warn, error")
	}

	if !c.TX.LoginEnabled && !c.BTC.LoginEnabled {
		return fmt.Errorf("at least one of tx or btc must be fully configured")
	}

	if c.BTC.LoginEnabled {
		if strings.TrimSpace(c.BTC.Symbol) == "" {
			return fmt.Errorf("btc.symbol is required when btc credentials are set")
		}
		if c.BTC.Leverage <= 0 {
			return fmt.Errorf("btc.leverage must be > 0")
		}
		if c.BTC.MarginMode != "cross" && c.BTC.MarginMode != "isolated" {
			return fmt.Errorf("btc.margin_mode must be 'cross' or 'isolated'")
		}
		if c.BTC.RiskPct < 0 || c.BTC.RiskPct > 1 {
			return fmt.Errorf("btc.risk_pct must be between 0 and 1")
		}
	}

	if strings.TrimSpace(c.Calendar.Dir) == "" {
		return fmt.Errorf("calendar.dir is required")
	}
	if _, err := time.LoadLocation(c.Calendar.Timezone); err != nil {
		return fmt.Errorf("calendar.timezone %q invalid: %w", c.Calendar.Timezone, err)
	}

	if strings.TrimSpace(c.Journal.Dir) == "" {
		return fmt.Errorf("journal.dir is required")
	}
	if c.Journal.Retention <= 0 {
		return fmt.Errorf("journal.retention must be > 0")
	}
	if strings.TrimSpace(c.Registry.Dir) == "" {
		return fmt.Errorf("registry.dir is required")
	}

	for _, field := range []struct {
		name  string
		value string
	}{
		{"schedule.tx_start_time", c.Schedule.TXStartTime},
		{"schedule.btc_start_time", c.Schedule.BTCStartTime},
		{"schedule.margin_check_time", c.Schedule.MarginCheckTime},
		{"schedule.btc_report_time", c.Schedule.BTCReportTime},
		{"schedule.tx_report_time", c.Schedule.TXReportTime},
	} {
		if _, err := time.Parse("15:04", field.value); err != nil {
			return fmt.Errorf("%s invalid: %w", field.name, err)
		}
	}

	if len(c.Telegram.ChatIDs) > 0 && strings.TrimSpace(c.Telegram.BotToken) == "" {
		return fmt.Errorf("telegram.bot_token is required when telegram.chat_ids is set")
	}

	return nil
}

// IsPaperTrading returns true if the gateway is configured for paper
// trading.
func (c *Config) IsPaperTrading() bool {
	return c.Environment.Mode == "paper"
}

// ChatIDStrings renders the configured Telegram chat ids as strings, for
// use building API request parameters.
func (t TelegramConfig) ChatIDStrings() []string {
	out := make([]string, len(t.ChatIDs))
	for i, id := range t.ChatIDs {
		out[i] = strconv.FormatInt(id, 10)
	}
	return out
}
