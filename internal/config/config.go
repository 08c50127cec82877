// Package config loads process and account configuration from the
// environment and from the accounts file.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/proptools/guardian/internal/rules"
)

// Config holds process-wide settings, loaded from environment variables.
type Config struct {
	// Rule store. postgres:// selects PostgreSQL, otherwise a SQLite path.
	DatabaseDSN string

	// Review API
	HTTPPort int

	// Telegram alerts (optional, sink disabled when token is empty)
	TelegramToken  string
	TelegramChatID int64

	// Accounts file for `guardian monitor`
	AccountsFile string

	Debug bool
}

// Load reads process configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{
		DatabaseDSN:   getEnv("GUARDIAN_DB", "data/guardian.db"),
		HTTPPort:      getEnvInt("GUARDIAN_HTTP_PORT", 8080),
		TelegramToken: os.Getenv("TELEGRAM_BOT_TOKEN"),
		AccountsFile:  getEnv("GUARDIAN_ACCOUNTS_FILE", "accounts.json"),
		Debug:         getEnvBool("DEBUG", false),
	}

	if chatID := os.Getenv("TELEGRAM_CHAT_ID"); chatID != "" {
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.TelegramChatID = id
	}

	if cfg.TelegramToken != "" && cfg.TelegramChatID == 0 {
		return nil, fmt.Errorf("TELEGRAM_CHAT_ID is required when TELEGRAM_BOT_TOKEN is set")
	}

	return cfg, nil
}

// AccountConfig describes one monitored account. Rules resolution per
// account: ProgramID against the rule store first, then the firm preset,
// then CustomRules.
type AccountConfig struct {
	Label           string   `json:"label"`
	Firm            string   `json:"firm"`
	ProgramID       string   `json:"program_id,omitempty"`
	Platform        string   `json:"platform"` // "mt5" or "ctrader"
	AccountID       string   `json:"account_id"`
	StartingBalance float64  `json:"starting_balance"`
	CheckInterval   Duration `json:"check_interval,omitempty"`
	Enabled         *bool    `json:"enabled,omitempty"`

	CustomRules *rules.Rules `json:"rules,omitempty"`

	// MT5 bridge
	MT5BridgeURL string `json:"mt5_bridge_url,omitempty"`
	MT5Server    string `json:"mt5_server,omitempty"`
	MT5Password  string `json:"mt5_password,omitempty"`

	// cTrader Open API
	CTraderClientID     string `json:"ctrader_client_id,omitempty"`
	CTraderClientSecret string `json:"ctrader_client_secret,omitempty"`
	CTraderAccessToken  string `json:"ctrader_access_token,omitempty"`
}

// IsEnabled defaults to true when the field is omitted.
func (a AccountConfig) IsEnabled() bool {
	return a.Enabled == nil || *a.Enabled
}

// Interval returns the poll interval, defaulting to 5s.
func (a AccountConfig) Interval() time.Duration {
	if a.CheckInterval.Duration > 0 {
		return a.CheckInterval.Duration
	}
	return 5 * time.Second
}

// Validate checks the fields the monitor cannot run without.
func (a AccountConfig) Validate() error {
	if a.AccountID == "" {
		return fmt.Errorf("account_id is required")
	}
	if a.Firm == "" && a.CustomRules == nil {
		return fmt.Errorf("account %s: firm or inline rules required", a.AccountID)
	}
	switch a.Platform {
	case "mt5":
		if a.MT5BridgeURL == "" {
			return fmt.Errorf("account %s: mt5_bridge_url is required", a.AccountID)
		}
	case "ctrader":
		if a.CTraderAccessToken == "" {
			return fmt.Errorf("account %s: ctrader_access_token is required", a.AccountID)
		}
	default:
		return fmt.Errorf("account %s: unsupported platform %q", a.AccountID, a.Platform)
	}
	if a.StartingBalance < 0 {
		return fmt.Errorf("account %s: starting_balance must not be negative", a.AccountID)
	}
	return nil
}

// LoadAccounts parses the accounts file. The canonical shape is an object
// wrapping the list, {"accounts": [...]}; a bare top-level array is accepted
// too. Disabled accounts are filtered out here.
func LoadAccounts(path string) ([]AccountConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("accounts file: %w", err)
	}

	var all []AccountConfig
	if trimmed := bytes.TrimLeft(data, " \t\r\n"); len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(data, &all); err != nil {
			return nil, fmt.Errorf("accounts file %s: %w", path, err)
		}
	} else {
		var wrapped struct {
			Accounts []AccountConfig `json:"accounts"`
		}
		if err := json.Unmarshal(data, &wrapped); err != nil {
			return nil, fmt.Errorf("accounts file %s: %w", path, err)
		}
		all = wrapped.Accounts
	}

	accounts := make([]AccountConfig, 0, len(all))
	for i, a := range all {
		if !a.IsEnabled() {
			continue
		}
		if err := a.Validate(); err != nil {
			return nil, fmt.Errorf("accounts file %s entry %d: %w", path, i, err)
		}
		accounts = append(accounts, a)
	}
	return accounts, nil
}

// AccountFromEnv builds a single account from GUARDIAN_* variables, for
// running the monitor without an accounts file.
func AccountFromEnv() (*AccountConfig, bool, error) {
	accountID := os.Getenv("GUARDIAN_ACCOUNT_ID")
	if accountID == "" {
		return nil, false, nil
	}

	a := &AccountConfig{
		Label:           getEnv("GUARDIAN_LABEL", accountID),
		Firm:            os.Getenv("GUARDIAN_FIRM"),
		ProgramID:       os.Getenv("GUARDIAN_PROGRAM_ID"),
		Platform:        getEnv("GUARDIAN_PLATFORM", "mt5"),
		AccountID:       accountID,
		StartingBalance: getEnvFloat("GUARDIAN_STARTING_BALANCE", 0),

		MT5BridgeURL: getEnv("GUARDIAN_MT5_BRIDGE_URL", "http://127.0.0.1:8787"),
		MT5Server:    os.Getenv("GUARDIAN_MT5_SERVER"),
		MT5Password:  os.Getenv("GUARDIAN_MT5_PASSWORD"),

		CTraderClientID:     os.Getenv("GUARDIAN_CTRADER_CLIENT_ID"),
		CTraderClientSecret: os.Getenv("GUARDIAN_CTRADER_CLIENT_SECRET"),
		CTraderAccessToken:  os.Getenv("GUARDIAN_CTRADER_ACCESS_TOKEN"),
	}
	if secs := getEnvInt("GUARDIAN_CHECK_INTERVAL_SECONDS", 0); secs > 0 {
		a.CheckInterval = Duration{time.Duration(secs) * time.Second}
	}

	if err := a.Validate(); err != nil {
		return nil, false, err
	}
	return a, true, nil
}

// Duration is a time.Duration that unmarshals from a JSON string ("30s")
// or a number of seconds.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var asString string
	if err := json.Unmarshal(data, &asString); err == nil {
		parsed, err := time.ParseDuration(asString)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", asString, err)
		}
		d.Duration = parsed
		return nil
	}
	var asSeconds float64
	if err := json.Unmarshal(data, &asSeconds); err != nil {
		return fmt.Errorf("invalid duration %s", string(data))
	}
	d.Duration = time.Duration(asSeconds * float64(time.Second))
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Helpers

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		parsed, err := strconv.ParseBool(val)
		if err == nil {
			return parsed
		}
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		parsed, err := strconv.Atoi(val)
		if err == nil {
			return parsed
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		parsed, err := strconv.ParseFloat(val, 64)
		if err == nil {
			return parsed
		}
	}
	return defaultVal
}
