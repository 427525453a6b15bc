package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

const (
	DefaultModel             = "claude-sonnet-4-5-20250929"
	DefaultMaxTokens         = 8192
	DefaultMaxTurns          = 20
	DefaultCostCeilingUSD    = 5.0
	DefaultMaxToolCalls      = 50
	DefaultMaxDurationSec    = 600
	DefaultBashPerMinute     = 10
	DefaultReadPerMinute     = 60
	DefaultAuditCap          = 1000
	DefaultCheckpointEvery   = 10
	DefaultCheckpointGapSec  = 5
	DefaultRetentionHours    = 24 * 7
	DefaultSyslogPath        = "/var/log/syslog"
	DefaultSyslogTail        = 100
	DefaultInputCostPerMTok  = 3.0
	DefaultOutputCostPerMTok = 15.0
)

type Config struct {
	Agent    AgentConfig    `json:"agent"`
	Provider ProviderConfig `json:"provider"`
	Budgets  BudgetConfig   `json:"budgets"`
	Policy   PolicyConfig   `json:"policy"`
	Session  SessionConfig  `json:"session"`
	Schedule ScheduleConfig `json:"schedule"`
	Notify   NotifyConfig   `json:"notify"`
	Syslog   SyslogConfig   `json:"syslog"`
}

type AgentConfig struct {
	Workspace string `json:"workspace"`
	Model     string `json:"model"`
	MaxTokens int    `json:"maxTokens"`
	MaxTurns  int    `json:"maxTurns"`
}

type ProviderConfig struct {
	Type              string  `json:"type,omitempty"` // "anthropic" (default) or "openai"
	APIKey            string  `json:"apiKey"`
	BaseURL           string  `json:"baseUrl,omitempty"`
	InputCostPerMTok  float64 `json:"inputCostPerMTok,omitempty"`
	OutputCostPerMTok float64 `json:"outputCostPerMTok,omitempty"`
}

// BudgetConfig holds the default per-execution resource ceilings. Callers
// may tighten or relax them per task.
type BudgetConfig struct {
	CostCeilingUSD float64 `json:"costCeilingUsd"`
	MaxToolCalls   int     `json:"maxToolCalls"`
	MaxDurationSec int     `json:"maxDurationSec"`
}

type PolicyConfig struct {
	ScratchDir    string `json:"scratchDir,omitempty"`
	BashPerMinute int    `json:"bashPerMinute"`
	ReadPerMinute int    `json:"readPerMinute"`
	AuditCap      int    `json:"auditCap"`
}

type SessionConfig struct {
	DBPath           string `json:"dbPath,omitempty"`
	CheckpointEvery  int    `json:"checkpointEvery"`
	CheckpointGapSec int    `json:"checkpointGapSec"`
	RetentionHours   int    `json:"retentionHours"`
}

type ScheduleConfig struct {
	StorePath string `json:"storePath,omitempty"`
}

type NotifyConfig struct {
	Telegram TelegramConfig `json:"telegram"`
}

type TelegramConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token"`
	ChatID  int64  `json:"chatId"`
	Proxy   string `json:"proxy,omitempty"`
}

type SyslogConfig struct {
	Path string `json:"path"`
	Tail int    `json:"tail"`
}

func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Agent: AgentConfig{
			Workspace: filepath.Join(home, ".opsagent", "workspace"),
			Model:     DefaultModel,
			MaxTokens: DefaultMaxTokens,
			MaxTurns:  DefaultMaxTurns,
		},
		Provider: ProviderConfig{
			InputCostPerMTok:  DefaultInputCostPerMTok,
			OutputCostPerMTok: DefaultOutputCostPerMTok,
		},
		Budgets: BudgetConfig{
			CostCeilingUSD: DefaultCostCeilingUSD,
			MaxToolCalls:   DefaultMaxToolCalls,
			MaxDurationSec: DefaultMaxDurationSec,
		},
		Policy: PolicyConfig{
			BashPerMinute: DefaultBashPerMinute,
			ReadPerMinute: DefaultReadPerMinute,
			AuditCap:      DefaultAuditCap,
		},
		Session: SessionConfig{
			CheckpointEvery:  DefaultCheckpointEvery,
			CheckpointGapSec: DefaultCheckpointGapSec,
			RetentionHours:   DefaultRetentionHours,
		},
		Syslog: SyslogConfig{
			Path: DefaultSyslogPath,
			Tail: DefaultSyslogTail,
		},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".opsagent")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	if key := os.Getenv("OPSAGENT_API_KEY"); key != "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
		if cfg.Provider.Type == "" {
			cfg.Provider.Type = "openai"
		}
	}
	if url := os.Getenv("OPSAGENT_BASE_URL"); url != "" {
		cfg.Provider.BaseURL = url
	}
	if url := os.Getenv("ANTHROPIC_BASE_URL"); url != "" && cfg.Provider.BaseURL == "" {
		cfg.Provider.BaseURL = url
	}
	if token := os.Getenv("OPSAGENT_TELEGRAM_TOKEN"); token != "" {
		cfg.Notify.Telegram.Token = token
	}
	if chat := os.Getenv("OPSAGENT_TELEGRAM_CHAT"); chat != "" {
		if parsed, err := strconv.ParseInt(chat, 10, 64); err == nil {
			cfg.Notify.Telegram.ChatID = parsed
		}
	}
	if path := os.Getenv("OPSAGENT_SESSION_DB"); path != "" {
		cfg.Session.DBPath = path
	}
	if path := os.Getenv("OPSAGENT_SYSLOG_PATH"); path != "" {
		cfg.Syslog.Path = path
	}
	if ceiling := os.Getenv("OPSAGENT_COST_CEILING"); ceiling != "" {
		if parsed, err := strconv.ParseFloat(ceiling, 64); err == nil && parsed > 0 {
			cfg.Budgets.CostCeilingUSD = parsed
		}
	}

	if cfg.Agent.Workspace == "" {
		cfg.Agent.Workspace = DefaultConfig().Agent.Workspace
	}
	if cfg.Session.DBPath == "" {
		cfg.Session.DBPath = filepath.Join(ConfigDir(), "data", "sessions.db")
	}
	if cfg.Schedule.StorePath == "" {
		cfg.Schedule.StorePath = filepath.Join(ConfigDir(), "data", "schedule", "jobs.json")
	}
	if cfg.Policy.ScratchDir == "" {
		cfg.Policy.ScratchDir = filepath.Join(cfg.Agent.Workspace, "tmp")
	}

	return cfg, nil
}

func SaveConfig(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(ConfigPath(), data, 0644)
}
