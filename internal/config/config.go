// Package config loads application settings from YAML with environment
// variable overrides.
package config

import (
	"log"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds the process-level settings. Per-run variant and gate settings
// live in run config files, not here.
type Config struct {
	DBPath    string `yaml:"db_path"`
	ReportDir string `yaml:"report_dir"`

	Backend         string `yaml:"backend"`
	OllamaURL       string `yaml:"ollama_url"`
	AnthropicAPIKey string `yaml:"anthropic_api_key"`

	APIAddr string `yaml:"api_addr"`

	SlackBotToken  string `yaml:"slack_bot_token"`
	SlackChannelID string `yaml:"slack_channel_id"`

	WatchConfigPath string `yaml:"watch_config_path"`
	WatchSchedule   string `yaml:"watch_schedule"`

	AlertLimit int `yaml:"alert_limit"`
}

// Load reads config.yaml (or CONFIG_PATH), applies env overrides, and fills
// defaults. Parse failures are fatal: a half-applied config is worse than none.
func Load() Config {
	var cfg Config

	configPath := "config.yaml"
	if envPath := os.Getenv("CONFIG_PATH"); envPath != "" {
		configPath = envPath
	}
	if data, err := os.ReadFile(configPath); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			log.Fatalf("Error parsing %s: %v", configPath, err)
		}
		log.Printf("Loaded config from %s", configPath)
	}

	envOverride(&cfg.DBPath, "DB_PATH")
	envOverride(&cfg.ReportDir, "REPORT_DIR")
	envOverride(&cfg.Backend, "EVAL_BACKEND")
	envOverride(&cfg.OllamaURL, "OLLAMA_URL")
	envOverride(&cfg.AnthropicAPIKey, "ANTHROPIC_API_KEY")
	envOverride(&cfg.APIAddr, "API_ADDR")
	envOverride(&cfg.SlackBotToken, "SLACK_BOT_TOKEN")
	envOverride(&cfg.SlackChannelID, "SLACK_CHANNEL_ID")
	envOverride(&cfg.WatchConfigPath, "WATCH_CONFIG_PATH")
	envOverride(&cfg.WatchSchedule, "WATCH_SCHEDULE")
	envOverrideInt(&cfg.AlertLimit, "ALERT_LIMIT")

	applyDefaults(&cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.DBPath == "" {
		cfg.DBPath = "./llm_eval.db"
	}
	if cfg.ReportDir == "" {
		cfg.ReportDir = "./reports"
	}
	if cfg.Backend == "" {
		cfg.Backend = "ollama"
	}
	if cfg.OllamaURL == "" {
		cfg.OllamaURL = "http://localhost:11434"
	}
	if cfg.APIAddr == "" {
		cfg.APIAddr = ":8080"
	}
	if cfg.WatchSchedule == "" {
		cfg.WatchSchedule = "0 6 * * *"
	}
	if cfg.AlertLimit == 0 {
		cfg.AlertLimit = 50
	}
}

func envOverride(target *string, key string) {
	if value := os.Getenv(key); value != "" {
		*target = value
	}
}

func envOverrideInt(target *int, key string) {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			log.Fatalf("Invalid value for %s: %v", key, err)
		}
		*target = parsed
	}
}
