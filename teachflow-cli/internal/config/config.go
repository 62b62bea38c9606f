package config

import (
	"os"
	"path/filepath"

	pkgconfig "github.com/teachflow/teachflow-live/pkg/config"
)

type Config struct {
	// AuthURL is the auth-service API root.
	AuthURL string `mapstructure:"auth_url"`
	// ChatURL is the chat-service base URL. The websocket endpoint and the
	// live-class API are derived from it.
	ChatURL      string `mapstructure:"chat_url"`
	StateFile    string `mapstructure:"state_file"`
	HistoryLimit int    `mapstructure:"history_limit"`
	Log          LogConfig
}

type LogConfig struct {
	Level string
	// File receives the client log. Empty discards it.
	File string
}

// Load reads cli.yaml from configDir and TEACHFLOW_* environment overrides.
func Load(configDir string) (*Config, error) {
	v, err := pkgconfig.Load(configDir, "cli")
	if err != nil {
		return nil, err
	}

	v.SetDefault("auth_url", "http://localhost:8081/api")
	v.SetDefault("chat_url", "http://localhost:8088")
	v.SetDefault("state_file", defaultStateFile())
	v.SetDefault("history_limit", 50)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")

	v.BindEnv("auth_url", "TEACHFLOW_AUTH_URL")
	v.BindEnv("chat_url", "TEACHFLOW_CHAT_URL")
	v.BindEnv("state_file", "TEACHFLOW_STATE_FILE")
	v.BindEnv("log.level", "TEACHFLOW_LOG_LEVEL")
	v.BindEnv("log.file", "TEACHFLOW_LOG_FILE")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func defaultStateFile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, "teachflow", "state.db")
}
