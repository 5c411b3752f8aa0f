package config

import (
	"bufio"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/chatkit/internal/logger"
	"gopkg.in/yaml.v3"
)

// loadEnv reads .env only outside production (in containers/prod the config
// comes from the environment alone).
func loadEnv() {
	if os.Getenv("APP_ENV") == "production" {
		return
	}
	dir, err := os.Getwd()
	if err != nil {
		return
	}
	for i := 0; i < 5; i++ {
		path := dir + "/.env"
		f, err := os.Open(path)
		if err == nil {
			loadEnvFrom(f)
			f.Close()
			return
		}
		parent := strings.TrimSuffix(dir, "/")
		if idx := strings.LastIndex(parent, "/"); idx <= 0 {
			return
		} else {
			dir = parent[:idx]
			if dir == "" {
				dir = "/"
			}
		}
	}
}

func loadEnvFrom(f *os.File) {
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		idx := strings.Index(line, "=")
		if idx <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		val := strings.TrimSpace(line[idx+1:])
		if key == "" {
			continue
		}
		if len(val) >= 2 && (val[0] == '"' && val[len(val)-1] == '"' || val[0] == '\'' && val[len(val)-1] == '\'') {
			val = val[1 : len(val)-1]
		}
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

// ReconnectConfig controls automatic reconnection after an unclean close.
// MaxAttempts 0 disables automatic reconnect (caller-initiated only).
type ReconnectConfig struct {
	MaxAttempts int `yaml:"max_attempts"`
	BaseDelayMs int `yaml:"base_delay_ms"`
	MaxDelayMs  int `yaml:"max_delay_ms"`
}

// Config holds the client engine settings.
// Priority: environment variables > YAML file > defaults.
type Config struct {
	// ServerURL is the chat server base URL, e.g. "http://localhost:8080".
	// The WebSocket endpoint is derived from it (http->ws, https->wss).
	ServerURL string `yaml:"server_url"`

	// Timeouts (seconds in YAML/env, durations in code).
	DialTimeout  time.Duration `yaml:"-"`
	WriteTimeout time.Duration `yaml:"-"`
	HTTPTimeout  time.Duration `yaml:"-"`

	// HistoryPageSize is the fixed page size sent on load_more_history.
	HistoryPageSize int `yaml:"history_page_size"`

	Reconnect ReconnectConfig `yaml:"reconnect"`

	LogLevel string `yaml:"log_level"`
}

// yamlConfig is the intermediate structure for YAML parsing.
type yamlConfig struct {
	ServerURL       string          `yaml:"server_url"`
	DialTimeout     int             `yaml:"dial_timeout"`
	WriteTimeout    int             `yaml:"write_timeout"`
	HTTPTimeout     int             `yaml:"http_timeout"`
	HistoryPageSize int             `yaml:"history_page_size"`
	Reconnect       ReconnectConfig `yaml:"reconnect"`
	LogLevel        string          `yaml:"log_level"`
}

// Load loads the configuration. Variables from .env (if present) are loaded
// first, then YAML, then the environment (environment wins).
func Load() *Config {
	loadEnv()
	yc := yamlConfig{
		ServerURL:       "http://localhost:8080",
		DialTimeout:     10,
		WriteTimeout:    10,
		HTTPTimeout:     15,
		HistoryPageSize: 50,
		LogLevel:        "info",
	}

	paths := []string{os.Getenv("CONFIG_PATH"), "config/chat.yaml"}
	for _, path := range paths {
		if path == "" {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if err := yaml.Unmarshal(data, &yc); err != nil {
			logger.Errorf("config: parse %s: %v (using defaults)", path, err)
		} else {
			logger.Infof("config: loaded %s", path)
		}
		break
	}

	cfg := &Config{
		ServerURL:       envStr("CHAT_SERVER_URL", yc.ServerURL),
		DialTimeout:     time.Duration(envInt("DIAL_TIMEOUT", yc.DialTimeout)) * time.Second,
		WriteTimeout:    time.Duration(envInt("WRITE_TIMEOUT", yc.WriteTimeout)) * time.Second,
		HTTPTimeout:     time.Duration(envInt("HTTP_TIMEOUT", yc.HTTPTimeout)) * time.Second,
		HistoryPageSize: envInt("HISTORY_PAGE_SIZE", yc.HistoryPageSize),
		Reconnect: ReconnectConfig{
			MaxAttempts: envInt("RECONNECT_MAX_ATTEMPTS", yc.Reconnect.MaxAttempts),
			BaseDelayMs: envInt("RECONNECT_BASE_DELAY_MS", yc.Reconnect.BaseDelayMs),
			MaxDelayMs:  envInt("RECONNECT_MAX_DELAY_MS", yc.Reconnect.MaxDelayMs),
		},
		LogLevel: envStr("LOG_LEVEL", yc.LogLevel),
	}
	if cfg.HistoryPageSize <= 0 {
		cfg.HistoryPageSize = 50
	}
	cfg.ServerURL = strings.TrimRight(cfg.ServerURL, "/")
	return cfg
}

// envStr returns the environment variable value or fallback.
func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// envInt returns the numeric environment variable value or fallback.
func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
