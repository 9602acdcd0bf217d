// Package config 应用配置（YAML 文件 + 环境变量覆盖）
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/deskbot/godesk/pkg/logger"
)

// APIConfig REST 后端配置
type APIConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// StreamConfig 实时频道配置
type StreamConfig struct {
	URL           string        `yaml:"url"`
	PingInterval  time.Duration `yaml:"ping_interval"`
	ReadTimeout   time.Duration `yaml:"read_timeout"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
	MaxReconnect  int           `yaml:"max_reconnect"`
	ReconnectBase time.Duration `yaml:"reconnect_base"`
	ReconnectMax  time.Duration `yaml:"reconnect_max"`
}

// RetryConfig 重试与退避配置（transport 与 stream 共用）
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// SessionConfig 会话凭证存储
type SessionConfig struct {
	Path string `yaml:"path"`
}

// Config 应用配置
type Config struct {
	API       APIConfig     `yaml:"api"`
	Stream    StreamConfig  `yaml:"stream"`
	Retry     RetryConfig   `yaml:"retry"`
	Session   SessionConfig `yaml:"session"`
	Symbols   []string      `yaml:"symbols"`
	Freshness time.Duration `yaml:"freshness"` // data older than this is shown as stale
	Log       logger.Config `yaml:"log"`
}

// Default 返回默认配置
func Default() *Config {
	return &Config{
		API: APIConfig{
			BaseURL: "https://api.trade.example.com",
			Timeout: 30 * time.Second,
		},
		Stream: StreamConfig{
			URL:           "wss://stream.trade.example.com/ws",
			PingInterval:  5 * time.Second,
			ReadTimeout:   60 * time.Second,
			WriteTimeout:  10 * time.Second,
			MaxReconnect:  10,
			ReconnectBase: 500 * time.Millisecond,
			ReconnectMax:  10 * time.Second,
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   500 * time.Millisecond,
			MaxDelay:    10 * time.Second,
		},
		Session: SessionConfig{
			Path: ".godesk/session",
		},
		Symbols:   []string{"SOL-USD"},
		Freshness: 15 * time.Second,
		Log: logger.Config{
			Level:      "info",
			MaxSize:    50,
			MaxBackups: 3,
			MaxAge:     7,
		},
	}
}

// Load 从文件加载配置，文件不存在时返回默认配置。
// 环境变量覆盖在解析之后应用。
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, errors.Wrapf(err, "read config %s", path)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrapf(err, "parse config %s", path)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv 应用环境变量覆盖（GODESK_* 前缀）
func applyEnv(cfg *Config) {
	if v := os.Getenv("GODESK_API_URL"); v != "" {
		cfg.API.BaseURL = v
	}
	if v := os.Getenv("GODESK_STREAM_URL"); v != "" {
		cfg.Stream.URL = v
	}
	if v := os.Getenv("GODESK_SESSION_PATH"); v != "" {
		cfg.Session.Path = v
	}
	if v := os.Getenv("GODESK_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("GODESK_LOG_FILE"); v != "" {
		cfg.Log.OutputFile = v
	}
	if v := os.Getenv("GODESK_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Retry.MaxAttempts = n
		}
	}
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return errors.New("config: api.base_url is required")
	}
	if c.Stream.URL == "" {
		return errors.New("config: stream.url is required")
	}
	if c.Retry.MaxAttempts < 1 {
		return errors.New("config: retry.max_attempts must be >= 1")
	}
	if len(c.Symbols) == 0 {
		return errors.New("config: at least one symbol is required")
	}
	return nil
}
