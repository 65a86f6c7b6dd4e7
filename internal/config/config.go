package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config carries all server settings. Precedence: defaults, then the
// optional YAML file, then SCHOOLCHAT_* environment variables.
type Config struct {
	HTTP  HTTPConfig  `mapstructure:"http"`
	WS    WSConfig    `mapstructure:"websocket"`
	Store StoreConfig `mapstructure:"store"`
	Auth  AuthConfig  `mapstructure:"auth"`
	Chat  ChatConfig  `mapstructure:"chat"`
	Log   LogConfig   `mapstructure:"log"`
}

type HTTPConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type WSConfig struct {
	PingInterval     time.Duration `mapstructure:"ping_interval"`
	ReadTimeout      time.Duration `mapstructure:"read_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	SendBuffer       int           `mapstructure:"send_buffer"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
}

type StoreConfig struct {
	Path string `mapstructure:"path"`
}

type AuthConfig struct {
	Secret string `mapstructure:"secret"`
}

// ChatConfig defines the room universe: one staff room plus one room per
// configured class. Rooms are derived from this list, never created live.
type ChatConfig struct {
	StaffRoom    string   `mapstructure:"staff_room"`
	Classes      []string `mapstructure:"classes"`
	HistoryLimit int      `mapstructure:"history_limit"`
	RateLimit    int      `mapstructure:"rate_limit"`
	RateWindow   time.Duration `mapstructure:"rate_window"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// Load reads configuration from the given file path (optional, "" skips it)
// layered over defaults and the environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", "30s")
	v.SetDefault("http.write_timeout", "30s")

	v.SetDefault("websocket.ping_interval", "30s")
	v.SetDefault("websocket.read_timeout", "60s")
	v.SetDefault("websocket.write_timeout", "10s")
	v.SetDefault("websocket.send_buffer", 100)
	v.SetDefault("websocket.handshake_timeout", "10s")

	v.SetDefault("store.path", "./data/schoolchat.db")

	// Registered empty so SCHOOLCHAT_AUTH_SECRET is visible to Unmarshal;
	// validation still rejects a missing secret.
	v.SetDefault("auth.secret", "")

	v.SetDefault("chat.staff_room", "Teachers")
	v.SetDefault("chat.classes", []string{})
	v.SetDefault("chat.history_limit", 200)
	v.SetDefault("chat.rate_limit", 20)
	v.SetDefault("chat.rate_window", "10s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)

	v.SetEnvPrefix("SCHOOLCHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations that cannot run before any component is
// wired.
func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http port must be between 1 and 65535, got %d", c.HTTP.Port)
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 {
		return fmt.Errorf("http timeouts must be positive")
	}
	if c.WS.PingInterval <= 0 || c.WS.ReadTimeout <= 0 || c.WS.WriteTimeout <= 0 {
		return fmt.Errorf("websocket timeouts must be positive")
	}
	if c.WS.ReadTimeout <= c.WS.PingInterval {
		return fmt.Errorf("websocket read timeout must exceed ping interval")
	}
	if c.WS.SendBuffer <= 0 {
		return fmt.Errorf("websocket send buffer must be positive")
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store path cannot be empty")
	}
	if c.Auth.Secret == "" {
		return fmt.Errorf("auth secret cannot be empty")
	}
	if c.Chat.StaffRoom == "" {
		return fmt.Errorf("staff room name cannot be empty")
	}
	if c.Chat.HistoryLimit <= 0 {
		return fmt.Errorf("history limit must be positive")
	}
	if c.Chat.RateLimit <= 0 || c.Chat.RateWindow <= 0 {
		return fmt.Errorf("rate limit and window must be positive")
	}
	seen := make(map[string]bool, len(c.Chat.Classes))
	for _, class := range c.Chat.Classes {
		if class == "" {
			return fmt.Errorf("class names cannot be empty")
		}
		if class == c.Chat.StaffRoom {
			return fmt.Errorf("class %q collides with the staff room name", class)
		}
		if seen[class] {
			return fmt.Errorf("duplicate class %q", class)
		}
		seen[class] = true
	}
	return nil
}
