package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// FlexibleStringSlice is a []string that also accepts JSON numbers,
// so guild and channel ids can be written as "123" or 123.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}

	// Snowflakes overflow float64, so keep numbers in their literal form.
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw []interface{}
	if err := dec.Decode(&raw); err != nil {
		return err
	}

	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case json.Number:
			result = append(result, val.String())
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Contains reports whether id is listed, ignoring surrounding whitespace.
func (f FlexibleStringSlice) Contains(id string) bool {
	id = strings.TrimSpace(id)
	if id == "" {
		return false
	}
	return slices.ContainsFunc(f, func(s string) bool {
		return strings.TrimSpace(s) == id
	})
}

type Config struct {
	Discord DiscordConfig `json:"discord" yaml:"discord"`
	Archive ArchiveConfig `json:"archive" yaml:"archive"`
	Twitter TwitterConfig `json:"twitter" yaml:"twitter"`
	Profile ProfileConfig `json:"profile" yaml:"profile"`
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`
	Logging LoggingConfig `json:"logging" yaml:"logging"`
	Debug   bool          `json:"debug" yaml:"debug" env:"WATCHER_DEBUG"`
	mu      sync.RWMutex
}

type DiscordConfig struct {
	Token    string              `json:"token" yaml:"token" env:"WATCHER_DISCORD_TOKEN"`
	Guilds   FlexibleStringSlice `json:"guilds" yaml:"guilds" env:"WATCHER_DISCORD_GUILDS"`
	Channels FlexibleStringSlice `json:"channels" yaml:"channels" env:"WATCHER_DISCORD_CHANNELS"`
}

type ArchiveConfig struct {
	Root          string `json:"root" yaml:"root" env:"WATCHER_ARCHIVE_ROOT"`
	HTTPTimeout   int    `json:"http_timeout" yaml:"http_timeout" env:"WATCHER_ARCHIVE_HTTP_TIMEOUT"` // seconds
	MaxConcurrent int    `json:"max_concurrent" yaml:"max_concurrent" env:"WATCHER_ARCHIVE_MAX_CONCURRENT"`
}

type TwitterConfig struct {
	Enabled      bool    `json:"enabled" yaml:"enabled" env:"WATCHER_TWITTER_ENABLED"`
	ResolverHost string  `json:"resolver_host" yaml:"resolver_host" env:"WATCHER_TWITTER_RESOLVER_HOST"`
	RateLimit    float64 `json:"rate_limit" yaml:"rate_limit" env:"WATCHER_TWITTER_RATE_LIMIT"` // requests per second, 0 = unlimited
	Burst        int     `json:"burst" yaml:"burst" env:"WATCHER_TWITTER_BURST"`
}

type ProfileConfig struct {
	Users       FlexibleStringSlice `json:"users" yaml:"users" env:"WATCHER_PROFILE_USERS"`
	Avatar      bool                `json:"avatar" yaml:"avatar" env:"WATCHER_PROFILE_AVATAR"`
	Username    bool                `json:"username" yaml:"username" env:"WATCHER_PROFILE_USERNAME"`
	DisplayName bool                `json:"display_name" yaml:"display_name" env:"WATCHER_PROFILE_DISPLAY_NAME"`
	GuildIcons  bool                `json:"guild_icons" yaml:"guild_icons" env:"WATCHER_PROFILE_GUILD_ICONS"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" env:"WATCHER_METRICS_ENABLED"`
	Addr    string `json:"addr" yaml:"addr" env:"WATCHER_METRICS_ADDR"`
}

type LoggingConfig struct {
	Level           string `json:"level" yaml:"level" env:"WATCHER_LOGGING_LEVEL"`
	FileEnabled     bool   `json:"file_enabled" yaml:"file_enabled" env:"WATCHER_LOGGING_FILE_ENABLED"`
	FilePath        string `json:"file_path" yaml:"file_path" env:"WATCHER_LOGGING_FILE_PATH"`
	RotationEnabled bool   `json:"rotation_enabled" yaml:"rotation_enabled" env:"WATCHER_LOGGING_ROTATION_ENABLED"`
	MaxAgeDays      int    `json:"max_age_days" yaml:"max_age_days" env:"WATCHER_LOGGING_MAX_AGE_DAYS"`
	MaxSizeMB       int    `json:"max_size_mb" yaml:"max_size_mb" env:"WATCHER_LOGGING_MAX_SIZE_MB"`
}

const DefaultResolverHost = "api.vxtwitter.com"

func DefaultConfig() *Config {
	return &Config{
		Discord: DiscordConfig{
			Token:    "",
			Guilds:   FlexibleStringSlice{},
			Channels: FlexibleStringSlice{},
		},
		Archive: ArchiveConfig{
			Root:          "attachments",
			HTTPTimeout:   60,
			MaxConcurrent: 0,
		},
		Twitter: TwitterConfig{
			Enabled:      true,
			ResolverHost: DefaultResolverHost,
			RateLimit:    0,
			Burst:        1,
		},
		Profile: ProfileConfig{
			Users:       FlexibleStringSlice{},
			Avatar:      true,
			Username:    true,
			DisplayName: true,
			GuildIcons:  false,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    ":9464",
		},
		Logging: LoggingConfig{
			Level:           "info",
			FileEnabled:     false,
			FilePath:        "~/.watcher/watcher.log",
			RotationEnabled: true,
			MaxAgeDays:      7,
			MaxSizeMB:       50,
		},
	}
}

// LoadConfig reads path (JSON, or YAML for .yaml/.yml) over the defaults and
// then applies WATCHER_* environment overrides. A missing file is not an error.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := decode(path, data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case os.IsNotExist(err):
	default:
		return nil, err
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("apply env overrides: %w", err)
	}
	cfg.Discord.Token = resolveEnvRef(cfg.Discord.Token)

	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	default:
		return json.Unmarshal(data, cfg)
	}
}

func resolveEnvRef(v string) string {
	s := strings.TrimSpace(v)
	if s == "" {
		return v
	}
	var key string
	switch {
	case strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}"):
		key = strings.TrimSpace(s[2 : len(s)-1])
	case strings.HasPrefix(s, "$") && len(s) > 1:
		key = strings.TrimSpace(s[1:])
	}
	if key == "" {
		return v
	}
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return v
}

// SaveConfig writes cfg to path, as YAML for .yaml/.yml and JSON otherwise.
func SaveConfig(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cfg)
	default:
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write config temp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace config: %w", err)
	}
	return nil
}

// Validate checks what the gateway needs to connect.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if strings.TrimSpace(c.Discord.Token) == "" {
		return errors.New("discord token is required")
	}
	if c.Twitter.Enabled && strings.TrimSpace(c.Twitter.ResolverHost) == "" {
		return errors.New("twitter resolver_host is required when twitter capture is enabled")
	}
	return nil
}

func (c *Config) ArchiveRoot() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Archive.Root)
}

// IsAllowed reports whether events from guildID or channelID should be archived.
func (c *Config) IsAllowed(guildID, channelID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Discord.Guilds.Contains(guildID) || c.Discord.Channels.Contains(channelID)
}

func (c *Config) WatchesUser(userID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Profile.Users.Contains(userID)
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
