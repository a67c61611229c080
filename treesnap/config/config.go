package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	internal "github.com/ZanzyTHEbar/treesnap/treesnap"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config stores all configuration of the application.
// The values are read by viper from a config file or environment variables.
type Config struct {
	Index  IndexConfig  `mapstructure:"index"`
	Search SearchConfig `mapstructure:"search"`
	Watch  WatchConfig  `mapstructure:"watch"`
	Server ServerConfig `mapstructure:"server"`
	Log    LogConfig    `mapstructure:"log"`
}

// IndexConfig controls how snapshots are built.
type IndexConfig struct {
	Root           string   `mapstructure:"root"`
	IgnoreFiles    []string `mapstructure:"ignoreFiles"`
	IgnorePatterns []string `mapstructure:"ignorePatterns"`
	MaxFileSize    int64    `mapstructure:"maxFileSize"`
	PieceSize      int      `mapstructure:"pieceSize"`
	Encoding       string   `mapstructure:"encoding"`
	FollowSymlinks bool     `mapstructure:"followSymlinks"`
	Workers        int      `mapstructure:"workers"`
}

// SearchConfig holds query limits.
type SearchConfig struct {
	MaxResults       int `mapstructure:"maxResults"`
	MaxExtractLength int `mapstructure:"maxExtractLength"`
}

// WatchConfig controls the file system change notifier.
type WatchConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	DebounceMillis    int  `mapstructure:"debounceMillis"`
	MaxDebounceMillis int  `mapstructure:"maxDebounceMillis"`
}

// ServerConfig controls protocol connections.
type ServerConfig struct {
	MaxConcurrentRequests int `mapstructure:"maxConcurrentRequests"`
	EventBuffer           int `mapstructure:"eventBuffer"`
}

// LogConfig controls the zerolog logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// DebounceDelay returns the debounce delay as a duration.
func (w WatchConfig) DebounceDelay() time.Duration {
	return time.Duration(w.DebounceMillis) * time.Millisecond
}

// MaxDebounceDelay returns the max debounce delay as a duration.
func (w WatchConfig) MaxDebounceDelay() time.Duration {
	return time.Duration(w.MaxDebounceMillis) * time.Millisecond
}

// flagKeys maps CLI flag names onto config keys.
var flagKeys = map[string]string{
	"root":            "index.root",
	"ignore":          "index.ignorePatterns",
	"encoding":        "index.encoding",
	"workers":         "index.workers",
	"follow-symlinks": "index.followSymlinks",
	"max-results":     "search.maxResults",
	"watch":           "watch.enabled",
	"log-level":       "log.level",
	"pretty":          "log.pretty",
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(configPath string) (*Config, error) {
	return LoadConfigWithFlags(configPath, nil)
}

// LoadConfigWithFlags is LoadConfig with command line flags layered on top.
// Only flags that were explicitly set override file and env values.
func LoadConfigWithFlags(configPath string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("..")
		v.AddConfigPath(internal.DefaultConfigPath)
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	setDefaults(v)

	v.SetEnvPrefix(strings.ToUpper(internal.DefaultAppName))
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // index.root becomes TREESNAP_INDEX_ROOT
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil && f.Changed {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("index.root", ".")
	v.SetDefault("index.ignoreFiles", []string{".gitignore", internal.DefaultIgnoreFile})
	v.SetDefault("index.ignorePatterns", []string{})
	v.SetDefault("index.maxFileSize", internal.DefaultMaxFileSize)
	v.SetDefault("index.pieceSize", internal.DefaultPieceSize)
	v.SetDefault("index.encoding", internal.DefaultEncoding)
	v.SetDefault("index.followSymlinks", true)
	v.SetDefault("index.workers", 0)

	v.SetDefault("search.maxResults", internal.DefaultMaxResults)
	v.SetDefault("search.maxExtractLength", internal.DefaultMaxExtractLength)

	v.SetDefault("watch.enabled", true)
	v.SetDefault("watch.debounceMillis", 250)
	v.SetDefault("watch.maxDebounceMillis", 2000)

	v.SetDefault("server.maxConcurrentRequests", 8)
	v.SetDefault("server.eventBuffer", 256)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
}

func (c *Config) normalize() error {
	if c.Index.Root == "" {
		return fmt.Errorf("index.root cannot be empty")
	}
	root, err := filepath.Abs(c.Index.Root)
	if err != nil {
		return fmt.Errorf("failed to resolve index root %s: %w", c.Index.Root, err)
	}
	c.Index.Root = root

	if c.Index.PieceSize <= 0 {
		c.Index.PieceSize = internal.DefaultPieceSize
	}
	if c.Search.MaxExtractLength <= 0 {
		c.Search.MaxExtractLength = internal.DefaultMaxExtractLength
	}
	if c.Watch.MaxDebounceMillis < c.Watch.DebounceMillis {
		c.Watch.MaxDebounceMillis = c.Watch.DebounceMillis
	}
	return nil
}
