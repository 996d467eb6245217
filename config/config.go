// Package config loads the deptusers YAML configuration and assembles the
// cache, API client and Service it describes.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/unkn0wn-root/deptusers/codec"
	"github.com/unkn0wn-root/deptusers/provider/file"
	"github.com/unkn0wn-root/deptusers/swr"
)

// EnvPath names the variable consulted when no explicit path is given.
const EnvPath = "DEPTUSERS_CONFIG"

type Config struct {
	// WebURL is the site address user photo links are built from.
	WebURL  string        `yaml:"webUrl"`
	API     APIConfig     `yaml:"api"`
	Cache   CacheConfig   `yaml:"cache"`
	Log     LogConfig     `yaml:"log"`
	Hooks   HooksConfig   `yaml:"hooks"`
	Metrics MetricsConfig `yaml:"metrics"`

	// Source is the file the config was read from; empty for defaults.
	Source string `yaml:"-"`
}

type APIConfig struct {
	BaseURL string            `yaml:"baseUrl"` // defaults to WebURL
	Timeout time.Duration     `yaml:"timeout"`
	Headers map[string]string `yaml:"headers"`
	MaxBody int64             `yaml:"maxBody"`
}

type CacheConfig struct {
	Disabled bool   `yaml:"disabled"`
	Prefix   string `yaml:"prefix"` // namespace prefix; the codec name is appended
	Codec    string `yaml:"codec"`
	Provider string `yaml:"provider"` // file | redis | bigcache | ristretto
	Stamps   string `yaml:"stamps"`   // local | redis

	Policy         PolicyConfig  `yaml:"policy"`
	RefreshTimeout time.Duration `yaml:"refreshTimeout"`
	MaxDecodeBytes int           `yaml:"maxDecodeBytes"`

	File      FileConfig      `yaml:"file"`
	Redis     RedisConfig     `yaml:"redis"`
	BigCache  BigCacheConfig  `yaml:"bigcache"`
	Ristretto RistrettoConfig `yaml:"ristretto"`
}

type PolicyConfig struct {
	Expire       time.Duration `yaml:"expire"`
	Refresh      time.Duration `yaml:"refresh"`
	RefreshDelay time.Duration `yaml:"refreshDelay"`
}

type FileConfig struct {
	Dir string `yaml:"dir"` // empty => <user cache dir>/deptusers
}

type RedisConfig struct {
	Addrs     []string      `yaml:"addrs"`
	Username  string        `yaml:"username"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	KeyPrefix string        `yaml:"keyPrefix"`
	MaxTTL    time.Duration `yaml:"maxTTL"`
}

type BigCacheConfig struct {
	MaxEntrySize       int `yaml:"maxEntrySize"`
	HardMaxCacheSizeMB int `yaml:"hardMaxCacheSizeMB"`
}

type RistrettoConfig struct {
	NumCounters int64 `yaml:"numCounters"`
	MaxCost     int64 `yaml:"maxCost"`
	BufferItems int64 `yaml:"bufferItems"`
}

type LogConfig struct {
	Adapter string `yaml:"adapter"` // apex | zap | logrus | slog
	Level   string `yaml:"level"`
}

type HooksConfig struct {
	Log        bool   `yaml:"log"` // slog-backed event log
	Verbose    bool   `yaml:"verbose"`
	Async      bool   `yaml:"async"`
	QueueLen   int    `yaml:"queueLen"`
	SampleHeal uint64 `yaml:"sampleHeal"`
}

type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// Default returns a Config with a file-backed JSON cache and the standard
// 8h/30m/10s policy.
func Default() *Config {
	return &Config{
		API: APIConfig{
			Timeout: 30 * time.Second,
		},
		Cache: CacheConfig{
			Prefix:   "deptusers",
			Codec:    "json",
			Provider: "file",
			Stamps:   "local",
			Policy: PolicyConfig{
				Expire:       swr.DefaultPolicy.Expire,
				Refresh:      swr.DefaultPolicy.Refresh,
				RefreshDelay: swr.DefaultPolicy.RefreshDelay,
			},
			Redis: RedisConfig{
				Addrs: []string{"localhost:6379"},
			},
			BigCache: BigCacheConfig{
				MaxEntrySize: 64 << 10,
			},
			Ristretto: RistrettoConfig{
				NumCounters: 1e5,
				MaxCost:     64 << 20,
				BufferItems: 64,
			},
		},
		Log: LogConfig{
			Adapter: "apex",
			Level:   "error",
		},
		Hooks: HooksConfig{
			QueueLen: 1024,
		},
		Metrics: MetricsConfig{
			Namespace: "deptusers",
		},
	}
}

// Load reads path, or $DEPTUSERS_CONFIG when path is empty, over Default.
// With neither set the defaults are returned as is.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvPath)
	}
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.Source = path
	return cfg, nil
}

// ApplyEnv overrides selected fields from the environment.
func ApplyEnv(cfg *Config) {
	if v := os.Getenv("DEPTUSERS_WEB_URL"); v != "" {
		cfg.WebURL = v
	}
	if v := os.Getenv("DEPTUSERS_LOG"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("DEPTUSERS_CACHE_DIR"); v != "" {
		cfg.Cache.File.Dir = v
	}
	if v := os.Getenv("DEPTUSERS_REDIS_ADDR"); v != "" {
		cfg.Cache.Redis.Addrs = strings.Split(v, ",")
	}
	if v := os.Getenv("DEPTUSERS_REDIS_PASSWORD"); v != "" {
		cfg.Cache.Redis.Password = v
	}
}

func (c *Config) Policy() swr.Policy {
	return swr.Policy{
		Expire:       c.Cache.Policy.Expire,
		Refresh:      c.Cache.Policy.Refresh,
		RefreshDelay: c.Cache.Policy.RefreshDelay,
	}
}

// Namespace is the cache namespace: prefix plus codec, so that processes
// using different codecs never read each other's entries.
func (c *Config) Namespace() string {
	name := strings.ToLower(strings.TrimSpace(c.Cache.Codec))
	if name == "" {
		name = "json"
	}
	return c.Cache.Prefix + ":" + name
}

func (c *Config) APIBaseURL() string {
	if c.API.BaseURL != "" {
		return c.API.BaseURL
	}
	return c.WebURL
}

// FileDir resolves the file provider directory.
func (c *Config) FileDir() (string, error) {
	if c.Cache.File.Dir != "" {
		return filepath.Clean(c.Cache.File.Dir), nil
	}
	return file.DefaultDir()
}

func (c *Config) Validate() error {
	var errs []error
	if c.WebURL == "" {
		errs = append(errs, errors.New("webUrl is required"))
	}
	if c.Cache.Prefix == "" {
		errs = append(errs, errors.New("cache.prefix is required"))
	}
	if _, err := codec.ByName[[]string](c.Cache.Codec); err != nil {
		errs = append(errs, err)
	}
	switch c.Cache.Provider {
	case "file", "redis", "bigcache", "ristretto":
	default:
		errs = append(errs, fmt.Errorf("cache.provider: unknown provider %q", c.Cache.Provider))
	}
	switch c.Cache.Stamps {
	case "local", "redis":
	default:
		errs = append(errs, fmt.Errorf("cache.stamps: unknown stamp store %q", c.Cache.Stamps))
	}
	if (c.Cache.Provider == "redis" || c.Cache.Stamps == "redis") && len(c.Cache.Redis.Addrs) == 0 {
		errs = append(errs, errors.New("cache.redis.addrs is required for redis"))
	}
	if err := c.Policy().Validate(); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.Log.Adapter) {
	case "apex", "zap", "logrus", "slog":
	default:
		errs = append(errs, fmt.Errorf("log.adapter: unknown adapter %q", c.Log.Adapter))
	}
	if len(errs) == 0 {
		return nil
	}
	err := errors.Join(errs...)
	if c.Source != "" {
		return fmt.Errorf("config %s: %w", c.Source, err)
	}
	return fmt.Errorf("config: %w", err)
}
