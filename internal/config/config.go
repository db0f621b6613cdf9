package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"vizcache-gateway/internal/cache"
	"vizcache-gateway/internal/vision"
)

// Config holds all gateway configuration.
type Config struct {
	Port           string        `yaml:"port"`
	VersionID      string        `yaml:"version"`
	Prompt         string        `yaml:"prompt"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	MaxUploadBytes int64         `yaml:"max_upload_bytes"`

	Cache  CacheConfig  `yaml:"cache"`
	Vision VisionConfig `yaml:"vision"`
}

// CacheConfig controls the response cache. An empty RedisAddr selects the
// in-process store.
type CacheConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	NearThreshold int           `yaml:"near_threshold"`
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPrefix   string        `yaml:"redis_prefix"`
	RedisTimeout  time.Duration `yaml:"redis_timeout"`
	MaxEntries    int           `yaml:"max_entries"`
}

// VisionConfig defines the upstream vision model.
type VisionConfig struct {
	BaseURL    string        `yaml:"base_url"`
	APIKey     string        `yaml:"api_key"`
	Model      string        `yaml:"model"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Port:           "8000",
		VersionID:      "v1",
		Prompt:         vision.DefaultPrompt,
		RequestTimeout: 90 * time.Second,
		MaxUploadBytes: 10 << 20,
		Cache: CacheConfig{
			TTL:           cache.DefaultTTL,
			NearThreshold: cache.DefaultNearThreshold,
			RedisPrefix:   "vizgate",
			RedisTimeout:  250 * time.Millisecond,
		},
		Vision: VisionConfig{
			BaseURL: "https://api.openai.com",
			Model:   vision.DefaultModel,
			Timeout: 60 * time.Second,
		},
	}
}

// Load reads an optional YAML file (environment variables in it are
// expanded) and then applies environment overrides. An empty path skips
// the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString(&c.Port, "PORT")
	setString(&c.VersionID, "GATEWAY_VERSION")
	setString(&c.Cache.RedisAddr, "REDIS_ADDR")
	setString(&c.Vision.BaseURL, "LLM_BASE_URL")
	setString(&c.Vision.Model, "VISION_MODEL")
	setString(&c.Vision.APIKey, "OPENAI_API_KEY")
	setString(&c.Vision.APIKey, "LLM_API_KEY")

	if v := os.Getenv("CACHE_TTL_SECONDS"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CACHE_TTL_SECONDS: %w", err)
		}
		c.Cache.TTL = time.Duration(secs) * time.Second
	}
	if v := os.Getenv("NEAR_DUP_THRESHOLD"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("NEAR_DUP_THRESHOLD: %w", err)
		}
		c.Cache.NearThreshold = n
	}
	if v := os.Getenv("CACHE_MAX_ENTRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CACHE_MAX_ENTRIES: %w", err)
		}
		c.Cache.MaxEntries = n
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// Validate checks the fields the gateway cannot start without.
func (c *Config) Validate() error {
	var errs []error
	if c.Port == "" {
		errs = append(errs, errors.New("port is required"))
	}
	if c.Prompt == "" {
		errs = append(errs, errors.New("prompt is required"))
	}
	if c.Cache.TTL <= 0 {
		errs = append(errs, errors.New("cache.ttl must be positive"))
	}
	if c.Cache.NearThreshold < 0 || c.Cache.NearThreshold > cache.FingerprintBits {
		errs = append(errs, fmt.Errorf("cache.near_threshold must be between 0 and %d", cache.FingerprintBits))
	}
	if c.Cache.MaxEntries < 0 {
		errs = append(errs, errors.New("cache.max_entries must not be negative"))
	}
	if c.Vision.APIKey == "" {
		errs = append(errs, errors.New("vision.api_key is required (OPENAI_API_KEY)"))
	}
	return errors.Join(errs...)
}

// CacheSettings maps the cache section onto cache.Config.
func (c *Config) CacheSettings() cache.Config {
	return cache.Config{
		TTL:            c.Cache.TTL,
		NearThreshold:  c.Cache.NearThreshold,
		Prefix:         c.Cache.RedisPrefix,
		RedisAddr:      c.Cache.RedisAddr,
		RedisOpTimeout: c.Cache.RedisTimeout,
		MaxEntries:     c.Cache.MaxEntries,
	}
}

// VisionSettings maps the vision section onto vision.Config.
func (c *Config) VisionSettings() vision.Config {
	return vision.Config{
		BaseURL:         c.Vision.BaseURL,
		APIKey:          c.Vision.APIKey,
		Model:           c.Vision.Model,
		UpstreamTimeout: c.Vision.Timeout,
		MaxRetries:      c.Vision.MaxRetries,
	}
}
