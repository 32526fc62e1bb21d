// Package config loads gateway configuration from a YAML file and the
// environment. Environment values (prefix SPOTTY_) override file values;
// defaults fill whatever is left.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Server      ServerConfig      `koanf:"server"`
	API         APIConfig         `koanf:"api"`
	Communities []CommunityConfig `koanf:"communities"`
}

type ServerConfig struct {
	Port int `koanf:"port"`
}

// APIConfig tunes the outbound client. Durations are strings like "75ms"
// (see ParseDuration accessors).
type APIConfig struct {
	Version       string `koanf:"version"`
	BaseURL       string `koanf:"base_url"`
	Timeout       string `koanf:"timeout"`
	Retries       int    `koanf:"retries"`
	FlushInterval string `koanf:"flush_interval"`
	BatchLimit    int    `koanf:"batch_limit"`
}

// CommunityConfig is one registered community and its credentials.
type CommunityConfig struct {
	ID               int64  `koanf:"id"`
	AccessToken      string `koanf:"access_token"`
	ConfirmationCode string `koanf:"confirmation_code"`
	SecretKey        string `koanf:"secret_key"`
}

const envPrefix = "SPOTTY_"

// Load reads the optional YAML config file (path from SPOTTY_CONFIG, default
// "config.yaml" when present), then the environment, then applies defaults.
func Load() (*Config, error) {
	k := koanf.New(".")

	path := os.Getenv("SPOTTY_CONFIG")
	if path == "" {
		if _, err := os.Stat("config.yaml"); err == nil {
			path = "config.yaml"
		}
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	// Double underscore separates nesting levels so single underscores
	// survive inside key names: SPOTTY_API__BASE_URL -> api.base_url.
	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "__", ".")
	}), nil); err != nil {
		return nil, err
	}

	defaults := map[string]any{
		"server.port":        8080,
		"api.version":        "5.68",
		"api.base_url":       "https://api.vk.com/method/",
		"api.timeout":        "5s",
		"api.retries":        3,
		"api.flush_interval": "75ms",
		"api.batch_limit":    25,
	}
	for key, value := range defaults {
		if !k.Exists(key) {
			k.Set(key, value)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// TimeoutDuration parses the direct-call HTTP timeout.
func (c APIConfig) TimeoutDuration() (time.Duration, error) {
	return time.ParseDuration(c.Timeout)
}

// FlushIntervalDuration parses the batch flush interval.
func (c APIConfig) FlushIntervalDuration() (time.Duration, error) {
	return time.ParseDuration(c.FlushInterval)
}
