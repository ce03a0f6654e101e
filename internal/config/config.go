// Package config loads the daemon configuration: yaml file first, then
// environment overrides, then flag overrides applied by the caller.
package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"loopline/go-backend/internal/realtime"
)

type Config struct {
	User        string          `yaml:"user"`
	DataDir     string          `yaml:"dataDir"`
	MetricsAddr string          `yaml:"metricsAddr"`
	Realtime    realtime.Config `yaml:"realtime"`

	// Passphrase seals everything at rest. Never read from yaml; env only.
	Passphrase string `yaml:"-"`
}

func Default() Config {
	return Config{
		DataDir:     defaultDataDir(),
		MetricsAddr: "127.0.0.1:9091",
		Realtime:    realtime.DefaultConfig(),
	}
}

// Load reads the config file when present and layers env overrides on top.
// A missing file is not an error; an unreadable or invalid one is.
func Load(path string) (Config, error) {
	cfg := Default()

	candidates := make([]string, 0, 2)
	if path != "" {
		candidates = append(candidates, path)
	} else {
		candidates = append(candidates, "configs/config.yaml")
	}
	for _, candidate := range candidates {
		data, err := os.ReadFile(candidate)
		if err != nil {
			if path != "" {
				return Config{}, err
			}
			continue
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, err
		}
		break
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.User) == "" {
		return errors.New("config: user id is required")
	}
	if strings.TrimSpace(c.DataDir) == "" {
		return errors.New("config: data dir is required")
	}
	return c.Realtime.Validate()
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LOOPLINE_USER"); v != "" {
		cfg.User = v
	}
	if v := os.Getenv("LOOPLINE_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("LOOPLINE_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	if v := os.Getenv("LOOPLINE_TRANSPORT"); v != "" {
		cfg.Realtime.Transport = v
	}
	if v := os.Getenv("LOOPLINE_REDIS_ADDR"); v != "" {
		cfg.Realtime.RedisAddr = v
	}
	if v := os.Getenv("LOOPLINE_PASSPHRASE"); v != "" {
		cfg.Passphrase = v
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "loopline-data"
	}
	return filepath.Join(home, ".loopline")
}
