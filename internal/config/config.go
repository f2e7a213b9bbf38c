package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-yaml"
)

const (
	// DefaultCatalogPath is the catalog document shipped next to the agent.
	DefaultCatalogPath = "catalog.json"
	// DefaultDownloadRetries bounds the retry attempts for transient network
	// failures during an image download.
	DefaultDownloadRetries = 3
	// DefaultProgressInterval is the minimum time between two progress events
	// delivered to a collaborator.
	DefaultProgressInterval = 500 * time.Millisecond
	// DefaultRoundTripTimeout applies to each network or device round-trip,
	// never to the job as a whole.
	DefaultRoundTripTimeout = 30 * time.Second
)

// Config holds the agent configuration.
type Config struct {
	LogLevel string `yaml:"log_level"`
	// CacheDir is the directory of the content-addressed image cache.
	CacheDir string `yaml:"cache_dir"`
	// CatalogPath is the local catalog document.
	CatalogPath string `yaml:"catalog_path"`
	// CatalogURL, when set, is fetched on startup and merged over the local
	// catalog so new images appear without an agent release.
	CatalogURL string `yaml:"catalog_url,omitempty"`

	Download DownloadConfig `yaml:"download"`
	Flasher  FlasherConfig  `yaml:"flasher"`
}

// DownloadConfig tunes the download and cache manager.
type DownloadConfig struct {
	Retries          int           `yaml:"retries"`
	RoundTripTimeout time.Duration `yaml:"round_trip_timeout"`
	ProgressInterval time.Duration `yaml:"progress_interval"`
}

// FlasherConfig carries per-variant flashing defaults.
type FlasherConfig struct {
	// Verify controls post-write verification. Disabling it downgrades a
	// successful job to a completed-unverified result.
	Verify bool `yaml:"verify"`
	// PersistEEPROM keeps the EEPROM contents across a PocketBeagle 2 MSPM0
	// flash.
	PersistEEPROM bool `yaml:"persist_eeprom"`
}

// Default returns a configuration with all defaults applied.
func Default() *Config {
	cacheDir, err := os.UserCacheDir()
	if err != nil {
		cacheDir = os.TempDir()
	}

	return &Config{
		LogLevel:    "info",
		CacheDir:    filepath.Join(cacheDir, "boardflash"),
		CatalogPath: DefaultCatalogPath,
		Download: DownloadConfig{
			Retries:          DefaultDownloadRetries,
			RoundTripTimeout: DefaultRoundTripTimeout,
			ProgressInterval: DefaultProgressInterval,
		},
		Flasher: FlasherConfig{
			Verify:        true,
			PersistEEPROM: true,
		},
	}
}

// Load reads the configuration from a YAML file, merging it over defaults.
// A missing file is not an error; the defaults are returned unchanged.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(configPath)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()
	return cfg, nil
}

// Save writes the configuration to a YAML file, creating the parent
// directory if needed.
func Save(cfg *Config, configPath string) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.CatalogPath == "" {
		c.CatalogPath = DefaultCatalogPath
	}
	if c.Download.Retries <= 0 {
		c.Download.Retries = DefaultDownloadRetries
	}
	if c.Download.RoundTripTimeout <= 0 {
		c.Download.RoundTripTimeout = DefaultRoundTripTimeout
	}
	if c.Download.ProgressInterval <= 0 {
		c.Download.ProgressInterval = DefaultProgressInterval
	}
}
