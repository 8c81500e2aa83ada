// Package config loads the ambient tuning knobs the core needs beyond
// the account credential strings documented in spec.md §6 (those are
// read straight from the environment by cmd/server, since their
// colon-delimited format doesn't map cleanly onto Viper's struct
// binding). Everything here follows the teacher's
// spf13/viper-over-YAML-with-defaults pattern.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// AppConfig is the top-level configuration for the aggregator.
type AppConfig struct {
	// Domains maps each configured catch-all domain to the backend
	// mailbox address that receives all of its mail (spec.md §4.3).
	// The core's collaborator supplies this list; it is not read from
	// the environment.
	Domains map[string]string `mapstructure:"domains" yaml:"domains"`

	// DebounceMillis is the IDLE Listener's debounce window in
	// milliseconds (spec.md §4.5: 500-3000ms depending on profile).
	DebounceMillis int `mapstructure:"debounce_millis" yaml:"debounce_millis"`

	// UltraFastProfile selects the 15-message fetch window instead of
	// the default 50/100 (spec.md §4.8 step 5).
	UltraFastProfile bool `mapstructure:"ultra_fast_profile" yaml:"ultra_fast_profile"`

	// ListenAddr is where cmd/server's HTTP adapter listens.
	ListenAddr string `mapstructure:"listen_addr" yaml:"listen_addr"`
}

// Debounce returns DebounceMillis as a time.Duration.
func (c AppConfig) Debounce() time.Duration {
	return time.Duration(c.DebounceMillis) * time.Millisecond
}

// DefaultConfigPath returns ~/.config/inboxmux/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "inboxmux", "config.yaml")
}

func defaultAppConfig() *AppConfig {
	return &AppConfig{
		Domains:          map[string]string{},
		DebounceMillis:   3000,
		UltraFastProfile: false,
		ListenAddr:       ":8080",
	}
}

// Load reads configuration from path using Viper. A missing file is
// not an error; it yields sensible defaults, matching the teacher's
// LoadConfig behavior in internal/model/config.go.
func Load(path string) (*AppConfig, error) {
	// Domain names contain dots, so "::" is the key delimiter: with the
	// default "." each domain under `domains` would be split into nested keys.
	v := viper.NewWithOptions(viper.KeyDelimiter("::"))
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetDefault("debounce_millis", 3000)
	v.SetDefault("ultra_fast_profile", false)
	v.SetDefault("listen_addr", ":8080")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(*os.PathError); ok {
			return defaultAppConfig(), nil
		}
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return defaultAppConfig(), nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := defaultAppConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}
