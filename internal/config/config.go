// Package config loads trainer-link settings from defaults, a YAML file,
// TRAINER_LINK_* environment variables and command-line flags, in increasing
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	EnvPrefix = "TRAINER_LINK"
	dirName   = ".trainer-link"
)

type LogConfig struct {
	Level      string `mapstructure:"level" default:"info"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" default:"10"`
	MaxBackups int    `mapstructure:"max_backups" default:"3"`
	MaxAgeDays int    `mapstructure:"max_age_days" default:"28"`
}

type BLEConfig struct {
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout" default:"30s"`
	ScanWindow      time.Duration `mapstructure:"scan_window" default:"5s"`
	CandidateExpiry time.Duration `mapstructure:"candidate_expiry" default:"10s"`
}

type TrainerConfig struct {
	ResistanceOffset int `mapstructure:"resistance_offset" default:"0"`
	ResistanceStep   int `mapstructure:"resistance_step" default:"5"`
}

type SimulatorConfig struct {
	Enabled  bool          `mapstructure:"enabled" default:"false"`
	Port     int           `mapstructure:"port" default:"0"`
	Interval time.Duration `mapstructure:"interval" default:"1s"`
}

// Config is the complete application configuration
type Config struct {
	Log       LogConfig       `mapstructure:"log"`
	BLE       BLEConfig       `mapstructure:"ble"`
	Trainer   TrainerConfig   `mapstructure:"trainer"`
	Simulator SimulatorConfig `mapstructure:"simulator"`
	// DevicesFile remembers the last device per role; empty means the default location
	DevicesFile string `mapstructure:"devices_file"`
}

// flagKeys maps command-line flags to config keys
var flagKeys = map[string]string{
	"log-level":      "log.level",
	"log-file":       "log.file",
	"simulate":       "simulator.enabled",
	"simulator-port": "simulator.port",
	"offset":         "trainer.resistance_offset",
	"timeout":        "ble.connect_timeout",
}

// Dir returns the per-user directory holding config and device memory
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, dirName)
}

// Default returns a Config with every default applied
func Default() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// BindFlags connects the known flags present in flags to v
func BindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for name, key := range flagKeys {
		flag := flags.Lookup(name)
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return fmt.Errorf("bind flag --%s: %w", name, err)
		}
	}
	return nil
}

// Load reads configFile, or config.yaml in Dir() when configFile is empty.
// A missing default file is fine; a missing explicit file is an error.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	cfg := Default()
	registerDefaults(v, cfg)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(Dir())
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if cfg.DevicesFile == "" {
		cfg.DevicesFile = filepath.Join(Dir(), "devices.yaml")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges that would otherwise fail much later
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if c.Trainer.ResistanceOffset < -100 || c.Trainer.ResistanceOffset > 100 {
		return fmt.Errorf("trainer.resistance_offset must be within -100..100, got %d", c.Trainer.ResistanceOffset)
	}
	if c.Trainer.ResistanceStep < 1 || c.Trainer.ResistanceStep > 50 {
		return fmt.Errorf("trainer.resistance_step must be within 1..50, got %d", c.Trainer.ResistanceStep)
	}
	if c.BLE.ConnectTimeout < 0 || c.BLE.ScanWindow <= 0 || c.BLE.CandidateExpiry <= 0 {
		return errors.New("ble: durations must be positive (connect_timeout may be 0 to disable)")
	}
	if c.Simulator.Interval <= 0 {
		return errors.New("simulator.interval must be positive")
	}
	return nil
}

// registerDefaults makes every key known to v so environment variables apply
// even when the file does not mention them
func registerDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.file", cfg.Log.File)
	v.SetDefault("log.max_size_mb", cfg.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", cfg.Log.MaxBackups)
	v.SetDefault("log.max_age_days", cfg.Log.MaxAgeDays)

	v.SetDefault("ble.connect_timeout", cfg.BLE.ConnectTimeout)
	v.SetDefault("ble.scan_window", cfg.BLE.ScanWindow)
	v.SetDefault("ble.candidate_expiry", cfg.BLE.CandidateExpiry)

	v.SetDefault("trainer.resistance_offset", cfg.Trainer.ResistanceOffset)
	v.SetDefault("trainer.resistance_step", cfg.Trainer.ResistanceStep)

	v.SetDefault("simulator.enabled", cfg.Simulator.Enabled)
	v.SetDefault("simulator.port", cfg.Simulator.Port)
	v.SetDefault("simulator.interval", cfg.Simulator.Interval)

	v.SetDefault("devices_file", cfg.DevicesFile)
}
