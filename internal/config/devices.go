package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// RememberedDevice is the last device connected for a role
type RememberedDevice struct {
	Name     string `mapstructure:"name"`
	Address  string `mapstructure:"address"`
	LastSeen string `mapstructure:"last_seen"`
}

// DeviceMemory keeps the last connected device per role in a small YAML file
type DeviceMemory struct {
	path   string
	logger logrus.FieldLogger

	mu sync.Mutex
	v  *viper.Viper
}

// OpenDeviceMemory loads path if it exists. A missing or unreadable file starts empty.
func OpenDeviceMemory(path string, logger logrus.FieldLogger) *DeviceMemory {
	if logger == nil {
		panic("config.OpenDeviceMemory: logger cannot be nil")
	}

	m := &DeviceMemory{
		path:   path,
		logger: logger.WithField("component", "devices"),
		v:      viper.New(),
	}
	m.v.SetConfigFile(path)
	m.v.SetConfigType("yaml")

	if err := m.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.Is(err, os.ErrNotExist) || errors.As(err, &notFound) {
			m.logger.WithField("path", path).Debug("No remembered devices")
		} else {
			m.logger.WithError(err).WithField("path", path).Warn("Ignoring unreadable device memory")
		}
		m.v = viper.New()
		m.v.SetConfigType("yaml")
	}
	return m
}

// Preferred returns the remembered device for role
func (m *DeviceMemory) Preferred(role string) (RememberedDevice, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var dev RememberedDevice
	if !m.v.IsSet(key(role)) {
		return dev, false
	}
	if err := m.v.UnmarshalKey(key(role), &dev); err != nil {
		m.logger.WithError(err).Warnf("Bad remembered device for %s", role)
		return dev, false
	}
	return dev, dev.Address != ""
}

// Remember stores the device for role and writes the file
func (m *DeviceMemory) Remember(role, name, address string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.v.Set(key(role), map[string]any{
		"name":      name,
		"address":   address,
		"last_seen": time.Now().UTC().Format(time.RFC3339),
	})

	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(m.path), err)
	}
	if err := m.v.WriteConfigAs(m.path); err != nil {
		return fmt.Errorf("write %s: %w", m.path, err)
	}
	m.logger.WithFields(logrus.Fields{"role": role, "address": address}).Debug("Device remembered")
	return nil
}

func key(role string) string {
	return "devices." + role
}
