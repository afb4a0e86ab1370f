package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 10, cfg.Log.MaxSizeMB)
	assert.Equal(t, 3, cfg.Log.MaxBackups)
	assert.Equal(t, 28, cfg.Log.MaxAgeDays)
	assert.Equal(t, 30*time.Second, cfg.BLE.ConnectTimeout)
	assert.Equal(t, 5*time.Second, cfg.BLE.ScanWindow)
	assert.Equal(t, 10*time.Second, cfg.BLE.CandidateExpiry)
	assert.Equal(t, 5, cfg.Trainer.ResistanceStep)
	assert.Equal(t, time.Second, cfg.Simulator.Interval)
	assert.False(t, cfg.Simulator.Enabled)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_NoFileUsesDefaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load(viper.New(), "")

	require.NoError(t, err)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, filepath.Join(Dir(), "devices.yaml"), cfg.DevicesFile)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeFile(t, "trainer.yaml", `
log:
  level: debug
ble:
  connect_timeout: 12s
trainer:
  resistance_offset: -10
devices_file: /tmp/devices.yaml
`)

	cfg, err := Load(viper.New(), path)

	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 12*time.Second, cfg.BLE.ConnectTimeout)
	assert.Equal(t, 5*time.Second, cfg.BLE.ScanWindow)
	assert.Equal(t, -10, cfg.Trainer.ResistanceOffset)
	assert.Equal(t, "/tmp/devices.yaml", cfg.DevicesFile)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeFile(t, "trainer.yaml", "trainer:\n  resistance_step: 2\n")
	t.Setenv("TRAINER_LINK_TRAINER_RESISTANCE_STEP", "10")
	t.Setenv("TRAINER_LINK_SIMULATOR_ENABLED", "true")

	cfg, err := Load(viper.New(), path)

	require.NoError(t, err)
	assert.Equal(t, 10, cfg.Trainer.ResistanceStep)
	assert.True(t, cfg.Simulator.Enabled)
}

func TestLoad_FlagsWin(t *testing.T) {
	path := writeFile(t, "trainer.yaml", "log:\n  level: warn\n")
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("log-level", "info", "")
	flags.Bool("simulate", false, "")
	require.NoError(t, flags.Parse([]string{"--log-level=trace", "--simulate"}))

	v := viper.New()
	require.NoError(t, BindFlags(v, flags))
	cfg, err := Load(v, path)

	require.NoError(t, err)
	assert.Equal(t, "trace", cfg.Log.Level)
	assert.True(t, cfg.Simulator.Enabled)
}

func TestLoad_UnsetFlagKeepsFileValue(t *testing.T) {
	path := writeFile(t, "trainer.yaml", "log:\n  level: warn\n")
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("log-level", "info", "")
	require.NoError(t, flags.Parse(nil))

	v := viper.New()
	require.NoError(t, BindFlags(v, flags))
	cfg, err := Load(v, path)

	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"bad level", "log:\n  level: loud\n", "log.level"},
		{"offset out of range", "trainer:\n  resistance_offset: 150\n", "resistance_offset"},
		{"zero step", "trainer:\n  resistance_step: 0\n", "resistance_step"},
		{"negative timeout", "ble:\n  connect_timeout: -1s\n", "durations"},
		{"not yaml", "log: [level\n", "read config"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, "trainer.yaml", tt.content)

			_, err := Load(viper.New(), path)

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(viper.New(), filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestNewLogger_Stderr(t *testing.T) {
	var buf bytes.Buffer

	logger, closeFn, err := NewLogger(LogConfig{Level: "warn"}, &buf)
	require.NoError(t, err)
	defer closeFn()

	logger.Info("hidden")
	logger.Warn("shown")

	assert.Equal(t, logrus.WarnLevel, logger.GetLevel())
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestNewLogger_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "trainer.log")
	var buf bytes.Buffer

	logger, closeFn, err := NewLogger(LogConfig{Level: "info", File: path, MaxSizeMB: 1}, &buf)
	require.NoError(t, err)

	logger.Info("to file")
	require.NoError(t, closeFn())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "to file")
	assert.Empty(t, buf.String())
}

func TestNewLogger_BadLevel(t *testing.T) {
	_, _, err := NewLogger(LogConfig{Level: "chatty"}, &bytes.Buffer{})
	assert.Error(t, err)
}

func TestDeviceMemory_RememberAndReload(t *testing.T) {
	logger, _ := test.NewNullLogger()
	path := filepath.Join(t.TempDir(), "nested", "devices.yaml")

	mem := OpenDeviceMemory(path, logger)
	_, ok := mem.Preferred("bike")
	assert.False(t, ok)

	require.NoError(t, mem.Remember("bike", "KICKR CORE", "AA:BB:CC:DD:EE:FF"))
	require.NoError(t, mem.Remember("hrm", "HRM-Pro", "11:22:33:44:55:66"))

	reopened := OpenDeviceMemory(path, logger)
	bike, ok := reopened.Preferred("bike")
	require.True(t, ok)
	assert.Equal(t, "KICKR CORE", bike.Name)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", bike.Address)
	assert.NotEmpty(t, bike.LastSeen)

	hrm, ok := reopened.Preferred("hrm")
	require.True(t, ok)
	assert.Equal(t, "11:22:33:44:55:66", hrm.Address)
}

func TestDeviceMemory_UnreadableFileStartsEmpty(t *testing.T) {
	logger, hook := test.NewNullLogger()
	path := writeFile(t, "devices.yaml", "devices: [broken\n")

	mem := OpenDeviceMemory(path, logger)

	_, ok := mem.Preferred("bike")
	assert.False(t, ok)
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)

	require.NoError(t, mem.Remember("bike", "Trainer", "AA"))
	dev, ok := OpenDeviceMemory(path, logger).Preferred("bike")
	require.True(t, ok)
	assert.Equal(t, "AA", dev.Address)
}
