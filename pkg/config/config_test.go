package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/concordd/pkg/protocol"
)

// writeTestConfig points HOME at a temp dir and writes a config file in the
// allowed location with secure permissions.
func writeTestConfig(t *testing.T, content string) string {
	t.Helper()

	home := t.TempDir()
	t.Setenv("HOME", home)

	dir := filepath.Join(home, ".config", "concordd")
	require.NoError(t, os.MkdirAll(dir, 0700))

	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestDefault_Validates(t *testing.T) {
	cfg := Default()

	require.NoError(t, cfg.Validate())
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "nats://127.0.0.1:4222", cfg.NATS.URL)
	assert.Equal(t, protocol.PresetDefault, cfg.Consensus.Preset)
	assert.Equal(t, 2, cfg.Consensus.MinParticipants)
	assert.Equal(t, 30*time.Second, cfg.Consensus.JoinTimeout)
	assert.Equal(t, 0.6, cfg.Trigger.AgentMinConfidence)
	assert.Equal(t, 5*time.Minute, cfg.Monitor.StallWindow)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, protocol.PresetDefault, cfg.Consensus.Preset)
}

func TestLoad_YAMLFile(t *testing.T) {
	path := writeTestConfig(t, `
server:
  http_port: 8088
  shutdown_timeout: 15s
nats:
  url: nats://bus.internal:4222
consensus:
  preset: strict
  min_participants: 3
  voting_timeout: 45s
monitor:
  enabled: true
  divergence_threshold: 0.7
log:
  level: debug
  format: console
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8088, cfg.Server.Port)
	assert.Equal(t, 15*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "nats://bus.internal:4222", cfg.NATS.URL)
	assert.Equal(t, protocol.PresetStrict, cfg.Consensus.Preset)
	assert.Equal(t, 3, cfg.Consensus.MinParticipants)
	assert.Equal(t, 45*time.Second, cfg.Consensus.VotingTimeout)
	assert.True(t, cfg.Monitor.Enabled)
	assert.Equal(t, 0.7, cfg.Monitor.DivergenceThreshold)
	assert.Equal(t, "debug", cfg.Log.Level)

	// Fields the file doesn't mention keep their defaults.
	assert.Equal(t, 30*time.Second, cfg.Consensus.JoinTimeout)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeTestConfig(t, `
server:
  http_port: 8088
consensus:
  preset: strict
`)
	t.Setenv("SERVER_HTTP_PORT", "7001")
	t.Setenv("CONSENSUS_PRESET", "quick")
	t.Setenv("MONITOR_STALL_WINDOW", "2m")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7001, cfg.Server.Port)
	assert.Equal(t, protocol.PresetQuick, cfg.Consensus.Preset)
	assert.Equal(t, 2*time.Minute, cfg.Monitor.StallWindow)
}

func TestLoad_RejectsInsecurePermissions(t *testing.T) {
	path := writeTestConfig(t, "server:\n  http_port: 8088\n")
	require.NoError(t, os.Chmod(path, 0644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "permissions")
}

func TestLoad_RejectsPathOutsideAllowedDirs(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	_, err := Load("/tmp/concordd-evil.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config file must be in")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port too low", func(c *Config) { c.Server.Port = 0 }},
		{"port too high", func(c *Config) { c.Server.Port = 70000 }},
		{"empty nats url", func(c *Config) { c.NATS.URL = "" }},
		{"unknown preset", func(c *Config) { c.Consensus.Preset = "unanimous" }},
		{"single participant", func(c *Config) { c.Consensus.MinParticipants = 1 }},
		{"zero voting timeout", func(c *Config) { c.Consensus.VotingTimeout = 0 }},
		{"confidence out of range", func(c *Config) { c.Trigger.AgentMinConfidence = 1.5 }},
		{"divergence out of range", func(c *Config) {
			c.Monitor.Enabled = true
			c.Monitor.DivergenceThreshold = 1.5
		}},
		{"unknown log level", func(c *Config) { c.Log.Level = "verbose" }},
		{"unknown log format", func(c *Config) { c.Log.Format = "logfmt" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	require.NoError(t, Default().Validate())
}
