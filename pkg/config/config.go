// Package config provides configuration loading for concordd.
//
// Configuration is loaded from a YAML file and overridden by environment
// variables, with hardcoded defaults filling anything left unset.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/concordd/pkg/protocol"
)

// Config holds the complete concordd configuration.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	NATS      NATSConfig      `koanf:"nats"`
	Consensus ConsensusConfig `koanf:"consensus"`
	Trigger   TriggerConfig   `koanf:"trigger"`
	Monitor   MonitorConfig   `koanf:"monitor"`
	Log       LogConfig       `koanf:"log"`
}

// ServerConfig holds the operator HTTP API configuration.
type ServerConfig struct {
	Port            int           `koanf:"http_port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// NATSConfig holds the bus connection configuration.
type NATSConfig struct {
	URL           string        `koanf:"url"`
	Name          string        `koanf:"name"`
	MaxReconnects int           `koanf:"max_reconnects"`
	ReconnectWait time.Duration `koanf:"reconnect_wait"`
}

// ConsensusConfig holds session lifecycle configuration. The preset picks the
// voting rules; the timeouts drive the phase machine.
type ConsensusConfig struct {
	Preset           string        `koanf:"preset"`
	MinParticipants  int           `koanf:"min_participants"`
	JoinTimeout      time.Duration `koanf:"join_timeout"`
	ProposingTimeout time.Duration `koanf:"proposing_timeout"`
	VotingTimeout    time.Duration `koanf:"voting_timeout"`
	PublishTimeout   time.Duration `koanf:"publish_timeout"`
}

// TriggerConfig holds trigger evaluation configuration.
type TriggerConfig struct {
	AgentMinConfidence float64       `koanf:"agent_min_confidence"`
	MandatoryTopics    []string      `koanf:"mandatory_topics"`
	TransitionPhases   []string      `koanf:"transition_phases"`
	ScheduledInterval  time.Duration `koanf:"scheduled_interval"`
	DedupeWindow       time.Duration `koanf:"dedupe_window"`
}

// MonitorConfig holds pattern-watcher configuration.
type MonitorConfig struct {
	Enabled             bool          `koanf:"enabled"`
	ConflictWindow      time.Duration `koanf:"conflict_window"`
	ConflictMinAgents   int           `koanf:"conflict_min_agents"`
	DivergenceWindow    time.Duration `koanf:"divergence_window"`
	DivergenceThreshold float64       `koanf:"divergence_threshold"`
	CorrectionWindow    time.Duration `koanf:"correction_window"`
	CorrectionThreshold int           `koanf:"correction_threshold"`
	StallWindow         time.Duration `koanf:"stall_window"`
	ScanInterval        time.Duration `koanf:"scan_interval"`
	Cooldown            time.Duration `koanf:"cooldown"`
}

// LogConfig holds logger configuration.
type LogConfig struct {
	Level       string `koanf:"level"`
	Format      string `koanf:"format"`
	ServiceName string `koanf:"service_name"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return errors.New("shutdown timeout must be positive")
	}

	if c.NATS.URL == "" {
		return errors.New("nats url must not be empty")
	}

	switch c.Consensus.Preset {
	case protocol.PresetDefault, protocol.PresetQuick, protocol.PresetStrict, protocol.PresetCritical:
	default:
		return fmt.Errorf("unknown consensus preset: %q", c.Consensus.Preset)
	}
	if c.Consensus.MinParticipants < 2 {
		return fmt.Errorf("min participants must be at least 2, got %d", c.Consensus.MinParticipants)
	}
	for name, d := range map[string]time.Duration{
		"join timeout":      c.Consensus.JoinTimeout,
		"proposing timeout": c.Consensus.ProposingTimeout,
		"voting timeout":    c.Consensus.VotingTimeout,
		"publish timeout":   c.Consensus.PublishTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}

	if c.Trigger.AgentMinConfidence < 0 || c.Trigger.AgentMinConfidence > 1 {
		return fmt.Errorf("agent min confidence must be in [0, 1], got %v", c.Trigger.AgentMinConfidence)
	}

	if c.Monitor.Enabled {
		if c.Monitor.DivergenceThreshold <= 0 || c.Monitor.DivergenceThreshold > 1 {
			return fmt.Errorf("divergence threshold must be in (0, 1], got %v", c.Monitor.DivergenceThreshold)
		}
		if c.Monitor.ConflictMinAgents < 2 {
			return fmt.Errorf("conflict min agents must be at least 2, got %d", c.Monitor.ConflictMinAgents)
		}
		if c.Monitor.CorrectionThreshold < 1 {
			return fmt.Errorf("correction threshold must be at least 1, got %d", c.Monitor.CorrectionThreshold)
		}
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level: %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("unknown log format: %q", c.Log.Format)
	}

	return nil
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9090
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}

	if cfg.NATS.URL == "" {
		cfg.NATS.URL = "nats://127.0.0.1:4222"
	}
	if cfg.NATS.Name == "" {
		cfg.NATS.Name = "concordd"
	}
	if cfg.NATS.MaxReconnects == 0 {
		cfg.NATS.MaxReconnects = 10
	}
	if cfg.NATS.ReconnectWait == 0 {
		cfg.NATS.ReconnectWait = 2 * time.Second
	}

	if cfg.Consensus.Preset == "" {
		cfg.Consensus.Preset = protocol.PresetDefault
	}
	if cfg.Consensus.MinParticipants == 0 {
		cfg.Consensus.MinParticipants = 2
	}
	if cfg.Consensus.JoinTimeout == 0 {
		cfg.Consensus.JoinTimeout = 30 * time.Second
	}
	if cfg.Consensus.ProposingTimeout == 0 {
		cfg.Consensus.ProposingTimeout = 60 * time.Second
	}
	if cfg.Consensus.VotingTimeout == 0 {
		cfg.Consensus.VotingTimeout = 120 * time.Second
	}
	if cfg.Consensus.PublishTimeout == 0 {
		cfg.Consensus.PublishTimeout = 5 * time.Second
	}

	if cfg.Trigger.AgentMinConfidence == 0 {
		cfg.Trigger.AgentMinConfidence = 0.6
	}
	if len(cfg.Trigger.MandatoryTopics) == 0 {
		cfg.Trigger.MandatoryTopics = []string{"security_change", "breaking_change"}
	}
	if len(cfg.Trigger.TransitionPhases) == 0 {
		cfg.Trigger.TransitionPhases = []string{"design", "architecture", "planning"}
	}
	if cfg.Trigger.ScheduledInterval == 0 {
		cfg.Trigger.ScheduledInterval = 30 * time.Minute
	}
	if cfg.Trigger.DedupeWindow == 0 {
		cfg.Trigger.DedupeWindow = 5 * time.Minute
	}

	if cfg.Monitor.ConflictWindow == 0 {
		cfg.Monitor.ConflictWindow = 5 * time.Minute
	}
	if cfg.Monitor.ConflictMinAgents == 0 {
		cfg.Monitor.ConflictMinAgents = 2
	}
	if cfg.Monitor.DivergenceWindow == 0 {
		cfg.Monitor.DivergenceWindow = 10 * time.Minute
	}
	if cfg.Monitor.DivergenceThreshold == 0 {
		cfg.Monitor.DivergenceThreshold = 0.6
	}
	if cfg.Monitor.CorrectionWindow == 0 {
		cfg.Monitor.CorrectionWindow = 5 * time.Minute
	}
	if cfg.Monitor.CorrectionThreshold == 0 {
		cfg.Monitor.CorrectionThreshold = 3
	}
	if cfg.Monitor.StallWindow == 0 {
		cfg.Monitor.StallWindow = 5 * time.Minute
	}
	if cfg.Monitor.ScanInterval == 0 {
		cfg.Monitor.ScanInterval = 30 * time.Second
	}
	if cfg.Monitor.Cooldown == 0 {
		cfg.Monitor.Cooldown = 5 * time.Minute
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Log.ServiceName == "" {
		cfg.Log.ServiceName = "concordd"
	}
}
