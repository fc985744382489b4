// Package config holds TuneClaw's process configuration, including the
// operator Policy that gates autonomous behavior. Config files may be JSON
// or TOML; unset fields inherit defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config holds all TuneClaw configuration.
type Config struct {
	Server    ServerConfig    `json:"server" toml:"server"`
	Recorder  RecorderConfig  `json:"recorder" toml:"recorder"`
	Optimizer OptimizerConfig `json:"optimizer" toml:"optimizer"`
	Autopilot AutopilotConfig `json:"autopilot" toml:"autopilot"`
	Policy    Policy          `json:"policy" toml:"policy"`
	Events    EventsConfig    `json:"events" toml:"events"`
}

type ServerConfig struct {
	DataDir    string `json:"dataDir" toml:"dataDir"`
	LogLevel   string `json:"logLevel" toml:"logLevel"`
	SpacesFile string `json:"spacesFile,omitempty" toml:"spacesFile"`
}

// RecorderConfig tunes the execution buffer and flush cadence.
type RecorderConfig struct {
	BufferSize   int `json:"bufferSize" toml:"bufferSize"`
	BatchSize    int `json:"batchSize" toml:"batchSize"`
	FlushSeconds int `json:"flushSeconds" toml:"flushSeconds"`
}

// OptimizerConfig exposes the experiment tunables the source hard-coded.
type OptimizerConfig struct {
	MinSamples        int     `json:"minSamples" toml:"minSamples"`
	SuccessThreshold  float64 `json:"successThreshold" toml:"successThreshold"`
	ExploringFloor    int     `json:"exploringFloor" toml:"exploringFloor"` // trials before convergence is judged
	ConvergedVariance float64 `json:"convergedVariance" toml:"convergedVariance"`
	ConfidenceSamples int     `json:"confidenceSamples" toml:"confidenceSamples"` // N0 in min(0.95, n/N0)
}

// AutopilotConfig tunes the autonomous action loop.
type AutopilotConfig struct {
	TickMinutes          int     `json:"tickMinutes" toml:"tickMinutes"`
	MonitorMinutes       int     `json:"monitorMinutes" toml:"monitorMinutes"`
	InsightMinConfidence float64 `json:"insightMinConfidence" toml:"insightMinConfidence"`
	SignalMinStrength    float64 `json:"signalMinStrength" toml:"signalMinStrength"`
}

// RiskThreshold gates auto-approval for one risk level.
type RiskThreshold struct {
	MinConfidence float64 `json:"minConfidence" toml:"minConfidence"`
	AutoApprove   bool    `json:"autoApprove" toml:"autoApprove"`
}

// Safeguards are the hard limits the risk assessor enforces.
type Safeguards struct {
	MaxParameterDeltaPct float64  `json:"maxParameterDeltaPct" toml:"maxParameterDeltaPct"`
	ManualApprovalTypes  []string `json:"manualApprovalTypes" toml:"manualApprovalTypes"`
	EmergencyStop        bool     `json:"emergencyStop" toml:"emergencyStop"`
}

// Policy is the operator-controlled gate over autonomous actions. It is
// read by the risk assessor and action loop and mutated only by config
// reload.
type Policy struct {
	RiskThresholds       map[string]RiskThreshold `json:"riskThresholds" toml:"riskThresholds"`
	MaxActionsPerHour    int                      `json:"maxActionsPerHour" toml:"maxActionsPerHour"`
	MaxConcurrentActions int                      `json:"maxConcurrentActions" toml:"maxConcurrentActions"`
	CooldownMinutes      int                      `json:"cooldownMinutes" toml:"cooldownMinutes"`
	Safeguards           Safeguards               `json:"safeguards" toml:"safeguards"`
}

// EventsConfig configures outbound event sinks.
type EventsConfig struct {
	MQTT      MQTTConfig `json:"mqtt" toml:"mqtt"`
	WebSocket WSConfig   `json:"websocket" toml:"websocket"`
}

type MQTTConfig struct {
	Enabled  bool   `json:"enabled" toml:"enabled"`
	Broker   string `json:"broker" toml:"broker"`
	Username string `json:"username,omitempty" toml:"username"`
	Password string `json:"password,omitempty" toml:"password"`
	Topic    string `json:"topic" toml:"topic"`
}

type WSConfig struct {
	Enabled bool   `json:"enabled" toml:"enabled"`
	URL     string `json:"url" toml:"url"`
}

// DefaultConfig returns a Config with the source system's defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			DataDir:  "data",
			LogLevel: "info",
		},
		Recorder: RecorderConfig{
			BufferSize:   1000,
			BatchSize:    100,
			FlushSeconds: 30,
		},
		Optimizer: OptimizerConfig{
			MinSamples:        10,
			SuccessThreshold:  0.7,
			ExploringFloor:    20,
			ConvergedVariance: 0.05,
			ConfidenceSamples: 100,
		},
		Autopilot: AutopilotConfig{
			TickMinutes:          15,
			MonitorMinutes:       60,
			InsightMinConfidence: 0.6,
			SignalMinStrength:    0.5,
		},
		Policy: Policy{
			RiskThresholds: map[string]RiskThreshold{
				"low":    {MinConfidence: 0.85, AutoApprove: true},
				"medium": {MinConfidence: 0.92, AutoApprove: false},
				"high":   {MinConfidence: 0.98, AutoApprove: false},
			},
			MaxActionsPerHour:    4,
			MaxConcurrentActions: 2,
			CooldownMinutes:      120,
			Safeguards: Safeguards{
				MaxParameterDeltaPct: 30,
				ManualApprovalTypes:  []string{"model_change", "prompt_change"},
				EmergencyStop:        false,
			},
		},
		Events: EventsConfig{
			MQTT: MQTTConfig{Topic: "tuneclaw/events"},
		},
	}
}

// Load reads configuration from path, layering file values over defaults.
// The format is chosen by extension: .toml via BurntSushi, anything else is
// parsed as JSON. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse toml config: %w", err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse json config: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the loop cannot run with.
func (c *Config) Validate() error {
	if c.Recorder.BufferSize <= 0 {
		return fmt.Errorf("recorder.bufferSize must be positive")
	}
	if c.Recorder.BatchSize <= 0 || c.Recorder.BatchSize > c.Recorder.BufferSize {
		return fmt.Errorf("recorder.batchSize must be in (0, bufferSize]")
	}
	if c.Policy.MaxConcurrentActions <= 0 {
		return fmt.Errorf("policy.maxConcurrentActions must be positive")
	}
	for level, t := range c.Policy.RiskThresholds {
		if t.MinConfidence < 0 || t.MinConfidence > 1 {
			return fmt.Errorf("policy.riskThresholds[%s].minConfidence out of range", level)
		}
	}
	if c.Policy.Safeguards.MaxParameterDeltaPct <= 0 {
		return fmt.Errorf("policy.safeguards.maxParameterDeltaPct must be positive")
	}
	return nil
}
