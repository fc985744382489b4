package config

import (
	"fmt"
	"log/slog"
	"reflect"
	"sync"
)

// ReloadResult describes what changed during a config reload.
type ReloadResult struct {
	Changed []string // list of changed sections
	Applied []string // successfully applied
	Skipped []string // require restart
}

// mu protects the live Config during concurrent reload operations.
// Policy is the hot-reloadable section that matters most: operators flip
// EmergencyStop and approval thresholds without a restart.
var mu sync.RWMutex

// Reload re-reads the config from path, diffs against the current config,
// and applies hot-reloadable sections in place. Sections that require a
// restart are reported as skipped.
func (c *Config) Reload(path string, logger *slog.Logger) (*ReloadResult, error) {
	newCfg, err := Load(path)
	if err != nil {
		return nil, fmt.Errorf("reload config: %w", err)
	}

	result := &ReloadResult{}

	mu.Lock()
	defer mu.Unlock()

	if !reflect.DeepEqual(c.Policy, newCfg.Policy) {
		result.Changed = append(result.Changed, "Policy")
		c.Policy = newCfg.Policy
		result.Applied = append(result.Applied, "Policy")
	}
	if !reflect.DeepEqual(c.Optimizer, newCfg.Optimizer) {
		result.Changed = append(result.Changed, "Optimizer")
		c.Optimizer = newCfg.Optimizer
		result.Applied = append(result.Applied, "Optimizer")
	}
	if !reflect.DeepEqual(c.Autopilot, newCfg.Autopilot) {
		result.Changed = append(result.Changed, "Autopilot")
		c.Autopilot = newCfg.Autopilot
		result.Applied = append(result.Applied, "Autopilot")
	}
	if !reflect.DeepEqual(c.Events, newCfg.Events) {
		result.Changed = append(result.Changed, "Events")
		c.Events = newCfg.Events
		result.Applied = append(result.Applied, "Events")
	}
	if c.Server.LogLevel != newCfg.Server.LogLevel {
		result.Changed = append(result.Changed, "Server.LogLevel")
		c.Server.LogLevel = newCfg.Server.LogLevel
		result.Applied = append(result.Applied, "Server.LogLevel")
	}

	if c.Server.DataDir != newCfg.Server.DataDir {
		result.Changed = append(result.Changed, "Server.DataDir")
		result.Skipped = append(result.Skipped, "Server.DataDir")
	}
	if c.Server.SpacesFile != newCfg.Server.SpacesFile {
		result.Changed = append(result.Changed, "Server.SpacesFile")
		result.Skipped = append(result.Skipped, "Server.SpacesFile")
	}
	if !reflect.DeepEqual(c.Recorder, newCfg.Recorder) {
		result.Changed = append(result.Changed, "Recorder")
		result.Skipped = append(result.Skipped, "Recorder")
	}

	if logger != nil {
		for _, s := range result.Applied {
			logger.Info("config section reloaded", "section", s)
		}
		for _, s := range result.Skipped {
			logger.Warn("config change requires restart", "section", s)
		}
	}

	return result, nil
}

// Snapshot returns a copy of the Policy taken under the reload lock, so
// per-tick readers see a consistent view.
func (c *Config) Snapshot() Policy {
	mu.RLock()
	defer mu.RUnlock()

	p := c.Policy
	thresholds := make(map[string]RiskThreshold, len(p.RiskThresholds))
	for k, v := range p.RiskThresholds {
		thresholds[k] = v
	}
	p.RiskThresholds = thresholds
	p.Safeguards.ManualApprovalTypes = append([]string(nil), p.Safeguards.ManualApprovalTypes...)
	return p
}
