package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Recorder.BufferSize != 1000 {
		t.Errorf("expected buffer size 1000, got %d", cfg.Recorder.BufferSize)
	}
	if cfg.Recorder.BatchSize != 100 {
		t.Errorf("expected batch size 100, got %d", cfg.Recorder.BatchSize)
	}
	if cfg.Optimizer.SuccessThreshold != 0.7 {
		t.Errorf("expected success threshold 0.7, got %v", cfg.Optimizer.SuccessThreshold)
	}

	low, ok := cfg.Policy.RiskThresholds["low"]
	if !ok || !low.AutoApprove {
		t.Error("low risk should auto-approve by default")
	}
	high, ok := cfg.Policy.RiskThresholds["high"]
	if !ok || high.AutoApprove {
		t.Error("high risk must not auto-approve by default")
	}
	if cfg.Policy.Safeguards.EmergencyStop {
		t.Error("emergency stop must default to off")
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
	if cfg.Recorder.BufferSize != 1000 {
		t.Errorf("expected defaults, got buffer %d", cfg.Recorder.BufferSize)
	}
}

func TestLoadJSONOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.json")
	content := `{"recorder": {"bufferSize": 500, "batchSize": 50, "flushSeconds": 10}}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Recorder.BufferSize != 500 {
		t.Errorf("expected overlaid buffer 500, got %d", cfg.Recorder.BufferSize)
	}
	// Untouched sections keep defaults.
	if cfg.Optimizer.MinSamples != 10 {
		t.Errorf("expected default minSamples 10, got %d", cfg.Optimizer.MinSamples)
	}
}

func TestLoadTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.toml")
	content := `
[recorder]
bufferSize = 2000
batchSize = 200
flushSeconds = 15

[policy.safeguards]
maxParameterDeltaPct = 20.0
emergencyStop = true
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Recorder.BufferSize != 2000 {
		t.Errorf("expected buffer 2000, got %d", cfg.Recorder.BufferSize)
	}
	if !cfg.Policy.Safeguards.EmergencyStop {
		t.Error("expected emergency stop on from toml")
	}
}

func TestValidateRejectsBadBatch(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Recorder.BatchSize = cfg.Recorder.BufferSize + 1

	if err := cfg.Validate(); err == nil {
		t.Error("expected batch > buffer to be rejected")
	}
}

func TestReloadAppliesPolicy(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.json")
	if err := os.WriteFile(path, []byte(`{}`), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	updated := `{"policy": {"safeguards": {"maxParameterDeltaPct": 30, "emergencyStop": true}}}`
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatal(err)
	}

	result, err := cfg.Reload(path, testLogger())
	if err != nil {
		t.Fatalf("Reload failed: %v", err)
	}

	if !contains(result.Applied, "Policy") {
		t.Errorf("expected Policy applied, got %v", result.Applied)
	}
	if !cfg.Policy.Safeguards.EmergencyStop {
		t.Error("emergency stop not hot-applied")
	}
}

func TestReloadSkipsRecorder(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.json")
	if err := os.WriteFile(path, []byte(`{}`), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	updated := `{"recorder": {"bufferSize": 9999, "batchSize": 10, "flushSeconds": 5}}`
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatal(err)
	}

	result, err := cfg.Reload(path, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	if !contains(result.Skipped, "Recorder") {
		t.Errorf("expected Recorder skipped, got %v", result.Skipped)
	}
	if cfg.Recorder.BufferSize == 9999 {
		t.Error("restart-required section was hot-applied")
	}
}

func TestSnapshotIsIndependent(t *testing.T) {
	cfg := DefaultConfig()

	snap := cfg.Snapshot()
	snap.RiskThresholds["low"] = RiskThreshold{MinConfidence: 0.1, AutoApprove: false}
	snap.Safeguards.ManualApprovalTypes = append(snap.Safeguards.ManualApprovalTypes, "x")

	if cfg.Policy.RiskThresholds["low"].MinConfidence == 0.1 {
		t.Error("mutating snapshot changed the live policy")
	}
	if len(cfg.Policy.Safeguards.ManualApprovalTypes) != 2 {
		t.Errorf("live manual approval list changed: %v", cfg.Policy.Safeguards.ManualApprovalTypes)
	}
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
