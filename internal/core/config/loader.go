package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/vietddude/sentinel/internal/supervise/backoff"
	"github.com/vietddude/sentinel/internal/supervise/classify"
	"github.com/vietddude/sentinel/internal/supervise/recovery"
	"github.com/vietddude/sentinel/internal/supervise/repair"
)

// Load reads configuration from a YAML file. Environment variables in the
// file are expanded before parsing; unset thresholds fall back to the
// package defaults.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := defaults()
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(cfg)

	if cfg.Worker.Path == "" {
		return nil, fmt.Errorf("worker.path is required")
	}
	return cfg, nil
}

func defaults() *AppConfig {
	return &AppConfig{
		Server:   ServerConfig{Port: 8080},
		Classify: classify.DefaultConfig(),
		Backoff:  backoff.DefaultConfig(),
		Recovery: recovery.DefaultConfig(),
		Repair:   RepairConfig{Policy: repair.DefaultConfig()},
		Notify:   NotifyConfig{DedupWindow: 5 * time.Minute},
		Process:  ProcessConfig{TailLines: 200},
	}
}

// applyDefaults restores defaults for fields an operator zeroed out by
// providing a partial section.
func applyDefaults(cfg *AppConfig) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Process.TailLines <= 0 {
		cfg.Process.TailLines = 200
	}
	if cfg.Notify.DedupWindow <= 0 {
		cfg.Notify.DedupWindow = 5 * time.Minute
	}

	def := backoff.DefaultConfig()
	if cfg.Backoff.MinStartSpacing <= 0 {
		cfg.Backoff.MinStartSpacing = def.MinStartSpacing
	}
	if cfg.Backoff.QuickExitMax <= 0 {
		cfg.Backoff.QuickExitMax = def.QuickExitMax
	}
	if cfg.Backoff.MutexBackoffBase <= 0 {
		cfg.Backoff.MutexBackoffBase = def.MutexBackoffBase
	}
	if cfg.Backoff.MutexBackoffMax <= 0 {
		cfg.Backoff.MutexBackoffMax = def.MutexBackoffMax
	}
	if cfg.Backoff.CrashLoopPause <= 0 {
		cfg.Backoff.CrashLoopPause = def.CrashLoopPause
	}
	if cfg.Backoff.BreakerPause <= 0 {
		cfg.Backoff.BreakerPause = def.BreakerPause
	}
	if cfg.Backoff.SafeModePause <= 0 {
		cfg.Backoff.SafeModePause = def.SafeModePause
	}

	rec := recovery.DefaultConfig()
	if cfg.Recovery.CrashLoopWindow <= 0 {
		cfg.Recovery.CrashLoopWindow = rec.CrashLoopWindow
	}
	if cfg.Recovery.CrashLoopThreshold <= 0 {
		cfg.Recovery.CrashLoopThreshold = rec.CrashLoopThreshold
	}
	if cfg.Recovery.BreakerWindow <= 0 {
		cfg.Recovery.BreakerWindow = rec.BreakerWindow
	}
	if cfg.Recovery.BreakerThreshold <= 0 {
		cfg.Recovery.BreakerThreshold = rec.BreakerThreshold
	}
	if cfg.Recovery.SafeModeWindow <= 0 {
		cfg.Recovery.SafeModeWindow = rec.SafeModeWindow
	}
	if cfg.Recovery.SafeModeThreshold <= 0 {
		cfg.Recovery.SafeModeThreshold = rec.SafeModeThreshold
	}
	if cfg.Recovery.FingerprintWindow <= 0 {
		cfg.Recovery.FingerprintWindow = rec.FingerprintWindow
	}
	if cfg.Recovery.FingerprintThreshold <= 0 {
		cfg.Recovery.FingerprintThreshold = rec.FingerprintThreshold
	}
	if cfg.Recovery.IdleGrace <= 0 {
		cfg.Recovery.IdleGrace = rec.IdleGrace
	}
	if cfg.Recovery.KillGrace <= 0 {
		cfg.Recovery.KillGrace = rec.KillGrace
	}

	rep := repair.DefaultConfig()
	if cfg.Repair.Policy.Ceiling <= 0 {
		cfg.Repair.Policy.Ceiling = rep.Ceiling
	}
	if cfg.Repair.Policy.Cooldown <= 0 {
		cfg.Repair.Policy.Cooldown = rep.Cooldown
	}
	if cfg.Repair.Policy.Timeout <= 0 {
		cfg.Repair.Policy.Timeout = rep.Timeout
	}
}
