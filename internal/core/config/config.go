package config

import (
	"time"

	"github.com/vietddude/sentinel/internal/infra/proc"
	redisclient "github.com/vietddude/sentinel/internal/infra/redis"
	"github.com/vietddude/sentinel/internal/infra/storage/postgres"
	"github.com/vietddude/sentinel/internal/supervise/backoff"
	"github.com/vietddude/sentinel/internal/supervise/classify"
	"github.com/vietddude/sentinel/internal/supervise/recovery"
	"github.com/vietddude/sentinel/internal/supervise/repair"
)

// AppConfig represents the top-level configuration. Every threshold the
// supervisor uses is an independently overridable setting; operators retune
// them per deployment.
type AppConfig struct {
	Server   ServerConfig       `yaml:"server"`
	Worker   proc.Command       `yaml:"worker"`
	Process  ProcessConfig      `yaml:"process"`
	Classify classify.Config    `yaml:"classify"`
	Backoff  backoff.Config     `yaml:"backoff"`
	Recovery recovery.Config    `yaml:"recovery"`
	Repair   RepairConfig       `yaml:"repair"`
	Notify   NotifyConfig       `yaml:"notify"`
	Logging  LoggingConfig      `yaml:"logging"`
	Redis    redisclient.Config `yaml:"redis"`
	Database postgres.Config    `yaml:"database"`
}

// ServerConfig holds the health/metrics HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// RepairConfig wraps the repair policy settings plus the fixer command.
type RepairConfig struct {
	Policy repair.Config `yaml:"policy"`
	Fixer  FixerConfig   `yaml:"fixer"`
}

// FixerConfig describes the external code-fixing agent invocation.
type FixerConfig struct {
	Path string   `yaml:"path"`
	Args []string `yaml:"args"`
}

// NotifyConfig holds notification settings.
type NotifyConfig struct {
	DedupWindow time.Duration `yaml:"dedup_window"`
}

// ProcessConfig holds settings for the supervised child process beyond the
// command itself.
type ProcessConfig struct {
	TailLines int `yaml:"tail_lines"`
}
