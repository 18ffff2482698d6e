package model

import "time"

type Config struct {
	Project    ProjectConfig    `yaml:"project" mapstructure:"project"`
	Thresholds ThresholdsConfig `yaml:"thresholds" mapstructure:"thresholds"`
	Burnout    BurnoutConfig    `yaml:"burnout" mapstructure:"burnout"`
	Retry      RetryConfig      `yaml:"retry" mapstructure:"retry"`
	Reconcile  ReconcileConfig  `yaml:"reconcile" mapstructure:"reconcile"`
	Publish    PublishConfig    `yaml:"publish" mapstructure:"publish"`
	ActionLog  ActionLogConfig  `yaml:"action_log" mapstructure:"action_log"`
	Daemon     DaemonConfig     `yaml:"daemon" mapstructure:"daemon"`
	Logging    LoggingConfig    `yaml:"logging" mapstructure:"logging"`
	Telemetry  TelemetryConfig  `yaml:"telemetry" mapstructure:"telemetry"`
}

type ProjectConfig struct {
	Name    string `yaml:"name" mapstructure:"name"`
	Root    string `yaml:"root" mapstructure:"root"`
	Created string `yaml:"created" mapstructure:"created"`
}

type ThresholdsConfig struct {
	// Mirror files younger than this are ignored by every reconciliation check.
	MinFileAgeSec     int `yaml:"min_file_age_sec" mapstructure:"min_file_age_sec" validate:"gte=0"`
	ZombieClaimAgeSec int `yaml:"zombie_claim_age_sec" mapstructure:"zombie_claim_age_sec" validate:"gte=0"`
	AgentInactiveSec  int `yaml:"agent_inactive_sec" mapstructure:"agent_inactive_sec" validate:"gte=0"`
	// Claimed for longer than this with zero commits counts as struggling in status output.
	StruggleAfterSec  int `yaml:"struggle_after_sec" mapstructure:"struggle_after_sec" validate:"gte=0"`
}

type BurnoutConfig struct {
	TurnThreshold int `yaml:"turn_threshold" mapstructure:"turn_threshold" validate:"gte=0"`
	MaxDepth      int `yaml:"max_depth" mapstructure:"max_depth" validate:"gte=0"`
}

type RetryConfig struct {
	MaxAttempts int `yaml:"max_attempts" mapstructure:"max_attempts" validate:"gte=0"`
}

type ReconcileConfig struct {
	Schedule    string `yaml:"schedule" mapstructure:"schedule"`
	AutoRecycle bool   `yaml:"auto_recycle" mapstructure:"auto_recycle"`
}

type PublishConfig struct {
	// Commands run in order when an infra task is accepted; any failure
	// aborts the acceptance. Each receives TASK_ID, TASK_BRANCH, and WORKER.
	Commands   []string `yaml:"commands" mapstructure:"commands"`
	WorkDir    string   `yaml:"work_dir" mapstructure:"work_dir"`
	TimeoutSec int      `yaml:"timeout_sec" mapstructure:"timeout_sec" validate:"gte=0"`
}

type ActionLogConfig struct {
	MaxSizeMB int  `yaml:"max_size_mb" mapstructure:"max_size_mb" validate:"gte=0"`
	Checksum  bool `yaml:"checksum" mapstructure:"checksum"`
}

type DaemonConfig struct {
	ShutdownTimeoutSec int `yaml:"shutdown_timeout_sec" mapstructure:"shutdown_timeout_sec" validate:"gte=0"`
}

type LoggingConfig struct {
	Level string `yaml:"level" mapstructure:"level" validate:"omitempty,oneof=debug info warn warning error"`
}

type TelemetryConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
}

const (
	DefaultMinFileAgeSec      = 300
	DefaultZombieClaimAgeSec  = 2 * 60 * 60
	DefaultAgentInactiveSec   = 60 * 60
	DefaultStruggleAfterSec   = 30 * 60
	DefaultTurnThreshold      = 80
	DefaultMaxDepth           = 1
	DefaultMaxAttempts        = 3
	DefaultSchedule           = "@every 5m"
	DefaultPublishTimeoutSec  = 120
	DefaultActionLogMaxSizeMB = 100
	DefaultShutdownTimeoutSec = 30
)

// ApplyDefaults replaces non-positive values with defaults.
func (c *Config) ApplyDefaults() {
	if c.Thresholds.MinFileAgeSec <= 0 {
		c.Thresholds.MinFileAgeSec = DefaultMinFileAgeSec
	}
	if c.Thresholds.ZombieClaimAgeSec <= 0 {
		c.Thresholds.ZombieClaimAgeSec = DefaultZombieClaimAgeSec
	}
	if c.Thresholds.AgentInactiveSec <= 0 {
		c.Thresholds.AgentInactiveSec = DefaultAgentInactiveSec
	}
	if c.Thresholds.StruggleAfterSec <= 0 {
		c.Thresholds.StruggleAfterSec = DefaultStruggleAfterSec
	}
	if c.Burnout.TurnThreshold <= 0 {
		c.Burnout.TurnThreshold = DefaultTurnThreshold
	}
	if c.Burnout.MaxDepth <= 0 {
		c.Burnout.MaxDepth = DefaultMaxDepth
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = DefaultMaxAttempts
	}
	if c.Reconcile.Schedule == "" {
		c.Reconcile.Schedule = DefaultSchedule
	}
	if c.Publish.TimeoutSec <= 0 {
		c.Publish.TimeoutSec = DefaultPublishTimeoutSec
	}
	if c.ActionLog.MaxSizeMB <= 0 {
		c.ActionLog.MaxSizeMB = DefaultActionLogMaxSizeMB
	}
	if c.Daemon.ShutdownTimeoutSec <= 0 {
		c.Daemon.ShutdownTimeoutSec = DefaultShutdownTimeoutSec
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

func (t ThresholdsConfig) MinFileAge() time.Duration {
	return time.Duration(t.MinFileAgeSec) * time.Second
}

func (t ThresholdsConfig) ZombieClaimAge() time.Duration {
	return time.Duration(t.ZombieClaimAgeSec) * time.Second
}

func (t ThresholdsConfig) AgentInactive() time.Duration {
	return time.Duration(t.AgentInactiveSec) * time.Second
}

func (t ThresholdsConfig) StruggleAfter() time.Duration {
	return time.Duration(t.StruggleAfterSec) * time.Second
}
