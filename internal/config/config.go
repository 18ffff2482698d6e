// Package config loads .taskkeeper/config.yaml with environment overrides.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	"github.com/msageha/taskkeeper/internal/model"
)

const (
	FileName  = "config.yaml"
	EnvPrefix = "TASKKEEPER"
)

// Path returns the config file location inside the keeper dir.
func Path(dir string) string {
	return filepath.Join(dir, FileName)
}

// Load reads dir/config.yaml, applies TASKKEEPER_* overrides (including any
// from dir/.env), fills defaults, and validates the result. A missing config
// file yields the defaults.
func Load(dir string) (*model.Config, error) {
	envFile := filepath.Join(dir, ".env")
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	v := viper.New()
	v.SetConfigFile(Path(dir))
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read %s: %w", Path(dir), err)
		}
	}

	var cfg model.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints and that the reconcile schedule parses.
func Validate(cfg *model.Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := cron.ParseStandard(cfg.Reconcile.Schedule); err != nil {
		return fmt.Errorf("invalid config: reconcile.schedule %q: %w", cfg.Reconcile.Schedule, err)
	}
	return nil
}

// setDefaults registers every key so that AutomaticEnv can override keys
// absent from the file.
func setDefaults(v *viper.Viper) {
	v.SetDefault("project.name", "")
	v.SetDefault("project.root", "")
	v.SetDefault("project.created", "")
	v.SetDefault("thresholds.min_file_age_sec", model.DefaultMinFileAgeSec)
	v.SetDefault("thresholds.zombie_claim_age_sec", model.DefaultZombieClaimAgeSec)
	v.SetDefault("thresholds.agent_inactive_sec", model.DefaultAgentInactiveSec)
	v.SetDefault("thresholds.struggle_after_sec", model.DefaultStruggleAfterSec)
	v.SetDefault("burnout.turn_threshold", model.DefaultTurnThreshold)
	v.SetDefault("burnout.max_depth", model.DefaultMaxDepth)
	v.SetDefault("retry.max_attempts", model.DefaultMaxAttempts)
	v.SetDefault("reconcile.schedule", model.DefaultSchedule)
	v.SetDefault("reconcile.auto_recycle", true)
	v.SetDefault("publish.commands", []string{})
	v.SetDefault("publish.work_dir", "")
	v.SetDefault("publish.timeout_sec", model.DefaultPublishTimeoutSec)
	v.SetDefault("action_log.max_size_mb", model.DefaultActionLogMaxSizeMB)
	v.SetDefault("action_log.checksum", true)
	v.SetDefault("daemon.shutdown_timeout_sec", model.DefaultShutdownTimeoutSec)
	v.SetDefault("logging.level", "info")
	v.SetDefault("telemetry.enabled", false)
}
