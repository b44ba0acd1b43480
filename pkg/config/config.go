// Package config loads the orchestrator's single YAML configuration
// document (spec §9), applying the documented defaults to any field left
// unset.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// BackoffStrategy names a spawn-retry backoff shape.
type BackoffStrategy string

const (
	BackoffExponential BackoffStrategy = "exponential"
	BackoffLinear      BackoffStrategy = "linear"
	BackoffFixed       BackoffStrategy = "fixed"
)

// WorkersConfig covers the workers.* keys in spec §9.
type WorkersConfig struct {
	MaxConcurrent               int             `yaml:"max_concurrent"`
	SpawnRetryAttempts          int             `yaml:"spawn_retry_attempts"`
	SpawnBackoffStrategy        BackoffStrategy `yaml:"spawn_backoff_strategy"`
	SpawnBackoffBaseSeconds     int             `yaml:"spawn_backoff_base_seconds"`
	SpawnBackoffMaxSeconds      int             `yaml:"spawn_backoff_max_seconds"`
	TaskStaleTimeoutSeconds     int             `yaml:"task_stale_timeout_seconds"`
	HeartbeatIntervalSeconds    int             `yaml:"heartbeat_interval_seconds"`
	HeartbeatStaleThresholdSecs int             `yaml:"heartbeat_stale_threshold_seconds"`
	AutoRespawn                 bool            `yaml:"auto_respawn"`
	MaxRespawnAttempts          int             `yaml:"max_respawn_attempts"`
	MaxTaskAttempts             int             `yaml:"max_task_attempts"`
	TaskRetryBackoffBaseSeconds int             `yaml:"task_retry_backoff_base_seconds"`
	TaskRetryBackoffMaxSeconds  int             `yaml:"task_retry_backoff_max_seconds"`
}

// Gate is one configured quality gate (pre- or post-merge).
type Gate struct {
	Name     string `yaml:"name"`
	Command  string `yaml:"command"`
	Timeout  int    `yaml:"timeout"`
	Required bool   `yaml:"required"`
}

// ImprovementLoopsConfig covers improvement_loops.* keys.
type ImprovementLoopsConfig struct {
	MaxIterations int `yaml:"max_iterations"`
}

// VerificationConfig covers verification.* keys.
type VerificationConfig struct {
	StalenessThresholdSeconds int `yaml:"staleness_threshold_seconds"`
}

// Config is the single structured document the orchestrator reads at
// startup (spec §9).
type Config struct {
	Workers           WorkersConfig          `yaml:"workers"`
	Backend           string                 `yaml:"backend"`
	Gates             []Gate                 `yaml:"gates"`
	ImprovementLoops  ImprovementLoopsConfig `yaml:"improvement_loops"`
	Verification      VerificationConfig     `yaml:"verification"`
	Pause             bool                   `yaml:"pause"`
	CancelRequested   bool                   `yaml:"cancel_requested"`
	StateRoot         string                 `yaml:"state_root"`
	WorktreeRoot      string                 `yaml:"worktree_root"`
	SpecDir           string                 `yaml:"spec_dir"`
	ContainerImage    string                 `yaml:"container_image"`
	PollIntervalSecs  int                    `yaml:"poll_interval_seconds"`
}

// Default returns a Config with every default named in spec §9 applied.
func Default() *Config {
	return &Config{
		Workers: WorkersConfig{
			MaxConcurrent:               4,
			SpawnRetryAttempts:          3,
			SpawnBackoffStrategy:        BackoffExponential,
			SpawnBackoffBaseSeconds:     2,
			SpawnBackoffMaxSeconds:      30,
			TaskStaleTimeoutSeconds:     600,
			HeartbeatIntervalSeconds:    30,
			HeartbeatStaleThresholdSecs: 120,
			AutoRespawn:                 true,
			MaxRespawnAttempts:          5,
			MaxTaskAttempts:             3,
			TaskRetryBackoffBaseSeconds: 5,
			TaskRetryBackoffMaxSeconds:  60,
		},
		Backend: "process",
		ImprovementLoops: ImprovementLoopsConfig{
			MaxIterations: 1,
		},
		Verification: VerificationConfig{
			StalenessThresholdSeconds: 1800,
		},
		StateRoot:        ".mahabharatha/state",
		WorktreeRoot:     ".mahabharatha/worktrees",
		SpecDir:          ".mahabharatha/specs",
		PollIntervalSecs: 2,
	}
}

// Load reads and parses a YAML config document at path, filling in any
// field left unset with the values from Default.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	applyDefaults(cfg)
	return cfg, nil
}

// applyDefaults fills any zero-valued field the YAML document left unset.
func applyDefaults(cfg *Config) {
	d := Default()
	w := &cfg.Workers
	if w.MaxConcurrent == 0 {
		w.MaxConcurrent = d.Workers.MaxConcurrent
	}
	if w.SpawnRetryAttempts == 0 {
		w.SpawnRetryAttempts = d.Workers.SpawnRetryAttempts
	}
	if w.SpawnBackoffStrategy == "" {
		w.SpawnBackoffStrategy = d.Workers.SpawnBackoffStrategy
	}
	if w.SpawnBackoffBaseSeconds == 0 {
		w.SpawnBackoffBaseSeconds = d.Workers.SpawnBackoffBaseSeconds
	}
	if w.SpawnBackoffMaxSeconds == 0 {
		w.SpawnBackoffMaxSeconds = d.Workers.SpawnBackoffMaxSeconds
	}
	if w.TaskStaleTimeoutSeconds == 0 {
		w.TaskStaleTimeoutSeconds = d.Workers.TaskStaleTimeoutSeconds
	}
	if w.HeartbeatIntervalSeconds == 0 {
		w.HeartbeatIntervalSeconds = d.Workers.HeartbeatIntervalSeconds
	}
	if w.HeartbeatStaleThresholdSecs == 0 {
		w.HeartbeatStaleThresholdSecs = d.Workers.HeartbeatStaleThresholdSecs
	}
	if w.MaxRespawnAttempts == 0 {
		w.MaxRespawnAttempts = d.Workers.MaxRespawnAttempts
	}
	if w.MaxTaskAttempts == 0 {
		w.MaxTaskAttempts = d.Workers.MaxTaskAttempts
	}
	if w.TaskRetryBackoffBaseSeconds == 0 {
		w.TaskRetryBackoffBaseSeconds = d.Workers.TaskRetryBackoffBaseSeconds
	}
	if w.TaskRetryBackoffMaxSeconds == 0 {
		w.TaskRetryBackoffMaxSeconds = d.Workers.TaskRetryBackoffMaxSeconds
	}
	if cfg.Backend == "" {
		cfg.Backend = d.Backend
	}
	if cfg.ImprovementLoops.MaxIterations == 0 {
		cfg.ImprovementLoops.MaxIterations = d.ImprovementLoops.MaxIterations
	}
	if cfg.Verification.StalenessThresholdSeconds == 0 {
		cfg.Verification.StalenessThresholdSeconds = d.Verification.StalenessThresholdSeconds
	}
	if cfg.StateRoot == "" {
		cfg.StateRoot = d.StateRoot
	}
	if cfg.WorktreeRoot == "" {
		cfg.WorktreeRoot = d.WorktreeRoot
	}
	if cfg.SpecDir == "" {
		cfg.SpecDir = d.SpecDir
	}
	if cfg.PollIntervalSecs == 0 {
		cfg.PollIntervalSecs = d.PollIntervalSecs
	}
}
