// Package config loads the engine's own tunables: concurrency caps, default
// per-stage timeouts, backoff parameters, and lease TTL. It deliberately
// does not load anything about the specialist workers themselves.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Engine holds every tunable the Scheduler/Executor/Retry Policy Engine need.
type Engine struct {
	GlobalConcurrency int                      `yaml:"global_concurrency"`
	StageConcurrency  map[string]int           `yaml:"stage_concurrency"`
	ResourceClassCaps map[string]int           `yaml:"resource_class_caps"`
	DefaultTimeout    time.Duration            `yaml:"-"`
	StageTimeouts     map[string]time.Duration `yaml:"-"`

	MaxAttemptsPerStage int           `yaml:"max_attempts_per_stage"`
	BackoffBase         time.Duration `yaml:"-"`
	BackoffCeiling      time.Duration `yaml:"-"`

	LeaseTTL        time.Duration `yaml:"-"`
	HeartbeatPeriod time.Duration `yaml:"-"`
}

// rawFile lets the YAML file express durations as plain seconds without
// requiring every caller to hand-roll a custom UnmarshalYAML.
type rawFile struct {
	GlobalConcurrency    int            `yaml:"global_concurrency"`
	StageConcurrency     map[string]int `yaml:"stage_concurrency"`
	ResourceClassCaps    map[string]int `yaml:"resource_class_caps"`
	DefaultTimeoutSecs   int            `yaml:"default_timeout_seconds"`
	StageTimeoutSecs     map[string]int `yaml:"stage_timeout_seconds"`
	MaxAttemptsPerStage  int            `yaml:"max_attempts_per_stage"`
	BackoffBaseMillis    int            `yaml:"backoff_base_millis"`
	BackoffCeilingSecs   int            `yaml:"backoff_ceiling_seconds"`
	LeaseTTLSecs         int            `yaml:"lease_ttl_seconds"`
	HeartbeatPeriodSecs  int            `yaml:"heartbeat_period_seconds"`
}

// Default mirrors the values a fresh deployment gets when no YAML override
// and no environment variables are present.
func Default() Engine {
	return Engine{
		GlobalConcurrency:   EnvInt("ENGINE_GLOBAL_CONCURRENCY", 16),
		StageConcurrency:    map[string]int{},
		ResourceClassCaps:   map[string]int{},
		DefaultTimeout:      EnvDuration("ENGINE_DEFAULT_TIMEOUT", 5*time.Minute),
		StageTimeouts:       map[string]time.Duration{},
		MaxAttemptsPerStage: EnvInt("ENGINE_MAX_ATTEMPTS_PER_STAGE", 5),
		BackoffBase:         EnvDuration("ENGINE_BACKOFF_BASE", 500*time.Millisecond),
		BackoffCeiling:      EnvDuration("ENGINE_BACKOFF_CEILING", 30*time.Second),
		LeaseTTL:            EnvDuration("ENGINE_LEASE_TTL", 2*time.Minute),
		HeartbeatPeriod:     EnvDuration("ENGINE_HEARTBEAT_PERIOD", 20*time.Second),
	}
}

// LoadFile overlays a YAML file (typically the data-driven Stage Registry
// table: per-stage concurrency/timeouts/resource classes) onto the
// environment-derived defaults. A missing path is not an error.
func LoadFile(path string) (Engine, error) {
	eng := Default()
	if strings.TrimSpace(path) == "" {
		return eng, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return eng, nil
		}
		return eng, err
	}
	var raw rawFile
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return eng, err
	}
	if raw.GlobalConcurrency > 0 {
		eng.GlobalConcurrency = raw.GlobalConcurrency
	}
	if len(raw.StageConcurrency) > 0 {
		eng.StageConcurrency = raw.StageConcurrency
	}
	if len(raw.ResourceClassCaps) > 0 {
		eng.ResourceClassCaps = raw.ResourceClassCaps
	}
	if raw.DefaultTimeoutSecs > 0 {
		eng.DefaultTimeout = time.Duration(raw.DefaultTimeoutSecs) * time.Second
	}
	if len(raw.StageTimeoutSecs) > 0 {
		eng.StageTimeouts = map[string]time.Duration{}
		for k, v := range raw.StageTimeoutSecs {
			eng.StageTimeouts[k] = time.Duration(v) * time.Second
		}
	}
	if raw.MaxAttemptsPerStage > 0 {
		eng.MaxAttemptsPerStage = raw.MaxAttemptsPerStage
	}
	if raw.BackoffBaseMillis > 0 {
		eng.BackoffBase = time.Duration(raw.BackoffBaseMillis) * time.Millisecond
	}
	if raw.BackoffCeilingSecs > 0 {
		eng.BackoffCeiling = time.Duration(raw.BackoffCeilingSecs) * time.Second
	}
	if raw.LeaseTTLSecs > 0 {
		eng.LeaseTTL = time.Duration(raw.LeaseTTLSecs) * time.Second
	}
	if raw.HeartbeatPeriodSecs > 0 {
		eng.HeartbeatPeriod = time.Duration(raw.HeartbeatPeriodSecs) * time.Second
	}
	return eng, nil
}

func EnvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func EnvDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
