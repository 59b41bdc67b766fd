package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// fileConfig is the on-disk representation. Durations are expressed in
// milliseconds to match how the windows are tuned in practice.
type fileConfig struct {
	Defaults fileTypeConfig            `yaml:"defaults" json:"defaults"`
	Types    map[string]fileTypeConfig `yaml:"types" json:"types"`

	Features *struct {
		RateLimiting *bool `yaml:"rate_limiting" json:"rate_limiting"`
		Coalescing   *bool `yaml:"coalescing" json:"coalescing"`
		Batching     *bool `yaml:"batching" json:"batching"`
		Backpressure *bool `yaml:"backpressure" json:"backpressure"`
	} `yaml:"features" json:"features"`

	Backpressure *struct {
		QueueSizeLimit          *int     `yaml:"queue_size_limit" json:"queue_size_limit"`
		ResumeThreshold         *float64 `yaml:"resume_threshold" json:"resume_threshold"`
		SlowListenerThresholdMs *int     `yaml:"slow_listener_threshold_ms" json:"slow_listener_threshold_ms"`
		MaxQueueAgeMs           *int     `yaml:"max_queue_age_ms" json:"max_queue_age_ms"`
		DropOldestOnOverflow    *bool    `yaml:"drop_oldest_on_overflow" json:"drop_oldest_on_overflow"`
	} `yaml:"backpressure" json:"backpressure"`
}

type fileTypeConfig struct {
	RateLimit          *float64 `yaml:"rate_limit" json:"rate_limit"`
	CoalescingWindowMs *int     `yaml:"coalescing_window_ms" json:"coalescing_window_ms"`
	CoalescePolicy     *string  `yaml:"coalesce_policy" json:"coalesce_policy"`
	BatchEnabled       *bool    `yaml:"batch_enabled" json:"batch_enabled"`
	BatchWindowMs      *int     `yaml:"batch_window_ms" json:"batch_window_ms"`
	BatchMaxSize       *int     `yaml:"batch_max_size" json:"batch_max_size"`
	Priority           *int     `yaml:"priority" json:"priority"`
}

// FromFile loads configuration from a file, auto-detecting format by
// extension. Supported extensions: .yaml, .yml, .json
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		return FromYAML(data)
	case ".json":
		return FromJSON(data)
	default:
		return nil, fmt.Errorf("unsupported config file extension: %s", ext)
	}
}

// FromYAML parses YAML data into a Config.
func FromYAML(data []byte) (*Config, error) {
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	return fromFileConfig(fc)
}

// FromJSON parses JSON data into a Config.
func FromJSON(data []byte) (*Config, error) {
	var fc fileConfig
	if err := json.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse json: %w", err)
	}
	return fromFileConfig(fc)
}

func fromFileConfig(fc fileConfig) (*Config, error) {
	cfg := Default()
	applyTypeConfig(&cfg.Defaults, fc.Defaults)

	for name, ftc := range fc.Types {
		tc := cfg.Defaults
		applyTypeConfig(&tc, ftc)
		cfg.Types[name] = tc
	}

	if fc.Features != nil {
		applyBool(&cfg.Features.RateLimiting, fc.Features.RateLimiting)
		applyBool(&cfg.Features.Coalescing, fc.Features.Coalescing)
		applyBool(&cfg.Features.Batching, fc.Features.Batching)
		applyBool(&cfg.Features.Backpressure, fc.Features.Backpressure)
	}

	if bp := fc.Backpressure; bp != nil {
		if bp.QueueSizeLimit != nil {
			cfg.Backpressure.QueueSizeLimit = *bp.QueueSizeLimit
		}
		if bp.ResumeThreshold != nil {
			cfg.Backpressure.ResumeThreshold = *bp.ResumeThreshold
		}
		if bp.SlowListenerThresholdMs != nil {
			cfg.Backpressure.SlowListenerThreshold = millis(*bp.SlowListenerThresholdMs)
		}
		if bp.MaxQueueAgeMs != nil {
			cfg.Backpressure.MaxQueueAge = millis(*bp.MaxQueueAgeMs)
		}
		applyBool(&cfg.Backpressure.DropOldestOnOverflow, bp.DropOldestOnOverflow)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyTypeConfig(tc *TypeConfig, ftc fileTypeConfig) {
	if ftc.RateLimit != nil {
		tc.RateLimit = *ftc.RateLimit
	}
	if ftc.CoalescingWindowMs != nil {
		tc.CoalescingWindow = millis(*ftc.CoalescingWindowMs)
	}
	if ftc.CoalescePolicy != nil {
		tc.CoalescePolicy = Policy(*ftc.CoalescePolicy)
	}
	applyBool(&tc.BatchEnabled, ftc.BatchEnabled)
	if ftc.BatchWindowMs != nil {
		tc.BatchWindow = millis(*ftc.BatchWindowMs)
	}
	if ftc.BatchMaxSize != nil {
		tc.BatchMaxSize = *ftc.BatchMaxSize
	}
	if ftc.Priority != nil {
		tc.Priority = *ftc.Priority
	}
}

func applyBool(dst *bool, src *bool) {
	if src != nil {
		*dst = *src
	}
}

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
