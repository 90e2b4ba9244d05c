// Package loader handles configuration file loading, validation, and
// conversion into component configurations.
//
// This package is responsible for:
//   - Loading YAML configuration files
//   - Expanding environment variables
//   - Validating values before any component starts
//   - Converting between YAML and internal representations
package loader

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/xtxerr/volstream/internal/cache"
	"github.com/xtxerr/volstream/internal/errors"
	"github.com/xtxerr/volstream/internal/events"
	"github.com/xtxerr/volstream/internal/logging"
	"github.com/xtxerr/volstream/internal/prefetch"
	"github.com/xtxerr/volstream/internal/scheduler"
)

// =============================================================================
// Load
// =============================================================================

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse parses YAML configuration on top of the defaults. Environment
// variables are expanded first.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	// Start with defaults
	cfg := DefaultConfig()

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return cfg, nil
}

// =============================================================================
// Validate
// =============================================================================

// Validate validates the configuration.
func Validate(cfg *Config) error {
	errs := errors.NewValidationErrors()

	// Logging validation
	if _, err := logging.ParseLevel(cfg.Logging.Level); err != nil {
		errs.AddField("logging.level", err.Error())
	}

	// Scheduler validation
	if cfg.Scheduler.GrabDelay < 0 {
		errs.AddField("scheduler.grab_delay", "cannot be negative")
	}
	if cfg.Scheduler.TaskTimeout < 0 {
		errs.AddField("scheduler.task_timeout", "cannot be negative")
	}
	for name, n := range cfg.Scheduler.MaxRequests.byName() {
		if n < 0 {
			errs.AddField("scheduler.max_requests."+name, "cannot be negative")
		}
	}

	// Cache validation
	if cfg.Cache.MaxSize <= 0 {
		errs.AddField("cache.max_size", "must be positive")
	}
	p := cfg.Cache.Pressure
	if p.Enabled {
		if p.Warning <= 0 || p.Warning > 1 {
			errs.AddField("cache.pressure.warning", "must be in (0,1]")
		}
		if p.Critical < p.Warning || p.Critical > 1 {
			errs.AddField("cache.pressure.critical", "must be in [warning,1]")
		}
		if p.Emergency < p.Critical || p.Emergency > 1 {
			errs.AddField("cache.pressure.emergency", "must be in [critical,1]")
		}
		if p.Hysteresis < 0 || p.Hysteresis >= p.Warning {
			errs.AddField("cache.pressure.hysteresis", "must be in [0,warning)")
		}
		if p.Cooldown < 0 {
			errs.AddField("cache.pressure.cooldown", "cannot be negative")
		}
	}

	// Volume validation
	if cfg.Volume.EventBuffer < 0 {
		errs.AddField("volume.event_buffer", "cannot be negative")
	}
	if cfg.Volume.EventSendTimeout < 0 {
		errs.AddField("volume.event_send_timeout", "cannot be negative")
	}

	// Prefetch validation
	if cfg.Prefetch.Enabled && cfg.Prefetch.MaxDistance <= 0 {
		errs.AddField("prefetch.max_distance", "must be positive when enabled")
	}
	if cfg.Prefetch.Debounce < 0 {
		errs.AddField("prefetch.debounce", "cannot be negative")
	}

	return errs.Err()
}

func (m MaxRequestsConfig) byName() map[string]int {
	return map[string]int{
		scheduler.CategoryInteraction.String(): m.Interaction,
		scheduler.CategoryThumbnail.String():   m.Thumbnail,
		scheduler.CategoryPrefetch.String():    m.Prefetch,
		scheduler.CategoryCompute.String():     m.Compute,
	}
}

// =============================================================================
// Conversion: Config → Component Configs
// =============================================================================

// LogLevel returns the configured slog level.
func (c *Config) LogLevel() slog.Level {
	level, err := logging.ParseLevel(c.Logging.Level)
	if err != nil {
		return slog.LevelInfo
	}
	return level
}

// ToSchedulerConfig converts the scheduler section. Clock and Metrics are
// left for the caller.
func ToSchedulerConfig(cfg *SchedulerConfig) *scheduler.Config {
	out := scheduler.DefaultConfig()
	if cfg == nil {
		return out
	}

	out.GrabDelay = cfg.GrabDelay.Duration()
	out.TaskTimeout = cfg.TaskTimeout.Duration()
	out.MaxRequests = map[scheduler.Category]int{
		scheduler.CategoryInteraction: cfg.MaxRequests.Interaction,
		scheduler.CategoryThumbnail:   cfg.MaxRequests.Thumbnail,
		scheduler.CategoryPrefetch:    cfg.MaxRequests.Prefetch,
		scheduler.CategoryCompute:     cfg.MaxRequests.Compute,
	}
	return out
}

// ToCacheConfig converts the cache section. Metrics and Bus are left for
// the caller.
func ToCacheConfig(cfg *CacheConfig) cache.Config {
	return cache.Config{MaxBytes: cfg.MaxSize.Bytes()}
}

// ToPressureConfig converts the cache pressure section.
func ToPressureConfig(cfg *PressureConfig) cache.PressureConfig {
	return cache.PressureConfig{
		Enabled:    cfg.Enabled,
		Warning:    cfg.Warning,
		Critical:   cfg.Critical,
		Emergency:  cfg.Emergency,
		Hysteresis: cfg.Hysteresis,
		Cooldown:   cfg.Cooldown.Duration(),
	}
}

// ToEventsConfig converts the volume event settings.
func ToEventsConfig(cfg *VolumeConfig) events.Config {
	return events.Config{
		BufferSize:  cfg.EventBuffer,
		SendTimeout: cfg.EventSendTimeout.Duration(),
	}
}

// ToPrefetchConfig converts the prefetch section for a stack. Pool, Images,
// Pressure and Clock are left for the caller.
func ToPrefetchConfig(cfg *PrefetchConfig, frameIDs []string) prefetch.Config {
	out := prefetch.DefaultConfig(frameIDs)
	out.MaxDistance = cfg.MaxDistance
	out.Debounce = cfg.Debounce.Duration()
	out.PreserveExistingPool = cfg.PreserveExistingPool
	return out
}
