// Package loader - Configuration Types
//
// Defines the YAML configuration structure for volumed.
//
//	logging:    level, output format
//	scheduler:  request pool drain delay, timeouts, per-category caps
//	cache:      byte budget, pressure thresholds
//	volume:     buffer type selection, scaling, event delivery
//	prefetch:   lookahead distance, debounce
//	metrics:    Prometheus listen address
package loader

import (
	"fmt"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/xtxerr/volstream/config"
)

// =============================================================================
// Root Configuration
// =============================================================================

// Config is the root configuration structure for volumed.
type Config struct {
	// Logging configures the global logger.
	Logging LoggingConfig `yaml:"logging"`

	// Scheduler configures the request pool.
	Scheduler SchedulerConfig `yaml:"scheduler"`

	// Cache configures the shared image/volume cache.
	Cache CacheConfig `yaml:"cache"`

	// Volume configures streaming volumes.
	Volume VolumeConfig `yaml:"volume"`

	// Prefetch configures stack prefetching.
	Prefetch PrefetchConfig `yaml:"prefetch"`

	// Metrics configures the Prometheus endpoint.
	Metrics MetricsConfig `yaml:"metrics"`
}

// =============================================================================
// Logging Configuration
// =============================================================================

// LoggingConfig configures the global logger.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	// Default: "info"
	Level string `yaml:"level"`

	// JSON switches from text to JSON output.
	JSON bool `yaml:"json"`
}

// =============================================================================
// Scheduler Configuration
// =============================================================================

// SchedulerConfig configures the request pool.
type SchedulerConfig struct {
	// GrabDelay is the re-drain delay while work is pending.
	// Default: 5ms. Zero drains synchronously.
	GrabDelay Duration `yaml:"grab_delay"`

	// TaskTimeout bounds each request. Zero disables it.
	// Default: 0
	TaskTimeout Duration `yaml:"task_timeout"`

	// MaxRequests caps concurrent requests per category.
	MaxRequests MaxRequestsConfig `yaml:"max_requests"`
}

// MaxRequestsConfig holds per-category concurrency caps.
type MaxRequestsConfig struct {
	Interaction int `yaml:"interaction"`
	Thumbnail   int `yaml:"thumbnail"`
	Prefetch    int `yaml:"prefetch"`
	Compute     int `yaml:"compute"`
}

// =============================================================================
// Cache Configuration
// =============================================================================

// CacheConfig configures the shared cache.
type CacheConfig struct {
	// MaxSize is the global byte budget.
	// Format: "3GB", "512MiB" or plain bytes.
	// Default: "1GiB"
	MaxSize ByteSize `yaml:"max_size"`

	// Pressure configures the pressure controller.
	Pressure PressureConfig `yaml:"pressure"`
}

// PressureConfig configures cache pressure levels.
type PressureConfig struct {
	// Enabled enables prefetch pausing under pressure.
	// Default: true
	Enabled bool `yaml:"enabled"`

	// Warning, Critical and Emergency are usage ratios in (0,1].
	Warning   float64 `yaml:"warning"`
	Critical  float64 `yaml:"critical"`
	Emergency float64 `yaml:"emergency"`

	// Hysteresis is subtracted from a threshold before a level drops.
	Hysteresis float64 `yaml:"hysteresis"`

	// Cooldown is the minimum time between evaluations.
	Cooldown Duration `yaml:"cooldown"`
}

// =============================================================================
// Volume Configuration
// =============================================================================

// VolumeConfig configures streaming volumes.
type VolumeConfig struct {
	// WideMode stores 16 bit data as 16 bit integers.
	// Default: false
	WideMode bool `yaml:"wide_mode"`

	// ApplyScaling applies rescale slope/intercept on load.
	// Default: true
	ApplyScaling bool `yaml:"apply_scaling"`

	// EventBuffer is the per-subscriber channel capacity.
	// Default: 256
	EventBuffer int `yaml:"event_buffer"`

	// EventSendTimeout bounds a publish to a full subscriber.
	// Default: 100ms
	EventSendTimeout Duration `yaml:"event_send_timeout"`
}

// =============================================================================
// Prefetch Configuration
// =============================================================================

// PrefetchConfig configures stack prefetching.
type PrefetchConfig struct {
	// Enabled starts the prefetcher with the stack.
	// Default: true
	Enabled bool `yaml:"enabled"`

	// MaxDistance is the lookahead in frames.
	// Default: 100
	MaxDistance int `yaml:"max_distance"`

	// Debounce coalesces rapid navigation.
	// Default: 20ms
	Debounce Duration `yaml:"debounce"`

	// PreserveExistingPool keeps queued prefetch requests on a new pass.
	// Default: false
	PreserveExistingPool bool `yaml:"preserve_existing_pool"`
}

// =============================================================================
// Metrics Configuration
// =============================================================================

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Listen is the HTTP listen address. Empty disables the endpoint.
	// Default: ""
	Listen string `yaml:"listen"`
}

// =============================================================================
// Defaults
// =============================================================================

// DefaultConfig returns a configuration with all defaults applied.
func DefaultConfig() *Config {
	maxSize, err := humanize.ParseBytes(config.DefaultCacheMaxSize)
	if err != nil {
		panic(fmt.Sprintf("invalid default cache size %q: %v", config.DefaultCacheMaxSize, err))
	}

	return &Config{
		Logging: LoggingConfig{
			Level: "info",
		},
		Scheduler: SchedulerConfig{
			GrabDelay:   Duration(config.DefaultGrabDelay),
			TaskTimeout: Duration(config.DefaultTaskTimeout),
			MaxRequests: MaxRequestsConfig{
				Interaction: config.DefaultMaxInteractionRequests,
				Thumbnail:   config.DefaultMaxThumbnailRequests,
				Prefetch:    config.DefaultMaxPrefetchRequests,
				Compute:     config.DefaultMaxComputeRequests,
			},
		},
		Cache: CacheConfig{
			MaxSize: ByteSize(maxSize),
			Pressure: PressureConfig{
				Enabled:    true,
				Warning:    config.DefaultPressureWarning,
				Critical:   config.DefaultPressureCritical,
				Emergency:  config.DefaultPressureEmergency,
				Hysteresis: config.DefaultPressureHysteresis,
				Cooldown:   Duration(config.DefaultPressureCooldown),
			},
		},
		Volume: VolumeConfig{
			WideMode:         config.DefaultWideMode,
			ApplyScaling:     config.DefaultApplyScaling,
			EventBuffer:      config.DefaultEventBufferSize,
			EventSendTimeout: Duration(config.DefaultEventSendTimeout),
		},
		Prefetch: PrefetchConfig{
			Enabled:     true,
			MaxDistance: config.DefaultPrefetchMaxDistance,
			Debounce:    Duration(config.DefaultPrefetchDebounce),
		},
	}
}

// =============================================================================
// Helper Types
// =============================================================================

// Duration is a time.Duration that can be unmarshaled from YAML.
// Supports: "5ms", "1s", "2m", or plain integers (seconds).
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		// Try as int (seconds)
		var i int
		if err := unmarshal(&i); err != nil {
			return err
		}
		*d = Duration(time.Duration(i) * time.Second)
		return nil
	}
	if secs, err := strconv.Atoi(s); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Duration returns the time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// ByteSize is a size in bytes that can be unmarshaled from YAML.
// Supports SI and IEC suffixes ("3GB", "512MiB") or plain bytes.
type ByteSize int64

// UnmarshalYAML implements yaml.Unmarshaler.
func (b *ByteSize) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		// Try as int64
		var i int64
		if err := unmarshal(&i); err != nil {
			return err
		}
		*b = ByteSize(i)
		return nil
	}
	size, err := humanize.ParseBytes(s)
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", s, err)
	}
	*b = ByteSize(size)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (b ByteSize) MarshalYAML() (interface{}, error) {
	return humanize.IBytes(uint64(b)), nil
}

// Bytes returns the size in bytes.
func (b ByteSize) Bytes() int64 {
	return int64(b)
}

// String returns a human readable size.
func (b ByteSize) String() string {
	return humanize.IBytes(uint64(b))
}
