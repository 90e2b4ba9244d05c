// Package config provides configuration defaults and utilities
// for the volstream application.
//
// This package defines all configurable constants with documented defaults.
// Users can override these values via config.yaml or environment variables.
package config

import "time"

// =============================================================================
// Request Pool Defaults
// =============================================================================

const (
	// DefaultGrabDelay is how long the request pool waits before re-draining
	// its queues while work is still pending. Bursts of submissions inside this
	// window are coalesced into one drain pass.
	// A zero delay drains synchronously on every completion.
	// Override via config: scheduler.grab_delay
	DefaultGrabDelay = 5 * time.Millisecond

	// DefaultTaskTimeout bounds a single request. Zero disables the bound,
	// in which case a hung fetch keeps its concurrency slot indefinitely.
	// Override via config: scheduler.task_timeout
	DefaultTaskTimeout = time.Duration(0)

	// DefaultMaxInteractionRequests caps concurrent interactive fetches.
	// Override via config: scheduler.max_requests.interaction
	DefaultMaxInteractionRequests = 6

	// DefaultMaxThumbnailRequests caps concurrent thumbnail fetches.
	// Override via config: scheduler.max_requests.thumbnail
	DefaultMaxThumbnailRequests = 6

	// DefaultMaxPrefetchRequests caps concurrent background fetches.
	// Override via config: scheduler.max_requests.prefetch
	DefaultMaxPrefetchRequests = 5

	// DefaultMaxComputeRequests caps concurrent compute jobs.
	// Override via config: scheduler.max_requests.compute
	DefaultMaxComputeRequests = 1

	// DefaultLatencySketchAccuracy is the relative accuracy of the per-category
	// task latency sketches (0.01 = 1% error).
	DefaultLatencySketchAccuracy = 0.01
)

// =============================================================================
// Cache Defaults
// =============================================================================

const (
	// DefaultCacheMaxSize is the global byte budget shared by images and volumes.
	// Override via config: cache.max_size (e.g. "3GB", "512MiB")
	DefaultCacheMaxSize = "1GiB"

	// DefaultPressureWarning is the usage ratio at which background
	// prefetching pauses.
	// Override via config: cache.pressure.warning
	DefaultPressureWarning = 0.80

	// DefaultPressureCritical is the usage ratio reported as critical.
	// Override via config: cache.pressure.critical
	DefaultPressureCritical = 0.90

	// DefaultPressureEmergency is the usage ratio reported as emergency.
	// Override via config: cache.pressure.emergency
	DefaultPressureEmergency = 0.97

	// DefaultPressureHysteresis prevents level flapping around a threshold.
	// Override via config: cache.pressure.hysteresis
	DefaultPressureHysteresis = 0.05

	// DefaultPressureCooldown is the minimum time between level evaluations.
	// Override via config: cache.pressure.cooldown
	DefaultPressureCooldown = 250 * time.Millisecond
)

// =============================================================================
// Volume Defaults
// =============================================================================

const (
	// DefaultWideMode stores 16-bit sourced data as 16-bit integers instead
	// of 32-bit floats, halving memory at the cost of rescale precision.
	// Override via config: volume.wide_mode
	DefaultWideMode = false

	// DefaultApplyScaling applies rescale slope/intercept (and SUV for PT)
	// to loaded frames.
	// Override via config: volume.apply_scaling
	DefaultApplyScaling = true

	// DefaultEventBufferSize is the capacity of each event subscriber channel.
	// Override via config: volume.event_buffer
	DefaultEventBufferSize = 256

	// DefaultEventSendTimeout is how long a publish waits on a full subscriber
	// channel before the event is dropped for that subscriber.
	// Override via config: volume.event_send_timeout
	DefaultEventSendTimeout = 100 * time.Millisecond
)

// =============================================================================
// Prefetch Defaults
// =============================================================================

const (
	// DefaultPrefetchMaxDistance is the maximum index distance from the
	// current frame that is requested proactively.
	// Override via config: prefetch.max_distance
	DefaultPrefetchMaxDistance = 100

	// DefaultPrefetchDebounce coalesces rapid navigation into one pass.
	// Override via config: prefetch.debounce
	DefaultPrefetchDebounce = 20 * time.Millisecond
)

// =============================================================================
// Shutdown Defaults
// =============================================================================

const (
	// DefaultDrainTimeout is how long the daemon waits for in-flight
	// requests on shutdown. After this timeout remaining requests are abandoned.
	DefaultDrainTimeout = 30 * time.Second
)
