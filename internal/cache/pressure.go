package cache

import (
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/utils/clock"

	"github.com/xtxerr/volstream/config"
	"github.com/xtxerr/volstream/internal/metrics"
)

// Level represents the current cache pressure level.
type Level int

const (
	// LevelNormal - cache has headroom.
	LevelNormal Level = iota

	// LevelWarning - pause background prefetching.
	LevelWarning

	// LevelCritical - admissions are likely to evict volumes.
	LevelCritical

	// LevelEmergency - budget nearly exhausted.
	LevelEmergency
)

// String returns the string representation of the level.
func (l Level) String() string {
	switch l {
	case LevelNormal:
		return "normal"
	case LevelWarning:
		return "warning"
	case LevelCritical:
		return "critical"
	case LevelEmergency:
		return "emergency"
	default:
		return "unknown"
	}
}

// UsageSource reports how full a cache is, 0.0 to 1.0.
type UsageSource interface {
	UsageRatio() float64
}

// PressureConfig configures a PressureController.
type PressureConfig struct {
	Enabled    bool
	Warning    float64
	Critical   float64
	Emergency  float64
	Hysteresis float64
	Cooldown   time.Duration
}

// DefaultPressureConfig returns default thresholds.
func DefaultPressureConfig() PressureConfig {
	return PressureConfig{
		Enabled:    true,
		Warning:    config.DefaultPressureWarning,
		Critical:   config.DefaultPressureCritical,
		Emergency:  config.DefaultPressureEmergency,
		Hysteresis: config.DefaultPressureHysteresis,
		Cooldown:   config.DefaultPressureCooldown,
	}
}

// PressureController derives a pressure level from cache usage.
type PressureController struct {
	mu sync.Mutex

	cfg    PressureConfig
	source UsageSource
	clock  clock.PassiveClock

	level     atomic.Int32
	lastCheck time.Time
	lastLevel Level
	checked   bool

	stats   PressureStats
	metrics *metrics.Cache

	onLevelChange func(old, new Level)
}

// PressureStats holds controller statistics.
type PressureStats struct {
	CurrentLevel   Level
	LevelChanges   int64
	WarningCount   int64
	CriticalCount  int64
	EmergencyCount int64
	Usage          float64
}

// NewPressureController creates a controller. clk and m may be nil.
func NewPressureController(cfg PressureConfig, source UsageSource, clk clock.PassiveClock, m *metrics.Cache) *PressureController {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &PressureController{
		cfg:     cfg,
		source:  source,
		clock:   clk,
		metrics: m,
	}
}

// SetOnLevelChange sets the callback for level changes.
func (c *PressureController) SetOnLevelChange(fn func(old, new Level)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onLevelChange = fn
}

// Check evaluates usage and updates the level. Calls within the cooldown
// return the previous level.
func (c *PressureController) Check() Level {
	if !c.cfg.Enabled {
		return LevelNormal
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	if c.checked && now.Sub(c.lastCheck) < c.cfg.Cooldown {
		return Level(c.level.Load())
	}
	c.checked = true
	c.lastCheck = now

	newLevel := c.determineLevel(c.source.UsageRatio())
	if newLevel != c.lastLevel {
		c.setLevel(newLevel)
	}
	return newLevel
}

// determineLevel applies thresholds going up and hysteresis going down.
// A level is held until usage falls below its threshold minus the
// hysteresis band, then drops one level per check.
func (c *PressureController) determineLevel(usage float64) Level {
	up := c.levelFor(usage)
	if up >= c.lastLevel {
		return up
	}

	if usage >= c.threshold(c.lastLevel)-c.cfg.Hysteresis {
		return c.lastLevel
	}
	return c.lastLevel - 1
}

// levelFor maps usage to a level without hysteresis.
func (c *PressureController) levelFor(usage float64) Level {
	switch {
	case usage >= c.cfg.Emergency:
		return LevelEmergency
	case usage >= c.cfg.Critical:
		return LevelCritical
	case usage >= c.cfg.Warning:
		return LevelWarning
	default:
		return LevelNormal
	}
}

func (c *PressureController) threshold(l Level) float64 {
	switch l {
	case LevelEmergency:
		return c.cfg.Emergency
	case LevelCritical:
		return c.cfg.Critical
	case LevelWarning:
		return c.cfg.Warning
	default:
		return 0
	}
}

func (c *PressureController) setLevel(newLevel Level) {
	oldLevel := c.lastLevel
	c.lastLevel = newLevel
	c.level.Store(int32(newLevel))
	c.stats.LevelChanges++

	switch newLevel {
	case LevelWarning:
		c.stats.WarningCount++
	case LevelCritical:
		c.stats.CriticalCount++
	case LevelEmergency:
		c.stats.EmergencyCount++
	}

	c.metrics.SetPressure(int(newLevel))
	log.Info("cache pressure changed", "from", oldLevel.String(), "to", newLevel.String())

	if c.onLevelChange != nil {
		c.onLevelChange(oldLevel, newLevel)
	}
}

// CurrentLevel returns the last evaluated level.
func (c *PressureController) CurrentLevel() Level {
	return Level(c.level.Load())
}

// ShouldPausePrefetch returns true if background prefetching should wait.
func (c *PressureController) ShouldPausePrefetch() bool {
	return c.Check() >= LevelWarning
}

// Stats returns current statistics.
func (c *PressureController) Stats() PressureStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.stats
	s.CurrentLevel = c.CurrentLevel()
	s.Usage = c.source.UsageRatio()
	return s
}
