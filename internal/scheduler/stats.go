package scheduler

import (
	"time"

	"github.com/DataDog/sketches-go/ddsketch"
	"github.com/xtxerr/volstream/config"
)

// CategoryStats is a point-in-time view of one category.
type CategoryStats struct {
	Category  Category
	Queued    int
	InFlight  int
	Cap       int
	Started   int64
	Completed int64
	Failed    int64

	// Latency quantiles of finished requests in milliseconds.
	// Nil until at least one request finished.
	P50 *float64
	P90 *float64
	P99 *float64
}

// Stats is a snapshot of the whole pool.
type Stats struct {
	Awake        bool
	TimerPending bool
	Drains       int64
	Categories   []CategoryStats
}

// Category returns the stats of one category.
func (s Stats) Category(c Category) CategoryStats {
	for _, cs := range s.Categories {
		if cs.Category == c {
			return cs
		}
	}
	return CategoryStats{Category: c}
}

// latencyTracker accumulates request durations for one category.
// Not safe for concurrent use; the Manager guards it with its mutex.
type latencyTracker struct {
	sketch *ddsketch.DDSketch
	count  int64
}

func newLatencyTracker() *latencyTracker {
	sketch, err := ddsketch.NewDefaultDDSketch(config.DefaultLatencySketchAccuracy)
	if err != nil {
		// Only fails for accuracy outside (0,1).
		panic(err)
	}
	return &latencyTracker{sketch: sketch}
}

func (l *latencyTracker) add(d time.Duration) {
	ms := float64(d) / float64(time.Millisecond)
	if ms < 0 {
		ms = 0
	}
	if err := l.sketch.Add(ms); err != nil {
		return
	}
	l.count++
}

func (l *latencyTracker) fill(cs *CategoryStats) {
	if l.count == 0 {
		return
	}
	if v, err := l.sketch.GetValueAtQuantile(0.50); err == nil {
		cs.P50 = &v
	}
	if v, err := l.sketch.GetValueAtQuantile(0.90); err == nil {
		cs.P90 = &v
	}
	if v, err := l.sketch.GetValueAtQuantile(0.99); err == nil {
		cs.P99 = &v
	}
}
