// Package prefetch requests frames of a navigable stack ahead of the user,
// nearest to the current index first, expanding in both directions up to a
// maximum lookahead distance.
//
// Navigation signals are debounced: a burst of index changes produces one
// prefetch pass centred on the last index.
package prefetch

import (
	"context"
	"sort"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/xtxerr/volstream/config"
	"github.com/xtxerr/volstream/internal/cache"
	"github.com/xtxerr/volstream/internal/errors"
	"github.com/xtxerr/volstream/internal/imaging"
	"github.com/xtxerr/volstream/internal/logging"
	"github.com/xtxerr/volstream/internal/scheduler"
)

var log = logging.Component("prefetch")

// TaskSource tags the prefetcher's requests in scheduler.Metadata.
const TaskSource = "prefetch"

// Pool is the part of the request pool the prefetcher submits to.
type Pool interface {
	AddRequest(task scheduler.Task) error
	FilterRequests(keep func(scheduler.Task) bool) []scheduler.Task
}

// Images loads frames into the image cache.
type Images interface {
	IsCached(frameID string) bool
	LoadImage(ctx context.Context, frameID string) (*imaging.Image, error)
}

// Pressure pauses prefetching when the cache is under pressure.
type Pressure interface {
	ShouldPausePrefetch() bool
}

// Config configures a Prefetcher.
type Config struct {
	// FrameIDs is the stack in navigation order.
	FrameIDs []string

	Pool   Pool
	Images Images

	// Pressure is optional.
	Pressure Pressure

	// MaxDistance is the lookahead in indices from the current frame.
	MaxDistance int

	// Debounce coalesces index changes. Zero runs a pass per change.
	Debounce time.Duration

	// PreserveExistingPool keeps queued prefetch requests on a new pass.
	PreserveExistingPool bool

	Clock clock.WithDelayedExecution
}

// DefaultConfig returns prefetch defaults for a stack.
func DefaultConfig(frameIDs []string) Config {
	return Config{
		FrameIDs:    frameIDs,
		MaxDistance: config.DefaultPrefetchMaxDistance,
		Debounce:    config.DefaultPrefetchDebounce,
	}
}

// Stats holds prefetch counters.
type Stats struct {
	Enabled   bool
	Current   int
	Pending   int
	Passes    int64
	Paused    int64
	Submitted int64
	Completed int64
	Failed    int64
}

// Prefetcher schedules background loads for one stack.
//
// Prefetcher is safe for concurrent use.
type Prefetcher struct {
	mu sync.Mutex

	ids     []string
	byID    map[string]int
	pending map[int]struct{}
	enabled bool
	current int
	timer   clock.Timer

	cfg   Config
	clock clock.WithDelayedExecution

	stats Stats
}

// New creates a disabled prefetcher.
func New(cfg Config) (*Prefetcher, error) {
	if cfg.Pool == nil || cfg.Images == nil {
		return nil, errors.NewMissingField("prefetch pool or images")
	}
	if cfg.MaxDistance < 0 {
		return nil, errors.NewInvalidValue("prefetch max distance", cfg.MaxDistance, "must be >= 0")
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}

	byID := make(map[string]int, len(cfg.FrameIDs))
	for i, id := range cfg.FrameIDs {
		byID[id] = i
	}

	return &Prefetcher{
		ids:   cfg.FrameIDs,
		byID:  byID,
		cfg:   cfg,
		clock: clk,
	}, nil
}

// Enable starts prefetching around current with every frame pending.
func (p *Prefetcher) Enable(current int) {
	p.mu.Lock()
	p.enabled = true
	p.current = current
	p.pending = make(map[int]struct{}, len(p.ids))
	for i := range p.ids {
		p.pending[i] = struct{}{}
	}
	p.mu.Unlock()

	log.Info("prefetch enabled", "frames", len(p.ids), "current", current)
	p.schedule()
}

// Disable stops prefetching and drops queued prefetch requests.
func (p *Prefetcher) Disable() {
	p.mu.Lock()
	if !p.enabled {
		p.mu.Unlock()
		return
	}
	p.enabled = false
	p.pending = nil
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.mu.Unlock()

	removed := p.purgeQueued()
	log.Info("prefetch disabled", "purged", removed)
}

// SetCurrentIndex signals navigation. The pass runs after the debounce.
func (p *Prefetcher) SetCurrentIndex(i int) error {
	p.mu.Lock()
	if !p.enabled {
		p.mu.Unlock()
		return errors.ErrPrefetchDisabled
	}
	p.current = i
	p.mu.Unlock()

	p.schedule()
	return nil
}

// OnFrameEvicted makes an evicted frame eligible again.
func (p *Prefetcher) OnFrameEvicted(frameID string) {
	i, ok := p.byID[frameID]
	if !ok {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.enabled {
		p.pending[i] = struct{}{}
	}
}

// WatchEvictions re-adds image evictions of c until the returned function
// is called.
func (p *Prefetcher) WatchEvictions(c *cache.Memory) (stop func()) {
	return c.OnEvict(func(ev cache.Eviction) {
		if ev.Kind == cache.EntryImage {
			p.OnFrameEvicted(ev.Key)
		}
	})
}

// schedule (re)arms the debounce timer.
func (p *Prefetcher) schedule() {
	if p.cfg.Debounce <= 0 {
		p.Prefetch()
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.timer != nil {
		p.timer.Stop()
	}
	// FakeClock fires AfterFunc under its own lock.
	p.timer = p.clock.AfterFunc(p.cfg.Debounce, func() {
		go p.onTimer()
	})
}

func (p *Prefetcher) onTimer() {
	p.mu.Lock()
	p.timer = nil
	p.mu.Unlock()
	p.Prefetch()
}

// Prefetch runs one pass immediately and returns the submitted indices in
// request order.
func (p *Prefetcher) Prefetch() []int {
	p.mu.Lock()
	if !p.enabled {
		p.mu.Unlock()
		return nil
	}
	p.stats.Passes++
	p.mu.Unlock()

	if p.cfg.Pressure != nil && p.cfg.Pressure.ShouldPausePrefetch() {
		p.mu.Lock()
		p.stats.Paused++
		p.mu.Unlock()
		log.Debug("prefetch paused by cache pressure")
		return nil
	}

	// Cache lookups happen without holding p.mu.
	p.mu.Lock()
	candidates := make([]int, 0, len(p.pending))
	for i := range p.pending {
		candidates = append(candidates, i)
	}
	p.mu.Unlock()

	var cached []int
	for _, i := range candidates {
		if p.cfg.Images.IsCached(p.ids[i]) {
			cached = append(cached, i)
		}
	}

	p.mu.Lock()
	for _, i := range cached {
		delete(p.pending, i)
	}
	if len(p.pending) == 0 {
		p.mu.Unlock()
		return nil
	}
	current := p.current
	order := expand(sortedKeys(p.pending), current, p.cfg.MaxDistance)
	p.mu.Unlock()

	if len(order) == 0 {
		return nil
	}

	if !p.cfg.PreserveExistingPool {
		p.purgeQueued()
	}

	submitted := make([]int, 0, len(order))
	for _, i := range order {
		if err := p.cfg.Pool.AddRequest(p.task(i)); err != nil {
			log.Warn("prefetch submit failed", "frame", i, "error", err)
			break
		}
		submitted = append(submitted, i)
	}

	p.mu.Lock()
	p.stats.Submitted += int64(len(submitted))
	p.mu.Unlock()

	log.Debug("prefetch pass", "current", current, "submitted", len(submitted))
	return submitted
}

// purgeQueued drops this prefetcher's queued requests. Requests other
// submitters placed in the prefetch category stay queued.
func (p *Prefetcher) purgeQueued() int {
	removed := p.cfg.Pool.FilterRequests(func(t scheduler.Task) bool {
		return t.Metadata.Source != TaskSource
	})
	return len(removed)
}

func (p *Prefetcher) task(i int) scheduler.Task {
	frameID := p.ids[i]
	return scheduler.Task{
		Category: scheduler.CategoryPrefetch,
		Priority: 0,
		Metadata: scheduler.Metadata{
			FrameID:    frameID,
			FrameIndex: i,
			Source:     TaskSource,
		},
		Execute: func(ctx context.Context) error {
			_, err := p.cfg.Images.LoadImage(ctx, frameID)

			p.mu.Lock()
			defer p.mu.Unlock()
			if err != nil {
				p.stats.Failed++
				return err
			}
			p.stats.Completed++
			if p.enabled {
				delete(p.pending, i)
			}
			return nil
		},
	}
}

// Pending returns the pending indices in ascending order.
func (p *Prefetcher) Pending() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return sortedKeys(p.pending)
}

// Stats returns prefetch counters.
func (p *Prefetcher) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	s.Enabled = p.enabled
	s.Current = p.current
	s.Pending = len(p.pending)
	return s
}

func sortedKeys(m map[int]struct{}) []int {
	out := make([]int, 0, len(m))
	for i := range m {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}

// expand orders sorted pending indices by alternating outward from
// current: the nearest lower (or equal) index, then the nearest higher,
// and so on. A direction stops once its next index is farther than
// maxDistance from current.
func expand(sorted []int, current, maxDistance int) []int {
	// low is the last position with value <= current.
	high := sort.SearchInts(sorted, current+1)
	low := high - 1

	out := make([]int, 0, len(sorted))
	for low >= 0 || high < len(sorted) {
		loadLower := low >= 0 && current-sorted[low] <= maxDistance
		loadHigher := high < len(sorted) && sorted[high]-current <= maxDistance
		if !loadLower && !loadHigher {
			break
		}
		if loadLower {
			out = append(out, sorted[low])
			low--
		}
		if loadHigher {
			out = append(out, sorted[high])
			high++
		}
	}
	return out
}
