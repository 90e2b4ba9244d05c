// Package scheduler provides the request pool: a category- and
// priority-aware scheduler for frame fetches.
//
// Each category owns a priority queue and a concurrency ceiling. A drain
// pass starts as many queued requests per category as its free slots
// allow, most urgent first. Requests run in their own goroutines and
// report back on completion, which schedules another drain.
//
// Key features:
//   - Numeric priorities, lower value = more urgent, FIFO within a priority
//   - Per-category caps adjustable at runtime
//   - One delayed drain timer per pool coalesces bursts of submissions
//   - Interaction submissions drain immediately even while the pool is awake
//   - Panic recovery at the request boundary so capacity is never leaked
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/xtxerr/volstream/config"
	"github.com/xtxerr/volstream/internal/errors"
	"github.com/xtxerr/volstream/internal/logging"
	"github.com/xtxerr/volstream/internal/metrics"
)

var log = logging.Component("scheduler")

// =============================================================================
// Types
// =============================================================================

// Metadata describes who submitted a request and for what.
// It is used by FilterRequests predicates; the pool never interprets it.
type Metadata struct {
	VolumeID   string
	FrameID    string
	FrameIndex int
	Source     string
}

// Task is a unit of work submitted to the pool.
//
// A Task is immutable once submitted. Execute receives a context carrying
// logging attributes and, when configured, the request timeout.
type Task struct {
	Execute  func(ctx context.Context) error
	Category Category
	Priority int
	Metadata Metadata
}

// =============================================================================
// Configuration
// =============================================================================

// Config holds request pool configuration.
type Config struct {
	// GrabDelay is the delay before a re-drain while work is pending.
	// Zero drains synchronously on every completion.
	GrabDelay time.Duration

	// TaskTimeout bounds each request's context. Zero disables it.
	TaskTimeout time.Duration

	// MaxRequests is the initial concurrency ceiling per category.
	// Missing categories use the package defaults.
	MaxRequests map[Category]int

	// Clock drives the drain timer. Defaults to the real clock.
	Clock clock.WithDelayedExecution

	// Metrics is optional.
	Metrics *metrics.Scheduler
}

// DefaultMaxRequests returns the default per-category ceilings.
func DefaultMaxRequests() map[Category]int {
	return map[Category]int{
		CategoryInteraction: config.DefaultMaxInteractionRequests,
		CategoryThumbnail:   config.DefaultMaxThumbnailRequests,
		CategoryPrefetch:    config.DefaultMaxPrefetchRequests,
		CategoryCompute:     config.DefaultMaxComputeRequests,
	}
}

// DefaultConfig returns default request pool configuration.
func DefaultConfig() *Config {
	return &Config{
		GrabDelay:   config.DefaultGrabDelay,
		TaskTimeout: config.DefaultTaskTimeout,
		MaxRequests: DefaultMaxRequests(),
	}
}

// =============================================================================
// Manager
// =============================================================================

// Manager is the request pool.
//
// Manager is safe for concurrent use. All queue and counter mutation
// happens under one mutex; requests themselves never run under it.
type Manager struct {
	mu sync.Mutex

	queues   [numCategories]taskQueue
	inFlight [numCategories]int
	caps     [numCategories]int

	started   [numCategories]int64
	completed [numCategories]int64
	failed    [numCategories]int64
	latency   [numCategories]*latencyTracker

	seq    uint64
	awake  bool
	timer  clock.Timer
	closed bool
	drains int64

	grabDelay   time.Duration
	taskTimeout time.Duration
	clock       clock.WithDelayedExecution
	metrics     *metrics.Scheduler

	wg sync.WaitGroup
}

// New creates a new request pool.
func New(cfg *Config) *Manager {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}

	m := &Manager{
		grabDelay:   cfg.GrabDelay,
		taskTimeout: cfg.TaskTimeout,
		clock:       clk,
		metrics:     cfg.Metrics,
	}

	defaults := DefaultMaxRequests()
	for _, c := range Categories() {
		n, ok := cfg.MaxRequests[c]
		if !ok || n < 0 {
			n = defaults[c]
		}
		m.caps[c] = n
		m.latency[c] = newLatencyTracker()
		m.metrics.SetCapacity(c.String(), n)
	}

	log.Debug("request pool created",
		"grab_delay", m.grabDelay,
		"task_timeout", m.taskTimeout)

	return m
}

// =============================================================================
// Submission
// =============================================================================

// AddRequest queues a task under its category and priority.
//
// It never blocks on the task. If the pool is idle it drains immediately;
// if it is already awake only interaction submissions force an immediate
// drain, other categories wait for the pending delayed drain.
func (m *Manager) AddRequest(task Task) error {
	if task.Execute == nil {
		return errors.ErrNilTask
	}
	if !task.Category.Valid() {
		return fmt.Errorf("add request: %w", errors.ErrUnknownCategory)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return errors.ErrManagerClosed
	}

	m.seq++
	m.queues[task.Category].push(task, m.seq)
	m.metrics.SetQueued(task.Category.String(), m.queues[task.Category].Len())

	if !m.awake {
		m.awake = true
		m.startGrabbingLocked()
	} else if task.Category == CategoryInteraction {
		m.startGrabbingLocked()
	}

	return nil
}

// FilterRequests removes every queued (not yet started) task for which
// keep returns false, across all categories. The removed tasks are returned.
func (m *Manager) FilterRequests(keep func(Task) bool) []Task {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed []Task
	for _, c := range Categories() {
		removed = append(removed, m.queues[c].filter(keep)...)
		m.metrics.SetQueued(c.String(), m.queues[c].Len())
	}

	if len(removed) > 0 {
		log.Debug("requests filtered", "removed", len(removed))
	}
	return removed
}

// ClearRequestStack discards all queued tasks of one category and
// returns them. Running tasks are unaffected.
func (m *Manager) ClearRequestStack(c Category) ([]Task, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("clear request stack: %w", errors.ErrUnknownCategory)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := m.queues[c].clear()
	m.metrics.SetQueued(c.String(), 0)

	log.Debug("request stack cleared", "category", c.String(), "removed", len(removed))
	return removed, nil
}

// SetMaxSimultaneousRequests changes the ceiling of a category.
// It takes effect on the next drain; running tasks are never aborted,
// so lowering a ceiling below the running count only blocks new starts.
func (m *Manager) SetMaxSimultaneousRequests(c Category, n int) error {
	if !c.Valid() {
		return fmt.Errorf("set max requests: %w", errors.ErrUnknownCategory)
	}
	if n < 0 {
		return errors.NewInvalidValue("max simultaneous requests", n, "must be >= 0")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.caps[c] = n
	m.metrics.SetCapacity(c.String(), n)
	m.startAgainLocked()

	log.Debug("category ceiling changed", "category", c.String(), "max", n)
	return nil
}

// GetMaxSimultaneousRequests returns the ceiling of a category.
func (m *Manager) GetMaxSimultaneousRequests(c Category) (int, error) {
	if !c.Valid() {
		return 0, fmt.Errorf("get max requests: %w", errors.ErrUnknownCategory)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.caps[c], nil
}

// =============================================================================
// Drain
// =============================================================================

// startGrabbingLocked runs one drain pass over every category.
// The pool goes idle when no category has queued work left; otherwise
// the delayed re-drain is armed.
func (m *Manager) startGrabbingLocked() {
	m.drains++
	m.metrics.ObserveDrain()

	remaining := false
	for _, c := range Categories() {
		if m.sendRequestsLocked(c) {
			remaining = true
		}
	}

	if !remaining {
		m.awake = false
		return
	}
	m.armTimerLocked()
}

// sendRequestsLocked starts up to the free slots of c. It returns false
// when the category is quiescent (queue emptied).
func (m *Manager) sendRequestsLocked(c Category) bool {
	slots := m.caps[c] - m.inFlight[c]
	for i := 0; i < slots; i++ {
		task, ok := m.queues[c].pop()
		if !ok {
			m.metrics.SetQueued(c.String(), 0)
			return false
		}
		m.launchLocked(c, task)
	}

	n := m.queues[c].Len()
	m.metrics.SetQueued(c.String(), n)
	return n > 0
}

// startAgainLocked schedules the next drain after a completion or a
// ceiling change. At most one timer is pending per pool.
func (m *Manager) startAgainLocked() {
	if !m.awake || m.closed {
		return
	}

	if m.grabDelay <= 0 {
		m.startGrabbingLocked()
		return
	}

	m.armTimerLocked()
}

// armTimerLocked schedules the delayed drain unless one is pending.
// With a zero delay, completions drain synchronously instead.
func (m *Manager) armTimerLocked() {
	if m.timer != nil || m.grabDelay <= 0 || m.closed {
		return
	}

	// FakeClock runs AfterFunc callbacks under its own lock, so hop to a
	// goroutine before taking m.mu.
	m.timer = m.clock.AfterFunc(m.grabDelay, func() {
		go m.onTimer()
	})
}

func (m *Manager) onTimer() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.timer = nil
	if m.closed {
		return
	}
	m.startGrabbingLocked()
}

// =============================================================================
// Execution
// =============================================================================

func (m *Manager) launchLocked(c Category, task Task) {
	m.inFlight[c]++
	m.started[c]++
	m.metrics.ObserveStart(c.String())
	m.metrics.SetInFlight(c.String(), m.inFlight[c])

	m.wg.Add(1)
	go m.run(c, task)
}

func (m *Manager) run(c Category, task Task) {
	defer m.wg.Done()

	start := m.clock.Now()
	err := m.executeWithRecovery(task)
	elapsed := m.clock.Since(start)

	m.mu.Lock()
	m.inFlight[c]--
	m.completed[c]++
	if err != nil {
		m.failed[c]++
	}
	m.latency[c].add(elapsed)
	m.metrics.SetInFlight(c.String(), m.inFlight[c])
	m.metrics.ObserveDone(c.String(), elapsed, err != nil)
	m.startAgainLocked()
	m.mu.Unlock()

	if err != nil {
		log.Debug("request failed",
			"category", c.String(),
			"volume_id", task.Metadata.VolumeID,
			"frame", task.Metadata.FrameIndex,
			"error", err)
	}
}

// executeWithRecovery runs a task, converting a panic into an error.
func (m *Manager) executeWithRecovery(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic in request execution",
				"category", task.Category.String(),
				"volume_id", task.Metadata.VolumeID,
				"frame", task.Metadata.FrameIndex,
				"panic", r)
			err = fmt.Errorf("%w: %v", errors.ErrTaskPanic, r)
		}
	}()

	ctx := logging.ContextWithCategory(context.Background(), task.Category.String())
	if task.Metadata.VolumeID != "" {
		ctx = logging.ContextWithVolumeID(ctx, task.Metadata.VolumeID)
		ctx = logging.ContextWithFrameIndex(ctx, task.Metadata.FrameIndex)
	}

	if m.taskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.taskTimeout)
		defer cancel()

		err = task.Execute(ctx)
		if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %w", errors.ErrTimeout, err)
		}
		return err
	}

	return task.Execute(ctx)
}

// =============================================================================
// Lifecycle
// =============================================================================

// Stop shuts the pool down and waits for running requests, bounded by
// the default drain timeout.
func (m *Manager) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), config.DefaultDrainTimeout)
	defer cancel()
	_ = m.StopWithContext(ctx)
}

// StopWithContext cancels the pending drain timer, discards queued
// requests and waits for running requests until ctx is done.
// Running requests are never cancelled.
func (m *Manager) StopWithContext(ctx context.Context) error {
	m.Shutdown()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("request pool stopped gracefully")
		return nil
	case <-ctx.Done():
		log.Warn("request pool drain timeout", "in_flight", m.totalInFlight())
		return ctx.Err()
	}
}

// Shutdown stops the pool without waiting. Further submissions fail with
// ErrManagerClosed.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.closed = true
	m.awake = false

	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}

	dropped := 0
	for _, c := range Categories() {
		dropped += len(m.queues[c].clear())
		m.metrics.SetQueued(c.String(), 0)
	}

	log.Info("request pool shut down", "dropped", dropped)
}

// =============================================================================
// Utility Methods
// =============================================================================

// InFlight returns the running count of a category.
func (m *Manager) InFlight(c Category) int {
	if !c.Valid() {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inFlight[c]
}

// Queued returns the queued count of a category.
func (m *Manager) Queued(c Category) int {
	if !c.Valid() {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queues[c].Len()
}

// Awake reports whether a drain cycle is scheduled or running.
func (m *Manager) Awake() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.awake
}

func (m *Manager) totalInFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	total := 0
	for _, n := range m.inFlight {
		total += n
	}
	return total
}

// Stats returns a snapshot of the pool.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Stats{
		Awake:        m.awake,
		TimerPending: m.timer != nil,
		Drains:       m.drains,
		Categories:   make([]CategoryStats, 0, numCategories),
	}

	for _, c := range Categories() {
		cs := CategoryStats{
			Category:  c,
			Queued:    m.queues[c].Len(),
			InFlight:  m.inFlight[c],
			Cap:       m.caps[c],
			Started:   m.started[c],
			Completed: m.completed[c],
			Failed:    m.failed[c],
		}
		m.latency[c].fill(&cs)
		s.Categories = append(s.Categories, cs)
	}

	return s
}
