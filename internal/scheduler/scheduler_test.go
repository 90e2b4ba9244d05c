package scheduler

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testclock "k8s.io/utils/clock/testing"

	"github.com/xtxerr/volstream/internal/errors"
	vtesting "github.com/xtxerr/volstream/internal/testing"
)

const waitFor = 2 * time.Second

func TestParseCategory(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Category
		wantErr bool
	}{
		{name: "interaction", input: "interaction", want: CategoryInteraction},
		{name: "mixed case", input: "Prefetch", want: CategoryPrefetch},
		{name: "padded", input: " thumbnail ", want: CategoryThumbnail},
		{name: "compute", input: "compute", want: CategoryCompute},
		{name: "empty", input: "", wantErr: true},
		{name: "unknown", input: "bulk", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseCategory(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, errors.ErrUnknownCategory)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, got.String(), categoryNames[got])
		})
	}
}

// gate is a task body that blocks until released.
type gate struct {
	started chan struct{}
	release chan struct{}
}

func newGate() *gate {
	return &gate{started: make(chan struct{}), release: make(chan struct{})}
}

func (g *gate) task(c Category, priority int) Task {
	return Task{
		Category: c,
		Priority: priority,
		Execute: func(ctx context.Context) error {
			close(g.started)
			<-g.release
			return nil
		},
	}
}

func (g *gate) hasStarted() bool {
	select {
	case <-g.started:
		return true
	default:
		return false
	}
}

func TestAddRequestValidation(t *testing.T) {
	m := New(nil)
	defer m.Shutdown()

	err := m.AddRequest(Task{Category: CategoryPrefetch})
	assert.ErrorIs(t, err, errors.ErrNilTask)

	err = m.AddRequest(Task{Category: Category(42), Execute: func(context.Context) error { return nil }})
	assert.ErrorIs(t, err, errors.ErrUnknownCategory)
	assert.True(t, errors.IsUsage(err))
}

func TestClearRequestStackUnknownCategory(t *testing.T) {
	m := New(nil)
	defer m.Shutdown()

	_, err := m.ClearRequestStack(Category(-1))
	assert.ErrorIs(t, err, errors.ErrUnknownCategory)
}

func TestCapacityScenarioTenFrames(t *testing.T) {
	m := New(&Config{
		GrabDelay:   time.Millisecond,
		MaxRequests: map[Category]int{CategoryPrefetch: 5},
	})
	defer m.Shutdown()

	gates := make([]*gate, 10)
	for i := range gates {
		gates[i] = newGate()
		require.NoError(t, m.AddRequest(gates[i].task(CategoryPrefetch, 0)))
	}

	// Exactly the first five start right away.
	assert.Equal(t, 5, m.InFlight(CategoryPrefetch))
	assert.Equal(t, 5, m.Queued(CategoryPrefetch))
	for i := 0; i < 5; i++ {
		require.Eventually(t, gates[i].hasStarted, waitFor, time.Millisecond)
	}
	for i := 5; i < 10; i++ {
		assert.False(t, gates[i].hasStarted(), "gate %d started early", i)
	}

	// Each completion opens exactly one slot.
	for i := 0; i < 5; i++ {
		close(gates[i].release)
		next := gates[i+5]
		require.Eventually(t, next.hasStarted, waitFor, time.Millisecond)
		assert.LessOrEqual(t, m.InFlight(CategoryPrefetch), 5)
	}

	for i := 5; i < 10; i++ {
		close(gates[i].release)
	}

	require.Eventually(t, func() bool {
		return m.InFlight(CategoryPrefetch) == 0
	}, waitFor, time.Millisecond)

	stats := m.Stats().Category(CategoryPrefetch)
	assert.Equal(t, int64(10), stats.Started)
	assert.Equal(t, int64(10), stats.Completed)
	assert.Zero(t, stats.Failed)
	assert.Zero(t, stats.Queued)
	require.NotNil(t, stats.P50)
}

func TestInFlightNeverExceedsCap(t *testing.T) {
	caps := map[Category]int{
		CategoryInteraction: 3,
		CategoryThumbnail:   2,
		CategoryPrefetch:    4,
		CategoryCompute:     1,
	}
	m := New(&Config{GrabDelay: time.Millisecond, MaxRequests: caps})
	defer m.Shutdown()

	var running [numCategories]atomic.Int32
	var peak [numCategories]atomic.Int32
	var done sync.WaitGroup

	h := vtesting.NewTestHelper(t)
	rng := rand.New(rand.NewSource(7))

	for burst := 0; burst < 10; burst++ {
		for i := 0; i < 20; i++ {
			c := Category(rng.Intn(int(numCategories)))
			sleep := time.Duration(rng.Intn(300)) * time.Microsecond
			done.Add(1)
			err := m.AddRequest(Task{
				Category: c,
				Priority: rng.Intn(3),
				Execute: func(ctx context.Context) error {
					defer done.Done()
					n := running[c].Add(1)
					defer running[c].Add(-1)
					for {
						p := peak[c].Load()
						if n <= p || peak[c].CompareAndSwap(p, n) {
							break
						}
					}
					if n > int32(caps[c]) {
						h.Errorf("category %s: %d running, cap %d", c, n, caps[c])
					}
					time.Sleep(sleep)
					return nil
				},
			})
			require.NoError(t, err)
		}
		time.Sleep(time.Millisecond)
	}

	require.NoError(t, vtesting.RunWithTimeout(5*time.Second, done.Wait))
	h.Wait()

	for _, c := range Categories() {
		assert.LessOrEqual(t, int(peak[c].Load()), caps[c], "category %s", c)
	}
}

func TestPriorityOrderingWithinCategory(t *testing.T) {
	m := New(&Config{
		GrabDelay:   time.Millisecond,
		MaxRequests: map[Category]int{CategoryThumbnail: 1},
	})
	defer m.Shutdown()

	// Occupy the single slot so the rest queue up.
	blocker := newGate()
	require.NoError(t, m.AddRequest(blocker.task(CategoryThumbnail, 0)))
	require.Eventually(t, blocker.hasStarted, waitFor, time.Millisecond)

	var mu sync.Mutex
	var order []string
	record := func(name string, priority int) Task {
		return Task{
			Category: CategoryThumbnail,
			Priority: priority,
			Execute: func(ctx context.Context) error {
				mu.Lock()
				order = append(order, name)
				mu.Unlock()
				return nil
			},
		}
	}

	// "10" must not sort before "2": priorities compare numerically.
	require.NoError(t, m.AddRequest(record("p10", 10)))
	require.NoError(t, m.AddRequest(record("p2-first", 2)))
	require.NoError(t, m.AddRequest(record("p0", 0)))
	require.NoError(t, m.AddRequest(record("p2-second", 2)))
	require.NoError(t, m.AddRequest(record("neg", -1)))

	close(blocker.release)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 5
	}, waitFor, time.Millisecond)

	assert.Equal(t, []string{"neg", "p0", "p2-first", "p2-second", "p10"}, order)
}

func TestInteractionForcesImmediateDrain(t *testing.T) {
	fc := testclock.NewFakeClock(time.Now())
	m := New(&Config{
		GrabDelay: 5 * time.Millisecond,
		Clock:     fc,
		MaxRequests: map[Category]int{
			CategoryThumbnail: 1,
		},
	})
	defer m.Shutdown()

	thumbs := []*gate{newGate(), newGate(), newGate()}
	for _, g := range thumbs {
		require.NoError(t, m.AddRequest(g.task(CategoryThumbnail, 0)))
	}
	require.True(t, m.Awake(), "pool should stay awake with queued thumbnails")
	assert.Equal(t, 1, m.InFlight(CategoryThumbnail))
	assert.Equal(t, 2, m.Queued(CategoryThumbnail))

	// A prefetch submission while awake waits for the delayed cycle.
	prefetch := newGate()
	require.NoError(t, m.AddRequest(prefetch.task(CategoryPrefetch, 0)))
	assert.Equal(t, 0, m.InFlight(CategoryPrefetch))
	assert.Equal(t, 1, m.Queued(CategoryPrefetch))

	// An interaction submission drains right away, without advancing time.
	interaction := newGate()
	require.NoError(t, m.AddRequest(interaction.task(CategoryInteraction, 0)))
	assert.Equal(t, 1, m.InFlight(CategoryInteraction))
	require.Eventually(t, interaction.hasStarted, waitFor, time.Millisecond)

	// Already-running thumbnail work is not preempted.
	assert.Equal(t, 1, m.InFlight(CategoryThumbnail))
	assert.True(t, thumbs[0].hasStarted())
	assert.False(t, thumbs[1].hasStarted())

	// The next thumbnail waits for the delayed drain, even after a completion.
	close(thumbs[0].release)
	require.Eventually(t, func() bool {
		return m.Stats().Category(CategoryThumbnail).Completed == 1
	}, waitFor, time.Millisecond)
	require.True(t, fc.HasWaiters())
	assert.False(t, thumbs[1].hasStarted())

	fc.Step(5 * time.Millisecond)
	require.Eventually(t, thumbs[1].hasStarted, waitFor, time.Millisecond)

	for _, g := range []*gate{thumbs[1], prefetch, interaction} {
		close(g.release)
	}
	close(thumbs[2].release)
}

func TestQueuedWorkRearmsDrainWhileOtherCategoryRuns(t *testing.T) {
	fc := testclock.NewFakeClock(time.Now())
	m := New(&Config{
		GrabDelay: 10 * time.Millisecond,
		Clock:     fc,
		MaxRequests: map[Category]int{
			CategoryPrefetch:  1,
			CategoryThumbnail: 2,
		},
	})
	defer m.Shutdown()

	long := newGate()
	require.NoError(t, m.AddRequest(long.task(CategoryPrefetch, 0)))
	waiting := newGate()
	require.NoError(t, m.AddRequest(waiting.task(CategoryPrefetch, 0)))
	require.Eventually(t, long.hasStarted, waitFor, time.Millisecond)

	// Prefetch is saturated and still queued, so a drain is pending.
	stats := m.Stats()
	assert.True(t, stats.Awake)
	assert.True(t, stats.TimerPending)

	thumb := newGate()
	require.NoError(t, m.AddRequest(thumb.task(CategoryThumbnail, 0)))
	assert.Equal(t, 1, m.Queued(CategoryThumbnail))
	assert.False(t, thumb.hasStarted())

	// Nothing finishes, yet one tick starts the thumbnail.
	fc.Step(10 * time.Millisecond)
	require.Eventually(t, thumb.hasStarted, waitFor, time.Millisecond)
	assert.Equal(t, 0, m.Queued(CategoryThumbnail))
	assert.Equal(t, 1, m.Queued(CategoryPrefetch))

	// The saturated category keeps the timer armed.
	require.Eventually(t, func() bool { return m.Stats().TimerPending }, waitFor, time.Millisecond)

	close(long.release)
	close(thumb.release)
	for !waiting.hasStarted() {
		if fc.HasWaiters() {
			fc.Step(10 * time.Millisecond)
		}
		time.Sleep(100 * time.Microsecond)
	}
	close(waiting.release)
}

func TestLatencyUsesInjectedClock(t *testing.T) {
	fc := testclock.NewFakeClock(time.Now())
	m := New(&Config{
		GrabDelay: 5 * time.Millisecond,
		Clock:     fc,
	})
	defer m.Shutdown()

	g := newGate()
	require.NoError(t, m.AddRequest(g.task(CategoryCompute, 0)))
	require.Eventually(t, g.hasStarted, waitFor, time.Millisecond)

	fc.Step(250 * time.Millisecond)
	close(g.release)

	require.Eventually(t, func() bool {
		return m.Stats().Category(CategoryCompute).Completed == 1
	}, waitFor, time.Millisecond)

	stats := m.Stats().Category(CategoryCompute)
	require.NotNil(t, stats.P50)
	assert.InDelta(t, 250.0, *stats.P50, 250.0*0.05)
}

func TestDelayedDrainCoalescesSubmissions(t *testing.T) {
	fc := testclock.NewFakeClock(time.Now())
	m := New(&Config{
		GrabDelay:   5 * time.Millisecond,
		Clock:       fc,
		MaxRequests: map[Category]int{CategoryPrefetch: 1},
	})
	defer m.Shutdown()

	first := newGate()
	require.NoError(t, m.AddRequest(first.task(CategoryPrefetch, 0)))

	var ran atomic.Int32
	for i := 0; i < 20; i++ {
		require.NoError(t, m.AddRequest(Task{
			Category: CategoryPrefetch,
			Execute: func(ctx context.Context) error {
				ran.Add(1)
				return nil
			},
		}))
	}

	drainsBefore := m.Stats().Drains
	close(first.release)
	require.Eventually(t, fc.HasWaiters, waitFor, time.Millisecond)

	// Twenty queued submissions, but only one timer.
	assert.True(t, m.Stats().TimerPending)
	assert.Equal(t, drainsBefore, m.Stats().Drains)

	for ran.Load() < 20 {
		if fc.HasWaiters() {
			fc.Step(5 * time.Millisecond)
		}
		time.Sleep(100 * time.Microsecond)
	}

	require.Eventually(t, func() bool { return !m.Awake() }, waitFor, time.Millisecond)
}

func TestFailedTaskReleasesSlot(t *testing.T) {
	m := New(&Config{
		GrabDelay:   time.Millisecond,
		MaxRequests: map[Category]int{CategoryCompute: 1},
	})
	defer m.Shutdown()

	var calls atomic.Int32
	require.NoError(t, m.AddRequest(Task{
		Category: CategoryCompute,
		Execute: func(ctx context.Context) error {
			calls.Add(1)
			return fmt.Errorf("fetch: %w", errors.ErrDecodeFailed)
		},
	}))
	require.NoError(t, m.AddRequest(Task{
		Category: CategoryCompute,
		Execute: func(ctx context.Context) error {
			calls.Add(1)
			panic("decoder exploded")
		},
	}))

	after := newGate()
	require.NoError(t, m.AddRequest(after.task(CategoryCompute, 0)))
	require.Eventually(t, after.hasStarted, waitFor, time.Millisecond)
	close(after.release)

	require.Eventually(t, func() bool {
		return m.InFlight(CategoryCompute) == 0
	}, waitFor, time.Millisecond)

	// Failures are not retried.
	assert.Equal(t, int32(2), calls.Load())
	stats := m.Stats().Category(CategoryCompute)
	assert.Equal(t, int64(2), stats.Failed)
	assert.Equal(t, int64(3), stats.Completed)
}

func TestFilterRequests(t *testing.T) {
	m := New(&Config{
		GrabDelay: time.Millisecond,
		MaxRequests: map[Category]int{
			CategoryPrefetch:    1,
			CategoryInteraction: 1,
		},
	})
	defer m.Shutdown()

	blockers := []*gate{newGate(), newGate()}
	require.NoError(t, m.AddRequest(blockers[0].task(CategoryPrefetch, 0)))
	require.NoError(t, m.AddRequest(blockers[1].task(CategoryInteraction, 0)))

	noop := func(context.Context) error { return nil }
	for i := 0; i < 4; i++ {
		vol := "a"
		if i%2 == 1 {
			vol = "b"
		}
		require.NoError(t, m.AddRequest(Task{
			Category: CategoryPrefetch,
			Execute:  noop,
			Metadata: Metadata{VolumeID: vol, FrameIndex: i},
		}))
		require.NoError(t, m.AddRequest(Task{
			Category: CategoryInteraction,
			Execute:  noop,
			Metadata: Metadata{VolumeID: vol, FrameIndex: i},
		}))
	}

	removed := m.FilterRequests(func(task Task) bool { return task.Metadata.VolumeID != "a" })
	assert.Len(t, removed, 4)
	for _, r := range removed {
		assert.Equal(t, "a", r.Metadata.VolumeID)
	}
	assert.Equal(t, 2, m.Queued(CategoryPrefetch))
	assert.Equal(t, 2, m.Queued(CategoryInteraction))

	cleared, err := m.ClearRequestStack(CategoryPrefetch)
	require.NoError(t, err)
	assert.Len(t, cleared, 2)
	assert.Equal(t, 0, m.Queued(CategoryPrefetch))
	assert.Equal(t, 2, m.Queued(CategoryInteraction))

	for _, g := range blockers {
		close(g.release)
	}
}

func TestSetMaxSimultaneousRequests(t *testing.T) {
	m := New(&Config{
		GrabDelay:   time.Millisecond,
		MaxRequests: map[Category]int{CategoryThumbnail: 0},
	})
	defer m.Shutdown()

	got, err := m.GetMaxSimultaneousRequests(CategoryThumbnail)
	require.NoError(t, err)
	assert.Equal(t, 0, got)

	g := newGate()
	require.NoError(t, m.AddRequest(g.task(CategoryThumbnail, 0)))
	assert.Equal(t, 1, m.Queued(CategoryThumbnail))

	// Raising the ceiling re-arms the drain on its own.
	require.NoError(t, m.SetMaxSimultaneousRequests(CategoryThumbnail, 2))
	require.Eventually(t, g.hasStarted, waitFor, time.Millisecond)
	close(g.release)

	err = m.SetMaxSimultaneousRequests(CategoryThumbnail, -1)
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)

	_, err = m.GetMaxSimultaneousRequests(Category(9))
	assert.ErrorIs(t, err, errors.ErrUnknownCategory)
}

func TestTaskTimeout(t *testing.T) {
	m := New(&Config{
		GrabDelay:   time.Millisecond,
		TaskTimeout: 10 * time.Millisecond,
	})
	defer m.Shutdown()

	require.NoError(t, m.AddRequest(Task{
		Category: CategoryInteraction,
		Execute: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}))

	require.Eventually(t, func() bool {
		return m.Stats().Category(CategoryInteraction).Failed == 1
	}, waitFor, time.Millisecond)
	assert.Equal(t, 0, m.InFlight(CategoryInteraction))
}

func TestShutdown(t *testing.T) {
	fc := testclock.NewFakeClock(time.Now())
	m := New(&Config{
		GrabDelay:   5 * time.Millisecond,
		Clock:       fc,
		MaxRequests: map[Category]int{CategoryPrefetch: 1},
	})

	running := newGate()
	require.NoError(t, m.AddRequest(running.task(CategoryPrefetch, 0)))
	queued := newGate()
	require.NoError(t, m.AddRequest(queued.task(CategoryPrefetch, 0)))

	m.Shutdown()

	err := m.AddRequest(newGate().task(CategoryPrefetch, 0))
	assert.ErrorIs(t, err, errors.ErrManagerClosed)

	// In-flight work is allowed to finish; queued work never starts.
	close(running.release)
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, m.StopWithContext(ctx))
	assert.False(t, queued.hasStarted())
	assert.False(t, fc.HasWaiters())
}
