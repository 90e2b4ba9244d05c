package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testclock "k8s.io/utils/clock/testing"

	"github.com/xtxerr/volstream/internal/errors"
	"github.com/xtxerr/volstream/internal/events"
	"github.com/xtxerr/volstream/internal/imaging"
	vtesting "github.com/xtxerr/volstream/internal/testing"
	"github.com/xtxerr/volstream/internal/voxel"
)

func newImage(t *testing.T, id string, samples int) *imaging.Image {
	t.Helper()
	buf, err := voxel.NewBuffer(voxel.DataTypeUint8, samples)
	require.NoError(t, err)
	return &imaging.Image{FrameID: id, Pixels: buf}
}

func newMemory(t *testing.T, max int64) *Memory {
	t.Helper()
	m, err := NewMemory(Config{MaxBytes: max})
	require.NoError(t, err)
	return m
}

func TestNewMemoryRejectsZeroBudget(t *testing.T) {
	_, err := NewMemory(Config{})
	assert.True(t, errors.Is(err, errors.ErrInvalidConfig))
}

func TestIsCacheable(t *testing.T) {
	m := newMemory(t, 100)
	assert.True(t, m.IsCacheable(100))
	assert.False(t, m.IsCacheable(101))

	err := m.DecacheIfNecessaryUntilBytesAvailable(101)
	assert.True(t, errors.Is(err, errors.ErrNotCacheable))
}

func TestImagesEvictLeastRecentlyUsed(t *testing.T) {
	m := newMemory(t, 30)

	var evicted []string
	unregister := m.OnEvict(func(ev Eviction) { evicted = append(evicted, ev.Key) })
	defer unregister()

	require.NoError(t, m.PutImage(newImage(t, "a", 10)))
	require.NoError(t, m.PutImage(newImage(t, "b", 10)))
	require.NoError(t, m.PutImage(newImage(t, "c", 10)))

	_, ok := m.GetImageLoadObject("a")
	require.True(t, ok)

	require.NoError(t, m.PutImage(newImage(t, "d", 10)))

	assert.Equal(t, []string{"b"}, evicted)
	_, ok = m.GetImageLoadObject("b")
	assert.False(t, ok)
	assert.Equal(t, int64(30), m.Stats().UsedBytes)
}

func TestPutImageTwiceCountsOnce(t *testing.T) {
	m := newMemory(t, 100)
	img := newImage(t, "a", 10)
	require.NoError(t, m.PutImage(img))
	require.NoError(t, m.PutImage(img))
	assert.Equal(t, int64(10), m.Stats().UsedBytes)
	assert.Equal(t, 1, m.Stats().Images)
}

func TestVolumesEvictAfterImages(t *testing.T) {
	m := newMemory(t, 100)

	var hookCalls atomic.Int32
	require.NoError(t, m.PutVolume("v1", 50, func() { hookCalls.Add(1) }))
	require.NoError(t, m.PutImage(newImage(t, "a", 30)))

	// Needs 60 free: the image goes first, then v1.
	require.NoError(t, m.DecacheIfNecessaryUntilBytesAvailable(60))

	assert.Equal(t, int32(1), hookCalls.Load())
	assert.False(t, m.HasVolume("v1"))
	assert.Equal(t, int64(0), m.Stats().UsedBytes)
	assert.Equal(t, int64(2), m.Stats().Evictions)
}

func TestPutVolumeNeverEvictsItself(t *testing.T) {
	m := newMemory(t, 100)
	require.NoError(t, m.PutVolume("v1", 40, nil))
	require.NoError(t, m.PutVolume("v2", 40, nil))

	// Growing v1 to 70 must evict v2, not v1.
	require.NoError(t, m.PutVolume("v1", 70, nil))

	assert.True(t, m.HasVolume("v1"))
	assert.False(t, m.HasVolume("v2"))
	assert.Equal(t, int64(70), m.Stats().UsedBytes)
}

func TestPinnedVolumesAreNotEvicted(t *testing.T) {
	bus := events.NewBus(events.DefaultConfig())
	defer bus.Close()
	sub := bus.Subscribe(events.KindCacheSizeExceeded)

	m, err := NewMemory(Config{MaxBytes: 100, Bus: bus})
	require.NoError(t, err)

	require.NoError(t, m.PutVolume("v1", 80, nil))
	require.True(t, m.SetVolumePinned("v1", true))

	err = m.PutVolume("v2", 50, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCacheSizeExceeded))
	assert.True(t, m.HasVolume("v1"))

	got, err := vtesting.Drain(sub.C, 1, time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(50), got[0].Bytes)

	require.True(t, m.SetVolumePinned("v1", false))
	require.NoError(t, m.PutVolume("v2", 50, nil))
	assert.False(t, m.HasVolume("v1"))
	assert.False(t, m.SetVolumePinned("v1", true))
}

func TestPurgeAndRemove(t *testing.T) {
	m := newMemory(t, 100)
	require.NoError(t, m.PutImage(newImage(t, "a", 10)))
	require.NoError(t, m.PutVolume("v", 20, nil))

	assert.True(t, m.RemoveImage("a"))
	assert.False(t, m.RemoveImage("a"))
	assert.True(t, m.RemoveVolume("v"))
	assert.False(t, m.RemoveVolume("v"))
	assert.Equal(t, int64(0), m.Stats().UsedBytes)

	require.NoError(t, m.PutImage(newImage(t, "b", 10)))
	m.Purge()
	assert.Equal(t, 0, m.Stats().Images)
	assert.Equal(t, 0.0, m.UsageRatio())
}

// =============================================================================
// ImageLoader
// =============================================================================

func TestImageLoaderCoalescesConcurrentLoads(t *testing.T) {
	m := newMemory(t, 1<<20)

	var calls atomic.Int32
	release := make(chan struct{})
	decoder := imaging.LoaderFunc(func(ctx context.Context, frameID string, opts imaging.LoadOptions) (*imaging.Decoded, error) {
		calls.Add(1)
		<-release
		opts.Target.Set(0, 7)
		return &imaging.Decoded{FrameID: frameID, Rows: 2, Columns: 2}, nil
	})

	l, err := NewImageLoader(m, decoder, ImageSpec{DataType: voxel.DataTypeUint8, SamplesPerFrame: 4})
	require.NoError(t, err)

	h := vtesting.NewTestHelper(t)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			img, err := l.LoadImage(context.Background(), "f1")
			if err != nil {
				h.Errorf("LoadImage: %v", err)
				return
			}
			if img.Pixels.Uint8()[0] != 7 {
				h.Errorf("pixel = %d, want 7", img.Pixels.Uint8()[0])
			}
		}()
	}

	// Let the goroutines pile up on the in-flight decode.
	time.Sleep(20 * time.Millisecond)
	close(release)
	require.NoError(t, vtesting.RunWithTimeout(5*time.Second, wg.Wait))
	h.Wait()

	assert.LessOrEqual(t, calls.Load(), int32(4))
	assert.True(t, l.IsCached("f1"))

	before := calls.Load()
	_, err = l.LoadImage(context.Background(), "f1")
	require.NoError(t, err)
	assert.Equal(t, before, calls.Load(), "cached frame must not be decoded again")
}

func TestImageLoaderDecodeError(t *testing.T) {
	m := newMemory(t, 1<<20)
	decoder := imaging.LoaderFunc(func(ctx context.Context, frameID string, opts imaging.LoadOptions) (*imaging.Decoded, error) {
		return nil, errors.ErrDecodeFailed
	})

	l, err := NewImageLoader(m, decoder, ImageSpec{DataType: voxel.DataTypeUint8, SamplesPerFrame: 4})
	require.NoError(t, err)

	_, err = l.LoadImage(context.Background(), "f1")
	assert.True(t, errors.Is(err, errors.ErrDecodeFailed))
	assert.False(t, l.IsCached("f1"))
}

// =============================================================================
// Pressure
// =============================================================================

type fixedUsage struct{ v float64 }

func (f *fixedUsage) UsageRatio() float64 { return f.v }

func TestLevelString(t *testing.T) {
	assert.Equal(t, "normal", LevelNormal.String())
	assert.Equal(t, "emergency", LevelEmergency.String())
	assert.Equal(t, "unknown", Level(9).String())
}

func TestPressureLevels(t *testing.T) {
	usage := &fixedUsage{}
	cfg := PressureConfig{Enabled: true, Warning: 0.5, Critical: 0.8, Emergency: 0.95, Hysteresis: 0.1}
	c := NewPressureController(cfg, usage, nil, nil)

	assert.Equal(t, LevelNormal, c.Check())

	usage.v = 0.5
	assert.Equal(t, LevelWarning, c.Check())
	assert.True(t, c.ShouldPausePrefetch())

	usage.v = 0.8
	assert.Equal(t, LevelCritical, c.Check())

	usage.v = 0.96
	assert.Equal(t, LevelEmergency, c.Check())

	// Hysteresis: 0.9 is below emergency but not below emergency-h.
	usage.v = 0.9
	assert.Equal(t, LevelEmergency, c.Check())

	usage.v = 0.84
	assert.Equal(t, LevelCritical, c.Check())

	usage.v = 0.3
	assert.Equal(t, LevelWarning, c.Check())
	assert.Equal(t, LevelNormal, c.Check())
	assert.False(t, c.ShouldPausePrefetch())

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.EmergencyCount)
	assert.Equal(t, 0.3, stats.Usage)
}

func TestPressureHysteresisHoldsEveryLevel(t *testing.T) {
	tests := []struct {
		name  string
		climb float64
		from  Level
		hold  float64
		drop  float64
	}{
		{name: "emergency", climb: 0.96, from: LevelEmergency, hold: 0.86, drop: 0.84},
		{name: "critical", climb: 0.85, from: LevelCritical, hold: 0.71, drop: 0.69},
		{name: "warning", climb: 0.6, from: LevelWarning, hold: 0.41, drop: 0.39},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			usage := &fixedUsage{}
			cfg := PressureConfig{Enabled: true, Warning: 0.5, Critical: 0.8, Emergency: 0.95, Hysteresis: 0.1}
			c := NewPressureController(cfg, usage, nil, nil)

			usage.v = tt.climb
			require.Equal(t, tt.from, c.Check())

			usage.v = tt.hold
			assert.Equal(t, tt.from, c.Check())

			usage.v = tt.drop
			assert.Equal(t, tt.from-1, c.Check())
		})
	}
}

func TestPressureCooldown(t *testing.T) {
	clk := testclock.NewFakeClock(time.Unix(0, 0))
	usage := &fixedUsage{}
	cfg := DefaultPressureConfig()
	cfg.Cooldown = time.Second
	c := NewPressureController(cfg, usage, clk, nil)

	var changes []Level
	c.SetOnLevelChange(func(_, n Level) { changes = append(changes, n) })

	assert.Equal(t, LevelNormal, c.Check())

	usage.v = 0.99
	assert.Equal(t, LevelNormal, c.Check(), "within cooldown")

	clk.Step(time.Second)
	assert.Equal(t, LevelEmergency, c.Check())
	assert.Equal(t, []Level{LevelEmergency}, changes)
}

func TestPressureDisabled(t *testing.T) {
	c := NewPressureController(PressureConfig{}, &fixedUsage{v: 1}, nil, nil)
	assert.Equal(t, LevelNormal, c.Check())
	assert.False(t, c.ShouldPausePrefetch())
}
