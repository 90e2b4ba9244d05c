// Package volume implements the streaming volume: a voxel buffer filled
// frame by frame through the request pool, with per-frame load tracking,
// cooperative cancellation and decache.
//
// Every frame owns a disjoint slab of the buffer. At most one task per frame
// is outstanding at any time, so slab writes need no locking; the volume's
// mutex only guards the load bookkeeping.
package volume

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/xtxerr/volstream/internal/errors"
	"github.com/xtxerr/volstream/internal/events"
	"github.com/xtxerr/volstream/internal/geometry"
	"github.com/xtxerr/volstream/internal/imaging"
	"github.com/xtxerr/volstream/internal/logging"
	"github.com/xtxerr/volstream/internal/metrics"
	"github.com/xtxerr/volstream/internal/scheduler"
	"github.com/xtxerr/volstream/internal/voxel"
)

var log = logging.Component("volume")

// TaskSource tags a volume's frame requests in scheduler.Metadata.
const TaskSource = "volume"

// Pool is the part of the request pool a volume submits to.
type Pool interface {
	AddRequest(task scheduler.Task) error
	FilterRequests(keep func(scheduler.Task) bool) []scheduler.Task
}

// Cache is the admission and bookkeeping a volume needs.
type Cache interface {
	IsCacheable(size int64) bool
	DecacheIfNecessaryUntilBytesAvailable(size int64) error
	GetImageLoadObject(frameID string) (*imaging.Image, bool)
	PutImage(img *imaging.Image) error
	PutVolume(volumeID string, size int64, onEvict func()) error
	RemoveVolume(volumeID string) bool
	SetVolumePinned(volumeID string, pinned bool) bool
}

// Config configures a volume.
type Config struct {
	// VolumeID is generated when empty.
	VolumeID string

	Pool   Pool
	Loader imaging.Loader
	Cache  Cache

	WideMode     bool
	ApplyScaling bool

	Events  events.Config
	Metrics *metrics.Volume
}

// LoadOptions selects where a load pass is queued.
type LoadOptions struct {
	Category scheduler.Category
	Priority int
}

// DefaultLoadOptions queues frames as background prefetch at priority 0.
func DefaultLoadOptions() *LoadOptions {
	return &LoadOptions{Category: scheduler.CategoryPrefetch}
}

// Progress is a snapshot of load state.
type Progress struct {
	Loaded      int
	Failed      int
	Outstanding int
	Total       int
}

// Fraction returns Loaded/Total.
func (p Progress) Fraction() float64 {
	if p.Total == 0 {
		return 0
	}
	return float64(p.Loaded) / float64(p.Total)
}

// Volume is a progressively loaded voxel buffer.
type Volume struct {
	id    string
	plan  *geometry.Plan
	table *voxel.Table

	pool         Pool
	loader       imaging.Loader
	cache        Cache
	bus          *events.Bus
	metrics      *metrics.Volume
	applyScaling bool

	mu          sync.Mutex
	buf         *voxel.Buffer
	cached      bitmap
	outstanding bitmap
	failed      bitmap
	numPending  int
	cancelled   bool
	decached    bool
	announced   bool
}

// New plans, admits and allocates a volume. It fails before creating a
// buffer when the pixel format is unsupported or the size can never be
// cached, and before submitting any frame task in every case.
func New(frames []geometry.FrameInfo, pf geometry.PixelFormat, cfg Config) (*Volume, error) {
	if cfg.Pool == nil || cfg.Loader == nil || cfg.Cache == nil {
		return nil, errors.NewMissingField("volume pool, loader or cache")
	}

	plan, err := geometry.NewPlan(frames, pf, geometry.Options{WideMode: cfg.WideMode})
	if err != nil {
		return nil, err
	}

	buf, table, err := geometry.Allocate(plan, cfg.Cache)
	if err != nil {
		return nil, err
	}

	id := cfg.VolumeID
	if id == "" {
		id = uuid.NewString()
	}

	n := table.Len()
	v := &Volume{
		id:           id,
		plan:         plan,
		table:        table,
		pool:         cfg.Pool,
		loader:       cfg.Loader,
		cache:        cfg.Cache,
		bus:          events.NewBus(cfg.Events),
		metrics:      cfg.Metrics,
		applyScaling: cfg.ApplyScaling,
		buf:          buf,
		cached:       newBitmap(n),
		outstanding:  newBitmap(n),
		failed:       newBitmap(n),
	}

	if err := cfg.Cache.PutVolume(id, buf.SizeInBytes(), v.onCacheEvict); err != nil {
		return nil, fmt.Errorf("admit volume %s: %w", id, err)
	}
	v.metrics.Allocated(buf.SizeInBytes())

	log.Info("volume allocated",
		"volume_id", id,
		"frames", n,
		"dimensions", plan.Dimensions,
		"data_type", plan.DataType.String(),
		"bytes", buf.SizeInBytes())

	return v, nil
}

// =============================================================================
// Load
// =============================================================================

// Load submits one task per frame that is neither loaded nor outstanding
// and returns how many were submitted. A nil opts uses DefaultLoadOptions.
// Load clears a previous cancellation.
func (v *Volume) Load(opts *LoadOptions) (int, error) {
	if opts == nil {
		opts = DefaultLoadOptions()
	}
	if !opts.Category.Valid() {
		return 0, fmt.Errorf("load %s: %w", v.id, errors.ErrUnknownCategory)
	}

	v.mu.Lock()
	if v.decached {
		v.mu.Unlock()
		return 0, fmt.Errorf("load %s: %w", v.id, errors.ErrVolumeDecached)
	}
	v.cancelled = false

	var indices []int
	for i := 0; i < v.table.Len(); i++ {
		if v.cached.test(i) || v.outstanding.test(i) {
			continue
		}
		v.outstanding.set(i)
		indices = append(indices, i)
	}
	v.numPending += len(indices)
	if len(indices) > 0 {
		v.cache.SetVolumePinned(v.id, true)
	}
	v.mu.Unlock()

	for k, i := range indices {
		if err := v.pool.AddRequest(v.frameTask(i, opts)); err != nil {
			v.abandon(indices[k:])
			return k, fmt.Errorf("load %s: %w", v.id, err)
		}
	}

	if len(indices) > 0 {
		log.Debug("load submitted",
			"volume_id", v.id,
			"frames", len(indices),
			"category", opts.Category.String(),
			"priority", opts.Priority)
	}
	return len(indices), nil
}

func (v *Volume) frameTask(i int, opts *LoadOptions) scheduler.Task {
	slab := v.table.At(i)
	return scheduler.Task{
		Category: opts.Category,
		Priority: opts.Priority,
		Metadata: scheduler.Metadata{
			VolumeID:   v.id,
			FrameID:    slab.FrameID,
			FrameIndex: i,
			Source:     TaskSource,
		},
		Execute: func(ctx context.Context) error {
			return v.loadFrame(ctx, slab)
		},
	}
}

// loadFrame runs inside the request pool.
func (v *Volume) loadFrame(ctx context.Context, slab voxel.Slab) error {
	v.mu.Lock()
	if v.cancelled || v.decached {
		v.releaseLocked(slab.Index)
		v.mu.Unlock()
		return nil
	}
	w, err := v.table.Window(v.buf, slab)
	v.mu.Unlock()

	if err == nil {
		err = v.fetch(ctx, slab, w)
	}
	if err != nil {
		err = errors.NewFrameError(slab.Index, slab.FrameID, err)
	}
	v.complete(slab, err)
	return err
}

// fetch fills w from the image cache when possible, else from the loader.
func (v *Volume) fetch(ctx context.Context, slab voxel.Slab, w voxel.Window) error {
	if img, ok := v.cache.GetImageLoadObject(slab.FrameID); ok && img.Pixels != nil && img.Pixels.Len() == slab.Length {
		if err := w.CopyFrom(img.Pixels.All()); err != nil {
			return err
		}
		if v.applyScaling && !img.PreScaled {
			imaging.ApplyScaling(w, img.Scaling)
		}
		return nil
	}

	dec, err := v.loader.LoadFrame(ctx, slab.FrameID, imaging.LoadOptions{
		Target:       w,
		DataType:     w.DataType(),
		ApplyScaling: v.applyScaling,
	})
	if err != nil {
		return err
	}
	if dec == nil {
		return fmt.Errorf("loader returned no frame: %w", errors.ErrDecodeFailed)
	}
	if v.applyScaling && !dec.PreScaled {
		imaging.ApplyScaling(w, dec.Scaling)
	}
	return nil
}

// complete records a finished frame task and publishes its outcome.
func (v *Volume) complete(slab voxel.Slab, err error) {
	i := slab.Index

	v.mu.Lock()
	v.releaseLocked(i)
	if err == nil {
		v.cached.set(i)
		v.failed.clear(i)
	} else {
		v.failed.set(i)
	}
	p := v.progressLocked()
	cancelled := v.cancelled
	announce := p.Loaded == p.Total && !v.announced
	if announce {
		v.announced = true
	}
	v.mu.Unlock()

	ev := events.Event{
		VolumeID:   v.id,
		FrameID:    slab.FrameID,
		FrameIndex: i,
		Loaded:     p.Loaded,
		Failed:     p.Failed,
		Total:      p.Total,
	}

	if err != nil {
		v.metrics.FrameFailed()
		log.Warn("frame load failed", "volume_id", v.id, "frame", i, "error", err)
		ev.Kind = events.KindFrameLoadError
		ev.Err = err
	} else {
		v.metrics.FrameLoaded()
		ev.Kind = events.KindFrameProgress
	}
	v.bus.Publish(ev)

	switch {
	case announce:
		log.Info("volume loaded", "volume_id", v.id, "frames", p.Total)
		v.bus.Publish(events.Event{Kind: events.KindVolumeLoaded, VolumeID: v.id, Loaded: p.Loaded, Total: p.Total})
	case p.Outstanding == 0 && p.Failed > 0 && !cancelled:
		v.bus.Publish(events.Event{
			Kind:     events.KindLoadFinished,
			VolumeID: v.id,
			Loaded:   p.Loaded,
			Failed:   p.Failed,
			Total:    p.Total,
		})
	}
}

// releaseLocked clears the outstanding flag of frame i.
func (v *Volume) releaseLocked(i int) {
	if !v.outstanding.test(i) {
		return
	}
	v.outstanding.clear(i)
	v.numPending--
	if v.numPending == 0 && !v.decached {
		v.cache.SetVolumePinned(v.id, false)
	}
}

func (v *Volume) abandon(indices []int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, i := range indices {
		v.releaseLocked(i)
	}
}

// =============================================================================
// Cancel and decache
// =============================================================================

// CancelLoading stops the current load pass. Queued frame tasks are removed
// from the pool; running ones finish and write their slab.
func (v *Volume) CancelLoading() int {
	v.mu.Lock()
	v.cancelled = true
	v.mu.Unlock()

	removed := v.pool.FilterRequests(func(t scheduler.Task) bool {
		return t.Metadata.VolumeID != v.id
	})

	v.mu.Lock()
	for _, t := range removed {
		v.releaseLocked(t.Metadata.FrameIndex)
	}
	v.mu.Unlock()

	v.metrics.Cancelled()
	log.Debug("load cancelled", "volume_id", v.id, "purged", len(removed))
	return len(removed)
}

// ClearLoadCallbacks closes every current subscription without affecting
// loading.
func (v *Volume) ClearLoadCallbacks() {
	n := v.bus.CloseSubscribers()
	log.Debug("load subscribers cleared", "volume_id", v.id, "subscribers", n)
}

// Decache cancels loading and releases the buffer. Unless completelyRemove
// is set, loaded frames are handed to the image cache so later loads of the
// same frames can copy instead of fetching.
func (v *Volume) Decache(completelyRemove bool) {
	v.release(completelyRemove, true)
}

// onCacheEvict runs when the cache evicted this volume to make room.
func (v *Volume) onCacheEvict() {
	log.Info("volume evicted from cache", "volume_id", v.id)
	v.release(true, false)
}

func (v *Volume) release(completelyRemove, removeFromCache bool) {
	v.CancelLoading()

	v.mu.Lock()
	if v.decached {
		v.mu.Unlock()
		return
	}
	v.decached = true
	buf := v.buf
	v.buf = nil
	loaded := v.cached.bools(v.table.Len())
	v.mu.Unlock()

	if removeFromCache {
		v.cache.RemoveVolume(v.id)
	}
	if !completelyRemove {
		v.retainFrames(buf, loaded)
	}

	v.metrics.Allocated(-buf.SizeInBytes())
	v.bus.Publish(events.Event{Kind: events.KindVolumeDecached, VolumeID: v.id})
	v.bus.Close()

	log.Info("volume decached", "volume_id", v.id, "completely_remove", completelyRemove)
}

// retainFrames copies loaded slabs into standalone image cache entries.
func (v *Volume) retainFrames(buf *voxel.Buffer, loaded []bool) {
	kept := 0
	for i, ok := range loaded {
		if !ok {
			continue
		}
		slab := v.table.At(i)
		src, err := v.table.Window(buf, slab)
		if err != nil {
			continue
		}
		pixels, err := voxel.NewBuffer(buf.DataType(), slab.Length)
		if err != nil {
			return
		}
		if err := pixels.All().CopyFrom(src); err != nil {
			continue
		}
		err = v.cache.PutImage(&imaging.Image{
			FrameID:   slab.FrameID,
			Rows:      v.plan.Dimensions[1],
			Columns:   v.plan.Dimensions[0],
			PreScaled: v.applyScaling,
			Pixels:    pixels,
		})
		if err != nil {
			log.Debug("frame not retained", "volume_id", v.id, "frame", i, "error", err)
			return
		}
		kept++
	}
	if kept > 0 {
		log.Debug("frames retained as images", "volume_id", v.id, "frames", kept)
	}
}

// =============================================================================
// Accessors
// =============================================================================

// ID returns the volume identifier.
func (v *Volume) ID() string { return v.id }

// Plan returns the computed layout.
func (v *Volume) Plan() *geometry.Plan { return v.plan }

// Dimensions returns columns, rows and frames per time point.
func (v *Volume) Dimensions() [3]int { return v.plan.Dimensions }

// Spacing returns voxel spacing.
func (v *Volume) Spacing() [3]float64 { return v.plan.Spacing }

// Origin returns the position of the first voxel.
func (v *Volume) Origin() geometry.Vec3 { return v.plan.Origin }

// Direction returns row, column and scan directions.
func (v *Volume) Direction() [9]float64 { return v.plan.Direction }

// SizeInBytes returns the buffer size.
func (v *Volume) SizeInBytes() int64 { return v.plan.SizeInBytes() }

// ScalingApplied reports whether stored values are modality values.
func (v *Volume) ScalingApplied() bool { return v.applyScaling }

// FrameCount returns the number of slabs.
func (v *Volume) FrameCount() int { return v.table.Len() }

// FrameIndex returns the slab index of a frame.
func (v *Volume) FrameIndex(frameID string) (int, bool) {
	s, ok := v.table.Lookup(frameID)
	return s.Index, ok
}

// FrameID returns the frame identifier of slab i.
func (v *Volume) FrameID(i int) string { return v.table.At(i).FrameID }

// SlabIndex returns the slab of frame z at time point t.
func (v *Volume) SlabIndex(t, z int) int {
	return t*v.plan.FramesPerTimePoint + z
}

// ScalarData returns the voxel buffer.
func (v *Volume) ScalarData() (*voxel.Buffer, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.decached {
		return nil, fmt.Errorf("scalar data %s: %w", v.id, errors.ErrVolumeDecached)
	}
	return v.buf, nil
}

// TimePointData returns the window holding every frame of time point t.
func (v *Volume) TimePointData(t int) (voxel.Window, error) {
	if t < 0 || t >= v.plan.TimePoints {
		return voxel.Window{}, errors.NewInvalidValue("time point", t, "out of range")
	}
	buf, err := v.ScalarData()
	if err != nil {
		return voxel.Window{}, err
	}
	per := v.plan.SamplesPerFrame() * v.plan.FramesPerTimePoint
	return buf.Window(t*per, per)
}

// Subscribe returns a subscription to this volume's signals.
func (v *Volume) Subscribe(kinds ...events.Kind) *events.Subscription {
	return v.bus.Subscribe(kinds...)
}

// IsLoaded reports whether every frame is loaded.
func (v *Volume) IsLoaded() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.cached.count() == v.table.Len()
}

// IsLoading reports whether any frame task is outstanding.
func (v *Volume) IsLoading() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.numPending > 0
}

// IsCancelled reports whether the last load pass was cancelled.
func (v *Volume) IsCancelled() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.cancelled
}

// IsDecached reports whether the buffer was released.
func (v *Volume) IsDecached() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.decached
}

// IsFrameLoaded reports whether slab i holds data.
func (v *Volume) IsFrameLoaded(i int) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.cached.test(i)
}

// CachedFrames returns the per-frame loaded bitmap.
func (v *Volume) CachedFrames() []bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.cached.bools(v.table.Len())
}

// Progress returns a load snapshot.
func (v *Volume) Progress() Progress {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.progressLocked()
}

func (v *Volume) progressLocked() Progress {
	return Progress{
		Loaded:      v.cached.count(),
		Failed:      v.failed.count(),
		Outstanding: v.numPending,
		Total:       v.table.Len(),
	}
}
