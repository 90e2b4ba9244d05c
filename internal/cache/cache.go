// Package cache provides cache admission for volume buffers and decoded
// images under one global byte budget.
//
// Memory is the reference implementation: two LRU orders (images, volumes)
// sharing a byte budget. Admission evicts images before volumes, least
// recently used first. Evictions are reported to listeners after the cache
// lock is released.
package cache

import (
	"fmt"
	"math"
	"sync"

	humanize "github.com/dustin/go-humanize"
	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/xtxerr/volstream/internal/errors"
	"github.com/xtxerr/volstream/internal/events"
	"github.com/xtxerr/volstream/internal/imaging"
	"github.com/xtxerr/volstream/internal/logging"
	"github.com/xtxerr/volstream/internal/metrics"
)

var log = logging.Component("cache")

// Admission is the contract a volume allocation and a volume load consume.
type Admission interface {
	// IsCacheable reports whether size bytes could ever fit.
	IsCacheable(size int64) bool

	// DecacheIfNecessaryUntilBytesAvailable evicts until size bytes are
	// free. Returns ErrCacheSizeExceeded when that is impossible.
	DecacheIfNecessaryUntilBytesAvailable(size int64) error

	// GetImageLoadObject returns a cached decoded frame.
	GetImageLoadObject(frameID string) (*imaging.Image, bool)
}

// EntryKind distinguishes cache entries.
type EntryKind int

const (
	EntryImage EntryKind = iota
	EntryVolume
)

// String returns the kind name.
func (k EntryKind) String() string {
	if k == EntryVolume {
		return "volume"
	}
	return "image"
}

// Eviction reports an entry removed to free budget.
type Eviction struct {
	Kind EntryKind
	Key  string
	Size int64
}

// Config configures a Memory cache.
type Config struct {
	MaxBytes int64

	// Metrics and Bus are optional.
	Metrics *metrics.Cache
	Bus     *events.Bus
}

type imageEntry struct {
	img  *imaging.Image
	size int64
}

type volumeEntry struct {
	size    int64
	onEvict func()
	pinned  bool
}

// Memory is an in-process byte-budget cache.
//
// Memory is safe for concurrent use. Admission and insertion happen under
// one mutex, so concurrent allocations never double-count the budget.
type Memory struct {
	mu       sync.Mutex
	maxBytes int64
	used     int64

	images  *simplelru.LRU[string, *imageEntry]
	volumes *simplelru.LRU[string, *volumeEntry]

	listeners map[int]func(Eviction)
	nextID    int
	evictions int64

	metrics *metrics.Cache
	bus     *events.Bus
}

// NewMemory creates a cache with the given budget.
func NewMemory(cfg Config) (*Memory, error) {
	if cfg.MaxBytes <= 0 {
		return nil, errors.NewInvalidValue("cache max size", cfg.MaxBytes, "must be > 0")
	}

	// Entry counts are unbounded; the byte budget is the limit.
	images, err := simplelru.NewLRU[string, *imageEntry](math.MaxInt32, nil)
	if err != nil {
		return nil, fmt.Errorf("create image lru: %w", err)
	}
	volumes, err := simplelru.NewLRU[string, *volumeEntry](math.MaxInt32, nil)
	if err != nil {
		return nil, fmt.Errorf("create volume lru: %w", err)
	}

	m := &Memory{
		maxBytes:  cfg.MaxBytes,
		images:    images,
		volumes:   volumes,
		listeners: make(map[int]func(Eviction)),
		metrics:   cfg.Metrics,
		bus:       cfg.Bus,
	}
	m.metrics.SetBytes(0, m.maxBytes)

	log.Info("cache created", "max_size", humanize.IBytes(uint64(cfg.MaxBytes)))
	return m, nil
}

// =============================================================================
// Admission
// =============================================================================

// IsCacheable reports whether size bytes fit in the budget at all.
func (m *Memory) IsCacheable(size int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return size <= m.maxBytes
}

// DecacheIfNecessaryUntilBytesAvailable evicts least recently used images,
// then volumes, until size bytes are free.
func (m *Memory) DecacheIfNecessaryUntilBytesAvailable(size int64) error {
	m.mu.Lock()
	if size > m.maxBytes {
		m.mu.Unlock()
		return fmt.Errorf("%s: %w", humanize.IBytes(uint64(size)), errors.ErrNotCacheable)
	}
	evicted, volumeHooks := m.evictLocked(size, "")
	ok := m.freeLocked() >= size
	m.mu.Unlock()

	m.notify(evicted, volumeHooks)
	if !ok {
		return m.exceeded(size)
	}
	return nil
}

// GetImageLoadObject returns a cached image and marks it recently used.
func (m *Memory) GetImageLoadObject(frameID string) (*imaging.Image, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.images.Get(frameID)
	m.metrics.Lookup(ok)
	if !ok {
		return nil, false
	}
	return e.img, true
}

// =============================================================================
// Images
// =============================================================================

// PutImage caches a decoded frame, evicting as needed. Re-adding a cached
// frame only refreshes its recency.
func (m *Memory) PutImage(img *imaging.Image) error {
	if img == nil || img.FrameID == "" {
		return errors.NewMissingField("image frame id")
	}
	size := img.SizeInBytes()

	m.mu.Lock()
	if size > m.maxBytes {
		m.mu.Unlock()
		return fmt.Errorf("image %s: %w", img.FrameID, errors.ErrNotCacheable)
	}
	if _, ok := m.images.Get(img.FrameID); ok {
		m.mu.Unlock()
		return nil
	}

	evicted, hooks := m.evictLocked(size, "")
	if m.freeLocked() < size {
		m.mu.Unlock()
		m.notify(evicted, hooks)
		return m.exceeded(size)
	}
	m.images.Add(img.FrameID, &imageEntry{img: img, size: size})
	m.used += size
	m.metrics.SetBytes(m.used, m.maxBytes)
	m.mu.Unlock()

	m.notify(evicted, hooks)
	return nil
}

// RemoveImage drops a cached frame without notifying listeners.
func (m *Memory) RemoveImage(frameID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.images.Peek(frameID)
	if !ok {
		return false
	}
	m.images.Remove(frameID)
	m.used -= e.size
	m.metrics.SetBytes(m.used, m.maxBytes)
	return true
}

// =============================================================================
// Volumes
// =============================================================================

// PutVolume accounts a volume buffer. onEvict runs, outside the cache lock,
// if the volume is later evicted to make room for something else.
func (m *Memory) PutVolume(volumeID string, size int64, onEvict func()) error {
	m.mu.Lock()
	if size > m.maxBytes {
		m.mu.Unlock()
		return fmt.Errorf("volume %s: %w", volumeID, errors.ErrNotCacheable)
	}

	var prev int64
	if e, ok := m.volumes.Peek(volumeID); ok {
		prev = e.size
	}

	evicted, hooks := m.evictLocked(size-prev, volumeID)
	if m.freeLocked()+prev < size {
		m.mu.Unlock()
		m.notify(evicted, hooks)
		return m.exceeded(size)
	}
	entry := &volumeEntry{size: size, onEvict: onEvict}
	if e, ok := m.volumes.Peek(volumeID); ok {
		entry.pinned = e.pinned
	}
	m.volumes.Add(volumeID, entry)
	m.used += size - prev
	m.metrics.SetBytes(m.used, m.maxBytes)
	m.mu.Unlock()

	m.notify(evicted, hooks)
	return nil
}

// TouchVolume marks a volume recently used.
func (m *Memory) TouchVolume(volumeID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.volumes.Get(volumeID)
	return ok
}

// HasVolume reports whether a volume is accounted.
func (m *Memory) HasVolume(volumeID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.volumes.Contains(volumeID)
}

// SetVolumePinned excludes a volume from eviction while pinned. It
// returns false if the volume is not accounted.
func (m *Memory) SetVolumePinned(volumeID string, pinned bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.volumes.Peek(volumeID)
	if !ok {
		return false
	}
	e.pinned = pinned
	return true
}

// RemoveVolume drops a volume's accounting without running its hook.
func (m *Memory) RemoveVolume(volumeID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.volumes.Peek(volumeID)
	if !ok {
		return false
	}
	m.volumes.Remove(volumeID)
	m.used -= e.size
	m.metrics.SetBytes(m.used, m.maxBytes)
	return true
}

// =============================================================================
// Eviction
// =============================================================================

// evictLocked frees at least need bytes if possible. Pinned volumes and
// volume exclude are never evicted. It returns what was removed and the hooks of evicted
// volumes; both must be fired after unlocking.
func (m *Memory) evictLocked(need int64, exclude string) ([]Eviction, []func()) {
	var out []Eviction
	var hooks []func()

	for m.freeLocked() < need {
		key, e, ok := m.images.RemoveOldest()
		if !ok {
			break
		}
		m.used -= e.size
		out = append(out, Eviction{Kind: EntryImage, Key: key, Size: e.size})
	}

	if m.freeLocked() < need {
		for _, key := range m.volumes.Keys() {
			if m.freeLocked() >= need {
				break
			}
			e, _ := m.volumes.Peek(key)
			if key == exclude || e.pinned {
				continue
			}
			m.volumes.Remove(key)
			m.used -= e.size
			out = append(out, Eviction{Kind: EntryVolume, Key: key, Size: e.size})
			if e.onEvict != nil {
				hooks = append(hooks, e.onEvict)
			}
		}
	}

	if len(out) > 0 {
		m.evictions += int64(len(out))
		m.metrics.SetBytes(m.used, m.maxBytes)
	}
	return out, hooks
}

func (m *Memory) freeLocked() int64 {
	return m.maxBytes - m.used
}

func (m *Memory) notify(evicted []Eviction, hooks []func()) {
	if len(evicted) == 0 {
		return
	}

	for _, hook := range hooks {
		hook()
	}

	m.mu.Lock()
	listeners := make([]func(Eviction), 0, len(m.listeners))
	for _, fn := range m.listeners {
		listeners = append(listeners, fn)
	}
	m.mu.Unlock()

	for _, ev := range evicted {
		m.metrics.Evicted(ev.Kind.String())
		log.Debug("cache entry evicted", "kind", ev.Kind.String(), "key", ev.Key, "size", ev.Size)
		for _, fn := range listeners {
			fn(ev)
		}
	}
}

func (m *Memory) exceeded(size int64) error {
	log.Warn("cache size exceeded", "requested", humanize.IBytes(uint64(size)))
	if m.bus != nil {
		m.bus.Publish(events.Event{Kind: events.KindCacheSizeExceeded, Bytes: size})
	}
	return fmt.Errorf("%s: %w", humanize.IBytes(uint64(size)), errors.ErrCacheSizeExceeded)
}

// OnEvict registers fn for every eviction and returns a function that
// unregisters it.
func (m *Memory) OnEvict(fn func(Eviction)) (unregister func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	m.listeners[id] = fn

	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// =============================================================================
// Budget
// =============================================================================

// SetMaxCacheSize changes the budget, evicting if usage exceeds it.
func (m *Memory) SetMaxCacheSize(maxBytes int64) error {
	if maxBytes <= 0 {
		return errors.NewInvalidValue("cache max size", maxBytes, "must be > 0")
	}

	m.mu.Lock()
	m.maxBytes = maxBytes
	evicted, hooks := m.evictLocked(0, "")
	m.metrics.SetBytes(m.used, m.maxBytes)
	m.mu.Unlock()

	m.notify(evicted, hooks)
	return nil
}

// UsageRatio returns used/max.
func (m *Memory) UsageRatio() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return float64(m.used) / float64(m.maxBytes)
}

// Purge drops every unpinned entry. Volume hooks run; listeners are
// notified.
func (m *Memory) Purge() {
	m.mu.Lock()
	evicted, hooks := m.evictLocked(m.maxBytes, "")
	m.mu.Unlock()
	m.notify(evicted, hooks)
}

// Stats is a snapshot of cache usage.
type Stats struct {
	MaxBytes  int64
	UsedBytes int64
	Images    int
	Volumes   int
	Evictions int64
}

// Stats returns a snapshot of cache usage.
func (m *Memory) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		MaxBytes:  m.maxBytes,
		UsedBytes: m.used,
		Images:    m.images.Len(),
		Volumes:   m.volumes.Len(),
		Evictions: m.evictions,
	}
}
