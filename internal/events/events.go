// Package events is a multi-subscriber broadcast bus for volume and cache
// signals.
//
// Each subscriber owns a buffered channel. Publish never blocks longer than
// the configured send timeout per subscriber; an event that cannot be
// delivered in time is dropped for that subscriber and counted.
package events

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/volstream/config"
	"github.com/xtxerr/volstream/internal/logging"
)

var log = logging.Component("events")

// Kind identifies a signal.
type Kind int

const (
	// KindFrameProgress: a frame was written into its slab.
	KindFrameProgress Kind = iota + 1

	// KindFrameLoadError: a frame fetch or decode failed.
	KindFrameLoadError

	// KindVolumeLoaded: every frame of a volume is loaded.
	KindVolumeLoaded

	// KindLoadFinished: a load pass settled with some frames failed.
	KindLoadFinished

	// KindCacheSizeExceeded: an admission could not free enough bytes.
	KindCacheSizeExceeded

	// KindVolumeDecached: a volume released its buffer.
	KindVolumeDecached
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindFrameProgress:
		return "frame-progress"
	case KindFrameLoadError:
		return "frame-load-error"
	case KindVolumeLoaded:
		return "volume-loaded"
	case KindLoadFinished:
		return "load-finished"
	case KindCacheSizeExceeded:
		return "cache-size-exceeded"
	case KindVolumeDecached:
		return "volume-decached"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Event is one signal. Fields not meaningful for a kind are zero.
type Event struct {
	Kind     Kind
	VolumeID string

	FrameID    string
	FrameIndex int

	Loaded int
	Failed int
	Total  int

	// Bytes is the requested size for KindCacheSizeExceeded.
	Bytes int64

	Err  error
	Time time.Time
}

// Fraction returns loaded/total.
func (e Event) Fraction() float64 {
	if e.Total == 0 {
		return 0
	}
	return float64(e.Loaded) / float64(e.Total)
}

// Config configures a Bus.
type Config struct {
	// BufferSize is the channel capacity per subscriber.
	BufferSize int

	// SendTimeout bounds how long Publish waits for one slow subscriber.
	// Zero drops immediately when the buffer is full.
	SendTimeout time.Duration
}

// DefaultConfig returns default bus configuration.
func DefaultConfig() Config {
	return Config{
		BufferSize:  config.DefaultEventBufferSize,
		SendTimeout: config.DefaultEventSendTimeout,
	}
}

// Bus distributes events to subscribers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool
	cfg    Config

	published atomic.Uint64
	dropped   atomic.Uint64
}

// NewBus creates a bus.
func NewBus(cfg Config) *Bus {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = config.DefaultEventBufferSize
	}
	if cfg.SendTimeout < 0 {
		cfg.SendTimeout = 0
	}
	return &Bus{
		subs: make(map[uint64]*Subscription),
		cfg:  cfg,
	}
}

// Subscription receives events on C until closed.
type Subscription struct {
	C <-chan Event

	ch    chan Event
	id    uint64
	bus   *Bus
	kinds map[Kind]bool
	once  sync.Once

	dropped atomic.Uint64
}

// Subscribe registers a subscriber for the given kinds, or all kinds when
// none are given. On a closed bus the returned subscription is already
// closed.
func (b *Bus) Subscribe(kinds ...Kind) *Subscription {
	ch := make(chan Event, b.cfg.BufferSize)
	s := &Subscription{C: ch, ch: ch, bus: b}
	if len(kinds) > 0 {
		s.kinds = make(map[Kind]bool, len(kinds))
		for _, k := range kinds {
			s.kinds[k] = true
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		s.once.Do(func() { close(s.ch) })
		return s
	}

	b.nextID++
	s.id = b.nextID
	b.subs[s.id] = s
	return s
}

// Close unsubscribes and closes C. Safe to call more than once.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	s.closeLocked()
}

func (s *Subscription) closeLocked() {
	s.once.Do(func() {
		delete(s.bus.subs, s.id)
		close(s.ch)
	})
}

// Dropped returns the number of events this subscriber missed.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *Subscription) wants(k Kind) bool {
	return s.kinds == nil || s.kinds[k]
}

// Publish delivers ev to every interested subscriber.
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	b.published.Add(1)

	for _, s := range b.subs {
		if !s.wants(ev.Kind) {
			continue
		}
		if !b.send(s, ev) {
			s.dropped.Add(1)
			b.dropped.Add(1)
			log.Warn("event dropped",
				"kind", ev.Kind.String(),
				"volume_id", ev.VolumeID,
				"subscriber", s.id)
		}
	}
}

func (b *Bus) send(s *Subscription, ev Event) bool {
	select {
	case s.ch <- ev:
		return true
	default:
	}

	if b.cfg.SendTimeout == 0 {
		return false
	}

	timer := time.NewTimer(b.cfg.SendTimeout)
	defer timer.Stop()

	select {
	case s.ch <- ev:
		return true
	case <-timer.C:
		return false
	}
}

// CloseSubscribers closes every subscription and keeps the bus open for
// new subscribers.
func (b *Bus) CloseSubscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(b.subs)
	for _, s := range b.subs {
		s.closeLocked()
	}
	return n
}

// Close closes every subscription and rejects further publishing.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for _, s := range b.subs {
		s.closeLocked()
	}
}

// Subscribers returns the current subscriber count.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Stats holds bus counters.
type Stats struct {
	Published   uint64
	Dropped     uint64
	Subscribers int
}

// Stats returns bus counters.
func (b *Bus) Stats() Stats {
	return Stats{
		Published:   b.published.Load(),
		Dropped:     b.dropped.Load(),
		Subscribers: b.Subscribers(),
	}
}
