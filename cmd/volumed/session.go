package main

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/utils/clock"

	"github.com/xtxerr/volstream/internal/cache"
	"github.com/xtxerr/volstream/internal/events"
	"github.com/xtxerr/volstream/internal/framestore"
	"github.com/xtxerr/volstream/internal/loader"
	"github.com/xtxerr/volstream/internal/metrics"
	"github.com/xtxerr/volstream/internal/prefetch"
	"github.com/xtxerr/volstream/internal/scheduler"
	"github.com/xtxerr/volstream/internal/volume"
)

// session holds the wired components of one streamed series.
type session struct {
	pool     *scheduler.Manager
	cache    *cache.Memory
	events   *events.Bus
	pressure *cache.PressureController
	images   *cache.ImageLoader
	volume   *volume.Volume
	prefetch *prefetch.Prefetcher
	stack    []string

	stopWatch func()
}

// newSession builds the request pool, cache, volume and prefetcher for a
// series. Collectors are registered with reg when it is non-nil.
func newSession(cfg *loader.Config, series *framestore.Series, latency time.Duration, reg prometheus.Registerer) (*session, error) {
	// =========================================================================
	// Request Pool and Cache
	// =========================================================================

	schedCfg := loader.ToSchedulerConfig(&cfg.Scheduler)
	if reg != nil {
		schedCfg.Metrics = metrics.NewScheduler(reg)
	}
	pool := scheduler.New(schedCfg)

	bus := events.NewBus(loader.ToEventsConfig(&cfg.Volume))

	cacheCfg := loader.ToCacheConfig(&cfg.Cache)
	if reg != nil {
		cacheCfg.Metrics = metrics.NewCache(reg)
	}
	cacheCfg.Bus = bus
	mem, err := cache.NewMemory(cacheCfg)
	if err != nil {
		pool.Shutdown()
		bus.Close()
		return nil, err
	}

	pressure := cache.NewPressureController(loader.ToPressureConfig(&cfg.Cache.Pressure), mem, clock.RealClock{}, cacheCfg.Metrics)
	pressure.SetOnLevelChange(func(from, to cache.Level) {
		log.Info("cache pressure changed", "from", from, "to", to)
	})

	s := &session{
		pool:     pool,
		cache:    mem,
		events:   bus,
		pressure: pressure,
	}

	// =========================================================================
	// Volume
	// =========================================================================

	decoder := framestore.NewDecoder(series)
	decoder.Latency = latency

	volCfg := volume.Config{
		Pool:         pool,
		Loader:       decoder,
		Cache:        mem,
		WideMode:     cfg.Volume.WideMode,
		ApplyScaling: cfg.Volume.ApplyScaling,
		Events:       loader.ToEventsConfig(&cfg.Volume),
	}
	if reg != nil {
		volCfg.Metrics = metrics.NewVolume(reg)
	}
	s.volume, err = volume.New(series.FrameInfos(), series.PixelFormat(), volCfg)
	if err != nil {
		s.close()
		return nil, fmt.Errorf("create volume: %w", err)
	}

	// =========================================================================
	// Prefetch
	// =========================================================================

	plan := s.volume.Plan()
	s.images, err = cache.NewImageLoader(mem, decoder, cache.ImageSpec{
		DataType:        plan.DataType,
		SamplesPerFrame: plan.SamplesPerFrame(),
		ApplyScaling:    cfg.Volume.ApplyScaling,
	})
	if err != nil {
		s.close()
		return nil, err
	}

	s.stack = series.StackOrder()
	pfCfg := loader.ToPrefetchConfig(&cfg.Prefetch, s.stack)
	pfCfg.Pool = pool
	pfCfg.Images = s.images
	pfCfg.Pressure = pressure
	s.prefetch, err = prefetch.New(pfCfg)
	if err != nil {
		s.close()
		return nil, err
	}
	s.stopWatch = s.prefetch.WatchEvictions(mem)
	if cfg.Prefetch.Enabled {
		s.prefetch.Enable(0)
	}

	return s, nil
}

// drain stops new work and waits for running requests.
func (s *session) drain(ctx context.Context) error {
	if s.prefetch != nil {
		s.prefetch.Disable()
	}
	if s.volume != nil {
		s.volume.CancelLoading()
	}
	return s.pool.StopWithContext(ctx)
}

// close releases everything. Safe after drain.
func (s *session) close() {
	if s.stopWatch != nil {
		s.stopWatch()
		s.stopWatch = nil
	}
	if s.prefetch != nil {
		s.prefetch.Disable()
	}
	if s.volume != nil {
		s.volume.CancelLoading()
		s.volume.Decache(true)
	}
	s.pool.Shutdown()
	s.events.Close()
}
