// volumed streams a frame series into a volume through the request pool.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/xtxerr/volstream/config"
	"github.com/xtxerr/volstream/internal/cache"
	"github.com/xtxerr/volstream/internal/events"
	"github.com/xtxerr/volstream/internal/framestore"
	"github.com/xtxerr/volstream/internal/loader"
	"github.com/xtxerr/volstream/internal/logging"
	"github.com/xtxerr/volstream/internal/volume"
)

// Version is set at build time via ldflags
var Version = "dev"

var log = logging.Component("volumed")

func main() {
	// CLI flags
	cfgPath := flag.String("config", "volumed.yaml", "config file path")
	seriesPath := flag.String("series", "", "series parquet file (synthesized when empty)")
	writePath := flag.String("write", "", "write the synthesized series to this parquet file and exit")
	frames := flag.Int("frames", 64, "synthesized frame count")
	timePoints := flag.Int("time-points", 1, "synthesized time points")
	size := flag.Int("size", 256, "synthesized rows and columns")
	latency := flag.Duration("latency", 0, "simulated per-frame fetch latency")
	metricsListen := flag.String("metrics", "", "metrics listen address (overrides config)")
	noShell := flag.Bool("no-shell", false, "disable the interactive shell")
	flag.Parse()

	// Load config
	cfg, err := loader.Load(*cfgPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg = loader.DefaultConfig()
		} else {
			fmt.Fprintf(os.Stderr, "load config: %v\n", err)
			os.Exit(1)
		}
	}
	if *metricsListen != "" {
		cfg.Metrics.Listen = *metricsListen
	}
	if err := loader.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	logging.Init(cfg.LogLevel(), cfg.Logging.JSON)
	log.Info("volumed starting", "version", Version)

	synth := framestore.DefaultSynthConfig()
	synth.Frames = *frames
	synth.TimePoints = *timePoints
	synth.Rows = *size
	synth.Columns = *size

	if *writePath != "" {
		if err := writeSeries(*writePath, synth); err != nil {
			log.Error("write series", "error", err)
			os.Exit(1)
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	series, err := openSeries(ctx, *seriesPath, synth)
	if err != nil {
		log.Error("open series", "error", err)
		os.Exit(1)
	}

	shell := !*noShell && term.IsTerminal(int(os.Stdin.Fd()))
	if err := run(ctx, cfg, series, *latency, shell); err != nil {
		log.Error("volumed stopped", "error", err)
		os.Exit(1)
	}
}

func openSeries(ctx context.Context, path string, synth framestore.SynthConfig) (*framestore.Series, error) {
	if path != "" {
		info, err := framestore.Stat(path)
		if err != nil {
			return nil, err
		}
		log.Info("opening series", "path", path, "frames", info.NumRows, "size", info.Size)
		return framestore.OpenSeries(path)
	}

	log.Info("synthesizing series", "frames", synth.Frames, "time_points", synth.TimePoints,
		"rows", synth.Rows, "columns", synth.Columns)
	frames, err := framestore.Synthesize(ctx, synth)
	if err != nil {
		return nil, err
	}
	return framestore.NewSeries(frames)
}

func writeSeries(path string, synth framestore.SynthConfig) error {
	frames, err := framestore.Synthesize(context.Background(), synth)
	if err != nil {
		return err
	}

	w, err := framestore.NewSeriesWriter(path, synth.SeriesID, framestore.DefaultOptions())
	if err != nil {
		return err
	}
	if err := w.Write(frames); err != nil {
		w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	log.Info("series written", "path", w.Path(), "frames", w.RowCount())
	return nil
}

func run(ctx context.Context, cfg *loader.Config, series *framestore.Series, latency time.Duration, shell bool) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	s, err := newSession(cfg, series, latency, reg)
	if err != nil {
		return err
	}
	defer s.close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	if cfg.Metrics.Listen != "" {
		srv := &http.Server{
			Addr:    cfg.Metrics.Listen,
			Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		}
		g.Go(func() error {
			log.Info("metrics listening", "addr", cfg.Metrics.Listen)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		watchPressure(ctx, s.pressure, cfg.Cache.Pressure.Cooldown.Duration())
		return nil
	})

	g.Go(func() error {
		reportEvents(ctx, s.volume.Subscribe(), s.events.Subscribe())
		return nil
	})

	submitted, err := s.volume.Load(volume.DefaultLoadOptions())
	if err != nil {
		cancel()
		g.Wait()
		return fmt.Errorf("load volume: %w", err)
	}
	log.Info("streaming volume", "volume_id", s.volume.ID(), "frames", s.volume.FrameCount(), "submitted", submitted)

	if shell {
		// The prompt blocks on stdin, so it stays outside the group.
		go func() {
			runShell(s)
			cancel()
		}()
	}

	<-ctx.Done()
	log.Info("shutting down")

	drainCtx, done := context.WithTimeout(context.Background(), config.DefaultDrainTimeout)
	defer done()
	if err := s.drain(drainCtx); err != nil {
		log.Warn("request pool drain incomplete", "error", err)
	}

	return g.Wait()
}

// watchPressure re-evaluates cache pressure until ctx is done.
func watchPressure(ctx context.Context, pc *cache.PressureController, every time.Duration) {
	if every <= 0 {
		every = config.DefaultPressureCooldown
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pc.Check()
		}
	}
}

// reportEvents logs volume and cache signals until ctx is done.
func reportEvents(ctx context.Context, subs ...*events.Subscription) {
	merged := make(chan events.Event)
	for _, sub := range subs {
		defer sub.Close()
		go func(sub *events.Subscription) {
			for ev := range sub.C {
				select {
				case merged <- ev:
				case <-ctx.Done():
					return
				}
			}
		}(sub)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-merged:
			logEvent(ev)
		}
	}
}

func logEvent(ev events.Event) {
	switch ev.Kind {
	case events.KindFrameProgress:
		log.Debug("frame loaded", "volume_id", ev.VolumeID, "frame", ev.FrameIndex,
			"progress", fmt.Sprintf("%.1f%%", 100*ev.Fraction()))
	case events.KindFrameLoadError:
		log.Warn("frame failed", "volume_id", ev.VolumeID, "frame", ev.FrameIndex, "error", ev.Err)
	case events.KindVolumeLoaded:
		log.Info("volume loaded", "volume_id", ev.VolumeID, "frames", ev.Total)
	case events.KindLoadFinished:
		log.Warn("volume load finished with failures", "volume_id", ev.VolumeID,
			"loaded", ev.Loaded, "failed", ev.Failed, "total", ev.Total)
	default:
		log.Info(ev.Kind.String(), "volume_id", ev.VolumeID, "bytes", ev.Bytes)
	}
}
