package framestore

import (
	"context"
	"encoding/binary"
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/xtxerr/volstream/internal/errors"
	"github.com/xtxerr/volstream/internal/geometry"
	"github.com/xtxerr/volstream/internal/imaging"
)

// SynthConfig describes a generated series.
type SynthConfig struct {
	SeriesID   string
	Frames     int
	TimePoints int
	Rows       int
	Columns    int

	BitsAllocated int
	Signed        bool

	Modality  string
	Slope     float64
	Intercept float64

	SliceSpacing float64
	PixelSpacing float64
}

// DefaultSynthConfig returns a small CT-like series.
func DefaultSynthConfig() SynthConfig {
	return SynthConfig{
		SeriesID:      "synthetic",
		Frames:        64,
		TimePoints:    1,
		Rows:          128,
		Columns:       128,
		BitsAllocated: 16,
		Modality:      "CT",
		Slope:         1,
		Intercept:     -1024,
		SliceSpacing:  2.5,
		PixelSpacing:  0.7,
	}
}

// Validate checks the configuration.
func (c SynthConfig) Validate() error {
	errs := errors.NewValidationErrors()
	if c.Frames <= 0 {
		errs.AddField("frames", "must be > 0")
	}
	if c.Rows <= 0 || c.Columns <= 0 {
		errs.AddField("rows/columns", "must be > 0")
	}
	switch c.BitsAllocated {
	case 8, 16, 24:
	default:
		errs.AddField("bits_allocated", "must be 8, 16 or 24")
	}
	return errs.Err()
}

// Synthesize generates frames in parallel. Frames are returned in reverse
// scan order so consumers must sort them.
func Synthesize(ctx context.Context, cfg SynthConfig) ([]Frame, error) {
	if cfg.TimePoints <= 0 {
		cfg.TimePoints = 1
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	total := cfg.Frames * cfg.TimePoints
	frames := make([]Frame, total)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))

	for k := 0; k < total; k++ {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			t, z := k/cfg.Frames, k%cfg.Frames
			// reverse order within each time point
			frames[total-1-k] = synthFrame(cfg, t, z)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return frames, nil
}

func synthFrame(cfg SynthConfig, t, z int) Frame {
	format := geometry.PixelFormat{
		BitsAllocated: cfg.BitsAllocated,
		Signed:        cfg.Signed,
		Photometric:   "MONOCHROME2",
	}
	if cfg.BitsAllocated == 24 {
		format.Photometric = "RGB"
		format.SamplesPerPixel = 3
	}
	scaling := imaging.Scaling{Slope: cfg.Slope, Intercept: cfg.Intercept, Modality: cfg.Modality}
	format.HasNegativeRescale = scaling.HasNegativeRescale()

	f := Frame{
		Info: geometry.FrameInfo{
			FrameID:       fmt.Sprintf("%s/t%d/z%04d", cfg.SeriesID, t, z),
			RowCosines:    geometry.Vec3{1, 0, 0},
			ColumnCosines: geometry.Vec3{0, 1, 0},
			Position:      geometry.Vec3{0, 0, float64(z) * cfg.SliceSpacing},
			RowSpacing:    cfg.PixelSpacing,
			ColumnSpacing: cfg.PixelSpacing,
			Rows:          cfg.Rows,
			Columns:       cfg.Columns,
			TimePoint:     t,
		},
		Format:  format,
		Scaling: scaling,
	}

	n := SampleCount(&f)
	switch cfg.BitsAllocated {
	case 16:
		f.Pixels = make([]byte, 2*n)
		for i := 0; i < n; i++ {
			binary.LittleEndian.PutUint16(f.Pixels[2*i:], uint16(SynthValue(i, z, t)))
		}
	default:
		f.Pixels = make([]byte, n)
		for i := 0; i < n; i++ {
			f.Pixels[i] = uint8(SynthValue(i, z, t) % 256)
		}
	}
	return f
}

// SynthValue is the stored value of sample i of frame z at time point t.
func SynthValue(i, z, t int) int {
	return (i + 7*z + 31*t) % 4096
}
