// Package imaging defines the decode contract a volume consumes and the
// pixel scaling applied after decode.
package imaging

import (
	"context"
	"strings"

	"github.com/xtxerr/volstream/internal/voxel"
)

// LoadOptions tells a Loader where and how to write a decoded frame.
type LoadOptions struct {
	// Target is the frame's slab. The loader writes samples through it.
	Target voxel.Window

	// DataType is the numeric type of Target.
	DataType voxel.DataType

	// ApplyScaling asks the loader to apply rescale and SUV before
	// writing. Loaders that cannot do so leave Decoded.PreScaled false.
	ApplyScaling bool
}

// Decoded describes a frame a Loader has written.
type Decoded struct {
	FrameID string
	Rows    int
	Columns int
	Scaling Scaling

	// PreScaled is true when Target already holds scaled values.
	PreScaled bool
}

// Loader fetches and decodes one frame into a caller-provided window.
type Loader interface {
	LoadFrame(ctx context.Context, frameID string, opts LoadOptions) (*Decoded, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context, frameID string, opts LoadOptions) (*Decoded, error)

// LoadFrame implements Loader.
func (f LoaderFunc) LoadFrame(ctx context.Context, frameID string, opts LoadOptions) (*Decoded, error) {
	return f(ctx, frameID, opts)
}

// Image is a decoded frame held by the image cache.
type Image struct {
	FrameID   string
	Rows      int
	Columns   int
	Scaling   Scaling
	PreScaled bool
	Pixels    *voxel.Buffer
}

// SizeInBytes returns the pixel payload size.
func (img *Image) SizeInBytes() int64 {
	if img == nil || img.Pixels == nil {
		return 0
	}
	return img.Pixels.SizeInBytes()
}

// Scaling converts stored values to modality values.
type Scaling struct {
	Slope     float64
	Intercept float64
	Modality  string

	// SUVbw is the body weight SUV factor for PT. Zero means none.
	SUVbw float64
}

// IsPT reports whether the modality is positron emission.
func (s Scaling) IsPT() bool {
	return strings.EqualFold(s.Modality, "PT")
}

// slope returns the effective slope; a zero slope means unset.
func (s Scaling) slope() float64 {
	if s.Slope == 0 {
		return 1
	}
	return s.Slope
}

// IsIdentity reports whether Apply is a no-op.
func (s Scaling) IsIdentity() bool {
	if s.slope() != 1 || s.Intercept != 0 {
		return false
	}
	return !s.IsPT() || s.SUVbw == 0
}

// Apply returns the scaled value of v: v*slope+intercept, multiplied by the
// SUV factor for PT.
func (s Scaling) Apply(v float64) float64 {
	out := v*s.slope() + s.Intercept
	if s.IsPT() && s.SUVbw != 0 {
		out *= s.SUVbw
	}
	return out
}

// HasNegativeRescale reports whether scaling can produce negative values
// from non-negative stored values.
func (s Scaling) HasNegativeRescale() bool {
	return s.Intercept < 0 || s.slope() < 0
}

// ApplyScaling scales every sample of w in place.
func ApplyScaling(w voxel.Window, s Scaling) {
	if s.IsIdentity() {
		return
	}
	w.Map(s.Apply)
}
