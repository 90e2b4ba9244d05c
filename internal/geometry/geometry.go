// Package geometry plans volume layout from an unordered set of frames:
// scan-axis ordering, spacing, dimensions, direction and the numeric type
// of the voxel buffer. Allocate then runs cache admission and creates the
// buffer with its slab table.
package geometry

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/xtxerr/volstream/internal/errors"
	"github.com/xtxerr/volstream/internal/logging"
	"github.com/xtxerr/volstream/internal/voxel"
)

var log = logging.Component("geometry")

// Vec3 is a point or direction in patient space.
type Vec3 [3]float64

// Dot returns the scalar product.
func (v Vec3) Dot(o Vec3) float64 {
	return v[0]*o[0] + v[1]*o[1] + v[2]*o[2]
}

// Cross returns the vector product.
func (v Vec3) Cross(o Vec3) Vec3 {
	return Vec3{
		v[1]*o[2] - v[2]*o[1],
		v[2]*o[0] - v[0]*o[2],
		v[0]*o[1] - v[1]*o[0],
	}
}

// Norm returns the Euclidean length.
func (v Vec3) Norm() float64 {
	return math.Sqrt(v.Dot(v))
}

// FrameInfo is the geometric metadata of one frame.
type FrameInfo struct {
	FrameID string

	// RowCosines and ColumnCosines are the direction of the first row and
	// the first column.
	RowCosines    Vec3
	ColumnCosines Vec3

	// Position of the first transmitted pixel.
	Position Vec3

	// RowSpacing is the distance between rows, ColumnSpacing the distance
	// between columns.
	RowSpacing    float64
	ColumnSpacing float64

	Rows    int
	Columns int

	// TimePoint groups frames of a 4D series. Zero for 3D series.
	TimePoint int
}

// PixelFormat describes stored pixel values.
type PixelFormat struct {
	BitsAllocated      int
	Signed             bool
	HasNegativeRescale bool
	Photometric        string
	SamplesPerPixel    int
}

// Components returns samples per voxel.
func (p PixelFormat) Components() int {
	if p.BitsAllocated == 24 {
		return 3
	}
	if p.SamplesPerPixel > 0 {
		return p.SamplesPerPixel
	}
	if strings.HasPrefix(strings.ToUpper(p.Photometric), "RGB") ||
		strings.HasPrefix(strings.ToUpper(p.Photometric), "YBR") {
		return 3
	}
	return 1
}

// SelectDataType chooses the buffer type for a pixel format.
//
//	8 bit unsigned           -> uint8
//	8 bit signed             -> unsupported
//	16 bit, wide mode off    -> float32
//	16 bit signed or negative rescale, wide mode on -> int16
//	16 bit otherwise, wide mode on                  -> uint16
//	24 bit                   -> uint8 x 3
func SelectDataType(pf PixelFormat, wideMode bool) (voxel.DataType, int, error) {
	switch pf.BitsAllocated {
	case 8:
		if pf.Signed {
			return voxel.DataTypeUnknown, 0, fmt.Errorf("8 bit signed: %w", errors.ErrUnsupportedPixelFormat)
		}
		return voxel.DataTypeUint8, pf.Components(), nil
	case 16:
		if !wideMode {
			return voxel.DataTypeFloat32, 1, nil
		}
		if pf.Signed || pf.HasNegativeRescale {
			return voxel.DataTypeInt16, 1, nil
		}
		return voxel.DataTypeUint16, 1, nil
	case 24:
		return voxel.DataTypeUint8, 3, nil
	default:
		return voxel.DataTypeUnknown, 0, fmt.Errorf("%d bits allocated: %w",
			pf.BitsAllocated, errors.ErrUnsupportedPixelFormat)
	}
}

// Options configures planning.
type Options struct {
	// WideMode stores 16 bit data as 16 bit integers instead of float32.
	WideMode bool
}

// Plan is the computed layout of a volume.
type Plan struct {
	// FrameIDs in slab order: sorted along the scan axis, grouped by
	// time point.
	FrameIDs []string

	Dimensions [3]int
	Spacing    [3]float64
	Origin     Vec3
	Direction  [9]float64

	DataType   voxel.DataType
	Components int

	TimePoints         int
	FramesPerTimePoint int
}

// SamplesPerFrame returns the sample count of one slab.
func (p *Plan) SamplesPerFrame() int {
	return p.Dimensions[0] * p.Dimensions[1] * p.Components
}

// SizeInBytes returns the size of the full buffer.
func (p *Plan) SizeInBytes() int64 {
	return int64(p.SamplesPerFrame()) * int64(len(p.FrameIDs)) * int64(p.DataType.Size())
}

// Is4D reports whether the plan spans several time points.
func (p *Plan) Is4D() bool {
	return p.TimePoints > 1
}

type projected struct {
	info FrameInfo
	dist float64
}

// NewPlan sorts frames along the scan axis and derives the volume layout.
//
// The scan-axis normal is row x column of the first frame. Spacing along it
// is the gap between the first two sorted projections. All frames must share
// rows and columns; 4D series must have the same frame count per time point.
func NewPlan(frames []FrameInfo, pf PixelFormat, opts Options) (*Plan, error) {
	if len(frames) == 0 {
		return nil, fmt.Errorf("no frames: %w", errors.ErrInvalidGeometry)
	}

	dt, components, err := SelectDataType(pf, opts.WideMode)
	if err != nil {
		return nil, err
	}

	first := frames[0]
	if first.Rows <= 0 || first.Columns <= 0 {
		return nil, fmt.Errorf("frame %q has %dx%d pixels: %w",
			first.FrameID, first.Columns, first.Rows, errors.ErrInvalidGeometry)
	}

	normal := first.RowCosines.Cross(first.ColumnCosines)
	if normal.Norm() == 0 {
		return nil, fmt.Errorf("frame %q has parallel orientation vectors: %w",
			first.FrameID, errors.ErrInvalidGeometry)
	}

	groups := make(map[int][]projected)
	for _, f := range frames {
		if f.Rows != first.Rows || f.Columns != first.Columns {
			return nil, fmt.Errorf("frame %q is %dx%d, expected %dx%d: %w",
				f.FrameID, f.Columns, f.Rows, first.Columns, first.Rows, errors.ErrInvalidGeometry)
		}
		groups[f.TimePoint] = append(groups[f.TimePoint], projected{
			info: f,
			dist: f.Position.Dot(normal),
		})
	}

	timePoints := make([]int, 0, len(groups))
	for tp := range groups {
		timePoints = append(timePoints, tp)
	}
	sort.Ints(timePoints)

	perTime := len(groups[timePoints[0]])
	for _, tp := range timePoints {
		if len(groups[tp]) != perTime {
			return nil, fmt.Errorf("time point %d has %d frames, expected %d: %w",
				tp, len(groups[tp]), perTime, errors.ErrInvalidGeometry)
		}
		g := groups[tp]
		sort.SliceStable(g, func(i, j int) bool { return g[i].dist < g[j].dist })
	}

	base := groups[timePoints[0]]
	zSpacing := 1.0
	if len(base) > 1 {
		zSpacing = math.Abs(base[1].dist - base[0].dist)
		if zSpacing == 0 {
			return nil, fmt.Errorf("frames %q and %q share a position: %w",
				base[0].info.FrameID, base[1].info.FrameID, errors.ErrInvalidGeometry)
		}
	}

	ids := make([]string, 0, len(frames))
	for _, tp := range timePoints {
		for _, p := range groups[tp] {
			ids = append(ids, p.info.FrameID)
		}
	}

	plan := &Plan{
		FrameIDs:   ids,
		Dimensions: [3]int{first.Columns, first.Rows, perTime},
		Spacing: [3]float64{
			orOne(first.ColumnSpacing),
			orOne(first.RowSpacing),
			zSpacing,
		},
		Origin:             base[0].info.Position,
		DataType:           dt,
		Components:         components,
		TimePoints:         len(timePoints),
		FramesPerTimePoint: perTime,
	}
	copy(plan.Direction[0:3], first.RowCosines[:])
	copy(plan.Direction[3:6], first.ColumnCosines[:])
	copy(plan.Direction[6:9], normal[:])

	return plan, nil
}

func orOne(v float64) float64 {
	if v <= 0 {
		return 1
	}
	return v
}
