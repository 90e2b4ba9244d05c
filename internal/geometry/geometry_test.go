package geometry

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtxerr/volstream/internal/errors"
	"github.com/xtxerr/volstream/internal/voxel"
)

// axialFrames returns n axial frames with positions shuffled along z.
func axialFrames(n, rows, cols int, spacing float64) []FrameInfo {
	frames := make([]FrameInfo, n)
	for i := 0; i < n; i++ {
		// reverse order so sorting is exercised
		z := float64(n-1-i) * spacing
		frames[i] = FrameInfo{
			FrameID:       fmt.Sprintf("frame-%02d", n-1-i),
			RowCosines:    Vec3{1, 0, 0},
			ColumnCosines: Vec3{0, 1, 0},
			Position:      Vec3{-100, -100, z},
			RowSpacing:    0.5,
			ColumnSpacing: 0.7,
			Rows:          rows,
			Columns:       cols,
		}
	}
	return frames
}

type fakeAdmission struct {
	limit    int64
	evictErr error
	asked    []int64
	evicted  []int64
}

func (f *fakeAdmission) IsCacheable(size int64) bool {
	f.asked = append(f.asked, size)
	return size <= f.limit
}

func (f *fakeAdmission) DecacheIfNecessaryUntilBytesAvailable(size int64) error {
	f.evicted = append(f.evicted, size)
	return f.evictErr
}

func TestSelectDataType(t *testing.T) {
	tests := []struct {
		name       string
		pf         PixelFormat
		wide       bool
		want       voxel.DataType
		components int
		wantErr    bool
	}{
		{"8 bit unsigned", PixelFormat{BitsAllocated: 8}, false, voxel.DataTypeUint8, 1, false},
		{"8 bit rgb", PixelFormat{BitsAllocated: 8, SamplesPerPixel: 3}, false, voxel.DataTypeUint8, 3, false},
		{"8 bit signed", PixelFormat{BitsAllocated: 8, Signed: true}, false, 0, 0, true},
		{"16 bit narrow", PixelFormat{BitsAllocated: 16, Signed: true}, false, voxel.DataTypeFloat32, 1, false},
		{"16 bit signed wide", PixelFormat{BitsAllocated: 16, Signed: true}, true, voxel.DataTypeInt16, 1, false},
		{"16 bit negative rescale wide", PixelFormat{BitsAllocated: 16, HasNegativeRescale: true}, true, voxel.DataTypeInt16, 1, false},
		{"16 bit unsigned wide", PixelFormat{BitsAllocated: 16}, true, voxel.DataTypeUint16, 1, false},
		{"24 bit", PixelFormat{BitsAllocated: 24}, false, voxel.DataTypeUint8, 3, false},
		{"32 bit", PixelFormat{BitsAllocated: 32}, false, 0, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dt, comps, err := SelectDataType(tt.pf, tt.wide)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, errors.ErrUnsupportedPixelFormat))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, dt)
			assert.Equal(t, tt.components, comps)
		})
	}
}

func TestNewPlanSortsAlongScanAxis(t *testing.T) {
	plan, err := NewPlan(axialFrames(5, 4, 3, 2.5), PixelFormat{BitsAllocated: 16}, Options{})
	require.NoError(t, err)

	assert.Equal(t, []string{"frame-00", "frame-01", "frame-02", "frame-03", "frame-04"}, plan.FrameIDs)
	assert.Equal(t, [3]int{3, 4, 5}, plan.Dimensions)
	assert.Equal(t, [3]float64{0.7, 0.5, 2.5}, plan.Spacing)
	assert.Equal(t, Vec3{-100, -100, 0}, plan.Origin)
	assert.Equal(t, [9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1}, plan.Direction)
	assert.Equal(t, voxel.DataTypeFloat32, plan.DataType)
	assert.Equal(t, int64(3*4*5*4), plan.SizeInBytes())
	assert.False(t, plan.Is4D())
}

func TestWideModeRoundTrip(t *testing.T) {
	frames := axialFrames(6, 8, 8, 1)
	pf := PixelFormat{BitsAllocated: 16}

	wide, err := NewPlan(frames, pf, Options{WideMode: true})
	require.NoError(t, err)
	narrow, err := NewPlan(frames, pf, Options{WideMode: false})
	require.NoError(t, err)

	wideBuf, _, err := Allocate(wide, nil)
	require.NoError(t, err)
	narrowBuf, _, err := Allocate(narrow, nil)
	require.NoError(t, err)

	assert.Equal(t, voxel.DataTypeUint16, wideBuf.DataType())
	assert.Equal(t, voxel.DataTypeFloat32, narrowBuf.DataType())
	assert.Equal(t, wideBuf.Len(), narrowBuf.Len())
	assert.Equal(t, 8*8*6, wideBuf.Len())
}

func TestNewPlan4D(t *testing.T) {
	var frames []FrameInfo
	for tp := 1; tp >= 0; tp-- {
		for _, f := range axialFrames(3, 2, 2, 1) {
			f.TimePoint = tp
			f.FrameID = fmt.Sprintf("t%d-%s", tp, f.FrameID)
			frames = append(frames, f)
		}
	}

	plan, err := NewPlan(frames, PixelFormat{BitsAllocated: 8}, Options{})
	require.NoError(t, err)

	assert.True(t, plan.Is4D())
	assert.Equal(t, 2, plan.TimePoints)
	assert.Equal(t, 3, plan.FramesPerTimePoint)
	assert.Equal(t, [3]int{2, 2, 3}, plan.Dimensions)
	assert.Equal(t, "t0-frame-00", plan.FrameIDs[0])
	assert.Equal(t, "t1-frame-00", plan.FrameIDs[3])
	assert.Equal(t, "t1-frame-02", plan.FrameIDs[5])
}

func TestNewPlanInvalidGeometry(t *testing.T) {
	_, err := NewPlan(nil, PixelFormat{BitsAllocated: 8}, Options{})
	assert.True(t, errors.Is(err, errors.ErrInvalidGeometry))

	mixed := axialFrames(3, 4, 4, 1)
	mixed[1].Rows = 5
	_, err = NewPlan(mixed, PixelFormat{BitsAllocated: 8}, Options{})
	assert.True(t, errors.Is(err, errors.ErrInvalidGeometry))

	uneven := axialFrames(3, 4, 4, 1)
	uneven[2].TimePoint = 1
	_, err = NewPlan(uneven, PixelFormat{BitsAllocated: 8}, Options{})
	assert.True(t, errors.Is(err, errors.ErrInvalidGeometry))

	flat := axialFrames(2, 4, 4, 1)
	flat[0].ColumnCosines = flat[0].RowCosines
	_, err = NewPlan(flat, PixelFormat{BitsAllocated: 8}, Options{})
	assert.True(t, errors.Is(err, errors.ErrInvalidGeometry))
}

func TestAllocateNotCacheable(t *testing.T) {
	plan, err := NewPlan(axialFrames(4, 16, 16, 1), PixelFormat{BitsAllocated: 16}, Options{})
	require.NoError(t, err)

	adm := &fakeAdmission{limit: plan.SizeInBytes() - 1}
	buf, table, err := Allocate(plan, adm)

	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrNotCacheable))
	assert.True(t, errors.IsFatalAllocation(err))
	assert.Nil(t, buf)
	assert.Nil(t, table)
	assert.Empty(t, adm.evicted, "eviction must not run for an uncacheable size")
}

func TestAllocateEvictionFailure(t *testing.T) {
	plan, err := NewPlan(axialFrames(2, 4, 4, 1), PixelFormat{BitsAllocated: 8}, Options{})
	require.NoError(t, err)

	adm := &fakeAdmission{limit: 1 << 20, evictErr: errors.ErrCacheSizeExceeded}
	buf, _, err := Allocate(plan, adm)

	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCacheSizeExceeded))
	assert.Nil(t, buf)
}

func TestAllocateAdmits(t *testing.T) {
	plan, err := NewPlan(axialFrames(3, 4, 4, 1), PixelFormat{BitsAllocated: 16, Signed: true}, Options{WideMode: true})
	require.NoError(t, err)

	adm := &fakeAdmission{limit: 1 << 20}
	buf, table, err := Allocate(plan, adm)
	require.NoError(t, err)

	assert.Equal(t, []int64{plan.SizeInBytes()}, adm.asked)
	assert.Equal(t, []int64{plan.SizeInBytes()}, adm.evicted)
	assert.Equal(t, voxel.DataTypeInt16, buf.DataType())
	assert.Equal(t, plan.SizeInBytes(), buf.SizeInBytes())
	assert.Equal(t, 3, table.Len())
	assert.Equal(t, plan.FrameIDs, table.FrameIDs())
}
