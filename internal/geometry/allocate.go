package geometry

import (
	"fmt"

	humanize "github.com/dustin/go-humanize"

	"github.com/xtxerr/volstream/internal/errors"
	"github.com/xtxerr/volstream/internal/voxel"
)

// Admission is the budget check a buffer must pass before it exists.
type Admission interface {
	IsCacheable(size int64) bool
	DecacheIfNecessaryUntilBytesAvailable(size int64) error
}

// Allocate admits and creates the voxel buffer and slab table of a plan.
//
// It fails with ErrNotCacheable before any eviction when the size can never
// fit, and before any allocation when eviction cannot free enough bytes.
func Allocate(plan *Plan, admission Admission) (*voxel.Buffer, *voxel.Table, error) {
	size := plan.SizeInBytes()

	if admission != nil {
		if !admission.IsCacheable(size) {
			return nil, nil, fmt.Errorf("volume of %s: %w",
				humanize.IBytes(uint64(size)), errors.ErrNotCacheable)
		}
		if err := admission.DecacheIfNecessaryUntilBytesAvailable(size); err != nil {
			return nil, nil, fmt.Errorf("volume of %s: %w", humanize.IBytes(uint64(size)), err)
		}
	}

	table, err := voxel.NewTable(plan.FrameIDs, plan.SamplesPerFrame())
	if err != nil {
		return nil, nil, err
	}

	buf, err := voxel.NewBuffer(plan.DataType, table.Samples())
	if err != nil {
		return nil, nil, err
	}

	log.Debug("volume buffer allocated",
		"dimensions", plan.Dimensions,
		"data_type", plan.DataType.String(),
		"size", humanize.IBytes(uint64(size)))

	return buf, table, nil
}
