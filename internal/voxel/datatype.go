// Package voxel provides the numeric storage behind a volume: sample data
// types, a single-allocation arena buffer and the immutable slab partition
// table that maps frames to disjoint regions of that buffer.
package voxel

import (
	"fmt"
	"math"
)

// DataType is the numeric representation of one stored sample.
type DataType uint8

const (
	// DataTypeUnknown is the zero value and never valid for storage.
	DataTypeUnknown DataType = iota
	DataTypeUint8
	DataTypeInt16
	DataTypeUint16
	DataTypeFloat32
)

// Size returns bytes per sample.
func (d DataType) Size() int {
	switch d {
	case DataTypeUint8:
		return 1
	case DataTypeInt16, DataTypeUint16:
		return 2
	case DataTypeFloat32:
		return 4
	default:
		return 0
	}
}

// Valid reports whether d is a storable type.
func (d DataType) Valid() bool {
	return d.Size() > 0
}

// IsInteger reports whether stored values are rounded and clamped.
func (d DataType) IsInteger() bool {
	return d == DataTypeUint8 || d == DataTypeInt16 || d == DataTypeUint16
}

// String returns the type name.
func (d DataType) String() string {
	switch d {
	case DataTypeUint8:
		return "uint8"
	case DataTypeInt16:
		return "int16"
	case DataTypeUint16:
		return "uint16"
	case DataTypeFloat32:
		return "float32"
	default:
		return fmt.Sprintf("DataType(%d)", uint8(d))
	}
}

// Range returns the representable value range.
func (d DataType) Range() (lo, hi float64) {
	switch d {
	case DataTypeUint8:
		return 0, math.MaxUint8
	case DataTypeInt16:
		return math.MinInt16, math.MaxInt16
	case DataTypeUint16:
		return 0, math.MaxUint16
	default:
		return -math.MaxFloat32, math.MaxFloat32
	}
}

// clamp rounds v to the nearest representable integer of d.
// NaN stores as zero.
func (d DataType) clamp(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	lo, hi := d.Range()
	v = math.Round(v)
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
