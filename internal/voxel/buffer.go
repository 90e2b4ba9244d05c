package voxel

import (
	"fmt"

	"github.com/xtxerr/volstream/internal/errors"
)

// Buffer is one contiguous allocation of samples of a single data type.
//
// Exactly one of the typed backing slices is non-nil. Buffer itself does no
// locking: concurrent writers must hold disjoint windows obtained from a
// Table built for this buffer.
type Buffer struct {
	dataType DataType
	length   int

	u8  []uint8
	i16 []int16
	u16 []uint16
	f32 []float32
}

// NewBuffer allocates a zeroed buffer of n samples.
func NewBuffer(dataType DataType, n int) (*Buffer, error) {
	if !dataType.Valid() {
		return nil, fmt.Errorf("allocate %s: %w", dataType, errors.ErrUnsupportedPixelFormat)
	}
	if n < 0 {
		return nil, errors.NewInvalidValue("sample count", n, "must be >= 0")
	}

	b := &Buffer{dataType: dataType, length: n}
	switch dataType {
	case DataTypeUint8:
		b.u8 = make([]uint8, n)
	case DataTypeInt16:
		b.i16 = make([]int16, n)
	case DataTypeUint16:
		b.u16 = make([]uint16, n)
	case DataTypeFloat32:
		b.f32 = make([]float32, n)
	}
	return b, nil
}

// DataType returns the sample type.
func (b *Buffer) DataType() DataType { return b.dataType }

// Len returns the number of samples.
func (b *Buffer) Len() int { return b.length }

// SizeInBytes returns the allocation size.
func (b *Buffer) SizeInBytes() int64 {
	return int64(b.length) * int64(b.dataType.Size())
}

// Uint8 returns the backing slice, nil unless the type is uint8.
func (b *Buffer) Uint8() []uint8 { return b.u8 }

// Int16 returns the backing slice, nil unless the type is int16.
func (b *Buffer) Int16() []int16 { return b.i16 }

// Uint16 returns the backing slice, nil unless the type is uint16.
func (b *Buffer) Uint16() []uint16 { return b.u16 }

// Float32 returns the backing slice, nil unless the type is float32.
func (b *Buffer) Float32() []float32 { return b.f32 }

// Window returns the view [offset, offset+n).
func (b *Buffer) Window(offset, n int) (Window, error) {
	if offset < 0 || n < 0 || offset+n > b.length {
		return Window{}, fmt.Errorf("window [%d,%d) outside buffer of %d samples: %w",
			offset, offset+n, b.length, errors.ErrInternal)
	}
	return Window{buf: b, offset: offset, length: n}, nil
}

// All returns a window over the whole buffer.
func (b *Buffer) All() Window {
	return Window{buf: b, length: b.length}
}

// Window is a write view onto part of a Buffer.
//
// Values cross the window as float64. Integer buffers round to nearest and
// clamp to the type range on Set.
type Window struct {
	buf    *Buffer
	offset int
	length int
}

// Len returns the number of samples in the window.
func (w Window) Len() int { return w.length }

// Offset returns the first sample index within the buffer.
func (w Window) Offset() int { return w.offset }

// DataType returns the sample type of the underlying buffer.
func (w Window) DataType() DataType {
	if w.buf == nil {
		return DataTypeUnknown
	}
	return w.buf.dataType
}

// IsZero reports whether w refers to no buffer.
func (w Window) IsZero() bool { return w.buf == nil }

// At returns sample i of the window.
func (w Window) At(i int) float64 {
	j := w.offset + i
	switch w.buf.dataType {
	case DataTypeUint8:
		return float64(w.buf.u8[j])
	case DataTypeInt16:
		return float64(w.buf.i16[j])
	case DataTypeUint16:
		return float64(w.buf.u16[j])
	default:
		return float64(w.buf.f32[j])
	}
}

// Set stores v as sample i of the window.
func (w Window) Set(i int, v float64) {
	j := w.offset + i
	switch w.buf.dataType {
	case DataTypeUint8:
		w.buf.u8[j] = uint8(DataTypeUint8.clamp(v))
	case DataTypeInt16:
		w.buf.i16[j] = int16(DataTypeInt16.clamp(v))
	case DataTypeUint16:
		w.buf.u16[j] = uint16(DataTypeUint16.clamp(v))
	default:
		w.buf.f32[j] = float32(v)
	}
}

// Map replaces every sample v with fn(v).
func (w Window) Map(fn func(float64) float64) {
	for i := 0; i < w.length; i++ {
		w.Set(i, fn(w.At(i)))
	}
}

// CopyFrom copies src into w. Lengths must match; data types may differ,
// in which case values are converted through Set.
func (w Window) CopyFrom(src Window) error {
	if w.length != src.length {
		return fmt.Errorf("copy %d samples into window of %d: %w",
			src.length, w.length, errors.ErrInternal)
	}

	if w.buf.dataType == src.buf.dataType {
		a, b := w.offset, w.offset+w.length
		c, d := src.offset, src.offset+src.length
		switch w.buf.dataType {
		case DataTypeUint8:
			copy(w.buf.u8[a:b], src.buf.u8[c:d])
		case DataTypeInt16:
			copy(w.buf.i16[a:b], src.buf.i16[c:d])
		case DataTypeUint16:
			copy(w.buf.u16[a:b], src.buf.u16[c:d])
		default:
			copy(w.buf.f32[a:b], src.buf.f32[c:d])
		}
		return nil
	}

	for i := 0; i < w.length; i++ {
		w.Set(i, src.At(i))
	}
	return nil
}

// Zero clears the window.
func (w Window) Zero() {
	for i := 0; i < w.length; i++ {
		w.Set(i, 0)
	}
}
