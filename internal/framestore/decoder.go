package framestore

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/xtxerr/volstream/internal/errors"
	"github.com/xtxerr/volstream/internal/imaging"
)

// Decoder serves frames of a Series through imaging.Loader.
type Decoder struct {
	series *Series

	// Latency simulates a remote fetch per frame.
	Latency time.Duration
}

// NewDecoder creates a decoder over s.
func NewDecoder(s *Series) *Decoder {
	return &Decoder{series: s}
}

// LoadFrame decodes the stored samples of frameID into opts.Target. When
// scaling is requested it is applied before writing, so integer targets
// receive rounded modality values.
func (d *Decoder) LoadFrame(ctx context.Context, frameID string, opts imaging.LoadOptions) (*imaging.Decoded, error) {
	f, ok := d.series.Frame(frameID)
	if !ok {
		return nil, fmt.Errorf("%s: %w", frameID, errors.ErrFrameNotFound)
	}

	if d.Latency > 0 {
		timer := time.NewTimer(d.Latency)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	samples := SampleCount(f)
	if opts.Target.IsZero() || opts.Target.Len() != samples {
		return nil, fmt.Errorf("%s: target holds %d samples, frame has %d: %w",
			frameID, opts.Target.Len(), samples, errors.ErrDecodeFailed)
	}

	read, err := sampleReader(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", frameID, err)
	}

	scale := opts.ApplyScaling && !f.Scaling.IsIdentity()
	for i := 0; i < samples; i++ {
		v := read(i)
		if scale {
			v = f.Scaling.Apply(v)
		}
		opts.Target.Set(i, v)
	}

	return &imaging.Decoded{
		FrameID:   frameID,
		Rows:      f.Info.Rows,
		Columns:   f.Info.Columns,
		Scaling:   f.Scaling,
		PreScaled: opts.ApplyScaling,
	}, nil
}

// SampleCount returns the number of stored samples of a frame.
func SampleCount(f *Frame) int {
	components := f.Format.Components()
	return f.Info.Rows * f.Info.Columns * components
}

// sampleReader returns an accessor for sample i of the payload.
func sampleReader(f *Frame) (func(i int) float64, error) {
	n := SampleCount(f)
	px := f.Pixels

	switch f.Format.BitsAllocated {
	case 8, 24:
		if len(px) < n {
			return nil, fmt.Errorf("payload %d bytes, need %d: %w", len(px), n, errors.ErrDecodeFailed)
		}
		if f.Format.Signed {
			return func(i int) float64 { return float64(int8(px[i])) }, nil
		}
		return func(i int) float64 { return float64(px[i]) }, nil
	case 16:
		if len(px) < 2*n {
			return nil, fmt.Errorf("payload %d bytes, need %d: %w", len(px), 2*n, errors.ErrDecodeFailed)
		}
		if f.Format.Signed {
			return func(i int) float64 {
				return float64(int16(binary.LittleEndian.Uint16(px[2*i:])))
			}, nil
		}
		return func(i int) float64 {
			return float64(binary.LittleEndian.Uint16(px[2*i:]))
		}, nil
	default:
		return nil, fmt.Errorf("%d bits allocated: %w", f.Format.BitsAllocated, errors.ErrUnsupportedPixelFormat)
	}
}
