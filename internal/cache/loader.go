package cache

import (
	"context"

	"golang.org/x/sync/singleflight"

	"github.com/xtxerr/volstream/internal/errors"
	"github.com/xtxerr/volstream/internal/imaging"
	"github.com/xtxerr/volstream/internal/voxel"
)

// ImageSpec describes the buffer an ImageLoader decodes into.
type ImageSpec struct {
	DataType        voxel.DataType
	SamplesPerFrame int
	ApplyScaling    bool
}

// ImageLoader loads frames into the image cache.
//
// Concurrent loads of the same frame share one decode, so a prefetch and an
// interactive request racing for a frame never decode it twice.
type ImageLoader struct {
	cache  *Memory
	loader imaging.Loader
	spec   ImageSpec

	group singleflight.Group
}

// NewImageLoader creates an image loader backed by c.
func NewImageLoader(c *Memory, loader imaging.Loader, spec ImageSpec) (*ImageLoader, error) {
	if c == nil || loader == nil {
		return nil, errors.NewMissingField("image loader cache or decoder")
	}
	if !spec.DataType.Valid() {
		return nil, errors.ErrUnsupportedPixelFormat
	}
	if spec.SamplesPerFrame <= 0 {
		return nil, errors.NewInvalidValue("samples per frame", spec.SamplesPerFrame, "must be > 0")
	}
	return &ImageLoader{cache: c, loader: loader, spec: spec}, nil
}

// IsCached reports whether a frame is in the image cache.
func (l *ImageLoader) IsCached(frameID string) bool {
	_, ok := l.cache.GetImageLoadObject(frameID)
	return ok
}

// LoadImage returns the cached frame or decodes and caches it.
//
// A frame that decodes but cannot be admitted is still returned.
func (l *ImageLoader) LoadImage(ctx context.Context, frameID string) (*imaging.Image, error) {
	if img, ok := l.cache.GetImageLoadObject(frameID); ok {
		return img, nil
	}

	v, err, shared := l.group.Do(frameID, func() (interface{}, error) {
		return l.decode(ctx, frameID)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		log.Debug("image load shared", "frame_id", frameID)
	}
	return v.(*imaging.Image), nil
}

func (l *ImageLoader) decode(ctx context.Context, frameID string) (*imaging.Image, error) {
	buf, err := voxel.NewBuffer(l.spec.DataType, l.spec.SamplesPerFrame)
	if err != nil {
		return nil, err
	}

	dec, err := l.loader.LoadFrame(ctx, frameID, imaging.LoadOptions{
		Target:       buf.All(),
		DataType:     l.spec.DataType,
		ApplyScaling: l.spec.ApplyScaling,
	})
	if err != nil {
		return nil, err
	}

	img := &imaging.Image{
		FrameID:   frameID,
		Rows:      dec.Rows,
		Columns:   dec.Columns,
		Scaling:   dec.Scaling,
		PreScaled: dec.PreScaled,
		Pixels:    buf,
	}

	if err := l.cache.PutImage(img); err != nil {
		log.Warn("decoded image not cached", "frame_id", frameID, "error", err)
	}
	return img, nil
}
