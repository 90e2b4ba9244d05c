package framestore

import (
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/parquet-go/parquet-go"

	"github.com/xtxerr/volstream/internal/errors"
	"github.com/xtxerr/volstream/internal/geometry"
)

// SeriesReader reads frames from a Parquet file.
type SeriesReader struct {
	file   *os.File
	reader *parquet.GenericReader[FrameRow]
	path   string
}

// NewSeriesReader creates a new series Parquet reader.
func NewSeriesReader(path string) (*SeriesReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}

	reader := parquet.NewGenericReader[FrameRow](f)

	return &SeriesReader{
		file:   f,
		reader: reader,
		path:   path,
	}, nil
}

// ReadAll reads all frames from the file.
func (r *SeriesReader) ReadAll() ([]Frame, error) {
	numRows := r.reader.NumRows()
	rows := make([]FrameRow, numRows)

	n, err := r.reader.Read(rows)
	if err != nil && err != io.EOF {
		return nil, err
	}

	frames := make([]Frame, n)
	for i := 0; i < n; i++ {
		frames[i] = RowToFrame(&rows[i])
	}

	return frames, nil
}

// NumRows returns the total number of rows in the file.
func (r *SeriesReader) NumRows() int64 {
	return r.reader.NumRows()
}

// Close closes the reader.
func (r *SeriesReader) Close() error {
	if err := r.reader.Close(); err != nil {
		r.file.Close()
		return err
	}
	return r.file.Close()
}

// Path returns the file path.
func (r *SeriesReader) Path() string {
	return r.path
}

// Series is an in-memory frame series keyed by frame id.
type Series struct {
	frames []Frame
	byID   map[string]int
}

// NewSeries indexes frames. Frame ids must be unique and every frame must
// share the pixel format of the first.
func NewSeries(frames []Frame) (*Series, error) {
	if len(frames) == 0 {
		return nil, fmt.Errorf("empty series: %w", errors.ErrInvalidGeometry)
	}

	s := &Series{frames: frames, byID: make(map[string]int, len(frames))}
	first := frames[0].Format
	for i, f := range frames {
		if _, dup := s.byID[f.Info.FrameID]; dup {
			return nil, fmt.Errorf("duplicate frame %q: %w", f.Info.FrameID, errors.ErrInvalidGeometry)
		}
		if f.Format.BitsAllocated != first.BitsAllocated || f.Format.Signed != first.Signed {
			return nil, fmt.Errorf("frame %q pixel format differs: %w", f.Info.FrameID, errors.ErrUnsupportedPixelFormat)
		}
		s.byID[f.Info.FrameID] = i
	}
	return s, nil
}

// OpenSeries reads a whole series file.
func OpenSeries(path string) (*Series, error) {
	r, err := NewSeriesReader(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	frames, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return NewSeries(frames)
}

// Len returns the frame count.
func (s *Series) Len() int { return len(s.frames) }

// Frame returns a frame by id.
func (s *Series) Frame(frameID string) (*Frame, bool) {
	i, ok := s.byID[frameID]
	if !ok {
		return nil, false
	}
	return &s.frames[i], true
}

// FrameInfos returns geometry of every frame, in file order.
func (s *Series) FrameInfos() []geometry.FrameInfo {
	out := make([]geometry.FrameInfo, len(s.frames))
	for i := range s.frames {
		out[i] = s.frames[i].Info
	}
	return out
}

// PixelFormat returns the series pixel format. Negative rescale is set if
// any frame has it.
func (s *Series) PixelFormat() geometry.PixelFormat {
	pf := s.frames[0].Format
	for i := range s.frames {
		if s.frames[i].Format.HasNegativeRescale {
			pf.HasNegativeRescale = true
		}
	}
	return pf
}

// StackOrder returns frame ids of the first frame's time point sorted along
// the scan axis, the order a viewer navigates.
func (s *Series) StackOrder() []string {
	type item struct {
		id   string
		dist float64
	}
	first := s.frames[0].Info
	normal := first.RowCosines.Cross(first.ColumnCosines)

	var items []item
	for i := range s.frames {
		f := s.frames[i].Info
		if f.TimePoint != first.TimePoint {
			continue
		}
		items = append(items, item{id: f.FrameID, dist: f.Position.Dot(normal)})
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].dist < items[j].dist })

	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.id
	}
	return out
}

// FileInfo holds information about a series file.
type FileInfo struct {
	Path    string
	Size    int64
	NumRows int64
}

// Stat returns information about a series file.
func Stat(path string) (*FileInfo, error) {
	stat, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	reader := parquet.NewGenericReader[FrameRow](f)
	defer reader.Close()

	return &FileInfo{
		Path:    path,
		Size:    stat.Size(),
		NumRows: reader.NumRows(),
	}, nil
}
