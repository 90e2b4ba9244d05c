package framestore

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"

	"github.com/xtxerr/volstream/internal/geometry"
	"github.com/xtxerr/volstream/internal/imaging"
)

// Options configures the Parquet writer.
type Options struct {
	// Compression algorithm
	Compression CompressionType
}

// CompressionType represents a Parquet compression algorithm.
type CompressionType int

const (
	CompressionNone CompressionType = iota
	CompressionSnappy
	CompressionZstd
	CompressionLZ4
	CompressionGzip
)

// DefaultOptions returns default Parquet options.
func DefaultOptions() Options {
	return Options{Compression: CompressionZstd}
}

// ParseCompressionType parses a compression type string.
func ParseCompressionType(s string) CompressionType {
	switch s {
	case "snappy":
		return CompressionSnappy
	case "zstd":
		return CompressionZstd
	case "lz4":
		return CompressionLZ4
	case "gzip":
		return CompressionGzip
	case "none", "":
		return CompressionNone
	default:
		return CompressionZstd
	}
}

// getCompression returns the parquet-go compression codec.
func getCompression(ct CompressionType) compress.Codec {
	switch ct {
	case CompressionSnappy:
		return &parquet.Snappy
	case CompressionZstd:
		return &parquet.Zstd
	case CompressionLZ4:
		return &parquet.Lz4Raw
	case CompressionGzip:
		return &parquet.Gzip
	default:
		return &parquet.Uncompressed
	}
}

// Frame is one decoded-metadata frame with its raw pixel payload.
type Frame struct {
	Info    geometry.FrameInfo
	Format  geometry.PixelFormat
	Scaling imaging.Scaling

	// Pixels are stored samples, little endian, row major.
	Pixels []byte
}

// FrameRow represents a frame in Parquet format.
type FrameRow struct {
	SeriesID  string `parquet:"series_id,zstd"`
	FrameID   string `parquet:"frame_id,zstd"`
	TimePoint int32  `parquet:"time_point"`

	Rows    int32 `parquet:"rows"`
	Columns int32 `parquet:"columns"`

	RowX float64 `parquet:"row_x"`
	RowY float64 `parquet:"row_y"`
	RowZ float64 `parquet:"row_z"`
	ColX float64 `parquet:"col_x"`
	ColY float64 `parquet:"col_y"`
	ColZ float64 `parquet:"col_z"`
	PosX float64 `parquet:"pos_x"`
	PosY float64 `parquet:"pos_y"`
	PosZ float64 `parquet:"pos_z"`

	RowSpacing    float64 `parquet:"row_spacing"`
	ColumnSpacing float64 `parquet:"column_spacing"`

	BitsAllocated   int32  `parquet:"bits_allocated"`
	Signed          bool   `parquet:"signed"`
	SamplesPerPixel int32  `parquet:"samples_per_pixel"`
	Photometric     string `parquet:"photometric,optional,zstd"`

	Slope     float64 `parquet:"slope"`
	Intercept float64 `parquet:"intercept"`
	Modality  string  `parquet:"modality,optional,zstd"`
	SUVbw     float64 `parquet:"suv_bw,optional"`

	Pixels []byte `parquet:"pixels"`
}

// FrameToRow converts a Frame to a FrameRow.
func FrameToRow(seriesID string, f *Frame) FrameRow {
	return FrameRow{
		SeriesID:        seriesID,
		FrameID:         f.Info.FrameID,
		TimePoint:       int32(f.Info.TimePoint),
		Rows:            int32(f.Info.Rows),
		Columns:         int32(f.Info.Columns),
		RowX:            f.Info.RowCosines[0],
		RowY:            f.Info.RowCosines[1],
		RowZ:            f.Info.RowCosines[2],
		ColX:            f.Info.ColumnCosines[0],
		ColY:            f.Info.ColumnCosines[1],
		ColZ:            f.Info.ColumnCosines[2],
		PosX:            f.Info.Position[0],
		PosY:            f.Info.Position[1],
		PosZ:            f.Info.Position[2],
		RowSpacing:      f.Info.RowSpacing,
		ColumnSpacing:   f.Info.ColumnSpacing,
		BitsAllocated:   int32(f.Format.BitsAllocated),
		Signed:          f.Format.Signed,
		SamplesPerPixel: int32(f.Format.SamplesPerPixel),
		Photometric:     f.Format.Photometric,
		Slope:           f.Scaling.Slope,
		Intercept:       f.Scaling.Intercept,
		Modality:        f.Scaling.Modality,
		SUVbw:           f.Scaling.SUVbw,
		Pixels:          f.Pixels,
	}
}

// RowToFrame converts a FrameRow to a Frame.
func RowToFrame(r *FrameRow) Frame {
	scaling := imaging.Scaling{
		Slope:     r.Slope,
		Intercept: r.Intercept,
		Modality:  r.Modality,
		SUVbw:     r.SUVbw,
	}
	return Frame{
		Info: geometry.FrameInfo{
			FrameID:       r.FrameID,
			RowCosines:    geometry.Vec3{r.RowX, r.RowY, r.RowZ},
			ColumnCosines: geometry.Vec3{r.ColX, r.ColY, r.ColZ},
			Position:      geometry.Vec3{r.PosX, r.PosY, r.PosZ},
			RowSpacing:    r.RowSpacing,
			ColumnSpacing: r.ColumnSpacing,
			Rows:          int(r.Rows),
			Columns:       int(r.Columns),
			TimePoint:     int(r.TimePoint),
		},
		Format: geometry.PixelFormat{
			BitsAllocated:      int(r.BitsAllocated),
			Signed:             r.Signed,
			HasNegativeRescale: scaling.HasNegativeRescale(),
			Photometric:        r.Photometric,
			SamplesPerPixel:    int(r.SamplesPerPixel),
		},
		Scaling: scaling,
		Pixels:  r.Pixels,
	}
}

// SeriesWriter writes frames to a Parquet file.
type SeriesWriter struct {
	mu       sync.Mutex
	path     string
	seriesID string
	file     *os.File
	writer   *parquet.GenericWriter[FrameRow]
	rowCount int64
	closed   bool
}

// NewSeriesWriter creates a new series Parquet writer.
func NewSeriesWriter(path, seriesID string, opts Options) (*SeriesWriter, error) {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create file: %w", err)
	}

	writer := parquet.NewGenericWriter[FrameRow](f,
		parquet.Compression(getCompression(opts.Compression)))

	return &SeriesWriter{
		path:     path,
		seriesID: seriesID,
		file:     f,
		writer:   writer,
	}, nil
}

// Write writes frames to the Parquet file.
func (w *SeriesWriter) Write(frames []Frame) error {
	if len(frames) == 0 {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWriterClosed
	}

	rows := make([]FrameRow, len(frames))
	for i := range frames {
		rows[i] = FrameToRow(w.seriesID, &frames[i])
	}

	n, err := w.writer.Write(rows)
	if err != nil {
		return fmt.Errorf("write rows: %w", err)
	}

	w.rowCount += int64(n)
	return nil
}

// Close closes the writer.
func (w *SeriesWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.writer.Close(); err != nil {
		w.file.Close()
		return fmt.Errorf("close writer: %w", err)
	}

	return w.file.Close()
}

// RowCount returns the number of rows written.
func (w *SeriesWriter) RowCount() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rowCount
}

// Path returns the file path.
func (w *SeriesWriter) Path() string {
	return w.path
}

// ErrWriterClosed is returned when writing to a closed writer.
var ErrWriterClosed = fmt.Errorf("parquet writer is closed")
