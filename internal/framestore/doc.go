// Package framestore provides a Parquet-backed frame series source.
//
// A series file holds one row per frame: geometry, pixel format, rescale
// parameters and the raw little-endian pixel payload. Decoder serves rows
// through the imaging.Loader contract so volumes and the image cache can
// stream from a file exactly as from a remote source.
package framestore
