package voxel

import (
	"fmt"

	"github.com/xtxerr/volstream/internal/errors"
)

// Slab is the region of a buffer owned by one frame.
type Slab struct {
	Index   int
	FrameID string
	Offset  int
	Length  int
}

// Table maps frame identifiers to slabs. It is immutable after NewTable,
// so lookups need no synchronization.
type Table struct {
	slabs []Slab
	byID  map[string]int
}

// NewTable lays out one slab of samplesPerFrame samples per frame, in the
// order given. Frame identifiers must be unique.
func NewTable(frameIDs []string, samplesPerFrame int) (*Table, error) {
	if samplesPerFrame <= 0 {
		return nil, errors.NewInvalidValue("samples per frame", samplesPerFrame, "must be > 0")
	}

	t := &Table{
		slabs: make([]Slab, len(frameIDs)),
		byID:  make(map[string]int, len(frameIDs)),
	}
	for i, id := range frameIDs {
		if _, dup := t.byID[id]; dup {
			return nil, fmt.Errorf("duplicate frame %q: %w", id, errors.ErrInvalidGeometry)
		}
		t.byID[id] = i
		t.slabs[i] = Slab{
			Index:   i,
			FrameID: id,
			Offset:  i * samplesPerFrame,
			Length:  samplesPerFrame,
		}
	}
	return t, nil
}

// Len returns the number of slabs.
func (t *Table) Len() int { return len(t.slabs) }

// At returns slab i.
func (t *Table) At(i int) Slab { return t.slabs[i] }

// Lookup returns the slab of a frame.
func (t *Table) Lookup(frameID string) (Slab, bool) {
	i, ok := t.byID[frameID]
	if !ok {
		return Slab{}, false
	}
	return t.slabs[i], true
}

// FrameIDs returns identifiers in slab order.
func (t *Table) FrameIDs() []string {
	out := make([]string, len(t.slabs))
	for i, s := range t.slabs {
		out[i] = s.FrameID
	}
	return out
}

// Samples returns the total sample count covered by the table.
func (t *Table) Samples() int {
	if len(t.slabs) == 0 {
		return 0
	}
	last := t.slabs[len(t.slabs)-1]
	return last.Offset + last.Length
}

// Window returns the write view of slab s in buf.
func (t *Table) Window(buf *Buffer, s Slab) (Window, error) {
	return buf.Window(s.Offset, s.Length)
}
