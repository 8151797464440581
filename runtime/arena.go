package runtime

import (
	"fmt"

	"github.com/sbl8/dnc/core"
)

// ArenaRegion is a named span of the arena, in float32 units.
type ArenaRegion struct {
	Offset int
	Size   int
	Name   string
}

// Arena is a single pre-allocated, cache-aligned float32 buffer carved into
// named regions by a bump allocator. An engine obtains every buffer it uses
// from its own arena at construction, so stepping never allocates and two
// engines never share storage.
//
// Not thread-safe without external locking.
type Arena struct {
	buffer  []float32
	regions map[string]ArenaRegion
	order   []string
	offset  int
}

// ArenaSize returns the number of floats an arena needs to hold regions of
// the given sizes, each starting on a cache line.
func ArenaSize(sizes ...int) int {
	total := 0
	for _, s := range sizes {
		total += core.AlignFloats(s)
	}
	return total
}

// NewArena allocates an arena of size floats.
func NewArena(size int) (*Arena, error) {
	if size <= 0 {
		return nil, fmt.Errorf("cannot create arena of size %d", size)
	}
	return &Arena{
		buffer:  core.AlignedFloats(core.AlignFloats(size)),
		regions: make(map[string]ArenaRegion),
	}, nil
}

// Allocate reserves a zeroed region of size floats. Regions start on a cache
// line and names must be unique. The returned slice has its capacity capped
// at size.
func (a *Arena) Allocate(name string, size int) ([]float32, error) {
	if size <= 0 {
		return nil, fmt.Errorf("arena region %q: invalid size %d", name, size)
	}
	if _, dup := a.regions[name]; dup {
		return nil, fmt.Errorf("arena region %q already allocated", name)
	}
	start := core.AlignFloats(a.offset)
	if start+size > len(a.buffer) {
		return nil, fmt.Errorf("arena exhausted: region %q needs %d floats, %d remain",
			name, size, len(a.buffer)-start)
	}

	a.regions[name] = ArenaRegion{Offset: start, Size: size, Name: name}
	a.order = append(a.order, name)
	a.offset = start + size
	return a.buffer[start : start+size : start+size], nil
}

// Regions returns every region in allocation order.
func (a *Arena) Regions() []ArenaRegion {
	out := make([]ArenaRegion, len(a.order))
	for i, name := range a.order {
		out[i] = a.regions[name]
	}
	return out
}

// Slice returns the data of the named region.
func (a *Arena) Slice(name string) ([]float32, error) {
	r, ok := a.regions[name]
	if !ok {
		return nil, fmt.Errorf("arena region %q not found", name)
	}
	return a.buffer[r.Offset : r.Offset+r.Size : r.Offset+r.Size], nil
}

// ZeroRegion clears the named region.
func (a *Arena) ZeroRegion(name string) error {
	s, err := a.Slice(name)
	if err != nil {
		return err
	}
	clear(s)
	return nil
}

// Zero clears every allocated region without releasing it.
func (a *Arena) Zero() {
	clear(a.buffer[:a.offset])
}

// TotalSize returns the capacity of the arena in floats.
func (a *Arena) TotalSize() int {
	return len(a.buffer)
}

// UsedSize returns the floats consumed by regions, alignment padding included.
func (a *Arena) UsedSize() int {
	return a.offset
}

// RemainingSize returns the floats still available.
func (a *Arena) RemainingSize() int {
	return len(a.buffer) - a.offset
}

// Bytes returns the arena footprint in bytes.
func (a *Arena) Bytes() int {
	return a.TotalSize() * 4
}
