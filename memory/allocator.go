// Package memory implements the external memory of the engine: the N×M
// matrix, the three addressing mechanisms and the read and write heads that
// blend them.
//
// Components, leaf to root:
//   - ContentAddressor: cosine similarity against every row, sharpened by a
//     strength and normalised with a softmax
//   - UsageTracker: per-location usage and the allocation weighting derived
//     from it
//   - TemporalLinkage: precedence vector and the N×N write-order link matrix
//   - Matrix: the store itself, with erase-and-write and weighted read
//   - WriteHead / ReadHead: per-step weightings over the locations
//
// All buffers are sized at construction and obtained from an Allocator, so a
// step never allocates. None of the types are safe for concurrent use.
package memory

import (
	"fmt"

	"github.com/sbl8/dnc/core"
)

// Allocator hands out zeroed float32 buffers. The runtime arena implements it
// so that every buffer of one engine lives in a single allocation.
type Allocator interface {
	Allocate(name string, size int) ([]float32, error)
}

// Heap returns an Allocator that gives every buffer its own cache-aligned
// backing array.
func Heap() Allocator {
	return heapAllocator{}
}

type heapAllocator struct{}

func (heapAllocator) Allocate(name string, size int) ([]float32, error) {
	if size <= 0 {
		return nil, fmt.Errorf("allocate %s: invalid size %d", name, size)
	}
	return core.AlignedFloats(size), nil
}

func allocOrHeap(alloc Allocator) Allocator {
	if alloc == nil {
		return Heap()
	}
	return alloc
}

// allocAll allocates one buffer per name, all of the same size.
func allocAll(alloc Allocator, size int, names ...string) ([][]float32, error) {
	out := make([][]float32, len(names))
	for i, name := range names {
		buf, err := alloc.Allocate(name, size)
		if err != nil {
			return nil, err
		}
		out[i] = buf
	}
	return out, nil
}
