package memory

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/sbl8/dnc/kernels"
)

// DefaultFreeThreshold is the usage below which a location counts as free.
const DefaultFreeThreshold = 0.1

// UsageTracker keeps per-location usage in [0,1] and derives the allocation
// weighting from it.
type UsageTracker struct {
	usage     []float32
	retention []float32
	order     []int // allocation order scratch, never reallocated
}

// NewUsageTracker allocates a tracker for n locations with zero usage.
func NewUsageTracker(n int, alloc Allocator) (*UsageTracker, error) {
	if n <= 0 {
		return nil, fmt.Errorf("usage: invalid location count %d", n)
	}
	bufs, err := allocAll(allocOrHeap(alloc), n, "usage", "retention")
	if err != nil {
		return nil, fmt.Errorf("usage: %w", err)
	}
	return &UsageTracker{
		usage:     bufs[0],
		retention: bufs[1],
		order:     make([]int, n),
	}, nil
}

// Usage returns the usage vector. The slice aliases the tracker.
func (u *UsageTracker) Usage() []float32 { return u.usage }

// Retention returns the retention vector computed by the last Update.
func (u *UsageTracker) Retention() []float32 { return u.retention }

// Update advances usage by one step:
//
//	retention[i] = Π_h (1 - free[h]·read[h][i])
//	usage[i]     = (usage[i] + w[i] - usage[i]·w[i]) · retention[i]
//
// writeWeights are this step's write weights; readWeights and freeGates hold
// one entry per read head. Inputs are clamped to [0,1], so usage stays in
// [0,1] whatever the caller passes.
func (u *UsageTracker) Update(writeWeights []float32, readWeights [][]float32, freeGates []float32) {
	if len(writeWeights) != len(u.usage) {
		panic("usage: write weights length mismatch")
	}
	if len(readWeights) != len(freeGates) {
		panic("usage: one free gate per read head required")
	}
	for i := range u.retention {
		u.retention[i] = 1
	}
	for h, r := range readWeights {
		if len(r) != len(u.usage) {
			panic("usage: read weights length mismatch")
		}
		f := kernels.Clamp01(freeGates[h])
		if f == 0 {
			continue
		}
		for i, v := range r {
			u.retention[i] *= 1 - f*kernels.Clamp01(v)
		}
	}
	for i, prev := range u.usage {
		w := kernels.Clamp01(writeWeights[i])
		u.usage[i] = kernels.Clamp01((prev + w - prev*w) * u.retention[i])
	}
}

// Allocation writes the allocation weighting into dst. Locations are visited
// in ascending usage order φ, ties broken by index:
//
//	alloc[φ0] = 1 - u[φ0]
//	alloc[φj] = (1 - u[φj]) · Π_{k<j} u[φk]
//
// The result is not normalised; with several free locations the mass
// concentrates on the first of them.
func (u *UsageTracker) Allocation(dst []float32) {
	if len(dst) != len(u.usage) {
		panic("usage: allocation length mismatch")
	}
	for i := range u.order {
		u.order[i] = i
	}
	usage := u.usage
	slices.SortFunc(u.order, func(a, b int) int {
		if c := cmp.Compare(usage[a], usage[b]); c != 0 {
			return c
		}
		return a - b
	})

	prod := float32(1)
	for _, idx := range u.order {
		dst[idx] = (1 - usage[idx]) * prod
		prod *= usage[idx]
	}
}

// FreeSlots counts locations whose usage is below threshold.
func (u *UsageTracker) FreeSlots(threshold float32) int {
	n := 0
	for _, v := range u.usage {
		if v < threshold {
			n++
		}
	}
	return n
}

// Load replaces usage with a copy of usage, clamped to [0,1].
func (u *UsageTracker) Load(usage []float32) error {
	if len(usage) != len(u.usage) {
		return fmt.Errorf("usage: load %d values into %d locations", len(usage), len(u.usage))
	}
	for i, v := range usage {
		u.usage[i] = kernels.Clamp01(v)
	}
	return nil
}
