package memory

import (
	"fmt"

	"github.com/sbl8/dnc/core"
	"github.com/sbl8/dnc/kernels"
)

// WriteParams are the write head's normalised parameters for one step.
type WriteParams struct {
	Key            []float32 // lookup key, length M
	Strength       float32   // key strength, ≥ 1 after the 1+softplus transform
	AllocationGate float32   // interpolation between content (0) and allocation (1)
	WriteStrength  float32   // overall write gate in [0,1]
	Vector         []float32 // value written, length M
	Erase          []float32 // per-component erase in [0,1], length M
}

// ReadMode indexes the three read gates.
type ReadMode int

// Read modes.
const (
	ReadContent ReadMode = iota
	ReadForward
	ReadBackward
)

// ReadParams are one read head's normalised parameters for one step.
type ReadParams struct {
	Key      []float32
	Strength float32
	Gates    [3]float32 // content, forward, backward; sums to 1
	FreeGate float32    // how much this head's last read may free, in [0,1]
}

// WriteHead produces the write weighting. It holds no state across steps.
type WriteHead struct {
	addr       ContentAddressor
	be         kernels.Backend
	content    []float32
	allocation []float32
	weights    []float32
}

// NewWriteHead allocates the per-step buffers of a write head over n
// locations.
func NewWriteHead(n int, alloc Allocator, be kernels.Backend) (*WriteHead, error) {
	if n <= 0 {
		return nil, fmt.Errorf("write head: invalid location count %d", n)
	}
	bufs, err := allocAll(allocOrHeap(alloc), n, "write.content", "write.allocation", "write.weights")
	if err != nil {
		return nil, fmt.Errorf("write head: %w", err)
	}
	if be == nil {
		be = kernels.Default()
	}
	return &WriteHead{
		addr:       NewContentAddressor(be),
		be:         be,
		content:    bufs[0],
		allocation: bufs[1],
		weights:    bufs[2],
	}, nil
}

// Step computes
//
//	w = g_w · (g_a·alloc + (1 - g_a)·content)
//
// applies the erase-and-write to m and returns w. The returned slice is
// reused by the next call.
func (h *WriteHead) Step(m *Matrix, usage *UsageTracker, p *WriteParams) []float32 {
	h.addr.Weights(m, p.Key, p.Strength, h.content)
	usage.Allocation(h.allocation)

	ga := kernels.Clamp01(p.AllocationGate)
	gw := kernels.Clamp01(p.WriteStrength)
	copy(h.weights, h.content)
	h.be.Scale(1-ga, h.weights)
	h.be.Axpy(ga, h.allocation, h.weights)
	h.be.Scale(gw, h.weights)

	m.Write(h.weights, p.Erase, p.Vector)
	return h.weights
}

// Content returns the content weighting of the last step.
func (h *WriteHead) Content() []float32 { return h.content }

// Allocation returns the allocation weighting of the last step.
func (h *WriteHead) Allocation() []float32 { return h.allocation }

// Weights returns the write weighting of the last step.
func (h *WriteHead) Weights() []float32 { return h.weights }

// ReadHead reads from memory by content and by following the link matrix
// from the locations it read on the previous step.
type ReadHead struct {
	addr     ContentAddressor
	weights  core.DualBuffer // Prev: last step's read weights, Prop: this step's
	content  []float32
	forward  []float32
	backward []float32
	vector   []float32
}

// NewReadHead allocates a read head over an n×m memory. name prefixes the
// buffer names handed to alloc.
func NewReadHead(name string, n, m int, alloc Allocator, be kernels.Backend) (*ReadHead, error) {
	if n <= 0 || m <= 0 {
		return nil, fmt.Errorf("read head %s: invalid shape %dx%d", name, n, m)
	}
	alloc = allocOrHeap(alloc)
	bufs, err := allocAll(alloc, n,
		name+".prev", name+".prop", name+".content", name+".forward", name+".backward")
	if err != nil {
		return nil, fmt.Errorf("read head %s: %w", name, err)
	}
	vec, err := alloc.Allocate(name+".vector", m)
	if err != nil {
		return nil, fmt.Errorf("read head %s: %w", name, err)
	}
	weights, err := core.NewDualBuffer(bufs[0], bufs[1])
	if err != nil {
		return nil, fmt.Errorf("read head %s: %w", name, err)
	}
	return &ReadHead{
		addr:     NewContentAddressor(be),
		weights:  weights,
		content:  bufs[2],
		forward:  bufs[3],
		backward: bufs[4],
		vector:   vec,
	}, nil
}

// Step computes
//
//	w = g_c·content + g_f·(L·prev) + g_b·(Lᵀ·prev)
//
// reads r = Σ_i w[i]·M[i] and keeps w as the previous weights for the next
// step. The returned read vector is reused by the next call.
func (h *ReadHead) Step(m *Matrix, link *TemporalLinkage, p *ReadParams) []float32 {
	prev := h.weights.Prev
	h.addr.Weights(m, p.Key, p.Strength, h.content)
	link.Forward(prev, h.forward)
	link.Backward(prev, h.backward)

	gc, gf, gb := p.Gates[ReadContent], p.Gates[ReadForward], p.Gates[ReadBackward]
	w := h.weights.Prop
	for i := range w {
		w[i] = gc*h.content[i] + gf*h.forward[i] + gb*h.backward[i]
	}

	m.Read(w, h.vector)
	h.weights.Swap()
	return h.vector
}

// PrevWeights returns the read weights of the last completed step. The slice
// aliases the head and changes identity on every Step.
func (h *ReadHead) PrevWeights() []float32 { return h.weights.Prev }

// Content returns the content weighting of the last step.
func (h *ReadHead) Content() []float32 { return h.content }

// Forward returns L·prev as computed by the last step.
func (h *ReadHead) Forward() []float32 { return h.forward }

// Backward returns Lᵀ·prev as computed by the last step.
func (h *ReadHead) Backward() []float32 { return h.backward }

// Vector returns the read vector of the last step.
func (h *ReadHead) Vector() []float32 { return h.vector }

// Load replaces the previous read weights.
func (h *ReadHead) Load(prev []float32) error {
	if len(prev) != h.weights.Len() {
		return fmt.Errorf("read head: load %d weights into %d locations", len(prev), h.weights.Len())
	}
	copy(h.weights.Prev, prev)
	return nil
}
