package runtime

import (
	"fmt"

	"github.com/sbl8/dnc/core"
	"github.com/sbl8/dnc/kernels"
)

// State is a deep copy of everything an engine carries across steps.
type State struct {
	Locations    int
	VectorSize   int
	ReadHeads    int
	Steps        uint64
	MemoryWrites uint64
	MemoryReads  uint64
	Memory       []float32   // N×M row-major
	Usage        []float32   // N
	Link         []float32   // N×N row-major
	Precedence   []float32   // N
	ReadWeights  [][]float32 // R×N
	WriteOrder   []int       // oldest first
}

// stateSlack is how far a restored weighting may stray outside [0,1], or
// its mass above one, before the state is rejected.
const stateSlack = 1e-4

// transientRegions are rebuilt by every step and carry nothing across one.
var transientRegions = []string{"write.content", "write.allocation", "write.weights", "output"}

// Snapshot copies the persistent state out of the engine.
func (e *Engine) Snapshot() State {
	writes, reads := e.mem.Counters()
	s := State{
		Locations:    e.cfg.Locations,
		VectorSize:   e.cfg.VectorSize,
		ReadHeads:    e.cfg.ReadHeads,
		Steps:        e.steps,
		MemoryWrites: writes,
		MemoryReads:  reads,
		Memory:       append([]float32(nil), e.mem.Data()...),
		Usage:        append([]float32(nil), e.usage.Usage()...),
		Link:         append([]float32(nil), e.link.Link()...),
		Precedence:   append([]float32(nil), e.link.Precedence()...),
		ReadWeights:  make([][]float32, len(e.reads)),
		WriteOrder:   e.link.WriteOrder(),
	}
	for h, rh := range e.reads {
		s.ReadWeights[h] = append([]float32(nil), rh.PrevWeights()...)
	}
	return s
}

// Restore replaces the engine state with s. A state of different dimensions
// fails with ErrStateMismatch, one holding NaN or infinite values with
// ErrNonFinite and one whose weightings leave their valid range with
// ErrInvalidState; in each case the engine is left untouched.
func (e *Engine) Restore(s State) error {
	if err := s.check(e.cfg); err != nil {
		return err
	}
	if err := e.mem.Load(s.Memory); err != nil {
		return err
	}
	if err := e.usage.Load(s.Usage); err != nil {
		return err
	}
	if err := e.link.Load(s.Link, s.Precedence, s.WriteOrder); err != nil {
		return err
	}
	for h, rh := range e.reads {
		if err := rh.Load(s.ReadWeights[h]); err != nil {
			return err
		}
	}
	for _, name := range transientRegions {
		if err := e.arena.ZeroRegion(name); err != nil {
			return err
		}
	}
	e.mem.SetCounters(s.MemoryWrites, s.MemoryReads)
	e.steps = s.Steps
	e.latency = 0
	return nil
}

type stateSection struct {
	name string
	data []float32
	want int
}

func (s *State) check(cfg Config) error {
	if s.Locations != cfg.Locations || s.VectorSize != cfg.VectorSize || s.ReadHeads != cfg.ReadHeads {
		return fmt.Errorf("%w: state is %dx%d with %d heads, engine is %dx%d with %d heads",
			ErrStateMismatch, s.Locations, s.VectorSize, s.ReadHeads,
			cfg.Locations, cfg.VectorSize, cfg.ReadHeads)
	}
	return s.Validate()
}

// Validate checks s against its own dimensions without an engine. Section
// lengths must agree with N, M and R (ErrStateMismatch) and every value must
// be finite (ErrNonFinite). Usage, link, precedence and read weights must
// lie in [0,1]; every link row, the precedence vector and every read
// weighting must sum to at most one (ErrInvalidState).
func (s *State) Validate() error {
	n, m := s.Locations, s.VectorSize
	if n <= 0 || m <= 0 || s.ReadHeads <= 0 {
		return fmt.Errorf("%w: state is %dx%d with %d heads", ErrStateMismatch, n, m, s.ReadHeads)
	}
	sections := []stateSection{
		{"memory", s.Memory, n * m},
		{"usage", s.Usage, n},
		{"link", s.Link, n * n},
		{"precedence", s.Precedence, n},
	}
	if len(s.ReadWeights) != s.ReadHeads {
		return fmt.Errorf("%w: %d read weight vectors for %d heads", ErrStateMismatch, len(s.ReadWeights), s.ReadHeads)
	}
	for h, w := range s.ReadWeights {
		sections = append(sections, stateSection{fmt.Sprintf("read weights %d", h), w, n})
	}
	for _, sec := range sections {
		if len(sec.data) != sec.want {
			return fmt.Errorf("%w: %s has %d values, want %d", ErrStateMismatch, sec.name, len(sec.data), sec.want)
		}
		if i := kernels.FirstNonFinite(sec.data); i >= 0 {
			return nonFinite(sec.name, i)
		}
	}

	if err := unitRange("usage", s.Usage); err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		if err := weighting(fmt.Sprintf("link row %d", i), s.Link[i*n:(i+1)*n]); err != nil {
			return err
		}
	}
	if err := weighting("precedence", s.Precedence); err != nil {
		return err
	}
	for h, w := range s.ReadWeights {
		if err := weighting(fmt.Sprintf("read weights %d", h), w); err != nil {
			return err
		}
	}

	if len(s.WriteOrder) > n {
		return fmt.Errorf("%w: write history of %d exceeds %d locations", ErrStateMismatch, len(s.WriteOrder), n)
	}
	for _, idx := range s.WriteOrder {
		if idx < 0 || idx >= n {
			return fmt.Errorf("%w: write history index %d out of range", ErrStateMismatch, idx)
		}
	}
	return nil
}

func unitRange(name string, x []float32) error {
	for i, v := range x {
		if v < -stateSlack || v > 1+stateSlack {
			return fmt.Errorf("%w: %s[%d] = %g", ErrInvalidState, name, i, v)
		}
	}
	return nil
}

// weighting checks that x is a weighting: entries in [0,1], mass at most one.
func weighting(name string, x []float32) error {
	if err := unitRange(name, x); err != nil {
		return err
	}
	var sum float64
	for _, v := range x {
		sum += float64(v)
	}
	if sum > 1+stateSlack {
		return fmt.Errorf("%w: %s sums to %g", ErrInvalidState, name, sum)
	}
	return nil
}

// MarshalBinary encodes s as a core.Frame. Dims are N, M and R followed by
// the step, write and read counters, each split into two 32-bit halves.
// Sections are memory, usage, link, precedence and one read weight vector
// per head. Indices hold the write history.
func (s State) MarshalBinary() ([]byte, error) {
	f := core.Frame{
		Dims: []uint32{
			uint32(s.Locations), uint32(s.VectorSize), uint32(s.ReadHeads),
			uint32(s.Steps), uint32(s.Steps >> 32),
			uint32(s.MemoryWrites), uint32(s.MemoryWrites >> 32),
			uint32(s.MemoryReads), uint32(s.MemoryReads >> 32),
		},
		Sections: append([][]float32{s.Memory, s.Usage, s.Link, s.Precedence}, s.ReadWeights...),
		Indices:  make([]int32, len(s.WriteOrder)),
	}
	for i, idx := range s.WriteOrder {
		f.Indices[i] = int32(idx)
	}
	return f.MarshalBinary()
}

// UnmarshalBinary decodes a state produced by MarshalBinary.
func (s *State) UnmarshalBinary(data []byte) error {
	var f core.Frame
	if err := f.UnmarshalBinary(data); err != nil {
		return err
	}
	if len(f.Dims) != stateDims {
		return fmt.Errorf("state: %d dims, want %d", len(f.Dims), stateDims)
	}
	r := int(f.Dims[2])
	if len(f.Sections) != 4+r {
		return fmt.Errorf("state: %d sections for %d read heads", len(f.Sections), r)
	}

	out := State{
		Locations:    int(f.Dims[0]),
		VectorSize:   int(f.Dims[1]),
		ReadHeads:    r,
		Steps:        joinDims(f.Dims[3], f.Dims[4]),
		MemoryWrites: joinDims(f.Dims[5], f.Dims[6]),
		MemoryReads:  joinDims(f.Dims[7], f.Dims[8]),
		Memory:       f.Sections[0],
		Usage:        f.Sections[1],
		Link:         f.Sections[2],
		Precedence:   f.Sections[3],
		ReadWeights:  f.Sections[4:],
		WriteOrder:   make([]int, len(f.Indices)),
	}
	for i, idx := range f.Indices {
		out.WriteOrder[i] = int(idx)
	}
	*s = out
	return nil
}

// stateDims is N, M, R and three counters of two halves each.
const stateDims = 9

func joinDims(lo, hi uint32) uint64 {
	return uint64(lo) | uint64(hi)<<32
}
