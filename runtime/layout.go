package runtime

import (
	"math"
	"strconv"

	"github.com/sbl8/dnc/kernels"
	"github.com/sbl8/dnc/memory"
)

// Per-head field widths of the interface vector, excluding the M-wide
// vectors.
const (
	readScalars  = 1 + 3 + 1 // strength, three gates, free gate
	writeScalars = 1 + 2 + 1 // strength, two gates, write gate
	readGates    = 3
	writeGates   = 2
)

// Layout describes where each parameter lives in the flat interface vector.
//
// Every read head h occupies, from ReadOffset(h):
//
//	[key M][strength 1][content, forward, backward gates 3][free gate 1]
//
// followed by the write head from WriteOffset():
//
//	[key M][strength 1][content, allocation gates 2][write gate 1][vector M][erase M]
type Layout struct {
	VectorSize int
	ReadHeads  int
}

// ReadSize is the width of one read head's parameters.
func (l Layout) ReadSize() int { return l.VectorSize + readScalars }

// WriteSize is the width of the write head's parameters.
func (l Layout) WriteSize() int { return 3*l.VectorSize + writeScalars }

// InputSize is the interface vector length, R*(M+5) + 3M+4.
func (l Layout) InputSize() int { return l.ReadHeads*l.ReadSize() + l.WriteSize() }

// ReadOffset is the start of read head h.
func (l Layout) ReadOffset(h int) int { return h * l.ReadSize() }

// WriteOffset is the start of the write head.
func (l Layout) WriteOffset() int { return l.ReadHeads * l.ReadSize() }

// Field is one named span of the interface vector.
type Field struct {
	Name   string
	Offset int
	Size   int
}

// Fields lists every span of the interface vector in order.
func (l Layout) Fields() []Field {
	m := l.VectorSize
	out := make([]Field, 0, l.ReadHeads*4+6)
	add := func(name string, size int) {
		off := 0
		if n := len(out); n > 0 {
			off = out[n-1].Offset + out[n-1].Size
		}
		out = append(out, Field{Name: name, Offset: off, Size: size})
	}
	for h := 0; h < l.ReadHeads; h++ {
		prefix := "read" + strconv.Itoa(h) + "."
		add(prefix+"key", m)
		add(prefix+"strength", 1)
		add(prefix+"gates", readGates)
		add(prefix+"free_gate", 1)
	}
	add("write.key", m)
	add("write.strength", 1)
	add("write.gates", writeGates)
	add("write.write_gate", 1)
	add("write.vector", m)
	add("write.erase", m)
	return out
}

// Params holds one step's parameters for every head, already mapped onto
// their valid ranges.
type Params struct {
	Write memory.WriteParams
	Read  []memory.ReadParams
}

// NewParams allocates a parameter set for the layout from alloc. A nil
// alloc uses the heap.
func NewParams(l Layout, alloc memory.Allocator) (*Params, error) {
	if alloc == nil {
		alloc = memory.Heap()
	}
	m := l.VectorSize
	p := &Params{Read: make([]memory.ReadParams, l.ReadHeads)}
	var err error
	if p.Write.Key, err = alloc.Allocate("params.write.key", m); err != nil {
		return nil, err
	}
	if p.Write.Vector, err = alloc.Allocate("params.write.vector", m); err != nil {
		return nil, err
	}
	if p.Write.Erase, err = alloc.Allocate("params.write.erase", m); err != nil {
		return nil, err
	}
	keys, err := alloc.Allocate("params.read.keys", l.ReadHeads*m)
	if err != nil {
		return nil, err
	}
	for h := range p.Read {
		p.Read[h].Key = keys[h*m : (h+1)*m : (h+1)*m]
	}
	return p, nil
}

// resetScalars zeroes every strength and gate. Slices are left to their
// owner.
func (p *Params) resetScalars() {
	w := &p.Write
	w.Strength, w.AllocationGate, w.WriteStrength = 0, 0, 0
	for h := range p.Read {
		p.Read[h] = memory.ReadParams{Key: p.Read[h].Key}
	}
}

// Parse fills p from a raw interface vector:
//   - strengths: 1 + softplus(raw)
//   - read gates and write gates: softmax
//   - free gates, write gate and erase components: sigmoid
//
// Keys and the write vector are copied unchanged.
func (l Layout) Parse(iface []float32, p *Params) {
	if len(iface) != l.InputSize() {
		panic("layout: interface vector length mismatch")
	}
	m := l.VectorSize
	for h := range p.Read {
		r := &p.Read[h]
		off := l.ReadOffset(h)
		copy(r.Key, iface[off:off+m])
		off += m
		r.Strength = kernels.Strength(iface[off])
		off++
		copy(r.Gates[:], iface[off:off+readGates])
		softmax(r.Gates[:])
		off += readGates
		r.FreeGate = kernels.Sigmoid(iface[off])
	}

	w := &p.Write
	off := l.WriteOffset()
	copy(w.Key, iface[off:off+m])
	off += m
	w.Strength = kernels.Strength(iface[off])
	off++
	var gates [writeGates]float32
	copy(gates[:], iface[off:off+writeGates])
	softmax(gates[:])
	w.AllocationGate = gates[1]
	off += writeGates
	w.WriteStrength = kernels.Sigmoid(iface[off])
	off++
	copy(w.Vector, iface[off:off+m])
	off += m
	for k := range w.Erase {
		w.Erase[k] = kernels.Sigmoid(iface[off+k])
	}
}

// Sanitize maps caller-built parameters onto their valid ranges in place:
// gates, free gates and erase components are clamped to [0,1], read gates
// are renormalised to sum to one (all-zero gates select content) and
// negative strengths become zero.
func (p *Params) Sanitize() {
	w := &p.Write
	w.AllocationGate = kernels.Clamp01(w.AllocationGate)
	w.WriteStrength = kernels.Clamp01(w.WriteStrength)
	if !(w.Strength > 0) {
		w.Strength = 0
	}
	for k, e := range w.Erase {
		w.Erase[k] = kernels.Clamp01(e)
	}
	for h := range p.Read {
		r := &p.Read[h]
		r.FreeGate = kernels.Clamp01(r.FreeGate)
		if !(r.Strength > 0) {
			r.Strength = 0
		}
		var sum float32
		for i, g := range r.Gates {
			if !(g > 0) {
				g = 0
			}
			r.Gates[i] = g
			sum += g
		}
		if !(sum > 0) || math.IsInf(float64(sum), 0) {
			r.Gates = [readGates]float32{1, 0, 0}
			continue
		}
		for i := range r.Gates {
			r.Gates[i] /= sum
		}
	}
}

// softmax normalises a gate vector.
func softmax(x []float32) {
	kernels.Scalar{}.Softmax(x)
}
