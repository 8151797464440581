package memory

import (
	"fmt"
	"math"

	"github.com/sbl8/dnc/kernels"
)

// WriteOrderThreshold is the weight a write must put on its strongest
// location to be recorded in the write-order history.
const WriteOrderThreshold = 0.1

// TemporalLinkage records the order in which locations are written.
//
// link[i][j] is the degree to which location j was written right after
// location i. The diagonal is always zero and every row sums to at most one.
type TemporalLinkage struct {
	n          int
	link       []float32 // n×n row-major
	precedence []float32
	be         kernels.Backend

	// bounded ring of recently written locations, oldest at head
	order []int
	head  int
	count int
}

// NewTemporalLinkage allocates an empty linkage for n locations.
func NewTemporalLinkage(n int, alloc Allocator, be kernels.Backend) (*TemporalLinkage, error) {
	if n <= 0 {
		return nil, fmt.Errorf("linkage: invalid location count %d", n)
	}
	if be == nil {
		be = kernels.Default()
	}
	alloc = allocOrHeap(alloc)
	link, err := alloc.Allocate("link", n*n)
	if err != nil {
		return nil, fmt.Errorf("linkage: %w", err)
	}
	prec, err := alloc.Allocate("precedence", n)
	if err != nil {
		return nil, fmt.Errorf("linkage: %w", err)
	}
	return &TemporalLinkage{
		n:          n,
		link:       link,
		precedence: prec,
		be:         be,
		order:      make([]int, n),
	}, nil
}

// Size returns N.
func (t *TemporalLinkage) Size() int { return t.n }

// Link returns the row-major N×N link matrix. The slice aliases the linkage.
func (t *TemporalLinkage) Link() []float32 { return t.link }

// Precedence returns the precedence vector. The slice aliases the linkage.
func (t *TemporalLinkage) Precedence() []float32 { return t.precedence }

// Update folds one step's write weights into the link matrix and the
// precedence vector:
//
//	L'[i][j] = (1 - w[i] - w[j])·L[i][j] + w[i]·p[j],  L'[i][i] = 0
//	p'       = (1 - Σw)·p + w
//
// The link matrix is updated with the previous precedence before the
// precedence itself moves. A step that wrote nothing leaves both unchanged.
// Entries are kept non-negative and every row, like the precedence vector,
// is scaled back to unit mass when rounding pushes it above one.
func (t *TemporalLinkage) Update(w []float32) {
	if len(w) != t.n {
		panic("linkage: write weights length mismatch")
	}
	sum := kernels.Sum(w)
	if sum == 0 {
		return
	}

	p := t.precedence
	for i := 0; i < t.n; i++ {
		wi := w[i]
		row := t.link[i*t.n : (i+1)*t.n]
		for j := range row {
			row[j] = max(0, (1-wi-w[j])*row[j]+wi*p[j])
		}
		row[i] = 0
		capMass(row)
	}

	keep := 1 - sum
	for j := range p {
		p[j] = max(0, keep*p[j]+w[j])
	}
	capMass(p)

	t.recordWrite(w)
}

// capMass scales a non-negative x down so that Σx ≤ 1. Scaled entries are
// rounded toward zero.
func capMass(x []float32) {
	var sum float64
	for _, v := range x {
		sum += float64(v)
	}
	if sum <= 1 {
		return
	}
	for i, v := range x {
		x[i] = math.Nextafter32(float32(float64(v)/sum), 0)
	}
}

func (t *TemporalLinkage) recordWrite(w []float32) {
	best, bestW := -1, float32(WriteOrderThreshold)
	for i, v := range w {
		if v > bestW {
			best, bestW = i, v
		}
	}
	if best < 0 {
		return
	}
	if t.count < len(t.order) {
		t.order[(t.head+t.count)%len(t.order)] = best
		t.count++
		return
	}
	t.order[t.head] = best
	t.head = (t.head + 1) % len(t.order)
}

// Forward writes L·prev into dst: the locations written after the ones prev
// attends to.
func (t *TemporalLinkage) Forward(prev, dst []float32) {
	t.be.Gemv(t.link, t.n, t.n, prev, dst)
}

// Backward writes Lᵀ·prev into dst: the locations written before the ones
// prev attends to.
func (t *TemporalLinkage) Backward(prev, dst []float32) {
	t.be.GemvT(t.link, t.n, t.n, prev, dst)
}

// WriteOrder returns the recorded write history, oldest first. At most N
// entries are kept.
func (t *TemporalLinkage) WriteOrder() []int {
	out := make([]int, t.count)
	for k := range out {
		out[k] = t.order[(t.head+k)%len(t.order)]
	}
	return out
}

// OldestWrite returns the oldest location still in the write history.
func (t *TemporalLinkage) OldestWrite() (int, bool) {
	if t.count == 0 {
		return 0, false
	}
	return t.order[t.head], true
}

// ClearHistory empties the write-order history. The link matrix and the
// precedence vector are left as they are.
func (t *TemporalLinkage) ClearHistory() {
	t.head, t.count = 0, 0
}

// Load replaces the state. The diagonal of link is forced to zero and the
// history entries must be valid location indices, oldest first.
func (t *TemporalLinkage) Load(link, precedence []float32, order []int) error {
	if len(link) != t.n*t.n || len(precedence) != t.n {
		return fmt.Errorf("linkage: load %d link and %d precedence values into size %d",
			len(link), len(precedence), t.n)
	}
	if len(order) > t.n {
		return fmt.Errorf("linkage: write history of %d exceeds %d", len(order), t.n)
	}
	for _, idx := range order {
		if idx < 0 || idx >= t.n {
			return fmt.Errorf("linkage: write history index %d out of range", idx)
		}
	}
	copy(t.link, link)
	for i := 0; i < t.n; i++ {
		t.link[i*t.n+i] = 0
	}
	copy(t.precedence, precedence)
	t.head = 0
	t.count = copy(t.order, order)
	return nil
}
