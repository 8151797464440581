// Package kernels provides the float32 vector primitives used by the memory engine.
//
// Every primitive operates in place on caller-owned slices and performs no
// allocations. Two interchangeable implementations satisfy Backend:
//
//   - Scalar: straightforward portable loops, the reference implementation
//   - Unrolled: 4-way unrolled loops with independent accumulators
//
// Both backends compute the same functions; results may differ only in the
// last bits because the unrolled path sums in a different order. Default
// picks the backend for the current architecture (see dispatch_*.go).
//
// Available operations:
//   - Reductions: dot product, cosine similarity
//   - Normalisation: numerically stable softmax
//   - Linear algebra: scale, axpy, matrix-vector and transposed matrix-vector
//   - Memory update: weighted erase-and-write of a single row
package kernels

import (
	"fmt"
	"math"
)

// CosineEpsilon guards the cosine denominator. Vectors whose norm product is
// below it have similarity 0.
const CosineEpsilon = 1e-6

// Backend is the capability set the memory engine needs from a vector library.
type Backend interface {
	// Name identifies the implementation ("scalar", "unrolled").
	Name() string
	// Dot returns Σ a[i]*b[i].
	Dot(a, b []float32) float32
	// Cosine returns the cosine similarity of a and b, or 0 when either
	// vector is (near) zero or the result is not finite.
	Cosine(a, b []float32) float32
	// Softmax replaces x with softmax(x), subtracting the maximum first.
	Softmax(x []float32)
	// Scale performs x = alpha*x.
	Scale(alpha float32, x []float32)
	// Axpy performs y = alpha*x + y.
	Axpy(alpha float32, x, y []float32)
	// Gemv performs y = A*x for a row-major rows×cols matrix A.
	Gemv(a []float32, rows, cols int, x, y []float32)
	// GemvT performs y = Aᵀ*x for a row-major rows×cols matrix A.
	GemvT(a []float32, rows, cols int, x, y []float32)
	// EraseWrite performs row = row*(1 - w*erase) + w*write. A weight of
	// exactly zero leaves the row untouched.
	EraseWrite(row, erase, write []float32, w float32)
}

// Names of the available backends.
const (
	NameScalar   = "scalar"
	NameUnrolled = "unrolled"
	NameAuto     = "auto"
)

// Default returns the preferred backend for this architecture.
func Default() Backend {
	if useUnrolled {
		return Unrolled{}
	}
	return Scalar{}
}

// ByName resolves a backend name. The empty string and "auto" select Default.
func ByName(name string) (Backend, error) {
	switch name {
	case "", NameAuto:
		return Default(), nil
	case NameScalar:
		return Scalar{}, nil
	case NameUnrolled:
		return Unrolled{}, nil
	default:
		return nil, fmt.Errorf("unknown kernel backend %q", name)
	}
}

// Backends returns every available backend, reference first.
func Backends() []Backend {
	return []Backend{Scalar{}, Unrolled{}}
}

func mustMatch(a, b int) {
	if a != b {
		panic("vector length mismatch")
	}
}

func mustMatrix(a []float32, rows, cols int, x, y []float32, xLen, yLen int) {
	if len(a) < rows*cols {
		panic("matrix data insufficient")
	}
	if len(x) != xLen {
		panic("vector x length mismatch")
	}
	if len(y) != yLen {
		panic("vector y length mismatch")
	}
}

func cosineFinish(dot, normA, normB float32) float32 {
	den := math.Sqrt(float64(normA)) * math.Sqrt(float64(normB))
	if !(den >= CosineEpsilon) {
		return 0
	}
	c := float32(float64(dot) / den)
	if math.IsNaN(float64(c)) || math.IsInf(float64(c), 0) {
		return 0
	}
	return c
}

// -------- Scalar (reference) backend ----------

// Scalar is the portable reference backend.
type Scalar struct{}

// Name implements Backend.
func (Scalar) Name() string { return NameScalar }

// Dot implements Backend.
func (Scalar) Dot(a, b []float32) float32 {
	mustMatch(len(a), len(b))
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// Cosine implements Backend.
func (Scalar) Cosine(a, b []float32) float32 {
	mustMatch(len(a), len(b))
	var dot, na, nb float32
	for i := range a {
		x, y := a[i], b[i]
		dot += x * y
		na += x * x
		nb += y * y
	}
	return cosineFinish(dot, na, nb)
}

// Softmax implements Backend.
func (Scalar) Softmax(x []float32) {
	if len(x) == 0 {
		return
	}

	// Find maximum for numerical stability
	maxVal := float32(math.Inf(-1))
	for _, v := range x {
		if v > maxVal {
			maxVal = v
		}
	}

	var sum float32
	for i, v := range x {
		e := float32(math.Exp(float64(v - maxVal)))
		x[i] = e
		sum += e
	}

	invSum := 1 / sum
	for i := range x {
		x[i] *= invSum
	}
}

// Scale implements Backend.
func (Scalar) Scale(alpha float32, x []float32) {
	for i := range x {
		x[i] *= alpha
	}
}

// Axpy implements Backend.
func (Scalar) Axpy(alpha float32, x, y []float32) {
	mustMatch(len(x), len(y))
	for i := range x {
		y[i] += alpha * x[i]
	}
}

// Gemv implements Backend.
func (Scalar) Gemv(a []float32, rows, cols int, x, y []float32) {
	mustMatrix(a, rows, cols, x, y, cols, rows)
	for i := 0; i < rows; i++ {
		row := a[i*cols : (i+1)*cols]
		var sum float32
		for j, v := range row {
			sum += v * x[j]
		}
		y[i] = sum
	}
}

// GemvT implements Backend.
func (Scalar) GemvT(a []float32, rows, cols int, x, y []float32) {
	mustMatrix(a, rows, cols, x, y, rows, cols)
	for j := range y {
		y[j] = 0
	}
	for i := 0; i < rows; i++ {
		xi := x[i]
		if xi == 0 {
			continue
		}
		row := a[i*cols : (i+1)*cols]
		for j, v := range row {
			y[j] += xi * v
		}
	}
}

// EraseWrite implements Backend.
func (Scalar) EraseWrite(row, erase, write []float32, w float32) {
	mustMatch(len(row), len(erase))
	mustMatch(len(row), len(write))
	if w == 0 {
		return
	}
	for k := range row {
		row[k] = row[k]*(1-w*erase[k]) + w*write[k]
	}
}
