package kernels

import "math"

// SIMD-friendly loop unrolling width
const unrollFactor = 4

// Unrolled processes four lanes per iteration with independent accumulators,
// which lets the compiler keep them in registers and overlap the multiplies.
type Unrolled struct{}

// Name implements Backend.
func (Unrolled) Name() string { return NameUnrolled }

// Dot implements Backend.
func (Unrolled) Dot(a, b []float32) float32 {
	mustMatch(len(a), len(b))
	return dotUnrolled(a, b)
}

func dotUnrolled(a, b []float32) float32 {
	n := len(a)
	b = b[:n]
	var s0, s1, s2, s3 float32
	i := 0
	for ; i <= n-unrollFactor; i += unrollFactor {
		s0 += a[i] * b[i]
		s1 += a[i+1] * b[i+1]
		s2 += a[i+2] * b[i+2]
		s3 += a[i+3] * b[i+3]
	}
	// Handle remaining elements
	for ; i < n; i++ {
		s0 += a[i] * b[i]
	}
	return (s0 + s1) + (s2 + s3)
}

// Cosine implements Backend.
func (Unrolled) Cosine(a, b []float32) float32 {
	mustMatch(len(a), len(b))
	n := len(a)
	b = b[:n]
	var d0, d1, d2, d3 float32
	var a0, a1, a2, a3 float32
	var b0, b1, b2, b3 float32
	i := 0
	for ; i <= n-unrollFactor; i += unrollFactor {
		x0, x1, x2, x3 := a[i], a[i+1], a[i+2], a[i+3]
		y0, y1, y2, y3 := b[i], b[i+1], b[i+2], b[i+3]
		d0 += x0 * y0
		d1 += x1 * y1
		d2 += x2 * y2
		d3 += x3 * y3
		a0 += x0 * x0
		a1 += x1 * x1
		a2 += x2 * x2
		a3 += x3 * x3
		b0 += y0 * y0
		b1 += y1 * y1
		b2 += y2 * y2
		b3 += y3 * y3
	}
	for ; i < n; i++ {
		x, y := a[i], b[i]
		d0 += x * y
		a0 += x * x
		b0 += y * y
	}
	return cosineFinish((d0+d1)+(d2+d3), (a0+a1)+(a2+a3), (b0+b1)+(b2+b3))
}

// Softmax implements Backend.
func (Unrolled) Softmax(x []float32) {
	n := len(x)
	if n == 0 {
		return
	}

	m0, m1, m2, m3 := x[0], x[0], x[0], x[0]
	i := 0
	for ; i <= n-unrollFactor; i += unrollFactor {
		m0 = max(m0, x[i])
		m1 = max(m1, x[i+1])
		m2 = max(m2, x[i+2])
		m3 = max(m3, x[i+3])
	}
	for ; i < n; i++ {
		m0 = max(m0, x[i])
	}
	maxVal := max(max(m0, m1), max(m2, m3))

	var s0, s1, s2, s3 float32
	i = 0
	for ; i <= n-unrollFactor; i += unrollFactor {
		x[i] = float32(math.Exp(float64(x[i] - maxVal)))
		x[i+1] = float32(math.Exp(float64(x[i+1] - maxVal)))
		x[i+2] = float32(math.Exp(float64(x[i+2] - maxVal)))
		x[i+3] = float32(math.Exp(float64(x[i+3] - maxVal)))
		s0 += x[i]
		s1 += x[i+1]
		s2 += x[i+2]
		s3 += x[i+3]
	}
	for ; i < n; i++ {
		x[i] = float32(math.Exp(float64(x[i] - maxVal)))
		s0 += x[i]
	}

	scaleUnrolled(1/((s0+s1)+(s2+s3)), x)
}

// Scale implements Backend.
func (Unrolled) Scale(alpha float32, x []float32) {
	scaleUnrolled(alpha, x)
}

func scaleUnrolled(alpha float32, x []float32) {
	n := len(x)
	i := 0
	for ; i <= n-unrollFactor; i += unrollFactor {
		x[i] *= alpha
		x[i+1] *= alpha
		x[i+2] *= alpha
		x[i+3] *= alpha
	}
	for ; i < n; i++ {
		x[i] *= alpha
	}
}

// Axpy implements Backend.
func (Unrolled) Axpy(alpha float32, x, y []float32) {
	mustMatch(len(x), len(y))
	axpyUnrolled(alpha, x, y)
}

func axpyUnrolled(alpha float32, x, y []float32) {
	n := len(x)
	y = y[:n]
	i := 0
	for ; i <= n-unrollFactor; i += unrollFactor {
		y[i] += alpha * x[i]
		y[i+1] += alpha * x[i+1]
		y[i+2] += alpha * x[i+2]
		y[i+3] += alpha * x[i+3]
	}
	for ; i < n; i++ {
		y[i] += alpha * x[i]
	}
}

// Gemv implements Backend.
func (Unrolled) Gemv(a []float32, rows, cols int, x, y []float32) {
	mustMatrix(a, rows, cols, x, y, cols, rows)
	for i := 0; i < rows; i++ {
		y[i] = dotUnrolled(a[i*cols:(i+1)*cols], x)
	}
}

// GemvT implements Backend.
func (Unrolled) GemvT(a []float32, rows, cols int, x, y []float32) {
	mustMatrix(a, rows, cols, x, y, rows, cols)
	for j := range y {
		y[j] = 0
	}
	for i := 0; i < rows; i++ {
		if x[i] == 0 {
			continue
		}
		axpyUnrolled(x[i], a[i*cols:(i+1)*cols], y)
	}
}

// EraseWrite implements Backend.
func (Unrolled) EraseWrite(row, erase, write []float32, w float32) {
	mustMatch(len(row), len(erase))
	mustMatch(len(row), len(write))
	if w == 0 {
		return
	}
	n := len(row)
	erase = erase[:n]
	write = write[:n]
	i := 0
	for ; i <= n-unrollFactor; i += unrollFactor {
		row[i] = row[i]*(1-w*erase[i]) + w*write[i]
		row[i+1] = row[i+1]*(1-w*erase[i+1]) + w*write[i+1]
		row[i+2] = row[i+2]*(1-w*erase[i+2]) + w*write[i+2]
		row[i+3] = row[i+3]*(1-w*erase[i+3]) + w*write[i+3]
	}
	for ; i < n; i++ {
		row[i] = row[i]*(1-w*erase[i]) + w*write[i]
	}
}
