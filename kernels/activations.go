package kernels

import "math"

// Softplus returns log(1 + e^x), computed without overflow for large x.
func Softplus(x float32) float32 {
	v := float64(x)
	if v > 20 {
		return x
	}
	if v < -20 {
		return float32(math.Exp(v))
	}
	return float32(math.Log1p(math.Exp(v)))
}

// Strength maps an unconstrained value onto [1, inf) as 1 + softplus(x).
func Strength(x float32) float32 {
	return 1 + Softplus(x)
}

// Sigmoid returns 1 / (1 + e^-x).
func Sigmoid(x float32) float32 {
	v := float64(x)
	if v >= 0 {
		return float32(1 / (1 + math.Exp(-v)))
	}
	e := math.Exp(v)
	return float32(e / (1 + e))
}

// Clamp01 limits x to [0, 1]. NaN maps to 0.
func Clamp01(x float32) float32 {
	if !(x > 0) {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}

// Entropy returns -Σ w*ln(w) over the positive entries of w.
func Entropy(w []float32) float32 {
	var h float64
	for _, v := range w {
		if v > 0 {
			p := float64(v)
			h -= p * math.Log(p)
		}
	}
	return float32(h)
}

// Sum returns Σ x[i].
func Sum(x []float32) float32 {
	var s float32
	for _, v := range x {
		s += v
	}
	return s
}

// FirstNonFinite returns the index of the first NaN or ±Inf in x, or -1.
func FirstNonFinite(x []float32) int {
	for i, v := range x {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return i
		}
	}
	return -1
}
