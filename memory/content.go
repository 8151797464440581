package memory

import "github.com/sbl8/dnc/kernels"

// ContentAddressor weights locations by their similarity to a key.
type ContentAddressor struct {
	be kernels.Backend
}

// NewContentAddressor returns an addressor using be, or kernels.Default when
// be is nil.
func NewContentAddressor(be kernels.Backend) ContentAddressor {
	if be == nil {
		be = kernels.Default()
	}
	return ContentAddressor{be: be}
}

// MaxStrength caps the key strength so that scores stay finite.
const MaxStrength = 1e30

// Weights writes softmax(cosine(M[i], key)·beta) into dst, which must have
// one entry per row. A negative or NaN beta is treated as 0 (uniform
// weights) and anything above MaxStrength as MaxStrength.
func (c ContentAddressor) Weights(m *Matrix, key []float32, beta float32, dst []float32) {
	if len(dst) != m.rows {
		panic("content: weights length mismatch")
	}
	beta = clampStrength(beta)
	for i := range dst {
		dst[i] = c.be.Cosine(m.Row(i), key) * beta
	}
	c.be.Softmax(dst)
}

func clampStrength(beta float32) float32 {
	if !(beta > 0) {
		return 0
	}
	return min(beta, MaxStrength)
}
