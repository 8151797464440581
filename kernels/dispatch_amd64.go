//go:build amd64

package kernels

// useUnrolled selects the unrolled backend by default on AMD64, where the
// four independent accumulators map onto the wide FMA pipelines.
const useUnrolled = true
