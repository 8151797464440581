//go:build !amd64

package kernels

// useUnrolled indicates whether Default selects the unrolled backend (disabled for non-AMD64)
const useUnrolled = false
