package core

import "unsafe"

const (
	// CacheLineSize is a common cache line size, typically 64 bytes.
	// Adjust if targeting specific architectures with different cache line sizes.
	CacheLineSize = 64

	// FloatsPerLine is the number of float32 values that fit one cache line.
	FloatsPerLine = CacheLineSize / 4
)

// IsAligned checks if a pointer (represented as a uintptr) is aligned to a cache line boundary.
func IsAligned(addr uintptr) bool {
	return addr%CacheLineSize == 0
}

// AlignSize rounds size up to the specified power-of-two alignment boundary
func AlignSize(size, align int) int {
	return (size + align - 1) &^ (align - 1)
}

// AlignFloats rounds a float32 count up so the next region starts on a cache line.
func AlignFloats(n int) int {
	return AlignSize(n, FloatsPerLine)
}

// AlignedFloats allocates a zeroed float32 slice whose backing array starts
// on a cache line boundary.
func AlignedFloats(n int) []float32 {
	if n == 0 {
		return nil
	}
	// Allocate extra space to allow for alignment.
	buf := make([]float32, n+FloatsPerLine-1)

	ptr := uintptr(unsafe.Pointer(&buf[0]))
	offset := 0
	if mod := ptr % CacheLineSize; mod != 0 {
		offset = int((CacheLineSize - mod) / 4)
	}
	return buf[offset : offset+n : offset+n]
}

// SliceAligned reports whether the first element of s sits on a cache line boundary.
func SliceAligned(s []float32) bool {
	if len(s) == 0 {
		return true
	}
	return IsAligned(uintptr(unsafe.Pointer(&s[0])))
}
