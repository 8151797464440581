// Package core provides the low-level building blocks shared by the memory
// engine: cache-aligned float32 storage, double-buffered weight vectors and
// the versioned binary frame used to persist engine state.
//
// Key components:
//   - DualBuffer: previous/proposed float32 buffers swapped once per step
//   - Alignment utilities for cache-friendly layouts
//   - Frame: little-endian binary encoding of dimensions and float sections
//
// A DualBuffer lets a step read the previous step's values while writing the
// new ones, with no copy and no allocation at the step boundary.
package core

import "errors"

// DualBuffer holds the weights of the previous step (Prev) and the weights
// being proposed by the current step (Prop).
type DualBuffer struct {
	Prev []float32 // previous step data
	Prop []float32 // data being produced by the current step
}

// NewDualBuffer wraps two equally sized buffers.
func NewDualBuffer(prev, prop []float32) (DualBuffer, error) {
	d := DualBuffer{Prev: prev, Prop: prop}
	return d, d.Validate()
}

// Validate checks the integrity of the buffer pair
func (d *DualBuffer) Validate() error {
	if len(d.Prev) == 0 && len(d.Prop) == 0 {
		return errors.New("dual buffer is empty")
	}
	if len(d.Prev) != len(d.Prop) {
		return errors.New("dual buffer halves differ in length")
	}
	return nil
}

// Len returns the length of one half.
func (d *DualBuffer) Len() int {
	return len(d.Prev)
}

// Swap exchanges Prev and Prop; the proposal becomes the previous state.
func (d *DualBuffer) Swap() {
	d.Prev, d.Prop = d.Prop, d.Prev
}
