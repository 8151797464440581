// Package runtime implements the memory engine and the machinery that drives
// it.
//
// An Engine owns one external memory: the matrix, usage, temporal linkage,
// one write head and R read heads. Every buffer is carved out of a private
// Arena at construction, so a step performs no allocation and independent
// engines share no mutable state.
//
// Key components:
//   - Engine: parses the interface vector and runs one step
//   - Layout / Params: interface vector offsets and the parsed parameters
//   - Arena: cache-aligned float32 region allocator backing an engine
//   - State: deep copy of the persistent state, with a binary encoding
//   - Controller / RandomController: producers of interface vectors
//   - Pool: many agents, each with its own engine, stepped in parallel
//
// Step model (one call, always completes):
//  1. Parse the interface vector into write and read parameters
//  2. Write head: content and allocation weighting, erase and write
//  3. Usage update with the new write weights and last step's read weights
//  4. Temporal linkage update with the write weights
//  5. Read heads 0..R-1 against the updated memory and linkage
//  6. Output = controller output followed by the R read vectors
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sbl8/dnc/kernels"
	"github.com/sbl8/dnc/memory"
)

// Config holds the construction parameters of an engine.
type Config struct {
	Locations            int // N
	VectorSize           int // M
	ReadHeads            int // R
	ControllerOutputSize int // length of the controller output passed through to the result
}

// Validate rejects non-positive dimensions with a *ConfigError.
func (c Config) Validate() error {
	fields := []struct {
		name  string
		value int
	}{
		{"locations", c.Locations},
		{"vector_size", c.VectorSize},
		{"read_heads", c.ReadHeads},
		{"controller_output_size", c.ControllerOutputSize},
	}
	for _, f := range fields {
		if f.value <= 0 {
			return &ConfigError{Field: f.name, Value: f.value}
		}
	}
	return nil
}

// Layout returns the interface vector layout for c.
func (c Config) Layout() Layout {
	return Layout{VectorSize: c.VectorSize, ReadHeads: c.ReadHeads}
}

// InputSize is the interface vector length.
func (c Config) InputSize() int { return c.Layout().InputSize() }

// OutputSize is the step result length, C + R*M.
func (c Config) OutputSize() int { return c.ControllerOutputSize + c.ReadHeads*c.VectorSize }

// arenaPlan lists the size of every buffer an engine allocates.
func (c Config) arenaPlan() []int {
	n, m, r := c.Locations, c.VectorSize, c.ReadHeads
	sizes := []int{
		n * m,    // memory
		n, n,     // usage, retention
		n * n, n, // link, precedence
		n, n, n,  // write content, allocation, weights
	}
	for h := 0; h < r; h++ {
		sizes = append(sizes, n, n, n, n, n, m) // prev, prop, content, forward, backward, vector
	}
	sizes = append(sizes,
		m, m, m, r*m,               // params: write key, vector, erase, read keys
		r,                          // free gates
		c.ControllerOutputSize+r*m, // output
	)
	return sizes
}

// EngineOptions configures engine behavior
type EngineOptions struct {
	Backend     kernels.Backend // nil selects kernels.Default
	Logger      *slog.Logger    // nil discards
	EnableStats bool            // measure step latency
}

// DefaultEngineOptions provides sensible runtime defaults
func DefaultEngineOptions() EngineOptions {
	return EngineOptions{
		Backend:     kernels.Default(),
		EnableStats: false,
	}
}

// ExecutionStats tracks runtime counters.
type ExecutionStats struct {
	Steps          uint64
	MemoryWrites   uint64 // steps whose write touched at least one row
	MemoryReads    uint64 // read head reads
	TotalLatency   time.Duration
	AverageLatency time.Duration
	ArenaBytes     int
}

// Engine is one external memory with its heads. It is not safe for
// concurrent use; steps on one engine must be sequential.
type Engine struct {
	cfg    Config
	layout Layout
	opts   EngineOptions
	log    *slog.Logger

	arena  *Arena
	mem    *memory.Matrix
	usage  *memory.UsageTracker
	link   *memory.TemporalLinkage
	write  *memory.WriteHead
	reads  []*memory.ReadHead
	params *Params

	prevReads [][]float32 // views of every head's previous weights
	freeGates []float32
	output    []float32

	steps   uint64
	latency time.Duration
}

// NewEngine validates cfg and allocates an engine in its canonical empty
// state. A nil opts selects DefaultEngineOptions.
func NewEngine(cfg Config, opts *EngineOptions) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	engineOpts := DefaultEngineOptions()
	if opts != nil {
		engineOpts = *opts
	}
	if engineOpts.Backend == nil {
		engineOpts.Backend = kernels.Default()
	}
	logger := engineOpts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	arena, err := NewArena(ArenaSize(cfg.arenaPlan()...))
	if err != nil {
		return nil, fmt.Errorf("engine arena: %w", err)
	}

	e := &Engine{
		cfg:       cfg,
		layout:    cfg.Layout(),
		opts:      engineOpts,
		log:       logger,
		arena:     arena,
		reads:     make([]*memory.ReadHead, cfg.ReadHeads),
		prevReads: make([][]float32, cfg.ReadHeads),
	}
	if err := e.allocate(); err != nil {
		return nil, err
	}

	e.log.Debug("engine created",
		"locations", cfg.Locations,
		"vector_size", cfg.VectorSize,
		"read_heads", cfg.ReadHeads,
		"backend", engineOpts.Backend.Name(),
		"arena_bytes", arena.Bytes())
	return e, nil
}

func (e *Engine) allocate() error {
	n, m := e.cfg.Locations, e.cfg.VectorSize
	be := e.opts.Backend
	var err error

	if e.mem, err = memory.NewMatrix(n, m, e.arena, be); err != nil {
		return err
	}
	if e.usage, err = memory.NewUsageTracker(n, e.arena); err != nil {
		return err
	}
	if e.link, err = memory.NewTemporalLinkage(n, e.arena, be); err != nil {
		return err
	}
	if e.write, err = memory.NewWriteHead(n, e.arena, be); err != nil {
		return err
	}
	for h := range e.reads {
		if e.reads[h], err = memory.NewReadHead(fmt.Sprintf("read%d", h), n, m, e.arena, be); err != nil {
			return err
		}
	}
	if e.params, err = NewParams(e.layout, e.arena); err != nil {
		return err
	}
	if e.freeGates, err = e.arena.Allocate("free_gates", e.cfg.ReadHeads); err != nil {
		return err
	}
	if e.output, err = e.arena.Allocate("output", e.cfg.OutputSize()); err != nil {
		return err
	}
	return nil
}

// Step parses iface, runs one step and returns controllerOut followed by
// the R read vectors. The result is reused by the next call. Inputs of the
// wrong length panic; use ValidateInput to check untrusted input first.
func (e *Engine) Step(controllerOut, iface []float32) []float32 {
	e.layout.Parse(iface, e.params)
	return e.step(controllerOut, e.params)
}

// StepParams runs one step with already-parsed parameters. p is sanitized in
// place (see Params.Sanitize) and must have one ReadParams per read head.
func (e *Engine) StepParams(controllerOut []float32, p *Params) []float32 {
	if len(p.Read) != len(e.reads) {
		panic("engine: one read parameter set per read head required")
	}
	p.Sanitize()
	return e.step(controllerOut, p)
}

func (e *Engine) step(controllerOut []float32, p *Params) []float32 {
	if len(controllerOut) != e.cfg.ControllerOutputSize {
		panic("engine: controller output length mismatch")
	}
	var start time.Time
	if e.opts.EnableStats {
		start = time.Now()
	}

	w := e.write.Step(e.mem, e.usage, &p.Write)

	// Usage sees the read weights of the previous step.
	for h, rh := range e.reads {
		e.prevReads[h] = rh.PrevWeights()
		e.freeGates[h] = p.Read[h].FreeGate
	}
	e.usage.Update(w, e.prevReads, e.freeGates)
	e.link.Update(w)

	copy(e.output, controllerOut)
	off := e.cfg.ControllerOutputSize
	for h, rh := range e.reads {
		copy(e.output[off:off+e.cfg.VectorSize], rh.Step(e.mem, e.link, &p.Read[h]))
		off += e.cfg.VectorSize
	}

	e.steps++
	if e.opts.EnableStats {
		e.latency += time.Since(start)
	}
	return e.output
}

// ValidateInput reports inputs Step must not be given: wrong lengths wrap
// ErrInputSize, NaN or infinite values wrap ErrNonFinite.
func (e *Engine) ValidateInput(controllerOut, iface []float32) error {
	if len(controllerOut) != e.cfg.ControllerOutputSize {
		return fmt.Errorf("%w: controller output has %d values, want %d",
			ErrInputSize, len(controllerOut), e.cfg.ControllerOutputSize)
	}
	if len(iface) != e.layout.InputSize() {
		return fmt.Errorf("%w: interface vector has %d values, want %d",
			ErrInputSize, len(iface), e.layout.InputSize())
	}
	if i := kernels.FirstNonFinite(controllerOut); i >= 0 {
		return nonFinite("controller output", i)
	}
	if i := kernels.FirstNonFinite(iface); i >= 0 {
		return nonFinite("interface", i)
	}
	return nil
}

// Reset returns the engine to its canonical empty state: memory, usage,
// link, precedence, write history and every read head's previous weights
// are zero. Every buffer lives in the arena, so clearing the arena clears
// them all along with the step scratch.
func (e *Engine) Reset() {
	e.arena.Zero()
	e.params.resetScalars()
	e.mem.SetCounters(0, 0)
	e.link.ClearHistory()
	e.steps = 0
	e.latency = 0
	e.log.Debug("engine reset", "arena_used", e.arena.UsedSize())
}

// Config returns the construction parameters.
func (e *Engine) Config() Config { return e.cfg }

// Layout returns the interface vector layout.
func (e *Engine) Layout() Layout { return e.layout }

// Backend returns the kernel backend in use.
func (e *Engine) Backend() kernels.Backend { return e.opts.Backend }

// Memory returns the row-major N×M memory. The slice aliases the engine.
func (e *Engine) Memory() []float32 { return e.mem.Data() }

// Usage returns the usage vector. The slice aliases the engine.
func (e *Engine) Usage() []float32 { return e.usage.Usage() }

// Link returns the row-major N×N link matrix. The slice aliases the engine.
func (e *Engine) Link() []float32 { return e.link.Link() }

// Precedence returns the precedence vector. The slice aliases the engine.
func (e *Engine) Precedence() []float32 { return e.link.Precedence() }

// ReadWeights returns the last read weights of head h.
func (e *Engine) ReadWeights(h int) []float32 { return e.reads[h].PrevWeights() }

// WriteWeights returns the write weights of the last step.
func (e *Engine) WriteWeights() []float32 { return e.write.Weights() }

// WriteOrder returns the recorded write history, oldest first.
func (e *Engine) WriteOrder() []int { return e.link.WriteOrder() }

// Analyze summarises the memory state.
func (e *Engine) Analyze() memory.Analysis {
	return memory.Analyze(e.usage, e.link, e.reads)
}

// Stats returns current execution statistics
func (e *Engine) Stats() ExecutionStats {
	writes, reads := e.mem.Counters()
	s := ExecutionStats{
		Steps:        e.steps,
		MemoryWrites: writes,
		MemoryReads:  reads,
		TotalLatency: e.latency,
		ArenaBytes:   e.arena.Bytes(),
	}
	if e.steps > 0 && e.opts.EnableStats {
		s.AverageLatency = e.latency / time.Duration(e.steps)
	}
	return s
}

// ArenaRegions returns the engine's arena plan in allocation order.
func (e *Engine) ArenaRegions() []ArenaRegion {
	return e.arena.Regions()
}

// ArenaBytes returns the arena size in bytes
func (e *Engine) ArenaBytes() int {
	return e.arena.Bytes()
}

// ArenaUsage returns the floats the arena has handed out, alignment padding
// included, and the floats still free.
func (e *Engine) ArenaUsage() (used, free int) {
	return e.arena.UsedSize(), e.arena.RemainingSize()
}

// Run drives the engine with c for the given number of steps, feeding each
// step's read vectors back to the controller. It stops early when ctx is
// done and returns the last output.
func (e *Engine) Run(ctx context.Context, c Controller, steps int) ([]float32, error) {
	ctrl := make([]float32, e.cfg.ControllerOutputSize)
	iface := make([]float32, e.layout.InputSize())
	reads := make([]float32, e.cfg.ReadHeads*e.cfg.VectorSize)
	var out []float32
	for i := 0; i < steps; i++ {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		c.Forward(reads, ctrl, iface)
		out = e.Step(ctrl, iface)
		copy(reads, out[e.cfg.ControllerOutputSize:])
	}
	return out, nil
}
