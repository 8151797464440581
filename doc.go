// Package dnc implements the external memory of a differentiable neural
// computer: an N×M memory matrix read and written through soft attention
// heads that address by content, by free space and by the order of past
// writes.
//
// # Architecture Overview
//
// Each engine step takes a controller output and a flat interface vector,
// updates memory and returns the controller output concatenated with the
// read vectors.
//
//   - Write head: mixes content lookup with allocation of the least used
//     locations, then erases and writes the selected rows
//   - Usage: tracks which locations hold live data and frees what the
//     read heads have finished with
//   - Temporal linkage: an N×N link matrix recording the order of writes
//   - Read heads: mix content lookup with forward and backward traversal
//     of the link matrix
//
// # Performance Characteristics
//
//   - Zero-allocation stepping: every buffer lives in a per-engine arena
//     planned at construction
//   - Swappable kernels: a reference scalar backend and an unrolled one
//   - Double-buffered read weights: a step reads the previous weights while
//     producing the new ones
//   - Independent engines: a pool steps many agents on a fixed worker set
//
// # Basic Usage
//
//	engine, err := runtime.NewEngine(runtime.Config{
//	    Locations:            128,
//	    VectorSize:           32,
//	    ReadHeads:            4,
//	    ControllerOutputSize: 64,
//	}, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	out := engine.Step(controllerOut, iface)
//
// # Package Structure
//
//   - core: double buffers, alignment helpers and the binary frame format
//   - kernels: vector and matrix kernels behind the Backend interface
//   - memory: the memory matrix, addressing, usage, linkage and heads
//   - runtime: the engine, its arena, state snapshots and the agent pool
//   - config: YAML and environment configuration, logging setup
//   - snapshot: SQLite persistence of engine states
//   - telemetry: OpenTelemetry span export to slog
//   - cmd/dnc: command-line tool (run, perf, layout, snapshots)
package dnc
