package runtime

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sbl8/dnc/kernels"
	"github.com/sbl8/dnc/memory"
)

func newEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	e, err := NewEngine(cfg, nil)
	require.NoError(t, err)
	return e
}

func newParams(t *testing.T, e *Engine) *Params {
	t.Helper()
	p, err := NewParams(e.Layout(), memory.Heap())
	require.NoError(t, err)
	return p
}

func TestNewEngineRejectsInvalidConfig(t *testing.T) {
	t.Parallel()
	valid := Config{Locations: 4, VectorSize: 2, ReadHeads: 1, ControllerOutputSize: 1}
	tests := []struct {
		name  string
		mod   func(*Config)
		field string
	}{
		{"no locations", func(c *Config) { c.Locations = 0 }, "locations"},
		{"no vector", func(c *Config) { c.VectorSize = 0 }, "vector_size"},
		{"no read heads", func(c *Config) { c.ReadHeads = 0 }, "read_heads"},
		{"negative locations", func(c *Config) { c.Locations = -3 }, "locations"},
		{"no controller output", func(c *Config) { c.ControllerOutputSize = 0 }, "controller_output_size"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mod(&cfg)
			e, err := NewEngine(cfg, nil)
			require.Error(t, err)
			assert.Nil(t, e)
			assert.ErrorIs(t, err, ErrInvalidConfig)

			var cerr *ConfigError
			require.ErrorAs(t, err, &cerr)
			assert.Equal(t, tt.field, cerr.Field)
		})
	}

	e, err := NewEngine(valid, &EngineOptions{})
	require.NoError(t, err)
	assert.Equal(t, kernels.Default().Name(), e.Backend().Name())
}

func TestEngineSizes(t *testing.T) {
	t.Parallel()
	cfg := Config{Locations: 16, VectorSize: 6, ReadHeads: 3, ControllerOutputSize: 10}
	e := newEngine(t, cfg)

	assert.Equal(t, 3*(6+5)+3*6+4, cfg.InputSize())
	assert.Equal(t, 10+3*6, cfg.OutputSize())

	out := e.Step(make([]float32, 10), make([]float32, cfg.InputSize()))
	assert.Len(t, out, cfg.OutputSize())
	assert.Len(t, e.Memory(), 16*6)
	assert.Len(t, e.Link(), 16*16)
}

// The N=4, M=2, R=1 scenario with exact parameters.
func TestEngineWriteThenRead(t *testing.T) {
	t.Parallel()
	e := newEngine(t, Config{Locations: 4, VectorSize: 2, ReadHeads: 1, ControllerOutputSize: 1})
	p := newParams(t, e)

	p.Write.Strength = 1
	p.Write.AllocationGate = 1
	p.Write.WriteStrength = 1
	copy(p.Write.Vector, []float32{1, 0})
	copy(p.Write.Erase, []float32{1, 1})
	p.Read[0].Strength = 1
	p.Read[0].Gates = [3]float32{1, 0, 0}

	e.StepParams([]float32{0.5}, p)
	mem := e.Memory()
	assert.Equal(t, []float32{1, 0}, mem[0:2])
	for i := 2; i < len(mem); i++ {
		assert.Zero(t, mem[i], "memory[%d]", i)
	}
	assert.Equal(t, []float32{1, 0, 0, 0}, e.WriteWeights())
	assert.InDelta(t, 1, e.Usage()[0], 1e-6)

	// Read back by content without writing.
	p.Write.WriteStrength = 0
	copy(p.Read[0].Key, []float32{1, 0})
	p.Read[0].Strength = 100

	out := e.StepParams([]float32{0.5}, p)
	require.Len(t, out, 3)
	assert.Equal(t, float32(0.5), out[0])
	assert.InDeltaSlice(t, []float32{1, 0}, out[1:], 1e-4)
	assert.Equal(t, []float32{1, 0}, e.Memory()[0:2], "a zero-weight step must not touch memory")
}

// The same scenario driven through the raw interface vector.
func TestEngineWriteThenReadRaw(t *testing.T) {
	t.Parallel()
	e := newEngine(t, Config{Locations: 4, VectorSize: 2, ReadHeads: 1, ControllerOutputSize: 1})
	iface := make([]float32, e.Layout().InputSize())
	require.Len(t, iface, 17)

	// read head: key[0:2] strength[2] gates[3:6] free[6]
	// write head: key[7:9] strength[9] gates[10:12] write gate[12] vector[13:15] erase[15:17]
	copy(iface[3:7], []float32{30, -30, -30, -30})
	copy(iface[10:17], []float32{-30, 30, 30, 1, 0, 30, 30})
	e.Step([]float32{0}, iface)

	mem := e.Memory()
	assert.InDeltaSlice(t, []float32{1, 0}, mem[0:2], 1e-5)
	assert.InDeltaSlice(t, make([]float32, 6), mem[2:], 1e-5)

	clear(iface)
	copy(iface[0:3], []float32{1, 0, 20})
	copy(iface[3:7], []float32{30, -30, -30, -30})
	iface[12] = -30
	out := e.Step([]float32{0}, iface)
	assert.InDeltaSlice(t, []float32{1, 0}, out[1:], 1e-4)
}

func TestEngineReadHeadsFollowWriteOrder(t *testing.T) {
	t.Parallel()
	e := newEngine(t, Config{Locations: 4, VectorSize: 2, ReadHeads: 2, ControllerOutputSize: 1})
	p := newParams(t, e)
	ctrl := []float32{0}

	values := [][]float32{{1, 0}, {0, 1}, {1, 1}}
	p.Write.AllocationGate = 1
	p.Write.WriteStrength = 1
	copy(p.Write.Erase, []float32{1, 1})
	for h := range p.Read {
		p.Read[h].Gates = [3]float32{1, 0, 0}
	}
	for _, v := range values {
		copy(p.Write.Vector, v)
		e.StepParams(ctrl, p)
	}
	assert.Equal(t, []int{0, 1, 2}, e.WriteOrder())

	// Both heads lock onto location 1 by content.
	p.Write.WriteStrength = 0
	for h := range p.Read {
		copy(p.Read[h].Key, []float32{0, 1})
		p.Read[h].Strength = 200
	}
	e.StepParams(ctrl, p)

	// Head 0 steps forward in time, head 1 backward.
	p.Read[0].Gates = [3]float32{0, 1, 0}
	p.Read[1].Gates = [3]float32{0, 0, 1}
	out := e.StepParams(ctrl, p)
	assert.InDeltaSlice(t, []float32{1, 1}, out[1:3], 1e-3)
	assert.InDeltaSlice(t, []float32{1, 0}, out[3:5], 1e-3)
}

func TestEngineLongEpisodeStability(t *testing.T) {
	t.Parallel()
	steps := 10000
	if testing.Short() {
		steps = 1000
	}
	for _, be := range kernels.Backends() {
		cfg := Config{Locations: 8, VectorSize: 4, ReadHeads: 2, ControllerOutputSize: 3}
		e, err := NewEngine(cfg, &EngineOptions{Backend: be})
		require.NoError(t, err)
		ctrl := NewRandomController(cfg, 42, -2)
		ctrlOut := make([]float32, cfg.ControllerOutputSize)
		iface := make([]float32, cfg.InputSize())
		reads := make([]float32, cfg.ReadHeads*cfg.VectorSize)
		n := cfg.Locations

		for step := 0; step < steps; step++ {
			ctrl.Forward(reads, ctrlOut, iface)
			out := e.Step(ctrlOut, iface)
			copy(reads, out[cfg.ControllerOutputSize:])

			require.Equal(t, -1, kernels.FirstNonFinite(out), "%s step %d: output", be.Name(), step)
			require.Equal(t, -1, kernels.FirstNonFinite(e.Memory()), "%s step %d: memory", be.Name(), step)
			for i, u := range e.Usage() {
				if !(u >= 0 && u <= 1) {
					t.Fatalf("%s step %d: usage[%d] = %v", be.Name(), step, i, u)
				}
			}
			link := e.Link()
			for i := 0; i < n; i++ {
				row := link[i*n : (i+1)*n]
				if row[i] != 0 {
					t.Fatalf("%s step %d: link[%d][%d] = %v", be.Name(), step, i, i, row[i])
				}
				if s := kernels.Sum(row); s > 1+1e-5 || math.IsNaN(float64(s)) {
					t.Fatalf("%s step %d: link row %d sums to %v", be.Name(), step, i, s)
				}
			}
		}
		assert.Equal(t, uint64(steps), e.Stats().Steps)
	}
}

func TestEngineResetIsIdempotent(t *testing.T) {
	t.Parallel()
	cfg := Config{Locations: 6, VectorSize: 3, ReadHeads: 2, ControllerOutputSize: 2}
	fresh := newEngine(t, cfg).Snapshot()

	e := newEngine(t, cfg)
	_, err := e.Run(context.Background(), NewRandomController(cfg, 7, 1), 50)
	require.NoError(t, err)
	require.NotEqual(t, fresh, e.Snapshot())

	e.Reset()
	once := e.Snapshot()
	e.Reset()
	twice := e.Snapshot()

	assert.Equal(t, fresh, once)
	assert.Equal(t, once, twice)
	assert.Zero(t, e.Stats().Steps)
}

func TestEngineSnapshotRestore(t *testing.T) {
	t.Parallel()
	cfg := Config{Locations: 10, VectorSize: 4, ReadHeads: 2, ControllerOutputSize: 3}
	a := newEngine(t, cfg)
	_, err := a.Run(context.Background(), NewRandomController(cfg, 3, 0), 100)
	require.NoError(t, err)

	data, err := a.Snapshot().MarshalBinary()
	require.NoError(t, err)
	var decoded State
	require.NoError(t, decoded.UnmarshalBinary(data))
	assert.Equal(t, a.Snapshot(), decoded)

	b := newEngine(t, cfg)
	require.NoError(t, b.Restore(decoded))
	assert.Equal(t, uint64(100), b.Stats().Steps)

	// Both engines continue identically.
	ca := NewRandomController(cfg, 99, 0)
	cb := NewRandomController(cfg, 99, 0)
	outA, err := a.Run(context.Background(), ca, 20)
	require.NoError(t, err)
	outB, err := b.Run(context.Background(), cb, 20)
	require.NoError(t, err)
	assert.Equal(t, outA, outB)
	assert.Equal(t, a.Snapshot(), b.Snapshot())
	assert.Equal(t, a.Stats().MemoryWrites, b.Stats().MemoryWrites)
	assert.Equal(t, a.Stats().MemoryReads, b.Stats().MemoryReads)
}

func TestEngineRestoreRejectsBadState(t *testing.T) {
	t.Parallel()
	cfg := Config{Locations: 3, VectorSize: 2, ReadHeads: 1, ControllerOutputSize: 1}
	e := newEngine(t, cfg)
	_, err := e.Run(context.Background(), NewRandomController(cfg, 5, 0), 10)
	require.NoError(t, err)
	before := e.Snapshot()

	other := newEngine(t, Config{Locations: 5, VectorSize: 2, ReadHeads: 1, ControllerOutputSize: 1})
	assert.ErrorIs(t, e.Restore(other.Snapshot()), ErrStateMismatch)

	tests := []struct {
		name string
		mod  func(*State)
		want error
	}{
		{"nan memory", func(s *State) { s.Memory[3] = float32(math.NaN()) }, ErrNonFinite},
		{"short usage", func(s *State) { s.Usage = s.Usage[:2] }, ErrStateMismatch},
		{"history index", func(s *State) { s.WriteOrder = []int{7} }, ErrStateMismatch},
		{"missing head", func(s *State) { s.ReadWeights = nil }, ErrStateMismatch},
		{"usage above one", func(s *State) { s.Usage[1] = 1.5 }, ErrInvalidState},
		{"negative link", func(s *State) { s.Link[1] = -0.25 }, ErrInvalidState},
		{"link row mass", func(s *State) { s.Link[1], s.Link[2] = 0.75, 0.75 }, ErrInvalidState},
		{"precedence entry", func(s *State) { s.Precedence[0] = 3 }, ErrInvalidState},
		{"precedence mass", func(s *State) { s.Precedence = []float32{0.5, 0.5, 0.5} }, ErrInvalidState},
		{"read weight entry", func(s *State) { s.ReadWeights[0][0] = -2 }, ErrInvalidState},
		{"read weight mass", func(s *State) { s.ReadWeights[0] = []float32{0.75, 0.75, 0} }, ErrInvalidState},
		{"all out of range", func(s *State) {
			s.Link = []float32{0, 2, 3, -1, 0, 4, 5, 5, 0}
			s.Precedence = []float32{3, 3, 3}
			s.ReadWeights[0] = []float32{-2, 7, 0}
		}, ErrInvalidState},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bad := e.Snapshot()
			tt.mod(&bad)
			assert.ErrorIs(t, bad.Validate(), tt.want)
			assert.ErrorIs(t, e.Restore(bad), tt.want)
			assert.Equal(t, before, e.Snapshot(), "rejected restore must not modify the engine")
		})
	}
	assert.NoError(t, before.Validate())
}

func TestEngineRestoreCarriesCounters(t *testing.T) {
	t.Parallel()
	cfg := Config{Locations: 6, VectorSize: 2, ReadHeads: 2, ControllerOutputSize: 1}
	a := newEngine(t, cfg)
	_, err := a.Run(context.Background(), NewRandomController(cfg, 8, 1), 12)
	require.NoError(t, err)

	b := newEngine(t, cfg)
	require.NoError(t, b.Restore(a.Snapshot()))
	assert.Equal(t, uint64(12), b.Stats().Steps)
	assert.Equal(t, uint64(12), b.Stats().MemoryWrites)
	assert.Equal(t, uint64(24), b.Stats().MemoryReads)
	assert.Zero(t, kernels.Sum(b.WriteWeights()))

	_, err = b.Run(context.Background(), NewRandomController(cfg, 9, 1), 3)
	require.NoError(t, err)
	assert.Equal(t, uint64(15), b.Stats().Steps)
	assert.Equal(t, uint64(15), b.Stats().MemoryWrites)
	assert.Equal(t, uint64(30), b.Stats().MemoryReads)
}

func TestEngineResetClearsArena(t *testing.T) {
	t.Parallel()
	cfg := Config{Locations: 5, VectorSize: 3, ReadHeads: 2, ControllerOutputSize: 2}
	e := newEngine(t, cfg)
	out, err := e.Run(context.Background(), NewRandomController(cfg, 4, 2), 20)
	require.NoError(t, err)
	require.NotZero(t, kernels.Sum(out))

	e.Reset()
	assert.Zero(t, kernels.Sum(e.arena.buffer), "every arena region is cleared")
	assert.Zero(t, kernels.Sum(out), "output aliases the arena")
	assert.Zero(t, e.params.Write.WriteStrength)
	assert.Zero(t, e.params.Read[1].FreeGate)
	assert.Empty(t, e.WriteOrder())
	assert.Zero(t, e.Stats().MemoryWrites)
	assert.Zero(t, e.Stats().MemoryReads)

	used, free := e.ArenaUsage()
	assert.Positive(t, used)
	assert.GreaterOrEqual(t, free, 0)
	assert.Equal(t, e.ArenaBytes(), (used+free)*4)
}

// Sharp content lookups and saturated gates push every write onto a single
// location, which is where float32 rounding used to leak link mass.
func TestEngineSaturatedWritesKeepLinkNormalised(t *testing.T) {
	t.Parallel()
	cfg := Config{Locations: 8, VectorSize: 4, ReadHeads: 2, ControllerOutputSize: 2}
	e := newEngine(t, cfg)
	ctrl := NewRandomController(cfg, 31, 20)
	ctrl.Scale = 100
	ctrlOut := make([]float32, cfg.ControllerOutputSize)
	iface := make([]float32, cfg.InputSize())
	reads := make([]float32, cfg.ReadHeads*cfg.VectorSize)
	n := cfg.Locations

	for step := 0; step < 3000; step++ {
		ctrl.Forward(reads, ctrlOut, iface)
		out := e.Step(ctrlOut, iface)
		copy(reads, out[cfg.ControllerOutputSize:])

		link := e.Link()
		for i := 0; i < n; i++ {
			var sum float64
			for j, v := range link[i*n : (i+1)*n] {
				require.GreaterOrEqual(t, v, float32(0), "step %d: link[%d][%d]", step, i, j)
				sum += float64(v)
			}
			require.LessOrEqual(t, sum, 1.0, "step %d: link row %d", step, i)
		}
		var psum float64
		for _, v := range e.Precedence() {
			require.GreaterOrEqual(t, v, float32(0), "step %d: precedence", step)
			psum += float64(v)
		}
		require.LessOrEqual(t, psum, 1.0, "step %d: precedence", step)
	}
	assert.NoError(t, e.Snapshot().Validate())
}

func TestEngineValidateInput(t *testing.T) {
	t.Parallel()
	cfg := Config{Locations: 4, VectorSize: 2, ReadHeads: 1, ControllerOutputSize: 2}
	e := newEngine(t, cfg)
	ctrl := make([]float32, 2)
	iface := make([]float32, cfg.InputSize())

	assert.NoError(t, e.ValidateInput(ctrl, iface))
	assert.ErrorIs(t, e.ValidateInput(ctrl[:1], iface), ErrInputSize)
	assert.ErrorIs(t, e.ValidateInput(ctrl, iface[1:]), ErrInputSize)

	iface[5] = float32(math.Inf(-1))
	err := e.ValidateInput(ctrl, iface)
	assert.ErrorIs(t, err, ErrNonFinite)
	assert.Contains(t, err.Error(), "interface[5]")

	ctrl[1] = float32(math.NaN())
	assert.ErrorIs(t, e.ValidateInput(ctrl, make([]float32, cfg.InputSize())), ErrNonFinite)
}

func TestEngineDegenerateKeysStayFinite(t *testing.T) {
	t.Parallel()
	e := newEngine(t, Config{Locations: 4, VectorSize: 3, ReadHeads: 1, ControllerOutputSize: 1})
	p := newParams(t, e)
	p.Write.Strength = -5 // clamped
	p.Write.WriteStrength = 1
	copy(p.Write.Vector, []float32{1, 2, 3})
	p.Read[0].Strength = float32(math.Inf(1))
	p.Read[0].Gates = [3]float32{0, 0, 0} // falls back to content

	for i := 0; i < 5; i++ {
		out := e.StepParams([]float32{0}, p)
		require.Equal(t, -1, kernels.FirstNonFinite(out))
	}
	assert.Equal(t, [3]float32{1, 0, 0}, p.Read[0].Gates)
	assert.Zero(t, p.Write.Strength)
}

func TestEnginesShareNoState(t *testing.T) {
	t.Parallel()
	cfg := Config{Locations: 4, VectorSize: 2, ReadHeads: 1, ControllerOutputSize: 1}
	a := newEngine(t, cfg)
	b := newEngine(t, cfg)
	_, err := a.Run(context.Background(), NewRandomController(cfg, 1, 2), 10)
	require.NoError(t, err)

	assert.Zero(t, kernels.Sum(b.Memory()))
	assert.Zero(t, kernels.Sum(b.Usage()))
	assert.NotZero(t, kernels.Sum(a.Usage()))
}

func TestEngineStepDoesNotAllocate(t *testing.T) {
	cfg := Config{Locations: 32, VectorSize: 8, ReadHeads: 2, ControllerOutputSize: 4}
	e := newEngine(t, cfg)
	ctrl := make([]float32, cfg.ControllerOutputSize)
	iface := make([]float32, cfg.InputSize())
	NewRandomController(cfg, 11, 0).Forward(make([]float32, 16), ctrl, iface)

	allocs := testing.AllocsPerRun(100, func() { e.Step(ctrl, iface) })
	assert.Zero(t, allocs)
}

func TestEngineStatsAndAnalysis(t *testing.T) {
	t.Parallel()
	cfg := Config{Locations: 8, VectorSize: 4, ReadHeads: 2, ControllerOutputSize: 1}
	e, err := NewEngine(cfg, &EngineOptions{EnableStats: true})
	require.NoError(t, err)
	_, err = e.Run(context.Background(), NewRandomController(cfg, 21, 3), 25)
	require.NoError(t, err)

	s := e.Stats()
	assert.Equal(t, uint64(25), s.Steps)
	assert.Equal(t, uint64(25), s.MemoryWrites)
	assert.Equal(t, uint64(50), s.MemoryReads)
	assert.Positive(t, s.ArenaBytes)
	assert.LessOrEqual(t, s.AverageLatency, s.TotalLatency)

	a := e.Analyze()
	assert.Len(t, a.ReadEntropy, 2)
	assert.GreaterOrEqual(t, a.AverageUsage, float32(0))
	assert.LessOrEqual(t, a.AverageUsage, float32(1))
	assert.NotEmpty(t, e.WriteOrder())
}

func TestEngineRunStopsOnCancel(t *testing.T) {
	t.Parallel()
	cfg := Config{Locations: 4, VectorSize: 2, ReadHeads: 1, ControllerOutputSize: 1}
	e := newEngine(t, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.Run(ctx, NewRandomController(cfg, 1, 0), 10)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Zero(t, e.Stats().Steps)
}
