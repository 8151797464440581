package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/sbl8/dnc/runtime"

// Agent pairs an engine with the controller that drives it.
type Agent struct {
	ID         uuid.UUID
	Name       string
	Engine     *Engine
	Controller Controller

	ctrl  []float32
	iface []float32
	reads []float32
}

// NewAgent builds an agent with a fresh engine.
func NewAgent(name string, cfg Config, opts *EngineOptions, c Controller) (*Agent, error) {
	if c == nil {
		return nil, errors.New("agent controller cannot be nil")
	}
	e, err := NewEngine(cfg, opts)
	if err != nil {
		return nil, fmt.Errorf("agent %s: %w", name, err)
	}
	return &Agent{
		ID:         uuid.New(),
		Name:       name,
		Engine:     e,
		Controller: c,
		ctrl:       make([]float32, cfg.ControllerOutputSize),
		iface:      make([]float32, cfg.InputSize()),
		reads:      make([]float32, cfg.ReadHeads*cfg.VectorSize),
	}, nil
}

// Step advances the agent by one step and returns the engine output.
func (a *Agent) Step() []float32 {
	a.Controller.Forward(a.reads, a.ctrl, a.iface)
	out := a.Engine.Step(a.ctrl, a.iface)
	copy(a.reads, out[len(a.ctrl):])
	return out
}

// Reads returns the read vectors of the last step.
func (a *Agent) Reads() []float32 { return a.reads }

// Reset clears the engine and the fed-back read vectors.
func (a *Agent) Reset() {
	a.Engine.Reset()
	clear(a.reads)
}

// PoolOptions configures a Pool.
type PoolOptions struct {
	Workers int          // <= 0 selects GOMAXPROCS
	Logger  *slog.Logger // nil discards
	Meter   metric.Meter // nil uses the global meter provider
	Tracer  trace.Tracer // nil uses the global tracer provider
}

// Pool steps many agents once per tick on a fixed set of workers. Each agent
// is stepped by exactly one worker per tick, so engines never see concurrent
// calls, and a tick returns only when every agent has stepped.
type Pool struct {
	agents  []*Agent
	byID    map[uuid.UUID]*Agent
	workers int
	log     *slog.Logger
	tracer  trace.Tracer

	stepCounter  metric.Int64Counter
	tickDuration metric.Float64Histogram

	mu    sync.Mutex // serialises ticks
	ticks uint64
}

// NewPool creates a pool over agents.
func NewPool(agents []*Agent, opts PoolOptions) (*Pool, error) {
	if len(agents) == 0 {
		return nil, errors.New("pool requires at least one agent")
	}
	p := &Pool{
		agents:  agents,
		byID:    make(map[uuid.UUID]*Agent, len(agents)),
		workers: opts.Workers,
		log:     opts.Logger,
		tracer:  opts.Tracer,
	}
	for _, a := range agents {
		if _, dup := p.byID[a.ID]; dup {
			return nil, fmt.Errorf("duplicate agent id %s", a.ID)
		}
		p.byID[a.ID] = a
	}
	if p.workers <= 0 {
		p.workers = runtime.GOMAXPROCS(0)
	}
	p.workers = min(p.workers, len(agents))
	if p.log == nil {
		p.log = slog.New(slog.DiscardHandler)
	}
	if p.tracer == nil {
		p.tracer = otel.Tracer(instrumentationName)
	}

	meter := opts.Meter
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	var err error
	p.stepCounter, err = meter.Int64Counter(
		"dnc.pool.steps",
		metric.WithDescription("Number of engine steps performed"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("create step counter: %w", err)
	}
	p.tickDuration, err = meter.Float64Histogram(
		"dnc.pool.tick.duration",
		metric.WithDescription("Wall time of one pool tick in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("create tick histogram: %w", err)
	}
	return p, nil
}

// Agents returns the agents in the order they were given.
func (p *Pool) Agents() []*Agent { return p.agents }

// Agent looks an agent up by ID.
func (p *Pool) Agent(id uuid.UUID) (*Agent, bool) {
	a, ok := p.byID[id]
	return a, ok
}

// Workers returns the number of worker goroutines used per tick.
func (p *Pool) Workers() int { return p.workers }

// Ticks returns the number of completed ticks.
func (p *Pool) Ticks() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ticks
}

// Tick steps every agent once. A tick is all or nothing: when ctx is already
// done no agent is stepped and ctx.Err() is returned, and a tick that has
// started steps every agent even if ctx is cancelled meanwhile, so agents
// always share one step count.
func (p *Pool) Tick(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	ctx, span := p.tracer.Start(ctx, "dnc.pool.tick",
		trace.WithAttributes(attribute.Int("agents", len(p.agents))))
	defer span.End()

	if err := ctx.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.log.Warn("tick skipped", "tick", p.ticks, "agents", len(p.agents), "error", err)
		return err
	}

	start := time.Now()
	jobs := make(chan *Agent)
	var stepped sync.WaitGroup
	for w := 0; w < p.workers; w++ {
		stepped.Add(1)
		go func() {
			defer stepped.Done()
			for a := range jobs {
				a.Step()
			}
		}()
	}
	for _, a := range p.agents {
		jobs <- a
	}
	close(jobs)
	stepped.Wait()

	// ctx may be cancelled by now; the tick's measurements are still recorded.
	mctx := context.WithoutCancel(ctx)
	p.stepCounter.Add(mctx, int64(len(p.agents)))
	elapsed := time.Since(start)
	p.tickDuration.Record(mctx, float64(elapsed.Microseconds())/1000)

	p.ticks++
	p.log.Debug("tick complete", "tick", p.ticks, "agents", len(p.agents), "elapsed", elapsed)
	return nil
}

// Run performs ticks ticks, stopping at the first error.
func (p *Pool) Run(ctx context.Context, ticks int) error {
	for i := 0; i < ticks; i++ {
		if err := p.Tick(ctx); err != nil {
			return fmt.Errorf("tick %d: %w", i, err)
		}
	}
	return nil
}

// Reset resets every agent.
func (p *Pool) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, a := range p.agents {
		a.Reset()
	}
	p.ticks = 0
}
