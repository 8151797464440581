package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sbl8/dnc/config"
	"github.com/sbl8/dnc/runtime"
	"github.com/sbl8/dnc/snapshot"
	"github.com/sbl8/dnc/telemetry"
)

var (
	runTicks   int
	runAgents  int
	runWorkers int
	runSeed    int64
	runSave    bool
	runResume  bool
	runLabel   string
	runTrace   bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Step a pool of randomly driven agents",
	Long: "run builds one engine per agent, drives each with a seeded random controller " +
		"and steps the whole pool for the requested number of ticks. With --resume each " +
		"agent starts from its latest snapshot; with --save the final states are stored.",
	RunE: runRun,
}

func init() {
	f := runCmd.Flags()
	f.IntVarP(&runTicks, "ticks", "n", 100, "number of pool ticks")
	f.IntVar(&runAgents, "agents", 0, "number of agents (overrides config)")
	f.IntVar(&runWorkers, "workers", 0, "worker goroutines (overrides config)")
	f.Int64Var(&runSeed, "seed", 0, "controller seed (overrides config)")
	f.BoolVar(&runSave, "save", false, "store every agent's final state")
	f.BoolVar(&runResume, "resume", false, "restore every agent from its latest snapshot")
	f.StringVar(&runLabel, "label", "", "label attached to saved snapshots")
	f.BoolVar(&runTrace, "trace", false, "log a span for every tick")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("agents") {
		cfg.Pool.Agents = runAgents
	}
	if cmd.Flags().Changed("workers") {
		cfg.Pool.Workers = runWorkers
	}
	if cmd.Flags().Changed("seed") {
		cfg.Pool.Seed = runSeed
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if runTicks < 0 {
		return fmt.Errorf("--ticks must not be negative, got %d", runTicks)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	agents, err := buildAgents(cfg, logger)
	if err != nil {
		return err
	}

	var db *snapshot.DB
	if runSave || runResume {
		path, err := cfg.StorePath()
		if err != nil {
			return err
		}
		db, err = snapshot.Open(path)
		if err != nil {
			return fmt.Errorf("open snapshot store: %w", err)
		}
		defer db.Close()
		logger.Debug("snapshot store opened", "path", path)
	}
	if runResume {
		if err := resumeAgents(ctx, db, agents, logger); err != nil {
			return err
		}
	}

	poolOpts := runtime.PoolOptions{Workers: cfg.Pool.Workers, Logger: logger}
	if runTrace {
		tp := telemetry.NewTracerProvider(telemetry.NewLogExporter(logger, slog.LevelInfo))
		defer func() { _ = tp.Shutdown(context.Background()) }()
		poolOpts.Tracer = tp.Tracer("github.com/sbl8/dnc/cmd/dnc")
	}
	pool, err := runtime.NewPool(agents, poolOpts)
	if err != nil {
		return err
	}

	logger.Info("running pool",
		"agents", len(agents),
		"workers", pool.Workers(),
		"ticks", runTicks,
		"locations", cfg.Engine.Locations,
		"vector_size", cfg.Engine.VectorSize,
		"read_heads", cfg.Engine.ReadHeads,
		"backend", agents[0].Engine.Backend().Name())

	start := time.Now()
	runErr := pool.Run(ctx, runTicks)
	elapsed := time.Since(start)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	if runErr != nil {
		// Ticks are atomic, so every agent stops at the same step.
		logger.Warn("run interrupted", "completed_ticks", pool.Ticks(),
			"steps", agents[0].Engine.Stats().Steps)
	}

	printSummary(cmd, pool, elapsed)

	if runSave {
		// The run context may already be cancelled; saving still proceeds.
		if err := saveAgents(context.Background(), db, agents, runLabel, logger); err != nil {
			return err
		}
	}
	return nil
}

func agentName(i int) string {
	return fmt.Sprintf("agent-%03d", i)
}

func buildAgents(cfg config.Config, logger *slog.Logger) ([]*runtime.Agent, error) {
	opts, err := cfg.EngineOptions()
	if err != nil {
		return nil, err
	}
	opts.Logger = logger
	opts.EnableStats = true

	ecfg := cfg.EngineConfig()
	agents := make([]*runtime.Agent, cfg.Pool.Agents)
	for i := range agents {
		c := runtime.NewRandomController(ecfg, cfg.Pool.Seed+int64(i), cfg.Pool.GateBias)
		a, err := runtime.NewAgent(agentName(i), ecfg, &opts, c)
		if err != nil {
			return nil, err
		}
		agents[i] = a
	}
	return agents, nil
}

func resumeAgents(ctx context.Context, db *snapshot.DB, agents []*runtime.Agent, logger *slog.Logger) error {
	restored := 0
	for _, a := range agents {
		s, info, err := db.Latest(ctx, a.Name)
		if errors.Is(err, snapshot.ErrNotFound) {
			logger.Debug("no snapshot to resume", "agent", a.Name)
			continue
		}
		if err != nil {
			return fmt.Errorf("resume %s: %w", a.Name, err)
		}
		if err := a.Engine.Restore(s); err != nil {
			return fmt.Errorf("resume %s from %s: %w", a.Name, info.ID, err)
		}
		restored++
		logger.Debug("agent resumed", "agent", a.Name, "snapshot", info.ID, "steps", info.Steps)
	}
	logger.Info("resumed agents", "restored", restored, "total", len(agents))
	return nil
}

func saveAgents(ctx context.Context, db *snapshot.DB, agents []*runtime.Agent, label string, logger *slog.Logger) error {
	for _, a := range agents {
		info, err := db.Save(ctx, a.Name, label, a.Engine.Snapshot())
		if err != nil {
			return fmt.Errorf("save %s: %w", a.Name, err)
		}
		logger.Debug("agent saved", "agent", a.Name, "snapshot", info.ID, "bytes", info.Bytes)
	}
	logger.Info("saved snapshots", "agents", len(agents), "label", label)
	return nil
}

func printSummary(cmd *cobra.Command, pool *runtime.Pool, elapsed time.Duration) {
	out := cmd.OutOrStdout()
	agents := pool.Agents()

	var steps, writes uint64
	var usage, frag, entropy float64
	free := 0
	for _, a := range agents {
		st := a.Engine.Stats()
		steps += st.Steps
		writes += st.MemoryWrites
		an := a.Engine.Analyze()
		usage += float64(an.AverageUsage)
		frag += float64(an.Fragmentation)
		free += an.FreeSlots
		var h float64
		for _, e := range an.ReadEntropy {
			h += float64(e)
		}
		if len(an.ReadEntropy) > 0 {
			entropy += h / float64(len(an.ReadEntropy))
		}
	}
	n := float64(len(agents))

	fmt.Fprintf(out, "ticks:           %d\n", pool.Ticks())
	fmt.Fprintf(out, "agents:          %d (%d workers)\n", len(agents), pool.Workers())
	fmt.Fprintf(out, "elapsed:         %v\n", elapsed.Round(time.Microsecond))
	if elapsed > 0 {
		fmt.Fprintf(out, "steps/s:         %.0f\n", float64(steps)/elapsed.Seconds())
	}
	fmt.Fprintf(out, "writing steps:   %d of %d\n", writes, steps)
	fmt.Fprintf(out, "avg usage:       %.4f\n", usage/n)
	fmt.Fprintf(out, "fragmentation:   %.4f\n", frag/n)
	fmt.Fprintf(out, "free slots:      %.1f per agent\n", float64(free)/n)
	fmt.Fprintf(out, "read entropy:    %.4f\n", entropy/n)
}
