package main

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	goruntime "runtime"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/sbl8/dnc/kernels"
	"github.com/sbl8/dnc/runtime"
)

var (
	perfTest    string
	perfSize    int
	perfIter    int
	perfVerbose bool
)

var perfCmd = &cobra.Command{
	Use:   "perf",
	Short: "Measure kernel backends and engine step throughput",
	RunE:  runPerf,
}

func init() {
	f := perfCmd.Flags()
	f.StringVar(&perfTest, "test", "all", "test type: all, vector, matrix, engine")
	f.IntVar(&perfSize, "size", 1024, "vector length for vector tests")
	f.IntVar(&perfIter, "iter", 1000, "number of iterations")
	f.BoolVar(&perfVerbose, "verbose", false, "print per-backend speedups")
}

func runPerf(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if perfSize <= 0 || perfIter <= 0 {
		return fmt.Errorf("--size and --iter must be positive")
	}
	out := cmd.OutOrStdout()

	fmt.Fprintf(out, "DNC Performance Analysis\n")
	fmt.Fprintf(out, "========================\n")
	fmt.Fprintf(out, "Go Version: %s\n", goruntime.Version())
	fmt.Fprintf(out, "OS/Arch: %s/%s\n", goruntime.GOOS, goruntime.GOARCH)
	fmt.Fprintf(out, "CPUs: %d\n", goruntime.NumCPU())
	fmt.Fprintf(out, "Test Size: %d elements\n", perfSize)
	fmt.Fprintf(out, "Iterations: %d\n", perfIter)
	fmt.Fprintf(out, "Default Backend: %s\n\n", kernels.Default().Name())

	switch perfTest {
	case "all":
		runVectorTests(out)
		runMatrixTests(out)
		return runEngineTests(cmd.Context(), out, cfg.EngineConfig())
	case "vector":
		runVectorTests(out)
	case "matrix":
		runMatrixTests(out)
	case "engine":
		return runEngineTests(cmd.Context(), out, cfg.EngineConfig())
	default:
		return fmt.Errorf("unknown test type: %s", perfTest)
	}
	return nil
}

type perfCase struct {
	name string
	fn   func(be kernels.Backend)
}

// timeBackends runs every case on every backend and prints one line per
// pair. ops is the element count processed per call.
func timeBackends(out io.Writer, cases []perfCase, iter int, ops int) {
	for _, c := range cases {
		var base time.Duration
		for i, be := range kernels.Backends() {
			start := time.Now()
			for j := 0; j < iter; j++ {
				c.fn(be)
			}
			d := time.Since(start)
			if i == 0 {
				base = d
			}
			rate := float64(ops) * float64(iter) / d.Seconds() / 1e6
			fmt.Fprintf(out, "%-12s %-9s %12v (%.2f Mops/s)", c.name, be.Name(), d, rate)
			if perfVerbose && i > 0 && d > 0 {
				fmt.Fprintf(out, "  %.2fx", float64(base)/float64(d))
			}
			fmt.Fprintln(out)
		}
	}
}

func runVectorTests(out io.Writer) {
	fmt.Fprintf(out, "Vector Operations Performance\n")
	fmt.Fprintf(out, "-----------------------------\n")

	rng := rand.New(rand.NewSource(1))
	a := generateFloat32(rng, perfSize)
	b := generateFloat32(rng, perfSize)
	erase := generateFloat32(rng, perfSize)
	for i := range erase {
		erase[i] = erase[i]/200 + 0.5
	}
	work := make([]float32, perfSize)

	var sink float32
	cases := []perfCase{
		{"dot", func(be kernels.Backend) { sink += be.Dot(a, b) }},
		{"cosine", func(be kernels.Backend) { sink += be.Cosine(a, b) }},
		{"softmax", func(be kernels.Backend) {
			copy(work, a)
			be.Softmax(work)
		}},
		{"axpy", func(be kernels.Backend) {
			copy(work, a)
			be.Axpy(0.5, b, work)
		}},
		{"erase-write", func(be kernels.Backend) {
			copy(work, a)
			be.EraseWrite(work, erase, b, 0.3)
		}},
	}
	timeBackends(out, cases, perfIter, perfSize)
	_ = sink
	fmt.Fprintln(out)
}

func runMatrixTests(out io.Writer) {
	fmt.Fprintf(out, "Matrix Operations Performance\n")
	fmt.Fprintf(out, "-----------------------------\n")

	rng := rand.New(rand.NewSource(2))
	shapes := [][2]int{{128, 32}, {256, 64}, {1024, 64}}
	for _, s := range shapes {
		rows, cols := s[0], s[1]
		a := generateFloat32(rng, rows*cols)
		x := generateFloat32(rng, cols)
		xt := generateFloat32(rng, rows)
		y := make([]float32, rows)
		yt := make([]float32, cols)

		cases := []perfCase{
			{fmt.Sprintf("gemv %dx%d", rows, cols), func(be kernels.Backend) { be.Gemv(a, rows, cols, x, y) }},
			{fmt.Sprintf("gemvT %dx%d", rows, cols), func(be kernels.Backend) { be.GemvT(a, rows, cols, xt, yt) }},
		}
		timeBackends(out, cases, max(perfIter/10, 1), rows*cols)
	}
	fmt.Fprintln(out)
}

func runEngineTests(ctx context.Context, out io.Writer, cfg runtime.Config) error {
	fmt.Fprintf(out, "Engine Step Performance\n")
	fmt.Fprintf(out, "-----------------------\n")
	fmt.Fprintf(out, "N=%d M=%d R=%d interface=%d\n", cfg.Locations, cfg.VectorSize, cfg.ReadHeads, cfg.InputSize())

	for _, be := range kernels.Backends() {
		opts := runtime.DefaultEngineOptions()
		opts.Backend = be
		opts.EnableStats = true
		e, err := runtime.NewEngine(cfg, &opts)
		if err != nil {
			return err
		}
		var before goruntime.MemStats
		goruntime.ReadMemStats(&before)
		if _, err := e.Run(ctx, runtime.NewRandomController(cfg, 1, 0), perfIter); err != nil {
			return err
		}
		var after goruntime.MemStats
		goruntime.ReadMemStats(&after)

		st := e.Stats()
		fmt.Fprintf(out, "%-9s %12v per step (%.0f steps/s), arena %s",
			be.Name(), st.AverageLatency, float64(time.Second)/float64(max(st.AverageLatency, 1)),
			humanize.IBytes(uint64(st.ArenaBytes)))
		if perfVerbose {
			fmt.Fprintf(out, ", heap allocated during run %s", humanize.IBytes(after.TotalAlloc-before.TotalAlloc))
		}
		fmt.Fprintln(out)
	}
	fmt.Fprintln(out)
	return nil
}

func generateFloat32(rng *rand.Rand, size int) []float32 {
	data := make([]float32, size)
	for i := range data {
		data[i] = rng.Float32()*200 - 100 // Range: -100 to 100
	}
	return data
}
