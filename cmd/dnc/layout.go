package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sbl8/dnc/runtime"
)

var (
	layoutFormat string
	layoutArena  bool
)

var layoutCmd = &cobra.Command{
	Use:   "layout",
	Short: "Describe the interface vector and arena plan of the configured engine",
	RunE:  runLayout,
}

func init() {
	layoutCmd.Flags().StringVarP(&layoutFormat, "format", "f", "text", "output format: text or yaml")
	layoutCmd.Flags().BoolVar(&layoutArena, "arena", false, "include the arena regions")
}

type layoutField struct {
	Name   string `yaml:"name"`
	Offset int    `yaml:"offset"`
	Size   int    `yaml:"size"`
}

type layoutReport struct {
	Locations  int           `yaml:"locations"`
	VectorSize int           `yaml:"vector_size"`
	ReadHeads  int           `yaml:"read_heads"`
	InputSize  int           `yaml:"input_size"`
	OutputSize int           `yaml:"output_size"`
	ArenaBytes int           `yaml:"arena_bytes"`
	ArenaUsed  int           `yaml:"arena_used"`
	ArenaFree  int           `yaml:"arena_free"`
	Interface  []layoutField `yaml:"interface"`
	Arena      []layoutField `yaml:"arena,omitempty"`
}

func runLayout(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ecfg := cfg.EngineConfig()
	opts, err := cfg.EngineOptions()
	if err != nil {
		return err
	}
	e, err := runtime.NewEngine(ecfg, &opts)
	if err != nil {
		return err
	}

	report := layoutReport{
		Locations:  ecfg.Locations,
		VectorSize: ecfg.VectorSize,
		ReadHeads:  ecfg.ReadHeads,
		InputSize:  ecfg.InputSize(),
		OutputSize: ecfg.OutputSize(),
		ArenaBytes: e.ArenaBytes(),
	}
	report.ArenaUsed, report.ArenaFree = e.ArenaUsage()
	for _, f := range e.Layout().Fields() {
		report.Interface = append(report.Interface, layoutField(f))
	}
	if layoutArena {
		for _, r := range e.ArenaRegions() {
			report.Arena = append(report.Arena, layoutField{Name: r.Name, Offset: r.Offset, Size: r.Size})
		}
	}

	out := cmd.OutOrStdout()
	switch layoutFormat {
	case "yaml":
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(report); err != nil {
			return err
		}
		return enc.Close()
	case "text":
	default:
		return fmt.Errorf("unknown format %q", layoutFormat)
	}

	fmt.Fprintf(out, "engine: N=%d M=%d R=%d\n", report.Locations, report.VectorSize, report.ReadHeads)
	fmt.Fprintf(out, "interface: %d values, output: %d values\n", report.InputSize, report.OutputSize)
	fmt.Fprintf(out, "arena: %s, %d floats used, %d free\n\n",
		humanize.IBytes(uint64(report.ArenaBytes)), report.ArenaUsed, report.ArenaFree)
	fmt.Fprintf(out, "%-20s %8s %6s\n", "FIELD", "OFFSET", "SIZE")
	for _, f := range report.Interface {
		fmt.Fprintf(out, "%-20s %8d %6d\n", f.Name, f.Offset, f.Size)
	}
	if layoutArena {
		fmt.Fprintf(out, "\n%-20s %8s %6s\n", "REGION", "OFFSET", "SIZE")
		for _, r := range report.Arena {
			fmt.Fprintf(out, "%-20s %8d %6d\n", r.Name, r.Offset, r.Size)
		}
	}
	return nil
}
