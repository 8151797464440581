package main

import (
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/sbl8/dnc/config"
	"github.com/sbl8/dnc/runtime"
	"github.com/sbl8/dnc/snapshot"
)

var (
	snapAgent string
	snapLabel string
)

var snapshotsCmd = &cobra.Command{
	Use:     "snapshots",
	Aliases: []string{"snap"},
	Short:   "Manage stored engine snapshots",
}

var snapListCmd = &cobra.Command{
	Use:   "list",
	Short: "List snapshots, newest first",
	Args:  cobra.NoArgs,
	RunE: withStore(func(cmd *cobra.Command, _ config.Config, db *snapshot.DB, args []string) error {
		infos, err := db.List(cmd.Context(), snapAgent)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(infos) == 0 {
			fmt.Fprintln(out, "no snapshots")
			return nil
		}
		fmt.Fprintf(out, "%-36s  %-12s  %-10s  %-12s  %10s  %9s  %s\n",
			"ID", "AGENT", "LABEL", "SHAPE", "STEPS", "SIZE", "CREATED")
		for _, info := range infos {
			fmt.Fprintf(out, "%-36s  %-12s  %-10s  %-12s  %10d  %9s  %s\n",
				info.ID, info.Agent, info.Label,
				fmt.Sprintf("%dx%dx%d", info.Locations, info.VectorSize, info.ReadHeads),
				info.Steps, humanize.IBytes(uint64(info.Bytes)), humanize.Time(info.CreatedAt))
		}
		return nil
	}),
}

var snapShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Restore a snapshot into a scratch engine and print its analysis",
	Args:  cobra.ExactArgs(1),
	RunE: withStore(func(cmd *cobra.Command, cfg config.Config, db *snapshot.DB, args []string) error {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid snapshot id: %w", err)
		}
		s, info, err := db.Load(cmd.Context(), id)
		if err != nil {
			return err
		}
		e, err := runtime.NewEngine(runtime.Config{
			Locations:            s.Locations,
			VectorSize:           s.VectorSize,
			ReadHeads:            s.ReadHeads,
			ControllerOutputSize: max(cfg.Engine.ControllerOutputSize, 1),
		}, nil)
		if err != nil {
			return err
		}
		if err := e.Restore(s); err != nil {
			return err
		}
		a := e.Analyze()

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "id:              %s\n", info.ID)
		fmt.Fprintf(out, "agent:           %s\n", info.Agent)
		if info.Label != "" {
			fmt.Fprintf(out, "label:           %s\n", info.Label)
		}
		fmt.Fprintf(out, "created:         %s\n", info.CreatedAt.Local().Format(time.RFC3339))
		fmt.Fprintf(out, "shape:           N=%d M=%d R=%d\n", info.Locations, info.VectorSize, info.ReadHeads)
		fmt.Fprintf(out, "steps:           %d\n", info.Steps)
		fmt.Fprintf(out, "size:            %s\n", humanize.IBytes(uint64(info.Bytes)))
		fmt.Fprintf(out, "avg usage:       %.4f\n", a.AverageUsage)
		fmt.Fprintf(out, "fragmentation:   %.4f\n", a.Fragmentation)
		fmt.Fprintf(out, "most used:       %d\n", a.MostUsed)
		fmt.Fprintf(out, "free slots:      %d\n", a.FreeSlots)
		fmt.Fprintf(out, "oldest write:    %d\n", a.OldestWrite)
		fmt.Fprintf(out, "link mass:       %.4f\n", a.LinkMass)
		for h, ent := range a.ReadEntropy {
			fmt.Fprintf(out, "read %d entropy:  %.4f\n", h, ent)
		}
		return nil
	}),
}

var snapExportCmd = &cobra.Command{
	Use:   "export <id> <file>",
	Short: "Write a snapshot's binary state to a file",
	Args:  cobra.ExactArgs(2),
	RunE: withStore(func(cmd *cobra.Command, _ config.Config, db *snapshot.DB, args []string) error {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid snapshot id: %w", err)
		}
		s, _, err := db.Load(cmd.Context(), id)
		if err != nil {
			return err
		}
		data, err := s.MarshalBinary()
		if err != nil {
			return err
		}
		if err := os.WriteFile(args[1], data, 0644); err != nil {
			return fmt.Errorf("write %s: %w", args[1], err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "exported %s -> %s (%s)\n", id, args[1], humanize.IBytes(uint64(len(data))))
		return nil
	}),
}

var snapImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Store a binary state file as a new snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: withStore(func(cmd *cobra.Command, _ config.Config, db *snapshot.DB, args []string) error {
		if snapAgent == "" {
			return fmt.Errorf("--agent is required")
		}
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("read %s: %w", args[0], err)
		}
		var s runtime.State
		if err := s.UnmarshalBinary(data); err != nil {
			return fmt.Errorf("decode %s: %w", args[0], err)
		}
		if err := s.Validate(); err != nil {
			return fmt.Errorf("import %s: %w", args[0], err)
		}
		info, err := db.Save(cmd.Context(), snapAgent, snapLabel, s)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "imported %s as %s\n", args[0], info.ID)
		return nil
	}),
}

var snapDeleteCmd = &cobra.Command{
	Use:   "delete <id>...",
	Short: "Delete snapshots",
	Args:  cobra.MinimumNArgs(1),
	RunE: withStore(func(cmd *cobra.Command, _ config.Config, db *snapshot.DB, args []string) error {
		for _, arg := range args {
			id, err := uuid.Parse(arg)
			if err != nil {
				return fmt.Errorf("invalid snapshot id %q: %w", arg, err)
			}
			if err := db.Delete(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", id)
		}
		return nil
	}),
}

func init() {
	snapListCmd.Flags().StringVar(&snapAgent, "agent", "", "only list this agent's snapshots")
	snapImportCmd.Flags().StringVar(&snapAgent, "agent", "", "agent the snapshot belongs to")
	snapImportCmd.Flags().StringVar(&snapLabel, "label", "", "snapshot label")

	snapshotsCmd.AddCommand(snapListCmd, snapShowCmd, snapExportCmd, snapImportCmd, snapDeleteCmd)
}

type storeFunc func(cmd *cobra.Command, cfg config.Config, db *snapshot.DB, args []string) error

// withStore loads the config and opens the snapshot database around fn.
func withStore(fn storeFunc) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		path, err := cfg.StorePath()
		if err != nil {
			return err
		}
		db, err := snapshot.Open(path)
		if err != nil {
			return fmt.Errorf("open snapshot store: %w", err)
		}
		defer db.Close()
		logger.Debug("snapshot store opened", "path", path)
		return fn(cmd, cfg, db, args)
	}
}
