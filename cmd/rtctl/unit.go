package main

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"litmusrt/pkg/systemdmanager"
)

type unitController interface {
	Status(ctx context.Context, unit string) (*systemdmanager.UnitStatus, error)
	Start(ctx context.Context, unit string) error
	Stop(ctx context.Context, unit string) error
	Restart(ctx context.Context, unit string) error
	Close() error
}

// newUnitController is swapped in tests.
var newUnitController = func(ctx context.Context) (unitController, error) {
	return systemdmanager.New(ctx)
}

func newUnitCmd() *cobra.Command {
	var (
		unit    string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "unit",
		Short: "Control the systemd unit that runs rtctl",
	}
	cmd.PersistentFlags().StringVarP(&unit, "unit", "u", systemdmanager.DefaultUnit, "systemd unit name")
	cmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "how long to wait for systemd")

	withUnit := func(fn func(ctx context.Context, m unitController) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			m, err := newUnitController(ctx)
			if err != nil {
				return err
			}
			defer m.Close()
			return fn(ctx, m)
		}
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Show the unit state",
		Args:  cobra.NoArgs,
	}
	status.RunE = withUnit(func(ctx context.Context, m unitController) error {
		st, err := m.Status(ctx, unit)
		if err != nil {
			return err
		}
		printUnitStatus(status, st)
		return nil
	})
	cmd.AddCommand(status)

	for _, action := range []struct {
		name  string
		short string
		call  func(unitController, context.Context, string) error
	}{
		{"start", "Start the unit", unitController.Start},
		{"stop", "Stop the unit", unitController.Stop},
		{"restart", "Restart the unit", unitController.Restart},
	} {
		action := action
		sub := &cobra.Command{Use: action.name, Short: action.short, Args: cobra.NoArgs}
		sub.RunE = withUnit(func(ctx context.Context, m unitController) error {
			if err := action.call(m, ctx, unit); err != nil {
				return err
			}
			fmt.Fprintf(sub.OutOrStdout(), "%s: %s done\n", systemdmanager.UnitName(unit), action.name)
			return nil
		})
		cmd.AddCommand(sub)
	}
	return cmd
}

func printUnitStatus(cmd *cobra.Command, st *systemdmanager.UnitStatus) {
	out := cmd.OutOrStdout()
	if !st.Found() {
		fmt.Fprintf(out, "%s: not found\n", st.Name)
		return
	}
	fmt.Fprintf(out, "%s: %s (%s)\n", st.Name, st.Active, st.SubState)
	if st.Description != "" {
		fmt.Fprintf(out, "  description: %s\n", st.Description)
	}
	if st.MainPID != 0 {
		fmt.Fprintf(out, "  pid: %d\n", st.MainPID)
	}
	if !st.ActiveSince.IsZero() && st.Active == "active" {
		fmt.Fprintf(out, "  since: %s (%s)\n", st.ActiveSince.Format(time.RFC3339), humanize.Time(st.ActiveSince))
	}
	if st.Memory > 0 {
		fmt.Fprintf(out, "  memory: %s\n", humanize.IBytes(st.Memory))
	}
	if st.Restarts > 0 {
		fmt.Fprintf(out, "  restarts: %d\n", st.Restarts)
	}
}
