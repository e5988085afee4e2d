package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"litmusrt/pkg/litmus"
)

func newClockCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "clock",
		Short: "Print the litmus clock and the number of release waiters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			client := litmus.New(newKernel(cfg), litmus.WithLogger(opts.logger(cfg)))
			now := client.Clock()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "clock: %s ns (%s)\n", humanize.Comma(int64(now)), now)
			n, err := client.NrTSReleaseWaiters()
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "release waiters: %d\n", n)
			return nil
		},
	}
}
