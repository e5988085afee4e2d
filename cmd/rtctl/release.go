package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"litmusrt/internal/release"
	"litmusrt/pkg/litmus"
)

func newReleaseCmd(opts *rootOptions) *cobra.Command {
	var (
		waiters  int
		delay    time.Duration
		schedule string
		timeout  time.Duration
		pollRate int
	)
	cmd := &cobra.Command{
		Use:   "release",
		Short: "Release the task system once enough threads wait for it",
		Long: `Release waits until the given number of task threads block in
wait_for_ts_release, then releases them all with their first job at the
litmus clock plus --delay. With --schedule the release happens at the next
tick of a cron expression ("cron:*/10 * * * * *") or interval ("interval:5s").

Flags override the release section of the config.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			rc := cfg.Release
			f := cmd.Flags()
			if f.Changed("waiters") {
				rc.Waiters = waiters
			}
			if f.Changed("delay") {
				rc.Delay = delay.String()
			}
			if f.Changed("schedule") {
				rc.Schedule = schedule
			}
			if f.Changed("timeout") {
				rc.Timeout = timeout.String()
			}
			if f.Changed("poll-rate") {
				rc.PollRate = pollRate
			}
			ro, err := rc.Options()
			if err != nil {
				return err
			}

			log := opts.logger(cfg)
			client := litmus.New(newKernel(cfg), litmus.WithLogger(log))
			res, err := release.NewCoordinator(client, log).Release(cmd.Context(), ro)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "released %d task(s) (%d waiting) at %s\n",
				res.Released, res.Waiting, res.At.Format(time.RFC3339Nano))
			return nil
		},
	}
	f := cmd.Flags()
	f.IntVarP(&waiters, "waiters", "n", 0, "threads that must wait before releasing")
	f.DurationVarP(&delay, "delay", "d", 0, "offset of the first job release from now")
	f.StringVar(&schedule, "schedule", "", "release at the next tick of a cron or interval schedule")
	f.DurationVar(&timeout, "timeout", 0, "give up after this long (0: wait forever)")
	f.IntVar(&pollRate, "poll-rate", 0, "waiter checks per second (default 10)")
	return cmd
}
