package main

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"litmusrt/internal/app"
	"litmusrt/internal/storage"
)

func newHistoryCmd(opts *rootOptions) *cobra.Command {
	var (
		runID    string
		limit    int
		listRuns bool
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded runs and jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			st, err := app.OpenStore(cfg, opts.logger(cfg))
			if errors.Is(err, storage.ErrDisabled) {
				return errors.New("storage is disabled in the config; nothing was recorded")
			}
			if err != nil {
				return err
			}
			defer st.Close()

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			defer w.Flush()

			if listRuns {
				runs, err := st.Runs(cmd.Context(), limit)
				if err != nil {
					return err
				}
				fmt.Fprintln(w, "RUN\tSTARTED\tTHREADS\tEXEC/PERIOD\tCLASS\tLOCK")
				for _, r := range runs {
					lock := "-"
					if r.LockProtocol != "" {
						lock = fmt.Sprintf("%s k=%d", r.LockProtocol, r.LockK)
					}
					fmt.Fprintf(w, "%s\t%s\t%d\t%s/%s\t%s\t%s\n",
						r.ID, humanize.Time(r.StartedAt), r.Threads, r.ExecCost, r.Period, r.Class, lock)
				}
				return nil
			}

			jobs, err := st.Jobs(cmd.Context(), runID, limit)
			if err != nil {
				return err
			}
			fmt.Fprintln(w, "RUN\tTID\tJOB\tSLOT\tHOLD\tWHEN\tERROR")
			failed := 0
			for _, j := range jobs {
				slot := "-"
				if j.Slot >= 0 {
					slot = fmt.Sprint(j.Slot)
				}
				if j.Error != "" {
					failed++
				}
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\t%s\n",
					shortID(j.RunID), j.TID, humanize.Comma(int64(j.Job)), slot,
					j.Hold.Round(time.Microsecond), humanize.Time(j.At), j.Error)
			}
			fmt.Fprintf(w, "\n%s job(s), %s failed\n", humanize.Comma(int64(len(jobs))), humanize.Comma(int64(failed)))
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&runID, "run", "", "only jobs of this run id")
	f.IntVarP(&limit, "limit", "n", 20, "most recent entries to show (0: all)")
	f.BoolVar(&listRuns, "runs", false, "list runs instead of jobs")
	return cmd
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
