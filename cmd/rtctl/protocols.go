package main

import (
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"litmusrt/pkg/litmus"
)

func newProtocolsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "protocols [name|id]...",
		Short: "List lock protocols, or translate names and ids",
		RunE: func(cmd *cobra.Command, args []string) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			defer w.Flush()
			if len(args) == 0 {
				fmt.Fprintln(w, "ID\tNAME")
				for _, p := range litmus.Protocols() {
					fmt.Fprintf(w, "%d\t%s\n", p.ID, p.Name)
				}
				return nil
			}
			for _, a := range args {
				if id, err := strconv.Atoi(a); err == nil {
					name := litmus.NameForLockProtocol(id)
					if name == "" {
						return fmt.Errorf("unknown protocol id %d", id)
					}
					fmt.Fprintf(w, "%d\t%s\n", id, name)
					continue
				}
				name := strings.ToUpper(a)
				id := litmus.LockProtocolForName(name)
				if id < 0 {
					return fmt.Errorf("unknown protocol %q", a)
				}
				fmt.Fprintf(w, "%d\t%s\n", id, name)
			}
			return nil
		},
	}
}
