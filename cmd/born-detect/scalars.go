package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/born-ml/born-detect/internal/scalar"
)

func newScalarsCmd() *cobra.Command {
	var tag string
	cmd := &cobra.Command{
		Use:   "scalars <event-file>",
		Short: "Print the scalars of an event file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			events, err := scalar.ReadEventFile(args[0])
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "STEP\tTAG\tVALUE")
			for _, ev := range events {
				if ev.Tag == "" || (tag != "" && ev.Tag != tag) {
					continue
				}
				fmt.Fprintf(tw, "%d\t%s\t%g\n", ev.Step, ev.Tag, ev.Value)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&tag, "tag", "", "only print this tag")
	return cmd
}
