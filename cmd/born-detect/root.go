package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var cfgFile string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "born-detect",
		Short:         "Train and evaluate instance segmentation models",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path (defaults apply when empty)")
	root.AddCommand(newTrainCmd())
	root.AddCommand(newEvaluateCmd())
	root.AddCommand(newSynthCmd())
	root.AddCommand(newScalarsCmd())
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "born-detect %s\n", version)
		},
	})
	return root
}
