package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/born-ml/born-detect/internal/data"
)

func newSynthCmd() *cobra.Command {
	var (
		n, size, classes int
		seed             uint64
	)
	cmd := &cobra.Command{
		Use:   "synth <dir>",
		Short: "Write a synthetic shapes dataset as PNG images and COCO annotations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := data.Synthetic(n, size, classes, seed).WriteCOCO(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d images, annotations: %s\n", n, path)
			return nil
		},
	}
	cmd.Flags().IntVar(&n, "images", 32, "number of images")
	cmd.Flags().IntVar(&size, "size", 64, "image side in pixels")
	cmd.Flags().IntVar(&classes, "classes", 3, "number of shape classes")
	cmd.Flags().Uint64Var(&seed, "seed", 0, "generator seed")
	return cmd
}
