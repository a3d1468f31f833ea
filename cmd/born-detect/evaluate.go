package main

import (
	"github.com/spf13/cobra"

	"github.com/born-ml/born-detect/internal/coco"
	"github.com/born-ml/born-detect/internal/runner"
)

var (
	flagAnnotations string
	flagResults     string
	flagIoUTypes    []string
)

func newEvaluateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Score a COCO results file against ground-truth annotations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			types := make([]coco.IoUType, 0, len(flagIoUTypes))
			for _, s := range flagIoUTypes {
				t, err := coco.ParseIoUType(s)
				if err != nil {
					return err
				}
				types = append(types, t)
			}
			_, err := runner.EvaluateResults(flagAnnotations, flagResults, types, cmd.OutOrStdout())
			return err
		},
	}
	cmd.Flags().StringVar(&flagAnnotations, "annotations", "", "ground-truth annotation file")
	cmd.Flags().StringVar(&flagResults, "results", "", "results file (JSON array of detections)")
	cmd.Flags().StringSliceVar(&flagIoUTypes, "iou", []string{"bbox"}, "IoU types: bbox, segm, keypoints")
	_ = cmd.MarkFlagRequired("annotations")
	_ = cmd.MarkFlagRequired("results")
	return cmd
}
