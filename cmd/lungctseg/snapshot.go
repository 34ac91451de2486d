package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"lungctsegmenter/pkg/nifti"
	"lungctsegmenter/pkg/segmentation"
	"lungctsegmenter/pkg/visualization"
)

// labelPalette colors label n+1 of a label map with labelPalette[n].
var labelPalette = []segmentation.Color{
	segmentation.ColorRightLung,
	segmentation.ColorLeftLung,
	segmentation.ColorTrachea,
	segmentation.ColorUpperLobe,
	segmentation.ColorMiddleLobe,
	segmentation.ColorLowerLobe,
	segmentation.ColorVessel,
	segmentation.ColorPulmonaryArtery,
	segmentation.ColorUnknown,
}

func snapshotCmd() *cobra.Command {
	var (
		input  string
		mask   string
		outDir string
		axis   string
		step   int
	)

	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Render JPEG slices of a CT volume with a label map overlay",
		RunE: func(cmd *cobra.Command, args []string) error {
			vol, err := nifti.ReadVolume(input)
			if err != nil {
				return err
			}
			viewer := visualization.NewViewer(vol)

			if mask != "" {
				m, err := nifti.ReadMask(mask)
				if err != nil {
					return err
				}
				if err := viewer.AddLabelMap(m, labelPalette); err != nil {
					return err
				}
			}

			var files []string
			if axis == "" {
				files, err = viewer.SaveCenterSlices(outDir)
			} else {
				files, err = viewer.SaveSliceSequence(axis, outDir, step)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %d slices to %s\n", color.GreenString("Wrote"), len(files), outDir)
			return nil
		},
	}

	cmd.Flags().StringVarP(&input, "input", "i", "", "Input CT volume")
	cmd.Flags().StringVarP(&mask, "mask", "m", "", "Label map or binary mask to overlay")
	cmd.Flags().StringVarP(&outDir, "out", "o", "snapshots", "Output directory")
	cmd.Flags().StringVar(&axis, "axis", "", "Write every slice along x, y or z instead of the center slices")
	cmd.Flags().IntVar(&step, "step", 1, "Slice step for --axis")
	_ = cmd.MarkFlagRequired("input")

	return cmd
}
