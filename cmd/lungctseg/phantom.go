package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"lungctsegmenter/internal/phantom"
	"lungctsegmenter/pkg/nifti"
	"lungctsegmenter/pkg/seeds"
)

func phantomCmd() *cobra.Command {
	var outDir string

	cmd := &cobra.Command{
		Use:   "phantom",
		Short: "Write a synthetic chest CT with matching seed files",
		Long: `Write a synthetic chest CT (two ellipsoid lungs and a trachea) as
ct.nii.gz together with seed files in LungCTSegmenter/, ready for

  lungctseg run --input <out>/ct.nii.gz`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := os.MkdirAll(outDir, 0755); err != nil {
				return fmt.Errorf("failed to create output directory: %w", err)
			}
			path := filepath.Join(outDir, "ct.nii.gz")
			if err := nifti.WriteVolume(path, phantom.ChestCT()); err != nil {
				return err
			}

			st := seeds.NewStore(nil)
			if err := phantom.Place(st); err != nil {
				return err
			}
			dir := seeds.DataDir(path)
			if err := seeds.Save(st, dir); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s %s\n", color.GreenString("Wrote"), path)
			fmt.Fprintf(out, "%s %s\n", color.GreenString("Wrote"), dir)
			return nil
		},
	}

	cmd.Flags().StringVarP(&outDir, "out", "o", ".", "Output directory")
	return cmd
}
