package main

import (
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"lungctsegmenter/internal/store"
)

func historyCmd() *cobra.Command {
	var (
		limit  int
		id     string
		remove string
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded segmentation runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := store.New(cfg.Paths.Database)
			if err != nil {
				return err
			}
			defer db.Close()

			repo := store.NewHistoryRepository(db)
			out := cmd.OutOrStdout()
			ctx := cmd.Context()

			switch {
			case remove != "":
				if err := repo.Delete(ctx, remove); err != nil {
					return err
				}
				fmt.Fprintf(out, "%s %s\n", color.GreenString("Deleted"), remove)
				return nil
			case id != "":
				run, err := repo.Get(ctx, id)
				if err != nil {
					return err
				}
				printRun(out, run, true)
				return nil
			}

			runs, err := repo.List(ctx, limit)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Fprintln(out, "No runs recorded.")
				return nil
			}
			for _, run := range runs {
				printRun(out, run, false)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of runs")
	cmd.Flags().StringVar(&id, "id", "", "Show one run with its segments")
	cmd.Flags().StringVar(&remove, "delete", "", "Delete one run")

	return cmd
}

func statusColor(status string) string {
	switch status {
	case store.StatusFinished:
		return color.GreenString(status)
	case store.StatusCancelled:
		return color.YellowString(status)
	}
	return color.RedString(status)
}

func printRun(out io.Writer, run *store.Run, segments bool) {
	fmt.Fprintf(out, "%s  %s  %-9s %-16s %s\n",
		color.CyanString(run.ID),
		run.StartedAt.Format("2006-01-02 15:04:05"),
		statusColor(run.Status),
		run.Mode,
		run.Input)
	if !segments {
		return
	}

	fmt.Fprintf(out, "  detail: %s  seeds: R=%d L=%d T=%d  duration: %v\n",
		run.DetailLevel, run.Seeds[0], run.Seeds[1], run.Seeds[2],
		run.FinishedAt.Sub(run.StartedAt))
	if run.Message != "" {
		fmt.Fprintf(out, "  %s\n", run.Message)
	}
	for _, s := range run.Segments {
		fmt.Fprintf(out, "  %-24s %12d %10.1f cm3\n", s.Name, s.Voxels, s.VolumeCM3)
	}
}
