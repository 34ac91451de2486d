package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/mdobak/go-xerrors"
	"github.com/spf13/cobra"

	"lungctsegmenter/internal/models"
	"lungctsegmenter/internal/store"
	"lungctsegmenter/pkg/imaging"
	"lungctsegmenter/pkg/mesh"
	"lungctsegmenter/pkg/nifti"
	"lungctsegmenter/pkg/orchestrator"
	"lungctsegmenter/pkg/postprocess"
	"lungctsegmenter/pkg/seeds"
	"lungctsegmenter/pkg/segmentation"
	"lungctsegmenter/pkg/visualization"
)

type runParams struct {
	input     string
	seedsDir  string
	outDir    string
	snapshots bool
	yes       bool
	noHistory bool
}

func runCmd() *cobra.Command {
	var (
		p        runParams
		useAI    bool
		engine   string
		detail   string
		airways  bool
		shrink   bool
		subMasks bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Segment the lungs of a CT volume",
		Long: `Segment the lungs of a CT volume and export the result.

Without --ai the right lung, left lung and trachea are grown from seed
points (at least 6, 6 and 1). With --ai the selected engine segments the
volume and seeds are optional.

Every segment is written as a NIfTI mask and an STL surface into --out,
together with a label map of all segments.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			if flags.Changed("ai") {
				cfg.Segmentation.UseAI = useAI
			}
			if flags.Changed("engine") {
				cfg.Segmentation.Engine = engine
			}
			if flags.Changed("detail") {
				cfg.Segmentation.DetailLevel = detail
			}
			if flags.Changed("airways") {
				cfg.Segmentation.DetailedAirways = airways
			}
			if flags.Changed("shrink") {
				cfg.Segmentation.ShrinkMasks = shrink
			}
			if flags.Changed("sub-masks") {
				cfg.Segmentation.DetailedMasks = subMasks
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if p.outDir == "" {
				p.outDir = strings.TrimSuffix(strings.TrimSuffix(p.input, ".gz"), ".nii") + "_segmentation"
			}
			return runSegmentation(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(), p)
		},
	}

	cmd.Flags().StringVarP(&p.input, "input", "i", "", "Input CT volume (.nii or .nii.gz)")
	cmd.Flags().StringVarP(&p.seedsDir, "seeds", "s", "", "Directory with R.fcsv, L.fcsv and T.fcsv")
	cmd.Flags().StringVarP(&p.outDir, "out", "o", "", "Output directory (default: <input>_segmentation)")
	cmd.Flags().BoolVar(&useAI, "ai", false, "Segment with an AI engine")
	cmd.Flags().StringVar(&engine, "engine", "", "AI engine: lungmask or TotalSegmentator")
	cmd.Flags().StringVar(&detail, "detail", "", "Airway detail level: low, medium or high")
	cmd.Flags().BoolVar(&airways, "airways", false, "Grow detailed airways from the trachea seed")
	cmd.Flags().BoolVar(&shrink, "shrink", false, "Shrink masks by 1 mm")
	cmd.Flags().BoolVar(&subMasks, "sub-masks", false, "Create anterior, posterior, upper, middle and lower sub-masks of each lung")
	cmd.Flags().BoolVar(&p.snapshots, "snapshots", false, "Write JPEG center slices with the overlays")
	cmd.Flags().BoolVarP(&p.yes, "yes", "y", false, "Accept the CPU warning without asking")
	cmd.Flags().BoolVar(&p.noHistory, "no-history", false, "Do not record the run in the history database")
	_ = cmd.MarkFlagRequired("input")

	return cmd
}

func runSegmentation(ctx context.Context, in io.Reader, out io.Writer, p runParams) error {
	fmt.Fprintln(out, "====================================")
	fmt.Fprintln(out, color.CyanString("Lung CT segmentation"))
	fmt.Fprintln(out, "====================================")
	started := time.Now()

	opts, err := orchestrator.OptionsFromConfig(cfg)
	if err != nil {
		return err
	}

	confirmer := promptConfirmer(in, out)
	if p.yes {
		confirmer = acceptAll
	}
	delegate, err := newDelegate(cfg, logger, confirmer)
	if err != nil {
		return err
	}

	logic, err := orchestrator.New(orchestrator.Config{
		Capabilities: imaging.Default(),
		Delegate:     delegate,
		Options:      opts,
		Logger:       logger,
		StatusFunc: func(msg string) {
			if msg != "" {
				fmt.Fprintf(out, "%s %s\n", color.CyanString("»"), msg)
			}
		},
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Reading %s\n", p.input)
	vol, err := nifti.ReadVolume(p.input)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Volume: %dx%dx%d voxels, spacing %.2fx%.2fx%.2f mm\n",
		vol.Geometry.Dims[0], vol.Geometry.Dims[1], vol.Geometry.Dims[2],
		vol.Geometry.Spacing[0], vol.Geometry.Spacing[1], vol.Geometry.Spacing[2])

	logic.SetInput(vol, p.input)
	if err := logic.Start(); err != nil {
		return err
	}

	var dirs []string
	if p.seedsDir != "" {
		dirs = append(dirs, p.seedsDir)
	}
	if dir, err := logic.LoadSeeds(dirs...); err != nil {
		if !errors.Is(err, seeds.ErrNoSeedFiles) || !opts.UseAI {
			_ = logic.Cancel()
			return fmt.Errorf("load seeds: %w", err)
		}
		logger.Infow("No seed files found, continuing with AI only")
	} else {
		fmt.Fprintf(out, "Seeds loaded from %s\n", dir)
	}

	applyErr := logic.Apply(ctx)
	run := &store.Run{
		Input:       p.input,
		Mode:        runMode(opts),
		DetailLevel: string(opts.DetailLevel),
		StartedAt:   started,
	}
	snap := logic.AppliedSeeds()
	for i, set := range seeds.Sets {
		run.Seeds[i] = snap.Count(set)
	}

	if applyErr != nil {
		if errors.Is(applyErr, orchestrator.ErrInsufficientSeeds) {
			fmt.Fprintln(out, color.YellowString(logic.Instructions()))
		}
		run.Status = store.StatusFailed
		if errors.Is(applyErr, context.Canceled) {
			run.Status = store.StatusCancelled
		}
		run.Message = applyErr.Error()
		_ = logic.Cancel()
		recordRun(ctx, run, p.noHistory)
		fmt.Fprintf(out, "%s %v\n", color.RedString("Segmentation failed:"), applyErr)
		return applyErr
	}

	printReports(out, logic.Reports())

	result := logic.Result()
	files, err := exportResult(p.outDir, result)
	if err != nil {
		return err
	}
	if aux := logic.AuxResult(); aux != nil && aux.Len() > 0 {
		path := filepath.Join(p.outDir, "TotalSegmentator.nii.gz")
		labels, err := labelMap(aux)
		if err != nil {
			return err
		}
		if err := nifti.WriteMask(path, labels); err != nil {
			return err
		}
		files = append(files, path)
	}

	if p.snapshots {
		viewer := visualization.NewViewer(vol)
		if err := viewer.AddResult(result); err != nil {
			return err
		}
		shots, err := viewer.SaveCenterSlices(filepath.Join(p.outDir, "snapshots"))
		if err != nil {
			return err
		}
		files = append(files, shots...)
	}

	measurements := logic.Measurements()
	printMeasurements(out, measurements)

	run.Status = store.StatusFinished
	run.Message = logic.Status()
	for _, m := range measurements {
		run.Segments = append(run.Segments, store.SegmentStat{
			Name:      m.Name,
			Voxels:    m.Voxels,
			VolumeMM3: m.VolumeMM3,
			VolumeCM3: m.VolumeCM3,
		})
	}
	recordRun(ctx, run, p.noHistory)

	fmt.Fprintf(out, "\nWrote %d files to %s\n", len(files), p.outDir)
	fmt.Fprintf(out, "%s in %v\n", color.GreenString("Segmentation finished"), time.Since(started).Round(time.Millisecond))
	return nil
}

func runMode(opts orchestrator.Options) string {
	if opts.UseAI {
		return string(opts.Engine)
	}
	return "seeded"
}

// exportResult writes one mask and one surface per segment plus the label map.
func exportResult(dir string, result *segmentation.Result) ([]string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	var files []string
	for _, s := range result.Segments() {
		base := filepath.Join(dir, fileSafe(s.Name))
		if err := nifti.WriteMask(base+".nii.gz", s.Mask); err != nil {
			return files, err
		}
		files = append(files, base+".nii.gz")

		if s.Surface != nil && !s.Surface.Empty() {
			if err := mesh.WriteSurface(base+".stl", s.Surface); err != nil {
				return files, err
			}
			files = append(files, base+".stl")
		}
	}

	path := filepath.Join(dir, "segmentation.nii.gz")
	labels, err := labelMap(result)
	if err != nil {
		return files, err
	}
	if err := nifti.WriteMask(path, labels); err != nil {
		return files, err
	}
	return append(files, path), nil
}

func labelMap(result *segmentation.Result) (*models.Mask, error) {
	masks := make([]*models.Mask, 0, result.Len())
	for _, s := range result.Segments() {
		masks = append(masks, s.Mask)
	}
	return nifti.LabelMap(result.Geometry(), masks)
}

func fileSafe(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '/', '\\', ':':
			return '_'
		}
		return r
	}, name)
}

func printReports(out io.Writer, reports []postprocess.StageReport) {
	for _, r := range reports {
		switch {
		case r.Err != nil:
			fmt.Fprintf(out, "  %s %s: %v\n", color.RedString("!"), r.Stage, r.Err)
		case r.Skipped:
			fmt.Fprintf(out, "  %s %s skipped: %s\n", color.YellowString("-"), r.Stage, r.Reason)
		}
	}
}

func printMeasurements(out io.Writer, ms []segmentation.Measurement) {
	fmt.Fprintln(out)
	fmt.Fprintf(out, "%-24s %12s %12s\n", "SEGMENT", "VOXELS", "VOLUME cm3")
	for _, m := range ms {
		fmt.Fprintf(out, "%-24s %12d %12s\n", m.Name, m.Voxels, color.GreenString("%.1f", m.VolumeCM3))
	}
}

// recordRun stores run in the history database. Failures are logged only.
func recordRun(ctx context.Context, run *store.Run, skip bool) {
	if skip || cfg.Paths.Database == "" {
		return
	}
	run.FinishedAt = time.Now()

	db, err := store.New(cfg.Paths.Database)
	if err != nil {
		logger.Warnw("Failed to open history database", "path", cfg.Paths.Database, "error", xerrors.New(err))
		return
	}
	defer db.Close()

	if err := store.NewHistoryRepository(db).Record(context.WithoutCancel(ctx), run); err != nil {
		logger.Warnw("Failed to record run", "error", xerrors.New(err))
		return
	}
	logger.Debugw("Run recorded", "id", run.ID)
}
