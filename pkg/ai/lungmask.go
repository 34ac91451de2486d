package ai

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"lungctsegmenter/internal/exec"
	"lungctsegmenter/internal/models"
	"lungctsegmenter/pkg/imaging"
	"lungctsegmenter/pkg/nifti"
	"lungctsegmenter/pkg/segmentation"
)

// Lungmask model names.
const (
	// ModelR231 labels the right lung 1 and the left lung 2
	ModelR231 = "R231"

	// ModelLTRCLobes labels the five lobes 1..5
	ModelLTRCLobes = "LTRCLobes"
)

// LungmaskModel applies a lungmask U-net model to a volume and returns a
// label map on the volume's grid.
type LungmaskModel interface {
	Apply(ctx context.Context, v *models.Volume, model string) (*models.Mask, error)
}

type labelledStructure struct {
	label uint8
	name  string
	color segmentation.Color
}

var lungLabels = []labelledStructure{
	{1, segmentation.RightLung, segmentation.ColorRightLung},
	{2, segmentation.LeftLung, segmentation.ColorLeftLung},
}

var lobeLabels = []labelledStructure{
	{1, segmentation.LeftUpperLobe, segmentation.ColorUpperLobe},
	{2, segmentation.LeftLowerLobe, segmentation.ColorLowerLobe},
	{3, segmentation.RightUpperLobe, segmentation.ColorUpperLobe},
	{4, segmentation.RightMiddleLobe, segmentation.ColorMiddleLobe},
	{5, segmentation.RightLowerLobe, segmentation.ColorLowerLobe},
}

func (d *Delegate) runLungmask(ctx context.Context, result *segmentation.Result, input *models.Volume, out *Outcome) error {
	d.report(" Creating lungs with AI ...")
	lungs, err := d.Lungmask.Apply(ctx, input, ModelR231)
	if err != nil {
		return fmt.Errorf("lungmask %s: %w", ModelR231, err)
	}
	if lungs, err = conform(lungs, input.Geometry, d.Resampler); err != nil {
		return err
	}
	if err := d.addLabels(result, lungs, lungLabels, out); err != nil {
		return err
	}

	d.report(" Creating lung lobes with lungmask AI ...")
	lobes, err := d.Lungmask.Apply(ctx, input, ModelLTRCLobes)
	if err != nil {
		return fmt.Errorf("lungmask %s: %w", ModelLTRCLobes, err)
	}
	if lobes, err = conform(lobes, input.Geometry, d.Resampler); err != nil {
		return err
	}
	return d.addLabels(result, lobes, lobeLabels, out)
}

// LungmaskCLI runs the lungmask command line tool:
//
//	lungmask <input> <output> --modelname <model>
type LungmaskCLI struct {
	Runner exec.Runner

	// Python, when set, runs Command as a script through this interpreter
	Python  string
	Command string

	// TempDir holds the per-call exchange directory
	TempDir string

	Resampler imaging.Resampler
}

// Apply writes v to a temporary NIfTI file, runs the tool and reads the
// label output back.
func (c *LungmaskCLI) Apply(ctx context.Context, v *models.Volume, model string) (*models.Mask, error) {
	if err := os.MkdirAll(c.TempDir, 0755); err != nil {
		return nil, err
	}
	dir, err := os.MkdirTemp(c.TempDir, "lungmask-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	in := filepath.Join(dir, "input.nii.gz")
	if err := nifti.WriteVolume(in, v); err != nil {
		return nil, err
	}

	const output = "output.nii.gz"
	cmd := scriptCommand(c.Python, c.Command, in, filepath.Join(dir, output), "--modelname", model)
	cmd.Dir = dir
	cmd.ExpectedOutputs = []string{output}
	res, err := c.Runner.Run(ctx, cmd)
	if err != nil {
		return nil, err
	}
	if !res.Outputs[output] {
		return nil, &exec.ProcessError{Command: cmd.String(), OutputTail: res.OutputTail, Err: errors.New("no output written")}
	}

	labels, err := nifti.ReadMask(filepath.Join(dir, output))
	if err != nil {
		return nil, err
	}
	return conform(labels, v.Geometry, c.Resampler)
}

// scriptCommand builds "python script args..." when python is set and
// "script args..." otherwise.
func scriptCommand(python, script string, args ...string) exec.Command {
	if python == "" {
		return exec.Command{Name: script, Args: args}
	}
	return exec.Command{Name: python, Args: append([]string{script}, args...)}
}
