// Package ai routes a segmentation request to one of the external AI
// engines and imports their label outputs into the segmentation result.
package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mdobak/go-xerrors"
	"go.uber.org/zap"

	"lungctsegmenter/internal/exec"
	"lungctsegmenter/internal/models"
	"lungctsegmenter/pkg/imaging"
	"lungctsegmenter/pkg/segmentation"
)

var (
	// ErrAIDeclined is returned when no GPU is available and the user does
	// not accept CPU processing. Only the AI stage is aborted.
	ErrAIDeclined = errors.New("AI segmentation declined")

	ErrUnknownEngine = errors.New("unknown AI engine")
)

// Engine names an AI segmentation engine.
type Engine string

const (
	EngineLungmask         Engine = "lungmask"
	EngineTotalSegmentator Engine = "TotalSegmentator"
)

// Engines lists the supported engines.
var Engines = []Engine{EngineLungmask, EngineTotalSegmentator}

// ParseEngine matches an engine name case-insensitively.
func ParseEngine(s string) (Engine, error) {
	for _, e := range Engines {
		if strings.EqualFold(s, string(e)) {
			return e, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownEngine, s)
}

// CPUWarning is the question put to the user when no GPU is available.
const CPUWarning = "Warning: no GPU acceleration was found on your system. " +
	"The AI processing will last 3-10 minutes. Are you sure you want to continue AI segmentation?"

// GPUProbe reports whether GPU acceleration is available.
type GPUProbe interface {
	Available(ctx context.Context) bool
}

// Confirmer asks the user a yes/no question.
type Confirmer interface {
	Confirm(ctx context.Context, question string) (bool, error)
}

// ConfirmFunc adapts a function to Confirmer.
type ConfirmFunc func(ctx context.Context, question string) (bool, error)

func (f ConfirmFunc) Confirm(ctx context.Context, question string) (bool, error) {
	return f(ctx, question)
}

// StaticProbe is a GPUProbe with a fixed answer.
type StaticProbe bool

func (p StaticProbe) Available(context.Context) bool { return bool(p) }

// DefaultProbeCommand lists NVIDIA GPUs.
var DefaultProbeCommand = exec.Command{Name: "nvidia-smi", Args: []string{"-L"}}

// CommandProbe detects a GPU by running an external command that prints one
// "GPU <n>: ..." line per device.
type CommandProbe struct {
	Runner  exec.Runner
	Command exec.Command
}

// Available runs the probe command. Any failure means no GPU.
func (p CommandProbe) Available(ctx context.Context) bool {
	res, err := p.Runner.Run(ctx, p.Command)
	if err != nil {
		return false
	}
	return strings.Contains(res.OutputTail, "GPU")
}

// SegmentPostprocessor names, smooths and tags an imported segment.
type SegmentPostprocessor interface {
	PostprocessSegment(result *segmentation.Result, nth int, name string, useAI bool) error
}

// Outcome summarises an AI run.
type Outcome struct {
	Engine   Engine
	GPU      bool
	Imported []string

	// Skipped lists structures whose output was missing or unreadable
	Skipped []Skipped

	// Aux is the hidden result holding the combined multi-label output, if any
	Aux *segmentation.Result
}

// Skipped is a structure that could not be imported.
type Skipped struct {
	Name   string
	Path   string
	Reason string
}

// Delegate runs the selected engine and imports its output.
type Delegate struct {
	Lungmask         LungmaskModel
	TotalSegmentator *TotalSegmentator

	Probe       GPUProbe
	Confirmer   Confirmer
	Postprocess SegmentPostprocessor
	Resampler   imaging.Resampler

	Logger *zap.SugaredLogger
	Status func(string)
}

func (d *Delegate) logger() *zap.SugaredLogger {
	if d.Logger == nil {
		return zap.NewNop().Sugar()
	}
	return d.Logger
}

func (d *Delegate) report(msg string) {
	d.logger().Debugw("status", "message", msg)
	if d.Status != nil {
		d.Status(msg)
	}
}

// confirmHardware checks for a GPU and, without one, asks for confirmation.
func (d *Delegate) confirmHardware(ctx context.Context) (bool, error) {
	if d.Probe != nil && d.Probe.Available(ctx) {
		d.logger().Infow("GPU acceleration is available, AI will use GPU processing")
		return true, nil
	}
	d.logger().Infow("GPU acceleration is not available, AI will use CPU processing")
	if d.Confirmer == nil {
		return false, ErrAIDeclined
	}
	ok, err := d.Confirmer.Confirm(ctx, CPUWarning)
	if err != nil {
		return false, fmt.Errorf("confirm CPU processing: %w", err)
	}
	if !ok {
		d.logger().Infow("AI processing cancelled by user")
		return false, ErrAIDeclined
	}
	return false, nil
}

// Run segments input with engine and adds the structures to result. The
// result's reference geometry is switched to the input grid first.
func (d *Delegate) Run(ctx context.Context, engine Engine, result *segmentation.Result, input *models.Volume) (Outcome, error) {
	out := Outcome{Engine: engine}
	if input == nil {
		return out, errors.New("no input volume")
	}
	if engine != EngineLungmask && engine != EngineTotalSegmentator {
		d.logger().Infow("no AI engine defined", "engine", engine)
		return out, fmt.Errorf("%w: %q", ErrUnknownEngine, engine)
	}

	gpu, err := d.confirmHardware(ctx)
	if err != nil {
		return out, err
	}
	out.GPU = gpu

	if err := result.SetReferenceGeometry(input.Geometry, d.Resampler); err != nil {
		return out, err
	}

	switch engine {
	case EngineLungmask:
		if d.Lungmask == nil {
			return out, fmt.Errorf("%w: lungmask model", imaging.ErrCapabilityMissing)
		}
		err = d.runLungmask(ctx, result, input, &out)
	case EngineTotalSegmentator:
		if d.TotalSegmentator == nil {
			return out, fmt.Errorf("%w: TotalSegmentator", imaging.ErrCapabilityMissing)
		}
		err = d.runTotalSegmentator(ctx, result, input, &out)
	}
	if err != nil {
		return out, err
	}
	d.logger().Infow("segmentation done", "engine", engine, "imported", len(out.Imported), "skipped", len(out.Skipped))
	return out, nil
}

// addLabels adds one segment per (label, name) pair and post-processes each.
func (d *Delegate) addLabels(result *segmentation.Result, labels *models.Mask, structures []labelledStructure, out *Outcome) error {
	for _, s := range structures {
		seg, err := addOrReplace(result, s.name, s.color, labels.Extract(s.label))
		if err != nil {
			return err
		}
		out.Imported = append(out.Imported, s.name)
		if d.Postprocess == nil {
			continue
		}
		if err := d.Postprocess.PostprocessSegment(result, indexOf(result, seg), s.name, true); err != nil {
			return err
		}
	}
	return nil
}

func indexOf(result *segmentation.Result, s *segmentation.Segment) int {
	for i, x := range result.Segments() {
		if x == s {
			return i
		}
	}
	return -1
}

// addOrReplace adds a segment or, if the name exists, replaces its mask.
func addOrReplace(result *segmentation.Result, name string, color segmentation.Color, mask *models.Mask) (*segmentation.Segment, error) {
	if s := result.ByName(name); s != nil {
		return result.ReplaceSegment(s.ID, name, color, mask)
	}
	return result.AddSegment(name, color, mask)
}

// conform puts an imported mask on grid g. Outputs written in single
// precision are adopted when they match within a micrometre; anything else
// is resampled.
func conform(m *models.Mask, g models.Geometry, rs imaging.Resampler) (*models.Mask, error) {
	if m.Geometry.Approx(g, 1e-3) {
		m.Geometry = g
		return m, nil
	}
	if rs == nil {
		return nil, fmt.Errorf("%w: resampler", imaging.ErrCapabilityMissing)
	}
	out, err := rs.ResampleMask(m, g)
	if err != nil {
		return nil, &segmentation.ResampleError{Segment: "imported", Err: err}
	}
	return out, nil
}

func (d *Delegate) logSkipped(out *Outcome, s Skipped, err error) {
	out.Skipped = append(out.Skipped, s)
	if err != nil {
		d.logger().Errorw("structure import skipped",
			"structure", s.Name,
			"path", s.Path,
			"error", xerrors.New(err))
		return
	}
	d.logger().Warnw("structure import skipped", "structure", s.Name, "path", s.Path, "reason", s.Reason)
}
