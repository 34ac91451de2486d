// Package postprocess refines grown or imported segments into the final
// segmentation: hole filling, full-resolution switch, smoothing, optional
// shrinking and sub-regioning, tagging, airway growth and surface generation.
package postprocess

import (
	"errors"
	"fmt"

	"github.com/mdobak/go-xerrors"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/spatial/r3"

	"lungctsegmenter/internal/models"
	"lungctsegmenter/pkg/imaging"
	"lungctsegmenter/pkg/segmentation"
)

// Fixed processing parameters in mm.
const (
	HoleFillingKernelMM    = 12.0
	SmoothingSigmaMM       = 2.0
	ShrinkMarginMM         = -1.0
	AirwayClosingKernelMM  = 3.0
	AirwayFeatureSizeMM    = 3.0
	SurfaceSmoothingFactor = 0.3
	SegmentOpacity3D       = 0.3
)

// DetailLevel controls the sensitivity of airway growth.
type DetailLevel string

const (
	DetailLow    DetailLevel = "low"
	DetailMedium DetailLevel = "medium"
	DetailHigh   DetailLevel = "high"
)

// ParseDetailLevel accepts "low", "medium", "high" and their "<level> detail" forms.
func ParseDetailLevel(s string) (DetailLevel, error) {
	switch s {
	case "low", "low detail":
		return DetailLow, nil
	case "medium", "medium detail", "":
		return DetailMedium, nil
	case "high", "high detail":
		return DetailHigh, nil
	}
	return "", fmt.Errorf("unknown detail level %q", s)
}

// MinimumDiameterMM returns the thinnest airway branch kept at this level.
func (d DetailLevel) MinimumDiameterMM() float64 {
	switch d {
	case DetailLow:
		return 3
	case DetailHigh:
		return 1
	}
	return 2
}

// Options selects the optional stages.
type Options struct {
	ShrinkMasks     bool
	DetailedMasks   bool
	DetailedAirways bool
	UseAI           bool
	DetailLevel     DetailLevel
	AirwayThreshold imaging.Range
}

// StageReport describes the outcome of an optional stage.
type StageReport struct {
	Stage   string
	Skipped bool
	Reason  string

	// Err is a non-fatal failure; the pipeline continued without this stage
	Err error
}

// Finalizer commits a preview growth.
type Finalizer interface {
	Finalize()
}

// Pipeline runs the post-processing stages with injected imaging capabilities.
type Pipeline struct {
	caps   imaging.Capabilities
	logger *zap.SugaredLogger
	status func(string)
}

// New creates a pipeline. status receives human readable progress messages
// and may be nil.
func New(caps imaging.Capabilities, logger *zap.SugaredLogger, status func(string)) *Pipeline {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if status == nil {
		status = func(string) {}
	}
	return &Pipeline{caps: caps, logger: logger, status: status}
}

func (p *Pipeline) report(msg string) {
	p.logger.Debugw("status", "message", msg)
	p.status(msg)
}

// seededSegments returns the three grown segments in processing order.
func seededSegments(result *segmentation.Result) ([]*segmentation.Segment, error) {
	var out []*segmentation.Segment
	for _, name := range []string{segmentation.RightLung, segmentation.LeftLung, segmentation.Other} {
		s := result.ByName(name)
		if s == nil {
			return nil, fmt.Errorf("%w: %q", segmentation.ErrSegmentNotFound, name)
		}
		out = append(out, s)
	}
	return out, nil
}

// RunSeeded applies the seeded-growth stages in order: finalize growth, fill
// holes, switch to the input grid, smooth, optionally shrink and sub-region,
// then tag the two lungs. A resampling failure is fatal and returned as a
// segmentation.ResampleError.
func (p *Pipeline) RunSeeded(result *segmentation.Result, input *models.Volume, growth Finalizer, opts Options) ([]StageReport, error) {
	var reports []StageReport

	p.report("Finalize region growing...")
	growth.Finalize()

	segs, err := seededSegments(result)
	if err != nil {
		return reports, err
	}

	for i, s := range segs {
		p.report(fmt.Sprintf("Filling holes (%d/%d)...", i+1, len(segs)))
		if err := p.caps.Close.Close(s.Mask, HoleFillingKernelMM); err != nil {
			return reports, fmt.Errorf("fill holes in %q: %w", s.Name, err)
		}
	}

	if err := result.SetReferenceGeometry(input.Geometry, p.caps.Resampler); err != nil {
		return reports, err
	}

	for i, s := range segs {
		p.report(fmt.Sprintf("Smoothing (%d/%d)...", i+1, len(segs)))
		if err := p.caps.Smooth.GaussianSmooth(s.Mask, SmoothingSigmaMM); err != nil {
			return reports, fmt.Errorf("smooth %q: %w", s.Name, err)
		}
	}

	if opts.ShrinkMasks {
		for i, s := range segs {
			p.report(fmt.Sprintf("Final shrinking (%d/%d)...", i+1, len(segs)))
			if err := p.caps.Margin.Margin(s.Mask, ShrinkMarginMM); err != nil {
				return reports, fmt.Errorf("shrink %q: %w", s.Name, err)
			}
		}
	}

	if opts.DetailedMasks {
		reports = append(reports, p.DetailedMasks(result))
	}

	if err := p.PostprocessSegment(result, 0, segmentation.RightLung, opts.UseAI); err != nil {
		return reports, err
	}
	if err := p.PostprocessSegment(result, 1, segmentation.LeftLung, opts.UseAI); err != nil {
		return reports, err
	}
	return reports, nil
}

// PostprocessSegment names the nth segment, smooths it when the mask came
// from an AI model, sets its 3D opacity and attaches its anatomical tag.
func (p *Pipeline) PostprocessSegment(result *segmentation.Result, nth int, name string, useAI bool) error {
	s := result.Nth(nth)
	if s == nil {
		return fmt.Errorf("%w: index %d for %q", segmentation.ErrSegmentNotFound, nth, name)
	}
	if err := result.Rename(s, name); err != nil {
		return err
	}
	if useAI {
		p.report(fmt.Sprintf("Smoothing %s", name))
		if err := p.caps.Smooth.GaussianSmooth(s.Mask, SmoothingSigmaMM); err != nil {
			return fmt.Errorf("smooth %q: %w", name, err)
		}
	}
	s.Opacity3D = SegmentOpacity3D
	if !s.SetTag(name) {
		p.logger.Debugw("segment has no terminology entry", "segment", name)
	}
	return nil
}

// DetailedAirways replaces the "other" segment with an airway tree grown from
// the trachea seed on the input volume. Without the local threshold
// capability the stage is skipped and "other" is kept.
func (p *Pipeline) DetailedAirways(result *segmentation.Result, input *models.Volume, tracheaSeed r3.Vec, opts Options) StageReport {
	rep := StageReport{Stage: "detailed airways"}

	grow, ok := p.caps.LocalThreshold()
	if !ok {
		rep.Skipped = true
		rep.Reason = "local threshold growth is not available"
		rep.Err = fmt.Errorf("%w: local threshold growth", imaging.ErrCapabilityMissing)
		p.logger.Errorw("airway segmentation skipped", "error", xerrors.New(rep.Err))
		return rep
	}

	p.report("Airway segmentation ...")
	if err := result.SetReferenceGeometry(input.Geometry, p.caps.Resampler); err != nil {
		return p.failed(rep, err)
	}

	tr, err := input.Geometry.Transform()
	if err != nil {
		return p.failed(rep, err)
	}
	i, j, k := tr.NearestIndex(tracheaSeed)
	p.logger.Debugw("trachea seed", "ras", tracheaSeed, "ijk", [3]int{i, j, k})

	mask, err := growAirways(grow, input, [3]int{i, j, k}, imaging.LocalThresholdOptions{
		Threshold:         opts.AirwayThreshold,
		MinimumDiameterMM: opts.DetailLevel.MinimumDiameterMM(),
		FeatureSizeMM:     AirwayFeatureSizeMM,
	})
	if err != nil {
		return p.failed(rep, err)
	}

	p.report("Filling holes in airways ...")
	if err := p.caps.Close.Close(mask, AirwayClosingKernelMM); err != nil {
		return p.failed(rep, err)
	}

	if result.ByName(segmentation.Other) != nil {
		if err := result.Remove(segmentation.Other); err != nil {
			return p.failed(rep, err)
		}
	}
	if err := result.Remove(segmentation.Airways); err != nil && !errors.Is(err, segmentation.ErrSegmentNotFound) {
		return p.failed(rep, err)
	}
	seg, err := result.AddSegment(segmentation.Airways, segmentation.ColorTrachea, mask)
	if err != nil {
		return p.failed(rep, err)
	}
	seg.SetTag(segmentation.Airways)
	return rep
}

// growAirways turns a panic of the growth capability into an error so the
// stage ends in a skipped report.
func growAirways(grow imaging.LocalThresholdGrow, input *models.Volume, seed [3]int, opts imaging.LocalThresholdOptions) (mask *models.Mask, err error) {
	defer func() {
		if r := recover(); r != nil {
			mask, err = nil, fmt.Errorf("local threshold growth: %v", r)
		}
	}()
	return grow.LocalThresholdGrow(input, seed, opts)
}

func (p *Pipeline) failed(rep StageReport, err error) StageReport {
	rep.Skipped = true
	rep.Reason = err.Error()
	rep.Err = err
	p.logger.Errorw(rep.Stage+" failed", "error", xerrors.New(err))
	return rep
}

// BuildSurfaces generates closed surfaces with a reduced smoothing factor so
// thin airways survive. In AI mode the whole-lung segments are hidden since
// the lobes cover them.
func (p *Pipeline) BuildSurfaces(result *segmentation.Result, useAI bool) error {
	result.Visible2D, result.Visible3D = true, true
	p.report(" Creating 3D ...")
	if err := result.BuildSurfaces(p.caps.Surface, SurfaceSmoothingFactor); err != nil {
		return err
	}
	if useAI {
		for _, name := range []string{segmentation.RightLung, segmentation.LeftLung, segmentation.Lung} {
			if s := result.ByName(name); s != nil {
				s.Visible = false
			}
		}
	}
	return nil
}

// IsResampleError reports whether err aborts the whole apply.
func IsResampleError(err error) bool {
	return errors.Is(err, segmentation.ErrResample)
}
