// Package growing turns seed points into preview segments by competitive
// region growing on the working volume.
package growing

import (
	"fmt"
	"math"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/spatial/r3"

	"lungctsegmenter/internal/models"
	"lungctsegmenter/pkg/imaging"
	"lungctsegmenter/pkg/seeds"
	"lungctsegmenter/pkg/segmentation"
)

// Default seed marker radii in mm.
const (
	LungSeedRadiusMM  = 10.0
	OtherSeedRadiusMM = 2.0

	// DefaultExtentGrowthRatio lets growth reach past the seeds to the lung edges
	DefaultExtentGrowthRatio = 0.5
)

// Options parameterises preview growth.
type Options struct {
	// LungThreshold bounds growth while the intensity mask is enabled
	LungThreshold imaging.Range

	ExtentGrowthRatio float64
	LungRadiusMM      float64
	OtherRadiusMM     float64
}

// DefaultOptions returns the standard marker radii and extent ratio for the
// given lung threshold.
func DefaultOptions(lung imaging.Range) Options {
	return Options{
		LungThreshold:     lung,
		ExtentGrowthRatio: DefaultExtentGrowthRatio,
		LungRadiusMM:      LungSeedRadiusMM,
		OtherRadiusMM:     OtherSeedRadiusMM,
	}
}

// seedSegment describes the preview segment grown from one seed set.
type seedSegment struct {
	set   seeds.Set
	name  string
	color segmentation.Color
	label uint8
}

var previewSegments = [3]seedSegment{
	{seeds.RightLung, segmentation.RightLung, segmentation.ColorRightLung, 1},
	{seeds.LeftLung, segmentation.LeftLung, segmentation.ColorLeftLung, 2},
	{seeds.Trachea, segmentation.Other, segmentation.ColorUnknown, 3},
}

// Engine grows the three preview segments of a session.
type Engine struct {
	grow   imaging.IntensityMaskedGrow
	opts   Options
	logger *zap.SugaredLogger

	// segment ids of the current preview, so rebuilds replace them
	ids [3]string

	intensityMask bool
	grown         bool
	grownRevision uint64
}

// NewEngine creates an engine with intensity masking enabled.
func NewEngine(grow imaging.IntensityMaskedGrow, opts Options, logger *zap.SugaredLogger) *Engine {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Engine{grow: grow, opts: opts, logger: logger, intensityMask: true}
}

// SetLungThreshold changes the intensity mask range for subsequent growth.
func (e *Engine) SetLungThreshold(r imaging.Range) {
	e.opts.LungThreshold = r
}

// IntensityMaskEnabled reports whether growth is bounded by the lung threshold.
func (e *Engine) IntensityMaskEnabled() bool {
	return e.intensityMask
}

// GrownRevision returns the seed revision of the last successful growth and
// whether any growth happened.
func (e *Engine) GrownRevision() (uint64, bool) {
	return e.grownRevision, e.grown
}

// SegmentIDs returns the ids of the right lung, left lung and other preview
// segments; empty before the first growth.
func (e *Engine) SegmentIDs() [3]string {
	return e.ids
}

// Rasterize builds the seed labelmap: every point becomes a sphere labelled
// with its set's label.
func (e *Engine) Rasterize(g models.Geometry, snap seeds.Snapshot) (*models.Mask, error) {
	tr, err := g.Transform()
	if err != nil {
		return nil, err
	}
	labels := models.NewMask(g)
	for _, ps := range previewSegments {
		radius := e.opts.LungRadiusMM
		if ps.set == seeds.Trachea {
			radius = e.opts.OtherRadiusMM
		}
		for _, p := range snap.Sets[ps.set] {
			paintSphere(labels, tr, p.Position.X, p.Position.Y, p.Position.Z, radius, ps.label)
		}
	}
	return labels, nil
}

// paintSphere labels every voxel whose centre lies within radius of (x,y,z).
// A sphere smaller than a voxel still marks the nearest voxel.
func paintSphere(m *models.Mask, tr models.Transform, x, y, z, radius float64, label uint8) {
	ci, cj, ck := tr.ToIndex(r3.Vec{X: x, Y: y, Z: z})
	minSpacing := math.Min(m.Spacing[0], math.Min(m.Spacing[1], m.Spacing[2]))
	reach := int(math.Ceil(radius/minSpacing)) + 1

	r2 := radius * radius
	ni, nj, nk := int(math.Round(ci)), int(math.Round(cj)), int(math.Round(ck))
	for k := nk - reach; k <= nk+reach; k++ {
		for j := nj - reach; j <= nj+reach; j++ {
			for i := ni - reach; i <= ni+reach; i++ {
				if !m.Contains(i, j, k) {
					continue
				}
				w := tr.ToWorld(float64(i), float64(j), float64(k))
				dx, dy, dz := w.X-x, w.Y-y, w.Z-z
				if dx*dx+dy*dy+dz*dz <= r2 {
					m.Data[m.Index(i, j, k)] = label
				}
			}
		}
	}
	if m.Contains(ni, nj, nk) {
		m.Data[m.Index(ni, nj, nk)] = label
	}
}

// GrowPreview rebuilds the preview segments of result from the seed snapshot.
// It returns false without touching result when the snapshot does not meet
// the minimum point counts.
func (e *Engine) GrowPreview(result *segmentation.Result, working *models.Volume, snap seeds.Snapshot) (bool, error) {
	if !snap.Sufficient(false) {
		return false, nil
	}
	if !working.Geometry.Equal(result.Geometry()) {
		return false, fmt.Errorf("working volume geometry (%s) differs from result reference (%s)", working.Geometry, result.Geometry())
	}

	labels, err := e.Rasterize(working.Geometry, snap)
	if err != nil {
		return false, err
	}

	opts := imaging.GrowOptions{ExtentGrowthRatio: e.opts.ExtentGrowthRatio}
	if e.intensityMask {
		r := e.opts.LungThreshold
		opts.IntensityMask = &r
	}
	grown, err := e.grow.GrowFromSeeds(working, labels, opts)
	if err != nil {
		return false, fmt.Errorf("grow from seeds: %w", err)
	}

	for n, ps := range previewSegments {
		seg, err := result.ReplaceSegment(e.ids[n], ps.name, ps.color, grown.Extract(ps.label))
		if err != nil {
			return false, err
		}
		e.ids[n] = seg.ID
	}
	e.grown = true
	e.grownRevision = snap.Revision
	e.logger.Debugw("preview grown", "revision", snap.Revision, "segments", result.Len())
	return true, nil
}

// Finalize commits the preview: the segments keep their current masks and
// intensity masking is disabled for the rest of the session.
func (e *Engine) Finalize() {
	e.intensityMask = false
}

// Reset forgets the preview segments and re-enables intensity masking.
func (e *Engine) Reset() {
	e.ids = [3]string{}
	e.intensityMask = true
	e.grown = false
	e.grownRevision = 0
}
