// Package imaging defines the image-processing capabilities consumed by the
// segmentation workflow and provides an in-process toolkit implementing them.
//
// The workflow never calls the toolkit directly: it receives a Capabilities
// value, so a binding to a different imaging library can be swapped in.
package imaging

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/spatial/r3"

	"lungctsegmenter/internal/models"
	"lungctsegmenter/pkg/mesh"
)

// ErrCapabilityMissing is returned when an optional capability is not provided.
var ErrCapabilityMissing = errors.New("imaging capability missing")

// Range is a closed intensity interval.
type Range struct {
	Min float64 `yaml:"min"`
	Max float64 `yaml:"max"`
}

// Contains reports whether v lies within the range.
func (r Range) Contains(v float64) bool {
	return v >= r.Min && v <= r.Max
}

func (r Range) String() string {
	return fmt.Sprintf("[%g, %g]", r.Min, r.Max)
}

// Resampler changes the voxel grid of volumes and masks.
type Resampler interface {
	// ResampleVolume resamples v to the given spacing with linear interpolation.
	ResampleVolume(v *models.Volume, spacing [3]float64) (*models.Volume, error)

	// ResampleMask resamples m onto target with label-preserving nearest neighbour lookup.
	ResampleMask(m *models.Mask, target models.Geometry) (*models.Mask, error)
}

// GrowOptions controls competitive region growing.
type GrowOptions struct {
	// IntensityMask restricts growth to voxels inside the range; nil disables masking
	IntensityMask *Range

	// ExtentGrowthRatio enlarges the seed bounding box by this fraction of its
	// size on each side; growth never leaves the enlarged box. Zero means unbounded.
	ExtentGrowthRatio float64
}

// IntensityMaskedGrow expands every label of a seed labelmap simultaneously.
type IntensityMaskedGrow interface {
	GrowFromSeeds(v *models.Volume, seeds *models.Mask, opts GrowOptions) (*models.Mask, error)
}

// MorphologicalClose fills holes and gaps in a binary mask in place.
type MorphologicalClose interface {
	Close(m *models.Mask, kernelMM float64) error
}

// GaussianSmooth smooths a binary mask in place.
type GaussianSmooth interface {
	GaussianSmooth(m *models.Mask, sigmaMM float64) error
}

// MarginAdjust grows (positive) or shrinks (negative) a binary mask in place.
type MarginAdjust interface {
	Margin(m *models.Mask, marginMM float64) error
}

// LocalThresholdOptions parameterises LocalThresholdGrow.
type LocalThresholdOptions struct {
	// Threshold is the configured intensity range; the upper bound is lowered
	// to the Otsu threshold computed around the seed.
	Threshold Range

	// MinimumDiameterMM removes branches thinner than this diameter
	MinimumDiameterMM float64

	// FeatureSizeMM is the radius of the neighbourhood used for the Otsu histogram
	FeatureSizeMM float64
}

// LocalThresholdGrow segments a connected structure from a single seed voxel.
type LocalThresholdGrow interface {
	LocalThresholdGrow(v *models.Volume, seed [3]int, opts LocalThresholdOptions) (*models.Mask, error)
}

// SurfaceBuilder creates a closed surface from a binary mask.
type SurfaceBuilder interface {
	BuildSurface(m *models.Mask, smoothingFactor float64) (*mesh.Surface, error)
}

// Stats holds label statistics of a binary mask.
type Stats struct {
	Voxels    int
	VolumeMM3 float64
	VolumeCM3 float64

	// Centroid is the RAS centre of mass
	Centroid r3.Vec

	// OBBOrigin is the RAS corner of the oriented bounding box
	OBBOrigin r3.Vec

	// OBBDiameter is the box size along OBBAxes, ordered R-L, A-P, S-I
	OBBDiameter [3]float64

	// OBBAxes are the principal directions closest to R, A and S
	OBBAxes [3]r3.Vec
}

// OBBCenter returns the centre of the oriented bounding box.
func (s Stats) OBBCenter() r3.Vec {
	c := s.OBBOrigin
	for a := 0; a < 3; a++ {
		c = r3.Add(c, r3.Scale(0.5*s.OBBDiameter[a], s.OBBAxes[a]))
	}
	return c
}

// Statistics computes centroid and oriented bounding box statistics.
type Statistics interface {
	Statistics(m *models.Mask) (Stats, error)
}

// Capabilities bundles the services injected into the workflow.
// LocalThreshold is optional and may be nil.
type Capabilities struct {
	Resampler  Resampler
	Grow       IntensityMaskedGrow
	Close      MorphologicalClose
	Smooth     GaussianSmooth
	Margin     MarginAdjust
	Surface    SurfaceBuilder
	Statistics Statistics

	localThreshold LocalThresholdGrow
}

// WithLocalThreshold returns a copy of c offering the local threshold capability.
func (c Capabilities) WithLocalThreshold(g LocalThresholdGrow) Capabilities {
	c.localThreshold = g
	return c
}

// LocalThreshold returns the optional local threshold capability.
func (c Capabilities) LocalThreshold() (LocalThresholdGrow, bool) {
	return c.localThreshold, c.localThreshold != nil
}

// Validate checks that every required capability is present.
func (c Capabilities) Validate() error {
	switch {
	case c.Resampler == nil:
		return fmt.Errorf("%w: resampler", ErrCapabilityMissing)
	case c.Grow == nil:
		return fmt.Errorf("%w: region growing", ErrCapabilityMissing)
	case c.Close == nil:
		return fmt.Errorf("%w: morphological closing", ErrCapabilityMissing)
	case c.Smooth == nil:
		return fmt.Errorf("%w: gaussian smoothing", ErrCapabilityMissing)
	case c.Margin == nil:
		return fmt.Errorf("%w: margin", ErrCapabilityMissing)
	case c.Surface == nil:
		return fmt.Errorf("%w: surface builder", ErrCapabilityMissing)
	case c.Statistics == nil:
		return fmt.Errorf("%w: statistics", ErrCapabilityMissing)
	}
	return nil
}

// Toolkit is the in-process implementation of every capability.
type Toolkit struct{}

// NewToolkit creates a toolkit.
func NewToolkit() *Toolkit {
	return &Toolkit{}
}

// Default returns capabilities backed by the in-process toolkit, including
// local threshold growth.
func Default() Capabilities {
	tk := NewToolkit()
	return Basic().WithLocalThreshold(tk)
}

// Basic returns the toolkit capabilities without the optional local threshold growth.
func Basic() Capabilities {
	tk := NewToolkit()
	return Capabilities{
		Resampler:  tk,
		Grow:       tk,
		Close:      tk,
		Smooth:     tk,
		Margin:     tk,
		Surface:    tk,
		Statistics: tk,
	}
}

// BuildSurface implements SurfaceBuilder.
func (t *Toolkit) BuildSurface(m *models.Mask, smoothingFactor float64) (*mesh.Surface, error) {
	return mesh.FromMask(m, smoothingFactor)
}
