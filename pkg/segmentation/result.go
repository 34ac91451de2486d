// Package segmentation holds the segmentation result: an ordered set of named
// segments sharing one reference geometry.
package segmentation

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"lungctsegmenter/internal/models"
	"lungctsegmenter/pkg/imaging"
	"lungctsegmenter/pkg/mesh"
)

var (
	// ErrDuplicateSegment is returned when a name is already used in a result.
	ErrDuplicateSegment = errors.New("duplicate segment name")

	// ErrSegmentNotFound is returned when a segment lookup fails.
	ErrSegmentNotFound = errors.New("segment not found")

	// ErrResample is matched by every ResampleError.
	ErrResample = errors.New("resample failed")
)

// ResampleError reports a segment that could not be moved to a new
// reference geometry.
type ResampleError struct {
	Segment string
	Err     error
}

func (e *ResampleError) Error() string {
	return fmt.Sprintf("resample segment %q: %v", e.Segment, e.Err)
}

func (e *ResampleError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrResample) true for every ResampleError.
func (e *ResampleError) Is(target error) bool { return target == ErrResample }

// Segment is a named, colored region with a binary mask and optional surface.
type Segment struct {
	ID    string
	Name  string
	Color Color

	// Mask is expressed on the owning result's reference geometry
	Mask *models.Mask

	// Surface is the closed surface built from Mask, nil until generated
	Surface *mesh.Surface

	// Tag is the encoded terminology entry, empty when untagged
	Tag string

	Opacity3D float64
	Visible   bool
}

// Result is an ordered collection of segments with unique names.
type Result struct {
	Name string

	geometry models.Geometry
	segments []*Segment

	// SurfaceSmoothing is the smoothing factor of the closed surface representation
	SurfaceSmoothing float64

	// Visible2D and Visible3D control display of the whole result
	Visible2D bool
	Visible3D bool
}

// NewResult creates an empty result on the given reference geometry.
func NewResult(name string, g models.Geometry) *Result {
	return &Result{
		Name:             name,
		geometry:         g,
		SurfaceSmoothing: 0.5,
		Visible2D:        true,
		Visible3D:        true,
	}
}

// Geometry returns the active reference geometry.
func (r *Result) Geometry() models.Geometry {
	return r.geometry
}

// Len returns the number of segments.
func (r *Result) Len() int {
	return len(r.segments)
}

// Segments returns the segments in order. The slice must not be modified.
func (r *Result) Segments() []*Segment {
	return r.segments
}

// Names returns the segment names in order.
func (r *Result) Names() []string {
	names := make([]string, len(r.segments))
	for i, s := range r.segments {
		names[i] = s.Name
	}
	return names
}

// AddSegment appends a new segment. The mask must match the reference geometry.
func (r *Result) AddSegment(name string, color Color, mask *models.Mask) (*Segment, error) {
	if r.ByName(name) != nil {
		return nil, fmt.Errorf("%w: %q", ErrDuplicateSegment, name)
	}
	if mask == nil {
		mask = models.NewMask(r.geometry)
	}
	if !mask.Geometry.Equal(r.geometry) {
		return nil, fmt.Errorf("segment %q geometry (%s) differs from reference (%s)", name, mask.Geometry, r.geometry)
	}
	s := &Segment{
		ID:        uuid.NewString(),
		Name:      name,
		Color:     color,
		Mask:      mask,
		Opacity3D: 1,
		Visible:   true,
	}
	r.segments = append(r.segments, s)
	return s, nil
}

// ReplaceSegment swaps the mask of the segment with the given id, keeping its
// position, or appends a new segment when id is unknown. The returned segment
// keeps its id across replacements.
func (r *Result) ReplaceSegment(id, name string, color Color, mask *models.Mask) (*Segment, error) {
	s := r.ByID(id)
	if s == nil {
		return r.AddSegment(name, color, mask)
	}
	if other := r.ByName(name); other != nil && other != s {
		return nil, fmt.Errorf("%w: %q", ErrDuplicateSegment, name)
	}
	if mask == nil {
		mask = models.NewMask(r.geometry)
	}
	if !mask.Geometry.Equal(r.geometry) {
		return nil, fmt.Errorf("segment %q geometry (%s) differs from reference (%s)", name, mask.Geometry, r.geometry)
	}
	s.Name, s.Color, s.Mask, s.Surface = name, color, mask, nil
	return s, nil
}

// ByName returns the segment with the given name, or nil.
func (r *Result) ByName(name string) *Segment {
	for _, s := range r.segments {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// ByID returns the segment with the given id, or nil.
func (r *Result) ByID(id string) *Segment {
	for _, s := range r.segments {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// Nth returns the segment at position n, or nil.
func (r *Result) Nth(n int) *Segment {
	if n < 0 || n >= len(r.segments) {
		return nil
	}
	return r.segments[n]
}

// Rename changes a segment name, keeping names unique.
func (r *Result) Rename(s *Segment, name string) error {
	if s.Name == name {
		return nil
	}
	if r.ByName(name) != nil {
		return fmt.Errorf("%w: %q", ErrDuplicateSegment, name)
	}
	s.Name = name
	return nil
}

// Remove deletes the segment with the given name.
func (r *Result) Remove(name string) error {
	for i, s := range r.segments {
		if s.Name == name {
			r.segments = append(r.segments[:i], r.segments[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrSegmentNotFound, name)
}

// RemoveAll deletes every segment. The reference geometry is kept.
func (r *Result) RemoveAll() {
	r.segments = nil
}

// Reset removes every segment and installs a new reference geometry.
func (r *Result) Reset(g models.Geometry) {
	r.segments = nil
	r.geometry = g
}

// SetReferenceGeometry switches the reference geometry and resamples every
// mask onto it. Either every mask is moved or, on error, none is.
func (r *Result) SetReferenceGeometry(g models.Geometry, rs imaging.Resampler) error {
	if r.geometry.Equal(g) {
		r.geometry = g
		return nil
	}
	resampled := make([]*models.Mask, len(r.segments))
	for i, s := range r.segments {
		m, err := rs.ResampleMask(s.Mask, g)
		if err != nil {
			return &ResampleError{Segment: s.Name, Err: err}
		}
		resampled[i] = m
	}
	for i, s := range r.segments {
		s.Mask = resampled[i]
		s.Surface = nil
	}
	r.geometry = g
	return nil
}

// SetTag attaches the terminology entry registered for name, if any.
func (s *Segment) SetTag(name string) bool {
	t, ok := TerminologyFor(name)
	if ok {
		s.Tag = t.String()
	}
	return ok
}

// BuildSurfaces generates closed surfaces for all non-empty segments.
func (r *Result) BuildSurfaces(b imaging.SurfaceBuilder, smoothingFactor float64) error {
	r.SurfaceSmoothing = smoothingFactor
	for _, s := range r.segments {
		if s.Mask.Empty() {
			s.Surface = nil
			continue
		}
		surf, err := b.BuildSurface(s.Mask, smoothingFactor)
		if err != nil {
			return fmt.Errorf("surface for %q: %w", s.Name, err)
		}
		s.Surface = surf
	}
	return nil
}

// Measurement is the size of one segment.
type Measurement struct {
	Name      string
	Voxels    int
	VolumeMM3 float64
	VolumeCM3 float64
}

// Measure returns voxel counts and volumes of every segment in order.
func (r *Result) Measure() []Measurement {
	out := make([]Measurement, 0, len(r.segments))
	vv := r.geometry.VoxelVolume()
	for _, s := range r.segments {
		n := s.Mask.Count()
		out = append(out, Measurement{
			Name:      s.Name,
			Voxels:    n,
			VolumeMM3: float64(n) * vv,
			VolumeCM3: float64(n) * vv / 1000,
		})
	}
	return out
}
