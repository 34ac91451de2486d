package postprocess

import (
	"fmt"

	"gonum.org/v1/gonum/spatial/r3"

	"lungctsegmenter/internal/models"
	"lungctsegmenter/pkg/segmentation"
)

// Sub-region suffixes appended to the parent lung name.
const (
	SubAnterior  = "anterior"
	SubPosterior = "posterior"
	SubUpper     = "upper"
	SubMiddle    = "middle"
	SubLower     = "lower"
)

// SubRegions lists the sub-region suffixes in creation order.
var SubRegions = []string{SubAnterior, SubPosterior, SubUpper, SubMiddle, SubLower}

// box is an axis-aligned RAS cuboid given by its centre and half extents.
type box struct {
	center r3.Vec
	half   r3.Vec
}

// eraseInside clears every voxel whose centre lies inside b.
func eraseInside(m *models.Mask, b box) {
	tr := m.Geometry.MustTransform()
	for idx, v := range m.Data {
		if v == 0 {
			continue
		}
		i, j, k := m.Coord(idx)
		p := tr.ToWorld(float64(i), float64(j), float64(k))
		d := r3.Sub(p, b.center)
		if abs(d.X) <= b.half.X && abs(d.Y) <= b.half.Y && abs(d.Z) <= b.half.Z {
			m.Data[idx] = 0
		}
	}
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// subRegionCrops returns the boxes erased from a copy of the parent mask for
// each sub-region. Diameters are the oriented box sizes along R, A and S;
// the apex is half the S diameter above the centroid.
func subRegionCrops(centroid r3.Vec, diameter [3]float64) map[string][]box {
	axial, sagittal, coronal := diameter[0], diameter[1], diameter[2]
	apex := centroid.Z + coronal/2

	at := func(a, s float64) r3.Vec { return r3.Vec{X: centroid.X, Y: a, Z: s} }
	return map[string][]box{
		SubAnterior: {{
			center: at(centroid.Y-sagittal/2, centroid.Z),
			half:   r3.Vec{X: axial, Y: sagittal / 2, Z: coronal},
		}},
		SubPosterior: {{
			center: at(centroid.Y+sagittal/2, centroid.Z),
			half:   r3.Vec{X: axial, Y: sagittal / 2, Z: coronal},
		}},
		SubUpper: {{
			center: at(centroid.Y, apex-coronal),
			half:   r3.Vec{X: axial, Y: sagittal, Z: coronal / 3 * 2},
		}},
		// two-sided trim: remove the upper band, then the lower band
		SubMiddle: {
			{
				center: at(centroid.Y, apex),
				half:   r3.Vec{X: axial, Y: sagittal, Z: coronal / 3},
			},
			{
				center: at(centroid.Y, apex-coronal),
				half:   r3.Vec{X: axial, Y: sagittal, Z: coronal / 3},
			},
		},
		SubLower: {{
			center: at(centroid.Y, apex),
			half:   r3.Vec{X: axial, Y: sagittal, Z: coronal / 3 * 2},
		}},
	}
}

// DetailedMasks derives anterior, posterior, upper, middle and lower
// sub-segments of both lungs. Sub-segments are hidden and carry the parent
// color. Failures are reported, not returned.
func (p *Pipeline) DetailedMasks(result *segmentation.Result) StageReport {
	rep := StageReport{Stage: "detailed masks"}

	p.report("Computing centroids ...")
	for _, parentName := range []string{segmentation.RightLung, segmentation.LeftLung} {
		parent := result.ByName(parentName)
		if parent == nil {
			return p.failed(rep, fmt.Errorf("%w: %q", segmentation.ErrSegmentNotFound, parentName))
		}
		stats, err := p.caps.Statistics.Statistics(parent.Mask)
		if err != nil {
			return p.failed(rep, fmt.Errorf("statistics of %q: %w", parentName, err))
		}
		p.logger.Debugw("lung statistics",
			"segment", parentName,
			"centroid", stats.Centroid,
			"obbDiameter", stats.OBBDiameter)

		p.report("Creating special masks ...")
		crops := subRegionCrops(stats.Centroid, stats.OBBDiameter)
		for _, sub := range SubRegions {
			mask := parent.Mask.Clone()
			p.report(fmt.Sprintf(" Cropping %s mask ...", sub))
			for _, b := range crops[sub] {
				eraseInside(mask, b)
			}
			seg, err := result.AddSegment(parentName+" "+sub, parent.Color, mask)
			if err != nil {
				return p.failed(rep, err)
			}
			seg.Visible = false
		}
	}
	return rep
}
