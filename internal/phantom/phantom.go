// Package phantom generates a synthetic chest CT with two air-filled lungs and
// a trachea embedded in soft tissue, plus matching seed points. It backs the
// package tests and the CLI demo input.
package phantom

import (
	"gonum.org/v1/gonum/spatial/r3"

	"lungctsegmenter/internal/models"
	"lungctsegmenter/pkg/seeds"
)

// Intensities in HU.
const (
	Tissue  = 40.0
	Lung    = -850.0
	Airway  = -1000.0
	Spacing = 1.5
)

// Anatomy of the phantom in RAS mm, centred on the origin.
var (
	RightLungCenter = r3.Vec{X: 30}
	LeftLungCenter  = r3.Vec{X: -30}
	LungSemiAxes    = r3.Vec{X: 25, Y: 35, Z: 45}

	TracheaCenter  = r3.Vec{}
	TracheaRadius  = 6.0
	TracheaBottomZ = 30.0
)

// Geometry returns the input grid: 80x64x80 voxels of 1.5 mm centred on 0.
func Geometry() models.Geometry {
	dims := [3]int{80, 64, 80}
	origin := r3.Vec{
		X: -float64(dims[0]-1) * Spacing / 2,
		Y: -float64(dims[1]-1) * Spacing / 2,
		Z: -float64(dims[2]-1) * Spacing / 2,
	}
	return models.NewGeometry(dims, origin, [3]float64{Spacing, Spacing, Spacing})
}

// InEllipsoid reports whether p lies inside the ellipsoid.
func InEllipsoid(p, center, semi r3.Vec) bool {
	d := r3.Sub(p, center)
	return (d.X*d.X)/(semi.X*semi.X)+(d.Y*d.Y)/(semi.Y*semi.Y)+(d.Z*d.Z)/(semi.Z*semi.Z) <= 1
}

// InTrachea reports whether p lies inside the trachea tube.
func InTrachea(p r3.Vec) bool {
	dx, dy := p.X-TracheaCenter.X, p.Y-TracheaCenter.Y
	return p.Z >= TracheaBottomZ && dx*dx+dy*dy <= TracheaRadius*TracheaRadius
}

// ChestCT builds the phantom volume.
func ChestCT() *models.Volume {
	g := Geometry()
	v := models.NewVolume(g)
	v.Window, v.Level = 1400, -500
	tr := g.MustTransform()
	for idx := range v.Data {
		i, j, k := g.Coord(idx)
		p := tr.ToWorld(float64(i), float64(j), float64(k))
		switch {
		case InTrachea(p):
			v.Data[idx] = Airway
		case InEllipsoid(p, RightLungCenter, LungSemiAxes), InEllipsoid(p, LeftLungCenter, LungSemiAxes):
			v.Data[idx] = Lung
		default:
			v.Data[idx] = Tissue
		}
	}
	return v
}

// SeedPoints returns six points per lung and one trachea point.
func SeedPoints() map[seeds.Set][]r3.Vec {
	offsets := []r3.Vec{
		{X: 0, Y: 0, Z: 0},
		{X: 0, Y: 20, Z: 0},
		{X: 0, Y: -20, Z: 0},
		{X: 0, Y: 0, Z: 25},
		{X: 0, Y: 0, Z: -25},
		{X: 5, Y: 10, Z: 10},
	}
	pts := map[seeds.Set][]r3.Vec{}
	for _, o := range offsets {
		pts[seeds.RightLung] = append(pts[seeds.RightLung], r3.Add(RightLungCenter, o))
		mirrored := r3.Vec{X: -o.X, Y: o.Y, Z: o.Z}
		pts[seeds.LeftLung] = append(pts[seeds.LeftLung], r3.Add(LeftLungCenter, mirrored))
	}
	pts[seeds.Trachea] = []r3.Vec{{X: 0, Y: 0, Z: 45}}
	return pts
}

// Place adds the phantom seed points to st in placement order.
func Place(st *seeds.Store) error {
	pts := SeedPoints()
	for _, set := range seeds.Sets {
		for _, p := range pts[set] {
			if _, err := st.AddPoint(set, p); err != nil {
				return err
			}
		}
	}
	return nil
}
