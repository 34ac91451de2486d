package models

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Geometry describes a voxel grid in patient (RAS) space.
type Geometry struct {
	// Dims is the number of voxels along the I, J and K axes
	Dims [3]int

	// Origin is the RAS position of voxel (0,0,0) in mm
	Origin r3.Vec

	// Spacing is the physical size of a voxel along each axis in mm
	Spacing [3]float64

	// Axes holds the unit direction of the I, J and K axes in RAS space
	Axes [3]r3.Vec
}

// IdentityAxes returns axis directions aligned with R, A and S.
func IdentityAxes() [3]r3.Vec {
	return [3]r3.Vec{{X: 1}, {Y: 1}, {Z: 1}}
}

// NewGeometry creates an axis-aligned geometry.
func NewGeometry(dims [3]int, origin r3.Vec, spacing [3]float64) Geometry {
	return Geometry{Dims: dims, Origin: origin, Spacing: spacing, Axes: IdentityAxes()}
}

// Len returns the number of voxels in the grid.
func (g Geometry) Len() int {
	return g.Dims[0] * g.Dims[1] * g.Dims[2]
}

// Index returns the flat buffer index of voxel (i,j,k). The I axis varies fastest.
func (g Geometry) Index(i, j, k int) int {
	return k*g.Dims[0]*g.Dims[1] + j*g.Dims[0] + i
}

// Coord is the inverse of Index.
func (g Geometry) Coord(idx int) (i, j, k int) {
	plane := g.Dims[0] * g.Dims[1]
	k = idx / plane
	rem := idx % plane
	j = rem / g.Dims[0]
	i = rem % g.Dims[0]
	return i, j, k
}

// Contains reports whether (i,j,k) lies inside the grid.
func (g Geometry) Contains(i, j, k int) bool {
	return i >= 0 && j >= 0 && k >= 0 && i < g.Dims[0] && j < g.Dims[1] && k < g.Dims[2]
}

// VoxelVolume returns the volume of a single voxel in mm3.
func (g Geometry) VoxelVolume() float64 {
	return g.Spacing[0] * g.Spacing[1] * g.Spacing[2]
}

// Equal reports whether two geometries describe the same grid.
func (g Geometry) Equal(o Geometry) bool {
	return g.Approx(o, 1e-6)
}

// Approx is Equal with a caller supplied tolerance in mm. Grids read back
// from single precision files match their source only approximately.
func (g Geometry) Approx(o Geometry, eps float64) bool {
	if g.Dims != o.Dims {
		return false
	}
	near := func(a, b float64) bool { return math.Abs(a-b) < eps }
	for a := 0; a < 3; a++ {
		if !near(g.Spacing[a], o.Spacing[a]) {
			return false
		}
		if r3.Norm(r3.Sub(g.Axes[a], o.Axes[a])) > eps {
			return false
		}
	}
	return r3.Norm(r3.Sub(g.Origin, o.Origin)) < eps
}

// WithSpacing returns a geometry covering the same physical extent with a new
// voxel spacing. Origin and axes are preserved.
func (g Geometry) WithSpacing(spacing [3]float64) Geometry {
	out := g
	out.Spacing = spacing
	for a := 0; a < 3; a++ {
		extent := float64(g.Dims[a]) * g.Spacing[a]
		n := int(math.Ceil(extent/spacing[a] - 1e-9))
		if n < 1 {
			n = 1
		}
		out.Dims[a] = n
	}
	return out
}

func (g Geometry) String() string {
	return fmt.Sprintf("dims=%v spacing=%.3g,%.3g,%.3g origin=(%.2f,%.2f,%.2f)",
		g.Dims, g.Spacing[0], g.Spacing[1], g.Spacing[2], g.Origin.X, g.Origin.Y, g.Origin.Z)
}

// Transform maps between continuous voxel indices and RAS coordinates.
type Transform struct {
	origin r3.Vec
	fwd    [3][3]float64
	inv    [3][3]float64
}

// Transform builds the index<->world mapping for the geometry.
func (g Geometry) Transform() (Transform, error) {
	var t Transform
	t.origin = g.Origin
	m := mat.NewDense(3, 3, nil)
	for a := 0; a < 3; a++ {
		col := r3.Scale(g.Spacing[a], g.Axes[a])
		m.Set(0, a, col.X)
		m.Set(1, a, col.Y)
		m.Set(2, a, col.Z)
	}
	var inv mat.Dense
	if err := inv.Inverse(m); err != nil {
		return t, fmt.Errorf("geometry is not invertible: %w", err)
	}
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			t.fwd[r][c] = m.At(r, c)
			t.inv[r][c] = inv.At(r, c)
		}
	}
	return t, nil
}

// MustTransform is Transform for geometries known to be valid.
func (g Geometry) MustTransform() Transform {
	t, err := g.Transform()
	if err != nil {
		panic(err)
	}
	return t
}

// ToWorld converts a continuous voxel index to RAS.
func (t Transform) ToWorld(i, j, k float64) r3.Vec {
	return r3.Vec{
		X: t.origin.X + t.fwd[0][0]*i + t.fwd[0][1]*j + t.fwd[0][2]*k,
		Y: t.origin.Y + t.fwd[1][0]*i + t.fwd[1][1]*j + t.fwd[1][2]*k,
		Z: t.origin.Z + t.fwd[2][0]*i + t.fwd[2][1]*j + t.fwd[2][2]*k,
	}
}

// ToIndex converts a RAS point to a continuous voxel index.
func (t Transform) ToIndex(p r3.Vec) (float64, float64, float64) {
	d := r3.Sub(p, t.origin)
	return t.inv[0][0]*d.X + t.inv[0][1]*d.Y + t.inv[0][2]*d.Z,
		t.inv[1][0]*d.X + t.inv[1][1]*d.Y + t.inv[1][2]*d.Z,
		t.inv[2][0]*d.X + t.inv[2][1]*d.Y + t.inv[2][2]*d.Z
}

// NearestIndex converts a RAS point to the closest integer voxel index.
func (t Transform) NearestIndex(p r3.Vec) (int, int, int) {
	i, j, k := t.ToIndex(p)
	return int(math.Round(i)), int(math.Round(j)), int(math.Round(k))
}

// Volume is a 3D scalar image such as a CT scan in Hounsfield units.
type Volume struct {
	Geometry

	// Data holds one intensity per voxel, laid out as described by Geometry.Index
	Data []float64

	// Window and Level are the display intensity window of the volume
	Window float64
	Level  float64
}

// NewVolume allocates a zero-filled volume.
func NewVolume(g Geometry) *Volume {
	return &Volume{Geometry: g, Data: make([]float64, g.Len())}
}

// At returns the intensity at (i,j,k).
func (v *Volume) At(i, j, k int) float64 {
	return v.Data[v.Index(i, j, k)]
}

// Range returns the minimum and maximum intensity.
func (v *Volume) Range() (lo, hi float64) {
	if len(v.Data) == 0 {
		return 0, 0
	}
	lo, hi = v.Data[0], v.Data[0]
	for _, x := range v.Data {
		if x < lo {
			lo = x
		}
		if x > hi {
			hi = x
		}
	}
	return lo, hi
}

// Mask is a label volume. A binary mask stores 0/1; a labelmap stores
// several small integer labels.
type Mask struct {
	Geometry

	// Data holds one label per voxel
	Data []uint8
}

// NewMask allocates an empty mask.
func NewMask(g Geometry) *Mask {
	return &Mask{Geometry: g, Data: make([]uint8, g.Len())}
}

// Clone returns a deep copy.
func (m *Mask) Clone() *Mask {
	out := &Mask{Geometry: m.Geometry, Data: make([]uint8, len(m.Data))}
	copy(out.Data, m.Data)
	return out
}

// Count returns the number of non-zero voxels.
func (m *Mask) Count() int {
	n := 0
	for _, v := range m.Data {
		if v != 0 {
			n++
		}
	}
	return n
}

// Empty reports whether no voxel is set.
func (m *Mask) Empty() bool {
	for _, v := range m.Data {
		if v != 0 {
			return false
		}
	}
	return true
}

// Extract returns a binary mask of the voxels carrying label.
func (m *Mask) Extract(label uint8) *Mask {
	out := NewMask(m.Geometry)
	for i, v := range m.Data {
		if v == label {
			out.Data[i] = 1
		}
	}
	return out
}

// Binarize sets every non-zero voxel to 1 in place.
func (m *Mask) Binarize() {
	for i, v := range m.Data {
		if v != 0 {
			m.Data[i] = 1
		}
	}
}
