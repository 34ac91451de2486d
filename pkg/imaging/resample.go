package imaging

import (
	"fmt"
	"math"

	"lungctsegmenter/internal/models"
)

// ResampleVolume implements Resampler using trilinear interpolation.
// Voxels mapping outside the input are set to 0. The display window is kept.
func (t *Toolkit) ResampleVolume(v *models.Volume, spacing [3]float64) (*models.Volume, error) {
	for a := 0; a < 3; a++ {
		if spacing[a] <= 0 {
			return nil, fmt.Errorf("invalid output spacing %v", spacing)
		}
	}
	if v.Len() == 0 || len(v.Data) != v.Len() {
		return nil, fmt.Errorf("input volume is empty or inconsistent (%s)", v.Geometry)
	}

	target := v.Geometry.WithSpacing(spacing)
	src, err := v.Geometry.Transform()
	if err != nil {
		return nil, err
	}
	dst, err := target.Transform()
	if err != nil {
		return nil, err
	}

	out := models.NewVolume(target)
	out.Window, out.Level = v.Window, v.Level

	nx, ny, nz := target.Dims[0], target.Dims[1], target.Dims[2]
	idx := 0
	for k := 0; k < nz; k++ {
		for j := 0; j < ny; j++ {
			for i := 0; i < nx; i++ {
				p := dst.ToWorld(float64(i), float64(j), float64(k))
				x, y, z := src.ToIndex(p)
				out.Data[idx] = trilinear(v, x, y, z)
				idx++
			}
		}
	}
	return out, nil
}

// trilinear samples v at a continuous index, clamping to the grid border
// within half a voxel and returning 0 further out.
func trilinear(v *models.Volume, x, y, z float64) float64 {
	d := v.Dims
	if x < -0.5 || y < -0.5 || z < -0.5 ||
		x > float64(d[0])-0.5 || y > float64(d[1])-0.5 || z > float64(d[2])-0.5 {
		return 0
	}
	x = clamp(x, 0, float64(d[0]-1))
	y = clamp(y, 0, float64(d[1]-1))
	z = clamp(z, 0, float64(d[2]-1))

	x0, y0, z0 := int(math.Floor(x)), int(math.Floor(y)), int(math.Floor(z))
	x1, y1, z1 := minInt(x0+1, d[0]-1), minInt(y0+1, d[1]-1), minInt(z0+1, d[2]-1)
	fx, fy, fz := x-float64(x0), y-float64(y0), z-float64(z0)

	c00 := lerp(v.At(x0, y0, z0), v.At(x1, y0, z0), fx)
	c10 := lerp(v.At(x0, y1, z0), v.At(x1, y1, z0), fx)
	c01 := lerp(v.At(x0, y0, z1), v.At(x1, y0, z1), fx)
	c11 := lerp(v.At(x0, y1, z1), v.At(x1, y1, z1), fx)
	return lerp(lerp(c00, c10, fy), lerp(c01, c11, fy), fz)
}

// ResampleMask implements Resampler with nearest neighbour lookup.
func (t *Toolkit) ResampleMask(m *models.Mask, target models.Geometry) (*models.Mask, error) {
	if len(m.Data) != m.Len() {
		return nil, fmt.Errorf("mask buffer has %d voxels, geometry expects %d", len(m.Data), m.Len())
	}
	if m.Geometry.Equal(target) {
		return &models.Mask{Geometry: target, Data: append([]uint8(nil), m.Data...)}, nil
	}
	src, err := m.Geometry.Transform()
	if err != nil {
		return nil, err
	}
	dst, err := target.Transform()
	if err != nil {
		return nil, err
	}

	out := models.NewMask(target)
	idx := 0
	for k := 0; k < target.Dims[2]; k++ {
		for j := 0; j < target.Dims[1]; j++ {
			for i := 0; i < target.Dims[0]; i++ {
				si, sj, sk := src.NearestIndex(dst.ToWorld(float64(i), float64(j), float64(k)))
				if m.Contains(si, sj, sk) {
					out.Data[idx] = m.Data[m.Index(si, sj, sk)]
				}
				idx++
			}
		}
	}
	return out, nil
}

func lerp(a, b, f float64) float64 {
	return a + (b-a)*f
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
