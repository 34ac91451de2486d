package imaging

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"

	"lungctsegmenter/internal/models"
)

// Statistics implements Statistics. The oriented bounding box is aligned with
// the principal axes of the voxel positions and covers whole voxels.
func (t *Toolkit) Statistics(m *models.Mask) (Stats, error) {
	var s Stats
	tr, err := m.Geometry.Transform()
	if err != nil {
		return s, err
	}

	var sum r3.Vec
	for idx, v := range m.Data {
		if v == 0 {
			continue
		}
		i, j, k := m.Coord(idx)
		sum = r3.Add(sum, tr.ToWorld(float64(i), float64(j), float64(k)))
		s.Voxels++
	}
	if s.Voxels == 0 {
		return s, fmt.Errorf("statistics of an empty mask")
	}
	n := float64(s.Voxels)
	s.VolumeMM3 = n * m.VoxelVolume()
	s.VolumeCM3 = s.VolumeMM3 / 1000
	s.Centroid = r3.Scale(1/n, sum)

	var cov [6]float64 // xx xy xz yy yz zz
	for idx, v := range m.Data {
		if v == 0 {
			continue
		}
		i, j, k := m.Coord(idx)
		d := r3.Sub(tr.ToWorld(float64(i), float64(j), float64(k)), s.Centroid)
		cov[0] += d.X * d.X
		cov[1] += d.X * d.Y
		cov[2] += d.X * d.Z
		cov[3] += d.Y * d.Y
		cov[4] += d.Y * d.Z
		cov[5] += d.Z * d.Z
	}
	sym := mat.NewSymDense(3, []float64{
		cov[0], cov[1], cov[2],
		cov[1], cov[3], cov[4],
		cov[2], cov[4], cov[5],
	})
	var eig mat.EigenSym
	axes := models.IdentityAxes()
	if eig.Factorize(sym, true) {
		var vecs mat.Dense
		eig.VectorsTo(&vecs)
		var principal [3]r3.Vec
		for c := 0; c < 3; c++ {
			principal[c] = r3.Unit(r3.Vec{X: vecs.At(0, c), Y: vecs.At(1, c), Z: vecs.At(2, c)})
		}
		axes = anatomicalOrder(principal)
	}
	s.OBBAxes = axes

	// voxel footprint along each box axis, so single voxels have a size
	var pad [3]float64
	for a := 0; a < 3; a++ {
		for b := 0; b < 3; b++ {
			pad[a] += math.Abs(r3.Dot(axes[a], r3.Scale(m.Spacing[b], m.Axes[b])))
		}
	}

	lo := [3]float64{math.Inf(1), math.Inf(1), math.Inf(1)}
	hi := [3]float64{math.Inf(-1), math.Inf(-1), math.Inf(-1)}
	for idx, v := range m.Data {
		if v == 0 {
			continue
		}
		i, j, k := m.Coord(idx)
		p := tr.ToWorld(float64(i), float64(j), float64(k))
		for a := 0; a < 3; a++ {
			d := r3.Dot(p, axes[a])
			lo[a] = math.Min(lo[a], d)
			hi[a] = math.Max(hi[a], d)
		}
	}
	for a := 0; a < 3; a++ {
		lo[a] -= pad[a] / 2
		hi[a] += pad[a] / 2
		s.OBBDiameter[a] = hi[a] - lo[a]
		s.OBBOrigin = r3.Add(s.OBBOrigin, r3.Scale(lo[a], axes[a]))
	}
	return s, nil
}

// anatomicalOrder assigns principal directions to the R, A and S slots by
// their dominant component and flips them to point in the positive direction.
func anatomicalOrder(principal [3]r3.Vec) [3]r3.Vec {
	var out [3]r3.Vec
	usedVec := [3]bool{}
	usedSlot := [3]bool{}
	for n := 0; n < 3; n++ {
		bestV, bestS, best := -1, -1, -1.0
		for v := 0; v < 3; v++ {
			if usedVec[v] {
				continue
			}
			comp := [3]float64{principal[v].X, principal[v].Y, principal[v].Z}
			for s := 0; s < 3; s++ {
				if usedSlot[s] {
					continue
				}
				if math.Abs(comp[s]) > best {
					best = math.Abs(comp[s])
					bestV, bestS = v, s
				}
			}
		}
		usedVec[bestV], usedSlot[bestS] = true, true
		vec := principal[bestV]
		comp := [3]float64{vec.X, vec.Y, vec.Z}
		if comp[bestS] < 0 {
			vec = r3.Scale(-1, vec)
		}
		out[bestS] = vec
	}
	return out
}
