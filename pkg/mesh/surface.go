// Package mesh builds closed triangle surfaces from binary masks and writes
// them as binary STL.
package mesh

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"lungctsegmenter/internal/models"
)

// Surface is a closed, outward oriented triangle mesh in RAS coordinates (mm).
type Surface struct {
	Vertices []r3.Vec
	Faces    [][3]int
}

// Triangle represents a single triangle for STL output
type Triangle struct {
	Normal  [3]float32
	Vertex1 [3]float32
	Vertex2 [3]float32
	Vertex3 [3]float32
}

// smoothingRelaxation is the Laplacian step size per iteration
const smoothingRelaxation = 0.5

// faceCorners lists, for each of the six face directions, the four corner
// offsets (in half voxels from the voxel centre) in counter-clockwise order
// seen from outside.
var faceCorners = [6]struct {
	dir     [3]int
	corners [4][3]int
}{
	{[3]int{-1, 0, 0}, [4][3]int{{-1, -1, -1}, {-1, -1, 1}, {-1, 1, 1}, {-1, 1, -1}}},
	{[3]int{1, 0, 0}, [4][3]int{{1, -1, -1}, {1, 1, -1}, {1, 1, 1}, {1, -1, 1}}},
	{[3]int{0, -1, 0}, [4][3]int{{-1, -1, -1}, {1, -1, -1}, {1, -1, 1}, {-1, -1, 1}}},
	{[3]int{0, 1, 0}, [4][3]int{{-1, 1, -1}, {-1, 1, 1}, {1, 1, 1}, {1, 1, -1}}},
	{[3]int{0, 0, -1}, [4][3]int{{-1, -1, -1}, {-1, 1, -1}, {1, 1, -1}, {1, -1, -1}}},
	{[3]int{0, 0, 1}, [4][3]int{{-1, -1, 1}, {1, -1, 1}, {1, 1, 1}, {-1, 1, 1}}},
}

// FromMask extracts the boundary of m as a closed surface. Every exposed voxel
// face becomes two triangles; shared corners are merged. smoothingFactor in
// [0,1] controls the number of Laplacian smoothing passes.
func FromMask(m *models.Mask, smoothingFactor float64) (*Surface, error) {
	if smoothingFactor < 0 || smoothingFactor > 1 {
		return nil, fmt.Errorf("smoothing factor must be within [0,1], got %g", smoothingFactor)
	}
	tr, err := m.Geometry.Transform()
	if err != nil {
		return nil, err
	}

	s := &Surface{}
	// corner keys are doubled voxel coordinates so half offsets stay integral
	corners := make(map[[3]int]int)
	vertex := func(key [3]int) int {
		if id, ok := corners[key]; ok {
			return id
		}
		id := len(s.Vertices)
		corners[key] = id
		s.Vertices = append(s.Vertices, r3.Vec{X: float64(key[0]) / 2, Y: float64(key[1]) / 2, Z: float64(key[2]) / 2})
		return id
	}

	for idx, v := range m.Data {
		if v == 0 {
			continue
		}
		i, j, k := m.Coord(idx)
		for _, f := range faceCorners {
			ni, nj, nk := i+f.dir[0], j+f.dir[1], k+f.dir[2]
			if m.Contains(ni, nj, nk) && m.Data[m.Index(ni, nj, nk)] != 0 {
				continue
			}
			var q [4]int
			for c, off := range f.corners {
				q[c] = vertex([3]int{2*i + off[0], 2*j + off[1], 2*k + off[2]})
			}
			s.Faces = append(s.Faces, [3]int{q[0], q[1], q[2]}, [3]int{q[0], q[2], q[3]})
		}
	}
	if len(s.Faces) == 0 {
		return s, nil
	}

	s.smooth(int(math.Round(smoothingFactor * 10)))

	for n, p := range s.Vertices {
		s.Vertices[n] = tr.ToWorld(p.X, p.Y, p.Z)
	}
	// a left-handed voxel grid mirrors the mesh
	if axesDeterminant(m.Geometry) < 0 {
		for n, f := range s.Faces {
			s.Faces[n] = [3]int{f[0], f[2], f[1]}
		}
	}
	return s, nil
}

func axesDeterminant(g models.Geometry) float64 {
	return r3.Dot(g.Axes[0], r3.Cross(g.Axes[1], g.Axes[2]))
}

// smooth applies Laplacian smoothing over the vertex adjacency graph.
func (s *Surface) smooth(iterations int) {
	if iterations <= 0 {
		return
	}
	neighbours := make([]map[int]struct{}, len(s.Vertices))
	for n := range neighbours {
		neighbours[n] = make(map[int]struct{})
	}
	for _, f := range s.Faces {
		for e := 0; e < 3; e++ {
			a, b := f[e], f[(e+1)%3]
			neighbours[a][b] = struct{}{}
			neighbours[b][a] = struct{}{}
		}
	}

	next := make([]r3.Vec, len(s.Vertices))
	for it := 0; it < iterations; it++ {
		for n, p := range s.Vertices {
			if len(neighbours[n]) == 0 {
				next[n] = p
				continue
			}
			var avg r3.Vec
			for nb := range neighbours[n] {
				avg = r3.Add(avg, s.Vertices[nb])
			}
			avg = r3.Scale(1/float64(len(neighbours[n])), avg)
			next[n] = r3.Add(p, r3.Scale(smoothingRelaxation, r3.Sub(avg, p)))
		}
		s.Vertices, next = next, s.Vertices
	}
}

// Empty reports whether the surface has no faces.
func (s *Surface) Empty() bool {
	return s == nil || len(s.Faces) == 0
}

// Volume returns the enclosed volume in mm3 using the divergence theorem.
func (s *Surface) Volume() float64 {
	total := 0.0
	for _, f := range s.Faces {
		a, b, c := s.Vertices[f[0]], s.Vertices[f[1]], s.Vertices[f[2]]
		total += r3.Dot(a, r3.Cross(b, c))
	}
	return total / 6
}

// Area returns the total surface area in mm2.
func (s *Surface) Area() float64 {
	total := 0.0
	for _, f := range s.Faces {
		a, b, c := s.Vertices[f[0]], s.Vertices[f[1]], s.Vertices[f[2]]
		total += r3.Norm(r3.Cross(r3.Sub(b, a), r3.Sub(c, a))) / 2
	}
	return total
}

// Triangles converts the surface to STL triangles with unit face normals.
func (s *Surface) Triangles() []Triangle {
	out := make([]Triangle, 0, len(s.Faces))
	for _, f := range s.Faces {
		a, b, c := s.Vertices[f[0]], s.Vertices[f[1]], s.Vertices[f[2]]
		n := r3.Cross(r3.Sub(b, a), r3.Sub(c, a))
		if l := r3.Norm(n); l > 0 {
			n = r3.Scale(1/l, n)
		}
		out = append(out, Triangle{
			Normal:  toFloat32(n),
			Vertex1: toFloat32(a),
			Vertex2: toFloat32(b),
			Vertex3: toFloat32(c),
		})
	}
	return out
}

func toFloat32(v r3.Vec) [3]float32 {
	return [3]float32{float32(v.X), float32(v.Y), float32(v.Z)}
}
