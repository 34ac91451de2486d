package mesh

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"gonum.org/v1/gonum/spatial/r3"

	"lungctsegmenter/internal/models"
)

// sphereMask creates a mask holding a sphere of the given radius in voxels
func sphereMask(size int, radius float64, spacing [3]float64) *models.Mask {
	g := models.NewGeometry([3]int{size, size, size}, r3.Vec{}, spacing)
	m := models.NewMask(g)
	center := float64(size) / 2.0
	for idx := range m.Data {
		i, j, k := g.Coord(idx)
		dx := float64(i) - center
		dy := float64(j) - center
		dz := float64(k) - center
		if math.Sqrt(dx*dx+dy*dy+dz*dz) < radius {
			m.Data[idx] = 1
		}
	}
	return m
}

// TestFromMaskCube verifies an unsmoothed block encloses its voxel volume
func TestFromMaskCube(t *testing.T) {
	g := models.NewGeometry([3]int{6, 6, 6}, r3.Vec{X: 10, Y: -5, Z: 3}, [3]float64{1.5, 2, 0.5})
	m := models.NewMask(g)
	for k := 1; k <= 3; k++ {
		for j := 1; j <= 4; j++ {
			for i := 2; i <= 3; i++ {
				m.Data[g.Index(i, j, k)] = 1
			}
		}
	}

	s, err := FromMask(m, 0)
	if err != nil {
		t.Fatalf("FromMask failed: %v", err)
	}
	// 2x4x3 block: 2*(8+6+12) exposed faces, two triangles each
	if len(s.Faces) != 2*2*(8+6+12) {
		t.Errorf("expected %d triangles, got %d", 2*2*(8+6+12), len(s.Faces))
	}
	want := float64(m.Count()) * g.VoxelVolume()
	if got := s.Volume(); math.Abs(got-want) > 1e-6 {
		t.Errorf("expected enclosed volume %g, got %g", want, got)
	}
}

// TestFromMaskSphere checks normals of a smoothed sphere point outward
func TestFromMaskSphere(t *testing.T) {
	size := 20
	m := sphereMask(size, float64(size)/4.0, [3]float64{1, 1, 1})

	s, err := FromMask(m, 0.3)
	if err != nil {
		t.Fatalf("FromMask failed: %v", err)
	}
	triangles := s.Triangles()
	if len(triangles) < 100 {
		t.Errorf("Expected at least 100 triangles for sphere, got %d", len(triangles))
	}

	// voxel (i,j,k) sits at world (i,j,k), so the sphere centre is size/2
	center := float32(size) / 2
	for _, triangle := range triangles {
		cx := (triangle.Vertex1[0]+triangle.Vertex2[0]+triangle.Vertex3[0])/3 - center
		cy := (triangle.Vertex1[1]+triangle.Vertex2[1]+triangle.Vertex3[1])/3 - center
		cz := (triangle.Vertex1[2]+triangle.Vertex2[2]+triangle.Vertex3[2])/3 - center
		mag := float32(math.Sqrt(float64(cx*cx + cy*cy + cz*cz)))
		if mag == 0 {
			continue
		}
		dot := (cx*triangle.Normal[0] + cy*triangle.Normal[1] + cz*triangle.Normal[2]) / mag
		if dot < -0.5 {
			t.Fatalf("Triangle normal appears to point inward, dot product: %f", dot)
		}
	}

	if s.Volume() <= 0 {
		t.Errorf("smoothed sphere should enclose a positive volume, got %g", s.Volume())
	}
	raw, _ := FromMask(m, 0)
	if s.Area() >= raw.Area() {
		t.Errorf("smoothing should reduce area: %g >= %g", s.Area(), raw.Area())
	}
}

// TestFromMaskEmpty verifies an empty mask yields an empty surface
func TestFromMaskEmpty(t *testing.T) {
	g := models.NewGeometry([3]int{4, 4, 4}, r3.Vec{}, [3]float64{1, 1, 1})
	s, err := FromMask(models.NewMask(g), 0.3)
	if err != nil {
		t.Fatalf("FromMask failed: %v", err)
	}
	if !s.Empty() {
		t.Error("expected empty surface")
	}
	if _, err := FromMask(models.NewMask(g), 2); err == nil {
		t.Error("expected error for smoothing factor above 1")
	}
}

// TestSaveToSTL verifies that the STL file can be written
func TestSaveToSTL(t *testing.T) {
	triangles := []Triangle{
		{
			Normal:  [3]float32{0, 0, 1},
			Vertex1: [3]float32{0, 0, 0},
			Vertex2: [3]float32{1, 0, 0},
			Vertex3: [3]float32{0, 1, 0},
		},
	}

	filename := filepath.Join(t.TempDir(), "test.stl")
	if err := SaveToSTL(filename, triangles); err != nil {
		t.Fatalf("Failed to save STL: %v", err)
	}

	info, err := os.Stat(filename)
	if err != nil {
		t.Fatalf("Failed to stat output file: %v", err)
	}

	// header 80 bytes, count 4 bytes, one triangle 50 bytes
	if info.Size() != 80+4+50 {
		t.Errorf("unexpected STL size %d", info.Size())
	}
}

// TestWriteSurface rejects empty surfaces
func TestWriteSurface(t *testing.T) {
	if err := WriteSurface(filepath.Join(t.TempDir(), "empty.stl"), &Surface{}); err == nil {
		t.Error("expected error for empty surface")
	}
}

// BenchmarkFromMask benchmarks surface extraction with smoothing
func BenchmarkFromMask(b *testing.B) {
	m := sphereMask(32, 10, [3]float64{1, 1, 1})
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := FromMask(m, 0.3); err != nil {
			b.Fatal(err)
		}
	}
}
