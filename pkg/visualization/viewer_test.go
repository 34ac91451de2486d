package visualization

import (
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"testing"

	"gonum.org/v1/gonum/spatial/r3"

	"lungctsegmenter/internal/models"
	"lungctsegmenter/pkg/segmentation"
)

func testVolume(w, h, d int) *models.Volume {
	v := models.NewVolume(models.NewGeometry([3]int{w, h, d}, r3.Vec{}, [3]float64{1, 1, 1}))
	// each K slice is brighter than the one below
	for k := 0; k < d; k++ {
		for j := 0; j < h; j++ {
			for i := 0; i < w; i++ {
				v.Data[v.Index(i, j, k)] = float64(k) * 100
			}
		}
	}
	v.Window = float64(d-1) * 100
	v.Level = v.Window / 2
	return v
}

func rgba(img image.Image, x, y int) color.RGBA {
	return color.RGBAModel.Convert(img.At(x, y)).(color.RGBA)
}

// TestNewViewer verifies that the display window follows the volume
func TestNewViewer(t *testing.T) {
	vol := testVolume(4, 4, 5)
	viewer := NewViewer(vol)
	if viewer.lo != 0 || viewer.hi != 400 {
		t.Errorf("Expected window [0,400], got [%g,%g]", viewer.lo, viewer.hi)
	}

	vol.Window = 0
	viewer = NewViewer(vol)
	if viewer.lo != 0 || viewer.hi != 400 {
		t.Errorf("Expected data range window [0,400], got [%g,%g]", viewer.lo, viewer.hi)
	}
}

// TestExtractSlice verifies slice sizes, intensity mapping and orientation
func TestExtractSlice(t *testing.T) {
	width, height, depth := 10, 8, 5
	viewer := NewViewer(testVolume(width, height, depth))

	for z := 0; z < depth; z++ {
		img, err := viewer.ExtractSlice("z", z)
		if err != nil {
			t.Fatalf("Failed to extract Z slice at position %d: %v", z, err)
		}
		if b := img.Bounds(); b.Dx() != width || b.Dy() != height {
			t.Errorf("Expected slice %dx%d, got %dx%d", width, height, b.Dx(), b.Dy())
		}
		want := to8(float64(z) / float64(depth-1))
		if got := rgba(img, 3, 3); got.R != want || got.G != want || got.B != want {
			t.Errorf("Z slice %d: expected gray %d, got %v", z, want, got)
		}
	}

	img, err := viewer.ExtractSlice("x", 2)
	if err != nil {
		t.Fatalf("Failed to extract X slice: %v", err)
	}
	if b := img.Bounds(); b.Dx() != height || b.Dy() != depth {
		t.Errorf("Expected X slice %dx%d, got %dx%d", height, depth, b.Dx(), b.Dy())
	}
	// superior at the top
	if top, bottom := rgba(img, 0, 0), rgba(img, 0, depth-1); top.R != 255 || bottom.R != 0 {
		t.Errorf("Expected brightest row at the top, got top %v bottom %v", top, bottom)
	}

	img, err = viewer.ExtractSlice("Y", 1)
	if err != nil {
		t.Fatalf("Failed to extract Y slice: %v", err)
	}
	if b := img.Bounds(); b.Dx() != width || b.Dy() != depth {
		t.Errorf("Expected Y slice %dx%d, got %dx%d", width, depth, b.Dx(), b.Dy())
	}

	if _, err := viewer.ExtractSlice("w", 0); err == nil {
		t.Error("Expected error for invalid axis")
	}
	if _, err := viewer.ExtractSlice("z", depth); err == nil {
		t.Error("Expected error for position past the end")
	}
	if _, err := viewer.ExtractSlice("z", -1); err == nil {
		t.Error("Expected error for negative position")
	}
}

// TestOverlayBlending verifies that masked voxels take the segment color
func TestOverlayBlending(t *testing.T) {
	vol := testVolume(6, 6, 3)
	viewer := NewViewer(vol)
	viewer.Opacity = 1

	result := segmentation.NewResult("seg", vol.Geometry)
	mask := models.NewMask(vol.Geometry)
	mask.Data[vol.Index(1, 1, 0)] = 1
	if _, err := result.AddSegment("right lung", segmentation.Color{1, 0, 0}, mask); err != nil {
		t.Fatalf("AddSegment failed: %v", err)
	}
	hidden, err := result.AddSegment("right lung anterior", segmentation.Color{0, 0, 1}, mask.Clone())
	if err != nil {
		t.Fatalf("AddSegment failed: %v", err)
	}
	hidden.Visible = false

	if err := viewer.AddResult(result); err != nil {
		t.Fatalf("AddResult failed: %v", err)
	}
	if len(viewer.Overlays()) != 1 {
		t.Fatalf("Expected 1 visible overlay, got %d", len(viewer.Overlays()))
	}

	img, err := viewer.ExtractSlice("z", 0)
	if err != nil {
		t.Fatalf("Failed to extract slice: %v", err)
	}
	// row is flipped: j=1 is drawn at y = 6-1-1
	if got := rgba(img, 1, 4); got.R != 255 || got.G != 0 || got.B != 0 {
		t.Errorf("Expected red overlay pixel, got %v", got)
	}
	if got := rgba(img, 2, 4); got.R != 0 {
		t.Errorf("Expected dark background pixel, got %v", got)
	}
}

// TestAddOverlayGeometryMismatch verifies that masks on another grid are rejected
func TestAddOverlayGeometryMismatch(t *testing.T) {
	viewer := NewViewer(testVolume(4, 4, 4))
	other := models.NewMask(models.NewGeometry([3]int{2, 2, 2}, r3.Vec{}, [3]float64{2, 2, 2}))
	if err := viewer.AddOverlay("x", other, segmentation.ColorUnknown); err == nil {
		t.Error("Expected geometry mismatch error")
	}
}

// TestAddLabelMap verifies one overlay per label present
func TestAddLabelMap(t *testing.T) {
	vol := testVolume(4, 4, 4)
	viewer := NewViewer(vol)
	labels := models.NewMask(vol.Geometry)
	labels.Data[0] = 1
	labels.Data[5] = 3
	if err := viewer.AddLabelMap(labels, []segmentation.Color{segmentation.ColorRightLung}); err != nil {
		t.Fatalf("AddLabelMap failed: %v", err)
	}
	if n := len(viewer.Overlays()); n != 2 {
		t.Errorf("Expected 2 overlays, got %d", n)
	}
}

// TestSaveSliceSequence verifies that JPEG files are written and decodable
func TestSaveSliceSequence(t *testing.T) {
	dir := t.TempDir()
	viewer := NewViewer(testVolume(8, 8, 6))

	files, err := viewer.SaveSliceSequence("z", dir, 2)
	if err != nil {
		t.Fatalf("SaveSliceSequence failed: %v", err)
	}
	if len(files) != 3 {
		t.Fatalf("Expected 3 files, got %d", len(files))
	}
	if filepath.Base(files[1]) != "slice_z_002.jpg" {
		t.Errorf("Unexpected file name %s", files[1])
	}

	f, err := os.Open(files[0])
	if err != nil {
		t.Fatalf("Failed to open %s: %v", files[0], err)
	}
	defer f.Close()
	img, err := jpeg.Decode(f)
	if err != nil {
		t.Fatalf("Failed to decode JPEG: %v", err)
	}
	if img.Bounds().Dx() != 8 {
		t.Errorf("Expected width 8, got %d", img.Bounds().Dx())
	}

	centers, err := viewer.SaveCenterSlices(filepath.Join(dir, "center"))
	if err != nil {
		t.Fatalf("SaveCenterSlices failed: %v", err)
	}
	if len(centers) != 3 {
		t.Errorf("Expected 3 center slices, got %d", len(centers))
	}
}
