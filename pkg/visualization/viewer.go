// Package visualization renders 2D slice snapshots of segment masks blended
// over the CT volume.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"os"
	"path/filepath"

	"lungctsegmenter/internal/models"
	"lungctsegmenter/pkg/segmentation"
)

// DefaultOverlayOpacity is the blend weight of a mask over the CT.
const DefaultOverlayOpacity = 0.5

// Overlay is a binary mask drawn in a single color.
type Overlay struct {
	Name  string
	Mask  *models.Mask
	Color segmentation.Color
}

// Viewer extracts slices of a volume with mask overlays
type Viewer struct {
	volume   *models.Volume
	overlays []Overlay

	// Opacity is the overlay blend weight in [0,1]
	Opacity float64

	// window bounds in intensity units
	lo, hi float64
}

// NewViewer creates a viewer using the volume's window and level. When the
// volume has no window the full intensity range is displayed.
func NewViewer(volume *models.Volume) *Viewer {
	v := &Viewer{volume: volume, Opacity: DefaultOverlayOpacity}
	if volume.Window > 0 {
		v.lo = volume.Level - volume.Window/2
		v.hi = volume.Level + volume.Window/2
	} else {
		v.lo, v.hi = volume.Range()
	}
	return v
}

// SetWindow overrides the display window.
func (v *Viewer) SetWindow(window, level float64) {
	v.lo = level - window/2
	v.hi = level + window/2
}

// AddOverlay draws mask in c. The mask must share the volume geometry.
func (v *Viewer) AddOverlay(name string, mask *models.Mask, c segmentation.Color) error {
	if !mask.Geometry.Equal(v.volume.Geometry) {
		return fmt.Errorf("overlay %q geometry %v does not match volume %v", name, mask.Geometry, v.volume.Geometry)
	}
	v.overlays = append(v.overlays, Overlay{Name: name, Mask: mask, Color: c})
	return nil
}

// AddResult adds every visible segment of r in segment order.
func (v *Viewer) AddResult(r *segmentation.Result) error {
	for _, s := range r.Segments() {
		if !s.Visible {
			continue
		}
		if err := v.AddOverlay(s.Name, s.Mask, s.Color); err != nil {
			return err
		}
	}
	return nil
}

// AddLabelMap adds one overlay per non-zero label found in m, colored from
// palette by label order.
func (v *Viewer) AddLabelMap(m *models.Mask, palette []segmentation.Color) error {
	var present [256]bool
	for _, l := range m.Data {
		present[l] = true
	}
	n := 0
	for l := 1; l < 256; l++ {
		if !present[l] {
			continue
		}
		c := segmentation.ColorUnknown
		if len(palette) > 0 {
			c = palette[n%len(palette)]
		}
		n++
		if err := v.AddOverlay(fmt.Sprintf("label %d", l), m.Extract(uint8(l)), c); err != nil {
			return err
		}
	}
	return nil
}

// Overlays returns the added overlays in draw order.
func (v *Viewer) Overlays() []Overlay {
	return v.overlays
}

func (v *Viewer) gray(x float64) float64 {
	if v.hi <= v.lo {
		return 0
	}
	return math.Max(0, math.Min(1, (x-v.lo)/(v.hi-v.lo)))
}

func (v *Viewer) pixel(idx int) color.RGBA {
	g := v.gray(v.volume.Data[idx])
	r, gr, b := g, g, g
	for _, o := range v.overlays {
		if o.Mask.Data[idx] == 0 {
			continue
		}
		r = r*(1-v.Opacity) + o.Color[0]*v.Opacity
		gr = gr*(1-v.Opacity) + o.Color[1]*v.Opacity
		b = b*(1-v.Opacity) + o.Color[2]*v.Opacity
	}
	return color.RGBA{R: to8(r), G: to8(gr), B: to8(b), A: 255}
}

func to8(x float64) uint8 {
	return uint8(math.Round(math.Max(0, math.Min(1, x)) * 255))
}

// ExtractSlice extracts a 2D slice along the x (I), y (J) or z (K) axis.
// Rows run from the highest index down so anterior and superior are up for
// an RAS-aligned volume.
func (v *Viewer) ExtractSlice(axis string, position int) (image.Image, error) {
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}
	g := v.volume.Geometry
	d := g.Dims

	var img *image.RGBA

	switch axis {
	case "x", "X":
		// Extract slice along JK plane
		if position >= d[0] {
			return nil, fmt.Errorf("position %d exceeds width %d", position, d[0])
		}
		img = image.NewRGBA(image.Rect(0, 0, d[1], d[2]))
		for k := 0; k < d[2]; k++ {
			for j := 0; j < d[1]; j++ {
				img.SetRGBA(j, d[2]-1-k, v.pixel(g.Index(position, j, k)))
			}
		}

	case "y", "Y":
		// Extract slice along IK plane
		if position >= d[1] {
			return nil, fmt.Errorf("position %d exceeds height %d", position, d[1])
		}
		img = image.NewRGBA(image.Rect(0, 0, d[0], d[2]))
		for k := 0; k < d[2]; k++ {
			for i := 0; i < d[0]; i++ {
				img.SetRGBA(i, d[2]-1-k, v.pixel(g.Index(i, position, k)))
			}
		}

	case "z", "Z":
		// Extract slice along IJ plane
		if position >= d[2] {
			return nil, fmt.Errorf("position %d exceeds depth %d", position, d[2])
		}
		img = image.NewRGBA(image.Rect(0, 0, d[0], d[1]))
		for j := 0; j < d[1]; j++ {
			for i := 0; i < d[0]; i++ {
				img.SetRGBA(i, d[1]-1-j, v.pixel(g.Index(i, j, position)))
			}
		}

	default:
		return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	return img, nil
}

func (v *Viewer) axisLen(axis string) (int, error) {
	switch axis {
	case "x", "X":
		return v.volume.Dims[0], nil
	case "y", "Y":
		return v.volume.Dims[1], nil
	case "z", "Z":
		return v.volume.Dims[2], nil
	}
	return 0, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
}

// SaveSlice saves an extracted slice as a JPEG image
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	return jpeg.Encode(file, img, &jpeg.Options{Quality: 90})
}

// SaveSliceSequence writes every step-th slice along axis to outputDir and
// returns the file names.
func (v *Viewer) SaveSliceSequence(axis string, outputDir string, step int) ([]string, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, err
	}
	maxPos, err := v.axisLen(axis)
	if err != nil {
		return nil, err
	}
	if step < 1 {
		step = 1
	}

	var files []string
	for pos := 0; pos < maxPos; pos += step {
		img, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return files, err
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d.jpg", axis, pos))
		if err := v.SaveSlice(img, filename); err != nil {
			return files, err
		}
		files = append(files, filename)
	}

	return files, nil
}

// SaveCenterSlices writes the middle slice of each axis to outputDir.
func (v *Viewer) SaveCenterSlices(outputDir string) ([]string, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, err
	}
	var files []string
	for _, axis := range []string{"x", "y", "z"} {
		n, _ := v.axisLen(axis)
		img, err := v.ExtractSlice(axis, n/2)
		if err != nil {
			return files, err
		}
		filename := filepath.Join(outputDir, fmt.Sprintf("center_%s.jpg", axis))
		if err := v.SaveSlice(img, filename); err != nil {
			return files, err
		}
		files = append(files, filename)
	}
	return files, nil
}
