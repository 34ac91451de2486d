package imaging

import (
	"fmt"
	"math"

	"lungctsegmenter/internal/models"
)

// GaussianSmooth implements GaussianSmooth. The binary mask is blurred with a
// separable Gaussian kernel and thresholded at half height.
func (t *Toolkit) GaussianSmooth(m *models.Mask, sigmaMM float64) error {
	if sigmaMM <= 0 {
		return fmt.Errorf("gaussian standard deviation must be positive, got %g mm", sigmaMM)
	}
	field := make([]float64, len(m.Data))
	for i, v := range m.Data {
		if v != 0 {
			field[i] = 1
		}
	}
	for a := 0; a < 3; a++ {
		sigma := sigmaMM / m.Spacing[a]
		if sigma < 0.1 {
			continue
		}
		convolveAxis(field, m.Geometry, a, gaussianKernel(sigma))
	}
	for i, f := range field {
		if f >= 0.5 {
			m.Data[i] = 1
		} else {
			m.Data[i] = 0
		}
	}
	return nil
}

// gaussianKernel returns a normalised kernel covering three standard deviations.
func gaussianKernel(sigma float64) []float64 {
	r := int(math.Ceil(3 * sigma))
	k := make([]float64, 2*r+1)
	sum := 0.0
	for i := -r; i <= r; i++ {
		w := math.Exp(-float64(i*i) / (2 * sigma * sigma))
		k[i+r] = w
		sum += w
	}
	for i := range k {
		k[i] /= sum
	}
	return k
}

// convolveAxis convolves field along axis, renormalising the kernel at the border.
func convolveAxis(field []float64, g models.Geometry, axis int, kernel []float64) {
	dims := g.Dims
	stride := [3]int{1, dims[0], dims[0] * dims[1]}[axis]
	length := dims[axis]
	r := len(kernel) / 2
	line := make([]float64, length)

	u, w := (axis+1)%3, (axis+2)%3
	for b := 0; b < dims[w]; b++ {
		for c := 0; c < dims[u]; c++ {
			var pos [3]int
			pos[u], pos[w] = c, b
			start := g.Index(pos[0], pos[1], pos[2])
			for i := 0; i < length; i++ {
				line[i] = field[start+i*stride]
			}
			for i := 0; i < length; i++ {
				sum, norm := 0.0, 0.0
				for o := -r; o <= r; o++ {
					p := i + o
					if p < 0 || p >= length {
						continue
					}
					wgt := kernel[o+r]
					sum += wgt * line[p]
					norm += wgt
				}
				field[start+i*stride] = sum / norm
			}
		}
	}
}
