package imaging

import (
	"fmt"
	"math"

	"lungctsegmenter/internal/models"
)

// kernelRadius converts a kernel size in mm to a per-axis half width in voxels.
// The kernel size in voxels is rounded and forced odd.
func kernelRadius(g models.Geometry, sizeMM float64) [3]int {
	var r [3]int
	for a := 0; a < 3; a++ {
		n := int(math.Round(sizeMM / g.Spacing[a]))
		if n%2 == 0 {
			n++
		}
		r[a] = (n - 1) / 2
	}
	return r
}

// Close implements MorphologicalClose with a box kernel.
func (t *Toolkit) Close(m *models.Mask, kernelMM float64) error {
	if kernelMM <= 0 {
		return fmt.Errorf("closing kernel must be positive, got %g mm", kernelMM)
	}
	r := kernelRadius(m.Geometry, kernelMM)
	m.Binarize()
	dilate(m, r)
	erode(m, r)
	return nil
}

// Margin implements MarginAdjust. Negative margins erode.
func (t *Toolkit) Margin(m *models.Mask, marginMM float64) error {
	if marginMM == 0 {
		return nil
	}
	var r [3]int
	for a := 0; a < 3; a++ {
		r[a] = int(math.Round(math.Abs(marginMM) / m.Spacing[a]))
	}
	m.Binarize()
	if marginMM > 0 {
		dilate(m, r)
	} else {
		erode(m, r)
	}
	return nil
}

// Open applies erosion followed by dilation.
func (t *Toolkit) Open(m *models.Mask, kernelMM float64) {
	r := kernelRadius(m.Geometry, kernelMM)
	m.Binarize()
	erode(m, r)
	dilate(m, r)
}

func dilate(m *models.Mask, r [3]int) {
	for a := 0; a < 3; a++ {
		if r[a] > 0 {
			runFilter(m, a, r[a], true)
		}
	}
}

func erode(m *models.Mask, r [3]int) {
	for a := 0; a < 3; a++ {
		if r[a] > 0 {
			runFilter(m, a, r[a], false)
		}
	}
}

// runFilter applies a 1D max (dilate) or min (erode) filter of half width r
// along axis. Voxels outside the grid are ignored.
func runFilter(m *models.Mask, axis, r int, dilate bool) {
	dims := m.Dims
	stride := [3]int{1, dims[0], dims[0] * dims[1]}[axis]
	length := dims[axis]
	line := make([]uint8, length)
	// prefix[i] counts set voxels in line[:i]
	prefix := make([]int, length+1)

	u, w := (axis+1)%3, (axis+2)%3
	for b := 0; b < dims[w]; b++ {
		for c := 0; c < dims[u]; c++ {
			var pos [3]int
			pos[u], pos[w] = c, b
			start := m.Index(pos[0], pos[1], pos[2])
			for i := 0; i < length; i++ {
				line[i] = m.Data[start+i*stride]
				prefix[i+1] = prefix[i] + int(line[i])
			}
			for i := 0; i < length; i++ {
				lo, hi := maxInt(0, i-r), minInt(length-1, i+r)
				set := prefix[hi+1] - prefix[lo]
				var v uint8
				if dilate {
					if set > 0 {
						v = 1
					}
				} else if set == hi-lo+1 {
					v = 1
				}
				m.Data[start+i*stride] = v
			}
		}
	}
}
