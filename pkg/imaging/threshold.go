package imaging

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"lungctsegmenter/internal/models"
)

const otsuBins = 256

// OtsuThreshold returns the intensity that maximises the between-class
// variance of values.
func OtsuThreshold(values []float64) (float64, error) {
	if len(values) == 0 {
		return 0, fmt.Errorf("otsu threshold of empty sample")
	}
	x := append([]float64(nil), values...)
	sort.Float64s(x)
	lo, hi := x[0], x[len(x)-1]
	if hi <= lo {
		return lo, nil
	}

	// Span does not hit its upper bound exactly; Histogram needs every value
	// strictly below the last divider.
	dividers := make([]float64, otsuBins+1)
	floats.Span(dividers, lo, hi)
	dividers[otsuBins] = math.Nextafter(hi, math.Inf(1))
	for b := 1; b <= otsuBins; b++ {
		if dividers[b] <= dividers[b-1] {
			return 0.5 * (lo + hi), nil
		}
	}
	hist := stat.Histogram(nil, dividers, x, nil)

	total := float64(len(x))
	centres := make([]float64, otsuBins)
	for b := range centres {
		centres[b] = 0.5 * (dividers[b] + dividers[b+1])
	}
	sumAll := floats.Dot(hist, centres)

	best, bestVar := 0, -1.0
	wB, sumB := 0.0, 0.0
	for b := 0; b < otsuBins; b++ {
		wB += hist[b]
		if wB == 0 {
			continue
		}
		wF := total - wB
		if wF == 0 {
			break
		}
		sumB += hist[b] * centres[b]
		mB := sumB / wB
		mF := (sumAll - sumB) / wF
		between := wB * wF * (mB - mF) * (mB - mF)
		if between > bestVar {
			bestVar = between
			best = b
		}
	}
	return dividers[best+1], nil
}

// LocalThresholdGrow implements LocalThresholdGrow.
//
// The upper threshold is the Otsu threshold of the seed neighbourhood, capped
// by the configured range. Voxels inside [min, upper] connected to the seed
// form the result after thin branches are removed by an opening with the
// minimum diameter.
func (t *Toolkit) LocalThresholdGrow(v *models.Volume, seed [3]int, opts LocalThresholdOptions) (*models.Mask, error) {
	if !v.Contains(seed[0], seed[1], seed[2]) {
		return nil, fmt.Errorf("seed %v outside volume %v", seed, v.Dims)
	}

	radiusMM := opts.FeatureSizeMM
	if radiusMM <= 0 {
		radiusMM = 3
	}
	// neighbourhood large enough to contain both airway lumen and wall
	radiusMM *= 10
	var local []float64
	var r [3]int
	for a := 0; a < 3; a++ {
		r[a] = maxInt(1, int(math.Ceil(radiusMM/v.Spacing[a])))
	}
	for k := maxInt(0, seed[2]-r[2]); k <= minInt(v.Dims[2]-1, seed[2]+r[2]); k++ {
		for j := maxInt(0, seed[1]-r[1]); j <= minInt(v.Dims[1]-1, seed[1]+r[1]); j++ {
			for i := maxInt(0, seed[0]-r[0]); i <= minInt(v.Dims[0]-1, seed[0]+r[0]); i++ {
				local = append(local, v.At(i, j, k))
			}
		}
	}
	otsu, err := OtsuThreshold(local)
	if err != nil {
		return nil, err
	}

	upper := math.Min(otsu, opts.Threshold.Max)
	seedValue := v.At(seed[0], seed[1], seed[2])
	if seedValue > upper {
		upper = opts.Threshold.Max
	}
	rng := Range{Min: opts.Threshold.Min, Max: upper}

	candidate := models.NewMask(v.Geometry)
	for i, x := range v.Data {
		if rng.Contains(x) {
			candidate.Data[i] = 1
		}
	}
	if candidate.Data[v.Index(seed[0], seed[1], seed[2])] == 0 {
		return nil, fmt.Errorf("seed intensity %g outside airway threshold %s", seedValue, rng)
	}

	opened := candidate.Clone()
	if opts.MinimumDiameterMM > 0 {
		t.Open(opened, opts.MinimumDiameterMM)
	}
	if opened.Data[v.Index(seed[0], seed[1], seed[2])] != 0 {
		return ConnectedComponent(opened, seed), nil
	}
	return ConnectedComponent(candidate, seed), nil
}

// ConnectedComponent returns the 6-connected component of m containing seed.
func ConnectedComponent(m *models.Mask, seed [3]int) *models.Mask {
	out := models.NewMask(m.Geometry)
	start := m.Index(seed[0], seed[1], seed[2])
	if m.Data[start] == 0 {
		return out
	}
	stack := []int{start}
	out.Data[start] = 1
	for len(stack) > 0 {
		idx := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		i, j, k := m.Coord(idx)
		for _, d := range neighbours6 {
			ni, nj, nk := i+d[0], j+d[1], k+d[2]
			if !m.Contains(ni, nj, nk) {
				continue
			}
			n := m.Index(ni, nj, nk)
			if m.Data[n] != 0 && out.Data[n] == 0 {
				out.Data[n] = 1
				stack = append(stack, n)
			}
		}
	}
	return out
}
