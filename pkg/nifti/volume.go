package nifti

import (
	"errors"
	"fmt"
	"math"

	"lungctsegmenter/internal/models"
)

// ReadVolume loads a scalar image. The display window is taken from
// cal_min/cal_max when set, otherwise from the intensity range.
func ReadVolume(path string) (*models.Volume, error) {
	img, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	v := &models.Volume{Geometry: img.Geometry, Data: img.Data}
	lo, hi := img.CalMin, img.CalMax
	if hi <= lo {
		lo, hi = v.Range()
	}
	v.Window, v.Level = hi-lo, (hi+lo)/2
	return v, nil
}

// WriteVolume stores v as int16 when every intensity is integral and fits,
// as float32 otherwise.
func WriteVolume(path string, v *models.Volume) error {
	dt := DTInt16
	for _, x := range v.Data {
		if x != math.Trunc(x) || x < math.MinInt16 || x > math.MaxInt16 {
			dt = DTFloat32
			break
		}
	}
	return WriteFile(path, &Image{
		Geometry: v.Geometry,
		Datatype: dt,
		Data:     v.Data,
		CalMin:   v.Level - v.Window/2,
		CalMax:   v.Level + v.Window/2,
	})
}

// ReadMask loads a label image. Values are rounded and clamped to 0..255.
func ReadMask(path string) (*models.Mask, error) {
	img, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	m := models.NewMask(img.Geometry)
	for i, x := range img.Data {
		m.Data[i] = uint8(clampRound(x, 0, math.MaxUint8))
	}
	return m, nil
}

// WriteMask stores a label image as uint8.
func WriteMask(path string, m *models.Mask) error {
	data := make([]float64, len(m.Data))
	for i, v := range m.Data {
		data[i] = float64(v)
	}
	return WriteFile(path, &Image{Geometry: m.Geometry, Datatype: DTUint8, Data: data})
}

// MaxLabels is the largest number of masks a uint8 label map can hold.
const MaxLabels = math.MaxUint8

// ErrTooManyLabels is returned by LabelMap when the masks do not fit uint8 labels.
var ErrTooManyLabels = errors.New("too many masks for a uint8 label map")

// LabelMap merges binary masks into one label image, assigning label n+1 to
// masks[n]. Later masks win where they overlap. Every mask must share g.
func LabelMap(g models.Geometry, masks []*models.Mask) (*models.Mask, error) {
	if len(masks) > MaxLabels {
		return nil, fmt.Errorf("%w: %d", ErrTooManyLabels, len(masks))
	}
	out := models.NewMask(g)
	for n, m := range masks {
		if m == nil || !m.Geometry.Equal(g) {
			continue
		}
		for i, v := range m.Data {
			if v != 0 {
				out.Data[i] = uint8(n + 1)
			}
		}
	}
	return out, nil
}
