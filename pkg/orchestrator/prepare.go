package orchestrator

import (
	"lungctsegmenter/internal/models"
	"lungctsegmenter/pkg/imaging"
	"lungctsegmenter/pkg/segmentation"
)

// WorkingSpacingMM is the isotropic spacing of the preview volume.
const WorkingSpacingMM = 2.0

// WorkingVolumeName names the working copy in resample errors.
const WorkingVolumeName = "working volume"

// PrepareWorkingVolume resamples input to WorkingSpacingMM with linear
// interpolation and keeps its display window and level.
func PrepareWorkingVolume(rs imaging.Resampler, input *models.Volume) (*models.Volume, error) {
	if input == nil {
		return nil, ErrNoInputVolume
	}
	working, err := rs.ResampleVolume(input, [3]float64{WorkingSpacingMM, WorkingSpacingMM, WorkingSpacingMM})
	if err != nil {
		return nil, &segmentation.ResampleError{Segment: WorkingVolumeName, Err: err}
	}
	working.Window, working.Level = input.Window, input.Level
	return working, nil
}
