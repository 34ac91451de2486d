package growing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"lungctsegmenter/internal/models"
	"lungctsegmenter/internal/phantom"
	"lungctsegmenter/pkg/imaging"
	"lungctsegmenter/pkg/seeds"
	"lungctsegmenter/pkg/segmentation"
)

var lungRange = imaging.Range{Min: -1500, Max: -400}

func workingVolume(t *testing.T) *models.Volume {
	t.Helper()
	w, err := imaging.NewToolkit().ResampleVolume(phantom.ChestCT(), [3]float64{2, 2, 2})
	require.NoError(t, err)
	return w
}

func centroidX(m *models.Mask) float64 {
	tr := m.Geometry.MustTransform()
	sum, n := 0.0, 0
	for idx, v := range m.Data {
		if v == 0 {
			continue
		}
		i, j, k := m.Coord(idx)
		sum += tr.ToWorld(float64(i), float64(j), float64(k)).X
		n++
	}
	return sum / float64(n)
}

func TestRasterizeRadii(t *testing.T) {
	g := models.NewGeometry([3]int{40, 40, 40}, r3.Vec{X: -40, Y: -40, Z: -40}, [3]float64{2, 2, 2})
	st := seeds.NewStore(nil)
	_, _ = st.AddPoint(seeds.RightLung, r3.Vec{X: 20})
	_, _ = st.AddPoint(seeds.Trachea, r3.Vec{X: -20})
	snap, err := st.Snapshot()
	require.NoError(t, err)

	e := NewEngine(imaging.NewToolkit(), DefaultOptions(lungRange), nil)
	labels, err := e.Rasterize(g, snap)
	require.NoError(t, err)

	right := labels.Extract(1)
	other := labels.Extract(3)
	// 10 mm sphere on a 2 mm grid: 5 voxel radius, far more voxels than the 2 mm marker
	assert.Greater(t, right.Count(), 400)
	assert.Less(t, right.Count(), 700)
	assert.GreaterOrEqual(t, other.Count(), 1)
	assert.LessOrEqual(t, other.Count(), 7)
	assert.Zero(t, labels.Extract(2).Count())
}

func TestGrowPreviewProducesThreeSegments(t *testing.T) {
	working := workingVolume(t)
	result := segmentation.NewResult("Lung segmentation", working.Geometry)
	st := seeds.NewStore(nil)
	require.NoError(t, phantom.Place(st))
	snap, err := st.Snapshot()
	require.NoError(t, err)

	e := NewEngine(imaging.NewToolkit(), DefaultOptions(lungRange), nil)
	grown, err := e.GrowPreview(result, working, snap)
	require.NoError(t, err)
	require.True(t, grown)

	assert.Equal(t, []string{segmentation.RightLung, segmentation.LeftLung, segmentation.Other}, result.Names())
	for _, s := range result.Segments() {
		assert.False(t, s.Mask.Empty(), s.Name)
	}
	assert.Greater(t, centroidX(result.ByName(segmentation.RightLung).Mask), 15.0)
	assert.Less(t, centroidX(result.ByName(segmentation.LeftLung).Mask), -15.0)
	assert.InDelta(t, 0, centroidX(result.ByName(segmentation.Other).Mask), 2)

	rev, ok := e.GrownRevision()
	assert.True(t, ok)
	assert.Equal(t, snap.Revision, rev)
}

func TestGrowPreviewIsIdempotent(t *testing.T) {
	working := workingVolume(t)
	result := segmentation.NewResult("Lung segmentation", working.Geometry)
	st := seeds.NewStore(nil)
	require.NoError(t, phantom.Place(st))
	snap, _ := st.Snapshot()

	e := NewEngine(imaging.NewToolkit(), DefaultOptions(lungRange), nil)
	_, err := e.GrowPreview(result, working, snap)
	require.NoError(t, err)
	ids := e.SegmentIDs()
	first := make([][]uint8, 0, 3)
	for _, s := range result.Segments() {
		first = append(first, append([]uint8(nil), s.Mask.Data...))
	}

	_, err = e.GrowPreview(result, working, snap)
	require.NoError(t, err)
	assert.Equal(t, ids, e.SegmentIDs())
	require.Equal(t, 3, result.Len())
	for n, s := range result.Segments() {
		assert.Equal(t, first[n], s.Mask.Data, s.Name)
	}
}

func TestGrowPreviewInsufficientSeeds(t *testing.T) {
	working := workingVolume(t)
	result := segmentation.NewResult("Lung segmentation", working.Geometry)
	st := seeds.NewStore(nil)
	pts := phantom.SeedPoints()
	for _, p := range pts[seeds.RightLung][:5] {
		_, _ = st.AddPoint(seeds.RightLung, p)
	}
	for _, p := range pts[seeds.LeftLung] {
		_, _ = st.AddPoint(seeds.LeftLung, p)
	}
	_, _ = st.AddPoint(seeds.Trachea, pts[seeds.Trachea][0])
	snap, _ := st.Snapshot()

	e := NewEngine(imaging.NewToolkit(), DefaultOptions(lungRange), nil)
	grown, err := e.GrowPreview(result, working, snap)
	require.NoError(t, err)
	assert.False(t, grown)
	assert.Zero(t, result.Len())
	_, ok := e.GrownRevision()
	assert.False(t, ok)
}

func TestFinalizeDisablesIntensityMask(t *testing.T) {
	e := NewEngine(imaging.NewToolkit(), DefaultOptions(lungRange), nil)
	assert.True(t, e.IntensityMaskEnabled())
	e.Finalize()
	assert.False(t, e.IntensityMaskEnabled())
	e.Reset()
	assert.True(t, e.IntensityMaskEnabled())
	assert.Equal(t, [3]string{}, e.SegmentIDs())
}
