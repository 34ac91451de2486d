package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"lungctsegmenter/internal/models"
	"lungctsegmenter/internal/phantom"
	"lungctsegmenter/pkg/ai"
	"lungctsegmenter/pkg/imaging"
	"lungctsegmenter/pkg/seeds"
	"lungctsegmenter/pkg/segmentation"
)

func testOptions(t *testing.T) Options {
	t.Helper()
	opts := DefaultOptions()
	opts.TempDir = t.TempDir()
	opts.AirwayThreshold = imaging.Range{Min: -1100, Max: -900}
	return opts
}

func newLogic(t *testing.T, opts Options, caps imaging.Capabilities, d *ai.Delegate) (*Logic, *[]State) {
	t.Helper()
	var states []State
	l, err := New(Config{
		Capabilities:  caps,
		Delegate:      d,
		Options:       opts,
		OnStateChange: func(_, to State) { states = append(states, to) },
	})
	require.NoError(t, err)
	l.SetInput(phantom.ChestCT(), "")
	return l, &states
}

func placeAll(t *testing.T, l *Logic) {
	t.Helper()
	pts := phantom.SeedPoints()
	for _, set := range seeds.Sets {
		for _, p := range pts[set] {
			_, err := l.AddPoint(set, p)
			require.NoError(t, err)
		}
	}
}

// phantomLungmask labels the phantom lungs and splits each lung into lobes
// by height.
type phantomLungmask struct {
	err error
}

func (f *phantomLungmask) Apply(_ context.Context, v *models.Volume, model string) (*models.Mask, error) {
	if f.err != nil {
		return nil, f.err
	}
	m := models.NewMask(v.Geometry)
	tr := v.MustTransform()
	for idx := range m.Data {
		i, j, k := v.Coord(idx)
		p := tr.ToWorld(float64(i), float64(j), float64(k))
		right := phantom.InEllipsoid(p, phantom.RightLungCenter, phantom.LungSemiAxes)
		left := phantom.InEllipsoid(p, phantom.LeftLungCenter, phantom.LungSemiAxes)
		switch {
		case model == ai.ModelR231 && right:
			m.Data[idx] = 1
		case model == ai.ModelR231 && left:
			m.Data[idx] = 2
		case model == ai.ModelLTRCLobes && left:
			m.Data[idx] = 1
			if p.Z < 0 {
				m.Data[idx] = 2
			}
		case model == ai.ModelLTRCLobes && right:
			switch {
			case p.Z > 15:
				m.Data[idx] = 3
			case p.Z > -15:
				m.Data[idx] = 4
			default:
				m.Data[idx] = 5
			}
		}
	}
	return m, nil
}

// flakyResampler fails mask resampling while fail is set.
type flakyResampler struct {
	*imaging.Toolkit
	fail bool
}

func (f *flakyResampler) ResampleMask(m *models.Mask, target models.Geometry) (*models.Mask, error) {
	if f.fail {
		return nil, errors.New("resampler unavailable")
	}
	return f.Toolkit.ResampleMask(m, target)
}

func TestNewValidatesCapabilities(t *testing.T) {
	_, err := New(Config{})
	assert.ErrorIs(t, err, imaging.ErrCapabilityMissing)
}

func TestStartRequiresInput(t *testing.T) {
	l, err := New(Config{Capabilities: imaging.Default(), Options: testOptions(t)})
	require.NoError(t, err)
	assert.Equal(t, "Select input volume.", l.Instructions())
	assert.ErrorIs(t, l.Start(), ErrNoInputVolume)
	assert.Equal(t, Idle, l.State())
}

func TestSeedOperationsBeforeStart(t *testing.T) {
	l, _ := newLogic(t, testOptions(t), imaging.Default(), nil)
	_, err := l.AddPoint(seeds.RightLung, r3.Vec{})
	assert.ErrorIs(t, err, seeds.ErrInvalidSeedSet)
	assert.ErrorIs(t, l.RemovePoint(seeds.Trachea, 0), seeds.ErrInvalidSeedSet)
	assert.ErrorIs(t, l.Update(), ErrNotStarted)
	assert.ErrorIs(t, l.Apply(context.Background()), ErrNotStarted)
}

func TestStartPreparesWorkingVolume(t *testing.T) {
	l, states := newLogic(t, testOptions(t), imaging.Default(), nil)
	assert.Equal(t, `Click "Start" to initiate point placement.`, l.Instructions())

	require.NoError(t, l.Start())
	assert.Equal(t, Started, l.State())
	assert.Equal(t, []State{Started}, *states)

	w := l.WorkingVolume()
	require.NotNil(t, w)
	assert.Equal(t, [3]float64{2, 2, 2}, w.Spacing)
	assert.Equal(t, l.Input().Window, w.Window)
	assert.Equal(t, l.Input().Level, w.Level)
	assert.True(t, l.Result().Geometry().Equal(w.Geometry))
	assert.True(t, l.Seeds().Locked())

	// starting again keeps the session
	require.NoError(t, l.Start())
	assert.Same(t, w, l.WorkingVolume())
}

func TestMovePointIsRejectedWhileRunning(t *testing.T) {
	l, _ := newLogic(t, testOptions(t), imaging.Default(), nil)
	require.NoError(t, l.Start())
	_, err := l.AddPoint(seeds.Trachea, r3.Vec{Z: 45})
	require.NoError(t, err)
	assert.ErrorIs(t, l.MovePoint(seeds.Trachea, 0, r3.Vec{Z: 40}), seeds.ErrSeedLocked)
}

func TestInstructionsFollowPlacement(t *testing.T) {
	l, _ := newLogic(t, testOptions(t), imaging.Default(), nil)
	require.NoError(t, l.Start())
	pts := phantom.SeedPoints()
	add := func(set seeds.Set, n int) {
		for i := 0; i < n; i++ {
			c, err := l.store.PointCount(set)
			require.NoError(t, err)
			_, err = l.AddPoint(set, pts[set][c])
			require.NoError(t, err)
		}
	}

	assert.Equal(t, "Place 3 points in the right lung.", l.Instructions())
	add(seeds.RightLung, 1)
	assert.Equal(t, "Place 2 more points in the right lung.", l.Instructions())
	add(seeds.RightLung, 2)
	assert.Equal(t, "Place 3 points in the left lung.", l.Instructions())
	add(seeds.LeftLung, 3)
	assert.Equal(t, "Place 3 points in the right lung.", l.Instructions())
	add(seeds.RightLung, 2)
	assert.Equal(t, "Place 1 more point in the right lung.", l.Instructions())
	add(seeds.RightLung, 1)
	add(seeds.LeftLung, 3)
	assert.Equal(t, "Place 1 point in the trachea.", l.Instructions())
	add(seeds.Trachea, 1)
	assert.Equal(t, `Verify that segmentation is complete. Click "Apply" to finalize.`, l.Instructions())
}

func TestPreviewGrowsOnceSeedsSuffice(t *testing.T) {
	l, _ := newLogic(t, testOptions(t), imaging.Default(), nil)
	require.NoError(t, l.Start())

	pts := phantom.SeedPoints()
	for _, set := range []seeds.Set{seeds.RightLung, seeds.LeftLung} {
		for _, p := range pts[set] {
			_, err := l.AddPoint(set, p)
			require.NoError(t, err)
		}
	}
	assert.Equal(t, StatusNotEnoughMarkups, l.Status())
	assert.Zero(t, l.Result().Len())
	assert.Equal(t, Started, l.State())

	_, err := l.AddPoint(seeds.Trachea, pts[seeds.Trachea][0])
	require.NoError(t, err)
	assert.Equal(t, PreviewLoop, l.State())
	require.Equal(t, []string{segmentation.RightLung, segmentation.LeftLung, segmentation.Other}, l.Result().Names())
	for _, s := range l.Result().Segments() {
		assert.False(t, s.Mask.Empty(), s.Name)
	}

	// removing a point below the minimum leaves the preview as it was
	require.NoError(t, l.RemovePoint(seeds.RightLung, 5))
	assert.Equal(t, StatusNotEnoughMarkups, l.Status())
	assert.Equal(t, 3, l.Result().Len())
}

func TestUpdateIsIdempotent(t *testing.T) {
	l, _ := newLogic(t, testOptions(t), imaging.Default(), nil)
	require.NoError(t, l.Start())
	placeAll(t, l)

	before := map[string][]uint8{}
	for _, s := range l.Result().Segments() {
		before[s.Name] = append([]uint8(nil), s.Mask.Data...)
	}
	require.NoError(t, l.Update())
	require.NoError(t, l.Update())
	for _, s := range l.Result().Segments() {
		assert.Equal(t, before[s.Name], s.Mask.Data, s.Name)
	}
}

func TestOverlappingUpdatesCollapse(t *testing.T) {
	opts := testOptions(t)
	var l *Logic
	added := false
	grows := 0
	l, err := New(Config{
		Capabilities: imaging.Default(),
		Options:      opts,
		StatusFunc: func(msg string) {
			if msg != StatusRegionGrowing {
				return
			}
			grows++
			if !added {
				added = true
				_, err := l.AddPoint(seeds.RightLung, r3.Add(phantom.RightLungCenter, r3.Vec{Y: -10, Z: -10}))
				require.NoError(t, err)
			}
		},
	})
	require.NoError(t, err)
	l.SetInput(phantom.ChestCT(), "")
	require.NoError(t, l.Start())
	placeAll(t, l)

	// the point added during the first growth is picked up by exactly one more pass
	assert.Equal(t, 2, grows)
	rev, grown := l.engine.GrownRevision()
	require.True(t, grown)
	assert.Equal(t, l.Seeds().Revision(), rev)
	n, err := l.Seeds().PointCount(seeds.RightLung)
	require.NoError(t, err)
	assert.Equal(t, 7, n)
}

func TestApplyRequiresSeeds(t *testing.T) {
	l, _ := newLogic(t, testOptions(t), imaging.Default(), nil)
	require.NoError(t, l.Start())
	_, err := l.AddPoint(seeds.RightLung, phantom.RightLungCenter)
	require.NoError(t, err)

	assert.ErrorIs(t, l.Apply(context.Background()), ErrInsufficientSeeds)
	assert.Equal(t, Started, l.State())
	assert.Equal(t, StatusNotEnoughMarkups, l.Status())
}

func TestApplySeeded(t *testing.T) {
	opts := testOptions(t)
	opts.DetailedAirways = true
	opts.SaveSeeds = true
	l, states := newLogic(t, opts, imaging.Default(), nil)
	inputPath := filepath.Join(t.TempDir(), "CTChest.nii.gz")
	l.SetInput(l.Input(), inputPath)

	require.NoError(t, l.Start())
	placeAll(t, l)
	require.NoError(t, l.Apply(context.Background()))

	assert.Equal(t, Finished, l.State())
	assert.Equal(t, []State{Started, PreviewLoop, Finalizing, Finished}, *states)
	assert.Equal(t, StatusDone, l.Status())

	result := l.Result()
	assert.True(t, result.Geometry().Equal(l.Input().Geometry))
	assert.Equal(t, segmentation.RightLung, result.Nth(0).Name)
	assert.Equal(t, segmentation.LeftLung, result.Nth(1).Name)
	for _, s := range result.Segments()[:2] {
		assert.NotEmpty(t, s.Tag, s.Name)
		assert.NotNil(t, s.Surface, s.Name)
		assert.True(t, s.Visible, s.Name)
	}
	assert.Nil(t, result.ByName(segmentation.Other))
	require.NotNil(t, result.ByName(segmentation.Airways))
	assert.True(t, result.Visible2D && result.Visible3D)
	require.Len(t, l.Reports(), 1)
	assert.False(t, l.Reports()[0].Skipped)

	// session resources are released
	assert.Nil(t, l.WorkingVolume())
	assert.Nil(t, l.Seeds())
	_, err := l.AddPoint(seeds.Trachea, r3.Vec{})
	assert.ErrorIs(t, err, seeds.ErrInvalidSeedSet)
	assert.Equal(t, 6, l.AppliedSeeds().Count(seeds.RightLung))

	for _, dir := range []string{opts.TempDir, seeds.DataDir(inputPath)} {
		for _, set := range seeds.Sets {
			_, err := os.Stat(filepath.Join(dir, seeds.FileName(set)))
			assert.NoError(t, err, dir)
		}
	}

	ms := l.Measurements()
	require.Len(t, ms, result.Len())
	assert.Positive(t, ms[0].Voxels)

	assert.ErrorIs(t, l.Apply(context.Background()), ErrAlreadyFinished)

	visible, err := l.ToggleVisibility()
	require.NoError(t, err)
	assert.False(t, visible)
	visible, err = l.ToggleVisibility()
	require.NoError(t, err)
	assert.True(t, visible)
}

func TestApplyResampleFailureKeepsSessionStarted(t *testing.T) {
	rs := &flakyResampler{Toolkit: imaging.NewToolkit(), fail: true}
	caps := imaging.Default()
	caps.Resampler = rs
	l, _ := newLogic(t, testOptions(t), caps, nil)
	require.NoError(t, l.Start())
	placeAll(t, l)

	err := l.Apply(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, segmentation.ErrResample)
	assert.Equal(t, Started, l.State())
	assert.NotNil(t, l.Seeds())
	assert.NotNil(t, l.WorkingVolume())
	assert.Contains(t, l.Status(), "Failed to compute results")

	// the retry regrows the preview and finishes
	rs.fail = false
	require.NoError(t, l.Apply(context.Background()))
	assert.Equal(t, Finished, l.State())
	assert.Equal(t, segmentation.RightLung, l.Result().Nth(0).Name)
}

func TestApplyWithoutAirwayCapabilityKeepsOther(t *testing.T) {
	opts := testOptions(t)
	opts.DetailedAirways = true
	l, _ := newLogic(t, opts, imaging.Basic(), nil)
	require.NoError(t, l.Start())
	placeAll(t, l)
	require.NoError(t, l.Apply(context.Background()))

	require.Len(t, l.Reports(), 1)
	assert.True(t, l.Reports()[0].Skipped)
	assert.ErrorIs(t, l.Reports()[0].Err, imaging.ErrCapabilityMissing)
	assert.NotNil(t, l.Result().ByName(segmentation.Other))
	assert.Equal(t, Finished, l.State())
}

func TestCancelReturnsToIdle(t *testing.T) {
	for name, advance := range map[string]func(t *testing.T, l *Logic){
		"started": func(t *testing.T, l *Logic) {},
		"preview": func(t *testing.T, l *Logic) { placeAll(t, l) },
		"finished": func(t *testing.T, l *Logic) {
			placeAll(t, l)
			require.NoError(t, l.Apply(context.Background()))
		},
	} {
		t.Run(name, func(t *testing.T) {
			l, states := newLogic(t, testOptions(t), imaging.Default(), nil)
			require.NoError(t, l.Start())
			advance(t, l)

			require.NoError(t, l.Cancel())
			assert.Equal(t, Idle, l.State())
			s := *states
			assert.Equal(t, []State{Cancelled, Idle}, s[len(s)-2:])
			assert.Nil(t, l.WorkingVolume())
			assert.Nil(t, l.Seeds())
			assert.Zero(t, l.Result().Len())
			assert.Equal(t, `Click "Start" to initiate point placement.`, l.Instructions())

			_, err := l.ToggleVisibility()
			assert.ErrorIs(t, err, ErrNotFinished)
		})
	}
}

func TestStartLoadsLastSeeds(t *testing.T) {
	opts := testOptions(t)
	opts.LoadLastSeeds = true

	st := seeds.NewStore(nil)
	require.NoError(t, phantom.Place(st))
	require.NoError(t, seeds.Save(st, opts.TempDir))

	l, _ := newLogic(t, opts, imaging.Default(), nil)
	require.NoError(t, l.Start())
	assert.Equal(t, PreviewLoop, l.State())
	assert.Equal(t, 3, l.Result().Len())
}

func TestSetDefaults(t *testing.T) {
	opts := testOptions(t)
	opts.LungThreshold = imaging.Range{Min: -900, Max: -100}
	l, _ := newLogic(t, opts, imaging.Default(), nil)
	l.SetDefaults()
	assert.Equal(t, imaging.Range{Min: -1500, Max: -400}, l.Options().LungThreshold)
	assert.Equal(t, imaging.Range{Min: -1500, Max: -850}, l.Options().AirwayThreshold)
}

func TestApplyAIWithLungmask(t *testing.T) {
	opts := testOptions(t)
	opts.UseAI = true
	opts.Engine = ai.EngineLungmask
	opts.DetailedAirways = true
	d := &ai.Delegate{Lungmask: &phantomLungmask{}, Probe: ai.StaticProbe(true)}
	l, _ := newLogic(t, opts, imaging.Default(), d)
	require.NoError(t, l.Start())

	assert.Equal(t, "Place 1 point in the trachea.", l.Instructions())
	_, err := l.AddPoint(seeds.Trachea, phantom.SeedPoints()[seeds.Trachea][0])
	require.NoError(t, err)
	assert.Equal(t, `Click "Apply" to finalize.`, l.Instructions())
	assert.Zero(t, l.Result().Len(), "no preview growth in AI mode")

	require.NoError(t, l.Apply(context.Background()))
	assert.Equal(t, Finished, l.State())

	result := l.Result()
	assert.Equal(t, []string{
		segmentation.RightLung, segmentation.LeftLung,
		segmentation.LeftUpperLobe, segmentation.LeftLowerLobe,
		segmentation.RightUpperLobe, segmentation.RightMiddleLobe, segmentation.RightLowerLobe,
		segmentation.Airways,
	}, result.Names())
	assert.False(t, result.ByName(segmentation.RightLung).Visible)
	assert.False(t, result.ByName(segmentation.LeftLung).Visible)
	assert.True(t, result.ByName(segmentation.RightMiddleLobe).Visible)
	require.NotNil(t, l.Outcome())
	assert.True(t, l.Outcome().GPU)

	tags := map[string]bool{}
	for _, s := range result.Segments() {
		assert.NotEmpty(t, s.Tag, s.Name)
		assert.Positive(t, s.Mask.Count(), s.Name)
		assert.NotNil(t, s.Surface, s.Name)
		tags[s.Tag] = true
	}
	assert.Len(t, tags, result.Len(), "every segment carries its own tag")

	volumes := map[string]float64{}
	for _, m := range l.Measurements() {
		volumes[m.Name] = m.VolumeCM3
	}
	lobes := map[string][]string{
		segmentation.RightLung: {segmentation.RightUpperLobe, segmentation.RightMiddleLobe, segmentation.RightLowerLobe},
		segmentation.LeftLung:  {segmentation.LeftUpperLobe, segmentation.LeftLowerLobe},
	}
	for lung, names := range lobes {
		sum := 0.0
		for _, name := range names {
			assert.Positive(t, volumes[name], name)
			sum += volumes[name]
		}
		assert.InEpsilon(t, volumes[lung], sum, 0.2, lung)
	}
	assert.Greater(t, centroidZ(result.ByName(segmentation.RightUpperLobe).Mask), centroidZ(result.ByName(segmentation.RightLowerLobe).Mask))
}

func centroidZ(m *models.Mask) float64 {
	tr := m.Geometry.MustTransform()
	sum, n := 0.0, 0
	for idx, v := range m.Data {
		if v == 0 {
			continue
		}
		i, j, k := m.Coord(idx)
		sum += tr.ToWorld(float64(i), float64(j), float64(k)).Z
		n++
	}
	return sum / float64(n)
}

func TestApplyAIUndefinedEngineSkipsAIStage(t *testing.T) {
	opts := testOptions(t)
	opts.UseAI = true
	opts.Engine = ""
	asked := false
	d := &ai.Delegate{
		Lungmask: &phantomLungmask{},
		Probe:    ai.StaticProbe(false),
		Confirmer: ai.ConfirmFunc(func(context.Context, string) (bool, error) {
			asked = true
			return true, nil
		}),
	}
	l, _ := newLogic(t, opts, imaging.Default(), d)
	require.NoError(t, l.Start())

	require.NoError(t, l.Apply(context.Background()))
	assert.Equal(t, Finished, l.State())
	require.Len(t, l.Reports(), 1)
	assert.True(t, l.Reports()[0].Skipped)
	assert.ErrorIs(t, l.Reports()[0].Err, ai.ErrUnknownEngine)
	assert.False(t, asked, "no CPU prompt for an undefined engine")
	assert.Nil(t, l.Outcome())
}

func TestApplyAIDeclinedSkipsAIStage(t *testing.T) {
	opts := testOptions(t)
	opts.UseAI = true
	d := &ai.Delegate{Lungmask: &phantomLungmask{}, Probe: ai.StaticProbe(false)}
	l, _ := newLogic(t, opts, imaging.Default(), d)
	require.NoError(t, l.Start())

	require.NoError(t, l.Apply(context.Background()))
	assert.Equal(t, Finished, l.State())
	require.Len(t, l.Reports(), 1)
	assert.True(t, l.Reports()[0].Skipped)
	assert.ErrorIs(t, l.Reports()[0].Err, ai.ErrAIDeclined)
	assert.Zero(t, l.Result().Len())
	assert.Nil(t, l.Outcome())
}

func TestApplyAIConfirmedOnCPU(t *testing.T) {
	opts := testOptions(t)
	opts.UseAI = true
	var asked string
	d := &ai.Delegate{
		Lungmask: &phantomLungmask{},
		Probe:    ai.StaticProbe(false),
		Confirmer: ai.ConfirmFunc(func(_ context.Context, q string) (bool, error) {
			asked = q
			return true, nil
		}),
	}
	l, _ := newLogic(t, opts, imaging.Default(), d)
	require.NoError(t, l.Start())
	require.NoError(t, l.Apply(context.Background()))
	assert.Equal(t, ai.CPUWarning, asked)
	assert.Equal(t, 7, l.Result().Len())
	assert.False(t, l.Outcome().GPU)
}

func TestApplyAIFailureKeepsSessionStarted(t *testing.T) {
	opts := testOptions(t)
	opts.UseAI = true
	d := &ai.Delegate{Lungmask: &phantomLungmask{err: errors.New("model crashed")}, Probe: ai.StaticProbe(true)}
	l, _ := newLogic(t, opts, imaging.Default(), d)
	require.NoError(t, l.Start())

	err := l.Apply(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model crashed")
	assert.Equal(t, Started, l.State())
	assert.NotNil(t, l.Seeds())
}

func TestApplyAIWithoutDelegate(t *testing.T) {
	opts := testOptions(t)
	opts.UseAI = true
	l, _ := newLogic(t, opts, imaging.Default(), nil)
	require.NoError(t, l.Start())
	require.NoError(t, l.Apply(context.Background()))
	require.Len(t, l.Reports(), 1)
	assert.ErrorIs(t, l.Reports()[0].Err, imaging.ErrCapabilityMissing)
}

func TestOptionsFromConfigDefaults(t *testing.T) {
	opts := DefaultOptions()
	assert.Equal(t, imaging.Range{Min: -1500, Max: -400}, opts.LungThreshold)
	assert.Equal(t, ai.EngineLungmask, opts.Engine)
	assert.Equal(t, 2.0, opts.DetailLevel.MinimumDiameterMM())
}

func TestPrepareWorkingVolumeFailure(t *testing.T) {
	_, err := PrepareWorkingVolume(imaging.NewToolkit(), &models.Volume{})
	var re *segmentation.ResampleError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, WorkingVolumeName, re.Segment)
}
