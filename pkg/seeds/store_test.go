package seeds

import (
	"bytes"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"
)

func TestNilStoreRejectsCalls(t *testing.T) {
	var st *Store
	_, err := st.PointCount(RightLung)
	assert.ErrorIs(t, err, ErrInvalidSeedSet)
	_, err = st.AddPoint(LeftLung, r3.Vec{})
	assert.ErrorIs(t, err, ErrInvalidSeedSet)
	assert.ErrorIs(t, st.RemovePoint(Trachea, 0), ErrInvalidSeedSet)
	assert.ErrorIs(t, st.Lock(), ErrInvalidSeedSet)
	_, err = st.Snapshot()
	assert.ErrorIs(t, err, ErrInvalidSeedSet)

	_, err = NewStore(nil).PointCount(Set(7))
	assert.ErrorIs(t, err, ErrInvalidSeedSet)
}

func TestAddRemoveNotifies(t *testing.T) {
	var changes []Set
	st := NewStore(func(s Set) { changes = append(changes, s) })

	l1, err := st.AddPoint(RightLung, r3.Vec{X: 1})
	require.NoError(t, err)
	l2, err := st.AddPoint(RightLung, r3.Vec{X: 2})
	require.NoError(t, err)
	_, err = st.AddPoint(Trachea, r3.Vec{Z: 5})
	require.NoError(t, err)
	assert.Equal(t, "R-1", l1)
	assert.Equal(t, "R-2", l2)

	require.NoError(t, st.RemovePoint(RightLung, 0))
	pts, err := st.Points(RightLung)
	require.NoError(t, err)
	require.Len(t, pts, 1)
	assert.Equal(t, "R-2", pts[0].Label)

	// labels are not reused after removal
	l3, err := st.AddPoint(RightLung, r3.Vec{X: 3})
	require.NoError(t, err)
	assert.Equal(t, "R-3", l3)

	assert.Error(t, st.RemovePoint(RightLung, 5))
	assert.Equal(t, []Set{RightLung, RightLung, Trachea, RightLung, RightLung}, changes)
	assert.Equal(t, uint64(5), st.Revision())
}

func TestLockForbidsMove(t *testing.T) {
	st := NewStore(nil)
	_, err := st.AddPoint(LeftLung, r3.Vec{X: 1})
	require.NoError(t, err)
	require.NoError(t, st.MovePoint(LeftLung, 0, r3.Vec{X: 2}))

	require.NoError(t, st.Lock())
	assert.True(t, st.Locked())
	assert.ErrorIs(t, st.MovePoint(LeftLung, 0, r3.Vec{X: 3}), ErrSeedLocked)

	// add and remove still work once locked
	_, err = st.AddPoint(LeftLung, r3.Vec{X: 3})
	require.NoError(t, err)
	require.NoError(t, st.RemovePoint(LeftLung, 0))
	pts, _ := st.Points(LeftLung)
	assert.Equal(t, r3.Vec{X: 3}, pts[0].Position)
}

func TestSnapshotSufficient(t *testing.T) {
	st := NewStore(nil)
	for i := 0; i < 6; i++ {
		_, _ = st.AddPoint(RightLung, r3.Vec{X: float64(i)})
		_, _ = st.AddPoint(LeftLung, r3.Vec{X: float64(-i)})
	}
	snap, err := st.Snapshot()
	require.NoError(t, err)
	assert.False(t, snap.Sufficient(false))
	assert.False(t, snap.Sufficient(true))

	_, _ = st.AddPoint(Trachea, r3.Vec{})
	snap, _ = st.Snapshot()
	assert.True(t, snap.Sufficient(false))
	assert.True(t, snap.Sufficient(true))
	assert.Equal(t, 6, snap.Count(LeftLung))
}

func TestFCSVRoundTripIsLossless(t *testing.T) {
	points := []Point{
		{Label: "R-1", Position: r3.Vec{X: 0.1, Y: -1.0 / 3.0, Z: 123.456789012345}},
		{Label: "R-2", Position: r3.Vec{X: math.Pi * 1e3, Y: 1e-12, Z: -0}},
		{Label: "R-3", Position: r3.Vec{X: -98.76, Y: 42, Z: math.Nextafter(1, 2)}},
	}
	var buf bytes.Buffer
	require.NoError(t, WriteFCSV(&buf, RightLung, points))
	assert.True(t, strings.HasPrefix(buf.String(), "# Markups fiducial file version"))

	got, err := ReadFCSV(&buf)
	require.NoError(t, err)
	require.Len(t, got, len(points))
	for i := range points {
		assert.Equal(t, points[i].Label, got[i].Label)
		assert.Equal(t, points[i].Position.X, got[i].Position.X)
		assert.Equal(t, points[i].Position.Y, got[i].Position.Y)
		assert.Equal(t, points[i].Position.Z, got[i].Position.Z)
	}
}

func TestReadFCSVRAS(t *testing.T) {
	in := "# Markups fiducial file version = 4.10\n" +
		"# CoordinateSystem = 0\n" +
		"# columns = id,x,y,z,ow,ox,oy,oz,vis,sel,lock,label,desc,associatedNodeID\n" +
		"vtkMRMLMarkupsFiducialNode_0,-10.5,20,30,0,0,0,1,1,1,0,T-1,,\n"
	got, err := ReadFCSV(strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, r3.Vec{X: -10.5, Y: 20, Z: 30}, got[0].Position)
	assert.Equal(t, "T-1", got[0].Label)

	_, err = ReadFCSV(strings.NewReader("# columns = id,label\nfoo,bar\n"))
	assert.Error(t, err)
}

func fillStore(t *testing.T, st *Store) {
	t.Helper()
	for i := 0; i < 6; i++ {
		_, err := st.AddPoint(RightLung, r3.Vec{X: 50 + float64(i)*1.1, Y: 10.25, Z: -100.5 + float64(i)})
		require.NoError(t, err)
		_, err = st.AddPoint(LeftLung, r3.Vec{X: -50 - float64(i)*1.1, Y: 12.75, Z: -99.5 - float64(i)})
		require.NoError(t, err)
	}
	_, err := st.AddPoint(Trachea, r3.Vec{X: 0.3, Y: 20.1, Z: -60.7})
	require.NoError(t, err)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), DirName)
	src := NewStore(nil)
	fillStore(t, src)
	require.NoError(t, Save(src, dir))
	for _, set := range Sets {
		assert.FileExists(t, filepath.Join(dir, FileName(set)))
	}

	dst := NewStore(nil)
	require.NoError(t, Load(dst, dir))
	a, _ := src.Snapshot()
	b, _ := dst.Snapshot()
	assert.Equal(t, a.Sets, b.Sets)

	// new labels continue after the loaded ones
	label, err := dst.AddPoint(RightLung, r3.Vec{})
	require.NoError(t, err)
	assert.Equal(t, "R-7", label)
}

func TestLoadRequiresAllFiles(t *testing.T) {
	dir := t.TempDir()
	src := NewStore(nil)
	fillStore(t, src)
	require.NoError(t, Save(src, dir))
	require.NoError(t, os.Remove(filepath.Join(dir, FileName(Trachea))))

	dst := NewStore(nil)
	assert.Error(t, Load(dst, dir))
	n, _ := dst.PointCount(RightLung)
	assert.Zero(t, n, "store must be untouched when a file is missing")
}

func TestLoadPreferred(t *testing.T) {
	dataDir := filepath.Join(t.TempDir(), DirName)
	tempDir := filepath.Join(t.TempDir(), DirName)

	src := NewStore(nil)
	fillStore(t, src)
	require.NoError(t, Save(src, tempDir))

	dst := NewStore(nil)
	from, err := LoadPreferred(dst, dataDir, tempDir)
	require.NoError(t, err)
	assert.Equal(t, tempDir, from)

	_, err = src.AddPoint(Trachea, r3.Vec{Z: 1})
	require.NoError(t, err)
	require.NoError(t, Save(src, dataDir))
	from, err = LoadPreferred(dst, dataDir, tempDir)
	require.NoError(t, err)
	assert.Equal(t, dataDir, from)
	n, _ := dst.PointCount(Trachea)
	assert.Equal(t, 2, n)

	_, err = LoadPreferred(NewStore(nil), filepath.Join(t.TempDir(), "missing"))
	assert.ErrorIs(t, err, ErrNoSeedFiles)

	assert.Equal(t, filepath.Join("/data/ct", DirName), DataDir("/data/ct/chest.nii.gz"))
}
