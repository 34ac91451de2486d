package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"lungctsegmenter/internal/store"
	"lungctsegmenter/pkg/config"
	"lungctsegmenter/pkg/nifti"
	"lungctsegmenter/pkg/seeds"
)

func setupCLI(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cfg = config.DefaultConfig()
	cfg.Thresholds.Airway = config.ThresholdRange{Min: -1100, Max: -900}
	cfg.Paths.TempDir = filepath.Join(dir, "tmp")
	cfg.Paths.Database = filepath.Join(dir, "history.db")
	logger = zap.NewNop().Sugar()
	return dir
}

func writePhantom(t *testing.T, dir string) string {
	t.Helper()
	cmd := phantomCmd()
	cmd.SetArgs([]string{"--out", dir})
	cmd.SetOut(io.Discard)
	require.NoError(t, cmd.Execute())
	return filepath.Join(dir, "ct.nii.gz")
}

func TestPhantomWritesVolumeAndSeeds(t *testing.T) {
	dir := setupCLI(t)
	input := writePhantom(t, dir)

	assert.FileExists(t, input)
	for _, set := range seeds.Sets {
		assert.FileExists(t, filepath.Join(seeds.DataDir(input), seeds.FileName(set)))
	}
}

func TestRunSeededExportsAndRecords(t *testing.T) {
	dir := setupCLI(t)
	input := writePhantom(t, dir)
	outDir := filepath.Join(dir, "out")

	var out bytes.Buffer
	err := runSegmentation(context.Background(), strings.NewReader(""), &out, runParams{
		input:     input,
		outDir:    outDir,
		snapshots: true,
	})
	require.NoError(t, err, out.String())

	for _, name := range []string{"right_lung.nii.gz", "right_lung.stl", "left_lung.nii.gz", "segmentation.nii.gz"} {
		assert.FileExists(t, filepath.Join(outDir, name))
	}
	assert.FileExists(t, filepath.Join(outDir, "snapshots", "center_z.jpg"))

	labels, err := nifti.ReadMask(filepath.Join(outDir, "segmentation.nii.gz"))
	require.NoError(t, err)
	assert.Positive(t, labels.Count())
	assert.Contains(t, out.String(), "right lung")

	db, err := store.New(cfg.Paths.Database)
	require.NoError(t, err)
	defer db.Close()
	runs, err := store.NewHistoryRepository(db).List(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, store.StatusFinished, runs[0].Status)
	assert.Equal(t, "seeded", runs[0].Mode)
	assert.Equal(t, [3]int{6, 6, 1}, runs[0].Seeds)
	assert.NotEmpty(t, runs[0].Segments)
}

func TestRunWithoutSeedsFails(t *testing.T) {
	dir := setupCLI(t)
	input := writePhantom(t, dir)
	require.NoError(t, os.RemoveAll(seeds.DataDir(input)))

	err := runSegmentation(context.Background(), strings.NewReader(""), io.Discard, runParams{
		input:     input,
		outDir:    filepath.Join(dir, "out"),
		noHistory: true,
	})
	assert.ErrorIs(t, err, seeds.ErrNoSeedFiles)
	assert.NoFileExists(t, filepath.Join(dir, "out", "segmentation.nii.gz"))
}

func TestDefaultsCreatesAndResetsConfig(t *testing.T) {
	dir := setupCLI(t)
	configPath = filepath.Join(dir, "lungctseg.yaml")
	t.Cleanup(func() { configPath = "" })

	cmd := defaultsCmd()
	cmd.SetArgs([]string{})
	cmd.SetOut(io.Discard)
	require.NoError(t, cmd.Execute())
	assert.FileExists(t, configPath)

	c, err := config.LoadConfig(configPath)
	require.NoError(t, err)
	c.Thresholds.Lung = config.ThresholdRange{Min: -1000, Max: -500}
	require.NoError(t, config.SaveConfig(c, configPath))

	require.NoError(t, cmd.Execute())
	c, err = config.LoadConfig(configPath)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultLungThreshold, c.Thresholds.Lung)
}

func TestRunHelpMatchesSeedMinimum(t *testing.T) {
	cmd := runCmd()
	assert.Contains(t, cmd.Long, "at least 6, 6 and 1")

	usage := cmd.Flags().Lookup("sub-masks").Usage
	assert.Contains(t, usage, "anterior")
	assert.NotContains(t, usage, "vessel")
}

func TestNewLoggerLevel(t *testing.T) {
	l, err := newLogger(zap.WarnLevel)
	require.NoError(t, err)
	assert.False(t, l.Desugar().Core().Enabled(zap.InfoLevel))
	assert.True(t, l.Desugar().Core().Enabled(zap.WarnLevel))
}

func TestFileSafe(t *testing.T) {
	assert.Equal(t, "right_upper_lobe", fileSafe("right upper lobe"))
	assert.Equal(t, "a_b_c", fileSafe("a/b:c"))
}
