package ai

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"lungctsegmenter/internal/exec"
	"lungctsegmenter/internal/models"
	"lungctsegmenter/pkg/nifti"
	"lungctsegmenter/pkg/segmentation"
)

// Exchange directory layout.
const (
	TotalSegmentatorDir = "TotalSegmentator"
	InputFile           = "input.nii.gz"
	OutputDir           = "segmentation"
	CombinedFile        = "s01.nii.gz"
	AuxResultName       = "TotalSegmentator"
)

// Extra structure names produced only by TotalSegmentator.
const (
	PulmonaryArtery   = "pulmonary artery"
	LeftAtriumOfHeart = "left atrium of heart"
	LungVessels       = "lung vessels"
	AirwaysAndBronchi = "airways and bronchi"
)

//go:embed classmap.yaml
var defaultClassMap []byte

// ClassMap maps label values of the combined output to structure names.
type ClassMap map[int]string

// ParseClassMap reads a YAML document with a "total" table of
// index: name entries.
func ParseClassMap(data []byte) (ClassMap, error) {
	var doc struct {
		Total map[int]string `yaml:"total"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("error parsing class map: %w", err)
	}
	if len(doc.Total) == 0 {
		return nil, errors.New("class map has no \"total\" entries")
	}
	return ClassMap(doc.Total), nil
}

// LoadClassMap reads a class map file; an empty path yields the built-in map.
func LoadClassMap(path string) (ClassMap, error) {
	if path == "" {
		return DefaultClassMap(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading class map: %w", err)
	}
	return ParseClassMap(data)
}

// DefaultClassMap returns the built-in map of the "total" task.
func DefaultClassMap() ClassMap {
	cm, err := ParseClassMap(defaultClassMap)
	if err != nil {
		panic(err)
	}
	return cm
}

// structureFile is an imported per-structure output.
type structureFile struct {
	name  string
	file  string
	color segmentation.Color
}

var totalStructures = []structureFile{
	{segmentation.RightUpperLobe, "lung_upper_lobe_right", segmentation.ColorUpperLobe},
	{segmentation.RightMiddleLobe, "lung_middle_lobe_right", segmentation.ColorMiddleLobe},
	{segmentation.RightLowerLobe, "lung_lower_lobe_right", segmentation.ColorLowerLobe},
	{segmentation.LeftUpperLobe, "lung_upper_lobe_left", segmentation.ColorUpperLobe},
	{segmentation.LeftLowerLobe, "lung_lower_lobe_left", segmentation.ColorLowerLobe},
	{segmentation.Trachea, "trachea", segmentation.ColorTrachea},
	{PulmonaryArtery, "pulmonary_artery", segmentation.ColorPulmonaryArtery},
	{LeftAtriumOfHeart, "heart_atrium_left", segmentation.ColorPulmonaryVein},
	{segmentation.Lung, "lung", segmentation.ColorRightLung},
	{segmentation.RightLung, "lung_right", segmentation.ColorRightLung},
	{segmentation.LeftLung, "lung_left", segmentation.ColorLeftLung},
	{LungVessels, "lung_vessels", segmentation.ColorVessel},
	{AirwaysAndBronchi, "lung_trachea_bronchia", segmentation.ColorTrachea},
}

// Step is one external invocation of a TotalSegmentator run.
type Step struct {
	Name    string
	Command exec.Command

	// Required steps abort the run on failure
	Required bool
}

// TotalSegmentator drives the TotalSegmentator command line tools through
// a temporary exchange directory.
type TotalSegmentator struct {
	Runner exec.Runner

	// Python, when set, runs the commands as scripts through this interpreter
	Python         string
	Command        string
	CombineCommand string

	// ScriptsDir is the working directory of every invocation
	ScriptsDir string

	// TempDir is the parent of the exchange directory
	TempDir string

	ClassMap ClassMap
}

// WorkDir returns the exchange directory.
func (t *TotalSegmentator) WorkDir() string {
	return filepath.Join(t.TempDir, TotalSegmentatorDir)
}

// Steps returns the invocations of a run: the anatomy pass, the vessel pass,
// the combined multi-label pass and the two lung merges.
func (t *TotalSegmentator) Steps() []Step {
	dir := t.WorkDir()
	in := filepath.Join(dir, InputFile)
	out := filepath.Join(dir, OutputDir)
	seg := func(extra ...string) exec.Command {
		return scriptCommand(t.Python, t.Command, append([]string{"-i", in, "-o", out}, extra...)...)
	}
	combine := func(mask string) exec.Command {
		target := filepath.Join(out, mask+".nii.gz")
		return scriptCommand(t.Python, t.CombineCommand, "-i", out, "-o", target, "-m", mask)
	}

	steps := []Step{
		{Name: "anatomy", Command: seg(), Required: true},
		{Name: "lung vessels", Command: seg("--task", "lung_vessels")},
		{Name: "multilabel", Command: seg("--ml")},
		{Name: "combine right lung", Command: combine("lung_right")},
		{Name: "combine left lung", Command: combine("lung_left")},
	}
	expected := map[string][]string{
		"anatomy":            {filepath.Join(out, "lung_upper_lobe_right.nii.gz"), filepath.Join(out, "trachea.nii.gz")},
		"lung vessels":       {filepath.Join(out, "lung_vessels.nii.gz")},
		"multilabel":         {filepath.Join(out, CombinedFile)},
		"combine right lung": {filepath.Join(out, "lung_right.nii.gz")},
		"combine left lung":  {filepath.Join(out, "lung_left.nii.gz")},
	}
	for i := range steps {
		steps[i].Command.Dir = t.ScriptsDir
		steps[i].Command.ExpectedOutputs = expected[steps[i].Name]
	}
	return steps
}

// prepare clears old outputs and writes the input volume.
func (t *TotalSegmentator) prepare(input *models.Volume) error {
	dir := t.WorkDir()
	if err := os.RemoveAll(filepath.Join(dir, OutputDir)); err != nil {
		return fmt.Errorf("remove previous output: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, OutputDir), 0755); err != nil {
		return err
	}
	return nifti.WriteVolume(filepath.Join(dir, InputFile), input)
}

// discover indexes the NIfTI files below the output directory by structure
// name, e.g. "trachea" for segmentation/trachea.nii.gz.
func (t *TotalSegmentator) discover() (map[string]string, error) {
	root := filepath.Join(t.WorkDir(), OutputDir)
	found := map[string]string{}
	err := doublestar.GlobWalk(os.DirFS(root), "**/*.{nii,nii.gz}", func(path string, d fs.DirEntry) error {
		if d.IsDir() {
			return nil
		}
		name := strings.TrimSuffix(strings.TrimSuffix(filepath.Base(path), ".gz"), ".nii")
		if _, dup := found[name]; !dup {
			found[name] = filepath.Join(root, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("glob: %w", err)
	}
	return found, nil
}

func (d *Delegate) runTotalSegmentator(ctx context.Context, result *segmentation.Result, input *models.Volume, out *Outcome) error {
	t := d.TotalSegmentator
	d.report(" Creating segmentations with TotalSegmentator AI ...")
	if err := t.prepare(input); err != nil {
		return err
	}
	d.logger().Infow("input volume written", "path", filepath.Join(t.WorkDir(), InputFile))

	for _, step := range t.Steps() {
		res, err := t.Runner.Run(ctx, step.Command)
		if err != nil {
			if step.Required {
				return fmt.Errorf("TotalSegmentator %s pass: %w", step.Name, err)
			}
			d.logSkipped(out, Skipped{Name: step.Name, Reason: "command failed"}, err)
			continue
		}
		if missing := res.Missing(); len(missing) > 0 {
			d.logger().Warnw("expected outputs missing", "step", step.Name, "missing", missing)
		}
	}

	files, err := t.discover()
	if err != nil {
		return err
	}
	for _, s := range totalStructures {
		path, ok := files[s.file]
		if !ok {
			d.logSkipped(out, Skipped{Name: s.name, Path: s.file + ".nii.gz", Reason: "not found"}, nil)
			continue
		}
		if err := d.importStructure(result, s, path); err != nil {
			d.logSkipped(out, Skipped{Name: s.name, Path: path, Reason: err.Error()}, err)
			continue
		}
		out.Imported = append(out.Imported, s.name)
	}

	if path, ok := files[strings.TrimSuffix(CombinedFile, ".nii.gz")]; ok {
		aux, err := t.loadCombined(path, d)
		if err != nil {
			d.logSkipped(out, Skipped{Name: AuxResultName, Path: path, Reason: err.Error()}, err)
		} else {
			out.Aux = aux
		}
	}
	return nil
}

// importStructure loads one binary structure file as a tagged segment. Lobes
// and lungs are drawn semi-transparent in 3D.
func (d *Delegate) importStructure(result *segmentation.Result, s structureFile, path string) error {
	m, err := nifti.ReadMask(path)
	if err != nil {
		return err
	}
	m.Binarize()
	if m, err = conform(m, result.Geometry(), d.Resampler); err != nil {
		return err
	}
	seg, err := addOrReplace(result, s.name, s.color, m)
	if err != nil {
		return err
	}
	seg.SetTag(s.name)
	seg.Opacity3D = 1
	if strings.Contains(s.name, "lobe") || strings.Contains(s.name, "lung") {
		seg.Opacity3D = 0.3
	}
	return nil
}

// loadCombined builds the hidden auxiliary result from the multi-label file.
// Labels become "Segment_<label>" and are renamed from the class map.
func (t *TotalSegmentator) loadCombined(path string, d *Delegate) (*segmentation.Result, error) {
	labels, err := nifti.ReadMask(path)
	if err != nil {
		return nil, err
	}
	aux := segmentation.NewResult(AuxResultName, labels.Geometry)

	present := map[uint8]bool{}
	for _, v := range labels.Data {
		if v != 0 {
			present[v] = true
		}
	}
	values := make([]int, 0, len(present))
	for v := range present {
		values = append(values, int(v))
	}
	sort.Ints(values)

	for _, v := range values {
		seg, err := aux.AddSegment(fmt.Sprintf("Segment_%d", v), segmentation.ColorUnknown, labels.Extract(uint8(v)))
		if err != nil {
			return nil, err
		}
		if name, ok := t.ClassMap[v]; ok {
			if err := aux.Rename(seg, name); err != nil {
				d.logger().Warnw("class map rename failed", "label", v, "name", name)
			}
		}
	}
	aux.Visible2D, aux.Visible3D = false, false
	return aux, nil
}
