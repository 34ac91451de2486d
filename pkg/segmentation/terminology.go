package segmentation

import "strings"

// Color is an RGB triple with components in [0,1].
type Color [3]float64

// Brighter scales the color by 1.5, clipping each component to 1.
func (c Color) Brighter() Color {
	var out Color
	for i, v := range c {
		out[i] = min(1, v*1.5)
	}
	return out
}

// Structure colors.
var (
	ColorRightLung       = Color{0.5, 0.68, 0.5}
	ColorLeftLung        = Color{0.95, 0.84, 0.57}
	ColorUpperLobe       = Color{0.67, 0.54, 0.45}
	ColorMiddleLobe      = Color{0.79, 0.64, 0.55}
	ColorLowerLobe       = Color{0.88, 0.73, 0.63}
	ColorVessel          = Color{0.85, 0.40, 0.31}
	ColorPulmonaryArtery = Color{0, 0.59, 0.81}
	ColorPulmonaryVein   = Color{0.85, 0.40, 0.31}
	ColorTrachea         = Color{0.71, 0.89, 1.0}
	ColorUnknown         = Color{0.39, 0.39, 0.5}
)

// Canonical segment names.
const (
	RightLung       = "right lung"
	LeftLung        = "left lung"
	Other           = "other"
	Lung            = "lung"
	Airways         = "airways"
	Trachea         = "trachea"
	RightUpperLobe  = "right upper lobe"
	RightMiddleLobe = "right middle lobe"
	RightLowerLobe  = "right lower lobe"
	LeftUpperLobe   = "left upper lobe"
	LeftLowerLobe   = "left lower lobe"
)

const (
	terminologyContext = "Segmentation category and type - 3D Slicer General Anatomy list"
	anatomicContext    = "Anatomic codes - DICOM master list"
	anatomicalCategory = "SCT^123037004^Anatomical Structure"
	emptyCode          = "^^"
)

// Terminology is a structured anatomical annotation.
type Terminology struct {
	Context         string
	Category        string
	Type            string
	Modifier        string
	AnatomicContext string
	Region          string
	RegionModifier  string
}

// String encodes the entry as a tilde-delimited terminology tag.
func (t Terminology) String() string {
	return strings.Join([]string{
		t.Context, t.Category, t.Type, t.Modifier,
		t.AnatomicContext, t.Region, t.RegionModifier,
	}, "~")
}

// ParseTerminology decodes a tag produced by Terminology.String.
func ParseTerminology(tag string) (Terminology, bool) {
	f := strings.Split(tag, "~")
	if len(f) != 7 {
		return Terminology{}, false
	}
	return Terminology{f[0], f[1], f[2], f[3], f[4], f[5], f[6]}, true
}

func anatomy(typ, modifier string) Terminology {
	return Terminology{
		Context:         terminologyContext,
		Category:        anatomicalCategory,
		Type:            typ,
		Modifier:        modifier,
		AnatomicContext: anatomicContext,
		Region:          emptyCode,
		RegionModifier:  emptyCode,
	}
}

const (
	sctRight = "SCT^24028007^Right"
	sctLeft  = "SCT^7771000^Left"
	sctLung  = "SCT^39607008^Lung"
)

var terminologies = map[string]Terminology{
	RightLung:       anatomy(sctLung, sctRight),
	LeftLung:        anatomy(sctLung, sctLeft),
	LeftUpperLobe:   anatomy("SCT^45653009^Upper lobe of Lung", sctLeft),
	LeftLowerLobe:   anatomy("SCT^90572001^Lower lobe of lung", sctLeft),
	RightUpperLobe:  anatomy("SCT^45653009^Upper lobe of lung", sctRight),
	RightMiddleLobe: anatomy("SCT^72481006^Middle lobe of lung", sctRight),
	RightLowerLobe:  anatomy("SCT^90572001^Lower lobe of lung", sctRight),
	Airways:         anatomy("SCT^44567001^Trachea", emptyCode),
	Trachea:         anatomy("SCT^44567001^Trachea", emptyCode),
}

// TerminologyFor returns the anatomical annotation for a segment name.
// Names without a mapping report false.
func TerminologyFor(name string) (Terminology, bool) {
	t, ok := terminologies[name]
	return t, ok
}
