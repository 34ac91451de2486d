// Package nifti reads and writes single-file NIfTI-1 images (.nii and
// .nii.gz), the exchange format of the AI segmentation tools.
package nifti

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	nii "github.com/KyungWonPark/nifti"
	"github.com/klauspost/pgzip"
	"gonum.org/v1/gonum/spatial/r3"

	"lungctsegmenter/internal/models"
)

// Supported voxel data types.
const (
	DTUint8   int16 = 2
	DTInt16   int16 = 4
	DTInt32   int16 = 8
	DTFloat32 int16 = 16
	DTFloat64 int16 = 64
	DTInt8    int16 = 256
	DTUint16  int16 = 512
)

const (
	headerSize = 348
	voxOffset  = 352

	// xyzt_units: millimetres
	unitsMM = 2
)

var (
	ErrNotNIfTI        = errors.New("not a NIfTI-1 file")
	ErrUnsupportedType = errors.New("unsupported NIfTI data type")
)

// Image is a decoded NIfTI volume with intensities scaled to real values.
type Image struct {
	models.Geometry

	Datatype    int16
	Data        []float64
	CalMin      float64
	CalMax      float64
	Description string
}

// Decode reads an uncompressed NIfTI-1 stream.
func Decode(r io.Reader) (*Image, error) {
	raw := make([]byte, headerSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	var order binary.ByteOrder = binary.LittleEndian
	if int32(binary.LittleEndian.Uint32(raw)) != headerSize {
		if int32(binary.BigEndian.Uint32(raw)) != headerSize {
			return nil, ErrNotNIfTI
		}
		order = binary.BigEndian
	}
	var h nii.Nifti1Header
	if err := binary.Read(bytes.NewReader(raw), order, &h); err != nil {
		return nil, fmt.Errorf("decode header: %w", err)
	}
	if string(h.Magic[:3]) != "n+1" {
		return nil, fmt.Errorf("%w: magic %q", ErrNotNIfTI, h.Magic[:3])
	}

	if h.Dim[0] < 3 {
		return nil, fmt.Errorf("expected a 3D image, got %d dimensions", h.Dim[0])
	}
	dims := [3]int{int(h.Dim[1]), int(h.Dim[2]), int(h.Dim[3])}
	for a, n := range dims {
		if n < 1 {
			return nil, fmt.Errorf("invalid size %d along axis %d", n, a)
		}
	}
	// further dimensions beyond the third are ignored: only the first volume is read
	g, err := geometryFromHeader(&h, dims)
	if err != nil {
		return nil, err
	}

	if skip := int64(h.VoxOffset) - headerSize; skip > 0 {
		if _, err := io.CopyN(io.Discard, r, skip); err != nil {
			return nil, fmt.Errorf("skip extensions: %w", err)
		}
	}

	data, err := readVoxels(r, order, h.Datatype, g.Len())
	if err != nil {
		return nil, err
	}
	slope, inter := float64(h.SclSlope), float64(h.SclInter)
	if slope != 0 && !(slope == 1 && inter == 0) {
		for i := range data {
			data[i] = data[i]*slope + inter
		}
	}

	return &Image{
		Geometry:    g,
		Datatype:    h.Datatype,
		Data:        data,
		CalMin:      float64(h.CalMin),
		CalMax:      float64(h.CalMax),
		Description: strings.TrimRight(string(h.Descrip[:]), "\x00 "),
	}, nil
}

func readVoxels(r io.Reader, order binary.ByteOrder, dt int16, n int) ([]float64, error) {
	out := make([]float64, n)
	var err error
	switch dt {
	case DTUint8:
		buf := make([]uint8, n)
		err = binary.Read(r, order, buf)
		for i, v := range buf {
			out[i] = float64(v)
		}
	case DTInt8:
		buf := make([]int8, n)
		err = binary.Read(r, order, buf)
		for i, v := range buf {
			out[i] = float64(v)
		}
	case DTInt16:
		buf := make([]int16, n)
		err = binary.Read(r, order, buf)
		for i, v := range buf {
			out[i] = float64(v)
		}
	case DTUint16:
		buf := make([]uint16, n)
		err = binary.Read(r, order, buf)
		for i, v := range buf {
			out[i] = float64(v)
		}
	case DTInt32:
		buf := make([]int32, n)
		err = binary.Read(r, order, buf)
		for i, v := range buf {
			out[i] = float64(v)
		}
	case DTFloat32:
		buf := make([]float32, n)
		err = binary.Read(r, order, buf)
		for i, v := range buf {
			out[i] = float64(v)
		}
	case DTFloat64:
		err = binary.Read(r, order, out)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedType, dt)
	}
	if err != nil {
		return nil, fmt.Errorf("read voxels: %w", err)
	}
	return out, nil
}

// geometryFromHeader uses the sform when present, then the qform, then the
// bare voxel sizes.
func geometryFromHeader(h *nii.Nifti1Header, dims [3]int) (models.Geometry, error) {
	var cols [3]r3.Vec
	var origin r3.Vec
	switch {
	case h.SformCode > 0:
		rows := [3][4]float32{h.SrowX, h.SrowY, h.SrowZ}
		for a := 0; a < 3; a++ {
			cols[a] = r3.Vec{X: float64(rows[0][a]), Y: float64(rows[1][a]), Z: float64(rows[2][a])}
		}
		origin = r3.Vec{X: float64(rows[0][3]), Y: float64(rows[1][3]), Z: float64(rows[2][3])}
	case h.QformCode > 0:
		rot := quaternionMatrix(float64(h.QuaternB), float64(h.QuaternC), float64(h.QuaternD))
		qfac := float64(h.Pixdim[0])
		if qfac == 0 {
			qfac = 1
		}
		for a := 0; a < 3; a++ {
			s := float64(h.Pixdim[a+1])
			if a == 2 {
				s *= qfac
			}
			cols[a] = r3.Scale(s, r3.Vec{X: rot[0][a], Y: rot[1][a], Z: rot[2][a]})
		}
		origin = r3.Vec{X: float64(h.QoffsetX), Y: float64(h.QoffsetY), Z: float64(h.QoffsetZ)}
	default:
		for a, axis := range models.IdentityAxes() {
			cols[a] = r3.Scale(float64(h.Pixdim[a+1]), axis)
		}
	}

	g := models.Geometry{Dims: dims, Origin: origin}
	for a := 0; a < 3; a++ {
		n := r3.Norm(cols[a])
		if n == 0 || math.IsNaN(n) {
			return g, fmt.Errorf("zero voxel size along axis %d", a)
		}
		g.Spacing[a] = n
		g.Axes[a] = r3.Scale(1/n, cols[a])
	}
	return g, nil
}

func quaternionMatrix(b, c, d float64) [3][3]float64 {
	a := 1 - (b*b + c*c + d*d)
	if a < 1e-7 {
		a = 0
	} else {
		a = math.Sqrt(a)
	}
	return [3][3]float64{
		{a*a + b*b - c*c - d*d, 2 * (b*c - a*d), 2 * (b*d + a*c)},
		{2 * (b*c + a*d), a*a + c*c - b*b - d*d, 2 * (c*d - a*b)},
		{2 * (b*d - a*c), 2 * (c*d + a*b), a*a + d*d - c*c - b*b},
	}
}

// Encode writes img as an uncompressed little-endian NIfTI-1 stream with an
// sform describing its geometry.
func Encode(w io.Writer, img *Image) error {
	if len(img.Data) != img.Len() {
		return fmt.Errorf("data length %d does not match geometry %v", len(img.Data), img.Dims)
	}
	bitpix, err := bitsPerVoxel(img.Datatype)
	if err != nil {
		return err
	}

	h := nii.Nifti1Header{
		SizeofHdr: headerSize,
		Regular:   'r',
		Datatype:  img.Datatype,
		Bitpix:    bitpix,
		VoxOffset: voxOffset,
		SclSlope:  1,
		XyztUnits: unitsMM,
		CalMin:    float32(img.CalMin),
		CalMax:    float32(img.CalMax),
		SformCode: 1,
		QformCode: 0,
		Magic:     [4]byte{'n', '+', '1', 0},
	}
	h.Dim = [8]int16{3, int16(img.Dims[0]), int16(img.Dims[1]), int16(img.Dims[2]), 1, 1, 1, 1}
	h.Pixdim = [8]float32{1, float32(img.Spacing[0]), float32(img.Spacing[1]), float32(img.Spacing[2]), 1, 1, 1, 1}
	copy(h.Descrip[:], img.Description)

	var rows [3][4]float32
	for a := 0; a < 3; a++ {
		col := r3.Scale(img.Spacing[a], img.Axes[a])
		rows[0][a], rows[1][a], rows[2][a] = float32(col.X), float32(col.Y), float32(col.Z)
	}
	rows[0][3], rows[1][3], rows[2][3] = float32(img.Origin.X), float32(img.Origin.Y), float32(img.Origin.Z)
	h.SrowX, h.SrowY, h.SrowZ = rows[0], rows[1], rows[2]

	bw := bufio.NewWriter(w)
	if err := binary.Write(bw, binary.LittleEndian, &h); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	// empty extension flag
	if _, err := bw.Write([]byte{0, 0, 0, 0}); err != nil {
		return err
	}
	if err := writeVoxels(bw, img.Datatype, img.Data); err != nil {
		return err
	}
	return bw.Flush()
}

func bitsPerVoxel(dt int16) (int16, error) {
	switch dt {
	case DTUint8, DTInt8:
		return 8, nil
	case DTInt16, DTUint16:
		return 16, nil
	case DTInt32, DTFloat32:
		return 32, nil
	case DTFloat64:
		return 64, nil
	}
	return 0, fmt.Errorf("%w: %d", ErrUnsupportedType, dt)
}

func writeVoxels(w io.Writer, dt int16, data []float64) error {
	var buf any
	switch dt {
	case DTUint8:
		b := make([]uint8, len(data))
		for i, v := range data {
			b[i] = uint8(clampRound(v, 0, math.MaxUint8))
		}
		buf = b
	case DTInt8:
		b := make([]int8, len(data))
		for i, v := range data {
			b[i] = int8(clampRound(v, math.MinInt8, math.MaxInt8))
		}
		buf = b
	case DTInt16:
		b := make([]int16, len(data))
		for i, v := range data {
			b[i] = int16(clampRound(v, math.MinInt16, math.MaxInt16))
		}
		buf = b
	case DTUint16:
		b := make([]uint16, len(data))
		for i, v := range data {
			b[i] = uint16(clampRound(v, 0, math.MaxUint16))
		}
		buf = b
	case DTInt32:
		b := make([]int32, len(data))
		for i, v := range data {
			b[i] = int32(clampRound(v, math.MinInt32, math.MaxInt32))
		}
		buf = b
	case DTFloat32:
		b := make([]float32, len(data))
		for i, v := range data {
			b[i] = float32(v)
		}
		buf = b
	case DTFloat64:
		buf = data
	default:
		return fmt.Errorf("%w: %d", ErrUnsupportedType, dt)
	}
	if err := binary.Write(w, binary.LittleEndian, buf); err != nil {
		return fmt.Errorf("write voxels: %w", err)
	}
	return nil
}

func clampRound(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, math.Round(v)))
}

func isGzip(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".gz")
}

// ReadFile decodes a .nii or .nii.gz file.
func ReadFile(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = bufio.NewReader(f)
	if isGzip(path) {
		zr, err := pgzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		defer zr.Close()
		r = zr
	}
	img, err := Decode(r)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return img, nil
}

// WriteFile encodes img to path, gzip-compressed when path ends in .gz.
func WriteFile(path string, img *Image) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("error creating output directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	var w io.Writer = f
	var zw *pgzip.Writer
	if isGzip(path) {
		zw = pgzip.NewWriter(f)
		w = zw
	}
	if err := Encode(w, img); err != nil {
		f.Close()
		return fmt.Errorf("%s: %w", path, err)
	}
	if zw != nil {
		if err := zw.Close(); err != nil {
			f.Close()
			return err
		}
	}
	return f.Close()
}
