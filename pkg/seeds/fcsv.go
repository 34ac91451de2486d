package seeds

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/spatial/r3"
)

// DirName is the folder holding persisted seed files.
const DirName = "LungCTSegmenter"

const fcsvColumns = "id,x,y,z,ow,ox,oy,oz,vis,sel,lock,label,desc,associatedNodeID"

// DataDir returns the seed directory next to the input volume file.
func DataDir(inputPath string) string {
	return filepath.Join(filepath.Dir(inputPath), DirName)
}

// FileName returns the fiducial file name of set.
func FileName(set Set) string {
	return set.Letter() + ".fcsv"
}

// WriteFCSV encodes points as a markups fiducial file in LPS coordinates.
func WriteFCSV(w io.Writer, set Set, points []Point) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, "# Markups fiducial file version = 4.11")
	fmt.Fprintln(bw, "# CoordinateSystem = LPS")
	fmt.Fprintln(bw, "# columns = "+fcsvColumns)

	cw := csv.NewWriter(bw)
	for n, p := range points {
		// RAS -> LPS flips the first two axes; negation is exact
		rec := []string{
			fmt.Sprintf("vtkMRMLMarkupsFiducialNode%s_%d", set.Letter(), n),
			formatFloat(-p.Position.X),
			formatFloat(-p.Position.Y),
			formatFloat(p.Position.Z),
			"0", "0", "0", "1",
			"1", "1", "1",
			p.Label, "", "",
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return err
	}
	return bw.Flush()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// ReadFCSV decodes a markups fiducial file. Both RAS and LPS files are accepted.
func ReadFCSV(r io.Reader) ([]Point, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	lps := false
	columns := strings.Split(fcsvColumns, ",")
	sc := bufio.NewScanner(bytes.NewReader(raw))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(strings.TrimPrefix(line, "#"), "=")
		if !ok {
			continue
		}
		switch strings.TrimSpace(key) {
		case "CoordinateSystem":
			switch strings.TrimSpace(value) {
			case "LPS", "1":
				lps = true
			case "RAS", "0":
				lps = false
			default:
				return nil, fmt.Errorf("unsupported coordinate system %q", strings.TrimSpace(value))
			}
		case "columns":
			columns = strings.Split(strings.TrimSpace(value), ",")
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	col := make(map[string]int, len(columns))
	for i, c := range columns {
		col[strings.TrimSpace(c)] = i
	}
	for _, need := range []string{"x", "y", "z"} {
		if _, ok := col[need]; !ok {
			return nil, fmt.Errorf("fiducial file has no %q column", need)
		}
	}

	cr := csv.NewReader(bytes.NewReader(raw))
	cr.Comment = '#'
	cr.FieldsPerRecord = -1
	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse fiducial file: %w", err)
	}

	points := make([]Point, 0, len(records))
	for n, rec := range records {
		var xyz [3]float64
		for a, name := range []string{"x", "y", "z"} {
			i := col[name]
			if i >= len(rec) {
				return nil, fmt.Errorf("fiducial row %d: missing %s", n+1, name)
			}
			v, err := strconv.ParseFloat(strings.TrimSpace(rec[i]), 64)
			if err != nil {
				return nil, fmt.Errorf("fiducial row %d: %s: %w", n+1, name, err)
			}
			xyz[a] = v
		}
		if lps {
			xyz[0], xyz[1] = -xyz[0], -xyz[1]
		}
		p := Point{Position: r3.Vec{X: xyz[0], Y: xyz[1], Z: xyz[2]}}
		if i, ok := col["label"]; ok && i < len(rec) {
			p.Label = rec[i]
		}
		points = append(points, p)
	}
	return points, nil
}

// Save writes the three fiducial files of st into dir, creating it if needed.
func Save(st *Store, dir string) error {
	snap, err := st.Snapshot()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create seed directory: %w", err)
	}
	for _, set := range Sets {
		if err := writeFile(filepath.Join(dir, FileName(set)), set, snap.Sets[set]); err != nil {
			return err
		}
	}
	return nil
}

func writeFile(path string, set Set, points []Point) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := WriteFCSV(f, set, points); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}

// Load reads the three fiducial files in dir into st. The store is only
// modified when every file was read.
func Load(st *Store, dir string) error {
	if st == nil {
		return fmt.Errorf("%w: no segmentation session", ErrInvalidSeedSet)
	}
	var loaded [3][]Point
	for _, set := range Sets {
		path := filepath.Join(dir, FileName(set))
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open %s: %w", path, err)
		}
		pts, err := ReadFCSV(f)
		f.Close()
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		loaded[set] = pts
	}
	for _, set := range Sets {
		if err := st.Replace(set, loaded[set]); err != nil {
			return err
		}
	}
	return nil
}

// LoadPreferred loads seeds from the first directory in dirs that holds a
// complete set of files and returns that directory.
func LoadPreferred(st *Store, dirs ...string) (string, error) {
	var errs []string
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := Load(st, dir); err != nil {
			errs = append(errs, err.Error())
			continue
		}
		return dir, nil
	}
	return "", fmt.Errorf("%w: %s", ErrNoSeedFiles, strings.Join(errs, "; "))
}
