package mesh

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
)

// SaveToSTL writes triangles to filename in binary STL format
func SaveToSTL(filename string, triangles []Triangle) error {
	file, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create STL file: %v", err)
	}
	defer file.Close()

	w := bufio.NewWriter(file)

	// 80 byte header
	header := make([]byte, 80)
	copy(header, "lungctsegmenter binary STL")
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("failed to write STL header: %v", err)
	}

	if err := binary.Write(w, binary.LittleEndian, uint32(len(triangles))); err != nil {
		return fmt.Errorf("failed to write triangle count: %v", err)
	}

	for _, t := range triangles {
		record := struct {
			Normal, V1, V2, V3 [3]float32
			Attribute          uint16
		}{t.Normal, t.Vertex1, t.Vertex2, t.Vertex3, 0}
		if err := binary.Write(w, binary.LittleEndian, record); err != nil {
			return fmt.Errorf("failed to write triangle: %v", err)
		}
	}

	return w.Flush()
}

// WriteSurface writes s to filename as binary STL
func WriteSurface(filename string, s *Surface) error {
	if s.Empty() {
		return fmt.Errorf("surface is empty")
	}
	return SaveToSTL(filename, s.Triangles())
}
