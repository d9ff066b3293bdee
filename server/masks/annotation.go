package masks

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// WriteAnnotations writes one line per mask in the YOLO segmentation format:
// the class id followed by polygon vertices normalized to [0,1].
func WriteAnnotations(w io.Writer, set *MaskSet) error {
	bw := bufio.NewWriter(w)
	fw, fh := float64(set.Width), float64(set.Height)
	for _, m := range set.Masks {
		var sb strings.Builder
		sb.WriteString(strconv.Itoa(m.ClassID))
		for _, p := range m.Polygon {
			fmt.Fprintf(&sb, " %.6f %.6f", p.X/fw, p.Y/fh)
		}
		sb.WriteByte('\n')
		if _, err := bw.WriteString(sb.String()); err != nil {
			return fmt.Errorf("failed to write annotation: %w", err)
		}
	}
	return bw.Flush()
}

// ParseAnnotations reads the format written by WriteAnnotations and rebuilds
// the masks on a width×height grid. Blank lines are skipped.
func ParseAnnotations(r io.Reader, category Category, width, height int) (*MaskSet, error) {
	set := NewMaskSet(category, width, height)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)

	line := 0
	for sc.Scan() {
		line++
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields)%2 != 1 {
			return nil, fmt.Errorf("line %d: odd number of coordinates", line)
		}
		classID, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid class id %q", line, fields[0])
		}

		poly := make([]Point, 0, len(fields)/2)
		for i := 1; i < len(fields); i += 2 {
			x, errX := strconv.ParseFloat(fields[i], 64)
			y, errY := strconv.ParseFloat(fields[i+1], 64)
			if errX != nil || errY != nil {
				return nil, fmt.Errorf("line %d: invalid coordinate pair %q %q", line, fields[i], fields[i+1])
			}
			poly = append(poly, Point{X: x * float64(width), Y: y * float64(height)})
		}
		if _, err := set.AddPolygon(classID, poly); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read annotations: %w", err)
	}
	return set, nil
}
