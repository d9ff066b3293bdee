// Package masks holds the labeled region model shared by every analysis
// stage: polygons produced by a segmentation pass, their rasterized pixel
// grids, and the per-image sets they are grouped into.
//
// Coordinates are pixel coordinates with the origin at the top-left corner of
// the source image. A pixel (x, y) covers the unit square [x, x+1) × [y, y+1).
package masks

import (
	"fmt"
)

type Category string

const (
	CategoryTeeth Category = "teeth"
	CategoryCysts Category = "cysts"
	CategoryRoots Category = "roots"
)

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// BBox is a pixel bounding box; Min is inclusive, Max exclusive.
type BBox struct {
	MinX int `json:"x1"`
	MinY int `json:"y1"`
	MaxX int `json:"x2"`
	MaxY int `json:"y2"`
}

func (b BBox) Width() int  { return b.MaxX - b.MinX }
func (b BBox) Height() int { return b.MaxY - b.MinY }
func (b BBox) Empty() bool { return b.MaxX <= b.MinX || b.MaxY <= b.MinY }

// Mask is a single labeled region. It is immutable once built by NewMask.
type Mask struct {
	ClassID    int     `json:"class_id"`
	Polygon    []Point `json:"polygon"`
	PixelArea  int     `json:"pixel_area"`
	BBox       BBox    `json:"bounding_box"`
	Confidence float64 `json:"confidence,omitempty"`

	width, height int
	bitmap        *Bitmap
}

// NewMask rasterizes polygon on a width×height grid and derives the pixel
// area and bounding box from the result.
func NewMask(classID int, polygon []Point, width, height int) (*Mask, error) {
	if len(polygon) < 3 {
		return nil, fmt.Errorf("mask class %d: polygon needs at least 3 points, got %d", classID, len(polygon))
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("mask class %d: invalid grid %dx%d", classID, width, height)
	}
	if !finite(polygon) {
		return nil, fmt.Errorf("mask class %d: polygon has non-finite coordinates", classID)
	}

	poly := make([]Point, len(polygon))
	copy(poly, polygon)

	bm := Rasterize(poly, width, height)
	return &Mask{
		ClassID:   classID,
		Polygon:   poly,
		PixelArea: bm.Count(),
		BBox:      bm.Bounds(),
		width:     width,
		height:    height,
		bitmap:    bm,
	}, nil
}

// WithConfidence returns a copy of m carrying the detector's confidence.
func (m *Mask) WithConfidence(c float64) *Mask {
	cp := *m
	cp.Confidence = c
	return &cp
}

// Bitmap returns the rasterized pixels of the mask. The bitmap is shared and
// must not be modified.
func (m *Mask) Bitmap() *Bitmap {
	if m.bitmap == nil {
		return Rasterize(m.Polygon, m.width, m.height)
	}
	return m.bitmap
}

func (m *Mask) Centroid() Point {
	return Centroid(m.Polygon)
}

// MaskSet is an ordered sequence of masks from one segmentation pass over one
// image. Duplicate class ids are allowed and kept as separate entries.
type MaskSet struct {
	Category Category `json:"category"`
	Width    int      `json:"width"`
	Height   int      `json:"height"`
	Masks    []*Mask  `json:"masks"`
}

func NewMaskSet(category Category, width, height int) *MaskSet {
	return &MaskSet{
		Category: category,
		Width:    width,
		Height:   height,
		Masks:    make([]*Mask, 0),
	}
}

// Add appends m, rejecting masks rasterized on a different grid.
func (s *MaskSet) Add(m *Mask) error {
	if m.width != s.Width || m.height != s.Height {
		return fmt.Errorf("mask grid %dx%d does not match %s set grid %dx%d",
			m.width, m.height, s.Category, s.Width, s.Height)
	}
	s.Masks = append(s.Masks, m)
	return nil
}

// AddPolygon builds a mask on the set's grid and appends it.
func (s *MaskSet) AddPolygon(classID int, polygon []Point) (*Mask, error) {
	m, err := NewMask(classID, polygon, s.Width, s.Height)
	if err != nil {
		return nil, err
	}
	s.Masks = append(s.Masks, m)
	return m, nil
}

func (s *MaskSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Masks)
}

func (s *MaskSet) Empty() bool { return s.Len() == 0 }

// TotalArea sums the pixel areas of all masks. Overlapping masks are counted
// once per mask.
func (s *MaskSet) TotalArea() int {
	total := 0
	for _, m := range s.Masks {
		total += m.PixelArea
	}
	return total
}

// Union rasterizes the union of every mask onto a full-image bitmap.
func (s *MaskSet) Union() *Bitmap {
	u := NewBitmap(0, 0, s.Width, s.Height)
	for _, m := range s.Masks {
		u.Or(m.Bitmap())
	}
	return u
}

// As returns a view of the set under another category. Masks are shared.
func (s *MaskSet) As(category Category) *MaskSet {
	cp := *s
	cp.Category = category
	cp.Masks = append([]*Mask(nil), s.Masks...)
	return &cp
}
