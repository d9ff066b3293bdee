package masks

import (
	"image"
	"image/draw"
	"math"

	"golang.org/x/image/vector"
)

// coverageThreshold is the minimum alpha coverage for a pixel to count as
// inside a polygon.
const coverageThreshold = 128

// Bitmap is a binary pixel grid covering Rect in image coordinates.
type Bitmap struct {
	Rect image.Rectangle
	Pix  []uint8
}

func NewBitmap(x0, y0, x1, y1 int) *Bitmap {
	r := image.Rect(x0, y0, x1, y1)
	return &Bitmap{
		Rect: r,
		Pix:  make([]uint8, r.Dx()*r.Dy()),
	}
}

func (b *Bitmap) offset(x, y int) int {
	return (y-b.Rect.Min.Y)*b.Rect.Dx() + (x - b.Rect.Min.X)
}

func (b *Bitmap) At(x, y int) bool {
	if !(image.Point{X: x, Y: y}).In(b.Rect) {
		return false
	}
	return b.Pix[b.offset(x, y)] != 0
}

func (b *Bitmap) Set(x, y int) {
	if !(image.Point{X: x, Y: y}).In(b.Rect) {
		return
	}
	b.Pix[b.offset(x, y)] = 1
}

func (b *Bitmap) Count() int {
	n := 0
	for _, p := range b.Pix {
		if p != 0 {
			n++
		}
	}
	return n
}

// Or sets every pixel of b that is set in o.
func (b *Bitmap) Or(o *Bitmap) {
	r := b.Rect.Intersect(o.Rect)
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			if o.Pix[o.offset(x, y)] != 0 {
				b.Pix[b.offset(x, y)] = 1
			}
		}
	}
}

// IntersectCount counts pixels set in both b and o.
func (b *Bitmap) IntersectCount(o *Bitmap) int {
	r := b.Rect.Intersect(o.Rect)
	n := 0
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			if b.Pix[b.offset(x, y)] != 0 && o.Pix[o.offset(x, y)] != 0 {
				n++
			}
		}
	}
	return n
}

// Bounds returns the tight bounding box of the set pixels.
func (b *Bitmap) Bounds() BBox {
	minX, minY := math.MaxInt, math.MaxInt
	maxX, maxY := math.MinInt, math.MinInt
	for y := b.Rect.Min.Y; y < b.Rect.Max.Y; y++ {
		row := b.Pix[b.offset(b.Rect.Min.X, y):b.offset(b.Rect.Min.X, y)+b.Rect.Dx()]
		for i, p := range row {
			if p == 0 {
				continue
			}
			x := b.Rect.Min.X + i
			minX, maxX = min(minX, x), max(maxX, x)
			minY, maxY = min(minY, y), max(maxY, y)
		}
	}
	if maxX < minX {
		return BBox{}
	}
	return BBox{MinX: minX, MinY: minY, MaxX: maxX + 1, MaxY: maxY + 1}
}

// Rasterize fills polygon on a width×height grid. The returned bitmap only
// spans the polygon's extent clipped to the grid. Polygons with non-finite
// vertices rasterize to nothing.
func Rasterize(polygon []Point, width, height int) *Bitmap {
	if len(polygon) < 3 || width <= 0 || height <= 0 || !finite(polygon) {
		return NewBitmap(0, 0, 0, 0)
	}

	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for _, p := range polygon {
		minX, maxX = math.Min(minX, p.X), math.Max(maxX, p.X)
		minY, maxY = math.Min(minY, p.Y), math.Max(maxY, p.Y)
	}

	x0 := gridIndex(math.Floor(minX), width)
	y0 := gridIndex(math.Floor(minY), height)
	x1 := gridIndex(math.Ceil(maxX), width)
	y1 := gridIndex(math.Ceil(maxY), height)
	bm := NewBitmap(x0, y0, x1, y1)
	if x1 <= x0 || y1 <= y0 {
		return bm
	}

	// Vertices far outside the window lose all precision as float32, so the
	// polygon is cut down to the window plus a one pixel margin first.
	w, h := x1-x0, y1-y0
	ox, oy := float64(x0), float64(y0)
	clipped := clipToRect(polygon, ox-1, oy-1, float64(x1)+1, float64(y1)+1)
	if len(clipped) < 3 {
		return bm
	}

	z := vector.NewRasterizer(w, h)
	z.DrawOp = draw.Src
	z.MoveTo(float32(clipped[0].X-ox), float32(clipped[0].Y-oy))
	for _, p := range clipped[1:] {
		z.LineTo(float32(p.X-ox), float32(p.Y-oy))
	}
	z.ClosePath()

	cov := image.NewAlpha(image.Rect(0, 0, w, h))
	z.Draw(cov, cov.Bounds(), image.Opaque, image.Point{})

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if cov.Pix[y*cov.Stride+x] >= coverageThreshold {
				bm.Pix[y*w+x] = 1
			}
		}
	}
	return bm
}

func finite(polygon []Point) bool {
	for _, p := range polygon {
		if math.IsNaN(p.X) || math.IsNaN(p.Y) || math.IsInf(p.X, 0) || math.IsInf(p.Y, 0) {
			return false
		}
	}
	return true
}

// gridIndex clamps v to [0, hi] before converting, since float to int
// conversion of out-of-range values is undefined.
func gridIndex(v float64, hi int) int {
	if v <= 0 {
		return 0
	}
	if v >= float64(hi) {
		return hi
	}
	return int(v)
}

// clipToRect clips polygon against the rectangle [minX,maxX]×[minY,maxY] one
// edge at a time (Sutherland-Hodgman).
func clipToRect(polygon []Point, minX, minY, maxX, maxY float64) []Point {
	edges := []struct {
		inside func(Point) bool
		cross  func(a, b Point) Point
	}{
		{func(p Point) bool { return p.X >= minX }, func(a, b Point) Point { return atX(a, b, minX) }},
		{func(p Point) bool { return p.X <= maxX }, func(a, b Point) Point { return atX(a, b, maxX) }},
		{func(p Point) bool { return p.Y >= minY }, func(a, b Point) Point { return atY(a, b, minY) }},
		{func(p Point) bool { return p.Y <= maxY }, func(a, b Point) Point { return atY(a, b, maxY) }},
	}

	out := polygon
	for _, e := range edges {
		if len(out) == 0 {
			break
		}
		in := out
		out = make([]Point, 0, len(in)+4)
		prev := in[len(in)-1]
		for _, cur := range in {
			switch {
			case e.inside(cur) && !e.inside(prev):
				out = append(out, e.cross(prev, cur), cur)
			case e.inside(cur):
				out = append(out, cur)
			case e.inside(prev):
				out = append(out, e.cross(prev, cur))
			}
			prev = cur
		}
	}
	return out
}

func atX(a, b Point, x float64) Point {
	t := (x - a.X) / (b.X - a.X)
	return Point{X: x, Y: a.Y + t*(b.Y-a.Y)}
}

func atY(a, b Point, y float64) Point {
	t := (y - a.Y) / (b.Y - a.Y)
	return Point{X: a.X + t*(b.X-a.X), Y: y}
}
