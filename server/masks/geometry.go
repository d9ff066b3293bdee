package masks

import "math"

// PolygonArea is the shoelace area of a closed polygon.
func PolygonArea(polygon []Point) float64 {
	if len(polygon) < 3 {
		return 0
	}
	var sum float64
	for i, p := range polygon {
		q := polygon[(i+1)%len(polygon)]
		sum += p.X*q.Y - q.X*p.Y
	}
	return math.Abs(sum) / 2
}

// Perimeter is the length of the closed outline.
func Perimeter(polygon []Point) float64 {
	if len(polygon) < 2 {
		return 0
	}
	var length float64
	for i, p := range polygon {
		q := polygon[(i+1)%len(polygon)]
		length += math.Hypot(q.X-p.X, q.Y-p.Y)
	}
	return length
}

// Centroid is the area centroid of the polygon. Degenerate polygons fall back
// to the vertex mean.
func Centroid(polygon []Point) Point {
	if len(polygon) == 0 {
		return Point{}
	}
	var a, cx, cy float64
	for i, p := range polygon {
		q := polygon[(i+1)%len(polygon)]
		cross := p.X*q.Y - q.X*p.Y
		a += cross
		cx += (p.X + q.X) * cross
		cy += (p.Y + q.Y) * cross
	}
	if math.Abs(a) < 1e-9 {
		var sx, sy float64
		for _, p := range polygon {
			sx += p.X
			sy += p.Y
		}
		n := float64(len(polygon))
		return Point{X: sx / n, Y: sy / n}
	}
	a *= 0.5
	return Point{X: cx / (6 * a), Y: cy / (6 * a)}
}

// EquivalentDiameter is the diameter of a circle with the given area.
func EquivalentDiameter(area float64) float64 {
	if area <= 0 {
		return 0
	}
	return 2 * math.Sqrt(area/math.Pi)
}
