package replacement

import (
	"image"

	"github.com/san-kum/dental-xray/server/masks"
	"gonum.org/v1/gonum/spatial/kdtree"
)

// interpolationStrategy inpaints the lesion by inverse distance weighting of
// the nearest known pixels in a band around it.
type interpolationStrategy struct {
	padding   int
	neighbors int
}

func (s *interpolationStrategy) Fill(dst, src *image.NRGBA, region *masks.Bitmap, box masks.BBox) {
	known := ring(region, box, s.padding, src.Bounds())
	if len(known) == 0 {
		r, g, b := meanLab(src, inside(region, box))
		for _, p := range inside(region, box) {
			setRGB(dst, p.X, p.Y, r, g, b)
		}
		return
	}

	pts := make(samples, len(known))
	for i, p := range known {
		px := nrgbaAt(src, p.X, p.Y)
		pts[i] = sample{x: float64(p.X), y: float64(p.Y), rgb: [3]float64{float64(px[0]), float64(px[1]), float64(px[2])}}
	}
	tree := kdtree.New(pts, false)

	for _, p := range inside(region, box) {
		keeper := kdtree.NewNKeeper(s.neighbors)
		tree.NearestSet(keeper, sample{x: float64(p.X), y: float64(p.Y)})

		var sum [3]float64
		var wsum float64
		for _, item := range keeper.Heap {
			if item.Comparable == nil {
				continue
			}
			q := item.Comparable.(sample)
			w := 1 / item.Dist
			wsum += w
			for c := range sum {
				sum[c] += w * q.rgb[c]
			}
		}
		if wsum == 0 {
			continue
		}
		setRGB(dst, p.X, p.Y, clamp8(sum[0]/wsum), clamp8(sum[1]/wsum), clamp8(sum[2]/wsum))
	}
}

type sample struct {
	x, y float64
	rgb  [3]float64
}

func (p sample) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(sample)
	if d == 0 {
		return p.x - q.x
	}
	return p.y - q.y
}

func (p sample) Dims() int { return 2 }

// Distance is the squared euclidean distance.
func (p sample) Distance(c kdtree.Comparable) float64 {
	q := c.(sample)
	dx, dy := p.x-q.x, p.y-q.y
	return dx*dx + dy*dy
}

type samples []sample

func (p samples) Index(i int) kdtree.Comparable         { return p[i] }
func (p samples) Len() int                              { return len(p) }
func (p samples) Slice(start, end int) kdtree.Interface { return p[start:end] }

func (p samples) Pivot(d kdtree.Dim) int {
	return kdtree.Partition(plane{samples: p, Dim: d}, kdtree.MedianOfMedians(plane{samples: p, Dim: d}))
}

type plane struct {
	samples
	kdtree.Dim
}

func (p plane) Less(i, j int) bool {
	if p.Dim == 0 {
		return p.samples[i].x < p.samples[j].x
	}
	return p.samples[i].y < p.samples[j].y
}

func (p plane) Slice(start, end int) kdtree.SortSlicer {
	return plane{samples: p.samples[start:end], Dim: p.Dim}
}

func (p plane) Swap(i, j int) {
	p.samples[i], p.samples[j] = p.samples[j], p.samples[i]
}
