package replacement

import (
	"image"
	"image/color"

	"github.com/lucasb-eyer/go-colorful"
	"github.com/san-kum/dental-xray/server/masks"
	"gonum.org/v1/gonum/stat"
)

// colorStrategy fills the lesion with the average of the surrounding tissue,
// averaged in Lab space.
type colorStrategy struct {
	ring int
}

func (s *colorStrategy) Fill(dst, src *image.NRGBA, region *masks.Bitmap, box masks.BBox) {
	samples := ring(region, box, s.ring, src.Bounds())
	if len(samples) == 0 {
		samples = inside(region, box)
	}
	r, g, b := meanLab(src, samples)

	for _, p := range inside(region, box) {
		setRGB(dst, p.X, p.Y, r, g, b)
	}
}

// meanLab averages the opaque pixels at pts in CIE Lab and converts back to
// 8-bit sRGB.
func meanLab(img *image.NRGBA, pts []image.Point) (uint8, uint8, uint8) {
	ls := make([]float64, 0, len(pts))
	as := make([]float64, 0, len(pts))
	bs := make([]float64, 0, len(pts))
	for _, p := range pts {
		px := nrgbaAt(img, p.X, p.Y)
		c, ok := colorful.MakeColor(color.NRGBA{R: px[0], G: px[1], B: px[2], A: 255})
		if !ok {
			continue
		}
		l, a, b := c.Lab()
		ls = append(ls, l)
		as = append(as, a)
		bs = append(bs, b)
	}
	if len(ls) == 0 {
		return 0, 0, 0
	}
	avg := colorful.Lab(stat.Mean(ls, nil), stat.Mean(as, nil), stat.Mean(bs, nil))
	return avg.Clamped().RGB255()
}
