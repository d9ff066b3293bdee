package replacement

import (
	"image"
	"math"

	"github.com/anthonynsimon/bild/blur"
	"github.com/disintegration/imaging"
	"github.com/san-kum/dental-xray/server/masks"
)

// blurStrategy smooths the lesion with a gaussian sized from its bounding box
// and feathers the result into the surrounding tissue.
type blurStrategy struct{}

func (s *blurStrategy) Fill(dst, src *image.NRGBA, region *masks.Bitmap, box masks.BBox) {
	k := min(box.Width(), box.Height())/10 + 1
	if k%2 == 0 {
		k++
	}
	sigma := math.Max(1, 0.3*((float64(k)-1)*0.5-1)+0.8)
	pad := int(math.Ceil(3*sigma)) + 1

	area := image.Rect(box.MinX-pad, box.MinY-pad, box.MaxX+pad, box.MaxY+pad).Intersect(src.Bounds())
	blurred := imaging.Blur(imaging.Crop(src, area), sigma)

	// soft coverage of the region, used as the blend weight
	cover := image.NewGray(image.Rect(0, 0, area.Dx(), area.Dy()))
	for y := area.Min.Y; y < area.Max.Y; y++ {
		for x := area.Min.X; x < area.Max.X; x++ {
			if region.At(x, y) {
				cover.Pix[cover.PixOffset(x-area.Min.X, y-area.Min.Y)] = 255
			}
		}
	}
	soft := blur.Box(cover, math.Max(1, float64(k)/2))

	for _, p := range inside(region, box) {
		lx, ly := p.X-area.Min.X, p.Y-area.Min.Y
		a := float64(soft.RGBAAt(lx, ly).R) / 255
		orig := nrgbaAt(src, p.X, p.Y)
		smooth := nrgbaAt(blurred, lx, ly)
		setRGB(dst, p.X, p.Y,
			clamp8(float64(orig[0])*(1-a)+float64(smooth[0])*a),
			clamp8(float64(orig[1])*(1-a)+float64(smooth[1])*a),
			clamp8(float64(orig[2])*(1-a)+float64(smooth[2])*a),
		)
	}
}
