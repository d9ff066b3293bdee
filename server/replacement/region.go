package replacement

import (
	"image"

	"github.com/san-kum/dental-xray/server/masks"
)

// ring returns the pixels outside region lying within width pixels
// (Chebyshev distance) of it, in row-major order.
func ring(region *masks.Bitmap, box masks.BBox, width int, bounds image.Rectangle) []image.Point {
	outer := image.Rect(box.MinX-width, box.MinY-width, box.MaxX+width, box.MaxY+width).Intersect(bounds)
	mark := masks.NewBitmap(outer.Min.X, outer.Min.Y, outer.Max.X, outer.Max.Y)

	for y := box.MinY; y < box.MaxY; y++ {
		for x := box.MinX; x < box.MaxX; x++ {
			if !region.At(x, y) || !onEdge(region, x, y) {
				continue
			}
			for yy := y - width; yy <= y+width; yy++ {
				for xx := x - width; xx <= x+width; xx++ {
					mark.Set(xx, yy)
				}
			}
		}
	}

	var pts []image.Point
	for y := outer.Min.Y; y < outer.Max.Y; y++ {
		for x := outer.Min.X; x < outer.Max.X; x++ {
			if mark.At(x, y) && !region.At(x, y) {
				pts = append(pts, image.Pt(x, y))
			}
		}
	}
	return pts
}

func onEdge(region *masks.Bitmap, x, y int) bool {
	return !region.At(x-1, y) || !region.At(x+1, y) || !region.At(x, y-1) || !region.At(x, y+1)
}

// inside lists the region pixels in row-major order.
func inside(region *masks.Bitmap, box masks.BBox) []image.Point {
	var pts []image.Point
	for y := box.MinY; y < box.MaxY; y++ {
		for x := box.MinX; x < box.MaxX; x++ {
			if region.At(x, y) {
				pts = append(pts, image.Pt(x, y))
			}
		}
	}
	return pts
}
