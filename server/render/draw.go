// Package render produces the visual and textual artifacts of an analysis.
package render

import (
	"image"
	"image/color"
	"image/draw"
	"math"

	"github.com/lucasb-eyer/go-colorful"
	"github.com/san-kum/dental-xray/server/masks"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

var (
	labelColor  = color.NRGBA{R: 255, G: 255, B: 255, A: 255}
	labelShadow = color.NRGBA{R: 0, G: 0, B: 0, A: 200}
	cystColor   = color.NRGBA{R: 0, G: 255, B: 0, A: 255}
)

// ClassColor returns a stable, saturated color for a class id. Hues are spread
// with the golden angle so neighboring classes stay distinguishable.
func ClassColor(classID int) color.NRGBA {
	h := math.Mod(float64(classID)*137.508, 360)
	if h < 0 {
		h += 360
	}
	r, g, b := colorful.Hcl(h, 0.55, 0.7).Clamped().RGB255()
	return color.NRGBA{R: r, G: g, B: b, A: 255}
}

func toNRGBA(img image.Image) *image.NRGBA {
	b := img.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}

// blend mixes c over the pixel at (x, y) with weight alpha.
func blend(img *image.NRGBA, x, y int, c color.NRGBA, alpha float64) {
	if !(image.Point{X: x, Y: y}).In(img.Rect) {
		return
	}
	i := img.PixOffset(x, y)
	mix := func(a, b uint8) uint8 {
		return uint8(math.Round(float64(a)*(1-alpha) + float64(b)*alpha))
	}
	img.Pix[i] = mix(img.Pix[i], c.R)
	img.Pix[i+1] = mix(img.Pix[i+1], c.G)
	img.Pix[i+2] = mix(img.Pix[i+2], c.B)
	img.Pix[i+3] = 255
}

func fillMask(img *image.NRGBA, bm *masks.Bitmap, c color.NRGBA, alpha float64) {
	for y := bm.Rect.Min.Y; y < bm.Rect.Max.Y; y++ {
		for x := bm.Rect.Min.X; x < bm.Rect.Max.X; x++ {
			if bm.At(x, y) {
				blend(img, x, y, c, alpha)
			}
		}
	}
}

// outline paints the edge pixels of bm, thickened to width.
func outline(img *image.NRGBA, bm *masks.Bitmap, c color.NRGBA, width int) {
	for y := bm.Rect.Min.Y; y < bm.Rect.Max.Y; y++ {
		for x := bm.Rect.Min.X; x < bm.Rect.Max.X; x++ {
			if !bm.At(x, y) {
				continue
			}
			if bm.At(x-1, y) && bm.At(x+1, y) && bm.At(x, y-1) && bm.At(x, y+1) {
				continue
			}
			for dy := 0; dy < width; dy++ {
				for dx := 0; dx < width; dx++ {
					blend(img, x-dx, y-dy, c, 1)
				}
			}
		}
	}
}

func rectangle(img *image.NRGBA, box masks.BBox, c color.NRGBA) {
	if box.Empty() {
		return
	}
	for x := box.MinX; x < box.MaxX; x++ {
		blend(img, x, box.MinY, c, 1)
		blend(img, x, box.MaxY-1, c, 1)
	}
	for y := box.MinY; y < box.MaxY; y++ {
		blend(img, box.MinX, y, c, 1)
		blend(img, box.MaxX-1, y, c, 1)
	}
}

// label draws text with its baseline centered on (cx, cy) and a one pixel
// shadow for legibility on bright bone.
func label(img *image.NRGBA, cx, cy int, text string, c color.NRGBA) {
	face := basicfont.Face7x13
	w := font.MeasureString(face, text).Ceil()
	x := cx - w/2
	y := cy + face.Ascent/2

	shadow := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(labelShadow),
		Face: face,
		Dot:  fixed.P(x+1, y+1),
	}
	shadow.DrawString(text)

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: face,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(text)
}
