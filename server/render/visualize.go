package render

import (
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/san-kum/dental-xray/server/masks"
	"github.com/san-kum/dental-xray/server/models"
)

var severityColors = map[models.Severity]color.NRGBA{
	models.SeverityNone:     {R: 0, G: 255, B: 0, A: 255},
	models.SeverityMild:     {R: 255, G: 255, B: 0, A: 255},
	models.SeverityModerate: {R: 255, G: 165, B: 0, A: 255},
	models.SeveritySevere:   {R: 255, G: 0, B: 0, A: 255},
	models.SeverityCritical: {R: 128, G: 0, B: 128, A: 255},
}

func SeverityColor(s models.Severity) color.NRGBA {
	if c, ok := severityColors[s]; ok {
		return c
	}
	return labelColor
}

// CombinedMasks paints every mask in its class color on a black canvas. Later
// masks win where masks overlap.
func CombinedMasks(set *masks.MaskSet) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, set.Width, set.Height))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i+3] = 255
	}
	for _, m := range set.Masks {
		fillMask(img, m.Bitmap(), ClassColor(m.ClassID), 1)
	}
	return img
}

// AnnotateTeeth outlines each tooth and labels it with its FDI number.
func AnnotateTeeth(src image.Image, set *masks.MaskSet) *image.NRGBA {
	img := toNRGBA(src)
	for _, m := range set.Masks {
		c := ClassColor(m.ClassID)
		bm := m.Bitmap()
		fillMask(img, bm, c, 0.25)
		outline(img, bm, c, 2)
	}
	for _, m := range set.Masks {
		if m.PixelArea == 0 {
			continue
		}
		p := m.Centroid()
		label(img, round(p.X), round(p.Y), fmt.Sprint(masks.FDINumber(m.ClassID)), labelColor)
	}
	return img
}

// AnnotateCysts overlays the lesions in translucent green with their bounding
// boxes and detector confidence.
func AnnotateCysts(src image.Image, set *masks.MaskSet) *image.NRGBA {
	img := toNRGBA(src)
	fillMask(img, set.Union(), cystColor, 0.3)
	for i, m := range set.Masks {
		rectangle(img, m.BBox, cystColor)
		text := fmt.Sprintf("cyst %d", i+1)
		if m.Confidence > 0 {
			text = fmt.Sprintf("cyst %d: %.2f", i+1, m.Confidence)
		}
		if !m.BBox.Empty() {
			label(img, m.BBox.MinX+m.BBox.Width()/2, m.BBox.MinY-10, text, cystColor)
		}
	}
	return img
}

// RootCystOverlay draws the cysts and outlines every tooth in the color of its
// overlap severity, labeled "FDI:<n> <pct>%". Records align with roots.Masks.
func RootCystOverlay(src image.Image, roots, cysts *masks.MaskSet, analysis *models.RootOverlapAnalysis) *image.NRGBA {
	img := toNRGBA(src)
	if cysts != nil {
		fillMask(img, cysts.Union(), cystColor, 0.3)
	}
	if roots == nil || analysis == nil {
		return img
	}
	for i, m := range roots.Masks {
		if i >= len(analysis.Records) {
			break
		}
		rec := analysis.Records[i]
		c := SeverityColor(rec.Severity)
		outline(img, m.Bitmap(), c, 2)
		if m.PixelArea == 0 {
			continue
		}
		p := m.Centroid()
		label(img, round(p.X), round(p.Y), fmt.Sprintf("FDI:%d %.1f%%", rec.FDINumber, rec.OverlapPercentage), c)
	}
	return img
}

func round(v float64) int {
	return int(math.Round(v))
}
