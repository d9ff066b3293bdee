// Package replacement visually neutralizes lesion regions in a radiograph.
// Every strategy writes only pixels inside the union of the cyst masks and is
// deterministic for a given image, mask set and method.
package replacement

import (
	"fmt"
	"image"
	"time"

	"github.com/disintegration/imaging"
	"github.com/san-kum/dental-xray/server/masks"
	"github.com/san-kum/dental-xray/server/models"
	"go.uber.org/zap"
)

// Strategy fills region in dst. dst starts as a copy of src and the two share
// bounds anchored at the origin.
type Strategy interface {
	Fill(dst, src *image.NRGBA, region *masks.Bitmap, box masks.BBox)
}

type Engine struct {
	logger     *zap.Logger
	strategies map[models.ReplacementMethod]Strategy
}

func NewEngine(logger *zap.Logger) *Engine {
	return &Engine{
		logger: logger,
		strategies: map[models.ReplacementMethod]Strategy{
			models.MethodBlur:          &blurStrategy{},
			models.MethodColor:         &colorStrategy{ring: 5},
			models.MethodInterpolation: &interpolationStrategy{padding: 10, neighbors: 8},
		},
	}
}

// Replace returns a modified copy of img. The input is never written to.
func (e *Engine) Replace(img image.Image, cysts *masks.MaskSet, method models.ReplacementMethod) (*image.NRGBA, error) {
	m, err := models.ParseReplacementMethod(string(method))
	if err != nil {
		return nil, err
	}
	strategy, ok := e.strategies[m]
	if !ok {
		return nil, models.InvalidRequest("replacement method %q is not available", method)
	}

	src := imaging.Clone(img)
	size := src.Bounds().Size()
	if cysts == nil || cysts.Empty() {
		return src, nil
	}
	if cysts.Width != size.X || cysts.Height != size.Y {
		return nil, &models.AnalysisError{
			Analysis: "replacement",
			Err:      fmt.Errorf("mask grid %dx%d does not match image %dx%d", cysts.Width, cysts.Height, size.X, size.Y),
		}
	}

	region := cysts.Union()
	box := region.Bounds()
	if box.Empty() {
		return src, nil
	}

	start := time.Now()
	dst := imaging.Clone(src)
	strategy.Fill(dst, src, region, box)

	e.logger.Debug("Replaced cyst region",
		zap.String("method", string(m)),
		zap.Int("pixels", region.Count()),
		zap.Duration("duration", time.Since(start)),
	)
	return dst, nil
}

func nrgbaAt(img *image.NRGBA, x, y int) [4]uint8 {
	i := img.PixOffset(x, y)
	return [4]uint8{img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3]}
}

func setRGB(img *image.NRGBA, x, y int, r, g, b uint8) {
	i := img.PixOffset(x, y)
	img.Pix[i], img.Pix[i+1], img.Pix[i+2] = r, g, b
}

func clamp8(v float64) uint8 {
	switch {
	case v <= 0:
		return 0
	case v >= 255:
		return 255
	default:
		return uint8(v + 0.5)
	}
}
