package render

import (
	"bytes"
	"image"
	"image/color"
	"strings"
	"testing"
	"time"

	"github.com/san-kum/dental-xray/server/masks"
	"github.com/san-kum/dental-xray/server/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func square(t *testing.T, set *masks.MaskSet, class int, x0, y0, x1, y1 float64) {
	t.Helper()
	_, err := set.AddPolygon(class, []masks.Point{{X: x0, Y: y0}, {X: x1, Y: y0}, {X: x1, Y: y1}, {X: x0, Y: y1}})
	require.NoError(t, err)
}

func gray(w, h int, v uint8) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = v
	}
	return img
}

func TestClassColorIsStable(t *testing.T) {
	assert.Equal(t, ClassColor(7), ClassColor(7))
	assert.NotEqual(t, ClassColor(0), ClassColor(1))
	assert.Equal(t, uint8(255), ClassColor(31).A)
}

func TestCombinedMasks(t *testing.T) {
	set := masks.NewMaskSet(masks.CategoryTeeth, 40, 40)
	square(t, set, 3, 5, 5, 15, 15)
	square(t, set, 9, 20, 20, 30, 30)

	img := CombinedMasks(set)
	assert.Equal(t, ClassColor(3), img.NRGBAAt(10, 10))
	assert.Equal(t, ClassColor(9), img.NRGBAAt(25, 25))
	assert.Equal(t, color.NRGBA{A: 255}, img.NRGBAAt(0, 0))
}

func TestAnnotateCystsTintsLesion(t *testing.T) {
	set := masks.NewMaskSet(masks.CategoryCysts, 60, 60)
	square(t, set, 0, 20, 20, 40, 40)

	img := AnnotateCysts(gray(60, 60, 100), set)
	inside := img.NRGBAAt(30, 35)
	assert.Greater(t, inside.G, inside.R)
	assert.Equal(t, color.NRGBA{R: 100, G: 100, B: 100, A: 255}, img.NRGBAAt(5, 55))
	assert.Equal(t, cystColor, img.NRGBAAt(20, 39))
}

func TestRootCystOverlayColorsBySeverity(t *testing.T) {
	roots := masks.NewMaskSet(masks.CategoryRoots, 120, 80)
	square(t, roots, 0, 10, 10, 40, 40)
	cysts := masks.NewMaskSet(masks.CategoryCysts, 120, 80)
	square(t, cysts, 0, 10, 10, 40, 40)

	analysis := &models.RootOverlapAnalysis{
		Records: []models.OverlapRecord{{FDINumber: 11, OverlapPercentage: 100, Severity: models.SeverityCritical}},
	}
	img := RootCystOverlay(gray(120, 80, 50), roots, cysts, analysis)
	assert.Equal(t, SeverityColor(models.SeverityCritical), img.NRGBAAt(25, 10))
	assert.Equal(t, color.NRGBA{R: 50, G: 50, B: 50, A: 255}, img.NRGBAAt(100, 70))
}

func TestWriteReport(t *testing.T) {
	result := &models.AnalysisResult{
		TaskID:       "task-1",
		AnalysisTime: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		TeethAnalysis: &models.TeethAnalysis{
			MaskCount: 2,
		},
		CystAnalysis: &models.CystAnalysis{
			MaskCount:      1,
			TotalPixelArea: 400,
			TotalAreaMM2:   40,
		},
		RootOverlapAnalysis: &models.RootOverlapAnalysis{
			TotalTeeth:               2,
			AffectedTeeth:            1,
			AverageOverlapPercentage: 30,
			Records: []models.OverlapRecord{
				{FDINumber: 11, OverlapPercentage: 0, Severity: models.SeverityNone},
				{FDINumber: 36, OverlapPercentage: 60, Severity: models.SeverityCritical, Affected: true},
			},
		},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteReport(&buf, result))
	out := buf.String()

	assert.Contains(t, out, "Task: task-1")
	assert.Contains(t, out, "Detected teeth: 2")
	assert.Contains(t, out, "Total area: 400 px (40.00 mm²)")
	assert.Contains(t, out, "Average overlap: 30.00%")
	assert.Contains(t, out, "Severe involvement: FDI 36 (60.00%)")
	assert.Contains(t, out, "50%+    critical")
	assert.Less(t, strings.Index(out, "Tooth FDI 36"), strings.Index(out, "Tooth FDI 11"))
}
