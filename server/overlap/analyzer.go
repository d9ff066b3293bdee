package overlap

import (
	"fmt"
	"math"

	"github.com/san-kum/dental-xray/server/masks"
	"github.com/san-kum/dental-xray/server/models"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"
)

type Options struct {
	// ThresholdPercentage is the overlap a root must exceed to count as affected.
	ThresholdPercentage float64
	// ApicalFraction is the share of the tooth height, measured from the root
	// tip, used for the apical overlap figure.
	ApicalFraction float64
	Decimals       int
}

func DefaultOptions() Options {
	return Options{
		ThresholdPercentage: 0,
		ApicalFraction:      0.6,
		Decimals:            2,
	}
}

type Analyzer struct {
	opts   Options
	logger *zap.Logger
}

func NewAnalyzer(opts Options, logger *zap.Logger) *Analyzer {
	if opts.ApicalFraction <= 0 || opts.ApicalFraction > 1 {
		opts.ApicalFraction = DefaultOptions().ApicalFraction
	}
	if opts.Decimals < 0 {
		opts.Decimals = 0
	}
	return &Analyzer{opts: opts, logger: logger}
}

func (a *Analyzer) Threshold() float64 { return a.opts.ThresholdPercentage }

// Analyze relates every root mask to the union of the cyst masks. Duplicate
// root class ids are reported as separate records.
func (a *Analyzer) Analyze(cysts, roots *masks.MaskSet) (*models.RootOverlapAnalysis, error) {
	result := &models.RootOverlapAnalysis{
		Records:             make([]models.OverlapRecord, 0, roots.Len()),
		ThresholdPercentage: a.opts.ThresholdPercentage,
	}
	if roots.Empty() {
		return result, nil
	}
	if cysts != nil && (cysts.Width != roots.Width || cysts.Height != roots.Height) {
		return nil, &models.AnalysisError{
			Analysis: "root overlap",
			Err: fmt.Errorf("cyst grid %dx%d does not match root grid %dx%d",
				cysts.Width, cysts.Height, roots.Width, roots.Height),
		}
	}

	var union *masks.Bitmap
	if cysts != nil {
		union = cysts.Union()
	} else {
		union = masks.NewBitmap(0, 0, roots.Width, roots.Height)
	}

	percentages := make([]float64, 0, roots.Len())
	for i, root := range roots.Masks {
		rec := a.record(root, union)
		if rec.Flagged {
			result.FlaggedRecords = append(result.FlaggedRecords, i)
			a.logger.Warn("Root mask has zero pixel area",
				zap.Int("index", i),
				zap.Int("class_id", root.ClassID),
			)
		}
		if rec.Affected {
			result.AffectedTeeth++
			result.TotalOverlapPixels += rec.OverlapPixelCount
		}
		result.Records = append(result.Records, rec)
		percentages = append(percentages, rec.OverlapPercentage)
	}

	result.TotalTeeth = len(result.Records)
	result.AverageOverlapPercentage = a.round(stat.Mean(percentages, nil))
	return result, nil
}

func (a *Analyzer) record(root *masks.Mask, union *masks.Bitmap) models.OverlapRecord {
	fdi := masks.FDINumber(root.ClassID)
	rec := models.OverlapRecord{
		ToothClassID:   root.ClassID,
		FDINumber:      fdi,
		ToothPixelArea: root.PixelArea,
		Severity:       models.SeverityNone,
	}
	if root.PixelArea == 0 {
		rec.Flagged = true
		return rec
	}

	bm := root.Bitmap()
	rec.OverlapPixelCount = bm.IntersectCount(union)
	rec.OverlapPercentage = a.percent(rec.OverlapPixelCount, root.PixelArea)
	rec.ApicalOverlapPercentage = a.apical(root, bm, union, masks.UpperJaw(fdi))
	rec.Severity = Classify(rec.OverlapPercentage)
	rec.Affected = rec.OverlapPercentage > a.opts.ThresholdPercentage
	return rec
}

// apical measures overlap inside the band of the bounding box nearest the root
// tip: the top rows for upper-jaw teeth, the bottom rows otherwise.
func (a *Analyzer) apical(root *masks.Mask, bm, union *masks.Bitmap, upper bool) float64 {
	box := root.BBox
	band := int(math.Ceil(float64(box.Height()) * a.opts.ApicalFraction))
	y0, y1 := box.MaxY-band, box.MaxY
	if upper {
		y0, y1 = box.MinY, box.MinY+band
	}

	var inside, hit int
	for y := y0; y < y1; y++ {
		for x := box.MinX; x < box.MaxX; x++ {
			if !bm.At(x, y) {
				continue
			}
			inside++
			if union.At(x, y) {
				hit++
			}
		}
	}
	return a.percent(hit, inside)
}

func (a *Analyzer) percent(part, whole int) float64 {
	if whole <= 0 {
		return 0
	}
	pct := 100 * float64(part) / float64(whole)
	return a.round(math.Max(0, math.Min(100, pct)))
}

func (a *Analyzer) round(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	p := math.Pow(10, float64(a.opts.Decimals))
	return math.Round(v*p) / p
}
