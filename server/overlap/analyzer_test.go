package overlap

import (
	"errors"
	"testing"

	"github.com/san-kum/dental-xray/server/masks"
	"github.com/san-kum/dental-xray/server/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func rect(x0, y0, x1, y1 float64) []masks.Point {
	return []masks.Point{{X: x0, Y: y0}, {X: x1, Y: y0}, {X: x1, Y: y1}, {X: x0, Y: y1}}
}

type region struct {
	class int
	poly  []masks.Point
}

func buildSet(t *testing.T, cat masks.Category, regions ...region) *masks.MaskSet {
	t.Helper()
	set := masks.NewMaskSet(cat, 100, 100)
	for _, r := range regions {
		_, err := set.AddPolygon(r.class, r.poly)
		require.NoError(t, err)
	}
	return set
}

func newAnalyzer(t *testing.T, threshold float64) *Analyzer {
	opts := DefaultOptions()
	opts.ThresholdPercentage = threshold
	return NewAnalyzer(opts, zaptest.NewLogger(t))
}

func TestAnalyzeDisjointGeometry(t *testing.T) {
	roots := buildSet(t, masks.CategoryRoots,
		region{0, rect(0, 0, 10, 10)},
		region{9, rect(20, 0, 30, 10)},
	)
	cysts := buildSet(t, masks.CategoryCysts, region{0, rect(50, 50, 60, 60)})

	res, err := newAnalyzer(t, 0).Analyze(cysts, roots)
	require.NoError(t, err)

	assert.Equal(t, 2, res.TotalTeeth)
	assert.Zero(t, res.AffectedTeeth)
	assert.Zero(t, res.AverageOverlapPercentage)
	assert.Zero(t, res.TotalOverlapPixels)
	for _, rec := range res.Records {
		assert.Zero(t, rec.OverlapPercentage)
		assert.False(t, rec.Affected)
		assert.Equal(t, models.SeverityNone, rec.Severity)
	}
}

func TestAnalyzeIdenticalMasks(t *testing.T) {
	poly := []masks.Point{{X: 10, Y: 10}, {X: 40, Y: 12}, {X: 35, Y: 45}, {X: 12, Y: 30}}
	roots := buildSet(t, masks.CategoryRoots, region{4, poly})
	cysts := buildSet(t, masks.CategoryCysts, region{0, poly})

	res, err := newAnalyzer(t, 0).Analyze(cysts, roots)
	require.NoError(t, err)
	require.Len(t, res.Records, 1)

	rec := res.Records[0]
	assert.Equal(t, 100.0, rec.OverlapPercentage)
	assert.Equal(t, rec.ToothPixelArea, rec.OverlapPixelCount)
	assert.Equal(t, models.SeverityCritical, rec.Severity)
	assert.True(t, rec.Affected)
	assert.Equal(t, 15, rec.FDINumber)
	assert.Equal(t, 1, res.AffectedTeeth)
}

func TestAnalyzeAverageIsMeanOfRecords(t *testing.T) {
	roots := buildSet(t, masks.CategoryRoots,
		region{1, rect(0, 0, 10, 10)},
		region{2, rect(60, 60, 70, 70)},
	)
	cysts := buildSet(t, masks.CategoryCysts, region{0, rect(0, 0, 5, 10)})

	res, err := newAnalyzer(t, 0).Analyze(cysts, roots)
	require.NoError(t, err)

	assert.Equal(t, 50.0, res.Records[0].OverlapPercentage)
	assert.Equal(t, 0.0, res.Records[1].OverlapPercentage)
	assert.InDelta(t, 25.0, res.AverageOverlapPercentage, 1e-9)
	assert.Equal(t, 1, res.AffectedTeeth)
	assert.Equal(t, 50, res.TotalOverlapPixels)
}

func TestAnalyzeThreshold(t *testing.T) {
	roots := buildSet(t, masks.CategoryRoots, region{1, rect(0, 0, 10, 10)})
	cysts := buildSet(t, masks.CategoryCysts, region{0, rect(0, 0, 5, 10)})

	res, err := newAnalyzer(t, 60).Analyze(cysts, roots)
	require.NoError(t, err)
	assert.False(t, res.Records[0].Affected)
	assert.Zero(t, res.AffectedTeeth)
	assert.Equal(t, 60.0, res.ThresholdPercentage)
	assert.Equal(t, models.SeverityCritical, res.Records[0].Severity)
}

func TestAnalyzeKeepsDuplicateRoots(t *testing.T) {
	roots := buildSet(t, masks.CategoryRoots,
		region{3, rect(0, 0, 10, 10)},
		region{3, rect(0, 0, 10, 10)},
	)
	cysts := buildSet(t, masks.CategoryCysts, region{0, rect(0, 0, 10, 10)})

	res, err := newAnalyzer(t, 0).Analyze(cysts, roots)
	require.NoError(t, err)
	require.Len(t, res.Records, 2)
	assert.Equal(t, 2, res.AffectedTeeth)
	assert.Equal(t, res.Records[0], res.Records[1])
}

func TestAnalyzeFlagsZeroAreaRoot(t *testing.T) {
	roots := buildSet(t, masks.CategoryRoots,
		region{1, rect(0, 0, 10, 10)},
		region{2, rect(200, 200, 210, 210)},
	)
	cysts := buildSet(t, masks.CategoryCysts, region{0, rect(0, 0, 10, 10)})

	res, err := newAnalyzer(t, 0).Analyze(cysts, roots)
	require.NoError(t, err)

	flagged := res.Records[1]
	assert.True(t, flagged.Flagged)
	assert.Zero(t, flagged.OverlapPercentage)
	assert.False(t, flagged.Affected)
	assert.Equal(t, []int{1}, res.FlaggedRecords)
	assert.InDelta(t, 50.0, res.AverageOverlapPercentage, 1e-9)
}

func TestAnalyzeNoRoots(t *testing.T) {
	cysts := buildSet(t, masks.CategoryCysts, region{0, rect(0, 0, 10, 10)})
	res, err := newAnalyzer(t, 0).Analyze(cysts, masks.NewMaskSet(masks.CategoryRoots, 100, 100))
	require.NoError(t, err)
	assert.Zero(t, res.TotalTeeth)
	assert.Zero(t, res.AverageOverlapPercentage)
	assert.Empty(t, res.Records)
}

func TestAnalyzeGridMismatch(t *testing.T) {
	roots := buildSet(t, masks.CategoryRoots, region{1, rect(0, 0, 10, 10)})
	cysts := masks.NewMaskSet(masks.CategoryCysts, 50, 50)

	_, err := newAnalyzer(t, 0).Analyze(cysts, roots)
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrAnalysis))
}

func TestApicalOverlapFollowsJaw(t *testing.T) {
	cysts := buildSet(t, masks.CategoryCysts, region{0, rect(0, 5, 100, 10)})

	// class 24 is FDI 41, a lower tooth whose root points down
	lower := buildSet(t, masks.CategoryRoots, region{24, rect(0, 0, 10, 10)})
	res, err := newAnalyzer(t, 0).Analyze(cysts, lower)
	require.NoError(t, err)
	assert.Equal(t, 50.0, res.Records[0].OverlapPercentage)
	assert.InDelta(t, 83.33, res.Records[0].ApicalOverlapPercentage, 1e-9)

	upper := buildSet(t, masks.CategoryRoots, region{0, rect(0, 0, 10, 10)})
	res, err = newAnalyzer(t, 0).Analyze(cysts, upper)
	require.NoError(t, err)
	assert.InDelta(t, 16.67, res.Records[0].ApicalOverlapPercentage, 1e-9)
}

func TestClassify(t *testing.T) {
	cases := []struct {
		pct  float64
		want models.Severity
	}{
		{0, models.SeverityNone},
		{0.01, models.SeverityMild},
		{9.99, models.SeverityMild},
		{10, models.SeverityModerate},
		{29.99, models.SeverityModerate},
		{30, models.SeveritySevere},
		{49.99, models.SeveritySevere},
		{50, models.SeverityCritical},
		{100, models.SeverityCritical},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, Classify(c.pct), "pct %v", c.pct)
	}
}
