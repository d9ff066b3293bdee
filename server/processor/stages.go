package processor

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/disintegration/imaging"
	"github.com/san-kum/dental-xray/server/masks"
	"github.com/san-kum/dental-xray/server/ml"
	"github.com/san-kum/dental-xray/server/models"
	"go.uber.org/zap"
)

// run executes the stages of one task. Segmentation failures end the task;
// failures in overlap, replacement or artifact output stay inside their
// sub-result.
func (o *Orchestrator) run(taskID, imageRef string, options models.AnalysisOptions) {
	defer o.wg.Done()

	started := time.Now()
	logger := o.logger.With(zap.String("task_id", taskID))

	defer func() {
		if r := recover(); r != nil {
			logger.Error("Analysis task panic", zap.Any("panic", r))
			o.fail(taskID, started, fmt.Errorf("internal error: %v", r))
		}
	}()

	o.progress(taskID, "Loading image")
	img, err := imaging.Open(imageRef, imaging.AutoOrientation(true))
	if err != nil {
		o.fail(taskID, started, &models.ModelError{Stage: "load", Err: err})
		return
	}

	result := &models.AnalysisResult{
		TaskID:            taskID,
		SourceImageRef:    imageRef,
		VisualizationRefs: []string{},
	}

	var teeth, cysts *masks.MaskSet
	if options.AnalyzeTeeth {
		o.progress(taskID, "Segmenting teeth")
		stageStart := time.Now()
		teeth, err = o.segment(o.ctx, img, ml.KindTeeth)
		if err != nil {
			o.fail(taskID, started, err)
			return
		}
		result.TeethAnalysis = teethAnalysis(teeth)
		logger.Info("Stage completed",
			zap.String("stage", string(models.StageTeeth)),
			zap.Int("masks", teeth.Len()),
			zap.Duration("duration", time.Since(stageStart)))
	}

	if options.AnalyzeCysts {
		o.progress(taskID, "Segmenting cysts")
		stageStart := time.Now()
		cysts, err = o.segment(o.ctx, img, ml.KindCysts)
		if err != nil {
			o.fail(taskID, started, err)
			return
		}
		result.CystAnalysis = o.cystAnalysis(cysts)
		logger.Info("Stage completed",
			zap.String("stage", string(models.StageCysts)),
			zap.Int("masks", cysts.Len()),
			zap.Duration("duration", time.Since(stageStart)))
	}

	if !teeth.Empty() && !cysts.Empty() {
		o.progress(taskID, "Analyzing root overlap")
		result.RootOverlapAnalysis = o.overlapStage(teeth, cysts)
		logger.Info("Stage completed",
			zap.String("stage", string(models.StageOverlap)),
			zap.Int("affected_teeth", result.RootOverlapAnalysis.AffectedTeeth))
	}

	var replaced image.Image
	if options.ReplaceCystVolume && !cysts.Empty() {
		o.progress(taskID, "Replacing cyst region")
		result.Replacement, replaced = o.replacementStage(img, cysts, options.ReplacementMethod)
		logger.Info("Stage completed",
			zap.String("stage", string(models.StageReplacement)),
			zap.String("method", string(options.ReplacementMethod)),
			zap.Bool("ok", result.Replacement.Error == ""))
	}

	result.AnalysisTime = time.Now()
	if o.artifacts != nil {
		o.progress(taskID, "Saving results")
		o.artifacts.write(taskID, img, teeth, cysts, replaced, result)
	}

	if err := o.registry.Update(taskID, func(t *models.AnalysisTask) {
		t.Status = models.StatusCompleted
		t.StageMessage = "Analysis completed"
		t.Result = result
	}); err != nil {
		logger.Error("Failed to complete task", zap.Error(err))
		o.finish(taskID, started, true)
		return
	}
	o.finish(taskID, started, false)

	logger.Info("Analysis task completed", zap.Duration("duration", time.Since(started)))
}

func (o *Orchestrator) segment(ctx context.Context, img image.Image, kind ml.TaskKind) (*masks.MaskSet, error) {
	set, err := o.pool.Run(ctx, func(ctx context.Context) (*masks.MaskSet, error) {
		return o.segmenter.Segment(ctx, img, kind)
	})
	if err == nil && set == nil {
		return masks.NewMaskSet(kind.Category(), img.Bounds().Dx(), img.Bounds().Dy()), nil
	}
	if err == nil {
		return set, nil
	}

	if ctx.Err() != nil || errors.Is(err, ErrPoolClosed) {
		return nil, &models.ModelError{Stage: string(kind), Err: ErrShuttingDown}
	}
	var modelErr *models.ModelError
	if errors.As(err, &modelErr) {
		return nil, err
	}
	return nil, &models.ModelError{Stage: string(kind), Err: err}
}

func (o *Orchestrator) overlapStage(teeth, cysts *masks.MaskSet) (analysis *models.RootOverlapAnalysis) {
	defer func() {
		if r := recover(); r != nil {
			analysis = &models.RootOverlapAnalysis{
				ThresholdPercentage: o.analyzer.Threshold(),
				Error:               (&models.AnalysisError{Analysis: "root overlap", Err: fmt.Errorf("panic: %v", r)}).Error(),
			}
		}
	}()

	res, err := o.analyzer.Analyze(cysts, teeth.As(masks.CategoryRoots))
	if err != nil {
		return &models.RootOverlapAnalysis{
			ThresholdPercentage: o.analyzer.Threshold(),
			Error:               err.Error(),
		}
	}
	return res
}

func (o *Orchestrator) replacementStage(img image.Image, cysts *masks.MaskSet, method models.ReplacementMethod) (res *models.ReplacementResult, out image.Image) {
	res = &models.ReplacementResult{Method: method}
	defer func() {
		if r := recover(); r != nil {
			res.Error = (&models.AnalysisError{Analysis: "replacement", Err: fmt.Errorf("panic: %v", r)}).Error()
			out = nil
		}
	}()

	replaced, err := o.replacer.Replace(img, cysts, method)
	if err != nil {
		res.Error = err.Error()
		return res, nil
	}
	return res, replaced
}

func teethAnalysis(set *masks.MaskSet) *models.TeethAnalysis {
	ta := &models.TeethAnalysis{
		MaskCount: set.Len(),
		Teeth:     make([]models.DetectedTooth, 0, set.Len()),
		Masks:     set,
	}
	for _, m := range set.Masks {
		ta.Teeth = append(ta.Teeth, models.DetectedTooth{
			ClassID:   m.ClassID,
			FDINumber: masks.FDINumber(m.ClassID),
			PixelArea: m.PixelArea,
			BBox:      m.BBox,
			Centroid:  m.Centroid(),
		})
	}
	return ta
}

func (o *Orchestrator) cystAnalysis(set *masks.MaskSet) *models.CystAnalysis {
	ca := &models.CystAnalysis{
		MaskCount: set.Len(),
		Cysts:     make([]models.CystInfo, 0, set.Len()),
		Masks:     set,
	}
	for i, m := range set.Masks {
		perimeter := masks.Perimeter(m.Polygon)
		diameter := masks.EquivalentDiameter(float64(m.PixelArea))
		ca.Cysts = append(ca.Cysts, models.CystInfo{
			ID:                       i + 1,
			ClassID:                  m.ClassID,
			PixelArea:                m.PixelArea,
			AreaMM2:                  roundTo(float64(m.PixelArea)*o.config.AreaScale, 2),
			PerimeterPixels:          roundTo(perimeter, 2),
			PerimeterMM:              roundTo(perimeter*o.config.LengthScale, 2),
			Centroid:                 m.Centroid(),
			EquivalentDiameterPixels: roundTo(diameter, 2),
			EquivalentDiameterMM:     roundTo(diameter*o.config.LengthScale, 2),
		})
		ca.TotalPixelArea += m.PixelArea
	}
	ca.TotalAreaMM2 = roundTo(float64(ca.TotalPixelArea)*o.config.AreaScale, 2)
	return ca
}

func (o *Orchestrator) progress(taskID, message string) {
	if err := o.registry.Update(taskID, func(t *models.AnalysisTask) {
		t.StageMessage = message
	}); err != nil {
		o.logger.Warn("Failed to update task progress",
			zap.String("task_id", taskID),
			zap.Error(err))
	}
}

func (o *Orchestrator) fail(taskID string, started time.Time, cause error) {
	o.logger.Error("Analysis task failed",
		zap.String("task_id", taskID),
		zap.Error(cause))

	if err := o.registry.Update(taskID, func(t *models.AnalysisTask) {
		t.Status = models.StatusError
		t.StageMessage = "Analysis failed"
		t.ErrorDetail = cause.Error()
	}); err != nil {
		o.logger.Warn("Failed to record task failure",
			zap.String("task_id", taskID),
			zap.Error(err))
	}
	o.finish(taskID, started, true)
}
