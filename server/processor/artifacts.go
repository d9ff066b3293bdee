package processor

import (
	"encoding/json"
	"fmt"
	"image"
	"math"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	"github.com/san-kum/dental-xray/server/masks"
	"github.com/san-kum/dental-xray/server/models"
	"github.com/san-kum/dental-xray/server/render"
	"go.uber.org/zap"
)

// artifactWriter lays out the files of one task under <root>/<task_id>/.
// References recorded in the result are relative to root.
type artifactWriter struct {
	root   string
	logger *zap.Logger
}

func (w *artifactWriter) write(taskID string, src image.Image, teeth, cysts *masks.MaskSet, replaced image.Image, result *models.AnalysisResult) {
	logger := w.logger.With(zap.String("task_id", taskID))
	dir := filepath.Join(w.root, taskID)

	if t := result.TeethAnalysis; t != nil && teeth != nil {
		annotations, err := w.writeMaskArtifacts(taskID, "teeth", src, teeth, render.AnnotateTeeth, result)
		t.AnnotationRef = annotations
		if err != nil {
			t.Error = (&models.AnalysisError{Analysis: "teeth visualization", Err: err}).Error()
		}
	}

	if c := result.CystAnalysis; c != nil && cysts != nil {
		annotations, err := w.writeMaskArtifacts(taskID, "cysts", src, cysts, render.AnnotateCysts, result)
		c.AnnotationRef = annotations
		if err != nil {
			c.Error = (&models.AnalysisError{Analysis: "cyst visualization", Err: err}).Error()
		}
	}

	if o := result.RootOverlapAnalysis; o != nil && o.Error == "" {
		img := render.RootCystOverlay(src, teeth.As(masks.CategoryRoots), cysts, o)
		if err := w.saveImage(result, img, taskID, "root_cyst_visualization.png"); err != nil {
			o.Error = (&models.AnalysisError{Analysis: "root overlap visualization", Err: err}).Error()
		}
	}

	if r := result.Replacement; r != nil && replaced != nil {
		name := fmt.Sprintf("cyst_replaced_%s.png", r.Method)
		if err := w.saveImage(result, replaced, taskID, name); err != nil {
			r.Error = (&models.AnalysisError{Analysis: "replacement", Err: err}).Error()
		} else {
			r.ImageRef = ref(taskID, name)
		}
	}

	if err := w.writeFile(filepath.Join(dir, "report.txt"), func(f *os.File) error {
		return render.WriteReport(f, result)
	}); err != nil {
		logger.Warn("Failed to write report", zap.Error(err))
	}

	if err := w.writeFile(filepath.Join(dir, "result.json"), func(f *os.File) error {
		enc := json.NewEncoder(f)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}); err != nil {
		logger.Warn("Failed to write result document", zap.Error(err))
	}

	logger.Debug("Artifacts written", zap.Strings("visualizations", result.VisualizationRefs))
}

func (w *artifactWriter) writeMaskArtifacts(taskID, category string, src image.Image, set *masks.MaskSet,
	annotate func(image.Image, *masks.MaskSet) *image.NRGBA, result *models.AnalysisResult) (string, error) {
	if err := w.saveImage(result, render.CombinedMasks(set), taskID, category, "combined_masks.png"); err != nil {
		return "", err
	}
	if err := w.saveImage(result, annotate(src, set), taskID, category, "annotated.png"); err != nil {
		return "", err
	}

	path := filepath.Join(w.root, taskID, category, "annotations.txt")
	if err := w.writeFile(path, func(f *os.File) error {
		return masks.WriteAnnotations(f, set)
	}); err != nil {
		return "", err
	}
	return ref(taskID, category, "annotations.txt"), nil
}

func (w *artifactWriter) saveImage(result *models.AnalysisResult, img image.Image, parts ...string) error {
	path := filepath.Join(append([]string{w.root}, parts...)...)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	if err := imaging.Save(img, path); err != nil {
		return fmt.Errorf("failed to save %s: %w", filepath.Base(path), err)
	}
	result.VisualizationRefs = append(result.VisualizationRefs, ref(parts...))
	return nil
}

func (w *artifactWriter) writeFile(path string, fn func(f *os.File) error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Base(path), err)
	}
	if err := fn(f); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	return f.Close()
}

func ref(parts ...string) string {
	return filepath.ToSlash(filepath.Join(parts...))
}

func roundTo(v float64, decimals int) float64 {
	p := math.Pow(10, float64(decimals))
	return math.Round(v*p) / p
}
