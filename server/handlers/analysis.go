package handlers

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/san-kum/dental-xray/server/models"
	"github.com/san-kum/dental-xray/server/processor"
	"go.uber.org/zap"
)

// StatsSource contributes a named section to the stats endpoint.
type StatsSource func() any

type AnalysisHandler struct {
	orchestrator *processor.Orchestrator
	uploadsDir   string
	logger       *zap.Logger
	sources      map[string]StatsSource
}

type SubmitRequest struct {
	// ImagePath names a file inside the uploads directory.
	ImagePath string `json:"image_path"`
	// ImageData is a data URL carrying the image itself.
	ImageData         string `json:"image_data"`
	AnalyzeTeeth      bool   `json:"analyze_teeth"`
	AnalyzeCysts      bool   `json:"analyze_cysts"`
	ReplaceCystVolume bool   `json:"replace_cyst_volume"`
	ReplacementMethod string `json:"replacement_method"`
}

func NewAnalysisHandler(orchestrator *processor.Orchestrator, uploadsDir string, logger *zap.Logger) *AnalysisHandler {
	return &AnalysisHandler{
		orchestrator: orchestrator,
		uploadsDir:   uploadsDir,
		logger:       logger,
		sources:      make(map[string]StatsSource),
	}
}

// AddStatsSource registers fn under name in the stats response. It must be
// called before the handler serves requests.
func (h *AnalysisHandler) AddStatsSource(name string, fn StatsSource) {
	h.sources[name] = fn
}

func (h *AnalysisHandler) Submit(c *gin.Context) {
	var request SubmitRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		h.logger.Warn("Invalid request format", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format"})
		return
	}

	imageRef, err := h.resolveImage(&request)
	if err != nil {
		h.writeError(c, err)
		return
	}

	taskID, err := h.orchestrator.Submit(imageRef, models.AnalysisOptions{
		AnalyzeTeeth:      request.AnalyzeTeeth,
		AnalyzeCysts:      request.AnalyzeCysts,
		ReplaceCystVolume: request.ReplaceCystVolume,
		ReplacementMethod: models.ReplacementMethod(request.ReplacementMethod),
	})
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"task_id": taskID,
		"status":  models.StatusRunning,
	})
}

func (h *AnalysisHandler) GetStatus(c *gin.Context) {
	status, err := h.orchestrator.GetStatus(c.Param("task_id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *AnalysisHandler) GetResult(c *gin.Context) {
	result, err := h.orchestrator.GetResult(c.Param("task_id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *AnalysisHandler) GetStats(c *gin.Context) {
	stats := h.orchestrator.GetStats()

	var successRate float64
	if finished := stats.Completed + stats.Failed; finished > 0 {
		successRate = float64(stats.Completed) / float64(finished) * 100
	}

	response := gin.H{
		"orchestrator": stats,
		"metrics": gin.H{
			"success_rate":   successRate,
			"uptime_seconds": time.Since(stats.StartTime).Seconds(),
		},
	}
	for name, fn := range h.sources {
		response[name] = fn()
	}

	c.JSON(http.StatusOK, response)
}

func (h *AnalysisHandler) ListTasks(c *gin.Context) {
	tasks := h.orchestrator.Registry().List()
	c.JSON(http.StatusOK, gin.H{
		"tasks": tasks,
		"count": len(tasks),
	})
}

func (h *AnalysisHandler) DeleteTask(c *gin.Context) {
	taskID := c.Param("task_id")
	if err := h.orchestrator.Evict(taskID); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"task_id": taskID, "evicted": true})
}

func (h *AnalysisHandler) resolveImage(request *SubmitRequest) (string, error) {
	switch {
	case request.ImagePath != "" && request.ImageData != "":
		return "", models.InvalidRequest("only one of image_path or image_data may be set")
	case request.ImagePath != "":
		return filepath.Join(h.uploadsDir, filepath.Clean("/"+request.ImagePath)), nil
	case request.ImageData != "":
		return h.storeUpload(request.ImageData)
	default:
		return "", models.InvalidRequest("image_path or image_data is required")
	}
}

// storeUpload decodes a data URL and writes the image as PNG under the uploads
// directory with a random name.
func (h *AnalysisHandler) storeUpload(dataURL string) (string, error) {
	data, err := extractImageData(dataURL)
	if err != nil {
		return "", models.InvalidRequest("invalid image data: %v", err)
	}

	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return "", models.InvalidRequest("image data is not a supported image: %v", err)
	}

	if err := os.MkdirAll(h.uploadsDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create uploads directory: %w", err)
	}
	path := filepath.Join(h.uploadsDir, uuid.NewString()+".png")
	if err := imaging.Save(img, path); err != nil {
		return "", fmt.Errorf("failed to store upload: %w", err)
	}

	h.logger.Debug("Stored uploaded image",
		zap.String("path", path),
		zap.Int("width", img.Bounds().Dx()),
		zap.Int("height", img.Bounds().Dy()))
	return path, nil
}

func (h *AnalysisHandler) writeError(c *gin.Context, err error) {
	code := statusCode(err)
	if code >= http.StatusInternalServerError {
		h.logger.Error("Request failed",
			zap.Error(err),
			zap.String("path", c.Request.URL.Path),
			zap.String("client_ip", c.ClientIP()))
	}
	c.JSON(code, gin.H{"error": err.Error()})
}

func statusCode(err error) int {
	switch {
	case errors.Is(err, models.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrNotReady):
		return http.StatusConflict
	case errors.Is(err, processor.ErrShuttingDown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func extractImageData(dataURL string) ([]byte, error) {
	header, payload, found := strings.Cut(dataURL, ",")
	if !found {
		return nil, fmt.Errorf("invalid data URL format")
	}
	if !strings.HasPrefix(header, "data:image/") || !strings.HasSuffix(header, ";base64") {
		return nil, fmt.Errorf("expected a base64 image data URL")
	}

	imageData, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, err
	}

	return imageData, nil
}
