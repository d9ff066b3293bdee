package processor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/san-kum/dental-xray/server/ml"
	"github.com/san-kum/dental-xray/server/models"
	"github.com/san-kum/dental-xray/server/overlap"
	"github.com/san-kum/dental-xray/server/replacement"
	"go.uber.org/zap"
)

var ErrShuttingDown = errors.New("orchestrator shutting down")

type Config struct {
	// ResultsDir receives one directory of artifacts per task. Empty disables
	// artifact output.
	ResultsDir     string
	Overlap        overlap.Options
	AreaScale      float64
	LengthScale    float64
	DefaultMethod  models.ReplacementMethod
	MaxInferences  int
	QueueSize      int
	ShutdownWindow time.Duration
}

func DefaultConfig() Config {
	return Config{
		Overlap:        overlap.DefaultOptions(),
		AreaScale:      0.1,
		LengthScale:    0.1,
		DefaultMethod:  models.MethodInterpolation,
		MaxInferences:  2,
		QueueSize:      16,
		ShutdownWindow: 30 * time.Second,
	}
}

// Orchestrator drives analysis tasks through their stages. Each task runs on
// its own goroutine and is the only writer of its registry entry.
type Orchestrator struct {
	segmenter ml.Segmenter
	registry  *Registry
	analyzer  *overlap.Analyzer
	replacer  *replacement.Engine
	pool      *InferencePool
	artifacts *artifactWriter
	logger    *zap.Logger
	config    Config
	stats     *OrchestratorStats
	statsMu   sync.Mutex
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
}

type OrchestratorStats struct {
	StartTime      time.Time                 `json:"start_time"`
	TotalSubmitted int64                     `json:"total_submitted"`
	Completed      int64                     `json:"completed"`
	Failed         int64                     `json:"failed"`
	ActiveTasks    int                       `json:"active_tasks"`
	AverageLatency float64                   `json:"average_latency_ms"`
	Tasks          map[models.TaskStatus]int `json:"tasks"`
	Inference      QueueStats                `json:"inference"`
}

func NewOrchestrator(config Config, segmenter ml.Segmenter, registry *Registry, logger *zap.Logger) *Orchestrator {
	if config.DefaultMethod == "" {
		config.DefaultMethod = models.MethodInterpolation
	}
	if config.ShutdownWindow <= 0 {
		config.ShutdownWindow = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	o := &Orchestrator{
		segmenter: segmenter,
		registry:  registry,
		analyzer:  overlap.NewAnalyzer(config.Overlap, logger.Named("overlap")),
		replacer:  replacement.NewEngine(logger.Named("replacement")),
		pool:      NewInferencePool(config.QueueSize, config.MaxInferences, logger.Named("inference")),
		logger:    logger,
		config:    config,
		stats:     &OrchestratorStats{StartTime: time.Now()},
		ctx:       ctx,
		cancel:    cancel,
	}
	if config.ResultsDir != "" {
		o.artifacts = &artifactWriter{root: config.ResultsDir, logger: logger.Named("artifacts")}
	}
	return o
}

// Submit validates the request, registers a task and starts it. The task is
// already running when Submit returns.
func (o *Orchestrator) Submit(imageRef string, options models.AnalysisOptions) (string, error) {
	if o.ctx.Err() != nil {
		return "", ErrShuttingDown
	}
	if imageRef == "" {
		return "", models.InvalidRequest("image reference is required")
	}

	if options.ReplaceCystVolume && options.ReplacementMethod == "" {
		options.ReplacementMethod = o.config.DefaultMethod
	}
	if err := options.Validate(); err != nil {
		return "", err
	}
	if options.ReplaceCystVolume {
		options.ReplacementMethod, _ = models.ParseReplacementMethod(string(options.ReplacementMethod))
	} else {
		options.ReplacementMethod = ""
	}

	if info, err := os.Stat(imageRef); err != nil || info.IsDir() {
		return "", models.InvalidRequest("image %q is not readable", imageRef)
	}

	now := time.Now()
	task := &models.AnalysisTask{
		TaskID:          uuid.NewString(),
		SourceImageRef:  imageRef,
		Options:         options,
		RequestedStages: options.Stages(),
		Status:          models.StatusPending,
		StageMessage:    "Task queued",
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := o.registry.Create(task); err != nil {
		return "", fmt.Errorf("failed to register task: %w", err)
	}

	if err := o.registry.Update(task.TaskID, func(t *models.AnalysisTask) {
		t.Status = models.StatusRunning
		t.StageMessage = "Analysis started"
	}); err != nil {
		return "", fmt.Errorf("failed to start task: %w", err)
	}

	o.statsMu.Lock()
	o.stats.TotalSubmitted++
	o.stats.ActiveTasks++
	o.statsMu.Unlock()

	o.logger.Info("Analysis task submitted",
		zap.String("task_id", task.TaskID),
		zap.String("image", imageRef),
		zap.Any("stages", task.RequestedStages))

	o.wg.Add(1)
	go o.run(task.TaskID, imageRef, options)

	return task.TaskID, nil
}

func (o *Orchestrator) GetStatus(taskID string) (*models.StatusResponse, error) {
	task, err := o.registry.Snapshot(taskID)
	if err != nil {
		return nil, err
	}
	return &models.StatusResponse{
		TaskID:  task.TaskID,
		Status:  task.Status,
		Message: task.StageMessage,
		Error:   task.ErrorDetail,
	}, nil
}

// GetResult returns the result of a completed task. Tasks that are still
// running, or that failed, have no result.
func (o *Orchestrator) GetResult(taskID string) (*models.AnalysisResult, error) {
	task, err := o.registry.Snapshot(taskID)
	if err != nil {
		return nil, err
	}
	switch task.Status {
	case models.StatusCompleted:
		return task.Result, nil
	case models.StatusError:
		return nil, fmt.Errorf("%w: task %s failed: %s", models.ErrNotReady, taskID, task.ErrorDetail)
	default:
		return nil, fmt.Errorf("%w: task %s is %s", models.ErrNotReady, taskID, task.Status)
	}
}

// Evict forgets a finished task and removes its artifacts.
func (o *Orchestrator) Evict(taskID string) error {
	if err := o.registry.Evict(taskID); err != nil {
		return err
	}
	if o.config.ResultsDir != "" {
		if err := os.RemoveAll(filepath.Join(o.config.ResultsDir, taskID)); err != nil {
			return fmt.Errorf("failed to remove artifacts of %s: %w", taskID, err)
		}
	}
	o.logger.Info("Analysis task evicted", zap.String("task_id", taskID))
	return nil
}

func (o *Orchestrator) Registry() *Registry {
	return o.registry
}

func (o *Orchestrator) ActiveTasks() int {
	o.statsMu.Lock()
	defer o.statsMu.Unlock()
	return o.stats.ActiveTasks
}

func (o *Orchestrator) GetStats() *OrchestratorStats {
	o.statsMu.Lock()
	stats := *o.stats
	o.statsMu.Unlock()

	stats.Tasks = o.registry.Counts()
	stats.Inference = o.pool.GetQueueStats()
	return &stats
}

func (o *Orchestrator) finish(taskID string, started time.Time, failed bool) {
	latency := float64(time.Since(started).Milliseconds())

	o.statsMu.Lock()
	defer o.statsMu.Unlock()

	o.stats.ActiveTasks--
	if failed {
		o.stats.Failed++
		return
	}
	o.stats.Completed++
	if o.stats.AverageLatency == 0 {
		o.stats.AverageLatency = latency
	} else {
		alpha := 0.1
		o.stats.AverageLatency = alpha*latency + (1-alpha)*o.stats.AverageLatency
	}
}

// Shutdown stops accepting tasks and cancels the ones in flight, which end in
// the error state.
func (o *Orchestrator) Shutdown() error {
	o.logger.Info("Shutting down orchestrator...")
	o.cancel()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(o.config.ShutdownWindow):
		err = fmt.Errorf("timed out waiting for %d tasks", o.ActiveTasks())
	}

	if perr := o.pool.Shutdown(o.config.ShutdownWindow); perr != nil {
		o.logger.Error("Failed to shutdown inference pool", zap.Error(perr))
		if err == nil {
			err = perr
		}
	}

	o.logger.Info("Orchestrator shutdown complete")
	return err
}
