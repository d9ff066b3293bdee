package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/san-kum/dental-xray/server/masks"
	"go.uber.org/zap"
)

var ErrPoolClosed = errors.New("inference pool is shut down")

// InferenceFunc runs one model call.
type InferenceFunc func(ctx context.Context) (*masks.MaskSet, error)

// InferencePool bounds the number of model calls in flight across all tasks.
// Callers block until a worker picks their job up or their context ends.
type InferencePool struct {
	items     chan *inferenceJob
	workers   int
	logger    *zap.Logger
	wg        sync.WaitGroup
	shutdown  chan struct{}
	isRunning bool
	mutex     sync.RWMutex
	active    atomic.Int32
	processed atomic.Int64
	failed    atomic.Int64
}

type inferenceJob struct {
	ctx      context.Context
	fn       InferenceFunc
	result   chan inferenceResult
	queuedAt time.Time
}

type inferenceResult struct {
	set *masks.MaskSet
	err error
}

func NewInferencePool(queueSize, workers int, logger *zap.Logger) *InferencePool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	pool := &InferencePool{
		items:     make(chan *inferenceJob, queueSize),
		workers:   workers,
		logger:    logger,
		shutdown:  make(chan struct{}),
		isRunning: true,
	}

	for i := 0; i < workers; i++ {
		pool.wg.Add(1)
		go pool.worker(i)
	}

	return pool
}

func (p *InferencePool) worker(id int) {
	defer p.wg.Done()

	for {
		select {
		case job := <-p.items:
			p.execute(id, job)
		case <-p.shutdown:
			return
		}
	}
}

func (p *InferencePool) execute(id int, job *inferenceJob) {
	if err := job.ctx.Err(); err != nil {
		job.result <- inferenceResult{err: err}
		return
	}

	p.active.Add(1)
	defer p.active.Add(-1)

	res := inferenceResult{}
	func() {
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("Inference worker panic",
					zap.Int("worker", id),
					zap.Any("panic", r))
				res = inferenceResult{err: fmt.Errorf("inference panic: %v", r)}
			}
		}()
		res.set, res.err = job.fn(job.ctx)
	}()

	if res.err != nil {
		p.failed.Add(1)
	} else {
		p.processed.Add(1)
	}
	p.logger.Debug("Inference finished",
		zap.Int("worker", id),
		zap.Duration("waited", time.Since(job.queuedAt)),
		zap.Bool("ok", res.err == nil))
	job.result <- res
}

// Run queues fn and waits for its result.
func (p *InferencePool) Run(ctx context.Context, fn InferenceFunc) (*masks.MaskSet, error) {
	p.mutex.RLock()
	running := p.isRunning
	p.mutex.RUnlock()
	if !running {
		return nil, ErrPoolClosed
	}

	job := &inferenceJob{
		ctx:      ctx,
		fn:       fn,
		result:   make(chan inferenceResult, 1),
		queuedAt: time.Now(),
	}

	select {
	case p.items <- job:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.shutdown:
		return nil, ErrPoolClosed
	}

	select {
	case res := <-job.result:
		return res.set, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.shutdown:
		return nil, ErrPoolClosed
	}
}

func (p *InferencePool) Size() int {
	return len(p.items)
}

func (p *InferencePool) Capacity() int {
	return cap(p.items)
}

func (p *InferencePool) Workers() int {
	return p.workers
}

func (p *InferencePool) Shutdown(timeout time.Duration) error {
	p.mutex.Lock()
	if !p.isRunning {
		p.mutex.Unlock()
		return nil
	}
	p.isRunning = false
	p.mutex.Unlock()

	close(p.shutdown)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("inference pool shutdown timeout exceeded")
	}
}

func (p *InferencePool) GetQueueStats() QueueStats {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	stats := QueueStats{
		CurrentSize:   p.Size(),
		MaxCapacity:   p.Capacity(),
		Workers:       p.workers,
		ActiveWorkers: int(p.active.Load()),
		Processed:     p.processed.Load(),
		Failed:        p.failed.Load(),
		IsRunning:     p.isRunning,
	}
	if p.workers > 0 {
		stats.UtilizationPercent = float64(stats.ActiveWorkers) / float64(p.workers) * 100
	}
	return stats
}

type QueueStats struct {
	CurrentSize        int     `json:"current_size"`
	MaxCapacity        int     `json:"max_capacity"`
	Workers            int     `json:"workers"`
	ActiveWorkers      int     `json:"active_workers"`
	Processed          int64   `json:"processed"`
	Failed             int64   `json:"failed"`
	IsRunning          bool    `json:"is_running"`
	UtilizationPercent float64 `json:"utilization_percent"`
}
