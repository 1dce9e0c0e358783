package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Job 待执行的加固任务
type Job struct {
	ID         string
	TargetPath string
	resultCh   chan error // 用于同步等待任务完成
}

// Pool 固定数量 worker 共享一条任务队列。队列满时 Submit
// 直接报错，由调用方（消费者）决定 Nack 还是重新投递
type Pool struct {
	workers      int
	jobChan      chan *Job
	orchestrator *Orchestrator
	logger       *logrus.Logger

	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewPool 创建 Worker 池
func NewPool(workers int, queueSize int, orchestrator *Orchestrator, logger *logrus.Logger) *Pool {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Pool{
		workers:      workers,
		jobChan:      make(chan *Job, queueSize),
		orchestrator: orchestrator,
		logger:       logger,
	}
}

// Start 启动 Worker 池
func (p *Pool) Start(ctx context.Context) {
	p.logger.WithField("workers", p.workers).Info("Starting worker pool")

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			p.runWorker(ctx, id)
		}(i)
	}
}

func (p *Pool) runWorker(ctx context.Context, id int) {
	log := p.logger.WithField("worker_id", id)
	log.Info("Worker started")

	for {
		select {
		case <-ctx.Done():
			log.Info("Worker shutting down")
			return
		case job, ok := <-p.jobChan:
			if !ok {
				log.Info("Job channel closed, worker exiting")
				return
			}
			p.runJob(ctx, id, job)
		}
	}
}

// runJob 执行单个任务并把结果回传给同步等待方（若有）
func (p *Pool) runJob(ctx context.Context, workerID int, job *Job) {
	log := p.logger.WithFields(logrus.Fields{
		"worker_id":   workerID,
		"job_id":      job.ID,
		"target_path": job.TargetPath,
	})
	log.Info("Processing pack job")

	err := p.orchestrator.ExecuteJob(ctx, job.ID, job.TargetPath)
	switch {
	case err == nil:
		log.Info("Job completed successfully")
	default:
		if retryErr, ok := IsRetryableError(err); ok {
			log.WithFields(logrus.Fields{
				"retry_count": retryErr.RetryCount,
				"max_retry":   retryErr.MaxRetry,
			}).Warn("Job failed and reset for retry (will be re-published to queue)")
		} else {
			log.WithError(err).Error("Job execution failed")
		}
	}

	if job.resultCh != nil {
		job.resultCh <- err
		close(job.resultCh)
	}
}

// Submit 提交任务（异步，不等待结果）
func (p *Pool) Submit(job *Job) error {
	select {
	case p.jobChan <- job:
		p.logger.WithField("job_id", job.ID).Debug("Job submitted to pool")
		return nil
	default:
		return fmt.Errorf("job queue is full")
	}
}

// SubmitAndWait 提交任务并等待完成
func (p *Pool) SubmitAndWait(ctx context.Context, job *Job) error {
	job.resultCh = make(chan error, 1)

	select {
	case p.jobChan <- job:
		p.logger.WithField("job_id", job.ID).Debug("Job submitted to pool (sync)")
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-job.resultCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop 关闭队列并等待在途任务结束，可重复调用
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		p.logger.Info("Stopping worker pool")
		close(p.jobChan)
		p.wg.Wait()
		p.logger.Info("Worker pool stopped")
	})
}

// GetQueueSize 获取队列中任务数
func (p *Pool) GetQueueSize() int {
	return len(p.jobChan)
}
