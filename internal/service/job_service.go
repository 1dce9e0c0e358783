package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kapp-shell/apk-harden-go/internal/domain"
	"github.com/kapp-shell/apk-harden-go/internal/repository"
	"github.com/sirupsen/logrus"
)

// JobService 加固任务服务接口
type JobService interface {
	// 创建任务
	CreateJob(ctx context.Context, apkName string, targetPath string, opts *JobOptions) (*domain.PackJob, error)

	// 获取任务
	GetJob(ctx context.Context, jobID string) (*domain.PackJob, error)

	// 获取任务列表
	ListJobs(ctx context.Context, limit int) ([]*domain.PackJob, error)

	// 获取任务列表（分页 + 状态过滤 + 搜索）
	ListJobsWithSearch(ctx context.Context, page int, pageSize int, statusFilter string, search string) ([]*domain.PackJob, int64, error)

	// 删除任务
	DeleteJob(ctx context.Context, jobID string) error

	// 停止任务
	StopJob(ctx context.Context, jobID string) error

	// 重置失败任务以便重新入队
	ResetJobForRetry(ctx context.Context, jobID string) (*domain.PackJob, error)

	// 更新任务进度
	UpdateJobProgress(ctx context.Context, jobID string, step string, percent int) error

	// 获取任务状态统计（使用数据库聚合查询）
	GetStatusCounts(ctx context.Context) (map[string]int64, int64, error)

	// 获取所有排队中的任务（不分页）
	ListQueuedJobs(ctx context.Context) ([]*domain.PackJob, error)
}

// JobOptions 创建任务时的可选加固参数
type JobOptions struct {
	KeepClasses   []string // 不加密的类名前缀（保持主 dex 可见）
	EncryptAssets []string // 需要加密的资产路径前缀
}

type jobService struct {
	jobRepo repository.JobRepository
	logger  *logrus.Logger
}

// NewJobService 创建任务服务实例
func NewJobService(jobRepo repository.JobRepository, logger *logrus.Logger) JobService {
	return &jobService{
		jobRepo: jobRepo,
		logger:  logger,
	}
}

func (s *jobService) CreateJob(ctx context.Context, apkName string, targetPath string, opts *JobOptions) (*domain.PackJob, error) {
	// 防重复：检查是否存在最近创建的同名 APK 任务
	// 解决大文件复制时文件监控器触发多次事件导致重复创建任务的问题
	hasRecent, err := s.jobRepo.HasRecentJobForAPK(ctx, apkName, 60) // 60秒时间窗口
	if err != nil {
		s.logger.WithError(err).WithField("apk_name", apkName).Warn("Failed to check recent job, continuing anyway")
	} else if hasRecent {
		s.logger.WithField("apk_name", apkName).Warn("Duplicate job creation blocked: recent job exists for same APK")
		return nil, fmt.Errorf("任务已存在：最近60秒内已为该APK创建任务")
	}

	job := &domain.PackJob{
		ID:              uuid.New().String(),
		APKName:         apkName,
		TargetPath:      targetPath,
		Status:          domain.JobStatusQueued,
		CreatedAt:       time.Now().UTC(),
		ProgressPercent: 0,
		CurrentStep:     "任务已创建",
		ShouldStop:      false,
	}

	if opts != nil {
		if len(opts.KeepClasses) > 0 {
			if data, err := json.Marshal(opts.KeepClasses); err == nil {
				job.KeepListJSON = string(data)
			}
		}
		if len(opts.EncryptAssets) > 0 {
			if data, err := json.Marshal(opts.EncryptAssets); err == nil {
				job.EncryptAssetsJSON = string(data)
			}
		}
	}

	if err := s.jobRepo.Create(ctx, job); err != nil {
		s.logger.WithError(err).Error("Failed to create job")
		return nil, fmt.Errorf("创建任务失败: %w", err)
	}

	s.logger.WithField("job_id", job.ID).Info("Job created successfully")
	return job, nil
}

func (s *jobService) GetJob(ctx context.Context, jobID string) (*domain.PackJob, error) {
	job, err := s.jobRepo.FindByID(ctx, jobID)
	if err != nil {
		s.logger.WithError(err).WithField("job_id", jobID).Error("Failed to get job")
		return nil, fmt.Errorf("获取任务失败: %w", err)
	}
	return job, nil
}

func (s *jobService) ListJobs(ctx context.Context, limit int) ([]*domain.PackJob, error) {
	jobs, err := s.jobRepo.List(ctx, limit)
	if err != nil {
		s.logger.WithError(err).Error("Failed to list jobs")
		return nil, fmt.Errorf("获取任务列表失败: %w", err)
	}
	return jobs, nil
}

func (s *jobService) ListJobsWithSearch(ctx context.Context, page int, pageSize int, statusFilter string, search string) ([]*domain.PackJob, int64, error) {
	jobs, total, err := s.jobRepo.ListWithSearch(ctx, page, pageSize, statusFilter, search)
	if err != nil {
		s.logger.WithError(err).Error("Failed to list jobs with search")
		return nil, 0, fmt.Errorf("获取任务列表失败: %w", err)
	}
	return jobs, total, nil
}

func (s *jobService) DeleteJob(ctx context.Context, jobID string) error {
	if err := s.jobRepo.Delete(ctx, jobID); err != nil {
		s.logger.WithError(err).WithField("job_id", jobID).Error("Failed to delete job")
		return fmt.Errorf("删除任务失败: %w", err)
	}

	s.logger.WithField("job_id", jobID).Info("Job deleted successfully")
	return nil
}

func (s *jobService) StopJob(ctx context.Context, jobID string) error {
	if err := s.jobRepo.MarkShouldStop(ctx, jobID); err != nil {
		s.logger.WithError(err).WithField("job_id", jobID).Error("Failed to stop job")
		return fmt.Errorf("停止任务失败: %w", err)
	}

	s.logger.WithField("job_id", jobID).Info("Job marked for stopping")
	return nil
}

func (s *jobService) ResetJobForRetry(ctx context.Context, jobID string) (*domain.PackJob, error) {
	job, err := s.jobRepo.FindByID(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("获取任务失败: %w", err)
	}

	if job.Status != domain.JobStatusFailed && job.Status != domain.JobStatusCancelled {
		return nil, fmt.Errorf("任务状态为 %s，只有失败或已取消的任务可以重试", job.Status)
	}

	if err := s.jobRepo.ResetForRetry(ctx, jobID); err != nil {
		s.logger.WithError(err).WithField("job_id", jobID).Error("Failed to reset job for retry")
		return nil, fmt.Errorf("重置任务失败: %w", err)
	}

	s.logger.WithField("job_id", jobID).Info("Job reset for retry")
	return job, nil
}

func (s *jobService) UpdateJobProgress(ctx context.Context, jobID string, step string, percent int) error {
	if err := s.jobRepo.UpdateProgress(ctx, jobID, step, percent); err != nil {
		s.logger.WithError(err).
			WithField("job_id", jobID).
			WithField("step", step).
			WithField("percent", percent).
			Error("Failed to update job progress")
		return fmt.Errorf("更新任务进度失败: %w", err)
	}
	return nil
}

func (s *jobService) GetStatusCounts(ctx context.Context) (map[string]int64, int64, error) {
	return s.jobRepo.GetStatusCounts(ctx)
}

func (s *jobService) ListQueuedJobs(ctx context.Context) ([]*domain.PackJob, error) {
	return s.jobRepo.ListQueuedJobs(ctx)
}
