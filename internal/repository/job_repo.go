package repository

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/kapp-shell/apk-harden-go/internal/domain"
)

type JobRepository interface {
	Create(ctx context.Context, job *domain.PackJob) error
	Update(ctx context.Context, job *domain.PackJob) error
	FindByID(ctx context.Context, id string) (*domain.PackJob, error)
	List(ctx context.Context, limit int) ([]*domain.PackJob, error)
	ListWithPagination(ctx context.Context, page int, pageSize int) ([]*domain.PackJob, int64, error)
	// 获取任务列表（支持状态过滤和搜索）
	ListWithSearch(ctx context.Context, page int, pageSize int, statusFilter string, search string) ([]*domain.PackJob, int64, error)
	Delete(ctx context.Context, id string) error
	UpdateStatus(ctx context.Context, id string, status domain.JobStatus) error
	UpdateProgress(ctx context.Context, id string, step string, percent int) error
	ShouldStop(ctx context.Context, id string) (bool, error)
	MarkShouldStop(ctx context.Context, id string) error
	// 更新任务失败信息（包含失败类型）
	UpdateFailure(ctx context.Context, id string, failureType domain.FailureType, errorMessage string) error
	// 标记任务完成并记录产物
	MarkCompleted(ctx context.Context, id string, signed bool) error
	SaveArtifact(ctx context.Context, artifact *domain.PackArtifact) error
	SaveStages(ctx context.Context, stages []domain.PackStage) error
	// 重试相关方法
	IncrementRetryCount(ctx context.Context, id string) (int, error)
	ResetForRetry(ctx context.Context, id string) error
	GetRetryCount(ctx context.Context, id string) (int, error)
	// 检查是否存在最近创建的同名 APK 任务（防止重复创建）
	HasRecentJobForAPK(ctx context.Context, apkName string, withinSeconds int) (bool, error)
	// 获取各状态任务数量统计（使用数据库聚合查询）
	GetStatusCounts(ctx context.Context) (map[string]int64, int64, error)
	// 获取所有排队中的任务（不分页）
	ListQueuedJobs(ctx context.Context) ([]*domain.PackJob, error)
}

type jobRepo struct {
	db     *gorm.DB
	logger *logrus.Logger
}

func NewJobRepository(db *gorm.DB, logger *logrus.Logger) JobRepository {
	return &jobRepo{
		db:     db,
		logger: logger,
	}
}

func (r *jobRepo) Create(ctx context.Context, job *domain.PackJob) error {
	job.CreatedAt = time.Now().UTC()
	return r.db.WithContext(ctx).Create(job).Error
}

func (r *jobRepo) Update(ctx context.Context, job *domain.PackJob) error {
	// 禁止级联更新关联表,只更新主表 pack_jobs 的字段,
	// 避免频繁的进度更新覆盖 Artifact/Stages 关联数据
	err := r.db.WithContext(ctx).
		Model(job).
		Select("apk_name", "package_name", "status", "should_stop", "error_message",
			"started_at", "completed_at", "current_step", "progress_percent",
			"output_path", "signed").
		Updates(job).Error

	if err != nil {
		r.logger.WithError(err).WithField("job_id", job.ID).Error("Job update failed")
	}

	return err
}

func (r *jobRepo) FindByID(ctx context.Context, id string) (*domain.PackJob, error) {
	var job domain.PackJob
	err := r.db.WithContext(ctx).
		Preload("Artifact").
		Preload("Stages").
		First(&job, "id = ?", id).Error

	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (r *jobRepo) List(ctx context.Context, limit int) ([]*domain.PackJob, error) {
	var jobs []*domain.PackJob
	// 列表查询只加载轻量级的产物概要,不带 Stages
	err := r.db.WithContext(ctx).
		Preload("Artifact", func(db *gorm.DB) *gorm.DB {
			return db.Select("id", "job_id", "output_path", "manifest_fallback", "size_bytes")
		}).
		Order("created_at DESC").
		Limit(limit).
		Find(&jobs).Error

	return jobs, err
}

func (r *jobRepo) ListWithPagination(ctx context.Context, page int, pageSize int) ([]*domain.PackJob, int64, error) {
	return r.ListWithSearch(ctx, page, pageSize, "", "")
}

func (r *jobRepo) ListWithSearch(ctx context.Context, page int, pageSize int, statusFilter string, search string) ([]*domain.PackJob, int64, error) {
	var jobs []*domain.PackJob
	var total int64

	query := r.db.WithContext(ctx).Model(&domain.PackJob{})
	if statusFilter != "" {
		query = query.Where("status = ?", statusFilter)
	}
	if search != "" {
		like := "%" + search + "%"
		query = query.Where("apk_name LIKE ? OR package_name LIKE ?", like, like)
	}

	// 先统计总数
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	offset := (page - 1) * pageSize
	err := query.
		Preload("Artifact", func(db *gorm.DB) *gorm.DB {
			return db.Select("id", "job_id", "output_path", "manifest_fallback", "size_bytes")
		}).
		Order("created_at DESC").
		Offset(offset).
		Limit(pageSize).
		Find(&jobs).Error

	return jobs, total, err
}

func (r *jobRepo) Delete(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("job_id = ?", id).Delete(&domain.PackArtifact{}).Error; err != nil {
			return err
		}
		if err := tx.Where("job_id = ?", id).Delete(&domain.PackStage{}).Error; err != nil {
			return err
		}
		return tx.Delete(&domain.PackJob{}, "id = ?", id).Error
	})
}

func (r *jobRepo) UpdateStatus(ctx context.Context, id string, status domain.JobStatus) error {
	updates := map[string]interface{}{"status": status}
	switch status {
	case domain.JobStatusParsing:
		updates["started_at"] = time.Now().UTC()
	case domain.JobStatusCompleted, domain.JobStatusFailed, domain.JobStatusCancelled:
		updates["completed_at"] = time.Now().UTC()
	}
	return r.db.WithContext(ctx).
		Model(&domain.PackJob{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *jobRepo) UpdateProgress(ctx context.Context, id string, step string, percent int) error {
	return r.db.WithContext(ctx).
		Model(&domain.PackJob{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"current_step":     step,
			"progress_percent": percent,
		}).Error
}

func (r *jobRepo) ShouldStop(ctx context.Context, id string) (bool, error) {
	var job domain.PackJob
	err := r.db.WithContext(ctx).
		Select("should_stop").
		First(&job, "id = ?", id).Error
	if err != nil {
		return false, err
	}
	return job.ShouldStop, nil
}

func (r *jobRepo) MarkShouldStop(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).
		Model(&domain.PackJob{}).
		Where("id = ?", id).
		Update("should_stop", true).Error
}

func (r *jobRepo) UpdateFailure(ctx context.Context, id string, failureType domain.FailureType, errorMessage string) error {
	return r.db.WithContext(ctx).
		Model(&domain.PackJob{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":        domain.JobStatusFailed,
			"failure_type":  failureType,
			"error_message": errorMessage,
			"completed_at":  time.Now().UTC(),
		}).Error
}

func (r *jobRepo) MarkCompleted(ctx context.Context, id string, signed bool) error {
	return r.db.WithContext(ctx).
		Model(&domain.PackJob{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":           domain.JobStatusCompleted,
			"signed":           signed,
			"progress_percent": 100,
			"completed_at":     time.Now().UTC(),
		}).Error
}

func (r *jobRepo) SaveArtifact(ctx context.Context, artifact *domain.PackArtifact) error {
	artifact.CreatedAt = time.Now().UTC()
	// 同一任务重复打包时覆盖旧产物记录
	return r.db.WithContext(ctx).
		Where("job_id = ?", artifact.JobID).
		Assign(artifact).
		FirstOrCreate(&domain.PackArtifact{}).Error
}

func (r *jobRepo) SaveStages(ctx context.Context, stages []domain.PackStage) error {
	if len(stages) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Create(&stages).Error
}

func (r *jobRepo) IncrementRetryCount(ctx context.Context, id string) (int, error) {
	err := r.db.WithContext(ctx).
		Model(&domain.PackJob{}).
		Where("id = ?", id).
		UpdateColumn("retry_count", gorm.Expr("retry_count + 1")).Error
	if err != nil {
		return 0, err
	}
	return r.GetRetryCount(ctx, id)
}

func (r *jobRepo) ResetForRetry(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).
		Model(&domain.PackJob{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":           domain.JobStatusQueued,
			"should_stop":      false,
			"failure_type":     domain.FailureTypeNone,
			"error_message":    "",
			"current_step":     "",
			"progress_percent": 0,
			"started_at":       nil,
			"completed_at":     nil,
		}).Error
}

func (r *jobRepo) GetRetryCount(ctx context.Context, id string) (int, error) {
	var job domain.PackJob
	err := r.db.WithContext(ctx).
		Select("retry_count").
		First(&job, "id = ?", id).Error
	if err != nil {
		return 0, err
	}
	return job.RetryCount, nil
}

func (r *jobRepo) HasRecentJobForAPK(ctx context.Context, apkName string, withinSeconds int) (bool, error) {
	var count int64
	cutoff := time.Now().UTC().Add(-time.Duration(withinSeconds) * time.Second)
	err := r.db.WithContext(ctx).
		Model(&domain.PackJob{}).
		Where("apk_name = ? AND created_at > ?", apkName, cutoff).
		Count(&count).Error
	return count > 0, err
}

func (r *jobRepo) GetStatusCounts(ctx context.Context) (map[string]int64, int64, error) {
	type statusCount struct {
		Status string
		Count  int64
	}
	var rows []statusCount
	err := r.db.WithContext(ctx).
		Model(&domain.PackJob{}).
		Select("status, count(*) as count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, 0, err
	}

	counts := make(map[string]int64, len(rows))
	var total int64
	for _, row := range rows {
		counts[row.Status] = row.Count
		total += row.Count
	}
	return counts, total, nil
}

func (r *jobRepo) ListQueuedJobs(ctx context.Context) ([]*domain.PackJob, error) {
	var jobs []*domain.PackJob
	err := r.db.WithContext(ctx).
		Where("status = ?", domain.JobStatusQueued).
		Order("created_at ASC").
		Find(&jobs).Error
	return jobs, err
}
