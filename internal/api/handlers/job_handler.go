package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kapp-shell/apk-harden-go/internal/domain"
	"github.com/kapp-shell/apk-harden-go/internal/queue"
	"github.com/kapp-shell/apk-harden-go/internal/service"
	"github.com/sirupsen/logrus"
)

// JobHandler 加固任务处理器
type JobHandler struct {
	jobService service.JobService
	producer   *queue.Producer
	logger     *logrus.Logger
}

// NewJobHandler 创建任务处理器
func NewJobHandler(jobService service.JobService, producer *queue.Producer, logger *logrus.Logger) *JobHandler {
	return &JobHandler{
		jobService: jobService,
		producer:   producer,
		logger:     logger,
	}
}

// ListJobs 获取任务列表（分页 + 状态过滤 + 搜索）
// GET /api/jobs
func (h *JobHandler) ListJobs(c *gin.Context) {
	pageStr := c.DefaultQuery("page", "1")
	pageSizeStr := c.DefaultQuery("page_size", "20")
	statusFilter := c.Query("status") // 例如: status=completed
	searchQuery := c.Query("search")  // 搜索 APK 名称、包名

	page, err := strconv.Atoi(pageStr)
	if err != nil || page <= 0 {
		page = 1
	}

	pageSize, err := strconv.Atoi(pageSizeStr)
	if err != nil || pageSize <= 0 {
		pageSize = 20
	}

	// 限制最大每页数量，防止过大的查询
	if pageSize > 100 {
		pageSize = 100
	}

	jobs, total, err := h.jobService.ListJobsWithSearch(c.Request.Context(), page, pageSize, statusFilter, searchQuery)
	if err != nil {
		h.logger.WithError(err).Error("Failed to list jobs")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "获取任务列表失败",
		})
		return
	}

	// 转换为响应格式
	jobList := make([]map[string]interface{}, len(jobs))
	for i, job := range jobs {
		jobList[i] = h.jobToResponse(job)
	}

	// 计算总页数
	totalPages := (total + int64(pageSize) - 1) / int64(pageSize)

	c.JSON(http.StatusOK, gin.H{
		"jobs":        jobList,
		"total":       total,
		"page":        page,
		"page_size":   pageSize,
		"total_pages": totalPages,
	})
}

// GetJob 获取任务详情
// GET /api/jobs/:id
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID := c.Param("id")

	job, err := h.jobService.GetJob(c.Request.Context(), jobID)
	if err != nil {
		h.logger.WithError(err).WithField("job_id", jobID).Error("Failed to get job")
		c.JSON(http.StatusNotFound, gin.H{
			"error": "任务不存在",
		})
		return
	}

	c.JSON(http.StatusOK, h.jobToResponse(job))
}

// DeleteJob 删除任务
// DELETE /api/jobs/:id
func (h *JobHandler) DeleteJob(c *gin.Context) {
	jobID := c.Param("id")

	if err := h.jobService.DeleteJob(c.Request.Context(), jobID); err != nil {
		h.logger.WithError(err).WithField("job_id", jobID).Error("Failed to delete job")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "删除任务失败",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "任务删除成功",
	})
}

// StopJob 停止任务
// POST /api/jobs/:id/stop
func (h *JobHandler) StopJob(c *gin.Context) {
	jobID := c.Param("id")

	if err := h.jobService.StopJob(c.Request.Context(), jobID); err != nil {
		h.logger.WithError(err).WithField("job_id", jobID).Error("Failed to stop job")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "停止任务失败",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "任务已标记为停止",
	})
}

// RetryJob 重试失败任务（重置状态并重新入队）
// POST /api/jobs/:id/retry
func (h *JobHandler) RetryJob(c *gin.Context) {
	jobID := c.Param("id")

	job, err := h.jobService.ResetJobForRetry(c.Request.Context(), jobID)
	if err != nil {
		h.logger.WithError(err).WithField("job_id", jobID).Error("Failed to reset job for retry")
		c.JSON(http.StatusBadRequest, gin.H{
			"error": err.Error(),
		})
		return
	}

	msg := &queue.JobMessage{
		JobID:      job.ID,
		APKName:    job.APKName,
		TargetPath: job.TargetPath,
	}
	if err := h.producer.PublishJob(c.Request.Context(), msg); err != nil {
		h.logger.WithError(err).WithField("job_id", jobID).Error("Failed to republish job")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "任务重新入队失败",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "任务已重新入队",
		"job_id":  job.ID,
	})
}

// ListQueuedJobs 获取所有排队中的任务（不分页）
// GET /api/jobs/queued
func (h *JobHandler) ListQueuedJobs(c *gin.Context) {
	jobs, err := h.jobService.ListQueuedJobs(c.Request.Context())
	if err != nil {
		h.logger.WithError(err).Error("Failed to list queued jobs")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "获取排队任务列表失败",
		})
		return
	}

	var jobResponses []gin.H
	for _, job := range jobs {
		jobResponses = append(jobResponses, h.jobToResponse(job))
	}

	c.JSON(http.StatusOK, gin.H{
		"jobs":  jobResponses,
		"total": len(jobs),
	})
}

// GetSystemStats 获取系统统计信息
// GET /api/stats
func (h *JobHandler) GetSystemStats(c *gin.Context) {
	statusCounts, total, err := h.jobService.GetStatusCounts(c.Request.Context())
	if err != nil {
		h.logger.WithError(err).Error("Failed to get status counts")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "获取统计信息失败"})
		return
	}

	response := gin.H{
		"total_jobs":       total,
		"status_breakdown": statusCounts,
	}

	// 队列深度来自 RabbitMQ，不可用时不阻塞统计接口
	if h.producer != nil {
		if size, err := h.producer.GetQueueSize(); err == nil {
			response["queue_size"] = size
		}
	}

	c.JSON(http.StatusOK, response)
}

// jobToResponse 将 PackJob 模型转换为响应格式
func (h *JobHandler) jobToResponse(job *domain.PackJob) map[string]interface{} {
	resp := map[string]interface{}{
		"id":               job.ID,
		"apk_name":         job.APKName,
		"package_name":     job.PackageName,
		"status":           job.Status,
		"current_step":     job.CurrentStep,
		"progress_percent": job.ProgressPercent,
		"signed":           job.Signed,
		"retry_count":      job.RetryCount,
		"created_at":       job.CreatedAt.Format(time.RFC3339),
	}

	if job.StartedAt != nil {
		resp["started_at"] = job.StartedAt.Format(time.RFC3339)
	}
	if job.CompletedAt != nil {
		resp["completed_at"] = job.CompletedAt.Format(time.RFC3339)
	}

	if job.Status == domain.JobStatusFailed {
		resp["failure_type"] = job.FailureType
		resp["failure_display"] = job.FailureType.GetDisplayName()
		resp["error_message"] = job.ErrorMessage
	}

	if job.Artifact != nil {
		resp["artifact"] = map[string]interface{}{
			"output_path":          job.Artifact.OutputPath,
			"original_application": job.Artifact.OriginalApplication,
			"original_factory":     job.Artifact.OriginalFactory,
			"manifest_fallback":    job.Artifact.ManifestFallback,
			"size_bytes":           job.Artifact.SizeBytes,
		}
	}

	if len(job.Stages) > 0 {
		stages := make([]map[string]interface{}, len(job.Stages))
		for i, st := range job.Stages {
			stages[i] = map[string]interface{}{
				"stage":       st.Stage,
				"duration_ms": st.DurationMS,
			}
		}
		resp["stages"] = stages
	}

	return resp
}
