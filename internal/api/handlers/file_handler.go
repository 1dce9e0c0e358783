package handlers

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/kapp-shell/apk-harden-go/internal/domain"
	"github.com/kapp-shell/apk-harden-go/internal/service"
	"github.com/sirupsen/logrus"
)

const (
	maxUploadSize  = int64(500 * 1024 * 1024) // 单个 APK 上限 500MB
	maxBatchFiles  = 100
	uploadDirPerms = 0755
)

var errDuplicateUpload = errors.New("file already exists")

// FileHandler 处理 APK 上传与加固产物下载
type FileHandler struct {
	jobService service.JobService
	logger     *logrus.Logger
	inboxPath  string // 待加固 APK 目录，文件监控器从这里拾取
	outPath    string // 加固产物输出目录
}

// NewFileHandler 创建文件处理器实例
func NewFileHandler(jobService service.JobService, logger *logrus.Logger, inboxPath string, outPath string) *FileHandler {
	return &FileHandler{
		jobService: jobService,
		logger:     logger,
		inboxPath:  inboxPath,
		outPath:    outPath,
	}
}

// validateUpload 校验扩展名与大小，返回面向用户的错误文案
func validateUpload(file *multipart.FileHeader) string {
	if !strings.HasSuffix(strings.ToLower(file.Filename), ".apk") {
		return "只支持 APK 文件格式"
	}
	if file.Size > maxUploadSize {
		return fmt.Sprintf("文件大小超过限制 (最大 %dMB)", maxUploadSize/(1024*1024))
	}
	return ""
}

// saveToInbox 把上传内容落盘到 inbox 目录。目录里已有同名文件时
// 返回 errDuplicateUpload，不覆盖：同名文件可能正被监控器处理
func (h *FileHandler) saveToInbox(file *multipart.FileHeader) (int64, error) {
	if err := os.MkdirAll(h.inboxPath, uploadDirPerms); err != nil {
		return 0, fmt.Errorf("create inbox dir: %w", err)
	}

	destPath := filepath.Join(h.inboxPath, filepath.Base(file.Filename))
	if _, err := os.Stat(destPath); err == nil {
		return 0, errDuplicateUpload
	}

	src, err := file.Open()
	if err != nil {
		return 0, fmt.Errorf("open upload: %w", err)
	}
	defer src.Close()

	dst, err := os.Create(destPath)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", destPath, err)
	}
	defer dst.Close()

	written, err := io.Copy(dst, src)
	if err != nil {
		os.Remove(destPath)
		return 0, fmt.Errorf("write %s: %w", destPath, err)
	}

	h.logger.WithFields(logrus.Fields{
		"filename": file.Filename,
		"size":     written,
		"path":     destPath,
	}).Info("APK file uploaded")
	return written, nil
}

// UploadAPK 上传单个 APK 文件
// 文件落盘到 inbox 目录后由文件监控器自动创建加固任务
// POST /api/upload
func (h *FileHandler) UploadAPK(c *gin.Context) {
	file, err := c.FormFile("file")
	if err != nil {
		h.logger.WithError(err).Error("Failed to get uploaded file")
		c.JSON(http.StatusBadRequest, gin.H{"error": "获取上传文件失败"})
		return
	}

	if msg := validateUpload(file); msg != "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": msg})
		return
	}

	written, err := h.saveToInbox(file)
	switch {
	case errors.Is(err, errDuplicateUpload):
		c.JSON(http.StatusConflict, gin.H{
			"error":    "文件已存在",
			"filename": file.Filename,
		})
		return
	case err != nil:
		h.logger.WithError(err).WithField("filename", file.Filename).Error("Failed to save uploaded file")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "文件上传失败"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":  "文件上传成功，加固任务将自动创建",
		"filename": file.Filename,
		"size":     written,
	})
}

// UploadAPKBatch 批量上传 APK 文件
// POST /api/upload/batch
func (h *FileHandler) UploadAPKBatch(c *gin.Context) {
	form, err := c.MultipartForm()
	if err != nil {
		h.logger.WithError(err).Error("Failed to parse multipart form")
		c.JSON(http.StatusBadRequest, gin.H{"error": "解析上传表单失败"})
		return
	}

	files := form.File["files"]
	if len(files) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "请选择要上传的 APK 文件"})
		return
	}
	if len(files) > maxBatchFiles {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("最多同时上传 %d 个文件，当前选择了 %d 个", maxBatchFiles, len(files)),
		})
		return
	}

	type uploadResult struct {
		Filename string `json:"filename"`
		Size     int64  `json:"size"`
		Status   string `json:"status"` // success, error, skipped
		Error    string `json:"error,omitempty"`
	}

	results := make([]uploadResult, 0, len(files))
	var successCount, errorCount, skippedCount int

	for _, file := range files {
		result := uploadResult{Filename: file.Filename, Size: file.Size}

		if msg := validateUpload(file); msg != "" {
			result.Status = "error"
			result.Error = msg
			errorCount++
			results = append(results, result)
			continue
		}

		written, err := h.saveToInbox(file)
		switch {
		case errors.Is(err, errDuplicateUpload):
			result.Status = "skipped"
			result.Error = "文件已存在"
			skippedCount++
		case err != nil:
			h.logger.WithError(err).WithField("filename", file.Filename).Error("Failed to save uploaded file")
			result.Status = "error"
			result.Error = "文件上传失败"
			errorCount++
		default:
			result.Size = written
			result.Status = "success"
			successCount++
		}
		results = append(results, result)
	}

	c.JSON(http.StatusOK, gin.H{
		"message":       fmt.Sprintf("批量上传完成: %d 成功, %d 失败, %d 跳过", successCount, errorCount, skippedCount),
		"total":         len(files),
		"success_count": successCount,
		"error_count":   errorCount,
		"skipped_count": skippedCount,
		"results":       results,
	})
}

// DownloadArtifact 下载加固产物 APK
// GET /api/jobs/:id/artifact
func (h *FileHandler) DownloadArtifact(c *gin.Context) {
	jobID := c.Param("id")

	job, err := h.jobService.GetJob(c.Request.Context(), jobID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "任务不存在"})
		return
	}

	if job.Status != domain.JobStatusCompleted || job.OutputPath == "" {
		c.JSON(http.StatusConflict, gin.H{
			"error":  "任务尚未完成，产物不可用",
			"status": job.Status,
		})
		return
	}

	if _, err := os.Stat(job.OutputPath); os.IsNotExist(err) {
		h.logger.WithFields(logrus.Fields{
			"job_id": jobID,
			"path":   job.OutputPath,
		}).Error("Artifact file missing on disk")
		c.JSON(http.StatusNotFound, gin.H{"error": "产物文件不存在"})
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%s", filepath.Base(job.OutputPath)))
	c.Header("Content-Type", "application/vnd.android.package-archive")
	c.File(job.OutputPath)
}
