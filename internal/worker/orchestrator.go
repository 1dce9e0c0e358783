package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kapp-shell/apk-harden-go/internal/bundle"
	"github.com/kapp-shell/apk-harden-go/internal/config"
	"github.com/kapp-shell/apk-harden-go/internal/crypto"
	"github.com/kapp-shell/apk-harden-go/internal/domain"
	"github.com/kapp-shell/apk-harden-go/internal/packer"
	"github.com/kapp-shell/apk-harden-go/internal/repository"
	"github.com/kapp-shell/apk-harden-go/internal/signing"
)

// ProgressBroadcaster 任务进度实时推送接口（WebSocket 侧实现）
type ProgressBroadcaster interface {
	BroadcastProgress(jobID string, step string, percent int)
	BroadcastStatus(jobID string, status string)
}

// Orchestrator 核心编排器：取一条加固任务，跑完整条打包管线，
// 把进度、产物与失败分类写回存储
type Orchestrator struct {
	jobRepo repository.JobRepository
	cfg     *config.Config
	logger  *logrus.Logger
	keys    crypto.KeyStrategy
	signer  signing.Signer
	metrics packer.MetricsRecorder

	broadcaster ProgressBroadcaster
}

// NewOrchestrator 创建编排器
func NewOrchestrator(jobRepo repository.JobRepository, cfg *config.Config, logger *logrus.Logger) *Orchestrator {
	keys := selectKeyStrategy(cfg.Packer.KeyStrategy)
	return &Orchestrator{
		jobRepo: jobRepo,
		cfg:     cfg,
		logger:  logger,
		keys:    keys,
		signer:  signing.NewToolSigner(logger),
	}
}

// SetProgressBroadcaster 挂接进度推送
func (o *Orchestrator) SetProgressBroadcaster(b ProgressBroadcaster) {
	o.broadcaster = b
}

// SetMetricsRecorder 挂接指标采集
func (o *Orchestrator) SetMetricsRecorder(m packer.MetricsRecorder) {
	o.metrics = m
}

func selectKeyStrategy(name string) crypto.KeyStrategy {
	if name == "static" {
		return crypto.StaticKeyStrategy{}
	}
	return crypto.FragmentKeyStrategy{}
}

// ExecuteJob 执行一条加固任务
func (o *Orchestrator) ExecuteJob(ctx context.Context, jobID, targetPath string) error {
	job, err := o.jobRepo.FindByID(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", jobID, err)
	}

	if stop, _ := o.jobRepo.ShouldStop(ctx, jobID); stop {
		o.logger.WithField("job_id", jobID).Info("Job cancelled before start")
		return o.jobRepo.UpdateStatus(ctx, jobID, domain.JobStatusCancelled)
	}

	if err := o.jobRepo.UpdateStatus(ctx, jobID, domain.JobStatusParsing); err != nil {
		return err
	}
	o.broadcastStatus(jobID, string(domain.JobStatusParsing))

	// 单任务超时
	timeout := time.Duration(o.cfg.Packer.Timeout) * time.Second
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	opts := o.buildOptions(job, targetPath)
	collector := newStageCollector(o, jobID)

	pipeline := packer.NewPipeline(o.logger, o.keys, o.signer).WithMetrics(collector)
	result, err := pipeline.Run(runCtx, opts)
	if err != nil && (result == nil || result.SigningErr == nil) {
		return o.failJob(ctx, jobID, targetPath, err)
	}

	// 签名失败时产物仍然保留，任务按失败记录但产物路径可用
	if result.SigningErr != nil {
		o.logger.WithError(result.SigningErr).WithField("job_id", jobID).Warn("Artifact kept unsigned")
		if saveErr := o.saveArtifact(ctx, jobID, result); saveErr != nil {
			o.logger.WithError(saveErr).WithField("job_id", jobID).Error("Failed to save unsigned artifact")
		}
		return o.failJob(ctx, jobID, targetPath, result.SigningErr)
	}

	if err := o.saveArtifact(ctx, jobID, result); err != nil {
		o.logger.WithError(err).WithField("job_id", jobID).Error("Failed to save artifact record")
	}
	if err := o.jobRepo.SaveStages(ctx, collector.stages(jobID)); err != nil {
		o.logger.WithError(err).WithField("job_id", jobID).Warn("Failed to save stage timings")
	}

	job.PackageName = result.Package
	job.OutputPath = result.OutputPath
	if err := o.jobRepo.Update(ctx, job); err != nil {
		o.logger.WithError(err).WithField("job_id", jobID).Warn("Failed to persist package name")
	}

	if err := o.jobRepo.MarkCompleted(ctx, jobID, result.Signed); err != nil {
		return err
	}
	o.broadcastStatus(jobID, string(domain.JobStatusCompleted))

	o.logger.WithFields(logrus.Fields{
		"job_id":    jobID,
		"package":   result.Package,
		"output":    result.OutputPath,
		"signed":    result.Signed,
		"protected": len(result.ProtectedEntries),
		"duration":  result.Duration.Seconds(),
	}).Info("Pack job completed")

	return nil
}

// buildOptions 任务级覆盖叠加在配置默认值之上
func (o *Orchestrator) buildOptions(job *domain.PackJob, targetPath string) packer.Options {
	pc := o.cfg.Packer
	outName := strings.TrimSuffix(job.APKName, filepath.Ext(job.APKName)) + "_hardened.apk"
	opts := packer.Options{
		TargetPath:    targetPath,
		OutputPath:    filepath.Join(o.cfg.OutDir, outName),
		KeepClasses:   pc.KeepClasses,
		KeepPrefixes:  pc.KeepPrefixes,
		KeepLibs:      pc.KeepLibs,
		EncryptAssets: pc.EncryptAssets,
		StubAPKPath:   pc.StubAPKPath,
		StubLibDir:    pc.StubLibDir,
		Signing: signing.Params{
			Skip:         o.cfg.Signing.Skip,
			KeystorePath: o.cfg.Signing.KeystorePath,
			KeystorePass: o.cfg.Signing.KeystorePassword,
			KeyAlias:     o.cfg.Signing.KeyAlias,
			KeyPass:      o.cfg.Signing.KeyPassword,
		},
	}
	if extra := decodeStringList(job.KeepListJSON); len(extra) > 0 {
		opts.KeepClasses = append(append([]string{}, opts.KeepClasses...), extra...)
	}
	if extra := decodeStringList(job.EncryptAssetsJSON); len(extra) > 0 {
		opts.EncryptAssets = append(append([]string{}, opts.EncryptAssets...), extra...)
	}
	return opts
}

// RetryableError 可重试错误（用于通知 worker pool 需要重新入队）
type RetryableError struct {
	JobID       string
	TargetPath  string
	OriginalErr error
	RetryCount  int
	MaxRetry    int
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("job %s failed (retry %d/%d): %v", e.JobID, e.RetryCount, e.MaxRetry, e.OriginalErr)
}

// IsRetryableError 检查错误是否为可重试错误
func IsRetryableError(err error) (*RetryableError, bool) {
	var retryErr *RetryableError
	if errors.As(err, &retryErr) {
		return retryErr, true
	}
	return nil, false
}

func (o *Orchestrator) failJob(ctx context.Context, jobID, targetPath string, err error) error {
	failureType := DetectFailureType(err)

	retryCount, getErr := o.jobRepo.GetRetryCount(ctx, jobID)
	if getErr != nil {
		o.logger.WithError(getErr).WithField("job_id", jobID).Warn("Failed to get retry count, assuming 0")
		retryCount = 0
	}

	maxRetry := failureType.GetMaxRetryCount()
	canRetry := failureType.CanRetry() && retryCount < maxRetry

	if canRetry {
		newRetryCount, incErr := o.jobRepo.IncrementRetryCount(ctx, jobID)
		if incErr != nil {
			o.logger.WithError(incErr).WithField("job_id", jobID).Error("Failed to increment retry count")
		} else {
			retryCount = newRetryCount
		}

		if resetErr := o.jobRepo.ResetForRetry(ctx, jobID); resetErr != nil {
			o.logger.WithError(resetErr).WithField("job_id", jobID).Error("Failed to reset job for retry")
			// 重置失败，不重试，直接标记为失败
			canRetry = false
		}
	}

	if canRetry {
		o.logger.WithFields(logrus.Fields{
			"job_id":       jobID,
			"failure_type": failureType,
			"retry_count":  retryCount,
			"max_retry":    maxRetry,
			"error":        err.Error(),
		}).Warn("Job will be retried")

		return &RetryableError{
			JobID:       jobID,
			TargetPath:  targetPath,
			OriginalErr: err,
			RetryCount:  retryCount,
			MaxRetry:    maxRetry,
		}
	}

	if updateErr := o.jobRepo.UpdateFailure(ctx, jobID, failureType, err.Error()); updateErr != nil {
		o.logger.WithError(updateErr).WithField("job_id", jobID).Error("Failed to update job failure")
	}
	o.broadcastStatus(jobID, string(domain.JobStatusFailed))

	o.logger.WithFields(logrus.Fields{
		"job_id":           jobID,
		"failure_type":     failureType,
		"failure_severity": failureType.GetSeverity(),
		"retry_count":      retryCount,
		"max_retry":        maxRetry,
		"error":            err.Error(),
	}).Error("Job failed (no more retries)")

	return err
}

// DetectFailureType 把管线错误映射到失败分类
func DetectFailureType(err error) domain.FailureType {
	switch {
	case err == nil:
		return domain.FailureTypeNone
	case errors.Is(err, bundle.ErrUnsupportedSplit):
		return domain.FailureTypeSplitUnsupported
	case errors.Is(err, packer.ErrAlreadyHardened):
		return domain.FailureTypeAlreadyHardened
	case errors.Is(err, bundle.ErrParse):
		return domain.FailureTypeParse
	case errors.Is(err, signing.ErrSigningUnavailable):
		return domain.FailureTypeSigningUnavailable
	case errors.Is(err, crypto.ErrKeyUnavailable), errors.Is(err, crypto.ErrAuthenticationFailure):
		return domain.FailureTypeCryptoError
	case errors.Is(err, context.DeadlineExceeded):
		return domain.FailureTypeTimeout
	case errors.Is(err, os.ErrPermission), errors.Is(err, os.ErrNotExist):
		return domain.FailureTypeIOError
	default:
		return domain.FailureTypeUnknown
	}
}

func (o *Orchestrator) saveArtifact(ctx context.Context, jobID string, result *packer.Result) error {
	var size int64
	if info, err := os.Stat(result.OutputPath); err == nil {
		size = info.Size()
	}
	return o.jobRepo.SaveArtifact(ctx, &domain.PackArtifact{
		JobID:                jobID,
		OutputPath:           result.OutputPath,
		OriginalApplication:  result.OriginalApplication,
		OriginalFactory:      result.OriginalFactory,
		ManifestFallback:     result.ManifestFallback,
		ProtectedEntriesJSON: encodeStringList(result.ProtectedEntries),
		KeptEntriesJSON:      encodeStringList(result.KeptEntries),
		SizeBytes:            size,
	})
}

func (o *Orchestrator) broadcastStatus(jobID, status string) {
	if o.broadcaster != nil {
		o.broadcaster.BroadcastStatus(jobID, status)
	}
}

func encodeStringList(items []string) string {
	if len(items) == 0 {
		return ""
	}
	data, err := json.Marshal(items)
	if err != nil {
		return ""
	}
	return string(data)
}

func decodeStringList(raw string) []string {
	if raw == "" {
		return nil
	}
	var items []string
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return nil
	}
	return items
}

// stageCollector 每次运行一个：把管线阶段事件变成任务进度与耗时记录，
// 并转发给全局指标采集器
type stageCollector struct {
	o     *Orchestrator
	jobID string

	mu         sync.Mutex
	timings    []domain.PackStage
	lastStatus domain.JobStatus
}

// 阶段到进度百分比与任务状态的映射，与管线阶段顺序一致
var stageProgress = map[string]struct {
	percent int
	status  domain.JobStatus
}{
	"parse":    {15, domain.JobStatusParsing},
	"classify": {25, domain.JobStatusParsing},
	"encrypt":  {50, domain.JobStatusEncrypting},
	"assemble": {60, domain.JobStatusEncrypting},
	"manifest": {70, domain.JobStatusRepacking},
	"repack":   {85, domain.JobStatusRepacking},
	"sign":     {95, domain.JobStatusSigning},
}

func newStageCollector(o *Orchestrator, jobID string) *stageCollector {
	// 任务进入管线时已处于 parsing 状态
	return &stageCollector{o: o, jobID: jobID, lastStatus: domain.JobStatusParsing}
}

func (c *stageCollector) ObservePackStage(stage string, d time.Duration) {
	c.mu.Lock()
	c.timings = append(c.timings, domain.PackStage{Stage: stage, DurationMS: d.Milliseconds()})
	c.mu.Unlock()

	if c.o.metrics != nil {
		c.o.metrics.ObservePackStage(stage, d)
	}

	if p, ok := stageProgress[stage]; ok {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.o.jobRepo.UpdateProgress(ctx, c.jobID, stage, p.percent); err != nil {
			c.o.logger.WithError(err).WithField("job_id", c.jobID).Debug("Progress update failed")
		}
		// 状态列只在跨入新阶段组时推进一次
		c.mu.Lock()
		advance := p.status != c.lastStatus
		c.lastStatus = p.status
		c.mu.Unlock()
		if advance {
			_ = c.o.jobRepo.UpdateStatus(ctx, c.jobID, p.status)
		}
		if c.o.broadcaster != nil {
			c.o.broadcaster.BroadcastProgress(c.jobID, stage, p.percent)
		}
	}
}

func (c *stageCollector) AddEncryptedBytes(n int) {
	if c.o.metrics != nil {
		c.o.metrics.AddEncryptedBytes(n)
	}
}

func (c *stageCollector) PackFinished(status string) {
	if c.o.metrics != nil {
		c.o.metrics.PackFinished(status)
	}
}

func (c *stageCollector) stages(jobID string) []domain.PackStage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.PackStage, len(c.timings))
	for i, s := range c.timings {
		s.JobID = jobID
		out[i] = s
	}
	return out
}
