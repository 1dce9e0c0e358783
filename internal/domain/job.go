package domain

import (
	"time"
)

type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusParsing    JobStatus = "parsing"
	JobStatusEncrypting JobStatus = "encrypting"
	JobStatusRepacking  JobStatus = "repacking"
	JobStatusSigning    JobStatus = "signing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// FailureType 失败类型
type FailureType string

const (
	FailureTypeNone               FailureType = ""                    // 无失败（成功或进行中）
	FailureTypeParse              FailureType = "parse_error"         // 输入包解析失败（警告-输入问题）
	FailureTypeSplitUnsupported   FailureType = "split_unsupported"   // AAB/Split 输入（正常-明确拒绝）
	FailureTypeAlreadyHardened    FailureType = "already_hardened"    // 输入已是加固产物（正常-明确拒绝）
	FailureTypeSigningUnavailable FailureType = "signing_unavailable" // 签名工具/密钥不可用（异常-环境问题）
	FailureTypeCryptoError        FailureType = "crypto_error"        // 加密或密钥派生失败（异常-程序问题）
	FailureTypeIOError            FailureType = "io_error"            // 读写产物失败（异常-系统问题）
	FailureTypeTimeout            FailureType = "timeout"             // 打包执行超时（警告）
	FailureTypeUnknown            FailureType = "unknown"             // 未知错误（异常）
)

// FailureSeverity 失败严重程度
type FailureSeverity string

const (
	FailureSeverityNormal  FailureSeverity = "normal"  // 正常（输入限制，无需排查）
	FailureSeverityWarning FailureSeverity = "warning" // 警告（需要关注）
	FailureSeverityError   FailureSeverity = "error"   // 错误（需要排查）
)

// GetSeverity 获取失败类型对应的严重程度
func (ft FailureType) GetSeverity() FailureSeverity {
	switch ft {
	case FailureTypeNone, FailureTypeSplitUnsupported, FailureTypeAlreadyHardened:
		return FailureSeverityNormal // 明确拒绝的输入，正常
	case FailureTypeParse, FailureTypeTimeout:
		return FailureSeverityWarning // 输入或超时问题，需关注
	case FailureTypeSigningUnavailable, FailureTypeCryptoError, FailureTypeIOError, FailureTypeUnknown:
		return FailureSeverityError // 环境或系统问题，需排查
	default:
		return FailureSeverityError
	}
}

// GetDisplayName 获取失败类型的中文显示名称
func (ft FailureType) GetDisplayName() string {
	switch ft {
	case FailureTypeNone:
		return ""
	case FailureTypeParse:
		return "解析失败"
	case FailureTypeSplitUnsupported:
		return "不支持分包"
	case FailureTypeAlreadyHardened:
		return "输入已加固"
	case FailureTypeSigningUnavailable:
		return "签名不可用"
	case FailureTypeCryptoError:
		return "加密失败"
	case FailureTypeIOError:
		return "读写失败"
	case FailureTypeTimeout:
		return "执行超时"
	case FailureTypeUnknown:
		return "未知错误"
	default:
		return "未知错误"
	}
}

// GetMaxRetryCount 获取失败类型对应的最大重试次数
// 返回 0 表示不重试
func (ft FailureType) GetMaxRetryCount() int {
	switch ft {
	case FailureTypeNone:
		return 0 // 成功不需要重试
	case FailureTypeParse, FailureTypeSplitUnsupported, FailureTypeAlreadyHardened:
		return 0 // 输入本身的问题，重试无意义
	case FailureTypeSigningUnavailable, FailureTypeIOError, FailureTypeTimeout:
		return 3 // 环境问题，可重试3次
	case FailureTypeCryptoError, FailureTypeUnknown:
		return 1 // 程序或未知错误，重试1次
	default:
		return 1
	}
}

// CanRetry 检查失败类型是否可以重试
func (ft FailureType) CanRetry() bool {
	return ft.GetMaxRetryCount() > 0
}

// PackJob 加固任务主表
type PackJob struct {
	ID              string      `gorm:"primaryKey;type:varchar(36)" json:"id"`
	APKName         string      `gorm:"type:varchar(255);not null" json:"apk_name"`
	TargetPath      string      `gorm:"type:varchar(500);not null" json:"target_path"`
	OutputPath      string      `gorm:"type:varchar(500)" json:"output_path,omitempty"`
	PackageName     string      `gorm:"type:varchar(255)" json:"package_name,omitempty"`
	Status          JobStatus   `gorm:"type:varchar(20);not null;default:'queued'" json:"status"`
	ShouldStop      bool        `gorm:"default:false" json:"should_stop"`
	FailureType     FailureType `gorm:"type:varchar(30);default:''" json:"failure_type,omitempty"`
	ErrorMessage    string      `gorm:"type:text" json:"error_message,omitempty"`
	RetryCount      int         `gorm:"type:tinyint;default:0" json:"retry_count"`
	CreatedAt       time.Time   `gorm:"not null" json:"created_at"`
	StartedAt       *time.Time  `json:"started_at,omitempty"`
	CompletedAt     *time.Time  `json:"completed_at,omitempty"`
	CurrentStep     string      `gorm:"type:varchar(255)" json:"current_step,omitempty"`
	ProgressPercent int         `gorm:"type:tinyint;default:0" json:"progress_percent"`
	Signed          bool        `gorm:"default:false" json:"signed"`

	// 打包选项（JSON 序列化的排除清单与资产模式）
	KeepListJSON      string `gorm:"type:text" json:"keep_list_json,omitempty"`
	EncryptAssetsJSON string `gorm:"type:text" json:"encrypt_assets_json,omitempty"`

	// 关联 (使用指针避免循环依赖)
	Artifact *PackArtifact `gorm:"foreignKey:JobID;references:ID" json:"artifact,omitempty"`
	Stages   []PackStage   `gorm:"foreignKey:JobID;references:ID" json:"stages,omitempty"`
}

func (PackJob) TableName() string {
	return "pack_jobs"
}

// PackArtifact 产物信息表
type PackArtifact struct {
	ID                   uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	JobID                string    `gorm:"type:varchar(36);uniqueIndex:uk_job_id;not null" json:"job_id"`
	OutputPath           string    `gorm:"type:varchar(500);not null" json:"output_path"`
	OriginalApplication  string    `gorm:"type:varchar(500)" json:"original_application,omitempty"`
	OriginalFactory      string    `gorm:"type:varchar(500)" json:"original_factory,omitempty"`
	ManifestFallback     bool      `gorm:"default:false" json:"manifest_fallback"`
	ProtectedEntriesJSON string    `gorm:"type:mediumtext" json:"protected_entries_json,omitempty"`
	KeptEntriesJSON      string    `gorm:"type:text" json:"kept_entries_json,omitempty"`
	SizeBytes            int64     `gorm:"default:0" json:"size_bytes"`
	CreatedAt            time.Time `json:"created_at"`
}

func (PackArtifact) TableName() string {
	return "pack_artifacts"
}

// PackStage 阶段耗时表
type PackStage struct {
	ID         uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	JobID      string    `gorm:"type:varchar(36);index:idx_job_id;not null" json:"job_id"`
	Stage      string    `gorm:"type:varchar(50);not null" json:"stage"`
	DurationMS int64     `gorm:"default:0" json:"duration_ms"`
	CreatedAt  time.Time `json:"created_at"`
}

func (PackStage) TableName() string {
	return "pack_stages"
}
