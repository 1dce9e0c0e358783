package repository

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/kapp-shell/apk-harden-go/internal/domain"
)

// setupTestDB 创建测试数据库
func setupTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err, "Failed to open test database")

	// 逐个迁移避免索引冲突导致后续表没有创建
	tables := []interface{}{
		&domain.PackJob{},
		&domain.PackArtifact{},
		&domain.PackStage{},
	}

	for _, table := range tables {
		err = db.AutoMigrate(table)
		// Ignore "index already exists" errors (happens in test environment)
		if err != nil && !strings.Contains(err.Error(), "already exists") {
			require.NoError(t, err, "Failed to migrate test database")
		}
	}

	return db
}

func newTestRepo(t *testing.T) JobRepository {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return NewJobRepository(setupTestDB(t), logger)
}

func newTestJob(apkName string) *domain.PackJob {
	return &domain.PackJob{
		ID:         uuid.New().String(),
		APKName:    apkName,
		TargetPath: "/data/inbox/" + apkName,
		Status:     domain.JobStatusQueued,
	}
}

func TestJobRepository_CreateAndFind(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	job := newTestJob("demo.apk")
	require.NoError(t, repo.Create(ctx, job))

	found, err := repo.FindByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "demo.apk", found.APKName)
	assert.Equal(t, domain.JobStatusQueued, found.Status)
	assert.False(t, found.CreatedAt.IsZero())

	_, err = repo.FindByID(ctx, "missing-id")
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestJobRepository_StatusTransitions(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	job := newTestJob("demo.apk")
	require.NoError(t, repo.Create(ctx, job))

	require.NoError(t, repo.UpdateStatus(ctx, job.ID, domain.JobStatusParsing))
	found, err := repo.FindByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusParsing, found.Status)
	require.NotNil(t, found.StartedAt)

	require.NoError(t, repo.MarkCompleted(ctx, job.ID, true))
	found, err = repo.FindByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, found.Status)
	assert.True(t, found.Signed)
	assert.Equal(t, 100, found.ProgressPercent)
	require.NotNil(t, found.CompletedAt)
}

func TestJobRepository_Progress(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	job := newTestJob("demo.apk")
	require.NoError(t, repo.Create(ctx, job))

	require.NoError(t, repo.UpdateProgress(ctx, job.ID, "encrypt", 45))
	found, err := repo.FindByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "encrypt", found.CurrentStep)
	assert.Equal(t, 45, found.ProgressPercent)
}

func TestJobRepository_Failure(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	job := newTestJob("broken.apk")
	require.NoError(t, repo.Create(ctx, job))

	require.NoError(t, repo.UpdateFailure(ctx, job.ID, domain.FailureTypeParse, "manifest missing"))
	found, err := repo.FindByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, found.Status)
	assert.Equal(t, domain.FailureTypeParse, found.FailureType)
	assert.Equal(t, "manifest missing", found.ErrorMessage)
	require.NotNil(t, found.CompletedAt)
}

func TestJobRepository_Retry(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	job := newTestJob("retry.apk")
	require.NoError(t, repo.Create(ctx, job))
	require.NoError(t, repo.UpdateFailure(ctx, job.ID, domain.FailureTypeIOError, "disk full"))

	count, err := repo.IncrementRetryCount(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	require.NoError(t, repo.ResetForRetry(ctx, job.ID))
	found, err := repo.FindByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusQueued, found.Status)
	assert.Equal(t, domain.FailureTypeNone, found.FailureType)
	assert.Empty(t, found.ErrorMessage)
	assert.Equal(t, 1, found.RetryCount)
}

func TestJobRepository_ShouldStop(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	job := newTestJob("stop.apk")
	require.NoError(t, repo.Create(ctx, job))

	stop, err := repo.ShouldStop(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, stop)

	require.NoError(t, repo.MarkShouldStop(ctx, job.ID))
	stop, err = repo.ShouldStop(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, stop)
}

func TestJobRepository_ArtifactAndStages(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	job := newTestJob("artifact.apk")
	require.NoError(t, repo.Create(ctx, job))

	require.NoError(t, repo.SaveArtifact(ctx, &domain.PackArtifact{
		JobID:               job.ID,
		OutputPath:          "/data/outbox/artifact.apk",
		OriginalApplication: "com.example.App",
		SizeBytes:           4096,
	}))
	require.NoError(t, repo.SaveStages(ctx, []domain.PackStage{
		{JobID: job.ID, Stage: "parse", DurationMS: 12},
		{JobID: job.ID, Stage: "encrypt", DurationMS: 340},
	}))

	found, err := repo.FindByID(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, found.Artifact)
	assert.Equal(t, "/data/outbox/artifact.apk", found.Artifact.OutputPath)
	assert.Len(t, found.Stages, 2)
}

func TestJobRepository_ListWithSearch(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	for _, name := range []string{"alpha.apk", "beta.apk", "gamma.apk"} {
		require.NoError(t, repo.Create(ctx, newTestJob(name)))
	}
	failed := newTestJob("delta.apk")
	require.NoError(t, repo.Create(ctx, failed))
	require.NoError(t, repo.UpdateFailure(ctx, failed.ID, domain.FailureTypeUnknown, "boom"))

	jobs, total, err := repo.ListWithSearch(ctx, 1, 10, "", "")
	require.NoError(t, err)
	assert.EqualValues(t, 4, total)
	assert.Len(t, jobs, 4)

	jobs, total, err = repo.ListWithSearch(ctx, 1, 10, string(domain.JobStatusFailed), "")
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	require.Len(t, jobs, 1)
	assert.Equal(t, "delta.apk", jobs[0].APKName)

	jobs, total, err = repo.ListWithSearch(ctx, 1, 10, "", "alph")
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	require.Len(t, jobs, 1)
	assert.Equal(t, "alpha.apk", jobs[0].APKName)
}

func TestJobRepository_StatusCounts(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, repo.Create(ctx, newTestJob("queued.apk")))
	}
	done := newTestJob("done.apk")
	require.NoError(t, repo.Create(ctx, done))
	require.NoError(t, repo.MarkCompleted(ctx, done.ID, false))

	counts, total, err := repo.GetStatusCounts(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 4, total)
	assert.EqualValues(t, 3, counts[string(domain.JobStatusQueued)])
	assert.EqualValues(t, 1, counts[string(domain.JobStatusCompleted)])
}

func TestJobRepository_HasRecentJobForAPK(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, newTestJob("recent.apk")))

	recent, err := repo.HasRecentJobForAPK(ctx, "recent.apk", 60)
	require.NoError(t, err)
	assert.True(t, recent)

	recent, err = repo.HasRecentJobForAPK(ctx, "other.apk", 60)
	require.NoError(t, err)
	assert.False(t, recent)
}
