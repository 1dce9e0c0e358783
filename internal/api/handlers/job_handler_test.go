package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kapp-shell/apk-harden-go/internal/domain"
	"github.com/kapp-shell/apk-harden-go/internal/service"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

// MockJobService Mock Service
type MockJobService struct {
	mock.Mock
}

func (m *MockJobService) CreateJob(ctx context.Context, apkName string, targetPath string, opts *service.JobOptions) (*domain.PackJob, error) {
	args := m.Called(apkName, targetPath, opts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.PackJob), args.Error(1)
}

func (m *MockJobService) GetJob(ctx context.Context, jobID string) (*domain.PackJob, error) {
	args := m.Called(jobID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.PackJob), args.Error(1)
}

func (m *MockJobService) ListJobs(ctx context.Context, limit int) ([]*domain.PackJob, error) {
	args := m.Called(limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.PackJob), args.Error(1)
}

func (m *MockJobService) ListJobsWithSearch(ctx context.Context, page int, pageSize int, statusFilter string, search string) ([]*domain.PackJob, int64, error) {
	args := m.Called(page, pageSize, statusFilter, search)
	if args.Get(0) == nil {
		return nil, 0, args.Error(2)
	}
	return args.Get(0).([]*domain.PackJob), args.Get(1).(int64), args.Error(2)
}

func (m *MockJobService) DeleteJob(ctx context.Context, jobID string) error {
	args := m.Called(jobID)
	return args.Error(0)
}

func (m *MockJobService) StopJob(ctx context.Context, jobID string) error {
	args := m.Called(jobID)
	return args.Error(0)
}

func (m *MockJobService) ResetJobForRetry(ctx context.Context, jobID string) (*domain.PackJob, error) {
	args := m.Called(jobID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.PackJob), args.Error(1)
}

func (m *MockJobService) UpdateJobProgress(ctx context.Context, jobID string, step string, percent int) error {
	args := m.Called(jobID, step, percent)
	return args.Error(0)
}

func (m *MockJobService) GetStatusCounts(ctx context.Context) (map[string]int64, int64, error) {
	args := m.Called()
	if args.Get(0) == nil {
		return nil, 0, args.Error(2)
	}
	return args.Get(0).(map[string]int64), args.Get(1).(int64), args.Error(2)
}

func (m *MockJobService) ListQueuedJobs(ctx context.Context) ([]*domain.PackJob, error) {
	args := m.Called()
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.PackJob), args.Error(1)
}

// setupTestRouter 设置测试路由
func setupTestRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	return gin.New()
}

func newTestHandler(mockService *MockJobService) *JobHandler {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return NewJobHandler(mockService, nil, logger)
}

// TestJobHandler_GetJob 测试获取任务
func TestJobHandler_GetJob(t *testing.T) {
	mockService := new(MockJobService)
	handler := newTestHandler(mockService)
	router := setupTestRouter()
	router.GET("/api/jobs/:id", handler.GetJob)

	expectedJob := &domain.PackJob{
		ID:        "test-job-001",
		APKName:   "test.apk",
		Status:    domain.JobStatusCompleted,
		CreatedAt: time.Now(),
	}

	mockService.On("GetJob", "test-job-001").Return(expectedJob, nil)

	req := httptest.NewRequest("GET", "/api/jobs/test-job-001", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var response map[string]interface{}
	err := json.Unmarshal(w.Body.Bytes(), &response)
	assert.NoError(t, err)
	assert.Equal(t, expectedJob.ID, response["id"])
	assert.Equal(t, expectedJob.APKName, response["apk_name"])

	mockService.AssertExpectations(t)
}

// TestJobHandler_GetJob_NotFound 测试获取不存在的任务
func TestJobHandler_GetJob_NotFound(t *testing.T) {
	mockService := new(MockJobService)
	handler := newTestHandler(mockService)
	router := setupTestRouter()
	router.GET("/api/jobs/:id", handler.GetJob)

	mockService.On("GetJob", "non-existent").Return(nil, errors.New("not found"))

	req := httptest.NewRequest("GET", "/api/jobs/non-existent", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
	mockService.AssertExpectations(t)
}

// TestJobHandler_GetJob_FailedIncludesFailureInfo 测试失败任务包含失败信息
func TestJobHandler_GetJob_FailedIncludesFailureInfo(t *testing.T) {
	mockService := new(MockJobService)
	handler := newTestHandler(mockService)
	router := setupTestRouter()
	router.GET("/api/jobs/:id", handler.GetJob)

	failedJob := &domain.PackJob{
		ID:           "job-failed",
		APKName:      "broken.apk",
		Status:       domain.JobStatusFailed,
		FailureType:  domain.FailureTypeParse,
		ErrorMessage: "manifest missing",
		CreatedAt:    time.Now(),
	}

	mockService.On("GetJob", "job-failed").Return(failedJob, nil)

	req := httptest.NewRequest("GET", "/api/jobs/job-failed", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var response map[string]interface{}
	err := json.Unmarshal(w.Body.Bytes(), &response)
	assert.NoError(t, err)
	assert.Equal(t, string(domain.FailureTypeParse), response["failure_type"])
	assert.Equal(t, "manifest missing", response["error_message"])
	assert.NotEmpty(t, response["failure_display"])

	mockService.AssertExpectations(t)
}

// TestJobHandler_ListJobs 测试列出任务
func TestJobHandler_ListJobs(t *testing.T) {
	mockService := new(MockJobService)
	handler := newTestHandler(mockService)
	router := setupTestRouter()
	router.GET("/api/jobs", handler.ListJobs)

	expectedJobs := []*domain.PackJob{
		{ID: "job-1", APKName: "app1.apk", Status: domain.JobStatusCompleted},
		{ID: "job-2", APKName: "app2.apk", Status: domain.JobStatusEncrypting},
	}

	mockService.On("ListJobsWithSearch", 1, 20, "", "").Return(expectedJobs, int64(2), nil)

	req := httptest.NewRequest("GET", "/api/jobs", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var response map[string]interface{}
	err := json.Unmarshal(w.Body.Bytes(), &response)
	assert.NoError(t, err)
	assert.Equal(t, float64(2), response["total"])
	jobs := response["jobs"].([]interface{})
	assert.Len(t, jobs, 2)

	mockService.AssertExpectations(t)
}

// TestJobHandler_ListJobs_WithFilter 测试带过滤条件的列表
func TestJobHandler_ListJobs_WithFilter(t *testing.T) {
	mockService := new(MockJobService)
	handler := newTestHandler(mockService)
	router := setupTestRouter()
	router.GET("/api/jobs", handler.ListJobs)

	expectedJobs := []*domain.PackJob{
		{ID: "job-1", APKName: "app1.apk", Status: domain.JobStatusFailed},
	}

	mockService.On("ListJobsWithSearch", 2, 10, "failed", "app1").Return(expectedJobs, int64(11), nil)

	req := httptest.NewRequest("GET", "/api/jobs?page=2&page_size=10&status=failed&search=app1", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var response map[string]interface{}
	err := json.Unmarshal(w.Body.Bytes(), &response)
	assert.NoError(t, err)
	assert.Equal(t, float64(11), response["total"])
	assert.Equal(t, float64(2), response["total_pages"])

	mockService.AssertExpectations(t)
}

// TestJobHandler_DeleteJob 测试删除任务
func TestJobHandler_DeleteJob(t *testing.T) {
	mockService := new(MockJobService)
	handler := newTestHandler(mockService)
	router := setupTestRouter()
	router.DELETE("/api/jobs/:id", handler.DeleteJob)

	mockService.On("DeleteJob", "job-001").Return(nil)

	req := httptest.NewRequest("DELETE", "/api/jobs/job-001", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var response map[string]interface{}
	err := json.Unmarshal(w.Body.Bytes(), &response)
	assert.NoError(t, err)
	assert.Equal(t, true, response["success"])

	mockService.AssertExpectations(t)
}

// TestJobHandler_DeleteJob_Error 测试删除任务失败
func TestJobHandler_DeleteJob_Error(t *testing.T) {
	mockService := new(MockJobService)
	handler := newTestHandler(mockService)
	router := setupTestRouter()
	router.DELETE("/api/jobs/:id", handler.DeleteJob)

	mockService.On("DeleteJob", "job-001").Return(errors.New("database error"))

	req := httptest.NewRequest("DELETE", "/api/jobs/job-001", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	mockService.AssertExpectations(t)
}

// TestJobHandler_StopJob 测试停止任务
func TestJobHandler_StopJob(t *testing.T) {
	mockService := new(MockJobService)
	handler := newTestHandler(mockService)
	router := setupTestRouter()
	router.POST("/api/jobs/:id/stop", handler.StopJob)

	mockService.On("StopJob", "job-001").Return(nil)

	req := httptest.NewRequest("POST", "/api/jobs/job-001/stop", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	mockService.AssertExpectations(t)
}

// TestJobHandler_RetryJob_WrongStatus 测试非失败任务重试被拒绝
func TestJobHandler_RetryJob_WrongStatus(t *testing.T) {
	mockService := new(MockJobService)
	handler := newTestHandler(mockService)
	router := setupTestRouter()
	router.POST("/api/jobs/:id/retry", handler.RetryJob)

	mockService.On("ResetJobForRetry", "job-001").Return(nil, errors.New("任务状态为 encrypting"))

	req := httptest.NewRequest("POST", "/api/jobs/job-001/retry", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	mockService.AssertExpectations(t)
}

// TestJobHandler_ConcurrentRequests 测试并发请求
func TestJobHandler_ConcurrentRequests(t *testing.T) {
	mockService := new(MockJobService)
	handler := newTestHandler(mockService)
	router := setupTestRouter()
	router.GET("/api/jobs/:id", handler.GetJob)

	job := &domain.PackJob{
		ID:      "concurrent-job",
		APKName: "test.apk",
	}

	mockService.On("GetJob", "concurrent-job").Return(job, nil)

	done := make(chan bool, 10)
	for i := 0; i < 10; i++ {
		go func() {
			req := httptest.NewRequest("GET", "/api/jobs/concurrent-job", nil)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			assert.Equal(t, http.StatusOK, w.Code)
			done <- true
		}()
	}

	for i := 0; i < 10; i++ {
		<-done
	}

	mockService.AssertNumberOfCalls(t, "GetJob", 10)
}

// BenchmarkJobHandler_GetJob 性能测试 - 获取任务
func BenchmarkJobHandler_GetJob(b *testing.B) {
	mockService := new(MockJobService)
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	handler := NewJobHandler(mockService, nil, logger)
	router := setupTestRouter()
	router.GET("/api/jobs/:id", handler.GetJob)

	job := &domain.PackJob{
		ID:      "bench-job",
		APKName: "bench.apk",
	}

	mockService.On("GetJob", "bench-job").Return(job, nil)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		req := httptest.NewRequest("GET", "/api/jobs/bench-job", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
	}
}
