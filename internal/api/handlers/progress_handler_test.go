package handlers

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newProgressTestServer(t *testing.T) (*ProgressHandler, *httptest.Server) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	h := NewProgressHandler(logger)
	h.Start()

	r := gin.New()
	r.GET("/ws/jobs/:job_id", h.HandleWebSocket)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return h, srv
}

func dialProgress(t *testing.T, srv *httptest.Server, jobID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/jobs/" + jobID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readProgress(t *testing.T, conn *websocket.Conn) ProgressMessage {
	t.Helper()
	var msg ProgressMessage
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

// TestProgressHandler_MultipleSubscribersSameJob 同一任务的多个订阅者
// 都要收到进度，后连的不能把先连的挤掉
func TestProgressHandler_MultipleSubscribersSameJob(t *testing.T) {
	h, srv := newProgressTestServer(t)

	first := dialProgress(t, srv, "job-1")
	second := dialProgress(t, srv, "job-1")
	// 等服务端完成注册
	time.Sleep(100 * time.Millisecond)

	h.BroadcastProgress("job-1", "encrypt", 40)

	msg := readProgress(t, first)
	assert.Equal(t, "job-1", msg.JobID)
	assert.Equal(t, "encrypt", msg.Step)
	assert.Equal(t, 40, msg.Percent)

	msg = readProgress(t, second)
	assert.Equal(t, "job-1", msg.JobID)
	assert.Equal(t, 40, msg.Percent)
}

// TestProgressHandler_DisconnectKeepsOtherSubscriber 一个订阅者断开后，
// 同任务的其余订阅者继续收到广播
func TestProgressHandler_DisconnectKeepsOtherSubscriber(t *testing.T) {
	h, srv := newProgressTestServer(t)

	first := dialProgress(t, srv, "job-2")
	second := dialProgress(t, srv, "job-2")

	require.NoError(t, first.Close())
	// 等服务端完成断开清理
	time.Sleep(100 * time.Millisecond)

	h.BroadcastStatus("job-2", "completed")

	msg := readProgress(t, second)
	assert.Equal(t, "job-2", msg.JobID)
	assert.Equal(t, "completed", msg.Status)
}

// TestProgressHandler_JobFilter 只推送给订阅了该任务或订阅全部的客户端
func TestProgressHandler_JobFilter(t *testing.T) {
	h, srv := newProgressTestServer(t)

	other := dialProgress(t, srv, "job-a")
	all := dialProgress(t, srv, "all")
	// 等服务端完成注册
	time.Sleep(100 * time.Millisecond)

	h.BroadcastProgress("job-b", "sign", 90)

	msg := readProgress(t, all)
	assert.Equal(t, "job-b", msg.JobID)

	require.NoError(t, other.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	var unexpected ProgressMessage
	assert.Error(t, other.ReadJSON(&unexpected), "subscriber of another job must not receive the message")
}
