package handlers

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// ProgressHandler 通过 WebSocket 实时推送加固任务进度。
// clients 以连接为键，同一任务可以有任意多个订阅者
type ProgressHandler struct {
	logger      *logrus.Logger
	upgrader    websocket.Upgrader
	clients     map[*websocket.Conn]string // conn -> 订阅的任务 ID
	clientMutex sync.RWMutex
	broadcast   chan ProgressMessage
}

// ProgressMessage 任务进度消息
type ProgressMessage struct {
	JobID     string `json:"job_id"`
	Step      string `json:"step,omitempty"`
	Percent   int    `json:"percent,omitempty"`
	Status    string `json:"status,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// NewProgressHandler 创建进度推送处理器
func NewProgressHandler(logger *logrus.Logger) *ProgressHandler {
	return &ProgressHandler{
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // 允许所有来源（生产环境需要限制）
			},
		},
		clients:   make(map[*websocket.Conn]string),
		broadcast: make(chan ProgressMessage, 100),
	}
}

// Start 启动广播服务
func (h *ProgressHandler) Start() {
	go h.runBroadcaster()
}

// runBroadcaster 运行广播器
func (h *ProgressHandler) runBroadcaster() {
	for msg := range h.broadcast {
		h.clientMutex.RLock()
		var stale []*websocket.Conn
		for client, jobID := range h.clients {
			// 只发送给对应任务的订阅者，"all" 订阅者收到所有任务的消息
			if msg.JobID == jobID || jobID == "all" {
				if err := client.WriteJSON(msg); err != nil {
					h.logger.WithError(err).Warn("Failed to write to WebSocket client")
					client.Close()
					stale = append(stale, client)
				}
			}
		}
		h.clientMutex.RUnlock()

		if len(stale) > 0 {
			h.clientMutex.Lock()
			for _, client := range stale {
				delete(h.clients, client)
			}
			h.clientMutex.Unlock()
		}
	}
}

// HandleWebSocket 处理 WebSocket 连接
// GET /ws/jobs/:job_id
func (h *ProgressHandler) HandleWebSocket(c *gin.Context) {
	jobID := c.Param("job_id")
	if jobID == "" {
		jobID = "all" // 默认订阅所有任务
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.WithError(err).Error("Failed to upgrade to WebSocket")
		return
	}
	defer conn.Close()

	// 注册客户端
	h.clientMutex.Lock()
	h.clients[conn] = jobID
	h.clientMutex.Unlock()

	h.logger.WithField("job_id", jobID).Info("WebSocket client connected")

	// 保持连接
	for {
		var msg map[string]interface{}
		err := conn.ReadJSON(&msg)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.WithError(err).Warn("WebSocket error")
			}
			break
		}
	}

	// 清理断开的连接
	h.clientMutex.Lock()
	delete(h.clients, conn)
	h.clientMutex.Unlock()

	h.logger.WithField("job_id", jobID).Info("WebSocket client disconnected")
}

// BroadcastProgress 广播任务进度（供 Orchestrator 调用）
func (h *ProgressHandler) BroadcastProgress(jobID string, step string, percent int) {
	msg := ProgressMessage{
		JobID:     jobID,
		Step:      step,
		Percent:   percent,
		Timestamp: time.Now().Unix(),
	}

	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("Broadcast channel is full, dropping progress message")
	}
}

// BroadcastStatus 广播任务状态变更
func (h *ProgressHandler) BroadcastStatus(jobID string, status string) {
	msg := ProgressMessage{
		JobID:     jobID,
		Status:    status,
		Timestamp: time.Now().Unix(),
	}

	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("Broadcast channel is full, dropping status message")
	}
}
