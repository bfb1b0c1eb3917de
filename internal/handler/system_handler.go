package handler

import (
	"github.com/ashwinyue/stockqa/internal/service"
	"github.com/gin-gonic/gin"
)

// SystemHandler 系统处理器
type SystemHandler struct {
	svc *service.Services
}

// NewSystemHandler 创建系统处理器
func NewSystemHandler(svc *service.Services) *SystemHandler {
	return &SystemHandler{svc: svc}
}

// Health 健康检查
// GET /health
func (h *SystemHandler) Health(c *gin.Context) {
	c.JSON(200, gin.H{"status": "ok"})
}

// Metrics 计数器快照
// GET /api/v1/metrics
func (h *SystemHandler) Metrics(c *gin.Context) {
	Success(c, gin.H{
		"counters": h.svc.Metrics.Snapshot(),
		"sessions": h.svc.Sessions.Len(),
	})
}
