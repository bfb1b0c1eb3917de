package handler

import (
	"github.com/ashwinyue/stockqa/internal/service"
	"github.com/gin-gonic/gin"
)

// SessionHandler 会话处理器
type SessionHandler struct {
	svc *service.Services
}

// NewSessionHandler 创建会话处理器
func NewSessionHandler(svc *service.Services) *SessionHandler {
	return &SessionHandler{svc: svc}
}

// CreateSession 创建会话
// POST /api/v1/sessions
func (h *SessionHandler) CreateSession(c *gin.Context) {
	id := h.svc.Sessions.Create(c.Request.Context())
	Created(c, gin.H{"id": id})
}

// GetMessages 获取会话消息
// GET /api/v1/sessions/:id/messages
func (h *SessionHandler) GetMessages(c *gin.Context) {
	id := c.Param("id")
	ctx := c.Request.Context()
	if !h.svc.Sessions.Exists(ctx, id) {
		NotFound(c, "session "+id+" not found")
		return
	}

	Success(c, gin.H{"id": id, "messages": h.svc.Sessions.History(ctx, id)})
}

// DeleteSession 删除会话
// DELETE /api/v1/sessions/:id
func (h *SessionHandler) DeleteSession(c *gin.Context) {
	if err := h.svc.Sessions.Clear(c.Request.Context(), c.Param("id")); err != nil {
		Error(c, err)
		return
	}

	NoContent(c)
}
