package handler

import (
	"github.com/ashwinyue/stockqa/internal/service"
	"github.com/ashwinyue/stockqa/internal/service/agent"
	"github.com/gin-gonic/gin"
)

// QueryHandler 问答处理器
type QueryHandler struct {
	svc *service.Services
}

// NewQueryHandler 创建问答处理器
func NewQueryHandler(svc *service.Services) *QueryHandler {
	return &QueryHandler{svc: svc}
}

// Query 执行一个问答轮次
// POST /api/v1/query
func (h *QueryHandler) Query(c *gin.Context) {
	var req agent.TurnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}

	res, err := h.svc.Agent.RunTurn(c.Request.Context(), &req)
	if err != nil {
		Error(c, err)
		return
	}

	Success(c, res)
}
