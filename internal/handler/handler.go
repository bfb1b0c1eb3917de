package handler

import (
	"strconv"

	"github.com/ashwinyue/stockqa/internal/service"
	"github.com/gin-gonic/gin"
)

// Handlers 处理器集合
type Handlers struct {
	Query     *QueryHandler
	Session   *SessionHandler
	Document  *DocumentHandler
	Candidate *CandidateHandler
	System    *SystemHandler
}

// NewHandlers 创建所有处理器
func NewHandlers(svc *service.Services) *Handlers {
	return &Handlers{
		Query:     NewQueryHandler(svc),
		Session:   NewSessionHandler(svc),
		Document:  NewDocumentHandler(svc),
		Candidate: NewCandidateHandler(svc),
		System:    NewSystemHandler(svc),
	}
}

// getPagination 获取分页参数
func getPagination(c *gin.Context) (page, size int) {
	page, _ = strconv.Atoi(c.DefaultQuery("page", "1"))
	size, _ = strconv.Atoi(c.DefaultQuery("page_size", "20"))
	if page <= 0 {
		page = 1
	}
	if size <= 0 || size > 100 {
		size = 20
	}
	return
}
