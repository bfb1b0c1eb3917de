package router

import (
	"github.com/ashwinyue/stockqa/internal/handler"
	"github.com/ashwinyue/stockqa/internal/middleware"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// SetupRouter 设置路由
func SetupRouter(h *handler.Handlers, l *zap.Logger) *gin.Engine {
	r := gin.New()

	// 中间件
	r.Use(middleware.RecoveryMiddleware(l))
	r.Use(middleware.LoggingMiddleware(l))
	r.Use(middleware.ActorMiddleware())

	// 健康检查
	r.GET("/health", h.System.Health)

	// API v1
	v1 := r.Group("/api/v1")
	{
		v1.GET("/metrics", h.System.Metrics)

		// Query 问答
		v1.POST("/query", h.Query.Query)

		// Session 会话
		sessions := v1.Group("/sessions")
		{
			sessions.POST("", h.Session.CreateSession)
			sessions.GET("/:id/messages", h.Session.GetMessages)
			sessions.DELETE("/:id", h.Session.DeleteSession)
		}

		// Document 文档
		docs := v1.Group("/documents")
		{
			docs.POST("", h.Document.CreateDocument)
			docs.GET("", h.Document.ListDocuments)
			docs.GET("/:id", h.Document.GetDocument)
			docs.PUT("/:id", h.Document.UpdateDocument)
			docs.DELETE("/:id", h.Document.DeleteDocument)
		}

		// Candidate 候选审核
		candidates := v1.Group("/candidates")
		{
			candidates.GET("", h.Candidate.ListCandidates)
			candidates.GET("/:id", h.Candidate.GetCandidate)
			candidates.POST("/:id/approve", h.Candidate.Approve)
			candidates.POST("/:id/reject", h.Candidate.Reject)
			candidates.POST("/:id/modify", h.Candidate.Modify)
			candidates.POST("/:id/reimport", h.Candidate.Reimport)
		}
	}

	return r
}
