package handler

import (
	"github.com/ashwinyue/stockqa/internal/middleware"
	"github.com/ashwinyue/stockqa/internal/model"
	"github.com/ashwinyue/stockqa/internal/repository"
	"github.com/ashwinyue/stockqa/internal/service"
	"github.com/ashwinyue/stockqa/internal/service/knowledge"
	"github.com/gin-gonic/gin"
)

// DocumentHandler 知识库文档处理器
type DocumentHandler struct {
	svc *service.Services
}

// NewDocumentHandler 创建文档处理器
func NewDocumentHandler(svc *service.Services) *DocumentHandler {
	return &DocumentHandler{svc: svc}
}

// CreateDocument 创建文档
// POST /api/v1/documents
func (h *DocumentHandler) CreateDocument(c *gin.Context) {
	var req knowledge.DocumentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}

	doc, err := h.svc.Documents.Create(c.Request.Context(), &req, middleware.GetActor(c))
	if err != nil {
		Error(c, err)
		return
	}

	Created(c, doc)
}

// ListDocuments 列出文档
// GET /api/v1/documents
func (h *DocumentHandler) ListDocuments(c *gin.Context) {
	page, size := getPagination(c)

	docs, total, err := h.svc.Documents.List(c.Request.Context(), repository.DocumentFilter{
		KnowledgeBaseID: c.Query("kb_id"),
		Status:          model.DocumentStatus(c.Query("status")),
		Type:            c.Query("type"),
		Offset:          (page - 1) * size,
		Limit:           size,
	})
	if err != nil {
		Error(c, err)
		return
	}

	SuccessWithPagination(c, docs, total, page, size)
}

// GetDocument 获取文档及其分块
// GET /api/v1/documents/:id
func (h *DocumentHandler) GetDocument(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	doc, err := h.svc.Documents.Get(ctx, id)
	if err != nil {
		Error(c, err)
		return
	}
	chunks, err := h.svc.Documents.Chunks(ctx, id)
	if err != nil {
		Error(c, err)
		return
	}

	Success(c, gin.H{"document": doc, "chunks": chunks})
}

// UpdateDocument 更新文档，生成新版本
// PUT /api/v1/documents/:id
func (h *DocumentHandler) UpdateDocument(c *gin.Context) {
	var req knowledge.DocumentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}

	doc, err := h.svc.Documents.Update(c.Request.Context(), c.Param("id"), &req, middleware.GetActor(c))
	if err != nil {
		Error(c, err)
		return
	}

	Success(c, doc)
}

// DeleteDocument 删除文档
// DELETE /api/v1/documents/:id
func (h *DocumentHandler) DeleteDocument(c *gin.Context) {
	if err := h.svc.Documents.Delete(c.Request.Context(), c.Param("id"), middleware.GetActor(c)); err != nil {
		Error(c, err)
		return
	}

	NoContent(c)
}
