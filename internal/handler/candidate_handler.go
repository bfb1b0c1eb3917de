package handler

import (
	"strings"

	"github.com/ashwinyue/stockqa/internal/middleware"
	"github.com/ashwinyue/stockqa/internal/model"
	"github.com/ashwinyue/stockqa/internal/repository"
	"github.com/ashwinyue/stockqa/internal/service"
	"github.com/ashwinyue/stockqa/internal/service/candidate"
	"github.com/ashwinyue/stockqa/internal/service/knowledge"
	"github.com/gin-gonic/gin"
)

// CandidateHandler 知识库候选审核处理器
type CandidateHandler struct {
	svc *service.Services
}

// NewCandidateHandler 创建候选处理器
func NewCandidateHandler(svc *service.Services) *CandidateHandler {
	return &CandidateHandler{svc: svc}
}

// ReviewRequest 审核请求
type ReviewRequest struct {
	Reviewer string                     `json:"reviewer"`
	Notes    string                     `json:"notes"`
	Request  *knowledge.DocumentRequest `json:"request,omitempty"`
}

// review 请求体未填写审核人时使用非匿名的调用方身份
func (r *ReviewRequest) review(c *gin.Context) candidate.Review {
	reviewer := strings.TrimSpace(r.Reviewer)
	if actor := middleware.GetActor(c); reviewer == "" && actor != middleware.AnonymousActor {
		reviewer = actor
	}
	return candidate.Review{Reviewer: reviewer, Notes: r.Notes}
}

func bindReview(c *gin.Context) (*ReviewRequest, bool) {
	var req ReviewRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			BadRequest(c, err.Error())
			return nil, false
		}
	}
	return &req, true
}

// ListCandidates 列出候选
// GET /api/v1/candidates
func (h *CandidateHandler) ListCandidates(c *gin.Context) {
	page, size := getPagination(c)

	items, total, err := h.svc.Candidates.List(c.Request.Context(), repository.CandidateFilter{
		Status:          model.CandidateStatus(c.Query("status")),
		KnowledgeBaseID: c.Query("kb_id"),
		Query:           c.Query("query"),
		Offset:          (page - 1) * size,
		Limit:           size,
	})
	if err != nil {
		Error(c, err)
		return
	}

	SuccessWithPagination(c, items, total, page, size)
}

// GetCandidate 获取候选
// GET /api/v1/candidates/:id
func (h *CandidateHandler) GetCandidate(c *gin.Context) {
	cand, err := h.svc.Candidates.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		Error(c, err)
		return
	}

	Success(c, cand)
}

// Approve 批准候选并写入知识库
// POST /api/v1/candidates/:id/approve
func (h *CandidateHandler) Approve(c *gin.Context) {
	req, ok := bindReview(c)
	if !ok {
		return
	}

	doc, err := h.svc.Candidates.Approve(c.Request.Context(), c.Param("id"), req.review(c))
	if err != nil {
		Error(c, err)
		return
	}

	Success(c, gin.H{"document": doc})
}

// Modify 修改后批准
// POST /api/v1/candidates/:id/modify
func (h *CandidateHandler) Modify(c *gin.Context) {
	req, ok := bindReview(c)
	if !ok {
		return
	}
	if req.Request == nil {
		BadRequest(c, "request is required")
		return
	}

	doc, err := h.svc.Candidates.Modify(c.Request.Context(), c.Param("id"), req.Request, req.review(c))
	if err != nil {
		Error(c, err)
		return
	}

	Success(c, gin.H{"document": doc})
}

// Reject 拒绝候选
// POST /api/v1/candidates/:id/reject
func (h *CandidateHandler) Reject(c *gin.Context) {
	req, ok := bindReview(c)
	if !ok {
		return
	}

	if err := h.svc.Candidates.Reject(c.Request.Context(), c.Param("id"), req.review(c)); err != nil {
		Error(c, err)
		return
	}

	Success(c, gin.H{"id": c.Param("id"), "status": model.CandidateStatusRejected})
}

// Reimport 重新导入已批准的候选
// POST /api/v1/candidates/:id/reimport
func (h *CandidateHandler) Reimport(c *gin.Context) {
	req, ok := bindReview(c)
	if !ok {
		return
	}

	doc, err := h.svc.Candidates.Reimport(c.Request.Context(), c.Param("id"), req.review(c))
	if err != nil {
		Error(c, err)
		return
	}

	Success(c, gin.H{"document": doc})
}
