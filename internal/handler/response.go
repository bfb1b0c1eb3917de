package handler

import (
	"net/http"

	"github.com/ashwinyue/stockqa/internal/errs"
	"github.com/gin-gonic/gin"
)

// SuccessResponse 成功响应
type SuccessResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
}

// ErrorResponse 错误响应
type ErrorResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Kind string `json:"kind,omitempty"`
}

// Success 成功响应 (200)
func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, SuccessResponse{Success: true, Data: data})
}

// Created 创建成功响应 (201)
func Created(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, SuccessResponse{Success: true, Data: data})
}

// NoContent 无内容响应 (204)
func NoContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}

// BadRequest 400 错误响应
func BadRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, ErrorResponse{Code: http.StatusBadRequest, Msg: msg, Kind: string(errs.KindValidation)})
}

// NotFound 404 错误响应
func NotFound(c *gin.Context, msg string) {
	c.JSON(http.StatusNotFound, ErrorResponse{Code: http.StatusNotFound, Msg: msg, Kind: string(errs.KindNotFound)})
}

// StatusFor 错误类别对应的 HTTP 状态码
func StatusFor(kind errs.Kind) int {
	switch kind {
	case errs.KindValidation:
		return http.StatusBadRequest
	case errs.KindNotFound:
		return http.StatusNotFound
	case errs.KindInvalidState:
		return http.StatusConflict
	case errs.KindRateLimited:
		return http.StatusTooManyRequests
	case errs.KindTimeout:
		return http.StatusGatewayTimeout
	case errs.KindDependencyUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Error 根据错误类别返回相应的错误响应
func Error(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	kind := errs.Classify(err)
	status := StatusFor(kind)
	c.JSON(status, ErrorResponse{Code: status, Msg: errs.Reason(err), Kind: string(kind)})
}

// PaginationData 分页响应数据结构
type PaginationData struct {
	Items      interface{} `json:"items"`
	Total      int64       `json:"total"`
	Page       int         `json:"page"`
	PageSize   int         `json:"page_size"`
	TotalPages int         `json:"total_pages,omitempty"`
}

// SuccessWithPagination 分页成功响应
func SuccessWithPagination(c *gin.Context, items interface{}, total int64, page, pageSize int) {
	totalPages := int(total) / pageSize
	if int(total)%pageSize > 0 {
		totalPages++
	}
	c.JSON(http.StatusOK, SuccessResponse{
		Success: true,
		Data: PaginationData{
			Items:      items,
			Total:      total,
			Page:       page,
			PageSize:   pageSize,
			TotalPages: totalPages,
		},
	})
}
