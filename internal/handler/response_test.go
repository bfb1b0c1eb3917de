package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ashwinyue/stockqa/internal/errs"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// ========== Error 测试 ==========

func TestStatusFor(t *testing.T) {
	tests := []struct {
		kind errs.Kind
		want int
	}{
		{errs.KindValidation, http.StatusBadRequest},
		{errs.KindNotFound, http.StatusNotFound},
		{errs.KindInvalidState, http.StatusConflict},
		{errs.KindRateLimited, http.StatusTooManyRequests},
		{errs.KindTimeout, http.StatusGatewayTimeout},
		{errs.KindDependencyUnavailable, http.StatusServiceUnavailable},
		{errs.KindInternal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StatusFor(tt.kind), tt.kind)
	}
	assert.Len(t, tests, len(errs.Kinds()))
}

func TestError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		kind   string
	}{
		{"not found", errs.NotFound("document %s not found", "d-1"), http.StatusNotFound, "not-found"},
		{"invalid state", errs.InvalidState("candidate is already approved"), http.StatusConflict, "invalid-state"},
		{"unclassified", errors.New("boom"), http.StatusInternalServerError, "internal"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			Error(c, tt.err)

			assert.Equal(t, tt.status, w.Code)
			var body ErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, tt.status, body.Code)
			assert.Equal(t, tt.kind, body.Kind)
			assert.NotEmpty(t, body.Msg)
		})
	}
}

func TestSuccessWithPagination(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	SuccessWithPagination(c, []string{"a", "b"}, 5, 1, 2)

	var body struct {
		Success bool           `json:"success"`
		Data    PaginationData `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.True(t, body.Success)
	assert.Equal(t, int64(5), body.Data.Total)
	assert.Equal(t, 3, body.Data.TotalPages)
	assert.Equal(t, 2, body.Data.PageSize)
}
