package middleware

import (
	"net/http"

	"github.com/ashwinyue/stockqa/internal/logger"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RecoveryMiddleware 恢复中间件
func RecoveryMiddleware(l *zap.Logger) gin.HandlerFunc {
	l = logger.OrNop(l).Named("http")
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				l.Error("panic recovered",
					zap.Any("panic", err),
					zap.String("path", c.Request.URL.Path),
					zap.Stack("stack"))
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"code": http.StatusInternalServerError,
					"msg":  "internal server error",
				})
			}
		}()
		c.Next()
	}
}
