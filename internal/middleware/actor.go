package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	// ActorHeader 调用方身份请求头
	ActorHeader = "X-User-ID"
	// AnonymousActor 未提供身份时使用的默认值
	AnonymousActor = "anonymous"

	actorKey = "actor"
)

// ActorMiddleware 从请求头读取调用方身份，不做认证
func ActorMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor := strings.TrimSpace(c.GetHeader(ActorHeader))
		if actor == "" {
			actor = AnonymousActor
		}
		if len(actor) > 100 {
			actor = actor[:100]
		}
		c.Set(actorKey, actor)
		c.Next()
	}
}

// GetActor 从上下文获取调用方身份
func GetActor(c *gin.Context) string {
	if v, exists := c.Get(actorKey); exists {
		if actor, ok := v.(string); ok && actor != "" {
			return actor
		}
	}
	return AnonymousActor
}
