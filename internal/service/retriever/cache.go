package retriever

import (
	"context"
	"sync"
)

type queryCacheKey struct{}

// queryCache 一个轮次内的查询向量缓存
type queryCache struct {
	mu      sync.Mutex
	vectors map[string][]float64
}

// WithQueryCache 为 ctx 挂载轮次级查询向量缓存
// 轮次结束 ctx 不再使用时缓存随之释放
func WithQueryCache(ctx context.Context) context.Context {
	if _, ok := ctx.Value(queryCacheKey{}).(*queryCache); ok {
		return ctx
	}
	return context.WithValue(ctx, queryCacheKey{}, &queryCache{vectors: make(map[string][]float64)})
}

func cachedVector(ctx context.Context, query string) ([]float64, bool) {
	c, ok := ctx.Value(queryCacheKey{}).(*queryCache)
	if !ok {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.vectors[query]
	return v, ok
}

func storeVector(ctx context.Context, query string, v []float64) {
	c, ok := ctx.Value(queryCacheKey{}).(*queryCache)
	if !ok {
		return
	}
	c.mu.Lock()
	c.vectors[query] = v
	c.mu.Unlock()
}
