// Package search 外部搜索提供方
// 默认使用 Perplexity，也可以切换到 DuckDuckGo
package search

import (
	"context"
	"time"

	"github.com/ashwinyue/stockqa/internal/model"
)

// Result 一次外部搜索的结果
type Result struct {
	// ID 结果标识，用于关联关键词和候选
	ID        string
	Answer    string
	Citations []model.Citation
	QueryTime time.Duration
	Provider  string
}

// Provider 外部搜索提供方
// 失败时返回 errs 分类错误：限流 rate-limited，超时 timeout，其余 dependency-unavailable
type Provider interface {
	Name() string
	Search(ctx context.Context, query, additionalContext string) (*Result, error)
}
