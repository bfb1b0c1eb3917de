// Package retriever 把查询转换为带相关度分数的分块列表
// 底层向量索引由 VectorIndex 抽象，默认实现为 Elasticsearch
package retriever

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/ashwinyue/stockqa/internal/logger"
	"go.uber.org/zap"
)

const (
	// MaxTopK 单次检索上限
	MaxTopK = 20
	// DefaultTopK 默认返回条数
	DefaultTopK = 5
)

// ChunkMetadata 分块元数据
type ChunkMetadata struct {
	DocumentID   string `json:"document_id"`
	KBID         string `json:"kb_id"`
	DocumentType string `json:"document_type,omitempty"`
	Title        string `json:"title,omitempty"`
	SectionTitle string `json:"section_title,omitempty"`
	SectionPath  string `json:"section_path,omitempty"`
	Version      string `json:"version,omitempty"`
	ChunkIndex   int    `json:"chunk_index"`
	Language     string `json:"language,omitempty"`
}

// Result 一条检索结果
type Result struct {
	ChunkID  string        `json:"chunk_id"`
	Content  string        `json:"content"`
	Score    float64       `json:"score"`
	Metadata ChunkMetadata `json:"metadata"`
}

// Entry 写入向量索引的分块
type Entry struct {
	ChunkID  string
	Content  string
	Metadata ChunkMetadata
}

// VectorIndex 向量索引
// 同一 chunk id 的 Add/Delete 需要线性一致：返回后对 Search 立即可见
type VectorIndex interface {
	Add(ctx context.Context, entries []Entry) error
	Delete(ctx context.Context, chunkIDs []string) error
	Search(ctx context.Context, query string, topK int, kbID string) ([]Result, error)
}

// Adapter 检索适配器
// 任何下游错误都被吸收为空结果，不向 Agent Driver 抛出
type Adapter struct {
	index    VectorIndex
	deadline time.Duration
	logger   *zap.Logger
}

// NewAdapter 创建检索适配器，deadline <= 0 时不单独设置超时
func NewAdapter(index VectorIndex, deadline time.Duration, l *zap.Logger) *Adapter {
	return &Adapter{
		index:    index,
		deadline: deadline,
		logger:   logger.OrNop(l).Named("retriever"),
	}
}

// Retrieve 检索 kbID 内与 query 最相关的至多 topK 个分块，分数非递增
func (a *Adapter) Retrieve(ctx context.Context, query, kbID string, topK int) []Result {
	if strings.TrimSpace(query) == "" || strings.TrimSpace(kbID) == "" {
		return []Result{}
	}
	if topK <= 0 {
		topK = DefaultTopK
	}
	if topK > MaxTopK {
		topK = MaxTopK
	}

	if a.deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.deadline)
		defer cancel()
	}

	hits, err := a.index.Search(ctx, query, topK, kbID)
	if err != nil {
		a.logger.Warn("vector search failed, returning empty results",
			zap.String("kb_id", kbID), zap.Error(err))
		return []Result{}
	}

	out := make([]Result, 0, len(hits))
	for _, h := range hits {
		// 严格按知识库过滤，不信任索引侧的过滤
		if h.Metadata.KBID != kbID {
			continue
		}
		h.Score = clamp01(h.Score)
		out = append(out, h)
	}

	// 索引通常已按分数排序，稳定排序只兜底保证非递增且保留同分顺序
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > topK {
		out = out[:topK]
	}
	return out
}

func clamp01(v float64) float64 {
	if v != v || v < 0 { // NaN
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
