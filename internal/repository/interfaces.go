// Package repository 定义数据访问接口
// 接口抽象使依赖注入和单元测试成为可能
// 每个方法是一个独立的事务边界
package repository

import (
	"context"
	"time"

	"github.com/ashwinyue/stockqa/internal/model"
)

// ========== DocumentStore 接口 ==========

// DocumentFilter 文档列表过滤条件
type DocumentFilter struct {
	KnowledgeBaseID string
	Status          model.DocumentStatus
	Type            string
	Offset          int
	Limit           int
}

// DocumentStore 文档与分块元数据
type DocumentStore interface {
	// CreateDocument 在一个事务内写入文档行和全部分块行
	CreateDocument(ctx context.Context, doc *model.Document, chunks []*model.Chunk) error
	// ReplaceDocumentChunks 旧 active 分块置为 deleted，写入新分块并保存文档
	// prevVersion 与库中版本不一致时返回 invalid-state
	ReplaceDocumentChunks(ctx context.Context, doc *model.Document, prevVersion string, chunks []*model.Chunk) error
	// SoftDeleteDocument 文档和全部分块置为 deleted
	SoftDeleteDocument(ctx context.Context, doc *model.Document) error
	GetDocument(ctx context.Context, id string) (*model.Document, error)
	ListDocuments(ctx context.Context, filter DocumentFilter) ([]*model.Document, int64, error)
	ListChunks(ctx context.Context, documentID string) ([]*model.Chunk, error)
}

// ========== CandidateStore 接口 ==========

// CandidateFilter 候选列表过滤条件
type CandidateFilter struct {
	Status          model.CandidateStatus
	KnowledgeBaseID string
	Query           string
	Offset          int
	Limit           int
}

// CandidateStore 候选存储
type CandidateStore interface {
	// FindPendingByQuery 查找 original_query 完全相同的 pending 候选，不存在时返回 nil, nil
	FindPendingByQuery(ctx context.Context, queryHash, query string) (*model.Candidate, error)
	CreateCandidate(ctx context.Context, c *model.Candidate) error
	// IncrementHit 命中计数 +1
	IncrementHit(ctx context.Context, id string, seenAt time.Time) (*model.Candidate, error)
	GetCandidate(ctx context.Context, id string) (*model.Candidate, error)
	ListCandidates(ctx context.Context, filter CandidateFilter) ([]*model.Candidate, int64, error)
	// UpdateWithLock 在行锁内读取候选、执行 fn 并保存；fn 返回错误时回滚
	UpdateWithLock(ctx context.Context, id string, fn func(c *model.Candidate) error) (*model.Candidate, error)
	AttachKeywords(ctx context.Context, candidateID string, keywordIDs []string) error
}

// ========== ToolCallStore 接口 ==========

// ToolCallStore 工具调用记录
type ToolCallStore interface {
	SaveToolCalls(ctx context.Context, calls []*model.ToolCall) error
	ListToolCalls(ctx context.Context, turnID string) ([]*model.ToolCall, error)
}

// ========== KeywordStore 接口 ==========

// KeywordStore 关键词及关联
type KeywordStore interface {
	// UpsertKeyword 不存在则创建，已存在则 usage_count +1；created 表示是否新建
	UpsertKeyword(ctx context.Context, text string, usedAt time.Time) (kw *model.Keyword, created bool, err error)
	CreateAssociations(ctx context.Context, assocs []*model.KeywordAssociation) error
	KeywordIDsByExternalResult(ctx context.Context, externalResultID string) ([]string, error)
}

// 确保 gorm 实现满足接口
var (
	_ DocumentStore  = (*DocumentRepository)(nil)
	_ CandidateStore = (*CandidateRepository)(nil)
	_ ToolCallStore  = (*ToolCallRepository)(nil)
	_ KeywordStore   = (*KeywordRepository)(nil)
)
