package tool

import (
	"context"

	"github.com/ashwinyue/stockqa/internal/service/keyword"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"
)

// KeywordIndexer 关键词索引
type KeywordIndexer interface {
	Index(ctx context.Context, req keyword.Request) (*keyword.Result, error)
}

// IndexKeywordsTool 关键词索引工具
type IndexKeywordsTool struct {
	indexer  KeywordIndexer
	registry *Registry
}

// NewIndexKeywordsTool 创建关键词索引工具
func NewIndexKeywordsTool(indexer KeywordIndexer, registry *Registry) *IndexKeywordsTool {
	return &IndexKeywordsTool{indexer: indexer, registry: registry}
}

// Index 写入关键词
func (t *IndexKeywordsTool) Index(ctx context.Context, args *IndexKeywordsArgs) (*keyword.Result, error) {
	return t.indexer.Index(ctx, keyword.Request{
		Keywords:         args.Keywords,
		QueryID:          args.QueryID,
		ExternalResultID: args.PerplexityResultID,
		SessionID:        args.SessionID,
	})
}

// Info 实现 tool.BaseTool
func (t *IndexKeywordsTool) Info(context.Context) (*schema.ToolInfo, error) {
	return specInfo(t.registry, NameIndexKeywords)
}

// InvokableRun 实现 tool.InvokableTool
func (t *IndexKeywordsTool) InvokableRun(ctx context.Context, argumentsInJSON string, _ ...tool.Option) (string, error) {
	call, err := t.registry.Decode(NameIndexKeywords, argumentsInJSON)
	if err != nil {
		return "", err
	}
	res, err := t.Index(ctx, call.Args.(*IndexKeywordsArgs))
	if err != nil {
		return "", err
	}
	return marshalOutput(res)
}

var _ tool.InvokableTool = (*IndexKeywordsTool)(nil)
