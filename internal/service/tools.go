package service

import (
	"github.com/ashwinyue/stockqa/internal/config"
	"github.com/ashwinyue/stockqa/internal/service/keyword"
	"github.com/ashwinyue/stockqa/internal/service/retriever"
	"github.com/ashwinyue/stockqa/internal/service/search"
	"github.com/ashwinyue/stockqa/internal/service/tool"
	"go.uber.org/zap"
)

// toolset 驱动使用的工具适配器
type toolset struct {
	knowledge *tool.KnowledgeSearchTool
	// external 为空表示未配置外部搜索
	external *tool.ExternalSearchTool
	keywords *tool.IndexKeywordsTool
}

// newToolset 创建工具适配器，共享同一个参数注册表
func newToolset(cfg *config.Config, index retriever.VectorIndex, provider search.Provider, keywords *keyword.Service, l *zap.Logger) *toolset {
	registry := tool.NewDefaultRegistry()
	ts := &toolset{
		knowledge: tool.NewKnowledgeSearchTool(retriever.NewAdapter(index, cfg.Agent.RetrievalDeadline, l), registry),
		keywords:  tool.NewIndexKeywordsTool(keywords, registry),
	}
	if provider != nil {
		ts.external = tool.NewExternalSearchTool(provider, cfg.Agent.ExternalDeadline, registry, l)
	}
	return ts
}
