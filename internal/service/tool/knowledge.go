package tool

import (
	"context"
	"encoding/json"
	"unicode/utf8"

	"github.com/ashwinyue/stockqa/internal/model"
	"github.com/ashwinyue/stockqa/internal/service/retriever"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"
)

const snippetRunes = 300

// Retriever 检索适配器
type Retriever interface {
	Retrieve(ctx context.Context, query, kbID string, topK int) []retriever.Result
}

// KnowledgeSearchOutput knowledge_base_search 结果
type KnowledgeSearchOutput struct {
	Results     []retriever.Result `json:"results"`
	ResultCount int                `json:"result_count"`
	Citations   []model.Citation   `json:"citations"`
	Query       string             `json:"query"`
	KBID        string             `json:"kb_id"`
}

// KnowledgeSearchTool 知识库检索工具，检索失败时返回空结果而不是错误
type KnowledgeSearchTool struct {
	retriever Retriever
	registry  *Registry
}

// NewKnowledgeSearchTool 创建知识库检索工具
func NewKnowledgeSearchTool(r Retriever, registry *Registry) *KnowledgeSearchTool {
	return &KnowledgeSearchTool{retriever: r, registry: registry}
}

// Search 执行检索
func (t *KnowledgeSearchTool) Search(ctx context.Context, args *KnowledgeSearchArgs) *KnowledgeSearchOutput {
	results := t.retriever.Retrieve(ctx, args.Query, args.KBID, args.TopK)
	if results == nil {
		results = []retriever.Result{}
	}
	return &KnowledgeSearchOutput{
		Results:     results,
		ResultCount: len(results),
		Citations:   InternalCitations(results),
		Query:       args.Query,
		KBID:        args.KBID,
	}
}

// InternalCitations 由检索结果生成内部引用，同一文档只保留分数最高的一条
func InternalCitations(results []retriever.Result) []model.Citation {
	out := make([]model.Citation, 0, len(results))
	for _, r := range results {
		score := r.Score
		title := r.Metadata.Title
		if title == "" {
			title = r.Metadata.SectionTitle
		}
		section := r.Metadata.SectionPath
		if section == "" {
			section = r.Metadata.SectionTitle
		}
		out = append(out, model.Citation{
			Source:     model.CitationInternal,
			DocumentID: r.Metadata.DocumentID,
			Title:      title,
			Section:    section,
			Score:      &score,
			Snippet:    truncateSnippet(r.Content),
		})
	}
	return model.MergeCitations(out)
}

func truncateSnippet(s string) string {
	if utf8.RuneCountInString(s) <= snippetRunes {
		return s
	}
	return string([]rune(s)[:snippetRunes]) + "..."
}

// Info 实现 tool.BaseTool
func (t *KnowledgeSearchTool) Info(context.Context) (*schema.ToolInfo, error) {
	return specInfo(t.registry, NameKnowledgeSearch)
}

// InvokableRun 实现 tool.InvokableTool
func (t *KnowledgeSearchTool) InvokableRun(ctx context.Context, argumentsInJSON string, _ ...tool.Option) (string, error) {
	call, err := t.registry.Decode(NameKnowledgeSearch, argumentsInJSON)
	if err != nil {
		return "", err
	}
	return marshalOutput(t.Search(ctx, call.Args.(*KnowledgeSearchArgs)))
}

func specInfo(r *Registry, name string) (*schema.ToolInfo, error) {
	spec, ok := r.Validator().Spec(name)
	if !ok {
		return nil, errUnknown(name)
	}
	return spec.ToolInfo(), nil
}

func marshalOutput(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

var _ tool.InvokableTool = (*KnowledgeSearchTool)(nil)
