package tool

import (
	"context"
	"time"

	"github.com/ashwinyue/stockqa/internal/errs"
	"github.com/ashwinyue/stockqa/internal/logger"
	"github.com/ashwinyue/stockqa/internal/model"
	"github.com/ashwinyue/stockqa/internal/service/search"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"
)

// ExternalSearchOutput perplexity_search 结果
type ExternalSearchOutput struct {
	ResultID      string           `json:"result_id"`
	Answer        string           `json:"answer"`
	Citations     []model.Citation `json:"citations"`
	CitationCount int              `json:"citation_count"`
	QueryTimeMs   int64            `json:"query_time_ms"`
	Query         string           `json:"query"`
	Provider      string           `json:"-"`
	RetryCount    int              `json:"-"`
}

// ExternalSearchTool 外部搜索工具
// 每次调用使用独立的超时，限流时重试一次
type ExternalSearchTool struct {
	provider search.Provider
	deadline time.Duration
	registry *Registry
	logger   *zap.Logger
}

// NewExternalSearchTool 创建外部搜索工具，deadline <= 0 时只受调用方 ctx 约束
func NewExternalSearchTool(p search.Provider, deadline time.Duration, registry *Registry, l *zap.Logger) *ExternalSearchTool {
	return &ExternalSearchTool{
		provider: p,
		deadline: deadline,
		registry: registry,
		logger:   logger.OrNop(l).Named("external_search"),
	}
}

// Search 执行外部搜索，失败时返回分类错误
// 出错时 out 仍然携带重试次数
func (t *ExternalSearchTool) Search(ctx context.Context, args *ExternalSearchArgs) (*ExternalSearchOutput, error) {
	out := &ExternalSearchOutput{Query: args.Query, Provider: t.provider.Name()}

	res, err := t.once(ctx, args)
	if errs.Is(err, errs.KindRateLimited) && ctx.Err() == nil {
		t.logger.Warn("external search rate limited, retrying once", zap.String("provider", out.Provider))
		out.RetryCount = 1
		res, err = t.once(ctx, args)
	}
	if err != nil {
		if ctx.Err() != nil && errs.Classify(err) == errs.KindInternal {
			err = ctx.Err()
		}
		return out, err
	}

	citations := res.Citations
	if citations == nil {
		citations = []model.Citation{}
	}
	for i := range citations {
		citations[i].Source = model.CitationExternal
	}
	out.ResultID = res.ID
	out.Answer = res.Answer
	out.Citations = citations
	out.CitationCount = len(citations)
	out.QueryTimeMs = res.QueryTime.Milliseconds()
	return out, nil
}

func (t *ExternalSearchTool) once(ctx context.Context, args *ExternalSearchArgs) (*search.Result, error) {
	if t.deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.deadline)
		defer cancel()
	}
	res, err := t.provider.Search(ctx, args.Query, args.AdditionalContext)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, errs.Unavailable(nil, "%s returned no result", t.provider.Name())
	}
	return res, nil
}

// Info 实现 tool.BaseTool
func (t *ExternalSearchTool) Info(context.Context) (*schema.ToolInfo, error) {
	return specInfo(t.registry, NamePerplexitySearch)
}

// InvokableRun 实现 tool.InvokableTool
func (t *ExternalSearchTool) InvokableRun(ctx context.Context, argumentsInJSON string, _ ...tool.Option) (string, error) {
	call, err := t.registry.Decode(NamePerplexitySearch, argumentsInJSON)
	if err != nil {
		return "", err
	}
	out, err := t.Search(ctx, call.Args.(*ExternalSearchArgs))
	if err != nil {
		return "", err
	}
	return marshalOutput(out)
}

var _ tool.InvokableTool = (*ExternalSearchTool)(nil)
