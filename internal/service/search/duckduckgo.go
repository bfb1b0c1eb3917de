package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ashwinyue/stockqa/internal/errs"
	"github.com/ashwinyue/stockqa/internal/model"
	"github.com/cloudwego/eino-ext/components/tool/duckduckgo/v2"
	"github.com/cloudwego/eino/components/tool"
	"github.com/google/uuid"
)

// NewDuckDuckGoTool 创建 eino-ext DuckDuckGo 文本搜索工具
func NewDuckDuckGoTool(ctx context.Context, maxResults int) (tool.InvokableTool, error) {
	if maxResults <= 0 {
		maxResults = 5
	}
	t, err := duckduckgo.NewTextSearchTool(ctx, &duckduckgo.Config{
		ToolName:   "web_search",
		ToolDesc:   "Search the web using DuckDuckGo.",
		MaxResults: maxResults,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create duckduckgo tool: %w", err)
	}
	return t, nil
}

// DuckDuckGo 基于 DuckDuckGo 文本搜索的外部搜索
// DuckDuckGo 只返回链接和摘要，答案由摘要拼接而成
type DuckDuckGo struct {
	tool tool.InvokableTool
}

// NewDuckDuckGo 包装一个 DuckDuckGo 搜索工具
func NewDuckDuckGo(t tool.InvokableTool) *DuckDuckGo {
	return &DuckDuckGo{tool: t}
}

// Name 提供方名称
func (d *DuckDuckGo) Name() string { return "duckduckgo" }

type ddgRequest struct {
	Query string `json:"query"`
}

type ddgResponse struct {
	Message string `json:"message"`
	Results []struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Summary string `json:"summary"`
	} `json:"results"`
}

// Search 发起一次搜索，additionalContext 不参与查询
func (d *DuckDuckGo) Search(ctx context.Context, query, additionalContext string) (*Result, error) {
	args, err := json.Marshal(ddgRequest{Query: query})
	if err != nil {
		return nil, errs.Internal(err, "marshal duckduckgo request")
	}

	start := time.Now()
	out, err := d.tool.InvokableRun(ctx, string(args))
	if err != nil {
		switch {
		case errors.Is(err, context.Canceled):
			return nil, err
		case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
			return nil, errs.Timeout(err, "duckduckgo search timed out")
		case strings.Contains(strings.ToLower(err.Error()), "rate"):
			return nil, errs.RateLimited(err, "duckduckgo rate limited")
		default:
			return nil, errs.Unavailable(err, "duckduckgo search failed")
		}
	}

	var resp ddgResponse
	if err := json.Unmarshal([]byte(out), &resp); err != nil {
		return nil, errs.Unavailable(err, "parse duckduckgo response")
	}

	var sb strings.Builder
	citations := make([]model.Citation, 0, len(resp.Results))
	for _, r := range resp.Results {
		if r.URL == "" {
			continue
		}
		citations = append(citations, model.Citation{
			Source:  model.CitationExternal,
			Title:   r.Title,
			URL:     r.URL,
			Snippet: r.Summary,
		})
		if r.Summary != "" {
			fmt.Fprintf(&sb, "- %s: %s\n", r.Title, r.Summary)
		}
	}

	return &Result{
		ID:        uuid.New().String(),
		Answer:    strings.TrimSpace(sb.String()),
		Citations: model.MergeCitations(citations),
		QueryTime: time.Since(start),
		Provider:  d.Name(),
	}, nil
}

var _ Provider = (*DuckDuckGo)(nil)
