package service

import (
	"context"
	"fmt"
	"net/http"

	"github.com/ashwinyue/stockqa/internal/config"
	"github.com/ashwinyue/stockqa/internal/service/search"
)

// newSearchProvider 按 search.provider 创建外部搜索提供方
func newSearchProvider(ctx context.Context, cfg *config.Config) (search.Provider, error) {
	sc := cfg.Search
	switch sc.Provider {
	case "perplexity", "":
		if sc.Perplexity.APIKey == "" {
			return nil, fmt.Errorf("search.perplexity.api_key is required")
		}
		return search.NewPerplexity(search.PerplexityConfig{
			APIKey:  sc.Perplexity.APIKey,
			BaseURL: sc.Perplexity.BaseURL,
			Model:   sc.Perplexity.Model,
			// 超时由 external_deadline 通过 ctx 控制
			HTTPClient: &http.Client{},
		}), nil
	case "duckduckgo":
		t, err := search.NewDuckDuckGoTool(ctx, sc.DuckDuckGo.MaxResults)
		if err != nil {
			return nil, fmt.Errorf("failed to create duckduckgo tool: %w", err)
		}
		return search.NewDuckDuckGo(t), nil
	default:
		return nil, fmt.Errorf("unsupported search provider: %s", sc.Provider)
	}
}
