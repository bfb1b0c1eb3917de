package search

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ashwinyue/stockqa/internal/errs"
	"github.com/ashwinyue/stockqa/internal/model"
	"github.com/google/uuid"
)

const (
	defaultPerplexityBase  = "https://api.perplexity.ai"
	defaultPerplexityModel = "sonar"

	perplexitySystemPrompt = "You are a precise financial research assistant. Answer concisely with verifiable facts and cite your sources."
)

// PerplexityConfig Perplexity 客户端配置
type PerplexityConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	// HTTPClient 为空时使用不带超时的默认客户端，超时由调用方的 ctx 控制
	HTTPClient *http.Client
}

// Perplexity chat-completions 搜索客户端
type Perplexity struct {
	apiKey  string
	baseURL string
	model   string
	client  *http.Client
}

// NewPerplexity 创建 Perplexity 客户端
func NewPerplexity(cfg PerplexityConfig) *Perplexity {
	base := cfg.BaseURL
	if base == "" {
		base = defaultPerplexityBase
	}
	m := cfg.Model
	if m == "" {
		m = defaultPerplexityModel
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	return &Perplexity{
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimSuffix(base, "/"),
		model:   m,
		client:  client,
	}
}

// Name 提供方名称
func (p *Perplexity) Name() string { return "perplexity" }

// Search 发起一次搜索
func (p *Perplexity) Search(ctx context.Context, query, additionalContext string) (*Result, error) {
	content := query
	if additionalContext != "" {
		content = query + "\n\nContext: " + additionalContext
	}
	body, err := json.Marshal(map[string]any{
		"model": p.model,
		"messages": []map[string]string{
			{"role": "system", "content": perplexitySystemPrompt},
			{"role": "user", "content": content},
		},
	})
	if err != nil {
		return nil, errs.Internal(err, "marshal perplexity request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, errs.Internal(err, "create perplexity request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, transportError(ctx, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, transportError(ctx, err)
	}
	elapsed := time.Since(start)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, errs.RateLimited(nil, "perplexity rate limited")
	case resp.StatusCode >= 500:
		return nil, errs.Unavailable(nil, "perplexity error (status %d)", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, errs.Unavailable(nil, "perplexity rejected request (status %d): %s", resp.StatusCode, snippet(respBody, 200))
	}

	var apiResp perplexityResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, errs.Unavailable(err, "parse perplexity response")
	}
	if len(apiResp.Choices) == 0 {
		return nil, errs.Unavailable(nil, "perplexity returned no choices")
	}

	id := apiResp.ID
	if id == "" {
		id = uuid.New().String()
	}
	return &Result{
		ID:        id,
		Answer:    strings.TrimSpace(apiResp.Choices[0].Message.Content),
		Citations: apiResp.citations(),
		QueryTime: elapsed,
		Provider:  p.Name(),
	}, nil
}

type perplexityResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Citations     []string `json:"citations"`
	SearchResults []struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Snippet string `json:"snippet"`
	} `json:"search_results"`
}

// citations 合并 search_results 和 citations 两种返回格式，按 URL 去重
func (r *perplexityResponse) citations() []model.Citation {
	out := make([]model.Citation, 0, len(r.SearchResults)+len(r.Citations))
	for _, sr := range r.SearchResults {
		if sr.URL == "" {
			continue
		}
		out = append(out, model.Citation{
			Source:  model.CitationExternal,
			Title:   sr.Title,
			URL:     sr.URL,
			Snippet: sr.Snippet,
		})
	}
	for _, u := range r.Citations {
		if u == "" {
			continue
		}
		out = append(out, model.Citation{Source: model.CitationExternal, URL: u})
	}
	return model.MergeCitations(out)
}

func transportError(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errs.Timeout(err, "perplexity request timed out")
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return errs.Unavailable(err, "perplexity request failed")
}

func snippet(b []byte, n int) string {
	s := string(b)
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}

var _ Provider = (*Perplexity)(nil)

// String 便于日志输出，不包含密钥
func (p *Perplexity) String() string {
	return fmt.Sprintf("perplexity(%s, %s)", p.baseURL, p.model)
}
