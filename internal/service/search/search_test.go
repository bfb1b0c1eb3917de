package search

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ashwinyue/stockqa/internal/errs"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ========== Perplexity 测试 ==========

func newPerplexityServer(t *testing.T, handler http.HandlerFunc) *Perplexity {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewPerplexity(PerplexityConfig{APIKey: "pplx-test", BaseURL: srv.URL + "/", Model: "sonar-pro"})
}

func TestPerplexitySearch(t *testing.T) {
	var got map[string]any
	p := newPerplexityServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer pplx-test", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{
			"id": "resp-1",
			"choices": [{"message": {"content": "  NVDA beat estimates.  "}}],
			"search_results": [{"title": "Reuters", "url": "https://reuters.example/nvda", "snippet": "beat"}],
			"citations": ["https://reuters.example/nvda", "https://bloomberg.example/nvda"]
		}`))
	})

	res, err := p.Search(context.Background(), "NVDA earnings", "Q2 2025")
	require.NoError(t, err)
	assert.Equal(t, "resp-1", res.ID)
	assert.Equal(t, "NVDA beat estimates.", res.Answer)
	assert.Equal(t, "perplexity", res.Provider)
	require.Len(t, res.Citations, 2)
	assert.Equal(t, "Reuters", res.Citations[0].Title)
	assert.Equal(t, "https://bloomberg.example/nvda", res.Citations[1].URL)

	assert.Equal(t, "sonar-pro", got["model"])
	msgs := got["messages"].([]any)
	require.Len(t, msgs, 2)
	assert.Contains(t, msgs[1].(map[string]any)["content"], "Context: Q2 2025")
	assert.NotContains(t, p.String(), "pplx-test")
}

func TestPerplexityErrorKinds(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   errs.Kind
	}{
		{"rate limited", http.StatusTooManyRequests, `{}`, errs.KindRateLimited},
		{"server error", http.StatusBadGateway, `{}`, errs.KindDependencyUnavailable},
		{"client error", http.StatusBadRequest, `{"error":"bad"}`, errs.KindDependencyUnavailable},
		{"no choices", http.StatusOK, `{"choices":[]}`, errs.KindDependencyUnavailable},
		{"bad json", http.StatusOK, `not json`, errs.KindDependencyUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newPerplexityServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			_, err := p.Search(context.Background(), "q", "")
			require.Error(t, err)
			assert.Equal(t, tt.want, errs.Classify(err))
		})
	}
}

func TestPerplexityTimeout(t *testing.T) {
	release := make(chan struct{})
	p := newPerplexityServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := p.Search(ctx, "q", "")
	require.Error(t, err)
	assert.Equal(t, errs.KindTimeout, errs.Classify(err))
}

func TestPerplexityDefaults(t *testing.T) {
	p := NewPerplexity(PerplexityConfig{})
	assert.Equal(t, defaultPerplexityBase, p.baseURL)
	assert.Equal(t, defaultPerplexityModel, p.model)
}

// ========== DuckDuckGo 测试 ==========

type fakeTool struct {
	out  string
	err  error
	args string
}

func (f *fakeTool) Info(context.Context) (*schema.ToolInfo, error) {
	return &schema.ToolInfo{Name: "web_search"}, nil
}

func (f *fakeTool) InvokableRun(_ context.Context, args string, _ ...tool.Option) (string, error) {
	f.args = args
	return f.out, f.err
}

func TestDuckDuckGoSearch(t *testing.T) {
	ft := &fakeTool{out: `{"message":"ok","results":[
		{"title":"Apple IR","url":"https://apple.example/ir","summary":"Revenue up 5%"},
		{"title":"dup","url":"https://apple.example/ir","summary":"again"},
		{"title":"no url","url":"","summary":"skip"}
	]}`}
	d := NewDuckDuckGo(ft)

	res, err := d.Search(context.Background(), "apple revenue", "ignored")
	require.NoError(t, err)
	assert.JSONEq(t, `{"query":"apple revenue"}`, ft.args)
	assert.Equal(t, "duckduckgo", res.Provider)
	assert.NotEmpty(t, res.ID)
	require.Len(t, res.Citations, 1)
	assert.Equal(t, "https://apple.example/ir", res.Citations[0].URL)
	assert.Contains(t, res.Answer, "Revenue up 5%")
}

func TestDuckDuckGoErrors(t *testing.T) {
	d := NewDuckDuckGo(&fakeTool{err: errors.New("rate limit exceeded")})
	_, err := d.Search(context.Background(), "q", "")
	assert.Equal(t, errs.KindRateLimited, errs.Classify(err))

	d = NewDuckDuckGo(&fakeTool{err: errors.New("connection reset")})
	_, err = d.Search(context.Background(), "q", "")
	assert.Equal(t, errs.KindDependencyUnavailable, errs.Classify(err))

	d = NewDuckDuckGo(&fakeTool{out: "<html>"})
	_, err = d.Search(context.Background(), "q", "")
	assert.Equal(t, errs.KindDependencyUnavailable, errs.Classify(err))

	d = NewDuckDuckGo(&fakeTool{err: context.Canceled})
	_, err = d.Search(context.Background(), "q", "")
	assert.ErrorIs(t, err, context.Canceled)
}
