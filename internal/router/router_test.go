package router

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ashwinyue/stockqa/internal/config"
	"github.com/ashwinyue/stockqa/internal/handler"
	"github.com/ashwinyue/stockqa/internal/metrics"
	"github.com/ashwinyue/stockqa/internal/model"
	"github.com/ashwinyue/stockqa/internal/service"
	"github.com/ashwinyue/stockqa/internal/service/agent"
	"github.com/ashwinyue/stockqa/internal/service/candidate"
	"github.com/ashwinyue/stockqa/internal/service/keyword"
	"github.com/ashwinyue/stockqa/internal/service/knowledge"
	"github.com/ashwinyue/stockqa/internal/service/retriever"
	"github.com/ashwinyue/stockqa/internal/service/session"
	"github.com/ashwinyue/stockqa/internal/service/tool"
	"github.com/ashwinyue/stockqa/internal/testutil"
	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// searchThenAnswer 第一次调用知识库检索，拿到工具结果后给出答案
type searchThenAnswer struct{}

func (m searchThenAnswer) Generate(_ context.Context, input []*schema.Message, _ ...einomodel.Option) (*schema.Message, error) {
	last := input[len(input)-1]
	if last.Role == schema.Tool {
		return &schema.Message{Role: schema.Assistant, ToolCalls: []schema.ToolCall{{
			ID: "c2", Type: "function",
			Function: schema.FunctionCall{Name: tool.NameGenerateResponse, Arguments: `{"response":"Diversify across sectors.","confidence_score":0.9}`},
		}}}, nil
	}
	return &schema.Message{Role: schema.Assistant, ToolCalls: []schema.ToolCall{{
		ID: "c1", Type: "function",
		Function: schema.FunctionCall{Name: tool.NameKnowledgeSearch, Arguments: `{"query":"diversify sectors"}`},
	}}}, nil
}

func (m searchThenAnswer) Stream(context.Context, []*schema.Message, ...einomodel.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, assert.AnError
}

func (m searchThenAnswer) WithTools([]*schema.ToolInfo) (einomodel.ToolCallingChatModel, error) {
	return m, nil
}

type fixture struct {
	engine     *gin.Engine
	svc        *service.Services
	candidates *testutil.MemoryCandidateStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	chunker, err := knowledge.NewChunker(ctx, knowledge.ChunkerConfig{})
	require.NoError(t, err)
	index := testutil.NewMemoryIndex()
	m := metrics.NewNop()
	sessions := session.NewStore(session.Config{TTL: time.Hour, Metrics: m}, nil)
	docs := knowledge.NewService(knowledge.Config{
		Store:    testutil.NewMemoryDocumentStore(),
		Index:    index,
		Splitter: chunker,
	}, nil)
	keywords := keyword.NewService(testutil.NewMemoryKeywordStore(), nil)
	candidates := testutil.NewMemoryCandidateStore()
	curator := candidate.NewCurator(candidate.Config{
		Store:     candidates,
		Documents: docs,
		Keywords:  keywords,
		Metrics:   m,
		Dedup:     true,
	}, nil)

	registry := tool.NewDefaultRegistry()
	driver, err := agent.NewDriver(agent.Config{
		Model:      searchThenAnswer{},
		Knowledge:  tool.NewKnowledgeSearchTool(retriever.NewAdapter(index, time.Second, nil), registry),
		Keywords:   tool.NewIndexKeywordsTool(keywords, registry),
		Sessions:   sessions,
		Candidates: curator,
		Metrics:    m,
		Policy:     config.AgentConfig{KBConfidenceThreshold: 0.6, MaxToolIterations: 5},
	}, nil)
	require.NoError(t, err)

	svc := &service.Services{
		Config:     &config.Config{},
		Metrics:    m,
		Sessions:   sessions,
		Documents:  docs,
		Keywords:   keywords,
		Candidates: curator,
		Agent:      driver,
	}
	return &fixture{
		engine:     SetupRouter(handler.NewHandlers(svc), nil),
		svc:        svc,
		candidates: candidates,
	}
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Code    int             `json:"code"`
	Msg     string          `json:"msg"`
	Kind    string          `json:"kind"`
}

func (f *fixture) do(t *testing.T, method, path, actor string, body any) (int, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if actor != "" {
		req.Header.Set("X-User-ID", actor)
	}
	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, req)

	var env envelope
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	}
	return w.Code, env
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}

// ========== Document 路由测试 ==========

func TestDocumentLifecycle(t *testing.T) {
	f := newFixture(t)

	code, env := f.do(t, http.MethodPost, "/api/v1/documents", "alice", map[string]any{
		"title":   "Diversification",
		"content": "Diversify across sectors to reduce concentration risk.",
		"type":    "guide",
	})
	require.Equal(t, http.StatusCreated, code, env.Msg)
	doc := decode[model.Document](t, env.Data)
	assert.Equal(t, "alice", doc.Author)
	assert.Equal(t, "default", doc.KnowledgeBaseID)

	code, env = f.do(t, http.MethodGet, "/api/v1/documents?kb_id=default&page=1&page_size=10", "", nil)
	require.Equal(t, http.StatusOK, code)
	page := decode[handler.PaginationData](t, env.Data)
	assert.Equal(t, int64(1), page.Total)
	assert.Equal(t, 10, page.PageSize)

	code, env = f.do(t, http.MethodGet, "/api/v1/documents/"+doc.ID, "", nil)
	require.Equal(t, http.StatusOK, code)
	detail := decode[struct {
		Document model.Document `json:"document"`
		Chunks   []model.Chunk  `json:"chunks"`
	}](t, env.Data)
	assert.Equal(t, doc.ID, detail.Document.ID)
	assert.NotEmpty(t, detail.Chunks)

	code, env = f.do(t, http.MethodPut, "/api/v1/documents/"+doc.ID, "bob", map[string]any{
		"title":   "Diversification",
		"content": "Diversify across sectors and regions.",
	})
	require.Equal(t, http.StatusOK, code, env.Msg)
	assert.NotEqual(t, doc.Version, decode[model.Document](t, env.Data).Version)

	code, _ = f.do(t, http.MethodDelete, "/api/v1/documents/"+doc.ID, "bob", nil)
	assert.Equal(t, http.StatusNoContent, code)
}

func TestDocumentErrors(t *testing.T) {
	f := newFixture(t)

	code, env := f.do(t, http.MethodPost, "/api/v1/documents", "", map[string]any{"title": " ", "content": "x"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "validation", env.Kind)

	code, env = f.do(t, http.MethodGet, "/api/v1/documents/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "not-found", env.Kind)
}

// ========== Query / Session 路由测试 ==========

func TestQueryAndSession(t *testing.T) {
	f := newFixture(t)
	code, _ := f.do(t, http.MethodPost, "/api/v1/documents", "alice", map[string]any{
		"title":   "Diversification",
		"content": "Diversify across sectors to reduce concentration risk.",
	})
	require.Equal(t, http.StatusCreated, code)

	code, env := f.do(t, http.MethodPost, "/api/v1/sessions", "", nil)
	require.Equal(t, http.StatusCreated, code)
	sessionID := decode[map[string]string](t, env.Data)["id"]
	require.NotEmpty(t, sessionID)

	code, env = f.do(t, http.MethodPost, "/api/v1/query", "", map[string]any{
		"query":      "Should I diversify across sectors?",
		"session_id": sessionID,
	})
	require.Equal(t, http.StatusOK, code, env.Msg)
	res := decode[agent.TurnResult](t, env.Data)
	assert.Equal(t, "Diversify across sectors.", res.Answer)
	assert.Equal(t, sessionID, res.SessionID)
	assert.False(t, res.UsedExternal)

	code, env = f.do(t, http.MethodGet, "/api/v1/sessions/"+sessionID+"/messages", "", nil)
	require.Equal(t, http.StatusOK, code)
	msgs := decode[struct {
		Messages []session.Message `json:"messages"`
	}](t, env.Data).Messages
	require.GreaterOrEqual(t, len(msgs), 2)
	assert.Equal(t, schema.User, msgs[0].Role)

	code, _ = f.do(t, http.MethodDelete, "/api/v1/sessions/"+sessionID, "", nil)
	assert.Equal(t, http.StatusNoContent, code)
	code, _ = f.do(t, http.MethodGet, "/api/v1/sessions/"+sessionID+"/messages", "", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestQueryValidation(t *testing.T) {
	f := newFixture(t)

	code, env := f.do(t, http.MethodPost, "/api/v1/query", "", map[string]any{"query": "   "})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "validation", env.Kind)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/query", bytes.NewBufferString("{not json"))
	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// ========== Candidate 路由测试 ==========

func (f *fixture) propose(t *testing.T, query string) *model.Candidate {
	t.Helper()
	p, err := f.svc.Candidates.Propose(context.Background(), candidate.ProposeRequest{
		Query:  query,
		Answer: "Gold rallied on safe-haven demand.",
		Citations: []model.Citation{
			{Source: model.CitationExternal, URL: "https://news.example.com/gold", Title: "Gold"},
		},
	})
	require.NoError(t, err)
	require.NotNil(t, p)
	return p.Candidate
}

func TestCandidateReview(t *testing.T) {
	f := newFixture(t)
	cand := f.propose(t, "Why did gold rally?")

	code, env := f.do(t, http.MethodGet, "/api/v1/candidates?status=pending", "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, int64(1), decode[handler.PaginationData](t, env.Data).Total)

	// 匿名且未填写审核人
	code, env = f.do(t, http.MethodPost, "/api/v1/candidates/"+cand.ID+"/approve", "", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "validation", env.Kind)

	code, env = f.do(t, http.MethodPost, "/api/v1/candidates/"+cand.ID+"/approve", "carol", map[string]any{"notes": "ok"})
	require.Equal(t, http.StatusOK, code, env.Msg)
	doc := decode[struct {
		Document model.Document `json:"document"`
	}](t, env.Data).Document
	assert.Equal(t, "carol", doc.Author)

	code, env = f.do(t, http.MethodGet, "/api/v1/candidates/"+cand.ID, "", nil)
	require.Equal(t, http.StatusOK, code)
	got := decode[model.Candidate](t, env.Data)
	assert.Equal(t, model.CandidateStatusApproved, got.Status)
	assert.Equal(t, "carol", got.Reviewer)

	code, env = f.do(t, http.MethodPost, "/api/v1/candidates/"+cand.ID+"/reject", "", map[string]any{"reviewer": "dave"})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "invalid-state", env.Kind)

	code, _ = f.do(t, http.MethodPost, "/api/v1/candidates/"+cand.ID+"/reimport", "", map[string]any{"reviewer": "dave"})
	assert.Equal(t, http.StatusOK, code)
}

func TestCandidateModifyAndReject(t *testing.T) {
	f := newFixture(t)
	modified := f.propose(t, "Why did gold rally?")
	rejected := f.propose(t, "Is silver a hedge?")

	code, _ := f.do(t, http.MethodPost, "/api/v1/candidates/"+modified.ID+"/modify", "", map[string]any{"reviewer": "erin"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, env := f.do(t, http.MethodPost, "/api/v1/candidates/"+modified.ID+"/modify", "", map[string]any{
		"reviewer": "erin",
		"request":  map[string]any{"title": "Gold rally drivers", "content": "Safe-haven demand lifted gold."},
	})
	require.Equal(t, http.StatusOK, code, env.Msg)
	assert.Equal(t, "Gold rally drivers", decode[struct {
		Document model.Document `json:"document"`
	}](t, env.Data).Document.Title)

	code, _ = f.do(t, http.MethodPost, "/api/v1/candidates/"+rejected.ID+"/reject", "", map[string]any{"reviewer": "erin"})
	require.Equal(t, http.StatusOK, code)
	c, err := f.candidates.GetCandidate(context.Background(), rejected.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CandidateStatusRejected, c.Status)

	code, env = f.do(t, http.MethodPost, "/api/v1/candidates/missing/approve", "", map[string]any{"reviewer": "erin"})
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "not-found", env.Kind)
}

// ========== System 路由测试 ==========

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())

	f.propose(t, "Why did gold rally?")
	code, env := f.do(t, http.MethodGet, "/api/v1/metrics", "", nil)
	require.Equal(t, http.StatusOK, code)
	snap := decode[map[string]any](t, env.Data)
	assert.Contains(t, snap, "counters")
	assert.Contains(t, snap, "sessions")
}
