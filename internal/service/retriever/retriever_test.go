package retriever

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/cloudwego/eino/components/embedding"
	"github.com/elastic/go-elasticsearch/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ========== mock 实现 ==========

type mockIndex struct {
	results []Result
	err     error
	calls   int
}

func (m *mockIndex) Add(context.Context, []Entry) error      { return nil }
func (m *mockIndex) Delete(context.Context, []string) error { return nil }
func (m *mockIndex) Search(_ context.Context, _ string, _ int, _ string) ([]Result, error) {
	m.calls++
	return m.results, m.err
}

type mockEmbedder struct {
	calls atomic.Int32
}

func (m *mockEmbedder) EmbedStrings(_ context.Context, texts []string, _ ...embedding.Option) ([][]float64, error) {
	m.calls.Add(1)
	out := make([][]float64, len(texts))
	for i := range texts {
		out[i] = []float64{0.1, 0.2, 0.3}
	}
	return out, nil
}

func hit(id, kb string, score float64) Result {
	return Result{ChunkID: id, Content: "content " + id, Score: score, Metadata: ChunkMetadata{DocumentID: "doc-" + id, KBID: kb}}
}

// ========== Adapter 测试 ==========

func TestAdapterRetrieveEmptyInputs(t *testing.T) {
	idx := &mockIndex{results: []Result{hit("a", "default", 0.9)}}
	a := NewAdapter(idx, 0, nil)
	ctx := context.Background()

	assert.Empty(t, a.Retrieve(ctx, "", "default", 5))
	assert.Empty(t, a.Retrieve(ctx, "   ", "default", 5))
	assert.Empty(t, a.Retrieve(ctx, "query", "", 5))
	assert.NotNil(t, a.Retrieve(ctx, "", "default", 5))
	assert.Equal(t, 0, idx.calls)
}

func TestAdapterRetrieveAbsorbsErrors(t *testing.T) {
	a := NewAdapter(&mockIndex{err: errors.New("connection refused")}, 0, nil)
	got := a.Retrieve(context.Background(), "AAPL earnings", "default", 5)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestAdapterRetrieveFiltersAndOrders(t *testing.T) {
	idx := &mockIndex{results: []Result{
		hit("a", "default", 0.5),
		hit("b", "other", 0.99),
		hit("c", "default", 0.8),
		hit("d", "default", 0.8),
		hit("e", "default", 1.7),
		hit("f", "default", -0.2),
	}}
	a := NewAdapter(idx, 0, nil)

	got := a.Retrieve(context.Background(), "q", "default", 4)
	require.Len(t, got, 4)

	ids := make([]string, len(got))
	for i, r := range got {
		ids[i] = r.ChunkID
		assert.Equal(t, "default", r.Metadata.KBID)
		assert.GreaterOrEqual(t, r.Score, 0.0)
		assert.LessOrEqual(t, r.Score, 1.0)
		if i > 0 {
			assert.GreaterOrEqual(t, got[i-1].Score, r.Score)
		}
	}
	// 同分保持原顺序
	assert.Equal(t, []string{"e", "c", "d", "a"}, ids)
}

func TestAdapterTopKBounds(t *testing.T) {
	results := make([]Result, 30)
	for i := range results {
		results[i] = hit(string(rune('a'+i)), "kb", 0.9)
	}
	a := NewAdapter(&mockIndex{results: results}, 0, nil)

	assert.Len(t, a.Retrieve(context.Background(), "q", "kb", 100), MaxTopK)
	assert.Len(t, a.Retrieve(context.Background(), "q", "kb", 0), DefaultTopK)
}

// ========== 查询缓存测试 ==========

func TestQueryCache(t *testing.T) {
	ctx := context.Background()
	_, ok := cachedVector(ctx, "q")
	assert.False(t, ok)
	storeVector(ctx, "q", []float64{1}) // 无缓存时忽略

	ctx = WithQueryCache(ctx)
	assert.Equal(t, ctx, WithQueryCache(ctx))
	storeVector(ctx, "q", []float64{1, 2})
	v, ok := cachedVector(ctx, "q")
	assert.True(t, ok)
	assert.Equal(t, []float64{1, 2}, v)
}

// ========== ESIndex 测试 ==========

func newTestESIndex(t *testing.T, handler http.HandlerFunc) (*ESIndex, *mockEmbedder) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		w.Header().Set("Content-Type", "application/json")
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	client, err := elasticsearch.NewClient(elasticsearch.Config{Addresses: []string{srv.URL}})
	require.NoError(t, err)

	emb := &mockEmbedder{}
	idx, err := NewESIndex(context.Background(), ESIndexConfig{
		Client:     client,
		Index:      "test_chunks",
		Dimensions: 3,
		Embedder:   emb,
	}, nil)
	require.NoError(t, err)
	return idx, emb
}

func TestESIndexSearch(t *testing.T) {
	var lastBody map[string]any
	idx, emb := newTestESIndex(t, func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/test_chunks/_search"))
		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(body, &lastBody))
		_, _ = w.Write([]byte(`{"hits":{"hits":[
			{"_id":"c1","_score":1.82,"_source":{"content":"Apple revenue","document_id":"d1","kb_id":"default","section_title":"Q3","version":"1.0.0","chunk_index":0}},
			{"_id":"c2","_score":1.44,"_source":{"content":"Apple margin","document_id":"d1","kb_id":"default","chunk_index":1}}
		]}}`))
	})

	ctx := WithQueryCache(context.Background())
	results, err := idx.Search(ctx, "apple revenue", 5, "default")
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "c1", results[0].ChunkID)
	assert.Equal(t, "Apple revenue", results[0].Content)
	assert.InDelta(t, 0.91, results[0].Score, 1e-9)
	assert.InDelta(t, 0.72, results[1].Score, 1e-9)
	assert.Equal(t, "d1", results[0].Metadata.DocumentID)
	assert.Equal(t, "Q3", results[0].Metadata.SectionTitle)
	assert.Equal(t, 1, results[1].Metadata.ChunkIndex)
	assert.EqualValues(t, 5, lastBody["size"])
	raw, _ := json.Marshal(lastBody["query"])
	assert.Contains(t, string(raw), `"kb_id"`)
	assert.Contains(t, string(raw), fieldVector)

	// 同一轮次内相同查询只向量化一次
	_, err = idx.Search(ctx, "apple revenue", 5, "default")
	require.NoError(t, err)
	assert.Equal(t, int32(1), emb.calls.Load())
}

func TestESIndexSearchError(t *testing.T) {
	idx, _ := newTestESIndex(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":"unavailable"}`))
	})
	_, err := idx.Search(context.Background(), "q", 5, "default")
	assert.Error(t, err)
}

func TestESIndexDelete(t *testing.T) {
	var gotPath string
	var gotBody string
	idx, _ := newTestESIndex(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		_, _ = w.Write([]byte(`{"deleted":2}`))
	})

	require.NoError(t, idx.Delete(context.Background(), []string{"c1", "c2"}))
	assert.True(t, strings.HasSuffix(gotPath, "/test_chunks/_delete_by_query"))
	assert.Contains(t, gotBody, `"values":["c1","c2"]`)

	// 空列表不发请求
	gotPath = ""
	require.NoError(t, idx.Delete(context.Background(), nil))
	assert.Empty(t, gotPath)
}

func TestEntriesToDocuments(t *testing.T) {
	docs := entriesToDocuments([]Entry{{
		ChunkID: "c1",
		Content: "text",
		Metadata: ChunkMetadata{
			DocumentID: "d1", KBID: "kb", Version: "1.0.2", SectionPath: "A > B", ChunkIndex: 3,
		},
	}})
	require.Len(t, docs, 1)
	assert.Equal(t, "c1", docs[0].ID)
	assert.Equal(t, "kb", docs[0].MetaData["kb_id"])
	assert.Equal(t, 3, docs[0].MetaData["chunk_index"])

	fields := documentToESFields(docs[0])
	assert.Equal(t, fieldVector, fields[fieldContent].EmbedKey)
	assert.Equal(t, "A > B", fields["section_path"].Value)
}
