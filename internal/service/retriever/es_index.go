package retriever

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/ashwinyue/stockqa/internal/errs"
	"github.com/ashwinyue/stockqa/internal/logger"
	"github.com/cloudwego/eino-ext/components/indexer/es8"
	esretriever "github.com/cloudwego/eino-ext/components/retriever/es8"
	"github.com/cloudwego/eino-ext/components/retriever/es8/search_mode"
	"github.com/cloudwego/eino/components/embedding"
	einoretriever "github.com/cloudwego/eino/components/retriever"
	"github.com/cloudwego/eino/schema"
	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"github.com/elastic/go-elasticsearch/v8/typedapi/types"
	"go.uber.org/zap"
)

const (
	fieldContent = "content"
	fieldVector  = "content_vector"

	metaChunk = "chunk"
)

// ESIndexConfig Elasticsearch 向量索引配置
type ESIndexConfig struct {
	Client     *elasticsearch.Client
	Index      string
	Dimensions int
	BatchSize  int
	Embedder   embedding.Embedder
}

// ESIndex 基于 Elasticsearch dense_vector 的向量索引
// 写入走 eino-ext es8 Indexer，检索走 es8 Retriever，删除直接使用 go-elasticsearch
type ESIndex struct {
	client    *elasticsearch.Client
	indexer   *es8.Indexer
	retriever *esretriever.Retriever
	index     string
	dims      int
	logger    *zap.Logger
}

// NewESIndex 创建 ES 向量索引
func NewESIndex(ctx context.Context, cfg ESIndexConfig, l *zap.Logger) (*ESIndex, error) {
	if cfg.Client == nil || cfg.Embedder == nil {
		return nil, fmt.Errorf("es index requires client and embedder")
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 10
	}

	indexer, err := es8.NewIndexer(ctx, &es8.IndexerConfig{
		Client:    cfg.Client,
		Index:     cfg.Index,
		BatchSize: batch,
		Embedding: cfg.Embedder,
		DocumentToFields: func(ctx context.Context, doc *schema.Document) (map[string]es8.FieldValue, error) {
			return documentToESFields(doc), nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create ES8 indexer: %w", err)
	}

	r, err := esretriever.NewRetriever(ctx, &esretriever.RetrieverConfig{
		Client:       cfg.Client,
		Index:        cfg.Index,
		TopK:         DefaultTopK,
		SearchMode:   search_mode.SearchModeDenseVectorSimilarity(search_mode.DenseVectorSimilarityTypeCosineSimilarity, fieldVector),
		ResultParser: parseHit,
		Embedding:    &cachingEmbedder{inner: cfg.Embedder},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create ES8 retriever: %w", err)
	}

	return &ESIndex{
		client:    cfg.Client,
		indexer:   indexer,
		retriever: r,
		index:     cfg.Index,
		dims:      cfg.Dimensions,
		logger:    logger.OrNop(l).Named("es_index"),
	}, nil
}

// NewESClient 创建 ES8 客户端
func NewESClient(addr, username, password string) (*elasticsearch.Client, error) {
	return elasticsearch.NewClient(elasticsearch.Config{
		Addresses: []string{addr},
		Username:  username,
		Password:  password,
	})
}

// Add 写入分块并刷新索引
func (x *ESIndex) Add(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	if _, err := x.indexer.Store(ctx, entriesToDocuments(entries)); err != nil {
		return errs.Unavailable(err, "failed to store chunks")
	}
	return x.refresh(ctx)
}

// Delete 按 chunk id 删除并刷新索引
func (x *ESIndex) Delete(ctx context.Context, chunkIDs []string) error {
	if len(chunkIDs) == 0 {
		return nil
	}
	body, err := json.Marshal(map[string]any{
		"query": map[string]any{
			"ids": map[string]any{"values": chunkIDs},
		},
	})
	if err != nil {
		return err
	}

	res, err := x.client.DeleteByQuery(
		[]string{x.index},
		bytes.NewReader(body),
		x.client.DeleteByQuery.WithContext(ctx),
		x.client.DeleteByQuery.WithRefresh(true),
		x.client.DeleteByQuery.WithConflicts("proceed"),
	)
	if err != nil {
		return errs.Unavailable(err, "failed to delete chunks")
	}
	defer res.Body.Close()
	if res.IsError() {
		return errs.Unavailable(nil, "failed to delete chunks: %s", res.String())
	}
	return nil
}

// Search 余弦相似度检索，分数映射到 [0,1]
func (x *ESIndex) Search(ctx context.Context, query string, topK int, kbID string) ([]Result, error) {
	docs, err := x.retriever.Retrieve(ctx, query,
		einoretriever.WithTopK(topK),
		esretriever.WithFilters([]types.Query{{
			Term: map[string]types.TermQuery{"kb_id": {Value: kbID}},
		}}),
	)
	if err != nil {
		if errs.Classify(err) != errs.KindInternal {
			return nil, err
		}
		return nil, errs.Unavailable(err, "vector search failed")
	}

	out := make([]Result, 0, len(docs))
	for _, d := range docs {
		meta, _ := d.MetaData[metaChunk].(ChunkMetadata)
		out = append(out, Result{
			ChunkID:  d.ID,
			Content:  d.Content,
			Score:    d.Score() / 2,
			Metadata: meta,
		})
	}
	return out, nil
}

// EnsureIndex 确保索引存在（Eino Indexer 不包含此功能，需要手动实现）
func (x *ESIndex) EnsureIndex(ctx context.Context) error {
	res, err := x.client.Indices.Exists([]string{x.index}, x.client.Indices.Exists.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to check index existence: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode == 200 {
		return nil
	}

	dims := x.dims
	if dims == 0 {
		dims = 1024
	}
	keyword := map[string]any{"type": "keyword"}
	mapping := map[string]any{
		"mappings": map[string]any{
			"properties": map[string]any{
				fieldContent: map[string]any{"type": "text"},
				fieldVector: map[string]any{
					"type":       "dense_vector",
					"dims":       dims,
					"index":      true,
					"similarity": "cosine",
				},
				"document_id":   keyword,
				"kb_id":         keyword,
				"document_type": keyword,
				"version":       keyword,
				"language":      keyword,
				"title":         map[string]any{"type": "text"},
				"section_title": map[string]any{"type": "text"},
				"section_path":  keyword,
				"chunk_index":   map[string]any{"type": "integer"},
			},
		},
		"settings": map[string]any{
			"number_of_shards":   1,
			"number_of_replicas": 0,
		},
	}
	data, err := json.Marshal(mapping)
	if err != nil {
		return fmt.Errorf("failed to marshal mapping: %w", err)
	}

	req := esapi.IndicesCreateRequest{
		Index: x.index,
		Body:  bytes.NewReader(data),
	}
	res, err = req.Do(ctx, x.client)
	if err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("failed to create index: %s", res.String())
	}

	x.logger.Info("index created", zap.String("index", x.index), zap.Int("dims", dims))
	return nil
}

func (x *ESIndex) refresh(ctx context.Context) error {
	res, err := x.client.Indices.Refresh(
		x.client.Indices.Refresh.WithIndex(x.index),
		x.client.Indices.Refresh.WithContext(ctx),
	)
	if err != nil {
		return errs.Unavailable(err, "failed to refresh index")
	}
	defer res.Body.Close()
	if res.IsError() {
		return errs.Unavailable(nil, "failed to refresh index: %s", res.String())
	}
	return nil
}

// cachingEmbedder 查询向量化，轮次内相同查询复用缓存
type cachingEmbedder struct {
	inner embedding.Embedder
}

func (e *cachingEmbedder) EmbedStrings(ctx context.Context, texts []string, opts ...embedding.Option) ([][]float64, error) {
	if len(texts) == 1 {
		if v, ok := cachedVector(ctx, texts[0]); ok {
			return [][]float64{v}, nil
		}
	}
	vectors, err := e.inner.EmbedStrings(ctx, texts, opts...)
	if err != nil {
		return nil, errs.Unavailable(err, "failed to embed query")
	}
	if len(vectors) != len(texts) || len(vectors) == 0 || len(vectors[0]) == 0 {
		return nil, errs.Unavailable(nil, "embedder returned no vector")
	}
	if len(texts) == 1 {
		storeVector(ctx, texts[0], vectors[0])
	}
	return vectors, nil
}

// documentToESFields 将 Eino Document 转换为 ES 字段
func documentToESFields(doc *schema.Document) map[string]es8.FieldValue {
	fields := map[string]es8.FieldValue{
		fieldContent: {Value: doc.Content, EmbedKey: fieldVector},
	}
	for k, v := range doc.MetaData {
		fields[k] = es8.FieldValue{Value: v}
	}
	return fields
}

func entriesToDocuments(entries []Entry) []*schema.Document {
	docs := make([]*schema.Document, len(entries))
	for i, e := range entries {
		m := e.Metadata
		docs[i] = &schema.Document{
			ID:      e.ChunkID,
			Content: e.Content,
			MetaData: map[string]any{
				"document_id":   m.DocumentID,
				"kb_id":         m.KBID,
				"document_type": m.DocumentType,
				"title":         m.Title,
				"section_title": m.SectionTitle,
				"section_path":  m.SectionPath,
				"version":       m.Version,
				"chunk_index":   m.ChunkIndex,
				"language":      m.Language,
			},
		}
	}
	return docs
}

type hitSource struct {
	Content string `json:"content"`
	ChunkMetadata
}

// parseHit 把命中文档的元数据解析为 ChunkMetadata
func parseHit(_ context.Context, hit types.Hit) (*schema.Document, error) {
	var src hitSource
	if len(hit.Source_) > 0 {
		if err := json.Unmarshal(hit.Source_, &src); err != nil {
			return nil, fmt.Errorf("failed to decode search hit: %w", err)
		}
	}
	doc := &schema.Document{
		Content:  src.Content,
		MetaData: map[string]any{metaChunk: src.ChunkMetadata},
	}
	if hit.Id_ != nil {
		doc.ID = *hit.Id_
	}
	if hit.Score_ != nil {
		doc.WithScore(float64(*hit.Score_))
	}
	return doc, nil
}
