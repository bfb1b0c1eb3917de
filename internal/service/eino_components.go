package service

import (
	"context"
	"fmt"
	"time"

	"github.com/ashwinyue/stockqa/internal/config"
	"github.com/ashwinyue/stockqa/internal/service/retriever"
	"github.com/cloudwego/eino-ext/components/embedding/dashscope"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/embedding"
	ecomodel "github.com/cloudwego/eino/components/model"
	"go.uber.org/zap"
)

// newToolCallingChatModel 创建支持工具调用的 ChatModel
func newToolCallingChatModel(ctx context.Context, cfg *config.Config) (ecomodel.ToolCallingChatModel, error) {
	aiCfg := cfg.AI

	var c config.OpenAIConfig
	switch aiCfg.Provider {
	case "openai", "":
		c = aiCfg.OpenAI
	case "deepseek":
		c = aiCfg.DeepSeek
	default:
		return nil, fmt.Errorf("unsupported ai provider: %s", aiCfg.Provider)
	}

	if c.APIKey == "" {
		return nil, fmt.Errorf("api_key is required for provider: %s", aiCfg.Provider)
	}
	modelName := c.Model
	if modelName == "" {
		modelName = "gpt-4o-mini"
	}

	modelCfg := &openai.ChatModelConfig{
		APIKey:  c.APIKey,
		BaseURL: c.BaseURL,
		Model:   modelName,
	}
	if c.Temperature > 0 {
		temperature := c.Temperature
		modelCfg.Temperature = &temperature
	}
	if c.Timeout > 0 {
		modelCfg.Timeout = time.Duration(c.Timeout) * time.Second
	}
	return openai.NewChatModel(ctx, modelCfg)
}

// newEmbedder 创建 Embedding 器
func newEmbedder(ctx context.Context, cfg *config.Config) (embedding.Embedder, error) {
	embCfg := cfg.AI.Embedding

	switch embCfg.Provider {
	case "alibaba", "qwen", "dashscope", "":
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s", embCfg.Provider)
	}
	if embCfg.APIKey == "" {
		return nil, fmt.Errorf("embedding api_key is required")
	}

	model := embCfg.Model
	if model == "" {
		model = "text-embedding-v3"
	}
	embConfig := &dashscope.EmbeddingConfig{
		APIKey: embCfg.APIKey,
		Model:  model,
	}
	if embCfg.Timeout > 0 {
		embConfig.Timeout = time.Duration(embCfg.Timeout) * time.Second
	}
	if embCfg.Dimensions > 0 {
		dims := embCfg.Dimensions
		embConfig.Dimensions = &dims
	}
	return dashscope.NewEmbedder(ctx, embConfig)
}

// newVectorIndex 创建 Elasticsearch 向量索引并确保 mapping 存在
func newVectorIndex(ctx context.Context, cfg *config.Config, l *zap.Logger) (*retriever.ESIndex, error) {
	esCfg := cfg.Elastic
	if esCfg.Host == "" {
		return nil, fmt.Errorf("elasticsearch host not configured")
	}

	embedder, err := newEmbedder(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedder: %w", err)
	}
	client, err := retriever.NewESClient(esCfg.Host, esCfg.Username, esCfg.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to create es client: %w", err)
	}

	index, err := retriever.NewESIndex(ctx, retriever.ESIndexConfig{
		Client:     client,
		Index:      esCfg.IndexPrefix + "_chunks",
		Dimensions: cfg.AI.Embedding.Dimensions,
		Embedder:   embedder,
	}, l)
	if err != nil {
		return nil, err
	}
	if err := index.EnsureIndex(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure es index: %w", err)
	}
	return index, nil
}
