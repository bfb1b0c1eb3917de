package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/ashwinyue/stockqa/internal/config"
	"github.com/ashwinyue/stockqa/internal/logger"
	"github.com/ashwinyue/stockqa/internal/metrics"
	"github.com/ashwinyue/stockqa/internal/repository"
	"github.com/ashwinyue/stockqa/internal/service/agent"
	"github.com/ashwinyue/stockqa/internal/service/callback"
	"github.com/ashwinyue/stockqa/internal/service/candidate"
	"github.com/ashwinyue/stockqa/internal/service/event"
	"github.com/ashwinyue/stockqa/internal/service/keyword"
	"github.com/ashwinyue/stockqa/internal/service/knowledge"
	"github.com/ashwinyue/stockqa/internal/service/session"
	"github.com/ashwinyue/stockqa/internal/service/trace"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

// Services 服务集合
type Services struct {
	Config *config.Config
	Logger *zap.Logger

	Metrics    *metrics.Metrics
	Bus        *event.Bus
	Tracer     *trace.Tracer
	Sessions   *session.Store
	Documents  *knowledge.Service
	Keywords   *keyword.Service
	Candidates *candidate.Curator
	Agent      *agent.Driver
}

// NewServices 按配置创建全部服务
// redisClient 为空或 session.redis_mirror 关闭时会话只保存在内存
func NewServices(ctx context.Context, repos *repository.Repositories, cfg *config.Config, redisClient *redis.Client, l *zap.Logger) (*Services, error) {
	l = logger.OrNop(l)

	m, err := metrics.New(otel.GetMeterProvider())
	if err != nil {
		return nil, fmt.Errorf("failed to init metrics: %w", err)
	}
	callback.SetupGlobalCallbacks(l, cfg.App.Debug)

	bus := event.NewGoChannelBus(l)
	tracer := trace.New(trace.Config{
		Enabled:      cfg.Trace.Enabled,
		BaseDir:      cfg.Trace.BaseDir,
		MaxBodyChars: cfg.Trace.MaxBodyChars,
		QueueSize:    cfg.Trace.QueueSize,
		Metrics:      m,
	}, l)

	sessionCfg := session.Config{
		TTL:             cfg.Session.TTL,
		CleanupInterval: cfg.Session.CleanupInterval,
		MaxMessages:     cfg.Session.MaxMessages,
		Metrics:         m,
	}
	if cfg.Session.RedisMirror {
		sessionCfg.Redis = redisClient
	}
	sessions := session.NewStore(sessionCfg, l)
	sessions.OnEvict(func(id string) {
		tracer.Event(trace.RecordSessionEvicted, id, map[string]any{"session_id": id})
		bus.Publish(context.Background(), event.New(event.SessionEvicted, id, nil))
	})

	index, err := newVectorIndex(ctx, cfg, l)
	if err != nil {
		return nil, err
	}
	chunker, err := knowledge.NewChunker(ctx, knowledge.ChunkerConfig{
		ChunkSize:    cfg.Document.ChunkSize,
		ChunkOverlap: cfg.Document.ChunkOverlap,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create chunker: %w", err)
	}
	documents := knowledge.NewService(knowledge.Config{
		Store:           repos.Documents,
		Index:           index,
		Splitter:        chunker,
		Bus:             bus,
		MaxContentBytes: cfg.Document.MaxContentBytes,
	}, l)

	keywords := keyword.NewService(repos.Keywords, l)
	curator := candidate.NewCurator(candidate.Config{
		Store:     repos.Candidate,
		Documents: documents,
		Keywords:  keywords,
		Bus:       bus,
		Metrics:   m,
		Dedup:     cfg.Agent.KBCandidateDedup,
	}, l)

	chatModel, err := newToolCallingChatModel(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat model: %w", err)
	}
	provider, err := newSearchProvider(ctx, cfg)
	if err != nil {
		// 外部搜索不可用时 perplexity_search 总是失败，轮次仍可依据知识库作答
		l.Warn("external search disabled", zap.Error(err))
	}
	tools := newToolset(cfg, index, provider, keywords, l)

	driverCfg := agent.Config{
		Model:      chatModel,
		Knowledge:  tools.knowledge,
		Keywords:   tools.keywords,
		Sessions:   sessions,
		Candidates: curator,
		ToolCalls:  repos.ToolCalls,
		Tracer:     tracer,
		Metrics:    m,
		Policy:     cfg.Agent,
	}
	if tools.external != nil {
		driverCfg.External = tools.external
	}
	driver, err := agent.NewDriver(driverCfg, l)
	if err != nil {
		return nil, err
	}

	return &Services{
		Config:     cfg,
		Logger:     l,
		Metrics:    m,
		Bus:        bus,
		Tracer:     tracer,
		Sessions:   sessions,
		Documents:  documents,
		Keywords:   keywords,
		Candidates: curator,
		Agent:      driver,
	}, nil
}

// Start 启动事件日志订阅，ctx 结束时停止
func (s *Services) Start(ctx context.Context) error {
	return s.Bus.Subscribe(ctx, event.LogHandler(s.Logger))
}

// Close 等待追踪记录写完并关闭事件总线
func (s *Services) Close(ctx context.Context) error {
	return errors.Join(
		s.Tracer.Close(ctx),
		s.Bus.Close(),
		s.Metrics.Shutdown(ctx),
	)
}
