// Package session 会话消息存储
// 内存中按会话 id 保存只追加的消息序列，可选镜像到 Redis
package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashwinyue/stockqa/internal/errs"
	"github.com/ashwinyue/stockqa/internal/logger"
	"github.com/ashwinyue/stockqa/internal/metrics"
	"github.com/ashwinyue/stockqa/internal/pkg/keylock"
	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// Redis key 前缀
	sessionKeyPrefix = "stockqa:session:"

	defaultTTL         = 24 * time.Hour
	defaultMaxMessages = 1000
)

// Message 会话消息
type Message struct {
	Role       schema.RoleType   `json:"role"`
	Content    string            `json:"content"`
	ToolCalls  []schema.ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string            `json:"tool_call_id,omitempty"`
	ToolName   string            `json:"tool_name,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// ToSchema 转换为 eino 消息
func (m Message) ToSchema() *schema.Message {
	return &schema.Message{
		Role:       m.Role,
		Content:    m.Content,
		ToolCalls:  m.ToolCalls,
		ToolCallID: m.ToolCallID,
		ToolName:   m.ToolName,
	}
}

// Session 会话
type Session struct {
	ID        string
	CreatedAt time.Time

	mu        sync.Mutex
	messages  []Message
	updatedAt time.Time
	cleared   atomic.Bool
}

// sessionData Redis 存储格式
type sessionData struct {
	ID        string    `json:"id"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Config 会话存储配置
type Config struct {
	TTL             time.Duration
	CleanupInterval time.Duration
	MaxMessages     int
	// Redis 为空时不做镜像
	Redis   *redis.Client
	Metrics *metrics.Metrics
}

// Store 会话存储
// 同一会话的 Append 串行执行；History 返回快照副本
type Store struct {
	cache       *gocache.Cache
	turns       *keylock.KeyLock
	redis       *redis.Client
	ttl         time.Duration
	maxMessages int
	metrics     *metrics.Metrics
	logger      *zap.Logger

	listenerMu sync.RWMutex
	onEvict    []func(sessionID string)
}

// NewStore 创建会话存储
// CleanupInterval <= 0 时不启动过期清理协程
func NewStore(cfg Config, l *zap.Logger) *Store {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	maxMessages := cfg.MaxMessages
	if maxMessages <= 0 {
		maxMessages = defaultMaxMessages
	}

	s := &Store{
		cache:       gocache.New(ttl, cfg.CleanupInterval),
		turns:       keylock.New(),
		redis:       cfg.Redis,
		ttl:         ttl,
		maxMessages: maxMessages,
		metrics:     cfg.Metrics,
		logger:      logger.OrNop(l).Named("session"),
	}
	s.cache.OnEvicted(s.evicted)
	return s
}

// OnEvict 注册会话过期回调
func (s *Store) OnEvict(fn func(sessionID string)) {
	s.listenerMu.Lock()
	s.onEvict = append(s.onEvict, fn)
	s.listenerMu.Unlock()
}

func (s *Store) evicted(id string, v interface{}) {
	if sess, ok := v.(*Session); ok && sess.cleared.Load() {
		return
	}
	s.metrics.Inc(context.Background(), metrics.SessionEvictions)
	s.logger.Info("session evicted", zap.String("session_id", id))

	s.listenerMu.RLock()
	listeners := append([]func(string){}, s.onEvict...)
	s.listenerMu.RUnlock()
	for _, fn := range listeners {
		fn(id)
	}
}

// Create 创建新会话并返回 id
func (s *Store) Create(ctx context.Context) string {
	id := uuid.New().String()
	now := time.Now().UTC()
	sess := &Session{ID: id, CreatedAt: now, updatedAt: now, messages: []Message{}}
	s.cache.Set(id, sess, s.ttl)
	s.mirror(ctx, sess)
	return id
}

// Exists 会话是否存在（内存或 Redis）
func (s *Store) Exists(ctx context.Context, id string) bool {
	_, ok := s.lookup(ctx, id)
	return ok
}

// Append 按顺序追加消息，首次引用时创建会话
// 追加后超过 max_messages 时整体拒绝
func (s *Store) Append(ctx context.Context, id string, msgs ...Message) error {
	if id == "" {
		return errs.Validation("session id is required")
	}
	if len(msgs) == 0 {
		return nil
	}
	sess := s.getOrCreate(ctx, id)

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if len(sess.messages)+len(msgs) > s.maxMessages {
		return errs.InvalidState("session %s reached the limit of %d messages", id, s.maxMessages)
	}
	now := time.Now().UTC()
	for _, m := range msgs {
		if m.CreatedAt.IsZero() {
			m.CreatedAt = now
		}
		sess.messages = append(sess.messages, m)
	}
	sess.updatedAt = now

	// 续期
	if !sess.cleared.Load() {
		s.cache.Set(id, sess, s.ttl)
	}
	s.mirrorLocked(ctx, sess)
	return nil
}

// History 返回会话消息快照，会话不存在时返回空列表
func (s *Store) History(ctx context.Context, id string) []Message {
	sess, ok := s.lookup(ctx, id)
	if !ok {
		return []Message{}
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	out := make([]Message, len(sess.messages))
	for i, m := range sess.messages {
		if len(m.ToolCalls) > 0 {
			m.ToolCalls = append([]schema.ToolCall(nil), m.ToolCalls...)
		}
		out[i] = m
	}
	return out
}

// Clear 删除会话
func (s *Store) Clear(ctx context.Context, id string) error {
	if v, ok := s.cache.Get(id); ok {
		if sess, ok := v.(*Session); ok {
			sess.cleared.Store(true)
		}
		s.cache.Delete(id)
	}
	if s.redis != nil {
		if err := s.redis.Del(ctx, sessionKeyPrefix+id).Err(); err != nil {
			s.logger.Warn("failed to delete session from redis", zap.String("session_id", id), zap.Error(err))
		}
	}
	return nil
}

// LockTurn 获取会话的轮次锁，同一会话的轮次串行执行
func (s *Store) LockTurn(ctx context.Context, id string) (func(), error) {
	return s.turns.Lock(ctx, id)
}

// Len 内存中的会话数
func (s *Store) Len() int {
	return s.cache.ItemCount()
}

func (s *Store) lookup(ctx context.Context, id string) (*Session, bool) {
	if id == "" {
		return nil, false
	}
	if v, ok := s.cache.Get(id); ok {
		return v.(*Session), true
	}
	sess := s.loadFromRedis(ctx, id)
	if sess == nil {
		return nil, false
	}
	return s.install(sess), true
}

func (s *Store) getOrCreate(ctx context.Context, id string) *Session {
	if sess, ok := s.lookup(ctx, id); ok {
		return sess
	}
	now := time.Now().UTC()
	return s.install(&Session{ID: id, CreatedAt: now, updatedAt: now, messages: []Message{}})
}

// install 放入缓存；并发创建时以先放入的为准
func (s *Store) install(sess *Session) *Session {
	if err := s.cache.Add(sess.ID, sess, s.ttl); err == nil {
		return sess
	}
	if v, ok := s.cache.Get(sess.ID); ok {
		return v.(*Session)
	}
	s.cache.Set(sess.ID, sess, s.ttl)
	return sess
}

func (s *Store) mirror(ctx context.Context, sess *Session) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	s.mirrorLocked(ctx, sess)
}

// mirrorLocked 同步到 Redis，失败只记录日志
func (s *Store) mirrorLocked(ctx context.Context, sess *Session) {
	if s.redis == nil {
		return
	}
	data, err := json.Marshal(sessionData{
		ID:        sess.ID,
		Messages:  sess.messages,
		CreatedAt: sess.CreatedAt,
		UpdatedAt: sess.updatedAt,
	})
	if err != nil {
		s.logger.Warn("failed to marshal session", zap.String("session_id", sess.ID), zap.Error(err))
		return
	}
	if err := s.redis.Set(ctx, sessionKeyPrefix+sess.ID, data, s.ttl).Err(); err != nil {
		s.logger.Warn("failed to save session to redis", zap.String("session_id", sess.ID), zap.Error(err))
	}
}

// loadFromRedis 从 Redis 加载会话
func (s *Store) loadFromRedis(ctx context.Context, id string) *Session {
	if s.redis == nil {
		return nil
	}
	data, err := s.redis.Get(ctx, sessionKeyPrefix+id).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.logger.Warn("failed to load session from redis", zap.String("session_id", id), zap.Error(err))
		}
		return nil
	}
	var sd sessionData
	if err := json.Unmarshal(data, &sd); err != nil {
		s.logger.Warn("invalid session data in redis", zap.String("session_id", id), zap.Error(err))
		return nil
	}
	if sd.Messages == nil {
		sd.Messages = []Message{}
	}
	return &Session{ID: id, CreatedAt: sd.CreatedAt, updatedAt: sd.UpdatedAt, messages: sd.Messages}
}
