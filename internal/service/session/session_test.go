package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ashwinyue/stockqa/internal/errs"
	"github.com/ashwinyue/stockqa/internal/metrics"
	"github.com/cloudwego/eino/schema"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, cfg Config) *Store {
	t.Helper()
	cfg.CleanupInterval = 0
	return NewStore(cfg, nil)
}

func userMsg(content string) Message {
	return Message{Role: schema.User, Content: content}
}

// ========== 基本操作测试 ==========

func TestStoreCreateAppendHistory(t *testing.T) {
	s := newTestStore(t, Config{})
	ctx := context.Background()

	id := s.Create(ctx)
	assert.NotEmpty(t, id)
	assert.True(t, s.Exists(ctx, id))
	assert.Empty(t, s.History(ctx, id))

	require.NoError(t, s.Append(ctx, id, userMsg("hi"), Message{Role: schema.Assistant, Content: "hello"}))
	h := s.History(ctx, id)
	require.Len(t, h, 2)
	assert.Equal(t, schema.User, h[0].Role)
	assert.Equal(t, "hello", h[1].Content)
	assert.False(t, h[0].CreatedAt.IsZero())
}

func TestStoreAppendCreatesOnFirstReference(t *testing.T) {
	s := newTestStore(t, Config{})
	ctx := context.Background()

	assert.False(t, s.Exists(ctx, "s-1"))
	require.NoError(t, s.Append(ctx, "s-1", userMsg("q")))
	assert.True(t, s.Exists(ctx, "s-1"))
	assert.Len(t, s.History(ctx, "s-1"), 1)

	assert.True(t, errs.Is(s.Append(ctx, "", userMsg("q")), errs.KindValidation))
	assert.NoError(t, s.Append(ctx, "s-1"))
}

func TestStoreHistoryIsDetached(t *testing.T) {
	s := newTestStore(t, Config{})
	ctx := context.Background()
	require.NoError(t, s.Append(ctx, "s", Message{
		Role:      schema.Assistant,
		ToolCalls: []schema.ToolCall{{ID: "call-1", Function: schema.FunctionCall{Name: "knowledge_base_search"}}},
	}))

	h := s.History(ctx, "s")
	h[0].Content = "mutated"
	h[0].ToolCalls[0].ID = "mutated"

	again := s.History(ctx, "s")
	require.Len(t, again, 1)
	assert.Empty(t, again[0].Content)
	assert.Equal(t, "call-1", again[0].ToolCalls[0].ID)
}

func TestStoreMaxMessages(t *testing.T) {
	s := newTestStore(t, Config{MaxMessages: 3})
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, "s", userMsg("1"), userMsg("2")))
	err := s.Append(ctx, "s", userMsg("3"), userMsg("4"))
	assert.True(t, errs.Is(err, errs.KindInvalidState))
	assert.Len(t, s.History(ctx, "s"), 2)
	require.NoError(t, s.Append(ctx, "s", userMsg("3")))
}

func TestStoreClear(t *testing.T) {
	m := metrics.NewNop()
	s := newTestStore(t, Config{Metrics: m})
	ctx := context.Background()

	var evicted []string
	s.OnEvict(func(id string) { evicted = append(evicted, id) })

	require.NoError(t, s.Append(ctx, "s", userMsg("1")))
	require.NoError(t, s.Clear(ctx, "s"))
	assert.False(t, s.Exists(ctx, "s"))
	assert.Empty(t, s.History(ctx, "s"))
	// 主动清除不算过期
	assert.Empty(t, evicted)
	assert.Equal(t, int64(0), m.Total(metrics.SessionEvictions))
	require.NoError(t, s.Clear(ctx, "missing"))
}

// ========== 过期测试 ==========

func TestStoreEviction(t *testing.T) {
	m := metrics.NewNop()
	s := newTestStore(t, Config{TTL: 10 * time.Millisecond, Metrics: m})
	ctx := context.Background()

	var mu sync.Mutex
	var evicted []string
	s.OnEvict(func(id string) {
		mu.Lock()
		evicted = append(evicted, id)
		mu.Unlock()
	})

	require.NoError(t, s.Append(ctx, "old", userMsg("1")))
	time.Sleep(30 * time.Millisecond)
	s.cache.DeleteExpired()

	mu.Lock()
	assert.Equal(t, []string{"old"}, evicted)
	mu.Unlock()
	assert.Equal(t, int64(1), m.Total(metrics.SessionEvictions))
	assert.False(t, s.Exists(ctx, "old"))
	assert.Equal(t, 0, s.Len())
}

// ========== 并发测试 ==========

func TestStoreConcurrentAppendMonotonic(t *testing.T) {
	s := newTestStore(t, Config{MaxMessages: 10000})
	ctx := context.Background()

	const writers, perWriter = 8, 50
	var wg sync.WaitGroup
	stop := make(chan struct{})
	prefixOK := true
	var checkMu sync.Mutex

	// 读者持续检查快照是上一次快照的前缀扩展
	wg.Add(1)
	go func() {
		defer wg.Done()
		var prev []Message
		for {
			select {
			case <-stop:
				return
			default:
			}
			cur := s.History(ctx, "shared")
			if len(cur) < len(prev) {
				checkMu.Lock()
				prefixOK = false
				checkMu.Unlock()
			}
			for i := range prev {
				if i < len(cur) && cur[i].Content != prev[i].Content {
					checkMu.Lock()
					prefixOK = false
					checkMu.Unlock()
				}
			}
			prev = cur
		}
	}()

	var writersWG sync.WaitGroup
	for w := 0; w < writers; w++ {
		writersWG.Add(1)
		go func(w int) {
			defer writersWG.Done()
			for i := 0; i < perWriter; i++ {
				assert.NoError(t, s.Append(ctx, "shared", userMsg(fmt.Sprintf("%d-%d", w, i))))
			}
		}(w)
	}
	writersWG.Wait()
	close(stop)
	wg.Wait()

	assert.Len(t, s.History(ctx, "shared"), writers*perWriter)
	checkMu.Lock()
	assert.True(t, prefixOK)
	checkMu.Unlock()
}

func TestStoreLockTurn(t *testing.T) {
	s := newTestStore(t, Config{})
	ctx := context.Background()

	unlock, err := s.LockTurn(ctx, "s")
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = s.LockTurn(waitCtx, "s")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// 不同会话互不影响
	other, err := s.LockTurn(ctx, "other")
	require.NoError(t, err)
	other()

	unlock()
	again, err := s.LockTurn(ctx, "s")
	require.NoError(t, err)
	again()
}

// ========== Redis 镜像测试 ==========

func TestStoreRedisFailureIsAbsorbed(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { _ = client.Close() })

	s := newTestStore(t, Config{Redis: client})
	ctx := context.Background()

	id := s.Create(ctx)
	require.NoError(t, s.Append(ctx, id, userMsg("q")))
	assert.Len(t, s.History(ctx, id), 1)
	assert.False(t, s.Exists(ctx, "unknown"))
	require.NoError(t, s.Clear(ctx, id))
}

func TestMessageToSchema(t *testing.T) {
	m := Message{Role: schema.Tool, Content: `{"ok":true}`, ToolCallID: "call-1", ToolName: "knowledge_base_search"}
	sm := m.ToSchema()
	assert.Equal(t, schema.Tool, sm.Role)
	assert.Equal(t, "call-1", sm.ToolCallID)
	assert.Equal(t, "knowledge_base_search", sm.ToolName)
}
