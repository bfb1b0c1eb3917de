// Package trace 按轮次把处理过程写入目录树
//
//	<base>/<YYYY-MM-DD>/<HH-MM-SS>-<turn_id>/<NN>-<name>.json
//
// 记录在调用方 goroutine 中完成脱敏和截断，由单个后台 goroutine 落盘。
// 队列满时丢弃记录，写入失败只记日志，不影响轮次结果。
package trace

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ashwinyue/stockqa/internal/logger"
	"github.com/ashwinyue/stockqa/internal/metrics"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// Status 轮次结束状态
type Status string

const (
	StatusCompleted  Status = "completed"
	StatusBestEffort Status = "best_effort"
	StatusCancelled  Status = "cancelled"
	StatusFailed     Status = "failed"
)

// 记录名称
const (
	RecordUserQuery           = "user-query"
	RecordKBSearch            = "kb-search"
	RecordConfidence          = "confidence"
	RecordExternalSearch      = "external-search"
	RecordExternalSearchError = "external-search-error"
	RecordLLMExchange         = "llm-exchange"
	RecordToolResult          = "tool-result"
	RecordEnforcerFeedback    = "enforcer-feedback"
	RecordSessionEvicted      = "session-evicted"
	RecordFinalResponse       = "final-response"
	RecordError               = "error"
)

const (
	summaryFile      = "00-summary.json"
	truncatedMarker  = "...[truncated]"
	defaultQueueSize = 256
	defaultMaxBody   = 4000
)

// 名称中包含这些片段的键被脱敏
var secretKeys = []string{"api_key", "apikey", "authorization", "token", "password", "secret"}

// Config 追踪配置
type Config struct {
	Enabled      bool
	BaseDir      string
	MaxBodyChars int
	QueueSize    int
	// Fs 为空时使用本地文件系统
	Fs      afero.Fs
	Metrics *metrics.Metrics
}

type job struct {
	path string
	data []byte
}

// Tracer 进程级追踪句柄
// nil Tracer 可以安全使用，所有记录被忽略
type Tracer struct {
	fs      afero.Fs
	base    string
	maxBody int
	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time

	mu     sync.RWMutex
	closed bool
	queue  chan job
	done   chan struct{}

	// write 落盘函数，测试可替换
	write func(p string, data []byte) error
}

// New 创建 Tracer 并启动写入 goroutine；Enabled 为 false 时返回 nil
func New(cfg Config, l *zap.Logger) *Tracer {
	if !cfg.Enabled {
		return nil
	}
	fs := cfg.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	maxBody := cfg.MaxBodyChars
	if maxBody <= 0 {
		maxBody = defaultMaxBody
	}
	base := cfg.BaseDir
	if base == "" {
		base = "traces"
	}

	t := &Tracer{
		fs:      fs,
		base:    base,
		maxBody: maxBody,
		metrics: cfg.Metrics,
		logger:  logger.OrNop(l).Named("trace"),
		now:     time.Now,
		queue:   make(chan job, size),
		done:    make(chan struct{}),
	}
	t.write = t.writeFile
	go t.run()
	return t
}

func (t *Tracer) run() {
	defer close(t.done)
	for j := range t.queue {
		if err := t.write(j.path, j.data); err != nil {
			t.logger.Warn("failed to write trace record", zap.String("path", j.path), zap.Error(err))
		}
	}
}

func (t *Tracer) writeFile(p string, data []byte) error {
	if err := t.fs.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	return afero.WriteFile(t.fs, p, data, 0o644)
}

// Close 停止接收记录，等待队列中的记录写完
func (t *Tracer) Close(ctx context.Context) error {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	if !t.closed {
		t.closed = true
		close(t.queue)
	}
	t.mu.Unlock()

	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// enqueue 非阻塞入队
func (t *Tracer) enqueue(p string, data []byte) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return
	}
	select {
	case t.queue <- job{path: p, data: data}:
	default:
		t.metrics.Inc(context.Background(), metrics.TracerDrops)
		t.logger.Debug("trace queue full, record dropped", zap.String("path", p))
	}
}

// sanitize 把记录正文转成通用 JSON 结构后脱敏、截断
// 只作用于正文，信封字段（名称、序号、时间戳、状态）保持原样
func (t *Tracer) sanitize(v any) (out any, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Warn("trace record panicked during encoding", zap.Any("panic", r))
			out, ok = nil, false
		}
	}()
	if v == nil {
		return nil, true
	}

	raw, err := json.Marshal(v)
	if err != nil {
		t.logger.Warn("failed to encode trace record", zap.Error(err))
		return nil, false
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		t.logger.Warn("failed to decode trace record", zap.Error(err))
		return nil, false
	}
	return t.scrub("", generic), true
}

// encode 序列化已脱敏的记录，失败只记录日志
func (t *Tracer) encode(v any) ([]byte, bool) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		t.logger.Warn("failed to encode trace record", zap.Error(err))
		return nil, false
	}
	return out, true
}

// scrub 脱敏密钥类字段并截断过长字符串
func (t *Tracer) scrub(key string, v any) any {
	if key != "" && isSecretKey(key) {
		return "[redacted]"
	}
	switch x := v.(type) {
	case string:
		return truncate(x, t.maxBody)
	case []any:
		for i := range x {
			x[i] = t.scrub("", x[i])
		}
		return x
	case map[string]any:
		for k := range x {
			x[k] = t.scrub(k, x[k])
		}
		return x
	default:
		return v
	}
}

func isSecretKey(k string) bool {
	k = strings.ToLower(k)
	for _, s := range secretKeys {
		if strings.Contains(k, s) {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + truncatedMarker
}

// Event 记录不属于任何轮次的事件，例如会话淘汰
// 写入 <base>/<date>/<HH-MM-SS>-<name>-<id>.json
func (t *Tracer) Event(name, id string, data any) {
	if t == nil {
		return
	}
	now := t.now()
	clean, ok := t.sanitize(data)
	if !ok {
		return
	}
	body, ok := t.encode(record{Name: name, Timestamp: now, Data: clean})
	if !ok {
		return
	}
	p := filepath.Join(t.base, now.Format("2006-01-02"), fmt.Sprintf("%s-%s-%s.json", now.Format("15-04-05"), name, safeName(id)))
	t.enqueue(p, body)
}

// Begin 开始一个轮次的追踪
func (t *Tracer) Begin(turnID, sessionID string) *Turn {
	if t == nil {
		return nil
	}
	now := t.now()
	return &Turn{
		tracer:    t,
		dir:       filepath.Join(t.base, now.Format("2006-01-02"), now.Format("15-04-05")+"-"+safeName(turnID)),
		turnID:    turnID,
		sessionID: sessionID,
		startedAt: now,
	}
}

// safeName 去掉路径分隔符
func safeName(s string) string {
	return strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(s)
}
