// Package metrics 提供进程级计数器
// Metrics 作为显式注入的句柄使用：New 初始化，Shutdown 释放
// 计数同时写入 OpenTelemetry Meter 和本地快照，快照供 /api/v1/metrics 读取
package metrics

import (
	"context"
	"sort"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "github.com/ashwinyue/stockqa"

// 计数器名称
const (
	Turns                  = "turns_total"
	ToolCalls              = "tool_calls_total"
	ExternalSearches       = "external_searches_total"
	CandidatesProposed     = "candidates_proposed_total"
	CandidatesDeduplicated = "candidates_deduplicated_total"
	CandidateApprovals     = "candidate_approvals_total"
	CandidateRejections    = "candidate_rejections_total"
	BestEffortAnswers      = "best_effort_answers_total"
	TracerDrops            = "tracer_drops_total"
	SessionEvictions       = "session_evictions_total"
)

var counterNames = []string{
	Turns, ToolCalls, ExternalSearches, CandidatesProposed, CandidatesDeduplicated,
	CandidateApprovals, CandidateRejections, BestEffortAnswers, TracerDrops, SessionEvictions,
}

// Metrics 计数器集合
type Metrics struct {
	counters map[string]metric.Int64Counter

	mu       sync.Mutex
	snapshot map[string]int64
}

// New 使用给定 MeterProvider 创建计数器，provider 为 nil 时使用 noop
func New(provider metric.MeterProvider) (*Metrics, error) {
	if provider == nil {
		provider = noop.NewMeterProvider()
	}
	meter := provider.Meter(meterName)

	m := &Metrics{
		counters: make(map[string]metric.Int64Counter, len(counterNames)),
		snapshot: make(map[string]int64),
	}
	for _, name := range counterNames {
		c, err := meter.Int64Counter(name)
		if err != nil {
			return nil, err
		}
		m.counters[name] = c
	}
	return m, nil
}

// NewNop 测试用
func NewNop() *Metrics {
	m, _ := New(nil)
	return m
}

// Inc 计数 +1，labels 为 key/value 交替序列
func (m *Metrics) Inc(ctx context.Context, name string, labels ...string) {
	m.Add(ctx, name, 1, labels...)
}

// Add 计数 +n
func (m *Metrics) Add(ctx context.Context, name string, n int64, labels ...string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	c, ok := m.counters[name]
	if ok {
		m.snapshot[seriesKey(name, labels)] += n
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	attrs := make([]attribute.KeyValue, 0, len(labels)/2)
	for i := 0; i+1 < len(labels); i += 2 {
		attrs = append(attrs, attribute.String(labels[i], labels[i+1]))
	}
	c.Add(ctx, n, metric.WithAttributes(attrs...))
}

// Get 读取某个序列的当前值
func (m *Metrics) Get(name string, labels ...string) int64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot[seriesKey(name, labels)]
}

// Total 读取某个计数器所有序列之和
func (m *Metrics) Total(name string) int64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var sum int64
	for k, v := range m.snapshot {
		if k == name || strings.HasPrefix(k, name+"{") {
			sum += v
		}
	}
	return sum
}

// Snapshot 返回当前全部序列的拷贝
func (m *Metrics) Snapshot() map[string]int64 {
	out := make(map[string]int64)
	if m == nil {
		return out
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range m.snapshot {
		out[k] = v
	}
	return out
}

// Shutdown 释放句柄，之后的计数被丢弃
func (m *Metrics) Shutdown(context.Context) error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters = map[string]metric.Int64Counter{}
	return nil
}

// seriesKey 生成 name{k=v,...}，标签按键排序
func seriesKey(name string, labels []string) string {
	if len(labels) < 2 {
		return name
	}
	pairs := make([]string, 0, len(labels)/2)
	for i := 0; i+1 < len(labels); i += 2 {
		pairs = append(pairs, labels[i]+"="+labels[i+1])
	}
	sort.Strings(pairs)
	return name + "{" + strings.Join(pairs, ",") + "}"
}
