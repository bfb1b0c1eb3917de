package trace

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"
)

type record struct {
	Seq       int       `json:"seq,omitempty"`
	Name      string    `json:"name"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// Summary 轮次摘要，写入 00-summary.json
type Summary struct {
	TurnID       string    `json:"turn_id"`
	SessionID    string    `json:"session_id"`
	Status       Status    `json:"status"`
	Iterations   int       `json:"iterations"`
	UsedExternal bool      `json:"used_external"`
	CandidateID  string    `json:"candidate_id,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	DurationMs   int64     `json:"duration_ms"`
	Records      int       `json:"records"`
	ErrorKind    string    `json:"error_kind,omitempty"`
	Error        string    `json:"error,omitempty"`
	ToolCalls    any       `json:"tool_calls,omitempty"`
}

// Turn 一个轮次的追踪容器，记录按调用顺序从 01 开始编号
// nil Turn 可以安全使用
type Turn struct {
	tracer    *Tracer
	dir       string
	turnID    string
	sessionID string
	startedAt time.Time

	mu       sync.Mutex
	seq      int
	finished bool
}

// Dir 轮次目录
func (tt *Turn) Dir() string {
	if tt == nil {
		return ""
	}
	return tt.dir
}

// Record 追加一条记录
func (tt *Turn) Record(name string, data any) {
	if tt == nil {
		return
	}
	t := tt.tracer

	tt.mu.Lock()
	if tt.finished {
		tt.mu.Unlock()
		return
	}
	tt.seq++
	seq := tt.seq
	tt.mu.Unlock()

	clean, ok := t.sanitize(data)
	if !ok {
		return
	}
	body, ok := t.encode(record{Seq: seq, Name: name, Timestamp: t.now(), Data: clean})
	if !ok {
		return
	}
	t.enqueue(filepath.Join(tt.dir, fmt.Sprintf("%02d-%s.json", seq, safeName(name))), body)
}

// Finish 写入摘要，之后的记录被忽略
func (tt *Turn) Finish(s Summary) {
	if tt == nil {
		return
	}
	t := tt.tracer

	tt.mu.Lock()
	if tt.finished {
		tt.mu.Unlock()
		return
	}
	tt.finished = true
	s.Records = tt.seq
	tt.mu.Unlock()

	s.TurnID = tt.turnID
	s.SessionID = tt.sessionID
	s.StartedAt = tt.startedAt
	if s.DurationMs == 0 {
		s.DurationMs = t.now().Sub(tt.startedAt).Milliseconds()
	}
	s.Error = truncate(s.Error, t.maxBody)
	calls, ok := t.sanitize(s.ToolCalls)
	if !ok {
		return
	}
	s.ToolCalls = calls
	body, ok := t.encode(s)
	if !ok {
		return
	}
	t.enqueue(filepath.Join(tt.dir, summaryFile), body)
}
