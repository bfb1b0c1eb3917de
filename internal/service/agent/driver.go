// Package agent 单轮问答驱动
//
// 每个轮次：构造上下文 → 调用 LLM → 校验并分发工具 → 合并结果，直到
// generate_response 被接受或迭代次数耗尽。knowledge_base_search 必须先于
// generate_response 成功执行，违规时向 LLM 反馈纠正消息而不是报错。
package agent

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ashwinyue/stockqa/internal/config"
	"github.com/ashwinyue/stockqa/internal/errs"
	"github.com/ashwinyue/stockqa/internal/logger"
	"github.com/ashwinyue/stockqa/internal/metrics"
	"github.com/ashwinyue/stockqa/internal/model"
	"github.com/ashwinyue/stockqa/internal/repository"
	"github.com/ashwinyue/stockqa/internal/service/candidate"
	"github.com/ashwinyue/stockqa/internal/service/confidence"
	"github.com/ashwinyue/stockqa/internal/service/keyword"
	"github.com/ashwinyue/stockqa/internal/service/retriever"
	"github.com/ashwinyue/stockqa/internal/service/session"
	"github.com/ashwinyue/stockqa/internal/service/tool"
	"github.com/ashwinyue/stockqa/internal/service/trace"
	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// MaxQueryLength 查询最大字符数
	MaxQueryLength = 5000

	defaultMaxIterations = 5
	defaultThreshold     = 0.6
	defaultHistoryWindow = 20
)

// KnowledgeSearcher knowledge_base_search 适配器
type KnowledgeSearcher interface {
	Search(ctx context.Context, args *tool.KnowledgeSearchArgs) *tool.KnowledgeSearchOutput
}

// ExternalSearcher perplexity_search 适配器
type ExternalSearcher interface {
	Search(ctx context.Context, args *tool.ExternalSearchArgs) (*tool.ExternalSearchOutput, error)
}

// KeywordIndexer index_keywords 适配器
type KeywordIndexer interface {
	Index(ctx context.Context, args *tool.IndexKeywordsArgs) (*keyword.Result, error)
}

// CandidateProposer 外部答案转为候选
type CandidateProposer interface {
	Propose(ctx context.Context, req candidate.ProposeRequest) (*candidate.Proposal, error)
}

// Config 驱动依赖
type Config struct {
	Model     einomodel.ToolCallingChatModel
	Knowledge KnowledgeSearcher
	// External 为空时 perplexity_search 总是失败
	External   ExternalSearcher
	Keywords   KeywordIndexer
	Sessions   *session.Store
	Candidates CandidateProposer
	// ToolCalls 为空时不持久化工具调用记录
	ToolCalls repository.ToolCallStore
	Tracer    *trace.Tracer
	Metrics   *metrics.Metrics
	Policy    config.AgentConfig
}

// TurnRequest 一次用户提问
type TurnRequest struct {
	Query     string `json:"query"`
	SessionID string `json:"session_id,omitempty"`
	KBID      string `json:"kb_id,omitempty"`
	// AllowExternal 为空时使用 allow_external_default
	AllowExternal    *bool `json:"allow_external,omitempty"`
	IncludeCitations *bool `json:"include_citations,omitempty"`
}

// TurnResult 轮次结果
type TurnResult struct {
	TurnID           string           `json:"turn_id"`
	SessionID        string           `json:"session_id"`
	Answer           string           `json:"answer"`
	Citations        []model.Citation `json:"citations"`
	Confidence       float64          `json:"confidence"`
	KBConfidence     float64          `json:"kb_confidence"`
	UsedExternal     bool             `json:"used_external"`
	BestEffort       bool             `json:"best_effort"`
	CandidateID      string           `json:"candidate_id,omitempty"`
	Iterations       int              `json:"iterations"`
	ProcessingTimeMs int64            `json:"processing_time_ms"`
}

// Driver 问答驱动，可被多个会话并发使用
type Driver struct {
	chat       einomodel.ToolCallingChatModel
	knowledge  KnowledgeSearcher
	external   ExternalSearcher
	keywords   KeywordIndexer
	sessions   *session.Store
	candidates CandidateProposer
	toolCalls  repository.ToolCallStore
	tracer     *trace.Tracer
	metrics    *metrics.Metrics
	policy     config.AgentConfig

	registry *tool.Registry
	response *tool.ResponseTool
	scorer   *confidence.Scorer
	enforcer *Enforcer
	logger   *zap.Logger
	now      func() time.Time
}

// NewDriver 创建驱动并把工具目录绑定到对话模型
func NewDriver(cfg Config, l *zap.Logger) (*Driver, error) {
	if cfg.Model == nil {
		return nil, errors.New("agent: chat model is required")
	}
	if cfg.Knowledge == nil {
		return nil, errors.New("agent: knowledge search is required")
	}
	if cfg.Sessions == nil {
		return nil, errors.New("agent: session store is required")
	}
	chat, err := cfg.Model.WithTools(tool.ToolInfos())
	if err != nil {
		return nil, errs.Internal(err, "failed to bind tools to chat model")
	}

	policy := cfg.Policy
	if policy.MaxToolIterations <= 0 {
		policy.MaxToolIterations = defaultMaxIterations
	}
	if policy.KBConfidenceThreshold <= 0 {
		policy.KBConfidenceThreshold = defaultThreshold
	}
	if policy.HistoryWindow < 0 {
		policy.HistoryWindow = defaultHistoryWindow
	}
	if policy.DefaultKBID == "" {
		policy.DefaultKBID = "default"
	}

	registry := tool.NewDefaultRegistry()
	return &Driver{
		chat:       chat,
		knowledge:  cfg.Knowledge,
		external:   cfg.External,
		keywords:   cfg.Keywords,
		sessions:   cfg.Sessions,
		candidates: cfg.Candidates,
		toolCalls:  cfg.ToolCalls,
		tracer:     cfg.Tracer,
		metrics:    cfg.Metrics,
		policy:     policy,
		registry:   registry,
		response:   tool.NewResponseTool(registry),
		scorer:     confidence.New(),
		enforcer:   NewEnforcer(),
		logger:     logger.OrNop(l).Named("agent"),
		now:        time.Now,
	}, nil
}

// RunTurn 执行一个轮次
// 同一会话的轮次串行执行；取消时不写会话、不产生候选，追踪以 cancelled 结束
func (d *Driver) RunTurn(ctx context.Context, req *TurnRequest) (*TurnResult, error) {
	if req == nil {
		return nil, errs.Validation("query request is required")
	}
	query := tool.Sanitize(req.Query)
	if query == "" {
		return nil, errs.Validation("query must not be blank")
	}
	if utf8.RuneCountInString(query) > MaxQueryLength {
		return nil, errs.Validation("query exceeds %d characters", MaxQueryLength)
	}
	kbID := strings.TrimSpace(req.KBID)
	if kbID == "" {
		kbID = d.policy.DefaultKBID
	}

	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		sessionID = d.sessions.Create(ctx)
	}
	parent := ctx

	t := &turn{
		d:                d,
		id:               uuid.New().String(),
		sessionID:        sessionID,
		query:            query,
		kbID:             kbID,
		allowExternal:    boolOr(req.AllowExternal, d.policy.AllowExternalDefault),
		includeCitations: boolOr(req.IncludeCitations, true),
		startedAt:        d.now(),
		discovered:       []model.Citation{},
	}
	t.progress = Progress{
		ExternalAllowed: t.allowExternal,
		Discretion:      d.policy.ExternalOnDiscretion,
	}
	// 追踪先于会话锁开始，排队时被取消的轮次同样留下记录
	t.trace = d.tracer.Begin(t.id, sessionID)

	unlock, err := d.sessions.LockTurn(ctx, sessionID)
	if err != nil {
		status := trace.StatusFailed
		if errors.Is(parent.Err(), context.Canceled) {
			status = trace.StatusCancelled
		}
		err = turnError(err)
		t.finish(status, nil, err)
		d.metrics.Inc(parent, metrics.Turns, "status", string(status))
		d.logger.Warn("turn aborted while waiting for session",
			zap.String("turn_id", t.id),
			zap.String("session_id", sessionID),
			zap.String("status", string(status)),
			zap.Error(err))
		return nil, err
	}
	defer unlock()
	t.startedAt = d.now()

	if d.policy.TurnDeadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.policy.TurnDeadline)
		defer cancel()
	}
	ctx = retriever.WithQueryCache(ctx)

	res, err := t.run(ctx)

	status := trace.StatusCompleted
	switch {
	case err != nil && errors.Is(parent.Err(), context.Canceled):
		status = trace.StatusCancelled
	case err != nil:
		status = trace.StatusFailed
	case res.BestEffort:
		status = trace.StatusBestEffort
	}
	if err != nil {
		err = turnError(err)
	}

	d.saveToolCalls(ctx, t)
	t.finish(status, res, err)
	d.metrics.Inc(ctx, metrics.Turns, "status", string(status))

	if err != nil {
		d.logger.Warn("turn failed",
			zap.String("turn_id", t.id),
			zap.String("session_id", sessionID),
			zap.String("status", string(status)),
			zap.Error(err))
		return nil, err
	}
	d.logger.Info("turn completed",
		zap.String("turn_id", t.id),
		zap.String("session_id", sessionID),
		zap.Int("iterations", res.Iterations),
		zap.Bool("used_external", res.UsedExternal),
		zap.Bool("best_effort", res.BestEffort),
		zap.Int64("processing_time_ms", res.ProcessingTimeMs))
	return res, nil
}

// run 驱动循环：AwaitLLM → Dispatch → MergeResults，直到 Finalize 或迭代耗尽
func (t *turn) run(ctx context.Context) (*TurnResult, error) {
	d := t.d
	t.trace.Record(trace.RecordUserQuery, map[string]any{
		"query":          t.query,
		"kb_id":          t.kbID,
		"allow_external": t.allowExternal,
	})
	t.messages = t.initialMessages(ctx)

	for t.iteration = 1; t.iteration <= d.policy.MaxToolIterations; t.iteration++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		msg, err := d.generate(ctx, t.messages)
		if err != nil {
			t.trace.Record(trace.RecordError, map[string]any{
				"stage":  "llm",
				"kind":   errs.Classify(err),
				"reason": errs.Reason(err),
			})
			return nil, err
		}
		t.recordExchange(msg)
		t.messages = append(t.messages, msg)
		if c := strings.TrimSpace(msg.Content); c != "" {
			t.lastContent = c
		}

		if len(msg.ToolCalls) == 0 {
			t.feedback(d.enforcer.Audit(t.records, true))
			continue
		}
		if err := t.dispatch(ctx, msg.ToolCalls); err != nil {
			return nil, err
		}
		if t.terminal != nil {
			return t.finalize(ctx)
		}
	}
	t.iteration = d.policy.MaxToolIterations
	return t.bestEffort(ctx)
}

// initialMessages 系统提示 + 历史窗口 + 用户原始查询
func (t *turn) initialMessages(ctx context.Context) []*schema.Message {
	d := t.d
	msgs := []*schema.Message{{
		Role: schema.System,
		Content: SystemPrompt(promptParams{
			KBID:            t.kbID,
			TurnID:          t.id,
			SessionID:       t.sessionID,
			ExternalAllowed: t.allowExternal,
			Discretion:      d.policy.ExternalOnDiscretion,
		}),
	}}

	history := d.sessions.History(ctx, t.sessionID)
	carried := make([]*schema.Message, 0, len(history))
	for _, m := range history {
		if m.Role == schema.User || m.Role == schema.Assistant {
			carried = append(carried, &schema.Message{Role: m.Role, Content: m.Content})
		}
	}
	if w := d.policy.HistoryWindow; w > 0 && len(carried) > w {
		carried = carried[len(carried)-w:]
	}
	msgs = append(msgs, carried...)
	return append(msgs, &schema.Message{Role: schema.User, Content: t.query})
}

// generate 调用对话模型，单次调用使用独立超时
func (d *Driver) generate(ctx context.Context, msgs []*schema.Message) (*schema.Message, error) {
	callCtx := ctx
	if d.policy.LLMDeadline > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, d.policy.LLMDeadline)
		defer cancel()
	}
	msg, err := d.chat.Generate(callCtx, append([]*schema.Message(nil), msgs...))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, errs.Timeout(err, "chat model did not respond in time")
		}
		if errs.Classify(err) != errs.KindInternal {
			return nil, err
		}
		return nil, errs.Unavailable(err, "chat model request failed")
	}
	if msg == nil {
		return nil, errs.Unavailable(nil, "chat model returned no message")
	}
	return msg, nil
}

// finalize 合并引用，写会话，必要时提议候选
// 通过提交点检查后副作用不再受取消影响
func (t *turn) finalize(ctx context.Context) (*TurnResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	res := t.result(t.terminal.Response, t.terminal.ConfidenceScore, model.MergeCitations(t.terminal.Citations, t.discovered))
	res.UsedExternal = t.external != nil

	commit := context.WithoutCancel(ctx)
	if err := t.appendSession(commit, res.Answer); err != nil {
		return nil, err
	}
	if res.UsedExternal {
		res.CandidateID = t.propose(commit)
	}
	t.recordFinal(res)
	return res, nil
}

// bestEffort 迭代耗尽时用最后一次模型文本或固定兜底文本作答，不产生候选
func (t *turn) bestEffort(ctx context.Context) (*TurnResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	answer := t.lastContent
	if answer == "" {
		answer = BestEffortFallback
	}
	res := t.result(answer, 0, model.MergeCitations(t.discovered))
	res.UsedExternal = t.external != nil
	res.BestEffort = true

	t.d.metrics.Inc(ctx, metrics.BestEffortAnswers)
	t.trace.Record(trace.RecordEnforcerFeedback, map[string]any{
		"iteration":   t.iteration,
		"best_effort": true,
		"reason":      "tool iterations exhausted without generate_response",
	})
	if err := t.appendSession(context.WithoutCancel(ctx), answer); err != nil {
		return nil, err
	}
	t.recordFinal(res)
	return res, nil
}

func (t *turn) result(answer string, conf float64, citations []model.Citation) *TurnResult {
	if !t.includeCitations {
		citations = []model.Citation{}
	}
	return &TurnResult{
		TurnID:           t.id,
		SessionID:        t.sessionID,
		Answer:           answer,
		Citations:        citations,
		Confidence:       conf,
		KBConfidence:     t.kbConfidence,
		Iterations:       t.iteration,
		ProcessingTimeMs: t.d.now().Sub(t.startedAt).Milliseconds(),
	}
}

func (t *turn) appendSession(ctx context.Context, answer string) error {
	err := t.d.sessions.Append(ctx, t.sessionID,
		session.Message{Role: schema.User, Content: t.query},
		session.Message{Role: schema.Assistant, Content: answer},
	)
	if err != nil {
		t.trace.Record(trace.RecordError, map[string]any{
			"stage":  "session",
			"kind":   errs.Classify(err),
			"reason": errs.Reason(err),
		})
	}
	return err
}

// propose 候选失败只记录日志，不影响答案
func (t *turn) propose(ctx context.Context) string {
	d := t.d
	if d.candidates == nil {
		return ""
	}
	p, err := d.candidates.Propose(ctx, candidate.ProposeRequest{
		Query:            t.query,
		Answer:           t.external.Answer,
		Citations:        t.external.Citations,
		KBID:             t.kbID,
		ExternalResultID: t.external.ResultID,
	})
	if err != nil {
		d.logger.Error("failed to propose candidate", zap.String("turn_id", t.id), zap.Error(err))
		t.trace.Record(trace.RecordError, map[string]any{
			"stage":  "candidate",
			"kind":   errs.Classify(err),
			"reason": errs.Reason(err),
		})
		return ""
	}
	if p == nil {
		return ""
	}
	return p.Candidate.ID
}

func (t *turn) recordFinal(res *TurnResult) {
	t.trace.Record(trace.RecordFinalResponse, map[string]any{
		"answer":        res.Answer,
		"citations":     res.Citations,
		"confidence":    res.Confidence,
		"kb_confidence": res.KBConfidence,
		"used_external": res.UsedExternal,
		"best_effort":   res.BestEffort,
		"candidate_id":  res.CandidateID,
	})
}

func (t *turn) finish(status trace.Status, res *TurnResult, err error) {
	s := trace.Summary{
		Status:     status,
		Iterations: t.iteration,
		DurationMs: t.d.now().Sub(t.startedAt).Milliseconds(),
		ToolCalls:  t.records,
	}
	if res != nil {
		s.UsedExternal = res.UsedExternal
		s.CandidateID = res.CandidateID
	}
	if err != nil {
		s.ErrorKind = string(errs.Classify(err))
		s.Error = errs.Reason(err)
		t.trace.Record(trace.RecordError, map[string]any{"kind": s.ErrorKind, "reason": s.Error})
	}
	t.trace.Finish(s)
}

// saveToolCalls 持久化工具调用记录，失败只记录日志
func (d *Driver) saveToolCalls(ctx context.Context, t *turn) {
	if d.toolCalls == nil || len(t.records) == 0 {
		return
	}
	if err := d.toolCalls.SaveToolCalls(context.WithoutCancel(ctx), t.records); err != nil {
		d.logger.Warn("failed to persist tool calls", zap.String("turn_id", t.id), zap.Error(err))
	}
}

// turnError 统一驱动向外返回的错误类别
func turnError(err error) error {
	var e *errs.Error
	if errors.As(err, &e) {
		return err
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return errs.Timeout(err, "turn exceeded its deadline")
	case errors.Is(err, context.Canceled):
		return errs.Internal(err, "request cancelled")
	}
	return errs.Internal(err, "turn failed")
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}
