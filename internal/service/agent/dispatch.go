package agent

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/ashwinyue/stockqa/internal/errs"
	"github.com/ashwinyue/stockqa/internal/metrics"
	"github.com/ashwinyue/stockqa/internal/model"
	"github.com/ashwinyue/stockqa/internal/service/tool"
	"github.com/ashwinyue/stockqa/internal/service/trace"
	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
)

// turn 单个轮次的可变状态，只在驱动循环所在的 goroutine 中修改
type turn struct {
	d                *Driver
	id               string
	sessionID        string
	query            string
	kbID             string
	allowExternal    bool
	includeCitations bool
	startedAt        time.Time
	trace            *trace.Turn

	iteration    int
	messages     []*schema.Message
	records      []*model.ToolCall
	progress     Progress
	kbSearches   int
	kbResults    int
	kbConfidence float64
	discovered   []model.Citation
	// external 最近一次返回非空答案的外部搜索
	external    *tool.ExternalSearchOutput
	terminal    *tool.GenerateResponseOutput
	lastContent string
}

// prepared 通过名称、参数和顺序检查前的一次工具调用
type prepared struct {
	call      schema.ToolCall
	decoded   *tool.Call
	err       error
	violation Violation
	started   time.Time
}

// knowledgeReply knowledge_base_search 返回给 LLM 的内容
type knowledgeReply struct {
	*tool.KnowledgeSearchOutput
	Confidence float64 `json:"confidence"`
	Guidance   string  `json:"guidance,omitempty"`
}

// rejectionReply 被拒绝的工具调用返回给 LLM 的内容
type rejectionReply struct {
	Error    string `json:"error"`
	Feedback string `json:"feedback,omitempty"`
}

// dispatch 按顺序分发一批工具调用
// 相邻的 knowledge_base_search 可以并发执行，其余工具串行；generate_response 之后的调用被忽略
// 只有轮次被取消或超时才返回错误
func (t *turn) dispatch(ctx context.Context, calls []schema.ToolCall) error {
	for i := 0; i < len(calls); {
		if t.terminal != nil {
			t.reply(calls[i], mustJSON(map[string]any{
				"ignored": true,
				"reason":  "generate_response already delivered the answer",
			}))
			i++
			continue
		}

		if t.d.policy.ParallelKBSearch && calls[i].Function.Name == tool.NameKnowledgeSearch {
			j := i + 1
			for j < len(calls) && calls[j].Function.Name == tool.NameKnowledgeSearch {
				j++
			}
			if j-i > 1 {
				if err := t.searchBatch(ctx, calls[i:j]); err != nil {
					return err
				}
				i = j
				continue
			}
		}

		if err := t.dispatchOne(ctx, calls[i]); err != nil {
			return err
		}
		i++
	}
	return nil
}

func (t *turn) prepare(call schema.ToolCall) *prepared {
	p := &prepared{call: call, started: t.d.now()}
	p.decoded, p.err = t.d.registry.Decode(call.Function.Name, RepairArguments(call.Function.Arguments))
	if p.err != nil {
		p.violation = ViolationInvalidArguments
		return p
	}
	p.violation = t.d.enforcer.Permit(call.Function.Name, t.progress)
	return p
}

func (t *turn) dispatchOne(ctx context.Context, call schema.ToolCall) error {
	p := t.prepare(call)
	if p.violation != "" {
		t.reject(ctx, p)
		return nil
	}

	switch p.decoded.Name {
	case tool.NameKnowledgeSearch:
		out := t.d.knowledge.Search(ctx, p.decoded.Args.(*tool.KnowledgeSearchArgs))
		if err := ctx.Err(); err != nil {
			t.addRecord(ctx, p, model.ToolCallFailure, err.Error(), 0)
			return err
		}
		t.applySearch(ctx, p, out)
	case tool.NamePerplexitySearch:
		return t.runExternal(ctx, p)
	case tool.NameIndexKeywords:
		return t.runKeywords(ctx, p)
	case tool.NameGenerateResponse:
		t.runResponse(ctx, p)
	}
	return nil
}

// searchBatch 并发执行相邻的知识库检索，结果按原顺序合并
func (t *turn) searchBatch(ctx context.Context, calls []schema.ToolCall) error {
	items := make([]*prepared, len(calls))
	outs := make([]*tool.KnowledgeSearchOutput, len(calls))

	g, gctx := errgroup.WithContext(ctx)
	for i := range calls {
		items[i] = t.prepare(calls[i])
		if items[i].violation != "" {
			continue
		}
		args := items[i].decoded.Args.(*tool.KnowledgeSearchArgs)
		g.Go(func() error {
			outs[i] = t.d.knowledge.Search(gctx, args)
			return gctx.Err()
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		for i, p := range items {
			if outs[i] != nil {
				t.addRecord(ctx, p, model.ToolCallFailure, err.Error(), 0)
			}
		}
		return err
	}

	for i, p := range items {
		if p.violation != "" {
			t.reject(ctx, p)
			continue
		}
		t.applySearch(ctx, p, outs[i])
	}
	return nil
}

// applySearch 合并一次检索结果并计算置信度
// 多次检索时取最高置信度；置信度低或无结果且策略允许时邀请 LLM 使用外部搜索
func (t *turn) applySearch(ctx context.Context, p *prepared, out *tool.KnowledgeSearchOutput) {
	d := t.d
	conf := d.scorer.Score(out.Results, out.Query)
	if t.kbSearches == 0 || conf > t.kbConfidence {
		t.kbConfidence = conf
	}
	t.kbSearches++
	t.kbResults += out.ResultCount
	t.progress.KnowledgeSearched = true
	t.discovered = append(t.discovered, out.Citations...)

	threshold := d.policy.KBConfidenceThreshold
	low := t.kbConfidence < threshold || t.kbResults == 0
	invite := low && t.allowExternal
	if invite {
		t.progress.ExternalInvited = true
	}

	topScore := 0.0
	chunkIDs := make([]string, 0, len(out.Results))
	for i, r := range out.Results {
		if i == 0 {
			topScore = r.Score
		}
		chunkIDs = append(chunkIDs, r.ChunkID)
	}
	t.trace.Record(trace.RecordKBSearch, map[string]any{
		"query":        out.Query,
		"kb_id":        out.KBID,
		"result_count": out.ResultCount,
		"top_score":    topScore,
		"chunk_ids":    chunkIDs,
	})
	t.trace.Record(trace.RecordConfidence, map[string]any{
		"score":            conf,
		"best":             t.kbConfidence,
		"threshold":        threshold,
		"low":              low,
		"external_allowed": t.allowExternal,
		"invited":          invite,
	})

	reply := knowledgeReply{KnowledgeSearchOutput: out, Confidence: conf}
	if invite {
		reply.Guidance = fallbackGuidance(t.kbConfidence, threshold, t.kbResults == 0)
	}
	t.addRecord(ctx, p, model.ToolCallSuccess, "", 0)
	t.reply(p.call, mustJSON(reply))
}

// runExternal 外部搜索失败可恢复：记录后让 LLM 仅依据内部证据作答
func (t *turn) runExternal(ctx context.Context, p *prepared) error {
	d := t.d
	args := p.decoded.Args.(*tool.ExternalSearchArgs)

	var (
		out *tool.ExternalSearchOutput
		err error
	)
	if d.external == nil {
		err = errs.Unavailable(nil, "external search is not configured")
	} else {
		out, err = d.external.Search(ctx, args)
	}
	retries := 0
	if out != nil {
		retries = out.RetryCount
	}
	duration := d.now().Sub(p.started)

	if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			t.addRecord(ctx, p, model.ToolCallFailure, cerr.Error(), retries)
			return cerr
		}
		d.metrics.Inc(ctx, metrics.ExternalSearches, "outcome", "failure")
		t.trace.Record(trace.RecordExternalSearchError, map[string]any{
			"query":       args.Query,
			"kind":        errs.KindDependencyUnavailable,
			"cause":       errs.Classify(err),
			"reason":      errs.Reason(err),
			"duration_ms": duration.Milliseconds(),
			"retry_count": retries,
		})
		d.logger.Warn("external search failed, continuing with internal evidence",
			zap.String("turn_id", t.id), zap.Error(err))
		t.addRecord(ctx, p, model.ToolCallFailure, errs.Reason(err), retries)
		t.reply(p.call, mustJSON(rejectionReply{
			Error:    "external search unavailable: " + errs.Reason(err),
			Feedback: "Answer from the knowledge base results with generate_response.",
		}))
		return nil
	}

	t.progress.ExternalSearched = true
	if strings.TrimSpace(out.Answer) != "" {
		t.external = out
	}
	t.discovered = append(t.discovered, out.Citations...)
	d.metrics.Inc(ctx, metrics.ExternalSearches, "outcome", "success")
	t.trace.Record(trace.RecordExternalSearch, map[string]any{
		"query":          out.Query,
		"provider":       out.Provider,
		"result_id":      out.ResultID,
		"answer":         out.Answer,
		"citation_count": out.CitationCount,
		"query_time_ms":  out.QueryTimeMs,
		"duration_ms":    duration.Milliseconds(),
		"retry_count":    retries,
	})
	t.addRecord(ctx, p, model.ToolCallSuccess, "", retries)
	t.reply(p.call, mustJSON(out))
	return nil
}

func (t *turn) runKeywords(ctx context.Context, p *prepared) error {
	d := t.d
	args := p.decoded.Args.(*tool.IndexKeywordsArgs)
	if args.SessionID == "" {
		args.SessionID = t.sessionID
	}
	if args.PerplexityResultID == "" && t.external != nil {
		args.PerplexityResultID = t.external.ResultID
	}

	if d.keywords == nil {
		t.failTool(ctx, p, errs.Unavailable(nil, "keyword indexing is not configured"))
		return nil
	}
	res, err := d.keywords.Index(ctx, args)
	if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			t.addRecord(ctx, p, model.ToolCallFailure, cerr.Error(), 0)
			return cerr
		}
		t.failTool(ctx, p, err)
		return nil
	}
	t.trace.Record(trace.RecordToolResult, map[string]any{
		"tool":    tool.NameIndexKeywords,
		"outcome": model.ToolCallSuccess,
		"result":  res,
	})
	t.addRecord(ctx, p, model.ToolCallSuccess, "", 0)
	t.reply(p.call, mustJSON(res))
	return nil
}

func (t *turn) runResponse(ctx context.Context, p *prepared) {
	out := t.d.response.Finalize(p.decoded.Args.(*tool.GenerateResponseArgs))
	t.terminal = out
	t.progress.Responded = true
	t.trace.Record(trace.RecordToolResult, map[string]any{
		"tool":             tool.NameGenerateResponse,
		"outcome":          model.ToolCallSuccess,
		"confidence_score": out.ConfidenceScore,
		"citations":        len(out.Citations),
	})
	t.addRecord(ctx, p, model.ToolCallSuccess, "", 0)
	t.reply(p.call, mustJSON(out))
}

func (t *turn) failTool(ctx context.Context, p *prepared, err error) {
	t.trace.Record(trace.RecordToolResult, map[string]any{
		"tool":    p.call.Function.Name,
		"outcome": model.ToolCallFailure,
		"kind":    errs.Classify(err),
		"reason":  errs.Reason(err),
	})
	t.addRecord(ctx, p, model.ToolCallFailure, errs.Reason(err), 0)
	t.reply(p.call, mustJSON(rejectionReply{Error: errs.Reason(err)}))
}

// reject 参数或顺序不合法，记为 retry 并反馈给 LLM
func (t *turn) reject(ctx context.Context, p *prepared) {
	reason := string(p.violation)
	if p.err != nil {
		reason = errs.Reason(p.err)
	}
	feedback := Feedback(p.violation)
	t.trace.Record(trace.RecordEnforcerFeedback, map[string]any{
		"iteration": t.iteration,
		"tool":      p.call.Function.Name,
		"violation": p.violation,
		"reason":    reason,
		"feedback":  feedback,
	})
	t.addRecord(ctx, p, model.ToolCallRetry, reason, 0)
	t.reply(p.call, mustJSON(rejectionReply{Error: reason, Feedback: feedback}))
}

// feedback 把审计反馈作为 user 消息追加到上下文
func (t *turn) feedback(a Audit) {
	if a.OK {
		return
	}
	t.trace.Record(trace.RecordEnforcerFeedback, map[string]any{
		"iteration":  t.iteration,
		"violations": a.Violations,
		"feedback":   a.Feedback,
	})
	t.messages = append(t.messages, &schema.Message{Role: schema.User, Content: a.Feedback})
}

func (t *turn) reply(call schema.ToolCall, content string) {
	t.messages = append(t.messages, &schema.Message{
		Role:       schema.Tool,
		Content:    content,
		ToolCallID: call.ID,
		ToolName:   call.Function.Name,
	})
}

func (t *turn) addRecord(ctx context.Context, p *prepared, outcome model.ToolCallOutcome, errText string, retries int) {
	name := p.call.Function.Name
	if len(name) > 100 {
		name = name[:100]
	}
	var args datatypes.JSON
	if p.decoded != nil {
		args = datatypes.JSON(mustJSON(p.decoded.Arguments))
	} else if raw := RepairArguments(p.call.Function.Arguments); json.Valid([]byte(raw)) {
		args = datatypes.JSON(raw)
	} else {
		args = datatypes.JSON(mustJSON(map[string]string{"raw": p.call.Function.Arguments}))
	}

	t.records = append(t.records, &model.ToolCall{
		ID:         uuid.New().String(),
		TurnID:     t.id,
		SessionID:  t.sessionID,
		CallID:     p.call.ID,
		ToolName:   name,
		Arguments:  args,
		Outcome:    outcome,
		DurationMs: t.d.now().Sub(p.started).Milliseconds(),
		Error:      errText,
		RetryCount: retries,
		Iteration:  t.iteration,
		CreatedAt:  t.d.now().UTC(),
	})
	t.d.metrics.Inc(ctx, metrics.ToolCalls, "tool", name, "outcome", string(outcome))
}

// recordExchange LLM 交互摘要
func (t *turn) recordExchange(msg *schema.Message) {
	calls := make([]string, 0, len(msg.ToolCalls))
	for _, c := range msg.ToolCalls {
		calls = append(calls, c.Function.Name)
	}
	t.trace.Record(trace.RecordLLMExchange, map[string]any{
		"iteration":  t.iteration,
		"messages":   len(t.messages),
		"content":    msg.Content,
		"tool_calls": calls,
	})
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return `{"error":"unencodable tool output"}`
	}
	return string(b)
}
