// Package candidate 外部答案生成的知识库候选及其审核流程
//
// 状态机：pending → approved | rejected | modified，终态不可再迁移；
// 已批准的候选可以 reimport，生成新文档但不改变状态。
package candidate

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ashwinyue/stockqa/internal/errs"
	"github.com/ashwinyue/stockqa/internal/logger"
	"github.com/ashwinyue/stockqa/internal/metrics"
	"github.com/ashwinyue/stockqa/internal/model"
	"github.com/ashwinyue/stockqa/internal/pkg/keylock"
	"github.com/ashwinyue/stockqa/internal/repository"
	"github.com/ashwinyue/stockqa/internal/service/event"
	"github.com/ashwinyue/stockqa/internal/service/knowledge"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"
)

const (
	// MaxTitleLength 候选标题最大字符数（含省略号）
	MaxTitleLength = 100
	ellipsis       = "..."
	// DocumentTypeCurated 审核生成的文档类型
	DocumentTypeCurated = "curated"
)

// Documents 候选批准时调用的文档服务
type Documents interface {
	Create(ctx context.Context, req *knowledge.DocumentRequest, author string) (*model.Document, error)
	Delete(ctx context.Context, id, actor string) error
}

// KeywordSource 按外部结果 id 查询关键词
type KeywordSource interface {
	KeywordIDsForExternalResult(ctx context.Context, externalResultID string) ([]string, error)
}

// Config 候选服务依赖
type Config struct {
	Store     repository.CandidateStore
	Documents Documents
	Keywords  KeywordSource
	Bus       *event.Bus
	Metrics   *metrics.Metrics
	// Dedup 是否按原始查询去重
	Dedup bool
}

// ProposeRequest 候选提议
type ProposeRequest struct {
	Query            string
	Answer           string
	Citations        []model.Citation
	KBID             string
	Category         string
	ExternalResultID string
}

// Proposal 提议结果
type Proposal struct {
	Candidate    *model.Candidate
	Deduplicated bool
}

// Review 审核参数
type Review struct {
	Reviewer string `json:"reviewer"`
	Notes    string `json:"notes"`
}

// Curator 候选服务
type Curator struct {
	store    repository.CandidateStore
	docs     Documents
	keywords KeywordSource
	bus      *event.Bus
	metrics  *metrics.Metrics
	dedup    bool
	locks    *keylock.KeyLock
	logger   *zap.Logger
	now      func() time.Time
}

// NewCurator 创建候选服务
func NewCurator(cfg Config, l *zap.Logger) *Curator {
	return &Curator{
		store:    cfg.Store,
		docs:     cfg.Documents,
		keywords: cfg.Keywords,
		bus:      cfg.Bus,
		metrics:  cfg.Metrics,
		dedup:    cfg.Dedup,
		locks:    keylock.New(),
		logger:   logger.OrNop(l).Named("curator"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Propose 由外部答案提议候选
// 没有外部引用时返回 nil, nil；相同查询的 pending 候选已存在时命中计数 +1
func (c *Curator) Propose(ctx context.Context, req ProposeRequest) (*Proposal, error) {
	external := model.Citations(req.Citations).External()
	if len(external) == 0 {
		return nil, nil
	}
	if strings.TrimSpace(req.Query) == "" {
		return nil, errs.Validation("candidate query must not be blank")
	}
	if strings.TrimSpace(req.Answer) == "" {
		return nil, errs.Validation("candidate answer must not be blank")
	}

	hash := Fingerprint(req.Query, "")
	unlock, err := c.locks.Lock(ctx, hash)
	if err != nil {
		return nil, errs.Timeout(err, "waiting for candidate lock")
	}
	defer unlock()

	now := c.now()
	if c.dedup {
		existing, err := c.store.FindPendingByQuery(ctx, hash, req.Query)
		if err != nil {
			return nil, errs.Internal(err, "failed to look up candidate")
		}
		if existing != nil {
			updated, err := c.store.IncrementHit(ctx, existing.ID, now)
			if err != nil {
				return nil, persistErr(err, "failed to update candidate")
			}
			c.attachKeywords(ctx, updated.ID, req.ExternalResultID)
			c.metrics.Inc(ctx, metrics.CandidatesDeduplicated)
			c.publish(ctx, event.CandidateDeduplicated, updated, "", map[string]any{"hit_count": updated.HitCount})
			c.logger.Info("candidate deduplicated",
				zap.String("candidate_id", updated.ID), zap.Int("hit_count", updated.HitCount))
			return &Proposal{Candidate: updated, Deduplicated: true}, nil
		}
	}

	kbID := strings.TrimSpace(req.KBID)
	if kbID == "" {
		kbID = knowledge.DefaultKBID
	}
	cand := &model.Candidate{
		ID:               uuid.New().String(),
		OriginalQuery:    req.Query,
		QueryHash:        hash,
		Origin:           model.CandidateOriginExternal,
		ProposedTitle:    Title(req.Query),
		ProposedBody:     req.Answer,
		KnowledgeBaseID:  kbID,
		Category:         req.Category,
		ExternalURLs:     externalURLs(external),
		Citations:        external,
		ExternalResultID: req.ExternalResultID,
		FirstSeenAt:      now,
		LastSeenAt:       now,
		HitCount:         1,
		Status:           model.CandidateStatusPending,
	}
	if err := c.store.CreateCandidate(ctx, cand); err != nil {
		return nil, errs.Internal(err, "failed to save candidate")
	}
	c.attachKeywords(ctx, cand.ID, req.ExternalResultID)

	c.metrics.Inc(ctx, metrics.CandidatesProposed)
	c.publish(ctx, event.CandidateProposed, cand, "", map[string]any{"kb_id": kbID, "urls": len(cand.ExternalURLs)})
	c.logger.Info("candidate proposed", zap.String("candidate_id", cand.ID), zap.String("kb_id", kbID))
	return &Proposal{Candidate: cand}, nil
}

// Get 获取候选
func (c *Curator) Get(ctx context.Context, id string) (*model.Candidate, error) {
	if strings.TrimSpace(id) == "" {
		return nil, errs.Validation("candidate id is required")
	}
	cand, err := c.store.GetCandidate(ctx, id)
	if err != nil {
		return nil, persistErr(err, "failed to load candidate")
	}
	return cand, nil
}

// List 按条件列出候选
func (c *Curator) List(ctx context.Context, filter repository.CandidateFilter) ([]*model.Candidate, int64, error) {
	switch filter.Status {
	case "", model.CandidateStatusPending, model.CandidateStatusApproved,
		model.CandidateStatusRejected, model.CandidateStatusModified:
	default:
		return nil, 0, errs.Validation("unknown candidate status %q", filter.Status)
	}
	list, total, err := c.store.ListCandidates(ctx, filter)
	if err != nil {
		return nil, 0, errs.Internal(err, "failed to list candidates")
	}
	return list, total, nil
}

// Approve 批准候选并生成文档
func (c *Curator) Approve(ctx context.Context, id string, r Review) (*model.Document, error) {
	doc, _, err := c.transition(ctx, id, r, model.CandidateStatusApproved, nil)
	return doc, err
}

// Modify 以审核人提交的内容覆盖标题 / 正文后批准，计入批准指标
func (c *Curator) Modify(ctx context.Context, id string, req *knowledge.DocumentRequest, r Review) (*model.Document, error) {
	if req == nil {
		return nil, errs.Validation("modified document request is required")
	}
	doc, _, err := c.transition(ctx, id, r, model.CandidateStatusModified, req)
	return doc, err
}

// Reject 拒绝候选，不生成文档
func (c *Curator) Reject(ctx context.Context, id string, r Review) error {
	_, _, err := c.transition(ctx, id, r, model.CandidateStatusRejected, nil)
	return err
}

// transition pending 候选的单次状态迁移
// 文档在候选行锁内创建；候选保存失败时补偿删除已创建的文档
func (c *Curator) transition(ctx context.Context, id string, r Review, to model.CandidateStatus, override *knowledge.DocumentRequest) (*model.Document, *model.Candidate, error) {
	if err := validateReview(r); err != nil {
		return nil, nil, err
	}
	unlock, err := c.locks.Lock(ctx, id)
	if err != nil {
		return nil, nil, errs.Timeout(err, "waiting for candidate lock")
	}
	defer unlock()

	var doc *model.Document
	updated, err := c.store.UpdateWithLock(ctx, id, func(cand *model.Candidate) error {
		if cand.Status != model.CandidateStatusPending {
			return errs.InvalidState("candidate %s is already %s", id, cand.Status)
		}
		if to != model.CandidateStatusRejected {
			if override != nil {
				applyOverride(cand, override)
			}
			d, err := c.docs.Create(ctx, documentRequest(cand, override, r.Reviewer), r.Reviewer)
			if err != nil {
				return err
			}
			doc = d
			cand.DocumentID = d.ID
		}
		now := c.now()
		cand.Status = to
		cand.Reviewer = r.Reviewer
		cand.ReviewNotes = r.Notes
		cand.ReviewedAt = &now
		return nil
	})
	if err != nil {
		if doc != nil {
			c.compensate(ctx, doc.ID, r.Reviewer)
		}
		return nil, nil, persistErr(err, "failed to review candidate")
	}

	switch to {
	case model.CandidateStatusApproved:
		c.metrics.Inc(ctx, metrics.CandidateApprovals)
		c.publish(ctx, event.CandidateApproved, updated, r.Reviewer, map[string]any{"document_id": updated.DocumentID})
	case model.CandidateStatusModified:
		c.metrics.Inc(ctx, metrics.CandidateApprovals)
		c.publish(ctx, event.CandidateModified, updated, r.Reviewer, map[string]any{"document_id": updated.DocumentID})
	case model.CandidateStatusRejected:
		c.metrics.Inc(ctx, metrics.CandidateRejections)
		c.publish(ctx, event.CandidateRejected, updated, r.Reviewer, nil)
	}
	c.logger.Info("candidate reviewed",
		zap.String("candidate_id", id), zap.String("status", string(to)), zap.String("reviewer", r.Reviewer))
	return doc, updated, nil
}

// Reimport 为已批准的候选重新生成文档，替换候选记录的文档 id，状态不变
func (c *Curator) Reimport(ctx context.Context, id string, r Review) (*model.Document, error) {
	if err := validateReview(r); err != nil {
		return nil, err
	}
	unlock, err := c.locks.Lock(ctx, id)
	if err != nil {
		return nil, errs.Timeout(err, "waiting for candidate lock")
	}
	defer unlock()

	var (
		doc      *model.Document
		previous string
	)
	updated, err := c.store.UpdateWithLock(ctx, id, func(cand *model.Candidate) error {
		if !cand.Approved() {
			return errs.InvalidState("candidate %s is %s, only approved candidates can be reimported", id, cand.Status)
		}
		d, err := c.docs.Create(ctx, documentRequest(cand, nil, r.Reviewer), r.Reviewer)
		if err != nil {
			return err
		}
		doc = d
		previous = cand.DocumentID
		cand.DocumentID = d.ID
		if r.Notes != "" {
			cand.ReviewNotes = r.Notes
		}
		return nil
	})
	if err != nil {
		if doc != nil {
			c.compensate(ctx, doc.ID, r.Reviewer)
		}
		return nil, persistErr(err, "failed to reimport candidate")
	}

	c.publish(ctx, event.CandidateReimported, updated, r.Reviewer, map[string]any{
		"document_id":          doc.ID,
		"previous_document_id": previous,
	})
	c.logger.Info("candidate reimported", zap.String("candidate_id", id), zap.String("document_id", doc.ID))
	return doc, nil
}

func (c *Curator) compensate(ctx context.Context, docID, actor string) {
	if err := c.docs.Delete(context.WithoutCancel(ctx), docID, actor); err != nil {
		c.logger.Error("failed to roll back document created during review",
			zap.String("document_id", docID), zap.Error(err))
		return
	}
	c.logger.Warn("rolled back document created during review", zap.String("document_id", docID))
}

// attachKeywords 关联外部结果上的关键词，失败只记录日志
func (c *Curator) attachKeywords(ctx context.Context, candidateID, externalResultID string) {
	if c.keywords == nil || externalResultID == "" {
		return
	}
	ids, err := c.keywords.KeywordIDsForExternalResult(ctx, externalResultID)
	if err != nil {
		c.logger.Warn("failed to load keywords for candidate", zap.String("candidate_id", candidateID), zap.Error(err))
		return
	}
	if len(ids) == 0 {
		return
	}
	if err := c.store.AttachKeywords(ctx, candidateID, ids); err != nil {
		c.logger.Warn("failed to attach keywords to candidate", zap.String("candidate_id", candidateID), zap.Error(err))
	}
}

func (c *Curator) publish(ctx context.Context, t event.Type, cand *model.Candidate, actor string, data map[string]any) {
	evt := event.New(t, cand.ID, data)
	evt.Actor = actor
	c.bus.Publish(ctx, evt)
}

func validateReview(r Review) error {
	if strings.TrimSpace(r.Reviewer) == "" {
		return errs.Validation("reviewer is required")
	}
	return nil
}

// applyOverride 审核人提交的标题 / 正文写回候选
func applyOverride(cand *model.Candidate, req *knowledge.DocumentRequest) {
	if t := strings.TrimSpace(req.Title); t != "" {
		cand.ProposedTitle = t
	}
	if strings.TrimSpace(req.Content) != "" {
		cand.ProposedBody = req.Content
	}
	if req.KBID != "" {
		cand.KnowledgeBaseID = req.KBID
	}
}

func documentRequest(cand *model.Candidate, override *knowledge.DocumentRequest, reviewer string) *knowledge.DocumentRequest {
	req := &knowledge.DocumentRequest{
		KBID:       cand.KnowledgeBaseID,
		Title:      cand.ProposedTitle,
		Content:    cand.ProposedBody,
		Type:       DocumentTypeCurated,
		Format:     knowledge.FormatMarkdown,
		SourceType: model.SourceTypeExternal,
		SourceURLs: append([]string(nil), cand.ExternalURLs...),
		Approver:   reviewer,
	}
	if cand.Category != "" {
		req.Tags = []string{cand.Category}
	}
	if override != nil {
		if override.Type != "" {
			req.Type = override.Type
		}
		if override.Format != "" {
			req.Format = override.Format
		}
		if len(override.Tags) > 0 {
			req.Tags = override.Tags
		}
		if len(override.SourceURLs) > 0 {
			req.SourceURLs = override.SourceURLs
		}
		req.Language = override.Language
	}
	return req
}

// Title 查询截断为候选标题，截断时以省略号结尾
func Title(query string) string {
	q := strings.TrimSpace(query)
	if utf8.RuneCountInString(q) <= MaxTitleLength {
		return q
	}
	r := []rune(q)
	return string(r[:MaxTitleLength-utf8.RuneCountInString(ellipsis)]) + ellipsis
}

func externalURLs(citations []model.Citation) pq.StringArray {
	var urls pq.StringArray
	seen := make(map[string]bool)
	for _, ct := range citations {
		if ct.URL != "" && !seen[ct.URL] {
			seen[ct.URL] = true
			urls = append(urls, ct.URL)
		}
	}
	return urls
}

func persistErr(err error, msg string) error {
	if errs.Classify(err) == errs.KindInternal {
		return errs.Internal(err, msg)
	}
	return err
}
