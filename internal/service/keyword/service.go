// Package keyword 搜索增强关键词的规范化和索引
package keyword

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ashwinyue/stockqa/internal/errs"
	"github.com/ashwinyue/stockqa/internal/logger"
	"github.com/ashwinyue/stockqa/internal/model"
	"github.com/ashwinyue/stockqa/internal/repository"
	"go.uber.org/zap"
)

const (
	MinLength = 2
	MaxLength = 50
)

// stopWords 固定停用词
var stopWords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {}, "by": {},
	"for": {}, "from": {}, "has": {}, "he": {}, "in": {}, "is": {}, "it": {}, "its": {},
	"of": {}, "on": {}, "or": {}, "that": {}, "the": {}, "to": {}, "was": {}, "were": {},
	"will": {}, "with": {}, "what": {}, "when": {}, "where": {}, "which": {}, "who": {},
	"why": {}, "how": {}, "this": {}, "these": {}, "those": {}, "do": {}, "does": {},
	"stock": {}, "stocks": {},
}

// Request 索引请求，QueryID 与 ExternalResultID 至少一个非空
type Request struct {
	Keywords         []string
	QueryID          string
	ExternalResultID string
	SessionID        string
}

// Result 索引结果
type Result struct {
	Indexed    int `json:"indexed"`
	Duplicates int `json:"duplicates"`
	Invalid    int `json:"invalid"`
}

// Service 关键词服务
type Service struct {
	store  repository.KeywordStore
	logger *zap.Logger
	now    func() time.Time
}

// NewService 创建关键词服务
func NewService(store repository.KeywordStore, l *zap.Logger) *Service {
	return &Service{
		store:  store,
		logger: logger.OrNop(l).Named("keyword"),
		now:    time.Now,
	}
}

// Normalize 规范化关键词
// valid 为去重后的合法小写关键词（保持输入顺序），repeated 为输入中重复出现的个数，invalid 为被拒绝的个数
func Normalize(list []string) (valid []string, repeated, invalid int) {
	seen := make(map[string]struct{}, len(list))
	for _, raw := range list {
		kw := strings.ToLower(strings.TrimSpace(raw))
		n := utf8.RuneCountInString(kw)
		if n < MinLength || n > MaxLength {
			invalid++
			continue
		}
		if _, stop := stopWords[kw]; stop {
			invalid++
			continue
		}
		if _, dup := seen[kw]; dup {
			repeated++
			continue
		}
		seen[kw] = struct{}{}
		valid = append(valid, kw)
	}
	return valid, repeated, invalid
}

// Index 写入关键词并建立关联
// 新建的关键词计入 indexed，已存在或输入内重复的计入 duplicates
func (s *Service) Index(ctx context.Context, req Request) (*Result, error) {
	if strings.TrimSpace(req.QueryID) == "" && strings.TrimSpace(req.ExternalResultID) == "" {
		return nil, errs.Validation("query id or external result id is required")
	}

	valid, repeated, invalid := Normalize(req.Keywords)
	res := &Result{Duplicates: repeated, Invalid: invalid}
	if len(valid) == 0 {
		return res, nil
	}

	now := s.now().UTC()
	assocs := make([]*model.KeywordAssociation, 0, len(valid))
	for _, text := range valid {
		kw, created, err := s.store.UpsertKeyword(ctx, text, now)
		if err != nil {
			return nil, errs.Internal(err, "failed to upsert keyword")
		}
		if created {
			res.Indexed++
		} else {
			res.Duplicates++
		}
		assocs = append(assocs, &model.KeywordAssociation{
			KeywordID:        kw.ID,
			QueryID:          req.QueryID,
			ExternalResultID: req.ExternalResultID,
			SessionID:        req.SessionID,
		})
	}

	if err := s.store.CreateAssociations(ctx, assocs); err != nil {
		return nil, errs.Internal(err, "failed to create keyword associations")
	}

	s.logger.Debug("keywords indexed",
		zap.String("query_id", req.QueryID),
		zap.String("external_result_id", req.ExternalResultID),
		zap.Int("indexed", res.Indexed),
		zap.Int("duplicates", res.Duplicates),
		zap.Int("invalid", res.Invalid))
	return res, nil
}

// KeywordIDsForExternalResult 查询外部结果关联的关键词 id
func (s *Service) KeywordIDsForExternalResult(ctx context.Context, externalResultID string) ([]string, error) {
	if externalResultID == "" {
		return nil, nil
	}
	return s.store.KeywordIDsByExternalResult(ctx, externalResultID)
}
