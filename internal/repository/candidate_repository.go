package repository

import (
	"context"
	"errors"
	"time"

	"github.com/ashwinyue/stockqa/internal/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CandidateRepository 候选数据访问
type CandidateRepository struct {
	db *gorm.DB
}

// NewCandidateRepository 创建候选仓库
func NewCandidateRepository(db *gorm.DB) *CandidateRepository {
	return &CandidateRepository{db: db}
}

// FindPendingByQuery 查找 pending 候选
func (r *CandidateRepository) FindPendingByQuery(ctx context.Context, queryHash, query string) (*model.Candidate, error) {
	var c model.Candidate
	err := r.db.WithContext(ctx).
		Where("query_hash = ? AND original_query = ? AND status = ?", queryHash, query, model.CandidateStatusPending).
		Order("first_seen_at ASC").
		First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// CreateCandidate 创建候选
func (r *CandidateRepository) CreateCandidate(ctx context.Context, c *model.Candidate) error {
	return r.db.WithContext(ctx).Omit("Keywords").Create(c).Error
}

// IncrementHit 命中计数 +1
func (r *CandidateRepository) IncrementHit(ctx context.Context, id string, seenAt time.Time) (*model.Candidate, error) {
	var c model.Candidate
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.Candidate{}).
			Where("id = ?", id).
			Updates(map[string]interface{}{
				"hit_count":    gorm.Expr("hit_count + 1"),
				"last_seen_at": seenAt,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return tx.Where("id = ?", id).First(&c).Error
	})
	if err != nil {
		return nil, notFound(err, "candidate", id)
	}
	return &c, nil
}

// GetCandidate 获取候选（含关键词）
func (r *CandidateRepository) GetCandidate(ctx context.Context, id string) (*model.Candidate, error) {
	var c model.Candidate
	if err := r.db.WithContext(ctx).Preload("Keywords").Where("id = ?", id).First(&c).Error; err != nil {
		return nil, notFound(err, "candidate", id)
	}
	return &c, nil
}

// ListCandidates 列出候选
func (r *CandidateRepository) ListCandidates(ctx context.Context, filter CandidateFilter) ([]*model.Candidate, int64, error) {
	query := r.db.WithContext(ctx).Model(&model.Candidate{})
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.KnowledgeBaseID != "" {
		query = query.Where("knowledge_base_id = ?", filter.KnowledgeBaseID)
	}
	if filter.Query != "" {
		query = query.Where("original_query = ?", filter.Query)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var candidates []*model.Candidate
	err := query.Order("hit_count DESC, first_seen_at ASC").
		Offset(filter.Offset).
		Limit(limitOrDefault(filter.Limit)).
		Find(&candidates).Error
	return candidates, total, err
}

// UpdateWithLock SELECT ... FOR UPDATE 后执行状态迁移
func (r *CandidateRepository) UpdateWithLock(ctx context.Context, id string, fn func(c *model.Candidate) error) (*model.Candidate, error) {
	var c model.Candidate
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).First(&c).Error; err != nil {
			return notFound(err, "candidate", id)
		}
		if err := fn(&c); err != nil {
			return err
		}
		return tx.Omit(clause.Associations).Save(&c).Error
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// AttachKeywords 写入 candidate_keywords 关联
func (r *CandidateRepository) AttachKeywords(ctx context.Context, candidateID string, keywordIDs []string) error {
	if len(keywordIDs) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, kid := range keywordIDs {
			if err := tx.Exec(
				"INSERT INTO candidate_keywords (candidate_id, keyword_id) VALUES (?, ?) ON CONFLICT DO NOTHING",
				candidateID, kid,
			).Error; err != nil {
				return err
			}
		}
		return nil
	})
}
