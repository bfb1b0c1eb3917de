package repository

import (
	"context"
	"time"

	"github.com/ashwinyue/stockqa/internal/model"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// KeywordRepository 关键词数据访问
type KeywordRepository struct {
	db *gorm.DB
}

// NewKeywordRepository 创建关键词仓库
func NewKeywordRepository(db *gorm.DB) *KeywordRepository {
	return &KeywordRepository{db: db}
}

const upsertKeywordSQL = `
INSERT INTO keywords (id, text, usage_count, last_used_at, created_at)
VALUES (?, ?, 1, ?, ?)
ON CONFLICT ((lower(text))) DO UPDATE
SET usage_count = keywords.usage_count + 1, last_used_at = EXCLUDED.last_used_at
RETURNING id, text, usage_count, last_used_at, created_at, (xmax = 0) AS inserted`

type upsertRow struct {
	model.Keyword
	Inserted bool
}

// UpsertKeyword 依赖 lower(text) 唯一索引做原子 upsert
func (r *KeywordRepository) UpsertKeyword(ctx context.Context, text string, usedAt time.Time) (*model.Keyword, bool, error) {
	var row upsertRow
	err := r.db.WithContext(ctx).
		Raw(upsertKeywordSQL, uuid.New().String(), text, usedAt, usedAt).
		Scan(&row).Error
	if err != nil {
		return nil, false, err
	}
	kw := row.Keyword
	return &kw, row.Inserted, nil
}

// CreateAssociations 批量写入关联
func (r *KeywordRepository) CreateAssociations(ctx context.Context, assocs []*model.KeywordAssociation) error {
	if len(assocs) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).CreateInBatches(assocs, 100).Error
}

// KeywordIDsByExternalResult 查询与外部结果关联的关键词
func (r *KeywordRepository) KeywordIDsByExternalResult(ctx context.Context, externalResultID string) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).
		Model(&model.KeywordAssociation{}).
		Distinct("keyword_id").
		Where("external_result_id = ?", externalResultID).
		Pluck("keyword_id", &ids).Error
	return ids, err
}
