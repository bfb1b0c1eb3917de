package repository

import (
	"context"

	"github.com/ashwinyue/stockqa/internal/model"
	"gorm.io/gorm"
)

// ToolCallRepository 工具调用记录数据访问
type ToolCallRepository struct {
	db *gorm.DB
}

// NewToolCallRepository 创建工具调用记录仓库
func NewToolCallRepository(db *gorm.DB) *ToolCallRepository {
	return &ToolCallRepository{db: db}
}

// SaveToolCalls 批量写入
func (r *ToolCallRepository) SaveToolCalls(ctx context.Context, calls []*model.ToolCall) error {
	if len(calls) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).CreateInBatches(calls, 100).Error
}

// ListToolCalls 按轮次查询
func (r *ToolCallRepository) ListToolCalls(ctx context.Context, turnID string) ([]*model.ToolCall, error) {
	var calls []*model.ToolCall
	err := r.db.WithContext(ctx).
		Where("turn_id = ?", turnID).
		Order("created_at ASC").
		Find(&calls).Error
	return calls, err
}
