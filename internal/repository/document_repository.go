package repository

import (
	"context"
	"time"

	"github.com/ashwinyue/stockqa/internal/errs"
	"github.com/ashwinyue/stockqa/internal/model"
	"github.com/lib/pq"
	"gorm.io/gorm"
)

// DocumentRepository 文档数据访问
type DocumentRepository struct {
	db *gorm.DB
}

// NewDocumentRepository 创建文档仓库
func NewDocumentRepository(db *gorm.DB) *DocumentRepository {
	return &DocumentRepository{db: db}
}

// CreateDocument 创建文档及其分块
func (r *DocumentRepository) CreateDocument(ctx context.Context, doc *model.Document, chunks []*model.Chunk) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(doc).Error; err != nil {
			return err
		}
		if len(chunks) == 0 {
			return nil
		}
		return tx.CreateInBatches(chunks, 100).Error
	})
}

// ReplaceDocumentChunks 替换文档分块
func (r *DocumentRepository) ReplaceDocumentChunks(ctx context.Context, doc *model.Document, prevVersion string, chunks []*model.Chunk) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&model.Chunk{}).
			Where("document_id = ? AND status = ?", doc.ID, model.ChunkStatusActive).
			Update("status", model.ChunkStatusDeleted).Error; err != nil {
			return err
		}
		if len(chunks) > 0 {
			if err := tx.CreateInBatches(chunks, 100).Error; err != nil {
				return err
			}
		}

		// 乐观校验：库中版本必须仍是读到的版本
		res := tx.Model(&model.Document{}).
			Where("id = ? AND version = ? AND status = ?", doc.ID, prevVersion, model.DocumentStatusActive).
			Updates(map[string]interface{}{
				"title":        doc.Title,
				"type":         doc.Type,
				"version":      doc.Version,
				"tags":         doc.Tags,
				"chunk_ids":    doc.ChunkIDs,
				"source_type":  doc.SourceType,
				"source_urls":  doc.SourceURLs,
				"language":     doc.Language,
				"approver":     doc.Approver,
				"content_size": doc.ContentSize,
				"content_hash": doc.ContentHash,
				"updated_at":   doc.UpdatedAt,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errs.InvalidState("document %s was modified concurrently", doc.ID)
		}
		return nil
	})
}

// SoftDeleteDocument 软删除文档
func (r *DocumentRepository) SoftDeleteDocument(ctx context.Context, doc *model.Document) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&model.Chunk{}).
			Where("document_id = ? AND status = ?", doc.ID, model.ChunkStatusActive).
			Update("status", model.ChunkStatusDeleted).Error; err != nil {
			return err
		}
		now := time.Now().UTC()
		res := tx.Model(&model.Document{}).
			Where("id = ? AND status = ?", doc.ID, model.DocumentStatusActive).
			Updates(map[string]interface{}{
				"status":     model.DocumentStatusDeleted,
				"chunk_ids":  pq.StringArray{},
				"deleted_at": now,
				"updated_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errs.InvalidState("document %s is already deleted", doc.ID)
		}
		return nil
	})
}

// GetDocument 获取文档
func (r *DocumentRepository) GetDocument(ctx context.Context, id string) (*model.Document, error) {
	var doc model.Document
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&doc).Error; err != nil {
		return nil, notFound(err, "document", id)
	}
	return &doc, nil
}

// ListDocuments 列出文档
func (r *DocumentRepository) ListDocuments(ctx context.Context, filter DocumentFilter) ([]*model.Document, int64, error) {
	query := r.db.WithContext(ctx).Model(&model.Document{})
	if filter.KnowledgeBaseID != "" {
		query = query.Where("knowledge_base_id = ?", filter.KnowledgeBaseID)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.Type != "" {
		query = query.Where("type = ?", filter.Type)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var docs []*model.Document
	err := query.Order("created_at DESC").
		Offset(filter.Offset).
		Limit(limitOrDefault(filter.Limit)).
		Find(&docs).Error
	return docs, total, err
}

// ListChunks 获取文档全部分块（含已删除）
func (r *DocumentRepository) ListChunks(ctx context.Context, documentID string) ([]*model.Chunk, error) {
	var chunks []*model.Chunk
	err := r.db.WithContext(ctx).
		Where("document_id = ?", documentID).
		Order("created_at ASC, chunk_index ASC").
		Find(&chunks).Error
	return chunks, err
}
