package model

import (
	"time"

	"github.com/lib/pq"
)

// DocumentStatus 文档状态
type DocumentStatus string

const (
	DocumentStatusActive  DocumentStatus = "active"
	DocumentStatusDeleted DocumentStatus = "deleted"
)

// ChunkStatus 分块状态
type ChunkStatus string

const (
	ChunkStatusActive  ChunkStatus = "active"
	ChunkStatusDeleted ChunkStatus = "deleted"
)

// 文档来源
const (
	SourceTypeManual   = "manual"
	SourceTypeExternal = "external"
)

// Document 知识库文档
// 元数据库只保存文档元信息，完整内容仅存在于向量索引的分块中
type Document struct {
	ID              string         `json:"id" gorm:"primaryKey;size:36"`
	KnowledgeBaseID string         `json:"kb_id" gorm:"index;size:64;not null"`
	Title           string         `json:"title" gorm:"size:255;not null"`
	Type            string         `json:"type" gorm:"size:50;index"`
	Version         string         `json:"version" gorm:"size:32;not null"`
	Status          DocumentStatus `json:"status" gorm:"size:20;index;default:active"`
	Author          string         `json:"author" gorm:"size:100"`
	Approver        string         `json:"approver,omitempty" gorm:"size:100"`
	Tags            pq.StringArray `json:"tags" gorm:"type:text[]"`
	ChunkIDs        pq.StringArray `json:"chunk_ids" gorm:"type:text[]"`
	SourceType      string         `json:"source_type" gorm:"size:30;default:manual"`
	SourceURLs      pq.StringArray `json:"source_urls" gorm:"type:text[]"`
	Language        string         `json:"language" gorm:"size:16"`
	ContentSize     int64          `json:"content_size"`
	ContentHash     string         `json:"content_hash" gorm:"size:64"`
	CreatedAt       time.Time      `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt       time.Time      `json:"updated_at" gorm:"autoUpdateTime"`
	DeletedAt       *time.Time     `json:"deleted_at,omitempty"`
}

// Chunk 文档分块
// 分块创建后不再修改内容，文档更新时旧分块置为 deleted
type Chunk struct {
	ID              string         `json:"id" gorm:"primaryKey;size:64"`
	DocumentID      string         `json:"document_id" gorm:"index;size:36;not null"`
	KnowledgeBaseID string         `json:"kb_id" gorm:"index;size:64;not null"`
	ChunkIndex      int            `json:"chunk_index"`
	Version         string         `json:"version" gorm:"size:32"`
	SectionTitle    string         `json:"section_title" gorm:"size:255"`
	SectionPath     string         `json:"section_path" gorm:"size:500"`
	Language        string         `json:"language" gorm:"size:16"`
	Tags            pq.StringArray `json:"tags" gorm:"type:text[]"`
	Status          ChunkStatus    `json:"status" gorm:"size:20;index;default:active"`
	ContentSize     int            `json:"content_size"`
	CreatedAt       time.Time      `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt       time.Time      `json:"updated_at" gorm:"autoUpdateTime"`
}

func (Document) TableName() string {
	return "documents"
}

func (Chunk) TableName() string {
	return "chunks"
}

// ActiveChunkIDs 返回文档当前 active 分块 ID
func ActiveChunkIDs(chunks []*Chunk) []string {
	ids := make([]string, 0, len(chunks))
	for _, c := range chunks {
		if c.Status == ChunkStatusActive {
			ids = append(ids, c.ID)
		}
	}
	return ids
}
