package model

import "time"

// Keyword 搜索增强关键词，仅用于启发式，不具权威性
// Text 保存规范化后的小写形式，lower(text) 唯一
type Keyword struct {
	ID         string    `json:"id" gorm:"primaryKey;size:36"`
	Text       string    `json:"text" gorm:"size:50;not null;uniqueIndex:idx_keywords_lower_text,expression:lower(text)"`
	UsageCount int       `json:"usage_count" gorm:"default:1"`
	LastUsedAt time.Time `json:"last_used_at"`
	CreatedAt  time.Time `json:"created_at" gorm:"autoCreateTime"`
}

// KeywordAssociation 关键词与查询 / 外部结果的关联
// QueryID 与 ExternalResultID 至少一个非空
type KeywordAssociation struct {
	ID               string    `json:"id" gorm:"primaryKey;size:36"`
	KeywordID        string    `json:"keyword_id" gorm:"index;size:36;not null"`
	QueryID          string    `json:"query_id,omitempty" gorm:"index;size:64"`
	ExternalResultID string    `json:"external_result_id,omitempty" gorm:"index;size:64;check:chk_keyword_assoc_target,query_id <> '' OR external_result_id <> ''"`
	SessionID        string    `json:"session_id,omitempty" gorm:"size:64"`
	CreatedAt        time.Time `json:"created_at" gorm:"autoCreateTime"`
}

func (Keyword) TableName() string {
	return "keywords"
}

func (KeywordAssociation) TableName() string {
	return "keyword_associations"
}
