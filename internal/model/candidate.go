package model

import (
	"time"

	"github.com/lib/pq"
)

// CandidateStatus 候选状态
type CandidateStatus string

const (
	CandidateStatusPending  CandidateStatus = "pending"
	CandidateStatusApproved CandidateStatus = "approved"
	CandidateStatusRejected CandidateStatus = "rejected"
	CandidateStatusModified CandidateStatus = "modified"
)

// CandidateOriginExternal 目前唯一的候选来源
const CandidateOriginExternal = "external"

// Candidate 由外部搜索答案生成、等待人工审核的知识库候选
// DocumentID 是对审核生成文档的弱引用，不做外键
type Candidate struct {
	ID               string          `json:"id" gorm:"primaryKey;size:36"`
	OriginalQuery    string          `json:"original_query" gorm:"type:text;not null"`
	QueryHash        string          `json:"query_hash" gorm:"size:64;index"`
	Origin           string          `json:"origin" gorm:"size:20;default:external"`
	ProposedTitle    string          `json:"proposed_title" gorm:"size:255"`
	ProposedBody     string          `json:"proposed_body" gorm:"type:text"`
	KnowledgeBaseID  string          `json:"kb_id" gorm:"index;size:64"`
	Category         string          `json:"category,omitempty" gorm:"size:100"`
	ExternalURLs     pq.StringArray  `json:"external_urls" gorm:"type:text[]"`
	Citations        Citations       `json:"citations,omitempty" gorm:"type:jsonb"`
	ExternalResultID string          `json:"external_result_id,omitempty" gorm:"size:64;index"`
	FirstSeenAt      time.Time       `json:"first_seen_at"`
	LastSeenAt       time.Time       `json:"last_seen_at"`
	HitCount         int             `json:"hit_count" gorm:"default:1"`
	Status           CandidateStatus `json:"status" gorm:"size:20;index;default:pending"`
	Reviewer         string          `json:"reviewer,omitempty" gorm:"size:100"`
	ReviewNotes      string          `json:"review_notes,omitempty" gorm:"type:text"`
	ReviewedAt       *time.Time      `json:"reviewed_at,omitempty"`
	DocumentID       string          `json:"document_id,omitempty" gorm:"size:36;index"`
	Keywords         []Keyword       `json:"keywords,omitempty" gorm:"many2many:candidate_keywords"`
	CreatedAt        time.Time       `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt        time.Time       `json:"updated_at" gorm:"autoUpdateTime"`
}

func (Candidate) TableName() string {
	return "candidates"
}

// Terminal 候选是否已审核
func (c *Candidate) Terminal() bool {
	return c.Status != CandidateStatusPending
}

// Approved 候选是否以批准结束（modified 视为批准）
func (c *Candidate) Approved() bool {
	return c.Status == CandidateStatusApproved || c.Status == CandidateStatusModified
}
