package repository

import (
	"errors"

	"github.com/ashwinyue/stockqa/internal/errs"
	"gorm.io/gorm"
)

// Repositories 仓库集合，用于统一管理所有仓库
type Repositories struct {
	DB        *gorm.DB // 直接访问数据库
	Documents *DocumentRepository
	Candidate *CandidateRepository
	ToolCalls *ToolCallRepository
	Keywords  *KeywordRepository
}

// NewRepositories 创建所有仓库
func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		DB:        db,
		Documents: NewDocumentRepository(db),
		Candidate: NewCandidateRepository(db),
		ToolCalls: NewToolCallRepository(db),
		Keywords:  NewKeywordRepository(db),
	}
}

// notFound 将 gorm 未找到错误转换为分类错误
func notFound(err error, what, id string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return errs.NotFound("%s %s not found", what, id)
	}
	return err
}

func limitOrDefault(limit int) int {
	if limit <= 0 || limit > 200 {
		return 50
	}
	return limit
}
