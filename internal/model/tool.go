package model

import (
	"time"

	"gorm.io/datatypes"
)

// ToolCallOutcome 工具调用结果
type ToolCallOutcome string

const (
	ToolCallSuccess ToolCallOutcome = "success"
	ToolCallFailure ToolCallOutcome = "failure"
	// ToolCallRetry 调用被校验或顺序规则拒绝，要求 LLM 重新发起
	ToolCallRetry ToolCallOutcome = "retry"
)

// ToolCall 每次工具分发的记录，创建后不可修改
type ToolCall struct {
	ID         string          `json:"id" gorm:"primaryKey;size:36"`
	TurnID     string          `json:"turn_id" gorm:"index;size:36"`
	SessionID  string          `json:"session_id" gorm:"index;size:64"`
	CallID     string          `json:"call_id" gorm:"size:100"`
	ToolName   string          `json:"tool_name" gorm:"size:100;index"`
	Arguments  datatypes.JSON  `json:"arguments" gorm:"type:jsonb"`
	Outcome    ToolCallOutcome `json:"outcome" gorm:"size:20;index"`
	DurationMs int64           `json:"duration_ms"`
	Error      string          `json:"error,omitempty" gorm:"type:text"`
	RetryCount int             `json:"retry_count" gorm:"default:0"`
	Iteration  int             `json:"iteration"`
	CreatedAt  time.Time       `json:"created_at" gorm:"autoCreateTime"`
}

func (ToolCall) TableName() string {
	return "tool_calls"
}
