package agent

import (
	"strings"

	"github.com/ashwinyue/stockqa/internal/model"
	"github.com/ashwinyue/stockqa/internal/service/tool"
)

// Violation 工具调用规则违规
type Violation string

const (
	ViolationDirectContent          Violation = "direct_content"
	ViolationMissingKnowledgeSearch Violation = "missing_knowledge_search"
	ViolationMissingResponse        Violation = "missing_generate_response"
	ViolationResponseBeforeSearch   Violation = "response_before_knowledge_search"
	ViolationExternalBeforeSearch   Violation = "external_before_knowledge_search"
	ViolationKeywordsBeforeExternal Violation = "keywords_before_external_search"
	ViolationResponseNotLast        Violation = "response_not_last"
	ViolationExternalDisabled       Violation = "external_disabled"
	ViolationExternalNotNeeded      Violation = "external_not_needed"
	ViolationInvalidArguments       Violation = "invalid_arguments"
)

// 反馈按该顺序拼接，相同违规集合得到相同文本
var violationOrder = []Violation{
	ViolationDirectContent,
	ViolationMissingKnowledgeSearch,
	ViolationResponseBeforeSearch,
	ViolationExternalBeforeSearch,
	ViolationKeywordsBeforeExternal,
	ViolationExternalDisabled,
	ViolationExternalNotNeeded,
	ViolationInvalidArguments,
	ViolationResponseNotLast,
	ViolationMissingResponse,
}

var feedbackText = map[Violation]string{
	ViolationDirectContent:          "You replied with plain text. Answers must be delivered through tool calls.",
	ViolationMissingKnowledgeSearch: "You must call knowledge_base_search before answering.",
	ViolationResponseBeforeSearch:   "generate_response was called before knowledge_base_search. Search the knowledge base first.",
	ViolationExternalBeforeSearch:   "perplexity_search is only allowed after knowledge_base_search.",
	ViolationKeywordsBeforeExternal: "index_keywords is only allowed after a successful perplexity_search.",
	ViolationExternalDisabled:       "External search is disabled for this question. Answer from the knowledge base results.",
	ViolationExternalNotNeeded:      "The knowledge base results are sufficient. Answer without external search.",
	ViolationInvalidArguments:       "The tool arguments were invalid. Fix them according to the tool schema and call the tool again.",
	ViolationResponseNotLast:        "generate_response must be the last tool call of the turn.",
	ViolationMissingResponse:        "You must call generate_response to deliver the final answer.",
}

// Feedback 违规集合对应的纠正文本，可作为下一轮的 user 消息
func Feedback(violations ...Violation) string {
	if len(violations) == 0 {
		return ""
	}
	set := make(map[Violation]bool, len(violations))
	for _, v := range violations {
		set[v] = true
	}
	parts := make([]string, 0, len(set))
	for _, v := range violationOrder {
		if set[v] {
			parts = append(parts, feedbackText[v])
		}
	}
	return strings.Join(parts, " ")
}

// Audit 审计结果
type Audit struct {
	OK         bool        `json:"ok"`
	Violations []Violation `json:"violations,omitempty"`
	Feedback   string      `json:"feedback,omitempty"`
}

// Progress 当前轮次已执行的工具
type Progress struct {
	KnowledgeSearched bool
	ExternalSearched  bool
	Responded         bool
	// ExternalAllowed 本轮策略允许外部搜索
	ExternalAllowed bool
	// ExternalInvited 检索置信度低，已邀请 LLM 使用外部搜索
	ExternalInvited bool
	// Discretion 置信度足够时仍允许外部搜索
	Discretion bool
}

// Enforcer 必选工具与调用顺序检查，不做任何 I/O
type Enforcer struct{}

// NewEnforcer 创建 Enforcer
func NewEnforcer() *Enforcer { return &Enforcer{} }

// Permit 分发前检查工具在当前进度下是否合法，合法时返回空字符串
func (e *Enforcer) Permit(name string, p Progress) Violation {
	switch name {
	case tool.NameKnowledgeSearch:
		return ""
	case tool.NamePerplexitySearch:
		if !p.KnowledgeSearched {
			return ViolationExternalBeforeSearch
		}
		if !p.ExternalAllowed {
			return ViolationExternalDisabled
		}
		if !p.ExternalInvited && !p.Discretion {
			return ViolationExternalNotNeeded
		}
	case tool.NameIndexKeywords:
		if !p.ExternalSearched {
			return ViolationKeywordsBeforeExternal
		}
	case tool.NameGenerateResponse:
		if !p.KnowledgeSearched {
			return ViolationResponseBeforeSearch
		}
	}
	return ""
}

// Audit 检查一轮已执行的工具记录
// directContent 表示 LLM 本次返回了纯文本而没有工具调用
func (e *Enforcer) Audit(records []*model.ToolCall, directContent bool) Audit {
	var violations []Violation
	if directContent {
		violations = append(violations, ViolationDirectContent)
	}

	searched := false
	responded := false
	for _, r := range records {
		if r.Outcome == model.ToolCallRetry {
			continue
		}
		if responded {
			violations = append(violations, ViolationResponseNotLast)
			break
		}
		switch r.ToolName {
		case tool.NameKnowledgeSearch:
			if r.Outcome == model.ToolCallSuccess {
				searched = true
			}
		case tool.NamePerplexitySearch:
			if !searched {
				violations = append(violations, ViolationExternalBeforeSearch)
			}
		case tool.NameGenerateResponse:
			if !searched {
				violations = append(violations, ViolationResponseBeforeSearch)
			}
			responded = true
		}
	}
	if !searched {
		violations = append(violations, ViolationMissingKnowledgeSearch)
	}
	if !responded {
		violations = append(violations, ViolationMissingResponse)
	}

	if len(violations) == 0 {
		return Audit{OK: true}
	}
	return Audit{Violations: dedupViolations(violations), Feedback: Feedback(violations...)}
}

func dedupViolations(list []Violation) []Violation {
	seen := make(map[Violation]bool, len(list))
	out := make([]Violation, 0, len(list))
	for _, v := range violationOrder {
		for _, x := range list {
			if x == v && !seen[v] {
				seen[v] = true
				out = append(out, v)
			}
		}
	}
	return out
}
