package agent

import (
	"fmt"
	"strings"

	"github.com/ashwinyue/stockqa/internal/service/tool"
)

const systemPromptTemplate = `You are a stock-analysis and general knowledge assistant. Answer only from the evidence returned by your tools.

Available tools:
%s
Rules:
1. Always call knowledge_base_search first. Use kb_id %q unless the user names another knowledge base.
2. %s
3. index_keywords may be called only after perplexity_search. Use query_id %q and session_id %q.
4. Deliver the final answer by calling generate_response exactly once, as the last tool call. Do not reply with plain text.
5. Cite the knowledge base chunks and web sources you used in the sources argument of generate_response.`

const (
	externalRuleAllowed   = "If the knowledge base results are weak or empty, you may call perplexity_search for up-to-date information."
	externalRuleInvited   = "Call perplexity_search only when told the knowledge base confidence is low."
	externalRuleForbidden = "External search is disabled for this question. Never call perplexity_search."
)

// BestEffortFallback 迭代耗尽且没有任何模型文本时返回的答案
const BestEffortFallback = "I could not complete a grounded answer for this question. Please try rephrasing it."

// promptParams 系统提示参数
type promptParams struct {
	KBID            string
	TurnID          string
	SessionID       string
	ExternalAllowed bool
	Discretion      bool
}

// SystemPrompt 生成声明工具目录和必选工具规则的系统提示
func SystemPrompt(p promptParams) string {
	var b strings.Builder
	for _, spec := range tool.Catalog() {
		fmt.Fprintf(&b, "- %s: %s\n", spec.Name, spec.Desc)
	}
	rule := externalRuleForbidden
	switch {
	case p.ExternalAllowed && p.Discretion:
		rule = externalRuleAllowed
	case p.ExternalAllowed:
		rule = externalRuleInvited
	}
	return fmt.Sprintf(systemPromptTemplate, b.String(), p.KBID, rule, p.TurnID, p.SessionID)
}

// fallbackGuidance 检索置信度低时附在检索结果中的提示
func fallbackGuidance(confidence, threshold float64, empty bool) string {
	if empty {
		return "The knowledge base returned no results. You may call perplexity_search before generate_response."
	}
	return fmt.Sprintf("Knowledge base confidence %.2f is below %.2f. You may call perplexity_search before generate_response.",
		confidence, threshold)
}
