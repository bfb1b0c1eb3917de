package tool

import (
	"encoding/json"
	"strings"

	"github.com/ashwinyue/stockqa/internal/errs"
	"github.com/ashwinyue/stockqa/internal/model"
)

// KnowledgeSearchArgs knowledge_base_search 参数
type KnowledgeSearchArgs struct {
	Query string `json:"query"`
	KBID  string `json:"kb_id"`
	TopK  int    `json:"top_k"`
}

// ExternalSearchArgs perplexity_search 参数
type ExternalSearchArgs struct {
	Query             string `json:"query"`
	AdditionalContext string `json:"additional_context,omitempty"`
}

// IndexKeywordsArgs index_keywords 参数
type IndexKeywordsArgs struct {
	Keywords           []string `json:"keywords"`
	QueryID            string   `json:"query_id"`
	PerplexityResultID string   `json:"perplexity_result_id,omitempty"`
	SessionID          string   `json:"session_id,omitempty"`
}

// GenerateResponseArgs generate_response 参数
type GenerateResponseArgs struct {
	Response        string           `json:"response"`
	Sources         []model.Citation `json:"sources,omitempty"`
	ConfidenceScore float64          `json:"confidence_score"`
}

// Call 一次通过校验的工具调用
// Args 的具体类型由 Name 决定：*KnowledgeSearchArgs / *ExternalSearchArgs / *IndexKeywordsArgs / *GenerateResponseArgs
type Call struct {
	Name string
	Args any
	// Arguments 清理并补全默认值后的参数
	Arguments map[string]any
}

// Registry 按工具名把原始 JSON 参数解码为对应的参数类型
type Registry struct {
	validator *Validator
}

// NewRegistry 创建解码器
func NewRegistry(v *Validator) *Registry {
	return &Registry{validator: v}
}

// NewDefaultRegistry 使用固定工具目录创建解码器
func NewDefaultRegistry() *Registry {
	return NewRegistry(NewValidator(Catalog()))
}

// Validator 返回底层校验器
func (r *Registry) Validator() *Validator { return r.validator }

// Decode 校验工具名和参数，清理字符串，补全默认值并解码为参数类型
// 所有失败均为 validation 类错误
func (r *Registry) Decode(name, raw string) (*Call, error) {
	if err := r.validator.ValidateName(name); err != nil {
		return nil, err
	}

	raw = strings.TrimSpace(raw)
	if raw == "" {
		raw = "{}"
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil || args == nil {
		return nil, errs.Validation("%s arguments must be a JSON object", name)
	}

	if err := r.validator.ValidateArguments(name, args); err != nil {
		return nil, err
	}
	sanitizeValue(args)

	spec, _ := r.validator.Spec(name)
	applyDefaults(spec.Params, args)

	var target any
	switch name {
	case NameKnowledgeSearch:
		target = &KnowledgeSearchArgs{}
	case NamePerplexitySearch:
		target = &ExternalSearchArgs{}
	case NameIndexKeywords:
		target = &IndexKeywordsArgs{}
	case NameGenerateResponse:
		target = &GenerateResponseArgs{}
	default:
		return nil, errUnknown(name)
	}

	b, err := json.Marshal(args)
	if err != nil {
		return nil, errs.Validation("%s arguments cannot be encoded", name)
	}
	if err := json.Unmarshal(b, target); err != nil {
		return nil, errs.Validation("%s arguments have the wrong shape: %v", name, err)
	}
	return &Call{Name: name, Args: target, Arguments: args}, nil
}

func applyDefaults(params []Param, args map[string]any) {
	for _, p := range params {
		if v, ok := args[p.Name]; (!ok || v == nil) && p.Default != nil {
			args[p.Name] = p.Default
		}
	}
}

func errUnknown(name string) error {
	return errs.Validation("unknown tool %q", name)
}
