// Package tool 实现问答流水线的封闭工具集
// 每个工具由一份参数 Spec 描述，Spec 同时用于参数校验和生成暴露给 LLM 的 ToolInfo
package tool

import (
	"github.com/cloudwego/eino/schema"
)

const (
	NameKnowledgeSearch  = "knowledge_base_search"
	NamePerplexitySearch = "perplexity_search"
	NameIndexKeywords    = "index_keywords"
	NameGenerateResponse = "generate_response"
)

// ParamType 参数类型
type ParamType string

const (
	TypeString  ParamType = "string"
	TypeInteger ParamType = "integer"
	TypeNumber  ParamType = "number"
	TypeBoolean ParamType = "boolean"
	TypeArray   ParamType = "array"
	TypeObject  ParamType = "object"
)

// Param 参数约束
// 字符串按去除首尾空白后的字符数校验 MinLen/MaxLen，数组按元素个数校验
type Param struct {
	Name     string
	Type     ParamType
	Desc     string
	Required bool
	MinLen   int
	MaxLen   int
	Min      *float64
	Max      *float64
	Enum     []string
	Default  any
	Items    *Param
	Fields   []Param
}

// Spec 工具描述
type Spec struct {
	Name   string
	Desc   string
	Params []Param
}

func num(v float64) *float64 { return &v }

var citationFields = []Param{
	{Name: "source", Type: TypeString, Desc: "internal 或 external", Required: true, Enum: []string{"internal", "external"}},
	{Name: "document_id", Type: TypeString, Desc: "知识库文档 id", MaxLen: 100},
	{Name: "title", Type: TypeString, Desc: "标题", MaxLen: 500},
	{Name: "section", Type: TypeString, Desc: "章节", MaxLen: 500},
	{Name: "url", Type: TypeString, Desc: "外部来源链接", MaxLen: 2000},
	{Name: "score", Type: TypeNumber, Desc: "相关度", Min: num(0), Max: num(1)},
	{Name: "snippet", Type: TypeString, Desc: "引用片段", MaxLen: 2000},
}

// Catalog 返回固定的工具目录
func Catalog() []Spec {
	return []Spec{
		{
			Name: NameKnowledgeSearch,
			Desc: "Search the internal knowledge base for chunks relevant to the query. Must be called before generate_response.",
			Params: []Param{
				{Name: "query", Type: TypeString, Desc: "search query", Required: true, MinLen: 1, MaxLen: 5000},
				{Name: "kb_id", Type: TypeString, Desc: "knowledge base id", MinLen: 1, MaxLen: 100, Default: "default"},
				{Name: "top_k", Type: TypeInteger, Desc: "number of chunks to return", Min: num(1), Max: num(20), Default: 5},
			},
		},
		{
			Name: NamePerplexitySearch,
			Desc: "Search the web for up-to-date information. Only call after knowledge_base_search when internal evidence is insufficient.",
			Params: []Param{
				{Name: "query", Type: TypeString, Desc: "search query", Required: true, MinLen: 1, MaxLen: 5000},
				{Name: "additional_context", Type: TypeString, Desc: "extra context for the search", MaxLen: 2000},
			},
		},
		{
			Name: NameIndexKeywords,
			Desc: "Record search keywords extracted from the query and the external result. Only call after perplexity_search.",
			Params: []Param{
				// 单个关键词的长度由 keyword.Normalize 判定并计入 invalid，不拒绝整次调用
				{Name: "keywords", Type: TypeArray, Desc: "keywords, 2-50 characters each", Required: true, MinLen: 1, MaxLen: 50,
					Items: &Param{Type: TypeString}},
				{Name: "query_id", Type: TypeString, Desc: "id of the query", Required: true, MinLen: 1, MaxLen: 100},
				{Name: "perplexity_result_id", Type: TypeString, Desc: "result_id returned by perplexity_search", MaxLen: 100},
				{Name: "session_id", Type: TypeString, Desc: "session id", MaxLen: 100},
			},
		},
		{
			Name: NameGenerateResponse,
			Desc: "Deliver the final answer to the user. Must be the last tool called in a turn.",
			Params: []Param{
				{Name: "response", Type: TypeString, Desc: "final answer text", Required: true, MinLen: 1, MaxLen: 50000},
				{Name: "sources", Type: TypeArray, Desc: "citations supporting the answer", MaxLen: 100,
					Items: &Param{Type: TypeObject, Fields: citationFields}},
				{Name: "confidence_score", Type: TypeNumber, Desc: "self-reported confidence", Min: num(0), Max: num(1), Default: DefaultConfidence},
			},
		},
	}
}

// ToolInfo 转换为 eino ToolInfo
func (s Spec) ToolInfo() *schema.ToolInfo {
	params := make(map[string]*schema.ParameterInfo, len(s.Params))
	for i := range s.Params {
		params[s.Params[i].Name] = s.Params[i].parameterInfo()
	}
	return &schema.ToolInfo{
		Name:        s.Name,
		Desc:        s.Desc,
		ParamsOneOf: schema.NewParamsOneOfByParams(params),
	}
}

func (p *Param) parameterInfo() *schema.ParameterInfo {
	info := &schema.ParameterInfo{
		Type:     schema.DataType(p.Type),
		Desc:     p.Desc,
		Enum:     p.Enum,
		Required: p.Required,
	}
	if p.Items != nil {
		info.ElemInfo = p.Items.parameterInfo()
	}
	if len(p.Fields) > 0 {
		info.SubParams = make(map[string]*schema.ParameterInfo, len(p.Fields))
		for i := range p.Fields {
			info.SubParams[p.Fields[i].Name] = p.Fields[i].parameterInfo()
		}
	}
	return info
}

// ToolInfos 返回全部工具的 ToolInfo，用于绑定到对话模型
func ToolInfos() []*schema.ToolInfo {
	specs := Catalog()
	out := make([]*schema.ToolInfo, len(specs))
	for i, s := range specs {
		out[i] = s.ToolInfo()
	}
	return out
}
