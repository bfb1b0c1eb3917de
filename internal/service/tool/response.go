package tool

import (
	"context"

	"github.com/ashwinyue/stockqa/internal/model"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"
)

// DefaultConfidence generate_response 未给出置信度时的默认值
const DefaultConfidence = 0.8

// GenerateResponseOutput generate_response 结果
type GenerateResponseOutput struct {
	Response        string           `json:"response"`
	Citations       []model.Citation `json:"citations"`
	ConfidenceScore float64          `json:"confidence_score"`
}

// ResponseTool 最终答案工具，只做整理不产生副作用
type ResponseTool struct {
	registry *Registry
}

// NewResponseTool 创建最终答案工具
func NewResponseTool(registry *Registry) *ResponseTool {
	return &ResponseTool{registry: registry}
}

// Finalize 整理最终答案
func (t *ResponseTool) Finalize(args *GenerateResponseArgs) *GenerateResponseOutput {
	return &GenerateResponseOutput{
		Response:        args.Response,
		Citations:       model.MergeCitations(args.Sources),
		ConfidenceScore: args.ConfidenceScore,
	}
}

// Info 实现 tool.BaseTool
func (t *ResponseTool) Info(context.Context) (*schema.ToolInfo, error) {
	return specInfo(t.registry, NameGenerateResponse)
}

// InvokableRun 实现 tool.InvokableTool
func (t *ResponseTool) InvokableRun(_ context.Context, argumentsInJSON string, _ ...tool.Option) (string, error) {
	call, err := t.registry.Decode(NameGenerateResponse, argumentsInJSON)
	if err != nil {
		return "", err
	}
	return marshalOutput(t.Finalize(call.Args.(*GenerateResponseArgs)))
}

var _ tool.InvokableTool = (*ResponseTool)(nil)
