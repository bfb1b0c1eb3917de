package agent

import (
	"encoding/json"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// LLM 生成参数时常见的包裹标记
var argumentWrappers = []struct{ prefix, suffix string }{
	{"<|FunctionCallBegin|>", "<|FunctionCallEnd|>"},
	{"```json", "```"},
	{"```", "```"},
}

// RepairArguments 修复 LLM 生成的工具参数 JSON
// 合法对象原样返回；无法修复时返回去除包裹后的原文，由参数校验报告错误
func RepairArguments(input string) string {
	s := strings.TrimSpace(input)
	if s == "" {
		return "{}"
	}
	if isObject(s) {
		return s
	}

	for _, w := range argumentWrappers {
		if strings.HasPrefix(s, w.prefix) {
			s = strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(s, w.prefix), w.suffix))
			break
		}
	}
	if isObject(s) {
		return s
	}

	// 截取最外层的对象区域
	if i, j := strings.IndexByte(s, '{'), strings.LastIndexByte(s, '}'); i >= 0 && j > i {
		if sub := s[i : j+1]; isObject(sub) {
			return sub
		}
		s = s[i : j+1]
	}

	switch {
	case !strings.HasPrefix(s, "{") && strings.HasSuffix(s, "}"):
		s = "{" + s
	case strings.HasPrefix(s, "{") && !strings.HasSuffix(s, "}"):
		s += "}"
	}

	out, err := jsonrepair.JSONRepair(s)
	if err != nil || !isObject(out) {
		return s
	}
	return out
}

func isObject(s string) bool {
	s = strings.TrimSpace(s)
	return strings.HasPrefix(s, "{") && strings.HasSuffix(s, "}") && json.Valid([]byte(s))
}
