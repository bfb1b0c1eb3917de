package tool

import (
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/ashwinyue/stockqa/internal/errs"
)

var toolNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,100}$`)

// blockPattern 拒绝模式
type blockPattern struct {
	name string
	re   *regexp.Regexp
}

// 字符串参数的固定拒绝模式
var blocklist = []blockPattern{
	{"script tag", regexp.MustCompile(`(?i)<\s*script`)},
	{"javascript uri", regexp.MustCompile(`(?i)javascript\s*:`)},
	{"event handler", regexp.MustCompile(`(?i)\bon(load|error|click|mouseover|mouseout|focus|blur|submit|change|keydown|keyup)\s*=`)},
	{"sql ddl", regexp.MustCompile(`(?i)\b(drop|truncate|alter)\s+table\b`)},
	{"sql union", regexp.MustCompile(`(?i)\bunion\s+(all\s+)?select\b`)},
	// 参数须为引号或至少两个字符的标识符，"system(s)" 这类括注不算调用
	{"exec call", regexp.MustCompile(`(?i)\b(exec|eval|system)\(\s*(["'` + "`" + `]|[a-z_]\w+)|\b(os\.system|subprocess\.\w+)\(`)},
	// 只拦截以常见命令开头的 $(...)，"$(TSLA)" 这类写法放行
	{"shell substitution", regexp.MustCompile(`\$\(\s*(sh|bash|zsh|curl|wget|rm|cat|ls|echo|id|whoami|uname|nc|python\d?|perl|chmod|chown|env)\b[^)]*\)`)},
	{"shell pipe", regexp.MustCompile(`(?i)\|\s*(sh|bash|zsh)\b`)},
	{"control character", regexp.MustCompile(`[\x00-\x08\x0B\x0C\x0E-\x1F\x7F]`)},
}

// Validator 工具名和参数的本地校验，不发起任何网络调用
type Validator struct {
	specs map[string]Spec
}

// NewValidator 以给定的工具目录创建校验器
func NewValidator(specs []Spec) *Validator {
	m := make(map[string]Spec, len(specs))
	for _, s := range specs {
		m[s.Name] = s
	}
	return &Validator{specs: m}
}

// Spec 返回工具描述
func (v *Validator) Spec(name string) (Spec, bool) {
	s, ok := v.specs[name]
	return s, ok
}

// ValidateName 校验工具名格式并确认属于封闭集合
func (v *Validator) ValidateName(name string) error {
	if !toolNamePattern.MatchString(name) {
		return errs.Validation("invalid tool name %q", truncateRunes(name, 100))
	}
	if _, ok := v.specs[name]; !ok {
		return errs.Validation("unknown tool %q", name)
	}
	return nil
}

// ValidateArguments 按工具的参数 Spec 校验参数，未声明的参数一律拒绝
func (v *Validator) ValidateArguments(name string, args map[string]any) error {
	spec, ok := v.specs[name]
	if !ok {
		return errs.Validation("unknown tool %q", name)
	}
	return validateFields(name, spec.Params, args)
}

func validateFields(path string, params []Param, args map[string]any) error {
	known := make(map[string]struct{}, len(params))
	for i := range params {
		p := &params[i]
		known[p.Name] = struct{}{}
		val, ok := args[p.Name]
		if !ok || val == nil {
			if p.Required {
				return errs.Validation("%s.%s is required", path, p.Name)
			}
			continue
		}
		if err := validateValue(path+"."+p.Name, p, val); err != nil {
			return err
		}
	}

	// 按名字排序保证错误信息稳定
	var unknown []string
	for k := range args {
		if _, ok := known[k]; !ok {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return errs.Validation("%s has unknown argument %q", path, unknown[0])
	}
	return nil
}

func validateValue(path string, p *Param, val any) error {
	switch p.Type {
	case TypeString:
		s, ok := val.(string)
		if !ok {
			return errs.Validation("%s must be a string", path)
		}
		return validateString(path, p, s)

	case TypeInteger, TypeNumber:
		f, ok := toFloat(val)
		if !ok {
			return errs.Validation("%s must be a number", path)
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return errs.Validation("%s must be finite", path)
		}
		if p.Type == TypeInteger && f != math.Trunc(f) {
			return errs.Validation("%s must be an integer", path)
		}
		if p.Min != nil && f < *p.Min {
			return errs.Validation("%s must be >= %v", path, *p.Min)
		}
		if p.Max != nil && f > *p.Max {
			return errs.Validation("%s must be <= %v", path, *p.Max)
		}

	case TypeBoolean:
		if _, ok := val.(bool); !ok {
			return errs.Validation("%s must be a boolean", path)
		}

	case TypeArray:
		items, ok := val.([]any)
		if !ok {
			return errs.Validation("%s must be an array", path)
		}
		if p.MinLen > 0 && len(items) < p.MinLen {
			return errs.Validation("%s needs at least %d items", path, p.MinLen)
		}
		if p.MaxLen > 0 && len(items) > p.MaxLen {
			return errs.Validation("%s allows at most %d items", path, p.MaxLen)
		}
		if p.Items != nil {
			for i, item := range items {
				if err := validateValue(path+"["+strconv.Itoa(i)+"]", p.Items, item); err != nil {
					return err
				}
			}
		}

	case TypeObject:
		obj, ok := val.(map[string]any)
		if !ok {
			return errs.Validation("%s must be an object", path)
		}
		return validateFields(path, p.Fields, obj)
	}
	return nil
}

func validateString(path string, p *Param, s string) error {
	n := utf8.RuneCountInString(strings.TrimSpace(s))
	if p.MinLen > 0 && n < p.MinLen {
		if p.MinLen == 1 {
			return errs.Validation("%s must not be blank", path)
		}
		return errs.Validation("%s must be at least %d characters", path, p.MinLen)
	}
	if p.MaxLen > 0 && n > p.MaxLen {
		return errs.Validation("%s must be at most %d characters", path, p.MaxLen)
	}
	if len(p.Enum) > 0 && !contains(p.Enum, s) {
		return errs.Validation("%s must be one of %s", path, strings.Join(p.Enum, ", "))
	}
	if reason := blocked(s); reason != "" {
		return errs.Validation("%s rejected: %s", path, reason)
	}
	return nil
}

// blocked 返回命中的拒绝原因，未命中返回空串
func blocked(s string) string {
	for _, b := range blocklist {
		if b.re.MatchString(s) {
			return b.name
		}
	}
	if isSQLCommand(s) {
		return "sql command"
	}
	return ""
}

// Sanitize 去除 NUL 和 C0 控制字符（保留 \t \n \r）及首尾空白
func Sanitize(s string) string {
	s = strings.Map(func(r rune) rune {
		if r == '\t' || r == '\n' || r == '\r' {
			return r
		}
		if r < 0x20 || r == 0x7F {
			return -1
		}
		return r
	}, s)
	return strings.TrimSpace(s)
}

// sanitizeValue 递归清理参数中的所有字符串
func sanitizeValue(v any) any {
	switch t := v.(type) {
	case string:
		return Sanitize(t)
	case []any:
		for i := range t {
			t[i] = sanitizeValue(t[i])
		}
		return t
	case map[string]any:
		for k := range t {
			t[k] = sanitizeValue(t[k])
		}
		return t
	default:
		return v
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
