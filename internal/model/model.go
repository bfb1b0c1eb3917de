// Package model 定义元数据库行类型和跨组件共享的值类型
package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// CitationSource 引用来源
type CitationSource string

const (
	CitationInternal CitationSource = "internal"
	CitationExternal CitationSource = "external"
)

// Citation 答案引用
type Citation struct {
	Source     CitationSource `json:"source"`
	DocumentID string         `json:"document_id,omitempty"`
	Title      string         `json:"title,omitempty"`
	Section    string         `json:"section,omitempty"`
	URL        string         `json:"url,omitempty"`
	Score      *float64       `json:"score,omitempty"`
	Snippet    string         `json:"snippet,omitempty"`
}

// Key 去重键：internal 按 (source, document_id)，external 按 (source, url)
func (c Citation) Key() string {
	if c.Source == CitationExternal {
		return string(c.Source) + "|" + c.URL
	}
	return string(c.Source) + "|" + c.DocumentID
}

// Citations 引用列表，以 jsonb 存储
type Citations []Citation

// Value 实现 driver.Valuer 接口
func (c Citations) Value() (driver.Value, error) {
	if c == nil {
		return "[]", nil
	}
	b, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan 实现 sql.Scanner 接口
func (c *Citations) Scan(value interface{}) error {
	if value == nil {
		*c = nil
		return nil
	}
	var b []byte
	switch v := value.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("unsupported citations type %T", value)
	}
	return json.Unmarshal(b, c)
}

// External 返回外部引用
func (c Citations) External() Citations {
	var out Citations
	for _, ct := range c {
		if ct.Source == CitationExternal {
			out = append(out, ct)
		}
	}
	return out
}

// MergeCitations 按 Key 去重合并多个引用列表，保留首次出现的条目和顺序
// 没有 URL 的外部引用和没有文档 id 的内部引用无法去重，原样保留
func MergeCitations(lists ...[]Citation) []Citation {
	out := make([]Citation, 0)
	seen := make(map[string]struct{})
	for _, list := range lists {
		for _, c := range list {
			if c.Source == "" {
				c.Source = CitationInternal
			}
			if (c.Source == CitationExternal && c.URL == "") || (c.Source == CitationInternal && c.DocumentID == "") {
				out = append(out, c)
				continue
			}
			k := c.Key()
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, c)
		}
	}
	return out
}

func newID() string {
	return uuid.New().String()
}

// BeforeCreate GORM 钩子，创建前生成 UUID
func (d *Document) BeforeCreate(tx *gorm.DB) error {
	if d.ID == "" {
		d.ID = newID()
	}
	return nil
}

func (c *Candidate) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = newID()
	}
	return nil
}

func (t *ToolCall) BeforeCreate(tx *gorm.DB) error {
	if t.ID == "" {
		t.ID = newID()
	}
	return nil
}

func (k *Keyword) BeforeCreate(tx *gorm.DB) error {
	if k.ID == "" {
		k.ID = newID()
	}
	return nil
}

func (a *KeywordAssociation) BeforeCreate(tx *gorm.DB) error {
	if a.ID == "" {
		a.ID = newID()
	}
	return nil
}
