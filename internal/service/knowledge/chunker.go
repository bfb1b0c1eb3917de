// Package knowledge 知识库文档服务
// 文档元数据写入元数据库，分块内容只写入向量索引
package knowledge

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/cloudwego/eino-ext/components/document/parser/html"
	"github.com/cloudwego/eino-ext/components/document/transformer/splitter/recursive"
	"github.com/cloudwego/eino/components/document"
	"github.com/cloudwego/eino/schema"
)

// 内容格式
const (
	FormatText     = "text"
	FormatMarkdown = "markdown"
	FormatHTML     = "html"
)

const sectionSep = " > "

// Piece 切分出的一个分块
type Piece struct {
	Index        int
	Content      string
	SectionTitle string
	SectionPath  string
}

// ChunkerConfig 分块参数
type ChunkerConfig struct {
	ChunkSize    int
	ChunkOverlap int
}

// Chunker 先按 Markdown 标题切出章节，再用递归分割器把章节切成定长分块
// 相同内容总是得到相同的分块序列
type Chunker struct {
	splitter document.Transformer
	html     *html.Parser
}

// NewChunker 创建分块器
func NewChunker(ctx context.Context, cfg ChunkerConfig) (*Chunker, error) {
	size := cfg.ChunkSize
	if size <= 0 {
		size = 512
	}
	overlap := cfg.ChunkOverlap
	if overlap < 0 || overlap >= size {
		overlap = 0
	}

	splitter, err := recursive.NewSplitter(ctx, &recursive.Config{
		ChunkSize:   size,
		OverlapSize: overlap,
		Separators:  []string{"\n\n", "\n", ". ", "。", "? ", "？", "! ", "！", ", ", "，", " ", ""},
		KeepType:    recursive.KeepTypeNone,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create splitter: %w", err)
	}

	// 使用 body 选择器提取正文内容
	bodySelector := "body"
	htmlParser, err := html.NewParser(ctx, &html.Config{Selector: &bodySelector})
	if err != nil {
		return nil, fmt.Errorf("failed to create html parser: %w", err)
	}

	return &Chunker{splitter: splitter, html: htmlParser}, nil
}

// Split 把内容切成有序分块
func (c *Chunker) Split(ctx context.Context, content, format string) ([]Piece, error) {
	if format == FormatHTML {
		text, err := c.htmlText(ctx, content)
		if err != nil {
			return nil, err
		}
		content = text
	}

	var pieces []Piece
	for _, sec := range splitSections(content) {
		if strings.TrimSpace(sec.body) == "" {
			continue
		}
		docs, err := c.splitter.Transform(ctx, []*schema.Document{{Content: sec.body}})
		if err != nil {
			return nil, fmt.Errorf("splitter failed: %w", err)
		}
		for _, d := range docs {
			if strings.TrimSpace(d.Content) == "" {
				continue
			}
			pieces = append(pieces, Piece{
				Index:        len(pieces),
				Content:      d.Content,
				SectionTitle: sec.title,
				SectionPath:  sec.path,
			})
		}
	}
	return pieces, nil
}

func (c *Chunker) htmlText(ctx context.Context, content string) (string, error) {
	docs, err := c.html.Parse(ctx, strings.NewReader(content))
	if err != nil {
		return "", fmt.Errorf("html parser failed: %w", err)
	}
	parts := make([]string, 0, len(docs))
	for _, d := range docs {
		if t := strings.TrimSpace(d.Content); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, "\n\n"), nil
}

type section struct {
	title string
	path  string
	body  string
}

// splitSections 按 ATX 标题（# 到 ######）切分章节
// 代码块内的 # 不视为标题
func splitSections(content string) []section {
	var (
		out     []section
		stack   []string
		current = section{}
		body    strings.Builder
		inFence bool
	)
	flush := func() {
		current.body = body.String()
		out = append(out, current)
		body.Reset()
	}

	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			inFence = !inFence
		}
		if level, title, ok := heading(trimmed); ok && !inFence {
			flush()
			if level-1 < len(stack) {
				stack = stack[:level-1]
			}
			for len(stack) < level-1 {
				stack = append(stack, "")
			}
			stack = append(stack, title)
			current = section{title: title, path: joinPath(stack)}
		}
		body.WriteString(line)
		body.WriteByte('\n')
	}
	flush()
	return out
}

func heading(line string) (int, string, bool) {
	level := 0
	for level < len(line) && line[level] == '#' {
		level++
	}
	if level == 0 || level > 6 || level >= len(line) || line[level] != ' ' {
		return 0, "", false
	}
	title := strings.TrimSpace(strings.TrimRight(line[level:], "# "))
	if title == "" {
		return 0, "", false
	}
	return level, title, true
}

func joinPath(stack []string) string {
	parts := make([]string, 0, len(stack))
	for _, s := range stack {
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, sectionSep)
}

// ChunkID 分块 id：文档 id、版本、序号和内容的 SHA-256
func ChunkID(documentID, version string, index int, content string) string {
	h := sha256.New()
	h.Write([]byte(documentID))
	h.Write([]byte{0})
	h.Write([]byte(version))
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(index)))
	h.Write([]byte{0})
	h.Write([]byte(content))
	return hex.EncodeToString(h.Sum(nil))
}

// ContentHash 内容摘要
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
