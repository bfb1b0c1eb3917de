package testutil

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ashwinyue/stockqa/internal/errs"
	"github.com/ashwinyue/stockqa/internal/model"
	"github.com/ashwinyue/stockqa/internal/repository"
	"github.com/ashwinyue/stockqa/internal/service/retriever"
	"github.com/google/uuid"
)

// ========== MemoryIndex ==========

// MemoryIndex 内存向量索引
// 相关度为查询词在分块中出现的比例，大小写不敏感
type MemoryIndex struct {
	mu      sync.Mutex
	entries map[string]retriever.Entry
	order   []string

	// 注入故障
	AddErr    error
	DeleteErr error
	SearchErr error
}

// NewMemoryIndex 创建内存向量索引
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{entries: make(map[string]retriever.Entry)}
}

// Add 写入分块
func (m *MemoryIndex) Add(_ context.Context, entries []retriever.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.AddErr != nil {
		return m.AddErr
	}
	for _, e := range entries {
		if _, ok := m.entries[e.ChunkID]; !ok {
			m.order = append(m.order, e.ChunkID)
		}
		m.entries[e.ChunkID] = e
	}
	return nil
}

// Delete 删除分块
func (m *MemoryIndex) Delete(_ context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.DeleteErr != nil {
		return m.DeleteErr
	}
	for _, id := range ids {
		delete(m.entries, id)
	}
	kept := m.order[:0]
	for _, id := range m.order {
		if _, ok := m.entries[id]; ok {
			kept = append(kept, id)
		}
	}
	m.order = kept
	return nil
}

// Search 按词重合比例检索
func (m *MemoryIndex) Search(_ context.Context, query string, topK int, kbID string) ([]retriever.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SearchErr != nil {
		return nil, m.SearchErr
	}
	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 {
		return nil, nil
	}

	var out []retriever.Result
	for _, id := range m.order {
		e := m.entries[id]
		if e.Metadata.KBID != kbID {
			continue
		}
		content := strings.ToLower(e.Content)
		hit := 0
		for _, t := range terms {
			if strings.Contains(content, t) {
				hit++
			}
		}
		if hit == 0 {
			continue
		}
		out = append(out, retriever.Result{
			ChunkID:  e.ChunkID,
			Content:  e.Content,
			Score:    float64(hit) / float64(len(terms)),
			Metadata: e.Metadata,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

// Has 分块是否在索引中
func (m *MemoryIndex) Has(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[id]
	return ok
}

// Len 索引中的分块数
func (m *MemoryIndex) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// ========== MemoryDocumentStore ==========

// MemoryDocumentStore 内存文档存储，返回值均为拷贝
type MemoryDocumentStore struct {
	mu     sync.Mutex
	docs   map[string]*model.Document
	chunks map[string][]*model.Chunk

	CreateErr  error
	ReplaceErr error
	DeleteErr  error
}

// NewMemoryDocumentStore 创建内存文档存储
func NewMemoryDocumentStore() *MemoryDocumentStore {
	return &MemoryDocumentStore{
		docs:   make(map[string]*model.Document),
		chunks: make(map[string][]*model.Chunk),
	}
}

func cloneDoc(d *model.Document) *model.Document {
	c := *d
	c.Tags = append(c.Tags[:0:0], d.Tags...)
	c.ChunkIDs = append(c.ChunkIDs[:0:0], d.ChunkIDs...)
	c.SourceURLs = append(c.SourceURLs[:0:0], d.SourceURLs...)
	return &c
}

func cloneChunk(c *model.Chunk) *model.Chunk {
	cp := *c
	return &cp
}

func (s *MemoryDocumentStore) CreateDocument(_ context.Context, doc *model.Document, chunks []*model.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.CreateErr != nil {
		return s.CreateErr
	}
	if doc.ID == "" {
		doc.ID = uuid.New().String()
	}
	s.docs[doc.ID] = cloneDoc(doc)
	for _, c := range chunks {
		s.chunks[doc.ID] = append(s.chunks[doc.ID], cloneChunk(c))
	}
	return nil
}

func (s *MemoryDocumentStore) ReplaceDocumentChunks(_ context.Context, doc *model.Document, prevVersion string, chunks []*model.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ReplaceErr != nil {
		return s.ReplaceErr
	}
	cur, ok := s.docs[doc.ID]
	if !ok || cur.Version != prevVersion || cur.Status != model.DocumentStatusActive {
		return errs.InvalidState("document %s was modified concurrently", doc.ID)
	}
	for _, c := range s.chunks[doc.ID] {
		if c.Status == model.ChunkStatusActive {
			c.Status = model.ChunkStatusDeleted
		}
	}
	for _, c := range chunks {
		s.chunks[doc.ID] = append(s.chunks[doc.ID], cloneChunk(c))
	}
	s.docs[doc.ID] = cloneDoc(doc)
	return nil
}

func (s *MemoryDocumentStore) SoftDeleteDocument(_ context.Context, doc *model.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.DeleteErr != nil {
		return s.DeleteErr
	}
	cur, ok := s.docs[doc.ID]
	if !ok {
		return errs.NotFound("document %s not found", doc.ID)
	}
	if cur.Status == model.DocumentStatusDeleted {
		return errs.InvalidState("document %s is already deleted", doc.ID)
	}
	for _, c := range s.chunks[doc.ID] {
		c.Status = model.ChunkStatusDeleted
	}
	now := time.Now().UTC()
	cur.Status = model.DocumentStatusDeleted
	cur.ChunkIDs = nil
	cur.DeletedAt = &now
	return nil
}

func (s *MemoryDocumentStore) GetDocument(_ context.Context, id string) (*model.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[id]
	if !ok {
		return nil, errs.NotFound("document %s not found", id)
	}
	return cloneDoc(d), nil
}

func (s *MemoryDocumentStore) ListDocuments(_ context.Context, f repository.DocumentFilter) ([]*model.Document, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Document
	for _, d := range s.docs {
		if f.KnowledgeBaseID != "" && d.KnowledgeBaseID != f.KnowledgeBaseID {
			continue
		}
		if f.Status != "" && d.Status != f.Status {
			continue
		}
		if f.Type != "" && d.Type != f.Type {
			continue
		}
		out = append(out, cloneDoc(d))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	total := int64(len(out))
	return page(out, f.Offset, f.Limit), total, nil
}

func (s *MemoryDocumentStore) ListChunks(_ context.Context, documentID string) ([]*model.Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.Chunk, 0, len(s.chunks[documentID]))
	for _, c := range s.chunks[documentID] {
		out = append(out, cloneChunk(c))
	}
	return out, nil
}

// DocumentCount 文档行数（含已删除）
func (s *MemoryDocumentStore) DocumentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.docs)
}

func page[T any](items []T, offset, limit int) []T {
	if offset > len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

// ========== MemoryCandidateStore ==========

// MemoryCandidateStore 内存候选存储，UpdateWithLock 在存储锁内执行
type MemoryCandidateStore struct {
	mu         sync.Mutex
	candidates map[string]*model.Candidate
	keywords   map[string][]string

	// SaveErr 使 UpdateWithLock 在 fn 成功后保存失败
	SaveErr error
}

// NewMemoryCandidateStore 创建内存候选存储
func NewMemoryCandidateStore() *MemoryCandidateStore {
	return &MemoryCandidateStore{
		candidates: make(map[string]*model.Candidate),
		keywords:   make(map[string][]string),
	}
}

func cloneCandidate(c *model.Candidate) *model.Candidate {
	cp := *c
	cp.ExternalURLs = append(cp.ExternalURLs[:0:0], c.ExternalURLs...)
	cp.Citations = append(cp.Citations[:0:0], c.Citations...)
	return &cp
}

func (s *MemoryCandidateStore) FindPendingByQuery(_ context.Context, queryHash, query string) (*model.Candidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var found *model.Candidate
	for _, c := range s.candidates {
		if c.QueryHash == queryHash && c.OriginalQuery == query && c.Status == model.CandidateStatusPending {
			if found == nil || c.FirstSeenAt.Before(found.FirstSeenAt) {
				found = c
			}
		}
	}
	if found == nil {
		return nil, nil
	}
	return cloneCandidate(found), nil
}

func (s *MemoryCandidateStore) CreateCandidate(_ context.Context, c *model.Candidate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	s.candidates[c.ID] = cloneCandidate(c)
	return nil
}

func (s *MemoryCandidateStore) IncrementHit(_ context.Context, id string, seenAt time.Time) (*model.Candidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.candidates[id]
	if !ok {
		return nil, errs.NotFound("candidate %s not found", id)
	}
	c.HitCount++
	c.LastSeenAt = seenAt
	return cloneCandidate(c), nil
}

func (s *MemoryCandidateStore) GetCandidate(_ context.Context, id string) (*model.Candidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.candidates[id]
	if !ok {
		return nil, errs.NotFound("candidate %s not found", id)
	}
	out := cloneCandidate(c)
	for _, kid := range s.keywords[id] {
		out.Keywords = append(out.Keywords, model.Keyword{ID: kid})
	}
	return out, nil
}

func (s *MemoryCandidateStore) ListCandidates(_ context.Context, f repository.CandidateFilter) ([]*model.Candidate, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Candidate
	for _, c := range s.candidates {
		if f.Status != "" && c.Status != f.Status {
			continue
		}
		if f.KnowledgeBaseID != "" && c.KnowledgeBaseID != f.KnowledgeBaseID {
			continue
		}
		if f.Query != "" && c.OriginalQuery != f.Query {
			continue
		}
		out = append(out, cloneCandidate(c))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].HitCount != out[j].HitCount {
			return out[i].HitCount > out[j].HitCount
		}
		return out[i].FirstSeenAt.Before(out[j].FirstSeenAt)
	})
	total := int64(len(out))
	return page(out, f.Offset, f.Limit), total, nil
}

func (s *MemoryCandidateStore) UpdateWithLock(_ context.Context, id string, fn func(c *model.Candidate) error) (*model.Candidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.candidates[id]
	if !ok {
		return nil, errs.NotFound("candidate %s not found", id)
	}
	work := cloneCandidate(cur)
	if err := fn(work); err != nil {
		return nil, err
	}
	if s.SaveErr != nil {
		return nil, s.SaveErr
	}
	s.candidates[id] = cloneCandidate(work)
	return work, nil
}

func (s *MemoryCandidateStore) AttachKeywords(_ context.Context, candidateID string, keywordIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]bool)
	for _, k := range s.keywords[candidateID] {
		seen[k] = true
	}
	for _, k := range keywordIDs {
		if !seen[k] {
			seen[k] = true
			s.keywords[candidateID] = append(s.keywords[candidateID], k)
		}
	}
	return nil
}

// Count 候选行数
func (s *MemoryCandidateStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.candidates)
}

// ========== MemoryKeywordStore ==========

// MemoryKeywordStore 内存关键词存储
type MemoryKeywordStore struct {
	mu       sync.Mutex
	keywords map[string]*model.Keyword
	assocs   []*model.KeywordAssociation
}

// NewMemoryKeywordStore 创建内存关键词存储
func NewMemoryKeywordStore() *MemoryKeywordStore {
	return &MemoryKeywordStore{keywords: make(map[string]*model.Keyword)}
}

func (s *MemoryKeywordStore) UpsertKeyword(_ context.Context, text string, usedAt time.Time) (*model.Keyword, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := strings.ToLower(text)
	if kw, ok := s.keywords[key]; ok {
		kw.UsageCount++
		kw.LastUsedAt = usedAt
		cp := *kw
		return &cp, false, nil
	}
	kw := &model.Keyword{ID: uuid.New().String(), Text: key, UsageCount: 1, LastUsedAt: usedAt}
	s.keywords[key] = kw
	cp := *kw
	return &cp, true, nil
}

func (s *MemoryKeywordStore) CreateAssociations(_ context.Context, assocs []*model.KeywordAssociation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range assocs {
		if a.QueryID == "" && a.ExternalResultID == "" {
			return errs.Validation("association needs a query id or an external result id")
		}
		cp := *a
		s.assocs = append(s.assocs, &cp)
	}
	return nil
}

func (s *MemoryKeywordStore) KeywordIDsByExternalResult(_ context.Context, externalResultID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	seen := make(map[string]bool)
	for _, a := range s.assocs {
		if a.ExternalResultID == externalResultID && !seen[a.KeywordID] {
			seen[a.KeywordID] = true
			ids = append(ids, a.KeywordID)
		}
	}
	return ids, nil
}

// ========== MemoryToolCallStore ==========

// MemoryToolCallStore 内存工具调用记录
type MemoryToolCallStore struct {
	mu    sync.Mutex
	calls []*model.ToolCall

	SaveErr error
}

// NewMemoryToolCallStore 创建内存工具调用存储
func NewMemoryToolCallStore() *MemoryToolCallStore {
	return &MemoryToolCallStore{}
}

func (s *MemoryToolCallStore) SaveToolCalls(_ context.Context, calls []*model.ToolCall) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SaveErr != nil {
		return s.SaveErr
	}
	for _, c := range calls {
		cp := *c
		s.calls = append(s.calls, &cp)
	}
	return nil
}

func (s *MemoryToolCallStore) ListToolCalls(_ context.Context, turnID string) ([]*model.ToolCall, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.ToolCall
	for _, c := range s.calls {
		if c.TurnID == turnID {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

var (
	_ retriever.VectorIndex     = (*MemoryIndex)(nil)
	_ repository.DocumentStore  = (*MemoryDocumentStore)(nil)
	_ repository.CandidateStore = (*MemoryCandidateStore)(nil)
	_ repository.KeywordStore   = (*MemoryKeywordStore)(nil)
	_ repository.ToolCallStore  = (*MemoryToolCallStore)(nil)
)
