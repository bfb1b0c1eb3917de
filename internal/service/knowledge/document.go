package knowledge

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ashwinyue/stockqa/internal/errs"
	"github.com/ashwinyue/stockqa/internal/logger"
	"github.com/ashwinyue/stockqa/internal/model"
	"github.com/ashwinyue/stockqa/internal/pkg/keylock"
	"github.com/ashwinyue/stockqa/internal/repository"
	"github.com/ashwinyue/stockqa/internal/service/event"
	"github.com/ashwinyue/stockqa/internal/service/retriever"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"
)

const (
	// InitialVersion 新文档版本，也是版本号无法解析时的重置值
	InitialVersion = "1.0.0"
	// DefaultMaxContentBytes 内容大小上限
	DefaultMaxContentBytes = 10 * 1024 * 1024
	// DefaultKBID 未指定知识库时使用
	DefaultKBID = "default"
	// MaxTitleLength 标题最大字符数，与 documents.title 列宽一致
	MaxTitleLength = 255
)

// DocumentRequest 创建 / 更新文档请求
type DocumentRequest struct {
	KBID       string   `json:"kb_id"`
	Title      string   `json:"title"`
	Content    string   `json:"content"`
	Type       string   `json:"type"`
	Format     string   `json:"format"`
	Tags       []string `json:"tags"`
	SourceType string   `json:"source_type"`
	SourceURLs []string `json:"source_urls"`
	Language   string   `json:"language"`
	Approver   string   `json:"approver,omitempty"`
}

// Splitter 内容分块
type Splitter interface {
	Split(ctx context.Context, content, format string) ([]Piece, error)
}

// Config 文档服务依赖
type Config struct {
	Store           repository.DocumentStore
	Index           retriever.VectorIndex
	Splitter        Splitter
	Bus             *event.Bus
	MaxContentBytes int64
}

// Service 文档服务
// 向量索引写入成功而元数据提交失败时，先补偿删除索引中的新分块再返回错误
type Service struct {
	store    repository.DocumentStore
	index    retriever.VectorIndex
	splitter Splitter
	bus      *event.Bus
	locks    *keylock.KeyLock
	maxBytes int64
	logger   *zap.Logger
	now      func() time.Time
}

// NewService 创建文档服务
func NewService(cfg Config, l *zap.Logger) *Service {
	maxBytes := cfg.MaxContentBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxContentBytes
	}
	return &Service{
		store:    cfg.Store,
		index:    cfg.Index,
		splitter: cfg.Splitter,
		bus:      cfg.Bus,
		locks:    keylock.New(),
		maxBytes: maxBytes,
		logger:   logger.OrNop(l).Named("document"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) validate(req *DocumentRequest) error {
	if req == nil {
		return errs.Validation("document request is required")
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return errs.Validation("title must not be blank")
	}
	if utf8.RuneCountInString(title) > MaxTitleLength {
		return errs.Validation("title exceeds %d characters", MaxTitleLength)
	}
	if strings.TrimSpace(req.Content) == "" {
		return errs.Validation("content must not be blank")
	}
	if int64(len(req.Content)) > s.maxBytes {
		return errs.Validation("content exceeds %d bytes", s.maxBytes)
	}
	switch req.Format {
	case "", FormatText, FormatMarkdown, FormatHTML:
	default:
		return errs.Validation("unsupported content format %q", req.Format)
	}
	return nil
}

// Create 创建文档
func (s *Service) Create(ctx context.Context, req *DocumentRequest, author string) (*model.Document, error) {
	if err := s.validate(req); err != nil {
		return nil, err
	}

	kbID := strings.TrimSpace(req.KBID)
	if kbID == "" {
		kbID = DefaultKBID
	}
	now := s.now()
	doc := &model.Document{
		ID:              uuid.New().String(),
		KnowledgeBaseID: kbID,
		Version:         InitialVersion,
		Status:          model.DocumentStatusActive,
		Author:          author,
		CreatedAt:       now,
	}
	applyRequest(doc, req, now)

	chunks, entries, err := s.buildChunks(ctx, doc, req)
	if err != nil {
		return nil, err
	}
	doc.ChunkIDs = chunkIDs(chunks)

	if err := s.addToIndex(ctx, entries); err != nil {
		return nil, err
	}
	if err := s.store.CreateDocument(ctx, doc, chunks); err != nil {
		s.compensate(ctx, doc.ID, doc.ChunkIDs)
		return nil, persistErr(err, "failed to save document")
	}

	s.logger.Info("document created",
		zap.String("document_id", doc.ID), zap.String("kb_id", doc.KnowledgeBaseID), zap.Int("chunks", len(chunks)))
	s.publish(ctx, event.DocumentCreated, doc, author)
	return doc, nil
}

// Get 获取文档
func (s *Service) Get(ctx context.Context, id string) (*model.Document, error) {
	if strings.TrimSpace(id) == "" {
		return nil, errs.Validation("document id is required")
	}
	doc, err := s.store.GetDocument(ctx, id)
	if err != nil {
		return nil, persistErr(err, "failed to load document")
	}
	return doc, nil
}

// List 列出文档
func (s *Service) List(ctx context.Context, filter repository.DocumentFilter) ([]*model.Document, int64, error) {
	docs, total, err := s.store.ListDocuments(ctx, filter)
	if err != nil {
		return nil, 0, persistErr(err, "failed to list documents")
	}
	return docs, total, nil
}

// Chunks 文档全部分块元数据（含已删除）
func (s *Service) Chunks(ctx context.Context, id string) ([]*model.Chunk, error) {
	chunks, err := s.store.ListChunks(ctx, id)
	if err != nil {
		return nil, persistErr(err, "failed to list chunks")
	}
	return chunks, nil
}

// Update 更新文档，版本号补丁位 +1
// 同一文档的并发更新按文档锁串行，后者看到前者写入的版本
func (s *Service) Update(ctx context.Context, id string, req *DocumentRequest, actor string) (*model.Document, error) {
	if err := s.validate(req); err != nil {
		return nil, err
	}
	unlock, err := s.locks.Lock(ctx, id)
	if err != nil {
		return nil, errs.Timeout(err, "waiting for document lock")
	}
	defer unlock()

	doc, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if doc.Status != model.DocumentStatusActive {
		return nil, errs.InvalidState("document %s is deleted", id)
	}

	prevVersion := doc.Version
	// 历史版本的分块一并清理，前一次更新遗留的索引孤儿在这里重试删除
	oldChunks, err := s.Chunks(ctx, id)
	if err != nil {
		return nil, err
	}
	oldIDs := make([]string, 0, len(oldChunks))
	for _, c := range oldChunks {
		oldIDs = append(oldIDs, c.ID)
	}
	now := s.now()
	doc.Version = NextVersion(prevVersion)
	applyRequest(doc, req, now)
	if req.KBID != "" && req.KBID != doc.KnowledgeBaseID {
		return nil, errs.Validation("kb_id cannot be changed by update")
	}

	chunks, entries, err := s.buildChunks(ctx, doc, req)
	if err != nil {
		return nil, err
	}
	doc.ChunkIDs = chunkIDs(chunks)

	if err := s.addToIndex(ctx, entries); err != nil {
		return nil, err
	}
	if err := s.store.ReplaceDocumentChunks(ctx, doc, prevVersion, chunks); err != nil {
		s.compensate(ctx, doc.ID, doc.ChunkIDs)
		return nil, persistErr(err, "failed to update document")
	}

	s.logger.Info("document updated",
		zap.String("document_id", id), zap.String("version", doc.Version), zap.Int("chunks", len(chunks)))
	s.publish(ctx, event.DocumentUpdated, doc, actor)

	// 元数据已提交；旧分块仍在索引中时返回错误，再次 Update 或 Delete 会重试清理
	if err := s.index.Delete(context.WithoutCancel(ctx), oldIDs); err != nil {
		s.logger.Error("failed to remove superseded chunks from index",
			zap.String("document_id", id), zap.Int("chunks", len(oldIDs)), zap.Error(err))
		return doc, errs.Unavailable(err, "document updated but superseded chunks are still indexed")
	}
	return doc, nil
}

// Delete 软删除文档并从向量索引移除全部分块
// 对已删除的文档重复调用只会重试索引清理
func (s *Service) Delete(ctx context.Context, id, actor string) error {
	unlock, err := s.locks.Lock(ctx, id)
	if err != nil {
		return errs.Timeout(err, "waiting for document lock")
	}
	defer unlock()

	doc, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	// 包含历史版本的分块行，之前更新时未清理干净的旧分块一并移除
	chunks, err := s.Chunks(ctx, id)
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(chunks))
	for _, c := range chunks {
		ids = append(ids, c.ID)
	}
	if doc.Status != model.DocumentStatusDeleted {
		if err := s.store.SoftDeleteDocument(ctx, doc); err != nil {
			return persistErr(err, "failed to delete document")
		}
		s.publish(ctx, event.DocumentDeleted, doc, actor)
	}

	if err := s.index.Delete(context.WithoutCancel(ctx), ids); err != nil {
		return errs.Unavailable(err, "document deleted but chunks are still indexed")
	}
	s.logger.Info("document deleted", zap.String("document_id", id), zap.Int("chunks", len(ids)))
	return nil
}

// buildChunks 切分内容并生成分块行和索引条目
func (s *Service) buildChunks(ctx context.Context, doc *model.Document, req *DocumentRequest) ([]*model.Chunk, []retriever.Entry, error) {
	pieces, err := s.splitter.Split(ctx, req.Content, req.Format)
	if err != nil {
		return nil, nil, errs.Internal(err, "failed to chunk document")
	}
	if len(pieces) == 0 {
		return nil, nil, errs.Validation("content produced no chunks")
	}

	chunks := make([]*model.Chunk, len(pieces))
	entries := make([]retriever.Entry, len(pieces))
	for i, p := range pieces {
		id := ChunkID(doc.ID, doc.Version, p.Index, p.Content)
		chunks[i] = &model.Chunk{
			ID:              id,
			DocumentID:      doc.ID,
			KnowledgeBaseID: doc.KnowledgeBaseID,
			ChunkIndex:      p.Index,
			Version:         doc.Version,
			SectionTitle:    p.SectionTitle,
			SectionPath:     p.SectionPath,
			Language:        doc.Language,
			Tags:            doc.Tags,
			Status:          model.ChunkStatusActive,
			ContentSize:     len(p.Content),
			CreatedAt:       doc.UpdatedAt,
			UpdatedAt:       doc.UpdatedAt,
		}
		entries[i] = retriever.Entry{
			ChunkID: id,
			Content: p.Content,
			Metadata: retriever.ChunkMetadata{
				DocumentID:   doc.ID,
				KBID:         doc.KnowledgeBaseID,
				DocumentType: doc.Type,
				Title:        doc.Title,
				SectionTitle: p.SectionTitle,
				SectionPath:  p.SectionPath,
				Version:      doc.Version,
				ChunkIndex:   p.Index,
				Language:     doc.Language,
			},
		}
	}
	return chunks, entries, nil
}

func (s *Service) addToIndex(ctx context.Context, entries []retriever.Entry) error {
	if err := s.index.Add(ctx, entries); err != nil {
		// 批量写入可能部分成功
		ids := make([]string, len(entries))
		for i, e := range entries {
			ids[i] = e.ChunkID
		}
		s.compensate(ctx, "", ids)
		if errs.Classify(err) == errs.KindInternal {
			return errs.Unavailable(err, "failed to index chunks")
		}
		return err
	}
	return nil
}

// compensate 删除已写入索引的分块，不受调用方取消影响
func (s *Service) compensate(ctx context.Context, documentID string, ids []string) {
	if len(ids) == 0 {
		return
	}
	if err := s.index.Delete(context.WithoutCancel(ctx), ids); err != nil {
		s.logger.Error("compensating index delete failed, chunks orphaned",
			zap.String("document_id", documentID), zap.Strings("chunk_ids", ids), zap.Error(err))
		return
	}
	s.logger.Warn("compensated index write", zap.String("document_id", documentID), zap.Int("chunks", len(ids)))
}

func (s *Service) publish(ctx context.Context, t event.Type, doc *model.Document, actor string) {
	evt := event.New(t, doc.ID, map[string]any{
		"kb_id":   doc.KnowledgeBaseID,
		"version": doc.Version,
		"chunks":  len(doc.ChunkIDs),
	})
	evt.Actor = actor
	s.bus.Publish(ctx, evt)
}

func applyRequest(doc *model.Document, req *DocumentRequest, now time.Time) {
	doc.Title = strings.TrimSpace(req.Title)
	doc.Type = req.Type
	doc.Tags = pq.StringArray(append([]string{}, req.Tags...))
	doc.SourceType = req.SourceType
	if doc.SourceType == "" {
		doc.SourceType = model.SourceTypeManual
	}
	doc.SourceURLs = pq.StringArray(append([]string{}, req.SourceURLs...))
	doc.Language = req.Language
	if req.Approver != "" {
		doc.Approver = req.Approver
	}
	doc.ContentSize = int64(len(req.Content))
	doc.ContentHash = ContentHash(req.Content)
	doc.UpdatedAt = now
}

func chunkIDs(chunks []*model.Chunk) pq.StringArray {
	ids := make(pq.StringArray, len(chunks))
	for i, c := range chunks {
		ids[i] = c.ID
	}
	return ids
}

// persistErr 元数据库错误归类：已分类的错误原样返回，其余归为 internal
func persistErr(err error, msg string) error {
	switch errs.Classify(err) {
	case errs.KindInternal:
		return errs.Internal(err, msg)
	default:
		return err
	}
}

// NextVersion 补丁位 +1，无法解析时返回 1.0.0
func NextVersion(v string) string {
	parts := strings.Split(strings.TrimSpace(v), ".")
	if len(parts) != 3 {
		return InitialVersion
	}
	nums := make([]int, 3)
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return InitialVersion
		}
		nums[i] = n
	}
	return fmt.Sprintf("%d.%d.%d", nums[0], nums[1], nums[2]+1)
}
