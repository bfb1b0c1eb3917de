package candidate

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/ashwinyue/stockqa/internal/errs"
	"github.com/ashwinyue/stockqa/internal/metrics"
	"github.com/ashwinyue/stockqa/internal/model"
	"github.com/ashwinyue/stockqa/internal/repository"
	"github.com/ashwinyue/stockqa/internal/service/keyword"
	"github.com/ashwinyue/stockqa/internal/service/knowledge"
	"github.com/ashwinyue/stockqa/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	curator  *Curator
	store    *testutil.MemoryCandidateStore
	docs     *knowledge.Service
	docStore *testutil.MemoryDocumentStore
	keywords *keyword.Service
	metrics  *metrics.Metrics
}

func newFixture(t *testing.T, dedup bool) *fixture {
	t.Helper()
	chunker, err := knowledge.NewChunker(context.Background(), knowledge.ChunkerConfig{})
	require.NoError(t, err)

	f := &fixture{
		store:    testutil.NewMemoryCandidateStore(),
		docStore: testutil.NewMemoryDocumentStore(),
		keywords: keyword.NewService(testutil.NewMemoryKeywordStore(), nil),
		metrics:  metrics.NewNop(),
	}
	f.docs = knowledge.NewService(knowledge.Config{
		Store:    f.docStore,
		Index:    testutil.NewMemoryIndex(),
		Splitter: chunker,
	}, nil)
	f.curator = NewCurator(Config{
		Store:     f.store,
		Documents: f.docs,
		Keywords:  f.keywords,
		Metrics:   f.metrics,
		Dedup:     dedup,
	}, nil)
	return f
}

func externalProposal(query string) ProposeRequest {
	return ProposeRequest{
		Query:  query,
		Answer: "Gold rallied on safe-haven demand.",
		Citations: []model.Citation{
			{Source: model.CitationExternal, URL: "https://news.example.com/gold", Title: "Gold"},
			{Source: model.CitationExternal, URL: "https://news.example.com/gold", Title: "Gold again"},
			{Source: model.CitationInternal, DocumentID: "doc-1"},
		},
		ExternalResultID: "ext-1",
	}
}

var reviewer = Review{Reviewer: "alice", Notes: "looks good"}

// ========== Fingerprint / Title 测试 ==========

func TestFingerprint(t *testing.T) {
	a := Fingerprint("Gold price?", "")
	assert.Len(t, a, 64)
	assert.Equal(t, a, Fingerprint("Gold price?", "  "))
	assert.NotEqual(t, a, Fingerprint("gold price?", ""))
	assert.NotEqual(t, a, Fingerprint("Gold price?", "kb-2"))
	assert.Equal(t, Fingerprint("q", "KB"), Fingerprint("q", " kb "))
}

func TestTitle(t *testing.T) {
	assert.Equal(t, "short", Title("  short "))

	exact := strings.Repeat("a", MaxTitleLength)
	assert.Equal(t, exact, Title(exact))

	long := strings.Repeat("股", MaxTitleLength+5)
	got := Title(long)
	assert.Equal(t, MaxTitleLength, len([]rune(got)))
	assert.True(t, strings.HasSuffix(got, "..."))
}

// ========== Propose 测试 ==========

func TestProposeRequiresExternalCitation(t *testing.T) {
	f := newFixture(t, true)
	p, err := f.curator.Propose(context.Background(), ProposeRequest{
		Query:     "q",
		Answer:    "a",
		Citations: []model.Citation{{Source: model.CitationInternal, DocumentID: "d"}},
	})
	require.NoError(t, err)
	assert.Nil(t, p)
	assert.Equal(t, 0, f.store.Count())
}

func TestProposeCreatesPending(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	_, err := f.keywords.Index(ctx, keyword.Request{Keywords: []string{"gold", "rally"}, ExternalResultID: "ext-1"})
	require.NoError(t, err)

	p, err := f.curator.Propose(ctx, externalProposal("Why is gold up today?"))
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.False(t, p.Deduplicated)

	c := p.Candidate
	assert.Equal(t, model.CandidateStatusPending, c.Status)
	assert.Equal(t, 1, c.HitCount)
	assert.Equal(t, knowledge.DefaultKBID, c.KnowledgeBaseID)
	assert.Equal(t, "Why is gold up today?", c.ProposedTitle)
	assert.Equal(t, "Gold rallied on safe-haven demand.", c.ProposedBody)
	assert.Equal(t, []string{"https://news.example.com/gold"}, []string(c.ExternalURLs))
	assert.Len(t, c.Citations, 2, "only external citations are kept")

	stored, err := f.curator.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Keywords, 2)
	assert.EqualValues(t, 1, f.metrics.Total(metrics.CandidatesProposed))
}

func TestProposeValidation(t *testing.T) {
	f := newFixture(t, true)
	req := externalProposal("  ")
	_, err := f.curator.Propose(context.Background(), req)
	assert.True(t, errs.Is(err, errs.KindValidation))

	req = externalProposal("q")
	req.Answer = ""
	_, err = f.curator.Propose(context.Background(), req)
	assert.True(t, errs.Is(err, errs.KindValidation))
}

func TestProposeDeduplicates(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	first, err := f.curator.Propose(ctx, externalProposal("What moved gold?"))
	require.NoError(t, err)
	second, err := f.curator.Propose(ctx, externalProposal("What moved gold?"))
	require.NoError(t, err)

	assert.True(t, second.Deduplicated)
	assert.Equal(t, first.Candidate.ID, second.Candidate.ID)
	assert.Equal(t, 2, second.Candidate.HitCount)
	assert.False(t, second.Candidate.LastSeenAt.Before(first.Candidate.LastSeenAt))
	assert.Equal(t, 1, f.store.Count())
	assert.EqualValues(t, 1, f.metrics.Total(metrics.CandidatesDeduplicated))

	// 查询文本区分大小写
	third, err := f.curator.Propose(ctx, externalProposal("what moved gold?"))
	require.NoError(t, err)
	assert.False(t, third.Deduplicated)
	assert.Equal(t, 2, f.store.Count())
}

func TestProposeConcurrentDedup(t *testing.T) {
	f := newFixture(t, true)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.curator.Propose(context.Background(), externalProposal("same question"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	require.Equal(t, 1, f.store.Count())
	list, _, err := f.curator.List(context.Background(), repository.CandidateFilter{})
	require.NoError(t, err)
	assert.Equal(t, 8, list[0].HitCount)
}

func TestProposeWithoutDedup(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	_, err := f.curator.Propose(ctx, externalProposal("q"))
	require.NoError(t, err)
	_, err = f.curator.Propose(ctx, externalProposal("q"))
	require.NoError(t, err)
	assert.Equal(t, 2, f.store.Count())
}

func TestProposeAfterReviewCreatesNewCandidate(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	first, err := f.curator.Propose(ctx, externalProposal("q"))
	require.NoError(t, err)
	require.NoError(t, f.curator.Reject(ctx, first.Candidate.ID, reviewer))

	second, err := f.curator.Propose(ctx, externalProposal("q"))
	require.NoError(t, err)
	assert.False(t, second.Deduplicated)
	assert.NotEqual(t, first.Candidate.ID, second.Candidate.ID)
}

// ========== 审核测试 ==========

func TestApprove(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	p, err := f.curator.Propose(ctx, externalProposal("Why is gold up today?"))
	require.NoError(t, err)

	doc, err := f.curator.Approve(ctx, p.Candidate.ID, reviewer)
	require.NoError(t, err)
	assert.Equal(t, "Why is gold up today?", doc.Title)
	assert.Equal(t, model.SourceTypeExternal, doc.SourceType)
	assert.Equal(t, "alice", doc.Approver)
	assert.Equal(t, []string{"https://news.example.com/gold"}, []string(doc.SourceURLs))

	c, err := f.curator.Get(ctx, p.Candidate.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CandidateStatusApproved, c.Status)
	assert.Equal(t, doc.ID, c.DocumentID)
	assert.Equal(t, "alice", c.Reviewer)
	assert.NotNil(t, c.ReviewedAt)
	assert.EqualValues(t, 1, f.metrics.Total(metrics.CandidateApprovals))

	// 终态不可再迁移
	_, err = f.curator.Approve(ctx, p.Candidate.ID, reviewer)
	assert.True(t, errs.Is(err, errs.KindInvalidState))
	err = f.curator.Reject(ctx, p.Candidate.ID, reviewer)
	assert.True(t, errs.Is(err, errs.KindInvalidState))
	assert.Equal(t, 1, f.docStore.DocumentCount())
}

func TestReviewRequiresReviewer(t *testing.T) {
	f := newFixture(t, true)
	_, err := f.curator.Approve(context.Background(), "any", Review{})
	assert.True(t, errs.Is(err, errs.KindValidation))
}

func TestApproveUnknownCandidate(t *testing.T) {
	f := newFixture(t, true)
	_, err := f.curator.Approve(context.Background(), "missing", reviewer)
	assert.True(t, errs.Is(err, errs.KindNotFound))
}

func TestModify(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	p, err := f.curator.Propose(ctx, externalProposal("gold?"))
	require.NoError(t, err)

	doc, err := f.curator.Modify(ctx, p.Candidate.ID, &knowledge.DocumentRequest{
		Title:   "Gold outlook",
		Content: "# Gold\nEdited body.",
	}, reviewer)
	require.NoError(t, err)
	assert.Equal(t, "Gold outlook", doc.Title)

	c, err := f.curator.Get(ctx, p.Candidate.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CandidateStatusModified, c.Status)
	assert.Equal(t, "Gold outlook", c.ProposedTitle)
	assert.True(t, c.Approved())
	assert.EqualValues(t, 1, f.metrics.Total(metrics.CandidateApprovals))

	_, err = f.curator.Modify(ctx, p.Candidate.ID, nil, reviewer)
	assert.True(t, errs.Is(err, errs.KindValidation))
}

func TestModifyRejectsOverlongTitle(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	p, err := f.curator.Propose(ctx, externalProposal("gold?"))
	require.NoError(t, err)

	_, err = f.curator.Modify(ctx, p.Candidate.ID, &knowledge.DocumentRequest{
		Title:   strings.Repeat("t", knowledge.MaxTitleLength+1),
		Content: "# Gold\nEdited body.",
	}, reviewer)
	assert.True(t, errs.Is(err, errs.KindValidation), "got %v", err)

	c, err := f.curator.Get(ctx, p.Candidate.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CandidateStatusPending, c.Status)
	assert.Equal(t, "gold?", c.ProposedTitle)
	assert.Equal(t, 0, f.docStore.DocumentCount())
}

func TestReject(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	p, err := f.curator.Propose(ctx, externalProposal("q"))
	require.NoError(t, err)

	require.NoError(t, f.curator.Reject(ctx, p.Candidate.ID, reviewer))
	c, err := f.curator.Get(ctx, p.Candidate.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CandidateStatusRejected, c.Status)
	assert.Empty(t, c.DocumentID)
	assert.Equal(t, 0, f.docStore.DocumentCount())
	assert.EqualValues(t, 1, f.metrics.Total(metrics.CandidateRejections))

	_, err = f.curator.Reimport(ctx, p.Candidate.ID, reviewer)
	assert.True(t, errs.Is(err, errs.KindInvalidState))
}

func TestApproveCompensatesOnSaveFailure(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	p, err := f.curator.Propose(ctx, externalProposal("q"))
	require.NoError(t, err)

	f.store.SaveErr = errors.New("db down")
	_, err = f.curator.Approve(ctx, p.Candidate.ID, reviewer)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindInternal))

	active, _, err := f.docs.List(ctx, repository.DocumentFilter{Status: model.DocumentStatusActive})
	require.NoError(t, err)
	assert.Empty(t, active, "document created inside the review must be rolled back")
	assert.Equal(t, 1, f.docStore.DocumentCount())

	f.store.SaveErr = nil
	c, err := f.curator.Get(ctx, p.Candidate.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CandidateStatusPending, c.Status)
}

func TestApproveDocumentFailureLeavesPending(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	p, err := f.curator.Propose(ctx, externalProposal("q"))
	require.NoError(t, err)

	f.docStore.CreateErr = errors.New("insert failed")
	_, err = f.curator.Approve(ctx, p.Candidate.ID, reviewer)
	require.Error(t, err)

	c, err := f.curator.Get(ctx, p.Candidate.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CandidateStatusPending, c.Status)
	assert.Empty(t, c.DocumentID)
}

// ========== Reimport 测试 ==========

func TestReimport(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	p, err := f.curator.Propose(ctx, externalProposal("q"))
	require.NoError(t, err)

	_, err = f.curator.Reimport(ctx, p.Candidate.ID, reviewer)
	assert.True(t, errs.Is(err, errs.KindInvalidState), "pending candidates cannot be reimported")

	first, err := f.curator.Approve(ctx, p.Candidate.ID, reviewer)
	require.NoError(t, err)
	second, err := f.curator.Reimport(ctx, p.Candidate.ID, Review{Reviewer: "bob"})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	c, err := f.curator.Get(ctx, p.Candidate.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CandidateStatusApproved, c.Status)
	assert.Equal(t, second.ID, c.DocumentID)
	assert.Equal(t, "alice", c.Reviewer)
	assert.Equal(t, 2, f.docStore.DocumentCount())
}

// ========== List 测试 ==========

func TestList(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	a, err := f.curator.Propose(ctx, externalProposal("a"))
	require.NoError(t, err)
	_, err = f.curator.Propose(ctx, externalProposal("b"))
	require.NoError(t, err)
	require.NoError(t, f.curator.Reject(ctx, a.Candidate.ID, reviewer))

	pending, total, err := f.curator.List(ctx, repository.CandidateFilter{Status: model.CandidateStatusPending})
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	assert.Equal(t, "b", pending[0].OriginalQuery)

	_, _, err = f.curator.List(ctx, repository.CandidateFilter{Status: "archived"})
	assert.True(t, errs.Is(err, errs.KindValidation))
}
