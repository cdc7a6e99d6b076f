package insight

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"documint/internal/config"
	"documint/internal/ingest"
	"documint/internal/llmservice"
	"documint/internal/parser"
	"documint/internal/promptcache"
	"documint/internal/session"
	"documint/internal/store"
)

type stubLLM struct {
	response string
	err      error
	calls    int
}

func (s *stubLLM) Complete(ctx context.Context, system, prompt string) (string, error) {
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	return s.response, nil
}

func newFixture(t *testing.T, llm llmservice.GenerationService) (*Service, string) {
	t.Helper()
	dir := t.TempDir()
	sessions := session.NewCache(0)
	t.Cleanup(sessions.Close)
	cfg := config.Default()
	ingester := ingest.NewService(
		store.NewFileContentStore(dir),
		store.NewFileEmbeddingStore(dir),
		sessions,
		nil,
		parser.New(),
		&cfg.RAG,
	)

	res, err := ingester.Ingest(context.Background(), "proj", "Travel Planner", "plan a trip", []ingest.InputFile{
		{Name: "guide.txt", Data: []byte("The itinerary visits two museums. Tickets cost twelve euros.")},
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		e, ok := ingester.Session(res.Token)
		return ok && !e.Processing
	}, 5*time.Second, 10*time.Millisecond)

	prompts, err := promptcache.New(context.Background(), filepath.Join(dir, "prompts.json"), nil, 0.85)
	require.NoError(t, err)

	svc := NewService(ingester, prompts, llm, "test-model", filepath.Join(dir, "insights"), 3)
	return svc, res.Token
}

func TestAnalyzeGeneratesAndPersists(t *testing.T) {
	llm := &stubLLM{response: "The trip covers two museums."}
	svc, token := newFixture(t, llm)

	a, err := svc.Analyze(context.Background(), token, "Travel Planner", "plan a trip", "summarize the itinerary")
	require.NoError(t, err)

	assert.NotEmpty(t, a.ID)
	assert.Equal(t, "The trip covers two museums.", a.Response)
	assert.Empty(t, a.CacheHit)
	assert.Equal(t, 1, llm.calls)
	require.NotEmpty(t, a.Sources)
	assert.Equal(t, "guide.txt", a.Sources[0].SourceFile)

	loaded, err := svc.Get(a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.Response, loaded.Response)
}

func TestAnalyzeSecondCallHitsCache(t *testing.T) {
	llm := &stubLLM{response: "Cached answer."}
	svc, token := newFixture(t, llm)

	first, err := svc.Analyze(context.Background(), token, "p", "t", "what does it cost")
	require.NoError(t, err)
	require.Equal(t, 1, llm.calls)

	second, err := svc.Analyze(context.Background(), token, "p", "t", "what does it cost")
	require.NoError(t, err)
	assert.Equal(t, 1, llm.calls, "cache hit must not call the model again")
	assert.Equal(t, "exact", second.CacheHit)
	assert.Equal(t, first.Response, second.Response)
	assert.NotEqual(t, first.ID, second.ID, "each run persists its own record")
}

func TestAnalyzeGenerationErrorNotCached(t *testing.T) {
	llm := &stubLLM{err: errors.New("model down")}
	svc, token := newFixture(t, llm)

	_, err := svc.Analyze(context.Background(), token, "p", "t", "question")
	require.Error(t, err)

	// After the model recovers the same prompt generates instead of
	// replaying a cached failure.
	llm.err = nil
	llm.response = "recovered"
	a, err := svc.Analyze(context.Background(), token, "p", "t", "question")
	require.NoError(t, err)
	assert.Equal(t, "recovered", a.Response)
	assert.Empty(t, a.CacheHit)
}

func TestAnalyzeWithoutModel(t *testing.T) {
	svc, token := newFixture(t, nil)

	_, err := svc.Analyze(context.Background(), token, "p", "t", "question")
	assert.ErrorIs(t, err, llmservice.ErrUnavailable)
}

func TestAnalyzeUnknownToken(t *testing.T) {
	svc, _ := newFixture(t, &stubLLM{response: "x"})

	_, err := svc.Analyze(context.Background(), "no-such-token", "p", "t", "q")
	assert.ErrorIs(t, err, ingest.ErrUnknownToken)
}

func TestListAndDelete(t *testing.T) {
	llm := &stubLLM{response: "answer"}
	svc, token := newFixture(t, llm)

	a, err := svc.Analyze(context.Background(), token, "p", "t", "first question")
	require.NoError(t, err)
	_, err = svc.Analyze(context.Background(), token, "p", "t", "second question")
	require.NoError(t, err)

	all, err := svc.List()
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, svc.Delete(a.ID))
	all, err = svc.List()
	require.NoError(t, err)
	assert.Len(t, all, 1)

	assert.Error(t, svc.Delete(a.ID), "double delete reports not found")
}

func TestListEmpty(t *testing.T) {
	svc, _ := newFixture(t, nil)
	all, err := svc.List()
	require.NoError(t, err)
	assert.Empty(t, all)
}
