package ingest

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"documint/internal/config"
	"documint/internal/embedding"
	"documint/internal/parser"
	"documint/internal/session"
	"documint/internal/store"
)

// failingProvider errors on every encode call.
type failingProvider struct{}

func (failingProvider) Name() string { return "broken-model" }

func (failingProvider) Encode(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, errors.New("encode unavailable")
}

func (failingProvider) EncodeQuery(ctx context.Context, text string) ([]float32, error) {
	return nil, errors.New("encode unavailable")
}

func newTestService(t *testing.T, provider embedding.Provider) *Service {
	t.Helper()
	dir := t.TempDir()
	sessions := session.NewCache(0)
	t.Cleanup(sessions.Close)
	cfg := config.Default()
	return NewService(
		store.NewFileContentStore(dir),
		store.NewFileEmbeddingStore(dir),
		sessions,
		provider,
		parser.New(),
		&cfg.RAG,
	)
}

func waitReady(t *testing.T, s *Service, token string) *session.Entry {
	t.Helper()
	require.Eventually(t, func() bool {
		e, ok := s.Session(token)
		return ok && !e.Processing
	}, 5*time.Second, 10*time.Millisecond)
	e, _ := s.Session(token)
	return e
}

func TestIngestAndQuery(t *testing.T) {
	s := newTestService(t, nil)

	res, err := s.Ingest(context.Background(), "trip", "Travel Planner", "plan a route", []InputFile{
		{Name: "notes.txt", Data: []byte("The itinerary covers three cities. Museums open at nine.")},
	})
	require.NoError(t, err)
	assert.True(t, res.Processing)
	assert.Equal(t, []string{"notes.txt"}, res.NewFiles)

	e := waitReady(t, s, res.Token)
	assert.Empty(t, e.ErrMsg)
	assert.True(t, e.Ready())
	assert.Equal(t, "travel", e.Domain)
	assert.Equal(t, "indexed", e.FileProgress["notes.txt"])

	hits, err := s.Query(context.Background(), res.Token, "itinerary", "", "", 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "notes.txt", hits[0].SourceFile)
}

func TestIngestDeduplicatesByBytes(t *testing.T) {
	s := newTestService(t, nil)
	data := []byte("Same content both times.")

	first, err := s.Ingest(context.Background(), "proj", "", "", []InputFile{{Name: "a.txt", Data: data}})
	require.NoError(t, err)
	waitReady(t, s, first.Token)

	// Identical bytes under a different name are still a duplicate.
	second, err := s.Ingest(context.Background(), "proj", "", "", []InputFile{{Name: "b.txt", Data: data}})
	require.NoError(t, err)
	assert.True(t, second.Reused)
	assert.Equal(t, []string{"b.txt"}, second.SkippedFiles)
	assert.NotEqual(t, first.Token, second.Token)

	e, ok := s.Session(second.Token)
	require.True(t, ok)
	assert.True(t, e.Reused)
	assert.True(t, e.Ready())
}

func TestIngestDuplicateWithinBatch(t *testing.T) {
	s := newTestService(t, nil)
	data := []byte("One body of text.")

	res, err := s.Ingest(context.Background(), "proj", "", "", []InputFile{
		{Name: "a.txt", Data: data},
		{Name: "copy.txt", Data: data},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt"}, res.NewFiles)
	assert.Equal(t, []string{"copy.txt"}, res.SkippedFiles)
	waitReady(t, s, res.Token)
}

func TestIngestNoInput(t *testing.T) {
	s := newTestService(t, nil)
	_, err := s.Ingest(context.Background(), "ghost", "", "", nil)
	assert.ErrorIs(t, err, ErrNoInput)
}

func TestIncrementalSecondBatch(t *testing.T) {
	p := &countingProvider{model: "m1"}
	s := newTestService(t, p)

	first, err := s.Ingest(context.Background(), "proj", "", "", []InputFile{
		{Name: "a.txt", Data: []byte("First document body.")},
	})
	require.NoError(t, err)
	waitReady(t, s, first.Token)

	rec, ok := s.embeds.Load("proj")
	require.True(t, ok)
	firstVectors := rec.Vectors

	second, err := s.Ingest(context.Background(), "proj", "", "", []InputFile{
		{Name: "b.txt", Data: []byte("Second document body.")},
	})
	require.NoError(t, err)
	e := waitReady(t, s, second.Token)

	assert.True(t, e.Incremental)
	assert.True(t, e.Persisted)

	merged, ok := s.embeds.Load("proj")
	require.True(t, ok)
	require.Len(t, merged.Vectors, 2)
	assert.Equal(t, firstVectors[0], merged.Vectors[0], "existing vector survives the merge untouched")
}

func TestMergeFailureDegradesButFlagsSession(t *testing.T) {
	p := &failingProvider{}
	s := newTestService(t, p)

	res, err := s.Ingest(context.Background(), "proj", "", "", []InputFile{
		{Name: "a.txt", Data: []byte("Some content about itineraries.")},
	})
	require.NoError(t, err)
	e := waitReady(t, s, res.Token)

	assert.True(t, e.IndexError, "failed encode must be visible on the session")
	assert.False(t, e.Persisted, "stale embedding state must not claim durability")
	assert.Empty(t, e.ErrMsg, "degraded sessions stay queryable")
	assert.True(t, e.Ready())

	hits, err := s.Query(context.Background(), res.Token, "itineraries", "", "", 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Zero(t, hits[0].EmbeddingScore)
}

func TestQueryUnknownToken(t *testing.T) {
	s := newTestService(t, nil)
	_, err := s.Query(context.Background(), "no-such-token", "q", "", "", 1)
	assert.ErrorIs(t, err, ErrUnknownToken)
}

func TestQueryWhileProcessing(t *testing.T) {
	s := newTestService(t, nil)
	s.sessions.Put(&session.Entry{Token: "busy", Processing: true})

	_, err := s.Query(context.Background(), "busy", "q", "", "", 1)
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestEmptyBatchYieldsEmptySession(t *testing.T) {
	s := newTestService(t, nil)

	res, err := s.Ingest(context.Background(), "proj", "", "", []InputFile{
		{Name: "blank.txt", Data: []byte("   \n  ")},
	})
	require.NoError(t, err)
	e := waitReady(t, s, res.Token)
	assert.True(t, e.Empty)

	_, err = s.Query(context.Background(), res.Token, "q", "", "", 1)
	assert.ErrorIs(t, err, ErrEmptyProject)
}

func TestAllFilesFailingToParseFailsSession(t *testing.T) {
	s := newTestService(t, nil)

	res, err := s.Ingest(context.Background(), "proj", "", "", []InputFile{
		{Name: "bad.pdf", Data: []byte("not really a pdf")},
	})
	require.NoError(t, err)
	e := waitReady(t, s, res.Token)
	assert.True(t, e.IndexError)
	assert.NotEmpty(t, e.ErrMsg)

	_, err = s.Query(context.Background(), res.Token, "q", "", "", 1)
	assert.Error(t, err)
}

func TestRemoveFile(t *testing.T) {
	s := newTestService(t, nil)

	res, err := s.Ingest(context.Background(), "proj", "", "", []InputFile{
		{Name: "keep.txt", Data: []byte("Content that stays around.")},
		{Name: "drop.txt", Data: []byte("Content that goes away.")},
	})
	require.NoError(t, err)
	waitReady(t, s, res.Token)

	require.NoError(t, s.Remove(context.Background(), "proj", "drop.txt"))

	info, err := s.Info("proj")
	require.NoError(t, err)
	assert.Equal(t, []string{"keep.txt"}, info.Meta.FileNames())
	assert.Equal(t, 1, info.ChunkCount)

	// Sessions over the old corpus are gone.
	_, ok := s.Session(res.Token)
	assert.False(t, ok)

	err = s.Remove(context.Background(), "proj", "missing.txt")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRemoveFromUnknownProject(t *testing.T) {
	s := newTestService(t, nil)
	err := s.Remove(context.Background(), "ghost", "a.txt")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestExportImportRoundTrip(t *testing.T) {
	p := &countingProvider{model: "m1"}
	src := newTestService(t, p)

	res, err := src.Ingest(context.Background(), "proj", "", "", []InputFile{
		{Name: "a.txt", Data: []byte("Exportable content body.")},
	})
	require.NoError(t, err)
	waitReady(t, src, res.Token)

	var buf bytes.Buffer
	require.NoError(t, src.Export("proj", &buf))

	dst := newTestService(t, p)
	name, err := dst.Import(&buf)
	require.NoError(t, err)
	assert.Equal(t, "proj", name)

	info, err := dst.Info("proj")
	require.NoError(t, err)
	assert.Equal(t, 1, info.ChunkCount)
	assert.True(t, info.HasEmbeddings)
	assert.Equal(t, "m1", info.Model)

	// The imported corpus is immediately reusable.
	reuse, err := dst.Ingest(context.Background(), "proj", "", "", nil)
	require.NoError(t, err)
	assert.True(t, reuse.Reused)
}

func TestImportRejectsMisalignedSnapshot(t *testing.T) {
	s := newTestService(t, nil)
	snap := `{"meta":{"project_name":"x","files":[]},"chunks":[],"record":{"chunk_ids":["a"],"vectors":[[1]],"model":"m"}}`
	_, err := s.Import(bytes.NewReader([]byte(snap)))
	assert.Error(t, err)
}
