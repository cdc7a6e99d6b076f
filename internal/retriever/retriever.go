package retriever

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"documint/internal/chunker"
	"documint/internal/embedding"
	"documint/internal/models"
)

// ErrInvalidK is returned when a caller asks for fewer than one result.
var ErrInvalidK = errors.New("k must be >= 1")

// Retriever answers top-k queries over a fixed chunk list by fusing BM25
// lexical relevance with cosine similarity over chunk embeddings. It is
// immutable after Build and safe for concurrent queries.
type Retriever struct {
	chunks       []models.Chunk
	domain       string
	provider     embedding.Provider
	modelName    string
	vectors      [][]float32
	lexical      *bm25Index
	fusionWeight float64
	degraded     bool
}

// Build constructs a retriever for the given chunks. When precomputed
// vectors align with the chunk list they are used as-is; otherwise, if a
// provider is available, vectors are computed fresh. If neither works the
// retriever still answers queries on lexical scores alone.
func Build(ctx context.Context, chunks []models.Chunk, domain string, provider embedding.Provider, precomputed [][]float32, fusionWeight float64) (*Retriever, error) {
	if len(chunks) == 0 {
		return nil, errors.New("cannot build index over zero chunks")
	}
	if domain == "" {
		domain = DefaultDomain
	}
	if fusionWeight <= 0 || fusionWeight > 1 {
		fusionWeight = 0.6
	}

	r := &Retriever{
		chunks:       chunks,
		domain:       domain,
		provider:     provider,
		fusionWeight: fusionWeight,
	}

	docs := make([]string, len(chunks))
	for i, c := range chunks {
		docs[i] = r.weightedRepresentation(c)
	}
	r.lexical = newBM25Index(docs)

	switch {
	case precomputed != nil && len(precomputed) == len(chunks):
		r.vectors = precomputed
		if provider != nil {
			r.modelName = provider.Name()
		}
	case provider != nil:
		vectors, err := embedding.EncodeChunks(ctx, provider, chunks)
		if err != nil {
			log.Warn().Err(err).Msg("Embedding computation failed, serving lexical-only index")
			r.degraded = true
		} else {
			r.vectors = vectors
			r.modelName = provider.Name()
		}
	default:
		r.degraded = true
	}
	return r, nil
}

// weightedRepresentation is the lexical text form of a chunk. Non-general
// domains boost heading terms by repetition; this is a tunable policy knob.
func (r *Retriever) weightedRepresentation(c models.Chunk) string {
	if c.Heading == "" || c.Heading == chunker.WholeDocumentHeading {
		return c.Content
	}
	if r.domain != DefaultDomain {
		return c.Heading + " " + c.Heading + " " + c.Content
	}
	return c.Heading + " " + c.Content
}

// Vectors exposes the aligned vector array, one row per chunk, or nil when
// the index is lexical-only. The slice is shared; callers must not mutate.
func (r *Retriever) Vectors() [][]float32 { return r.vectors }

func (r *Retriever) ModelName() string { return r.modelName }

func (r *Retriever) Domain() string { return r.domain }

// Degraded reports whether semantic scoring is unavailable.
func (r *Retriever) Degraded() bool { return r.degraded }

func (r *Retriever) ChunkCount() int { return len(r.chunks) }

// TopK ranks every chunk for the query and returns the best k. The hybrid
// score is (1-w)·lexical + w·semantic with lexical scores normalized to
// [0,1]; ties keep original chunk order. If the embedding provider fails at
// query time the answer falls back to lexical scores rather than erroring.
func (r *Retriever) TopK(ctx context.Context, query, persona, task string, k int) ([]models.ScoredChunk, error) {
	if k < 1 {
		return nil, ErrInvalidK
	}

	fullQuery := query
	if extra := strings.TrimSpace(persona + " " + task); extra != "" && extra != query {
		fullQuery = strings.TrimSpace(extra + " " + query)
	}

	lexScores := r.lexical.scores(fullQuery)
	maxLex := 0.0
	for _, s := range lexScores {
		if s > maxLex {
			maxLex = s
		}
	}

	semScores := r.semanticScores(ctx, fullQuery)

	scored := make([]models.ScoredChunk, len(r.chunks))
	for i, c := range r.chunks {
		lexNorm := 0.0
		if maxLex > 0 {
			lexNorm = lexScores[i] / maxLex
		}
		sem := 0.0
		if semScores != nil {
			sem = semScores[i]
		}
		hybrid := lexNorm
		if semScores != nil {
			hybrid = (1-r.fusionWeight)*lexNorm + r.fusionWeight*sem
		}
		scored[i] = models.ScoredChunk{
			Chunk:          c,
			BM25Score:      lexScores[i],
			EmbeddingScore: sem,
			HybridScore:    hybrid,
		}
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].HybridScore > scored[j].HybridScore
	})

	if k > len(scored) {
		k = len(scored)
	}
	return scored[:k], nil
}

// semanticScores returns per-chunk cosine similarity against the query
// embedding clamped to [0,1], or nil when semantic scoring is unavailable.
func (r *Retriever) semanticScores(ctx context.Context, query string) []float64 {
	if r.vectors == nil || r.provider == nil {
		return nil
	}
	queryVec, err := r.provider.EncodeQuery(ctx, query)
	if err != nil {
		log.Warn().Err(err).Msg("Query embedding failed, answering with lexical scores only")
		return nil
	}
	out := make([]float64, len(r.vectors))
	for i, v := range r.vectors {
		sim := embedding.CosineSimilarity(queryVec, v)
		if sim < 0 {
			sim = 0
		}
		out[i] = sim
	}
	return out
}

// Record assembles the embedding record matching this retriever's chunk
// order, or an error when the index is lexical-only.
func (r *Retriever) Record() (*models.EmbeddingRecord, error) {
	if r.vectors == nil {
		return nil, fmt.Errorf("no vectors to persist")
	}
	rec := &models.EmbeddingRecord{
		ChunkIDs: make([]string, len(r.chunks)),
		Vectors:  r.vectors,
		Model:    r.modelName,
	}
	for i, c := range r.chunks {
		rec.ChunkIDs[i] = c.ID
	}
	return rec, rec.Validate()
}
