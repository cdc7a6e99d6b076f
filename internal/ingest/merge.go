package ingest

import (
	"context"

	"github.com/rs/zerolog/log"

	"documint/internal/embedding"
	"documint/internal/models"
)

// MergeResult is the combined chunk list and its aligned embedding record
// after folding fresh chunks into an indexed corpus.
type MergeResult struct {
	Chunks []models.Chunk
	Record *models.EmbeddingRecord

	// Incremental is true when existing vectors were reused and only the
	// fresh chunks were encoded.
	Incremental bool
	// FullRebuild is true when the persisted record could not be trusted
	// and every chunk was re-encoded.
	FullRebuild bool
}

// Merge appends fresh chunks to an existing corpus, reusing persisted vectors
// when the record still matches the existing chunks exactly. Any mismatch in
// count, identity, or model falls back to encoding everything, never to
// serving misaligned vectors.
func Merge(ctx context.Context, existing []models.Chunk, rec *models.EmbeddingRecord, fresh []models.Chunk, provider embedding.Provider) (*MergeResult, error) {
	combined := make([]models.Chunk, 0, len(existing)+len(fresh))
	combined = append(combined, existing...)
	combined = append(combined, fresh...)

	if provider == nil {
		return &MergeResult{Chunks: combined}, nil
	}

	reordered, ok := alignExisting(existing, rec, provider.Name())
	if !ok {
		rec, err := encodeAll(ctx, combined, provider)
		if err != nil {
			return nil, err
		}
		return &MergeResult{Chunks: combined, Record: rec, FullRebuild: len(existing) > 0}, nil
	}

	freshVectors, err := embedding.EncodeChunks(ctx, provider, fresh)
	if err != nil {
		return nil, err
	}

	combined = append(reordered, fresh...)

	merged := &models.EmbeddingRecord{
		ChunkIDs: make([]string, 0, len(combined)),
		Vectors:  make([][]float32, 0, len(combined)),
		Model:    rec.Model,
	}
	merged.Vectors = append(merged.Vectors, rec.Vectors...)
	merged.Vectors = append(merged.Vectors, freshVectors...)
	for _, c := range combined {
		merged.ChunkIDs = append(merged.ChunkIDs, c.ID)
	}
	if err := merged.Validate(); err != nil {
		return nil, err
	}
	return &MergeResult{
		Chunks:      combined,
		Record:      merged,
		Incremental: len(existing) > 0,
	}, nil
}

// alignExisting reorders existing chunks into the record's vector order.
// It reports false when the record cannot vouch for the existing corpus:
// absent, differently sized, produced by another model, or naming chunk IDs
// the corpus no longer has.
func alignExisting(existing []models.Chunk, rec *models.EmbeddingRecord, model string) ([]models.Chunk, bool) {
	if rec == nil || len(existing) == 0 {
		return nil, false
	}
	if rec.Validate() != nil || len(rec.ChunkIDs) != len(existing) {
		log.Debug().Msg("Embedding record does not match stored chunks, re-encoding corpus")
		return nil, false
	}
	if rec.Model != "" && model != "" && rec.Model != model {
		log.Info().Str("stored", rec.Model).Str("active", model).Msg("Embedding model changed, re-encoding corpus")
		return nil, false
	}
	byID := make(map[string]models.Chunk, len(existing))
	for _, c := range existing {
		byID[c.ID] = c
	}
	reordered := make([]models.Chunk, len(rec.ChunkIDs))
	for i, id := range rec.ChunkIDs {
		c, ok := byID[id]
		if !ok {
			log.Debug().Str("chunk_id", id).Msg("Recorded chunk missing from corpus, re-encoding")
			return nil, false
		}
		reordered[i] = c
	}
	return reordered, true
}

func encodeAll(ctx context.Context, chunks []models.Chunk, provider embedding.Provider) (*models.EmbeddingRecord, error) {
	vectors, err := embedding.EncodeChunks(ctx, provider, chunks)
	if err != nil {
		return nil, err
	}
	rec := &models.EmbeddingRecord{
		ChunkIDs: make([]string, len(chunks)),
		Vectors:  vectors,
		Model:    provider.Name(),
	}
	for i, c := range chunks {
		rec.ChunkIDs[i] = c.ID
	}
	return rec, rec.Validate()
}
