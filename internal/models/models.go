package models

import (
	"fmt"
	"time"
)

// SourceFile records one ingested file. Hash is the sha256 of the raw bytes
// and is the sole de-duplication key within a project: identical bytes under
// a different name count as already ingested.
type SourceFile struct {
	Name string `json:"name"`
	Hash string `json:"hash"`
	Size int64  `json:"size"`
}

// ProjectMeta is the per-project metadata persisted in meta.json.
type ProjectMeta struct {
	ProjectName string       `json:"project_name"`
	Files       []SourceFile `json:"files"`
	Domain      string       `json:"domain"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// HasFileHash reports whether a file with the given content hash was already
// ingested into this project.
func (m *ProjectMeta) HasFileHash(hash string) bool {
	for _, f := range m.Files {
		if f.Hash == hash {
			return true
		}
	}
	return false
}

// FileNames returns the names of all ingested files, in ingestion order.
func (m *ProjectMeta) FileNames() []string {
	names := make([]string, 0, len(m.Files))
	for _, f := range m.Files {
		names = append(names, f.Name)
	}
	return names
}

// Chunk is a heading-scoped, length-bounded span of document text.
// ID is derived from (source file, heading, page, content prefix) so the same
// content always re-derives the same id; it joins the content store to the
// embedding store. Hash digests the full chunk text and is used for prompt
// cache context checks.
type Chunk struct {
	ID         string `json:"chunk_id"`
	Heading    string `json:"heading"`
	Content    string `json:"content"`
	SourceFile string `json:"source_file"`
	PageNumber int    `json:"page_number"`
	Hash       string `json:"chunk_hash"`
}

// EmbeddingRecord holds the ordered vector array for a project. ChunkIDs[i]
// identifies the chunk whose vector is Vectors[i]; this is the only place
// where chunk order is load-bearing.
type EmbeddingRecord struct {
	ChunkIDs []string    `json:"chunk_ids"`
	Vectors  [][]float32 `json:"vectors"`
	Model    string      `json:"model"`
}

// Validate checks the id/vector row alignment invariant.
func (r *EmbeddingRecord) Validate() error {
	if len(r.ChunkIDs) != len(r.Vectors) {
		return fmt.Errorf("embedding record misaligned: %d chunk ids, %d vectors", len(r.ChunkIDs), len(r.Vectors))
	}
	return nil
}

// ScoredChunk is a retrieval result with its constituent scores, so callers
// can audit how the hybrid ranking was produced.
type ScoredChunk struct {
	Chunk
	BM25Score      float64 `json:"bm25_score"`
	EmbeddingScore float64 `json:"embedding_score"`
	HybridScore    float64 `json:"hybrid_score"`
}
