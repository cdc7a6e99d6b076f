package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"documint/internal/models"
)

const embeddingsFilename = "embeddings.json"

// EmbeddingStore persists a project's ordered vector array, its parallel
// chunk id list, and the embedding model name, loadable and saveable only as
// a unit. Missing or invalid data loads as absent; callers then rebuild.
type EmbeddingStore interface {
	Load(project string) (*models.EmbeddingRecord, bool)
	Save(project string, rec *models.EmbeddingRecord) error
}

type FileEmbeddingStore struct {
	baseDir string
}

func NewFileEmbeddingStore(baseDir string) *FileEmbeddingStore {
	return &FileEmbeddingStore{baseDir: baseDir}
}

func (s *FileEmbeddingStore) path(project string) string {
	return filepath.Join(s.baseDir, SafeProjectName(project), embeddingsFilename)
}

func (s *FileEmbeddingStore) Load(project string) (*models.EmbeddingRecord, bool) {
	data, err := os.ReadFile(s.path(project))
	if err != nil {
		return nil, false
	}
	var rec models.EmbeddingRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		log.Warn().Err(err).Str("project", project).Msg("Corrupt embedding file, treating as absent")
		return nil, false
	}
	if err := rec.Validate(); err != nil {
		log.Warn().Err(err).Str("project", project).Msg("Misaligned embedding file, treating as absent")
		return nil, false
	}
	return &rec, true
}

func (s *FileEmbeddingStore) Save(project string, rec *models.EmbeddingRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	path := s.path(project)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating project dir: %w", err)
	}
	if err := writeJSONAtomic(path, rec); err != nil {
		return fmt.Errorf("writing embeddings: %w", err)
	}
	return nil
}
