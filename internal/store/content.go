package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/rs/zerolog/log"

	"documint/internal/models"
)

const (
	metaFilename   = "meta.json"
	chunksFilename = "chunks.json"
)

// ErrNotFound is returned for operations against a project or file that does
// not exist. Distinct from a corrupt store, which degrades to "absent".
var ErrNotFound = errors.New("not found")

// ContentStore persists per-project file metadata and the derived chunk
// sequence. A corrupt or unreadable project loads as absent so ingestion can
// proceed as if the project were new.
type ContentStore interface {
	Load(project string) (*models.ProjectMeta, []models.Chunk, bool)
	Save(project string, meta *models.ProjectMeta, chunks []models.Chunk) error
}

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

// SafeProjectName sanitizes a user-supplied project name for filesystem use.
func SafeProjectName(name string) string {
	if name == "" {
		return "project"
	}
	safe := unsafeNameChars.ReplaceAllString(name, "_")
	if len(safe) > 100 {
		safe = safe[:100]
	}
	return safe
}

// FileContentStore keeps each project in its own directory under baseDir,
// with meta.json and chunks.json written atomically.
type FileContentStore struct {
	baseDir string
}

func NewFileContentStore(baseDir string) *FileContentStore {
	return &FileContentStore{baseDir: baseDir}
}

// ProjectDir returns the directory holding a project's persisted state.
func (s *FileContentStore) ProjectDir(project string) string {
	return filepath.Join(s.baseDir, SafeProjectName(project))
}

func (s *FileContentStore) Load(project string) (*models.ProjectMeta, []models.Chunk, bool) {
	dir := s.ProjectDir(project)

	metaData, err := os.ReadFile(filepath.Join(dir, metaFilename))
	if err != nil {
		return nil, nil, false
	}
	var meta models.ProjectMeta
	if err := json.Unmarshal(metaData, &meta); err != nil {
		log.Warn().Err(err).Str("project", project).Msg("Corrupt project meta, treating as absent")
		return nil, nil, false
	}

	var chunks []models.Chunk
	chunkData, err := os.ReadFile(filepath.Join(dir, chunksFilename))
	if err == nil {
		if err := json.Unmarshal(chunkData, &chunks); err != nil {
			log.Warn().Err(err).Str("project", project).Msg("Corrupt chunk file, treating as absent")
			return nil, nil, false
		}
	}
	return &meta, chunks, true
}

func (s *FileContentStore) Save(project string, meta *models.ProjectMeta, chunks []models.Chunk) error {
	dir := s.ProjectDir(project)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating project dir: %w", err)
	}

	stamped := *meta
	stamped.UpdatedAt = time.Now().UTC()
	if err := writeJSONAtomic(filepath.Join(dir, metaFilename), &stamped); err != nil {
		return fmt.Errorf("writing meta: %w", err)
	}
	if chunks == nil {
		chunks = []models.Chunk{}
	}
	if err := writeJSONAtomic(filepath.Join(dir, chunksFilename), chunks); err != nil {
		return fmt.Errorf("writing chunks: %w", err)
	}
	return nil
}

// writeJSONAtomic writes to a temp file in the target directory and renames
// it into place, so a reader never observes a partial write.
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
