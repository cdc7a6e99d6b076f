// Package ingest coordinates document intake: parsing, chunking, embedding
// merge, persistence, and the session handles that queries run against.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"runtime"
	"strings"
	"sync"

	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog/log"

	"documint/internal/chunker"
	"documint/internal/config"
	"documint/internal/embedding"
	"documint/internal/helper"
	"documint/internal/models"
	"documint/internal/parser"
	"documint/internal/retriever"
	"documint/internal/session"
	"documint/internal/store"
)

var (
	// ErrUnknownToken is returned for queries against a token the session
	// cache does not hold.
	ErrUnknownToken = errors.New("unknown session token")
	// ErrNotReady is returned while background indexing is still running.
	ErrNotReady = errors.New("session is still processing")
	// ErrEmptyProject is returned when a session holds no indexable content.
	ErrEmptyProject = errors.New("project has no indexable content")
	// ErrNoInput is returned when an ingest request carries no files and no
	// previously indexed corpus exists.
	ErrNoInput = errors.New("no files to ingest and no existing project")
)

// InputFile is one uploaded document.
type InputFile struct {
	Name string
	Data []byte
}

// IngestResult reports how an ingest request was resolved.
type IngestResult struct {
	Token        string   `json:"token"`
	Reused       bool     `json:"reused"`
	Processing   bool     `json:"processing"`
	NewFiles     []string `json:"new_files"`
	SkippedFiles []string `json:"skipped_files"`
}

// ProjectInfo summarizes a persisted project.
type ProjectInfo struct {
	Meta          *models.ProjectMeta `json:"meta"`
	ChunkCount    int                 `json:"chunk_count"`
	HasEmbeddings bool                `json:"has_embeddings"`
	Model         string              `json:"model,omitempty"`
}

// snapshot is the export/import wire form of one project.
type snapshot struct {
	Meta   *models.ProjectMeta     `json:"meta"`
	Chunks []models.Chunk          `json:"chunks"`
	Record *models.EmbeddingRecord `json:"record,omitempty"`
}

// Service owns the ingest pipeline. Per-project writes are serialized by a
// project-keyed mutex so concurrent batches for the same project cannot
// interleave their read-merge-write cycles.
type Service struct {
	content    store.ContentStore
	embeds     store.EmbeddingStore
	sessions   *session.Cache
	provider   embedding.Provider
	parser     parser.Parser
	classifier retriever.DomainClassifier
	chunker    *chunker.Chunker

	fusionWeight float64
	maxWorkers   int

	projLocks sync.Map
}

func NewService(content store.ContentStore, embeds store.EmbeddingStore, sessions *session.Cache, provider embedding.Provider, p parser.Parser, rag *config.RAGConfig) *Service {
	return &Service{
		content:      content,
		embeds:       embeds,
		sessions:     sessions,
		provider:     provider,
		parser:       p,
		classifier:   retriever.NewKeywordClassifier(),
		chunker:      chunker.New(rag.ChunkSize, rag.ChunkOverlap),
		fusionWeight: rag.FusionWeight,
		maxWorkers:   rag.MaxWorkers,
	}
}

func (s *Service) lockFor(project string) *sync.Mutex {
	mu, _ := s.projLocks.LoadOrStore(project, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Ingest registers a batch of files for a project. Files whose bytes were
// already ingested are skipped; when nothing new remains and an index exists,
// the call resolves synchronously to a reused session. Otherwise parsing and
// indexing continue in the background and the returned token can be polled.
func (s *Service) Ingest(ctx context.Context, projectName, persona, task string, files []InputFile) (*IngestResult, error) {
	project := store.SafeProjectName(projectName)
	meta, existing, found := s.content.Load(project)
	if !found {
		meta = &models.ProjectMeta{ProjectName: projectName}
	}

	var newFiles []InputFile
	var skipped []string
	seen := make(map[string]struct{})
	for _, f := range files {
		hash := chunker.HashBytes(f.Data)
		if _, dup := seen[hash]; dup || meta.HasFileHash(hash) {
			skipped = append(skipped, f.Name)
			continue
		}
		seen[hash] = struct{}{}
		newFiles = append(newFiles, f)
	}

	token, err := helper.GenerateUUID()
	if err != nil {
		return nil, err
	}

	domain := meta.Domain
	if domain == "" {
		domain = s.classifier.Classify(persona + " " + task)
	}

	if len(newFiles) == 0 {
		if !found || len(existing) == 0 {
			if !found {
				return nil, ErrNoInput
			}
			s.sessions.Put(&session.Entry{
				Token:       token,
				ProjectName: project,
				Empty:       true,
				Domain:      domain,
				FileNames:   meta.FileNames(),
			})
			return &IngestResult{Token: token, Reused: true, SkippedFiles: skipped}, nil
		}
		if err := s.reuseSession(ctx, token, project, domain, meta, existing); err != nil {
			return nil, err
		}
		return &IngestResult{Token: token, Reused: true, SkippedFiles: skipped}, nil
	}

	progress := make(map[string]string, len(newFiles))
	names := make([]string, 0, len(newFiles))
	for _, f := range newFiles {
		progress[f.Name] = "pending"
		names = append(names, f.Name)
	}
	s.sessions.Put(&session.Entry{
		Token:        token,
		ProjectName:  project,
		Processing:   true,
		Domain:       domain,
		FileProgress: progress,
	})

	go s.processBatch(token, project, projectName, domain, newFiles)

	return &IngestResult{
		Token:        token,
		Processing:   true,
		NewFiles:     names,
		SkippedFiles: skipped,
	}, nil
}

// reuseSession serves an already indexed corpus without re-parsing anything.
// Persisted vectors are reused when they still align; a stale record triggers
// a re-encode that is written back.
func (s *Service) reuseSession(ctx context.Context, token, project, domain string, meta *models.ProjectMeta, chunks []models.Chunk) error {
	rec, _ := s.embeds.Load(project)
	res, mergeErr := Merge(ctx, chunks, rec, nil, s.provider)
	if mergeErr != nil {
		log.Warn().Err(mergeErr).Str("project", project).Msg("Re-encoding failed, serving lexical-only session")
		res = &MergeResult{Chunks: chunks}
	}

	var vectors [][]float32
	if res.Record != nil {
		vectors = res.Record.Vectors
	}
	r, err := retriever.Build(ctx, res.Chunks, domain, s.provider, vectors, s.fusionWeight)
	if err != nil {
		return err
	}

	persisted := mergeErr == nil
	if res.FullRebuild && res.Record != nil {
		if err := s.embeds.Save(project, res.Record); err != nil {
			log.Warn().Err(err).Str("project", project).Msg("Embedding save failed, session stays live")
			persisted = false
		}
	}

	s.sessions.Put(&session.Entry{
		Token:       token,
		ProjectName: project,
		Reused:      true,
		Persisted:   persisted,
		IndexError:  mergeErr != nil,
		Retriever:   r,
		Chunks:      res.Chunks,
		Domain:      domain,
		FileNames:   meta.FileNames(),
	})
	log.Info().Str("project", project).Int("chunks", len(res.Chunks)).Msg("Reusing indexed project")
	return nil
}

// processBatch is the background half of Ingest. It parses and chunks files
// on a bounded worker pool, then merges the results into the persisted corpus
// under the project lock.
func (s *Service) processBatch(token, project, displayName, domain string, files []InputFile) {
	ctx := context.Background()

	type parsed struct {
		file   InputFile
		chunks []models.Chunk
		err    error
	}
	results := make([]parsed, len(files))

	workers := len(files)
	if n := runtime.NumCPU(); workers > n {
		workers = n
	}
	if workers > s.maxWorkers {
		workers = s.maxWorkers
	}
	pool, err := ants.NewPool(workers)
	if err != nil {
		s.failSession(token, fmt.Errorf("starting worker pool: %w", err))
		return
	}
	defer pool.Release()

	var wg sync.WaitGroup
	for i := range files {
		i := i
		wg.Add(1)
		submitErr := pool.Submit(func() {
			defer wg.Done()
			f := files[i]
			doc, err := s.parser.Parse(f.Name, f.Data)
			if err != nil {
				results[i] = parsed{file: f, err: err}
				s.sessions.Update(token, func(e *session.Entry) {
					e.FileProgress[f.Name] = "failed"
				})
				log.Warn().Err(err).Str("file", f.Name).Msg("File parse failed")
				return
			}
			results[i] = parsed{file: f, chunks: s.chunker.ExtractChunks(f.Name, doc.Pages, doc.Headings)}
			s.sessions.Update(token, func(e *session.Entry) {
				e.FileProgress[f.Name] = "parsed"
			})
		})
		if submitErr != nil {
			wg.Done()
			results[i] = parsed{file: files[i], err: submitErr}
		}
	}
	wg.Wait()

	mu := s.lockFor(project)
	mu.Lock()
	defer mu.Unlock()

	// Reload under the lock: another batch may have advanced the corpus
	// since this one was accepted.
	meta, existing, found := s.content.Load(project)
	if !found {
		meta = &models.ProjectMeta{ProjectName: displayName}
	}

	known := make(map[string]struct{}, len(existing))
	for _, c := range existing {
		known[c.ID] = struct{}{}
	}

	var fresh []models.Chunk
	parseFailures := 0
	for _, res := range results {
		if res.err != nil {
			parseFailures++
			continue
		}
		hash := chunker.HashBytes(res.file.Data)
		if meta.HasFileHash(hash) {
			continue
		}
		meta.Files = append(meta.Files, models.SourceFile{
			Name: res.file.Name,
			Hash: hash,
			Size: int64(len(res.file.Data)),
		})
		for _, c := range res.chunks {
			if _, dup := known[c.ID]; dup {
				continue
			}
			known[c.ID] = struct{}{}
			fresh = append(fresh, c)
		}
	}
	meta.Domain = domain

	if len(existing)+len(fresh) == 0 {
		if parseFailures == len(files) {
			s.failSession(token, errors.New("every file in the batch failed to parse"))
			return
		}
		s.sessions.Update(token, func(e *session.Entry) {
			e.Processing = false
			e.Empty = true
		})
		return
	}

	rec, _ := s.embeds.Load(project)
	res, mergeErr := Merge(ctx, existing, rec, fresh, s.provider)
	if mergeErr != nil {
		log.Warn().Err(mergeErr).Str("project", project).Msg("Embedding merge failed, serving lexical-only index")
		combined := append(append([]models.Chunk{}, existing...), fresh...)
		res = &MergeResult{Chunks: combined}
	}

	var vectors [][]float32
	if res.Record != nil {
		vectors = res.Record.Vectors
	}
	r, buildErr := retriever.Build(ctx, res.Chunks, domain, s.provider, vectors, s.fusionWeight)
	if buildErr != nil {
		s.failSession(token, buildErr)
		return
	}

	// A failed merge leaves the persisted embedding record stale, so the
	// session must not claim durability even if the content save succeeds.
	persisted := mergeErr == nil
	if err := s.content.Save(project, meta, res.Chunks); err != nil {
		log.Warn().Err(err).Str("project", project).Msg("Content save failed, session stays live")
		persisted = false
	}
	if res.Record != nil {
		if err := s.embeds.Save(project, res.Record); err != nil {
			log.Warn().Err(err).Str("project", project).Msg("Embedding save failed, session stays live")
			persisted = false
		}
	}

	fileNames := meta.FileNames()
	s.sessions.Update(token, func(e *session.Entry) {
		e.Processing = false
		e.Retriever = r
		e.Chunks = res.Chunks
		e.FileNames = fileNames
		e.Persisted = persisted
		e.IndexError = mergeErr != nil
		e.Incremental = res.Incremental
		for name, status := range e.FileProgress {
			if status == "parsed" {
				e.FileProgress[name] = "indexed"
			}
		}
	})
	log.Info().
		Str("project", project).
		Int("new_chunks", len(fresh)).
		Int("total_chunks", len(res.Chunks)).
		Bool("incremental", res.Incremental).
		Msg("Batch indexed")
}

func (s *Service) failSession(token string, err error) {
	log.Error().Err(err).Msg("Batch processing failed")
	s.sessions.Update(token, func(e *session.Entry) {
		e.Processing = false
		e.IndexError = true
		e.ErrMsg = err.Error()
	})
}

// Query runs a top-k retrieval against the session's index.
func (s *Service) Query(ctx context.Context, token, query, persona, task string, k int) ([]models.ScoredChunk, error) {
	e, ok := s.sessions.Get(token)
	if !ok {
		return nil, ErrUnknownToken
	}
	if e.Processing {
		return nil, ErrNotReady
	}
	if e.ErrMsg != "" {
		return nil, fmt.Errorf("session failed: %s", e.ErrMsg)
	}
	if e.Empty || e.Retriever == nil {
		return nil, ErrEmptyProject
	}
	return e.Retriever.TopK(ctx, query, persona, task, k)
}

// Session exposes a session entry for status inspection.
func (s *Service) Session(token string) (*session.Entry, bool) {
	return s.sessions.Get(token)
}

// Remove drops one file's chunks from a project and rebuilds the index over
// what remains. Sessions serving the old corpus are invalidated.
func (s *Service) Remove(ctx context.Context, projectName, fileName string) error {
	project := store.SafeProjectName(projectName)
	mu := s.lockFor(project)
	mu.Lock()
	defer mu.Unlock()

	meta, chunks, found := s.content.Load(project)
	if !found {
		return fmt.Errorf("project %q: %w", projectName, store.ErrNotFound)
	}

	idx := -1
	for i, f := range meta.Files {
		if f.Name == fileName {
			idx = i
			break
		}
	}
	if idx == -1 {
		return fmt.Errorf("file %q: %w", fileName, store.ErrNotFound)
	}
	meta.Files = append(meta.Files[:idx], meta.Files[idx+1:]...)

	remaining := make([]models.Chunk, 0, len(chunks))
	for _, c := range chunks {
		if c.SourceFile != fileName {
			remaining = append(remaining, c)
		}
	}

	// Removal re-encodes the surviving corpus rather than patching the
	// vector array, trading work for a record that is trivially aligned.
	res, err := Merge(ctx, nil, nil, remaining, s.provider)
	if err != nil {
		return fmt.Errorf("re-encoding after removal: %w", err)
	}

	if err := s.content.Save(project, meta, remaining); err != nil {
		return err
	}
	if res.Record != nil {
		if err := s.embeds.Save(project, res.Record); err != nil {
			return err
		}
	}

	for _, token := range s.sessions.TokensForProject(project) {
		s.sessions.Delete(token)
	}
	log.Info().Str("project", project).Str("file", fileName).Int("remaining_chunks", len(remaining)).Msg("File removed")
	return nil
}

// Info summarizes the persisted state of a project.
func (s *Service) Info(projectName string) (*ProjectInfo, error) {
	project := store.SafeProjectName(projectName)
	meta, chunks, found := s.content.Load(project)
	if !found {
		return nil, fmt.Errorf("project %q: %w", projectName, store.ErrNotFound)
	}
	info := &ProjectInfo{Meta: meta, ChunkCount: len(chunks)}
	if rec, ok := s.embeds.Load(project); ok {
		info.HasEmbeddings = len(rec.Vectors) > 0
		info.Model = rec.Model
	}
	return info, nil
}

// Export writes a project's full persisted state as JSON.
func (s *Service) Export(projectName string, w io.Writer) error {
	project := store.SafeProjectName(projectName)
	mu := s.lockFor(project)
	mu.Lock()
	defer mu.Unlock()

	meta, chunks, found := s.content.Load(project)
	if !found {
		return fmt.Errorf("project %q: %w", projectName, store.ErrNotFound)
	}
	snap := snapshot{Meta: meta, Chunks: chunks}
	if rec, ok := s.embeds.Load(project); ok {
		snap.Record = rec
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(&snap)
}

// Import restores a project snapshot, replacing any existing state, and
// returns the project name it was stored under.
func (s *Service) Import(r io.Reader) (string, error) {
	var snap snapshot
	if err := json.NewDecoder(r).Decode(&snap); err != nil {
		return "", fmt.Errorf("decoding snapshot: %w", err)
	}
	if snap.Meta == nil || strings.TrimSpace(snap.Meta.ProjectName) == "" {
		return "", errors.New("snapshot has no project name")
	}
	if snap.Record != nil {
		if err := snap.Record.Validate(); err != nil {
			return "", fmt.Errorf("snapshot embeddings: %w", err)
		}
		if len(snap.Record.ChunkIDs) != len(snap.Chunks) {
			return "", fmt.Errorf("snapshot embeddings cover %d chunks, snapshot has %d", len(snap.Record.ChunkIDs), len(snap.Chunks))
		}
	}

	project := store.SafeProjectName(snap.Meta.ProjectName)
	mu := s.lockFor(project)
	mu.Lock()
	defer mu.Unlock()

	if err := s.content.Save(project, snap.Meta, snap.Chunks); err != nil {
		return "", err
	}
	if snap.Record != nil {
		if err := s.embeds.Save(project, snap.Record); err != nil {
			return "", err
		}
	}
	log.Info().Str("project", project).Int("chunks", len(snap.Chunks)).Msg("Snapshot imported")
	return project, nil
}
