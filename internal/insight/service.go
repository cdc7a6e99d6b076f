// Package insight produces persisted document analyses: a top-k retrieval
// feeds an aggregated excerpt block into a generation model, with answers
// served from the prompt cache when a close enough one exists.
package insight

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"documint/internal/helper"
	"documint/internal/ingest"
	"documint/internal/llmservice"
	"documint/internal/models"
	"documint/internal/promptcache"
)

const analysisFilename = "analysis.json"

const systemPrompt = "You are a document analyst. Answer strictly from the provided excerpts and cite the source file and page for every claim."

// Analysis is one persisted analysis run.
type Analysis struct {
	ID          string               `json:"id"`
	ProjectName string               `json:"project_name"`
	Persona     string               `json:"persona"`
	Task        string               `json:"task"`
	Prompt      string               `json:"prompt"`
	Response    string               `json:"response"`
	Model       string               `json:"model,omitempty"`
	CacheHit    string               `json:"cache_hit,omitempty"`
	Sources     []models.ScoredChunk `json:"sources"`
	CreatedAt   time.Time            `json:"created_at"`
}

// Service runs analyses over an indexed session.
type Service struct {
	ingester *ingest.Service
	prompts  *promptcache.Cache
	llm      llmservice.GenerationService
	model    string
	baseDir  string
	topK     int
}

// NewService builds the analysis service. prompts and llm may be nil; without
// a generation model Analyze returns llmservice.ErrUnavailable on cache miss.
func NewService(ingester *ingest.Service, prompts *promptcache.Cache, llm llmservice.GenerationService, model, baseDir string, topK int) *Service {
	if topK <= 0 {
		topK = 5
	}
	return &Service{
		ingester: ingester,
		prompts:  prompts,
		llm:      llm,
		model:    model,
		baseDir:  baseDir,
		topK:     topK,
	}
}

// Analyze retrieves the most relevant chunks for the prompt, asks the model
// to answer over them, and persists the result. Generation failures are
// returned as-is and never cached.
func (s *Service) Analyze(ctx context.Context, token, persona, task, prompt string) (*Analysis, error) {
	hits, err := s.ingester.Query(ctx, token, prompt, persona, task, s.topK)
	if err != nil {
		return nil, err
	}
	entry, ok := s.ingester.Session(token)
	if !ok {
		return nil, ingest.ErrUnknownToken
	}

	cachePrompt := fmt.Sprintf("%s %s. %s", persona, task, prompt)
	promptContext := map[string]any{
		"project_name": entry.ProjectName,
		"persona":      persona,
		"task":         task,
		"model":        s.model,
		"chunk_hashes": chunkHashes(hits),
	}

	analysis := &Analysis{
		ProjectName: entry.ProjectName,
		Persona:     persona,
		Task:        task,
		Prompt:      prompt,
		Model:       s.model,
		Sources:     hits,
		CreatedAt:   time.Now().UTC(),
	}

	if s.prompts != nil {
		if hit, ok := s.prompts.Get(ctx, cachePrompt, promptContext); ok {
			analysis.Response = hit.Entry.Response
			analysis.CacheHit = hit.HitType
			log.Info().Str("cache_hit_type", hit.HitType).Float64("similarity", hit.Similarity).Msg("Analysis served from prompt cache")
			return s.persist(analysis)
		}
	}

	if s.llm == nil {
		return nil, llmservice.ErrUnavailable
	}
	response, err := s.llm.Complete(ctx, systemPrompt, buildUserPrompt(persona, task, prompt, hits))
	if err != nil {
		return nil, fmt.Errorf("generating analysis: %w", err)
	}
	analysis.Response = response

	if s.prompts != nil {
		metadata := map[string]any{"source_files": entry.FileNames, "result_count": len(hits)}
		if _, err := s.prompts.Set(ctx, cachePrompt, response, promptContext, metadata); err != nil {
			log.Warn().Err(err).Msg("Prompt cache store failed")
		}
	}
	return s.persist(analysis)
}

// buildUserPrompt aggregates the retrieved chunks into per-heading sections
// ahead of the actual question.
func buildUserPrompt(persona, task, prompt string, hits []models.ScoredChunk) string {
	var b strings.Builder
	if persona != "" {
		fmt.Fprintf(&b, "Persona: %s\n", persona)
	}
	if task != "" {
		fmt.Fprintf(&b, "Task: %s\n", task)
	}
	b.WriteString("\nDocument excerpts:\n")
	for _, h := range hits {
		fmt.Fprintf(&b, "\n## %s (%s, page %d)\n%s\n", h.Heading, h.SourceFile, h.PageNumber, h.Content)
	}
	fmt.Fprintf(&b, "\nQuestion: %s\n", prompt)
	return b.String()
}

func chunkHashes(hits []models.ScoredChunk) []string {
	hashes := make([]string, 0, len(hits))
	for _, h := range hits {
		hashes = append(hashes, h.Hash)
	}
	return hashes
}

func (s *Service) persist(a *Analysis) (*Analysis, error) {
	id, err := helper.GenerateUUID()
	if err != nil {
		return nil, err
	}
	a.ID = id

	dir := filepath.Join(s.baseDir, a.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating analysis dir: %w", err)
	}
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(dir, analysisFilename), data, 0o644); err != nil {
		return nil, fmt.Errorf("writing analysis: %w", err)
	}
	return a, nil
}

// Get loads one persisted analysis by id.
func (s *Service) Get(id string) (*Analysis, error) {
	data, err := os.ReadFile(filepath.Join(s.baseDir, id, analysisFilename))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("analysis %q: not found", id)
	}
	if err != nil {
		return nil, err
	}
	var a Analysis
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("decoding analysis %q: %w", id, err)
	}
	return &a, nil
}

// List returns all persisted analyses, newest first. Unreadable entries are
// skipped with a warning.
func (s *Service) List() ([]*Analysis, error) {
	entries, err := os.ReadDir(s.baseDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []*Analysis
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		a, err := s.Get(e.Name())
		if err != nil {
			log.Warn().Err(err).Str("id", e.Name()).Msg("Skipping unreadable analysis")
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Delete removes one persisted analysis.
func (s *Service) Delete(id string) error {
	path := filepath.Join(s.baseDir, id)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return fmt.Errorf("analysis %q: not found", id)
	}
	return os.RemoveAll(path)
}
