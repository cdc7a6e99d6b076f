// Package promptcache caches LLM responses keyed by prompt text and the
// retrieval context the prompt was answered against. Lookups try an exact
// prompt hash first, then nearest-neighbor similarity over prompt embeddings
// blended with context overlap.
package promptcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/philippgille/chromem-go"
	"github.com/rs/zerolog/log"

	"documint/internal/embedding"
)

const (
	// promptWeight and contextWeight blend prompt similarity with context
	// overlap into the final match score.
	promptWeight  = 0.7
	contextWeight = 0.3

	collectionName = "prompt-cache"
)

// Entry is one cached prompt/response pair with the context it answered.
type Entry struct {
	ID          string         `json:"id"`
	PromptHash  string         `json:"prompt_hash"`
	Prompt      string         `json:"prompt"`
	Response    string         `json:"response"`
	Context     map[string]any `json:"context"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	LastAccess  time.Time      `json:"last_access"`
	AccessCount int            `json:"access_count"`
}

// Hit describes a successful lookup.
type Hit struct {
	Entry      *Entry
	HitType    string // "exact" or "semantic"
	Similarity float64
}

// Stats summarizes cache state and lookup counters.
type Stats struct {
	Entries      int `json:"entries"`
	ExactHits    int `json:"exact_hits"`
	SemanticHits int `json:"semantic_hits"`
	Misses       int `json:"misses"`
}

// Cache is a persistent prompt cache. All operations are serialized by a
// single mutex; lookups are rare and dominated by embedding latency anyway.
type Cache struct {
	mu        sync.Mutex
	path      string
	provider  embedding.Provider
	threshold float64

	entries map[string]*Entry
	byHash  map[string]string

	coll *chromem.Collection

	exactHits    int
	semanticHits int
	misses       int
}

// New loads the cache file at path, or starts empty when absent. When a
// provider is given, prompt embeddings are rebuilt into an in-memory index so
// semantic lookups work across restarts.
func New(ctx context.Context, path string, provider embedding.Provider, threshold float64) (*Cache, error) {
	if threshold <= 0 || threshold > 1 {
		threshold = 0.85
	}
	c := &Cache{
		path:      path,
		provider:  provider,
		threshold: threshold,
		entries:   make(map[string]*Entry),
		byHash:    make(map[string]string),
	}
	if provider != nil {
		embedFn := func(ctx context.Context, text string) ([]float32, error) {
			return provider.EncodeQuery(ctx, text)
		}
		coll, err := chromem.NewDB().CreateCollection(collectionName, nil, embedFn)
		if err != nil {
			return nil, fmt.Errorf("creating prompt index: %w", err)
		}
		c.coll = coll
	}
	if err := c.loadLocked(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Cache) loadLocked(ctx context.Context) error {
	data, err := os.ReadFile(c.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading prompt cache: %w", err)
	}
	var stored []*Entry
	if err := json.Unmarshal(data, &stored); err != nil {
		log.Warn().Err(err).Str("path", c.path).Msg("Prompt cache file unreadable, starting empty")
		return nil
	}
	for _, e := range stored {
		c.entries[e.ID] = e
		c.byHash[e.PromptHash] = e.ID
	}
	if c.coll != nil && len(stored) > 0 {
		docs := make([]chromem.Document, 0, len(stored))
		for _, e := range stored {
			docs = append(docs, chromem.Document{ID: e.ID, Content: e.Prompt})
		}
		if err := c.coll.AddDocuments(ctx, docs, 1); err != nil {
			log.Warn().Err(err).Msg("Prompt index rebuild failed, exact lookups only")
			c.coll = nil
		}
	}
	return nil
}

// PromptKey is the exact-match key for a prompt.
func PromptKey(prompt string) string {
	sum := sha256.Sum256([]byte(prompt))
	return hex.EncodeToString(sum[:])
}

// Get looks the prompt up, preferring an exact hash match. When a context is
// supplied, both paths blend prompt similarity with context overlap and
// require the blend to clear the threshold, so a cached answer for a
// different project never leaks. A nil context means no context check, not a
// mismatch.
func (c *Cache) Get(ctx context.Context, prompt string, promptContext map[string]any) (*Hit, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if id, ok := c.byHash[PromptKey(prompt)]; ok {
		e := c.entries[id]
		score := blendedScore(1, e.Context, promptContext)
		if score >= c.threshold {
			c.touchLocked(e)
			c.exactHits++
			return &Hit{Entry: e, HitType: "exact", Similarity: score}, true
		}
	}

	if hit := c.semanticLookupLocked(ctx, prompt, promptContext); hit != nil {
		c.semanticHits++
		return hit, true
	}

	c.misses++
	return nil, false
}

func (c *Cache) semanticLookupLocked(ctx context.Context, prompt string, promptContext map[string]any) *Hit {
	if c.coll == nil || c.coll.Count() == 0 {
		return nil
	}
	// Every entry is a candidate: a near-duplicate prompt from another
	// project must not shadow a compatible entry further down the ranking.
	results, err := c.coll.Query(ctx, prompt, c.coll.Count(), nil, nil)
	if err != nil {
		log.Warn().Err(err).Msg("Prompt similarity query failed")
		return nil
	}

	var best *Hit
	for _, res := range results {
		e, ok := c.entries[res.ID]
		if !ok {
			continue
		}
		score := blendedScore(float64(res.Similarity), e.Context, promptContext)
		if score < c.threshold {
			continue
		}
		if best == nil || score > best.Similarity {
			best = &Hit{Entry: e, HitType: "semantic", Similarity: score}
		}
	}
	if best != nil {
		c.touchLocked(best.Entry)
	}
	return best
}

func (c *Cache) touchLocked(e *Entry) {
	e.LastAccess = time.Now()
	e.AccessCount++
	if err := c.flushLocked(); err != nil {
		log.Warn().Err(err).Msg("Prompt cache flush failed")
	}
}

// Set stores a response for the prompt, replacing any entry with the same
// prompt hash.
func (c *Cache) Set(ctx context.Context, prompt, response string, promptContext, metadata map[string]any) (*Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	hash := PromptKey(prompt)
	if oldID, ok := c.byHash[hash]; ok {
		delete(c.entries, oldID)
		if c.coll != nil {
			if err := c.coll.Delete(ctx, nil, nil, oldID); err != nil {
				log.Warn().Err(err).Msg("Prompt index delete failed")
			}
		}
	}

	e := &Entry{
		ID:         uuid.NewString(),
		PromptHash: hash,
		Prompt:     prompt,
		Response:   response,
		Context:    promptContext,
		Metadata:   metadata,
		CreatedAt:  time.Now(),
		LastAccess: time.Now(),
	}
	c.entries[e.ID] = e
	c.byHash[hash] = e.ID

	if c.coll != nil {
		err := c.coll.AddDocuments(ctx, []chromem.Document{{ID: e.ID, Content: e.Prompt}}, 1)
		if err != nil {
			log.Warn().Err(err).Msg("Prompt index insert failed")
		}
	}
	if err := c.flushLocked(); err != nil {
		return nil, err
	}
	return e, nil
}

// flushLocked rewrites the cache file atomically.
func (c *Cache) flushLocked() error {
	all := make([]*Entry, 0, len(c.entries))
	for _, e := range c.entries {
		all = append(all, e)
	}
	data, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding prompt cache: %w", err)
	}
	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating cache dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".promptcache-*")
	if err != nil {
		return fmt.Errorf("creating temp cache file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("writing prompt cache: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("closing prompt cache: %w", err)
	}
	return os.Rename(tmp.Name(), c.path)
}

// Clear removes every entry.
func (c *Cache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*Entry)
	c.byHash = make(map[string]string)
	if c.coll != nil {
		if provider := c.provider; provider != nil {
			embedFn := func(ctx context.Context, text string) ([]float32, error) {
				return provider.EncodeQuery(ctx, text)
			}
			coll, err := chromem.NewDB().CreateCollection(collectionName, nil, embedFn)
			if err == nil {
				c.coll = coll
			}
		}
	}
	return c.flushLocked()
}

// Stats returns entry and hit counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Entries:      len(c.entries),
		ExactHits:    c.exactHits,
		SemanticHits: c.semanticHits,
		Misses:       c.misses,
	}
}

// EntriesForProject lists cached entries whose context names the project.
func (c *Cache) EntriesForProject(project string) []*Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*Entry
	for _, e := range c.entries {
		if name, _ := e.Context["project_name"].(string); name == project {
			out = append(out, e)
		}
	}
	return out
}

// RemoveOlderThan drops entries not accessed since cutoff and reports how
// many were removed.
func (c *Cache) RemoveOlderThan(cutoff time.Time) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for id, e := range c.entries {
		if e.LastAccess.Before(cutoff) {
			delete(c.entries, id)
			delete(c.byHash, e.PromptHash)
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}
	return removed, c.flushLocked()
}

// blendedScore folds context agreement into a prompt similarity. An empty
// supplied context skips the context check entirely.
func blendedScore(promptSim float64, entryContext, promptContext map[string]any) float64 {
	if len(promptContext) == 0 {
		return promptSim
	}
	return promptWeight*promptSim + contextWeight*contextSimilarity(entryContext, promptContext)
}

// contextSimilarity measures agreement between two context maps in [0,1].
// A project name mismatch is a hard gate; chunk hash lists compare as sets;
// remaining shared keys compare by deep equality.
func contextSimilarity(a, b map[string]any) float64 {
	nameA, _ := a["project_name"].(string)
	nameB, _ := b["project_name"].(string)
	if nameA != nameB {
		return 0
	}

	hashesA, okA := stringSet(a["chunk_hashes"])
	hashesB, okB := stringSet(b["chunk_hashes"])
	if okA && okB {
		return jaccard(hashesA, hashesB)
	}

	shared, equal := 0, 0
	for key, va := range a {
		if key == "project_name" || key == "chunk_hashes" {
			continue
		}
		vb, ok := b[key]
		if !ok {
			continue
		}
		shared++
		if reflect.DeepEqual(va, vb) {
			equal++
		}
	}
	if shared == 0 {
		return 1
	}
	return float64(equal) / float64(shared)
}

// stringSet normalizes a context value into a set of strings. JSON decoding
// turns lists into []any, so both forms are accepted.
func stringSet(v any) (map[string]struct{}, bool) {
	switch list := v.(type) {
	case []string:
		set := make(map[string]struct{}, len(list))
		for _, s := range list {
			set[s] = struct{}{}
		}
		return set, true
	case []any:
		set := make(map[string]struct{}, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				set[s] = struct{}{}
			}
		}
		return set, true
	default:
		return nil, false
	}
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for k := range a {
		if _, ok := b[k]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}
