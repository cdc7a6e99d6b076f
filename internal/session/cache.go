// Package session tracks in-flight and completed ingestion sessions keyed by
// opaque tokens. Entries are immutable snapshots; readers never observe a
// partially applied update.
package session

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"documint/internal/models"
	"documint/internal/retriever"
)

// Entry is one session's state. All fields are written through Cache.Update
// only; a pointer handed to a reader is never mutated afterwards.
type Entry struct {
	Token       string
	ProjectName string

	// Processing is true while background indexing runs.
	Processing bool
	ErrMsg     string

	// FileProgress maps source file name to a status string
	// ("pending", "parsed", "failed", "indexed").
	FileProgress map[string]string

	Retriever *retriever.Retriever
	Chunks    []models.Chunk
	Domain    string
	FileNames []string

	// Reused marks a session that resolved to an already indexed corpus.
	Reused bool
	// Empty marks a session whose inputs produced no chunks.
	Empty bool
	// Persisted is false when the index is live but its snapshot could not
	// be written to storage.
	Persisted bool
	// IndexError is set when retriever construction itself failed.
	IndexError bool
	// Incremental marks a session that extended an existing index rather
	// than rebuilding it.
	Incremental bool

	CreatedAt  time.Time
	AccessedAt time.Time
}

// Ready reports whether the session can serve queries.
func (e *Entry) Ready() bool {
	return e != nil && !e.Processing && e.Retriever != nil
}

// Cache is a token-addressed store of session entries with TTL eviction.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	ttl     time.Duration

	stop     chan struct{}
	stopOnce sync.Once
}

// NewCache builds a cache whose entries expire ttl after last access. A
// non-positive ttl disables the eviction janitor.
func NewCache(ttl time.Duration) *Cache {
	c := &Cache{
		entries: make(map[string]*Entry),
		ttl:     ttl,
		stop:    make(chan struct{}),
	}
	if ttl > 0 {
		go c.janitor()
	}
	return c
}

// Put stores an entry under its token, stamping timestamps.
func (c *Cache) Put(e *Entry) {
	now := time.Now()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.AccessedAt = now

	c.mu.Lock()
	c.entries[e.Token] = e
	c.mu.Unlock()
}

// Get returns the entry for token, refreshing its access time.
func (c *Cache) Get(token string) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[token]
	if !ok {
		return nil, false
	}
	touched := *e
	touched.AccessedAt = time.Now()
	c.entries[token] = &touched
	return &touched, true
}

// Update applies fn to a copy of the entry and swaps the copy in. Readers
// holding the old pointer keep a consistent snapshot.
func (c *Cache) Update(token string, fn func(*Entry)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[token]
	if !ok {
		return false
	}
	next := *e
	if e.FileProgress != nil {
		next.FileProgress = make(map[string]string, len(e.FileProgress))
		for k, v := range e.FileProgress {
			next.FileProgress[k] = v
		}
	}
	fn(&next)
	next.AccessedAt = time.Now()
	c.entries[token] = &next
	return true
}

// Delete removes the entry for token if present.
func (c *Cache) Delete(token string) {
	c.mu.Lock()
	delete(c.entries, token)
	c.mu.Unlock()
}

// TokensForProject lists tokens whose sessions belong to the named project.
func (c *Cache) TokensForProject(project string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var tokens []string
	for token, e := range c.entries {
		if e.ProjectName == project {
			tokens = append(tokens, token)
		}
	}
	return tokens
}

// Len reports the number of live sessions.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Close stops the eviction janitor. Entries stay readable.
func (c *Cache) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Cache) janitor() {
	interval := c.ttl / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.evictExpired(time.Now())
		}
	}
}

func (c *Cache) evictExpired(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for token, e := range c.entries {
		// In-flight sessions are never evicted mid-processing.
		if e.Processing {
			continue
		}
		if now.Sub(e.AccessedAt) > c.ttl {
			delete(c.entries, token)
			log.Debug().Str("project", e.ProjectName).Msg("Evicted idle session")
		}
	}
}
