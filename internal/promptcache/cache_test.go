package promptcache

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubProvider maps prompts containing a token to a fixed unit vector.
type stubProvider struct {
	byToken map[string][]float32
}

func (s *stubProvider) Name() string { return "stub-model" }

func (s *stubProvider) Encode(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := s.EncodeQuery(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (s *stubProvider) EncodeQuery(ctx context.Context, text string) ([]float32, error) {
	for token, vec := range s.byToken {
		if strings.Contains(strings.ToLower(text), token) {
			return vec, nil
		}
	}
	return nil, errors.New("no vector for text")
}

func travelContext() map[string]any {
	return map[string]any{
		"project_name": "alpha",
		"persona":      "Travel Planner",
		"chunk_hashes": []string{"h1", "h2"},
	}
}

func TestExactHit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	c, err := New(context.Background(), path, nil, 0.85)
	require.NoError(t, err)

	_, err = c.Set(context.Background(), "what is the plan", "the plan is X", travelContext(), nil)
	require.NoError(t, err)

	hit, ok := c.Get(context.Background(), "what is the plan", travelContext())
	require.True(t, ok)
	assert.Equal(t, "exact", hit.HitType)
	assert.Equal(t, "the plan is X", hit.Entry.Response)
	assert.GreaterOrEqual(t, hit.Similarity, 0.85)
}

func TestGetWithoutContextHitsContextualEntry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	c, err := New(context.Background(), path, nil, 0.85)
	require.NoError(t, err)

	_, err = c.Set(context.Background(), "what is the plan", "the plan is X", travelContext(), nil)
	require.NoError(t, err)

	hit, ok := c.Get(context.Background(), "what is the plan", nil)
	require.True(t, ok, "absent context skips the context check")
	assert.Equal(t, "exact", hit.HitType)
	assert.Equal(t, "the plan is X", hit.Entry.Response)
	assert.InDelta(t, 1.0, hit.Similarity, 1e-9)
}

func TestSemanticHitWithoutContext(t *testing.T) {
	provider := &stubProvider{byToken: map[string][]float32{
		"plan":   {1, 0, 0},
		"agenda": {1, 0, 0},
	}}
	path := filepath.Join(t.TempDir(), "cache.json")
	c, err := New(context.Background(), path, provider, 0.85)
	require.NoError(t, err)

	_, err = c.Set(context.Background(), "what is the plan", "the plan is X", travelContext(), nil)
	require.NoError(t, err)

	hit, ok := c.Get(context.Background(), "show me the agenda", nil)
	require.True(t, ok)
	assert.Equal(t, "semantic", hit.HitType)
}

func TestProjectMismatchIsMiss(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	c, err := New(context.Background(), path, nil, 0.85)
	require.NoError(t, err)

	_, err = c.Set(context.Background(), "what is the plan", "the plan is X", travelContext(), nil)
	require.NoError(t, err)

	other := travelContext()
	other["project_name"] = "beta"
	_, ok := c.Get(context.Background(), "what is the plan", other)
	assert.False(t, ok, "same prompt from another project must not hit")
}

func TestSemanticHit(t *testing.T) {
	provider := &stubProvider{byToken: map[string][]float32{
		"plan":   {1, 0, 0},
		"agenda": {1, 0, 0},
		"menu":   {0, 1, 0},
	}}
	path := filepath.Join(t.TempDir(), "cache.json")
	c, err := New(context.Background(), path, provider, 0.85)
	require.NoError(t, err)

	_, err = c.Set(context.Background(), "what is the plan", "the plan is X", travelContext(), nil)
	require.NoError(t, err)

	hit, ok := c.Get(context.Background(), "show me the agenda", travelContext())
	require.True(t, ok)
	assert.Equal(t, "semantic", hit.HitType)
	assert.Equal(t, "the plan is X", hit.Entry.Response)

	_, ok = c.Get(context.Background(), "show me the menu", travelContext())
	assert.False(t, ok, "orthogonal prompt embedding must miss")
}

func TestPersistsAcrossReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	c, err := New(context.Background(), path, nil, 0.85)
	require.NoError(t, err)
	_, err = c.Set(context.Background(), "what is the plan", "the plan is X", travelContext(), nil)
	require.NoError(t, err)

	reloaded, err := New(context.Background(), path, nil, 0.85)
	require.NoError(t, err)

	hit, ok := reloaded.Get(context.Background(), "what is the plan", travelContext())
	require.True(t, ok)
	assert.Equal(t, "the plan is X", hit.Entry.Response)
}

func TestSetReplacesSamePrompt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	c, err := New(context.Background(), path, nil, 0.85)
	require.NoError(t, err)

	_, err = c.Set(context.Background(), "q", "old", travelContext(), nil)
	require.NoError(t, err)
	_, err = c.Set(context.Background(), "q", "new", travelContext(), nil)
	require.NoError(t, err)

	hit, ok := c.Get(context.Background(), "q", travelContext())
	require.True(t, ok)
	assert.Equal(t, "new", hit.Entry.Response)
	assert.Equal(t, 1, c.Stats().Entries)
}

func TestSetReplacementDoesNotGrowIndex(t *testing.T) {
	provider := &stubProvider{byToken: map[string][]float32{
		"plan": {1, 0, 0},
	}}
	path := filepath.Join(t.TempDir(), "cache.json")
	c, err := New(context.Background(), path, provider, 0.85)
	require.NoError(t, err)

	_, err = c.Set(context.Background(), "what is the plan", "old", travelContext(), nil)
	require.NoError(t, err)
	_, err = c.Set(context.Background(), "what is the plan", "new", travelContext(), nil)
	require.NoError(t, err)

	assert.Equal(t, 1, c.coll.Count(), "replaced entries leave no stale index documents")

	hit, ok := c.Get(context.Background(), "what is the plan", travelContext())
	require.True(t, ok)
	assert.Equal(t, "new", hit.Entry.Response)
}

func TestRemoveOlderThan(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	c, err := New(context.Background(), path, nil, 0.85)
	require.NoError(t, err)

	e, err := c.Set(context.Background(), "stale question", "stale answer", travelContext(), nil)
	require.NoError(t, err)
	_, err = c.Set(context.Background(), "fresh question", "fresh answer", travelContext(), nil)
	require.NoError(t, err)

	c.mu.Lock()
	c.entries[e.ID].LastAccess = time.Now().Add(-48 * time.Hour)
	c.mu.Unlock()

	removed, err := c.RemoveOlderThan(time.Now().Add(-24 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, c.Stats().Entries)

	_, ok := c.Get(context.Background(), "stale question", travelContext())
	assert.False(t, ok)
}

func TestEntriesForProjectAndClear(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	c, err := New(context.Background(), path, nil, 0.85)
	require.NoError(t, err)

	_, err = c.Set(context.Background(), "q1", "a1", travelContext(), nil)
	require.NoError(t, err)
	other := travelContext()
	other["project_name"] = "beta"
	_, err = c.Set(context.Background(), "q2", "a2", other, nil)
	require.NoError(t, err)

	assert.Len(t, c.EntriesForProject("alpha"), 1)
	assert.Len(t, c.EntriesForProject("beta"), 1)

	require.NoError(t, c.Clear())
	assert.Zero(t, c.Stats().Entries)
}

func TestContextSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b map[string]any
		want float64
	}{
		{
			name: "project mismatch gates to zero",
			a:    map[string]any{"project_name": "x", "persona": "p"},
			b:    map[string]any{"project_name": "y", "persona": "p"},
			want: 0,
		},
		{
			name: "identical contexts",
			a:    travelContext(),
			b:    travelContext(),
			want: 1,
		},
		{
			name: "no comparable keys",
			a:    map[string]any{"project_name": "x"},
			b:    map[string]any{"project_name": "x"},
			want: 1,
		},
		{
			name: "half overlapping chunk hashes",
			a:    map[string]any{"project_name": "x", "chunk_hashes": []string{"a", "b", "c"}},
			b:    map[string]any{"project_name": "x", "chunk_hashes": []string{"b", "c", "d"}},
			want: 0.5,
		},
		{
			name: "one empty hash list",
			a:    map[string]any{"project_name": "x", "chunk_hashes": []string{"a"}},
			b:    map[string]any{"project_name": "x", "chunk_hashes": []string{}},
			want: 0,
		},
		{
			name: "json decoded hash list",
			a:    map[string]any{"project_name": "x", "chunk_hashes": []any{"a", "b"}},
			b:    map[string]any{"project_name": "x", "chunk_hashes": []string{"a", "b"}},
			want: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, contextSimilarity(tt.a, tt.b), 1e-9)
		})
	}
}
