package embedding

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"documint/internal/config"
	"documint/internal/models"
)

// Provider turns text into vectors. Implementations must be deterministic
// for a given model name so re-encoding for audit or tests is reproducible.
type Provider interface {
	Name() string
	Encode(ctx context.Context, texts []string) ([][]float32, error)
	EncodeQuery(ctx context.Context, text string) ([]float32, error)
}

// LangchainProvider adapts a langchaingo embedder to the Provider interface.
type LangchainProvider struct {
	embedder *embeddings.EmbedderImpl
	model    string
}

// NewOpenAIProvider builds a provider against an OpenAI-compatible endpoint.
func NewOpenAIProvider(cfg *config.LLMConfig) (*LangchainProvider, error) {
	llm, err := openai.New(
		openai.WithBaseURL(cfg.BaseURL),
		openai.WithToken(strings.TrimPrefix(cfg.Key, "Bearer ")),
		openai.WithModel(cfg.Model),
	)
	if err != nil {
		return nil, fmt.Errorf("initializing embedding LLM: %w", err)
	}
	embedder, err := embeddings.NewEmbedder(llm)
	if err != nil {
		return nil, fmt.Errorf("creating embedder: %w", err)
	}
	return &LangchainProvider{embedder: embedder, model: cfg.Model}, nil
}

// NewOllamaProvider builds a provider against a local Ollama server.
func NewOllamaProvider(cfg *config.LLMConfig) (*LangchainProvider, error) {
	llm, err := ollama.New(
		ollama.WithServerURL(cfg.BaseURL),
		ollama.WithModel(cfg.Model),
	)
	if err != nil {
		return nil, fmt.Errorf("initializing embedding LLM: %w", err)
	}
	embedder, err := embeddings.NewEmbedder(llm)
	if err != nil {
		return nil, fmt.Errorf("creating embedder: %w", err)
	}
	return &LangchainProvider{embedder: embedder, model: cfg.Model}, nil
}

// NewProvider selects an implementation from config. A missing model name
// yields a nil provider, which downstream components treat as
// "semantic scoring unavailable".
func NewProvider(cfg *config.LLMConfig) (Provider, error) {
	if cfg == nil || cfg.Model == "" {
		return nil, nil
	}
	switch cfg.Provider {
	case "ollama":
		return NewOllamaProvider(cfg)
	default:
		return NewOpenAIProvider(cfg)
	}
}

func (p *LangchainProvider) Name() string { return p.model }

func (p *LangchainProvider) Encode(ctx context.Context, texts []string) ([][]float32, error) {
	return p.embedder.EmbedDocuments(ctx, texts)
}

func (p *LangchainProvider) EncodeQuery(ctx context.Context, text string) ([]float32, error) {
	return p.embedder.EmbedQuery(ctx, text)
}

// Representation is the text form that gets embedded for a chunk. Keeping it
// in one place guarantees the incremental merge path and the full build path
// produce comparable vectors.
func Representation(c models.Chunk) string {
	if c.Heading == "" {
		return c.Content
	}
	return c.Heading + "\n" + c.Content
}

// EncodeChunks embeds the canonical representations of the given chunks.
func EncodeChunks(ctx context.Context, p Provider, chunks []models.Chunk) ([][]float32, error) {
	if len(chunks) == 0 {
		return nil, nil
	}
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = Representation(c)
	}
	vectors, err := p.Encode(ctx, texts)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(chunks) {
		return nil, fmt.Errorf("provider returned %d vectors for %d chunks", len(vectors), len(chunks))
	}
	return vectors, nil
}

// CosineSimilarity returns the cosine of the angle between a and b, or 0 for
// mismatched or zero vectors.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
