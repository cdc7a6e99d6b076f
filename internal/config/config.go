package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	DataDir  string        `yaml:"data_dir"`
	CacheDir string        `yaml:"cache_dir"`
	Storage  StorageConfig `yaml:"storage"`
	RAG      RAGConfig     `yaml:"rag"`
	EmbedLLM LLMConfig     `yaml:"embed_llm"`
	LLM      LLMConfig     `yaml:"llm"`
	Session  SessionConfig `yaml:"session"`
}

type StorageConfig struct {
	// Driver selects the store backend: "file" (default) or "postgres".
	Driver   string `yaml:"driver"`
	DSN      string `yaml:"dsn"`
	Password string `yaml:"password"`
	Debug    bool   `yaml:"debug"`
}

type RAGConfig struct {
	ChunkSize    int `yaml:"chunk_size"`
	ChunkOverlap int `yaml:"chunk_overlap"`
	// FusionWeight is the semantic share of the hybrid score, in (0,1].
	FusionWeight float64 `yaml:"fusion_weight"`
	TopK         int     `yaml:"top_k"`
	// SimilarityThreshold gates semantic prompt cache hits.
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
	MaxWorkers          int     `yaml:"max_workers"`
}

type LLMConfig struct {
	// Provider is "openai" or "ollama".
	Provider string `yaml:"provider"`
	BaseURL  string `yaml:"base_url"`
	Key      string `yaml:"key"`
	Model    string `yaml:"model"`
}

type SessionConfig struct {
	TTLMinutes int `yaml:"ttl_minutes"`
}

const (
	defaultChunkSize           = 1000
	defaultChunkOverlap        = 200
	defaultFusionWeight        = 0.6
	defaultTopK                = 5
	defaultSimilarityThreshold = 0.85
	defaultMaxWorkers          = 4
	defaultSessionTTLMinutes   = 60
)

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// Default returns a config with all defaults applied, for callers that run
// without a config file.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "./data/projects"
	}
	if c.CacheDir == "" {
		c.CacheDir = "./data/cache"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "file"
	}
	if c.RAG.ChunkSize <= 0 {
		c.RAG.ChunkSize = defaultChunkSize
	}
	if c.RAG.ChunkOverlap <= 0 {
		c.RAG.ChunkOverlap = defaultChunkOverlap
	}
	if c.RAG.FusionWeight <= 0 || c.RAG.FusionWeight > 1 {
		c.RAG.FusionWeight = defaultFusionWeight
	}
	if c.RAG.TopK <= 0 {
		c.RAG.TopK = defaultTopK
	}
	if c.RAG.SimilarityThreshold <= 0 || c.RAG.SimilarityThreshold > 1 {
		c.RAG.SimilarityThreshold = defaultSimilarityThreshold
	}
	if c.RAG.MaxWorkers <= 0 {
		c.RAG.MaxWorkers = defaultMaxWorkers
	}
	if c.Session.TTLMinutes <= 0 {
		c.Session.TTLMinutes = defaultSessionTTLMinutes
	}
}
