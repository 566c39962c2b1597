// Package config provides configuration management for Sage. Settings come
// from environment variables with the SAGE_ prefix, with sensible defaults
// for everything except the LLM executable and model paths. An optional YAML
// file named by SAGE_CONFIG is applied between defaults and environment, so
// env vars always win.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration settings for the Sage application.
type Config struct {
	LLM       LLMConfig       `yaml:"llm"`
	Pool      PoolConfig      `yaml:"pool"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Storage   StorageConfig   `yaml:"storage"`
	RAG       RAGConfig       `yaml:"rag"`
}

// LLMConfig locates the inference executable and model.
type LLMConfig struct {
	ExecutablePath string `yaml:"executable_path"` // LLM command-line binary (required)
	ModelPath      string `yaml:"model_path"`      // Model weights file (required)
}

// PoolConfig sizes the worker pool.
type PoolConfig struct {
	MaxInstances int `yaml:"max_instances"` // Concurrent workers (default: 3, min: 1)
	TimeoutMs    int `yaml:"timeout_ms"`    // Absolute per-query deadline (default: 30000)
}

// EmbeddingConfig configures the embedding provider.
type EmbeddingConfig struct {
	URL       string `yaml:"url"`       // Ollama API URL (default: http://localhost:11434)
	Model     string `yaml:"model"`     // Embedding model (default: nomic-embed-text)
	Dimension int    `yaml:"dimension"` // Vector dimension (default: 768)
}

// StorageConfig selects and locates the fragment store.
type StorageConfig struct {
	Engine           string `yaml:"engine"`            // sqlite or postgres (default: sqlite)
	ConnectionString string `yaml:"connection_string"` // File path or DSN (default: ./data/sage.db)
	ActiveCollection string `yaml:"active_collection"` // Collection queried by ask (default: default)
}

// RAGConfig tunes retrieval.
type RAGConfig struct {
	TopK           int     `yaml:"top_k"`           // Hits per context block (default: 5)
	MinScore       float64 `yaml:"min_score"`       // Relevance floor (default: 0.6)
	WeightCategory float64 `yaml:"weight_category"` // Category similarity weight (default: 0.40)
	WeightContent  float64 `yaml:"weight_content"`  // Content similarity weight (default: 0.30)
	WeightCombined float64 `yaml:"weight_combined"` // Combined similarity weight (default: 0.30)
}

// Load builds the configuration: defaults, then the optional YAML file from
// SAGE_CONFIG, then environment variables.
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("SAGE_CONFIG"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Pool: PoolConfig{
			MaxInstances: 3,
			TimeoutMs:    30000,
		},
		Embedding: EmbeddingConfig{
			URL:       "http://localhost:11434",
			Model:     "nomic-embed-text",
			Dimension: 768,
		},
		Storage: StorageConfig{
			Engine:           "sqlite",
			ConnectionString: "./data/sage.db",
			ActiveCollection: "default",
		},
		RAG: RAGConfig{
			TopK:           5,
			MinScore:       0.6,
			WeightCategory: 0.40,
			WeightContent:  0.30,
			WeightCombined: 0.30,
		},
	}
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: failed to read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: failed to parse %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.LLM.ExecutablePath = getEnv("SAGE_LLM_PATH", c.LLM.ExecutablePath)
	c.LLM.ModelPath = getEnv("SAGE_MODEL_PATH", c.LLM.ModelPath)

	c.Pool.MaxInstances = getEnvInt("SAGE_POOL_MAX_INSTANCES", c.Pool.MaxInstances)
	c.Pool.TimeoutMs = getEnvInt("SAGE_POOL_TIMEOUT_MS", c.Pool.TimeoutMs)

	c.Embedding.URL = getEnv("SAGE_EMBEDDING_URL", c.Embedding.URL)
	c.Embedding.Model = getEnv("SAGE_EMBEDDING_MODEL", c.Embedding.Model)
	c.Embedding.Dimension = getEnvInt("SAGE_EMBEDDING_DIMENSION", c.Embedding.Dimension)

	c.Storage.Engine = getEnv("SAGE_STORAGE_ENGINE", c.Storage.Engine)
	c.Storage.ConnectionString = getEnv("SAGE_STORE_DSN", c.Storage.ConnectionString)
	c.Storage.ActiveCollection = getEnv("SAGE_ACTIVE_COLLECTION", c.Storage.ActiveCollection)

	c.RAG.TopK = getEnvInt("SAGE_RAG_TOP_K", c.RAG.TopK)
	c.RAG.MinScore = getEnvFloat("SAGE_RAG_MIN_SCORE", c.RAG.MinScore)
	c.RAG.WeightCategory = getEnvFloat("SAGE_RAG_WEIGHT_CATEGORY", c.RAG.WeightCategory)
	c.RAG.WeightContent = getEnvFloat("SAGE_RAG_WEIGHT_CONTENT", c.RAG.WeightContent)
	c.RAG.WeightCombined = getEnvFloat("SAGE_RAG_WEIGHT_COMBINED", c.RAG.WeightCombined)
}

// Validate checks required fields and clamps out-of-range values.
func (c *Config) Validate() error {
	if c.LLM.ExecutablePath == "" {
		return errors.New("config: SAGE_LLM_PATH is required")
	}
	if c.LLM.ModelPath == "" {
		return errors.New("config: SAGE_MODEL_PATH is required")
	}
	if c.Storage.Engine != "sqlite" && c.Storage.Engine != "postgres" {
		return fmt.Errorf("config: unknown storage engine %q", c.Storage.Engine)
	}
	if c.Pool.MaxInstances < 1 {
		c.Pool.MaxInstances = 1
	}
	if c.Pool.TimeoutMs < 1 {
		c.Pool.TimeoutMs = 30000
	}
	if c.RAG.TopK < 1 {
		c.RAG.TopK = 5
	}
	if c.RAG.MinScore < 0 || c.RAG.MinScore > 1 {
		return fmt.Errorf("config: min_score %v out of range [0, 1]", c.RAG.MinScore)
	}
	return nil
}

// getEnv retrieves a string environment variable with a fallback.
func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// getEnvInt retrieves an integer environment variable with a fallback.
// Unparseable values fall back silently.
func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

// getEnvFloat retrieves a float environment variable with a fallback.
func getEnvFloat(key string, fallback float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return fallback
}
