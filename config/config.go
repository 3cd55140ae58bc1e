// Package config loads kgraph settings: defaults, then an optional YAML file, then the
// environment (a .env file included).
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/athapong/kgraph/pkg/graph/extraction"
	"github.com/athapong/kgraph/pkg/graph/processors"
	"github.com/athapong/kgraph/services"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Extractor backends
const (
	BackendOpenAI = "openai"
	BackendProse  = "prose"
)

// Config represents the complete kgraph configuration
type Config struct {
	DataDir    string           `yaml:"data_dir"`
	Extractor  ExtractorConfig  `yaml:"extractor"`
	Thresholds ThresholdsConfig `yaml:"thresholds"`
	Queue      QueueConfig      `yaml:"queue"`
	Neo4j      Neo4jConfig      `yaml:"neo4j"`
	Server     ServerConfig     `yaml:"server"`
}

// ExtractorConfig selects and tunes the Extractor and SchemaInferencer
type ExtractorConfig struct {
	// Backend is "openai" (any OpenAI-compatible provider) or "prose" (offline)
	Backend     string        `yaml:"backend"`
	Provider    string        `yaml:"provider"`
	APIKey      string        `yaml:"api_key"`
	BaseURL     string        `yaml:"base_url"`
	Model       string        `yaml:"model"`
	Temperature float64       `yaml:"temperature"`
	Timeout     time.Duration `yaml:"timeout"`
	// ChunkTokens bounds the document text sent in one request
	ChunkTokens  int `yaml:"chunk_tokens"`
	ChunkOverlap int `yaml:"chunk_overlap"`
	Parallelism  int `yaml:"parallelism"`
}

// ThresholdsConfig tunes identity resolution and gating
type ThresholdsConfig struct {
	Similarity            float64 `yaml:"similarity"`
	MinConfidence         float64 `yaml:"min_confidence"`
	Stability             float64 `yaml:"stability"`
	StabilityMinDocuments int     `yaml:"stability_min_documents"`
}

// QueueConfig configures the per-project job queue
type QueueConfig struct {
	Size int `yaml:"size"`
}

// Neo4jConfig configures the optional graph mirror; an empty URI disables it
type Neo4jConfig struct {
	URI      string `yaml:"uri"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// ServerConfig configures the MCP server
type ServerConfig struct {
	// Transport is "stdio" or "sse"
	Transport   string `yaml:"transport"`
	SSEAddr     string `yaml:"sse_addr"`
	SSEBaseURL  string `yaml:"sse_base_url"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		DataDir: "data",
		Extractor: ExtractorConfig{
			Backend:      BackendOpenAI,
			Provider:     services.ProviderOpenAI,
			Model:        processors.DefaultModel,
			Temperature:  0.1,
			Timeout:      extraction.DefaultTimeout,
			ChunkTokens:  processors.DefaultChunkTokens,
			ChunkOverlap: processors.DefaultChunkOverlap,
			Parallelism:  processors.DefaultParallelism,
		},
		Thresholds: ThresholdsConfig{
			Similarity:            extraction.DefaultSimilarityThreshold,
			MinConfidence:         extraction.DefaultMinConfidence,
			Stability:             extraction.DefaultStabilityThreshold,
			StabilityMinDocuments: extraction.DefaultStabilityMinDocuments,
		},
		Queue: QueueConfig{Size: 16},
		Neo4j: Neo4jConfig{User: "neo4j"},
		Server: ServerConfig{
			Transport:  "stdio",
			SSEAddr:    ":8080",
			SSEBaseURL: "http://localhost:8080",
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("data_dir is required")
	}
	switch c.Extractor.Backend {
	case BackendProse:
	case BackendOpenAI:
		if c.Extractor.Model == "" {
			return errors.New("extractor.model is required")
		}
		if c.Extractor.APIKey == "" && c.Extractor.Provider != services.ProviderOllama {
			return errors.Errorf("extractor.api_key is required for provider %s", c.Extractor.Provider)
		}
	default:
		return errors.Errorf("extractor.backend must be %q or %q, got %q", BackendOpenAI, BackendProse, c.Extractor.Backend)
	}
	if c.Extractor.Temperature < 0 || c.Extractor.Temperature > 2 {
		return errors.New("extractor.temperature must be between 0 and 2")
	}
	for name, v := range map[string]float64{
		"thresholds.similarity":     c.Thresholds.Similarity,
		"thresholds.min_confidence": c.Thresholds.MinConfidence,
		"thresholds.stability":      c.Thresholds.Stability,
	} {
		if v < 0 || v > 1 {
			return errors.Errorf("%s must be between 0 and 1", name)
		}
	}
	if c.Queue.Size < 0 {
		return errors.New("queue.size must not be negative")
	}
	if c.Server.Transport != "stdio" && c.Server.Transport != "sse" {
		return errors.Errorf("server.transport must be stdio or sse, got %q", c.Server.Transport)
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file on top of the defaults
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config file")
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, errors.Wrap(err, "failed to parse config file")
	}
	return config, nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrap(err, "failed to create config directory")
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "failed to marshal config")
	}
	return errors.Wrap(os.WriteFile(path, data, 0600), "failed to write config file")
}

// Load builds the effective configuration. A missing env file only logs a warning;
// an empty configPath skips the YAML layer.
func Load(envFile, configPath string, logger *logrus.Logger) (*Config, error) {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			logger.WithError(err).WithField("path", envFile).Warn("Error loading env file")
		}
	}

	config := DefaultConfig()
	if configPath != "" {
		loaded, err := LoadFromFile(configPath)
		if err != nil {
			return nil, err
		}
		config = loaded
		logger.WithField("path", configPath).Debug("Loaded config file")
	}
	if err := config.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// ApplyEnv overrides settings from environment variables found by lookup
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	var firstErr error
	num := func(key string, dst *float64) {
		if v, ok := lookup(key); ok && v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				if firstErr == nil {
					firstErr = errors.Wrapf(err, "invalid %s", key)
				}
				return
			}
			*dst = f
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				if firstErr == nil {
					firstErr = errors.Wrapf(err, "invalid %s", key)
				}
				return
			}
			*dst = n
		}
	}

	str("KG_DATA_DIR", &c.DataDir)
	str("KG_EXTRACTOR", &c.Extractor.Backend)
	str("LLM_PROVIDER", &c.Extractor.Provider)
	str("OPENAI_API_KEY", &c.Extractor.APIKey)
	str("OPENAI_BASE_URL", &c.Extractor.BaseURL)
	str("OPENAI_MODEL", &c.Extractor.Model)
	num("OPENAI_TEMPERATURE", &c.Extractor.Temperature)
	integer("KG_CHUNK_TOKENS", &c.Extractor.ChunkTokens)
	integer("KG_PARALLELISM", &c.Extractor.Parallelism)
	if v, ok := lookup("KG_EXTRACTOR_TIMEOUT"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			if firstErr == nil {
				firstErr = errors.Wrap(err, "invalid KG_EXTRACTOR_TIMEOUT")
			}
		} else {
			c.Extractor.Timeout = d
		}
	}
	num("KG_SIMILARITY_THRESHOLD", &c.Thresholds.Similarity)
	num("KG_MIN_CONFIDENCE", &c.Thresholds.MinConfidence)
	num("KG_STABILITY_THRESHOLD", &c.Thresholds.Stability)
	integer("KG_QUEUE_SIZE", &c.Queue.Size)
	str("NEO4J_URI", &c.Neo4j.URI)
	str("NEO4J_USER", &c.Neo4j.User)
	str("NEO4J_PASSWORD", &c.Neo4j.Password)
	str("KG_TRANSPORT", &c.Server.Transport)
	str("KG_SSE_ADDR", &c.Server.SSEAddr)
	str("KG_SSE_BASE_URL", &c.Server.SSEBaseURL)
	str("METRICS_ADDR", &c.Server.MetricsAddr)
	return firstErr
}

// ExtractionOptions returns the extraction engine settings
func (c *Config) ExtractionOptions() extraction.Options {
	return extraction.Options{
		MinConfidence:         c.Thresholds.MinConfidence,
		SimilarityThreshold:   c.Thresholds.Similarity,
		Timeout:               c.Extractor.Timeout,
		StabilityThreshold:    c.Thresholds.Stability,
		StabilityMinDocuments: c.Thresholds.StabilityMinDocuments,
	}
}

// LLMOptions returns the LLM extractor and inferencer settings
func (c *Config) LLMOptions(logger *logrus.Logger) processors.LLMOptions {
	return processors.LLMOptions{
		Model:        c.Extractor.Model,
		Temperature:  float32(c.Extractor.Temperature),
		ChunkTokens:  c.Extractor.ChunkTokens,
		ChunkOverlap: c.Extractor.ChunkOverlap,
		Parallelism:  c.Extractor.Parallelism,
		Logger:       logger,
	}
}

// ClientConfig returns the chat client settings
func (c *Config) ClientConfig() services.ClientConfig {
	return services.ClientConfig{
		Provider: c.Extractor.Provider,
		APIKey:   c.Extractor.APIKey,
		BaseURL:  c.Extractor.BaseURL,
	}
}
