// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package orchestrator

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/f1gpt/pkg/telemetry"
	"github.com/AleutianAI/f1gpt/services/orchestrator/embedding"
	"github.com/AleutianAI/f1gpt/services/orchestrator/rag"
	"github.com/AleutianAI/f1gpt/services/orchestrator/retrieval"
)

// =============================================================================
// Configuration
// =============================================================================

// Backend names.
const (
	BackendHuggingFace = "huggingface"
	BackendOpenAI      = "openai"
	BackendOllama      = "ollama"
	BackendLangChain   = "langchain"
	BackendWeaviate    = "weaviate"
	BackendRedis       = "redis"
	BackendMemory      = "memory"
)

// DefaultPort is the HTTP port used when none is configured.
const DefaultPort = 12210

// secretsDir holds mounted container secrets. Tests point it elsewhere.
var secretsDir = "/run/secrets"

// Config holds orchestrator configuration options.
//
// # Description
//
// Config centralizes every setting of the service. It is populated in
// this order, later steps winning:
//
//	defaults ─► YAML file ─► .env ─► environment ─► applyConfigDefaults ─► Validate
//
// Durations are written as Go duration strings ("15s", "2m").
//
// # Examples
//
//	server:
//	  port: 8080
//	generation:
//	  backend: openai
//	  model: meta-llama/Llama-3.1-8B-Instruct
//	  base_url: https://router.huggingface.co/v1
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Logging    LoggingConfig    `yaml:"logging"`
	Telemetry  telemetry.Config `yaml:"telemetry"`
	Embedding  EmbeddingConfig  `yaml:"embedding"`
	Retrieval  RetrievalConfig  `yaml:"retrieval"`
	Generation GenerationConfig `yaml:"generation"`
	Stream     StreamConfig     `yaml:"stream"`
}

// ServerConfig controls the HTTP listener and the chat route middleware.
type ServerConfig struct {
	// Port is the HTTP server port. Default: 12210
	Port int `yaml:"port" validate:"gte=1,lte=65535"`

	// GinMode is "debug", "release" or "test". Empty keeps gin's default.
	GinMode string `yaml:"gin_mode" validate:"omitempty,oneof=debug release test"`

	// RateLimitRPS is the process-wide chat request rate. Zero disables it.
	RateLimitRPS   float64 `yaml:"rate_limit_rps" validate:"gte=0"`
	RateLimitBurst int     `yaml:"rate_limit_burst" validate:"gte=0"`

	// APIToken enables bearer authentication on the chat routes.
	APIToken string `yaml:"api_token"`

	// ShutdownTimeout bounds graceful shutdown. Default: 10s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gte=0"`
}

// LoggingConfig controls pkg/logging.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	JSON  bool   `yaml:"json"`
	Dir   string `yaml:"dir"`
}

// EmbeddingConfig selects and configures the query embedder.
type EmbeddingConfig struct {
	Backend     string        `yaml:"backend" validate:"oneof=huggingface openai"`
	Model       string        `yaml:"model" validate:"required"`
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key"`
	Dimension   int           `yaml:"dimension" validate:"gte=1"`
	QueryPrefix string        `yaml:"query_prefix"`
	Timeout     time.Duration `yaml:"timeout" validate:"gt=0"`
}

// RetrievalConfig selects the vector store and the retrieval limits.
type RetrievalConfig struct {
	Backend         string         `yaml:"backend" validate:"oneof=weaviate redis memory"`
	TopK            int            `yaml:"top_k" validate:"gte=1,lte=100"`
	MinSimilarity   float64        `yaml:"min_similarity" validate:"gte=0,lte=1"`
	Timeout         time.Duration  `yaml:"timeout" validate:"gt=0"`
	MaxDocChars     int            `yaml:"max_doc_chars" validate:"gte=1"`
	MaxContextChars int            `yaml:"max_context_chars" validate:"gte=1"`
	Weaviate        WeaviateConfig `yaml:"weaviate"`
	Redis           RedisConfig    `yaml:"redis"`
	Memory          MemoryConfig   `yaml:"memory"`
}

// WeaviateConfig configures the weaviate backend.
type WeaviateConfig struct {
	URL       string `yaml:"url" validate:"required_if=Enabled true"`
	APIKey    string `yaml:"api_key"`
	ClassName string `yaml:"class_name"`
	TextField string `yaml:"text_field"`
	// Enabled is set by applyConfigDefaults from the backend choice.
	Enabled bool `yaml:"-"`
}

// RedisConfig configures the redis backend.
type RedisConfig struct {
	Addr        string `yaml:"addr" validate:"required_if=Enabled true"`
	Password    string `yaml:"password"`
	DB          int    `yaml:"db" validate:"gte=0"`
	Index       string `yaml:"index"`
	VectorField string `yaml:"vector_field"`
	TextField   string `yaml:"text_field"`
	Enabled     bool   `yaml:"-"`
}

// MemoryConfig configures the in-process store loaded from a JSON fixture.
type MemoryConfig struct {
	Path    string `yaml:"path" validate:"required_if=Enabled true"`
	Enabled bool   `yaml:"-"`
}

// GenerationConfig selects the streaming model and its prompt settings.
type GenerationConfig struct {
	Backend string             `yaml:"backend" validate:"oneof=huggingface openai ollama langchain"`
	Model   string             `yaml:"model" validate:"required"`
	BaseURL string             `yaml:"base_url"`
	APIKey  string             `yaml:"api_key"`
	Timeout time.Duration      `yaml:"timeout" validate:"gt=0"`
	Prompt  rag.ComposerConfig `yaml:"prompt"`
}

// StreamConfig controls the SSE stream controller.
type StreamConfig struct {
	HeartbeatInterval   time.Duration `yaml:"heartbeat_interval" validate:"gt=0"`
	FrameBuffer         int           `yaml:"frame_buffer" validate:"gte=1"`
	RequireSecureMemory bool          `yaml:"require_secure_memory"`
}

// DefaultConfig returns the production defaults. API keys are left empty;
// LoadConfig resolves them once the backends are known.
func DefaultConfig() Config {
	return applyConfigDefaults(baseConfig())
}

// baseConfig holds the defaults that do not depend on a backend choice.
// Files are decoded on top of it so an explicit zero survives.
func baseConfig() Config {
	return Config{
		Telemetry:  telemetry.DefaultConfig(),
		Generation: GenerationConfig{Prompt: rag.DefaultComposerConfig()},
	}
}

// =============================================================================
// Loading
// =============================================================================

// LoadConfig builds a Config from defaults, an optional YAML file, an
// optional .env file and the environment.
//
// # Inputs
//
//   - path: YAML file. Empty or missing means defaults only.
//
// # Outputs
//
//   - Config: Ready for New.
//   - error: Unreadable or malformed file, or a failed Validate.
//
// # Examples
//
//	cfg, err := orchestrator.LoadConfig("f1gpt.yaml")
//	if err != nil {
//	    return fmt.Errorf("load config: %w", err)
//	}
func LoadConfig(path string) (Config, error) {
	cfg := baseConfig()

	if path != "" {
		if err := loadConfigFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
	}

	// .env never overrides variables already set in the process.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("Failed to read .env file", "error", err)
	}

	loadConfigFromEnv(&cfg)
	cfg = applyConfigDefaults(cfg)
	resolveAPIKeys(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func loadConfigFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Info("Config file not found, using defaults", "path", path)
			return nil
		}
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func loadConfigFromEnv(cfg *Config) {
	// Server
	if v := os.Getenv("F1GPT_PORT"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = i
		}
	}
	if v := os.Getenv("GIN_MODE"); v != "" {
		cfg.Server.GinMode = v
	}
	if v := os.Getenv("F1GPT_API_TOKEN"); v != "" {
		cfg.Server.APIToken = v
	}
	if v := os.Getenv("F1GPT_RATE_LIMIT_RPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Server.RateLimitRPS = f
		}
	}

	// Logging
	if v := os.Getenv("F1GPT_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("F1GPT_LOG_JSON"); v != "" {
		cfg.Logging.JSON = v == "true" || v == "1"
	}

	// Telemetry
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		cfg.Telemetry.OTLPEndpoint = v
		if cfg.Telemetry.TraceExporter == "" || cfg.Telemetry.TraceExporter == telemetry.ExporterNone {
			cfg.Telemetry.TraceExporter = telemetry.ExporterOTLP
		}
	}

	// Backends
	if v := os.Getenv("F1GPT_EMBEDDING_BACKEND"); v != "" {
		cfg.Embedding.Backend = v
	}
	if v := os.Getenv("F1GPT_EMBEDDING_MODEL"); v != "" {
		cfg.Embedding.Model = v
	}
	if v := os.Getenv("F1GPT_RETRIEVAL_BACKEND"); v != "" {
		cfg.Retrieval.Backend = v
	}
	if v := os.Getenv("F1GPT_LLM_BACKEND"); v != "" {
		cfg.Generation.Backend = v
	}
	if v := os.Getenv("F1GPT_LLM_MODEL"); v != "" {
		cfg.Generation.Model = v
	}
	if v := os.Getenv("F1GPT_LLM_BASE_URL"); v != "" {
		cfg.Generation.BaseURL = v
	}
	if v := os.Getenv("WEAVIATE_SERVICE_URL"); v != "" {
		cfg.Retrieval.Weaviate.URL = v
	}
	if v := os.Getenv("WEAVIATE_API_KEY"); v != "" {
		cfg.Retrieval.Weaviate.APIKey = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Retrieval.Redis.Addr = v
	}
	if v := os.Getenv("F1GPT_MEMORY_STORE_PATH"); v != "" {
		cfg.Retrieval.Memory.Path = v
	}
	if v := os.Getenv("F1GPT_REQUIRE_SECURE_MEMORY"); v != "" {
		cfg.Stream.RequireSecureMemory = v == "true" || v == "1"
	}
}

// resolveAPIKeys fills keys that were not configured explicitly.
func resolveAPIKeys(cfg *Config) {
	if cfg.Embedding.APIKey == "" {
		cfg.Embedding.APIKey = providerAPIKey(cfg.Embedding.Backend)
	}
	if cfg.Generation.APIKey == "" {
		cfg.Generation.APIKey = providerAPIKey(cfg.Generation.Backend)
	}
}

// providerAPIKey resolves the key for a backend from the environment, then
// from the mounted secret file.
func providerAPIKey(backend string) string {
	var envName, secretName string
	switch backend {
	case BackendHuggingFace:
		envName, secretName = "HUGGINGFACE_API_KEY", "huggingface_api_key"
	case BackendOpenAI:
		envName, secretName = "OPENAI_API_KEY", "openai_api_key"
	default:
		return ""
	}
	if v := os.Getenv(envName); v != "" {
		return v
	}
	data, err := os.ReadFile(filepath.Join(secretsDir, secretName))
	if err != nil {
		return ""
	}
	slog.Info("Read API key from container secret", "backend", backend)
	return strings.TrimSpace(string(data))
}

// =============================================================================
// Defaults and Validation
// =============================================================================

// applyConfigDefaults fills in missing configuration values.
//
// # Description
//
// Applies the production defaults to every zero-valued field. A prompt
// block that is entirely unset takes the default composer settings;
// otherwise Temperature is kept as given, since zero is valid.
func applyConfigDefaults(cfg Config) Config {
	// Server
	if cfg.Server.Port == 0 {
		cfg.Server.Port = DefaultPort
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Server.RateLimitRPS > 0 && cfg.Server.RateLimitBurst == 0 {
		cfg.Server.RateLimitBurst = int(cfg.Server.RateLimitRPS) + 1
	}

	// Logging
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}

	// Telemetry
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "f1gpt"
	}
	if cfg.Telemetry.TraceExporter == "" {
		cfg.Telemetry.TraceExporter = telemetry.ExporterNone
	}
	if cfg.Telemetry.MetricExporter == "" {
		cfg.Telemetry.MetricExporter = telemetry.ExporterPrometheus
	}

	// Embedding
	if cfg.Embedding.Backend == "" {
		cfg.Embedding.Backend = BackendHuggingFace
	}
	if cfg.Embedding.Model == "" {
		cfg.Embedding.Model = embedding.DefaultModel
	}
	if cfg.Embedding.Dimension == 0 {
		cfg.Embedding.Dimension = embedding.DefaultDimension
	}
	if cfg.Embedding.QueryPrefix == "" {
		cfg.Embedding.QueryPrefix = embedding.DefaultQueryPrefix
	}
	if cfg.Embedding.Timeout == 0 {
		cfg.Embedding.Timeout = rag.DefaultPipelineConfig().EmbedTimeout
	}

	// Retrieval
	if cfg.Retrieval.Backend == "" {
		cfg.Retrieval.Backend = BackendWeaviate
	}
	if cfg.Retrieval.TopK == 0 {
		cfg.Retrieval.TopK = retrieval.DefaultTopK
	}
	if cfg.Retrieval.MinSimilarity == 0 {
		cfg.Retrieval.MinSimilarity = retrieval.DefaultMinSimilarity
	}
	if cfg.Retrieval.Timeout == 0 {
		cfg.Retrieval.Timeout = rag.DefaultPipelineConfig().RetrieveTimeout
	}
	if cfg.Retrieval.MaxDocChars == 0 {
		cfg.Retrieval.MaxDocChars = rag.DefaultMaxDocChars
	}
	if cfg.Retrieval.MaxContextChars == 0 {
		cfg.Retrieval.MaxContextChars = rag.DefaultMaxContextChars
	}
	cfg.Retrieval.Weaviate.Enabled = cfg.Retrieval.Backend == BackendWeaviate
	cfg.Retrieval.Redis.Enabled = cfg.Retrieval.Backend == BackendRedis
	cfg.Retrieval.Memory.Enabled = cfg.Retrieval.Backend == BackendMemory
	if cfg.Retrieval.Weaviate.Enabled && cfg.Retrieval.Weaviate.URL == "" {
		cfg.Retrieval.Weaviate.URL = "http://localhost:8080"
	}
	cfg.Retrieval.Weaviate.URL = strings.Trim(cfg.Retrieval.Weaviate.URL, "\"' ")

	// Generation
	if cfg.Generation.Backend == "" {
		cfg.Generation.Backend = BackendHuggingFace
	}
	if cfg.Generation.Model == "" {
		cfg.Generation.Model = defaultGenerationModel(cfg.Generation.Backend)
	}
	if cfg.Generation.Timeout == 0 {
		cfg.Generation.Timeout = 2 * time.Minute
	}
	cfg.Generation.Prompt = withComposerDefaults(cfg.Generation.Prompt)

	// Stream
	if cfg.Stream.HeartbeatInterval == 0 {
		cfg.Stream.HeartbeatInterval = 15 * time.Second
	}
	if cfg.Stream.FrameBuffer == 0 {
		cfg.Stream.FrameBuffer = 32
	}

	return cfg
}

// withComposerDefaults fills the unset fields of the prompt block.
func withComposerDefaults(p rag.ComposerConfig) rag.ComposerConfig {
	def := rag.DefaultComposerConfig()
	if p.Persona == "" && len(p.Rules) == 0 && p.WindowSize == 0 && p.MaxOutputTokens == 0 &&
		p.Temperature == 0 && p.TopP == 0 && p.RepetitionPenalty == 0 {
		return def
	}
	if p.Persona == "" {
		p.Persona = def.Persona
	}
	if len(p.Rules) == 0 {
		p.Rules = def.Rules
	}
	if p.WindowSize == 0 {
		p.WindowSize = def.WindowSize
	}
	if p.MaxOutputTokens == 0 {
		p.MaxOutputTokens = def.MaxOutputTokens
	}
	if p.TopP == 0 {
		p.TopP = def.TopP
	}
	if p.RepetitionPenalty == 0 {
		p.RepetitionPenalty = def.RepetitionPenalty
	}
	return p
}

func defaultGenerationModel(backend string) string {
	switch backend {
	case BackendOpenAI:
		return "gpt-4o-mini"
	case BackendOllama, BackendLangChain:
		return "llama3.2"
	default:
		return "meta-llama/Meta-Llama-3-8B-Instruct"
	}
}

var configValidate = validator.New()

// Validate checks struct tags across the whole tree.
func (c Config) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%s failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value())
		}
		return err
	}
	if c.Generation.Backend == BackendOpenAI && c.Generation.APIKey == "" {
		return fmt.Errorf("generation.api_key is required for the openai backend")
	}
	if c.Embedding.Backend == BackendOpenAI && c.Embedding.APIKey == "" {
		return fmt.Errorf("embedding.api_key is required for the openai backend")
	}
	return nil
}
