// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package orchestrator wires the f1gpt chat service together.
//
// The Service owns every long-lived component and hands them to the HTTP
// layer as interfaces:
//
//	┌──────────────────────────── Service ────────────────────────────┐
//	│ gin router ─► middleware ─► routes ─► StreamingChatHandler      │
//	│                                         │            │          │
//	│                         rag.Pipeline ◄──┘            └─► LLMClient
//	│                      (Embedder → Retriever → Composer)          │
//	└─────────────────────────────────────────────────────────────────┘
//
// # Usage
//
//	cfg, err := orchestrator.LoadConfig("f1gpt.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	svc, err := orchestrator.New(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := svc.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/f1gpt/pkg/telemetry"
	"github.com/AleutianAI/f1gpt/services/llm"
	"github.com/AleutianAI/f1gpt/services/orchestrator/embedding"
	"github.com/AleutianAI/f1gpt/services/orchestrator/handlers"
	"github.com/AleutianAI/f1gpt/services/orchestrator/middleware"
	"github.com/AleutianAI/f1gpt/services/orchestrator/observability"
	"github.com/AleutianAI/f1gpt/services/orchestrator/rag"
	"github.com/AleutianAI/f1gpt/services/orchestrator/retrieval"
	"github.com/AleutianAI/f1gpt/services/orchestrator/routes"
)

// =============================================================================
// Interface Definition
// =============================================================================

// Service defines the contract for the orchestrator service.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. Run blocks and should
// only be called once per instance.
type Service interface {
	// Run starts the HTTP server and blocks until ctx is cancelled or the
	// listener fails.
	//
	// # Description
	//
	// On cancellation the server stops accepting connections and waits up
	// to server.shutdown_timeout for open streams to finish. Resources are
	// released before Run returns.
	//
	// # Outputs
	//
	//   - error: Non-nil if the listener fails or shutdown times out.
	//
	// # Examples
	//
	//	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	//	defer stop()
	//	if err := svc.Run(ctx); err != nil {
	//	    log.Fatalf("server error: %v", err)
	//	}
	Run(ctx context.Context) error

	// Router returns the underlying Gin engine for testing.
	Router() *gin.Engine

	// Close releases backends and telemetry without serving. Run calls it
	// on return; it is safe to call more than once.
	Close() error
}

// =============================================================================
// Options
// =============================================================================

// Option replaces a backend New would otherwise build from Config.
type Option func(*service)

// WithEmbedder uses backend instead of the configured embedding client.
// The query prefix and dimension check are still applied.
func WithEmbedder(backend embedding.Embedder) Option {
	return func(s *service) { s.embedBackend = backend }
}

// WithVectorStore uses store instead of the configured retrieval backend.
func WithVectorStore(store retrieval.VectorStore) Option {
	return func(s *service) { s.store = store }
}

// WithLLMClient uses client instead of the configured generation backend.
func WithLLMClient(client llm.LLMClient) Option {
	return func(s *service) { s.llmClient = client }
}

// WithMetrics records into m instead of the process-wide metrics.
func WithMetrics(m *observability.StreamingMetrics) Option {
	return func(s *service) { s.metrics = m }
}

// =============================================================================
// Implementation
// =============================================================================

// service implements Service.
//
// # Fields
//
//   - config: Validated configuration
//   - router: Gin HTTP engine
//   - embedBackend, store, llmClient: Remote backends
//   - metrics: Prometheus stream metrics
//   - closers: Run in reverse order by Close
//
// # Thread Safety
//
// Thread-safe after construction. All fields are read-only after New
// returns, except the closers, which Close guards with closeOnce.
type service struct {
	config       Config
	router       *gin.Engine
	embedBackend embedding.Embedder
	store        retrieval.VectorStore
	llmClient    llm.LLMClient
	metrics      *observability.StreamingMetrics
	closers      []func(context.Context) error
	closeOnce    sync.Once
	closeErr     error
}

// New creates the orchestrator Service.
//
// # Description
//
// New initializes all components in dependency order:
//  1. Applies defaults and validates cfg
//  2. Initializes OpenTelemetry
//  3. Initializes Prometheus stream metrics
//  4. Builds the embedding, vector store and generation backends
//  5. Assembles the RAG pipeline and the streaming handler
//  6. Sets up the router
//
// Backends are built lazily: no network call is made until the first
// request.
//
// # Inputs
//
//   - cfg: Service configuration. Zero values take defaults.
//   - opts: Backend overrides, mainly for tests.
//
// # Outputs
//
//   - Service: Ready-to-run service
//   - error: Invalid configuration or a backend that cannot be built
func New(cfg Config, opts ...Option) (Service, error) {
	cfg = applyConfigDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	s := &service{config: cfg}
	for _, opt := range opts {
		opt(s)
	}

	shutdown, err := telemetry.Init(context.Background(), cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	s.closers = append(s.closers, shutdown)

	if s.metrics == nil {
		s.metrics = observability.InitMetrics()
		slog.Info("Initialized Prometheus metrics for streaming")
	}

	if err := s.initBackends(); err != nil {
		_ = s.Close()
		return nil, err
	}

	s.initRouter()
	return s, nil
}

// initBackends builds every backend not supplied through an Option.
func (s *service) initBackends() error {
	var err error
	if s.embedBackend == nil {
		if s.embedBackend, err = newEmbeddingBackend(s.config.Embedding); err != nil {
			return fmt.Errorf("failed to initialize embedder: %w", err)
		}
	}
	if s.store == nil {
		var closer func() error
		if s.store, closer, err = newVectorStore(s.config.Retrieval); err != nil {
			return fmt.Errorf("failed to initialize vector store: %w", err)
		}
		if closer != nil {
			s.closers = append(s.closers, func(context.Context) error { return closer() })
		}
	}
	if s.llmClient == nil {
		if s.llmClient, err = newLLMClient(s.config.Generation); err != nil {
			return fmt.Errorf("failed to initialize LLM client: %w", err)
		}
	}
	return nil
}

// newPipeline assembles the RAG stages from the configured backends.
func (s *service) newPipeline() *rag.Pipeline {
	cfg := s.config
	embedder := embedding.NewQueryEmbedder(s.embedBackend, cfg.Embedding.QueryPrefix, cfg.Embedding.Dimension)
	retriever := retrieval.NewRetriever(s.store, cfg.Retrieval.Backend)
	assembler := rag.NewContextAssembler(cfg.Retrieval.MaxDocChars, cfg.Retrieval.MaxContextChars)
	composer := rag.NewComposer(cfg.Generation.Prompt)

	return rag.NewPipeline(embedder, retriever, assembler, composer,
		rag.PipelineConfig{
			TopK:            cfg.Retrieval.TopK,
			MinSimilarity:   cfg.Retrieval.MinSimilarity,
			EmbedTimeout:    cfg.Embedding.Timeout,
			RetrieveTimeout: cfg.Retrieval.Timeout,
		},
		rag.WithStageObserver(s.observeStage),
	)
}

// observeStage feeds pipeline stage outcomes into Prometheus.
func (s *service) observeStage(stage string, status rag.StageStatus, elapsed time.Duration) {
	s.metrics.RecordStage(stage, string(status))
	slog.Debug("RAG stage finished", "stage", stage, "status", status, "elapsed", elapsed)
}

// initRouter sets up the Gin HTTP router with all routes.
func (s *service) initRouter() {
	if s.config.Server.GinMode != "" {
		gin.SetMode(s.config.Server.GinMode)
	}
	s.router = gin.New()
	s.router.Use(
		gin.Recovery(),
		middleware.RequestID(),
		otelgin.Middleware(s.config.Telemetry.ServiceName),
		middleware.RequestLogger(slog.Default()),
	)

	chat := handlers.NewStreamingChatHandler(
		s.newPipeline(),
		s.llmClient,
		handlers.ControllerConfig{
			HeartbeatInterval:   s.config.Stream.HeartbeatInterval,
			GenerationTimeout:   s.config.Generation.Timeout,
			ControlTokens:       llm.DefaultControlTokens,
			FrameBuffer:         s.config.Stream.FrameBuffer,
			RequireSecureMemory: s.config.Stream.RequireSecureMemory,
			AnswerBufferSize:    handlers.AnswerBufferSizeFor(s.config.Generation.Prompt.MaxOutputTokens),
		},
		s.metrics,
	)

	routes.SetupRoutes(s.router, chat, routes.RouteOptions{
		RateLimitRPS:   s.config.Server.RateLimitRPS,
		RateLimitBurst: s.config.Server.RateLimitBurst,
		APIToken:       s.config.Server.APIToken,
		MetricsHandler: telemetry.MetricsHandler(),
	})
}

// =============================================================================
// Service Interface Methods
// =============================================================================

// Run implements Service.
func (s *service) Run(ctx context.Context) error {
	defer func() { _ = s.Close() }()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Server.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Starting orchestrator server",
			"port", s.config.Server.Port,
			"embedding", s.config.Embedding.Backend,
			"retrieval", s.config.Retrieval.Backend,
			"generation", s.config.Generation.Backend,
		)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	slog.Info("Shutting down orchestrator server", "timeout", s.config.Server.ShutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	return nil
}

// Router implements Service.
func (s *service) Router() *gin.Engine {
	return s.router
}

// Close implements Service.
func (s *service) Close() error {
	s.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		var errs []error
		for i := len(s.closers) - 1; i >= 0; i-- {
			if err := s.closers[i](ctx); err != nil {
				errs = append(errs, err)
			}
		}
		handlers.PurgeSecureMemory()
		s.closeErr = errors.Join(errs...)
		if s.closeErr != nil {
			slog.Warn("Cleanup finished with errors", "error", s.closeErr)
		}
	})
	return s.closeErr
}

// =============================================================================
// Backend Factories
// =============================================================================

// newEmbeddingBackend builds the raw embedding client.
func newEmbeddingBackend(cfg EmbeddingConfig) (embedding.Embedder, error) {
	switch cfg.Backend {
	case BackendHuggingFace:
		slog.Info("Using Hugging Face embedding backend", "model", cfg.Model)
		return embedding.NewHuggingFaceEmbedder(embedding.HuggingFaceConfig{
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
			APIKey:  cfg.APIKey,
		}), nil
	case BackendOpenAI:
		slog.Info("Using OpenAI embedding backend", "model", cfg.Model)
		return embedding.NewOpenAIEmbedder(embedding.OpenAIConfig{
			APIKey:     cfg.APIKey,
			Model:      cfg.Model,
			BaseURL:    cfg.BaseURL,
			Dimensions: cfg.Dimension,
		})
	default:
		return nil, fmt.Errorf("unknown embedding backend %q", cfg.Backend)
	}
}

// newVectorStore builds the retrieval backend. The returned closer may be
// nil.
func newVectorStore(cfg RetrievalConfig) (retrieval.VectorStore, func() error, error) {
	switch cfg.Backend {
	case BackendWeaviate:
		store, err := retrieval.NewWeaviateStore(retrieval.WeaviateConfig{
			URL:       cfg.Weaviate.URL,
			APIKey:    cfg.Weaviate.APIKey,
			ClassName: cfg.Weaviate.ClassName,
			TextField: cfg.Weaviate.TextField,
		})
		return store, nil, err
	case BackendRedis:
		store, err := retrieval.NewRedisStore(retrieval.RedisConfig{
			Addr:        cfg.Redis.Addr,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			Index:       cfg.Redis.Index,
			VectorField: cfg.Redis.VectorField,
			TextField:   cfg.Redis.TextField,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	case BackendMemory:
		store, err := retrieval.LoadMemoryStore(cfg.Memory.Path)
		return store, nil, err
	default:
		return nil, nil, fmt.Errorf("unknown retrieval backend %q", cfg.Backend)
	}
}

// newLLMClient builds the streaming generation backend.
func newLLMClient(cfg GenerationConfig) (llm.LLMClient, error) {
	switch cfg.Backend {
	case BackendHuggingFace:
		slog.Info("Using Hugging Face text-generation backend")
		return llm.NewHuggingFaceClient(llm.HuggingFaceConfig{
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
			APIKey:  cfg.APIKey,
		})
	case BackendOpenAI:
		slog.Info("Using OpenAI-compatible LLM backend")
		return llm.NewOpenAIClient(llm.OpenAIConfig{
			APIKey:  cfg.APIKey,
			Model:   cfg.Model,
			BaseURL: cfg.BaseURL,
		})
	case BackendOllama:
		slog.Info("Using Ollama LLM backend")
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = "http://localhost:11434"
		}
		return llm.NewOllamaClient(llm.OllamaConfig{BaseURL: baseURL, Model: cfg.Model})
	case BackendLangChain:
		slog.Info("Using LangChain LLM backend")
		return llm.NewLangChainOllamaClient(llm.LangChainConfig{ServerURL: cfg.BaseURL, Model: cfg.Model})
	default:
		return nil, fmt.Errorf("unknown LLM backend %q", cfg.Backend)
	}
}
