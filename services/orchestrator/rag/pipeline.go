// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package rag

import (
	"context"
	"log/slog"
	"time"

	"github.com/AleutianAI/f1gpt/services/orchestrator/datatypes"
	"github.com/AleutianAI/f1gpt/services/orchestrator/embedding"
	"github.com/AleutianAI/f1gpt/services/orchestrator/retrieval"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	tracer = otel.Tracer("f1gpt.rag")
	meter  = otel.Meter("f1gpt.rag")
)

// =============================================================================
// Stage Results
// =============================================================================

// StageStatus is the outcome of one pipeline stage.
type StageStatus string

const (
	// StageOK means the stage produced its normal output.
	StageOK StageStatus = "ok"
	// StageDegraded means the stage failed and a fallback value was used.
	StageDegraded StageStatus = "degraded"
	// StageFailed means the stage failed with no usable fallback.
	StageFailed StageStatus = "failed"
)

// Stage names used in spans, logs and metrics.
const (
	StageEmbed    = "embed"
	StageRetrieve = "retrieve"
	StageAssemble = "assemble"
)

// StageResult carries a stage's value together with how it was obtained.
// Value is always usable when Status is StageOK or StageDegraded.
type StageResult[T any] struct {
	Value  T
	Status StageStatus
	Err    error
}

// OK wraps a successful value.
func OK[T any](v T) StageResult[T] {
	return StageResult[T]{Value: v, Status: StageOK}
}

// Degraded wraps a fallback value and the error that caused it.
func Degraded[T any](fallback T, err error) StageResult[T] {
	return StageResult[T]{Value: fallback, Status: StageDegraded, Err: err}
}

// Failed wraps an error with no usable value.
func Failed[T any](err error) StageResult[T] {
	return StageResult[T]{Status: StageFailed, Err: err}
}

// =============================================================================
// Pipeline
// =============================================================================

// DocumentRetriever is satisfied by *retrieval.Retriever.
type DocumentRetriever interface {
	Retrieve(ctx context.Context, vector []float32, k int, minSimilarity float64) ([]retrieval.Document, error)
}

// StageObserver receives one call per finished stage.
type StageObserver func(stage string, status StageStatus, elapsed time.Duration)

// PipelineConfig holds the retrieval parameters and per-stage timeouts.
type PipelineConfig struct {
	TopK            int
	MinSimilarity   float64
	EmbedTimeout    time.Duration
	RetrieveTimeout time.Duration
}

// DefaultPipelineConfig returns the production defaults.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		TopK:            retrieval.DefaultTopK,
		MinSimilarity:   retrieval.DefaultMinSimilarity,
		EmbedTimeout:    10 * time.Second,
		RetrieveTimeout: 5 * time.Second,
	}
}

// Pipeline runs embed → retrieve → assemble → compose for one request.
//
// # Description
//
// Embedding and retrieval run strictly in sequence, each under its own
// timeout. A failure in either degrades the context to NoDocumentsContext;
// it never aborts the request. Nothing is cached between requests.
//
// # Thread Safety
//
// Safe for concurrent use once built.
type Pipeline struct {
	embedder  embedding.Embedder
	retriever DocumentRetriever
	assembler *ContextAssembler
	composer  *Composer
	cfg       PipelineConfig
	observer  StageObserver
	latency   metric.Float64Histogram
}

// PipelineOption customizes a Pipeline.
type PipelineOption func(*Pipeline)

// WithStageObserver registers a callback run after each stage.
func WithStageObserver(o StageObserver) PipelineOption {
	return func(p *Pipeline) { p.observer = o }
}

// NewPipeline wires the stages together.
func NewPipeline(embedder embedding.Embedder, retriever DocumentRetriever, assembler *ContextAssembler,
	composer *Composer, cfg PipelineConfig, opts ...PipelineOption) *Pipeline {

	def := DefaultPipelineConfig()
	if cfg.TopK <= 0 {
		cfg.TopK = def.TopK
	}
	if cfg.EmbedTimeout <= 0 {
		cfg.EmbedTimeout = def.EmbedTimeout
	}
	if cfg.RetrieveTimeout <= 0 {
		cfg.RetrieveTimeout = def.RetrieveTimeout
	}

	latency, err := meter.Float64Histogram("f1gpt.rag.stage.duration",
		metric.WithDescription("Duration of each RAG pipeline stage"),
		metric.WithUnit("s"))
	if err != nil {
		slog.Warn("Failed to create stage latency histogram", "error", err)
	}

	p := &Pipeline{
		embedder:  embedder,
		retriever: retriever,
		assembler: assembler,
		composer:  composer,
		cfg:       cfg,
		latency:   latency,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Composer returns the pipeline's composer.
func (p *Pipeline) Composer() *Composer { return p.composer }

// BuildContext runs embedding, retrieval and assembly for query.
//
// # Description
//
// The returned Value is always a valid context string. Status is
// StageDegraded, with Err set, when embedding or retrieval failed and the
// sentinel context was substituted.
func (p *Pipeline) BuildContext(ctx context.Context, query string) StageResult[string] {
	ctx, span := tracer.Start(ctx, "Pipeline.BuildContext")
	defer span.End()

	vec := p.embed(ctx, query)
	if vec.Status != StageOK {
		recordDegraded(span, vec.Err)
		return Degraded(NoDocumentsContext, vec.Err)
	}

	docs := p.retrieve(ctx, vec.Value)
	if docs.Status != StageOK {
		recordDegraded(span, docs.Err)
		return Degraded(NoDocumentsContext, docs.Err)
	}

	start := time.Now()
	text := p.assembler.Assemble(docs.Value)
	p.finish(ctx, StageAssemble, StageOK, start)

	span.SetAttributes(
		attribute.Int("rag.documents", len(docs.Value)),
		attribute.Int("rag.context_chars", len([]rune(text))),
	)
	return OK(text)
}

// Prepare builds the full generation request for req.
func (p *Pipeline) Prepare(ctx context.Context, req *datatypes.ChatRequest, now time.Time) (GenerationRequest, StageResult[string]) {
	contextResult := p.BuildContext(ctx, req.LatestUserMessage())
	return p.composer.Compose(req.Messages, contextResult.Value, now), contextResult
}

func (p *Pipeline) embed(ctx context.Context, query string) StageResult[[]float32] {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.EmbedTimeout)
	defer cancel()

	start := time.Now()
	vec, err := p.embedder.Embed(ctx, query)
	if err != nil {
		slog.Warn("Embedding failed, using empty context", "error", err)
		p.finish(ctx, StageEmbed, StageDegraded, start)
		return Failed[[]float32](err)
	}
	p.finish(ctx, StageEmbed, StageOK, start)
	return OK(vec)
}

func (p *Pipeline) retrieve(ctx context.Context, vec []float32) StageResult[[]retrieval.Document] {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.RetrieveTimeout)
	defer cancel()

	start := time.Now()
	docs, err := p.retriever.Retrieve(ctx, vec, p.cfg.TopK, p.cfg.MinSimilarity)
	if err != nil {
		slog.Warn("Retrieval failed, using empty context", "error", err)
		p.finish(ctx, StageRetrieve, StageDegraded, start)
		return Failed[[]retrieval.Document](err)
	}
	p.finish(ctx, StageRetrieve, StageOK, start)
	return OK(docs)
}

func (p *Pipeline) finish(ctx context.Context, stage string, status StageStatus, start time.Time) {
	elapsed := time.Since(start)
	if p.latency != nil {
		p.latency.Record(context.WithoutCancel(ctx), elapsed.Seconds(), metric.WithAttributes(
			attribute.String("stage", stage),
			attribute.String("status", string(status)),
		))
	}
	if p.observer != nil {
		p.observer(stage, status, elapsed)
	}
}

func recordDegraded(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	span.SetAttributes(attribute.Bool("rag.degraded", true))
}
