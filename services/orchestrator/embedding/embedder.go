// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package embedding turns query text into fixed-dimension vectors through a
// remote embedding service.
package embedding

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("f1gpt.embedding")

// Defaults for the query embedder.
const (
	DefaultQueryPrefix = "Represent this question for retrieval: "
	DefaultModel       = "BAAI/bge-large-en-v1.5"
	DefaultDimension   = 1024
)

// Embedder computes a vector embedding for a text.
//
// # Description
//
// Wraps the remote embedding model so the pipeline can be tested with a
// fake and backends can be swapped.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
//
// # Example
//
//	vec, err := embedder.Embed(ctx, "Who won the 2021 title?")
//	if embedding.IsEmbeddingError(err) {
//	    // degrade to the empty context
//	}
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// EmbeddingError reports any failure to produce a usable vector: remote
// error, timeout, unexpected response shape or wrong dimension.
type EmbeddingError struct {
	Op  string
	Err error
}

func (e *EmbeddingError) Error() string {
	return fmt.Sprintf("embedding %s: %v", e.Op, e.Err)
}

func (e *EmbeddingError) Unwrap() error { return e.Err }

// IsEmbeddingError reports whether err is an *EmbeddingError.
func IsEmbeddingError(err error) bool {
	var ee *EmbeddingError
	return errors.As(err, &ee)
}

// ErrDimensionMismatch is wrapped when the remote returns a vector of the
// wrong length. Vectors are never padded or truncated.
var ErrDimensionMismatch = errors.New("dimension mismatch")

// QueryEmbedder prefixes a query with the retrieval instruction and checks
// the dimension of the returned vector.
type QueryEmbedder struct {
	backend   Embedder
	prefix    string
	dimension int
}

// NewQueryEmbedder wraps backend. A dimension below one is replaced by
// DefaultDimension, so every returned vector is length-checked.
func NewQueryEmbedder(backend Embedder, prefix string, dimension int) *QueryEmbedder {
	if dimension < 1 {
		dimension = DefaultDimension
	}
	return &QueryEmbedder{backend: backend, prefix: prefix, dimension: dimension}
}

// Embed implements Embedder.
//
// # Description
//
// Sends prefix+query to the backend. Any backend error is returned as an
// *EmbeddingError. A vector whose length differs from the configured
// dimension fails with ErrDimensionMismatch.
//
// # Inputs
//
//   - ctx: Carries the stage timeout.
//   - query: The raw user question.
//
// # Outputs
//
//   - []float32: Vector of exactly the configured dimension.
//   - error: nil or *EmbeddingError.
func (q *QueryEmbedder) Embed(ctx context.Context, query string) ([]float32, error) {
	ctx, span := tracer.Start(ctx, "QueryEmbedder.Embed")
	defer span.End()
	span.SetAttributes(attribute.Int("embedding.query_len", len(query)))

	vec, err := q.backend.Embed(ctx, q.prefix+query)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if IsEmbeddingError(err) {
			return nil, err
		}
		return nil, &EmbeddingError{Op: "request", Err: err}
	}
	if len(vec) != q.dimension {
		err := &EmbeddingError{
			Op:  "validate",
			Err: fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vec), q.dimension),
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("embedding.dimension", len(vec)))
	return vec, nil
}

var _ Embedder = (*QueryEmbedder)(nil)
