// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package retrieval finds the stored documents closest to a query vector.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("f1gpt.retrieval")

// Defaults for the retriever.
const (
	DefaultTopK          = 3
	DefaultMinSimilarity = 0.5
)

// Document is one search hit. Similarity is on a [0,1] scale where 1 is
// identical.
type Document struct {
	ID         string  `json:"id,omitempty"`
	Text       string  `json:"text"`
	Similarity float64 `json:"similarity"`
}

// VectorStore is a nearest-neighbour index.
//
// # Description
//
// Search returns at most k documents ordered by descending similarity. An
// empty result is not an error.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type VectorStore interface {
	Search(ctx context.Context, vector []float32, k int) ([]Document, error)
}

// RetrievalError reports a store transport or query failure.
type RetrievalError struct {
	Backend string
	Err     error
}

func (e *RetrievalError) Error() string {
	return fmt.Sprintf("retrieval (%s): %v", e.Backend, e.Err)
}

func (e *RetrievalError) Unwrap() error { return e.Err }

// IsRetrievalError reports whether err is a *RetrievalError.
func IsRetrievalError(err error) bool {
	var re *RetrievalError
	return errors.As(err, &re)
}

// Retriever applies the k cap and similarity cutoff on top of a store.
type Retriever struct {
	store   VectorStore
	backend string
}

// NewRetriever wraps store. backend names the store in errors and spans.
func NewRetriever(store VectorStore, backend string) *Retriever {
	return &Retriever{store: store, backend: backend}
}

// Retrieve returns up to k documents with similarity strictly greater than
// minSimilarity.
//
// # Description
//
// Store order is preserved; results are never re-sorted. Documents at or
// below the cutoff are dropped. A non-positive k yields no documents
// without calling the store.
//
// # Outputs
//
//   - []Document: Possibly empty, never longer than k.
//   - error: nil or *RetrievalError.
//
// # Examples
//
//	docs, err := r.Retrieve(ctx, vec, 3, 0.5)
func (r *Retriever) Retrieve(ctx context.Context, vector []float32, k int, minSimilarity float64) ([]Document, error) {
	ctx, span := tracer.Start(ctx, "Retriever.Retrieve")
	defer span.End()
	span.SetAttributes(
		attribute.String("retrieval.backend", r.backend),
		attribute.Int("retrieval.k", k),
		attribute.Float64("retrieval.min_similarity", minSimilarity),
	)

	if k <= 0 {
		return nil, nil
	}

	hits, err := r.store.Search(ctx, vector, k)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if IsRetrievalError(err) {
			return nil, err
		}
		return nil, &RetrievalError{Backend: r.backend, Err: err}
	}

	docs := make([]Document, 0, min(len(hits), k))
	for _, d := range hits {
		if len(docs) == k {
			break
		}
		if d.Similarity > minSimilarity {
			docs = append(docs, d)
		}
	}

	span.SetAttributes(
		attribute.Int("retrieval.candidates", len(hits)),
		attribute.Int("retrieval.kept", len(docs)),
	)
	slog.Debug("Retrieved documents", "backend", r.backend, "candidates", len(hits), "kept", len(docs))
	return docs, nil
}
