// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/AleutianAI/f1gpt/services/orchestrator/datatypes"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/auth"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
)

// Weaviate defaults.
const (
	DefaultWeaviateClass     = "F1Document"
	DefaultWeaviateTextField = "text"
	fallbackTextField        = "content"
)

// WeaviateConfig configures WeaviateStore.
type WeaviateConfig struct {
	// URL is the service root, e.g. "http://weaviate:8080".
	URL       string
	APIKey    string
	ClassName string
	TextField string
}

// WeaviateStore searches a Weaviate class with nearVector.
type WeaviateStore struct {
	client    *weaviate.Client
	className string
	textField string
}

// NewWeaviateStore builds a WeaviateStore. The client does not connect
// until the first query.
func NewWeaviateStore(cfg WeaviateConfig) (*WeaviateStore, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("weaviate: url is required")
	}
	clientConf := weaviate.Config{Host: cfg.URL, Scheme: "http"}
	if rest, ok := strings.CutPrefix(cfg.URL, "https://"); ok {
		clientConf.Scheme = "https"
		clientConf.Host = rest
	} else if rest, ok := strings.CutPrefix(cfg.URL, "http://"); ok {
		clientConf.Host = rest
	}
	clientConf.Host = strings.TrimSuffix(clientConf.Host, "/")
	if cfg.APIKey != "" {
		clientConf.AuthConfig = auth.ApiKey{Value: cfg.APIKey}
	}

	client, err := weaviate.NewClient(clientConf)
	if err != nil {
		return nil, fmt.Errorf("create weaviate client: %w", err)
	}

	className := cfg.ClassName
	if className == "" {
		className = DefaultWeaviateClass
	}
	textField := cfg.TextField
	if textField == "" {
		textField = DefaultWeaviateTextField
	}
	slog.Info("Initializing Weaviate store", "host", clientConf.Host, "class", className)
	return &WeaviateStore{client: client, className: className, textField: textField}, nil
}

// Search implements VectorStore.
func (w *WeaviateStore) Search(ctx context.Context, vector []float32, k int) ([]Document, error) {
	fields := []graphql.Field{{Name: w.textField}}
	if w.textField != fallbackTextField {
		fields = append(fields, graphql.Field{Name: fallbackTextField})
	}
	fields = append(fields, graphql.Field{
		Name: "_additional",
		Fields: []graphql.Field{
			{Name: "id"},
			{Name: "certainty"},
			{Name: "distance"},
		},
	})

	nearVector := w.client.GraphQL().NearVectorArgBuilder().WithVector(vector)

	result, err := w.client.GraphQL().Get().
		WithClassName(w.className).
		WithFields(fields...).
		WithNearVector(nearVector).
		WithLimit(k).
		Do(ctx)
	if err != nil {
		return nil, &RetrievalError{Backend: "weaviate", Err: fmt.Errorf("nearVector query: %w", err)}
	}

	parsed, err := datatypes.ParseGraphQLResponse[datatypes.DocumentQueryResponse](result)
	if err != nil {
		return nil, &RetrievalError{Backend: "weaviate", Err: err}
	}

	hits := parsed.Hits(w.className)
	docs := make([]Document, 0, len(hits))
	for _, h := range hits {
		sim, ok := h.Similarity()
		if !ok {
			slog.Warn("Weaviate hit without certainty or distance", "id", h.Additional.ID)
			continue
		}
		docs = append(docs, Document{
			ID:         h.Additional.ID.String(),
			Text:       h.Text(w.textField, fallbackTextField),
			Similarity: sim,
		})
	}
	return docs, nil
}

var _ VectorStore = (*WeaviateStore)(nil)
