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
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newFakeWeaviate serves /v1/meta and answers /v1/graphql with body.
func newFakeWeaviate(t *testing.T, body string, gotQuery *string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/meta":
			fmt.Fprint(w, `{"version":"1.35.2"}`)
		case "/v1/graphql":
			var req struct {
				Query string `json:"query"`
			}
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			if gotQuery != nil {
				*gotQuery = req.Query
			}
			fmt.Fprint(w, body)
		default:
			fmt.Fprint(w, `{}`)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func TestWeaviateStore_Search(t *testing.T) {
	var query string
	server := newFakeWeaviate(t, `{"data":{"Get":{"F1Document":[
		{"text":"Alonso debuted in 2001.","_additional":{"id":"6c1c8a52-8a3b-4d2e-9a3e-1b2c3d4e5f60","certainty":0.82,"distance":0.36}},
		{"text":"","content":"Minardi was his first team.","_additional":{"id":"6c1c8a52-8a3b-4d2e-9a3e-1b2c3d4e5f61","distance":0.9}}
	]}}}`, &query)

	store, err := NewWeaviateStore(WeaviateConfig{URL: server.URL})
	require.NoError(t, err)

	docs, err := store.Search(context.Background(), []float32{0.1, 0.2}, 3)
	require.NoError(t, err)
	require.Len(t, docs, 2)

	assert.Equal(t, "Alonso debuted in 2001.", docs[0].Text)
	assert.InDelta(t, 0.82, docs[0].Similarity, 1e-6)
	assert.Equal(t, "6c1c8a52-8a3b-4d2e-9a3e-1b2c3d4e5f60", docs[0].ID)
	assert.Equal(t, "Minardi was his first team.", docs[1].Text)
	assert.InDelta(t, 0.55, docs[1].Similarity, 1e-6)

	assert.Contains(t, query, "F1Document")
	assert.Contains(t, query, "nearVector")
	assert.Contains(t, query, "limit: 3")
}

func TestWeaviateStore_GraphQLError(t *testing.T) {
	server := newFakeWeaviate(t, `{"errors":[{"message":"class F1Document not found"}]}`, nil)

	store, err := NewWeaviateStore(WeaviateConfig{URL: server.URL})
	require.NoError(t, err)

	_, err = store.Search(context.Background(), []float32{0.1}, 3)
	require.Error(t, err)
	assert.True(t, IsRetrievalError(err))
}

func TestNewWeaviateStore_RequiresURL(t *testing.T) {
	_, err := NewWeaviateStore(WeaviateConfig{})
	assert.Error(t, err)
}
