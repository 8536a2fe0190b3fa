// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weaviate/weaviate/entities/models"
)

func TestParseGraphQLResponse_DocumentHits(t *testing.T) {
	var data map[string]models.JSONObject
	require.NoError(t, json.Unmarshal([]byte(`{
		"Get": {
			"F1Document": [
				{"text": "Verstappen won the 2024 title.",
				 "_additional": {"id": "9b2b1f64-9d1c-4a5e-9a61-0c2f6f0b1a01", "certainty": 0.82, "distance": 0.36}},
				{"content": "Fallback field.",
				 "_additional": {"id": "9b2b1f64-9d1c-4a5e-9a61-0c2f6f0b1a02", "distance": 0.5}}
			]
		}
	}`), &data))

	parsed, err := ParseGraphQLResponse[DocumentQueryResponse](&models.GraphQLResponse{Data: data})
	require.NoError(t, err)

	hits := parsed.Hits("F1Document")
	require.Len(t, hits, 2)

	assert.Equal(t, "Verstappen won the 2024 title.", hits[0].Text("text", "content"))
	sim, ok := hits[0].Similarity()
	require.True(t, ok)
	assert.InDelta(t, 0.82, sim, 1e-6)
	assert.Equal(t, "9b2b1f64-9d1c-4a5e-9a61-0c2f6f0b1a01", hits[0].Additional.ID.String())

	assert.Equal(t, "Fallback field.", hits[1].Text("text", "content"))
	sim, ok = hits[1].Similarity()
	require.True(t, ok)
	assert.InDelta(t, 0.75, sim, 1e-6)

	assert.Nil(t, parsed.Hits("Missing"))
}

func TestParseGraphQLResponse_Nil(t *testing.T) {
	_, err := ParseGraphQLResponse[DocumentQueryResponse](nil)
	assert.Error(t, err)
}

func TestParseGraphQLResponse_GraphQLErrors(t *testing.T) {
	resp := &models.GraphQLResponse{
		Errors: []*models.GraphQLError{{Message: "Cannot query field \"Nope\" on type \"GetObjectsObj\"."}},
	}
	_, err := ParseGraphQLResponse[DocumentQueryResponse](resp)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Nope")
}

func TestDocumentHit_SimilarityMissing(t *testing.T) {
	var hit DocumentHit
	require.NoError(t, json.Unmarshal([]byte(`{"text":"x"}`), &hit))
	_, ok := hit.Similarity()
	assert.False(t, ok)
	assert.Equal(t, "", hit.Text("missing"))
}
