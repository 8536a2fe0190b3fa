// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package embedding

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResponse_SupportedShapes(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		shape Shape
		want  []float32
	}{
		{"flat", `[0.1, 0.2, 0.3]`, ShapeFlat, []float32{0.1, 0.2, 0.3}},
		{"nested single", `[[0.4, 0.5]]`, ShapeNested, []float32{0.4, 0.5}},
		{"nested takes first", `[[1, 2], [3, 4]]`, ShapeNested, []float32{1, 2}},
		{"data object", `{"data": [0.7, 0.8]}`, ShapeData, []float32{0.7, 0.8}},
		{"surrounding whitespace", " \n[1]\n", ShapeFlat, []float32{1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var r Response
			require.NoError(t, json.Unmarshal([]byte(tt.body), &r))
			assert.Equal(t, tt.shape, r.Shape)

			vec, err := r.Vector()
			require.NoError(t, err)
			assert.Equal(t, tt.want, vec)
		})
	}
}

func TestResponse_RejectedShapes(t *testing.T) {
	bodies := map[string]string{
		"null":             `null`,
		"number":           `42`,
		"string":           `"vector"`,
		"object no data":   `{"embedding": [1, 2]}`,
		"data nested":      `{"data": [[1, 2]]}`,
		"data null":        `{"data": null}`,
		"array of strings": `["a", "b"]`,
		"triple nested":    `[[[1]]]`,
	}

	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeVector([]byte(body))
			require.Error(t, err)
			assert.True(t, IsEmbeddingError(err))
			assert.True(t, errors.Is(err, ErrUnsupportedShape), "got %v", err)
		})
	}
}

func TestResponse_EmptyNestedList(t *testing.T) {
	var r Response
	require.NoError(t, json.Unmarshal([]byte(`[]`), &r))
	// An empty array decodes as an empty flat vector. The dimension check
	// rejects it later.
	vec, err := r.Vector()
	require.NoError(t, err)
	assert.Empty(t, vec)

	_, err = Response{Shape: ShapeNested}.Vector()
	assert.ErrorIs(t, err, ErrUnsupportedShape)
}

func TestShape_String(t *testing.T) {
	assert.Equal(t, "flat", ShapeFlat.String())
	assert.Equal(t, "nested", ShapeNested.String())
	assert.Equal(t, "data", ShapeData.String())
	assert.Equal(t, "unknown", ShapeUnknown.String())
}
