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
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEmbedder records the text it was asked to embed.
type fakeEmbedder struct {
	vec     []float32
	err     error
	gotText string
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	f.gotText = text
	return f.vec, f.err
}

func TestQueryEmbedder_AddsPrefix(t *testing.T) {
	backend := &fakeEmbedder{vec: make([]float32, 4)}
	q := NewQueryEmbedder(backend, DefaultQueryPrefix, 4)

	vec, err := q.Embed(context.Background(), "Who won in 2021?")
	require.NoError(t, err)
	assert.Len(t, vec, 4)
	assert.Equal(t, "Represent this question for retrieval: Who won in 2021?", backend.gotText)
}

func TestQueryEmbedder_DimensionMismatch(t *testing.T) {
	for _, n := range []int{0, 3, 5, 1023} {
		backend := &fakeEmbedder{vec: make([]float32, n)}
		q := NewQueryEmbedder(backend, "", 4)

		vec, err := q.Embed(context.Background(), "q")
		require.Error(t, err)
		assert.Nil(t, vec)
		assert.True(t, IsEmbeddingError(err))
		assert.ErrorIs(t, err, ErrDimensionMismatch)
	}
}

func TestQueryEmbedder_WrapsBackendError(t *testing.T) {
	cause := errors.New("connection refused")
	q := NewQueryEmbedder(&fakeEmbedder{err: cause}, "", 4)

	_, err := q.Embed(context.Background(), "q")
	require.Error(t, err)

	var ee *EmbeddingError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, "request", ee.Op)
	assert.ErrorIs(t, err, cause)
}

func TestQueryEmbedder_KeepsEmbeddingError(t *testing.T) {
	orig := &EmbeddingError{Op: "decode", Err: ErrUnsupportedShape}
	q := NewQueryEmbedder(&fakeEmbedder{err: orig}, "", 4)

	_, err := q.Embed(context.Background(), "q")
	assert.Same(t, orig, err)
}

func TestQueryEmbedder_ZeroDimensionUsesDefault(t *testing.T) {
	q := NewQueryEmbedder(&fakeEmbedder{vec: []float32{1, 2, 3}}, "", 0)
	_, err := q.Embed(context.Background(), "q")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDimensionMismatch)

	full := make([]float32, DefaultDimension)
	q = NewQueryEmbedder(&fakeEmbedder{vec: full}, "", 0)
	vec, err := q.Embed(context.Background(), "q")
	require.NoError(t, err)
	assert.Len(t, vec, DefaultDimension)
}
