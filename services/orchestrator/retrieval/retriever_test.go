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
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	docs  []Document
	err   error
	gotK  int
	calls int
}

func (f *fakeStore) Search(_ context.Context, _ []float32, k int) ([]Document, error) {
	f.calls++
	f.gotK = k
	return f.docs, f.err
}

func TestRetriever_FiltersStrictlyAboveCutoff(t *testing.T) {
	store := &fakeStore{docs: []Document{
		{ID: "a", Text: "A", Similarity: 0.9},
		{ID: "b", Text: "B", Similarity: 0.5},
		{ID: "c", Text: "C", Similarity: 0.51},
		{ID: "d", Text: "D", Similarity: 0.2},
	}}
	r := NewRetriever(store, "fake")

	docs, err := r.Retrieve(context.Background(), []float32{1}, 5, 0.5)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "a", docs[0].ID)
	assert.Equal(t, "c", docs[1].ID)
	assert.Equal(t, 5, store.gotK)
}

func TestRetriever_PreservesStoreOrder(t *testing.T) {
	store := &fakeStore{docs: []Document{
		{ID: "x", Similarity: 0.7},
		{ID: "y", Similarity: 0.95},
	}}
	docs, err := NewRetriever(store, "fake").Retrieve(context.Background(), nil, 3, 0.5)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "x", docs[0].ID)
	assert.Equal(t, "y", docs[1].ID)
}

func TestRetriever_CapsAtK(t *testing.T) {
	store := &fakeStore{docs: []Document{
		{ID: "1", Similarity: 0.9},
		{ID: "2", Similarity: 0.8},
		{ID: "3", Similarity: 0.7},
		{ID: "4", Similarity: 0.6},
	}}
	docs, err := NewRetriever(store, "fake").Retrieve(context.Background(), nil, 3, 0.5)
	require.NoError(t, err)
	assert.Len(t, docs, 3)
}

func TestRetriever_EmptyIsNotAnError(t *testing.T) {
	docs, err := NewRetriever(&fakeStore{}, "fake").Retrieve(context.Background(), nil, 3, 0.5)
	assert.NoError(t, err)
	assert.Empty(t, docs)
}

func TestRetriever_NonPositiveK(t *testing.T) {
	store := &fakeStore{docs: []Document{{Similarity: 0.9}}}
	docs, err := NewRetriever(store, "fake").Retrieve(context.Background(), nil, 0, 0.5)
	assert.NoError(t, err)
	assert.Empty(t, docs)
	assert.Zero(t, store.calls)
}

func TestRetriever_WrapsStoreError(t *testing.T) {
	cause := errors.New("connection reset")
	_, err := NewRetriever(&fakeStore{err: cause}, "fake").Retrieve(context.Background(), nil, 3, 0.5)
	require.Error(t, err)
	assert.True(t, IsRetrievalError(err))
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "fake")
}
