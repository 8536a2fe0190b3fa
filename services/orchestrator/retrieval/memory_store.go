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
	"math"
	"os"
	"sort"
)

// MemoryRecord is one pre-embedded document in a fixture file.
type MemoryRecord struct {
	ID     string    `json:"id"`
	Text   string    `json:"text"`
	Vector []float32 `json:"vector"`
}

// MemoryStore is a brute-force cosine index held in memory. It is
// read-only after construction and safe for concurrent use.
type MemoryStore struct {
	records []MemoryRecord
}

// NewMemoryStore builds a store from records.
func NewMemoryStore(records []MemoryRecord) *MemoryStore {
	return &MemoryStore{records: records}
}

// LoadMemoryStore reads a JSON array of MemoryRecord from path.
func LoadMemoryStore(path string) (*MemoryStore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read memory store fixture: %w", err)
	}
	var records []MemoryRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parse memory store fixture: %w", err)
	}
	return NewMemoryStore(records), nil
}

// Len returns the number of stored records.
func (m *MemoryStore) Len() int { return len(m.records) }

// Search implements VectorStore. Similarity is (1+cos)/2.
func (m *MemoryStore) Search(ctx context.Context, vector []float32, k int) ([]Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, &RetrievalError{Backend: "memory", Err: err}
	}

	docs := make([]Document, 0, len(m.records))
	for _, rec := range m.records {
		if len(rec.Vector) != len(vector) {
			continue
		}
		docs = append(docs, Document{
			ID:         rec.ID,
			Text:       rec.Text,
			Similarity: (1 + cosine(vector, rec.Vector)) / 2,
		})
	}
	sort.SliceStable(docs, func(i, j int) bool { return docs[i].Similarity > docs[j].Similarity })
	if len(docs) > k {
		docs = docs[:k]
	}
	return docs, nil
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

var _ VectorStore = (*MemoryStore)(nil)
