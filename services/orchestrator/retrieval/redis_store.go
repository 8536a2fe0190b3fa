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
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// Redis defaults.
const (
	DefaultRedisIndex       = "f1gpt_docs"
	DefaultRedisVectorField = "embedding"
	DefaultRedisTextField   = "text"
)

// RedisConfig configures RedisStore.
type RedisConfig struct {
	Addr        string
	Password    string
	DB          int
	Index       string
	VectorField string
	TextField   string
}

// redisDoer is the slice of *redis.Client the store needs.
type redisDoer interface {
	Do(ctx context.Context, args ...any) *redis.Cmd
}

// RedisStore runs KNN queries against a RediSearch vector index.
//
// # Description
//
// The index must store documents as hashes with a FLOAT32 COSINE vector
// field and a text field. Similarity is 1 - distance/2, the same [0,1]
// scale Weaviate's certainty uses.
type RedisStore struct {
	client      redisDoer
	closer      func() error
	index       string
	vectorField string
	textField   string
}

// NewRedisStore connects a go-redis client. Replies are requested in RESP2
// so FT.SEARCH returns the flat array layout parsed below.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis: addr is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		Protocol: 2,
	})
	slog.Info("Initializing Redis vector store", "addr", cfg.Addr, "index", cfg.Index)
	s := newRedisStore(client, cfg)
	s.closer = client.Close
	return s, nil
}

func newRedisStore(client redisDoer, cfg RedisConfig) *RedisStore {
	s := &RedisStore{
		client:      client,
		index:       cfg.Index,
		vectorField: cfg.VectorField,
		textField:   cfg.TextField,
	}
	if s.index == "" {
		s.index = DefaultRedisIndex
	}
	if s.vectorField == "" {
		s.vectorField = DefaultRedisVectorField
	}
	if s.textField == "" {
		s.textField = DefaultRedisTextField
	}
	return s
}

// Close releases the connection pool.
func (r *RedisStore) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer()
}

// Search implements VectorStore.
func (r *RedisStore) Search(ctx context.Context, vector []float32, k int) ([]Document, error) {
	query := fmt.Sprintf("*=>[KNN %d @%s $vec AS score]", k, r.vectorField)
	returnFields := []any{r.textField}
	if r.textField != fallbackTextField {
		returnFields = append(returnFields, fallbackTextField)
	}
	returnFields = append(returnFields, "score")

	args := []any{
		"FT.SEARCH", r.index, query,
		"PARAMS", 2, "vec", float32Blob(vector),
		"SORTBY", "score",
		"RETURN", len(returnFields),
	}
	args = append(args, returnFields...)
	args = append(args, "LIMIT", 0, k, "DIALECT", 2)

	reply, err := r.client.Do(ctx, args...).Result()
	if err != nil {
		return nil, &RetrievalError{Backend: "redis", Err: fmt.Errorf("FT.SEARCH: %w", err)}
	}
	docs, err := parseSearchReply(reply, r.textField)
	if err != nil {
		return nil, &RetrievalError{Backend: "redis", Err: err}
	}
	return docs, nil
}

// parseSearchReply decodes the RESP2 FT.SEARCH reply:
// [total, key1, [field, value, ...], key2, [...], ...].
func parseSearchReply(reply any, textField string) ([]Document, error) {
	arr, ok := reply.([]any)
	if !ok || len(arr) == 0 {
		return nil, fmt.Errorf("unexpected FT.SEARCH reply %T", reply)
	}

	docs := make([]Document, 0, (len(arr)-1)/2)
	for i := 1; i+1 < len(arr); i += 2 {
		key := fmt.Sprint(arr[i])
		fields, ok := arr[i+1].([]any)
		if !ok {
			return nil, fmt.Errorf("unexpected field list %T for %s", arr[i+1], key)
		}

		values := make(map[string]string, len(fields)/2)
		for j := 0; j+1 < len(fields); j += 2 {
			values[fmt.Sprint(fields[j])] = fmt.Sprint(fields[j+1])
		}

		dist, err := strconv.ParseFloat(values["score"], 64)
		if err != nil {
			return nil, fmt.Errorf("bad score for %s: %w", key, err)
		}
		text := values[textField]
		if text == "" {
			text = values[fallbackTextField]
		}
		docs = append(docs, Document{ID: key, Text: text, Similarity: 1 - dist/2})
	}
	return docs, nil
}

// float32Blob encodes vector as little-endian FLOAT32 bytes.
func float32Blob(vector []float32) []byte {
	buf := make([]byte, 4*len(vector))
	for i, f := range vector {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

var _ VectorStore = (*RedisStore)(nil)
