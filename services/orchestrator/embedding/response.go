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
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Shape is the layout an embedding service answered with.
type Shape int

const (
	// ShapeUnknown is the zero value and never valid after decoding.
	ShapeUnknown Shape = iota
	// ShapeFlat is a single vector: [f, f, ...].
	ShapeFlat
	// ShapeNested is a list of vectors: [[f, ...], ...].
	ShapeNested
	// ShapeData is an object wrapping one vector: {"data": [f, ...]}.
	ShapeData
)

func (s Shape) String() string {
	switch s {
	case ShapeFlat:
		return "flat"
	case ShapeNested:
		return "nested"
	case ShapeData:
		return "data"
	default:
		return "unknown"
	}
}

// ErrUnsupportedShape is returned for any response that is not one of the
// three known shapes.
var ErrUnsupportedShape = errors.New("unsupported embedding response shape")

// Response is a decoded embedding response. Exactly one of Flat, Nested or
// Data is set, according to Shape.
type Response struct {
	Shape  Shape
	Flat   []float32
	Nested [][]float32
	Data   []float32
}

// UnmarshalJSON decodes one of the known shapes or fails.
func (r *Response) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return fmt.Errorf("%w: null", ErrUnsupportedShape)
	}

	switch b[0] {
	case '[':
		var flat []float32
		if err := json.Unmarshal(b, &flat); err == nil {
			*r = Response{Shape: ShapeFlat, Flat: flat}
			return nil
		}
		var nested [][]float32
		if err := json.Unmarshal(b, &nested); err == nil {
			*r = Response{Shape: ShapeNested, Nested: nested}
			return nil
		}
		return fmt.Errorf("%w: array is neither a vector nor a list of vectors", ErrUnsupportedShape)
	case '{':
		var obj struct {
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(b, &obj); err != nil {
			return fmt.Errorf("%w: %v", ErrUnsupportedShape, err)
		}
		if len(obj.Data) == 0 {
			return fmt.Errorf("%w: object without data", ErrUnsupportedShape)
		}
		var data []float32
		if err := json.Unmarshal(obj.Data, &data); err != nil || data == nil {
			return fmt.Errorf("%w: data is not a flat vector", ErrUnsupportedShape)
		}
		*r = Response{Shape: ShapeData, Data: data}
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedShape, truncateForError(b))
	}
}

// Vector normalizes the response to one vector. For ShapeNested the first
// inner vector is taken.
func (r Response) Vector() ([]float32, error) {
	switch r.Shape {
	case ShapeFlat:
		return r.Flat, nil
	case ShapeNested:
		if len(r.Nested) == 0 {
			return nil, fmt.Errorf("%w: empty list of vectors", ErrUnsupportedShape)
		}
		return r.Nested[0], nil
	case ShapeData:
		return r.Data, nil
	default:
		return nil, ErrUnsupportedShape
	}
}

// DecodeVector parses a raw response body into one vector.
func DecodeVector(body []byte) ([]float32, error) {
	var resp Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &EmbeddingError{Op: "decode", Err: err}
	}
	vec, err := resp.Vector()
	if err != nil {
		return nil, &EmbeddingError{Op: "decode", Err: err}
	}
	return vec, nil
}

func truncateForError(b []byte) string {
	const max = 64
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
