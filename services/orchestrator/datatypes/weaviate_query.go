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
	"fmt"
	"strings"

	"github.com/go-openapi/strfmt"
	"github.com/weaviate/weaviate/entities/models"
)

// =============================================================================
// Generic GraphQL Response Parser
// =============================================================================

// ParseGraphQLResponse converts a Weaviate GraphQL response to a typed struct.
//
// # Description
//
// Weaviate returns GraphQL data as map[string]models.JSONObject. This
// function round-trips it through JSON into the target type. GraphQL-level
// errors are surfaced as a Go error, because Weaviate reports a bad class
// or property name with a 200 and an errors array.
//
// # Inputs
//
//   - resp: The GraphQL response from Weaviate.
//
// # Outputs
//
//   - *T: Parsed response of the specified type.
//   - error: Non-nil if resp is nil, carries GraphQL errors, or parsing fails.
//
// # Examples
//
//	result, err := client.GraphQL().Get().WithClassName("F1Document").Do(ctx)
//	parsed, err := ParseGraphQLResponse[DocumentQueryResponse](result)
func ParseGraphQLResponse[T any](resp *models.GraphQLResponse) (*T, error) {
	if resp == nil {
		return nil, fmt.Errorf("nil GraphQL response")
	}
	if len(resp.Errors) > 0 {
		msgs := make([]string, 0, len(resp.Errors))
		for _, e := range resp.Errors {
			if e != nil {
				msgs = append(msgs, e.Message)
			}
		}
		return nil, fmt.Errorf("graphql errors: %s", strings.Join(msgs, "; "))
	}

	respBytes, err := json.Marshal(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal GraphQL response data: %w", err)
	}

	var result T
	if err := json.Unmarshal(respBytes, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal into target type: %w", err)
	}
	return &result, nil
}

// =============================================================================
// Document Query Types
// =============================================================================

// DocumentQueryResponse is the shape of a Get query on any document class.
// The class name is configurable, so hits are keyed by class.
type DocumentQueryResponse struct {
	Get map[string][]DocumentHit `json:"Get"`
}

// Hits returns the hits for one class.
func (r *DocumentQueryResponse) Hits(className string) []DocumentHit {
	if r == nil || r.Get == nil {
		return nil
	}
	return r.Get[className]
}

// DocumentHit is one Get result. Properties holds the requested text fields
// by name because the text property name is configurable.
type DocumentHit struct {
	Properties map[string]any
	Additional DocumentAdditional
}

// DocumentAdditional holds the _additional block of a nearVector hit.
type DocumentAdditional struct {
	ID        strfmt.UUID `json:"id"`
	Distance  *float32    `json:"distance"`
	Certainty *float32    `json:"certainty"`
}

// UnmarshalJSON splits the _additional block from the plain properties.
func (h *DocumentHit) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	h.Properties = make(map[string]any, len(raw))
	for k, v := range raw {
		if k == "_additional" {
			if err := json.Unmarshal(v, &h.Additional); err != nil {
				return fmt.Errorf("parse _additional: %w", err)
			}
			continue
		}
		var val any
		if err := json.Unmarshal(v, &val); err != nil {
			return fmt.Errorf("parse property %q: %w", k, err)
		}
		h.Properties[k] = val
	}
	return nil
}

// Text returns the first non-empty string property among fields.
func (h DocumentHit) Text(fields ...string) string {
	for _, f := range fields {
		if s, ok := h.Properties[f].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// Similarity returns the hit's similarity on a [0,1] scale.
//
// Certainty is preferred. For cosine distance d in [0,2] the equivalent
// certainty is 1 - d/2. The boolean is false if neither was returned.
func (h DocumentHit) Similarity() (float64, bool) {
	if h.Additional.Certainty != nil {
		return float64(*h.Additional.Certainty), true
	}
	if h.Additional.Distance != nil {
		return 1 - float64(*h.Additional.Distance)/2, true
	}
	return 0, false
}
