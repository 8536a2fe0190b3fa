// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/f1gpt/pkg/ux"
)

func whoamiServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer hf_test" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(status)
		fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestCheckToken_Valid(t *testing.T) {
	srv := whoamiServer(t, http.StatusOK,
		`{"name":"ana","orgs":[{"name":"scuderia"},{"name":"pitwall"}],"can_use_inference_api":true,"auth":{"accessToken":{"role":"read"}}}`)

	var out bytes.Buffer
	err := checkToken(context.Background(), srv.Client(), srv.URL, "hf_test", ux.NewPlainPrinter(&out))

	require.NoError(t, err)
	for _, want := range []string{"Token is valid!", "ana", "scuderia, pitwall", "read", "allowed"} {
		assert.Contains(t, out.String(), want)
	}
}

func TestCheckToken_NoOrgsNoInferenceField(t *testing.T) {
	srv := whoamiServer(t, http.StatusOK, `{"name":"ana","orgs":[]}`)

	var out bytes.Buffer
	require.NoError(t, checkToken(context.Background(), srv.Client(), srv.URL, "hf_test", ux.NewPlainPrinter(&out)))

	assert.Contains(t, out.String(), "none")
	assert.Contains(t, out.String(), "unknown")
}

func TestCheckToken_Invalid(t *testing.T) {
	srv := whoamiServer(t, http.StatusOK, `{}`)

	var out bytes.Buffer
	err := checkToken(context.Background(), srv.Client(), srv.URL, "hf_wrong", ux.NewPlainPrinter(&out))

	assert.True(t, errors.Is(err, errInvalidToken))
	assert.Contains(t, out.String(), "Invalid token (401 Unauthorized).")
}

func TestCheckToken_UnexpectedStatus(t *testing.T) {
	srv := whoamiServer(t, http.StatusServiceUnavailable, "maintenance")

	var out bytes.Buffer
	err := checkToken(context.Background(), srv.Client(), srv.URL, "hf_test", ux.NewPlainPrinter(&out))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	assert.Contains(t, out.String(), "Unexpected response: 503")
	assert.Contains(t, out.String(), "maintenance")
}

func TestCheckToken_Missing(t *testing.T) {
	err := checkToken(context.Background(), http.DefaultClient, "http://unused", "", ux.NewPlainPrinter(&bytes.Buffer{}))
	assert.True(t, errors.Is(err, errNoToken))
}

func TestInferenceLabel(t *testing.T) {
	yes, no := true, false
	assert.Equal(t, "unknown", inferenceLabel(nil))
	assert.Equal(t, "allowed", inferenceLabel(&yes))
	assert.Equal(t, "not allowed", inferenceLabel(&no))
}
