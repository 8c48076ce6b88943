// SPDX-FileCopyrightText: Copyright 2025 MEW Protocol Authors
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAPIGetDecodesSpaceSummaries(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/spaces", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"name":"dev","participants":3,"streams":1,"proposals":2}]`))
	}))
	t.Cleanup(srv.Close)

	var spaces []spaceSummary
	require.NoError(t, apiGet(context.Background(), srv.URL, "/api/v1/spaces", &spaces))
	require.Len(t, spaces, 1)
	assert.Equal(t, "dev", spaces[0].Name)
	assert.Equal(t, 3, spaces[0].Participants)
	assert.Equal(t, 1, spaces[0].Streams)
	assert.Equal(t, 2, spaces[0].Proposals)
}

func TestAPIGetSurfacesHTTPErrors(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "Space not found", http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	var out []participantSummary
	err := apiGet(context.Background(), srv.URL, "/api/v1/spaces/ghost/participants", &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
	assert.Contains(t, err.Error(), "Space not found")
}

func TestAPIGetRejectsBadServerURL(t *testing.T) {
	t.Parallel()
	var out []spaceSummary
	err := apiGet(context.Background(), "://nope", "/api/v1/spaces", &out)
	require.Error(t, err)
}

func TestNewRootCmdRegistersSubcommands(t *testing.T) { //nolint:paralleltest // mutates the package-level root command
	root := NewRootCmd()

	names := make([]string, 0, 4)
	for _, sub := range root.Commands() {
		names = append(names, sub.Name())
	}
	assert.Subset(t, names, []string{"serve", "validate", "status", "version"})
}
