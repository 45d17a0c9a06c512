package main

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMetaFlags(t *testing.T) {
	meta, err := parseMetaFlags([]string{"owner=alice", "team=payments"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"owner": "alice", "team": "payments"}, meta)

	meta, err = parseMetaFlags(nil)
	require.NoError(t, err)
	assert.Nil(t, meta)

	_, err = parseMetaFlags([]string{"no-equals"})
	assert.Error(t, err)

	_, err = parseMetaFlags([]string{"=value"})
	assert.Error(t, err)

	meta, err = parseMetaFlags([]string{"remove="})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"remove": ""}, meta, "empty value passes through for removal")
}

func TestFilterQuery(t *testing.T) {
	q, err := filterQuery("", "", "", 0, nil)
	require.NoError(t, err)
	assert.Empty(t, q)

	q, err = filterQuery("intent", "", "", 5, []string{"owner=alice"})
	require.NoError(t, err)
	assert.Contains(t, q, "kind=intent")
	assert.Contains(t, q, "limit=5")
	assert.Contains(t, q, "meta=owner%3Aalice")

	_, err = filterQuery("", "", "", 0, []string{"bad"})
	assert.Error(t, err)
}

func TestDoRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"id":"abc"}`))
		case "/fail":
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"message":"kind is required"}`))
		case "/empty":
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	defer srv.Close()

	orig := serverURL
	serverURL = srv.URL
	defer func() { serverURL = orig }()

	var out map[string]any
	require.NoError(t, doRequest(http.MethodPost, "/ok", map[string]any{"k": "v"}, &out))
	assert.Equal(t, "abc", out["id"])

	err := doRequest(http.MethodPost, "/fail", map[string]any{}, &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
	assert.Contains(t, err.Error(), "kind is required")

	require.NoError(t, doRequest(http.MethodDelete, "/empty", nil, nil))
}

func TestCommandWiring(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "mcp", "add", "get", "update", "rm", "list", "search", "reindex", "check", "health", "db", "kinds", "version"} {
		assert.True(t, names[want], "missing subcommand %s", want)
	}
}
