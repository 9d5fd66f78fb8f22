package mailclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/foreman-fleet/foreman/internal/ferrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCallSendsBearerTokenAndDecodesResult(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		resp := map[string]any{"jsonrpc": "2.0", "id": req["id"], "result": map[string]string{"status": "ok"}}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := New(srv.URL, "secret-token")
	var out struct {
		Status string `json:"status"`
	}
	err := c.Call(context.Background(), "ping", nil, &out)
	require.NoError(t, err)
	assert.Equal(t, "Bearer secret-token", gotAuth)
	assert.Equal(t, "ok", out.Status)
}

func TestCallSurfacesRPCError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		_ = json.NewDecoder(r.Body).Decode(&req)
		resp := map[string]any{"jsonrpc": "2.0", "id": req["id"], "error": map[string]any{"code": -1, "message": "nope"}}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	err := c.Call(context.Background(), "whatever", nil, nil)
	require.Error(t, err)
	kind, ok := ferrors.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, ferrors.TransientExternal, kind)
}

func TestCallDoesNotRetryOn4xx(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("bad request"))
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	err := c.Call(context.Background(), "whatever", nil, nil)
	require.Error(t, err)
	assert.Equal(t, 1, hits, "4xx is a permanent backoff error, must not retry")
}

func TestResourceCallsReadResourceTool(t *testing.T) {
	var gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		_ = json.NewDecoder(r.Body).Decode(&req)
		gotMethod, _ = req["method"].(string)
		resp := map[string]any{"jsonrpc": "2.0", "id": req["id"], "result": map[string]any{}}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	require.NoError(t, c.Resource(context.Background(), "resource://x", &map[string]any{}))
	assert.Equal(t, "read_resource", gotMethod)
}
