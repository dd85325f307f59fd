package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/printgate/printgate/internal/dispatch"
	"github.com/printgate/printgate/internal/rest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrintSendsKeyAndDecodesResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/print", r.URL.Path)
		assert.Equal(t, "k1", r.Header.Get(rest.APIKeyHeader))

		var req rest.PrintRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "hello", req.Text)

		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(dispatch.Result{JobID: "j1", Status: dispatch.StatusQueued})
	}))
	defer srv.Close()

	res, err := New(srv.URL+"/", "k1").Print(context.Background(), rest.PrintRequest{Text: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "j1", res.JobID)
	assert.Equal(t, dispatch.StatusQueued, res.Status)
}

func TestFailedPrintReturnsResultAndError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGatewayTimeout)
		json.NewEncoder(w).Encode(dispatch.Result{JobID: "j2", Status: dispatch.StatusFailed, Error: "timed out"})
	}))
	defer srv.Close()

	res, err := New(srv.URL, "").Print(context.Background(), rest.PrintRequest{Text: "x", NoRetry: true})
	require.Error(t, err)
	require.NotNil(t, res)
	assert.Equal(t, dispatch.StatusFailed, res.Status)
	assert.Equal(t, http.StatusGatewayTimeout, StatusCode(err))
}

func TestErrorMessageFromBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]string{"error": "invalid api key"})
	}))
	defer srv.Close()

	_, err := New(srv.URL, "bad").Queue(context.Background())
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, StatusCode(err))
	assert.Contains(t, err.Error(), "invalid api key")
}
