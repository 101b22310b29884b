package promptlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextItemAndSubmit(t *testing.T) {
	var gotAuth string
	var gotBody Submission
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		switch r.URL.Path {
		case "/v1/next-item":
			assert.Equal(t, "grok", r.URL.Query().Get("model"))
			io.WriteString(w, `{"available":true,"item_id":"7","title":"T","prompt":"P","lease_token":"tok"}`)
		case "/v1/submissions":
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
			io.WriteString(w, `{"accepted":false,"reason":"duplicate","similarity":0.9,"diff":{"added":["x"],"removed":[],"unchanged":[]}}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := New(srv.URL + "/")
	c.BearerToken = "jwt"

	a, err := c.NextItem(context.Background(), "grok")
	require.NoError(t, err)
	assert.True(t, a.Available)
	assert.Equal(t, "7", a.ItemID)
	assert.Equal(t, "Bearer jwt", gotAuth)

	res, err := c.Submit(context.Background(), Submission{ItemID: a.ItemID, Model: "grok", Response: "text", LeaseToken: a.LeaseToken})
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	assert.Equal(t, "duplicate", res.Reason)
	require.NotNil(t, res.Diff)
	assert.Equal(t, []string{"x"}, res.Diff.Added)
	assert.Equal(t, "tok", gotBody.LeaseToken)
}

func TestErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "key", r.Header.Get("X-Api-Key"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		io.WriteString(w, `{"error":{"code":"ledger_busy","message":"ledger partition busy"}}`)
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.APIKey = "key"
	_, err := c.Stats(context.Background())
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.StatusCode)
	assert.Equal(t, "ledger_busy", apiErr.Code)
}

func TestExportStreams(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/export/grok", r.URL.Path)
		w.Header().Set("Content-Type", "application/x-ndjson")
		io.WriteString(w, "{\"uuid\":\"a\"}\n{\"uuid\":\"b\"}\n")
	}))
	defer srv.Close()

	var buf bytes.Buffer
	n, err := New(srv.URL).Export(context.Background(), "grok", &buf)
	require.NoError(t, err)
	assert.Equal(t, int64(buf.Len()), n)
	assert.Equal(t, 2, bytes.Count(buf.Bytes(), []byte("\n")))
}
