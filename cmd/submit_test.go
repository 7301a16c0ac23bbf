package cmd

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitCommandPostsItems(t *testing.T) {
	var got []submitRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/items", r.URL.Path)

		var item submitRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&item))
		got = append(got, item)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(submitResponse{ID: "id-1", Source: "news.example.com"})
	}))
	defer srv.Close()

	cmd := newSubmitCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--addr", srv.URL, "https://news.example.com/a", "https://news.example.com/b"})

	require.NoError(t, cmd.Execute())
	require.Len(t, got, 2)
	assert.Equal(t, "https://news.example.com/a", got[0].Reference)
	assert.Equal(t, "https://news.example.com/b", got[1].Reference)
	assert.Contains(t, out.String(), "id=id-1")
}

func TestSubmitCommandReportsRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":"reference is required"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	cmd := newSubmitCmd()
	cmd.SetOut(new(bytes.Buffer))
	cmd.SetErr(new(bytes.Buffer))
	cmd.SetArgs([]string{"--addr", srv.URL, "not-a-url"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 400")
}
