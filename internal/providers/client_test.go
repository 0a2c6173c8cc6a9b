package providers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeStatus(t *testing.T) {
	cases := map[string]string{
		"SUCCEEDED":   StatusDone,
		"succeeded":   StatusDone,
		"IN_PROGRESS": StatusRunning,
		"PENDING":     StatusPending,
		"CANCELED":    StatusFailed,
		"timeout":     StatusFailed,
		"something":   StatusRunning,
	}
	for raw, want := range cases {
		assert.Equal(t, want, NormalizeStatus(raw), raw)
	}
}

func TestSubmit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/meshy/tasks", r.URL.Path)
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		var body submitRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "MESHY_TEXT_TO_3D", body.ActionCode)
		assert.JSONEq(t, `{"prompt":"a chair"}`, string(body.Params))
		w.Write([]byte(`{"result":"018a-task"}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL+"/", "k")
	id, err := c.Submit(context.Background(), "meshy", "MESHY_TEXT_TO_3D", json.RawMessage(`{"prompt":"a chair"}`))
	require.NoError(t, err)
	assert.Equal(t, "018a-task", id)
}

func TestSubmit_UpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("overloaded"))
	}))
	defer srv.Close()

	_, err := NewHTTPClient(srv.URL, "").Submit(context.Background(), "openai", "OPENAI_IMAGE", nil)
	var ue *UpstreamError
	require.True(t, errors.As(err, &ue), "got %v", err)
	assert.Equal(t, http.StatusBadGateway, ue.StatusCode)
	assert.Equal(t, "overloaded", ue.Body)
}

func TestPoll(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/meshy/tasks/running":
			w.Write([]byte(`{"status":"IN_PROGRESS","progress":40}`))
		case "/v1/meshy/tasks/done":
			w.Write([]byte(`{"status":"SUCCEEDED","progress":100,"model_urls":{"glb":"https://cdn/x.glb"}}`))
		case "/v1/meshy/tasks/failed":
			w.Write([]byte(`{"status":"FAILED","task_error":{"message":"nsfw prompt"}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()
	c := NewHTTPClient(srv.URL, "")
	ctx := context.Background()

	u, err := c.Poll(ctx, "meshy", "running")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, u.Status)
	require.NotNil(t, u.Progress)
	assert.Equal(t, 40, *u.Progress)
	assert.False(t, u.Terminal())

	u, err = c.Poll(ctx, "meshy", "done")
	require.NoError(t, err)
	assert.Equal(t, StatusDone, u.Status)
	assert.JSONEq(t, `{"model_urls":{"glb":"https://cdn/x.glb"}}`, string(u.Result))

	u, err = c.Poll(ctx, "meshy", "failed")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, u.Status)
	assert.Equal(t, "nsfw prompt", u.Error)

	_, err = c.Poll(ctx, "meshy", "evicted")
	assert.ErrorIs(t, err, ErrUpstreamNotFound)
}
