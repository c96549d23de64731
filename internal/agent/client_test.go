package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(Config{APIKey: "secret", Endpoint: srv.URL, Timeout: 2 * time.Second})
	require.NoError(t, err)
	return c
}

func TestNewRequiresCredential(t *testing.T) {
	_, err := New(Config{APIKey: "  "})
	assert.ErrorIs(t, err, ErrMissingCredential)
}

func TestCreateJobSendsAuthAndPayload(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v0/agents", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "add tabs", body["prompt"].(map[string]any)["text"])
		assert.Equal(t, "github.com/acme/site", body["source"].(map[string]any)["repository"])
		assert.Equal(t, true, body["target"].(map[string]any)["autoCreatePr"])
		assert.Equal(t, "gpt", body["model"])

		_, _ = w.Write([]byte(`{"id":"bc-1","status":"CREATING"}`))
	})

	job, err := c.CreateJob(context.Background(), CreateRequest{
		Prompt:  "add tabs",
		Source:  Source{Repository: "github.com/acme/site", Ref: "main"},
		Options: Options{Model: "gpt", AutoCreatePR: true},
	})
	require.NoError(t, err)
	assert.Equal(t, "bc-1", job.ID)
	assert.Equal(t, "CREATING", job.Status)
}

func TestNon2xxBecomesAPIError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"slow down"}`))
	})
	_, err := c.CreateJob(context.Background(), CreateRequest{Prompt: "x"})
	require.Error(t, err)

	var ae *APIError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, http.StatusTooManyRequests, ae.StatusCode)
	assert.Equal(t, "slow down", ae.Message)
	assert.Equal(t, http.StatusTooManyRequests, StatusCode(err))
}

func TestGetJobNotFound(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v0/agents/bc-9", r.URL.Path)
		http.Error(w, "no such agent", http.StatusNotFound)
	})
	_, err := c.GetJob(context.Background(), "bc-9")
	assert.True(t, IsNotFound(err))
}

func TestListJobsPagination(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		if r.URL.Query().Get("cursor") == "" {
			_, _ = w.Write([]byte(`{"agents":[{"id":"a","status":"RUNNING"}],"nextCursor":"c2"}`))
			return
		}
		assert.Equal(t, "c2", r.URL.Query().Get("cursor"))
		_, _ = w.Write([]byte(`{"agents":[{"id":"b","status":"FINISHED"}]}`))
	})

	p1, err := c.ListJobs(context.Background(), 5, "")
	require.NoError(t, err)
	require.Len(t, p1.Jobs, 1)
	assert.Equal(t, "c2", p1.NextCursor)

	p2, err := c.ListJobs(context.Background(), 5, p1.NextCursor)
	require.NoError(t, err)
	assert.Equal(t, "b", p2.Jobs[0].ID)
	assert.Empty(t, p2.NextCursor)
}

func TestDeleteAndFollowup(t *testing.T) {
	var calls []string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, r.Method+" "+r.URL.Path)
		if strings.HasSuffix(r.URL.Path, "/followup") {
			var body followupPayload
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "also fix lint", body.Prompt.Text)
		}
		_, _ = w.Write([]byte(`{"id":"bc-1"}`))
	})
	require.NoError(t, c.AddFollowup(context.Background(), "bc-1", "also fix lint"))
	require.NoError(t, c.DeleteJob(context.Background(), "bc-1"))
	assert.Equal(t, []string{"POST /v0/agents/bc-1/followup", "DELETE /v0/agents/bc-1"}, calls)
}

func TestPerCallTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	t.Cleanup(srv.Close)
	c, err := New(Config{APIKey: "k", Endpoint: srv.URL, Timeout: 50 * time.Millisecond})
	require.NoError(t, err)

	start := time.Now()
	_, err = c.GetJob(context.Background(), "slow")
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}
