package generation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, status int, reply string, gotModel *string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if gotModel != nil {
			*gotModel = req.Model
		}
		if status != http.StatusOK {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":"nope"}`))
			return
		}
		resp := chatResponse{}
		resp.Choices = append(resp.Choices, struct {
			Message ChatMessage `json:"message"`
		}{Message: ChatMessage{Role: "assistant", Content: reply}})
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func TestGenerate(t *testing.T) {
	var gotModel string
	srv := newTestServer(t, http.StatusOK, "Hi there!\n\nHow can I help?", &gotModel)
	defer srv.Close()

	client := NewClient(srv.URL, "key", "model-light", "model-heavy", 5*time.Second)

	text, err := client.Generate(context.Background(), Context{
		History: []ChatMessage{{Role: "user", Content: "hello"}},
		Memory:  "returning customer",
	}, ProfileLight)
	require.NoError(t, err)
	assert.Equal(t, "Hi there!\n\nHow can I help?", text)
	assert.Equal(t, "model-light", gotModel)
}

func TestGenerateHeavyProfileSelectsHeavyModel(t *testing.T) {
	var gotModel string
	srv := newTestServer(t, http.StatusOK, "ok", &gotModel)
	defer srv.Close()

	client := NewClient(srv.URL, "key", "model-light", "model-heavy", 5*time.Second)
	_, err := client.Generate(context.Background(), Context{}, ProfileHeavy)
	require.NoError(t, err)
	assert.Equal(t, "model-heavy", gotModel)
}

func TestGenerateErrorClassification(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		wantTransient bool
	}{
		{name: "rate limited", status: http.StatusTooManyRequests, wantTransient: true},
		{name: "server error", status: http.StatusInternalServerError, wantTransient: true},
		{name: "bad gateway", status: http.StatusBadGateway, wantTransient: true},
		{name: "bad request", status: http.StatusBadRequest, wantTransient: false},
		{name: "unauthorized", status: http.StatusUnauthorized, wantTransient: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, tt.status, "", nil)
			defer srv.Close()

			client := NewClient(srv.URL, "key", "l", "h", 5*time.Second)
			_, err := client.Generate(context.Background(), Context{}, ProfileLight)
			require.Error(t, err)
			assert.Equal(t, tt.wantTransient, IsTransient(err))
		})
	}
}

func TestGenerateConnectionErrorIsTransient(t *testing.T) {
	client := NewClient("http://127.0.0.1:1", "key", "l", "h", time.Second)
	_, err := client.Generate(context.Background(), Context{}, ProfileLight)
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestGenerateEmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "key", "l", "h", time.Second)
	text, err := client.Generate(context.Background(), Context{}, ProfileLight)
	require.NoError(t, err)
	assert.Empty(t, text, "no choices is an empty (no-op) reply")
}
