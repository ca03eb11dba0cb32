package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturedRequest struct {
	Model          string  `json:"model"`
	Temperature    float32 `json:"temperature"`
	ResponseFormat struct {
		Type string `json:"type"`
	} `json:"response_format"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

func newTestServer(t *testing.T, captured *capturedRequest, body string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(captured))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
}

func TestChatUsesJSONModeAndChatModel(t *testing.T) {
	var got capturedRequest
	srv := newTestServer(t, &got, `{"choices":[{"index":0,"message":{"role":"assistant","content":"{\"done\":false}"}}]}`)
	defer srv.Close()

	c := NewOpenAIClient(Config{
		APIKey:             "test",
		BaseURL:            srv.URL + "/v1",
		ChatModel:          "chat-model",
		SummaryModel:       "summary-model",
		ChatTemperature:    0.7,
		SummaryTemperature: 0.3,
	})
	out, err := c.Chat(context.Background(), []Message{
		{Role: "system", Content: "sys"},
		{Role: "caller", Content: "hi"},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"done":false}`, out)
	assert.Equal(t, "chat-model", got.Model)
	assert.InDelta(t, 0.7, got.Temperature, 0.001)
	assert.Equal(t, "json_object", got.ResponseFormat.Type)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "user", got.Messages[1].Role)
}

func TestSummarizeUsesSummaryModel(t *testing.T) {
	var got capturedRequest
	srv := newTestServer(t, &got, `{"choices":[{"index":0,"message":{"role":"assistant","content":"{}"}}]}`)
	defer srv.Close()

	c := NewOpenAIClient(Config{BaseURL: srv.URL + "/v1", SummaryModel: "summary-model", SummaryTemperature: 0.3})
	_, err := c.Summarize(context.Background(), []Message{{Role: "user", Content: "transcript"}})
	require.NoError(t, err)
	assert.Equal(t, "summary-model", got.Model)
}

func TestEmptyChoices(t *testing.T) {
	var got capturedRequest
	srv := newTestServer(t, &got, `{"choices":[]}`)
	defer srv.Close()

	c := NewOpenAIClient(Config{BaseURL: srv.URL + "/v1"})
	_, err := c.Chat(context.Background(), nil)
	assert.ErrorIs(t, err, ErrEmptyResponse)
	assert.Equal(t, "gpt-4o-mini", got.Model)
}
