package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sseServer(t *testing.T, events ...string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		var req openAIRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Stream)

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, ev := range events {
			fmt.Fprintf(w, "data: %s\n\n", ev)
			flusher.Flush()
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestProvider(baseURL string) *OpenAIProvider {
	return NewOpenAIProvider(OpenAIConfig{
		APIKey:  "test-key",
		BaseURL: baseURL,
		Model:   "gpt-4o-mini",
		Timeout: 5 * time.Second,
	}, nil)
}

func TestStream(t *testing.T) {
	srv := sseServer(t,
		`{"choices":[{"delta":{"content":"Hel"}}]}`,
		`{"choices":[{"delta":{"content":"lo"}}]}`,
		`{"choices":[{"finish_reason":"stop"}],"usage":{"prompt_tokens":5,"completion_tokens":2,"total_tokens":7}}`,
	)
	p := newTestProvider(srv.URL)

	ch, err := p.Stream(context.Background(), &ChatRequest{
		Messages: []ChatMessage{{Role: RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)

	var sb strings.Builder
	var usage *ChatUsage
	for chunk := range ch {
		require.Nil(t, chunk.Err)
		sb.WriteString(chunk.Delta)
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
	}
	assert.Equal(t, "Hello", sb.String())
	require.NotNil(t, usage)
	assert.Equal(t, 7, usage.TotalTokens)
}

func TestStreamSkipsMalformedEvents(t *testing.T) {
	srv := sseServer(t,
		`{not json at all`,
		`{"choices":[{"delta":{"content":"ok"}}]}`,
	)
	p := newTestProvider(srv.URL)

	ch, err := p.Stream(context.Background(), &ChatRequest{})
	require.NoError(t, err)

	var sb strings.Builder
	for chunk := range ch {
		require.Nil(t, chunk.Err)
		sb.WriteString(chunk.Delta)
	}
	assert.Equal(t, "ok", sb.String())
}

func TestStreamCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for i := 0; i < 100; i++ {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":\"x\"}}]}\n\n")
			flusher.Flush()
			time.Sleep(10 * time.Millisecond)
		}
	}))
	t.Cleanup(srv.Close)
	p := newTestProvider(srv.URL)

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := p.Stream(ctx, &ChatRequest{})
	require.NoError(t, err)

	<-ch
	cancel()

	closed := false
	for i := 0; i < 100; i++ {
		if _, ok := <-ch; !ok {
			closed = true
			break
		}
	}
	assert.True(t, closed, "stream closes promptly after cancellation")
}

func TestCompletion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req openAIRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.False(t, req.Stream)
		assert.Equal(t, "gpt-4o-mini", req.Model)

		json.NewEncoder(w).Encode(openAIResponse{
			ID:    "cmpl-1",
			Model: req.Model,
			Choices: []openAIChoice{
				{Message: openAIMessage{Role: "assistant", Content: "42"}, FinishReason: "stop"},
			},
			Usage: &openAIUsage{PromptTokens: 3, CompletionTokens: 1, TotalTokens: 4},
		})
	}))
	t.Cleanup(srv.Close)
	p := newTestProvider(srv.URL)

	resp, err := p.Completion(context.Background(), &ChatRequest{
		Messages: []ChatMessage{{Role: RoleUser, Content: "answer?"}},
	})
	require.NoError(t, err)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "42", resp.Choices[0].Message.Content)
	assert.Equal(t, 4, resp.Usage.TotalTokens)
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		status    int
		body      string
		code      ErrorCode
		retryable bool
	}{
		{http.StatusUnauthorized, `{"error":{"message":"bad key"}}`, ErrUnauthorized, false},
		{http.StatusTooManyRequests, `{"error":{"message":"slow down"}}`, ErrRateLimited, true},
		{http.StatusBadRequest, `{"error":{"message":"quota exhausted"}}`, ErrQuotaExceeded, false},
		{http.StatusBadRequest, `{"error":{"message":"bad payload"}}`, ErrInvalidRequest, false},
		{http.StatusServiceUnavailable, `{"error":{"message":"down"}}`, ErrUpstreamError, true},
		{529, `{"error":{"message":"overloaded"}}`, ErrModelOverloaded, true},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("status_%d_%s", tc.status, tc.code), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				fmt.Fprint(w, tc.body)
			}))
			t.Cleanup(srv.Close)
			p := newTestProvider(srv.URL)

			_, err := p.Completion(context.Background(), &ChatRequest{})
			require.Error(t, err)
			var apiErr *Error
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tc.code, apiErr.Code)
			assert.Equal(t, tc.retryable, apiErr.Retryable)
		})
	}
}

func TestTokenizer(t *testing.T) {
	tk := NewTokenizer("gpt-4o-mini")
	assert.Zero(t, tk.CountTokens(""))
	assert.Greater(t, tk.CountTokens("hello world, this is a token count"), 0)
	assert.Equal(t, 1, (&Tokenizer{}).CountTokens("ab"), "estimate never returns zero for non-empty text")
}
