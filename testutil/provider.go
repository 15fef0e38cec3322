package testutil

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/BaSui01/colloquy/llm"
)

// ScriptedProvider is an llm.Provider for tests. Responses are served in
// order and the last one repeats; the first FailFirst calls return a
// retryable error. ChunkSize splits responses into stream deltas and
// ChunkDelay paces them so cancellation tests have a window to interrupt.
type ScriptedProvider struct {
	Responses  []string
	FailFirst  int
	ChunkSize  int
	ChunkDelay time.Duration

	mu    sync.Mutex
	calls int
}

// Calls returns how many requests the provider has served or rejected.
func (p *ScriptedProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *ScriptedProvider) Name() string { return "scripted" }

func (p *ScriptedProvider) next() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := p.calls
	p.calls++
	if n < p.FailFirst {
		return "", &llm.Error{
			Code:       llm.ErrUpstreamError,
			Message:    fmt.Sprintf("scripted failure %d", n),
			HTTPStatus: http.StatusBadGateway,
			Retryable:  true,
			Provider:   p.Name(),
		}
	}
	if len(p.Responses) == 0 {
		return fmt.Sprintf("response %d", n), nil
	}
	idx := n - p.FailFirst
	if idx >= len(p.Responses) {
		idx = len(p.Responses) - 1
	}
	return p.Responses[idx], nil
}

func (p *ScriptedProvider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	text, err := p.next()
	if err != nil {
		return nil, err
	}
	return &llm.ChatResponse{
		Provider: p.Name(),
		Model:    req.Model,
		Choices: []llm.ChatChoice{
			{Message: llm.ChatMessage{Role: llm.RoleAssistant, Content: text}},
		},
		Usage: llm.ChatUsage{CompletionTokens: len(text) / 4},
	}, nil
}

func (p *ScriptedProvider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	text, err := p.next()
	if err != nil {
		return nil, err
	}
	size := p.ChunkSize
	if size <= 0 {
		size = len(text)
	}

	ch := make(chan llm.StreamChunk)
	go func() {
		defer close(ch)
		for i := 0; i < len(text); i += size {
			end := i + size
			if end > len(text) {
				end = len(text)
			}
			if p.ChunkDelay > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(p.ChunkDelay):
				}
			}
			select {
			case ch <- llm.StreamChunk{Delta: text[i:end]}:
			case <-ctx.Done():
				return
			}
		}
		select {
		case ch <- llm.StreamChunk{FinishReason: "stop", Usage: &llm.ChatUsage{CompletionTokens: len(text) / 4}}:
		case <-ctx.Done():
		}
	}()
	return ch, nil
}
