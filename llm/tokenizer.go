package llm

import (
	"github.com/pkoukk/tiktoken-go"
)

// Tokenizer counts completion tokens when a provider reports no usage.
type Tokenizer struct {
	enc *tiktoken.Tiktoken
}

// NewTokenizer creates a tokenizer for the given model, falling back to
// the cl100k_base encoding for unknown models.
func NewTokenizer(model string) *Tokenizer {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			enc = nil
		}
	}
	return &Tokenizer{enc: enc}
}

// CountTokens counts tokens in text. Without an encoding it estimates at
// four characters per token, never returning zero for non-empty text.
func (t *Tokenizer) CountTokens(text string) int {
	if text == "" {
		return 0
	}
	if t.enc != nil {
		return len(t.enc.Encode(text, nil, nil))
	}
	n := len(text) / 4
	if n < 1 {
		n = 1
	}
	return n
}
