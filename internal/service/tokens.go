package service

import (
	"github.com/pkoukk/tiktoken-go"
)

// TokenBudget считает токены промта и обрезает контекст под лимит.
type TokenBudget struct {
	enc   *tiktoken.Tiktoken
	limit int
}

// NewTokenBudget picks the encoding of the model; unknown models use cl100k_base.
// When no encoding can be loaded the budget falls back to a rough 4-bytes-per-token estimate.
func NewTokenBudget(model string, limit int) *TokenBudget {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			enc = nil
		}
	}
	return &TokenBudget{enc: enc, limit: limit}
}

// Limit returns the configured token limit.
func (b *TokenBudget) Limit() int {
	return b.limit
}

// Count returns the token count of text.
func (b *TokenBudget) Count(text string) int {
	if b.enc == nil {
		return (len(text) + 3) / 4
	}
	return len(b.enc.Encode(text, nil, nil))
}

// Fit keeps the longest suffix of parts whose total size fits the limit after reserved tokens.
// Parts are ordered oldest first, so the most recent context survives.
func (b *TokenBudget) Fit(reserved int, parts []string) []string {
	left := b.limit - reserved
	start := len(parts)
	for i := len(parts) - 1; i >= 0; i-- {
		n := b.Count(parts[i])
		if n > left {
			break
		}
		left -= n
		start = i
	}
	return parts[start:]
}
