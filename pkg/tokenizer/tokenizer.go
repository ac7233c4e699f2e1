// Package tokenizer wraps tiktoken behind a small counting interface so the
// context manager never depends on the encoder implementation directly.
package tokenizer

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

const encoding = "cl100k_base"

var (
	tk     *tiktoken.Tiktoken
	tkErr  error
	tkOnce sync.Once
)

// Tiktoken counts tokens with the cl100k_base encoding. The encoder is
// loaded once per process.
type Tiktoken struct{}

func New() (*Tiktoken, error) {
	tkOnce.Do(func() {
		tk, tkErr = tiktoken.GetEncoding(encoding)
	})
	if tkErr != nil {
		return nil, fmt.Errorf("failed to load %s encoding: %w", encoding, tkErr)
	}
	return &Tiktoken{}, nil
}

func (t *Tiktoken) Count(text string) int {
	if text == "" {
		return 0
	}
	return len(tk.Encode(text, nil, nil))
}
