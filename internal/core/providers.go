package core

import "context"

// AIProvider is the LLM transport: plain chat plus a JSON-mode completion
// used by the distiller. Provider-specific JSON hints stay inside each
// implementation.
type AIProvider interface {
	Chat(ctx context.Context, history []Message) (Message, error)
	JSONComplete(ctx context.Context, prompt string, maxTokens int) (string, error)
}

// Embedder turns text into a fixed-dimension vector. Deterministic for a
// given model.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dim() int
}

// TokenCounter counts tokens with whatever tokenizer the deployment uses.
// The same counter must be shared by every component that accounts tokens.
type TokenCounter interface {
	Count(text string) int
}
