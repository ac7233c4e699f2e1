// Package rag provides the embedding capability over Ollama's embedding
// API. The model must be deterministic and produce a fixed dimension.
package rag

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sandevgo/longmem/internal/config"
	"github.com/sandevgo/longmem/internal/core"
)

type Embedder struct {
	baseURL string
	model   string
	dim     int
	client  *http.Client
}

type embedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

func NewEmbedder(cfg *config.RAGConfig, dim int) (*Embedder, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("embedding dimension must be positive, got %d", dim)
	}
	return &Embedder{
		baseURL: cfg.EmbeddingBaseURL,
		model:   cfg.EmbeddingModel,
		dim:     dim,
		client: &http.Client{
			Timeout: 60 * time.Second,
		},
	}, nil
}

func (e *Embedder) Dim() int {
	return e.dim
}

func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(embedRequest{Model: e.model, Input: text})
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrEmbeddingUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("embedding backend returned %d: %s", resp.StatusCode, string(data))
	}

	var parsed embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode embed response: %w", err)
	}
	if len(parsed.Embeddings) == 0 {
		return nil, fmt.Errorf("no embeddings returned for input")
	}

	emb := parsed.Embeddings[0]
	if len(emb) != e.dim {
		return nil, fmt.Errorf("embedding dimension mismatch: model returned %d, store expects %d", len(emb), e.dim)
	}
	return emb, nil
}

// Shutdown releases nothing today but keeps the service-lifecycle shape.
func (e *Embedder) Shutdown() error {
	return nil
}
