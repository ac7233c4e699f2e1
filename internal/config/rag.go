package config

import (
	"context"

	"github.com/caarlos0/env/v11"
	"github.com/sandevgo/longmem/pkg/log"
)

type RAGConfig struct {
	EmbeddingBaseURL string `env:"EMBEDDING_BASE_URL" envDefault:"http://localhost:11434"`
	EmbeddingModel   string `env:"EMBEDDING_MODEL" envDefault:"all-minilm"`
}

func NewRAGConfig(ctx context.Context) *RAGConfig {
	c := &RAGConfig{}
	if err := env.Parse(c); err != nil {
		log.FromCtx(ctx).Fatal().Err(err).Msg("failed to parse rag config")
	}
	return c
}
