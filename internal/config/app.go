package config

import (
	"context"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
	"github.com/sandevgo/longmem/pkg/log"
)

type AppConfig struct {
	RuntimePath string `env:"LONGMEM_RUNTIME_PATH" envDefault:".longmem"`
	DBPath      string `env:"LONGMEM_DB_PATH"`

	// Context Management
	ContextLimit   int     `env:"LONGMEM_CONTEXT_LIMIT" envDefault:"8192"`
	FlushThreshold float64 `env:"LONGMEM_FLUSH_THRESHOLD" envDefault:"0.70"`
	KeepTail       int     `env:"LONGMEM_KEEP_TAIL" envDefault:"4"`

	// Retrieval
	TopK         int `env:"LONGMEM_TOP_K" envDefault:"5"`
	EmbeddingDim int `env:"LONGMEM_EMBEDDING_DIM" envDefault:"384"`
	RRFK         int `env:"LONGMEM_RRF_K" envDefault:"60"`

	// Distillation
	DistillMaxTokens int `env:"LONGMEM_DISTILL_MAX_TOKENS" envDefault:"2000"`
}

func NewAppConfig(ctx context.Context) *AppConfig {
	c := &AppConfig{}
	if err := env.Parse(c); err != nil {
		log.FromCtx(ctx).Fatal().Err(err).Msg("failed to parse app config")
	}
	return c
}

func (c *AppConfig) GetDatabasePath() string {
	if c.DBPath != "" {
		return c.DBPath
	}
	return filepath.Join(c.RuntimePath, "memory.db")
}

func (c *AppConfig) GetSnapshotDir() string {
	return filepath.Join(c.RuntimePath, "snapshots")
}

func (c *AppConfig) GetEnvPath() string {
	return filepath.Join(c.RuntimePath, ".env")
}

// GetRuntimePath resolves the runtime directory before any config struct is
// parsed (the .env file lives inside it).
func GetRuntimePath() string {
	path := os.Getenv("LONGMEM_RUNTIME_PATH")
	if path == "" {
		path = ".longmem"
	}
	return path
}
