package main

import (
	"context"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/sandevgo/longmem/internal/config"
	"github.com/sandevgo/longmem/internal/providers/llm"
	"github.com/sandevgo/longmem/internal/providers/rag"
	"github.com/sandevgo/longmem/internal/service/agent"
	"github.com/sandevgo/longmem/internal/service/contextmgr"
	"github.com/sandevgo/longmem/internal/service/distiller"
	"github.com/sandevgo/longmem/internal/service/retriever"
	"github.com/sandevgo/longmem/internal/storage/sqlite"
	"github.com/sandevgo/longmem/internal/transport/cli"
	"github.com/sandevgo/longmem/pkg/log"
	"github.com/sandevgo/longmem/pkg/srv"
	"github.com/sandevgo/longmem/pkg/tokenizer"
)

// newAgent builds the full engine: storage, embedder, LLM provider, context
// manager, retriever, distiller, orchestrator. The returned services hold
// the resources that must be released on shutdown.
func newAgent(ctx context.Context) (*agent.Agent, []srv.Service, error) {
	logger := log.FromCtx(ctx)
	services := make([]srv.Service, 0)

	if err := initEnv(ctx, config.GetRuntimePath()); err != nil {
		logger.Fatal().Err(err).Msg("failed to init env")
	}

	appCfg := config.NewAppConfig(ctx)
	llmCfg := config.NewLLMConfig(ctx)
	ragCfg := config.NewRAGConfig(ctx)

	embedder, err := rag.NewEmbedder(ragCfg, appCfg.EmbeddingDim)
	if err != nil {
		return nil, nil, err
	}
	services = append(services, srv.NewCleanup(embedder.Shutdown))

	db, err := sqlite.NewDB(ctx, appCfg.GetDatabasePath())
	if err != nil {
		return nil, nil, err
	}
	services = append(services, srv.NewCleanup(db.Close))

	store, err := sqlite.NewStore(ctx, db, embedder)
	if err != nil {
		return nil, nil, err
	}

	aiProvider, err := llm.NewProvider(ctx, llmCfg)
	if err != nil {
		return nil, nil, err
	}

	counter, err := tokenizer.New()
	if err != nil {
		return nil, nil, err
	}
	ctxmgr, err := contextmgr.New(appCfg.ContextLimit, appCfg.FlushThreshold, counter)
	if err != nil {
		return nil, nil, err
	}

	retr := retriever.New(store, embedder, appCfg.RRFK)
	dist := distiller.New(aiProvider, appCfg.DistillMaxTokens)

	ag, err := agent.New(ctx, store, retr, dist, aiProvider, ctxmgr, agent.Options{
		TopK:        appCfg.TopK,
		KeepTail:    appCfg.KeepTail,
		SnapshotDir: appCfg.GetSnapshotDir(),
	})
	if err != nil {
		return nil, nil, err
	}

	return ag, services, nil
}

func newServices(ctx context.Context) []srv.Service {
	logger := log.FromCtx(ctx)

	ag, services, err := newAgent(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize agent")
	}

	services = append(services, cli.NewREPL(ag))
	return services
}

func initEnv(ctx context.Context, runtimePath string) error {
	logger := log.FromCtx(ctx)
	envFile := filepath.Join(runtimePath, ".env")

	if _, err := os.Stat(envFile); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	if err := godotenv.Load(envFile); err != nil {
		return err
	}
	logger.Debug().Str("path", envFile).Msg("loaded .env")
	return nil
}
