// Package agent owns the per-turn control flow: retrieve, inject, chat,
// log, and flush the context through the distiller when the token budget
// demands it.
package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/sandevgo/longmem/internal/core"
	"github.com/sandevgo/longmem/internal/service/contextmgr"
	"github.com/sandevgo/longmem/internal/storage/sqlite"
	"github.com/sandevgo/longmem/pkg/log"
)

// MemoryStore is the slice of the store the orchestrator drives.
type MemoryStore interface {
	GetActive(ctx context.Context) ([]core.Memory, error)
	ActiveCount(ctx context.Context) (int, error)
	LogTurn(ctx context.Context, role, content string, memoriesRetrieved []string) (int64, error)
	LastTurnID(ctx context.Context) (int64, error)
	Window(ctx context.Context, from, to int64) ([]core.TurnRecord, error)
	ApplyDelta(ctx context.Context, delta core.Delta, turnID int64) (sqlite.ApplyReport, error)
	ProfileSnapshot(ctx context.Context) (map[string]string, error)
	SnapshotMarkdown(ctx context.Context, turnID int64, snapshotDir string) (string, error)
}

// Retriever hides the hybrid search pipeline.
type Retriever interface {
	Retrieve(ctx context.Context, query string, topK int, currentTurn int64) ([]core.RetrievalResult, error)
}

// Distiller turns a window plus the active set into a delta.
type Distiller interface {
	Distill(ctx context.Context, window []core.TurnRecord, existing []core.Memory) (core.Delta, error)
}

type Options struct {
	TopK        int
	KeepTail    int
	SnapshotDir string
}

type Agent struct {
	store     MemoryStore
	retriever Retriever
	distiller Distiller
	ai        core.AIProvider
	ctxmgr    *contextmgr.Manager
	opts      Options

	currentTurn  int64
	segmentStart int64
	totalFlushes int
}

// New restores orchestrator state from the turn log and seeds the system
// prompt from the profile (no query yet).
func New(
	ctx context.Context,
	store MemoryStore,
	retriever Retriever,
	distiller Distiller,
	ai core.AIProvider,
	ctxmgr *contextmgr.Manager,
	opts Options,
) (*Agent, error) {
	if opts.TopK <= 0 {
		opts.TopK = 5
	}
	if opts.KeepTail <= 0 {
		opts.KeepTail = 4
	}

	a := &Agent{
		store:     store,
		retriever: retriever,
		distiller: distiller,
		ai:        ai,
		ctxmgr:    ctxmgr,
		opts:      opts,
	}

	last, err := store.LastTurnID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to recover turn position: %w", err)
	}
	a.currentTurn = last
	a.segmentStart = last + 1

	if err := a.rebuildSystemPrompt(ctx, nil); err != nil {
		return nil, err
	}

	// A fresh context must already satisfy the tail constraint, otherwise
	// every flush would fail later.
	if err := ctxmgr.Reset(opts.KeepTail); err != nil {
		return nil, err
	}

	return a, nil
}

// CurrentTurn returns the id of the most recent user record of this session;
// before the first turn after startup it is the last logged turn id.
func (a *Agent) CurrentTurn() int64 {
	return a.currentTurn
}

// Chat runs one conversation turn and returns the result envelope. A
// failure before the turn log is written leaves no turn record; the
// last_used_turn touches made during retrieval remain.
func (a *Agent) Chat(ctx context.Context, userMessage string) (TurnResult, error) {
	logger := log.FromCtx(ctx)
	totalStart := time.Now()

	// The id the user record will receive. Derived from the log rather
	// than an in-memory counter so a failed turn never skews numbering.
	last, err := a.store.LastTurnID(ctx)
	if err != nil {
		return TurnResult{}, fmt.Errorf("failed to read turn position: %w", err)
	}
	turnID := last + 1
	flushTriggered := false

	// 1. Retrieve (touches last_used_turn as a side effect).
	retrievalStart := time.Now()
	results, err := a.retriever.Retrieve(ctx, userMessage, a.opts.TopK, turnID)
	if err != nil {
		return TurnResult{}, fmt.Errorf("retrieval failed: %w", err)
	}
	retrievalMs := float64(time.Since(retrievalStart).Microseconds()) / 1000.0

	retrieved := make([]core.Memory, 0, len(results))
	retrievedIDs := make([]string, 0, len(results))
	for _, r := range results {
		retrieved = append(retrieved, r.Memory)
		retrievedIDs = append(retrievedIDs, r.Memory.ID)
	}

	// 2. Rebuild the system prompt with profile + per-query memories.
	if err := a.rebuildSystemPrompt(ctx, retrieved); err != nil {
		return TurnResult{}, err
	}

	// 3. Append the user message and run inference. A cancelled or failed
	// chat leaves no half-turn in the log.
	a.ctxmgr.Append(core.RoleUser, userMessage)
	reply, err := a.ai.Chat(ctx, a.ctxmgr.MessagesForAPI())
	if err != nil {
		return TurnResult{}, fmt.Errorf("chat failed: %w", err)
	}
	a.ctxmgr.Append(core.RoleAssistant, reply.Content)

	// 4. Log both records; the user record carries the retrieved ids.
	userTurnID, err := a.store.LogTurn(ctx, core.RoleUser, userMessage, retrievedIDs)
	if err != nil {
		return TurnResult{}, fmt.Errorf("failed to log user turn: %w", err)
	}
	if _, err := a.store.LogTurn(ctx, core.RoleAssistant, reply.Content, nil); err != nil {
		return TurnResult{}, fmt.Errorf("failed to log assistant turn: %w", err)
	}
	a.currentTurn = userTurnID

	// 5. Flush when the token budget crosses the threshold.
	if a.ctxmgr.NeedsFlush() {
		if err := a.flush(ctx); err != nil {
			logger.Error().Err(err).Msg("flush failed")
			return TurnResult{}, err
		}
		flushTriggered = true
	}

	total, err := a.store.ActiveCount(ctx)
	if err != nil {
		return TurnResult{}, err
	}

	infos := make([]MemoryInfo, 0, len(retrieved))
	for _, m := range retrieved {
		infos = append(infos, MemoryInfo{
			MemoryID:     m.ID,
			Content:      m.Key + ": " + m.Value,
			OriginTurn:   m.SourceTurn,
			LastUsedTurn: m.LastUsedTurn,
			Type:         string(m.Type),
			Confidence:   m.Confidence,
		})
	}

	return TurnResult{
		Response:           reply.Content,
		TurnID:             a.currentTurn,
		ContextUtilization: fmt.Sprintf("%.0f%%", a.ctxmgr.Utilization()*100),
		ContextTokens:      a.ctxmgr.TotalTokens(),
		RetrievalMs:        retrievalMs,
		TotalMs:            float64(time.Since(totalStart).Microseconds()) / 1000.0,
		FlushTriggered:     flushTriggered,
		TotalFlushes:       a.totalFlushes,
		TotalMemories:      total,
		ActiveMemories:     infos,
	}, nil
}

// Flush distills the current segment on demand, outside the threshold path.
func (a *Agent) Flush(ctx context.Context) (FlushResult, error) {
	before, err := a.store.ActiveCount(ctx)
	if err != nil {
		return FlushResult{}, err
	}

	if err := a.flush(ctx); err != nil {
		return FlushResult{}, err
	}

	after, err := a.store.ActiveCount(ctx)
	if err != nil {
		return FlushResult{}, err
	}

	res := FlushResult{
		Distilled:     true,
		MemoriesAdded: after - before,
		TotalMemories: after,
	}
	if a.opts.SnapshotDir != "" {
		path, err := a.store.SnapshotMarkdown(ctx, a.currentTurn, a.opts.SnapshotDir)
		if err != nil {
			log.FromCtx(ctx).Warn().Err(err).Msg("snapshot failed")
		} else {
			res.SnapshotPath = path
		}
	}
	return res, nil
}

// flush runs the distiller over the segment window, applies the delta in
// one transaction, and truncates the context to its tail. Flushing an empty
// window is a no-op.
func (a *Agent) flush(ctx context.Context) error {
	logger := log.FromCtx(ctx)

	if a.segmentStart > a.currentTurn {
		logger.Debug().Msg("flush requested on empty window, skipping")
		return nil
	}

	// The assistant record of the current exchange is part of the segment.
	window, err := a.store.Window(ctx, a.segmentStart, a.currentTurn+1)
	if err != nil {
		return fmt.Errorf("failed to gather window: %w", err)
	}

	existing, err := a.store.GetActive(ctx)
	if err != nil {
		return err
	}

	delta, err := a.distiller.Distill(ctx, window, existing)
	if err != nil {
		return fmt.Errorf("distillation failed: %w", err)
	}

	report, err := a.store.ApplyDelta(ctx, delta, a.currentTurn)
	if err != nil {
		return fmt.Errorf("failed to apply delta: %w", err)
	}
	for _, key := range report.CoalescedKeys {
		logger.Warn().Str("key", key).
			Msg("distiller emitted add for an active key, coalesced into update")
	}
	logger.Info().
		Int("added", report.Added).
		Int("updated", report.Updated).
		Int("expired", report.Expired).
		Int("kept", report.Kept).
		Msg("delta applied")

	// Context truncates even when the delta came back empty; otherwise a
	// flaky distiller would let the window grow without bound.
	if err := a.rebuildSystemPrompt(ctx, nil); err != nil {
		return err
	}
	if err := a.ctxmgr.Reset(a.opts.KeepTail); err != nil {
		return err
	}

	// The next segment starts after the assistant record of the flushed
	// exchange, which the window above already covered.
	a.segmentStart = a.currentTurn + 2
	a.totalFlushes++
	return nil
}

// TotalFlushes reports how many times the segment has been distilled since
// startup.
func (a *Agent) TotalFlushes() int {
	return a.totalFlushes
}

// ActiveMemories lists the full active set, for the /memories command.
func (a *Agent) ActiveMemories(ctx context.Context) ([]core.Memory, error) {
	return a.store.GetActive(ctx)
}

// Snapshot writes a markdown snapshot of the active set.
func (a *Agent) Snapshot(ctx context.Context) (string, error) {
	return a.store.SnapshotMarkdown(ctx, a.currentTurn, a.opts.SnapshotDir)
}

func (a *Agent) rebuildSystemPrompt(ctx context.Context, queryMemories []core.Memory) error {
	profile, err := a.store.ProfileSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("failed to load profile: %w", err)
	}
	a.ctxmgr.SetSystemPrompt(buildSystemPrompt(profile, queryMemories))
	return nil
}
