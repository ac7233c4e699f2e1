package agent

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sandevgo/longmem/internal/core"
	"github.com/sandevgo/longmem/internal/service/contextmgr"
	"github.com/sandevgo/longmem/internal/storage/sqlite"
	"github.com/stretchr/testify/require"
)

// wordCounter keeps token math predictable: one token per word.
type wordCounter struct{}

func (wordCounter) Count(text string) int {
	return len(strings.Fields(text))
}

type fakeStore struct {
	turns    []core.TurnRecord
	memories map[string]core.Memory
	profile  map[string]string

	deltas      []core.Delta
	snapshotDir string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		memories: make(map[string]core.Memory),
		profile:  make(map[string]string),
	}
}

func (f *fakeStore) GetActive(ctx context.Context) ([]core.Memory, error) {
	var active []core.Memory
	for _, m := range f.memories {
		if m.IsActive {
			active = append(active, m)
		}
	}
	return active, nil
}

func (f *fakeStore) ActiveCount(ctx context.Context) (int, error) {
	active, _ := f.GetActive(ctx)
	return len(active), nil
}

func (f *fakeStore) LogTurn(ctx context.Context, role, content string, memoriesRetrieved []string) (int64, error) {
	id := int64(len(f.turns)) + 1
	f.turns = append(f.turns, core.TurnRecord{
		TurnID: id, Role: role, Content: content, MemoriesRetrieved: memoriesRetrieved,
	})
	return id, nil
}

func (f *fakeStore) LastTurnID(ctx context.Context) (int64, error) {
	return int64(len(f.turns)), nil
}

func (f *fakeStore) Window(ctx context.Context, from, to int64) ([]core.TurnRecord, error) {
	var window []core.TurnRecord
	for _, t := range f.turns {
		if t.TurnID >= from && t.TurnID <= to {
			window = append(window, t)
		}
	}
	return window, nil
}

func (f *fakeStore) ApplyDelta(ctx context.Context, delta core.Delta, turnID int64) (sqlite.ApplyReport, error) {
	f.deltas = append(f.deltas, delta)
	var report sqlite.ApplyReport
	for _, dm := range delta.Actions {
		if dm.Action != core.ActionAdd {
			continue
		}
		id := fmt.Sprintf("mem_fake%03d", len(f.memories)+1)
		f.memories[id] = core.Memory{
			ID: id, Type: dm.Type, Key: dm.Key, Value: dm.Value,
			SourceTurn: dm.SourceTurn, Confidence: dm.Confidence, IsActive: true,
		}
		report.Added++
	}
	return report, nil
}

func (f *fakeStore) ProfileSnapshot(ctx context.Context) (map[string]string, error) {
	snapshot := make(map[string]string, len(f.profile))
	for k, v := range f.profile {
		snapshot[k] = v
	}
	return snapshot, nil
}

func (f *fakeStore) SnapshotMarkdown(ctx context.Context, turnID int64, snapshotDir string) (string, error) {
	f.snapshotDir = snapshotDir
	return filepath.Join(snapshotDir, "snapshot.md"), nil
}

type fakeRetriever struct {
	results   []core.RetrievalResult
	lastQuery string
	lastTurn  int64
	lastTopK  int
	err       error
}

func (f *fakeRetriever) Retrieve(ctx context.Context, query string, topK int, currentTurn int64) ([]core.RetrievalResult, error) {
	f.lastQuery = query
	f.lastTopK = topK
	f.lastTurn = currentTurn
	return f.results, f.err
}

type fakeDistiller struct {
	delta   core.Delta
	err     error
	calls   int
	windows [][]core.TurnRecord
}

func (f *fakeDistiller) Distill(ctx context.Context, window []core.TurnRecord, existing []core.Memory) (core.Delta, error) {
	f.calls++
	f.windows = append(f.windows, window)
	return f.delta, f.err
}

type fakeAI struct {
	reply   string
	err     error
	history []core.Message
}

func (f *fakeAI) Chat(ctx context.Context, history []core.Message) (core.Message, error) {
	f.history = history
	if f.err != nil {
		return core.Message{}, f.err
	}
	return core.Message{Role: core.RoleAssistant, Content: f.reply}, nil
}

func (f *fakeAI) JSONComplete(ctx context.Context, prompt string, maxTokens int) (string, error) {
	return `{"actions": []}`, nil
}

type fixture struct {
	store     *fakeStore
	retriever *fakeRetriever
	distiller *fakeDistiller
	ai        *fakeAI
	agent     *Agent
}

func newFixture(t *testing.T, limit int, threshold float64, opts Options) *fixture {
	t.Helper()

	f := &fixture{
		store:     newFakeStore(),
		retriever: &fakeRetriever{},
		distiller: &fakeDistiller{},
		ai:        &fakeAI{reply: "Understood."},
	}

	ctxmgr, err := contextmgr.New(limit, threshold, wordCounter{})
	require.NoError(t, err)

	f.agent, err = New(context.Background(), f.store, f.retriever, f.distiller, f.ai, ctxmgr, opts)
	require.NoError(t, err)
	return f
}

func TestChat_TurnEnvelope(t *testing.T) {
	f := newFixture(t, 8192, 0.7, Options{})
	f.retriever.results = []core.RetrievalResult{{
		Memory: core.Memory{
			ID: "mem_aaaa1111", Type: core.TypeFact, Key: "user_name", Value: "Alex",
			SourceTurn: 1, LastUsedTurn: 1, Confidence: 0.95, IsActive: true,
		},
		Score: 1.0 / 60.0,
	}}
	f.ai.reply = "Hello Alex!"

	result, err := f.agent.Chat(context.Background(), "Do you remember me?")
	require.NoError(t, err)

	require.Equal(t, "Hello Alex!", result.Response)
	require.EqualValues(t, 1, result.TurnID)
	require.False(t, result.FlushTriggered)
	require.Zero(t, result.TotalFlushes)
	require.Regexp(t, `^\d+%$`, result.ContextUtilization)
	require.Positive(t, result.ContextTokens)

	require.Len(t, result.ActiveMemories, 1)
	info := result.ActiveMemories[0]
	require.Equal(t, "mem_aaaa1111", info.MemoryID)
	require.Equal(t, "user_name: Alex", info.Content)
	require.Equal(t, "fact", info.Type)
	require.EqualValues(t, 1, info.OriginTurn)
}

func TestChat_LogsBothRecordsWithRetrievedIDs(t *testing.T) {
	f := newFixture(t, 8192, 0.7, Options{})
	f.retriever.results = []core.RetrievalResult{{
		Memory: core.Memory{ID: "mem_aaaa1111", Type: core.TypeFact, Key: "k", Value: "v", IsActive: true},
	}}

	_, err := f.agent.Chat(context.Background(), "hello")
	require.NoError(t, err)

	require.Len(t, f.store.turns, 2)
	require.Equal(t, core.RoleUser, f.store.turns[0].Role)
	require.Equal(t, []string{"mem_aaaa1111"}, f.store.turns[0].MemoriesRetrieved)
	require.Equal(t, core.RoleAssistant, f.store.turns[1].Role)
	require.Empty(t, f.store.turns[1].MemoriesRetrieved)

	// Retrieval ran against the id the user record would receive.
	require.EqualValues(t, 1, f.retriever.lastTurn)
	require.Equal(t, 5, f.retriever.lastTopK, "default topK")
}

func TestChat_SystemPromptCarriesProfileAndMemories(t *testing.T) {
	f := newFixture(t, 8192, 0.7, Options{})
	f.store.profile["language"] = "Kannada"
	f.retriever.results = []core.RetrievalResult{
		{Memory: core.Memory{ID: "mem_1", Type: core.TypePreference, Key: "favorite_color", Value: "red", IsActive: true}},
		{Memory: core.Memory{ID: "mem_2", Type: core.TypePreference, Key: "language", Value: "Kannada", IsActive: true}},
	}

	_, err := f.agent.Chat(context.Background(), "what do you know about me?")
	require.NoError(t, err)

	require.NotEmpty(t, f.ai.history)
	system := f.ai.history[0]
	require.Equal(t, core.RoleSystem, system.Role)
	require.Contains(t, system.Content, "language: Kannada")
	require.Contains(t, system.Content, "- [preference] favorite_color: red")
	require.NotContains(t, system.Content, "[preference] language",
		"memories already projected into the profile are not repeated")
}

func TestChat_FailedChatLeavesNoHalfTurn(t *testing.T) {
	f := newFixture(t, 8192, 0.7, Options{})
	f.ai.err = errors.New("transport down")

	_, err := f.agent.Chat(context.Background(), "hello")
	require.Error(t, err)
	require.Empty(t, f.store.turns, "a failed chat must not write a half-turn")
	require.EqualValues(t, 0, f.agent.CurrentTurn())
}

func TestChat_ThresholdFlush(t *testing.T) {
	// Tight budget: the system prompt plus a few exchanges crosses the
	// threshold, and the kept tail fits comfortably under it.
	f := newFixture(t, 300, 0.7, Options{KeepTail: 2})
	f.ai.reply = "noted, tell me more about that plan"

	var flushedAt int
	for i := 1; i <= 20; i++ {
		result, err := f.agent.Chat(context.Background(),
			"here is another long message about my week with plenty of words")
		require.NoError(t, err)
		if result.FlushTriggered {
			flushedAt = i
			require.Equal(t, 1, result.TotalFlushes)
			break
		}
	}
	require.Positive(t, flushedAt, "token growth never triggered a flush")

	require.Equal(t, 1, f.distiller.calls)
	window := f.distiller.windows[0]
	require.EqualValues(t, 1, window[0].TurnID, "window starts at the segment start")
	require.Len(t, window, flushedAt*2, "window spans every record of the segment")

	// The reset dropped utilization back under the threshold.
	result, err := f.agent.Chat(context.Background(), "short one")
	require.NoError(t, err)
	require.False(t, result.FlushTriggered)

	// The next segment begins after the flushed exchange.
	require.EqualValues(t, flushedAt*2+1, f.distiller.windows[0][len(window)-1].TurnID+1)
}

func TestFlush_EmptyWindowIsNoop(t *testing.T) {
	f := newFixture(t, 8192, 0.7, Options{})

	res, err := f.agent.Flush(context.Background())
	require.NoError(t, err)
	require.Zero(t, res.MemoriesAdded)
	require.Zero(t, f.distiller.calls, "an empty window must not reach the distiller")
	require.Zero(t, f.agent.TotalFlushes())
}

func TestFlush_ManualDistillsSegment(t *testing.T) {
	f := newFixture(t, 8192, 0.7, Options{})
	f.distiller.delta = core.Delta{Actions: []core.DistilledMemory{{
		Action: core.ActionAdd, Type: core.TypeFact, Category: "identity",
		Key: "user_name", Value: "Alex", Confidence: 0.95, SourceTurn: 1,
	}}}

	_, err := f.agent.Chat(context.Background(), "My name is Alex.")
	require.NoError(t, err)

	res, err := f.agent.Flush(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.MemoriesAdded)
	require.Equal(t, 1, res.TotalMemories)

	require.Len(t, f.store.deltas, 1)
	require.Len(t, f.distiller.windows[0], 2, "user and assistant records of the exchange")
	require.Equal(t, 1, f.agent.TotalFlushes())

	// The planted fact is now retrievable state.
	memories, err := f.agent.ActiveMemories(context.Background())
	require.NoError(t, err)
	require.Len(t, memories, 1)
	require.Equal(t, "Alex", memories[0].Value)
}

func TestFlush_DistillerFailurePropagates(t *testing.T) {
	f := newFixture(t, 8192, 0.7, Options{})
	f.distiller.err = errors.New("llm transport failure")

	_, err := f.agent.Chat(context.Background(), "hello")
	require.NoError(t, err)

	_, err = f.agent.Flush(context.Background())
	require.Error(t, err)
	require.Empty(t, f.store.deltas, "no delta may be applied after a failed distillation")
}

func TestFlush_WritesSnapshotWhenConfigured(t *testing.T) {
	dir := t.TempDir()
	f := newFixture(t, 8192, 0.7, Options{SnapshotDir: dir})

	_, err := f.agent.Chat(context.Background(), "hello")
	require.NoError(t, err)

	res, err := f.agent.Flush(context.Background())
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "snapshot.md"), res.SnapshotPath)
}

func TestNew_RestoresTurnPosition(t *testing.T) {
	store := newFakeStore()
	for i := 0; i < 6; i++ {
		role := core.RoleUser
		if i%2 == 1 {
			role = core.RoleAssistant
		}
		_, err := store.LogTurn(context.Background(), role, fmt.Sprintf("turn %d", i+1), nil)
		require.NoError(t, err)
	}

	ctxmgr, err := contextmgr.New(8192, 0.7, wordCounter{})
	require.NoError(t, err)

	retriever := &fakeRetriever{}
	ag, err := New(context.Background(), store, retriever, &fakeDistiller{},
		&fakeAI{reply: "welcome back"}, ctxmgr, Options{})
	require.NoError(t, err)
	require.EqualValues(t, 6, ag.CurrentTurn())

	result, err := ag.Chat(context.Background(), "I am back")
	require.NoError(t, err)
	require.EqualValues(t, 7, result.TurnID)
	require.EqualValues(t, 7, retriever.lastTurn)
}

func TestNew_RejectsOversizedTail(t *testing.T) {
	// A fresh context that already violates the tail constraint means every
	// later flush would fail; construction must refuse it.
	ctxmgr, err := contextmgr.New(4, 0.1, wordCounter{})
	require.NoError(t, err)

	_, err = New(context.Background(), newFakeStore(), &fakeRetriever{}, &fakeDistiller{},
		&fakeAI{}, ctxmgr, Options{})
	require.ErrorIs(t, err, core.ErrContextConfig)
}
