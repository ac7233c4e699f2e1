package retriever

import (
	"context"
	"testing"

	"github.com/sandevgo/longmem/internal/core"
	"github.com/sandevgo/longmem/internal/storage/sqlite"
	"github.com/stretchr/testify/require"
)

type fakeEmbedder struct {
	vec  []float32
	fail error
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if f.fail != nil {
		return nil, f.fail
	}
	return f.vec, nil
}

func (f *fakeEmbedder) Dim() int { return len(f.vec) }

type fakeStore struct {
	memories map[string]core.Memory
	vecHits  []sqlite.VectorHit
	ftsHits  []sqlite.FTSHit

	vecK    int
	ftsK    int
	touched map[string]int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		memories: make(map[string]core.Memory),
		touched:  make(map[string]int64),
	}
}

func (f *fakeStore) addMemory(id, key string) {
	f.memories[id] = core.Memory{
		ID: id, Type: core.TypeFact, Key: key, Value: "v", IsActive: true,
	}
}

func (f *fakeStore) ActiveCount(ctx context.Context) (int, error) {
	return len(f.memories), nil
}

func (f *fakeStore) SearchVector(ctx context.Context, queryEmbedding []float32, k int) ([]sqlite.VectorHit, error) {
	f.vecK = k
	return f.vecHits, nil
}

func (f *fakeStore) SearchFTS(ctx context.Context, query string, k int) ([]sqlite.FTSHit, error) {
	f.ftsK = k
	return f.ftsHits, nil
}

func (f *fakeStore) GetByID(ctx context.Context, id string) (core.Memory, error) {
	m, ok := f.memories[id]
	if !ok {
		return core.Memory{}, core.ErrNotFound
	}
	return m, nil
}

func (f *fakeStore) Touch(ctx context.Context, id string, turnID int64) error {
	if turnID > f.touched[id] {
		f.touched[id] = turnID
	}
	return nil
}

func TestRetrieve_EmptyStore(t *testing.T) {
	r := New(newFakeStore(), &fakeEmbedder{vec: []float32{1}}, 60)

	results, err := r.Retrieve(context.Background(), "anything", 5, 1)
	require.NoError(t, err)
	require.Empty(t, results)
}

func TestRetrieve_RRFFusion(t *testing.T) {
	store := newFakeStore()
	store.addMemory("mem_a", "a")
	store.addMemory("mem_b", "b")
	store.addMemory("mem_c", "c")

	// a: vector rank 0 only. b: fts rank 0 only. c: rank 1 in both lists,
	// which beats a single rank-0 appearance: 2/(61) > 1/60.
	store.vecHits = []sqlite.VectorHit{{ID: "mem_a", Distance: 0.1}, {ID: "mem_c", Distance: 0.2}}
	store.ftsHits = []sqlite.FTSHit{{ID: "mem_b", Rank: -3.0}, {ID: "mem_c", Rank: -2.0}}

	r := New(store, &fakeEmbedder{vec: []float32{1}}, 60)
	results, err := r.Retrieve(context.Background(), "query", 3, 7)
	require.NoError(t, err)
	require.Len(t, results, 3)

	require.Equal(t, "mem_c", results[0].Memory.ID)
	require.InDelta(t, 2.0/61.0, results[0].Score, 1e-9)
	require.Equal(t, 1, results[0].VectorRank)
	require.Equal(t, 1, results[0].FTSRank)
}

func TestRetrieve_TieBrokenByVectorRank(t *testing.T) {
	store := newFakeStore()
	store.addMemory("mem_x", "x")
	store.addMemory("mem_y", "y")

	// Both score 1/60: x at vector rank 0, y at fts rank 0. The vector
	// appearance wins the tie.
	store.vecHits = []sqlite.VectorHit{{ID: "mem_x", Distance: 0.5}}
	store.ftsHits = []sqlite.FTSHit{{ID: "mem_y", Rank: -1.0}}

	r := New(store, &fakeEmbedder{vec: []float32{1}}, 60)
	results, err := r.Retrieve(context.Background(), "query", 2, 1)
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, "mem_x", results[0].Memory.ID)
	require.Equal(t, "mem_y", results[1].Memory.ID)
}

func TestRetrieve_Overfetch(t *testing.T) {
	store := newFakeStore()
	store.addMemory("mem_a", "a")
	store.vecHits = []sqlite.VectorHit{{ID: "mem_a"}}

	r := New(store, &fakeEmbedder{vec: []float32{1}}, 60)
	_, err := r.Retrieve(context.Background(), "query", 5, 1)
	require.NoError(t, err)
	require.Equal(t, 15, store.vecK, "vector search should overfetch 3x")
	require.Equal(t, 15, store.ftsK, "fts search should overfetch 3x")
}

func TestRetrieve_TopKBound(t *testing.T) {
	store := newFakeStore()
	for _, id := range []string{"mem_1", "mem_2", "mem_3", "mem_4"} {
		store.addMemory(id, id)
	}
	store.vecHits = []sqlite.VectorHit{
		{ID: "mem_1"}, {ID: "mem_2"}, {ID: "mem_3"}, {ID: "mem_4"},
	}

	r := New(store, &fakeEmbedder{vec: []float32{1}}, 60)
	results, err := r.Retrieve(context.Background(), "query", 2, 1)
	require.NoError(t, err)
	require.Len(t, results, 2)
}

func TestRetrieve_TouchesResults(t *testing.T) {
	store := newFakeStore()
	store.addMemory("mem_a", "a")
	store.vecHits = []sqlite.VectorHit{{ID: "mem_a"}}

	r := New(store, &fakeEmbedder{vec: []float32{1}}, 60)
	results, err := r.Retrieve(context.Background(), "query", 5, 42)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.EqualValues(t, 42, store.touched["mem_a"])
	require.EqualValues(t, 42, results[0].Memory.LastUsedTurn,
		"result must reflect the touch")
}

func TestRetrieve_SkipsVanishedCandidates(t *testing.T) {
	store := newFakeStore()
	store.addMemory("mem_live", "live")
	// mem_gone appears in the index but not in the memories table.
	store.vecHits = []sqlite.VectorHit{{ID: "mem_gone"}, {ID: "mem_live"}}

	r := New(store, &fakeEmbedder{vec: []float32{1}}, 60)
	results, err := r.Retrieve(context.Background(), "query", 5, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "mem_live", results[0].Memory.ID)
}

func TestRetrieve_FTSOnlyWhenEmbedderDown(t *testing.T) {
	store := newFakeStore()
	store.addMemory("mem_a", "a")
	store.ftsHits = []sqlite.FTSHit{{ID: "mem_a", Rank: -1.0}}

	r := New(store, &fakeEmbedder{fail: core.ErrEmbeddingUnavailable}, 60)
	results, err := r.Retrieve(context.Background(), "query", 5, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, -1, results[0].VectorRank)
}
