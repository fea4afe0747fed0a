package hnsw

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"testing"
	"time"
)

func testConfig(dim int) Config {
	return Config{Dim: dim, M: 8, EfSearch: 32, Seed: 42}
}

func randomVector(rng *rand.Rand, dim int) Vector {
	v := make(Vector, dim)
	for i := range v {
		v[i] = float32(rng.Float64()*2 - 1)
	}
	return v
}

func TestCosineDistanceZeroVector(t *testing.T) {
	zero := []float32{0, 0, 0}
	other := []float32{1, 2, 3}
	if d := CosineDistance(zero, other); d != 1.0 {
		t.Fatalf("CosineDistance(zero, other) = %v, want 1.0", d)
	}
	if d := CosineDistance(zero, zero); d != 1.0 {
		t.Fatalf("CosineDistance(zero, zero) = %v, want 1.0", d)
	}
}

func TestCosineDistanceIdentical(t *testing.T) {
	v := []float32{1, 2, 3}
	if d := CosineDistance(v, v); math.Abs(float64(d)) > 1e-6 {
		t.Fatalf("CosineDistance(v, v) = %v, want ~0", d)
	}
}

// P1: inserted vectors are always findable by exact self-search.
func TestInsertThenSearchFindsSelf(t *testing.T) {
	idx, err := New(testConfig(4))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	vecs := [][]float32{
		{1, 0, 0, 0},
		{0, 1, 0, 0},
		{0, 0, 1, 0},
		{0, 0, 0, 1},
	}
	ids := make([]NodeId, len(vecs))
	for i, v := range vecs {
		id, err := idx.Insert(ctx, v, Metadata{"i": i})
		if err != nil {
			t.Fatal(err)
		}
		ids[i] = id
	}

	for i, v := range vecs {
		res, err := idx.Search(ctx, v, 1, SearchOptions{})
		if err != nil {
			t.Fatal(err)
		}
		if len(res) != 1 {
			t.Fatalf("want 1 result, got %d", len(res))
		}
		if res[0].NodeId != ids[i] {
			t.Fatalf("self-search for vector %d returned %d, want %d", i, res[0].NodeId, ids[i])
		}
	}
}

// P2/P9: NodeIds are monotonically assigned and never reused after delete.
func TestNodeIdNeverReused(t *testing.T) {
	idx, err := New(testConfig(2))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	id0, _ := idx.Insert(ctx, Vector{1, 0}, nil)
	id1, _ := idx.Insert(ctx, Vector{0, 1}, nil)

	if _, err := idx.PruneByAge(ctx, 0); err != nil {
		t.Fatal(err)
	}
	// Both nodes lack inserted_at, so PruneByAge(0) removes nothing; delete
	// id0 directly instead.
	idx.mu.Lock()
	idx.deleteLocked(id0)
	idx.mu.Unlock()

	id2, err := idx.Insert(ctx, Vector{1, 1}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if id2 == id0 {
		t.Fatalf("NodeId %d was reused after deletion", id0)
	}
	if id2 <= id1 {
		t.Fatalf("new NodeId %d not greater than prior max %d", id2, id1)
	}
}

// P3: results come back sorted ascending by distance.
func TestSearchResultsSortedAscending(t *testing.T) {
	idx, err := New(testConfig(3))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	rng := rand.New(rand.NewPCG(1, 2))
	for i := 0; i < 50; i++ {
		if _, err := idx.Insert(ctx, randomVector(rng, 3), nil); err != nil {
			t.Fatal(err)
		}
	}

	res, err := idx.Search(ctx, randomVector(rng, 3), 10, SearchOptions{})
	if err != nil {
		t.Fatal(err)
	}
	for i := 1; i < len(res); i++ {
		if res[i].Distance < res[i-1].Distance {
			t.Fatalf("results not sorted: %v before %v", res[i-1].Distance, res[i].Distance)
		}
	}
}

// L1: dimension mismatch is rejected on both Insert and Search.
func TestDimensionMismatchRejected(t *testing.T) {
	idx, err := New(testConfig(4))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if _, err := idx.Insert(ctx, Vector{1, 2, 3}, nil); !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("Insert: got %v, want ErrDimensionMismatch", err)
	}

	if _, err := idx.Insert(ctx, Vector{1, 2, 3, 4}, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := idx.Search(ctx, Vector{1, 2, 3}, 1, SearchOptions{}); !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("Search: got %v, want ErrDimensionMismatch", err)
	}
}

// L2: non-finite vectors are rejected.
func TestNonFiniteVectorRejected(t *testing.T) {
	idx, err := New(testConfig(2))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if _, err := idx.Insert(ctx, Vector{float32(math.NaN()), 0}, nil); !errors.Is(err, ErrInvalidVector) {
		t.Fatalf("got %v, want ErrInvalidVector", err)
	}
	if _, err := idx.Insert(ctx, Vector{float32(math.Inf(1)), 0}, nil); !errors.Is(err, ErrInvalidVector) {
		t.Fatalf("got %v, want ErrInvalidVector", err)
	}
}

// Empty Search returns (nil, nil), not an error.
func TestSearchOnEmptyIndex(t *testing.T) {
	idx, err := New(testConfig(3))
	if err != nil {
		t.Fatal(err)
	}
	res, err := idx.Search(context.Background(), Vector{1, 2, 3}, 5, SearchOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if res != nil {
		t.Fatalf("want nil results, got %v", res)
	}
}

// C1: MaxElements is enforced.
func TestMaxElementsEnforced(t *testing.T) {
	cfg := testConfig(2)
	cfg.MaxElements = 2
	idx, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if _, err := idx.Insert(ctx, Vector{1, 0}, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := idx.Insert(ctx, Vector{0, 1}, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := idx.Insert(ctx, Vector{1, 1}, nil); !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("got %v, want ErrCapacityExceeded", err)
	}
}

// PruneByAge removes only nodes older than the cutoff.
func TestPruneByAgeRemovesOldNodes(t *testing.T) {
	idx, err := New(testConfig(2))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	oldID, err := idx.Insert(ctx, Vector{1, 0}, Metadata{insertedAtKey: time.Now().Add(-time.Hour)})
	if err != nil {
		t.Fatal(err)
	}
	newID, err := idx.Insert(ctx, Vector{0, 1}, Metadata{insertedAtKey: time.Now()})
	if err != nil {
		t.Fatal(err)
	}

	removed, err := idx.PruneByAge(ctx, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 1 {
		t.Fatalf("want 1 removed, got %d", removed)
	}

	idx.mu.RLock()
	oldGone := idx.nodes[oldID] == nil
	newAlive := idx.nodes[newID] != nil
	idx.mu.RUnlock()
	if !oldGone {
		t.Fatalf("expected old node removed")
	}
	if !newAlive {
		t.Fatalf("expected new node to survive prune")
	}
}

// Compact removes orphans (nodes with no neighbors that are not the entry
// point) and keeps the entry point.
func TestCompactRemovesOrphans(t *testing.T) {
	idx, err := New(testConfig(2))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	a, err := idx.Insert(ctx, Vector{1, 0}, nil)
	if err != nil {
		t.Fatal(err)
	}
	b, err := idx.Insert(ctx, Vector{0, 1}, nil)
	if err != nil {
		t.Fatal(err)
	}
	// Sever the a<->b link at every layer, leaving both without neighbors.
	idx.mu.Lock()
	for _, id := range []NodeId{a, b} {
		nd := idx.nodes[id]
		for lev := range nd.neighbors {
			nd.neighbors[lev] = nil
		}
	}
	idx.mu.Unlock()

	stats, err := idx.Compact(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.RemovedNodes != 1 {
		t.Fatalf("RemovedNodes = %d, want 1 (the orphan that is not the entry point)", stats.RemovedNodes)
	}
	if stats.TotalNodesAfter != idx.Stats().Count {
		t.Fatalf("stats mismatch: %+v vs %+v", stats, idx.Stats())
	}
}

// Persist then Load round-trips a populated index through an in-memory
// Store stand-in.
func TestPersistLoadRoundTrip(t *testing.T) {
	store := newMemStore()

	cfg := testConfig(3)
	cfg.Store = store
	idx, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	var ids []NodeId
	rng := rand.New(rand.NewPCG(7, 9))
	for i := 0; i < 20; i++ {
		id, err := idx.Insert(ctx, randomVector(rng, 3), Metadata{"i": i})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id)
	}

	if err := idx.Persist(ctx, "snapshot.bin"); err != nil {
		t.Fatal(err)
	}

	loaded, err := Load(ctx, store, "snapshot.bin", Config{Logger: defaultLogger()})
	if err != nil {
		t.Fatal(err)
	}

	if loaded.Stats().Count != idx.Stats().Count {
		t.Fatalf("count mismatch after load: got %d, want %d", loaded.Stats().Count, idx.Stats().Count)
	}

	q := randomVector(rng, 3)
	want, err := idx.Search(ctx, q, 5, SearchOptions{})
	if err != nil {
		t.Fatal(err)
	}
	got, err := loaded.Search(ctx, q, 5, SearchOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(want) != len(got) {
		t.Fatalf("result count mismatch: %d vs %d", len(want), len(got))
	}
	for i := range want {
		if want[i].NodeId != got[i].NodeId {
			t.Fatalf("result %d mismatch: %d vs %d", i, want[i].NodeId, got[i].NodeId)
		}
	}
}

func TestPersistInProgressRejectsConcurrentCall(t *testing.T) {
	idx, err := New(testConfig(2))
	if err != nil {
		t.Fatal(err)
	}
	idx.persisting.Store(true)
	defer idx.persisting.Store(false)

	err = idx.Persist(context.Background(), "x.bin")
	if !errors.Is(err, ErrPersistInProgress) {
		t.Fatalf("got %v, want ErrPersistInProgress", err)
	}
}

func TestCloseRejectsSubsequentOps(t *testing.T) {
	idx, err := New(testConfig(2))
	if err != nil {
		t.Fatal(err)
	}
	if err := idx.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := idx.Insert(context.Background(), Vector{1, 2}, nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("got %v, want ErrClosed", err)
	}
}

func TestSubscribeReceivesEvents(t *testing.T) {
	idx, err := New(testConfig(2))
	if err != nil {
		t.Fatal(err)
	}
	var gotOp string
	unsub := idx.Subscribe(func(ev Event) { gotOp = ev.Op })
	defer unsub()

	if _, err := idx.Insert(context.Background(), Vector{1, 0}, nil); err != nil {
		t.Fatal(err)
	}
	if gotOp != "insert" {
		t.Fatalf("got op %q, want insert", gotOp)
	}
}

// P1: the bidirectional neighbor invariant holds even when linking a new
// node forces selectClosest to evict a peer from an existing node's list —
// the evicted peer's own list must no longer point back.
func TestInsertMaintainsBidirectionalLinks(t *testing.T) {
	cfg := testConfig(2)
	cfg.M = 2
	cfg.EfConstruction = 4
	cfg.Seed = 3
	idx, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	rng := rand.New(rand.NewPCG(11, 22))
	for i := 0; i < 100; i++ {
		v := Vector{float32(rng.Float64()) * 0.01, float32(rng.Float64()) * 0.01}
		if _, err := idx.Insert(ctx, v, nil); err != nil {
			t.Fatal(err)
		}
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()
	for _, nd := range idx.nodes {
		if nd == nil {
			continue
		}
		for lev, peers := range nd.neighbors {
			for _, pID := range peers {
				pn := idx.nodes[pID]
				if pn == nil {
					t.Fatalf("node %d has dangling neighbor %d at level %d", nd.id, pID, lev)
				}
				if lev >= len(pn.neighbors) {
					t.Fatalf("node %d neighbor %d has no level %d", nd.id, pID, lev)
				}
				found := false
				for _, back := range pn.neighbors[lev] {
					if back == nd.id {
						found = true
						break
					}
				}
				if !found {
					t.Fatalf("broken bidirectional link: node %d lists %d at level %d, but %d does not list %d back", nd.id, pID, lev, pID, nd.id)
				}
			}
		}
	}
}

func TestSearchBatchPreservesOrder(t *testing.T) {
	idx, err := New(testConfig(2))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	var ids []NodeId
	for _, v := range [][]float32{{1, 0}, {0, 1}, {-1, 0}, {0, -1}} {
		id, err := idx.Insert(ctx, v, nil)
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id)
	}

	queries := []Vector{{1, 0}, {0, 1}, {-1, 0}, {0, -1}}
	results := idx.SearchBatch(ctx, queries, 1, BatchSearchOptions{})
	if len(results) != len(queries) {
		t.Fatalf("got %d results, want %d", len(results), len(queries))
	}
	for i, r := range results {
		if r.Err != nil {
			t.Fatalf("query %d: %v", i, r.Err)
		}
		if len(r.Results) != 1 {
			t.Fatalf("query %d: want 1 result, got %d", i, len(r.Results))
		}
		if r.Results[0].NodeId != ids[i] {
			t.Fatalf("slot %d holds node %d, want %d (its own query's match)", i, r.Results[0].NodeId, ids[i])
		}
	}
}
